package rules

import (
	"time"

	"github.com/juju/clock/testclock"

	"github.com/stacknerd/msghub/internal/preset"
	"github.com/stacknerd/msghub/internal/testutil"
	"github.com/stacknerd/msghub/internal/timersvc"
)

var harnessStart = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// harness bundles the fakes a rule needs.
type harness struct {
	host    *testutil.FakeHost
	store   *testutil.MemStore
	timers  *timersvc.Service
	presets map[string]*preset.Preset
	deps    Deps
}

func newHarness(presets map[string]*preset.Preset) *harness {
	h := &harness{
		host:    testutil.NewFakeHost(),
		store:   testutil.NewMemStore(),
		presets: presets,
	}
	clk := testclock.NewClock(harnessStart)
	h.timers = timersvc.New(clk, h.host, timersvc.SlotID("msghub.0", "0"), func(timersvc.Timer) {})
	cache := preset.NewCache(func(id string) (*preset.Preset, error) {
		return h.presets[id], nil
	})
	h.deps = Deps{
		Namespace: "msghub.0",
		Instance:  "0",
		Owner:     "IngestStates.0",
		Timers:    h.timers,
		Reader:    h.host,
		Store:     h.store,
		Presets:   cache,
	}
	return h
}

// alertPreset is a minimal usable preset.
func alertPreset(id string) *preset.Preset {
	return &preset.Preset{
		ID: id,
		Message: preset.Template{
			Kind:  "alert",
			Level: 20,
			Title: "Problem with {stateName}",
			Text:  "{targetId} misbehaves",
		},
	}
}

// pendingTimer returns the timer at id, for assertions.
func (h *harness) pendingTimer(id string) (timersvc.Timer, bool) {
	return h.timers.Get(id)
}
