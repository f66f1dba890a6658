package rules

import (
	"testing"

	"github.com/stacknerd/msghub/internal/hostapi"
	"github.com/stacknerd/msghub/internal/message"
	"github.com/stacknerd/msghub/internal/preset"
	"github.com/stacknerd/msghub/internal/ruleconf"
)

func trgCfg() *ruleconf.Config {
	return &ruleconf.Config{
		Enabled: true,
		Mode:    ruleconf.ModeTriggered,
		Trg: &ruleconf.Triggered{
			TriggerID:   "pump.running",
			Operator:    "truthy",
			ValueType:   "number",
			Window:      ruleconf.Duration{Value: 300, UnitSeconds: 1},
			Expectation: "deltaUp",
			MinDelta:    0.2,
		},
		Msg: map[string]string{ruleconf.RoleTriggered: "trg-alert"},
	}
}

func trgPresets() map[string]*preset.Preset {
	return map[string]*preset.Preset{"trg-alert": alertPreset("trg-alert")}
}

func TestTriggered_ReactionInTimeIsSilent(t *testing.T) {
	h := newHarness(trgPresets())
	h.host.PutState("water.counter", 10.0, 500, 500)
	r, err := New("water.counter", trgCfg(), h.deps)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r.OnStateChange("pump.running", hostapi.State{Val: true, TS: 1000})
	timer, ok := h.pendingTimer("trg:water.counter")
	if !ok || timer.Kind != "triggered.window" || timer.DueAt != 301_000 {
		t.Fatalf("expected window timer at 301000, got %+v ok=%v", timer, ok)
	}

	// The counter moves by at least minDelta inside the window.
	r.OnStateChange("water.counter", hostapi.State{Val: 10.5, TS: 5000, LC: 5000})
	if _, ok := h.pendingTimer("trg:water.counter"); ok {
		t.Fatalf("expected window timer cancelled after reaction")
	}
	if m := h.store.Message(message.TriggeredRef("0", "water.counter")); m != nil {
		t.Fatalf("expected silent cancel, got %+v", m)
	}
}

func TestTriggered_WindowElapsesAndLateReactionCloses(t *testing.T) {
	h := newHarness(trgPresets())
	h.host.PutState("water.counter", 10.0, 500, 500)
	r, _ := New("water.counter", trgCfg(), h.deps)
	ref := message.TriggeredRef("0", "water.counter")

	r.OnStateChange("pump.running", hostapi.State{Val: true, TS: 1000})
	timer, _ := h.pendingTimer("trg:water.counter")

	r.OnTimer(timer)
	m := h.store.Message(ref)
	if m == nil || !m.QuasiOpen() {
		t.Fatalf("expected message after window elapsed, got %+v", m)
	}
	for _, typ := range []string{message.ActionAck, message.ActionSnooze, message.ActionClose} {
		if !m.HasAction(typ) {
			t.Fatalf("expected %s action on message, got %+v", typ, m.Actions)
		}
	}

	// The expected reaction eventually arrives: close.
	r.OnStateChange("water.counter", hostapi.State{Val: 10.5, TS: 400_000, LC: 400_000})
	m = h.store.Message(ref)
	if m == nil || m.Lifecycle.State != message.StateClosed {
		t.Fatalf("expected close on late reaction, got %+v", m)
	}
}

func TestTriggered_FallingTriggerCancelsWindow(t *testing.T) {
	h := newHarness(trgPresets())
	h.host.PutState("water.counter", 10.0, 500, 500)
	r, _ := New("water.counter", trgCfg(), h.deps)
	ref := message.TriggeredRef("0", "water.counter")

	r.OnStateChange("pump.running", hostapi.State{Val: true, TS: 1000})
	r.OnStateChange("pump.running", hostapi.State{Val: false, TS: 2000})
	if _, ok := h.pendingTimer("trg:water.counter"); ok {
		t.Fatalf("expected window timer cancelled when trigger falls")
	}
	if m := h.store.Message(ref); m != nil {
		t.Fatalf("expected no message for a cancelled window, got %+v", m)
	}
}

func TestTriggered_FallingTriggerClosesOpenMessage(t *testing.T) {
	h := newHarness(trgPresets())
	h.host.PutState("water.counter", 10.0, 500, 500)
	r, _ := New("water.counter", trgCfg(), h.deps)
	ref := message.TriggeredRef("0", "water.counter")

	r.OnStateChange("pump.running", hostapi.State{Val: true, TS: 1000})
	timer, _ := h.pendingTimer("trg:water.counter")
	r.OnTimer(timer)
	if m := h.store.Message(ref); m == nil || !m.QuasiOpen() {
		t.Fatalf("expected open message before trigger fell")
	}

	r.OnStateChange("pump.running", hostapi.State{Val: false, TS: 310_000})
	m := h.store.Message(ref)
	if m == nil || m.Lifecycle.State != message.StateClosed {
		t.Fatalf("expected close when trigger fell back, got %+v", m)
	}
}

func TestTriggered_RestartRecoversWindowFromTimer(t *testing.T) {
	h := newHarness(trgPresets())
	h.host.PutState("water.counter", 10.0, 500, 500)
	h.host.PutState("pump.running", true, 1000, 1000)
	h.timers.Set("trg:water.counter", 301_000, "triggered.window", encodeTimerData(timerData{
		TargetID:    "water.counter",
		BaselineLC:  500,
		BaselineVal: 10.0,
		HasBaseline: true,
	}))

	r, _ := New("water.counter", trgCfg(), h.deps)

	// The recovered baseline is live: an in-window reaction still cancels.
	r.OnStateChange("water.counter", hostapi.State{Val: 10.5, TS: 5000, LC: 5000})
	if _, ok := h.pendingTimer("trg:water.counter"); ok {
		t.Fatalf("expected recovered window cancelled after reaction")
	}
	if m := h.store.Message(message.TriggeredRef("0", "water.counter")); m != nil {
		t.Fatalf("expected no message, got %+v", m)
	}
}
