package engine

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"github.com/stacknerd/msghub/internal/hostapi"
	"github.com/stacknerd/msghub/internal/message"
	"github.com/stacknerd/msghub/internal/testutil"
	"github.com/stacknerd/msghub/internal/timersvc"
)

var testStart = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type engineFixture struct {
	host  *testutil.FakeHost
	store *testutil.MemStore
	clk   *testclock.Clock
	eng   *Engine
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	f := &engineFixture{
		host:  testutil.NewFakeHost(),
		store: testutil.NewMemStore(),
		clk:   testclock.NewClock(testStart),
	}
	f.eng = New(Config{
		Namespace: "msghub.0",
		Instance:  "0",
		Bus:       f.host,
		Reader:    f.host,
		Store:     f.store,
		Clock:     f.clk,
	})
	t.Cleanup(f.eng.Stop)
	return f
}

// flush runs an empty op through the queue so async submissions settle.
func (f *engineFixture) flush() {
	f.eng.Rules()
}

// waitFor polls cond with the queue flushed in between, on a real deadline;
// timer fires and debounce callbacks arrive asynchronously.
func (f *engineFixture) waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.flush()
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func thresholdRaw(minDurationSec float64) map[string]any {
	return map[string]any{
		"enabled":              true,
		"mode":                 "threshold",
		"thr-mode":             "gt",
		"thr-value":            70.0,
		"thr-hysteresis":       5.0,
		"thr-minDurationValue": minDurationSec,
	}
}

func freshnessRaw() map[string]any {
	return map[string]any{
		"enabled":       true,
		"mode":          "freshness",
		"fresh-everyMs": 60_000.0,
	}
}

func TestEngine_StartBuildsRulesAndSubscriptions(t *testing.T) {
	f := newEngineFixture(t)
	f.host.PutObject("cpu.load", "msghub.0", thresholdRaw(0))
	f.host.PutObject("room.temp", "msghub.0", freshnessRaw())
	// Own objects and foreign-namespace objects never become targets.
	f.host.PutObject("msghub.0.presets", "msghub.0", thresholdRaw(0))
	f.host.PutObject("other.thing", "someplugin.1", freshnessRaw())

	f.eng.Start()

	if n := f.eng.Rules(); n != 2 {
		t.Fatalf("expected 2 rules, got %d", n)
	}
	if got := f.host.SubscribedStates(); !reflect.DeepEqual(got, []string{"cpu.load", "room.temp"}) {
		t.Fatalf("expected state subscriptions for both targets, got %v", got)
	}
	if got := f.host.SubscribedObjects(); !reflect.DeepEqual(got, []string{"cpu.load", "room.temp"}) {
		t.Fatalf("expected object subscriptions for both targets, got %v", got)
	}
}

func TestEngine_StateChangeRouting(t *testing.T) {
	f := newEngineFixture(t)
	f.host.PutObject("cpu.load", "msghub.0", thresholdRaw(0))
	f.eng.Start()

	f.eng.OnStateChange("cpu.load", &hostapi.State{Val: 75.0, TS: 1000})
	f.flush()

	ref := message.ThresholdRef("0", "cpu.load")
	m := f.store.Message(ref)
	if m == nil || !m.QuasiOpen() {
		t.Fatalf("expected breach message after routed state change, got %+v", m)
	}

	// Unwatched ids are dropped before the queue.
	f.eng.OnStateChange("unrelated.id", &hostapi.State{Val: 1.0, TS: 2000})
	f.flush()
	if f.store.AddCalls != 1 {
		t.Fatalf("expected exactly one add, got %d", f.store.AddCalls)
	}
}

func TestEngine_ManagedByConflictSkipsButWatches(t *testing.T) {
	f := newEngineFixture(t)
	raw := thresholdRaw(0)
	raw["managedMeta-managedBy"] = "IngestStates.9"
	f.host.PutObject("cpu.load", "msghub.0", raw)

	f.eng.Start()

	if n := f.eng.Rules(); n != 0 {
		t.Fatalf("expected foreign-managed target skipped, got %d rules", n)
	}
	// The object stays watched so a handover triggers a rescan.
	if got := f.host.SubscribedObjects(); !reflect.DeepEqual(got, []string{"cpu.load"}) {
		t.Fatalf("expected object still watched, got %v", got)
	}
	if got := f.host.SubscribedStates(); len(got) != 0 {
		t.Fatalf("expected no state subscriptions, got %v", got)
	}
}

func TestEngine_InvalidConfigStaysWatched(t *testing.T) {
	f := newEngineFixture(t)
	f.host.PutObject("cpu.load", "msghub.0", map[string]any{
		"enabled":  true,
		"mode":     "threshold",
		"thr-mode": "sideways", // invalid
	})

	f.eng.Start()

	if n := f.eng.Rules(); n != 0 {
		t.Fatalf("expected invalid config to build no rule, got %d", n)
	}
	if got := f.host.SubscribedObjects(); !reflect.DeepEqual(got, []string{"cpu.load"}) {
		t.Fatalf("expected broken object still watched, got %v", got)
	}

	// Fixing the config and rescanning builds the rule.
	f.host.PutObject("cpu.load", "msghub.0", thresholdRaw(0))
	f.eng.TriggerRescan()
	f.waitFor(t, "rule after config fix", func() bool { return f.eng.Rules() == 1 })
}

func TestEngine_FingerprintReuseKeepsRuleState(t *testing.T) {
	f := newEngineFixture(t)
	f.host.PutObject("cpu.load", "msghub.0", thresholdRaw(120))
	f.eng.Start()

	// Arm the minDuration phase, then rescan with an unchanged config.
	f.eng.OnStateChange("cpu.load", &hostapi.State{Val: 75.0, TS: 1000})
	f.flush()
	f.eng.TriggerRescan()
	f.flush()

	// A replaced rule would have been rebuilt from scratch; the reused one
	// still opens the message when its armed timer fires.
	f.clk.Advance(time.Millisecond)
	ref := message.ThresholdRef("0", "cpu.load")
	f.waitFor(t, "message from armed timer", func() bool {
		m := f.store.Message(ref)
		return m != nil && m.QuasiOpen()
	})
}

func TestEngine_DisabledAndVanishedRulesRemoved(t *testing.T) {
	f := newEngineFixture(t)
	f.host.PutObject("cpu.load", "msghub.0", thresholdRaw(0))
	f.host.PutObject("room.temp", "msghub.0", freshnessRaw())
	f.eng.Start()
	if n := f.eng.Rules(); n != 2 {
		t.Fatalf("expected 2 rules, got %d", n)
	}

	disabled := thresholdRaw(0)
	disabled["enabled"] = false
	f.host.PutObject("cpu.load", "msghub.0", disabled)
	f.host.DeleteObject("room.temp")
	f.eng.TriggerRescan()
	f.flush()

	if n := f.eng.Rules(); n != 0 {
		t.Fatalf("expected all rules removed, got %d", n)
	}
	if got := f.host.SubscribedStates(); len(got) != 0 {
		t.Fatalf("expected state subscriptions dropped, got %v", got)
	}
	// The disabled object is still present, so it stays watched.
	if got := f.host.SubscribedObjects(); !reflect.DeepEqual(got, []string{"cpu.load"}) {
		t.Fatalf("expected only the disabled object watched, got %v", got)
	}
}

func TestEngine_TimerRouting(t *testing.T) {
	f := newEngineFixture(t)
	f.host.PutObject("cpu.load", "msghub.0", thresholdRaw(120))
	f.eng.Start()

	f.eng.OnStateChange("cpu.load", &hostapi.State{Val: 75.0, TS: 1000})
	f.flush()
	ref := message.ThresholdRef("0", "cpu.load")
	if m := f.store.Message(ref); m != nil {
		t.Fatalf("expected no message while armed, got %+v", m)
	}

	// The due timer is routed to its owning rule by payload target id.
	f.clk.Advance(time.Millisecond)
	f.waitFor(t, "message after minDuration fire", func() bool {
		m := f.store.Message(ref)
		return m != nil && m.QuasiOpen()
	})
}

func TestEngine_PresetInvalidationOnStateChange(t *testing.T) {
	f := newEngineFixture(t)
	presetState := "msghub.0.IngestStates.0.presets.p1"
	f.host.PutState(presetState,
		`{"message":{"kind":"alert","level":20,"title":"first {targetId}","text":"x"}}`, 100, 100)

	raw := thresholdRaw(0)
	raw["msg-DefaultId"] = "p1"
	f.host.PutObject("cpu.load", "msghub.0", raw)
	f.eng.Start()

	// Preset document states are subscribed alongside rule states.
	if got := f.host.SubscribedStates(); !reflect.DeepEqual(got, []string{"cpu.load", presetState}) {
		t.Fatalf("expected preset state subscribed, got %v", got)
	}

	f.eng.OnStateChange("cpu.load", &hostapi.State{Val: 75.0, TS: 1000})
	f.flush()
	ref := message.ThresholdRef("0", "cpu.load")
	if m := f.store.Message(ref); m == nil || m.Title != "first cpu.load" {
		t.Fatalf("expected first preset title, got %+v", m)
	}

	// Editing the preset document invalidates the cached entry; the next
	// cycle picks up the new shape.
	f.host.PutState(presetState,
		`{"message":{"kind":"alert","level":20,"title":"second {targetId}","text":"x"}}`, 200, 200)
	f.eng.OnStateChange(presetState, nil)
	f.eng.OnStateChange("cpu.load", &hostapi.State{Val: 60.0, TS: 2000}) // close
	f.eng.OnStateChange("cpu.load", &hostapi.State{Val: 75.0, TS: 3000}) // reopen
	f.flush()

	if m := f.store.Message(ref); m == nil || m.Title != "second cpu.load" {
		t.Fatalf("expected second preset title after invalidation, got %+v", m)
	}
}

func TestEngine_ObjectChangeDebounce(t *testing.T) {
	f := newEngineFixture(t)
	f.eng.Start()
	if n := f.eng.Rules(); n != 0 {
		t.Fatalf("expected empty start, got %d rules", n)
	}

	f.host.PutObject("cpu.load", "msghub.0", thresholdRaw(0))
	f.eng.OnObjectChange("cpu.load")
	f.eng.OnObjectChange("cpu.load")
	f.flush()
	if n := f.eng.Rules(); n != 0 {
		t.Fatalf("expected no rescan before the debounce elapsed, got %d rules", n)
	}

	f.clk.Advance(objectDebounce)
	f.waitFor(t, "debounced rescan", func() bool { return f.eng.Rules() == 1 })
}

func TestEngine_StopPreservesPersistedTimers(t *testing.T) {
	f := newEngineFixture(t)
	f.host.PutObject("cpu.load", "msghub.0", thresholdRaw(120))
	f.host.PutState("cpu.load", 75.0, 1000, 1000)
	f.eng.Start()
	f.eng.OnStateChange("cpu.load", &hostapi.State{Val: 75.0, TS: 1000})
	f.flush()

	f.eng.Stop()

	// The armed minDuration timer survives a clean shutdown in the slot.
	st, err := f.host.GetForeignState(timersvc.SlotID("msghub.0", "0"))
	if err != nil || st == nil {
		t.Fatalf("expected persisted timer document after stop, got %+v err=%v", st, err)
	}
	raw, _ := st.Val.(string)
	if !strings.Contains(raw, "thr:cpu.load") {
		t.Fatalf("expected armed timer persisted across stop, slot=%q", raw)
	}

	// A fresh engine on the same host recovers the timer and fires it.
	eng2 := New(Config{
		Namespace: "msghub.0",
		Instance:  "0",
		Bus:       f.host,
		Reader:    f.host,
		Store:     f.store,
		Clock:     f.clk,
	})
	t.Cleanup(eng2.Stop)
	eng2.Start()
	f.clk.Advance(time.Millisecond)

	ref := message.ThresholdRef("0", "cpu.load")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		eng2.Rules()
		if m := f.store.Message(ref); m != nil && m.QuasiOpen() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for recovered timer to fire after restart")
}

func TestEngine_StopClearsSubscriptionsAndRules(t *testing.T) {
	f := newEngineFixture(t)
	f.host.PutObject("cpu.load", "msghub.0", thresholdRaw(120))
	f.eng.Start()
	f.eng.OnStateChange("cpu.load", &hostapi.State{Val: 75.0, TS: 1000})
	f.flush()

	f.eng.Stop()

	if got := f.host.SubscribedStates(); len(got) != 0 {
		t.Fatalf("expected state subscriptions cleared on stop, got %v", got)
	}
	if got := f.host.SubscribedObjects(); len(got) != 0 {
		t.Fatalf("expected object subscriptions cleared on stop, got %v", got)
	}
	// Open messages survive a stop untouched.
	if f.store.CompleteCalls != 0 || f.store.RemoveCalls != 0 {
		t.Fatalf("expected no message mutation on stop, completes=%d removes=%d",
			f.store.CompleteCalls, f.store.RemoveCalls)
	}
}
