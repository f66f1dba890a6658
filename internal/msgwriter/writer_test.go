package msgwriter

import (
	"testing"

	"github.com/stacknerd/msghub/internal/hostapi"
	"github.com/stacknerd/msghub/internal/message"
	"github.com/stacknerd/msghub/internal/preset"
	"github.com/stacknerd/msghub/internal/testutil"
)

const testRef = "IngestStates.0.threshold.dev.temp"

func newTestWriter(store hostapi.Store, presets map[string]*preset.Preset, presetID string) *Writer {
	cache := preset.NewCache(func(id string) (*preset.Preset, error) {
		return presets[id], nil
	})
	return New(Config{
		TargetID: "dev.temp",
		Role:     "DefaultId",
		PresetID: presetID,
		Actor:    "IngestStates.0",
		Origin:   message.Origin{Type: message.OriginSystem, System: "msghub.0", ID: "dev.temp"},
		Presets:  cache,
		Store:    store,
	})
}

func basicPreset() *preset.Preset {
	return &preset.Preset{
		ID: "p",
		Message: preset.Template{
			Kind:  message.KindAlert,
			Level: message.LevelWarn,
			Title: "Too hot: {stateName}",
			Text:  "{targetId} crossed the bound",
		},
	}
}

func TestOnUpsert_CreateAndIdempotentRepeat(t *testing.T) {
	store := testutil.NewMemStore()
	w := newTestWriter(store, map[string]*preset.Preset{"p": basicPreset()}, "p")

	vars := map[string]string{"targetId": "dev.temp", "stateName": "temp"}
	wrote, err := w.OnUpsert(testRef, UpsertOpts{Now: 1000, Vars: vars})
	if err != nil || !wrote {
		t.Fatalf("expected create, got wrote=%v err=%v", wrote, err)
	}

	m := store.Message(testRef)
	if m == nil {
		t.Fatalf("expected stored message")
	}
	if m.Title != "Too hot: temp" || m.Text != "dev.temp crossed the bound" {
		t.Fatalf("expected expanded template, got %q / %q", m.Title, m.Text)
	}
	if m.Lifecycle.State != message.StateOpen {
		t.Fatalf("expected open lifecycle")
	}
	if m.Timing.NotifyAt != 1000 {
		t.Fatalf("expected notifyAt defaulted to now, got %d", m.Timing.NotifyAt)
	}

	// Unchanged repeat must not write.
	wrote, err = w.OnUpsert(testRef, UpsertOpts{Now: 2000, Vars: vars})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wrote {
		t.Fatalf("expected idempotent repeat, but a write occurred")
	}
	if store.UpdateWrites != 0 {
		t.Fatalf("expected no update writes, got %d", store.UpdateWrites)
	}
}

func TestOnUpsert_PatchOnlyRuleOwnedFields(t *testing.T) {
	store := testutil.NewMemStore()
	presets := map[string]*preset.Preset{"p": basicPreset()}
	w := newTestWriter(store, presets, "p")

	vars := map[string]string{"stateName": "temp", "targetId": "dev.temp"}
	if _, err := w.OnUpsert(testRef, UpsertOpts{Now: 1000, Vars: vars}); err != nil {
		t.Fatalf("create: %v", err)
	}

	// User acks the message and snoozes the notification.
	seeded := store.Message(testRef)
	seeded.Lifecycle.State = message.StateAcked
	seeded.Timing.NotifyAt = 99_999
	seeded.Audience = "ops"
	store.Seed(seeded)

	// Preset text changes; writer must patch text but not touch user fields.
	presets["p"].Message.Text = "{targetId} is burning"
	w.cfg.Presets.Invalidate("p")

	wrote, err := w.OnUpsert(testRef, UpsertOpts{Now: 2000, Vars: vars})
	if err != nil || !wrote {
		t.Fatalf("expected patch, got wrote=%v err=%v", wrote, err)
	}

	m := store.Message(testRef)
	if m.Text != "dev.temp is burning" {
		t.Fatalf("expected patched text, got %q", m.Text)
	}
	if m.Lifecycle.State != message.StateAcked {
		t.Fatalf("lifecycle must not be touched, got %s", m.Lifecycle.State)
	}
	if m.Timing.NotifyAt != 99_999 {
		t.Fatalf("notifyAt must not be touched, got %d", m.Timing.NotifyAt)
	}
	if m.Audience != "ops" {
		t.Fatalf("audience must not be touched, got %q", m.Audience)
	}
}

func TestOnUpsert_FallbackWhenPresetMissing(t *testing.T) {
	store := testutil.NewMemStore()
	w := newTestWriter(store, map[string]*preset.Preset{}, "ghost")

	wrote, err := w.OnUpsert(testRef, UpsertOpts{
		Now:  1000,
		Vars: map[string]string{"targetId": "dev.temp"},
	})
	if err != nil || !wrote {
		t.Fatalf("expected fallback create, got wrote=%v err=%v", wrote, err)
	}
	m := store.Message(testRef)
	if m.Level != message.LevelWarn {
		t.Fatalf("expected fallback level warn, got %d", m.Level)
	}
	if w.HasConfiguredPreset() {
		t.Fatalf("expected HasConfiguredPreset false for missing preset")
	}
}

func TestOnClose_ResetOnNormalCompletes(t *testing.T) {
	store := testutil.NewMemStore()
	w := newTestWriter(store, map[string]*preset.Preset{"p": basicPreset()}, "p")

	vars := map[string]string{"targetId": "dev.temp", "stateName": "temp"}
	if _, err := w.OnUpsert(testRef, UpsertOpts{Now: 1000, Vars: vars}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := w.OnClose(testRef, 5000); err != nil {
		t.Fatalf("close: %v", err)
	}

	m := store.Message(testRef)
	if m.Lifecycle.State != message.StateClosed {
		t.Fatalf("expected closed, got %s", m.Lifecycle.State)
	}
	if m.Lifecycle.StateChangedBy != "IngestStates.0" {
		t.Fatalf("expected completing actor recorded, got %q", m.Lifecycle.StateChangedBy)
	}
	if m.Lifecycle.StateChangedAt != 5000 {
		t.Fatalf("expected close time 5000, got %d", m.Lifecycle.StateChangedAt)
	}

	// Closing again is a no-op.
	if err := w.OnClose(testRef, 6000); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if store.CompleteCalls != 1 {
		t.Fatalf("expected exactly one completion, got %d", store.CompleteCalls)
	}
}

func TestOnClose_KeepPolicyDisarmsInstead(t *testing.T) {
	store := testutil.NewMemStore()
	keep := false
	p := basicPreset()
	p.Policy.ResetOnNormal = &keep
	p.Message.Timing.RemindEvery = 60_000
	w := newTestWriter(store, map[string]*preset.Preset{"p": p}, "p")

	vars := map[string]string{"targetId": "dev.temp", "stateName": "temp"}
	if _, err := w.OnUpsert(testRef, UpsertOpts{Now: 1000, Vars: vars}); err != nil {
		t.Fatalf("create: %v", err)
	}
	// Pretend the user cleared notifyAt so the disarm has to supply one.
	m := store.Message(testRef)
	m.Timing.NotifyAt = 0
	store.Seed(m)

	if err := w.OnClose(testRef, 5000); err != nil {
		t.Fatalf("close: %v", err)
	}

	m = store.Message(testRef)
	if m.Lifecycle.State != message.StateOpen {
		t.Fatalf("expected message kept open, got %s", m.Lifecycle.State)
	}
	if !m.HasAction(message.ActionClose) {
		t.Fatalf("expected close action ensured")
	}
	if m.Timing.RemindEvery != 0 {
		t.Fatalf("expected reminders disarmed, got %d", m.Timing.RemindEvery)
	}
	if m.Timing.NotifyAt <= 5000 {
		t.Fatalf("expected notifyAt pushed far out, got %d", m.Timing.NotifyAt)
	}
	if store.CompleteCalls != 0 {
		t.Fatalf("expected no completion under keep policy")
	}
}

func TestCreate_CooldownSilentReopen(t *testing.T) {
	store := testutil.NewMemStore()
	p := basicPreset()
	p.Message.Timing.Cooldown = 60_000
	p.Message.Timing.RemindEvery = 30_000
	w := newTestWriter(store, map[string]*preset.Preset{"p": p}, "p")

	vars := map[string]string{"targetId": "dev.temp", "stateName": "temp"}
	if _, err := w.OnUpsert(testRef, UpsertOpts{Now: 1000, Vars: vars}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := w.OnClose(testRef, 10_000); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Re-open within the cooldown: notifyAt lands at closedAt+cooldown.
	wrote, err := w.OnUpsert(testRef, UpsertOpts{Now: 20_000, Vars: vars})
	if err != nil || !wrote {
		t.Fatalf("expected re-create, got wrote=%v err=%v", wrote, err)
	}
	m := store.Message(testRef)
	if m.Lifecycle.State != message.StateOpen {
		t.Fatalf("expected fresh open message, got %s", m.Lifecycle.State)
	}
	if m.Timing.NotifyAt != 70_000 {
		t.Fatalf("expected notifyAt=closedAt+cooldown=70000, got %d", m.Timing.NotifyAt)
	}
}

func TestCreate_CooldownWithoutRemindersSuppressesLong(t *testing.T) {
	store := testutil.NewMemStore()
	p := basicPreset()
	p.Message.Timing.Cooldown = 60_000
	w := newTestWriter(store, map[string]*preset.Preset{"p": p}, "p")

	vars := map[string]string{"targetId": "dev.temp", "stateName": "temp"}
	if _, err := w.OnUpsert(testRef, UpsertOpts{Now: 1000, Vars: vars}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := w.OnClose(testRef, 10_000); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := w.OnUpsert(testRef, UpsertOpts{Now: 20_000, Vars: vars}); err != nil {
		t.Fatalf("re-create: %v", err)
	}

	m := store.Message(testRef)
	if m.Timing.NotifyAt < 20_000+notifySuppressHorizon {
		t.Fatalf("expected notifyAt pushed to suppress horizon, got %d", m.Timing.NotifyAt)
	}
}

func TestOnMetrics_ThrottleAndChangeDetection(t *testing.T) {
	store := testutil.NewMemStore()
	w := newTestWriter(store, map[string]*preset.Preset{"p": basicPreset()}, "p")
	w.cfg.MetricsMaxInterval = 30_000

	vars := map[string]string{"targetId": "dev.temp", "stateName": "temp"}
	if _, err := w.OnUpsert(testRef, UpsertOpts{Now: 1000, Vars: vars}); err != nil {
		t.Fatalf("create: %v", err)
	}

	set := map[string]message.Metric{"power": {Val: 10.0, Unit: "W", TS: 2000}}
	wrote, err := w.OnMetrics(testRef, MetricsOpts{Set: set, Now: 2000})
	if err != nil || !wrote {
		t.Fatalf("expected first metrics write, got wrote=%v err=%v", wrote, err)
	}

	// Within the throttle window nothing is written.
	set2 := map[string]message.Metric{"power": {Val: 11.0, Unit: "W", TS: 3000}}
	wrote, err = w.OnMetrics(testRef, MetricsOpts{Set: set2, Now: 3000})
	if err != nil || wrote {
		t.Fatalf("expected throttled, got wrote=%v err=%v", wrote, err)
	}

	// Force bypasses the throttle.
	wrote, err = w.OnMetrics(testRef, MetricsOpts{Set: set2, Now: 4000, Force: true})
	if err != nil || !wrote {
		t.Fatalf("expected forced write, got wrote=%v err=%v", wrote, err)
	}

	// Past the window, an unchanged value is still suppressed.
	wrote, err = w.OnMetrics(testRef, MetricsOpts{
		Set: map[string]message.Metric{"power": {Val: 11.0, Unit: "W", TS: 99_000}},
		Now: 99_000,
	})
	if err != nil || wrote {
		t.Fatalf("expected change detection to suppress, got wrote=%v err=%v", wrote, err)
	}
}

func TestOnMetrics_ClosedMessageIsNoop(t *testing.T) {
	store := testutil.NewMemStore()
	w := newTestWriter(store, map[string]*preset.Preset{"p": basicPreset()}, "p")

	vars := map[string]string{"targetId": "dev.temp", "stateName": "temp"}
	if _, err := w.OnUpsert(testRef, UpsertOpts{Now: 1000, Vars: vars}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := w.OnClose(testRef, 2000); err != nil {
		t.Fatalf("close: %v", err)
	}

	wrote, err := w.OnMetrics(testRef, MetricsOpts{
		Set: map[string]message.Metric{"power": {Val: 1.0}},
		Now: 3000,
	})
	if err != nil || wrote {
		t.Fatalf("expected no-op on closed message, got wrote=%v err=%v", wrote, err)
	}
}
