// Package msgwriter writes rule messages into the host store: preset
// resolution, idempotent upserts with change detection, close policies, and
// throttled metric patches. One writer exists per (target, preset role).
package msgwriter

import (
	"errors"
	"log"
	"strings"

	"github.com/stacknerd/msghub/internal/hostapi"
	"github.com/stacknerd/msghub/internal/message"
	"github.com/stacknerd/msghub/internal/preset"
)

// ErrBadPreset means the resolved preset produced an empty title or text.
var ErrBadPreset = errors.New("msgwriter: preset yields empty title or text")

// notifySuppressHorizon pushes notifyAt far enough into the future that the
// notification is effectively suppressed until explicitly reopened.
const notifySuppressHorizon = int64(10 * 365 * 24) * 3600 * 1000 // 10 years in ms

// Config wires a writer to its target and preset role.
type Config struct {
	TargetID  string
	Role      string // preset role key, e.g. "DefaultId"
	PresetID  string // "" resolves to the built-in fallback
	Actor     string // recorded as stateChangedBy on completion
	Origin    message.Origin
	Audience  string
	Presets   *preset.Cache
	Store     hostapi.Store
	Trace     bool
	// MetricsMaxInterval throttles OnMetrics patches, in ms. Zero disables.
	MetricsMaxInterval int64
}

// Writer performs store writes for one (target, preset role) pair.
// Not safe for concurrent use; the engine serializes all calls.
type Writer struct {
	cfg Config

	// lastMetricsAt is the in-memory metrics throttle. It deliberately
	// resets on restart.
	lastMetricsAt int64
}

// New creates a writer.
func New(cfg Config) *Writer {
	return &Writer{cfg: cfg}
}

// resolve returns the configured preset or the built-in fallback when the
// configured one is missing or invalid.
func (w *Writer) resolve() *preset.Preset {
	if w.cfg.PresetID != "" {
		if p := w.cfg.Presets.Get(w.cfg.PresetID); p != nil {
			return p
		}
		log.Printf("[msgwriter] %s: preset %q unavailable, using fallback", w.cfg.TargetID, w.cfg.PresetID)
	}
	return preset.Fallback()
}

// ResolvedPreset exposes the effective preset, for rules that suppress
// optional messages when no real preset is configured.
func (w *Writer) ResolvedPreset() *preset.Preset {
	return w.resolve()
}

// HasConfiguredPreset reports whether a real (non-fallback) preset resolves.
func (w *Writer) HasConfiguredPreset() bool {
	return w.cfg.PresetID != "" && w.cfg.Presets.Get(w.cfg.PresetID) != nil
}

// UpsertOpts parameterizes one upsert.
type UpsertOpts struct {
	Now      int64
	StartAt  int64 // 0 = unset
	EndAt    int64 // 0 = unset
	NotifyAt int64 // 0 = now
	Details  map[string]any
	Metrics  map[string]message.Metric
	// Actions, when supplied, replace the preset actions. ActionsSet
	// distinguishes "not provided" from "provided empty".
	Actions    []message.Action
	ActionsSet bool
	// Vars substitute {name} placeholders in title and text.
	Vars map[string]string
}

// expand substitutes {name} placeholders. Unknown tokens pass through.
func expand(s string, vars map[string]string) string {
	for k, v := range vars {
		s = strings.ReplaceAll(s, "{"+k+"}", v)
	}
	return s
}

// OnUpsert creates or narrowly patches the message at ref. Returns true when
// a store write occurred.
func (w *Writer) OnUpsert(ref string, o UpsertOpts) (bool, error) {
	p := w.resolve()
	title := expand(p.Message.Title, o.Vars)
	text := expand(p.Message.Text, o.Vars)
	if title == "" || text == "" {
		return false, ErrBadPreset
	}

	existing, err := w.cfg.Store.GetMessageByRef(ref, hostapi.ScopeAll)
	if err != nil {
		return false, err
	}

	if existing != nil && existing.QuasiOpen() {
		return w.patchExisting(ref, existing, p, title, text, o)
	}
	return w.create(ref, existing, p, title, text, o)
}

// create adds a fresh message. When a closed message still sits at ref and
// its cooldown has not elapsed, the re-creation is silent: notifyAt is
// pushed to closedAt + cooldown (or the suppress horizon without reminders).
func (w *Writer) create(
	ref string,
	closed *message.Message,
	p *preset.Preset,
	title, text string,
	o UpsertOpts,
) (bool, error) {
	notifyAt := o.NotifyAt
	if notifyAt == 0 {
		notifyAt = o.Now
	}

	if closed != nil && closed.Lifecycle.State == message.StateClosed {
		cooldown := p.Message.Timing.Cooldown
		closedAt := closed.Lifecycle.StateChangedAt
		if cooldown > 0 && closedAt > 0 && o.Now < closedAt+cooldown {
			notifyAt = closedAt + cooldown
			if p.Message.Timing.RemindEvery == 0 {
				notifyAt = o.Now + notifySuppressHorizon
			}
			if w.cfg.Trace {
				log.Printf("[msgwriter] %s: silent re-open within cooldown, notifyAt=%d", ref, notifyAt)
			}
		}
	}

	details := mergeDetails(p.Message.Details, o.Details)
	actions := p.Message.Actions
	if o.ActionsSet {
		actions = o.Actions
	}

	timing := message.Timing{
		NotifyAt:    notifyAt,
		StartAt:     o.StartAt,
		EndAt:       o.EndAt,
		RemindEvery: p.Message.Timing.RemindEvery,
		Cooldown:    p.Message.Timing.Cooldown,
		TimeBudget:  p.Message.Timing.TimeBudget,
	}
	if p.Message.Timing.DueInMs > 0 {
		timing.DueAt = o.Now + p.Message.Timing.DueInMs
	}

	msg, err := message.New(message.Fields{
		Ref:      ref,
		Kind:     p.Message.Kind,
		Level:    p.Message.Level,
		Title:    title,
		Text:     text,
		Origin:   w.cfg.Origin,
		Audience: firstNonEmpty(p.Message.Audience, w.cfg.Audience),
		Details:  details,
		Actions:  actions,
		Timing:   timing,
		Metrics:  o.Metrics,
		Now:      o.Now,
	})
	if err != nil {
		// Factory rejection is retried on the next incremental change.
		log.Printf("[msgwriter] %s: factory rejected message: %v", ref, err)
		return false, nil
	}
	if err := w.cfg.Store.AddMessage(msg); err != nil {
		return false, err
	}
	if w.cfg.Trace {
		log.Printf("[msgwriter] %s: created (role=%s preset=%s)", ref, w.cfg.Role, p.ID)
	}
	return true, nil
}

// patchExisting patches only rule-owned fields that actually changed:
// title, text, level, remindEvery, cooldown, details, and actions when the
// caller supplied them. audience, lifecycle, notifyAt, startAt, dueAt and
// timeBudget are owned by user/core and never touched on update.
func (w *Writer) patchExisting(
	ref string,
	existing *message.Message,
	p *preset.Preset,
	title, text string,
	o UpsertOpts,
) (bool, error) {
	var patch message.Patch
	if existing.Title != title {
		patch.Title = &title
	}
	if existing.Text != text {
		patch.Text = &text
	}
	if level := effectiveLevel(p); existing.Level != level {
		patch.Level = &level
	}
	if re := p.Message.Timing.RemindEvery; existing.Timing.RemindEvery != re {
		patch.RemindEvery = &re
	}
	if cd := p.Message.Timing.Cooldown; existing.Timing.Cooldown != cd {
		patch.Cooldown = &cd
	}
	details := mergeDetails(p.Message.Details, o.Details)
	if details != nil && !detailsEqual(existing.Details, details) {
		patch.Details = details
	}
	if o.ActionsSet && !actionsEqual(existing.Actions, o.Actions) {
		patch.Actions = o.Actions
		patch.ActionsSet = true
	}
	patch.Metrics, patch.MetricsDelete = diffMetrics(existing.Metrics, o.Metrics, nil)

	if patch.Empty() {
		return false, nil
	}
	wrote, err := w.cfg.Store.UpdateMessage(ref, patch)
	if err != nil {
		return false, err
	}
	if wrote && w.cfg.Trace {
		log.Printf("[msgwriter] %s: patched", ref)
	}
	return wrote, nil
}

// OnClose closes the message at ref according to the preset policy.
func (w *Writer) OnClose(ref string, now int64) error {
	existing, err := w.cfg.Store.GetMessageByRef(ref, hostapi.ScopeAll)
	if err != nil {
		return err
	}
	if existing == nil || !existing.QuasiOpen() {
		return nil
	}

	p := w.resolve()
	if !p.ResetOnNormal() {
		// Keep the message; disarm it instead of completing.
		var patch message.Patch
		if !existing.HasAction(message.ActionClose) {
			patch.Actions = append(append([]message.Action{}, existing.Actions...),
				message.Action{ID: "close", Type: message.ActionClose})
			patch.ActionsSet = true
		}
		if existing.Timing.RemindEvery != 0 {
			zero := int64(0)
			patch.RemindEvery = &zero
		}
		if existing.Timing.NotifyAt == 0 {
			far := now + notifySuppressHorizon
			patch.NotifyAt = &far
		}
		if patch.Empty() {
			return nil
		}
		_, err := w.cfg.Store.UpdateMessage(ref, patch)
		return err
	}
	return w.cfg.Store.CompleteAfterCauseEliminated(ref, w.cfg.Actor, now)
}

// MetricsOpts parameterizes one metrics patch.
type MetricsOpts struct {
	Set    map[string]message.Metric
	Delete []string
	Now    int64
	Force  bool
}

// OnMetrics patches metrics on a quasi-open message with change detection
// and the per-writer throttle. Closed or absent refs are a no-op.
func (w *Writer) OnMetrics(ref string, o MetricsOpts) (bool, error) {
	existing, err := w.cfg.Store.GetMessageByRef(ref, hostapi.ScopeQuasiOpen)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, nil
	}
	if !o.Force && w.cfg.MetricsMaxInterval > 0 &&
		w.lastMetricsAt > 0 && o.Now-w.lastMetricsAt < w.cfg.MetricsMaxInterval {
		return false, nil
	}

	set, del := diffMetrics(existing.Metrics, o.Set, o.Delete)
	if len(set) == 0 && len(del) == 0 {
		return false, nil
	}
	wrote, err := w.cfg.Store.UpdateMessage(ref, message.Patch{Metrics: set, MetricsDelete: del})
	if err != nil {
		return false, err
	}
	if wrote {
		w.lastMetricsAt = o.Now
	}
	return wrote, nil
}

// QuasiOpen reports whether a quasi-open message currently sits at ref.
// Rules use it to re-seed their active-violation flag after a restart.
func (w *Writer) QuasiOpen(ref string) bool {
	m, err := w.cfg.Store.GetMessageByRef(ref, hostapi.ScopeQuasiOpen)
	return err == nil && m != nil
}

// Remove deletes the message at ref outright. Used for transient messages
// (session start) that must not outlive their session.
func (w *Writer) Remove(ref string) error {
	return w.cfg.Store.RemoveMessage(ref)
}

func mergeDetails(base, extra map[string]any) map[string]any {
	if base == nil && extra == nil {
		return nil
	}
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func effectiveLevel(p *preset.Preset) int {
	if p.Message.Level > 0 {
		return p.Message.Level
	}
	return message.LevelInfo
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
