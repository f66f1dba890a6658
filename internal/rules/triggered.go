package rules

import (
	"log"

	"github.com/stacknerd/msghub/internal/hostapi"
	"github.com/stacknerd/msghub/internal/message"
	"github.com/stacknerd/msghub/internal/msgwriter"
	"github.com/stacknerd/msghub/internal/ruleconf"
	"github.com/stacknerd/msghub/internal/timersvc"
)

const kindTriggeredWindow = "triggered.window"

// triggered watches a monitored target and a trigger input. A rising
// trigger edge opens a reaction window; if the expected target reaction does
// not arrive before the window elapses, a message opens.
type triggered struct {
	targetID string
	cfg      *ruleconf.Triggered
	writer   *msgwriter.Writer
	timers   *timersvc.Service
	ref      string
	timerID  string
	vars     map[string]string
	trace    bool

	triggerActive bool
	windowOpen    bool
	baselineLC    int64
	baselineVal   float64
	hasBaseline   bool
	lastTarget    *hostapi.State
	msgOpen       bool
}

func newTriggered(targetID string, cfg *ruleconf.Config, d Deps) *triggered {
	presetID := cfg.Msg[ruleconf.RoleTriggered]
	if presetID == "" {
		presetID = cfg.Msg[ruleconf.RoleDefault]
	}
	t := &triggered{
		targetID: targetID,
		cfg:      cfg.Trg,
		writer:   d.writer(targetID, ruleconf.RoleTriggered, presetID),
		timers:   d.Timers,
		ref:      message.TriggeredRef(d.Instance, targetID),
		timerID:  "trg:" + targetID,
		vars:     baseVars(targetID, ruleconf.ModeTriggered),
		trace:    d.Trace,
	}

	// Best-effort seeds.
	if st, err := d.Reader.GetForeignState(targetID); err == nil && st != nil {
		cp := *st
		t.lastTarget = &cp
	}
	if st, err := d.Reader.GetForeignState(t.cfg.TriggerID); err == nil && st != nil {
		t.triggerActive = t.evalTrigger(st.Val)
	}
	t.msgOpen = t.writer.QuasiOpen(t.ref)

	// A surviving window timer keeps its baseline in the payload.
	if pending, ok := t.timers.Get(t.timerID); ok && pending.Kind == kindTriggeredWindow {
		if data, ok := decodeTimerData(pending.Data); ok && data.HasBaseline {
			t.windowOpen = true
			t.baselineLC = data.BaselineLC
			t.baselineVal = data.BaselineVal
			t.hasBaseline = true
		} else {
			t.timers.Delete(t.timerID)
		}
	}
	return t
}

func (t *triggered) TargetID() string    { return t.targetID }
func (t *triggered) Mode() ruleconf.Mode { return ruleconf.ModeTriggered }

func (t *triggered) RequiredStateIDs() []string {
	return []string{t.targetID, t.cfg.TriggerID}
}

// evalTrigger decides whether a trigger value counts as active.
func (t *triggered) evalTrigger(v any) bool {
	switch t.cfg.Operator {
	case "truthy":
		return truthy(v)
	case "falsy":
		return !truthy(v)
	}
	switch t.cfg.ValueType {
	case "bool":
		b, ok := v.(bool)
		if !ok {
			b = truthy(v)
		}
		if t.cfg.Operator == "eq" {
			return b == t.cfg.ValueBool
		}
		return b != t.cfg.ValueBool
	case "string":
		s, _ := v.(string)
		if t.cfg.Operator == "eq" {
			return s == t.cfg.ValueString
		}
		return s != t.cfg.ValueString
	default:
		f, ok := asNumber(v)
		if !ok {
			return false
		}
		switch t.cfg.Operator {
		case "eq":
			return f == t.cfg.ValueNumber
		case "neq":
			return f != t.cfg.ValueNumber
		case "gt":
			return f > t.cfg.ValueNumber
		case "gte":
			return f >= t.cfg.ValueNumber
		case "lt":
			return f < t.cfg.ValueNumber
		case "lte":
			return f <= t.cfg.ValueNumber
		}
	}
	return false
}

// expectationMet checks the target state against the captured baseline.
func (t *triggered) expectationMet(st hostapi.State) bool {
	if !t.hasBaseline {
		return false
	}
	switch t.cfg.Expectation {
	case "changed":
		return st.LC != t.baselineLC
	case "deltaUp":
		v, ok := asNumber(st.Val)
		return ok && v-t.baselineVal >= t.cfg.MinDelta
	case "deltaDown":
		v, ok := asNumber(st.Val)
		return ok && t.baselineVal-v >= t.cfg.MinDelta
	case "thresholdGte":
		v, ok := asNumber(st.Val)
		return ok && v >= t.cfg.Threshold
	case "thresholdLte":
		v, ok := asNumber(st.Val)
		return ok && v <= t.cfg.Threshold
	}
	return false
}

func (t *triggered) OnStateChange(id string, st hostapi.State) {
	switch id {
	case t.cfg.TriggerID:
		t.onTrigger(st)
	case t.targetID:
		t.onTarget(st)
	}
}

func (t *triggered) onTrigger(st hostapi.State) {
	active := t.evalTrigger(st.Val)
	was := t.triggerActive
	t.triggerActive = active

	if active && !was {
		// Rising edge: capture baseline, arm the window.
		var lc int64
		var val float64
		if t.lastTarget != nil {
			lc = t.lastTarget.LC
			val, _ = asNumber(t.lastTarget.Val)
		}
		t.baselineLC = lc
		t.baselineVal = val
		t.hasBaseline = true
		t.windowOpen = true
		due := st.TS + t.cfg.Window.Ms()
		t.timers.Set(t.timerID, due, kindTriggeredWindow, encodeTimerData(timerData{
			TargetID:    t.targetID,
			BaselineLC:  lc,
			BaselineVal: val,
			HasBaseline: true,
		}))
		if t.trace {
			log.Printf("[rules] triggered %s: window armed until %d", t.targetID, due)
		}
		return
	}
	if !active && was {
		// Trigger fell back: cancel window, close any open message.
		if t.windowOpen {
			t.timers.Delete(t.timerID)
			t.windowOpen = false
		}
		t.closeMessage(st.TS)
	}
}

func (t *triggered) onTarget(st hostapi.State) {
	cp := st
	t.lastTarget = &cp

	if t.windowOpen && t.expectationMet(st) {
		// Reaction arrived in time: silent cancel.
		t.timers.Delete(t.timerID)
		t.windowOpen = false
		t.hasBaseline = false
		return
	}
	if t.msgOpen && t.expectationMet(st) {
		// Late reaction after the message opened: close it.
		t.closeMessage(st.TS)
	}
}

func (t *triggered) closeMessage(now int64) {
	if !t.msgOpen {
		return
	}
	t.msgOpen = false
	if err := t.writer.OnClose(t.ref, now); err != nil {
		log.Printf("[rules] triggered %s: close failed: %v", t.targetID, err)
	}
}

func (t *triggered) OnTick(int64) {}

func (t *triggered) OnTimer(timer timersvc.Timer) {
	if timer.Kind != kindTriggeredWindow || !t.windowOpen {
		return
	}
	t.windowOpen = false
	if !t.triggerActive {
		return
	}
	if t.lastTarget != nil && t.expectationMet(*t.lastTarget) {
		return
	}
	t.msgOpen = true
	if _, err := t.writer.OnUpsert(t.ref, msgwriter.UpsertOpts{
		Now:  timer.DueAt,
		Vars: t.vars,
		Actions: []message.Action{
			{ID: "ack", Type: message.ActionAck},
			{ID: "snooze", Type: message.ActionSnooze},
			{ID: "close", Type: message.ActionClose},
		},
		ActionsSet: true,
	}); err != nil {
		log.Printf("[rules] triggered %s: upsert failed: %v", t.targetID, err)
	}
}

func (t *triggered) Dispose() {
	t.timers.Delete(t.timerID)
}
