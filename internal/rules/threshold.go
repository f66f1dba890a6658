package rules

import (
	"log"

	"github.com/stacknerd/msghub/internal/hostapi"
	"github.com/stacknerd/msghub/internal/message"
	"github.com/stacknerd/msghub/internal/msgwriter"
	"github.com/stacknerd/msghub/internal/ruleconf"
	"github.com/stacknerd/msghub/internal/timersvc"
)

const kindThresholdMinDuration = "threshold.minDuration"

type thresholdState int

const (
	thrIdle thresholdState = iota
	thrArmed
	thrActive
)

// threshold compares a numeric stream against a configured bound. The
// condition must hold for minDuration before a message opens; recovery must
// cross back over the hysteresis band before it closes.
type threshold struct {
	targetID string
	cfg      *ruleconf.Threshold
	writer   *msgwriter.Writer
	timers   *timersvc.Service
	ref      string
	timerID  string
	vars     map[string]string
	trace    bool

	state thresholdState
}

func newThreshold(targetID string, cfg *ruleconf.Config, d Deps) *threshold {
	t := &threshold{
		targetID: targetID,
		cfg:      cfg.Thr,
		writer:   d.writer(targetID, ruleconf.RoleDefault, cfg.Msg[ruleconf.RoleDefault]),
		timers:   d.Timers,
		ref:      message.ThresholdRef(d.Instance, targetID),
		timerID:  "thr:" + targetID,
		vars:     baseVars(targetID, ruleconf.ModeThreshold),
		trace:    d.Trace,
	}

	// Re-seed across restart: a surviving minDuration timer means the
	// condition was armed; an open message means it was active.
	if t.writer.QuasiOpen(t.ref) {
		t.state = thrActive
		t.timers.Delete(t.timerID)
		return t
	}
	if pending, ok := t.timers.Get(t.timerID); ok && pending.Kind == kindThresholdMinDuration {
		if st, err := d.Reader.GetForeignState(targetID); err == nil && st != nil {
			if v, ok := asNumber(st.Val); ok && t.matches(v) {
				t.state = thrArmed
				return t
			}
		}
		// Condition no longer holds (or is unreadable): disarm.
		t.timers.Delete(t.timerID)
	}
	return t
}

func (t *threshold) TargetID() string           { return t.targetID }
func (t *threshold) Mode() ruleconf.Mode        { return ruleconf.ModeThreshold }
func (t *threshold) RequiredStateIDs() []string { return []string{t.targetID} }

// matches reports whether the raw comparison holds.
func (t *threshold) matches(v float64) bool {
	switch t.cfg.Mode {
	case "gt":
		return v > t.cfg.Value
	case "gte":
		return v >= t.cfg.Value
	case "lt":
		return v < t.cfg.Value
	case "lte":
		return v <= t.cfg.Value
	case "eq":
		return v == t.cfg.Value
	case "neq":
		return v != t.cfg.Value
	}
	return false
}

// recovered reports whether the value has crossed back over the hysteresis
// band on the mode-dependent side.
func (t *threshold) recovered(v float64) bool {
	h := t.cfg.Hysteresis
	switch t.cfg.Mode {
	case "gt":
		return v <= t.cfg.Value-h
	case "gte":
		return v < t.cfg.Value-h
	case "lt":
		return v >= t.cfg.Value+h
	case "lte":
		return v > t.cfg.Value+h
	case "eq":
		return v != t.cfg.Value && (v < t.cfg.Value-h || v > t.cfg.Value+h)
	case "neq":
		return v >= t.cfg.Value-h && v <= t.cfg.Value+h
	}
	return false
}

func (t *threshold) OnStateChange(id string, st hostapi.State) {
	if id != t.targetID {
		return
	}
	v, ok := asNumber(st.Val)
	if !ok {
		return
	}
	now := st.TS

	switch t.state {
	case thrIdle:
		if !t.matches(v) {
			return
		}
		minMs := t.cfg.MinDuration.Ms()
		if minMs <= 0 {
			t.activate(now)
			return
		}
		t.state = thrArmed
		t.timers.Set(t.timerID, now+minMs, kindThresholdMinDuration,
			encodeTimerData(timerData{TargetID: t.targetID}))
		if t.trace {
			log.Printf("[rules] threshold %s: armed until %d", t.targetID, now+minMs)
		}
	case thrArmed:
		if t.matches(v) {
			return
		}
		t.timers.Delete(t.timerID)
		t.state = thrIdle
	case thrActive:
		if !t.recovered(v) {
			return
		}
		t.state = thrIdle
		if err := t.writer.OnClose(t.ref, now); err != nil {
			log.Printf("[rules] threshold %s: close failed: %v", t.targetID, err)
		}
	}
}

func (t *threshold) activate(now int64) {
	t.state = thrActive
	if _, err := t.writer.OnUpsert(t.ref, msgwriter.UpsertOpts{
		Now:  now,
		Vars: t.vars,
	}); err != nil {
		log.Printf("[rules] threshold %s: upsert failed: %v", t.targetID, err)
	}
}

func (t *threshold) OnTick(int64) {}

func (t *threshold) OnTimer(timer timersvc.Timer) {
	if timer.Kind != kindThresholdMinDuration {
		return
	}
	if t.state != thrArmed {
		return
	}
	t.activate(timer.DueAt)
}

func (t *threshold) Dispose() {
	t.timers.Delete(t.timerID)
}
