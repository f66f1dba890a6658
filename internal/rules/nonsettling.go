package rules

import (
	"log"
	"math"

	"github.com/stacknerd/msghub/internal/hostapi"
	"github.com/stacknerd/msghub/internal/message"
	"github.com/stacknerd/msghub/internal/msgwriter"
	"github.com/stacknerd/msghub/internal/ruleconf"
	"github.com/stacknerd/msghub/internal/timersvc"
)

const kindNonSettlingWindow = "nonsettling.window"

// nonSettling detects a value that keeps changing beyond a tolerance band:
// at least minChanges tolerance-exceeding moves within the window. It shares
// the threshold skeleton with a change-count armed predicate.
type nonSettling struct {
	targetID string
	cfg      *ruleconf.NonSettling
	writer   *msgwriter.Writer
	timers   *timersvc.Service
	ref      string
	timerID  string
	vars     map[string]string
	trace    bool

	active    bool
	lastVal   float64
	hasVal    bool
	changeTSs []int64
}

func newNonSettling(targetID string, cfg *ruleconf.Config, d Deps) *nonSettling {
	n := &nonSettling{
		targetID: targetID,
		cfg:      cfg.NS,
		writer:   d.writer(targetID, ruleconf.RoleDefault, cfg.Msg[ruleconf.RoleDefault]),
		timers:   d.Timers,
		ref:      message.NonSettlingRef(d.Instance, targetID),
		timerID:  "ns:" + targetID,
		vars:     baseVars(targetID, ruleconf.ModeNonSettling),
		trace:    d.Trace,
	}
	if st, err := d.Reader.GetForeignState(targetID); err == nil && st != nil {
		if v, ok := asNumber(st.Val); ok {
			n.lastVal = v
			n.hasVal = true
		}
	}
	// The change history does not survive restart; an open message does.
	n.active = n.writer.QuasiOpen(n.ref)
	if !n.active {
		n.timers.Delete(n.timerID)
	}
	return n
}

func (n *nonSettling) TargetID() string           { return n.targetID }
func (n *nonSettling) Mode() ruleconf.Mode        { return ruleconf.ModeNonSettling }
func (n *nonSettling) RequiredStateIDs() []string { return []string{n.targetID} }

// prune drops change events older than the window.
func (n *nonSettling) prune(nowMs int64) {
	cutoff := nowMs - n.cfg.Window.Ms()
	i := 0
	for i < len(n.changeTSs) && n.changeTSs[i] <= cutoff {
		i++
	}
	n.changeTSs = n.changeTSs[i:]
}

func (n *nonSettling) OnStateChange(id string, st hostapi.State) {
	if id != n.targetID {
		return
	}
	v, ok := asNumber(st.Val)
	if !ok {
		return
	}
	now := st.TS

	if n.hasVal && math.Abs(v-n.lastVal) > n.cfg.Tolerance {
		n.changeTSs = append(n.changeTSs, now)
	}
	n.lastVal = v
	n.hasVal = true

	n.prune(now)
	if !n.active && len(n.changeTSs) >= n.cfg.MinChanges {
		n.active = true
		if _, err := n.writer.OnUpsert(n.ref, msgwriter.UpsertOpts{
			Now:  now,
			Vars: n.vars,
		}); err != nil {
			log.Printf("[rules] nonsettling %s: upsert failed: %v", n.targetID, err)
		}
		// Arm a recovery check for when the oldest change falls out of
		// the window even if no further updates arrive.
		n.armRecovery(now)
	}
}

func (n *nonSettling) armRecovery(nowMs int64) {
	if len(n.changeTSs) == 0 {
		n.timers.Set(n.timerID, nowMs+n.cfg.Window.Ms(), kindNonSettlingWindow,
			encodeTimerData(timerData{TargetID: n.targetID}))
		return
	}
	due := n.changeTSs[0] + n.cfg.Window.Ms() + 1
	n.timers.Set(n.timerID, due, kindNonSettlingWindow,
		encodeTimerData(timerData{TargetID: n.targetID}))
}

// checkRecovery closes the message once the window has quieted down.
func (n *nonSettling) checkRecovery(nowMs int64) {
	if !n.active {
		return
	}
	n.prune(nowMs)
	if len(n.changeTSs) >= n.cfg.MinChanges {
		n.armRecovery(nowMs)
		return
	}
	n.active = false
	n.timers.Delete(n.timerID)
	if err := n.writer.OnClose(n.ref, nowMs); err != nil {
		log.Printf("[rules] nonsettling %s: close failed: %v", n.targetID, err)
	}
}

func (n *nonSettling) OnTick(nowMs int64) {
	n.checkRecovery(nowMs)
}

func (n *nonSettling) OnTimer(timer timersvc.Timer) {
	if timer.Kind != kindNonSettlingWindow {
		return
	}
	n.checkRecovery(timer.DueAt)
}

func (n *nonSettling) Dispose() {
	n.timers.Delete(n.timerID)
}
