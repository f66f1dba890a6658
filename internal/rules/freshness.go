package rules

import (
	"log"

	"github.com/stacknerd/msghub/internal/hostapi"
	"github.com/stacknerd/msghub/internal/message"
	"github.com/stacknerd/msghub/internal/msgwriter"
	"github.com/stacknerd/msghub/internal/ruleconf"
	"github.com/stacknerd/msghub/internal/timersvc"
)

// freshness detects missing updates: a target that has not reported within
// everyMs is in violation until the next update arrives.
type freshness struct {
	targetID string
	cfg      *ruleconf.Freshness
	writer   *msgwriter.Writer
	ref      string
	vars     map[string]string
	trace    bool

	lastSeen  int64
	violating bool
}

func newFreshness(targetID string, cfg *ruleconf.Config, d Deps) *freshness {
	f := &freshness{
		targetID: targetID,
		cfg:      cfg.Fresh,
		writer:   d.writer(targetID, ruleconf.RoleDefault, cfg.Msg[ruleconf.RoleDefault]),
		ref:      message.FreshRef(d.Instance, targetID),
		vars:     baseVars(targetID, ruleconf.ModeFreshness),
		trace:    d.Trace,
	}
	// Best-effort seed so a fresh engine does not fire immediately.
	if st, err := d.Reader.GetForeignState(targetID); err == nil && st != nil {
		f.lastSeen = f.seenFrom(*st)
	}
	// An open message from a previous run means we were violating.
	f.violating = f.writer.QuasiOpen(f.ref)
	return f
}

func (f *freshness) TargetID() string          { return f.targetID }
func (f *freshness) Mode() ruleconf.Mode       { return ruleconf.ModeFreshness }
func (f *freshness) RequiredStateIDs() []string { return []string{f.targetID} }

func (f *freshness) seenFrom(st hostapi.State) int64 {
	if f.cfg.EvaluateBy == "lc" {
		return st.LC
	}
	return st.TS
}

func (f *freshness) OnStateChange(id string, st hostapi.State) {
	if id != f.targetID {
		return
	}
	f.lastSeen = f.seenFrom(st)
	if !f.violating {
		return
	}
	f.violating = false
	if err := f.writer.OnClose(f.ref, st.TS); err != nil {
		log.Printf("[rules] freshness %s: close failed: %v", f.targetID, err)
	}
}

func (f *freshness) OnTick(nowMs int64) {
	if f.lastSeen == 0 {
		// Never observed; grant one full period from the first tick.
		f.lastSeen = nowMs
		return
	}
	stale := nowMs-f.lastSeen > f.cfg.EveryMs
	switch {
	case stale && !f.violating:
		f.violating = true
		if _, err := f.writer.OnUpsert(f.ref, msgwriter.UpsertOpts{
			Now:  nowMs,
			Vars: f.vars,
		}); err != nil {
			log.Printf("[rules] freshness %s: upsert failed: %v", f.targetID, err)
		}
	case !stale && f.violating:
		// A seed refresh (not routed through OnStateChange) recovered us.
		f.violating = false
		if err := f.writer.OnClose(f.ref, nowMs); err != nil {
			log.Printf("[rules] freshness %s: close failed: %v", f.targetID, err)
		}
	}
}

func (f *freshness) OnTimer(timersvc.Timer) {}

func (f *freshness) Dispose() {}
