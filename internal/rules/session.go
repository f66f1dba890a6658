package rules

import (
	"log"

	"github.com/stacknerd/msghub/internal/hostapi"
	"github.com/stacknerd/msghub/internal/message"
	"github.com/stacknerd/msghub/internal/msgwriter"
	"github.com/stacknerd/msghub/internal/ruleconf"
	"github.com/stacknerd/msghub/internal/timersvc"
)

const (
	kindSessionStartHold = "session.startHold"
	kindSessionStopDelay = "session.stopDelay"
)

type sessionState int

const (
	sesInactive sessionState = iota
	sesStarting              // start-hold timer pending
	sesActive
	sesStopping // stop-delay timer pending
)

type gateState int

const (
	gateUnknown gateState = iota
	gateOn
	gateOff
)

// session infers start/stop on a quasi-continuous numeric stream, with an
// optional on/off gate and an optional counter+price summary. Active
// sessions deliberately do not persist across restart; the next start
// closes any stale open session-end message.
type session struct {
	targetID string
	cfg      *ruleconf.Session
	startW   *msgwriter.Writer
	endW     *msgwriter.Writer
	timers   *timersvc.Service
	reader   hostapi.Reader
	startRef string
	endRef   string
	vars     map[string]string
	trace    bool

	startTimerID string
	stopTimerID  string

	state      sessionState
	gate       gateState
	lastVal    float64
	hasVal     bool
	startAt    int64
	counterNow float64
	hasCounter bool
	counterAt  float64 // counter value captured at session start
	priceNow   float64
	hasPrice   bool

	gateDeferredSince int64
	gateErrorLogged   bool
}

func newSession(targetID string, cfg *ruleconf.Config, d Deps) *session {
	s := &session{
		targetID:     targetID,
		cfg:          cfg.Ses,
		startW:       d.writer(targetID, ruleconf.RoleSessionStart, cfg.Msg[ruleconf.RoleSessionStart]),
		endW:         d.writer(targetID, ruleconf.RoleSessionEnd, cfg.Msg[ruleconf.RoleSessionEnd]),
		timers:       d.Timers,
		reader:       d.Reader,
		startRef:     message.SessionStartRef(d.Instance, targetID),
		endRef:       message.SessionRef(d.Instance, targetID),
		vars:         baseVars(targetID, ruleconf.ModeSession),
		trace:        d.Trace,
		startTimerID: "ses:" + targetID + "_start",
		stopTimerID:  "ses:" + targetID + "_stop",
	}

	// Sessions never resume across restart: drop surviving timers.
	s.timers.Delete(s.startTimerID)
	s.timers.Delete(s.stopTimerID)

	if st, err := d.Reader.GetForeignState(targetID); err == nil && st != nil {
		if v, ok := asNumber(st.Val); ok {
			s.lastVal = v
			s.hasVal = true
		}
	}
	if s.cfg.OnOffID != "" {
		if st, err := d.Reader.GetForeignState(s.cfg.OnOffID); err == nil && st != nil {
			s.gate = s.gateFrom(st.Val)
		}
	}
	if s.cfg.EnergyCounterID != "" {
		if st, err := d.Reader.GetForeignState(s.cfg.EnergyCounterID); err == nil && st != nil {
			if v, ok := asNumber(st.Val); ok {
				s.counterNow = v
				s.hasCounter = true
			}
		}
	}
	if s.cfg.PricePerKwhID != "" {
		if st, err := d.Reader.GetForeignState(s.cfg.PricePerKwhID); err == nil && st != nil {
			if v, ok := asNumber(st.Val); ok {
				s.priceNow = v
				s.hasPrice = true
			}
		}
	}
	return s
}

func (s *session) TargetID() string    { return s.targetID }
func (s *session) Mode() ruleconf.Mode { return ruleconf.ModeSession }

func (s *session) RequiredStateIDs() []string {
	ids := []string{s.targetID}
	if s.cfg.OnOffID != "" {
		ids = append(ids, s.cfg.OnOffID)
	}
	if s.cfg.EnergyCounterID != "" {
		ids = append(ids, s.cfg.EnergyCounterID)
	}
	if s.cfg.PricePerKwhID != "" {
		ids = append(ids, s.cfg.PricePerKwhID)
	}
	return ids
}

func (s *session) summaryEnabled() bool {
	return s.cfg.EnableSummary || s.cfg.EnergyCounterID != ""
}

func (s *session) gateFrom(v any) gateState {
	var on bool
	switch s.cfg.OnOffActive {
	case "falsy":
		on = !truthy(v)
	case "eq":
		str, _ := v.(string)
		on = str == s.cfg.OnOffValue
	default: // truthy
		on = truthy(v)
	}
	if on {
		return gateOn
	}
	return gateOff
}

func (s *session) gateEnabled() bool {
	return s.cfg.EnableGate && s.cfg.OnOffID != ""
}

// gatePermits reports whether the gate allows a session right now.
// Unknown does not permit; resolveGate handles the probe path.
func (s *session) gatePermits() bool {
	if !s.gateEnabled() {
		return true
	}
	return s.gate == gateOn
}

// resolveGate tries to settle an unknown gate with a one-shot best-effort
// read. When the gate stays unknown past the probe cooldown, an error is
// logged (once per deferral episode) and the start stays deferred.
func (s *session) resolveGate(nowMs int64) {
	if !s.gateEnabled() || s.gate != gateUnknown {
		return
	}
	if st, err := s.reader.GetForeignState(s.cfg.OnOffID); err == nil && st != nil {
		s.gate = s.gateFrom(st.Val)
		s.gateDeferredSince = 0
		s.gateErrorLogged = false
		return
	}
	if s.gateDeferredSince == 0 {
		s.gateDeferredSince = nowMs
		return
	}
	if !s.gateErrorLogged && nowMs-s.gateDeferredSince >= s.cfg.GateProbeCooldown {
		log.Printf("[rules] session %s: gate %s unknown for %dms, deferring session start",
			s.targetID, s.cfg.OnOffID, nowMs-s.gateDeferredSince)
		s.gateErrorLogged = true
	}
}

func (s *session) OnStateChange(id string, st hostapi.State) {
	switch id {
	case s.targetID:
		s.onTarget(st)
	case s.cfg.OnOffID:
		s.onGate(st)
	case s.cfg.EnergyCounterID:
		s.onCounter(st)
	case s.cfg.PricePerKwhID:
		if v, ok := asNumber(st.Val); ok {
			s.priceNow = v
			s.hasPrice = true
		}
	}
}

func (s *session) onTarget(st hostapi.State) {
	v, ok := asNumber(st.Val)
	if !ok {
		return
	}
	s.lastVal = v
	s.hasVal = true
	now := st.TS

	switch s.state {
	case sesInactive:
		if v > s.cfg.StartThreshold {
			s.tryStart(now)
		}
	case sesStarting:
		if v <= s.cfg.StartThreshold {
			s.timers.Delete(s.startTimerID)
			s.state = sesInactive
		}
	case sesActive:
		if v < s.cfg.StopThreshold {
			delayMs := s.cfg.StopDelay.Ms()
			if delayMs <= 0 {
				s.end(now)
				return
			}
			s.state = sesStopping
			s.timers.Set(s.stopTimerID, now+delayMs, kindSessionStopDelay,
				encodeTimerData(timerData{TargetID: s.targetID}))
		}
	case sesStopping:
		if v >= s.cfg.StopThreshold {
			// Recovered before the stop delay elapsed.
			s.timers.Delete(s.stopTimerID)
			s.state = sesActive
		}
	}
}

func (s *session) onGate(st hostapi.State) {
	was := s.gate
	s.gate = s.gateFrom(st.Val)
	s.gateDeferredSince = 0
	s.gateErrorLogged = false
	if !s.gateEnabled() || s.gate == was {
		return
	}

	if s.gate == gateOff {
		switch s.state {
		case sesStarting:
			if s.cfg.StartGateSemantics == "gate_then_hold" {
				s.timers.Delete(s.startTimerID)
				s.state = sesInactive
			}
		case sesActive, sesStopping:
			// Gate off ends the session immediately.
			s.end(st.TS)
		}
		return
	}
	// Gate switched on (or left unknown): re-evaluate a pending start.
	if s.state == sesInactive && s.hasVal && s.lastVal > s.cfg.StartThreshold {
		s.tryStart(st.TS)
	}
}

func (s *session) onCounter(st hostapi.State) {
	v, ok := asNumber(st.Val)
	if !ok {
		return
	}
	s.counterNow = v
	s.hasCounter = true

	// Keep the start message's running counter roughly current; the writer
	// throttles the actual store patches.
	if s.state == sesActive && s.summaryEnabled() {
		if _, err := s.startW.OnMetrics(s.startRef, msgwriter.MetricsOpts{
			Set: map[string]message.Metric{
				"session-counter": {Val: s.counterNow - s.counterAt, TS: st.TS},
			},
			Now: st.TS,
		}); err != nil {
			log.Printf("[rules] session %s: metrics patch failed: %v", s.targetID, err)
		}
	}
}

// tryStart arms the start-hold timer or begins immediately. With
// gate_then_hold semantics the gate must permit before the hold even arms;
// with hold_independent the gate is only checked when the hold elapses.
func (s *session) tryStart(nowMs int64) {
	if s.cfg.StartGateSemantics == "gate_then_hold" {
		s.resolveGate(nowMs)
		if !s.gatePermits() {
			return
		}
	}
	holdMs := s.cfg.StartMinHold.Ms()
	if holdMs <= 0 {
		s.begin(nowMs)
		return
	}
	s.state = sesStarting
	s.timers.Set(s.startTimerID, nowMs+holdMs, kindSessionStartHold,
		encodeTimerData(timerData{TargetID: s.targetID}))
	if s.trace {
		log.Printf("[rules] session %s: start hold until %d", s.targetID, nowMs+holdMs)
	}
}

// begin transitions to ACTIVE and emits the optional session-start message.
func (s *session) begin(nowMs int64) {
	s.resolveGate(nowMs)
	if !s.gatePermits() {
		s.state = sesInactive
		return
	}
	s.state = sesActive
	s.startAt = nowMs
	s.counterAt = s.counterNow

	// A stale open session-end from a previous run must not accumulate.
	if err := s.endW.OnClose(s.endRef, nowMs); err != nil {
		log.Printf("[rules] session %s: stale end close failed: %v", s.targetID, err)
	}

	// Session start is optional: suppressed unless a real preset resolves.
	if !s.startW.HasConfiguredPreset() {
		if s.trace {
			log.Printf("[rules] session %s: no start preset, start message suppressed", s.targetID)
		}
		return
	}
	metrics := map[string]message.Metric{
		"state-name":    {Val: stateName(s.targetID), TS: nowMs},
		"session-start": {Val: s.startAt, Unit: "ms", TS: nowMs},
	}
	if s.summaryEnabled() && s.hasCounter {
		metrics["session-startval"] = message.Metric{Val: s.counterAt, TS: nowMs}
	}
	if _, err := s.startW.OnUpsert(s.startRef, msgwriter.UpsertOpts{
		Now:     nowMs,
		StartAt: s.startAt,
		Metrics: metrics,
		Vars:    s.vars,
	}); err != nil {
		log.Printf("[rules] session %s: start upsert failed: %v", s.targetID, err)
	}
}

// end emits the session-end message (always), then removes the transient
// session-start message.
func (s *session) end(nowMs int64) {
	startAt := s.startAt
	s.state = sesInactive
	s.startAt = 0
	s.timers.Delete(s.startTimerID)
	s.timers.Delete(s.stopTimerID)

	metrics := map[string]message.Metric{
		"state-name":    {Val: stateName(s.targetID), TS: nowMs},
		"session-start": {Val: startAt, Unit: "ms", TS: nowMs},
	}
	if s.summaryEnabled() && s.hasCounter {
		counter := s.counterNow - s.counterAt
		metrics["session-counter"] = message.Metric{Val: counter, TS: nowMs}
		if s.hasPrice {
			metrics["session-cost"] = message.Metric{Val: counter * s.priceNow, TS: nowMs}
		}
	}
	if _, err := s.endW.OnUpsert(s.endRef, msgwriter.UpsertOpts{
		Now:     nowMs,
		StartAt: startAt,
		EndAt:   nowMs,
		Metrics: metrics,
		Vars:    s.vars,
	}); err != nil {
		log.Printf("[rules] session %s: end upsert failed: %v", s.targetID, err)
	}
	if err := s.startW.Remove(s.startRef); err != nil {
		log.Printf("[rules] session %s: start message removal failed: %v", s.targetID, err)
	}
	if s.trace {
		log.Printf("[rules] session %s: ended, startAt=%d endAt=%d", s.targetID, startAt, nowMs)
	}
}

func (s *session) OnTick(nowMs int64) {
	// A deferred start keeps retrying while the gate is unknown.
	if s.state == sesInactive && s.hasVal && s.lastVal > s.cfg.StartThreshold {
		s.tryStart(nowMs)
	}
}

func (s *session) OnTimer(timer timersvc.Timer) {
	switch timer.Kind {
	case kindSessionStartHold:
		if s.state != sesStarting {
			return
		}
		// Predicates must still hold at fire time.
		if !s.hasVal || s.lastVal <= s.cfg.StartThreshold {
			s.state = sesInactive
			return
		}
		s.begin(timer.DueAt)
	case kindSessionStopDelay:
		if s.state != sesStopping {
			return
		}
		s.end(timer.DueAt)
	}
}

func (s *session) Dispose() {
	s.timers.Delete(s.startTimerID)
	s.timers.Delete(s.stopTimerID)
}
