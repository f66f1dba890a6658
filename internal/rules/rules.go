// Package rules implements the per-target rule state machines: freshness,
// threshold, triggered (reaction window), non-settling, and session. Rules
// are constructed on rescan, receive state/tick/timer events from the
// engine's op queue, and write messages through per-role writers.
package rules

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stacknerd/msghub/internal/hostapi"
	"github.com/stacknerd/msghub/internal/message"
	"github.com/stacknerd/msghub/internal/msgwriter"
	"github.com/stacknerd/msghub/internal/preset"
	"github.com/stacknerd/msghub/internal/ruleconf"
	"github.com/stacknerd/msghub/internal/timersvc"
)

// Rule is the common contract of all rule instances. All methods are called
// from the engine's op queue; implementations are not goroutine-safe.
type Rule interface {
	TargetID() string
	Mode() ruleconf.Mode
	// RequiredStateIDs is the union of all external ids this rule needs.
	RequiredStateIDs() []string
	OnStateChange(id string, st hostapi.State)
	OnTick(nowMs int64)
	// OnTimer handles a durable timer this rule had set. The engine verifies
	// ownership via the targetId in the timer payload before dispatching.
	OnTimer(t timersvc.Timer)
	// Dispose cancels owned pending timers. It never closes messages.
	Dispose()
}

// Deps bundles everything a rule constructor needs from the engine.
type Deps struct {
	Namespace string
	Instance  string
	// Owner is recorded as the completing actor on message close.
	Owner   string
	Timers  *timersvc.Service
	Reader  hostapi.Reader
	Store   hostapi.Store
	Presets *preset.Cache
	// MetricsMaxInterval throttles metric patches per writer, in ms.
	MetricsMaxInterval int64
	Trace              bool
}

// New builds the rule instance for a normalized config.
func New(targetID string, cfg *ruleconf.Config, d Deps) (Rule, error) {
	switch cfg.Mode {
	case ruleconf.ModeFreshness:
		return newFreshness(targetID, cfg, d), nil
	case ruleconf.ModeThreshold:
		return newThreshold(targetID, cfg, d), nil
	case ruleconf.ModeTriggered:
		return newTriggered(targetID, cfg, d), nil
	case ruleconf.ModeNonSettling:
		return newNonSettling(targetID, cfg, d), nil
	case ruleconf.ModeSession:
		return newSession(targetID, cfg, d), nil
	}
	return nil, fmt.Errorf("rules: %s: no rule class for mode %q", targetID, cfg.Mode)
}

// writer builds the message writer for one preset role of a target.
func (d Deps) writer(targetID, role, presetID string) *msgwriter.Writer {
	return msgwriter.New(msgwriter.Config{
		TargetID: targetID,
		Role:     role,
		PresetID: presetID,
		Actor:    d.Owner,
		Origin: message.Origin{
			Type:   message.OriginSystem,
			System: d.Namespace,
			ID:     targetID,
		},
		Presets:            d.Presets,
		Store:              d.Store,
		Trace:              d.Trace,
		MetricsMaxInterval: d.MetricsMaxInterval,
	})
}

// timerData is the payload every rule timer carries. The targetId makes
// ownership checks possible after a restart.
type timerData struct {
	TargetID string `json:"targetId"`

	// Triggered-window baseline, restart-safe.
	BaselineLC  int64   `json:"baselineLc,omitempty"`
	BaselineVal float64 `json:"baselineVal,omitempty"`
	HasBaseline bool    `json:"hasBaseline,omitempty"`
}

func encodeTimerData(d timerData) json.RawMessage {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil
	}
	return raw
}

func decodeTimerData(raw json.RawMessage) (timerData, bool) {
	var d timerData
	if len(raw) == 0 {
		return d, false
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return d, false
	}
	return d, d.TargetID != ""
}

// TimerTarget extracts the owning target id from a timer payload.
func TimerTarget(t timersvc.Timer) (string, bool) {
	d, ok := decodeTimerData(t.Data)
	return d.TargetID, ok
}

// stateName is the last path segment of a state id, used in message vars
// and session metrics.
func stateName(id string) string {
	if i := strings.LastIndexByte(id, '.'); i >= 0 {
		return id[i+1:]
	}
	return id
}

// baseVars is the placeholder set every rule message can substitute.
func baseVars(targetID string, mode ruleconf.Mode) map[string]string {
	return map[string]string{
		"targetId":  targetID,
		"stateName": stateName(targetID),
		"mode":      string(mode),
	}
}

// asNumber coerces a state value to float64 for numeric rules.
func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// truthy mirrors the host's notion of an active value.
func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != "" && t != "false" && t != "0"
	case nil:
		return false
	}
	if f, ok := asNumber(v); ok {
		return f != 0
	}
	return true
}
