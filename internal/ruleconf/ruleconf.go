// Package ruleconf normalizes raw per-target custom-config records into
// typed per-mode parameter blocks. Raw records arrive either flat with
// hyphen-separated keys ("thr-mode", "msg-DefaultId") or already grouped
// ("thr": {"mode": ...}); normalization accepts both.
package ruleconf

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"

	"github.com/zeebo/xxh3"
)

// Mode selects the rule class a target config drives.
type Mode string

// Known rule modes.
const (
	ModeThreshold   Mode = "threshold"
	ModeFreshness   Mode = "freshness"
	ModeTriggered   Mode = "triggered"
	ModeNonSettling Mode = "nonSettling"
	ModeSession     Mode = "session"
)

// Preset role keys. Every role key ends in "Id"; the engine treats any such
// key under msg.* as a preset reference so new roles need no engine change.
const (
	RoleDefault      = "DefaultId"
	RoleSessionStart = "SessionStartId"
	RoleSessionEnd   = "SessionEndId"
	RoleTriggered    = "TriggeredId"
)

// Duration is a configured span: Value * UnitSeconds seconds.
type Duration struct {
	Value       float64
	UnitSeconds float64
}

// Ms returns the span in milliseconds.
func (d Duration) Ms() int64 {
	return int64(d.Value * d.UnitSeconds * 1000)
}

// Threshold holds the parameters of a threshold rule.
type Threshold struct {
	Mode        string // gt, gte, lt, lte, eq, neq
	Value       float64
	Hysteresis  float64
	MinDuration Duration
}

// Freshness holds the parameters of a freshness rule.
type Freshness struct {
	EveryMs    int64
	EvaluateBy string // ts or lc
}

// Triggered holds the parameters of a reaction-window rule.
type Triggered struct {
	TriggerID   string
	Operator    string // truthy, falsy, eq, neq, gt, gte, lt, lte
	ValueType   string // number, bool, string
	ValueNumber float64
	ValueBool   bool
	ValueString string
	Window      Duration
	Expectation string // changed, deltaUp, deltaDown, thresholdGte, thresholdLte
	MinDelta    float64
	Threshold   float64
}

// NonSettling holds the parameters of a non-settling rule.
type NonSettling struct {
	Window     Duration
	Tolerance  float64
	MinChanges int
}

// Session holds the parameters of a session rule.
type Session struct {
	StartThreshold     float64
	StopThreshold      float64
	StartMinHold       Duration
	StopDelay          Duration
	OnOffID            string
	OnOffActive        string // truthy, falsy, eq
	OnOffValue         string
	EnergyCounterID    string
	PricePerKwhID      string
	EnableGate         bool
	EnableSummary      bool
	StartGateSemantics string // gate_then_hold or hold_independent
	GateProbeCooldown  int64  // ms, floor 30s
}

// Config is one normalized per-target record. Exactly one per-mode block is
// populated, matching Mode.
type Config struct {
	Enabled   bool
	Mode      Mode
	ManagedBy string

	Thr   *Threshold
	Fresh *Freshness
	Trg   *Triggered
	NS    *NonSettling
	Ses   *Session

	// Msg maps preset-role keys (ending in "Id") to preset ids.
	Msg map[string]string
}

// PresetIDs returns the distinct preset ids the config references.
func (c *Config) PresetIDs() []string {
	var ids []string
	seen := map[string]struct{}{}
	for role, id := range c.Msg {
		if id == "" || !strings.HasSuffix(role, "Id") {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

const gateProbeCooldownFloor = 30_000

// group prefixes recognized in flat keys.
var groupPrefixes = map[string]struct{}{
	"thr": {}, "fresh": {}, "trg": {}, "ns": {}, "ses": {},
	"msg": {}, "managedMeta": {},
}

// Normalize converts a raw record into a Config. Flat hyphen keys are
// regrouped first; unknown fields are warned about and skipped; invalid
// required fields fail the whole record.
func Normalize(targetID string, raw map[string]any) (*Config, error) {
	groups := regroup(targetID, raw)

	cfg := &Config{Msg: map[string]string{}}
	if v, ok := groups[""]["enabled"]; ok {
		cfg.Enabled, _ = asBool(v)
	}
	modeStr, _ := asString(groups[""]["mode"])
	if modeStr == "" {
		return nil, fmt.Errorf("ruleconf: %s: mode is required", targetID)
	}
	cfg.Mode = Mode(modeStr)

	if mm := groups["managedMeta"]; mm != nil {
		cfg.ManagedBy, _ = asString(mm["managedBy"])
	}
	for role, v := range groups["msg"] {
		if !strings.HasSuffix(role, "Id") {
			log.Printf("[ruleconf] %s: ignoring msg key %q (does not end in Id)", targetID, role)
			continue
		}
		if id, ok := asString(v); ok && id != "" {
			cfg.Msg[role] = id
		}
	}

	var err error
	switch cfg.Mode {
	case ModeThreshold:
		cfg.Thr, err = normThreshold(targetID, groups["thr"])
	case ModeFreshness:
		cfg.Fresh, err = normFreshness(targetID, groups["fresh"])
	case ModeTriggered:
		cfg.Trg, err = normTriggered(targetID, groups["trg"])
	case ModeNonSettling:
		cfg.NS, err = normNonSettling(targetID, groups["ns"])
	case ModeSession:
		cfg.Ses, err = normSession(targetID, groups["ses"])
	default:
		return nil, fmt.Errorf("ruleconf: %s: unknown mode %q", targetID, modeStr)
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// regroup splits flat hyphen keys into group maps and merges any nested
// group maps present in the raw record. Top-level scalars land in group "".
func regroup(targetID string, raw map[string]any) map[string]map[string]any {
	groups := map[string]map[string]any{"": {}}
	put := func(group, field string, v any) {
		if groups[group] == nil {
			groups[group] = map[string]any{}
		}
		groups[group][field] = v
	}

	for key, v := range raw {
		if nested, ok := v.(map[string]any); ok {
			if _, known := groupPrefixes[key]; known {
				for f, fv := range nested {
					put(key, f, fv)
				}
				continue
			}
		}
		if group, field, ok := strings.Cut(key, "-"); ok {
			if _, known := groupPrefixes[group]; known {
				put(group, field, v)
				continue
			}
		}
		switch key {
		case "enabled", "mode":
			put("", key, v)
		default:
			log.Printf("[ruleconf] %s: ignoring unknown config key %q", targetID, key)
		}
	}
	return groups
}

func normThreshold(targetID string, g map[string]any) (*Threshold, error) {
	t := &Threshold{}
	t.Mode, _ = asString(g["mode"])
	switch t.Mode {
	case "gt", "gte", "lt", "lte", "eq", "neq":
	default:
		return nil, fmt.Errorf("ruleconf: %s: invalid thr.mode %q", targetID, t.Mode)
	}
	var ok bool
	if t.Value, ok = asFinite(g["value"]); !ok {
		return nil, fmt.Errorf("ruleconf: %s: thr.value must be a finite number", targetID)
	}
	t.Hysteresis, _ = asFinite(g["hysteresis"])
	if t.Hysteresis < 0 {
		return nil, fmt.Errorf("ruleconf: %s: thr.hysteresis must not be negative", targetID)
	}
	var err error
	if t.MinDuration, err = asDuration(g, "minDuration"); err != nil {
		return nil, fmt.Errorf("ruleconf: %s: thr.%w", targetID, err)
	}
	return t, nil
}

func normFreshness(targetID string, g map[string]any) (*Freshness, error) {
	f := &Freshness{EvaluateBy: "ts"}
	every, ok := asFinite(g["everyMs"])
	if !ok || every <= 0 {
		return nil, fmt.Errorf("ruleconf: %s: fresh.everyMs must be a positive number", targetID)
	}
	f.EveryMs = int64(every)
	if by, ok := asString(g["evaluateBy"]); ok && by != "" {
		if by != "ts" && by != "lc" {
			return nil, fmt.Errorf("ruleconf: %s: fresh.evaluateBy must be ts or lc, got %q", targetID, by)
		}
		f.EvaluateBy = by
	}
	return f, nil
}

func normTriggered(targetID string, g map[string]any) (*Triggered, error) {
	t := &Triggered{ValueType: "number"}
	t.TriggerID, _ = asString(g["triggerId"])
	if t.TriggerID == "" {
		return nil, fmt.Errorf("ruleconf: %s: trg.triggerId is required", targetID)
	}
	t.Operator, _ = asString(g["operator"])
	switch t.Operator {
	case "truthy", "falsy", "eq", "neq", "gt", "gte", "lt", "lte":
	default:
		return nil, fmt.Errorf("ruleconf: %s: invalid trg.operator %q", targetID, t.Operator)
	}
	if vt, ok := asString(g["valueType"]); ok && vt != "" {
		switch vt {
		case "number", "bool", "string":
			t.ValueType = vt
		default:
			return nil, fmt.Errorf("ruleconf: %s: invalid trg.valueType %q", targetID, vt)
		}
	}
	t.ValueNumber, _ = asFinite(g["valueNumber"])
	t.ValueBool, _ = asBool(g["valueBool"])
	t.ValueString, _ = asString(g["valueString"])

	var err error
	if t.Window, err = asDuration(g, "window"); err != nil {
		return nil, fmt.Errorf("ruleconf: %s: trg.%w", targetID, err)
	}
	if t.Window.Ms() <= 0 {
		return nil, fmt.Errorf("ruleconf: %s: trg.window must be positive", targetID)
	}
	t.Expectation, _ = asString(g["expectation"])
	switch t.Expectation {
	case "changed":
	case "deltaUp", "deltaDown":
		t.MinDelta, _ = asFinite(g["minDelta"])
		if t.MinDelta < 0 {
			return nil, fmt.Errorf("ruleconf: %s: trg.minDelta must not be negative", targetID)
		}
	case "thresholdGte", "thresholdLte":
		var ok bool
		if t.Threshold, ok = asFinite(g["threshold"]); !ok {
			return nil, fmt.Errorf("ruleconf: %s: trg.threshold must be a finite number", targetID)
		}
	default:
		return nil, fmt.Errorf("ruleconf: %s: invalid trg.expectation %q", targetID, t.Expectation)
	}
	return t, nil
}

func normNonSettling(targetID string, g map[string]any) (*NonSettling, error) {
	n := &NonSettling{MinChanges: 1}
	var err error
	if n.Window, err = asDuration(g, "window"); err != nil {
		return nil, fmt.Errorf("ruleconf: %s: ns.%w", targetID, err)
	}
	if n.Window.Ms() <= 0 {
		return nil, fmt.Errorf("ruleconf: %s: ns.window must be positive", targetID)
	}
	n.Tolerance, _ = asFinite(g["tolerance"])
	if n.Tolerance < 0 {
		return nil, fmt.Errorf("ruleconf: %s: ns.tolerance must not be negative", targetID)
	}
	if mc, ok := asFinite(g["minChanges"]); ok {
		if mc < 1 {
			return nil, fmt.Errorf("ruleconf: %s: ns.minChanges must be at least 1", targetID)
		}
		n.MinChanges = int(mc)
	}
	return n, nil
}

func normSession(targetID string, g map[string]any) (*Session, error) {
	s := &Session{
		OnOffActive:        "truthy",
		StartGateSemantics: "gate_then_hold",
		GateProbeCooldown:  gateProbeCooldownFloor,
	}
	var ok bool
	if s.StartThreshold, ok = asFinite(g["startThreshold"]); !ok {
		return nil, fmt.Errorf("ruleconf: %s: ses.startThreshold must be a finite number", targetID)
	}
	if s.StopThreshold, ok = asFinite(g["stopThreshold"]); !ok {
		return nil, fmt.Errorf("ruleconf: %s: ses.stopThreshold must be a finite number", targetID)
	}
	if s.StartThreshold <= s.StopThreshold {
		return nil, fmt.Errorf("ruleconf: %s: ses.startThreshold must be greater than ses.stopThreshold", targetID)
	}
	var err error
	if s.StartMinHold, err = asDuration(g, "startMinHold"); err != nil {
		return nil, fmt.Errorf("ruleconf: %s: ses.%w", targetID, err)
	}
	if s.StopDelay, err = asDuration(g, "stopDelay"); err != nil {
		return nil, fmt.Errorf("ruleconf: %s: ses.%w", targetID, err)
	}
	s.OnOffID, _ = asString(g["onOffId"])
	if v, ok := asString(g["onOffActive"]); ok && v != "" {
		switch v {
		case "truthy", "falsy", "eq":
			s.OnOffActive = v
		default:
			return nil, fmt.Errorf("ruleconf: %s: invalid ses.onOffActive %q", targetID, v)
		}
	}
	s.OnOffValue, _ = asString(g["onOffValue"])
	s.EnergyCounterID, _ = asString(g["energyCounterId"])
	s.PricePerKwhID, _ = asString(g["pricePerKwhId"])
	s.EnableGate, _ = asBool(g["enableGate"])
	s.EnableSummary, _ = asBool(g["enableSummary"])
	if v, ok := asString(g["startGateSemantics"]); ok && v != "" {
		switch v {
		case "gate_then_hold", "hold_independent":
			s.StartGateSemantics = v
		default:
			return nil, fmt.Errorf("ruleconf: %s: invalid ses.startGateSemantics %q", targetID, v)
		}
	}
	if v, ok := asFinite(g["gateProbeCooldownMs"]); ok {
		s.GateProbeCooldown = int64(v)
		if s.GateProbeCooldown < gateProbeCooldownFloor {
			s.GateProbeCooldown = gateProbeCooldownFloor
		}
	}
	if s.EnableGate && s.OnOffID == "" {
		return nil, fmt.Errorf("ruleconf: %s: ses.enableGate requires ses.onOffId", targetID)
	}
	return s, nil
}

// asDuration reads the "<base>Value"/"<base>Unit" pair as a Duration.
// Absent fields yield zero; negative or non-finite values are errors.
func asDuration(g map[string]any, base string) (Duration, error) {
	d := Duration{UnitSeconds: 1}
	if v, present := g[base+"Value"]; present {
		f, ok := asFinite(v)
		if !ok || f < 0 {
			return Duration{}, fmt.Errorf("%sValue must be a finite non-negative number", base)
		}
		d.Value = f
	}
	if v, present := g[base+"Unit"]; present {
		f, ok := asFinite(v)
		if !ok || f < 0 {
			return Duration{}, fmt.Errorf("%sUnit must be a finite non-negative number", base)
		}
		d.UnitSeconds = f
	}
	return d, nil
}

// Fingerprint hashes the canonical JSON form of a raw record. Map keys
// marshal sorted, so equal records hash equal regardless of key order.
func Fingerprint(raw map[string]any) uint64 {
	data, err := json.Marshal(raw)
	if err != nil {
		return 0
	}
	return xxh3.Hash(data)
}

// --- value coercion ---

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		return b == "true" || b == "1" || b == "on", true
	case float64:
		return b != 0, true
	}
	return false, false
}

func asFinite(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
