// Package preset defines message presets, their host-state loading, and the
// bounded cache the engine resolves them through.
package preset

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/stacknerd/msghub/internal/hostapi"
	"github.com/stacknerd/msghub/internal/message"
)

// Timing is the scheduling block a preset contributes to new messages.
// Spans are in ms; DueInMs is relative to creation time.
type Timing struct {
	RemindEvery int64 `json:"remindEvery,omitempty" yaml:"remindEvery"`
	Cooldown    int64 `json:"cooldown,omitempty" yaml:"cooldown"`
	TimeBudget  int64 `json:"timeBudget,omitempty" yaml:"timeBudget"`
	DueInMs     int64 `json:"dueInMs,omitempty" yaml:"dueInMs"`
}

// Template is the message shape a preset produces. Title and Text may carry
// placeholder tokens (e.g. msghub.i18n.*) that pass through unchanged unless
// a translator is wired in.
type Template struct {
	Kind     string           `json:"kind,omitempty" yaml:"kind"`
	Level    int              `json:"level,omitempty" yaml:"level"`
	Title    string           `json:"title" yaml:"title"`
	Text     string           `json:"text" yaml:"text"`
	Audience string           `json:"audience,omitempty" yaml:"audience"`
	Details  map[string]any   `json:"details,omitempty" yaml:"details"`
	Actions  []message.Action `json:"actions,omitempty" yaml:"actions"`
	Timing   Timing           `json:"timing,omitempty" yaml:"timing"`
}

// Policy controls writer behavior beyond the message shape.
type Policy struct {
	// ResetOnNormal nil means true: close finalizes the message when the
	// cause is eliminated. False keeps the message and only disarms it.
	ResetOnNormal *bool `json:"resetOnNormal,omitempty" yaml:"resetOnNormal"`
}

// Preset is one resolvable message preset.
type Preset struct {
	ID      string   `json:"id,omitempty" yaml:"id"`
	Message Template `json:"message" yaml:"message"`
	Policy  Policy   `json:"policy,omitempty" yaml:"policy"`
}

// ResetOnNormal reports the effective close policy.
func (p *Preset) ResetOnNormal() bool {
	if p == nil || p.Policy.ResetOnNormal == nil {
		return true
	}
	return *p.Policy.ResetOnNormal
}

// Decode parses a preset document. JSON is the native format; YAML is
// accepted as a fallback for hand-authored documents.
func Decode(raw []byte) (*Preset, error) {
	var p Preset
	jsonErr := json.Unmarshal(raw, &p)
	if jsonErr == nil {
		return &p, nil
	}
	if yamlErr := yaml.Unmarshal(raw, &p); yamlErr == nil {
		return &p, nil
	}
	return nil, fmt.Errorf("decode preset: %w", jsonErr)
}

// StateID returns the host state id a preset document lives under.
func StateID(namespace, instance, presetID string) string {
	return fmt.Sprintf("%s.IngestStates.%s.presets.%s", namespace, instance, presetID)
}

// StatePrefix returns the id prefix of all preset states of an instance.
func StatePrefix(namespace, instance string) string {
	return fmt.Sprintf("%s.IngestStates.%s.presets.", namespace, instance)
}

// NewHostLoader builds a Loader that reads preset documents from host states.
// A missing state or an undecodable document yields (nil, nil): the cache
// records it as a negative entry.
func NewHostLoader(reader hostapi.Reader, namespace, instance string) Loader {
	return func(presetID string) (*Preset, error) {
		st, err := reader.GetForeignState(StateID(namespace, instance, presetID))
		if err != nil {
			return nil, err
		}
		if st == nil {
			return nil, nil
		}
		raw, ok := st.Val.(string)
		if !ok || raw == "" {
			return nil, nil
		}
		p, err := Decode([]byte(raw))
		if err != nil {
			return nil, nil
		}
		if p.ID == "" {
			p.ID = presetID
		}
		return p, nil
	}
}

// fallback is the built-in preset used when a rule is misconfigured but
// still needs to emit a message. Not user-editable, never cached.
var fallback = &Preset{
	ID: "fallback",
	Message: Template{
		Kind:  message.KindStatus,
		Level: message.LevelWarn,
		Title: "msghub.i18n.ingest.fallback.title {targetId}",
		Text:  "msghub.i18n.ingest.fallback.text {targetId}",
		Actions: []message.Action{
			{ID: "ack", Type: message.ActionAck},
			{ID: "close", Type: message.ActionClose},
		},
	},
}

// Fallback returns the built-in fallback preset.
func Fallback() *Preset {
	return fallback
}
