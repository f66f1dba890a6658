// Package message defines the engine's external view of the messages the
// host store holds: the model, the lifecycle/kind/level enumerations, narrow
// patches, and the stable ref scheme rules use to address their messages.
package message

// Lifecycle states. Closed, Expired and Deleted are terminal; everything
// else counts as quasi-open.
const (
	StateOpen    = "open"
	StateAcked   = "acked"
	StateSnoozed = "snoozed"
	StateClosed  = "closed"
	StateExpired = "expired"
	StateDeleted = "deleted"
)

// Terminal reports whether a lifecycle state is final (not quasi-open).
func Terminal(state string) bool {
	switch state {
	case StateClosed, StateExpired, StateDeleted:
		return true
	}
	return false
}

// Message kinds.
const (
	KindStatus = "status"
	KindAlert  = "alert"
	KindEvent  = "event"
	KindTask   = "task"
)

// Levels. Plain integers so presets can carry intermediate values.
const (
	LevelInfo  = 10
	LevelWarn  = 20
	LevelError = 30
)

// Origin types.
const (
	OriginSystem = "system"
	OriginUser   = "user"
	OriginPlugin = "plugin"
)

// Action types.
const (
	ActionAck    = "ack"
	ActionSnooze = "snooze"
	ActionClose  = "close"
	ActionCustom = "custom"
)

// Origin identifies where a message came from.
type Origin struct {
	Type   string `json:"type"`
	System string `json:"system,omitempty"`
	ID     string `json:"id,omitempty"`
}

// Action is a user-invokable operation attached to a message.
type Action struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Lifecycle tracks the message state and who last changed it.
type Lifecycle struct {
	State          string `json:"state"`
	StateChangedBy string `json:"stateChangedBy,omitempty"`
	StateChangedAt int64  `json:"stateChangedAt,omitempty"`
}

// Timing holds scheduling fields. All values are ms since epoch except
// RemindEvery, Cooldown and TimeBudget, which are spans in ms. Zero means
// unset throughout.
type Timing struct {
	NotifyAt    int64 `json:"notifyAt,omitempty"`
	StartAt     int64 `json:"startAt,omitempty"`
	EndAt       int64 `json:"endAt,omitempty"`
	RemindEvery int64 `json:"remindEvery,omitempty"`
	Cooldown    int64 `json:"cooldown,omitempty"`
	TimeBudget  int64 `json:"timeBudget,omitempty"`
	DueAt       int64 `json:"dueAt,omitempty"`
}

// Metric is one named measurement attached to a message.
type Metric struct {
	Val  any    `json:"val"`
	Unit string `json:"unit,omitempty"`
	TS   int64  `json:"ts,omitempty"`
}

// Message is the engine's view of a stored message. The store owns the type;
// the engine reads and narrowly patches it, keyed by Ref.
type Message struct {
	ID        string            `json:"id"`
	Ref       string            `json:"ref"`
	Kind      string            `json:"kind"`
	Level     int               `json:"level"`
	Title     string            `json:"title"`
	Text      string            `json:"text"`
	Origin    Origin            `json:"origin"`
	Audience  string            `json:"audience,omitempty"`
	Details   map[string]any    `json:"details,omitempty"`
	Actions   []Action          `json:"actions,omitempty"`
	Lifecycle Lifecycle         `json:"lifecycle"`
	Timing    Timing            `json:"timing"`
	Metrics   map[string]Metric `json:"metrics,omitempty"`
	CreatedAt int64             `json:"createdAt,omitempty"`
}

// QuasiOpen reports whether the message is still addressable by rule upserts.
func (m *Message) QuasiOpen() bool {
	return m != nil && !Terminal(m.Lifecycle.State)
}

// HasAction reports whether an action of the given type is attached.
func (m *Message) HasAction(actionType string) bool {
	for _, a := range m.Actions {
		if a.Type == actionType {
			return true
		}
	}
	return false
}

// Patch is a narrow field-wise update. Nil pointers / nil maps mean
// "leave untouched"; MetricsDelete lists metric keys to remove.
type Patch struct {
	Title       *string           `json:"title,omitempty"`
	Text        *string           `json:"text,omitempty"`
	Level       *int              `json:"level,omitempty"`
	Details     map[string]any    `json:"details,omitempty"`
	Actions     []Action          `json:"actions,omitempty"`
	ActionsSet  bool              `json:"-"`
	RemindEvery *int64            `json:"remindEvery,omitempty"`
	Cooldown    *int64            `json:"cooldown,omitempty"`
	NotifyAt    *int64            `json:"notifyAt,omitempty"`
	EndAt       *int64            `json:"endAt,omitempty"`
	Metrics     map[string]Metric `json:"metrics,omitempty"`
	// MetricsDelete removes the named metrics. Applied before Metrics upserts.
	MetricsDelete []string `json:"metricsDelete,omitempty"`
}

// Empty reports whether the patch would not change anything by construction.
func (p Patch) Empty() bool {
	return p.Title == nil && p.Text == nil && p.Level == nil &&
		p.Details == nil && !p.ActionsSet && p.RemindEvery == nil &&
		p.Cooldown == nil && p.NotifyAt == nil && p.EndAt == nil &&
		len(p.Metrics) == 0 && len(p.MetricsDelete) == 0
}

// Apply merges the patch into a message in place.
func (p Patch) Apply(m *Message) {
	if p.Title != nil {
		m.Title = *p.Title
	}
	if p.Text != nil {
		m.Text = *p.Text
	}
	if p.Level != nil {
		m.Level = *p.Level
	}
	if p.Details != nil {
		m.Details = p.Details
	}
	if p.ActionsSet {
		m.Actions = p.Actions
	}
	if p.RemindEvery != nil {
		m.Timing.RemindEvery = *p.RemindEvery
	}
	if p.Cooldown != nil {
		m.Timing.Cooldown = *p.Cooldown
	}
	if p.NotifyAt != nil {
		m.Timing.NotifyAt = *p.NotifyAt
	}
	if p.EndAt != nil {
		m.Timing.EndAt = *p.EndAt
	}
	if len(p.MetricsDelete) > 0 && m.Metrics != nil {
		for _, k := range p.MetricsDelete {
			delete(m.Metrics, k)
		}
	}
	if len(p.Metrics) > 0 {
		if m.Metrics == nil {
			m.Metrics = make(map[string]Metric, len(p.Metrics))
		}
		for k, v := range p.Metrics {
			m.Metrics[k] = v
		}
	}
}
