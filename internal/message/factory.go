package message

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Validation errors returned by New.
var (
	ErrNoRef    = errors.New("message: ref must not be empty")
	ErrNoTitle  = errors.New("message: title must not be empty")
	ErrNoText   = errors.New("message: text must not be empty")
	ErrBadKind  = errors.New("message: unknown kind")
	ErrBadState = errors.New("message: unknown lifecycle state")
)

// Fields is the input to the validating factory.
type Fields struct {
	Ref      string
	Kind     string
	Level    int
	Title    string
	Text     string
	Origin   Origin
	Audience string
	Details  map[string]any
	Actions  []Action
	Timing   Timing
	Metrics  map[string]Metric
	Now      int64
}

// New validates and normalizes fields into a fresh open message.
// Invalid input returns a nil message and the reason.
func New(f Fields) (*Message, error) {
	if f.Ref == "" {
		return nil, ErrNoRef
	}
	if f.Title == "" {
		return nil, ErrNoTitle
	}
	if f.Text == "" {
		return nil, ErrNoText
	}
	kind := f.Kind
	if kind == "" {
		kind = KindStatus
	}
	switch kind {
	case KindStatus, KindAlert, KindEvent, KindTask:
	default:
		return nil, fmt.Errorf("%w: %q", ErrBadKind, kind)
	}
	level := f.Level
	if level <= 0 {
		level = LevelInfo
	}

	m := &Message{
		ID:       uuid.NewString(),
		Ref:      f.Ref,
		Kind:     kind,
		Level:    level,
		Title:    f.Title,
		Text:     f.Text,
		Origin:   f.Origin,
		Audience: f.Audience,
		Details:  f.Details,
		Actions:  f.Actions,
		Lifecycle: Lifecycle{
			State:          StateOpen,
			StateChangedAt: f.Now,
		},
		Timing:    f.Timing,
		Metrics:   f.Metrics,
		CreatedAt: f.Now,
	}
	return m, nil
}
