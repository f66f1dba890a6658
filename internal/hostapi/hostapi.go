// Package hostapi declares the interfaces the rule engine consumes from its
// host: the state/object bus, the bulk/point readers, the persistent message
// store, and the managed-object reporter. Any concrete implementation may
// back them; the repo ships a websocket bus adapter and a SQLite store.
package hostapi

import "github.com/stacknerd/msghub/internal/message"

// State is the engine's view of an external key/value state.
// TS is the last-update time, LC the last-change time (both ms since epoch).
type State struct {
	Val any   `json:"val"`
	Ack bool  `json:"ack"`
	TS  int64 `json:"ts"`
	LC  int64 `json:"lc"`
}

// ObjectViewRow is one row of a bulk object-view read. Value maps a config
// namespace (e.g. "msghub.0") to the raw custom-config record stored under it.
type ObjectViewRow struct {
	ID    string                    `json:"id"`
	Value map[string]map[string]any `json:"value"`
}

// ObjectView is the result of a bulk custom-config read.
type ObjectView struct {
	Rows []ObjectViewRow `json:"rows"`
}

// Bus provides state and object subscriptions. All calls are best-effort and
// non-blocking from the engine's point of view; errors are logged upstream
// and never abort a rescan.
type Bus interface {
	SubscribeForeignStates(id string) error
	UnsubscribeForeignStates(id string) error
	SubscribeForeignObjects(id string) error
	UnsubscribeForeignObjects(id string) error
}

// Reader provides point and bulk reads plus the single write the engine
// performs outside the message store (the timer persistence slot).
type Reader interface {
	// GetObjectView returns all objects carrying custom config.
	// The engine always calls it with ("system", "custom").
	GetObjectView(typ, view string) (*ObjectView, error)
	GetForeignObject(id string) (map[string]any, error)
	// GetForeignState returns nil (no error) when the state does not exist.
	GetForeignState(id string) (*State, error)
	SetForeignState(id string, val any, ack bool) error
}

// ReadScope selects which lifecycle states GetMessageByRef considers.
type ReadScope int

const (
	// ScopeAll matches any lifecycle state.
	ScopeAll ReadScope = iota
	// ScopeQuasiOpen matches only non-terminal lifecycle states.
	ScopeQuasiOpen
)

// Store is the persistent message store shared with other subsystems.
// The engine performs read-modify-write via narrow patches only and relies
// on change detection for idempotence; it never locks or transacts.
type Store interface {
	// GetMessageByRef returns nil (no error) when no message matches.
	GetMessageByRef(ref string, scope ReadScope) (*message.Message, error)
	AddMessage(msg *message.Message) error
	// UpdateMessage applies a narrow patch to the message at ref and reports
	// whether a write occurred.
	UpdateMessage(ref string, patch message.Patch) (bool, error)
	// CompleteAfterCauseEliminated finalizes the message at ref because the
	// condition that opened it no longer holds.
	CompleteAfterCauseEliminated(ref string, actor string, finishedAt int64) error
	RemoveMessage(ref string) error
}

// ManagedObjects lets the engine report ownership of the targets it manages
// so other subsystems can see them. Reports accumulate during a scan and are
// committed by ApplyReported.
type ManagedObjects interface {
	Report(id string, meta map[string]any)
	ApplyReported()
}
