// Package subman reconciles the engine's state and object subscriptions with
// the host bus. Given an old and a new id set it applies only the diff; all
// bus calls are best-effort.
package subman

import (
	"log"

	"github.com/stacknerd/msghub/internal/hostapi"
)

// Set is a plain id set.
type Set map[string]struct{}

// NewSet builds a Set from ids.
func NewSet(ids ...string) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports membership.
func (s Set) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Add inserts an id.
func (s Set) Add(id string) {
	s[id] = struct{}{}
}

// Diff computes the ids to add (in next, not in prev) and remove (in prev,
// not in next).
func Diff(prev, next Set) (added, removed []string) {
	for id := range next {
		if _, ok := prev[id]; !ok {
			added = append(added, id)
		}
	}
	for id := range prev {
		if _, ok := next[id]; !ok {
			removed = append(removed, id)
		}
	}
	return added, removed
}

// Manager applies subscription diffs through the host bus and tracks the
// currently applied sets. Mutated only from the engine's op queue.
type Manager struct {
	bus hostapi.Bus

	states  Set
	objects Set
}

// New creates a manager with empty applied sets.
func New(bus hostapi.Bus) *Manager {
	return &Manager{bus: bus, states: Set{}, objects: Set{}}
}

// States returns the currently applied state subscriptions.
func (m *Manager) States() Set { return m.states }

// Objects returns the currently applied object subscriptions.
func (m *Manager) Objects() Set { return m.objects }

// SyncStates subscribes/unsubscribes state ids so the applied set matches
// next. Bus errors are logged and swallowed; the target set is committed
// regardless so the next sync does not re-diff against stale state.
func (m *Manager) SyncStates(next Set) {
	added, removed := Diff(m.states, next)
	for _, id := range added {
		if err := m.bus.SubscribeForeignStates(id); err != nil {
			log.Printf("[subman] subscribe state %s: %v", id, err)
		}
	}
	for _, id := range removed {
		if err := m.bus.UnsubscribeForeignStates(id); err != nil {
			log.Printf("[subman] unsubscribe state %s: %v", id, err)
		}
	}
	m.states = next
}

// SyncObjects subscribes/unsubscribes object ids so the applied set matches
// next.
func (m *Manager) SyncObjects(next Set) {
	added, removed := Diff(m.objects, next)
	for _, id := range added {
		if err := m.bus.SubscribeForeignObjects(id); err != nil {
			log.Printf("[subman] subscribe object %s: %v", id, err)
		}
	}
	for _, id := range removed {
		if err := m.bus.UnsubscribeForeignObjects(id); err != nil {
			log.Printf("[subman] unsubscribe object %s: %v", id, err)
		}
	}
	m.objects = next
}

// Clear unsubscribes everything currently applied. Used on engine stop.
func (m *Manager) Clear() {
	m.SyncStates(Set{})
	m.SyncObjects(Set{})
}
