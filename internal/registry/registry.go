// Package registry tracks the live rule instances and the routing indexes
// derived from them. Mutations happen only on the engine's op queue; the
// state-id index is a concurrent map so the bus callback can test relevance
// without entering the queue.
package registry

import (
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/stacknerd/msghub/internal/rules"
	"github.com/stacknerd/msghub/internal/subman"
)

// Registry indexes rules by target id and by required state id.
type Registry struct {
	byTarget     map[string]rules.Rule
	fingerprints map[string]uint64

	// byState is read from the bus callback outside the queue.
	byState *xsync.Map[string, []rules.Rule]
}

func New() *Registry {
	return &Registry{
		byTarget:     map[string]rules.Rule{},
		fingerprints: map[string]uint64{},
		byState:      xsync.NewMap[string, []rules.Rule](),
	}
}

// Rule returns the rule owning targetID.
func (r *Registry) Rule(targetID string) (rules.Rule, bool) {
	rule, ok := r.byTarget[targetID]
	return rule, ok
}

// Fingerprint returns the config hash the rule at targetID was built from.
func (r *Registry) Fingerprint(targetID string) (uint64, bool) {
	fp, ok := r.fingerprints[targetID]
	return fp, ok
}

// Put installs (or replaces) the rule for targetID. The caller disposes any
// replaced rule; Reindex must run before the change is visible to Lookup.
func (r *Registry) Put(targetID string, fingerprint uint64, rule rules.Rule) {
	r.byTarget[targetID] = rule
	r.fingerprints[targetID] = fingerprint
}

// Remove drops the rule for targetID without disposing it.
func (r *Registry) Remove(targetID string) {
	delete(r.byTarget, targetID)
	delete(r.fingerprints, targetID)
}

// Targets returns the ids of all registered rules.
func (r *Registry) Targets() []string {
	out := make([]string, 0, len(r.byTarget))
	for id := range r.byTarget {
		out = append(out, id)
	}
	return out
}

// All returns every registered rule.
func (r *Registry) All() []rules.Rule {
	out := make([]rules.Rule, 0, len(r.byTarget))
	for _, rule := range r.byTarget {
		out = append(out, rule)
	}
	return out
}

func (r *Registry) Len() int { return len(r.byTarget) }

// StateIDs returns the union of all required state ids, which is exactly the
// subscription set the engine must hold.
func (r *Registry) StateIDs() subman.Set {
	set := subman.NewSet()
	for _, rule := range r.byTarget {
		for _, id := range rule.RequiredStateIDs() {
			set.Add(id)
		}
	}
	return set
}

// Reindex rebuilds the state-id index from the current rule set. Called once
// per rescan commit, after all Put/Remove calls.
func (r *Registry) Reindex() {
	next := map[string][]rules.Rule{}
	for _, rule := range r.byTarget {
		for _, id := range rule.RequiredStateIDs() {
			next[id] = append(next[id], rule)
		}
	}
	r.byState.Range(func(id string, _ []rules.Rule) bool {
		if _, keep := next[id]; !keep {
			r.byState.Delete(id)
		}
		return true
	})
	for id, list := range next {
		r.byState.Store(id, list)
	}
}

// Lookup returns the rules interested in a state id. Safe to call from any
// goroutine.
func (r *Registry) Lookup(stateID string) []rules.Rule {
	list, _ := r.byState.Load(stateID)
	return list
}

// Clear drops everything. The caller disposes the rules first.
func (r *Registry) Clear() {
	r.byTarget = map[string]rules.Rule{}
	r.fingerprints = map[string]uint64{}
	r.byState.Range(func(id string, _ []rules.Rule) bool {
		r.byState.Delete(id)
		return true
	})
}
