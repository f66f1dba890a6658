// Package testutil provides in-memory fakes of the host interfaces for
// tests: a state/object host and a message store.
package testutil

import (
	"fmt"
	"sort"
	"sync"

	"github.com/stacknerd/msghub/internal/hostapi"
)

// FakeHost is an in-memory hostapi.Bus + hostapi.Reader. All fields are
// protected by the internal mutex; use the accessors from test goroutines.
type FakeHost struct {
	mu      sync.Mutex
	states  map[string]hostapi.State
	objects map[string]map[string]map[string]any // id -> namespace -> raw config

	subStates  map[string]int
	subObjects map[string]int

	// FailReads makes every read return an error, for failure-path tests.
	FailReads bool
}

func NewFakeHost() *FakeHost {
	return &FakeHost{
		states:     map[string]hostapi.State{},
		objects:    map[string]map[string]map[string]any{},
		subStates:  map[string]int{},
		subObjects: map[string]int{},
	}
}

// PutState sets a state value with explicit timestamps.
func (h *FakeHost) PutState(id string, val any, ts, lc int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.states[id] = hostapi.State{Val: val, Ack: true, TS: ts, LC: lc}
}

// DeleteState removes a state.
func (h *FakeHost) DeleteState(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.states, id)
}

// PutObject sets the raw custom config an object carries for a namespace.
func (h *FakeHost) PutObject(id, namespace string, raw map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.objects[id] == nil {
		h.objects[id] = map[string]map[string]any{}
	}
	h.objects[id][namespace] = raw
}

// DeleteObject removes an object.
func (h *FakeHost) DeleteObject(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.objects, id)
}

// SubscribedStates returns the ids with a positive subscription count.
func (h *FakeHost) SubscribedStates() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for id, n := range h.subStates {
		if n > 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// SubscribedObjects returns the object ids with a positive subscription count.
func (h *FakeHost) SubscribedObjects() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for id, n := range h.subObjects {
		if n > 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// --- hostapi.Bus ---

func (h *FakeHost) SubscribeForeignStates(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subStates[id]++
	return nil
}

func (h *FakeHost) UnsubscribeForeignStates(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subStates[id]--
	return nil
}

func (h *FakeHost) SubscribeForeignObjects(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subObjects[id]++
	return nil
}

func (h *FakeHost) UnsubscribeForeignObjects(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subObjects[id]--
	return nil
}

// --- hostapi.Reader ---

func (h *FakeHost) GetObjectView(typ, view string) (*hostapi.ObjectView, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.FailReads {
		return nil, fmt.Errorf("fakehost: reads disabled")
	}
	ids := make([]string, 0, len(h.objects))
	for id := range h.objects {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := &hostapi.ObjectView{}
	for _, id := range ids {
		value := map[string]map[string]any{}
		for ns, raw := range h.objects[id] {
			value[ns] = raw
		}
		out.Rows = append(out.Rows, hostapi.ObjectViewRow{ID: id, Value: value})
	}
	return out, nil
}

func (h *FakeHost) GetForeignObject(id string) (map[string]any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.FailReads {
		return nil, fmt.Errorf("fakehost: reads disabled")
	}
	nsMap, ok := h.objects[id]
	if !ok {
		return nil, nil
	}
	common := map[string]any{}
	for ns, raw := range nsMap {
		common[ns] = raw
	}
	return map[string]any{"common": map[string]any{"custom": common}}, nil
}

func (h *FakeHost) GetForeignState(id string) (*hostapi.State, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.FailReads {
		return nil, fmt.Errorf("fakehost: reads disabled")
	}
	st, ok := h.states[id]
	if !ok {
		return nil, nil
	}
	cp := st
	return &cp, nil
}

func (h *FakeHost) SetForeignState(id string, val any, ack bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.states[id]
	next := hostapi.State{Val: val, Ack: ack, TS: prev.TS, LC: prev.LC}
	h.states[id] = next
	return nil
}
