// Package timersvc provides durable named one-shot timers. Entries survive
// restarts via a single JSON document persisted into a host state slot owned
// exclusively by this engine instance.
package timersvc

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/stacknerd/msghub/internal/hostapi"
)

const (
	schemaVersion = 1

	// flushDelay debounces persistence after a mutation.
	flushDelay = 100 * time.Millisecond

	// maxWake clamps a single in-memory wait. Long-range timers re-arm when
	// a premature wake finds them not yet due.
	maxWake = 24 * time.Hour
)

// Timer is a snapshot of one durable timer entry. Data is opaque to the
// service and meaningful only to the rule that created the entry.
type Timer struct {
	ID    string
	DueAt int64 // ms since epoch
	Kind  string
	Data  json.RawMessage
}

type entry struct {
	dueAt int64
	kind  string
	data  json.RawMessage
	seq   uint64 // insertion order, tie-break for equal dueAt
}

type persistedDoc struct {
	SchemaVersion int                       `json:"schemaVersion"`
	Timers        map[string]persistedEntry `json:"timers"`
}

type persistedEntry struct {
	At   int64           `json:"at"`
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Service manages the timer map, a single earliest-due in-memory wake, and
// the debounced persistence flush. Firing is at-most-once per Set.
type Service struct {
	clk    clock.Clock
	reader hostapi.Reader
	slotID string
	onDue  func(Timer)

	mu         sync.Mutex
	entries    map[string]*entry
	nextSeq    uint64
	wake       clock.Timer
	wakeGen    uint64
	flushTimer clock.Timer
	dirty      bool
	stopped    bool
}

// New creates a stopped service. slotID is the host state id the persisted
// document lives under; onDue is invoked after an entry fires and has been
// removed from the map.
func New(clk clock.Clock, reader hostapi.Reader, slotID string, onDue func(Timer)) *Service {
	return &Service{
		clk:     clk,
		reader:  reader,
		slotID:  slotID,
		onDue:   onDue,
		entries: make(map[string]*entry),
	}
}

// Start loads the persisted document and arms the wake for surviving
// entries. Malformed documents or entries are dropped, never fatal.
func (s *Service) Start() {
	doc := s.load()

	s.mu.Lock()
	s.stopped = false
	for id, pe := range doc.Timers {
		if id == "" || pe.Kind == "" || pe.At <= 0 {
			log.Printf("[timersvc] dropping malformed persisted timer %q", id)
			continue
		}
		s.nextSeq++
		s.entries[id] = &entry{dueAt: pe.At, kind: pe.Kind, data: pe.Data, seq: s.nextSeq}
	}
	n := len(s.entries)
	s.rearmLocked()
	s.mu.Unlock()

	if n > 0 {
		log.Printf("[timersvc] recovered %d persisted timer(s)", n)
	}
}

func (s *Service) load() persistedDoc {
	empty := persistedDoc{Timers: map[string]persistedEntry{}}
	st, err := s.reader.GetForeignState(s.slotID)
	if err != nil {
		log.Printf("[timersvc] read %s failed, starting empty: %v", s.slotID, err)
		return empty
	}
	if st == nil {
		return empty
	}
	raw, ok := st.Val.(string)
	if !ok || raw == "" {
		return empty
	}
	var doc persistedDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		log.Printf("[timersvc] corrupt timer document in %s, starting empty: %v", s.slotID, err)
		return empty
	}
	if doc.SchemaVersion != schemaVersion {
		log.Printf("[timersvc] unknown timer schema version %d in %s, starting empty", doc.SchemaVersion, s.slotID)
		return empty
	}
	if doc.Timers == nil {
		doc.Timers = map[string]persistedEntry{}
	}
	return doc
}

// Set creates or replaces the entry at id. A dueAt in the past still fires,
// coalesced to "soon". Schedules a persistence flush.
func (s *Service) Set(id string, dueAt int64, kind string, data json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.nextSeq++
	s.entries[id] = &entry{dueAt: dueAt, kind: kind, data: data, seq: s.nextSeq}
	s.markDirtyLocked()
	s.rearmLocked()
}

// Delete removes the entry at id, if present. Schedules a flush.
func (s *Service) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return
	}
	delete(s.entries, id)
	s.markDirtyLocked()
	s.rearmLocked()
}

// Get returns a snapshot of the entry at id, or false if absent.
func (s *Service) Get(id string) (Timer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return Timer{}, false
	}
	return Timer{ID: id, DueAt: e.dueAt, Kind: e.kind, Data: e.data}, true
}

// Len returns the number of live entries.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stop cancels the in-memory wake and the flush debounce, performs a final
// flush if mutations are pending, and clears the map. Entries already
// persisted survive for the next Start.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	if s.wake != nil {
		s.wake.Stop()
		s.wake = nil
	}
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	needFlush := s.dirty
	var doc persistedDoc
	if needFlush {
		doc = s.snapshotLocked()
		s.dirty = false
	}
	s.entries = make(map[string]*entry)
	s.mu.Unlock()

	if needFlush {
		s.write(doc)
	}
}

// rearmLocked points the single wake at the earliest due entry, clamped to
// maxWake. Call with s.mu held.
func (s *Service) rearmLocked() {
	if s.wake != nil {
		s.wake.Stop()
		s.wake = nil
	}
	if s.stopped || len(s.entries) == 0 {
		return
	}
	earliest := int64(0)
	for _, e := range s.entries {
		if earliest == 0 || e.dueAt < earliest {
			earliest = e.dueAt
		}
	}
	d := time.Duration(earliest-s.clk.Now().UnixMilli()) * time.Millisecond
	if d < 0 {
		d = 0
	}
	if d > maxWake {
		d = maxWake
	}
	s.wakeGen++
	gen := s.wakeGen
	s.wake = s.clk.AfterFunc(d, func() { s.onWake(gen) })
}

// onWake drains every due entry in (dueAt, insertion) order, then re-arms.
// A premature wake (long-range clamp, or dueAt moved forward) only re-arms.
func (s *Service) onWake(gen uint64) {
	s.mu.Lock()
	if s.stopped || gen != s.wakeGen {
		s.mu.Unlock()
		return
	}
	now := s.clk.Now().UnixMilli()
	var due []Timer
	for id, e := range s.entries {
		if e.dueAt <= now {
			due = append(due, Timer{ID: id, DueAt: e.dueAt, Kind: e.kind, Data: e.data})
		}
	}
	sort.Slice(due, func(i, j int) bool {
		a, b := due[i], due[j]
		if a.DueAt != b.DueAt {
			return a.DueAt < b.DueAt
		}
		return s.entries[a.ID].seq < s.entries[b.ID].seq
	})
	for _, t := range due {
		delete(s.entries, t.ID)
	}
	if len(due) > 0 {
		s.markDirtyLocked()
	}
	s.rearmLocked()
	s.mu.Unlock()

	for _, t := range due {
		s.onDue(t)
	}
}

// markDirtyLocked schedules (or pushes out) the debounced flush.
// Call with s.mu held.
func (s *Service) markDirtyLocked() {
	s.dirty = true
	if s.stopped {
		return
	}
	if s.flushTimer == nil {
		s.flushTimer = s.clk.AfterFunc(flushDelay, s.flush)
		return
	}
	s.flushTimer.Reset(flushDelay)
}

func (s *Service) snapshotLocked() persistedDoc {
	doc := persistedDoc{
		SchemaVersion: schemaVersion,
		Timers:        make(map[string]persistedEntry, len(s.entries)),
	}
	for id, e := range s.entries {
		doc.Timers[id] = persistedEntry{At: e.dueAt, Kind: e.kind, Data: e.data}
	}
	return doc
}

func (s *Service) flush() {
	s.mu.Lock()
	if !s.dirty || s.stopped {
		s.mu.Unlock()
		return
	}
	doc := s.snapshotLocked()
	s.dirty = false
	s.mu.Unlock()

	if !s.write(doc) {
		// Persistence failure must not halt the engine; retry on the next
		// mutation by leaving the set marked dirty.
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
	}
}

func (s *Service) write(doc persistedDoc) bool {
	data, err := json.Marshal(doc)
	if err != nil {
		log.Printf("[timersvc] marshal timer document: %v", err)
		return false
	}
	if err := s.reader.SetForeignState(s.slotID, string(data), true); err != nil {
		log.Printf("[timersvc] persist %s failed: %v", s.slotID, err)
		return false
	}
	return true
}

// SlotID returns the persistence slot for an engine instance.
func SlotID(namespace, instance string) string {
	return fmt.Sprintf("%s.IngestStates.%s.timers", namespace, instance)
}
