// Package engine ties the ingest subsystem together: it scans external
// objects for per-target rule configs, keeps rule instances and subscriptions
// in sync, and routes state changes, ticks and durable timer fires to the
// rules. All mutation runs on a single op queue.
package engine

import (
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"

	"github.com/stacknerd/msghub/internal/hostapi"
	"github.com/stacknerd/msghub/internal/message"
	"github.com/stacknerd/msghub/internal/opqueue"
	"github.com/stacknerd/msghub/internal/preset"
	"github.com/stacknerd/msghub/internal/registry"
	"github.com/stacknerd/msghub/internal/ruleconf"
	"github.com/stacknerd/msghub/internal/rules"
	"github.com/stacknerd/msghub/internal/subman"
	"github.com/stacknerd/msghub/internal/timersvc"
)

// objectDebounce coalesces bursts of object-change notifications into one
// rescan.
const objectDebounce = 1500 * time.Millisecond

// Config wires the engine to its host.
type Config struct {
	Namespace string // e.g. "msghub.0"
	Instance  string // e.g. "0"

	Bus     hostapi.Bus
	Reader  hostapi.Reader
	Store   hostapi.Store
	Managed hostapi.ManagedObjects // optional

	Clock clock.Clock

	// MetricsMaxInterval throttles per-writer metric patches, in ms.
	MetricsMaxInterval int64
	Trace              bool
}

// Engine is the per-instance rule engine.
type Engine struct {
	cfg Config
	clk clock.Clock

	queue      *opqueue.Queue
	timers     *timersvc.Service
	presets    *preset.Cache
	reg        *registry.Registry
	ruleSubs   *subman.Manager // rule state ids + watched object ids
	presetSubs *subman.Manager // preset document state ids

	ownTag       string // managedBy tag, "IngestStates.<instance>"
	presetPrefix string

	// watchedObjects includes targets whose config failed normalization, so
	// a fix triggers an object change and a rescan.
	watchedObjects subman.Set

	running atomic.Bool

	debounceMu sync.Mutex
	debounce   clock.Timer
}

// New builds a stopped engine.
func New(cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	e := &Engine{
		cfg:            cfg,
		clk:            cfg.Clock,
		queue:          opqueue.New(),
		presets:        preset.NewCache(preset.NewHostLoader(cfg.Reader, cfg.Namespace, cfg.Instance)),
		reg:            registry.New(),
		ruleSubs:       subman.New(cfg.Bus),
		presetSubs:     subman.New(cfg.Bus),
		ownTag:         message.BaseOwnID(cfg.Instance),
		presetPrefix:   preset.StatePrefix(cfg.Namespace, cfg.Instance),
		watchedObjects: subman.NewSet(),
	}
	e.timers = timersvc.New(cfg.Clock, cfg.Reader,
		timersvc.SlotID(cfg.Namespace, cfg.Instance), e.onTimerDue)
	return e
}

// Start recovers persisted timers and performs the initial scan. It returns
// once the scan has completed and subscriptions are in place.
func (e *Engine) Start() {
	e.running.Store(true)
	e.timers.Start()
	e.queue.SubmitWait(e.rescan)
}

// Stop tears the engine down: timers flush first so armed entries survive
// for the next start, then subscriptions are dropped and rules disposed on
// the queue. Dispose cancellations after the timer stop are no-ops, so a
// shutdown never erases the persisted timer document. Open messages stay in
// the store untouched.
func (e *Engine) Stop() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	e.debounceMu.Lock()
	if e.debounce != nil {
		e.debounce.Stop()
		e.debounce = nil
	}
	e.debounceMu.Unlock()

	e.timers.Stop()
	e.queue.SubmitWait(func() {
		e.ruleSubs.Clear()
		e.presetSubs.Clear()
		for _, r := range e.reg.All() {
			r.Dispose()
		}
		e.reg.Clear()
	})
	e.queue.Close()
	e.presets.Close()
}

// TriggerRescan schedules a scan, e.g. from the periodic loop or a cron
// schedule.
func (e *Engine) TriggerRescan() {
	if !e.running.Load() {
		return
	}
	e.queue.Submit(e.rescan)
}

// Tick schedules one evaluation pass over all rules.
func (e *Engine) Tick() {
	if !e.running.Load() {
		return
	}
	e.queue.Submit(func() {
		now := e.clk.Now().UnixMilli()
		for _, r := range e.reg.All() {
			r.OnTick(now)
		}
	})
}

// OnStateChange is the bus callback for state updates. A nil state means the
// state was deleted. Irrelevant ids are dropped before entering the queue.
func (e *Engine) OnStateChange(id string, st *hostapi.State) {
	if !e.running.Load() {
		return
	}
	if strings.HasPrefix(id, e.presetPrefix) {
		presetID := id[len(e.presetPrefix):]
		e.queue.Submit(func() {
			e.presets.Invalidate(presetID)
			if e.cfg.Trace {
				log.Printf("[engine] preset %q invalidated", presetID)
			}
		})
		return
	}
	if st == nil {
		return
	}
	interested := e.reg.Lookup(id)
	if len(interested) == 0 {
		return
	}
	cp := *st
	e.queue.Submit(func() {
		// Re-resolve inside the queue; a rescan may have replaced the set.
		for _, r := range e.reg.Lookup(id) {
			r.OnStateChange(id, cp)
		}
	})
}

// OnObjectChange is the bus callback for object updates. Changes are
// debounced into one rescan; the scan re-reads everything, so the object id
// and payload are irrelevant here.
func (e *Engine) OnObjectChange(id string) {
	if !e.running.Load() {
		return
	}
	e.debounceMu.Lock()
	defer e.debounceMu.Unlock()
	if e.debounce != nil {
		e.debounce.Reset(objectDebounce)
		return
	}
	e.debounce = e.clk.AfterFunc(objectDebounce, func() {
		e.debounceMu.Lock()
		e.debounce = nil
		e.debounceMu.Unlock()
		e.TriggerRescan()
	})
}

// onTimerDue routes a fired durable timer to its owning rule via the queue.
// Ownership is established by the targetId in the payload, never by parsing
// the timer id.
func (e *Engine) onTimerDue(t timersvc.Timer) {
	e.queue.Submit(func() {
		target, ok := rules.TimerTarget(t)
		if !ok {
			log.Printf("[engine] dropping timer %q without owner payload", t.ID)
			return
		}
		r, ok := e.reg.Rule(target)
		if !ok {
			// Rule was removed or replaced since the timer was set.
			if e.cfg.Trace {
				log.Printf("[engine] timer %q fired for unmanaged target %s", t.ID, target)
			}
			return
		}
		r.OnTimer(t)
	})
}

// rescan rebuilds the rule set from the host's custom-config object view.
// Runs on the queue. A failed bulk read keeps the current rule set.
func (e *Engine) rescan() {
	view, err := e.cfg.Reader.GetObjectView("system", "custom")
	if err != nil {
		log.Printf("[engine] object view read failed, keeping current rules: %v", err)
		return
	}

	desired := map[string]map[string]any{}
	watched := subman.NewSet()
	for _, row := range view.Rows {
		// Own objects never become targets; watching them would make the
		// engine react to its own writes.
		if row.ID == e.cfg.Namespace || strings.HasPrefix(row.ID, e.cfg.Namespace+".") {
			continue
		}
		raw := row.Value[e.cfg.Namespace]
		if raw == nil {
			continue
		}
		watched.Add(row.ID)
		desired[row.ID] = raw
	}

	built, replaced, removed := 0, 0, 0
	presetIDs := map[string]struct{}{}
	next := subman.NewSet()

	for targetID, raw := range desired {
		cfg, err := ruleconf.Normalize(targetID, raw)
		if err != nil {
			// Stay subscribed to the object so a config fix re-triggers.
			log.Printf("[engine] %v", err)
			e.dropRule(targetID, &removed)
			continue
		}
		if !cfg.Enabled {
			e.dropRule(targetID, &removed)
			continue
		}
		if cfg.ManagedBy != "" && cfg.ManagedBy != e.ownTag {
			log.Printf("[engine] %s: managed by %q, skipping", targetID, cfg.ManagedBy)
			e.dropRule(targetID, &removed)
			continue
		}

		for _, id := range cfg.PresetIDs() {
			presetIDs[id] = struct{}{}
		}

		fp := ruleconf.Fingerprint(raw)
		if prevFP, ok := e.reg.Fingerprint(targetID); ok && prevFP == fp {
			next.Add(targetID)
			continue
		}

		r, err := rules.New(targetID, cfg, e.deps())
		if err != nil {
			log.Printf("[engine] %v", err)
			e.dropRule(targetID, &removed)
			continue
		}
		if old, ok := e.reg.Rule(targetID); ok {
			old.Dispose()
			replaced++
		} else {
			built++
		}
		e.reg.Put(targetID, fp, r)
		next.Add(targetID)

		if e.cfg.Managed != nil {
			e.cfg.Managed.Report(targetID, map[string]any{
				"managedBy": e.ownTag,
				"mode":      string(cfg.Mode),
			})
		}
	}

	// Drop rules whose objects vanished from the view entirely.
	for _, targetID := range e.reg.Targets() {
		if !next.Has(targetID) {
			if _, stillConfigured := desired[targetID]; !stillConfigured {
				e.dropRule(targetID, &removed)
			}
		}
	}

	e.reg.Reindex()
	e.watchedObjects = watched

	e.ruleSubs.SyncStates(e.reg.StateIDs())
	e.ruleSubs.SyncObjects(watched)

	// Preset documents: subscribe to their states, prune the cache to the
	// referenced set, and warm it best-effort.
	presetStates := subman.NewSet()
	for id := range presetIDs {
		presetStates.Add(preset.StateID(e.cfg.Namespace, e.cfg.Instance, id))
	}
	e.presetSubs.SyncStates(presetStates)
	e.presets.Retain(presetIDs)
	for id := range presetIDs {
		e.presets.Get(id)
	}

	if e.cfg.Managed != nil {
		e.cfg.Managed.ApplyReported()
	}

	log.Printf("[engine] rescan: %d rule(s) active (%d new, %d replaced, %d removed), %d preset(s)",
		e.reg.Len(), built, replaced, removed, len(presetIDs))
}

func (e *Engine) dropRule(targetID string, removed *int) {
	if r, ok := e.reg.Rule(targetID); ok {
		r.Dispose()
		e.reg.Remove(targetID)
		*removed++
	}
}

func (e *Engine) deps() rules.Deps {
	return rules.Deps{
		Namespace:          e.cfg.Namespace,
		Instance:           e.cfg.Instance,
		Owner:              e.ownTag,
		Timers:             e.timers,
		Reader:             e.cfg.Reader,
		Store:              e.cfg.Store,
		Presets:            e.presets,
		MetricsMaxInterval: e.cfg.MetricsMaxInterval,
		Trace:              e.cfg.Trace,
	}
}

// Rules returns the number of active rules, for status reporting.
func (e *Engine) Rules() int {
	var n int
	e.queue.SubmitWait(func() { n = e.reg.Len() })
	return n
}
