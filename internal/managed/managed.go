// Package managed reports which external objects this instance manages.
// Reports accumulate during a scan and are flushed as object metadata
// patches; unchanged metadata is not rewritten.
package managed

import (
	"log"
	"reflect"
	"sync"
)

// ObjectExtender applies a metadata patch to an external object.
type ObjectExtender interface {
	ExtendForeignObject(id string, patch map[string]any) error
}

// Reporter collects per-object management metadata and applies the diff on
// commit. Safe for use from the engine's op queue only.
type Reporter struct {
	ext ObjectExtender

	mu      sync.Mutex
	pending map[string]map[string]any
	applied map[string]map[string]any
}

// NewReporter creates an empty reporter.
func NewReporter(ext ObjectExtender) *Reporter {
	return &Reporter{
		ext:     ext,
		pending: map[string]map[string]any{},
		applied: map[string]map[string]any{},
	}
}

// Report records metadata for one object. Overwrites any earlier report for
// the same id in the current scan.
func (r *Reporter) Report(id string, meta map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[id] = meta
}

// ApplyReported writes all changed reports collected since the last apply.
// Failures are logged; the report is kept pending so the next scan retries.
func (r *Reporter) ApplyReported() {
	r.mu.Lock()
	pending := r.pending
	r.pending = map[string]map[string]any{}
	r.mu.Unlock()

	for id, meta := range pending {
		r.mu.Lock()
		same := reflect.DeepEqual(r.applied[id], meta)
		r.mu.Unlock()
		if same {
			continue
		}
		if err := r.ext.ExtendForeignObject(id, map[string]any{"managedMeta": meta}); err != nil {
			log.Printf("[managed] report %s failed: %v", id, err)
			r.mu.Lock()
			if _, overwritten := r.pending[id]; !overwritten {
				r.pending[id] = meta
			}
			r.mu.Unlock()
			continue
		}
		r.mu.Lock()
		r.applied[id] = meta
		r.mu.Unlock()
	}
}
