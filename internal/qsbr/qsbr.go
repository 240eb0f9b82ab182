// Package qsbr implements quiescent-state-based reclamation: the epoch
// protocol (§5, §9) that lets the engine retire an old MT-view only after
// every registered reader handle has observed a generation at least as
// new as the retiring one. Readers "quiesce" implicitly on every
// top-level operation by reporting the view generation they currently
// observe; a parked reader is treated as already quiesced.
package qsbr

import (
	"sync"
	"sync/atomic"
)

// parked is the sentinel generation value a parked handle reports: it is
// larger than any real generation, so a writer waiting for readers to
// cross a target always considers a parked handle to have passed.
const parked = ^uint64(0)

// Domain tracks a set of reader handles and their most recently observed
// generation.
type Domain struct {
	mu      sync.Mutex
	handles map[*Handle]struct{}
}

// NewDomain creates an empty reclamation domain.
func NewDomain() *Domain {
	return &Domain{
		handles: make(map[*Handle]struct{}),
	}
}

// Handle is a per-thread (per-goroutine, in this port) registration. Its
// zero value is not usable; obtain one via Domain.Register.
type Handle struct {
	gen atomic.Uint64
}

// Register creates and registers a new Handle, initialized as quiesced
// (parked) until the caller reports a generation.
func (d *Domain) Register() *Handle {
	h := &Handle{}
	h.gen.Store(parked)
	d.mu.Lock()
	d.handles[h] = struct{}{}
	d.mu.Unlock()
	return h
}

// Unregister removes a handle from the domain; it must not be used
// afterward.
func (d *Domain) Unregister(h *Handle) {
	d.mu.Lock()
	delete(d.handles, h)
	d.mu.Unlock()
}

// Enter reports that the calling reader is about to observe generation
// gen; it is the "read enter" step of §4.6 that resumes a parked reader.
func (h *Handle) Enter(gen uint64) {
	h.gen.Store(gen)
}

// Leave parks the handle, the "read leave" step of §4.6. A parked handle
// never blocks a writer's Wait.
func (h *Handle) Leave() {
	h.gen.Store(parked)
}

// Wait blocks until every currently registered handle has reported a
// generation >= target (or is parked). It spins over the registered
// handles' generation values, matching §5's "writers
// requesting reclamation... spin over all shards' bitmaps... until all
// have passed the target generation."
func (d *Domain) Wait(target uint64) {
	var b backoff
	for {
		d.mu.Lock()
		pending := 0
		for h := range d.handles {
			g := h.gen.Load()
			if g != parked && g < target {
				pending++
			}
		}
		d.mu.Unlock()
		if pending == 0 {
			return
		}
		// No registered reader handle ever sleeps here on its own hot
		// path; only the writer doing reclamation spins, so a
		// cooperative Gosched is enough to let readers advance.
		b.yield()
	}
}
