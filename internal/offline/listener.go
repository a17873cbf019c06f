package offline

import (
	"sync"
	"weak"

	"github.com/sho7650/media-offline/internal/core"
)

// Listener observes offline lifecycle transitions. Calls arrive in
// transition order on a single dispatcher goroutine, so implementations
// should return promptly.
type Listener interface {
	OffliningStarted(product core.MediaProduct)
	OffliningProgressed(product core.MediaProduct, percentage float64)
	OffliningCompleted(product core.MediaProduct)
	OffliningFailed(product core.MediaProduct, err error)
	OfflinedDeleted(product core.MediaProduct)
	AllOfflinedMediaProductsDeleted()
}

// ListenerFuncs adapts optional callbacks to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Started    func(product core.MediaProduct)
	Progressed func(product core.MediaProduct, percentage float64)
	Completed  func(product core.MediaProduct)
	Failed     func(product core.MediaProduct, err error)
	Deleted    func(product core.MediaProduct)
	AllDeleted func()
}

// Ensure ListenerFuncs implements Listener
var _ Listener = (*ListenerFuncs)(nil)

// OffliningStarted calls Started
func (f *ListenerFuncs) OffliningStarted(product core.MediaProduct) {
	if f.Started != nil {
		f.Started(product)
	}
}

// OffliningProgressed calls Progressed
func (f *ListenerFuncs) OffliningProgressed(product core.MediaProduct, percentage float64) {
	if f.Progressed != nil {
		f.Progressed(product, percentage)
	}
}

// OffliningCompleted calls Completed
func (f *ListenerFuncs) OffliningCompleted(product core.MediaProduct) {
	if f.Completed != nil {
		f.Completed(product)
	}
}

// OffliningFailed calls Failed
func (f *ListenerFuncs) OffliningFailed(product core.MediaProduct, err error) {
	if f.Failed != nil {
		f.Failed(product, err)
	}
}

// OfflinedDeleted calls Deleted
func (f *ListenerFuncs) OfflinedDeleted(product core.MediaProduct) {
	if f.Deleted != nil {
		f.Deleted(product)
	}
}

// AllOfflinedMediaProductsDeleted calls AllDeleted
func (f *ListenerFuncs) AllOfflinedMediaProductsDeleted() {
	if f.AllDeleted != nil {
		f.AllDeleted()
	}
}

// Subscription is the handle returned when a listener is registered
type Subscription struct {
	registry *registry
	id       uint64
	once     sync.Once
}

// Unsubscribe stops delivery to the listener. Calling it again is a no-op.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() { s.registry.remove(s.id) })
}

// listenerRef resolves a registration to a live listener
type listenerRef interface {
	get() (Listener, bool)
}

type strongRef struct {
	listener Listener
}

func (r strongRef) get() (Listener, bool) {
	return r.listener, true
}

type weakRef[T any, PT interface {
	*T
	Listener
}] struct {
	pointer weak.Pointer[T]
}

func (r weakRef[T, PT]) get() (Listener, bool) {
	value := r.pointer.Value()
	if value == nil {
		return nil, false
	}
	return PT(value), true
}

// registry holds listener registrations keyed by subscription ID
type registry struct {
	mu      sync.Mutex
	next    uint64
	entries map[uint64]listenerRef
	order   []uint64
}

func newRegistry() *registry {
	return &registry{entries: make(map[uint64]listenerRef)}
}

func (r *registry) add(ref listenerRef) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.next++
	r.entries[r.next] = ref
	r.order = append(r.order, r.next)
	return &Subscription{registry: r, id: r.next}
}

func (r *registry) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[id]; !ok {
		return
	}
	delete(r.entries, id)
	for i, candidate := range r.order {
		if candidate == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// live returns the reachable listeners in registration order and forgets
// the collected ones
func (r *registry) live() []Listener {
	r.mu.Lock()
	defer r.mu.Unlock()

	listeners := make([]Listener, 0, len(r.order))
	kept := r.order[:0]
	for _, id := range r.order {
		listener, ok := r.entries[id].get()
		if !ok {
			delete(r.entries, id)
			continue
		}
		kept = append(kept, id)
		listeners = append(listeners, listener)
	}
	r.order = kept
	return listeners
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}
