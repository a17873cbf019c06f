package offline

import (
	"log/slog"
	"sync"
)

// notification is one listener callback, applied to every live listener
type notification struct {
	name    string
	deliver func(Listener)
	flushed chan struct{}
}

// dispatcher delivers notifications in enqueue order on its own goroutine.
// Enqueue never blocks the caller.
type dispatcher struct {
	registry *registry
	logger   *slog.Logger

	mu      sync.Mutex
	queue   []notification
	wake    chan struct{}
	closed  bool
	stopped chan struct{}
}

func newDispatcher(registry *registry, logger *slog.Logger) *dispatcher {
	d := &dispatcher{
		registry: registry,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		stopped:  make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *dispatcher) enqueue(n notification) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	d.queue = append(d.queue, n)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return true
}

func (d *dispatcher) notify(name string, deliver func(Listener)) {
	d.enqueue(notification{name: name, deliver: deliver})
}

// flush blocks until everything enqueued before it has been delivered
func (d *dispatcher) flush() {
	done := make(chan struct{})
	if !d.enqueue(notification{flushed: done}) {
		<-d.stopped
		return
	}
	<-done
}

// close delivers what is queued and stops the goroutine
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.stopped
		return
	}
	d.closed = true
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	<-d.stopped
}

func (d *dispatcher) loop() {
	defer close(d.stopped)
	for {
		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		closed := d.closed
		d.mu.Unlock()

		for _, n := range batch {
			d.deliver(n)
		}

		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-d.wake
	}
}

func (d *dispatcher) deliver(n notification) {
	if n.flushed != nil {
		close(n.flushed)
		return
	}
	for _, listener := range d.registry.live() {
		d.call(n, listener)
	}
}

// call isolates the dispatcher from a panicking listener
func (d *dispatcher) call(n notification, listener Listener) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("listener panicked", "notification", n.name, "panic", r)
		}
	}()
	n.deliver(listener)
}
