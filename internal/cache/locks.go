package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

// keyLocks hands out one mutex per key and forgets it when unused
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*keyLock)}
}

// lock acquires the mutex for key and returns its release function
func (k *keyLocks) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// accessClock issues strictly increasing access times so that recency
// order is total even when the wall clock stalls or steps back
type accessClock struct {
	last atomic.Int64
}

func (c *accessClock) now() time.Time {
	for {
		prev := c.last.Load()
		next := time.Now().UnixNano()
		if next <= prev {
			next = prev + 1
		}
		if c.last.CompareAndSwap(prev, next) {
			return time.Unix(0, next).UTC()
		}
	}
}

// observe advances the clock past t
func (c *accessClock) observe(t time.Time) {
	n := t.UnixNano()
	for {
		prev := c.last.Load()
		if n <= prev || c.last.CompareAndSwap(prev, n) {
			return
		}
	}
}
