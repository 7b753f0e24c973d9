package credential

import (
	"context"
	"sync"
	"time"
)

// credLock serializes requests against one credential. Waiters queue FIFO and
// the head is handed the lock on release.
type credLock struct {
	held  bool
	queue []chan struct{}
}

// LockManager grants at most one in-flight request per credential. When
// disabled every acquire succeeds immediately with a no-op release.
type LockManager struct {
	mu       sync.Mutex
	locks    map[int64]*credLock
	disabled bool
}

// NewLockManager creates a lock manager. Pass disabled=true to run
// credentials lock-free at your own risk.
func NewLockManager(disabled bool) *LockManager {
	return &LockManager{locks: make(map[int64]*credLock), disabled: disabled}
}

// Acquire blocks until the credential is free or ctx is done. The returned
// release is idempotent and must be called on every exit path.
func (m *LockManager) Acquire(ctx context.Context, id int64) (func(), error) {
	if m.disabled {
		return func() {}, nil
	}

	m.mu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &credLock{}
		m.locks[id] = l
	}
	if !l.held {
		l.held = true
		m.mu.Unlock()
		return m.releaser(id), nil
	}
	ch := make(chan struct{})
	l.queue = append(l.queue, ch)
	m.mu.Unlock()

	select {
	case <-ch:
		return m.releaser(id), nil
	case <-ctx.Done():
		m.mu.Lock()
		removed := false
		for i, w := range l.queue {
			if w == ch {
				l.queue = append(l.queue[:i], l.queue[i+1:]...)
				removed = true
				break
			}
		}
		m.mu.Unlock()
		if !removed {
			// grant raced the cancellation; take the lock and hand it on
			<-ch
			m.release(id)
		}
		return nil, ctx.Err()
	}
}

func (m *LockManager) releaser(id int64) func() {
	var once sync.Once
	return func() { once.Do(func() { m.release(id) }) }
}

func (m *LockManager) release(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.locks[id]
	if l == nil {
		return
	}
	if len(l.queue) > 0 {
		head := l.queue[0]
		l.queue = l.queue[1:]
		close(head)
		return
	}
	l.held = false
}

// ConcurrencyGuard enforces per-(apiKey, clientIP) concurrent-request
// ceilings. Check and increment are one atomic step.
type ConcurrencyGuard struct {
	mu    sync.Mutex
	slots map[string]int
}

// NewConcurrencyGuard creates an empty guard.
func NewConcurrencyGuard() *ConcurrencyGuard {
	return &ConcurrencyGuard{slots: make(map[string]int)}
}

// TryAcquire takes a slot if the count is below limit. limit <= 0 means
// unlimited. The returned release is idempotent.
func (g *ConcurrencyGuard) TryAcquire(key string, limit int) (func(), bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if limit > 0 && g.slots[key] >= limit {
		return nil, false
	}
	g.slots[key]++
	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			if g.slots[key]--; g.slots[key] <= 0 {
				delete(g.slots, key)
			}
		})
	}, true
}

// InFlight returns the current count for a key.
func (g *ConcurrencyGuard) InFlight(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.slots[key]
}

// SlidingWindow caps requests per key inside a rolling window. Timestamps
// older than the window are evicted on each check.
type SlidingWindow struct {
	mu     sync.Mutex
	window time.Duration
	hits   map[string][]time.Time
	now    func() time.Time
}

// NewSlidingWindow creates a limiter with the given window, typically one
// minute for rpm caps.
func NewSlidingWindow(window time.Duration) *SlidingWindow {
	return &SlidingWindow{window: window, hits: make(map[string][]time.Time), now: time.Now}
}

// Allow records a hit and reports whether the key stays at or below limit.
// limit <= 0 means unlimited.
func (w *SlidingWindow) Allow(key string, limit int) bool {
	if limit <= 0 {
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	cutoff := now.Add(-w.window)
	kept := w.hits[key][:0]
	for _, t := range w.hits[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= limit {
		w.hits[key] = kept
		return false
	}
	w.hits[key] = append(kept, now)
	return true
}
