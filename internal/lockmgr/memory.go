package lockmgr

import (
	"context"
	"os"
	"sync"
	"time"
)

// MemoryManager implements Manager for single-process deployments (the
// SQLite path). Cross-process exclusion is not offered; the SQLite store's
// single writer connection is the backstop there.
type MemoryManager struct {
	timeout time.Duration

	mu    sync.Mutex
	locks map[Key]*memLock
}

var _ Manager = (*MemoryManager)(nil)

type memLock struct {
	sem        chan struct{} // capacity 1; a token in the channel means "free"
	acquiredAt time.Time
	mode       string
	waiters    int
}

// NewMemoryManager creates an in-process lock manager. timeout bounds
// blocking Lock calls.
func NewMemoryManager(timeout time.Duration) *MemoryManager {
	return &MemoryManager{
		timeout: timeout,
		locks:   make(map[Key]*memLock),
	}
}

func (m *MemoryManager) entry(key Key) *memLock {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[key]
	if !ok {
		l = &memLock{sem: make(chan struct{}, 1)}
		l.sem <- struct{}{}
		m.locks[key] = l
	}
	l.waiters++
	return l
}

func (m *MemoryManager) done(key Key) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[key]
	if !ok {
		return
	}
	l.waiters--
	if l.waiters == 0 && len(l.sem) == 1 {
		delete(m.locks, key)
	}
}

// Lock blocks until the key is acquired or the timeout elapses.
func (m *MemoryManager) Lock(ctx context.Context, key Key) (context.Context, Handle, error) {
	if holdsKey(ctx, key) {
		return ctx, nil, ErrReentrant
	}

	l := m.entry(key)

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case <-l.sem:
	case <-timer.C:
		m.done(key)
		return ctx, nil, ErrTimeout
	case <-ctx.Done():
		m.done(key)
		return ctx, nil, ctx.Err()
	}

	m.mu.Lock()
	l.acquiredAt = time.Now()
	l.mode = "blocking"
	m.mu.Unlock()

	return withHeldKey(ctx, key), m.handle(key, l), nil
}

// TryLock acquires the key without blocking. Reentrant requests report
// busy rather than erroring.
func (m *MemoryManager) TryLock(ctx context.Context, key Key) (context.Context, Handle, bool, error) {
	if holdsKey(ctx, key) {
		return ctx, nil, false, nil
	}

	l := m.entry(key)

	select {
	case <-l.sem:
	default:
		m.done(key)
		return ctx, nil, false, nil
	}

	m.mu.Lock()
	l.acquiredAt = time.Now()
	l.mode = "try"
	m.mu.Unlock()

	return withHeldKey(ctx, key), m.handle(key, l), true, nil
}

func (m *MemoryManager) handle(key Key, l *memLock) Handle {
	return &memHandle{release: func() {
		l.sem <- struct{}{}
		m.done(key)
	}}
}

// HeldLocks enumerates currently held locks for the debug probe.
func (m *MemoryManager) HeldLocks() []HeldLock {
	m.mu.Lock()
	defer m.mu.Unlock()

	pid := os.Getpid()
	now := time.Now()
	held := make([]HeldLock, 0)
	for key, l := range m.locks {
		if len(l.sem) != 0 {
			continue
		}
		held = append(held, HeldLock{
			Key:        key,
			PID:        pid,
			Mode:       l.mode,
			AcquiredAt: l.acquiredAt,
			HeldFor:    now.Sub(l.acquiredAt),
		})
	}
	return held
}

type memHandle struct {
	once    sync.Once
	release func()
}

func (h *memHandle) Release() {
	h.once.Do(h.release)
}
