package lockmgr

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryManagerLockRelease(t *testing.T) {
	m := NewMemoryManager(time.Second)
	key := Key{Namespace: NamespaceAgent, AgentID: "a1"}

	ctx, handle, err := m.Lock(context.Background(), key)
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	if len(m.HeldLocks()) != 1 {
		t.Fatalf("expected 1 held lock, got %d", len(m.HeldLocks()))
	}
	_ = ctx

	handle.Release()
	if len(m.HeldLocks()) != 0 {
		t.Fatalf("expected 0 held locks after release, got %d", len(m.HeldLocks()))
	}

	// Release is idempotent.
	handle.Release()
}

func TestMemoryManagerReentrantLock(t *testing.T) {
	m := NewMemoryManager(time.Second)
	key := Key{Namespace: NamespaceAgent, AgentID: "a1"}

	ctx, handle, err := m.Lock(context.Background(), key)
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	defer handle.Release()

	if _, _, err := m.Lock(ctx, key); err != ErrReentrant {
		t.Fatalf("expected ErrReentrant, got %v", err)
	}

	// TryLock reports reentry as busy, not as an error.
	if _, _, ok, err := m.TryLock(ctx, key); ok || err != nil {
		t.Fatalf("expected busy without error, got ok=%v err=%v", ok, err)
	}
}

func TestMemoryManagerTimeout(t *testing.T) {
	m := NewMemoryManager(50 * time.Millisecond)
	key := Key{Namespace: NamespaceAgent, AgentID: "a1"}

	_, handle, err := m.Lock(context.Background(), key)
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	defer handle.Release()

	// A fresh context (different caller) must block and time out.
	start := time.Now()
	if _, _, err := m.Lock(context.Background(), key); err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("timed out too fast: %v", elapsed)
	}
}

func TestMemoryManagerTryLockBusy(t *testing.T) {
	m := NewMemoryManager(time.Second)
	key := Key{Namespace: NamespaceReconcile, AgentID: "a1"}

	_, handle, ok, err := m.TryLock(context.Background(), key)
	if err != nil || !ok {
		t.Fatalf("TryLock failed: ok=%v err=%v", ok, err)
	}

	if _, _, ok, _ := m.TryLock(context.Background(), key); ok {
		t.Fatal("expected busy while held")
	}

	handle.Release()

	_, handle2, ok, err := m.TryLock(context.Background(), key)
	if err != nil || !ok {
		t.Fatalf("TryLock after release failed: ok=%v err=%v", ok, err)
	}
	handle2.Release()
}

func TestMemoryManagerDistinctNamespaces(t *testing.T) {
	m := NewMemoryManager(time.Second)

	ctx, h1, err := m.Lock(context.Background(), Key{NamespaceAgent, "a1"})
	if err != nil {
		t.Fatalf("agent lock failed: %v", err)
	}
	defer h1.Release()

	// Same agent, different namespace: must not collide or look reentrant.
	_, h2, err := m.Lock(ctx, Key{NamespaceReconcile, "a1"})
	if err != nil {
		t.Fatalf("reconcile lock failed: %v", err)
	}
	h2.Release()
}

func TestMemoryManagerSerializesCallers(t *testing.T) {
	m := NewMemoryManager(5 * time.Second)
	key := Key{Namespace: NamespaceAgent, AgentID: "a1"}

	const workers = 8
	var inCritical, max int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, handle, err := m.Lock(context.Background(), key)
			if err != nil {
				t.Errorf("Lock failed: %v", err)
				return
			}
			mu.Lock()
			inCritical++
			if inCritical > max {
				max = inCritical
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inCritical--
			mu.Unlock()
			handle.Release()
		}()
	}
	wg.Wait()

	if max != 1 {
		t.Fatalf("critical section overlap: max concurrency %d", max)
	}
}
