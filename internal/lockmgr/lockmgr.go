// Package lockmgr provides cross-connection advisory locks keyed by agent
// identity. All per-agent timeline mutations are serialized through these
// locks; they are the ordering mechanism of the whole pipeline.
package lockmgr

import (
	"context"
	"errors"
	"time"
)

// Namespace separates lock families sharing the same manager. The hook path
// and the reconciler use distinct namespaces so a reconcile sweep can run
// its own critical section without colliding with hook ingestion naming.
type Namespace string

const (
	// NamespaceAgent guards state-machine mutations for one agent.
	NamespaceAgent Namespace = "agent"
	// NamespaceReconcile serializes transcript reconciliation for one agent.
	NamespaceReconcile Namespace = "reconcile"
)

// Key identifies one advisory lock.
type Key struct {
	Namespace Namespace
	AgentID   string
}

var (
	// ErrTimeout indicates the lock could not be acquired within the
	// configured timeout. Callers surface this as 503; retry is permissible.
	ErrTimeout = errors.New("lockmgr: acquire timed out")
	// ErrReentrant indicates the caller already holds this key. Blocking
	// again would deadlock, so it is raised immediately. This is a
	// programmer error, not a runtime condition.
	ErrReentrant = errors.New("lockmgr: lock already held by caller")
)

// Handle is a scoped lock. Release is idempotent and must run on every
// control-flow exit; callers defer it immediately after acquiring.
type Handle interface {
	Release()
}

// HeldLock describes one currently held lock for the debug probe.
type HeldLock struct {
	Key        Key           `json:"key"`
	PID        int           `json:"pid"`
	Mode       string        `json:"mode"` // "blocking" or "try"
	AcquiredAt time.Time     `json:"acquired_at"`
	HeldFor    time.Duration `json:"held_for"`
}

// Manager acquires and enumerates per-agent advisory locks.
//
// Both methods return a derived context that records the held key; nested
// calls MUST pass that context down so reentrancy is detected. Lock fails
// with ErrReentrant on reentry; TryLock reports reentry as "busy" rather
// than erroring, so sweepers can skip agents they are already working on.
type Manager interface {
	Lock(ctx context.Context, key Key) (context.Context, Handle, error)
	TryLock(ctx context.Context, key Key) (context.Context, Handle, bool, error)
	HeldLocks() []HeldLock
}

type heldKeysCtxKey struct{}

// heldKeys returns the set of keys held by this call chain.
func heldKeys(ctx context.Context) map[Key]struct{} {
	keys, _ := ctx.Value(heldKeysCtxKey{}).(map[Key]struct{})
	return keys
}

// holdsKey reports whether the call chain already holds key.
func holdsKey(ctx context.Context, key Key) bool {
	_, ok := heldKeys(ctx)[key]
	return ok
}

// withHeldKey derives a context recording key as held. The parent's set is
// copied; contexts are immutable and sibling goroutines must not observe
// each other's holdings.
func withHeldKey(ctx context.Context, key Key) context.Context {
	parent := heldKeys(ctx)
	keys := make(map[Key]struct{}, len(parent)+1)
	for k := range parent {
		keys[k] = struct{}{}
	}
	keys[key] = struct{}{}
	return context.WithValue(ctx, heldKeysCtxKey{}, keys)
}
