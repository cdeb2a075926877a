package lockmgr

import (
	"context"
	"database/sql"
	"hash/fnv"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/samotage/claude-headspace/internal/common/logger"
)

// PostgresManager implements Manager with pg_advisory_lock, giving
// cross-process exclusion. Each held lock lives on a dedicated *sql.Conn so
// intermediate commits inside the critical section cannot release it.
type PostgresManager struct {
	db      *sql.DB
	timeout time.Duration
	logger  *logger.Logger

	mu   sync.Mutex
	held map[Key]*pgHeld
}

var _ Manager = (*PostgresManager)(nil)

type pgHeld struct {
	conn       *sql.Conn
	acquiredAt time.Time
	mode       string
}

// NewPostgresManager creates an advisory-lock manager over db. timeout
// bounds blocking Lock calls.
func NewPostgresManager(db *sql.DB, timeout time.Duration, log *logger.Logger) *PostgresManager {
	return &PostgresManager{
		db:      db,
		timeout: timeout,
		logger:  log.WithFields(zap.String("component", "lockmgr")),
		held:    make(map[Key]*pgHeld),
	}
}

// lockIDs maps a key onto the (classid, objid) int32 pair pg advisory locks
// are keyed by. FNV-1a is stable across processes, which is the whole point.
func lockIDs(key Key) (int32, int32) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.Namespace))
	classID := int32(h.Sum32())

	h = fnv.New32a()
	_, _ = h.Write([]byte(key.AgentID))
	objID := int32(h.Sum32())
	return classID, objID
}

// Lock blocks on pg_advisory_lock until acquired or the timeout elapses.
//
// There is a known race where the timeout fires after the server granted
// the lock but before the grant was observed client-side. The timeout path
// therefore unconditionally unlocks on the same connection before closing
// it; unlocking a lock we never got is a harmless no-op warning server-side.
func (m *PostgresManager) Lock(ctx context.Context, key Key) (context.Context, Handle, error) {
	if holdsKey(ctx, key) {
		return ctx, nil, ErrReentrant
	}

	conn, err := m.db.Conn(ctx)
	if err != nil {
		return ctx, nil, err
	}

	classID, objID := lockIDs(key)
	acquireCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	if _, err := conn.ExecContext(acquireCtx, "SELECT pg_advisory_lock($1, $2)", classID, objID); err != nil {
		m.forceUnlock(conn, classID, objID)
		_ = conn.Close()
		if acquireCtx.Err() != nil {
			return ctx, nil, ErrTimeout
		}
		return ctx, nil, err
	}

	m.track(key, conn, "blocking")
	return withHeldKey(ctx, key), m.handle(key, conn, classID, objID), nil
}

// TryLock attempts pg_try_advisory_lock without blocking.
func (m *PostgresManager) TryLock(ctx context.Context, key Key) (context.Context, Handle, bool, error) {
	if holdsKey(ctx, key) {
		return ctx, nil, false, nil
	}

	conn, err := m.db.Conn(ctx)
	if err != nil {
		return ctx, nil, false, err
	}

	classID, objID := lockIDs(key)
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1, $2)", classID, objID).Scan(&acquired); err != nil {
		_ = conn.Close()
		return ctx, nil, false, err
	}
	if !acquired {
		_ = conn.Close()
		return ctx, nil, false, nil
	}

	m.track(key, conn, "try")
	return withHeldKey(ctx, key), m.handle(key, conn, classID, objID), true, nil
}

func (m *PostgresManager) track(key Key, conn *sql.Conn, mode string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.held[key] = &pgHeld{conn: conn, acquiredAt: time.Now(), mode: mode}
}

func (m *PostgresManager) handle(key Key, conn *sql.Conn, classID, objID int32) Handle {
	return &memHandle{release: func() {
		m.forceUnlock(conn, classID, objID)
		_ = conn.Close()

		m.mu.Lock()
		delete(m.held, key)
		m.mu.Unlock()
	}}
}

// forceUnlock releases the advisory lock on a background context; the
// caller's context may already be cancelled on error paths.
func (m *PostgresManager) forceUnlock(conn *sql.Conn, classID, objID int32) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1, $2)", classID, objID); err != nil {
		m.logger.Warn("advisory unlock failed", zap.Error(err))
	}
}

// HeldLocks enumerates locks held by this process.
func (m *PostgresManager) HeldLocks() []HeldLock {
	m.mu.Lock()
	defer m.mu.Unlock()

	pid := os.Getpid()
	now := time.Now()
	held := make([]HeldLock, 0, len(m.held))
	for key, h := range m.held {
		held = append(held, HeldLock{
			Key:        key,
			PID:        pid,
			Mode:       h.mode,
			AcquiredAt: h.acquiredAt,
			HeldFor:    now.Sub(h.acquiredAt),
		})
	}
	return held
}
