package lock

import (
	"context"
	"database/sql"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PGStore is the relational-advisory Service backend: a stable 64-bit hash
// of the key identifies a Postgres advisory lock, acquired/released via
// `pg_try_advisory_lock`/`pg_advisory_unlock` on a dedicated connection
// held for the lifetime of the lock (advisory locks are session-scoped),
// following the teacher's database/sql + lib/pq conventions in
// internal/storage/postgres.
//
// Because pg_advisory locks are tied to the connection that took them,
// this backend keeps one *sql.Conn per held lock and releases it back to
// the pool on Release/expiry, rather than using the shared *sql.DB pool
// for the unlock call. The held-connection map mirrors the
// sync.RWMutex-guarded-map idiom used throughout the teacher
// (internal/provider/key_selector.go).
type PGStore struct {
	db *sql.DB
	mu sync.Mutex
	m  map[string]*heldConn
}

type heldConn struct {
	conn      *sql.Conn
	value     string
	expiresAt time.Time
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db, m: make(map[string]*heldConn)}
}

func advisoryKey(key string) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int64(h.Sum64())
}

func (s *PGStore) Acquire(ctx context.Context, key string, expiry time.Duration) (*Lock, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, nil
	}

	var acquired bool
	row := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, advisoryKey(key))
	if err := row.Scan(&acquired); err != nil {
		conn.Close()
		return nil, nil
	}
	if !acquired {
		conn.Close()
		return nil, nil
	}

	value := uuid.New().String()
	expiresAt := time.Now().Add(expiry)

	s.mu.Lock()
	s.m[key] = &heldConn{conn: conn, value: value, expiresAt: expiresAt}
	s.mu.Unlock()

	// Expiry for advisory locks is enforced by this process, not the
	// database: a background timer releases the connection (and thus the
	// advisory lock) once expiry passes, matching "expired locks are
	// equivalent to absent" from spec §4.A.
	time.AfterFunc(expiry, func() { s.expireIfUnchanged(key, value) })

	return &Lock{Key: key, Value: value, ExpiresAt: expiresAt}, nil
}

func (s *PGStore) expireIfUnchanged(key, value string) {
	s.mu.Lock()
	h, ok := s.m[key]
	if !ok || h.value != value {
		s.mu.Unlock()
		return
	}
	delete(s.m, key)
	s.mu.Unlock()

	h.conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, advisoryKey(key))
	h.conn.Close()
}

func (s *PGStore) AcquireWithRetry(ctx context.Context, key string, expiry, timeout, retryDelay time.Duration) (*Lock, error) {
	return AcquireWithRetry(ctx, s, key, expiry, timeout, retryDelay)
}

func (s *PGStore) IsLocked(ctx context.Context, key string) (bool, error) {
	var locked bool
	row := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_locks l
			JOIN pg_database d ON l.database = d.oid
			WHERE l.locktype = 'advisory' AND l.objid = $1 AND d.datname = current_database()
		)`, advisoryKey(key))
	if err := row.Scan(&locked); err != nil {
		return false, nil
	}
	return locked, nil
}

func (s *PGStore) Extend(_ context.Context, l *Lock, duration time.Duration) (bool, error) {
	if l == nil {
		return false, nil
	}
	s.mu.Lock()
	h, ok := s.m[l.Key]
	if !ok || h.value != l.Value {
		s.mu.Unlock()
		return false, nil
	}
	h.expiresAt = time.Now().Add(duration)
	value := h.value
	s.mu.Unlock()

	l.ExpiresAt = h.expiresAt
	time.AfterFunc(duration, func() { s.expireIfUnchanged(l.Key, value) })
	return true, nil
}

func (s *PGStore) Release(_ context.Context, l *Lock) error {
	if l == nil {
		return nil
	}
	s.mu.Lock()
	h, ok := s.m[l.Key]
	if !ok || h.value != l.Value {
		s.mu.Unlock()
		return nil // fencing mismatch is a silent no-op per spec §4.A
	}
	delete(s.m, l.Key)
	s.mu.Unlock()

	h.conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, advisoryKey(l.Key))
	return h.conn.Close()
}
