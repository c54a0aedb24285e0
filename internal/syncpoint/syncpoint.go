// Package syncpoint implements the Sync-Point Store of spec.md §4.C: a
// durable key -> small JSON blob map with atomic read-modify-write, plus
// the per-connector-instance single-writer lock spec.md §5 requires so the
// scheduler never runs two sync passes for the same instance concurrently.
//
// Ground: the teacher's sqlx+lib/pq repository pattern
// (infrastructure/database/repository_interface.go) for the Postgres-backed
// Store, and go-redis/redis/v8 (already a teacher dependency) for the
// SETNX-style lock.
package syncpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/r3e-network/knowledgecore/internal/errs"
)

// Key composes the sync-point identity spec.md §4.C defines:
// records|users|groups × (connector_instance, resource_id).
type Key struct {
	Resource           string // "records", "users", "groups", or "migrations"
	ConnectorInstance  string
	ResourceID         string
}

// String renders the key's canonical storage form.
func (k Key) String() string {
	return fmt.Sprintf("%s|%s|%s", k.Resource, k.ConnectorInstance, k.ResourceID)
}

// Store is the durable cursor/page-token map.
type Store interface {
	// Get returns the blob stored at key, or an empty map if nothing is
	// stored yet (never an error for a missing key).
	Get(ctx context.Context, key Key) (map[string]any, error)

	// Update atomically reads the current blob, applies fn, and writes the
	// result back; fn receives an empty map on first use.
	Update(ctx context.Context, key Key, fn func(current map[string]any) map[string]any) error
}

// PostgresStore is the durable Store backed by a single table with
// SELECT ... FOR UPDATE read-modify-write semantics.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore wraps an existing *sqlx.DB. The caller is responsible for
// running the `sync_points` migration (internal/migrations) first.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, key Key) (map[string]any, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT blob FROM sync_points WHERE sync_key = $1`, key.String(),
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, errs.Transient("syncpoint_get", err)
	}
	return decodeBlob(raw)
}

// Update runs the read-modify-write inside a single transaction, taking a
// row lock with FOR UPDATE so concurrent updaters serialize instead of
// racing (spec.md §4.C "atomic read-modify-write").
func (s *PostgresStore) Update(ctx context.Context, key Key, fn func(map[string]any) map[string]any) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errs.Transient("syncpoint_begin", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var raw []byte
	err = tx.QueryRowContext(ctx,
		`SELECT blob FROM sync_points WHERE sync_key = $1 FOR UPDATE`, key.String(),
	).Scan(&raw)

	current := map[string]any{}
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// No row yet; fn operates on an empty blob.
	case err != nil:
		return errs.Transient("syncpoint_select_for_update", err)
	default:
		current, err = decodeBlob(raw)
		if err != nil {
			return err
		}
	}

	next := fn(current)
	encoded, err := json.Marshal(next)
	if err != nil {
		return errs.Transient("syncpoint_encode", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_points (sync_key, blob, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (sync_key) DO UPDATE SET blob = EXCLUDED.blob, updated_at = now()
	`, key.String(), encoded)
	if err != nil {
		return errs.Transient("syncpoint_upsert", err)
	}

	if err := tx.Commit(); err != nil {
		return errs.Transient("syncpoint_commit", err)
	}
	return nil
}

func decodeBlob(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errs.IntegrityViolation(fmt.Sprintf("corrupt sync-point blob: %v", err))
	}
	return m, nil
}

var _ Store = (*PostgresStore)(nil)

// MemoryStore is a non-durable Store used by tests.
type MemoryStore struct {
	mu    sync.Mutex
	blobs map[string]map[string]any
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string]map[string]any)}
}

func (s *MemoryStore) Get(_ context.Context, key Key) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.blobs[key.String()]; ok {
		return cloneMap(b), nil
	}
	return map[string]any{}, nil
}

func (s *MemoryStore) Update(_ context.Context, key Key, fn func(map[string]any) map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.blobs[key.String()]
	if current == nil {
		current = map[string]any{}
	}
	s.blobs[key.String()] = fn(cloneMap(current))
	return nil
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

var _ Store = (*MemoryStore)(nil)

// --- Per-instance single-writer lock (spec.md §5) ---

// Locker enforces at most one concurrent sync run per connector instance.
type Locker interface {
	// TryLock attempts to acquire the lock for instanceKey, returning false
	// without blocking if it is already held.
	TryLock(ctx context.Context, instanceKey string, ttl time.Duration) (bool, error)
	// Unlock releases a lock this process holds.
	Unlock(ctx context.Context, instanceKey string) error
}

// RedisLocker implements Locker with a SETNX-style lock over go-redis.
type RedisLocker struct {
	client *redis.Client
	prefix string
}

// NewRedisLocker wraps an existing *redis.Client.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client, prefix: "syncpoint:lock:"}
}

func (l *RedisLocker) TryLock(ctx context.Context, instanceKey string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.prefix+instanceKey, "1", ttl).Result()
	if err != nil {
		return false, errs.Transient("redis_lock", err)
	}
	return ok, nil
}

func (l *RedisLocker) Unlock(ctx context.Context, instanceKey string) error {
	if err := l.client.Del(ctx, l.prefix+instanceKey).Err(); err != nil {
		return errs.Transient("redis_unlock", err)
	}
	return nil
}

var _ Locker = (*RedisLocker)(nil)

// MemoryLocker is a non-durable Locker used by tests.
type MemoryLocker struct {
	mu     sync.Mutex
	locked map[string]bool
}

// NewMemoryLocker creates an empty MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locked: make(map[string]bool)}
}

func (l *MemoryLocker) TryLock(_ context.Context, instanceKey string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locked[instanceKey] {
		return false, nil
	}
	l.locked[instanceKey] = true
	return true, nil
}

func (l *MemoryLocker) Unlock(_ context.Context, instanceKey string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locked, instanceKey)
	return nil
}

var _ Locker = (*MemoryLocker)(nil)
