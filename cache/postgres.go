package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	cachekey "github.com/always-cache/edgecache/pkg/cache-key"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Rows are addressed by a digest of the key since btree entries have a size limit.
// The full key is stored and compared as well.
var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS edgecache_entries (
		key_hash TEXT PRIMARY KEY,
		key TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		bytes BYTEA NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS edgecache_entries_expires_idx ON edgecache_entries (expires_at)`,
}

// PostgresStore keeps entries in a PostgreSQL table.
type PostgresStore struct {
	pool      *pgxpool.Pool
	sweepEach time.Duration
	sweepMu   sync.Mutex
	lastSweep time.Time
	now       func() time.Time
}

var (
	_ Store  = (*PostgresStore)(nil)
	_ Pinger = (*PostgresStore)(nil)
)

// NewPostgresStore connects to the database and creates the entries table if needed.
// Expired rows are deleted on writes, at most once per sweep interval.
func NewPostgresStore(ctx context.Context, connString string, sweepEach time.Duration) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := migratePostgres(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{
		pool:      pool,
		sweepEach: sweepEach,
		lastSweep: time.Now(),
		now:       time.Now,
	}, nil
}

func migratePostgres(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range postgresSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			// concurrent CREATE ... IF NOT EXISTS can still collide in the catalog
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
				continue
			}
			return fmt.Errorf("migrate postgres: %w", err)
		}
	}
	return nil
}

func keyHash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func (s *PostgresStore) Match(ctx context.Context, key cachekey.Key) (*Entry, bool, error) {
	entry, err := s.lookup(ctx, key.String())
	if errors.Is(err, ErrMiss) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return entry, true, nil
}

func (s *PostgresStore) lookup(ctx context.Context, key string) (*Entry, error) {
	var expires time.Time
	var bytes []byte
	err := s.pool.QueryRow(ctx,
		"SELECT expires_at, bytes FROM edgecache_entries WHERE key_hash = $1 AND key = $2",
		keyHash(key), key,
	).Scan(&expires, &bytes)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("postgres lookup: %w", err)
	}
	if !s.now().Before(expires) {
		return nil, ErrMiss
	}
	return decodeEntry(bytes)
}

func (s *PostgresStore) Put(ctx context.Context, key cachekey.Key, entry *Entry) error {
	now := s.now()
	if !entry.Fresh(now) {
		return nil
	}
	bytes, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	k := key.String()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO edgecache_entries (key_hash, key, expires_at, bytes) VALUES ($1, $2, $3, $4)
		ON CONFLICT (key_hash) DO UPDATE SET key = EXCLUDED.key, expires_at = EXCLUDED.expires_at, bytes = EXCLUDED.bytes`,
		keyHash(k), k, entry.Expires, bytes,
	)
	if err != nil {
		return fmt.Errorf("postgres put: %w", err)
	}
	return s.sweep(ctx, now)
}

func (s *PostgresStore) sweep(ctx context.Context, now time.Time) error {
	if s.sweepEach <= 0 {
		return nil
	}
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()
	if now.Sub(s.lastSweep) < s.sweepEach {
		return nil
	}
	if _, err := s.pool.Exec(ctx, "DELETE FROM edgecache_entries WHERE expires_at <= $1", now); err != nil {
		return fmt.Errorf("postgres sweep: %w", err)
	}
	s.lastSweep = now
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
