package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	cachekey "github.com/always-cache/edgecache/pkg/cache-key"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteStore keeps entries in a SQLite database.
type SQLiteStore struct {
	db         *sql.DB
	writeMutex *sync.Mutex
	sweepEach  time.Duration
	lastSweep  time.Time
	now        func() time.Time
}

var (
	_ Store  = (*SQLiteStore)(nil)
	_ Pinger = (*SQLiteStore)(nil)
)

// NewSQLiteStore opens (and creates if needed) the database in the given file.
// If the file name is empty, a new in-memory db is opened.
// Expired rows are deleted on writes, at most once per sweep interval.
func NewSQLiteStore(filename string, sweepEach time.Duration) (*SQLiteStore, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", filename, err)
	}
	for _, stmt := range []string{
		"CREATE TABLE IF NOT EXISTS cache (key TEXT PRIMARY KEY, expires INTEGER, bytes BLOB)",
		"CREATE INDEX IF NOT EXISTS expires_idx ON cache (expires)",
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("prepare sqlite %s: %w", filename, err)
		}
	}
	return &SQLiteStore{
		db:         db,
		writeMutex: &sync.Mutex{},
		sweepEach:  sweepEach,
		lastSweep:  time.Now(),
		now:        time.Now,
	}, nil
}

func (s *SQLiteStore) Match(ctx context.Context, key cachekey.Key) (*Entry, bool, error) {
	entry, err := s.lookup(ctx, key.String())
	if errors.Is(err, ErrMiss) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return entry, true, nil
}

func (s *SQLiteStore) lookup(ctx context.Context, key string) (*Entry, error) {
	var expires int64
	var bytes []byte
	err := s.db.QueryRowContext(ctx, "SELECT expires, bytes FROM cache WHERE key = ?", key).Scan(&expires, &bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite lookup: %w", err)
	}
	if !s.now().Before(time.UnixMilli(expires)) {
		return nil, ErrMiss
	}
	entry, err := decodeEntry(bytes)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key cachekey.Key, entry *Entry) error {
	now := s.now()
	if !entry.Fresh(now) {
		return nil
	}
	bytes, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err = s.db.ExecContext(ctx, "INSERT OR REPLACE INTO cache (key, expires, bytes) VALUES (?, ?, ?)", key.String(), entry.Expires.UnixMilli(), bytes)
	if err != nil {
		return fmt.Errorf("sqlite put: %w", err)
	}
	if s.sweepEach > 0 && now.Sub(s.lastSweep) >= s.sweepEach {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM cache WHERE expires <= ?", now.UnixMilli()); err != nil {
			return fmt.Errorf("sqlite sweep: %w", err)
		}
		s.lastSweep = now
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
