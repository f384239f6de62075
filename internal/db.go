package internal

import (
	"cmp"
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/compress/zstd"
	_ "github.com/mattn/go-sqlite3"
)

// kvStore is the durable L2 tier: a single `cache` table of key, value and
// expiry. Set failures are logged and swallowed so a broken store degrades
// the cache instead of failing requests.
type kvStore interface {
	GetWithTTL(ctx context.Context, key string) ([]byte, time.Duration, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) (int64, error)

	// List pages through live rows under a prefix in key order, starting
	// after afterKey. Used by restart recovery and the archival sweep.
	List(ctx context.Context, prefix, afterKey string, limit int) ([]kvEntry, error)

	// SweepExpired deletes rows whose expiry has passed.
	SweepExpired(ctx context.Context) (int64, error)

	Close()
}

type kvEntry struct {
	key     string
	value   []byte
	expires time.Time
}

// _compressMin is the value size above which we zstd-compress. Values are
// sniffed by the zstd frame magic on read, so mixed rows coexist.
const _compressMin = 1 << 10

var (
	_zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

	_zstdEnc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	_zstdDec, _ = zstd.NewReader(nil)
)

func compress(value []byte) []byte {
	if len(value) < _compressMin {
		return value
	}
	return _zstdEnc.EncodeAll(value, make([]byte, 0, len(value)/2))
}

func decompress(value []byte) ([]byte, error) {
	if len(value) < len(_zstdMagic) || !strings.HasPrefix(string(value[:4]), string(_zstdMagic)) {
		return value, nil
	}
	return _zstdDec.DecodeAll(value, nil)
}

// NewKV builds a kvStore from a DSN. postgres:// DSNs get a pgx pool,
// sqlite:// DSNs a local file, and an empty DSN falls back to an in-memory
// store for development.
func NewKV(ctx context.Context, dsn string) (kvStore, error) {
	switch {
	case dsn == "":
		return newMemoryKV(), nil
	case strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://"):
		return newPGKV(ctx, dsn)
	case strings.HasPrefix(dsn, "sqlite://"):
		return newSqliteKV(ctx, strings.TrimPrefix(dsn, "sqlite://"))
	default:
		return nil, fmt.Errorf("unrecognized database DSN scheme %q", dsn)
	}
}

// pgKV is the postgres-backed store.
type pgKV struct {
	db *pgxpool.Pool
}

var _ kvStore = (*pgKV)(nil)

func newPGKV(ctx context.Context, dsn string) (*pgKV, error) {
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	_, err = db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS cache (
			key     TEXT PRIMARY KEY,
			value   BYTEA NOT NULL,
			expires TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS cache_expires_idx ON cache (expires);
	`)
	if err != nil {
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return &pgKV{db: db}, nil
}

// Pool exposes the underlying pool for metrics collection.
func (p *pgKV) Pool() *pgxpool.Pool { return p.db }

func (p *pgKV) GetWithTTL(ctx context.Context, key string) ([]byte, time.Duration, bool) {
	var value []byte
	var expires time.Time
	err := p.db.QueryRow(ctx, `SELECT value, expires FROM cache WHERE key = $1`, key).Scan(&value, &expires)
	if err != nil {
		return nil, 0, false
	}
	ttl := time.Until(expires)
	if ttl <= 0 {
		// Lazily reap the dead row; the sweep catches anything we miss.
		_, _ = p.db.Exec(ctx, `DELETE FROM cache WHERE key = $1 AND expires <= now()`, key)
		return nil, 0, false
	}
	value, err = decompress(value)
	if err != nil {
		Log(ctx).Warn("problem decompressing cache row", "key", key, "err", err)
		return nil, 0, false
	}
	return value, ttl, true
}

func (p *pgKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	_, err := p.db.Exec(ctx, `
		INSERT INTO cache (key, value, expires) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires = EXCLUDED.expires
	`, key, compress(value), time.Now().Add(ttl))
	if err != nil {
		Log(ctx).Warn("problem writing cache row", "key", key, "err", err)
	}
}

func (p *pgKV) Delete(ctx context.Context, key string) error {
	_, err := p.db.Exec(ctx, `DELETE FROM cache WHERE key = $1`, key)
	return err
}

func (p *pgKV) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	tag, err := p.db.Exec(ctx, `DELETE FROM cache WHERE starts_with(key, $1)`, prefix)
	return tag.RowsAffected(), err
}

func (p *pgKV) List(ctx context.Context, prefix, afterKey string, limit int) ([]kvEntry, error) {
	rows, err := p.db.Query(ctx, `
		SELECT key, value, expires FROM cache
		WHERE starts_with(key, $1) AND key > $2 AND expires > now()
		ORDER BY key LIMIT $3
	`, prefix, afterKey, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []kvEntry
	for rows.Next() {
		var e kvEntry
		if err := rows.Scan(&e.key, &e.value, &e.expires); err != nil {
			return nil, err
		}
		if e.value, err = decompress(e.value); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (p *pgKV) SweepExpired(ctx context.Context) (int64, error) {
	tag, err := p.db.Exec(ctx, `DELETE FROM cache WHERE expires <= now()`)
	return tag.RowsAffected(), err
}

func (p *pgKV) Close() { p.db.Close() }

// sqliteKV backs the cache with a local sqlite file for single-node
// self-hosting.
type sqliteKV struct {
	db *sql.DB
}

var _ kvStore = (*sqliteKV)(nil)

func newSqliteKV(ctx context.Context, path string) (*sqliteKV, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite serializes writers anyway.
	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS cache (
			key     TEXT PRIMARY KEY,
			value   BLOB NOT NULL,
			expires INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS cache_expires_idx ON cache (expires);
	`)
	if err != nil {
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return &sqliteKV{db: db}, nil
}

func (s *sqliteKV) GetWithTTL(ctx context.Context, key string) ([]byte, time.Duration, bool) {
	var value []byte
	var expires int64
	err := s.db.QueryRowContext(ctx, `SELECT value, expires FROM cache WHERE key = ?`, key).Scan(&value, &expires)
	if err != nil {
		return nil, 0, false
	}
	ttl := time.Until(time.Unix(expires, 0))
	if ttl <= 0 {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM cache WHERE key = ? AND expires <= ?`, key, time.Now().Unix())
		return nil, 0, false
	}
	value, err = decompress(value)
	if err != nil {
		Log(ctx).Warn("problem decompressing cache row", "key", key, "err", err)
		return nil, 0, false
	}
	return value, ttl, true
}

func (s *sqliteKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache (key, value, expires) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, expires = excluded.expires
	`, key, compress(value), time.Now().Add(ttl).Unix())
	if err != nil {
		Log(ctx).Warn("problem writing cache row", "key", key, "err", err)
	}
}

func (s *sqliteKV) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache WHERE key = ?`, key)
	return err
}

func (s *sqliteKV) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache WHERE key GLOB ?`, prefix+"*")
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteKV) List(ctx context.Context, prefix, afterKey string, limit int) ([]kvEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value, expires FROM cache
		WHERE key GLOB ? AND key > ? AND expires > ?
		ORDER BY key LIMIT ?
	`, prefix+"*", afterKey, time.Now().Unix(), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []kvEntry
	for rows.Next() {
		var e kvEntry
		var expires int64
		if err := rows.Scan(&e.key, &e.value, &expires); err != nil {
			return nil, err
		}
		e.expires = time.Unix(expires, 0)
		if e.value, err = decompress(e.value); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *sqliteKV) SweepExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache WHERE expires <= ?`, time.Now().Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteKV) Close() { _ = s.db.Close() }

// memoryKV is the in-memory fallback used for development and tests.
type memoryKV struct {
	mu   sync.RWMutex
	rows map[string]kvEntry
}

var _ kvStore = (*memoryKV)(nil)

func newMemoryKV() *memoryKV {
	return &memoryKV{rows: map[string]kvEntry{}}
}

func (m *memoryKV) GetWithTTL(_ context.Context, key string) ([]byte, time.Duration, bool) {
	m.mu.RLock()
	e, ok := m.rows[key]
	m.mu.RUnlock()
	if !ok {
		return nil, 0, false
	}
	ttl := time.Until(e.expires)
	if ttl <= 0 {
		m.mu.Lock()
		delete(m.rows, key)
		m.mu.Unlock()
		return nil, 0, false
	}
	return e.value, ttl, true
}

func (m *memoryKV) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[key] = kvEntry{key: key, value: value, expires: time.Now().Add(ttl)}
}

func (m *memoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, key)
	return nil
}

func (m *memoryKV) DeletePrefix(_ context.Context, prefix string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k := range m.rows {
		if strings.HasPrefix(k, prefix) {
			delete(m.rows, k)
			n++
		}
	}
	return n, nil
}

func (m *memoryKV) List(_ context.Context, prefix, afterKey string, limit int) ([]kvEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var entries []kvEntry
	for k, e := range m.rows {
		if strings.HasPrefix(k, prefix) && k > afterKey && time.Now().Before(e.expires) {
			entries = append(entries, e)
		}
	}
	slices.SortFunc(entries, func(a, b kvEntry) int { return cmp.Compare(a.key, b.key) })
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (m *memoryKV) SweepExpired(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, e := range m.rows {
		if !time.Now().Before(e.expires) {
			delete(m.rows, k)
			n++
		}
	}
	return n, nil
}

func (m *memoryKV) Close() {}
