package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const sqliteFileName = "shellcache.db"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	app      TEXT NOT NULL,
	store    TEXT NOT NULL,
	identity TEXT NOT NULL,
	method   TEXT NOT NULL,
	url      TEXT NOT NULL,
	status   INTEGER NOT NULL,
	header   TEXT NOT NULL,
	body     BLOB,
	PRIMARY KEY (app, store, identity)
)`

// sqliteBackend 将全部 app 的缓存仓放在同一个 SQLite 文件中，以 (app, store, identity) 为主键。
type sqliteBackend struct {
	db *sql.DB
}

type sqliteStorage struct {
	db  *sql.DB
	app string
}

type sqliteStore struct {
	db    *sql.DB
	app   string
	store string
}

func newSQLiteBackend(basePath string) (*sqliteBackend, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, errors.New("storage path required")
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	dsn := filepath.Join(abs, sqliteFileName) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &sqliteBackend{db: db}, nil
}

func (b *sqliteBackend) Namespace(app string) (Storage, error) {
	if !validName(app) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, app)
	}
	return &sqliteStorage{db: b.db, app: app}, nil
}

func (b *sqliteBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (s *sqliteStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !validName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return &sqliteStore{db: s.db, app: s.app, store: name}, nil
}

func (s *sqliteStorage) Delete(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE app = ? AND store = ?`, s.app, name)
	if err != nil {
		return fmt.Errorf("delete cache %s: %w", name, err)
	}
	return nil
}

func (s *sqliteStore) Match(ctx context.Context, req RequestKey) (*Response, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT url, status, header, body FROM cache_entries WHERE app = ? AND store = ? AND identity = ?`,
		s.app, s.store, req.Identity())

	var (
		url       string
		status    int
		rawHeader string
		body      []byte
	)
	if err := row.Scan(&url, &status, &rawHeader, &body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("match cache entry: %w", err)
	}

	header := http.Header{}
	if rawHeader != "" {
		if err := json.Unmarshal([]byte(rawHeader), &header); err != nil {
			return nil, fmt.Errorf("decode cache header: %w", err)
		}
	}
	return &Response{URL: url, Status: status, Header: header, Body: body}, nil
}

func (s *sqliteStore) Put(ctx context.Context, req RequestKey, resp *Response) error {
	if resp == nil {
		return errors.New("nil response")
	}
	header := resp.Header
	if header == nil {
		header = http.Header{}
	}
	rawHeader, err := json.Marshal(header)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO cache_entries (app, store, identity, method, url, status, header, body)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (app, store, identity) DO UPDATE SET
	status = excluded.status,
	header = excluded.header,
	body = excluded.body`,
		s.app, s.store, req.Identity(), normalizeMethod(req.Method), req.URL,
		resp.Status, string(rawHeader), resp.Body)
	if err != nil {
		return fmt.Errorf("put cache entry: %w", err)
	}
	return nil
}

func (s *sqliteStore) Delete(ctx context.Context, req RequestKey) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE app = ? AND store = ? AND identity = ?`,
		s.app, s.store, req.Identity())
	if err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

func (s *sqliteStore) Keys(ctx context.Context) ([]RequestKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT method, url FROM cache_entries WHERE app = ? AND store = ?`, s.app, s.store)
	if err != nil {
		return nil, fmt.Errorf("list cache keys: %w", err)
	}
	defer rows.Close()

	var keys []RequestKey
	for rows.Next() {
		var key RequestKey
		if err := rows.Scan(&key.Method, &key.URL); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
