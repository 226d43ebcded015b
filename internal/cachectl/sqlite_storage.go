package cachectl

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteCacheSchema = `
CREATE TABLE IF NOT EXISTS cache_buckets (
	name TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS cache_entries (
	bucket TEXT NOT NULL,
	key TEXT NOT NULL,
	status INTEGER NOT NULL,
	header TEXT NOT NULL,
	body BLOB NOT NULL,
	stored_at INTEGER NOT NULL,
	PRIMARY KEY (bucket, key)
)`

type SQLiteStorage struct {
	db *sql.DB
}

func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteCacheSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStorage{db: db}, nil
}

func (s *SQLiteStorage) Buckets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM cache_buckets ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteStorage) OpenBucket(ctx context.Context, bucket string) error {
	_, err := s.db.ExecContext(ctx, "INSERT INTO cache_buckets (name) VALUES (?) ON CONFLICT (name) DO NOTHING", bucket)
	return err
}

func (s *SQLiteStorage) DeleteBucket(ctx context.Context, bucket string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, "DELETE FROM cache_entries WHERE bucket = ?", bucket); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM cache_buckets WHERE name = ?", bucket); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStorage) Get(ctx context.Context, bucket, key string) (Entry, bool, error) {
	var (
		status   int
		header   string
		body     []byte
		storedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT status, header, body, stored_at FROM cache_entries WHERE bucket = ? AND key = ?",
		bucket, key).Scan(&status, &header, &body, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	entry := Entry{Status: status, Body: body, StoredAt: time.UnixMilli(storedAt).UTC()}
	if err := json.Unmarshal([]byte(header), &entry.Header); err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

func (s *SQLiteStorage) Put(ctx context.Context, bucket, key string, entry Entry) error {
	header := entry.Header
	if header == nil {
		header = http.Header{}
	}
	encoded, err := json.Marshal(header)
	if err != nil {
		return err
	}
	if err := s.OpenBucket(ctx, bucket); err != nil {
		return err
	}
	body := entry.Body
	if body == nil {
		body = []byte{}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (bucket, key, status, header, body, stored_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (bucket, key)
		DO UPDATE SET status = excluded.status, header = excluded.header, body = excluded.body, stored_at = excluded.stored_at`,
		bucket, key, entry.Status, string(encoded), body, entry.StoredAt.UTC().UnixMilli())
	return err
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
