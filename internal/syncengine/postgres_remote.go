package syncengine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

const (
	postgresUserDataTableName = "user_data"
	postgresOperationTimeout  = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresRemote stores user_data rows directly, unique on (user_id, namespace).
type PostgresRemote struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresRemote(dsn string) (*PostgresRemote, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresRemote{
		dsn:       dsn,
		tableName: postgresUserDataTableName,
		openDB:    sql.Open,
	}, nil
}

func (r *PostgresRemote) FetchAll(ctx context.Context, userID string) ([]Record, error) {
	if userID == "" {
		return nil, ErrInvalidInput
	}
	if err := r.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT id, user_id, namespace, data::text, updated_at FROM %s WHERE user_id = $1 ORDER BY namespace",
		postgresQuoteIdentifier(r.tableName))
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var (
			record Record
			data   string
		)
		if err := rows.Scan(&record.ID, &record.UserID, &record.Namespace, &data, &record.UpdatedAt); err != nil {
			return nil, err
		}
		record.Data = []byte(data)
		record.UpdatedAt = record.UpdatedAt.UTC()
		out = append(out, record)
	}
	return out, rows.Err()
}

func (r *PostgresRemote) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	for _, record := range records {
		if record.UserID == "" || record.Namespace == "" {
			return ErrInvalidInput
		}
	}
	if err := r.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	query := fmt.Sprintf(`
		INSERT INTO %s (id, user_id, namespace, data, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, $5)
		ON CONFLICT (user_id, namespace)
		DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`, postgresQuoteIdentifier(r.tableName))
	for _, record := range records {
		id := record.ID
		if id == "" {
			id = uuid.NewString()
		}
		updatedAt := record.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx, query, id, record.UserID, record.Namespace, string(record.Data), updatedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *PostgresRemote) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *PostgresRemote) ensureReady() error {
	if r == nil {
		return ErrInvalidInput
	}
	r.initOnce.Do(func() {
		db, err := r.openDB("postgres", r.dsn)
		if err != nil {
			r.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				namespace TEXT NOT NULL,
				data JSONB NOT NULL DEFAULT '{}'::jsonb,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				UNIQUE (user_id, namespace)
			)`, postgresQuoteIdentifier(r.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			r.initErr = err
			return
		}
		r.db = db
	})
	return r.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
