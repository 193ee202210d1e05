package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	apperrors "travel-chat/errors"
)

// Dialect selects the SQL flavour spoken by a SQLKV.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// SQLKV stores key-value pairs in a single kv_store table.
type SQLKV struct {
	DB      *sql.DB
	dialect Dialect
}

// NewPostgresKV connects to Postgres through the pgx stdlib driver.
func NewPostgresKV(ctx context.Context, connStr string) (*SQLKV, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, apperrors.WrapError(err, "open postgres")
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, apperrors.WrapError(err, "ping postgres")
	}
	return newSQLKV(ctx, db, DialectPostgres)
}

// NewSQLiteKV opens (or creates) an embedded SQLite database file.
func NewSQLiteKV(ctx context.Context, path string) (*SQLKV, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, apperrors.WrapError(err, "open sqlite")
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	return newSQLKV(ctx, db, DialectSQLite)
}

func newSQLKV(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLKV, error) {
	kv := &SQLKV{DB: db, dialect: dialect}
	if err := kv.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return kv, nil
}

// EnsureSchema creates the kv_store table if it does not already exist.
func (s *SQLKV) EnsureSchema(ctx context.Context) error {
	stmt := `CREATE TABLE IF NOT EXISTS kv_store (
            key TEXT PRIMARY KEY,
            value TEXT NOT NULL,
            updated_at TIMESTAMPTZ DEFAULT NOW()
        )`
	if s.dialect == DialectSQLite {
		stmt = `CREATE TABLE IF NOT EXISTS kv_store (
            key TEXT PRIMARY KEY,
            value TEXT NOT NULL,
            updated_at INTEGER NOT NULL
        )`
	}

	if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to execute schema statement: %w", err)
	}
	return nil
}

func (s *SQLKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	query := `SELECT value FROM kv_store WHERE key = $1`
	if s.dialect == DialectSQLite {
		query = `SELECT value FROM kv_store WHERE key = ?`
	}

	var value string
	err := s.DB.QueryRowContext(ctx, query, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: get %s: %v", apperrors.ErrDatabaseOperation, key, err)
	}
	return []byte(value), true, nil
}

func (s *SQLKV) Set(ctx context.Context, key string, value []byte) error {
	var err error
	switch s.dialect {
	case DialectSQLite:
		_, err = s.DB.ExecContext(ctx, `
			REPLACE INTO kv_store (key, value, updated_at)
			VALUES (?, ?, ?)
		`, key, string(value), time.Now().UnixMicro())
	default:
		_, err = s.DB.ExecContext(ctx, `
			INSERT INTO kv_store (key, value, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
		`, key, string(value))
	}
	if err != nil {
		return fmt.Errorf("%w: set %s: %v", apperrors.ErrDatabaseOperation, key, err)
	}
	return nil
}

func (s *SQLKV) Keys(ctx context.Context, prefix string) ([]string, error) {
	var (
		rows *sql.Rows
		err  error
	)
	switch s.dialect {
	case DialectSQLite:
		rows, err = s.DB.QueryContext(ctx,
			`SELECT key FROM kv_store WHERE substr(key, 1, ?) = ? ORDER BY key`,
			utf8.RuneCountInString(prefix), prefix)
	default:
		rows, err = s.DB.QueryContext(ctx,
			`SELECT key FROM kv_store WHERE starts_with(key, $1) ORDER BY key`, prefix)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: list keys: %v", apperrors.ErrDatabaseOperation, err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("%w: scan key: %v", apperrors.ErrDatabaseOperation, err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *SQLKV) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	if s.dialect == DialectPostgres {
		_, err := s.DB.ExecContext(ctx, `DELETE FROM kv_store WHERE key = ANY($1)`, pq.Array(keys))
		if err != nil {
			return fmt.Errorf("%w: delete keys: %v", apperrors.ErrDatabaseOperation, err)
		}
		return nil
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin delete: %v", apperrors.ErrDatabaseOperation, err)
	}
	defer tx.Rollback()

	for _, key := range keys {
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv_store WHERE key = ?`, key); err != nil {
			return fmt.Errorf("%w: delete %s: %v", apperrors.ErrDatabaseOperation, key, err)
		}
	}
	return tx.Commit()
}

func (s *SQLKV) Close() error {
	return s.DB.Close()
}
