package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/hpungsan/weaver/internal/errors"
)

// Entry is one stored value with its bookkeeping columns.
type Entry struct {
	Key       string
	Value     []byte
	Revision  int64
	UpdatedAt int64
}

// ErrNoValue is returned when a key has never been written.
var ErrNoValue = &errors.WeaverError{
	Code:    errors.ErrNotFound,
	Status:  404,
	Message: "no value for key",
}

// GetValue returns the raw value stored under key.
func GetValue(ctx context.Context, db *sql.DB, key string) (*Entry, error) {
	query := `
		SELECT key, value, revision, updated_at
		FROM kv
		WHERE key = ?
	`

	var e Entry
	var value string
	err := db.QueryRowContext(ctx, query, key).Scan(&e.Key, &value, &e.Revision, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNoValue
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	e.Value = []byte(value)

	return &e, nil
}

// PutValues writes all values in a single transaction (last write wins per key).
func PutValues(ctx context.Context, db *sql.DB, values map[string][]byte) error {
	if len(values) == 0 {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewInternal(err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO kv (key, value, revision, updated_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			revision = kv.revision + 1,
			updated_at = excluded.updated_at
	`

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return errors.NewInternal(err)
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for key, value := range values {
		if _, err := stmt.ExecContext(ctx, key, string(value), now); err != nil {
			return errors.NewInternal(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// PutValue writes a single value.
func PutValue(ctx context.Context, db *sql.DB, key string, value []byte) error {
	return PutValues(ctx, db, map[string][]byte{key: value})
}

// DeleteValue removes key. Deleting a missing key is not an error.
func DeleteValue(ctx context.Context, db *sql.DB, key string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// ListKeys returns every stored key, most recently updated first.
func ListKeys(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT key FROM kv ORDER BY updated_at DESC, key ASC`)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, errors.NewInternal(err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return keys, nil
}
