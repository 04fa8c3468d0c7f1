// This file persists small JSON documents (queue snapshot, paused records)
// in the app_state key/value table.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

const (
	QueueSnapshotKey   = "download_queue_snapshot"
	PausedDownloadsKey = "paused_downloads"
)

// GetState decodes the value stored under key into dest. It reports false
// when the key is absent.
func (s *Store) GetState(ctx context.Context, key string, dest interface{}) (bool, error) {
	query, args, err := s.sb.Select("value").From("app_state").Where(sq.Eq{"key": key}).ToSql()
	if err != nil {
		return false, err
	}

	var raw string
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read state %q: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		return false, fmt.Errorf("failed to decode state %q: %w", key, err)
	}
	return true, nil
}

// PutState stores v as JSON under key, replacing any previous value.
func (s *Store) PutState(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode state %q: %w", key, err)
	}

	query, args, err := s.sb.Insert("app_state").
		Columns("key", "value", "updated_at").
		Values(key, string(data), time.Now()).
		Suffix("ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at").
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to write state %q: %w", key, err)
	}
	return nil
}

// DeleteState removes key. Missing keys are ignored.
func (s *Store) DeleteState(ctx context.Context, key string) error {
	query, args, err := s.sb.Delete("app_state").Where(sq.Eq{"key": key}).ToSql()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}
