package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/nuka-memory/internal/model"
)

// Timestamps are stored as unix microseconds in both dialects.

func ts(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

func nullTS(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: ts(*t), Valid: true}
}

func fromTS(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}

func fromNullTS(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromTS(v.Int64)
	return &t
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode json: %w", err)
	}
	return string(b), nil
}

func mustJSON(v any) string {
	s, err := encodeJSON(v)
	if err != nil {
		panic(err)
	}
	return s
}

func decodeJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}

func encodeVector(v []float32) sql.NullString {
	if len(v) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: mustJSON(v), Valid: true}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// conflict maps a duplicate-key failure to the optimistic-concurrency error.
func conflict(err error) error {
	if errors.Is(err, errDuplicate) {
		return fmt.Errorf("%w: %v", model.ErrConcurrentUpdate, err)
	}
	return err
}
