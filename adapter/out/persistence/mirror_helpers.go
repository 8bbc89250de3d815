package persistence

import (
	"database/sql"
	"errors"
	"time"

	"github.com/goccy/go-json"

	"mirror_server/core/domain"
)

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	s := n.String
	return &s
}

func encodeLabels(labels []string) string {
	if len(labels) == 0 {
		return "[]"
	}
	b, err := json.Marshal(labels)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeLabels(s string) []string {
	labels := []string{}
	if s == "" {
		return labels
	}
	if err := json.Unmarshal([]byte(s), &labels); err != nil {
		return []string{}
	}
	return labels
}

func encodeAddresses(addrs []domain.Address) string {
	if len(addrs) == 0 {
		return "[]"
	}
	b, err := json.Marshal(addrs)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeAddresses(s string) []domain.Address {
	if s == "" || s == "[]" {
		return nil
	}
	var addrs []domain.Address
	if err := json.Unmarshal([]byte(s), &addrs); err != nil {
		return nil
	}
	return addrs
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
