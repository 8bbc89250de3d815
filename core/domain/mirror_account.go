package domain

import (
	"strconv"
	"time"
)

// =============================================================================
// Account - 연결된 메일함
// =============================================================================

type Account struct {
	ID          string     `json:"id"`
	Email       string     `json:"email"`
	Credentials string     `json:"-"` // encrypted credential pair
	Checkpoint  string     `json:"checkpoint,omitempty"`
	LastSyncAt  *time.Time `json:"last_sync_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// HasCheckpoint reports whether an incremental sync can start from a stored cursor.
func (a *Account) HasCheckpoint() bool {
	return a.Checkpoint != ""
}

// CheckpointAdvances reports whether next may replace current.
// Numeric history ids must grow; anything else replaces an empty or non-numeric cursor.
func CheckpointAdvances(current, next string) bool {
	if next == "" {
		return false
	}
	if current == "" {
		return true
	}
	cur, errCur := strconv.ParseUint(current, 10, 64)
	nxt, errNxt := strconv.ParseUint(next, 10, 64)
	if errCur != nil || errNxt != nil {
		return current != next
	}
	return nxt > cur
}
