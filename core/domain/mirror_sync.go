package domain

import "time"

// =============================================================================
// Sync Mode & Status
// =============================================================================

type SyncMode string

const (
	SyncModeAuto        SyncMode = "auto" // incremental when a checkpoint exists
	SyncModeFull        SyncMode = "full"
	SyncModeIncremental SyncMode = "incremental"
)

// ParseSyncMode maps user input to a mode, defaulting to auto.
func ParseSyncMode(s string) SyncMode {
	switch SyncMode(s) {
	case SyncModeFull, SyncModeIncremental:
		return SyncMode(s)
	default:
		return SyncModeAuto
	}
}

type SyncRunStatus string

const (
	SyncRunRunning   SyncRunStatus = "running"
	SyncRunCompleted SyncRunStatus = "completed"
	SyncRunFailed    SyncRunStatus = "failed"
)

// =============================================================================
// SyncRun - 동기화 실행 감사 기록
// =============================================================================

type SyncRun struct {
	ID                string        `json:"id"`
	AccountID         string        `json:"account_id"`
	Mode              SyncMode      `json:"mode"`
	StartedAt         time.Time     `json:"started_at"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`
	MessagesProcessed int           `json:"messages_processed"`
	Status            SyncRunStatus `json:"status"`
	Error             *string       `json:"error,omitempty"`
}

// IsTerminal reports whether the run has been finalized.
func (r *SyncRun) IsTerminal() bool {
	return r.Status == SyncRunCompleted || r.Status == SyncRunFailed
}

// =============================================================================
// History delta
// =============================================================================

type ChangeType string

const (
	ChangeTypeAdded        ChangeType = "messageAdded"
	ChangeTypeDeleted      ChangeType = "messageDeleted"
	ChangeTypeLabelAdded   ChangeType = "labelAdded"
	ChangeTypeLabelRemoved ChangeType = "labelRemoved"
)

type HistoryChange struct {
	Type      ChangeType `json:"type"`
	MessageID string     `json:"message_id"`
	ThreadID  string     `json:"thread_id,omitempty"`
	LabelIDs  []string   `json:"label_ids,omitempty"` // full set on messageAdded, delta otherwise
}

// =============================================================================
// SyncEvent - 외부로 발행되는 동기화 이벤트
// =============================================================================

type SyncEventType string

const (
	SyncEventStarted   SyncEventType = "sync.started"
	SyncEventCompleted SyncEventType = "sync.completed"
	SyncEventFailed    SyncEventType = "sync.failed"
)

type SyncEvent struct {
	Type              SyncEventType `json:"type"`
	RunID             string        `json:"run_id"`
	AccountID         string        `json:"account_id"`
	Mode              SyncMode      `json:"mode"`
	MessagesProcessed int           `json:"messages_processed"`
	FellBack          bool          `json:"fell_back,omitempty"`
	Error             string        `json:"error,omitempty"`
	OccurredAt        time.Time     `json:"occurred_at"`
}

// SyncRequest is a manual trigger delivered through the job stream.
type SyncRequest struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"account_id"`
	Mode        SyncMode  `json:"mode"`
	RequestedAt time.Time `json:"requested_at"`
}
