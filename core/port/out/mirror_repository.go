package out

import (
	"context"
	"time"

	"mirror_server/core/domain"
)

// AccountRepository - 계정 저장소
type AccountRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Account, error)
	List(ctx context.Context) ([]*domain.Account, error)
	Create(ctx context.Context, account *domain.Account) error
	Delete(ctx context.Context, id string) error

	// UpdateCredentials stores a refreshed, already encrypted credential pair.
	UpdateCredentials(ctx context.Context, id, credentials string) error

	// AdvanceCheckpoint stores checkpoint only when it moves forward and always stamps last_sync_at.
	AdvanceCheckpoint(ctx context.Context, id, checkpoint string, syncedAt time.Time) (bool, error)

	// ReplaceCheckpoint swaps a checkpoint the provider rejected, even for a lower value.
	// It only writes while the stored value still equals rejected.
	ReplaceCheckpoint(ctx context.Context, id, rejected, checkpoint string, syncedAt time.Time) (bool, error)
}

// MessageRepository - 미러 메시지 저장소
type MessageRepository interface {
	GetByID(ctx context.Context, accountID, messageID string) (*domain.Message, error)

	// ExistingIDs returns the subset of ids already stored for the account.
	ExistingIDs(ctx context.Context, accountID string, ids []string) (map[string]bool, error)

	// UpdateLabels replaces the label set and flags of a stored message.
	UpdateLabels(ctx context.Context, accountID, messageID string, labels []string, isRead, isStarred bool) error

	// FillBody stores bodies only while the row is still bodyless. Returns false when it was already hydrated.
	FillBody(ctx context.Context, accountID, messageID, bodyText, bodyHTML string) (bool, error)

	// ListForCategorization pages messages by id for bulk recategorization.
	ListForCategorization(ctx context.Context, accountID, afterID string, limit int) ([]CategorizationRow, error)

	UpdateCategory(ctx context.Context, accountID, messageID string, categoryID *string) error
}

// CategorizationRow is the slice of a message that categorization reads.
type CategorizationRow struct {
	ID         string   `db:"id"`
	FromEmail  string   `db:"from_email"`
	Subject    string   `db:"subject"`
	Labels     []string `db:"-"`
	CategoryID *string  `db:"category_id"`
}

// CategoryRepository - 카테고리/규칙 저장소
type CategoryRepository interface {
	ListCategories(ctx context.Context, accountID string) ([]*domain.Category, error)
	ListRules(ctx context.Context, accountID string) ([]domain.CategoryRule, error)
	CreateCategory(ctx context.Context, category *domain.Category) error
	CreateRule(ctx context.Context, rule *domain.CategoryRule) error
}

// SyncRunRepository - 동기화 감사 기록 저장소
type SyncRunRepository interface {
	Create(ctx context.Context, run *domain.SyncRun) error

	// Finalize closes a running run. Returns false when the run was already terminal.
	Finalize(ctx context.Context, run *domain.SyncRun) (bool, error)

	GetByID(ctx context.Context, id string) (*domain.SyncRun, error)
	ListByAccount(ctx context.Context, accountID string, limit int) ([]*domain.SyncRun, error)

	// FailStaleRunning marks runs still running since before cutoff as failed.
	FailStaleRunning(ctx context.Context, cutoff time.Time, reason string) (int64, error)
}

// =============================================================================
// Transactional store
// =============================================================================

// MirrorStore runs single-message units of work.
type MirrorStore interface {
	WithTx(ctx context.Context, fn func(tx MirrorTx) error) error
}

// MirrorTx is the write surface available inside one message transaction.
type MirrorTx interface {
	TopicWriter
	SenderWriter

	// InsertMessageIfAbsent inserts the message and its attachments. Returns false when it already existed.
	InsertMessageIfAbsent(ctx context.Context, msg *domain.Message) (bool, error)

	AssignTopic(ctx context.Context, accountID, messageID, topicID string) error
}

// TopicWriter upserts topic aggregates.
type TopicWriter interface {
	// IncrementTopic creates the topic or bumps its count, returning its id.
	IncrementTopic(ctx context.Context, accountID, name string) (string, error)
}

// SenderWriter upserts sender aggregates.
type SenderWriter interface {
	RecordSender(ctx context.Context, accountID string, sighting domain.SenderSighting) error
}

// TopicReader and SenderReader expose the aggregates.
type TopicReader interface {
	GetTopic(ctx context.Context, accountID, name string) (*domain.Topic, error)
}

type SenderReader interface {
	GetSender(ctx context.Context, accountID, email string) (*domain.SenderGroup, error)
}
