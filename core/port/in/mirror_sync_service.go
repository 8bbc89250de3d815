package in

import (
	"context"

	"mirror_server/core/domain"
)

// SyncResult is the outcome of one sync run.
type SyncResult struct {
	RunID             string          `json:"run_id"`
	Mode              domain.SyncMode `json:"mode"` // mode actually executed
	MessagesProcessed int             `json:"messages_processed"`
	FellBack          bool            `json:"fell_back,omitempty"`
}

// SyncUseCase drives the local mirror of one account.
type SyncUseCase interface {
	Synchronize(ctx context.Context, accountID string, mode domain.SyncMode) (*SyncResult, error)
	Hydrate(ctx context.Context, accountID, messageID string) (*domain.Message, error)
	ReconcileStaleRuns(ctx context.Context) (int64, error)
}

// CategorizationUseCase covers rule-based categorization outside the sync hot path.
type CategorizationUseCase interface {
	RecategorizeAll(ctx context.Context, accountID string) (int, error)
	SeedDefaults(ctx context.Context, accountID string) error
}
