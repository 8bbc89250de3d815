package out

import (
	"context"
	"time"

	"mirror_server/core/domain"
)

// SyncEventPublisher publishes sync lifecycle events.
type SyncEventPublisher interface {
	PublishSyncEvent(ctx context.Context, event *domain.SyncEvent) error
}

// RuleCache caches per-account rule sets.
type RuleCache interface {
	GetRuleSet(ctx context.Context, accountID string) (*domain.RuleSet, bool)
	SetRuleSet(ctx context.Context, accountID string, set *domain.RuleSet, ttl time.Duration)
	InvalidateRuleSet(ctx context.Context, accountID string)
}
