// Package cache adapts pkg/cache to the core cache ports.
package cache

import (
	"context"
	"time"

	"mirror_server/core/domain"
	"mirror_server/core/port/out"
	"mirror_server/pkg/cache"
	"mirror_server/pkg/logger"
)

const ruleSetKeyPrefix = "rules:"

// RuleCache stores per-account rule sets in the two-level cache.
type RuleCache struct {
	store *cache.TwoLevel
}

// NewRuleCache creates a RuleCache.
func NewRuleCache(store *cache.TwoLevel) *RuleCache {
	return &RuleCache{store: store}
}

func (c *RuleCache) GetRuleSet(ctx context.Context, accountID string) (*domain.RuleSet, bool) {
	var set domain.RuleSet
	if !c.store.GetJSON(ctx, ruleSetKey(accountID), &set) {
		return nil, false
	}
	return &set, true
}

// SetRuleSet never fails the caller; a miss just means another repository read.
func (c *RuleCache) SetRuleSet(ctx context.Context, accountID string, set *domain.RuleSet, ttl time.Duration) {
	if set == nil {
		return
	}
	if err := c.store.SetJSON(ctx, ruleSetKey(accountID), set, ttl); err != nil {
		logger.WithError(err).Warn("[RuleCache.SetRuleSet] account %s", accountID)
	}
}

func (c *RuleCache) InvalidateRuleSet(ctx context.Context, accountID string) {
	if err := c.store.Delete(ctx, ruleSetKey(accountID)); err != nil {
		logger.WithError(err).Warn("[RuleCache.InvalidateRuleSet] account %s", accountID)
	}
}

func ruleSetKey(accountID string) string {
	return ruleSetKeyPrefix + accountID
}

var _ out.RuleCache = (*RuleCache)(nil)
