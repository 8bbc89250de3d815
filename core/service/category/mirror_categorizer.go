// Package category assigns categories to messages from ordered per-account rules.
package category

import (
	"context"
	"fmt"
	"strings"
	"time"

	"mirror_server/core/domain"
	"mirror_server/core/port/out"
)

// Input is the slice of a message rules look at.
type Input struct {
	From    string
	Subject string
	Labels  []string
}

// Match returns the category of the first matching rule, or the fallback.
// rules must already be ordered with domain.SortRules.
func Match(set *domain.RuleSet, in Input) *string {
	if set == nil {
		return nil
	}

	from := strings.ToLower(strings.TrimSpace(in.From))
	senderDomain := domain.EmailDomain(from)
	subject := strings.ToLower(in.Subject)

	for i := range set.Rules {
		rule := &set.Rules[i]
		value := strings.ToLower(strings.TrimSpace(rule.Value))
		if value == "" {
			continue
		}

		matched := false
		switch rule.Type {
		case domain.RuleSenderDomain:
			matched = senderDomain != "" && strings.Contains(senderDomain, value)
		case domain.RuleSenderEmail:
			matched = from != "" && strings.Contains(from, value)
		case domain.RuleSubjectKeyword:
			matched = strings.Contains(subject, value)
		case domain.RuleLabel:
			for _, l := range in.Labels {
				if strings.EqualFold(l, value) {
					matched = true
					break
				}
			}
		}
		if matched {
			id := rule.CategoryID
			return &id
		}
	}

	if set.FallbackID == nil {
		return nil
	}
	id := *set.FallbackID
	return &id
}

// Categorizer loads rule sets and applies Match.
type Categorizer struct {
	repo  out.CategoryRepository
	cache out.RuleCache
	ttl   time.Duration
}

func NewCategorizer(repo out.CategoryRepository, cache out.RuleCache, ttl time.Duration) *Categorizer {
	return &Categorizer{repo: repo, cache: cache, ttl: ttl}
}

// RuleSet returns the ordered rules and fallback for an account.
func (c *Categorizer) RuleSet(ctx context.Context, accountID string) (*domain.RuleSet, error) {
	if c.cache != nil {
		if set, ok := c.cache.GetRuleSet(ctx, accountID); ok {
			domain.SortRules(set.Rules)
			return set, nil
		}
	}

	rules, err := c.repo.ListRules(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	categories, err := c.repo.ListCategories(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}

	set := &domain.RuleSet{Rules: rules}
	domain.SortRules(set.Rules)
	for _, cat := range categories {
		if cat.IsFallback() {
			id := cat.ID
			set.FallbackID = &id
			break
		}
	}

	if c.cache != nil {
		c.cache.SetRuleSet(ctx, accountID, set, c.ttl)
	}
	return set, nil
}

// Categorize returns the category for one message, or nil when neither a rule nor a fallback applies.
func (c *Categorizer) Categorize(ctx context.Context, accountID string, in Input) (*string, error) {
	set, err := c.RuleSet(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return Match(set, in), nil
}

// Invalidate drops the cached rule set after rules change.
func (c *Categorizer) Invalidate(ctx context.Context, accountID string) {
	if c.cache != nil {
		c.cache.InvalidateRuleSet(ctx, accountID)
	}
}
