package domain

import (
	"sort"
	"strings"
)

// FallbackCategoryName marks the catch-all bucket.
const FallbackCategoryName = "Other"

type Category struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	Name      string `json:"name"`
	Color     string `json:"color,omitempty"`
	Icon      string `json:"icon,omitempty"`
	IsSystem  bool   `json:"is_system"`
}

// IsFallback reports whether this is the catch-all category.
func (c *Category) IsFallback() bool {
	return strings.EqualFold(strings.TrimSpace(c.Name), FallbackCategoryName)
}

type RuleType string

const (
	RuleSenderDomain   RuleType = "sender_domain"
	RuleSenderEmail    RuleType = "sender_email"
	RuleSubjectKeyword RuleType = "subject_keyword"
	RuleLabel          RuleType = "label"
)

// Valid reports whether t is a known rule type.
func (t RuleType) Valid() bool {
	switch t {
	case RuleSenderDomain, RuleSenderEmail, RuleSubjectKeyword, RuleLabel:
		return true
	}
	return false
}

// CategoryRule - 분류 규칙
type CategoryRule struct {
	ID         string   `json:"id"`
	CategoryID string   `json:"category_id"`
	AccountID  string   `json:"account_id"`
	Type       RuleType `json:"type"`
	Value      string   `json:"value"`
	Priority   int      `json:"priority"`
}

// SortRules orders rules by priority descending, then id ascending.
func SortRules(rules []CategoryRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
}

// RuleSet is everything categorization needs for one account.
type RuleSet struct {
	Rules      []CategoryRule `json:"rules"`
	FallbackID *string        `json:"fallback_id,omitempty"`
}
