package category

import (
	"context"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"mirror_server/core/domain"
	"mirror_server/pkg/logger"
)

// DefaultCategory is a system category seeded into new accounts.
type DefaultCategory struct {
	Name  string        `toml:"name"`
	Color string        `toml:"color"`
	Icon  string        `toml:"icon"`
	Rules []DefaultRule `toml:"rules"`
}

type DefaultRule struct {
	Type     string `toml:"type"`
	Value    string `toml:"value"`
	Priority int    `toml:"priority"`
}

type defaultsFile struct {
	Categories []DefaultCategory `toml:"categories"`
}

// BuiltinDefaults mirrors Gmail's tabs plus the catch-all bucket.
func BuiltinDefaults() []DefaultCategory {
	return []DefaultCategory{
		{Name: "Primary", Color: "#1a73e8", Icon: "inbox", Rules: []DefaultRule{
			{Type: string(domain.RuleLabel), Value: "CATEGORY_PERSONAL", Priority: 10},
		}},
		{Name: "Social", Color: "#1e8e3e", Icon: "people", Rules: []DefaultRule{
			{Type: string(domain.RuleLabel), Value: "CATEGORY_SOCIAL", Priority: 10},
		}},
		{Name: "Promotions", Color: "#e37400", Icon: "tag", Rules: []DefaultRule{
			{Type: string(domain.RuleLabel), Value: "CATEGORY_PROMOTIONS", Priority: 10},
		}},
		{Name: "Updates", Color: "#9334e6", Icon: "info", Rules: []DefaultRule{
			{Type: string(domain.RuleLabel), Value: "CATEGORY_UPDATES", Priority: 10},
		}},
		{Name: "Forums", Color: "#d93025", Icon: "forum", Rules: []DefaultRule{
			{Type: string(domain.RuleLabel), Value: "CATEGORY_FORUMS", Priority: 10},
		}},
		{Name: domain.FallbackCategoryName, Color: "#5f6368", Icon: "folder"},
	}
}

// LoadDefaults reads seed categories from a TOML file:
//
//	[[categories]]
//	name = "Finance"
//	[[categories.rules]]
//	type = "sender_domain"
//	value = "bank.com"
//	priority = 5
func LoadDefaults(path string) ([]DefaultCategory, error) {
	var f defaultsFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if err := validateDefaults(f.Categories); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f.Categories, nil
}

func validateDefaults(cats []DefaultCategory) error {
	hasFallback := false
	for _, c := range cats {
		if strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("category without name")
		}
		if strings.EqualFold(c.Name, domain.FallbackCategoryName) {
			hasFallback = true
		}
		for _, r := range c.Rules {
			if !domain.RuleType(r.Type).Valid() {
				return fmt.Errorf("category %q: unknown rule type %q", c.Name, r.Type)
			}
		}
	}
	if !hasFallback {
		return fmt.Errorf("no %q category defined", domain.FallbackCategoryName)
	}
	return nil
}

// SeedDefaults creates the system categories the account does not have yet.
func (s *Service) SeedDefaults(ctx context.Context, accountID string) error {
	existing, err := s.categories.ListCategories(ctx, accountID)
	if err != nil {
		return fmt.Errorf("list categories: %w", err)
	}
	have := make(map[string]bool, len(existing))
	for _, c := range existing {
		have[strings.ToLower(c.Name)] = true
	}

	created := 0
	for _, def := range s.defaults {
		if have[strings.ToLower(def.Name)] {
			continue
		}
		cat := &domain.Category{
			ID:        uuid.NewString(),
			AccountID: accountID,
			Name:      def.Name,
			Color:     def.Color,
			Icon:      def.Icon,
			IsSystem:  true,
		}
		if err := s.categories.CreateCategory(ctx, cat); err != nil {
			return fmt.Errorf("create category %q: %w", def.Name, err)
		}
		for _, r := range def.Rules {
			rule := &domain.CategoryRule{
				ID:         uuid.NewString(),
				CategoryID: cat.ID,
				AccountID:  accountID,
				Type:       domain.RuleType(r.Type),
				Value:      r.Value,
				Priority:   r.Priority,
			}
			if err := s.categories.CreateRule(ctx, rule); err != nil {
				return fmt.Errorf("create rule for %q: %w", def.Name, err)
			}
		}
		created++
	}

	if created > 0 {
		s.categorizer.Invalidate(ctx, accountID)
		logger.Info("[CategoryService.SeedDefaults] account=%s created=%d", accountID, created)
	}
	return nil
}
