package persistence

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"mirror_server/core/domain"
	"mirror_server/core/port/out"
)

// =============================================================================
// CategoryAdapter - 카테고리/규칙
// =============================================================================

type CategoryAdapter struct {
	db *sqlx.DB
}

func NewCategoryAdapter(db *sqlx.DB) *CategoryAdapter {
	return &CategoryAdapter{db: db}
}

type categoryRow struct {
	ID        string `db:"id"`
	AccountID string `db:"account_id"`
	Name      string `db:"name"`
	Color     string `db:"color"`
	Icon      string `db:"icon"`
	IsSystem  bool   `db:"is_system"`
}

type ruleRow struct {
	ID         string `db:"id"`
	CategoryID string `db:"category_id"`
	AccountID  string `db:"account_id"`
	Type       string `db:"rule_type"`
	Value      string `db:"value"`
	Priority   int    `db:"priority"`
}

func (a *CategoryAdapter) ListCategories(ctx context.Context, accountID string) ([]*domain.Category, error) {
	var rows []categoryRow
	query := a.db.Rebind(`SELECT id, account_id, name, color, icon, is_system FROM categories
		WHERE account_id = ? ORDER BY name, id`)
	if err := a.db.SelectContext(ctx, &rows, query, accountID); err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	cats := make([]*domain.Category, 0, len(rows))
	for _, r := range rows {
		c := domain.Category(r)
		cats = append(cats, &c)
	}
	return cats, nil
}

// ListRules returns rules in evaluation order.
func (a *CategoryAdapter) ListRules(ctx context.Context, accountID string) ([]domain.CategoryRule, error) {
	var rows []ruleRow
	query := a.db.Rebind(`SELECT id, category_id, account_id, rule_type, value, priority FROM category_rules
		WHERE account_id = ? ORDER BY priority DESC, id ASC`)
	if err := a.db.SelectContext(ctx, &rows, query, accountID); err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	rules := make([]domain.CategoryRule, 0, len(rows))
	for _, r := range rows {
		rules = append(rules, domain.CategoryRule{
			ID:         r.ID,
			CategoryID: r.CategoryID,
			AccountID:  r.AccountID,
			Type:       domain.RuleType(r.Type),
			Value:      r.Value,
			Priority:   r.Priority,
		})
	}
	return rules, nil
}

func (a *CategoryAdapter) CreateCategory(ctx context.Context, c *domain.Category) error {
	query := a.db.Rebind(`INSERT INTO categories (id, account_id, name, color, icon, is_system) VALUES (?, ?, ?, ?, ?, ?)`)
	if _, err := a.db.ExecContext(ctx, query, c.ID, c.AccountID, c.Name, c.Color, c.Icon, c.IsSystem); err != nil {
		return fmt.Errorf("create category: %w", err)
	}
	return nil
}

func (a *CategoryAdapter) CreateRule(ctx context.Context, r *domain.CategoryRule) error {
	if !r.Type.Valid() {
		return fmt.Errorf("create rule: unknown type %q", r.Type)
	}
	query := a.db.Rebind(`INSERT INTO category_rules (id, category_id, account_id, rule_type, value, priority)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if _, err := a.db.ExecContext(ctx, query, r.ID, r.CategoryID, r.AccountID, string(r.Type), r.Value, r.Priority); err != nil {
		return fmt.Errorf("create rule: %w", err)
	}
	return nil
}

var _ out.CategoryRepository = (*CategoryAdapter)(nil)
