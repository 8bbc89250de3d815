package category

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"mirror_server/core/domain"
	"mirror_server/core/port/out"
)

// =============================================================================
// fakes
// =============================================================================

type fakeCategoryRepo struct {
	mu         sync.Mutex
	categories []*domain.Category
	rules      []domain.CategoryRule
	listCalls  int
}

func (r *fakeCategoryRepo) ListCategories(_ context.Context, accountID string) ([]*domain.Category, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Category
	for _, c := range r.categories {
		if c.AccountID == accountID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *fakeCategoryRepo) ListRules(_ context.Context, accountID string) ([]domain.CategoryRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listCalls++
	var out []domain.CategoryRule
	for _, rule := range r.rules {
		if rule.AccountID == accountID {
			out = append(out, rule)
		}
	}
	return out, nil
}

func (r *fakeCategoryRepo) CreateCategory(_ context.Context, c *domain.Category) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.categories = append(r.categories, c)
	return nil
}

func (r *fakeCategoryRepo) CreateRule(_ context.Context, rule *domain.CategoryRule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, *rule)
	return nil
}

type fakeMessageRepo struct {
	out.MessageRepository

	mu      sync.Mutex
	rows    map[string]out.CategorizationRow
	updates int
}

func newFakeMessageRepo(rows ...out.CategorizationRow) *fakeMessageRepo {
	m := &fakeMessageRepo{rows: make(map[string]out.CategorizationRow)}
	for _, r := range rows {
		m.rows[r.ID] = r
	}
	return m
}

func (m *fakeMessageRepo) ListForCategorization(_ context.Context, _ string, afterID string, limit int) ([]out.CategorizationRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.rows))
	for id := range m.rows {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	page := make([]out.CategorizationRow, 0, len(ids))
	for _, id := range ids {
		page = append(page, m.rows[id])
	}
	return page, nil
}

func (m *fakeMessageRepo) UpdateCategory(_ context.Context, _ string, messageID string, categoryID *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := m.rows[messageID]
	row.CategoryID = categoryID
	m.rows[messageID] = row
	m.updates++
	return nil
}

func (m *fakeMessageRepo) category(id string) *string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[id].CategoryID
}

type fakeRuleCache struct {
	mu   sync.Mutex
	sets map[string]*domain.RuleSet
}

func (c *fakeRuleCache) GetRuleSet(_ context.Context, accountID string) (*domain.RuleSet, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.sets[accountID]
	return set, ok
}

func (c *fakeRuleCache) SetRuleSet(_ context.Context, accountID string, set *domain.RuleSet, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sets == nil {
		c.sets = make(map[string]*domain.RuleSet)
	}
	c.sets[accountID] = set
}

func (c *fakeRuleCache) InvalidateRuleSet(_ context.Context, accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sets, accountID)
}

func strPtr(s string) *string { return &s }

func deref(p *string) string {
	if p == nil {
		return "<nil>"
	}
	return *p
}

// =============================================================================
// Match
// =============================================================================

func TestMatch(t *testing.T) {
	rules := []domain.CategoryRule{
		{ID: "r1", CategoryID: "social", Type: domain.RuleSenderDomain, Value: "Facebook.com", Priority: 1},
		{ID: "r2", CategoryID: "bills", Type: domain.RuleSubjectKeyword, Value: "invoice", Priority: 5},
		{ID: "r3", CategoryID: "boss", Type: domain.RuleSenderEmail, Value: "boss@corp.com", Priority: 10},
		{ID: "r4", CategoryID: "promo", Type: domain.RuleLabel, Value: "CATEGORY_PROMOTIONS", Priority: 5},
		{ID: "r5", CategoryID: "never", Type: domain.RuleSubjectKeyword, Value: "   ", Priority: 100},
	}
	domain.SortRules(rules)
	set := &domain.RuleSet{Rules: rules, FallbackID: strPtr("other")}

	tests := []struct {
		name string
		in   Input
		want string
	}{
		{"sender domain contains", Input{From: "noreply@mail.facebook.com"}, "social"},
		{"sender email exact", Input{From: "Boss@Corp.com", Subject: "invoice"}, "boss"},
		{"subject keyword case-insensitive", Input{From: "a@b.com", Subject: "Your INVOICE #3"}, "bills"},
		{"label equal-fold", Input{From: "a@b.com", Labels: []string{"category_promotions"}}, "promo"},
		{"same priority tie breaks by id", Input{From: "a@b.com", Subject: "invoice", Labels: []string{"CATEGORY_PROMOTIONS"}}, "bills"},
		{"no match uses fallback", Input{From: "a@b.com", Subject: "hello"}, "other"},
		{"empty rule value never matches", Input{From: "a@b.com", Subject: "   "}, "other"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := deref(Match(set, tt.in)); got != tt.want {
				t.Errorf("Match = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestMatch_NoFallback(t *testing.T) {
	set := &domain.RuleSet{Rules: []domain.CategoryRule{
		{ID: "r1", CategoryID: "c1", Type: domain.RuleLabel, Value: "INBOX"},
	}}
	if got := Match(set, Input{From: "a@b.com"}); got != nil {
		t.Errorf("Match = %s, want nil", *got)
	}
	if got := Match(nil, Input{}); got != nil {
		t.Errorf("Match(nil) = %s, want nil", *got)
	}
}

func TestMatch_Deterministic(t *testing.T) {
	rules := []domain.CategoryRule{
		{ID: "b", CategoryID: "cb", Type: domain.RuleSubjectKeyword, Value: "x", Priority: 3},
		{ID: "a", CategoryID: "ca", Type: domain.RuleSubjectKeyword, Value: "x", Priority: 3},
		{ID: "c", CategoryID: "cc", Type: domain.RuleSubjectKeyword, Value: "x", Priority: 1},
	}
	reversed := []domain.CategoryRule{rules[2], rules[1], rules[0]}
	domain.SortRules(rules)
	domain.SortRules(reversed)

	in := Input{Subject: "x marks"}
	a := Match(&domain.RuleSet{Rules: rules}, in)
	b := Match(&domain.RuleSet{Rules: reversed}, in)
	if deref(a) != "ca" || deref(b) != "ca" {
		t.Errorf("Match = %s / %s, want ca for both orders", deref(a), deref(b))
	}
}

// =============================================================================
// Categorizer
// =============================================================================

func TestCategorizer_RuleSetCachesAndInvalidates(t *testing.T) {
	ctx := context.Background()
	repo := &fakeCategoryRepo{
		categories: []*domain.Category{
			{ID: "c-work", AccountID: "acc", Name: "Work"},
			{ID: "c-other", AccountID: "acc", Name: " other "},
		},
		rules: []domain.CategoryRule{
			{ID: "r1", CategoryID: "c-work", AccountID: "acc", Type: domain.RuleSenderDomain, Value: "corp.com", Priority: 1},
		},
	}
	cache := &fakeRuleCache{}
	c := NewCategorizer(repo, cache, time.Minute)

	got, err := c.Categorize(ctx, "acc", Input{From: "x@corp.com"})
	if err != nil || deref(got) != "c-work" {
		t.Fatalf("Categorize = %s, %v", deref(got), err)
	}
	got, _ = c.Categorize(ctx, "acc", Input{From: "x@home.com"})
	if deref(got) != "c-other" {
		t.Errorf("fallback = %s, want c-other", deref(got))
	}
	if repo.listCalls != 1 {
		t.Errorf("ListRules calls = %d, want 1 (cached)", repo.listCalls)
	}

	c.Invalidate(ctx, "acc")
	if _, err := c.RuleSet(ctx, "acc"); err != nil {
		t.Fatalf("RuleSet: %v", err)
	}
	if repo.listCalls != 2 {
		t.Errorf("ListRules calls = %d after invalidate, want 2", repo.listCalls)
	}
}

// =============================================================================
// RecategorizeAll
// =============================================================================

func TestRecategorizeAll_Idempotent(t *testing.T) {
	ctx := context.Background()
	repo := &fakeCategoryRepo{
		categories: []*domain.Category{
			{ID: "c-news", AccountID: "acc", Name: "News"},
			{ID: "c-other", AccountID: "acc", Name: "Other"},
		},
		rules: []domain.CategoryRule{
			{ID: "r1", CategoryID: "c-news", AccountID: "acc", Type: domain.RuleSubjectKeyword, Value: "digest", Priority: 1},
		},
	}
	messages := newFakeMessageRepo(
		out.CategorizationRow{ID: "m1", FromEmail: "a@x.com", Subject: "Weekly digest"},
		out.CategorizationRow{ID: "m2", FromEmail: "b@x.com", Subject: "Hi", CategoryID: strPtr("c-other")},
		out.CategorizationRow{ID: "m3", FromEmail: "c@x.com", Subject: "Daily Digest", CategoryID: strPtr("c-other")},
	)
	svc := NewService(NewCategorizer(repo, &fakeRuleCache{}, time.Minute), messages, repo, nil, 2)

	updated, err := svc.RecategorizeAll(ctx, "acc")
	if err != nil {
		t.Fatalf("RecategorizeAll: %v", err)
	}
	if updated != 2 {
		t.Errorf("updated = %d, want 2", updated)
	}
	want := map[string]string{"m1": "c-news", "m2": "c-other", "m3": "c-news"}
	for id, cat := range want {
		if got := deref(messages.category(id)); got != cat {
			t.Errorf("%s category = %s, want %s", id, got, cat)
		}
	}

	updated, err = svc.RecategorizeAll(ctx, "acc")
	if err != nil {
		t.Fatalf("second RecategorizeAll: %v", err)
	}
	if updated != 0 {
		t.Errorf("second run updated = %d, want 0", updated)
	}
}

func TestRecategorizeAll_PicksUpRuleChanges(t *testing.T) {
	ctx := context.Background()
	repo := &fakeCategoryRepo{
		categories: []*domain.Category{{ID: "c-other", AccountID: "acc", Name: "Other"}},
	}
	rows := make([]out.CategorizationRow, 0, recategorizePageSize+5)
	for i := 0; i < recategorizePageSize+5; i++ {
		rows = append(rows, out.CategorizationRow{ID: fmt.Sprintf("m%04d", i), FromEmail: "a@shop.com"})
	}
	messages := newFakeMessageRepo(rows...)
	cache := &fakeRuleCache{}
	svc := NewService(NewCategorizer(repo, cache, time.Hour), messages, repo, nil, 4)

	if n, err := svc.RecategorizeAll(ctx, "acc"); err != nil || n != len(rows) {
		t.Fatalf("first run = (%d, %v), want %d", n, err, len(rows))
	}

	repo.categories = append(repo.categories, &domain.Category{ID: "c-shop", AccountID: "acc", Name: "Shopping"})
	repo.rules = append(repo.rules, domain.CategoryRule{ID: "r1", CategoryID: "c-shop", AccountID: "acc", Type: domain.RuleSenderDomain, Value: "shop.com"})

	n, err := svc.RecategorizeAll(ctx, "acc")
	if err != nil || n != len(rows) {
		t.Fatalf("after rule change = (%d, %v), want %d", n, err, len(rows))
	}
	if got := deref(messages.category(rows[0].ID)); got != "c-shop" {
		t.Errorf("category = %s, want c-shop", got)
	}
}

// =============================================================================
// Defaults
// =============================================================================

func TestSeedDefaults(t *testing.T) {
	ctx := context.Background()
	repo := &fakeCategoryRepo{
		categories: []*domain.Category{{ID: "existing", AccountID: "acc", Name: "social"}},
	}
	svc := NewService(NewCategorizer(repo, &fakeRuleCache{}, time.Minute), newFakeMessageRepo(), repo, nil, 1)

	if err := svc.SeedDefaults(ctx, "acc"); err != nil {
		t.Fatalf("SeedDefaults: %v", err)
	}
	var names []string
	for _, c := range repo.categories {
		names = append(names, c.Name)
	}
	sort.Strings(names)
	want := []string{"Forums", "Other", "Primary", "Promotions", "Updates", "social"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("categories mismatch (-want +got):\n%s", diff)
	}
	if len(repo.rules) != 4 {
		t.Errorf("rules = %d, want 4", len(repo.rules))
	}

	if err := svc.SeedDefaults(ctx, "acc"); err != nil {
		t.Fatalf("second SeedDefaults: %v", err)
	}
	if len(repo.categories) != len(want) {
		t.Errorf("categories = %d after reseed, want %d", len(repo.categories), len(want))
	}

	got, err := svc.categorizer.Categorize(ctx, "acc", Input{Labels: []string{"CATEGORY_UPDATES"}})
	if err != nil {
		t.Fatalf("Categorize: %v", err)
	}
	var updatesID string
	for _, c := range repo.categories {
		if c.Name == "Updates" {
			updatesID = c.ID
		}
	}
	if deref(got) != updatesID {
		t.Errorf("Categorize = %s, want Updates (%s)", deref(got), updatesID)
	}
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()

	valid := filepath.Join(dir, "valid.toml")
	writeFile(t, valid, `
[[categories]]
name = "Finance"
color = "#00ff00"

[[categories.rules]]
type = "sender_domain"
value = "bank.com"
priority = 5

[[categories]]
name = "Other"
`)
	cats, err := LoadDefaults(valid)
	if err != nil {
		t.Fatalf("LoadDefaults: %v", err)
	}
	want := []DefaultCategory{
		{Name: "Finance", Color: "#00ff00", Rules: []DefaultRule{{Type: "sender_domain", Value: "bank.com", Priority: 5}}},
		{Name: "Other"},
	}
	if diff := cmp.Diff(want, cats); diff != "" {
		t.Errorf("defaults mismatch (-want +got):\n%s", diff)
	}

	noFallback := filepath.Join(dir, "nofallback.toml")
	writeFile(t, noFallback, "[[categories]]\nname = \"Finance\"\n")
	if _, err := LoadDefaults(noFallback); err == nil {
		t.Error("LoadDefaults accepted a file without the fallback category")
	}

	badRule := filepath.Join(dir, "badrule.toml")
	writeFile(t, badRule, "[[categories]]\nname = \"Other\"\n[[categories.rules]]\ntype = \"regex\"\nvalue = \"x\"\n")
	if _, err := LoadDefaults(badRule); err == nil {
		t.Error("LoadDefaults accepted an unknown rule type")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
