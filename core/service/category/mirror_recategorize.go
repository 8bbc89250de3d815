package category

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-pkgz/pool"

	"mirror_server/core/domain"
	"mirror_server/core/port/in"
	"mirror_server/core/port/out"
	"mirror_server/pkg/logger"
)

const recategorizePageSize = 500

// Service exposes categorization jobs that run outside the sync hot path.
type Service struct {
	categorizer *Categorizer
	messages    out.MessageRepository
	categories  out.CategoryRepository
	defaults    []DefaultCategory
	workers     int
}

func NewService(
	categorizer *Categorizer,
	messages out.MessageRepository,
	categories out.CategoryRepository,
	defaults []DefaultCategory,
	workers int,
) *Service {
	if workers <= 0 {
		workers = 4
	}
	if len(defaults) == 0 {
		defaults = BuiltinDefaults()
	}
	return &Service{
		categorizer: categorizer,
		messages:    messages,
		categories:  categories,
		defaults:    defaults,
		workers:     workers,
	}
}

// recategorizeWorker implements pool.Worker for one account's messages.
type recategorizeWorker struct {
	messages  out.MessageRepository
	accountID string
	set       *domain.RuleSet
	updated   *int64
}

func (w *recategorizeWorker) Do(ctx context.Context, row out.CategorizationRow) error {
	next := Match(w.set, Input{From: row.FromEmail, Subject: row.Subject, Labels: row.Labels})
	if sameCategory(row.CategoryID, next) {
		return nil
	}
	if err := w.messages.UpdateCategory(ctx, w.accountID, row.ID, next); err != nil {
		return fmt.Errorf("update category of %s: %w", row.ID, err)
	}
	atomic.AddInt64(w.updated, 1)
	return nil
}

// RecategorizeAll re-runs categorization over every stored message of the account
// and persists changed assignments. Running it twice in a row updates nothing the second time.
func (s *Service) RecategorizeAll(ctx context.Context, accountID string) (int, error) {
	start := time.Now()

	// rule changes usually precede this call
	s.categorizer.Invalidate(ctx, accountID)
	set, err := s.categorizer.RuleSet(ctx, accountID)
	if err != nil {
		return 0, err
	}

	var updated int64
	worker := &recategorizeWorker{
		messages:  s.messages,
		accountID: accountID,
		set:       set,
		updated:   &updated,
	}

	p := pool.New[out.CategorizationRow](s.workers, worker)
	if err := p.Go(ctx); err != nil {
		return 0, fmt.Errorf("start recategorize pool: %w", err)
	}

	scanned := 0
	afterID := ""
	var listErr error
	for {
		rows, err := s.messages.ListForCategorization(ctx, accountID, afterID, recategorizePageSize)
		if err != nil {
			listErr = fmt.Errorf("list messages after %q: %w", afterID, err)
			break
		}
		for _, row := range rows {
			p.Submit(row)
		}
		scanned += len(rows)
		if len(rows) < recategorizePageSize {
			break
		}
		afterID = rows[len(rows)-1].ID
	}

	if err := p.Close(ctx); err != nil && listErr == nil {
		listErr = err
	}
	if listErr != nil {
		return int(atomic.LoadInt64(&updated)), listErr
	}

	logger.WithDuration(time.Since(start)).
		Info("[CategoryService.RecategorizeAll] account=%s scanned=%d updated=%d", accountID, scanned, updated)
	return int(updated), nil
}

func sameCategory(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

var _ in.CategorizationUseCase = (*Service)(nil)
