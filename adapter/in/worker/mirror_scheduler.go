// Package worker holds the inbound background drivers: the per-account sync
// scheduler and the manual trigger handler.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mirror_server/core/domain"
	"mirror_server/core/port/in"
)

// AccountLister lists the accounts StartAll may schedule.
type AccountLister interface {
	List(ctx context.Context) ([]*domain.Account, error)
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	Interval     time.Duration // 계정별 동기화 주기
	InitialDelay time.Duration // 첫 실행 전 대기 (0이면 즉시)
	Mode         domain.SyncMode
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{Interval: 5 * time.Minute, Mode: domain.SyncModeAuto}
}

// =============================================================================
// Scheduler - 계정별 주기 동기화 태스크
// =============================================================================

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler owns one supervised background task per account. A failed or
// panicking run is logged and the next tick runs as usual.
type Scheduler struct {
	sync     in.SyncUseCase
	accounts AccountLister
	cfg      SchedulerConfig
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	tasks map[string]*task
}

// NewScheduler creates a new Scheduler.
func NewScheduler(syncUC in.SyncUseCase, accounts AccountLister, cfg SchedulerConfig, log zerolog.Logger) *Scheduler {
	def := DefaultSchedulerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Mode == "" {
		cfg.Mode = def.Mode
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		sync:     syncUC,
		accounts: accounts,
		cfg:      cfg,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		tasks:    make(map[string]*task),
	}
}

// Start schedules accountID. Returns false when it is already running.
func (s *Scheduler) Start(accountID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return false
	}
	if _, ok := s.tasks[accountID]; ok {
		return false
	}

	ctx, cancel := context.WithCancel(s.ctx)
	t := &task{cancel: cancel, done: make(chan struct{})}
	s.tasks[accountID] = t

	go s.loop(ctx, accountID, t)

	s.log.Info().Str("account_id", accountID).Dur("interval", s.cfg.Interval).Msg("scheduled account")
	return true
}

// StartAll schedules every stored account, or only those in only when it is non-empty.
func (s *Scheduler) StartAll(ctx context.Context, only []string) (int, error) {
	accounts, err := s.accounts.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list accounts: %w", err)
	}

	allowed := make(map[string]bool, len(only))
	for _, id := range only {
		allowed[id] = true
	}

	started := 0
	for _, account := range accounts {
		if len(allowed) > 0 && !allowed[account.ID] {
			continue
		}
		if s.Start(account.ID) {
			started++
		}
	}
	return started, nil
}

// Stop cancels the account's task and waits for the in-flight run to return.
func (s *Scheduler) Stop(accountID string) bool {
	s.mu.Lock()
	t, ok := s.tasks[accountID]
	s.mu.Unlock()
	if !ok {
		return false
	}

	t.cancel()
	<-t.done
	return true
}

// StopAll stops every task and refuses new ones.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	s.cancel()
	pending := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		pending = append(pending, t)
	}
	s.mu.Unlock()

	for _, t := range pending {
		<-t.done
	}
	s.log.Info().Int("tasks", len(pending)).Msg("scheduler stopped")
}

// IsRunning reports whether accountID has a live task.
func (s *Scheduler) IsRunning(accountID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[accountID]
	return ok
}

// Running returns the scheduled account ids, sorted.
func (s *Scheduler) Running() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	sort.Strings(ids)
	return ids
}

func (s *Scheduler) loop(ctx context.Context, accountID string, t *task) {
	defer func() {
		s.mu.Lock()
		if s.tasks[accountID] == t {
			delete(s.tasks, accountID)
		}
		s.mu.Unlock()
		close(t.done)
	}()

	if s.cfg.InitialDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.InitialDelay):
		}
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		s.runOnce(ctx, accountID)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, accountID string) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().
				Str("account_id", accountID).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("sync panicked")
		}
	}()

	if ctx.Err() != nil {
		return
	}

	start := time.Now()
	result, err := s.sync.Synchronize(ctx, accountID, s.cfg.Mode)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.log.Error().Err(err).Str("account_id", accountID).Dur("elapsed", time.Since(start)).Msg("scheduled sync failed")
		return
	}

	s.log.Info().
		Str("account_id", accountID).
		Str("run_id", result.RunID).
		Str("mode", string(result.Mode)).
		Int("processed", result.MessagesProcessed).
		Bool("fell_back", result.FellBack).
		Dur("elapsed", time.Since(start)).
		Msg("scheduled sync completed")
}
