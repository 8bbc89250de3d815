// Package mirror keeps the local mailbox mirror in step with the remote provider.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"mirror_server/core/domain"
	"mirror_server/core/port/in"
	"mirror_server/core/port/out"
	"mirror_server/core/service/category"
	"mirror_server/core/service/normalize"
	"mirror_server/core/service/sender"
	"mirror_server/core/service/topic"
	"mirror_server/pkg/apperr"
	"mirror_server/pkg/logger"
	"mirror_server/pkg/metrics"
)

const (
	DefaultLookbackDays = 30
	DefaultChunkSize    = 10
	DefaultChunkPause   = 200 * time.Millisecond
	DefaultPageSize     = 100

	// finalizeTimeout bounds audit writes made after the run context is gone.
	finalizeTimeout = 10 * time.Second

	staleRunReason = "interrupted: run did not finish before the process stopped"
)

// Config tunes one SyncService.
type Config struct {
	LookbackDays  int
	ChunkSize     int
	ChunkPause    time.Duration
	PageSize      int64
	RunTimeout    time.Duration // 0 disables the per-run deadline
	StaleRunAfter time.Duration
	StoreBodies   bool
}

// DefaultConfig returns the stock pacing with bodies stored during sync.
func DefaultConfig() Config {
	return Config{
		LookbackDays:  DefaultLookbackDays,
		ChunkSize:     DefaultChunkSize,
		ChunkPause:    DefaultChunkPause,
		PageSize:      DefaultPageSize,
		RunTimeout:    10 * time.Minute,
		StaleRunAfter: 20 * time.Minute,
		StoreBodies:   true,
	}
}

func (c Config) withDefaults() Config {
	if c.LookbackDays <= 0 {
		c.LookbackDays = DefaultLookbackDays
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.ChunkPause < 0 {
		c.ChunkPause = 0
	}
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.StaleRunAfter <= 0 {
		c.StaleRunAfter = 20 * time.Minute
	}
	return c
}

// =============================================================================
// SyncService - 미러 동기화 오케스트레이터
// =============================================================================

type SyncService struct {
	accounts    out.AccountRepository
	messages    out.MessageRepository
	runs        out.SyncRunRepository
	store       out.MirrorStore
	sessions    out.ProviderSessionFactory
	events      out.SyncEventPublisher
	normalizer  *normalize.Normalizer
	categorizer *category.Categorizer
	topics      *topic.Aggregator
	senders     *sender.Aggregator

	cfg     Config
	now     func() time.Time
	hydrate singleflight.Group
}

// Deps groups the collaborators of a SyncService. Events may be nil.
type Deps struct {
	Accounts    out.AccountRepository
	Messages    out.MessageRepository
	Runs        out.SyncRunRepository
	Store       out.MirrorStore
	Sessions    out.ProviderSessionFactory
	Events      out.SyncEventPublisher
	Categorizer *category.Categorizer
}

func NewSyncService(deps Deps, cfg Config) *SyncService {
	return &SyncService{
		accounts:    deps.Accounts,
		messages:    deps.Messages,
		runs:        deps.Runs,
		store:       deps.Store,
		sessions:    deps.Sessions,
		events:      deps.Events,
		normalizer:  normalize.NewNormalizer(),
		categorizer: deps.Categorizer,
		topics:      topic.NewAggregator(),
		senders:     sender.NewAggregator(),
		cfg:         cfg.withDefaults(),
		now:         time.Now,
	}
}

// runState is the mutable bookkeeping of one Synchronize call.
type runState struct {
	run       *domain.SyncRun
	account   *domain.Account
	provider  out.MailProvider
	rules     *domain.RuleSet
	processed int
	fellBack  bool
}

// =============================================================================
// Synchronize
// =============================================================================

// Synchronize mirrors new remote mail of one account. Every call leaves exactly one
// terminal SyncRun behind, also when it fails.
func (s *SyncService) Synchronize(ctx context.Context, accountID string, mode domain.SyncMode) (*in.SyncResult, error) {
	start := s.now()
	if s.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RunTimeout)
		defer cancel()
	}

	st := &runState{run: &domain.SyncRun{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Mode:      mode,
		StartedAt: start,
		Status:    domain.SyncRunRunning,
	}}
	if err := s.runs.Create(ctx, st.run); err != nil {
		return nil, apperr.PersistenceFailed("open sync run", err)
	}
	ctx = logger.ContextWithRun(logger.ContextWithAccount(ctx, accountID), st.run.ID)
	log := logger.WithContext(ctx)
	log.Info("[SyncService.Synchronize] started mode=%s", mode)
	s.publish(ctx, st, domain.SyncEventStarted, nil)

	runErr := s.execute(ctx, st, mode)
	if runErr == nil && ctx.Err() != nil {
		runErr = apperr.Timeout("sync run", ctx.Err())
	}
	if runErr != nil {
		runErr = toSyncError(runErr)
	}

	s.finalize(ctx, st, runErr)
	metrics.RecordLatency(metrics.SyncOp(string(st.run.Mode)), s.now().Sub(start), runErr)

	if runErr != nil {
		log.WithError(runErr).WithDuration(s.now().Sub(start)).
			Error("[SyncService.Synchronize] failed mode=%s processed=%d", st.run.Mode, st.processed)
		s.publish(ctx, st, domain.SyncEventFailed, runErr)
		if ae := apperr.AsAppError(runErr); ae != nil {
			return nil, ae.WithDetail("run_id", st.run.ID)
		}
		return nil, runErr
	}

	log.WithDuration(s.now().Sub(start)).
		Info("[SyncService.Synchronize] completed mode=%s processed=%d fell_back=%v", st.run.Mode, st.processed, st.fellBack)
	s.publish(ctx, st, domain.SyncEventCompleted, nil)
	return &in.SyncResult{
		RunID:             st.run.ID,
		Mode:              st.run.Mode,
		MessagesProcessed: st.processed,
		FellBack:          st.fellBack,
	}, nil
}

func (s *SyncService) execute(ctx context.Context, st *runState, mode domain.SyncMode) error {
	account, err := s.accounts.GetByID(ctx, st.run.AccountID)
	if err != nil {
		if apperr.IsCode(err, apperr.CodeNotFound) {
			return err
		}
		return apperr.PersistenceFailed("load account", err)
	}
	st.account = account

	provider, err := s.sessions.Open(ctx, account)
	if err != nil {
		return apperr.AuthFailure(account.ID, err)
	}
	st.provider = provider

	// 규칙은 실행 단위로 고정 - 실행 중 규칙 변경이 결과를 섞지 않도록
	rules, err := s.categorizer.RuleSet(ctx, account.ID)
	if err != nil {
		return apperr.PersistenceFailed("load category rules", err)
	}
	st.rules = rules

	rejected := ""
	if resolveMode(mode, account) == domain.SyncModeIncremental {
		st.run.Mode = domain.SyncModeIncremental
		err := s.syncIncremental(ctx, st)
		switch {
		case err == nil:
			return s.advanceCheckpoint(ctx, st, "")
		case !apperr.IsCode(err, apperr.CodeCheckpointInvalid):
			return err
		}
		logger.WithContext(ctx).WithError(err).
			Warn("[SyncService.Synchronize] checkpoint %s rejected, falling back to full sync", account.Checkpoint)
		st.fellBack = true
		rejected = account.Checkpoint
	}

	st.run.Mode = domain.SyncModeFull
	if err := s.syncFull(ctx, st); err != nil {
		return err
	}
	return s.advanceCheckpoint(ctx, st, rejected)
}

// resolveMode picks incremental only when there is a cursor to resume from.
func resolveMode(mode domain.SyncMode, account *domain.Account) domain.SyncMode {
	if mode == domain.SyncModeFull || !account.HasCheckpoint() {
		return domain.SyncModeFull
	}
	return domain.SyncModeIncremental
}

// advanceCheckpoint stores the provider's current cursor, read after all messages were handled.
func (s *SyncService) advanceCheckpoint(ctx context.Context, st *runState, rejected string) error {
	profile, err := st.provider.GetProfile(ctx)
	if err != nil {
		if out.IsAuthError(err) {
			return apperr.AuthFailure(st.account.ID, err)
		}
		return apperr.ProviderError("read profile", err)
	}

	now := s.now()
	var advanced bool
	if rejected != "" {
		advanced, err = s.accounts.ReplaceCheckpoint(ctx, st.account.ID, rejected, profile.Checkpoint, now)
	} else {
		advanced, err = s.accounts.AdvanceCheckpoint(ctx, st.account.ID, profile.Checkpoint, now)
	}
	if err != nil {
		return apperr.PersistenceFailed("store checkpoint", err)
	}
	logger.WithContext(ctx).Debug("[SyncService.advanceCheckpoint] checkpoint=%s advanced=%v", profile.Checkpoint, advanced)
	return nil
}

// =============================================================================
// Full / Incremental
// =============================================================================

// syncFull pages through everything newer than the lookback bound and ingests unseen ids page by page.
func (s *SyncService) syncFull(ctx context.Context, st *runState) error {
	since := s.now().AddDate(0, 0, -s.cfg.LookbackDays)
	opts := &out.ProviderListOptions{
		Query:      FullSyncQuery(since),
		MaxResults: s.cfg.PageSize,
	}

	for page := 1; ; page++ {
		result, err := st.provider.ListMessages(ctx, opts)
		if err != nil {
			if out.IsAuthError(err) {
				return apperr.AuthFailure(st.account.ID, err)
			}
			return apperr.ProviderError("list messages", err)
		}

		ids := dedupe(result.MessageIDs)
		fresh, err := s.filterStored(ctx, st.account.ID, ids)
		if err != nil {
			return err
		}
		logger.WithContext(ctx).Debug("[SyncService.syncFull] page=%d listed=%d new=%d", page, len(ids), len(fresh))

		if err := s.ingest(ctx, st, fresh); err != nil {
			return err
		}

		if result.NextPageToken == "" {
			return nil
		}
		opts.PageToken = result.NextPageToken
	}
}

// FullSyncQuery is the provider search for messages received after since.
func FullSyncQuery(since time.Time) string {
	return "after:" + since.UTC().Format("2006/01/02")
}

func (s *SyncService) syncIncremental(ctx context.Context, st *runState) error {
	checkpoint := st.account.Checkpoint
	if _, err := strconv.ParseUint(checkpoint, 10, 64); err != nil {
		return apperr.CheckpointMalformed(checkpoint)
	}

	history, err := st.provider.GetHistory(ctx, checkpoint)
	if err != nil {
		switch {
		case out.ProviderErrorCodeOf(err) == out.ProviderErrCheckpointInvalid:
			return apperr.CheckpointInvalid(checkpoint, err)
		case out.IsAuthError(err):
			return apperr.AuthFailure(st.account.ID, err)
		default:
			return apperr.ProviderError("read history", err)
		}
	}

	plan := planHistory(history.Changes)
	stored, err := s.storedSet(ctx, st.account.ID, plan.touched())
	if err != nil {
		return err
	}

	labelsApplied, err := s.applyLabelChanges(ctx, st.account.ID, plan, stored)
	if err != nil {
		return err
	}

	fresh := make([]string, 0, len(plan.added))
	for _, id := range plan.added {
		if !stored[id] {
			fresh = append(fresh, id)
		}
	}
	logger.WithContext(ctx).Info("[SyncService.syncIncremental] changes=%d added=%d new=%d labels_updated=%d deletions_ignored=%d",
		len(history.Changes), len(plan.added), len(fresh), labelsApplied, plan.deleted)

	return s.ingest(ctx, st, fresh)
}

func (s *SyncService) filterStored(ctx context.Context, accountID string, ids []string) ([]string, error) {
	stored, err := s.storedSet(ctx, accountID, ids)
	if err != nil {
		return nil, err
	}
	fresh := make([]string, 0, len(ids))
	for _, id := range ids {
		if !stored[id] {
			fresh = append(fresh, id)
		}
	}
	return fresh, nil
}

func (s *SyncService) storedSet(ctx context.Context, accountID string, ids []string) (map[string]bool, error) {
	if len(ids) == 0 {
		return map[string]bool{}, nil
	}
	stored, err := s.messages.ExistingIDs(ctx, accountID, ids)
	if err != nil {
		return nil, apperr.PersistenceFailed("lookup stored ids", err)
	}
	return stored, nil
}

// =============================================================================
// Chunked ingest
// =============================================================================

// ingest fetches ids in concurrent chunks with a pause in between, then persists each
// fetched message in id order. Per-message failures are logged and skipped.
func (s *SyncService) ingest(ctx context.Context, st *runState, ids []string) error {
	chunkSize := s.cfg.ChunkSize
	for start := 0; start < len(ids); start += chunkSize {
		if start > 0 && s.cfg.ChunkPause > 0 {
			select {
			case <-ctx.Done():
				return apperr.Timeout("sync run", ctx.Err())
			case <-time.After(s.cfg.ChunkPause):
			}
		}

		end := min(start+chunkSize, len(ids))
		fetched, err := s.fetchChunk(ctx, st, ids[start:end])
		if err != nil {
			return err
		}
		for _, msg := range fetched {
			if msg == nil {
				continue
			}
			if err := s.persist(ctx, st, msg); err != nil {
				return err
			}
			st.processed++
		}
	}
	return nil
}

func (s *SyncService) fetchChunk(ctx context.Context, st *runState, ids []string) ([]*domain.Message, error) {
	fetched := make([]*domain.Message, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		g.Go(func() error {
			msg, err := s.fetchMessage(gctx, st, id)
			if err == nil {
				fetched[i] = msg
				return nil
			}
			// 인증 실패는 나머지 메시지도 실패하므로 실행 전체를 중단
			if out.IsAuthError(err) {
				return apperr.AuthFailure(st.account.ID, err)
			}
			logger.WithContext(ctx).WithError(err).Warn("[SyncService.fetchChunk] skipping message %s", id)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, apperr.Timeout("sync run", err)
	}
	return fetched, nil
}

func (s *SyncService) fetchMessage(ctx context.Context, st *runState, id string) (*domain.Message, error) {
	raw, err := st.provider.GetFullMessage(ctx, id)
	if err != nil {
		if out.IsAuthError(err) {
			return nil, err
		}
		return nil, apperr.MessageFetchFailed(id, err)
	}

	var fetcher out.AttachmentFetcher = st.provider
	if !s.cfg.StoreBodies {
		fetcher = nil
	}
	msg, err := s.normalizer.Normalize(ctx, st.account.ID, raw, fetcher)
	if err != nil {
		return nil, err
	}
	if !s.cfg.StoreBodies {
		msg.StripBody()
	}
	msg.CategoryID = category.Match(st.rules, category.Input{
		From:    msg.FromEmail,
		Subject: msg.Subject,
		Labels:  msg.Labels,
	})
	return msg, nil
}

// persist inserts the message and, only when the row is new, folds it into the aggregates
// inside the same transaction.
func (s *SyncService) persist(ctx context.Context, st *runState, msg *domain.Message) error {
	err := metrics.Observe(metrics.OpPersistMessage, func() error {
		return s.store.WithTx(ctx, func(tx out.MirrorTx) error {
			inserted, err := tx.InsertMessageIfAbsent(ctx, msg)
			if err != nil || !inserted {
				return err
			}

			topicID, err := s.topics.Record(ctx, tx, msg.AccountID, msg.Subject)
			if err != nil {
				return err
			}
			if topicID != "" {
				if err := tx.AssignTopic(ctx, msg.AccountID, msg.ID, topicID); err != nil {
					return err
				}
				msg.TopicID = &topicID
			}
			return s.senders.Record(ctx, tx, msg.AccountID, msg.FromEmail, msg.FromName, msg.Timestamp)
		})
	})
	if err != nil {
		if apperr.IsCode(err, apperr.CodePersistenceFailed) {
			return err
		}
		return apperr.PersistenceFailed("persist message "+msg.ID, err)
	}
	return nil
}

// =============================================================================
// Audit & events
// =============================================================================

// finalize closes the run on a context detached from the run deadline.
func (s *SyncService) finalize(ctx context.Context, st *runState, runErr error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	completedAt := s.now()
	st.run.CompletedAt = &completedAt
	st.run.MessagesProcessed = st.processed
	if runErr != nil {
		msg := runErr.Error()
		st.run.Status = domain.SyncRunFailed
		st.run.Error = &msg
	} else {
		st.run.Status = domain.SyncRunCompleted
	}

	ok, err := s.runs.Finalize(fctx, st.run)
	switch {
	case err != nil:
		logger.WithContext(ctx).WithError(err).Error("[SyncService.finalize] could not close run")
	case !ok:
		logger.WithContext(ctx).Warn("[SyncService.finalize] run was already closed")
	}
}

func (s *SyncService) publish(ctx context.Context, st *runState, typ domain.SyncEventType, runErr error) {
	if s.events == nil {
		return
	}
	event := &domain.SyncEvent{
		Type:              typ,
		RunID:             st.run.ID,
		AccountID:         st.run.AccountID,
		Mode:              st.run.Mode,
		MessagesProcessed: st.processed,
		FellBack:          st.fellBack,
		OccurredAt:        s.now(),
	}
	if runErr != nil {
		event.Error = runErr.Error()
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	if err := s.events.PublishSyncEvent(pctx, event); err != nil {
		logger.WithContext(ctx).WithError(err).Warn("[SyncService.publish] %s not delivered", typ)
	}
}

// toSyncError makes every run failure an AppError with a sync cause code.
func toSyncError(err error) error {
	if apperr.IsAppError(err) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperr.Timeout("sync run", err)
	}
	return apperr.Wrap(err, apperr.CodeInternalError, fmt.Sprintf("sync run: %v", err))
}

// =============================================================================
// Startup reconciliation
// =============================================================================

// ReconcileStaleRuns fails runs a crashed process left in running state.
func (s *SyncService) ReconcileStaleRuns(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.cfg.StaleRunAfter)
	n, err := s.runs.FailStaleRunning(ctx, cutoff, staleRunReason)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.Warn("[SyncService.ReconcileStaleRuns] marked %d stale runs failed (started before %s)", n, cutoff.Format(time.RFC3339))
	}
	return n, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

var _ in.SyncUseCase = (*SyncService)(nil)
