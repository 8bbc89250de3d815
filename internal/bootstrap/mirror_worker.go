package bootstrap

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mirror_server/adapter/in/worker"
	"mirror_server/adapter/out/messaging"
	"mirror_server/config"
	"mirror_server/pkg/logger"
	"mirror_server/pkg/metrics"
)

const consumerGroup = "mirror-workers"

// Worker runs startup reconciliation, the per-account scheduler and the
// manual trigger consumer.
type Worker struct {
	deps      *Dependencies
	scheduler *worker.Scheduler
	consumer  *messaging.Consumer
	zlog      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWorker(ctx context.Context, cfg *config.Config) (*Worker, func(), error) {
	deps, cleanup, err := NewDependencies(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	zlog := logger.Component("worker")
	runCtx, cancel := context.WithCancel(context.Background())

	w := &Worker{
		deps: deps,
		scheduler: worker.NewScheduler(deps.SyncService, deps.Accounts, worker.SchedulerConfig{
			Interval:     cfg.SyncInterval,
			InitialDelay: 5 * time.Second,
		}, logger.Component("scheduler")),
		zlog:   zlog,
		ctx:    runCtx,
		cancel: cancel,
	}

	if deps.Redis != nil {
		w.consumer = messaging.NewConsumer(deps.Redis, messaging.ConsumerConfig{
			Group:    consumerGroup,
			Consumer: cfg.WorkerID,
			Streams:  []string{messaging.StreamSyncRequests},
			Handler:  worker.NewTriggerHandler(deps.SyncService, logger.Component("trigger")),
			Logger:   logger.Component("consumer"),
			// 동기화 한 번이 run timeout까지 걸릴 수 있음
			PendingIdleTime: cfg.SyncRunTimeout + time.Minute,
		})
	} else {
		logger.Warn("[Worker] redis not available, manual triggers disabled")
	}

	return w, cleanup, nil
}

// Start blocks until Stop is called.
func (w *Worker) Start() {
	cfg := w.deps.Config

	reconciled, err := w.deps.SyncService.ReconcileStaleRuns(w.ctx)
	if err != nil {
		w.zlog.Error().Err(err).Msg("stale run reconciliation failed")
	} else if reconciled > 0 {
		w.zlog.Warn().Int64("runs", reconciled).Msg("marked interrupted runs as failed")
	}

	if cfg.SchedulerEnabled {
		n, err := w.scheduler.StartAll(w.ctx, cfg.SchedulerAccounts)
		if err != nil {
			w.zlog.Error().Err(err).Msg("failed to start scheduler")
		} else {
			w.zlog.Info().Int("accounts", n).Dur("interval", cfg.SyncInterval).Msg("scheduler started")
		}
	}

	if w.consumer != nil {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			if err := w.consumer.Run(w.ctx); err != nil && w.ctx.Err() == nil {
				w.zlog.Error().Err(err).Msg("consumer stopped")
			}
		}()
	}

	<-w.ctx.Done()
	w.wg.Wait()
}

// Stop cancels in-flight runs and waits for the scheduler to drain.
func (w *Worker) Stop() {
	w.cancel()
	w.scheduler.StopAll()
	w.wg.Wait()

	for name, stats := range metrics.GetAllPoolStats() {
		w.zlog.Info().Str("pool", name).Fields(stats.ToMap()).Msg("db pool stats")
	}
	for op, stats := range metrics.GetAllLatencyStats() {
		w.zlog.Info().Str("op", op).Fields(stats.ToMap()).Msg("latency")
	}
	w.zlog.Info().Str("breaker", w.deps.Gmail.BreakerState()).Msg("worker stopped")
}

// Dependencies exposes the wired components to one-shot commands.
func (w *Worker) Dependencies() *Dependencies {
	return w.deps
}
