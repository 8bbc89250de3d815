// Package bootstrap wires configuration into adapters and services.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	cacheadapter "mirror_server/adapter/out/cache"
	"mirror_server/adapter/out/messaging"
	"mirror_server/adapter/out/persistence"
	"mirror_server/adapter/out/provider"
	"mirror_server/config"
	"mirror_server/core/port/out"
	"mirror_server/core/service/category"
	"mirror_server/core/service/mirror"
	"mirror_server/infra/database"
	"mirror_server/pkg/cache"
	"mirror_server/pkg/crypto"
	"mirror_server/pkg/logger"
	"mirror_server/pkg/metrics"
	"mirror_server/pkg/ratelimit"
)

// Dependencies holds every long-lived component of the process.
type Dependencies struct {
	Config *config.Config
	DB     *sqlx.DB
	Redis  *redis.Client // nil when REDIS_URL is unset

	// Repositories
	Accounts   *persistence.AccountAdapter
	Messages   *persistence.MessageAdapter
	Categories *persistence.CategoryAdapter
	Runs       *persistence.SyncRunAdapter
	Store      *persistence.MirrorStore

	// Provider
	Encryptor *crypto.Encryptor
	Gmail     *provider.GmailSessionFactory

	// Messaging
	Events   out.SyncEventPublisher
	Producer *messaging.RedisProducer // nil without Redis

	// Services
	SyncService     *mirror.SyncService
	CategoryService *category.Service
}

// NewDependencies opens every backing service. The returned cleanup closes them in reverse order.
func NewDependencies(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	deps := &Dependencies{Config: cfg}
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	// Database
	sqlCfg := database.DefaultSQLConfig(cfg.DBDriver, cfg.DatabaseURL)
	if cfg.DBDriver != database.DriverSQLite && cfg.DBMaxConns > 0 {
		sqlCfg.MaxOpenConns = cfg.DBMaxConns
	}
	db, err := database.OpenSQL(sqlCfg)
	if err != nil {
		return fail(fmt.Errorf("open database: %w", err))
	}
	deps.DB = db
	metrics.RegisterPool(cfg.DBDriver, db.DB)
	cleanups = append(cleanups, func() { db.Close() })

	if err := persistence.Migrate(ctx, db); err != nil {
		return fail(fmt.Errorf("migrate: %w", err))
	}
	logger.Info("[Bootstrap] database ready (driver=%s)", cfg.DBDriver)

	// Redis (optional)
	if cfg.RedisURL != "" {
		client, err := database.NewRedis(cfg.RedisURL)
		if err != nil {
			logger.WithError(err).Warn("[Bootstrap] redis unavailable, continuing without it")
		} else {
			deps.Redis = client
			cleanups = append(cleanups, func() { client.Close() })
		}
	}

	// Repositories
	deps.Accounts = persistence.NewAccountAdapter(db)
	deps.Messages = persistence.NewMessageAdapter(db)
	deps.Categories = persistence.NewCategoryAdapter(db)
	deps.Runs = persistence.NewSyncRunAdapter(db)
	deps.Store = persistence.NewMirrorStore(db)

	// Credentials
	enc, err := crypto.NewEncryptor([]byte(cfg.EncryptionKey))
	if err != nil {
		return fail(fmt.Errorf("ENCRYPTION_KEY: %w", err))
	}
	deps.Encryptor = enc

	// Gmail
	limiter := ratelimit.NewLimiter(deps.Redis, ratelimit.Config{
		RequestsPerSecond: cfg.GmailRequestsPerSecond,
		BurstSize:         cfg.GmailBurst,
	})
	deps.Gmail = provider.NewGmailSessionFactory(provider.GmailConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
		FetchFormat:  cfg.GmailFetchFormat,
	}, deps.Accounts, enc, limiter)

	// Events
	if deps.Redis != nil {
		deps.Producer = messaging.NewRedisProducer(deps.Redis)
	}
	events, closeEvents, err := newEventPublisher(cfg, deps.Producer)
	if err != nil {
		return fail(err)
	}
	deps.Events = events
	if closeEvents != nil {
		cleanups = append(cleanups, closeEvents)
	}

	// Categorization
	ruleStore := cache.New(deps.Redis, cache.Config{Prefix: "mirror:cache:"})
	cleanups = append(cleanups, ruleStore.Close)
	categorizer := category.NewCategorizer(deps.Categories, cacheadapter.NewRuleCache(ruleStore), cfg.RuleCacheTTL)

	var defaults []category.DefaultCategory
	if cfg.CategoryDefaultsFile != "" {
		defaults, err = category.LoadDefaults(cfg.CategoryDefaultsFile)
		if err != nil {
			return fail(fmt.Errorf("load category defaults: %w", err))
		}
	}
	deps.CategoryService = category.NewService(categorizer, deps.Messages, deps.Categories, defaults, cfg.RecategorizeWorkers)

	// Sync
	deps.SyncService = mirror.NewSyncService(mirror.Deps{
		Accounts:    deps.Accounts,
		Messages:    deps.Messages,
		Runs:        deps.Runs,
		Store:       deps.Store,
		Sessions:    deps.Gmail,
		Events:      deps.Events,
		Categorizer: categorizer,
	}, syncConfig(cfg))

	return deps, cleanup, nil
}

// newEventPublisher picks the EVENTS_BACKEND implementation.
func newEventPublisher(cfg *config.Config, producer *messaging.RedisProducer) (out.SyncEventPublisher, func(), error) {
	switch cfg.EventsBackend {
	case "redis":
		if producer == nil {
			logger.Warn("[Bootstrap] EVENTS_BACKEND=redis without a reachable redis, events disabled")
			return messaging.NoopPublisher{}, nil, nil
		}
		return producer, nil, nil
	case "nats":
		if cfg.NATSURL == "" {
			return nil, nil, fmt.Errorf("EVENTS_BACKEND=nats requires NATS_URL")
		}
		pub, err := messaging.NewNATSPublisher(cfg.NATSURL)
		if err != nil {
			return nil, nil, err
		}
		return pub, pub.Close, nil
	default:
		return messaging.NoopPublisher{}, nil, nil
	}
}

func syncConfig(cfg *config.Config) mirror.Config {
	return mirror.Config{
		LookbackDays:  cfg.SyncLookbackDays,
		ChunkSize:     cfg.SyncChunkSize,
		ChunkPause:    cfg.SyncChunkPause,
		PageSize:      cfg.SyncPageSize,
		RunTimeout:    cfg.SyncRunTimeout,
		StaleRunAfter: cfg.SyncStaleRunAfter,
		StoreBodies:   cfg.SyncStoreBodies,
	}
}
