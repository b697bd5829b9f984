// Package app wires configuration into running components. It is shared by
// the server and the admin CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	cachememory "github.com/prn-tf/alexander-uploads/internal/cache/memory"
	cacheredis "github.com/prn-tf/alexander-uploads/internal/cache/redis"
	"github.com/prn-tf/alexander-uploads/internal/config"
	"github.com/prn-tf/alexander-uploads/internal/events"
	"github.com/prn-tf/alexander-uploads/internal/handler"
	"github.com/prn-tf/alexander-uploads/internal/lock"
	"github.com/prn-tf/alexander-uploads/internal/metrics"
	"github.com/prn-tf/alexander-uploads/internal/repository"
	"github.com/prn-tf/alexander-uploads/internal/repository/postgres"
	"github.com/prn-tf/alexander-uploads/internal/repository/sqlite"
	"github.com/prn-tf/alexander-uploads/internal/service"
	"github.com/prn-tf/alexander-uploads/internal/storage"
	"github.com/prn-tf/alexander-uploads/internal/storage/memory"
	s3gateway "github.com/prn-tf/alexander-uploads/internal/storage/s3"
)

// dedupCacheTTL bounds how long a positive dedup lookup is cached.
const dedupCacheTTL = 10 * time.Minute

// App holds the wired components.
type App struct {
	Config   *config.Config
	DB       repository.DatabaseHealth
	Migrator repository.Migrator
	Repos    *repository.Repositories
	Gateway  storage.Gateway
	Uploads  *service.UploadService
	Sweeper  *service.ExpirySweeper
	Registry *prometheus.Registry

	logger  zerolog.Logger
	closers []func() error
}

// Database opens the configured database without wiring anything else.
func Database(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (repository.DatabaseHealth, repository.Migrator, *repository.Repositories, error) {
	switch cfg.Driver {
	case "sqlite":
		db, err := sqlite.NewDB(ctx, sqlite.ConfigFrom(cfg), logger)
		if err != nil {
			return nil, nil, nil, err
		}
		return db, db, db.Repositories(), nil
	case "postgres":
		db, err := postgres.NewDB(ctx, cfg, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		return db, db, db.Repositories(), nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// New builds every component from cfg. Call Close when done.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (_ *App, err error) {
	a := &App{Config: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.DB, a.Migrator, a.Repos, err = Database(ctx, cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	a.closers = append(a.closers, a.DB.Close)

	if err := a.Migrator.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	var (
		locker lock.Locker
		cache  repository.Cache
	)
	if cfg.Redis.Enabled {
		client, err := cacheredis.NewClient(ctx, cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)

		locker = lock.NewRedisLocker(cacheredis.NewDistributedLock(client))
		cache = cacheredis.NewCache(client)
		// Redis replaces the database guard so replicas share one count.
		a.Repos.Guard = cacheredis.NewConcurrencyGuard(client)
		logger.Info().Str("addr", cfg.Redis.Addr()).Msg("using redis for locks, guard and dedup cache")
	} else {
		memLocker := lock.NewMemoryLocker()
		memCache := cachememory.NewCache(time.Minute)
		a.closers = append(a.closers,
			func() error { memLocker.Stop(); return nil },
			func() error { memCache.Stop(); return nil },
		)
		locker, cache = memLocker, memCache
	}

	a.Gateway, err = newGateway(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}

	cleaner, err := storage.NewCleaner(a.Gateway, cfg.Storage.CleanupWorkers, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { return cleaner.Close(10 * time.Second) })

	publisher, err := newPublisher(ctx, cfg.Events, logger)
	if err != nil {
		return nil, err
	}

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(a.Registry)

	uploadCfg := service.DefaultUploadConfig()
	uploadCfg.Bucket = cfg.Storage.Bucket
	uploadCfg.PartPrefix = cfg.Storage.PartPrefix
	uploadCfg.TaskTTL = cfg.Upload.TaskTTL
	uploadCfg.PartURLTTL = cfg.Upload.PartURLTTL
	uploadCfg.DownloadURLTTL = cfg.Upload.DownloadURLTTL
	uploadCfg.LockTTL = cfg.Upload.LockTTL

	a.Uploads = service.NewUploadService(
		a.Repos,
		service.NewDedupIndex(a.Repos.Files, cache, a.Gateway, dedupCacheTTL, logger),
		a.Gateway,
		cleaner,
		locker,
		service.NewStaticPolicySource(cfg.Upload),
		publisher,
		m,
		logger,
		uploadCfg,
	)

	a.Sweeper = service.NewExpirySweeper(a.Uploads, locker, m, logger, service.SweeperConfig{
		Interval:  cfg.Sweeper.Interval,
		BatchSize: cfg.Sweeper.BatchSize,
		Retention: cfg.Sweeper.Retention,
		DryRun:    cfg.Sweeper.DryRun,
	})

	return a, nil
}

// Handler builds the HTTP API.
func (a *App) Handler() (http.Handler, error) {
	identity, err := handler.NewIdentityResolver(a.Config.Identity)
	if err != nil {
		return nil, err
	}

	return handler.NewRouter(handler.RouterConfig{
		Uploads:     handler.NewUploadHandler(a.Uploads, a.Config.Upload.MaxChunks, a.logger),
		Identity:    identity,
		Health:      func(r *http.Request) error { return a.DB.Health(r.Context()) },
		MaxBodySize: a.Config.Server.MaxBodySize,
		Logger:      a.logger,
	}), nil
}

// Close releases resources in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func newGateway(ctx context.Context, cfg config.StorageConfig, logger zerolog.Logger) (storage.Gateway, error) {
	switch cfg.Backend {
	case "s3":
		client, err := s3gateway.NewClient(ctx, cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("failed to create s3 client: %w", err)
		}
		return s3gateway.NewGateway(client, logger), nil
	case "memory":
		logger.Warn().Msg("using in-memory object storage, data is lost on restart")
		return memory.NewGateway(""), nil
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Backend)
	}
}

func newPublisher(ctx context.Context, cfg config.EventsConfig, logger zerolog.Logger) (events.Publisher, error) {
	if !cfg.Enabled {
		return events.NewLogPublisher(logger), nil
	}
	client, err := events.NewSQSClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create sqs client: %w", err)
	}
	return events.NewSQSPublisher(client, cfg.QueueURL), nil
}
