// Package app wires the collection store, the engines around it and the
// admin API into one process lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"posadmin/backend/internal/aggregate"
	"posadmin/backend/internal/backup"
	"posadmin/backend/internal/cache"
	"posadmin/backend/internal/config"
	"posadmin/backend/internal/domain"
	"posadmin/backend/internal/httpapi"
	"posadmin/backend/internal/integrity"
	"posadmin/backend/internal/migrate"
	"posadmin/backend/internal/service"
	"posadmin/backend/internal/store"
	badgerstore "posadmin/backend/internal/store/badger"
	"posadmin/backend/internal/store/memory"
	pgstore "posadmin/backend/internal/store/postgres"
	redisstore "posadmin/backend/internal/store/redis"
)

type Options struct {
	Config config.Config
	File   config.File
	// Substrate overrides the backend named in Config.
	Substrate store.Substrate
	// Sinks adds replication targets per location type. External locations
	// default to a file sink rooted at Config.BackupExportDir.
	Sinks  map[domain.LocationType]backup.Sink
	Logger *slog.Logger
	Now    func() time.Time
}

type App struct {
	DB        *store.DB
	Service   *service.Service
	Backups   *backup.Engine
	Integrity *integrity.Validator
	Auth      *httpapi.AuthManager
	API       *httpapi.API

	cfg     config.Config
	log     *slog.Logger
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closing sync.Once
}

// OpenSubstrate connects to the backend selected by cfg.Substrate.
func OpenSubstrate(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Substrate, error) {
	switch cfg.Substrate {
	case config.SubstrateMemory, "":
		return memory.NewSeeded(cfg.SubstrateCapacityBytes)
	case config.SubstrateRedis:
		rs := redisstore.New(redisstore.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err := rs.Ping(ctx); err != nil {
			rs.Close()
			return nil, fmt.Errorf("redis unavailable: %w", err)
		}
		return rs, nil
	case config.SubstratePostgres:
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres unavailable: %w", err)
		}
		return pg, nil
	case config.SubstrateBadger:
		return badgerstore.Open(badgerstore.Config{
			Path:           cfg.BadgerPath,
			Logger:         logger,
			GCInterval:     10 * time.Minute,
			GCDiscardRatio: 0.5,
		})
	default:
		return nil, fmt.Errorf("unknown substrate %q", cfg.Substrate)
	}
}

// New opens the store, migrates it, seeds configured users and locations and
// takes the startup backup. A failed startup backup is logged, not fatal.
func New(ctx context.Context, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Config
	if opts.File.Retention == (domain.RetentionPolicy{}) {
		opts.File.Retention = config.DefaultRetention()
	}

	kv := opts.Substrate
	if kv == nil {
		var err error
		if kv, err = OpenSubstrate(ctx, cfg, logger); err != nil {
			return nil, err
		}
	}

	size := cfg.CacheSize
	if size < 1 {
		size = cache.DefaultLRUSize
	}
	lru, err := cache.NewLRUCollectionCache(size)
	if err != nil {
		kv.Close()
		return nil, fmt.Errorf("collection cache: %w", err)
	}
	db := store.Open(kv, store.Options{
		Cache:    lru,
		Capacity: cfg.SubstrateCapacityBytes,
		Logger:   logger,
		Now:      opts.Now,
	})

	sinks := map[domain.LocationType]backup.Sink{
		domain.LocationExternal: backup.FileSink{Dir: cfg.BackupExportDir},
	}
	for t, s := range opts.Sinks {
		sinks[t] = s
	}

	totals := aggregate.New(db, logger)
	validator := integrity.New(db, logger)
	backups := backup.New(db, backup.Options{Logger: logger, Sinks: sinks})

	a := &App{
		DB:        db,
		Backups:   backups,
		Integrity: validator,
		cfg:       cfg,
		log:       logger.With("component", "app"),
	}

	version, err := migrate.New(db, totals, logger).CheckVersion(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("check schema version: %w", err)
	}
	a.log.Info("schema ready", "version", version, "substrate", cfg.Substrate)

	if err := seedLocations(ctx, backups, opts.File.Locations); err != nil {
		db.Close()
		return nil, err
	}

	a.Service = service.New(service.Deps{
		DB:        db,
		Totals:    totals,
		Validator: validator,
		Backups:   backups,
		Retention: opts.File.Retention,
		Logger:    logger,
	})
	a.Auth = httpapi.NewAuthManager(ctx, cfg.AuthSecret, cfg.TokenTTL(), httpapi.NewDBUserStore(db))
	if err := a.Auth.Seed(ctx, opts.File.Users); err != nil {
		db.Close()
		return nil, fmt.Errorf("seed users: %w", err)
	}
	a.API = httpapi.New(a.Service, a.Auth, cfg.AllowedOrigin, logger)

	if meta, err := backups.CreateStartupBackup(ctx); err != nil {
		a.log.Warn("startup backup failed", "error", err)
	} else {
		a.log.Info("startup backup created", "id", meta.ID, "size", meta.Size)
	}
	return a, nil
}

// seedLocations adds configured locations whose id is not registered yet.
func seedLocations(ctx context.Context, backups *backup.Engine, locs []domain.BackupLocation) error {
	if len(locs) == 0 {
		return nil
	}
	existing, err := backups.Locations(ctx)
	if err != nil {
		return fmt.Errorf("read backup locations: %w", err)
	}
	for _, loc := range locs {
		if loc.ID != "" && slices.ContainsFunc(existing, func(l domain.BackupLocation) bool { return l.ID == loc.ID }) {
			continue
		}
		if _, err := backups.AddLocation(ctx, loc); err != nil {
			return fmt.Errorf("seed backup location %q: %w", loc.Name, err)
		}
	}
	return nil
}

func (a *App) Handler() http.Handler {
	return a.API.Handler()
}

// Start launches the auto-backup scheduler and the periodic relation check.
// Both stop when ctx is cancelled or Close is called.
func (a *App) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.Backups.RunScheduler(runCtx, a.cfg.BackupCheckInterval)
	}()
	go func() {
		defer a.wg.Done()
		a.Integrity.Run(runCtx, 0)
	}()
}

// Close stops background work, takes the shutdown backup under the configured
// deadline and closes the substrate. It is safe to call more than once.
func (a *App) Close(ctx context.Context) error {
	var err error
	a.closing.Do(func() {
		if a.cancel != nil {
			a.cancel()
		}
		a.wg.Wait()

		timeout := a.cfg.ShutdownBackupTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		backupCtx, cancel := context.WithTimeout(ctx, timeout)
		meta, berr := a.Backups.CreateShutdownBackup(backupCtx)
		cancel()
		switch {
		case errors.Is(berr, context.DeadlineExceeded):
			a.log.Warn("shutdown backup interrupted, last committed state is the recovery point", "timeout", timeout)
		case berr != nil:
			a.log.Error("shutdown backup failed", "error", berr)
		default:
			a.log.Info("shutdown backup created", "id", meta.ID)
		}

		err = a.DB.Close()
	})
	return err
}
