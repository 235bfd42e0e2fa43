// Package server wires the sealkeeper runtime: storage backends, the archive
// manager, the rotation pass and the maintenance scheduler, plus the
// Prometheus endpoint.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dmitrijs2005/sealkeeper/internal/archive"
	"github.com/dmitrijs2005/sealkeeper/internal/blobstore"
	"github.com/dmitrijs2005/sealkeeper/internal/bundle"
	"github.com/dmitrijs2005/sealkeeper/internal/cryptox"
	"github.com/dmitrijs2005/sealkeeper/internal/dbx"
	"github.com/dmitrijs2005/sealkeeper/internal/logging"
	"github.com/dmitrijs2005/sealkeeper/internal/metrics"
	"github.com/dmitrijs2005/sealkeeper/internal/rotation"
	"github.com/dmitrijs2005/sealkeeper/internal/scheduler"
	"github.com/dmitrijs2005/sealkeeper/internal/server/config"
	"github.com/dmitrijs2005/sealkeeper/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/sealkeeper/internal/wrap"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const (
	TaskReaper      = "reap-stale-restores"
	TaskAutoArchive = "auto-archive"
	TaskAutoDelete  = "auto-delete-archives"
	TaskRotation    = "rotate-encryption"

	filesPrefix = "files"
)

type App struct {
	config    *config.Config
	logger    logging.Logger
	db        *sql.DB
	redis     *redis.Client
	keyring   *cryptox.Keyring
	archives  *archive.Manager
	rotation  *rotation.Pass
	scheduler *scheduler.Scheduler
}

// Components is what the runtime and the command-line tools share: the
// database, the keyring and the stores built on them.
type Components struct {
	DB         *sql.DB
	Keyring    *cryptox.Keyring
	Repos      *repomanager.PostgresRepositoryManager
	Transactor dbx.Transactor
	Blobs      blobstore.Store
	Files      *blobstore.EncryptedStore
}

// Open validates c, connects to the database, runs migrations and builds
// the blob stores.
func Open(ctx context.Context, c *config.Config) (*Components, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	kr, err := c.Keyring()
	if err != nil {
		return nil, fmt.Errorf("keyring: %w", err)
	}

	db, err := sql.Open("pgx", c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}

	repos := repomanager.NewPostgresRepositoryManager(kr)
	if err := repos.RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	blobs, err := NewBlobStore(ctx, c)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Components{
		DB:         db,
		Keyring:    kr,
		Repos:      repos,
		Transactor: dbx.NewSQLTransactor(db),
		Blobs:      blobs,
		Files:      blobstore.NewEncryptedStore(blobs, kr, c.CryptoOptions()...),
	}, nil
}

// NewBlobStore builds the configured raw blob backend.
func NewBlobStore(ctx context.Context, c *config.Config) (blobstore.Store, error) {
	switch c.BlobBackend {
	case "s3":
		s, err := blobstore.NewS3Store(ctx, c.S3())
		if err != nil {
			return nil, fmt.Errorf("s3 store: %w", err)
		}
		return s, nil
	case "fs":
		s, err := blobstore.NewFSStore(c.BlobRoot)
		if err != nil {
			return nil, fmt.Errorf("fs store: %w", err)
		}
		return s, nil
	case "memory":
		return blobstore.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown blob backend %q", c.BlobBackend)
	}
}

// NewRotationPass covers every encrypted column and the project file blobs.
func NewRotationPass(comp *Components, logger logging.Logger, decryptAll bool) *rotation.Pass {
	return &rotation.Pass{
		Transactor: comp.Transactor,
		Repos:      comp.Repos,
		Keyring:    comp.Keyring,
		Columns:    rotation.DefaultColumns(),
		Blobs: []rotation.BlobSet{{
			Store:  comp.Files,
			Prefix: filesPrefix,
			Refs:   rotation.DefaultFileRefs(),
		}},
		DecryptAll: decryptAll,
		Logger:     logger,
	}
}

// NewArchiveManager builds the archive manager over comp. Bundles go to the
// raw store since they carry their own per-archive key.
func NewArchiveManager(comp *Components, c *config.Config, logger logging.Logger) *archive.Manager {
	return archive.NewManager(archive.Options{
		Transactor: comp.Transactor,
		Repos:      comp.Repos,
		Bundles:    comp.Blobs,
		Files:      comp.Files,
		Codec:      bundle.NewTarBundle(comp.Files),
		Wrapper:    wrap.NewMulti(),
		Policy:     &archive.MembersAndArchivers{Repos: comp.Repos, IncludeMembers: c.MembersCanArchive},
		Logger:     logger,
		Threshold:  c.ArchivingThreshold,
		ChunkSize:  c.ChunkSize,
		Algorithm:  c.Algorithm,
	})
}

func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	logger, err := logging.New(c.LogFormat, os.Stdout)
	if err != nil {
		return nil, err
	}

	comp, err := Open(ctx, c)
	if err != nil {
		return nil, err
	}

	m := NewArchiveManager(comp, c, logger.With("component", "archive"))

	app := &App{
		config:   c,
		logger:   logger,
		db:       comp.DB,
		keyring:  comp.Keyring,
		archives: m,
		rotation: NewRotationPass(comp, logger.With("component", "rotation"), false),
	}

	var locker scheduler.Locker = scheduler.NewLocalLocker()
	if c.RedisAddr != "" {
		app.redis = redis.NewClient(&redis.Options{Addr: c.RedisAddr})
		locker = scheduler.NewRedisLocker(app.redis, "sealkeeper:lock:")
	}
	app.scheduler = scheduler.New(scheduler.Options{
		Locker: locker,
		Logger: logger.With("component", "scheduler"),
	})

	var rotator Rotator
	if app.keyring.Default() != nil {
		rotator = app.rotation
	} else if c.RotationInterval > 0 {
		logger.Warn(ctx, "rotation interval set but no default encryption key configured, rotation disabled")
	}

	for _, t := range Tasks(c, m, rotator, logger) {
		if err := app.scheduler.Register(t); err != nil {
			app.close()
			return nil, err
		}
	}

	return app, nil
}

// Maintainer is the periodic part of archive.Manager.
type Maintainer interface {
	ReapStalePartialRestores(ctx context.Context, timeout time.Duration) (int, error)
	AutoArchiveIdleProjects(ctx context.Context, after time.Duration) (int, error)
	DeleteExpiredArchives(ctx context.Context, after time.Duration) (int, error)
}

type Rotator interface {
	Run(ctx context.Context) (rotation.Report, error)
}

// Tasks returns the scheduler tasks enabled by c. A nil rotator disables
// the rotation task.
func Tasks(c *config.Config, m Maintainer, r Rotator, logger logging.Logger) []scheduler.Task {
	tasks := []scheduler.Task{{
		ID:       TaskReaper,
		Interval: c.ReaperInterval,
		Run: func(ctx context.Context) error {
			n, err := m.ReapStalePartialRestores(ctx, c.StaleRestoreTimeout)
			if n > 0 {
				logger.Info(ctx, "stale partial restores reset", "key_parts", n)
			}
			return err
		},
	}}

	if c.AutoArchiveAfter > 0 {
		tasks = append(tasks, scheduler.Task{
			ID:       TaskAutoArchive,
			Interval: c.ReaperInterval,
			Run: func(ctx context.Context) error {
				_, err := m.AutoArchiveIdleProjects(ctx, c.AutoArchiveAfter)
				return err
			},
		})
	}
	if c.AutoDeleteArchiveAfter > 0 {
		tasks = append(tasks, scheduler.Task{
			ID:       TaskAutoDelete,
			Interval: c.ReaperInterval,
			Run: func(ctx context.Context) error {
				_, err := m.DeleteExpiredArchives(ctx, c.AutoDeleteArchiveAfter)
				return err
			},
		})
	}
	if c.RotationInterval > 0 && r != nil {
		tasks = append(tasks, scheduler.Task{
			ID:       TaskRotation,
			Interval: c.RotationInterval,
			Run: func(ctx context.Context) error {
				_, err := r.Run(ctx)
				return err
			},
		})
	}
	return tasks
}

// Run serves until SIGINT/SIGTERM or ctx cancellation.
func (app *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()
	defer app.close()

	app.logger.Info(ctx, "Starting app...", "tasks", app.scheduler.Tasks())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.scheduler.Run(ctx)
	})
	if app.config.MetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(ctx, app.config.MetricsAddr)
		})
	}

	err := g.Wait()
	app.logger.Info(context.Background(), "app stopped")
	return err
}

// NewOpsRouter serves /metrics and a /healthz liveness check.
func NewOpsRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

func serveMetrics(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: NewOpsRouter(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func (app *App) close() {
	if app.redis != nil {
		_ = app.redis.Close()
	}
	if app.db != nil {
		_ = app.db.Close()
	}
	if z, ok := app.logger.(*logging.ZapLogger); ok {
		_ = z.Sync()
	}
}
