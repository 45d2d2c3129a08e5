package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mailprobe/mailprobe/config"
	"github.com/mailprobe/mailprobe/internal/database"
	"github.com/mailprobe/mailprobe/internal/domain"
	httpHandler "github.com/mailprobe/mailprobe/internal/http"
	"github.com/mailprobe/mailprobe/internal/repository"
	"github.com/mailprobe/mailprobe/internal/service"
	"github.com/mailprobe/mailprobe/pkg/logger"
	"github.com/mailprobe/mailprobe/pkg/prober"
)

// App assembles the verification service: database, repositories, queue,
// greylist store, controller, recovery and the HTTP surface. Initialize wires
// everything; Start runs recovery, opens the queue, launches the background
// loops and serves HTTP.
type App struct {
	config *config.Config
	logger logger.Logger
	db     *sql.DB

	// Repositories
	queueRepo    domain.QueueRepository
	resultsRepo  domain.ResultsRepository
	archiveRepo  domain.ArchiveRepository
	greylistRepo domain.GreylistRepository
	slotRepo     domain.WorkerSlotRepository

	// Services
	queue               *service.Queue
	greylistStore       *service.GreylistStore
	controller          *service.Controller
	recovery            *service.RecoveryService
	webhookSender       *service.WebhookSender
	verificationService *service.VerificationService

	mux    *http.ServeMux
	server *http.Server

	backgroundCancel context.CancelFunc
	backgroundGroup  *errgroup.Group
	startOnce        sync.Once
}

// AppOption defines a functional option for configuring the App
type AppOption func(*App)

// WithMockDB configures the app to use a mock database
func WithMockDB(db *sql.DB) AppOption {
	return func(a *App) {
		a.db = db
	}
}

// WithLogger sets a custom logger
func WithLogger(logger logger.Logger) AppOption {
	return func(a *App) {
		a.logger = logger
	}
}

// NewApp creates a new application instance
func NewApp(cfg *config.Config, opts ...AppOption) *App {
	app := &App{
		config: cfg,
		logger: logger.NewLogger(cfg.LogLevel),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(app)
	}
	return app
}

// Initialize wires all components. It does not touch the durable state; that
// happens in Start via recovery.
func (a *App) Initialize() error {
	if err := a.InitDB(); err != nil {
		return err
	}
	a.InitRepositories()
	if err := a.InitServices(); err != nil {
		return err
	}
	a.InitHandlers()
	return nil
}

// InitDB opens the connection pool and creates missing tables.
func (a *App) InitDB() error {
	if a.db == nil {
		db, err := sql.Open("postgres", database.ConnectionString(&a.config.Database))
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		a.db = db
	}

	if err := database.InitializeDatabase(a.db); err != nil {
		return fmt.Errorf("failed to initialize database schema: %w", err)
	}

	a.logger.WithFields(map[string]interface{}{
		"host":   a.config.Database.Host,
		"dbname": a.config.Database.DBName,
	}).Info("Database ready")
	return nil
}

// InitRepositories creates the PostgreSQL repositories.
func (a *App) InitRepositories() {
	a.queueRepo = repository.NewQueueRepository(a.db)
	a.resultsRepo = repository.NewResultsRepository(a.db)
	a.archiveRepo = repository.NewArchiveRepository(a.db)
	a.greylistRepo = repository.NewGreylistRepository(a.db)
	a.slotRepo = repository.NewWorkerSlotRepository(a.db)
}

// InitServices creates the queue, greylist store, prober, controller,
// recovery service and the request-facing facade.
func (a *App) InitServices() error {
	webhookSender, err := service.NewWebhookSender(&a.config.Webhook, a.logger)
	if err != nil {
		return err
	}
	a.webhookSender = webhookSender

	a.queue = service.NewQueue(a.queueRepo, a.logger)
	a.greylistStore = service.NewGreylistStore(a.greylistRepo, &a.config.Greylist, a.logger)

	probe := prober.New(prober.Config{
		HelloHostname:    a.config.Verifier.HelloHostname,
		FromAddress:      a.config.Verifier.FromAddress,
		ConnectTimeout:   a.config.Verifier.ConnectTimeout,
		OperationTimeout: a.config.Verifier.OperationTimeout,
		CheckCatchAll:    a.config.Verifier.CheckCatchAll,
		CheckGravatar:    a.config.Verifier.CheckGravatar,
	}, a.logger)

	a.controller = service.NewController(
		a.config,
		a.queue,
		a.greylistStore,
		probe,
		a.resultsRepo,
		a.archiveRepo,
		a.slotRepo,
		a.webhookSender,
		a.logger,
	)

	a.recovery = service.NewRecoveryService(
		a.config,
		a.queueRepo,
		a.resultsRepo,
		a.archiveRepo,
		a.greylistRepo,
		a.slotRepo,
		a.greylistStore,
		a.webhookSender,
		a.logger,
	)

	a.verificationService = service.NewVerificationService(a.queue, a.greylistStore, a.resultsRepo, a.logger)
	return nil
}

// InitHandlers registers the HTTP routes.
func (a *App) InitHandlers() {
	handler := httpHandler.NewVerificationHandler(a.verificationService, a.logger)
	handler.RegisterRoutes(a.mux)

	rootHandler := httpHandler.NewRootHandler(a.config, a.logger)
	rootHandler.RegisterRoutes(a.mux)
}

// Start runs recovery, opens the queue, launches the controller and the
// greylist tick, then serves HTTP until the listener fails or Shutdown runs.
func (a *App) Start() error {
	var startErr error
	a.startOnce.Do(func() { startErr = a.startBackground() })
	if startErr != nil {
		return startErr
	}

	addr := fmt.Sprintf("%s:%d", a.config.Server.Host, a.config.Server.Port)
	a.server = &http.Server{
		Addr:    addr,
		Handler: a.mux,
	}
	a.logger.WithField("address", addr).Info("Server starting")
	return a.server.ListenAndServe()
}

func (a *App) startBackground() error {
	ctx, cancel := context.WithCancel(context.Background())
	a.backgroundCancel = cancel

	// Recovery must finish before the queue opens; requests added through
	// the API block on the ready gate until then.
	archives, _, err := a.recovery.Run(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("startup recovery failed: %w", err)
	}
	a.controller.RestoreArchives(archives)

	if err := a.queue.Open(ctx); err != nil {
		cancel()
		return fmt.Errorf("failed to open queue: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	a.backgroundGroup = g
	g.Go(func() error { return a.controller.Run(ctx) })
	g.Go(func() error { return a.greylistStore.Run(ctx) })
	return nil
}

// Shutdown stops the HTTP server, the background loops and the database pool.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("Starting graceful shutdown")

	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.WithField("error", err.Error()).Warn("HTTP server shutdown failed")
		}
	}

	if a.backgroundCancel != nil {
		a.backgroundCancel()
	}
	if a.backgroundGroup != nil {
		done := make(chan error, 1)
		go func() { done <- a.backgroundGroup.Wait() }()
		select {
		case <-done:
		case <-ctx.Done():
			a.logger.Warn("Background loops did not stop before the deadline")
		}
	}

	if a.db != nil {
		if err := a.db.Close(); err != nil {
			return fmt.Errorf("failed to close database: %w", err)
		}
	}

	a.logger.Info("Shutdown complete")
	return nil
}

// GetConfig returns the app configuration.
func (a *App) GetConfig() *config.Config {
	return a.config
}

// GetLogger returns the app logger.
func (a *App) GetLogger() logger.Logger {
	return a.logger
}

// GetMux returns the HTTP mux, for tests.
func (a *App) GetMux() *http.ServeMux {
	return a.mux
}

// GetDB returns the database handle.
func (a *App) GetDB() *sql.DB {
	return a.db
}
