// Package server is the composition root: it opens the store, the object
// store and the event publisher, builds the services and handlers on top of
// them and owns their shutdown.
//
// DEPENDENCY FLOW:
//
//	config.Config
//	  → repository.Store (sqlite or gormstore)
//	  → storage.ObjectStore (local or GCS)
//	  → events.Publisher (NATS or no-op)
//	  → AuthService, ReportService, Janitor
//	  → AuthHandler, ReportHandler, HealthHandler
//	  → chi router
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/sakif/civic-reports/internal/auth"
	"github.com/sakif/civic-reports/internal/config"
	"github.com/sakif/civic-reports/internal/events"
	"github.com/sakif/civic-reports/internal/handler"
	"github.com/sakif/civic-reports/internal/lifecycle"
	"github.com/sakif/civic-reports/internal/middleware"
	"github.com/sakif/civic-reports/internal/repository"
	"github.com/sakif/civic-reports/internal/repository/gormstore"
	"github.com/sakif/civic-reports/internal/repository/sqlite"
	"github.com/sakif/civic-reports/internal/service"
	"github.com/sakif/civic-reports/internal/storage"
)

// uploadsPath is where the local object store is served.
const uploadsPath = "/uploads"

// Server holds the router and every resource it must close on shutdown.
type Server struct {
	router    *chi.Mux
	config    config.Config
	logger    *slog.Logger
	store     repository.Store
	objects   *ObjectStore
	publisher events.Publisher
	janitor   *service.Janitor
}

// New builds the full dependency graph. On error everything already opened
// is closed again.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := OpenStore(cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	objects, err := OpenObjectStore(ctx, cfg.Storage, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	publisher, err := openPublisher(cfg, logger)
	if err != nil {
		objects.Close()
		store.Close()
		return nil, err
	}

	s := &Server{
		router:    chi.NewRouter(),
		config:    cfg,
		logger:    logger,
		store:     store,
		objects:   objects,
		publisher: publisher,
		janitor:   service.NewJanitor(store, objects, logger),
	}

	if err := s.setupRoutes(); err != nil {
		s.Close()
		return nil, fmt.Errorf("setting up routes: %w", err)
	}
	return s, nil
}

// OpenStore opens the backend named by cfg.Driver and runs its migrations.
func OpenStore(cfg config.DatabaseConfig, logger *slog.Logger) (repository.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		if cfg.Path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
				return nil, fmt.Errorf("creating database directory: %w", err)
			}
		}
		db, err := sqlite.New(cfg.Path, sqlite.WithPool(cfg.MaxOpenConns, cfg.MaxIdleConns))
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		logger.Info("database opened", slog.String("driver", "sqlite"), slog.String("path", cfg.Path))
		return db, nil

	case "postgres", "gorm-sqlite":
		driver := "postgres"
		if cfg.Driver == "gorm-sqlite" {
			driver = "sqlite"
		}
		return gormstore.Open(gormstore.Config{
			Driver:       driver,
			DSN:          cfg.DSN,
			MaxOpenConns: cfg.MaxOpenConns,
			MaxIdleConns: cfg.MaxIdleConns,
		}, logger)
	}
	return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
}

// ObjectStore is the configured storage.ObjectStore plus its cleanup.
// Local is set when files are served by this process.
type ObjectStore struct {
	storage.ObjectStore
	Local *storage.Local
	close func() error
}

func (o *ObjectStore) Close() error {
	if o.close == nil {
		return nil
	}
	return o.close()
}

// OpenObjectStore connects to the backend named by cfg.Backend.
func OpenObjectStore(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (*ObjectStore, error) {
	switch cfg.Backend {
	case "local":
		baseURL := cfg.PublicBaseURL
		if baseURL == "" {
			baseURL = uploadsPath
		}
		local, err := storage.NewLocal(cfg.UploadDir, baseURL)
		if err != nil {
			return nil, err
		}
		logger.Info("local object store ready", slog.String("dir", cfg.UploadDir))
		return &ObjectStore{ObjectStore: local, Local: local}, nil

	case "gcs":
		g, err := storage.NewGCS(ctx, storage.GCSConfig{
			Bucket:          cfg.GCSBucket,
			CredentialsFile: cfg.GCSCredentialsFile,
			PublicBaseURL:   cfg.PublicBaseURL,
		}, logger)
		if err != nil {
			return nil, err
		}
		return &ObjectStore{ObjectStore: g, close: g.Close}, nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}

// openPublisher connects to NATS when NATS_URL is set. A broker that is
// down at startup is not fatal: events are best effort, so the server runs
// with the no-op publisher instead.
func openPublisher(cfg config.Config, logger *slog.Logger) (events.Publisher, error) {
	if cfg.NATSURL == "" {
		return events.Noop{}, nil
	}
	pub, err := events.NewNATS(cfg.NATSURL, cfg.NATSSubjectPrefix, logger)
	if err != nil {
		logger.Warn("event publishing disabled", slog.String("error", err.Error()))
		return events.Noop{}, nil
	}
	logger.Info("publishing events to nats", slog.String("url", cfg.NATSURL))
	return pub, nil
}

// setupRoutes wires middleware and routes.
//
// ROUTES:
//
//	GET  /health            → DB ping
//	GET  /                  → service banner
//	     /api/auth/*        → register, login, logout, me
//	     /auth/github/*     → OAuth (only when configured)
//	     /api/reports/*     → report operations
//	GET  /uploads/*         → local object store (local backend only)
//
// MIDDLEWARE ORDER: RequestID and RealIP first so the logger sees both.
// Recoverer sits outside the Sentry handler, which reports a panic and
// re-panics into it.
func (s *Server) setupRoutes() error {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle)
	s.router.Use(cors.Handler(s.corsOptions()))

	table, err := lifecycle.TableByName(s.config.Lifecycle.Policy)
	if err != nil {
		return err
	}
	machine := lifecycle.NewMachine(table, lifecycle.WithModerators(s.config.Lifecycle.Moderators))

	tokens, err := auth.NewTokenService(s.config.Auth.JWTSecret, s.config.Auth.JWTExpiry)
	if err != nil {
		return fmt.Errorf("creating token service: %w", err)
	}

	authService := service.NewAuthService(s.store, tokens, auth.NewPasswordService(auth.DefaultCost),
		s.config.Auth.ModeratorUsernames, s.logger)
	reportService := service.NewReportService(s.store, s.store, s.objects, s.publisher, machine, s.logger,
		service.WithQueryTimeout(s.config.Database.QueryTimeout))

	var github *auth.GitHubProvider
	if s.config.Auth.GitHubEnabled() {
		github = auth.NewGitHubProvider(s.config.Auth.GitHubClientID, s.config.Auth.GitHubClientSecret,
			s.config.Auth.GitHubCallbackURL)
	} else {
		s.logger.Info("GitHub login disabled (GITHUB_CLIENT_ID not set)")
	}

	requireAuth := auth.RequireAuth(tokens, s.store, s.logger)
	authHandler := handler.NewAuthHandler(authService, github, s.config.Auth.SecureCookies, s.logger)
	reportHandler := handler.NewReportHandler(reportService, authService, s.logger)
	healthHandler := handler.NewHealthHandler(s.store, s.config.Version, s.logger)

	s.router.Get("/health", healthHandler.HandleHealth)
	s.router.Get("/", healthHandler.HandleRoot)
	s.router.Mount("/api/auth", authHandler.APIRoutes(requireAuth))
	s.router.Mount("/api/reports", reportHandler.Routes(requireAuth))
	if oauth := authHandler.OAuthRoutes(); oauth != nil {
		s.router.Mount("/auth", oauth)
	}

	if s.objects.Local != nil {
		fileServer := http.FileServer(http.Dir(s.objects.Local.Root()))
		s.router.Handle(uploadsPath+"/*", http.StripPrefix(uploadsPath+"/", fileServer))
	}

	return nil
}

// corsOptions allows every origin by default, as mobile and web clients are
// served from different hosts. Credentials are only allowed for an explicit
// origin list.
func (s *Server) corsOptions() cors.Options {
	origins := s.config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	wildcard := len(origins) == 1 && origins[0] == "*"

	return cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"Retry-After", "X-Request-Id"},
		AllowCredentials: !wildcard,
		MaxAge:           300,
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled or SIGINT/SIGTERM arrives, then
// drains in-flight requests, stops the sweeper and closes every resource.
func (s *Server) Start(ctx context.Context) error {
	defer s.Close()

	if err := s.janitor.Start(s.config.SweepSchedule); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", s.config.Port)),
			slog.String("database", s.config.Database.Driver),
			slog.String("storage", s.config.Storage.Backend),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil

	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	s.janitor.Stop(shutdownCtx)

	s.logger.Info("server stopped gracefully")
	return nil
}

// Close releases the publisher, the object store and the database, in
// reverse order of opening.
func (s *Server) Close() error {
	s.publisher.Close()

	var errs []error
	if err := s.objects.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing object store: %w", err))
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing database: %w", err))
	}
	return errors.Join(errs...)
}
