// Package server sets up the HTTP server, router, and all route definitions.
//
// This package is the wiring layer: the composition root where every
// dependency is built and handed to the layer above it.
//
//	config → stores (sqlite | postgres, database | redis sessions)
//	       → PasswordService, TokenService → session.Manager
//	       → service.AuthService → handler.AuthHandler → routes
//
// Each layer only receives what it needs: the service gets the repository
// interface, the handler gets the service.
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
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"

	"github.com/sakif/session-auth/internal/auth"
	"github.com/sakif/session-auth/internal/config"
	"github.com/sakif/session-auth/internal/handler"
	"github.com/sakif/session-auth/internal/metrics"
	"github.com/sakif/session-auth/internal/middleware"
	"github.com/sakif/session-auth/internal/repository"
	pgRepo "github.com/sakif/session-auth/internal/repository/postgres"
	sqliteRepo "github.com/sakif/session-auth/internal/repository/sqlite"
	"github.com/sakif/session-auth/internal/service"
	"github.com/sakif/session-auth/internal/session"
)

// stores bundles the storage backends chosen by the config.
type stores struct {
	users    repository.UserRepository
	sessions session.Store
	checks   map[string]repository.Pinger
	closers  []func()
}

func (s *stores) close() {
	// reverse order: the session store may share the user store's pool
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// Server represents the HTTP server and all its dependencies.
//
// The Server owns the database pool and the redis client; Close (called at
// the end of Start) releases them.
type Server struct {
	router  *chi.Mux
	config  *config.Config
	logger  *slog.Logger
	stores  *stores
	metrics *metrics.Metrics
	reaper  *session.Reaper
}

// New builds every dependency from cfg and registers the routes.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.SecretGenerated {
		logger.Warn("SESSION_SECRET not set, using a random per-process secret; sessions end on restart")
	}

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	s := &Server{
		router:  chi.NewRouter(),
		config:  cfg,
		logger:  logger,
		stores:  st,
		metrics: metrics.New(metrics.NewRegistry()),
	}

	if err := s.setupRoutes(); err != nil {
		st.close()
		return nil, fmt.Errorf("setting up routes: %w", err)
	}

	return s, nil
}

// openStores connects the user store and the session store.
func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stores, error) {
	st := &stores{checks: make(map[string]repository.Pinger)}

	switch cfg.DBDriver {
	case config.DriverPostgres:
		if err := pgRepo.Migrate(cfg.DatabaseURL, logger); err != nil {
			return nil, err
		}
		pool, err := pgRepo.Connect(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, pool.Close)

		db := pgRepo.New(pool)
		st.users = db.Users()
		st.sessions = db.Sessions()
		st.checks["database"] = db

	default:
		if err := ensureDir(cfg.DBPath); err != nil {
			return nil, err
		}
		db, err := sqliteRepo.New(cfg.DBPath, logger)
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		st.closers = append(st.closers, func() { _ = db.Close() })

		st.users = db.Users()
		st.sessions = db.Sessions()
		st.checks["database"] = db
	}

	if cfg.SessionStore == config.SessionStoreRedis {
		rs, closeFn, err := connectRedis(ctx, cfg.RedisURL, logger)
		if err != nil {
			st.close()
			return nil, err
		}
		st.closers = append(st.closers, closeFn)
		st.sessions = rs
		st.checks["redis"] = rs
	}

	return st, nil
}

// connectRedis opens a client and waits for the server with exponential
// backoff, like the postgres pool does.
func connectRedis(ctx context.Context, redisURL string, logger *slog.Logger) (*session.RedisStore, func(), error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	store := session.NewRedisStore(client)

	backoff := retry.WithMaxRetries(5, retry.NewExponential(200*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := store.Ping(ctx); err != nil {
			logger.Warn("redis not ready", slog.String("error", err.Error()))
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return store, func() { _ = client.Close() }, nil
}

// ensureDir creates the directory holding a file-based SQLite database
// (like `mkdir -p`).
func ensureDir(dbPath string) error {
	if strings.Contains(dbPath, ":memory:") {
		return nil
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating database directory %s: %w", dir, err)
	}
	return nil
}

// setupRoutes configures all middleware and route handlers.
//
// ROUTE STRUCTURE:
//
//	GET  /          login page | home page
//	POST /          login               (rate limited)
//	GET  /logout    logout → 302 /
//	GET  /signup    signup page         (anonymous only)
//	POST /signup    signup              (anonymous only, rate limited)
//	GET  /settings  settings page       (login required)
//	POST /settings  save settings       (login required)
//	GET  /healthz   storage ping
//	GET  /metrics   prometheus
//	*               {"errorCode":404,"message":"Route not found"}
//
// MIDDLEWARE ORDER MATTERS. Global order:
//  1. RequestID: assigns a unique ID to each request
//  2. RealIP: client IP from proxy headers (the rate limiter keys on it)
//  3. Recoverer: panics become 500 instead of crashing the process
//  4. Logger: one line per request, tagged with the request ID
func (s *Server) setupRoutes() error {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(middleware.Logger(s.logger, s.metrics))

	s.router.NotFound(handler.NotFound)

	tokens, err := auth.NewTokenService(s.config.SessionSecret)
	if err != nil {
		return fmt.Errorf("creating token service: %w", err)
	}
	passwords := auth.NewPasswordServiceWithCost(s.config.BcryptCost)

	manager := session.NewManager(s.stores.sessions, tokens, session.Options{
		TTL:         s.config.SessionTTL,
		IdleTimeout: s.config.SessionIdleTimeout,
		Secure:      s.config.CookieSecure,
	}, s.logger)

	s.reaper = session.NewReaper(s.stores.sessions, s.config.SessionReapInterval, s.logger)
	s.reaper.OnReap(s.metrics.SessionsReaped)

	authService := service.NewAuthService(s.stores.users, passwords, s.metrics, s.logger)

	pages, err := handler.NewPages(s.logger)
	if err != nil {
		return err
	}
	authHandler := handler.NewAuthHandler(authService, manager, pages, s.logger)
	healthHandler := handler.NewHealthHandler(s.stores.checks, s.logger)

	// throttle is a no-op unless LOGIN_RATE_LIMIT > 0
	throttle := func(next http.Handler) http.Handler { return next }
	if s.config.LoginRateLimit > 0 {
		throttle = middleware.NewRateLimiter(s.config.LoginRateLimit, s.config.LoginRateBurst, s.logger).Middleware
	}

	s.router.Get("/healthz", healthHandler.HandleHealth)
	s.router.Handle("/metrics", s.metrics.Handler())

	s.router.Group(func(r chi.Router) {
		r.Use(manager.Middleware)

		r.Get("/", authHandler.HandleIndex)
		r.With(throttle).Post("/", authHandler.HandleLogin)
		r.Get("/logout", authHandler.HandleLogout)

		r.Group(func(r chi.Router) {
			r.Use(auth.RedirectAuthenticated("/"))
			r.Get("/signup", authHandler.HandleSignupPage)
			r.With(throttle).Post("/signup", authHandler.HandleSignup)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireLogin("/"))
			r.Get("/settings", authHandler.HandleSettingsPage)
			r.Post("/settings", authHandler.HandleSettings)
		})
	})

	return nil
}

// Handler returns the router. Tests serve it with httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close releases the stores. Start calls it on the way out.
func (s *Server) Close() {
	s.reaper.Stop()
	s.stores.close()
}

// Start serves HTTP until SIGINT/SIGTERM, then shuts down gracefully:
//  1. stop accepting new connections
//  2. wait for in-flight requests (30s timeout)
//  3. stop the session reaper and close the stores
func (s *Server) Start() error {
	defer s.Close()

	srv := &http.Server{
		Addr:              s.config.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Redis expires its keys itself; only the SQL tables need sweeping.
	if s.config.SessionStore == config.SessionStoreDatabase {
		s.reaper.Start(context.Background())
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", s.config.Port)),
			slog.String("dbDriver", s.config.DBDriver),
			slog.String("sessionStore", s.config.SessionStore),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}

	return nil
}
