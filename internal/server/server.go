// Package server provides the HTTP API of the placement engine.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/limiquantix/placement/internal/config"
	"github.com/limiquantix/placement/internal/liveness"
	"github.com/limiquantix/placement/internal/registry"
	"github.com/limiquantix/placement/internal/repository/etcd"
	"github.com/limiquantix/placement/internal/repository/memory"
	"github.com/limiquantix/placement/internal/repository/postgres"
	"github.com/limiquantix/placement/internal/repository/redis"
	"github.com/limiquantix/placement/internal/scheduler"
	"github.com/limiquantix/placement/internal/services/provisioning"
	"github.com/limiquantix/placement/internal/verification"
)

// Server represents the main HTTP server.
type Server struct {
	config     *config.Config
	logger     *zap.Logger
	httpServer *http.Server
	mux        *http.ServeMux
	handler    http.Handler

	// Infrastructure
	db    *postgres.DB
	cache *redis.Cache
	etcd  *etcd.Client

	// Node inventory (PostgreSQL or in-memory)
	inventory provisioning.Inventory

	// Placement
	registry     *registry.Registry
	scheduler    *scheduler.Scheduler
	provisioning *provisioning.Service
	monitor      *liveness.Monitor
	events       *EventHub

	// Leader election (for HA)
	leader atomic.Pointer[etcd.Leader]

	// Background workers
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithPostgreSQL enables PostgreSQL as the node inventory.
func WithPostgreSQL(db *postgres.DB) ServerOption {
	return func(s *Server) {
		s.db = db
	}
}

// WithRedis enables the Redis verification cache and event publishing.
func WithRedis(cache *redis.Cache) ServerOption {
	return func(s *Server) {
		s.cache = cache
	}
}

// WithEtcd enables etcd for node discovery and leader election.
func WithEtcd(client *etcd.Client) ServerOption {
	return func(s *Server) {
		s.etcd = client
	}
}

// New creates a new server instance.
func New(cfg *config.Config, logger *zap.Logger, opts ...ServerOption) (*Server, error) {
	mux := http.NewServeMux()

	s := &Server{
		config: cfg,
		logger: logger,
		mux:    mux,
	}

	// Apply options
	for _, opt := range opts {
		opt(s)
	}

	s.initRepositories()

	if err := s.initServices(); err != nil {
		return nil, err
	}

	s.registerRoutes()

	s.handler = s.setupMiddleware(mux)
	s.httpServer = &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      s.handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s, nil
}

// initRepositories initializes the node inventory.
func (s *Server) initRepositories() {
	if s.db != nil {
		s.logger.Info("Initializing PostgreSQL node inventory")
		s.inventory = postgres.NewNodeRepository(s.db, s.logger)
	} else {
		s.logger.Info("Initializing in-memory node inventory")
		memNodeRepo := memory.NewNodeRepository()
		if s.config.Placement.SeedDemoNodes {
			memNodeRepo.SeedDemoData()
		}
		s.inventory = memNodeRepo
	}

	s.logger.Info("Repositories initialized",
		zap.Bool("postgres", s.db != nil),
		zap.Bool("redis", s.cache != nil),
		zap.Bool("etcd", s.etcd != nil),
	)
}

// initServices initializes the registry, the scheduler and the node services.
func (s *Server) initServices() error {
	s.logger.Info("Initializing services")

	s.registry = registry.New(s.logger)

	var announcer provisioning.Announcer
	if s.etcd != nil {
		announcer = s.etcd
	}
	s.provisioning = provisioning.NewService(s.registry, s.inventory, announcer, s.logger)

	schedulerConfig := scheduler.DefaultConfig()
	if s.config.Placement.ConflictRetries >= 0 {
		schedulerConfig.ConflictRetries = s.config.Placement.ConflictRetries
	}
	if s.config.Verification.MaxParallel > 0 {
		schedulerConfig.MaxParallelVerifications = s.config.Verification.MaxParallel
	}
	if s.config.Verification.Timeout > 0 {
		schedulerConfig.VerificationTimeout = s.config.Verification.Timeout
	}
	if s.config.Verification.CacheTTL > 0 {
		schedulerConfig.ResultCacheTTL = s.config.Verification.CacheTTL
	}
	if s.config.Verification.ReloadInterval > 0 {
		schedulerConfig.AuthorizedScriptsReload = s.config.Verification.ReloadInterval
	}
	schedulerConfig.AuthorizedScriptsDir = s.config.Verification.AuthorizedDir

	schedOpts := []scheduler.Option{scheduler.WithLeaderCheck(s.IsLeader)}
	if s.cache != nil {
		schedOpts = append(schedOpts, scheduler.WithResultCache(redis.NewResultCache(s.cache, schedulerConfig.ResultCacheTTL)))
	} else {
		schedOpts = append(schedOpts, scheduler.WithResultCache(scheduler.NewMemoryResultCache(schedulerConfig.ResultCacheTTL)))
	}
	if schedulerConfig.AuthorizedScriptsDir != "" {
		authorizer, err := scheduler.NewScriptAuthorizer(
			schedulerConfig.AuthorizedScriptsDir,
			schedulerConfig.AuthorizedScriptsReload,
			s.logger,
		)
		if err != nil {
			return fmt.Errorf("failed to load authorized scripts: %w", err)
		}
		schedOpts = append(schedOpts, scheduler.WithAuthorizer(authorizer))
	}

	s.scheduler = scheduler.New(
		s.registry,
		verification.NewLabelVerifier(s.logger),
		schedulerConfig,
		s.logger,
		schedOpts...,
	)

	s.monitor = liveness.NewMonitor(
		s.config.Liveness,
		s.registry,
		s.provisioning,
		leaderFunc(s.IsLeader),
		s.logger,
	)

	s.events = NewEventHub(500, s.logger)

	s.logger.Info("Services initialized",
		zap.Int("conflict_retries", schedulerConfig.ConflictRetries),
		zap.Int("max_parallel_verifications", schedulerConfig.MaxParallelVerifications),
		zap.Bool("script_authorization", schedulerConfig.AuthorizedScriptsDir != ""),
		zap.Bool("liveness", s.config.Liveness.Enabled),
	)
	return nil
}

// registerRoutes registers all HTTP routes.
func (s *Server) registerRoutes() {
	// Health endpoints
	s.mux.HandleFunc("/health", s.healthHandler)
	s.mux.HandleFunc("/healthz", s.healthHandler) // Kubernetes-style endpoint
	s.mux.HandleFunc("/ready", s.readyHandler)
	s.mux.HandleFunc("/live", s.liveHandler)

	// API info
	s.mux.HandleFunc("/api/v1/info", s.infoHandler)

	placement := NewPlacementHandler(s.scheduler, s.registry, s.provisioning, s.logger)
	placement.RegisterRoutes(s.mux)

	s.events.RegisterRoutes(s.mux)

	s.logger.Info("All routes registered")
}

// setupMiddleware configures middleware chain.
func (s *Server) setupMiddleware(handler http.Handler) http.Handler {
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   s.config.CORS.AllowedOrigins,
		AllowedMethods:   s.config.CORS.AllowedMethods,
		AllowedHeaders:   s.config.CORS.AllowedHeaders,
		AllowCredentials: s.config.CORS.AllowCredentials,
		MaxAge:           86400, // 24 hours
	})

	handler = corsHandler.Handler(handler)
	handler = s.loggingMiddleware(handler)
	handler = s.recoveryMiddleware(handler)

	return handler
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		// Skip logging for health checks
		if r.URL.Path == "/health" || r.URL.Path == "/ready" || r.URL.Path == "/live" {
			return
		}

		s.logger.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("user_agent", r.UserAgent()),
		)
	})
}

// recoveryMiddleware recovers from panics.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("Panic recovered",
					zap.Any("error", err),
					zap.String("path", r.URL.Path),
				)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the event stream upgrade through the logging middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

// healthHandler returns health status.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","service":"placementd"}`)
}

// readyHandler returns readiness status.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ready := true
	details := map[string]string{}

	// Check PostgreSQL
	if s.db != nil {
		if err := s.db.Health(ctx); err != nil {
			ready = false
			details["postgres"] = "unhealthy"
		} else {
			details["postgres"] = "healthy"
		}
	}

	// Check Redis
	if s.cache != nil {
		if err := s.cache.Health(ctx); err != nil {
			ready = false
			details["redis"] = "unhealthy"
		} else {
			details["redis"] = "healthy"
		}
	}

	// Check etcd
	if s.etcd != nil {
		if err := s.etcd.Health(ctx); err != nil {
			ready = false
			details["etcd"] = "unhealthy"
		} else {
			details["etcd"] = "healthy"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if ready {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"ready":true,"components":%s}`, toJSON(details))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, `{"ready":false,"components":%s}`, toJSON(details))
	}
}

// liveHandler returns liveness status.
func (s *Server) liveHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"alive":true}`)
}

// infoHandler returns API information.
func (s *Server) infoHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{
		"name": "limiquantix Placement Engine",
		"version": "0.1.0",
		"api_version": "v1",
		"description": "Topology-aware node allocation",
		"leader": %t,
		"infrastructure": {
			"postgres": %t,
			"redis": %t,
			"etcd": %t
		}
	}`, s.IsLeader(), s.db != nil, s.cache != nil, s.etcd != nil)
}

// Handler returns the HTTP handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Registry returns the node registry.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Scheduler returns the scheduler instance.
func (s *Server) Scheduler() *scheduler.Scheduler {
	return s.scheduler
}

// IsLeader reports whether this instance may serve allocations.
// Without etcd every instance is its own leader.
func (s *Server) IsLeader() bool {
	if s.etcd == nil {
		return true
	}
	leader := s.leader.Load()
	return leader != nil && leader.IsLeader()
}

// leaderFunc adapts a function to liveness.LeaderChecker.
type leaderFunc func() bool

func (f leaderFunc) IsLeader() bool { return f() }

// Start loads the node inventory and starts the background workers.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	if s.etcd != nil {
		leader, err := s.etcd.CampaignForLeader(ctx, s.config.Etcd.ElectionKey, s.config.Server.Address(), func(isLeader bool) {
			if isLeader {
				s.logger.Info("This instance is now the leader")
			} else {
				s.logger.Info("This instance is now a follower")
			}
		})
		if err != nil {
			s.logger.Warn("Failed to start leader election", zap.Error(err))
		} else {
			s.leader.Store(leader)
		}
	}

	if _, err := s.provisioning.Load(ctx); err != nil {
		s.cancel()
		return fmt.Errorf("failed to load node inventory: %w", err)
	}

	s.goRun(func() { s.scheduler.Run(ctx, s.registry) })
	s.goRun(func() { s.events.Run(ctx, s.registry) })
	s.goRun(func() { s.monitor.Start(ctx) })

	if s.etcd != nil {
		watcher := provisioning.NewWatcher(s.provisioning, s.etcd, s.logger)
		s.goRun(func() {
			if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("Node watcher stopped", zap.Error(err))
			}
		})
	}

	if s.cache != nil {
		s.goRun(func() { s.publishEvents(ctx) })
	}

	return nil
}

// publishEvents forwards registry events to the Redis events channel.
func (s *Server) publishEvents(ctx context.Context) {
	events, cancel := s.registry.Subscribe(256)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := s.cache.PublishNodeEvent(ctx, s.config.Redis.EventsChannel, ev); err != nil {
				s.logger.Warn("Failed to publish node event",
					zap.String("node_id", ev.Node.ID),
					zap.Error(err),
				)
			}
		}
	}
}

func (s *Server) goRun(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Run starts the HTTP server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Starting server",
		zap.String("address", s.config.Server.Address()),
	)

	if err := s.Start(ctx); err != nil {
		return err
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or error
	select {
	case <-ctx.Done():
		s.logger.Info("Shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	return s.Shutdown()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Shutting down server...")

	// Resign from leadership
	if leader := s.leader.Load(); leader != nil {
		if err := leader.Resign(shutdownCtx); err != nil {
			s.logger.Warn("Failed to resign leadership", zap.Error(err))
		}
	}

	// Close HTTP server
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP shutdown error: %w", err)
	}

	// Stop background workers
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	// Close infrastructure connections
	if s.etcd != nil {
		if err := s.etcd.Close(); err != nil {
			s.logger.Warn("Failed to close etcd", zap.Error(err))
		}
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Warn("Failed to close Redis", zap.Error(err))
		}
	}
	if s.db != nil {
		s.db.Close()
	}

	s.logger.Info("Server stopped gracefully")
	return nil
}

// Address returns the server address.
func (s *Server) Address() string {
	return s.config.Server.Address()
}

// toJSON converts a map to JSON string.
func toJSON(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	result := "{"
	first := true
	for k, v := range m {
		if !first {
			result += ","
		}
		result += fmt.Sprintf(`"%s":"%s"`, k, v)
		first = false
	}
	result += "}"
	return result
}
