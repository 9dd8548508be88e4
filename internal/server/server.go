/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package server wires the process together: database, cache, event
// bus, object storage, session manager and the HTTP surface.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/listenroom/internal/api"
	"github.com/friendsincode/listenroom/internal/auth"
	"github.com/friendsincode/listenroom/internal/cache"
	"github.com/friendsincode/listenroom/internal/clock"
	"github.com/friendsincode/listenroom/internal/config"
	"github.com/friendsincode/listenroom/internal/dataservice"
	"github.com/friendsincode/listenroom/internal/db"
	"github.com/friendsincode/listenroom/internal/eventbus"
	"github.com/friendsincode/listenroom/internal/logbuffer"
	"github.com/friendsincode/listenroom/internal/positions"
	"github.com/friendsincode/listenroom/internal/storage"
	"github.com/friendsincode/listenroom/internal/telemetry"
)

// messageBus is the combined transport the server owns: sync events
// plus row-change fanout. Both the NATS and in-memory buses satisfy it.
type messageBus interface {
	eventbus.Channel
	eventbus.Feed
}

// Server bundles HTTP and supporting services.
type Server struct {
	cfg           *config.Config
	logger        zerolog.Logger
	logBuffer     *logbuffer.Buffer
	router        chi.Router
	httpServer    *http.Server
	metricsServer *http.Server
	closers       []func() error

	db        *gorm.DB
	cache     *cache.Cache
	bus       messageBus
	svc       *dataservice.GormService
	objects   storage.ObjectStorage
	positions *positions.Store
	sessions  *api.SessionManager
	api       *api.API
}

// New constructs the server and wires dependencies.
func New(cfg *config.Config, logBuf *logbuffer.Buffer, logger zerolog.Logger) (*Server, error) {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(telemetry.TracingMiddleware("listenroom-api"))
	router.Use(telemetry.MetricsMiddleware)
	// Skip the request timeout for WebSocket state streams.
	router.Use(func(next http.Handler) http.Handler {
		timeout := middleware.Timeout(60 * time.Second)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Upgrade") == "websocket" {
				next.ServeHTTP(w, r)
				return
			}
			timeout(next).ServeHTTP(w, r)
		})
	})

	srv := &Server{
		cfg:       cfg,
		logger:    logger,
		logBuffer: logBuf,
		router:    router,
	}

	if err := srv.initDependencies(); err != nil {
		srv.Close()
		return nil, err
	}

	srv.configureRoutes()

	addr := fmt.Sprintf("%s:%d", cfg.HTTPBind, cfg.HTTPPort)
	srv.httpServer = &http.Server{
		Addr:              addr,
		Handler:           srv.router,
		ReadHeaderTimeout: 15 * time.Second,
		// WriteTimeout stays 0 so WebSocket streams are not cut off; the
		// middleware timeout covers plain routes.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	if cfg.MetricsBind != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", telemetry.Handler())
		if logBuf != nil {
			metricsMux.HandleFunc("/debug/logs", srv.handleLogs)
		}
		srv.metricsServer = &http.Server{
			Addr:              cfg.MetricsBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 15 * time.Second,
		}
	}

	return srv, nil
}

func (s *Server) initDependencies() error {
	database, err := db.Connect(s.cfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	if err := db.Migrate(database); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	s.db = database
	s.DeferClose(func() error { return db.Close(database) })

	// Redis read cache; nil when unconfigured or unavailable, callers
	// fall through to the database.
	if s.cfg.RedisAddr != "" {
		s.cache = cache.New(cache.Config{
			RedisAddr:     s.cfg.RedisAddr,
			RedisPassword: s.cfg.RedisPassword,
			RedisDB:       s.cfg.RedisDB,
		}, s.logger)
		if s.cache != nil {
			s.DeferClose(func() error { return s.cache.Close() })
		}
	}

	if err := s.initBus(); err != nil {
		return err
	}

	s.svc = dataservice.NewGormService(database, s.bus, s.cache, s.logger)

	if err := s.initStorage(); err != nil {
		return err
	}

	store, err := positions.Open(s.cfg.PositionStorePath, clock.New(), s.cfg.PositionSaveInterval)
	if err != nil {
		return fmt.Errorf("open position store: %w", err)
	}
	s.positions = store
	s.DeferClose(store.Close)

	s.sessions = api.NewSessionManager(api.SessionManagerOptions{
		Service:      s.svc,
		Channel:      s.bus,
		Objects:      s.objects,
		Positions:    s.positions,
		DesyncWindow: s.cfg.DesyncWindow,
		Logger:       s.logger,
	})
	s.DeferClose(func() error {
		s.sessions.CloseAll()
		return nil
	})

	s.api = api.New(s.sessions, s.logger)
	return nil
}

// initBus connects to NATS when configured, falling back to the
// in-process bus so a single instance works with zero infrastructure.
func (s *Server) initBus() error {
	if s.cfg.NATSURL == "" {
		s.logger.Info().Msg("no NATS URL configured, using in-process event bus")
		s.bus = eventbus.NewMemoryBus(s.logger)
	} else if natsBus, err := eventbus.NewNATSBus(eventbus.DefaultNATSConfig(s.cfg.NATSURL), s.logger); err != nil {
		// Single-instance deployments still work; cross-instance sync
		// events are lost until NATS is back and the process restarts.
		s.logger.Warn().Err(err).Str("url", s.cfg.NATSURL).
			Msg("NATS unreachable, falling back to in-process event bus")
		s.bus = eventbus.NewMemoryBus(s.logger)
	} else {
		s.logger.Info().Str("url", s.cfg.NATSURL).Msg("connected to NATS event bus")
		s.bus = natsBus
	}
	s.DeferClose(s.bus.Close)
	return nil
}

// initStorage selects S3 when a bucket is configured, filesystem
// storage otherwise.
func (s *Server) initStorage() error {
	if s.cfg.S3Bucket != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s3Store, err := storage.NewS3Storage(ctx, storage.S3Config{
			Region:        s.cfg.S3Region,
			Bucket:        s.cfg.S3Bucket,
			Endpoint:      s.cfg.S3Endpoint,
			AccessKey:     s.cfg.S3AccessKeyID,
			SecretKey:     s.cfg.S3SecretAccessKey,
			PublicBaseURL: s.cfg.S3PublicBaseURL,
			UsePathStyle:  s.cfg.S3UsePathStyle,
		}, s.logger)
		if err != nil {
			return fmt.Errorf("init s3 storage: %w", err)
		}
		if err := s3Store.CheckAccess(ctx); err != nil {
			return fmt.Errorf("s3 bucket not reachable: %w", err)
		}
		s.logger.Info().Str("bucket", s.cfg.S3Bucket).Msg("using S3 media storage")
		s.objects = s3Store
		return nil
	}

	if err := os.MkdirAll(s.cfg.MediaRoot, 0755); err != nil {
		return fmt.Errorf("create media directory %s: %w", s.cfg.MediaRoot, err)
	}
	s.logger.Info().Str("path", s.cfg.MediaRoot).Msg("using filesystem media storage")
	s.objects = storage.NewFilesystemStorage(s.cfg.MediaRoot, "/media", s.logger)
	return nil
}

func (s *Server) configureRoutes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	s.router.Route("/api", func(r chi.Router) {
		r.Use(auth.Middleware([]byte(s.cfg.JWTSigningKey)))
		s.api.Routes(r)
	})

	// Uploaded audio is served straight off disk when the filesystem
	// backend is active; S3 objects are fetched from their public URLs.
	if s.cfg.S3Bucket == "" {
		fileServer := http.StripPrefix("/media/", http.FileServer(http.Dir(s.cfg.MediaRoot)))
		s.router.Get("/media/*", func(w http.ResponseWriter, r *http.Request) {
			fileServer.ServeHTTP(w, r)
		})
	}
}

// handleLogs serves recent log entries from the ring buffer, for
// operators; it is only reachable on the metrics listener.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	params := logbuffer.QueryParams{
		Level:      r.URL.Query().Get("level"),
		User:       r.URL.Query().Get("user"),
		Search:     r.URL.Query().Get("search"),
		Descending: r.URL.Query().Get("order") == "desc",
		Limit:      200,
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			params.Limit = parsed
		}
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			params.Since = parsed
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"entries": s.logBuffer.Query(params),
		"stats":   s.logBuffer.Stats(),
	})
}

// HTTPServer exposes the underlying net/http server.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// MetricsServer exposes the metrics listener; nil when disabled.
func (s *Server) MetricsServer() *http.Server {
	return s.metricsServer
}

// Router exposes the HTTP handler, mostly for tests.
func (s *Server) Router() chi.Router {
	return s.router
}

// Close releases owned resources in reverse order.
func (s *Server) Close() error {
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.closers = nil
	return firstErr
}

// DeferClose registers a cleanup hook.
func (s *Server) DeferClose(fn func() error) {
	s.closers = append(s.closers, fn)
}
