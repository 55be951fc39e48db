// ABOUTME: Server orchestrator that wires the store, watcher, bridge, and HTTP surface.
// ABOUTME: Manages component lifecycle, graceful shutdown, and the group-hub backplane.

package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/XiansAiPlatform/XiansAi.Server-sub009/internal/bridge"
	"github.com/XiansAiPlatform/XiansAi.Server-sub009/internal/config"
	"github.com/XiansAiPlatform/XiansAi.Server-sub009/internal/crypto"
	"github.com/XiansAiPlatform/XiansAi.Server-sub009/internal/engine"
	"github.com/XiansAiPlatform/XiansAi.Server-sub009/internal/hub"
	"github.com/XiansAiPlatform/XiansAi.Server-sub009/internal/messaging"
	"github.com/XiansAiPlatform/XiansAi.Server-sub009/internal/store"
	"github.com/XiansAiPlatform/XiansAi.Server-sub009/internal/watcher"
)

// Server orchestrates the conversation pipeline components: the Mongo store
// and change-stream watcher, the workflow-engine bridge, the live-channel
// hub, and the HTTP API that fronts them.
type Server struct {
	config *config.Config
	logger *slog.Logger

	store       *store.Store
	engine      *engine.Temporal
	hub         *hub.GroupHub
	backplane   *hub.RedisBackplane
	redisClient *redis.Client
	pending     *messaging.PendingRequests
	seen        *messaging.SeenCache
	streams     *messaging.SubscriberRegistry
	broadcaster *messaging.Broadcaster
	normalizer  *messaging.Normalizer
	watcher     *watcher.Watcher
	bridge      *bridge.Bridge
	httpServer  *http.Server
}

// initCipher builds the field cipher when a secret is configured.
// A nil cipher means stored text stays plaintext.
func initCipher(cfg *config.Config) (*crypto.FieldCipher, error) {
	if cfg.Encryption.Secret == "" {
		return nil, nil
	}
	cipher, err := crypto.New(cfg.Encryption.Secret)
	if err != nil {
		return nil, fmt.Errorf("initializing field cipher: %w", err)
	}
	return cipher, nil
}

// initLiveChannel builds the group hub and, when Redis is configured, wraps
// it with the cross-instance backplane.
func (s *Server) initLiveChannel(cfg *config.Config, logger *slog.Logger) messaging.LiveChannel {
	s.hub = hub.NewGroupHub(logger)
	if !cfg.Redis.Enabled {
		return s.hub
	}
	s.redisClient = redis.NewClient(&redis.Options{
		Addr: cfg.Redis.Addr,
		DB:   cfg.Redis.DB,
	})
	s.backplane = hub.NewRedisBackplane(s.redisClient, s.hub, logger)
	logger.Info("redis backplane enabled", "addr", cfg.Redis.Addr)
	return s.backplane
}

// New creates a Server instance, connecting to the store and workflow engine.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	cipher, err := initCipher(cfg)
	if err != nil {
		return nil, err
	}

	// Typed-nil cipher must not reach the interface fields.
	var encrypter store.TextEncrypter
	var decrypter messaging.Decrypter
	if cipher != nil {
		encrypter = cipher
		decrypter = cipher
	}

	st, err := store.Connect(ctx, cfg.Mongo.URI, cfg.Mongo.Database, encrypter, logger)
	if err != nil {
		return nil, err
	}

	eng, err := engine.Dial(ctx, engine.TemporalOptions{
		HostPort:      cfg.Temporal.HostPort,
		Namespace:     cfg.Temporal.Namespace,
		TaskQueue:     cfg.Temporal.TaskQueue,
		UpdateTimeout: cfg.Temporal.UpdateTimeout,
	}, logger)
	if err != nil {
		_ = st.Close(ctx)
		return nil, err
	}

	srv := &Server{
		config: cfg,
		logger: logger.With("component", "server"),
		store:  st,
		engine: eng,
	}

	live := srv.initLiveChannel(cfg, logger)

	srv.pending = messaging.NewPendingRequests(logger)
	srv.seen = messaging.NewSeenCache(cfg.Messaging.SeenTTL, cfg.Messaging.SeenMaxSize)
	srv.streams = messaging.NewSubscriberRegistry(logger)
	srv.broadcaster = messaging.NewBroadcaster(live, srv.streams, srv.pending, srv.seen, logger)
	srv.normalizer = messaging.NewNormalizer(decrypter, logger)

	srv.watcher = watcher.New(srv.openChangeStream, srv.handleChange, logger)
	srv.bridge = bridge.New(st, eng, srv.pending, cfg.Messaging.ReplyTimeout, logger)

	srv.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return srv, nil
}

// openChangeStream adapts the store's change feed to the watcher.
func (s *Server) openChangeStream(ctx context.Context, resume bson.Raw) (watcher.ChangeStream, error) {
	return s.store.WatchMessages(ctx, resume)
}

// handleChange normalizes one change event and hands it to the broadcaster.
func (s *Server) handleChange(ctx context.Context, doc bson.M) {
	msg := s.normalizer.Normalize(doc)
	if msg == nil {
		return
	}
	s.broadcaster.Dispatch(ctx, msg)
}

// routes builds the HTTP router.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/health/ready", s.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/messages/send", s.handleSendMessage)
		r.Get("/messages/stream", s.handleStream)
	})

	return r
}

// Run starts the watcher, backplane, and HTTP server, blocking until the
// context is canceled or a component fails.
func (s *Server) Run(ctx context.Context) error {
	if err := s.store.EnsureCollections(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := s.startComponents(runCtx)
	serverErr := s.waitForShutdownSignal(ctx, errCh)

	cancel()
	shutdownErr := s.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// startComponents launches long-running components, returning their error channel.
func (s *Server) startComponents(ctx context.Context) chan error {
	errCh := make(chan error, 3)

	go func() {
		if err := s.watcher.Run(ctx); err != nil {
			errCh <- fmt.Errorf("watcher: %w", err)
		}
	}()

	if s.backplane != nil {
		go func() {
			if err := s.backplane.Run(ctx); err != nil {
				errCh <- fmt.Errorf("backplane: %w", err)
			}
		}()
	}

	go func() {
		s.logger.Info("HTTP server listening", "addr", s.config.Server.HTTPAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or component error.
func (s *Server) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		s.logger.Error("component error", "error", err)
		s.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (s *Server) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		s.logger.Error("additional component error", "error", additionalErr)
	default:
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops the HTTP server and releases component resources.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", s.httpServer.Shutdown(ctx))

	s.hub.Close()
	s.seen.Close()
	s.engine.Close()

	if s.redisClient != nil {
		errs = appendCloseError(errs, "redis close", s.redisClient.Close())
	}
	errs = appendCloseError(errs, "store close", s.store.Close(ctx))

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
