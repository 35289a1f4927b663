package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/02loveslollipop/Kaze-air-quality-viewer/internal/cache"
	"github.com/02loveslollipop/Kaze-air-quality-viewer/internal/ingress"
	"github.com/02loveslollipop/Kaze-air-quality-viewer/internal/reading"
	"github.com/02loveslollipop/Kaze-air-quality-viewer/services/api/config"
)

// ReadingStore is what the read routes need from the store.
type ReadingStore interface {
	QueryLatest(ctx context.Context, limit int) ([]reading.Reading, error)
	Ping(ctx context.Context) error
}

// Server bundles router and dependencies for the REST API.
type Server struct {
	cfg        config.Config
	store      ReadingStore
	reconciler ingress.Reconciler
	latest     *cache.LatestCache
	logger     *zap.Logger
	engine     *gin.Engine
	now        func() time.Time
}

// New constructs a server with routes and middleware. latest may be nil.
func New(cfg config.Config, store ReadingStore, reconciler ingress.Reconciler, latest *cache.LatestCache, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(logger))
	engine.Use(corsMiddleware())

	server := &Server{
		cfg:        cfg,
		store:      store,
		reconciler: reconciler,
		latest:     latest,
		logger:     logger,
		engine:     engine,
		now:        time.Now,
	}
	server.registerRoutes()
	return server
}

// Engine exposes the underlying gin engine (for tests).
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Run starts the HTTP server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr(),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) storeContext(c *gin.Context) (context.Context, context.CancelFunc) {
	timeout := s.cfg.StoreTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(c.Request.Context(), timeout)
}
