package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/telekom/csvaudit/pkg/audit"
	"github.com/telekom/csvaudit/pkg/config"
	"github.com/telekom/csvaudit/pkg/metrics"
	"github.com/telekom/csvaudit/pkg/ratelimit"
	"github.com/telekom/csvaudit/pkg/system"
)

const shutdownTimeout = 15 * time.Second

// Paths that are never rate limited.
var unlimitedPaths = []string{"/healthz", "/metrics"}

type APIController interface {
	BasePath() string
	Register(rg *gin.RouterGroup) error
	Handlers() []gin.HandlerFunc
}

type Server struct {
	gin         *gin.Engine
	config      config.Server
	log         *zap.Logger
	service     *audit.Service
	rateLimiter *ratelimit.IPRateLimiter
}

func NewServer(log *zap.Logger, cfg config.Server, service *audit.Service) (*Server, error) {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	if err := engine.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, err
	}
	engine.Use(
		ginzap.Ginzap(log, time.RFC3339, true),
		ginzap.RecoveryWithZap(log, true),
		system.TraceContext(),
		system.RequestLogger(log),
	)

	if cfg.Debug {
		engine.Use(
			cors.New(cors.Config{
				AllowOrigins:  []string{"http://localhost:5173", "http://127.0.0.1:8080"},
				AllowMethods:  []string{"GET", "POST", "OPTIONS"},
				AllowHeaders:  []string{"Origin", "Content-Type", "traceparent", system.RequestIDHeader},
				ExposeHeaders: []string{system.RequestIDHeader},
				MaxAge:        12 * time.Hour,
			}),
		)
	}

	s := &Server{
		gin:     engine,
		config:  cfg,
		log:     log,
		service: service,
	}

	if cfg.RateLimit.Enabled {
		s.rateLimiter = ratelimit.New(ratelimit.FromSettings(cfg.RateLimit))
		engine.Use(s.rateLimiter.MiddlewareWithExclusions(unlimitedPaths))
	}

	engine.GET("healthz", s.healthz)
	engine.GET("metrics", gin.WrapH(metrics.MetricsHandler()))

	return s, nil
}

func (s *Server) RegisterAll(controllers []APIController) error {
	for _, c := range controllers {
		if err := c.Register(s.gin.Group(c.BasePath(), c.Handlers()...)); err != nil {
			return err
		}
	}
	return nil
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.gin
}

// Run serves HTTP until ctx is cancelled and then shuts down gracefully,
// letting in-flight requests complete.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.ListenAddress,
		Handler:           s.gin,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server listening", zap.String("address", s.config.ListenAddress))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// Close releases background resources of the server.
func (s *Server) Close() {
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
}

type healthResponse struct {
	Status string `json:"status"`
	Topics int    `json:"topics"`
}

func (s *Server) healthz(c *gin.Context) {
	if s.service == nil || !s.service.IsConfigured() {
		c.JSON(http.StatusServiceUnavailable, healthResponse{Status: "unconfigured"})
		return
	}
	c.JSON(http.StatusOK, healthResponse{Status: "ok", Topics: len(s.service.Topics())})
}
