// Package server exposes the engine over HTTP: the public quoting, policy,
// claim and LP surfaces plus a token-guarded admin surface. Errors render
// as RFC 7807 problem documents.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/meridianre/meridian/internal/claims"
	"github.com/meridianre/meridian/internal/config"
	"github.com/meridianre/meridian/internal/hedge"
	"github.com/meridianre/meridian/internal/ledger"
	"github.com/meridianre/meridian/internal/metrics"
	"github.com/meridianre/meridian/internal/oracle"
	"github.com/meridianre/meridian/internal/pricing"
	"github.com/meridianre/meridian/internal/riskgate"
	"github.com/meridianre/meridian/pkg/errors"
)

// Deps are the wired engine components the server fronts.
type Deps struct {
	Ledger   *ledger.Ledger
	Gate     *riskgate.Gate
	Pricing  *pricing.Engine
	Claims   *claims.Service
	Hedges   *hedge.Coordinator
	Venues   *hedge.Registry
	Marks    *oracle.Observations
	DB       *gorm.DB
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry
}

// Server is the HTTP front of the engine.
type Server struct {
	cfg    config.ServerConfig
	deps   Deps
	engine *gin.Engine
	http   *http.Server
	logger *zap.Logger
}

// New builds the server and its routes.
func New(cfg config.ServerConfig, deps Deps, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	engine.Use(ginzap.RecoveryWithZap(logger, true))
	engine.Use(errors.GinMiddleware())

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		engine: engine,
		logger: logger,
		http: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      engine,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.health)
	if s.deps.Registry != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Registry, promhttp.HandlerOpts{})))
	}

	v1 := s.engine.Group("/api/v1")
	{
		v1.POST("/quotes", s.postQuote)
		v1.POST("/policies", s.postPolicy)
		v1.GET("/policies/:id", s.getPolicy)
		v1.POST("/claims", s.postClaim)
		v1.GET("/claims/:id", s.getClaim)
		v1.POST("/claims/:id/votes", s.postVote)
		v1.GET("/pool", s.getPool)
		v1.POST("/lp/deposits", s.postDeposit)
		v1.POST("/lp/withdrawals", s.postWithdrawal)
	}

	admin := s.engine.Group("/admin/v1", s.adminAuth())
	{
		admin.POST("/pause", s.postPause)
		admin.POST("/unpause", s.postUnpause)
		admin.GET("/venues", s.getVenues)
		admin.POST("/venues", s.postVenue)
		admin.DELETE("/venues/:name", s.deleteVenue)
		admin.POST("/observations", s.postObservation)
		admin.GET("/risk-params", s.getRiskParams)
		admin.PUT("/risk-params", s.putRiskParams)
	}
}

// Run serves until ctx is cancelled, then drains within the shutdown
// timeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
