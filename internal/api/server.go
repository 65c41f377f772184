// Package api exposes the operator HTTP surface: JSON status and control
// endpoints plus a websocket event stream.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"upbit-trading-bot/config"
	"upbit-trading-bot/internal/auth"
	"upbit-trading-bot/internal/circuit"
	"upbit-trading-bot/internal/database"
	"upbit-trading-bot/internal/events"
	"upbit-trading-bot/internal/executor"
	"upbit-trading-bot/internal/reconcile"
	"upbit-trading-bot/internal/registry"
	"upbit-trading-bot/internal/upbit"
)

// Store is the read/write persistence surface the handlers need.
type Store interface {
	GetRecentTrades(ctx context.Context, limit int) ([]database.Trade, error)
	GetOpenPositions(ctx context.Context) ([]database.Position, error)
	GetPosition(ctx context.Context, id int64) (*database.Position, error)
	ClosePosition(ctx context.Context, id int64, exitPrice float64, exitTime time.Time, exitReason string, pnlAmount, pnlPercent float64) error
	GetDailyStats(ctx context.Context, limit int) ([]database.DailyStat, error)
	GetAuditLogs(ctx context.Context, limit int) ([]database.AuditLog, error)
	WriteAudit(ctx context.Context, source, action, market, detail string) error
}

// Breaker is the circuit breaker control surface.
type Breaker interface {
	Status() []circuit.MarketStatus
	Reset(marketID string)
}

// Registry exposes claim state and manual release.
type Registry interface {
	PositionSummary(ctx context.Context) (registry.Summary, error)
	Release(market string)
}

// PendingLister exposes the in-flight limit orders.
type PendingLister interface {
	List() []database.PendingOrder
}

// Reconciler triggers an on-demand reconciliation pass.
type Reconciler interface {
	RunOnce(ctx context.Context) (*reconcile.Report, error)
}

// Trader submits orders for the manual close endpoint.
type Trader interface {
	Execute(ctx context.Context, sig executor.Signal, requestedNotional float64) *executor.OrderResult
}

// Deps bundles everything the server serves. Optional fields may be nil and
// their endpoints respond 503.
type Deps struct {
	Store      Store
	Breaker    Breaker
	Registry   Registry
	Pending    PendingLister
	Reconciler Reconciler
	Trader     Trader
	Exchange   upbit.API
	Auth       *auth.Service
	Bus        *events.Bus
}

// Server is the operator HTTP server.
type Server struct {
	cfg        config.ServerConfig
	authCfg    config.AuthConfig
	deps       Deps
	router     *gin.Engine
	httpServer *http.Server
	hub        *Hub
	logger     zerolog.Logger
	startedAt  time.Time
}

// NewServer builds the router and wires the websocket hub to the event bus.
func NewServer(cfg config.ServerConfig, authCfg config.AuthConfig, deps Deps, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:       cfg,
		authCfg:   authCfg,
		deps:      deps,
		router:    gin.New(),
		hub:       NewHub(logger),
		logger:    logger.With().Str("component", "api").Logger(),
		startedAt: time.Now(),
	}

	s.router.Use(gin.Recovery())
	s.router.Use(s.requestLogger())

	corsCfg := cors.DefaultConfig()
	if origins := splitOrigins(cfg.AllowedOrigins); len(origins) > 0 {
		corsCfg.AllowOrigins = origins
	} else {
		corsCfg.AllowAllOrigins = true
	}
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization")
	s.router.Use(cors.New(corsCfg))

	s.routes()

	if deps.Bus != nil {
		deps.Bus.SubscribeAll(func(e events.Event) { s.hub.BroadcastEvent(e) })
	}
	return s
}

func (s *Server) routes() {
	s.router.GET("/health", s.handleHealth)
	s.router.POST("/api/v1/auth/login", s.handleLogin)

	v1 := s.router.Group("/api/v1")
	v1.Use(auth.Middleware(s.deps.Auth, s.authCfg.Enabled))
	{
		v1.GET("/status", s.handleStatus)
		v1.GET("/positions", s.handlePositions)
		v1.POST("/positions/:id/close", s.handleClosePosition)
		v1.GET("/trades", s.handleTrades)
		v1.GET("/stats/daily", s.handleDailyStats)
		v1.GET("/orders/pending", s.handlePendingOrders)
		v1.GET("/breaker", s.handleBreakerStatus)
		v1.POST("/breaker/:market/reset", s.handleBreakerReset)
		v1.GET("/registry", s.handleRegistrySummary)
		v1.POST("/reconcile", s.handleReconcile)
		v1.GET("/audit", s.handleAuditLogs)
		v1.GET("/ws", s.handleWebsocket)
	}
}

// Start runs the HTTP server and the websocket hub until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeout) * time.Second,
	}

	go s.hub.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("api server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
		timeout := time.Duration(s.cfg.ShutdownTimeout) * time.Second
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("api shutdown: %w", err)
		}
		s.logger.Info().Msg("api server stopped")
		return nil
	}
}

func splitOrigins(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		// Websocket upgrades hold the connection open; skip their latency.
		if c.Writer.Status() == http.StatusSwitchingProtocols {
			return
		}
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}
