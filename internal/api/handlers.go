package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"upbit-trading-bot/internal/auth"
	"upbit-trading-bot/internal/database"
	"upbit-trading-bot/internal/executor"
)

const defaultListLimit = 100

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"uptime_s":  int(time.Since(s.startedAt).Seconds()),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

type loginRequest struct {
	Password string `json:"password" binding:"required"`
}

func (s *Server) handleLogin(c *gin.Context) {
	if s.deps.Auth == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "auth not configured"})
		return
	}

	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "password is required"})
		return
	}

	token, expiresAt, err := s.deps.Auth.Login(req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		s.logger.Error().Err(err).Msg("login failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token": token,
		"expires_at":   expiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	resp := gin.H{
		"uptime_s":  int(time.Since(s.startedAt).Seconds()),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	if s.deps.Store != nil {
		if positions, err := s.deps.Store.GetOpenPositions(c.Request.Context()); err == nil {
			resp["open_positions"] = len(positions)
		}
	}
	if s.deps.Pending != nil {
		resp["pending_orders"] = len(s.deps.Pending.List())
	}
	if s.deps.Breaker != nil {
		tripped := 0
		for _, ms := range s.deps.Breaker.Status() {
			if ms.State != "CLOSED" {
				tripped++
			}
		}
		resp["tripped_breakers"] = tripped
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) handlePositions(c *gin.Context) {
	positions, err := s.deps.Store.GetOpenPositions(c.Request.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("open positions query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions, "count": len(positions)})
}

// handleClosePosition sells the position at market and records the close.
// The audit trail names the operator surface as the source.
func (s *Server) handleClosePosition(c *gin.Context) {
	if s.deps.Trader == nil || s.deps.Exchange == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "trading not available"})
		return
	}

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid position id"})
		return
	}

	ctx := c.Request.Context()
	pos, err := s.deps.Store.GetPosition(ctx, id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "position not found"})
		return
	}
	if pos.Status == database.PositionStatusClosed {
		c.JSON(http.StatusConflict, gin.H{"error": "position already closed"})
		return
	}

	tickers, err := s.deps.Exchange.GetCurrentPrice(ctx, pos.Market)
	if err != nil || len(tickers) == 0 {
		c.JSON(http.StatusBadGateway, gin.H{"error": "current price unavailable"})
		return
	}
	price := tickers[0].TradePrice

	result := s.deps.Trader.Execute(ctx, executor.Signal{
		Market:   pos.Market,
		Side:     executor.SideSell,
		Price:    price,
		Strategy: pos.Strategy,
		Reason:   "manual close requested by operator",
	}, pos.Quantity*price)

	if !result.Success {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":      result.Error,
			"error_code": result.ErrorCode,
			"pending":    result.IsPending,
		})
		return
	}

	exitPrice := result.ExecutedPrice
	pnlAmount := (exitPrice - pos.EntryPrice) * pos.Quantity
	var pnlPercent float64
	if pos.EntryPrice > 0 {
		pnlPercent = (exitPrice - pos.EntryPrice) / pos.EntryPrice * 100
	}

	if err := s.deps.Store.ClosePosition(ctx, pos.ID, exitPrice, time.Now(), "MANUAL_CLOSE", pnlAmount, pnlPercent); err != nil {
		s.logger.Error().Err(err).Int64("position_id", pos.ID).Msg("manual close persist failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "close persisted failed after sell, check audit"})
		return
	}
	if err := s.deps.Store.WriteAudit(ctx, "api", "MANUAL_CLOSE", pos.Market,
		fmt.Sprintf("position %d closed at %.2f by operator", pos.ID, exitPrice)); err != nil {
		s.logger.Error().Err(err).Msg("audit write failed")
	}
	if s.deps.Registry != nil {
		s.deps.Registry.Release(pos.Market)
	}
	if s.deps.Bus != nil {
		s.deps.Bus.PublishPositionClosed(pos.Market, "MANUAL_CLOSE", exitPrice, pnlAmount, pnlPercent)
	}

	c.JSON(http.StatusOK, gin.H{
		"position_id": pos.ID,
		"exit_price":  exitPrice,
		"pnl":         pnlAmount,
		"pnl_percent": pnlPercent,
	})
}

func (s *Server) handleTrades(c *gin.Context) {
	limit := queryInt(c, "limit", defaultListLimit)
	trades, err := s.deps.Store.GetRecentTrades(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("trades query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades)})
}

func (s *Server) handleDailyStats(c *gin.Context) {
	limit := queryInt(c, "limit", 30)
	stats, err := s.deps.Store.GetDailyStats(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("daily stats query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

func (s *Server) handlePendingOrders(c *gin.Context) {
	if s.deps.Pending == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "pending manager not running"})
		return
	}
	orders := s.deps.Pending.List()
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

func (s *Server) handleBreakerStatus(c *gin.Context) {
	if s.deps.Breaker == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "breaker not running"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"markets": s.deps.Breaker.Status()})
}

func (s *Server) handleBreakerReset(c *gin.Context) {
	if s.deps.Breaker == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "breaker not running"})
		return
	}
	marketID := c.Param("market")
	s.deps.Breaker.Reset(marketID)
	if s.deps.Store != nil {
		if err := s.deps.Store.WriteAudit(c.Request.Context(), "api", "BREAKER_RESET", marketID,
			"circuit breaker reset by operator"); err != nil {
			s.logger.Error().Err(err).Msg("audit write failed")
		}
	}
	c.JSON(http.StatusOK, gin.H{"market": marketID, "state": "CLOSED"})
}

func (s *Server) handleRegistrySummary(c *gin.Context) {
	if s.deps.Registry == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "registry not running"})
		return
	}
	summary, err := s.deps.Registry.PositionSummary(c.Request.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("registry summary failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) handleReconcile(c *gin.Context) {
	if s.deps.Reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciler not running"})
		return
	}
	report, err := s.deps.Reconciler.RunOnce(c.Request.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("manual reconciliation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleAuditLogs(c *gin.Context) {
	limit := queryInt(c, "limit", defaultListLimit)
	logs, err := s.deps.Store.GetAuditLogs(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("audit query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

func queryInt(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
