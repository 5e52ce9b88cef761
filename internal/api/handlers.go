package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"bybit-trading-agent/internal/bybit"
	"bybit-trading-agent/internal/risk"
	"bybit-trading-agent/internal/trade"
	"bybit-trading-agent/internal/watch"
)

// ============================================================================
// AGENT
// ============================================================================

func (s *Server) handleChat(c *gin.Context) {
	var req struct {
		Message string `json:"message" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "message is required")
		return
	}
	c.JSON(http.StatusOK, s.deps.Agent.HandleChat(c.Request.Context(), req.Message))
}

func (s *Server) handleStatus(c *gin.Context) {
	successResponse(c, s.deps.Agent.Status())
}

func (s *Server) handleBreakerState(c *gin.Context) {
	successResponse(c, s.deps.Breaker.Snapshot())
}

func (s *Server) handleBreakerOverride(c *gin.Context) {
	s.deps.Breaker.Override()
	successResponse(c, s.deps.Breaker.Snapshot())
}

func (s *Server) handleBreakerReset(c *gin.Context) {
	s.deps.Breaker.Reset()
	successResponse(c, s.deps.Breaker.Snapshot())
}

func (s *Server) handlePause(c *gin.Context) {
	s.deps.Agent.Pause()
	successResponse(c, gin.H{"paused": true})
}

func (s *Server) handleResume(c *gin.Context) {
	s.deps.Agent.Resume()
	successResponse(c, gin.H{"paused": false})
}

func (s *Server) handleUnlock(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	s.deps.Agent.Unlock(symbol)
	successResponse(c, s.deps.Machine.Snapshot(symbol))
}

func (s *Server) handleEvents(c *gin.Context) {
	if s.deps.Repo == nil {
		errorResponse(c, http.StatusServiceUnavailable, "no database configured")
		return
	}
	symbol := strings.ToUpper(c.Query("symbol"))
	list, err := s.deps.Repo.Events(c.Request.Context(), symbol, 200)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, list)
}

// ============================================================================
// STRATEGY
// ============================================================================

func (s *Server) handleStrategyState(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	st, ok := s.deps.Engine.State(symbol)
	if !ok {
		errorResponse(c, http.StatusNotFound, "symbol not registered")
		return
	}
	successResponse(c, st)
}

func (s *Server) handleStrategyStates(c *gin.Context) {
	successResponse(c, s.deps.Engine.States())
}

func (s *Server) handleStrategyRegister(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	if err := s.deps.Agent.RegisterSymbol(c.Request.Context(), symbol); err != nil {
		errorResponse(c, http.StatusBadGateway, err.Error())
		return
	}
	st, _ := s.deps.Engine.State(symbol)
	successResponse(c, st)
}

func (s *Server) handleStrategyRecompute(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	successResponse(c, s.deps.Engine.Recompute(symbol))
}

// ============================================================================
// EXECUTION
// ============================================================================

type enterRequest struct {
	Symbol     string  `json:"symbol" binding:"required"`
	Side       string  `json:"side" binding:"required"` // long | short
	RiskPct    float64 `json:"risk_pct,omitempty"`
	RiskUSD    float64 `json:"risk_usd,omitempty"`
	Leverage   int     `json:"leverage,omitempty"`
	LimitPrice float64 `json:"limit_price,omitempty"`
	SLRule     string  `json:"sl_rule,omitempty"`
	SLPrice    float64 `json:"sl_price,omitempty"`
	TPRule     string  `json:"tp_rule,omitempty"`
	TPPrice    float64 `json:"tp_price,omitempty"`
	TPRatio    float64 `json:"tp_ratio,omitempty"`
	TrailMode  string  `json:"trail_mode,omitempty"`
}

func (s *Server) handleEnter(c *gin.Context) {
	var req enterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	action := trade.ActionEnterLong
	if strings.EqualFold(req.Side, "short") {
		action = trade.ActionEnterShort
	} else if !strings.EqualFold(req.Side, "long") {
		errorResponse(c, http.StatusBadRequest, "side must be long or short")
		return
	}

	intent := trade.Intent{
		Action:     action,
		Symbol:     strings.ToUpper(req.Symbol),
		RiskPct:    req.RiskPct,
		RiskUSD:    req.RiskUSD,
		Leverage:   req.Leverage,
		LimitPrice: req.LimitPrice,
		SLRule:     risk.SLRule(strings.ToUpper(req.SLRule)),
		SLPrice:    req.SLPrice,
		TPRule:     trade.TPRule(strings.ToUpper(req.TPRule)),
		TPPrice:    req.TPPrice,
		TPRatio:    req.TPRatio,
		TrailMode:  risk.TrailMode(strings.ToUpper(req.TrailMode)),
	}

	contract, rej := s.deps.Agent.Enter(c.Request.Context(), intent)
	if rej != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"success": false, "rejection": rej})
		return
	}
	successResponse(c, contract)
}

func (s *Server) handleExit(c *gin.Context) {
	var req struct {
		Symbol  string  `json:"symbol" binding:"required"`
		Percent float64 `json:"percent,omitempty"` // 0 or 100 = full close
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	pct := req.Percent
	if pct <= 0 {
		pct = 100
	}
	if err := s.deps.Agent.Exit(c.Request.Context(), strings.ToUpper(req.Symbol), pct); err != nil {
		errorResponse(c, http.StatusUnprocessableEntity, err.Error())
		return
	}
	successResponse(c, gin.H{"symbol": strings.ToUpper(req.Symbol), "percent": pct})
}

func (s *Server) handlePositions(c *gin.Context) {
	successResponse(c, s.deps.Tracker.All())
}

func (s *Server) handleTrades(c *gin.Context) {
	if s.deps.Repo != nil {
		list, err := s.deps.Repo.Trades(c.Request.Context(), 100)
		if err == nil {
			successResponse(c, list)
			return
		}
		s.logger.Warn().Err(err).Msg("Trade list query failed, serving in-memory trades")
	}
	successResponse(c, s.deps.Executor.ActiveTrades())
}

// ============================================================================
// WATCHES
// ============================================================================

type watchRequest struct {
	Symbol       string  `json:"symbol" binding:"required"`
	Side         string  `json:"side" binding:"required"`
	Trigger      string  `json:"trigger" binding:"required"`
	ThresholdPct float64 `json:"threshold_pct,omitempty"`
	TargetPrice  float64 `json:"target_price,omitempty"`
	Mode         string  `json:"mode,omitempty"`
	ExpiresInMin int     `json:"expires_in_min,omitempty"`
	RiskPct      float64 `json:"risk_pct,omitempty"`
	SLRule       string  `json:"sl_rule,omitempty"`
	TrailMode    string  `json:"trail_mode,omitempty"`
	Leverage     int     `json:"leverage,omitempty"`
}

func (s *Server) handleWatchCreate(c *gin.Context) {
	var req watchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	side := bybit.SideBuy
	if strings.EqualFold(req.Side, "short") || strings.EqualFold(req.Side, "sell") {
		side = bybit.SideSell
	}
	mode := watch.ModeNotifyOnly
	if strings.EqualFold(req.Mode, string(watch.ModeAutoEnter)) {
		mode = watch.ModeAutoEnter
	}
	expiry := time.Now().UTC().Add(24 * time.Hour)
	if req.ExpiresInMin > 0 {
		expiry = time.Now().UTC().Add(time.Duration(req.ExpiresInMin) * time.Minute)
	}

	rule := s.deps.Watches.Create(watch.Rule{
		Symbol:       strings.ToUpper(req.Symbol),
		Side:         side,
		Trigger:      watch.TriggerType(strings.ToUpper(req.Trigger)),
		ThresholdPct: req.ThresholdPct,
		TargetPrice:  req.TargetPrice,
		Mode:         mode,
		ExpiresAt:    expiry,
		Preset: watch.Preset{
			RiskPct:   req.RiskPct,
			SLRule:    risk.SLRule(strings.ToUpper(req.SLRule)),
			TrailMode: risk.TrailMode(strings.ToUpper(req.TrailMode)),
			Leverage:  req.Leverage,
		},
	})

	if s.deps.Repo != nil {
		if err := s.deps.Repo.SaveWatch(c.Request.Context(), rule); err != nil {
			s.logger.Warn().Err(err).Str("watch_id", rule.ID).Msg("Watch persist failed")
		}
	}
	successResponse(c, rule)
}

func (s *Server) handleWatchList(c *gin.Context) {
	successResponse(c, s.deps.Watches.List())
}

func (s *Server) handleWatchCancel(c *gin.Context) {
	id := c.Param("id")
	if !s.deps.Watches.Cancel(id) {
		errorResponse(c, http.StatusNotFound, "no active watch with that id")
		return
	}
	if s.deps.Repo != nil {
		if rule, ok := s.deps.Watches.Get(id); ok {
			if err := s.deps.Repo.SaveWatch(c.Request.Context(), rule); err != nil {
				s.logger.Warn().Err(err).Str("watch_id", id).Msg("Watch persist failed")
			}
		}
	}
	successResponse(c, gin.H{"id": id, "status": watch.StatusCancelled})
}

func (s *Server) handleDistance(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	trigger := watch.TriggerType(strings.ToUpper(c.Param("type")))

	st, ok := s.deps.Engine.State(symbol)
	if !ok {
		errorResponse(c, http.StatusNotFound, "symbol not registered")
		return
	}
	dist, ok := watch.Distance(st.Snapshot, trigger)
	if !ok {
		errorResponse(c, http.StatusBadRequest, "unknown distance type or level unavailable")
		return
	}
	successResponse(c, gin.H{
		"symbol":       symbol,
		"type":         trigger,
		"distance_pct": dist,
		"price":        st.Snapshot.Price,
	})
}
