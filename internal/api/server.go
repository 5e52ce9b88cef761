// Package api exposes the agent over HTTP and WebSocket for the UI.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"bybit-trading-agent/internal/circuit"
	"bybit-trading-agent/internal/database"
	"bybit-trading-agent/internal/positions"
	"bybit-trading-agent/internal/state"
	"bybit-trading-agent/internal/strategy"
	"bybit-trading-agent/internal/trade"
	"bybit-trading-agent/internal/watch"
)

// ChatResponse is the answer to one chat command.
type ChatResponse struct {
	Success bool        `json:"success"`
	Type    string      `json:"type"`
	Message string      `json:"message"`
	Opinion string      `json:"opinion,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// AgentService is the command surface the server drives. Implemented by
// the agent package.
type AgentService interface {
	HandleChat(ctx context.Context, message string) ChatResponse
	Enter(ctx context.Context, intent trade.Intent) (*trade.Contract, *trade.Rejection)
	Exit(ctx context.Context, symbol string, pct float64) error
	Pause()
	Resume()
	Unlock(symbol string)
	RegisterSymbol(ctx context.Context, symbol string) error
	Status() map[string]interface{}
}

// Deps wires the server to the components it reads.
type Deps struct {
	Agent    AgentService
	Engine   *strategy.Engine
	Machine  *state.Machine
	Breaker  *circuit.Breaker
	Executor *trade.Executor
	Tracker  *positions.Tracker
	Watches  *watch.Manager
	Repo     *database.Repository // nil when running without a database
	Hub      *WSHub
}

// Server is the HTTP/WS surface.
type Server struct {
	router *gin.Engine
	http   *http.Server
	deps   Deps
	logger zerolog.Logger
}

// NewServer builds the router and its routes.
func NewServer(host string, port int, deps Deps, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router: router,
		deps:   deps,
		logger: logger.With().Str("component", "APIServer").Logger(),
		http: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", host, port),
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/ws", s.deps.Hub.handleWS)

	agent := s.router.Group("/agent")
	{
		agent.POST("/chat", s.handleChat)
		agent.GET("/status", s.handleStatus)
		agent.GET("/circuit-breaker", s.handleBreakerState)
		agent.POST("/circuit-breaker/override", s.handleBreakerOverride)
		agent.POST("/circuit-breaker/reset", s.handleBreakerReset)
		agent.POST("/pause", s.handlePause)
		agent.POST("/resume", s.handleResume)
		agent.POST("/unlock/:symbol", s.handleUnlock)
		agent.GET("/watches", s.handleWatchList)
		agent.POST("/watch", s.handleWatchCreate)
		agent.DELETE("/watch/:id", s.handleWatchCancel)
		agent.GET("/distance/:symbol/:type", s.handleDistance)
		agent.GET("/events", s.handleEvents)
	}

	strategyGroup := s.router.Group("/strategy")
	{
		strategyGroup.GET("/state/:symbol", s.handleStrategyState)
		strategyGroup.GET("/states", s.handleStrategyStates)
		strategyGroup.POST("/register/:symbol", s.handleStrategyRegister)
		strategyGroup.POST("/recompute/:symbol", s.handleStrategyRecompute)
	}

	execution := s.router.Group("/execution")
	{
		execution.POST("/enter", s.handleEnter)
		execution.POST("/exit", s.handleExit)
		execution.GET("/positions", s.handlePositions)
		execution.GET("/trades", s.handleTrades)
	}
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.http.Addr).Msg("API server listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.deps.Repo != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Repo.HealthCheck(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "database": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func errorResponse(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"success": false, "error": message})
}

func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}
