package api

import (
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/leo20251128/aigame/manager"
	"github.com/leo20251128/aigame/trader"
)

// Server is the HTTP control surface: read-only state endpoints plus the
// operator commands (emergency stop, resume, close-all, URL switch).
type Server struct {
	router        *gin.Engine
	traderManager *manager.TraderManager
	port          int
}

// NewServer creates API server
func NewServer(traderManager *manager.TraderManager, port int) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.Default()
	router.Use(corsMiddleware())

	s := &Server{
		router:        router,
		traderManager: traderManager,
		port:          port,
	}
	s.setupRoutes()
	return s
}

// corsMiddleware CORS middleware
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Cache-Control")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	s.router.Any("/health", s.handleHealth)

	api := s.router.Group("/api")
	{
		api.GET("/traders", s.handleTraderList)
		api.GET("/competition", s.handleCompetition)

		// Trader-specific data (query parameter ?trader_id=xxx, defaults to
		// the first trader)
		api.GET("/status", s.handleStatus)
		api.GET("/account", s.handleAccount)
		api.GET("/positions", s.handlePositions)
		api.GET("/decisions", s.handleDecisions)
		api.GET("/decisions/latest", s.handleLatestDecision)
		api.GET("/statistics", s.handleStatistics)
		api.GET("/performance", s.handlePerformance)
		api.GET("/equity-history", s.handleEquityHistory)
		api.GET("/trades", s.handleTrades)

		// Operator commands
		api.POST("/commands/emergency-stop", s.handleEmergencyStop)
		api.POST("/commands/resume", s.handleResume)
		api.POST("/commands/close-all", s.handleCloseAll)
		api.POST("/commands/close-position", s.handleClosePosition)
		api.POST("/commands/switch-url", s.handleSwitchURL)
	}

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": fmt.Sprintf("route not found: %s %s", c.Request.Method, c.Request.URL.Path),
		})
	})
}

// Start runs the HTTP server, blocking until it exits.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	log.Printf("🌐 API server listening on %s", addr)
	return s.router.Run(addr)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// getTrader resolves the trader_id query parameter, defaulting to the first
// registered trader.
func (s *Server) getTrader(c *gin.Context) (*trader.AutoTrader, error) {
	traderID := c.Query("trader_id")
	if traderID == "" {
		ids := s.traderManager.GetTraderIDs()
		if len(ids) == 0 {
			return nil, fmt.Errorf("no available trader")
		}
		traderID = ids[0]
	}
	return s.traderManager.GetTrader(traderID)
}

func (s *Server) handleTraderList(c *gin.Context) {
	traders := s.traderManager.GetAllTraders()
	list := make([]gin.H, 0, len(traders))
	for _, t := range traders {
		list = append(list, gin.H{
			"trader_id":   t.GetID(),
			"trader_name": t.GetName(),
			"ai_model":    t.GetAIModel(),
			"engine":      t.GetEngineName(),
			"is_running":  t.IsRunning(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"traders": list, "count": len(list)})
}

func (s *Server) handleCompetition(c *gin.Context) {
	c.JSON(http.StatusOK, s.traderManager.GetComparisonData())
}

func (s *Server) handleStatus(c *gin.Context) {
	t, err := s.getTrader(c)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, t.Status())
}

func (s *Server) handleAccount(c *gin.Context) {
	t, err := s.getTrader(c)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	account, err := t.GetAccountInfo()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to get account: %v", err)})
		return
	}
	pnl := account.TotalEquity - t.GetInitialBalance()
	pnlPct := 0.0
	if t.GetInitialBalance() > 0 {
		pnlPct = pnl / t.GetInitialBalance() * 100
	}
	c.JSON(http.StatusOK, gin.H{
		"trader_id":       t.GetID(),
		"account":         account,
		"initial_balance": t.GetInitialBalance(),
		"total_pnl":       pnl,
		"total_pnl_pct":   pnlPct,
	})
}

func (s *Server) handlePositions(c *gin.Context) {
	t, err := s.getTrader(c)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	positions, err := t.GetPositions()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to get positions: %v", err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trader_id": t.GetID(), "positions": positions, "count": len(positions)})
}

func (s *Server) handleDecisions(c *gin.Context) {
	t, err := s.getTrader(c)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	limit := queryInt(c, "limit", 20)
	records, err := t.GetDecisionLogger().GetLatestRecords(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to get decisions: %v", err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trader_id": t.GetID(), "decisions": records, "count": len(records)})
}

func (s *Server) handleLatestDecision(c *gin.Context) {
	t, err := s.getTrader(c)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	records, err := t.GetDecisionLogger().GetLatestRecords(1)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to get decisions: %v", err)})
		return
	}
	if len(records) == 0 {
		c.JSON(http.StatusOK, gin.H{"trader_id": t.GetID(), "decision": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trader_id": t.GetID(), "decision": records[0]})
}

func (s *Server) handleStatistics(c *gin.Context) {
	t, err := s.getTrader(c)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	stats, err := t.GetDecisionLogger().GetStatistics()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to get statistics: %v", err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trader_id": t.GetID(), "statistics": stats, "breaker": t.BreakerState()})
}

func (s *Server) handlePerformance(c *gin.Context) {
	t, err := s.getTrader(c)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	perf := t.GetPerformance()
	if perf == nil {
		c.JSON(http.StatusOK, gin.H{"trader_id": t.GetID(), "performance": nil, "message": "no closed trades yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trader_id": t.GetID(), "performance": perf})
}

func (s *Server) handleEquityHistory(c *gin.Context) {
	t, err := s.getTrader(c)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	limit := queryInt(c, "limit", 500)
	points, err := t.GetDecisionLogger().GetEquityHistory(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to get equity history: %v", err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trader_id": t.GetID(), "equity_history": points, "count": len(points)})
}

func (s *Server) handleTrades(c *gin.Context) {
	t, err := s.getTrader(c)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	limit := queryInt(c, "limit", 100)
	trades, err := t.GetDecisionLogger().GetTrades(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to get trades: %v", err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trader_id": t.GetID(), "trades": trades, "count": len(trades)})
}

type emergencyStopRequest struct {
	TraderID       string `json:"trader_id"`
	ClosePositions bool   `json:"close_positions"`
}

func (s *Server) handleEmergencyStop(c *gin.Context) {
	var req emergencyStopRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request body: %v", err)})
		return
	}
	t, err := s.resolveTrader(req.TraderID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	result := t.EmergencyStop(req.ClosePositions)
	resp := gin.H{"trader_id": t.GetID(), "stopped": true}
	if result != nil {
		resp["close_all"] = result
	}
	c.JSON(http.StatusOK, resp)
}

type traderIDRequest struct {
	TraderID string `json:"trader_id"`
}

func (s *Server) handleResume(c *gin.Context) {
	var req traderIDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request body: %v", err)})
		return
	}
	t, err := s.resolveTrader(req.TraderID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	t.ResumeTrading()
	c.JSON(http.StatusOK, gin.H{"trader_id": t.GetID(), "resumed": true, "breaker": t.BreakerState()})
}

func (s *Server) handleCloseAll(c *gin.Context) {
	var req traderIDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request body: %v", err)})
		return
	}
	t, err := s.resolveTrader(req.TraderID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	result := t.CloseAllPositions()
	status := http.StatusOK
	if !result.Success {
		// Partial failure: report what closed and what is retryable
		status = http.StatusMultiStatus
	}
	c.JSON(status, gin.H{"trader_id": t.GetID(), "result": result})
}

type closePositionRequest struct {
	TraderID string `json:"trader_id"`
	Symbol   string `json:"symbol" binding:"required"`
	Side     string `json:"side" binding:"required"`
}

func (s *Server) handleClosePosition(c *gin.Context) {
	var req closePositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request body: %v", err)})
		return
	}
	t, err := s.resolveTrader(req.TraderID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	result, err := t.CloseOnePosition(req.Symbol, req.Side)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to close position: %v", err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trader_id": t.GetID(), "result": result})
}

func (s *Server) handleSwitchURL(c *gin.Context) {
	var req traderIDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request body: %v", err)})
		return
	}
	t, err := s.resolveTrader(req.TraderID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	client := t.ExchangeClient()
	if client == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "trader engine has no switchable exchange endpoint"})
		return
	}
	newURL := client.SwitchURL()
	log.Printf("🔀 [%s] Exchange URL switched manually to %s", t.GetName(), newURL)
	c.JSON(http.StatusOK, gin.H{"trader_id": t.GetID(), "active_url": newURL, "connection": client.ConnectionStatus()})
}

func (s *Server) resolveTrader(traderID string) (*trader.AutoTrader, error) {
	if traderID == "" {
		ids := s.traderManager.GetTraderIDs()
		if len(ids) == 0 {
			return nil, fmt.Errorf("no available trader")
		}
		traderID = ids[0]
	}
	return s.traderManager.GetTrader(traderID)
}

func queryInt(c *gin.Context, name string, def int) int {
	if raw := c.Query(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			return v
		}
	}
	return def
}
