package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"deltaflow/internal/logger"
	"deltaflow/internal/market"
	"deltaflow/internal/orderflow"
	"deltaflow/internal/store/signallog"
	"deltaflow/internal/strategy"
	"deltaflow/internal/trader"
)

// BarReader serves the bar endpoints from the aggregator.
type BarReader interface {
	LatestBars(ctx context.Context, symbol string, count int) ([]market.FootprintBar, error)
	CurrentBar(symbol string) *market.FootprintBar
}

// MetricsReader computes an order-flow snapshot on demand.
type MetricsReader interface {
	Metrics(ctx context.Context, symbol string) (orderflow.Metrics, error)
}

// PositionReader pages positions out of the store.
type PositionReader interface {
	GetOpenPositions(ctx context.Context) ([]trader.Position, error)
	GetClosedPositions(ctx context.Context, limit int) ([]trader.Position, error)
}

// SignalReader pages the signal log.
type SignalReader interface {
	List(ctx context.Context, q signallog.Query) ([]signallog.Record, error)
	Count(ctx context.Context, q signallog.Query) (int, error)
}

// StrategyAdmin reads and edits the live strategy snapshot.
type StrategyAdmin interface {
	Snapshot() strategy.Snapshot
	Update(name string, p strategy.Profile) (strategy.Profile, error)
}

// SourceStats reports feed connector counters.
type SourceStats interface {
	Stats() market.SourceStats
}

// EngineStats reports the last completed decision cycle.
type EngineStats interface {
	LastCycle() trader.CycleReport
}

// Router wires the /api/v1 surface. Any nil dependency disables its
// endpoints with 503 instead of failing construction, so a bars-only
// deployment still serves.
type Router struct {
	Bars       BarReader
	Metrics    MetricsReader
	Positions  PositionReader
	Signals    SignalReader
	Strategies StrategyAdmin
	Source     SourceStats
	Hub        *market.Hub
	Engine     EngineStats
}

func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("/bars/:symbol", r.handleBars)
	group.GET("/metrics/:symbol", r.handleMetrics)
	group.GET("/positions", r.handlePositions)
	group.GET("/signals", r.handleSignals)
	group.GET("/stats", r.handleStats)
	group.PUT("/strategy/:profile", r.handleStrategyUpdate)
}

func (r *Router) handleBars(c *gin.Context) {
	if r.Bars == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "bar store not enabled"})
		return
	}
	symbol := strings.ToUpper(strings.TrimSpace(c.Param("symbol")))
	count, _ := strconv.Atoi(c.DefaultQuery("count", "50"))
	if count <= 0 {
		count = 50
	}
	if count > 500 {
		count = 500
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	bars, err := r.Bars.LatestBars(ctx, symbol, count)
	if err != nil {
		logger.Errorf("[api] bars list failed symbol=%s err=%v", symbol, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"symbol":  symbol,
		"bars":    bars,
		"current": r.Bars.CurrentBar(symbol),
	})
}

func (r *Router) handleMetrics(c *gin.Context) {
	if r.Metrics == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "metrics not enabled"})
		return
	}
	symbol := strings.ToUpper(strings.TrimSpace(c.Param("symbol")))
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	m, err := r.Metrics.Metrics(ctx, symbol)
	if err != nil {
		logger.Errorf("[api] metrics failed symbol=%s err=%v", symbol, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, m)
}

func (r *Router) handlePositions(c *gin.Context) {
	if r.Positions == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "position store not enabled"})
		return
	}
	status := strings.ToLower(strings.TrimSpace(c.DefaultQuery("status", "all")))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	resp := gin.H{}
	if status == "all" || status == "open" {
		open, err := r.Positions.GetOpenPositions(ctx)
		if err != nil {
			logger.Errorf("[api] open positions failed err=%v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		resp["open"] = open
	}
	if status == "all" || status == "closed" {
		closed, err := r.Positions.GetClosedPositions(ctx, limit)
		if err != nil {
			logger.Errorf("[api] closed positions failed err=%v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		resp["closed"] = closed
	}
	if len(resp) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be open, closed or all"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (r *Router) handleSignals(c *gin.Context) {
	if r.Signals == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "signal log not enabled"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if offset < 0 {
		offset = 0
	}
	if page, _ := strconv.Atoi(c.DefaultQuery("page", "0")); page > 0 {
		offset = (page - 1) * limit
	}
	q := signallog.Query{
		Symbol:     c.Query("symbol"),
		Kind:       c.Query("kind"),
		CycleID:    c.Query("cycle_id"),
		PositionID: c.Query("position_id"),
		Limit:      limit,
		Offset:     offset,
	}

	reqCtx := c.Request.Context()
	listCtx, cancelList := context.WithTimeout(reqCtx, 2*time.Second)
	signals, err := r.Signals.List(listCtx, q)
	cancelList()
	if err != nil {
		logger.Errorf("[api] signal list failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	total := -1
	if parseBoolDefaultTrue(c.DefaultQuery("include_count", "1")) {
		countCtx, cancelCount := context.WithTimeout(reqCtx, 800*time.Millisecond)
		n, err := r.Signals.Count(countCtx, q)
		cancelCount()
		if err != nil {
			logger.Warnf("[api] signal count failed err=%v", err)
		} else {
			total = n
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"signals": signals,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}

func (r *Router) handleStats(c *gin.Context) {
	resp := gin.H{}
	if r.Source != nil {
		resp["source"] = r.Source.Stats()
	}
	if r.Hub != nil {
		resp["hub"] = gin.H{
			"dropped":     r.Hub.Dropped(),
			"subscribers": r.Hub.SubscriberCount(),
		}
	}
	if r.Engine != nil {
		resp["cycle"] = r.Engine.LastCycle()
	}
	if r.Strategies != nil {
		snap := r.Strategies.Snapshot()
		resp["strategies"] = gin.H{
			"version":   snap.Version,
			"loaded_at": snap.LoadedAt,
			"profiles":  len(snap.Profiles),
			"active":    len(snap.ActiveProfiles()),
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (r *Router) handleStrategyUpdate(c *gin.Context) {
	if r.Strategies == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "strategy admin not enabled"})
		return
	}
	name := strings.TrimSpace(c.Param("profile"))
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "profile name required"})
		return
	}
	var p strategy.Profile
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid profile body: " + err.Error()})
		return
	}
	updated, err := r.Strategies.Update(name, p)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"name":    updated.Name,
		"profile": updated,
	})
}

func parseBoolDefaultTrue(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "0", "false", "no", "off":
		return false
	default:
		return true
	}
}
