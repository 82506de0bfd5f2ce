package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"tickmatch/internal/book"
	"tickmatch/internal/core"
	"tickmatch/internal/market"
	"tickmatch/internal/observability"
	"tickmatch/internal/query"
)

// Server exposes the read-only query surface and the admin endpoints
// over HTTP. Every query of core state runs through the runner so it
// observes a consistent core state; no handler touches the facade
// directly. The audit, event history and integrity routes read Postgres
// through the query service instead.
type Server struct {
	runner  *core.Runner
	history *query.Service
	health  *observability.HealthChecker
	metrics *observability.Metrics
	log     zerolog.Logger
	engine  *gin.Engine
	httpSrv *http.Server
}

func NewServer(
	runner *core.Runner,
	history *query.Service,
	health *observability.HealthChecker,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		runner:  runner,
		history: history,
		health:  health,
		metrics: metrics,
		log:     log,
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(s.requestLogger())

	engine.GET("/healthz", gin.WrapF(health.LivenessHandler))
	engine.GET("/readyz", gin.WrapF(health.ReadinessHandler))

	v1 := engine.Group("/v1")
	{
		v1.GET("/orders/:id", s.getOrder)
		v1.GET("/orders/:id/audit", s.getOrderAudit)
		v1.GET("/pairs", s.listPairs)
		v1.GET("/pairs/:id/book", s.getBook)
		v1.GET("/escrow/:owner/:token", s.getEscrow)
		v1.GET("/events", s.getEvents)
		v1.GET("/stats", s.getStats)
		v1.POST("/admin/reset-desync", s.resetDesync)
		v1.GET("/admin/integrity", s.getIntegrity)
	}

	s.engine = engine
	return s
}

// Start serves until ctx is cancelled, then drains with a short
// shutdown grace period.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("http server listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

// Engine returns the router for handler tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		s.metrics.RecordQuery(path, status, time.Since(start))

		if status >= 500 {
			s.log.Error().
				Str("method", c.Request.Method).
				Str("path", path).
				Int("status", status).
				Dur("duration", time.Since(start)).
				Msg("request failed")
		}
	}
}

func (s *Server) getOrder(c *gin.Context) {
	orderID := c.Param("id")

	var (
		order book.Order
		qerr  error
	)
	err := s.runner.Do(c.Request.Context(), func(f *core.Facade) {
		order, qerr = f.GetOrder(orderID)
	})
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	if errors.Is(qerr, book.ErrUnknownOrder) {
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		return
	}
	if qerr != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": qerr.Error()})
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) listPairs(c *gin.Context) {
	var pairs []market.Pair
	err := s.runner.Do(c.Request.Context(), func(f *core.Facade) {
		pairs = f.Pairs()
	})
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pairs": pairs})
}

func (s *Server) getBook(c *gin.Context) {
	pairID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pair id"})
		return
	}

	var buckets []core.BucketView
	if err := s.runner.Do(c.Request.Context(), func(f *core.Facade) {
		buckets = f.BookView(pairID)
	}); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pair_id": pairID, "buckets": buckets})
}

func (s *Server) getEscrow(c *gin.Context) {
	owner := c.Param("owner")
	tokenID, err := strconv.ParseUint(c.Param("token"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid token id"})
		return
	}

	var committed uint64
	if err := s.runner.Do(c.Request.Context(), func(f *core.Facade) {
		committed = f.EscrowCommitted(owner, tokenID)
	}); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"owner":     owner,
		"token_id":  tokenID,
		"committed": committed,
	})
}

func (s *Server) getStats(c *gin.Context) {
	var stats core.Stats
	if err := s.runner.Do(c.Request.Context(), func(f *core.Facade) {
		stats = f.Stats()
	}); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) getOrderAudit(c *gin.Context) {
	orderID := c.Param("id")
	limit := parseLimit(c.Query("limit"), 50)

	var beforeID *int64
	if raw := c.Query("before_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid before_id"})
			return
		}
		beforeID = &id
	}

	entries, err := s.history.OrderAuditHistory(c.Request.Context(), orderID, limit, beforeID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": orderID, "audit": entries})
}

func (s *Server) getEvents(c *gin.Context) {
	limit := parseLimit(c.Query("limit"), 100)

	var pairID *int64
	if raw := c.Query("pair_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pair_id"})
			return
		}
		pairID = &id
	}

	var beforeSeq *int64
	if raw := c.Query("before_sequence"); raw != "" {
		seq, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid before_sequence"})
			return
		}
		beforeSeq = &seq
	}

	entries, err := s.history.EventHistory(c.Request.Context(), pairID, limit, beforeSeq)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": entries})
}

func (s *Server) getIntegrity(c *gin.Context) {
	report, err := s.history.VerifyIntegrity(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

func parseLimit(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 1000 {
		return def
	}
	return n
}

func (s *Server) resetDesync(c *gin.Context) {
	var wasHalted bool
	if err := s.runner.Do(c.Request.Context(), func(f *core.Facade) {
		wasHalted = f.Stats().Halted
		f.ResetAfterDesync()
	}); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	if !wasHalted {
		c.JSON(http.StatusConflict, gin.H{"error": "core is not halted"})
		return
	}
	s.log.Warn().Msg("core halt cleared by admin request")
	c.JSON(http.StatusOK, gin.H{"status": "resumed"})
}
