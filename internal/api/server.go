// Package api serves the read-only dashboard endpoints. It only reads files
// the control loop has already committed and has no route that mutates state.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"llm-perp-agent/internal/logger"
	"llm-perp-agent/internal/metrics"
	"llm-perp-agent/internal/performance"
	"llm-perp-agent/internal/persist"
)

type Config struct {
	Addr           string
	SnapshotPath   string
	LedgerPath     string
	InitialCapital float64
	PeriodsPerYear float64
}

type Server struct {
	cfg  Config
	http *http.Server
}

func NewServer(cfg Config) *Server {
	s := &Server{cfg: cfg}
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router builds the gin engine. Exposed for tests.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLog())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := r.Group("/api")
	v1.GET("/snapshot", s.handleSnapshot)
	v1.GET("/ledger", s.handleLedger)
	v1.GET("/stats", s.handleStats)
	return r
}

func requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug(c.Request.Context(), "Dashboard request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

func (s *Server) handleSnapshot(c *gin.Context) {
	snap, ok, err := persist.ReadSnapshot(s.cfg.SnapshotPath)
	if err != nil {
		logger.ErrorWithErr(c.Request.Context(), "Snapshot read failed", err, "path", s.cfg.SnapshotPath)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "snapshot unavailable"})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no snapshot yet"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// handleLedger returns ledger entries, optionally only those at or after ?since=RFC3339.
func (s *Server) handleLedger(c *gin.Context) {
	var since time.Time
	if v := c.Query("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
		since = t
	}

	entries := []persist.LedgerEntry{}
	err := persist.ReadLedger(s.cfg.LedgerPath, func(e persist.LedgerEntry) error {
		if !e.Time.Before(since) {
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		logger.ErrorWithErr(c.Request.Context(), "Ledger read failed", err, "path", s.cfg.LedgerPath)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ledger unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// handleStats recomputes statistics from the ledger on every request.
func (s *Server) handleStats(c *gin.Context) {
	tr := performance.NewTracker(s.cfg.InitialCapital, s.cfg.PeriodsPerYear, nil)
	if err := tr.Replay(s.cfg.LedgerPath); err != nil {
		logger.ErrorWithErr(c.Request.Context(), "Ledger replay failed", err, "path", s.cfg.LedgerPath)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ledger unavailable"})
		return
	}
	c.JSON(http.StatusOK, tr.Stats())
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "Dashboard listening", "addr", s.cfg.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}
