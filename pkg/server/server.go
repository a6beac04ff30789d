package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/elonfeng/rivalradar/internal/pipeline"
	"github.com/elonfeng/rivalradar/internal/store"
)

// Triggerer runs an alert on demand.
type Triggerer interface {
	Trigger(ctx context.Context, alertID string) (*store.AlertRun, error)
}

// QuotaReader reports the current month's usage.
type QuotaReader interface {
	Usage(ctx context.Context) (*store.QuotaUsage, error)
}

// Server provides the HTTP API.
type Server struct {
	store   store.Store
	trigger Triggerer
	quota   QuotaReader
	metrics http.Handler
	port    int
	log     zerolog.Logger
	engine  *gin.Engine
}

// New creates a new HTTP server. metrics may be nil.
func New(s store.Store, trigger Triggerer, quota QuotaReader, metrics http.Handler, port int, log zerolog.Logger) *Server {
	if port == 0 {
		port = 8080
	}
	gin.SetMode(gin.ReleaseMode)
	srv := &Server{
		store:   s,
		trigger: trigger,
		quota:   quota,
		metrics: metrics,
		port:    port,
		log:     log.With().Str("component", "server").Logger(),
	}
	srv.engine = srv.routes()
	return srv
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/health", s.handleHealth)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}

	api := r.Group("/api/v1")
	api.GET("/alerts", s.handleListAlerts)
	api.POST("/alerts", s.handleCreateAlert)
	api.GET("/alerts/:id", s.handleGetAlert)
	api.POST("/alerts/:id/trigger", s.handleTrigger)
	api.GET("/alerts/:id/runs", s.handleListRuns)
	api.GET("/presences", s.handleListPresences)
	api.GET("/quota", s.handleQuota)
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", httpSrv.Addr).Msg("rivalradar server listening")
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleListAlerts(c *gin.Context) {
	alerts, err := s.store.ListAlerts(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": alerts, "count": len(alerts)})
}

func (s *Server) handleCreateAlert(c *gin.Context) {
	a := store.Alert{IsActive: true}
	if err := c.ShouldBindJSON(&a); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	// Server-owned fields.
	a.ID, a.LastRun = "", nil
	a.NextRunTime, a.CreatedAt = time.Time{}, time.Time{}

	a.Normalize()
	if err := a.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.store.CreateAlert(c.Request.Context(), &a); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": a})
}

func (s *Server) handleGetAlert(c *gin.Context) {
	a, err := s.store.GetAlert(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": a})
}

func (s *Server) handleTrigger(c *gin.Context) {
	// The run finishes and is recorded even if the client goes away.
	run, err := s.trigger.Trigger(context.WithoutCancel(c.Request.Context()), c.Param("id"))
	if run == nil {
		s.writeError(c, err)
		return
	}
	// A finished run is the answer even when it failed.
	c.JSON(http.StatusOK, gin.H{"data": run})
}

func (s *Server) handleListRuns(c *gin.Context) {
	ctx := c.Request.Context()
	if _, err := s.store.GetAlert(ctx, c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	runs, err := s.store.ListAlertRuns(ctx, c.Param("id"), queryInt(c, "limit", 20))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": runs, "count": len(runs)})
}

func (s *Server) handleListPresences(c *gin.Context) {
	opts := store.PresenceListOpts{
		AlertID:    c.Query("alert_id"),
		Competitor: c.Query("competitor"),
		Limit:      queryInt(c, "limit", 100),
	}
	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
		opts.Since = t
	}

	records, err := s.store.ListPresenceRecords(c.Request.Context(), opts)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": records, "count": len(records)})
}

func (s *Server) handleQuota(c *gin.Context) {
	usage, err := s.quota.Usage(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": usage})
}

func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, pipeline.ErrAlertBusy):
		status = http.StatusConflict
	default:
		s.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func queryInt(c *gin.Context, key string, def int) int {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil || n <= 0 {
		return def
	}
	return n
}
