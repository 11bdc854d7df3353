// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package remote serves an asynchronous solve over HTTP.
//
// The coordinator process owns the consensus state through a solver.Hub
// and exposes its Coordinator contract as JSON endpoints. Worker
// processes run solver.RunWorker against a Client, which implements the
// same contract, so the in-process and distributed topologies share one
// worker loop.
//
// Routes:
//
//	POST /v1/hedge/lease     lease a scenario (long poll, 204 on timeout)
//	POST /v1/hedge/complete  report a result
//	GET  /v1/hedge/status    progress snapshot
//	GET  /v1/hedge/health    liveness and problem shape
//	GET  /v1/hedge/stream    websocket record stream
//	GET  /metrics            Prometheus metrics, when that exporter is active
package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianHedge/services/hedge/solver"
	"github.com/AleutianAI/AleutianHedge/services/hedge/telemetry"
)

// ServerConfig configures the coordinator server.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8095".
	Addr string `yaml:"addr" json:"addr"`

	// LeaseWait bounds how long a lease request waits for a free scenario
	// before answering 204.
	LeaseWait time.Duration `yaml:"lease_wait" json:"lease_wait"`

	// ShutdownGrace keeps the server up after the solve finishes so
	// workers learn about it instead of seeing connection errors.
	ShutdownGrace time.Duration `yaml:"shutdown_grace" json:"shutdown_grace"`

	// ServiceName labels server spans.
	ServiceName string `yaml:"service_name" json:"service_name"`

	Logger  *slog.Logger       `yaml:"-" json:"-"`
	Metrics *telemetry.Metrics `yaml:"-" json:"-"`
}

// DefaultServerConfig returns the defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:          ":8095",
		LeaseWait:     20 * time.Second,
		ShutdownGrace: 2 * time.Second,
		ServiceName:   "hedge-coordinator",
	}
}

// LeaseRequest is the body of POST /v1/hedge/lease.
type LeaseRequest struct {
	Worker string `json:"worker" binding:"required"`
}

// CompleteRequest is the body of POST /v1/hedge/complete.
type CompleteRequest struct {
	LeaseID  string    `json:"lease_id" binding:"required"`
	Worker   string    `json:"worker" binding:"required"`
	Scenario int       `json:"scenario" binding:"gte=0"`
	Primal   []float64 `json:"primal"`
	Failed   bool      `json:"failed"`
	Error    string    `json:"error"`
}

// CompleteResponse is the answer to POST /v1/hedge/complete.
type CompleteResponse struct {
	Ack   solver.Ack `json:"ack"`
	Error string     `json:"error,omitempty"`
}

// Health is the answer to GET /v1/hedge/health.
type Health struct {
	Status    string `json:"status"`
	RunID     string `json:"run_id"`
	Scenarios int    `json:"scenarios"`
	Dim       int    `json:"dim"`
	Finished  bool   `json:"finished"`
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Error codes carried by ErrorResponse.
const (
	CodeBadRequest   = "bad_request"
	CodeFinished     = "solve_finished"
	CodeUnknownLease = "unknown_lease"
	CodeInternal     = "internal"
)

// Server exposes a Hub over HTTP.
//
// Thread Safety: Safe for concurrent use.
type Server struct {
	hub         *solver.Hub
	broadcaster *Broadcaster
	cfg         ServerConfig
	logger      *slog.Logger
	router      *gin.Engine
	baseCtx     context.Context
	cancel      context.CancelFunc
}

// NewServer builds the router. broadcaster may be nil, which disables the
// stream route.
func NewServer(hub *solver.Hub, broadcaster *Broadcaster, cfg ServerConfig) *Server {
	def := DefaultServerConfig()
	if cfg.LeaseWait <= 0 {
		cfg.LeaseWait = def.LeaseWait
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = def.ServiceName
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		hub:         hub,
		broadcaster: broadcaster,
		cfg:         cfg,
		logger:      cfg.Logger.With(slog.String("component", "coordinator"), slog.String("run_id", hub.RunID())),
		baseCtx:     ctx,
		cancel:      cancel,
	}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(s.cfg.ServiceName))
	router.Use(metricsMiddleware(s.cfg.Metrics))

	v1 := router.Group("/v1/hedge")
	{
		v1.POST("/lease", s.handleLease)
		v1.POST("/complete", s.handleComplete)
		v1.GET("/status", s.handleStatus)
		v1.GET("/health", s.handleHealth)
		if s.broadcaster != nil {
			v1.GET("/stream", s.handleStream)
		}
	}
	if h := telemetry.MetricsHandler(); h != nil {
		router.GET("/metrics", gin.WrapH(h))
	}
	return router
}

// metricsMiddleware records request counts and latencies per route.
func metricsMiddleware(m *telemetry.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.RecordHTTP(c.Request.Context(), c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}

func abort(c *gin.Context, status int, code string, err error) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: err.Error(), Code: code})
}

func (s *Server) handleLease(c *gin.Context) {
	var req LeaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, CodeBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.LeaseWait)
	defer cancel()
	task, err := s.hub.Lease(ctx, req.Worker)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, task)
	case errors.Is(err, solver.ErrSolveFinished):
		abort(c, http.StatusGone, CodeFinished, err)
	case errors.Is(err, context.DeadlineExceeded) && c.Request.Context().Err() == nil:
		c.Status(http.StatusNoContent)
	case c.Request.Context().Err() != nil:
		// Client went away; nothing to answer.
		c.Abort()
	default:
		s.logger.Error("lease failed", slog.String("worker", req.Worker), slog.String("error", err.Error()))
		abort(c, http.StatusInternalServerError, CodeInternal, err)
	}
}

func (s *Server) handleComplete(c *gin.Context) {
	var req CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, CodeBadRequest, err)
		return
	}

	ack, err := s.hub.Complete(c.Request.Context(), solver.Result{
		LeaseID:  req.LeaseID,
		Worker:   req.Worker,
		Scenario: req.Scenario,
		Primal:   req.Primal,
		Failed:   req.Failed,
		Error:    req.Error,
	})
	switch {
	case err == nil:
		c.JSON(http.StatusOK, CompleteResponse{Ack: ack})
	case errors.Is(err, solver.ErrSolveFinished):
		c.JSON(http.StatusGone, CompleteResponse{Ack: ack, Error: err.Error()})
	case errors.Is(err, solver.ErrUnknownLease):
		s.logger.Warn("result for unknown lease",
			slog.String("lease_id", req.LeaseID),
			slog.String("worker", req.Worker),
		)
		c.JSON(http.StatusNotFound, CompleteResponse{Ack: ack, Error: err.Error()})
	default:
		s.logger.Error("complete failed", slog.String("worker", req.Worker), slog.String("error", err.Error()))
		abort(c, http.StatusInternalServerError, CodeInternal, err)
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.hub.Status())
}

func (s *Server) handleHealth(c *gin.Context) {
	st := s.hub.Status()
	c.JSON(http.StatusOK, Health{
		Status:    "ok",
		RunID:     st.RunID,
		Scenarios: st.Scenarios,
		Dim:       s.hub.Problem().Dim(),
		Finished:  st.Finished,
	})
}

func (s *Server) handleStream(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("stream upgrade failed", slog.String("error", err.Error()))
		return
	}
	s.logger.Info("stream client connected", slog.String("remote", c.ClientIP()))
	serveStream(s.baseCtx, ws, s.broadcaster, s.logger)
}

// ListenAndServe serves until ctx ends or the solve finishes, then keeps
// answering for ShutdownGrace and shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("coordinator listening", slog.String("addr", s.cfg.Addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		s.cancel()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	case <-ctx.Done():
	case <-s.hub.Done():
		select {
		case <-time.After(s.cfg.ShutdownGrace):
		case <-ctx.Done():
		}
	}

	s.cancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	<-errc
	s.logger.Info("coordinator stopped")
	return nil
}

// Close ends open streams.
func (s *Server) Close() { s.cancel() }
