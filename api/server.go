// Package api serves the failover status and live parameters over HTTP and
// queries peers the same way.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pingcap/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/go-mysql-org/go-failover/failover"
)

type StatusSource interface {
	Status() failover.Status
}

type Server struct {
	status StatusSource
	params *failover.Params
	engine *gin.Engine
	logger *slog.Logger
}

func NewServer(status StatusSource, params *failover.Params, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		status: status,
		params: params,
		engine: gin.New(),
		logger: logger,
	}

	s.engine.Use(gin.Recovery(), s.accessLog)
	s.engine.GET("/status", s.getStatus)
	s.engine.GET("/params", s.getParams)
	s.engine.PUT("/params", s.putParams)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	s.logger.Info("http server started", slog.String("addr", addr))

	select {
	case err := <-errc:
		return errors.Trace(err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Trace(err)
	}
	return nil
}

func (s *Server) accessLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.logger.Debug("http request",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.Int("status", c.Writer.Status()),
		slog.Duration("took", time.Since(start)))
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.status.Status())
}

func (s *Server) getParams(c *gin.Context) {
	c.JSON(http.StatusOK, s.params.Snapshot())
}

// putParams updates the fields present in the body and keeps the rest.
func (s *Server) putParams(c *gin.Context) {
	snap := s.params.Snapshot()
	if err := c.ShouldBindJSON(&snap); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"message": "invalid params: " + err.Error(),
		})
		return
	}
	if snap.PollingIntervalSeconds <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"message": "polling_interval_seconds must be positive",
		})
		return
	}
	if snap.FailureThreshold < 0 || snap.CooldownSeconds < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"message": "failure_threshold and cooldown_seconds must not be negative",
		})
		return
	}

	s.params.Apply(snap)
	s.logger.Info("failover params updated",
		slog.Int64("polling_interval_seconds", snap.PollingIntervalSeconds),
		slog.Int64("failure_threshold", snap.FailureThreshold),
		slog.Int64("cooldown_seconds", snap.CooldownSeconds),
		slog.Bool("enabled", snap.Enabled),
		slog.Bool("elect_on_shutdown", snap.ElectOnShutdown))
	c.JSON(http.StatusOK, s.params.Snapshot())
}
