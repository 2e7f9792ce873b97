// Package api exposes the workflow service over JSON/HTTP.
//
// The acting user is taken from the X-Actor-ID, X-Actor-Role and
// X-Actor-Equipment headers. Authentication is the fronting proxy's job.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/roach88/atelier/internal/errclass"
	"github.com/roach88/atelier/internal/job"
	"github.com/roach88/atelier/internal/workflow"
)

// Actor headers.
const (
	HeaderActorID        = "X-Actor-ID"
	HeaderActorRole      = "X-Actor-Role"
	HeaderActorEquipment = "X-Actor-Equipment"
)

// Server routes HTTP requests to a workflow service.
type Server struct {
	svc    *workflow.Service
	logger *slog.Logger
	router *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New builds the router. Call gin.SetMode before New to change gin's mode.
func New(svc *workflow.Service, opts ...Option) *Server {
	s := &Server{svc: svc, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": "atelier"})
	})

	v1 := r.Group("/api/v1")
	{
		v1.GET("/jobs/:id", s.getJob)
		v1.GET("/jobs/:id/attachments", s.getAttachments)
		v1.GET("/jobs/:id/transitions", s.getTransitions)
		v1.GET("/jobs/:id/suggestion", s.getSuggestion)
		v1.POST("/jobs/:id/status", s.changeStatus)
	}
	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ChangeStatusRequest is the body of POST /jobs/:id/status.
type ChangeStatusRequest struct {
	Status string `json:"status" binding:"required"`
	Reason string `json:"reason"`
}

// TransitionsResponse lists what the actor may do next.
type TransitionsResponse struct {
	JobID       string           `json:"job_id"`
	Status      string           `json:"status"`
	Transitions []job.Transition `json:"transitions"`
}

// SuggestionResponse carries the advisory next action, null when none.
type SuggestionResponse struct {
	JobID      string          `json:"job_id"`
	Suggestion *job.Transition `json:"suggestion"`
}

// ErrorResponse wraps every failure.
type ErrorResponse struct {
	Error *errclass.Error `json:"error"`
}

func (s *Server) getJob(c *gin.Context) {
	refresh, _ := strconv.ParseBool(c.Query("refresh"))
	wo, err := s.svc.Get(c.Request.Context(), c.Param("id"), refresh)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, wo)
}

func (s *Server) getAttachments(c *gin.Context) {
	refresh, _ := strconv.ParseBool(c.Query("refresh"))
	files, err := s.svc.Attachments(c.Request.Context(), c.Param("id"), refresh)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": c.Param("id"), "attachments": files})
}

func (s *Server) getTransitions(c *gin.Context) {
	wo, err := s.svc.Get(c.Request.Context(), c.Param("id"), false)
	if err != nil {
		s.fail(c, err)
		return
	}
	available, err := s.svc.AvailableTransitions(*wo, actorFrom(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, TransitionsResponse{JobID: wo.ID, Status: string(wo.Status), Transitions: available})
}

func (s *Server) getSuggestion(c *gin.Context) {
	wo, err := s.svc.Get(c.Request.Context(), c.Param("id"), false)
	if err != nil {
		s.fail(c, err)
		return
	}
	next, err := s.svc.NextSuggestedAction(*wo, actorFrom(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, SuggestionResponse{JobID: wo.ID, Suggestion: next})
}

func (s *Server) changeStatus(c *gin.Context) {
	var req ChangeStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: errclass.New(errclass.KindUnknown, "invalid request body: "+err.Error(), err)})
		return
	}
	wo, err := s.svc.ChangeStatus(c.Request.Context(), c.Param("id"), req.Status, req.Reason, actorFrom(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, wo)
}

func (s *Server) fail(c *gin.Context, err error) {
	ce := errclass.Classify(err)
	code := StatusCode(ce.Kind)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.FullPath(), "kind", ce.Kind, "error", err)
	}
	c.JSON(code, ErrorResponse{Error: ce})
}

// StatusCode maps an error kind onto an HTTP status.
func StatusCode(kind errclass.Kind) int {
	switch {
	case kind.IsValidation():
		return http.StatusUnprocessableEntity
	case kind == errclass.KindNotFound:
		return http.StatusNotFound
	case kind == errclass.KindRemoteRejection:
		return http.StatusConflict
	case kind == errclass.KindTransportError:
		return http.StatusServiceUnavailable
	case kind == errclass.KindInvalidIdentifier:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func actorFrom(c *gin.Context) job.Actor {
	return job.Actor{
		ID:             c.GetHeader(HeaderActorID),
		Role:           c.GetHeader(HeaderActorRole),
		EquipmentClass: c.GetHeader(HeaderActorEquipment),
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
