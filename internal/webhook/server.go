package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/mattjoyce/evexec/internal/events"
	"github.com/mattjoyce/evexec/internal/pipeline"
)

// Server represents the webhook HTTP server.
type Server struct {
	config Config
	submit Submitter
	hub    *events.Hub
	logger *slog.Logger
	server *http.Server
	stats  func() any

	// endpoints maps URL paths to their configurations
	endpoints map[string]*EndpointConfig
}

// New creates a webhook server. hub may be nil, which disables GET /events.
func New(config Config, submit Submitter, hub *events.Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	endpoints := make(map[string]*EndpointConfig)
	for i := range config.Endpoints {
		ep := &config.Endpoints[i]
		if ep.MaxBodySize == 0 {
			ep.MaxBodySize = DefaultMaxBodySize
		}
		if ep.SignatureHeader == "" {
			ep.SignatureHeader = DefaultSignatureHeader
		}
		endpoints[ep.Path] = ep
	}

	return &Server{
		config:    config,
		submit:    submit,
		hub:       hub,
		logger:    logger.With("component", "webhook"),
		endpoints: endpoints,
	}
}

// WithStats adds the value returned by fn to every /healthz response.
func (s *Server) WithStats(fn func() any) *Server {
	s.stats = fn
	return s
}

// Start listens on the configured address and serves until ctx is
// cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("webhook server listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if s.hub != nil {
		// Event streams never go idle on their own.
		s.server.RegisterOnShutdown(s.hub.Close)
	}

	s.logger.Info("webhook server starting", "listen", ln.Addr().String(), "endpoints", len(s.endpoints))
	for path, ep := range s.endpoints {
		if ep.Secret == "" {
			s.logger.Warn("webhook endpoint accepts unsigned deliveries", "path", path, "kind", string(ep.Kind))
		}
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("webhook server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("webhook server error: %w", err)
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	for path := range s.endpoints {
		r.Post(path, s.handleWebhook)
	}
	r.Get("/healthz", s.handleHealth)
	if s.hub != nil {
		r.Get("/events", events.Handler(s.hub))
	}

	return r
}

// loggingMiddleware logs HTTP requests (excludes payloads).
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("webhook request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "ok"}
	if s.hub != nil {
		resp.Events = &EventStats{Dropped: s.hub.Dropped()}
	}
	if s.stats != nil {
		resp.Stats = s.stats()
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// handleWebhook verifies, decodes and validates one delivery, then hands it
// to the submitter and answers 202 without waiting for the pipeline.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	endpoint, ok := s.endpoints[r.URL.Path]
	if !ok {
		s.respondError(w, http.StatusNotFound, "endpoint not found")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, endpoint.MaxBodySize+1))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if int64(len(body)) > endpoint.MaxBodySize {
		s.respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	if endpoint.Secret != "" {
		if err := verifySignature(body, r.Header.Get(endpoint.SignatureHeader), endpoint.Secret); err != nil {
			s.logger.Warn("webhook signature verification failed",
				"path", r.URL.Path,
				"header", endpoint.SignatureHeader,
			)
			s.respondError(w, http.StatusForbidden, "forbidden")
			return
		}
	}

	var n pipeline.Notification
	if err := json.Unmarshal(body, &n); err != nil {
		s.respondError(w, http.StatusBadRequest, "malformed JSON payload")
		return
	}
	if err := n.Validate(); err != nil {
		s.logger.Warn("webhook notification rejected", "path", r.URL.Path, "error", err)
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	deliveryID := uuid.NewString()
	logger := s.logger.With(
		"delivery_id", deliveryID,
		"request_id", middleware.GetReqID(r.Context()),
		"kind", string(endpoint.Kind),
		"notification", n,
	)

	if endpoint.Kind == pipeline.KindRegistration {
		err = s.submit.Registration(n)
	} else {
		err = s.submit.Push(n)
	}
	if errors.Is(err, pipeline.ErrInvalidNotification) {
		logger.Warn("webhook notification rejected", "error", err)
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		logger.Error("failed to submit notification", "error", err)
		s.respondError(w, http.StatusServiceUnavailable, "not accepting notifications")
		return
	}

	logger.Info("notification accepted")
	s.respondJSON(w, http.StatusAccepted, AcceptedResponse{
		DeliveryID:  deliveryID,
		Kind:        endpoint.Kind,
		Participant: n.Key(),
	})
}

// respondJSON sends a JSON response.
func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}

// respondError sends a JSON error response.
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{Error: message})
}
