package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"plantnode/internal/auth"
	"plantnode/internal/cloud"
	"plantnode/internal/connection"
	"plantnode/internal/events"
	"plantnode/internal/metrics"
)

// NetworkStatus is the connection handler as seen by the API
type NetworkStatus interface {
	SSID() string
	State() connection.State
}

// Deps holds everything the API serves
type Deps struct {
	Cloud   *cloud.Client
	Network NetworkStatus
	Events  *events.Store
	Metrics *metrics.Metrics
	Tokens  *auth.JWTManager
	NoAuth  bool
	Logger  *zap.Logger

	// ReadingsLimiter limits POST /api/readings per client IP; nil disables it
	ReadingsLimiter *auth.IPRateLimiter

	// TrustProxy resolves client IPs from X-Real-IP and X-Forwarded-For
	// instead of the connection's remote address
	TrustProxy bool
}

// Server represents the API server
type Server struct {
	router   *chi.Mux
	deps     Deps
	logger   *zap.Logger
	clientIP clientIPFunc
	authMw   *auth.Middleware
	tickets  *auth.TicketStore
	hub      *Hub
}

// NewServer creates the API server and subscribes the live hub to cloud
// publish notifications.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("api")

	s := &Server{
		router:   chi.NewRouter(),
		deps:     deps,
		logger:   logger,
		clientIP: clientIPResolver(deps.TrustProxy),
		tickets:  auth.NewTicketStore(),
		hub:      NewHub(logger),
	}
	if deps.Tokens != nil {
		s.authMw = auth.NewMiddleware(deps.Tokens, logger, func(r *http.Request, err error) {
			deps.Events.Add(events.EventAuthFailed, "", s.clientIP(r), false, err.Error())
		})
	}
	if deps.Cloud != nil {
		deps.Cloud.OnPublish(s.hub.Broadcast)
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	r := s.router

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	healthHandler := NewHealthHandler(s.deps.Cloud, s.deps.Network)
	propertyHandler := NewPropertyHandler(s.deps.Cloud, s.deps.Metrics, s.deps.Events, s.clientIP, s.logger)
	eventsHandler := NewEventsHandler(s.deps.Events)
	liveHandler := NewLiveHandler(s.hub, s.tickets, s.clientIP, s.logger)

	// Public routes
	r.Get("/api/health", healthHandler.Health)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics.Handler())
	}
	// The ticket is the credential here
	r.Get("/api/live", liveHandler.Connect)

	// Protected API routes
	r.Group(func(r chi.Router) {
		r.Use(middleware.Compress(5))
		if !s.deps.NoAuth && s.authMw != nil {
			r.Use(s.authMw.RequireAuth)
		}

		r.Get("/api/node", healthHandler.Node)

		r.Get("/api/properties", propertyHandler.List)
		r.Get("/api/properties/{name}/history", propertyHandler.History)

		limited := r.With()
		if s.deps.ReadingsLimiter != nil {
			limited = r.With(s.deps.ReadingsLimiter.Limit(s.clientIP))
		}
		limited.Post("/api/readings", propertyHandler.Readings)

		r.Get("/api/events", eventsHandler.List)
		r.Post("/api/live/ticket", liveHandler.Ticket)
	})
}

// requestLogger logs each request through zap
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

// Housekeep drops expired live tickets and idle rate limiter entries until
// ctx is cancelled
func (s *Server) Housekeep(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tickets.Cleanup()
			if s.deps.ReadingsLimiter != nil {
				s.deps.ReadingsLimiter.Cleanup()
			}
		}
	}
}

// Router returns the chi router
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Hub returns the live update hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// writeJSON writes JSON response
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
