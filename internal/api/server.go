package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// DefaultAllowedOrigins are the dev-server origins permitted when none are
// configured.
var DefaultAllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}

// ServerOptions configures the HTTP listener.
type ServerOptions struct {
	Address        string
	AllowedOrigins []string
	SendLimit      SendLimit
}

// Server is the local HTTP API.
type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

// NewRouter builds the full route tree: health probes, metrics and /api/v1.
func NewRouter(h *Handler, limit SendLimit, logger *zap.Logger) *mux.Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	router := mux.NewRouter()

	router.HandleFunc("/healthz", h.Healthz).Methods("GET")
	router.HandleFunc("/healthz/live", h.Live).Methods("GET")
	router.HandleFunc("/healthz/ready", h.Ready).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	apiRouter := router.PathPrefix("/api/v1").Subrouter()
	SetupRoutes(apiRouter, h)
	apiRouter.Use(sendLimitMiddleware(limit))

	router.Use(requestIDMiddleware)
	router.Use(loggingMiddleware(logger))
	router.Use(recoveryMiddleware(logger))
	return router
}

// NewServer wraps the router with CORS and the server timeouts.
func NewServer(opts ServerOptions, h *Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = DefaultAllowedOrigins
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", RequestIDHeader},
		ExposedHeaders:   []string{RequestIDHeader, "Retry-After"},
		AllowCredentials: true,
	})

	return &Server{
		srv: &http.Server{
			Addr:         opts.Address,
			Handler:      c.Handler(NewRouter(h, opts.SendLimit, logger)),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With(zap.String("component", "api")),
	}
}

// Handler returns the root handler, CORS included.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Serve accepts connections on l until Shutdown. It returns nil after a
// graceful shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("local API listening", zap.String("address", l.Addr().String()))
	if err := s.srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on the configured address.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
