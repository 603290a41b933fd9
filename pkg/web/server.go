// Package web exposes replay sessions over HTTP: control operations and
// event streaming under /mktdata, plus health and prometheus endpoints.
package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/go-pkgz/lgr"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pragmahq/mktreplay/pkg/catalogue"
	"github.com/pragmahq/mktreplay/pkg/replay"
)

// Server provides the HTTP API over a session registry.
type Server struct {
	listen   string
	cat      *catalogue.Catalogue
	registry *replay.Registry
	srv      *http.Server
}

// NewServer creates a server for the given catalogue and registry.
func NewServer(listen string, cat *catalogue.Catalogue, registry *replay.Registry) *Server {
	return &Server{listen: listen, cat: cat, registry: registry}
}

// Start begins listening for HTTP requests.
// blocks until the listener fails or the context is canceled; request
// contexts derive from ctx, so cancellation also ends subscribe streams.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.listen,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	// start shutdown listener
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
	}()

	log.Printf("[INFO] http server listening on %s", s.listen)
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("http server: %w", err)
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown server: %w", err)
	}
	return nil
}

// routes builds the router: session control and streaming under /mktdata,
// health and metrics at the root.
func (s *Server) routes() chi.Router {
	router := chi.NewRouter()
	router.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	router.Use(logRequests)
	router.Use(middleware.Throttle(1000))

	router.Route("/mktdata", func(r chi.Router) {
		r.With(middleware.Timeout(30*time.Second)).Get("/sessions", s.handleSessions)

		r.Route("/session", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(30 * time.Second))
				r.Post("/", s.handleCreate)
				r.Put("/start/{id}", s.handleStart)
				r.Put("/stop/{id}", s.handleStop)
				r.Put("/rewind/{id}", s.handleRewind)
				r.Put("/speed/{id}/{speed}", s.handleSpeed)
				r.Put("/forward/{id}/{count}", s.handleForward)
				r.Put("/jump/{id}/{eventID}", s.handleJump)
				r.Get("/{id}", s.handleSessionInfo)
			})
			// no timeout here, the stream lives as long as the session
			r.Get("/subscribe/{id}", s.handleSubscribe)
		})
	})

	router.Get("/health", s.handleHealth)
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return router
}

// logRequests logs method, path, status and duration for every request.
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		st := time.Now()
		defer func() {
			log.Printf("[DEBUG] %s %s %d %v", r.Method, r.URL.Path, ww.Status(), time.Since(st))
		}()
		next.ServeHTTP(ww, r)
	})
}
