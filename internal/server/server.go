package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/relstate/relstate/internal/metrics"
	"github.com/relstate/relstate/internal/schema"
	"github.com/relstate/relstate/internal/server/subs"
	"github.com/relstate/relstate/internal/storage"
)

// PrincipalFunc extracts the authenticated principal from a request. Nil
// means every request is anonymous.
type PrincipalFunc func(req *http.Request) any

// Server binds the router to its transports: the /sync websocket endpoint
// and the per-resource HTTP surface, plus health and metrics.
type Server struct {
	addr          string
	router        *Router
	metrics       *metrics.Collector
	principalFunc PrincipalFunc

	httpServer *http.Server
	listener   net.Listener
}

// New assembles a server over the given schema, storage, and routes.
func New(addr string, sch *schema.Schema, st storage.Store, routes []*Route, principal PrincipalFunc) (*Server, error) {
	col := metrics.New()
	router, err := NewRouter(sch, st, subs.New(), col, routes...)
	if err != nil {
		return nil, err
	}
	return &Server{
		addr:          addr,
		router:        router,
		metrics:       col,
		principalFunc: principal,
	}, nil
}

// Router exposes the router, mainly for tests and embedded use.
func (s *Server) Router() *Router {
	return s.router
}

func (s *Server) principal(req *http.Request) any {
	if s.principalFunc == nil {
		return nil
	}
	return s.principalFunc(req)
}

// Handler returns the full HTTP handler tree.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /sync", s.HandleWS)
	mux.HandleFunc("GET /{resource}", s.handleHTTPQuery)
	mux.HandleFunc("POST /{resource}/{procedure}", s.handleHTTPMutate)
	return mux
}

// Start listens and serves until ctx is canceled, then drains with a short
// shutdown timeout.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	var err error
	s.listener, err = net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", s.addr, err)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(s.listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Addr returns the bound listen address once Start has been called.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}
