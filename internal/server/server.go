// Package server exposes the state manager over HTTP: template management,
// run triggering, the worker pull loop and the per-state signal endpoints.
package server

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/exospherehost/state-manager/internal/engine"
	"github.com/exospherehost/state-manager/internal/metrics"
	"github.com/exospherehost/state-manager/internal/store"
	"github.com/exospherehost/state-manager/internal/validate"
)

// Config holds server wiring.
type Config struct {
	Addr        string
	APIKey      string
	CORSOrigins []string
}

// Server is the HTTP front of the engine.
type Server struct {
	config  Config
	eng     *engine.Engine
	st      store.Store
	runner  *validate.Runner
	met     *metrics.Metrics
	log     zerolog.Logger
	baseCtx context.Context
	cancel  context.CancelFunc
	httpSrv *http.Server
}

// New wires the routes and middleware around an engine.
func New(cfg Config, eng *engine.Engine, st store.Store, runner *validate.Runner, met *metrics.Metrics, log zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:  cfg,
		eng:     eng,
		st:      st,
		runner:  runner,
		met:     met,
		log:     log,
		baseCtx: ctx,
		cancel:  cancel,
	}

	mux := http.NewServeMux()

	// Go 1.22+ method+pattern routing.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", met.Handler())

	mux.HandleFunc("PUT /v0/namespace/{ns}/graph/{g}", s.handleUpsertGraph)
	mux.HandleFunc("GET /v0/namespace/{ns}/graph/{g}", s.handleGetGraph)
	mux.HandleFunc("GET /v0/namespace/{ns}/graphs/{$}", s.handleListGraphs)
	mux.HandleFunc("PUT /v0/namespace/{ns}/nodes/{$}", s.handleRegisterNodes)
	mux.HandleFunc("GET /v0/namespace/{ns}/nodes/{$}", s.handleListNodes)
	mux.HandleFunc("POST /v0/namespace/{ns}/graph/{g}/trigger", s.handleTrigger)
	mux.HandleFunc("POST /v0/namespace/{ns}/states/enqueue", s.handleEnqueue)
	mux.HandleFunc("POST /v0/namespace/{ns}/state/{id}/executed", s.handleExecuted)
	mux.HandleFunc("POST /v0/namespace/{ns}/state/{id}/errored", s.handleErrored)
	mux.HandleFunc("POST /v0/namespace/{ns}/state/{id}/prune", s.handlePrune)
	mux.HandleFunc("POST /v0/namespace/{ns}/state/{id}/re-enqueue-after", s.handleReenqueueAfter)
	mux.HandleFunc("GET /v0/namespace/{ns}/state/{id}/secrets", s.handleStateSecrets)
	mux.HandleFunc("GET /v0/namespace/{ns}/runs/{page}/{size}", s.handleListRuns)
	mux.HandleFunc("GET /v0/namespace/{ns}/states/run/{run_id}/graph", s.handleRunGraph)

	corsMW := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "X-API-Key", "X-Exosphere-Request-ID"},
		ExposedHeaders:   []string{"X-Exosphere-Request-ID"},
		AllowCredentials: true,
	})

	var handler http.Handler = mux
	handler = s.authenticate(handler)
	handler = s.logRequests(handler)
	handler = s.recoverPanics(handler)
	handler = requestID(handler)
	handler = corsMW.Handler(handler)

	s.httpSrv = &http.Server{
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	return s
}

// Handler exposes the routed stack for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// ListenAndServe starts the server and blocks until SIGINT/SIGTERM or a
// listener error.
func (s *Server) ListenAndServe() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		s.log.Info().Str("signal", sig.String()).Msg("shutting down")
		s.Shutdown()
	}()

	s.log.Info().Str("addr", s.config.Addr).Msg("listening")
	s.httpSrv.Addr = s.config.Addr
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains HTTP connections and cancels in-flight request contexts.
func (s *Server) Shutdown() {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)
	s.cancel()
}
