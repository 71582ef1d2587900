// Package status serves the bridge's diagnostic HTTP surface: a JSON
// overview of the upstream binding and every tank, a liveness probe and
// the prometheus scrape endpoint.
package status

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	chiMiddleware "github.com/go-chi/chi/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/venustools/tankbridge/internal/repeater"
	"github.com/venustools/tankbridge/internal/watcher"
)

// Bridge is the status server's view of the running service.
type Bridge interface {
	Binding() watcher.Binding
	Tanks() []repeater.State
	Buffer() (tank int, level, capacity float64)
}

// Server exposes the status endpoints over HTTP.
type Server struct {
	bridge   Bridge
	gatherer prometheus.Gatherer
	addr     string
	log      *zap.SugaredLogger
}

func NewServer(bridge Bridge, gatherer prometheus.Gatherer, addr string, log *zap.SugaredLogger) *Server {
	return &Server{
		bridge:   bridge,
		gatherer: gatherer,
		addr:     addr,
		log:      log,
	}
}

// Router builds the HTTP routes. Exposed separately from Run for tests.
func (srv *Server) Router() http.Handler {
	router := chi.NewRouter()
	router.Use(chiMiddleware.StripSlashes)
	router.Use(LogMiddleware(srv.log))
	router.Get("/", srv.OverviewHandler)
	router.Get("/healthz", srv.HealthHandler)
	router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(srv.gatherer, promhttp.HandlerOpts{}))
	return router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (srv *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    srv.addr,
		Handler: srv.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	srv.log.Infow("status server listening", "addr", srv.addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}

type bufferState struct {
	Tank     int     `json:"tank"`
	Level    float64 `json:"level"`
	Capacity float64 `json:"capacity"`
}

type overview struct {
	Source watcher.Binding  `json:"source"`
	Buffer bufferState      `json:"buffer"`
	Tanks  []repeater.State `json:"tanks"`
}

func (srv *Server) OverviewHandler(w http.ResponseWriter, r *http.Request) {
	tank, level, capacity := srv.bridge.Buffer()
	resp := overview{
		Source: srv.bridge.Binding(),
		Buffer: bufferState{Tank: tank, Level: level, Capacity: capacity},
		Tanks:  srv.bridge.Tanks(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		srv.log.Errorf("failed to write status response: %v", err)
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

func (srv *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
