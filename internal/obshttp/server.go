// Package obshttp exposes a node's health, metrics, and live event feed
// over HTTP for operators, separate from the peer-to-peer wire protocol.
package obshttp

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"plotchain/core"
)

// Server is the observability HTTP surface: /healthz, /metrics, /events.
type Server struct {
	router     *chi.Mux
	httpServer *http.Server

	rk       *core.RecordKeeper
	metrics  *core.MetricsCollector
	upgrader websocket.Upgrader

	log *logrus.Logger
}

func NewServer(addr string, rk *core.RecordKeeper, metrics *core.MetricsCollector, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{
		rk:      rk,
		metrics: metrics,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.router = chi.NewRouter()
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.routes()
	s.httpServer = &http.Server{Addr: addr, Handler: s.router}
	return s
}

func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/metrics-json", s.handleMetricsJSON)
	if s.metrics != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	}
	s.router.Get("/events", s.handleEvents)
}

// Start blocks serving until the server is shut down.
func (s *Server) Start() error {
	s.log.Infof("obshttp: listening on %s", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	head, height := s.rk.CurrentHead()
	writeJSON(w, map[string]any{
		"status": "ok",
		"head":   head.Hex(),
		"height": height,
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleMetricsJSON(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		http.Error(w, "metrics not configured", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, s.metrics.Snapshot())
}

// handleEvents upgrades to a websocket and relays every RecordKeeper event
// (new block, new txn, state invalidation) as it's published, until the
// client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("obshttp: websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	ch, unsubscribe := s.rk.Events().Subscribe(64)
	defer unsubscribe()

	for ev := range ch {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
