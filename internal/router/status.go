package router

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/AokiApp/jsapdu-over-ip-sub003/internal/observability"
)

// StatusServer is the router's read-only surface: cardhost snapshots for
// operators, health for probes, Prometheus metrics for scraping. It never
// mutates the routing table.
type StatusServer struct {
	addr  string
	table *Table
}

func NewStatusServer(addr string, table *Table) *StatusServer {
	observability.RegisterMetrics()
	return &StatusServer{addr: addr, table: table}
}

func (s *StatusServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/cardhosts", s.handleCardhosts)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func (s *StatusServer) Run(ctx context.Context) error {
	server := &http.Server{Addr: s.addr, Handler: s.Handler()}
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	log.Info().Str("addr", s.addr).Msg("router: status surface listening")
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *StatusServer) handleCardhosts(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.table.Snapshot()); err != nil {
		log.Debug().Err(err).Msg("router: snapshot encode failed")
	}
}

func (s *StatusServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	cardhosts, controllers := s.table.Counts()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{
		"cardhosts":   cardhosts,
		"controllers": controllers,
	})
}
