package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh"
	"github.com/BaSui01/agentmesh/internal/metrics"
)

// opsServer exposes the node's operational surface over HTTP: liveness,
// Prometheus metrics, and read-only views of the peer registry and
// replicated state.
type opsServer struct {
	server *http.Server
	node   *agentmesh.Node
	logger *zap.Logger
}

func newOpsServer(addr string, node *agentmesh.Node, collector *metrics.Collector, logger *zap.Logger) *opsServer {
	s := &opsServer{
		node:   node,
		logger: logger.With(zap.String("component", "ops_server")),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/peers", s.handlePeers)
	mux.HandleFunc("/state", s.handleState)
	mux.Handle("/metrics", promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{}))

	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

func (s *opsServer) Start() {
	go func() {
		s.logger.Info("ops endpoint listening", zap.String("addr", s.server.Addr))
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("ops endpoint failed", zap.Error(err))
		}
	}()
}

func (s *opsServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("ops endpoint shutdown", zap.Error(err))
	}
}

func (s *opsServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{
		"status":          "ok",
		"peer_id":         s.node.ID(),
		"listen_addr":     s.node.Addr(),
		"connected_peers": len(s.node.ConnectedPeers()),
	})
}

func (s *opsServer) handlePeers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.node.Peers())
}

func (s *opsServer) handleState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.node.Sync().Snapshot())
}

func (s *opsServer) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", zap.Error(err))
	}
}
