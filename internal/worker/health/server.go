// Package health 提供存活检查和进行中 Run 的查询接口
package health

import (
	"encoding/json"
	"net/http"

	"computeworker/internal/worker"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// RunLister 由 worker.Agent 实现
type RunLister interface {
	ActiveRuns() []worker.ActiveRun
	Draining() bool
}

type Server struct {
	NodeID string
	Slots  int
	Runs   RunLister
}

type runsResponse struct {
	NodeID string             `json:"node_id"`
	Slots  int                `json:"slots"`
	Runs   []worker.ActiveRun `json:"runs"`
}

func (s Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/runs", s.handleRuns)
	return r
}

// handleHealthz 排空期间返回 503，负载均衡不再把流量指向这个节点
func (s Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if s.Runs.Draining() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("draining"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s Server) handleRuns(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, runsResponse{
		NodeID: s.NodeID,
		Slots:  s.Slots,
		Runs:   s.Runs.ActiveRuns(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
