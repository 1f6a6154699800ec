// Package statsd exposes a stats.Sink over HTTP as a JSON status
// endpoint, the way the teacher's agent.RestAgent exposes bundle
// registration over a gorilla/mux router.
package statsd

import (
	"encoding/json"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/gorilla/mux"

	"github.com/dtn7/relstack/sessionid"
	"github.com/dtn7/relstack/stats"
)

// EngineStatus is the subset of stack.Engine state the /status endpoint
// reports; the caller assembles it, so statsd does not import package
// stack.
type EngineStatus struct {
	SSLStarted  bool `json:"ssl_started"`
	Invalidated bool `json:"invalidated"`
}

// StatusFunc reports the current EngineStatus of the session Handler is
// wired to.
type StatusFunc func() EngineStatus

// Handler is an http.Handler exposing /status and /metrics for one
// session, backed by a *stats.Counters.
type Handler struct {
	router  *mux.Router
	id      sessionid.ID
	stats   *stats.Counters
	status  StatusFunc
}

// NewHandler builds a Handler for the session id, reporting stats and
// whatever status reports at call time.
func NewHandler(id sessionid.ID, s *stats.Counters, status StatusFunc) *Handler {
	h := &Handler{
		router: mux.NewRouter(),
		id:     id,
		stats:  s,
		status: status,
	}
	h.router.HandleFunc("/status", h.handleStatus).Methods(http.MethodGet)
	h.router.HandleFunc("/metrics", h.handleMetrics).Methods(http.MethodGet)
	return h
}

// ServeHTTP dispatches to the registered routes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

type statusResponse struct {
	SessionID string `json:"session_id"`
	EngineStatus
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		SessionID:    h.id.String(),
		EngineStatus: h.status(),
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.WithError(err).Warn("failed to write status response")
	}
}

type metricsResponse struct {
	SessionID           string `json:"session_id"`
	SSLErrors           int64  `json:"ssl_errors"`
	EncapsulationErrors int64  `json:"encapsulation_errors"`
}

func (h *Handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	resp := metricsResponse{
		SessionID:           h.id.String(),
		SSLErrors:           h.stats.SSLErrors(),
		EncapsulationErrors: h.stats.EncapsulationErrors(),
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.WithError(err).Warn("failed to write metrics response")
	}
}
