// Package api exposes the broker over HTTP: a declaration surface for
// operators (stacks, content, agents, orders) and an authenticated
// agent-facing surface for the poll, claim, outcome and heartbeat flow.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dyluth/anvil/internal/content"
	"github.com/dyluth/anvil/internal/dispatch"
	"github.com/dyluth/anvil/internal/registry"
	"github.com/dyluth/anvil/internal/stacks"
	"github.com/dyluth/anvil/pkg/fleet"
)

// Server serves the broker HTTP API.
type Server struct {
	client     *fleet.Client
	stacks     *stacks.Registry
	content    *content.Store
	agents     *registry.Registry
	dispatcher *dispatch.Dispatcher

	addr   string
	server *http.Server
}

// NewServer creates the API server. addr is the listen address.
func NewServer(client *fleet.Client, st *stacks.Registry, cs *content.Store, ag *registry.Registry, d *dispatch.Dispatcher, addr string) *Server {
	return &Server{
		client:     client,
		stacks:     st,
		content:    cs,
		agents:     ag,
		dispatcher: d,
		addr:       addr,
	}
}

// Handler builds the route table. Exposed separately so tests can serve it
// through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.healthCheckHandler)

	// Declaration surface.
	mux.HandleFunc("POST /api/v1/stacks", s.declareStack)
	mux.HandleFunc("GET /api/v1/stacks", s.listStacks)
	mux.HandleFunc("GET /api/v1/stacks/{id}", s.getStack)
	mux.HandleFunc("DELETE /api/v1/stacks/{id}", s.deleteStack)
	mux.HandleFunc("POST /api/v1/stacks/{id}/content", s.submitContent)
	mux.HandleFunc("GET /api/v1/stacks/{id}/versions", s.listVersions)
	mux.HandleFunc("GET /api/v1/stacks/{id}/current", s.currentVersion)

	mux.HandleFunc("POST /api/v1/agents", s.registerAgent)
	mux.HandleFunc("GET /api/v1/agents", s.listAgents)
	mux.HandleFunc("GET /api/v1/agents/{id}", s.getAgent)
	mux.HandleFunc("PUT /api/v1/agents/{id}/labels", s.setAgentLabels)
	mux.HandleFunc("DELETE /api/v1/agents/{id}", s.deleteAgent)

	mux.HandleFunc("GET /api/v1/orders", s.listOrders)
	mux.HandleFunc("GET /api/v1/orders/{id}", s.getOrder)

	// Agent-facing surface. Every route authenticates the presented PAK and
	// acts only on the resolved agent's own resources.
	mux.HandleFunc("POST /api/v1/heartbeat", s.withAgent(s.heartbeat))
	mux.HandleFunc("GET /api/v1/work", s.withAgent(s.pollWork))
	mux.HandleFunc("POST /api/v1/work/{id}/claim", s.withAgent(s.claimWork))
	mux.HandleFunc("POST /api/v1/work/{id}/outcome", s.withAgent(s.reportOutcome))

	return mux
}

// Start begins serving in the background.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("API server error: %v\n", err)
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// withAgent authenticates the Bearer PAK and passes the resolved agent to the
// handler. Every failure mode returns the same 401 body.
func (s *Server) withAgent(next func(http.ResponseWriter, *http.Request, *fleet.Agent)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pak := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		agent, err := s.agents.Authenticate(r.Context(), pak)
		if err != nil {
			if errors.Is(err, fleet.ErrUnauthenticated) {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		next(w, r, agent)
	}
}

// healthCheckHandler handles GET /healthz requests.
// Returns 200 OK if Redis is accessible, 503 Service Unavailable otherwise.
func (s *Server) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:   "healthy",
		Instance: s.client.InstanceName(),
	}

	if err := s.client.Ping(ctx); err != nil {
		response.Status = "unhealthy"
		response.Redis = "disconnected"
		response.Error = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, response)
		return
	}

	response.Redis = "connected"
	writeJSON(w, http.StatusOK, response)
}

// HealthResponse is the JSON response structure for health checks.
type HealthResponse struct {
	Status   string `json:"status"`
	Instance string `json:"instance,omitempty"`
	Redis    string `json:"redis,omitempty"`
	Error    string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return err
	}
	return nil
}

// writeError maps domain errors to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, fleet.ErrUnauthenticated):
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	case fleet.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, fleet.ErrAlreadyClaimed),
		errors.Is(err, fleet.ErrNotClaimed),
		errors.Is(err, fleet.ErrDuplicateStackName),
		errors.Is(err, fleet.ErrDuplicateAgent),
		errors.Is(err, fleet.ErrStackNotWritable):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}
