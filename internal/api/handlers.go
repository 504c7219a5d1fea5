package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/dyluth/anvil/pkg/fleet"
)

// DeclareStackRequest is the body of POST /api/v1/stacks.
type DeclareStackRequest struct {
	Name        string            `json:"name"`
	Labels      map[string]string `json:"labels,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
	Selector    fleet.Selector    `json:"selector"`
}

func (s *Server) declareStack(w http.ResponseWriter, r *http.Request) {
	var req DeclareStackRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return
	}

	stack, err := s.stacks.Declare(r.Context(), req.Name, req.Labels, req.Annotations, req.Selector, time.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stack)
}

func (s *Server) listStacks(w http.ResponseWriter, r *http.Request) {
	includeDeleted := r.URL.Query().Get("include_deleted") == "true"
	all, err := s.stacks.List(r.Context(), includeDeleted)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) getStack(w http.ResponseWriter, r *http.Request) {
	stack, err := s.stacks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stack)
}

func (s *Server) deleteStack(w http.ResponseWriter, r *http.Request) {
	tombstone, err := s.stacks.SoftDelete(r.Context(), r.PathValue("id"), time.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]interface{}{"deleted": true}
	if tombstone != nil {
		resp["tombstone"] = tombstone
	}
	writeJSON(w, http.StatusOK, resp)
}

// SubmitContentRequest is the body of POST /api/v1/stacks/{id}/content.
type SubmitContentRequest struct {
	Blob string `json:"blob"`
}

func (s *Server) submitContent(w http.ResponseWriter, r *http.Request) {
	var req SubmitContentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	if req.Blob == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "blob is required"})
		return
	}

	version, err := s.content.Submit(r.Context(), r.PathValue("id"), req.Blob, time.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, version)
}

func (s *Server) listVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.content.List(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (s *Server) currentVersion(w http.ResponseWriter, r *http.Request) {
	version, err := s.content.Current(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, version)
}

// RegisterAgentRequest is the body of POST /api/v1/agents.
type RegisterAgentRequest struct {
	Name        string            `json:"name"`
	ClusterName string            `json:"cluster_name"`
	Labels      map[string]string `json:"labels,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

// RegisterAgentResponse carries the raw credential. It is returned exactly
// once; only the hash is stored.
type RegisterAgentResponse struct {
	Agent *fleet.Agent `json:"agent"`
	PAK   string       `json:"pak"`
}

func (s *Server) registerAgent(w http.ResponseWriter, r *http.Request) {
	var req RegisterAgentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.ClusterName) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name and cluster_name are required"})
		return
	}

	agent, pak, err := s.agents.Register(r.Context(), req.Name, req.ClusterName, req.Labels, req.Annotations, time.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, RegisterAgentResponse{Agent: agent, PAK: pak})
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.agents.List(r.Context(), time.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.agents.Get(r.Context(), r.PathValue("id"), time.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// SetLabelsRequest is the body of PUT /api/v1/agents/{id}/labels.
type SetLabelsRequest struct {
	Labels map[string]string `json:"labels"`
}

func (s *Server) setAgentLabels(w http.ResponseWriter, r *http.Request) {
	var req SetLabelsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}

	agent, err := s.agents.SetLabels(r.Context(), r.PathValue("id"), req.Labels, time.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) deleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.agents.SoftDelete(r.Context(), r.PathValue("id"), time.Now()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	if agentID := r.URL.Query().Get("agent_id"); agentID != "" {
		orders, err := s.dispatcher.ListForAgent(r.Context(), agentID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, orders)
		return
	}

	orders, err := s.dispatcher.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.dispatcher.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request, agent *fleet.Agent) {
	updated, err := s.agents.Heartbeat(r.Context(), agent.ID, time.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) pollWork(w http.ResponseWriter, r *http.Request, agent *fleet.Agent) {
	items, err := s.dispatcher.PollWork(r.Context(), agent.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// ownedOrder resolves an order id and checks it belongs to the caller.
// Orders owned by other agents are indistinguishable from missing ones.
func (s *Server) ownedOrder(r *http.Request, agent *fleet.Agent) (*fleet.WorkOrder, error) {
	order, err := s.dispatcher.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		return nil, err
	}
	if order.AgentID != agent.ID {
		return nil, fleet.ErrNotFound
	}
	return order, nil
}

func (s *Server) claimWork(w http.ResponseWriter, r *http.Request, agent *fleet.Agent) {
	order, err := s.ownedOrder(r, agent)
	if err != nil {
		writeError(w, err)
		return
	}

	claimed, err := s.dispatcher.Claim(r.Context(), order.ID, time.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claimed)
}

// OutcomeRequest is the body of POST /api/v1/work/{id}/outcome.
type OutcomeRequest struct {
	Status fleet.WorkOrderStatus `json:"status"`
	Error  string                `json:"error,omitempty"`
}

func (s *Server) reportOutcome(w http.ResponseWriter, r *http.Request, agent *fleet.Agent) {
	var req OutcomeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	if req.Status != fleet.OrderSucceeded && req.Status != fleet.OrderFailed {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "status must be SUCCEEDED or FAILED"})
		return
	}

	order, err := s.ownedOrder(r, agent)
	if err != nil {
		writeError(w, err)
		return
	}

	updated, err := s.dispatcher.ReportOutcome(r.Context(), order.ID, req.Status, req.Error, time.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}
