package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/mtzanidakis/apiary/internal/swarm"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Swarm lifecycle
	mux.HandleFunc("GET /api/swarms", s.listSwarms)
	mux.HandleFunc("POST /api/swarms", s.createSwarm)
	mux.HandleFunc("GET /api/swarms/{id}", s.getSwarm)
	mux.HandleFunc("POST /api/swarms/{id}/join", s.joinSwarm)
	mux.HandleFunc("POST /api/swarms/{id}/leave", s.leaveSwarm)

	// Consensus
	mux.HandleFunc("POST /api/swarms/{id}/proposals", s.propose)
	mux.HandleFunc("POST /api/swarms/{id}/proposals/{proposalId}/vote", s.vote)

	// Delegation
	mux.HandleFunc("POST /api/swarms/{id}/delegations", s.delegate)
	mux.HandleFunc("PUT /api/swarms/{id}/delegations/{delegationId}", s.updateDelegation)

	// Analysis
	mux.HandleFunc("GET /api/swarms/{id}/behaviors", s.listBehaviors)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) createSwarm(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name      string `json:"name"`
		Objective string `json:"objective"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		jsonError(w, "name and objective required", http.StatusBadRequest)
		return
	}

	sw := s.coord.CreateSwarm(body.Name, body.Objective)
	jsonResponse(w, sw)
}

func (s *Server) listSwarms(w http.ResponseWriter, r *http.Request) {
	summaries := s.coord.ListSwarms()
	if summaries == nil {
		summaries = []swarm.Summary{}
	}
	jsonResponse(w, summaries)
}

func (s *Server) getSwarm(w http.ResponseWriter, r *http.Request) {
	sw, err := s.coord.GetSwarm(r.PathValue("id"))
	if err != nil {
		jsonDomainError(w, err)
		return
	}
	jsonResponse(w, sw)
}

func (s *Server) joinSwarm(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID      string   `json:"agent_id"`
		IdentityID   string   `json:"identity_id"`
		Capabilities []string `json:"capabilities"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.AgentID == "" {
		jsonError(w, "agent_id required", http.StatusBadRequest)
		return
	}

	agent, err := s.coord.Join(r.PathValue("id"), body.AgentID, body.IdentityID, body.Capabilities)
	if err != nil {
		jsonDomainError(w, err)
		return
	}
	jsonResponse(w, agent)
}

func (s *Server) leaveSwarm(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.AgentID == "" {
		jsonError(w, "agent_id required", http.StatusBadRequest)
		return
	}

	if err := s.coord.Leave(r.PathValue("id"), body.AgentID); err != nil {
		jsonDomainError(w, err)
		return
	}
	jsonResponse(w, map[string]string{"status": "left"})
}

func (s *Server) propose(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ProposerID string          `json:"proposer_id"`
		Type       string          `json:"type"`
		Content    json.RawMessage `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ProposerID == "" {
		jsonError(w, "proposer_id and type required", http.StatusBadRequest)
		return
	}

	ptype := swarm.ProposalType(body.Type)
	switch ptype {
	case swarm.ProposalTaskDelegation, swarm.ProposalRoleAssignment, swarm.ProposalEvidence, swarm.ProposalDissolution:
	default:
		jsonError(w, "unknown proposal type", http.StatusBadRequest)
		return
	}

	p, err := s.coord.Propose(r.PathValue("id"), body.ProposerID, ptype, body.Content)
	if err != nil {
		jsonDomainError(w, err)
		return
	}
	jsonResponse(w, p)
}

func (s *Server) vote(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID string `json:"agent_id"`
		Vote    string `json:"vote"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.AgentID == "" {
		jsonError(w, "agent_id and vote required", http.StatusBadRequest)
		return
	}
	if body.Vote != "for" && body.Vote != "against" {
		jsonError(w, "vote must be 'for' or 'against'", http.StatusBadRequest)
		return
	}

	if !s.coord.Vote(r.PathValue("id"), body.AgentID, r.PathValue("proposalId"), body.Vote) {
		jsonError(w, "proposal not open for voting", http.StatusConflict)
		return
	}
	jsonResponse(w, map[string]string{"status": "recorded"})
}

func (s *Server) delegate(w http.ResponseWriter, r *http.Request) {
	var req swarm.DelegationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TaskID == "" {
		jsonError(w, "task_id required", http.StatusBadRequest)
		return
	}

	d, err := s.coord.Delegate(r.PathValue("id"), req)
	if err != nil {
		jsonDomainError(w, err)
		return
	}
	jsonResponse(w, d)
}

func (s *Server) updateDelegation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Status == "" {
		jsonError(w, "status required", http.StatusBadRequest)
		return
	}

	err := s.coord.UpdateDelegation(r.PathValue("id"), r.PathValue("delegationId"), swarm.DelegationStatus(body.Status))
	if err != nil {
		jsonDomainError(w, err)
		return
	}
	jsonResponse(w, map[string]string{"status": "updated"})
}

func (s *Server) listBehaviors(w http.ResponseWriter, r *http.Request) {
	behaviors, err := s.store.ListBehaviors(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if behaviors == nil {
		jsonResponse(w, []any{})
		return
	}
	jsonResponse(w, behaviors)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	swarms, agents := s.coord.Stats()
	jsonResponse(w, map[string]any{
		"swarms":  swarms,
		"agents":  agents,
		"version": s.version,
		"uptime":  time.Since(s.coord.StartedAt()).Round(time.Second).String(),
	})
}

// jsonDomainError maps coordinator error kinds onto HTTP statuses so callers
// can tell not-found from conflict without parsing log detail.
func jsonDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, swarm.ErrSwarmNotFound),
		errors.Is(err, swarm.ErrAgentNotFound),
		errors.Is(err, swarm.ErrProposalNotFound),
		errors.Is(err, swarm.ErrDelegationNotFound):
		jsonError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, swarm.ErrSwarmFull),
		errors.Is(err, swarm.ErrInvalidTransition):
		jsonError(w, err.Error(), http.StatusConflict)
	default:
		jsonError(w, err.Error(), http.StatusInternalServerError)
	}
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
