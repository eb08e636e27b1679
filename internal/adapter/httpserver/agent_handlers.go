package httpserver

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/mobile-test-orchestrator/internal/domain"
	"github.com/fairyhunter13/mobile-test-orchestrator/internal/usecase"
)

type capabilitySpec struct {
	Target     string `json:"target" validate:"required,target"`
	Platform   string `json:"platform"`
	Version    string `json:"version"`
	DeviceName string `json:"device_name"`
}

type registerAgentRequest struct {
	ID                string           `json:"id" validate:"required,max=100"`
	Name              string           `json:"name" validate:"max=200"`
	Capabilities      []capabilitySpec `json:"capabilities" validate:"omitempty,dive"`
	MaxConcurrentJobs *int             `json:"max_concurrent_jobs" validate:"omitempty,min=1"`
}

// RegisterAgentHandler registers or refreshes an agent. Registration always
// resets the agent to offline with no slots; the first heartbeat flips it
// online.
func (s *Server) RegisterAgentHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		var req registerAgentRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if !validateStruct(w, r, req) {
			return
		}

		caps := make([]domain.Capability, 0, len(req.Capabilities))
		for _, c := range req.Capabilities {
			caps = append(caps, domain.Capability{
				Target:     domain.Target(c.Target),
				Platform:   c.Platform,
				Version:    c.Version,
				DeviceName: c.DeviceName,
			})
		}
		in := usecase.RegisterAgentInput{
			ID:           SanitizeString(req.ID),
			Name:         SanitizeString(req.Name),
			Capabilities: caps,
		}
		if req.MaxConcurrentJobs != nil {
			in.MaxConcurrentJobs = *req.MaxConcurrentJobs
		}
		agent, err := s.Agents.Register(r.Context(), in)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"agent_id": agent.ID})
	}
}

type heartbeatRequest struct {
	Status      string   `json:"status" validate:"required,agent_status"`
	CurrentJobs []string `json:"current_jobs"`
}

// HeartbeatHandler records agent liveness. The reported current_jobs list is
// authoritative: running jobs the agent no longer acknowledges are failed as
// orphans.
func (s *Server) HeartbeatHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		id := chi.URLParam(r, "id")
		if id == "" {
			writeError(w, r, fmt.Errorf("%w: agent id missing", domain.ErrInvalidArgument), nil)
			return
		}
		var req heartbeatRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if !validateStruct(w, r, req) {
			return
		}
		_, err := s.Agents.Heartbeat(r.Context(), id, usecase.HeartbeatInput{
			Status:      domain.AgentStatus(req.Status),
			CurrentJobs: req.CurrentJobs,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, messageResponse{Message: "heartbeat recorded"})
	}
}

// GetAgentHandler returns one agent wrapped in an envelope.
func (s *Server) GetAgentHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		id := chi.URLParam(r, "id")
		if id == "" {
			writeError(w, r, fmt.Errorf("%w: agent id missing", domain.ErrInvalidArgument), nil)
			return
		}
		agent, err := s.Agents.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"agent": toAgentResponse(agent)})
	}
}

// ListAgentsHandler returns the whole fleet.
func (s *Server) ListAgentsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		agents, err := s.Agents.List(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]agentResponse, 0, len(agents))
		for _, a := range agents {
			out = append(out, toAgentResponse(a))
		}
		writeJSON(w, http.StatusOK, map[string]any{"agents": out})
	}
}
