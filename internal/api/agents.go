package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quarrylabs/quarry/internal/agent"
	"github.com/quarrylabs/quarry/internal/knowledge"
)

type agentConfigRequest struct {
	Name         string   `json:"name"`
	SystemPrompt string   `json:"system_prompt"`
	ToolNames    []string `json:"tool_names"`
	PlanningMode bool     `json:"planning_mode"`
	MaxTurns     int      `json:"max_turns"`
}

type agentConfigResponse struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	SystemPrompt string    `json:"system_prompt"`
	ToolNames    []string  `json:"tool_names"`
	PlanningMode bool      `json:"planning_mode"`
	MaxTurns     int       `json:"max_turns"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func toAgentConfigResponse(cfg knowledge.AgentConfig) agentConfigResponse {
	return agentConfigResponse{
		ID:           cfg.ID,
		Name:         cfg.Name,
		SystemPrompt: cfg.SystemPrompt,
		ToolNames:    cfg.ToolNames,
		PlanningMode: cfg.PlanningMode,
		MaxTurns:     cfg.MaxTurns,
		CreatedAt:    cfg.CreatedAt,
		UpdatedAt:    cfg.UpdatedAt,
	}
}

func (h *handlers) createAgent(w http.ResponseWriter, r *http.Request) {
	var req agentConfigRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.MaxTurns < 0 {
		writeError(w, http.StatusBadRequest, "max_turns must not be negative")
		return
	}

	created, err := h.configs.CreateAgentConfig(r.Context(), knowledge.AgentConfig{
		Name:         strings.TrimSpace(req.Name),
		SystemPrompt: req.SystemPrompt,
		ToolNames:    req.ToolNames,
		PlanningMode: req.PlanningMode,
		MaxTurns:     req.MaxTurns,
	})
	if err != nil {
		if errors.Is(err, knowledge.ErrDuplicateName) {
			writeError(w, http.StatusConflict, "an agent with that name already exists")
			return
		}
		h.logger.Error("failed to create agent config", "name", req.Name, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create agent")
		return
	}
	writeJSON(w, http.StatusCreated, toAgentConfigResponse(created))
}

func (h *handlers) listAgents(w http.ResponseWriter, r *http.Request) {
	configs, err := h.configs.ListAgentConfigs(r.Context())
	if err != nil {
		h.logger.Error("failed to list agent configs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list agents")
		return
	}
	out := make([]agentConfigResponse, 0, len(configs))
	for _, cfg := range configs {
		out = append(out, toAgentConfigResponse(cfg))
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": out})
}

func (h *handlers) getAgent(w http.ResponseWriter, r *http.Request) {
	cfg, ok := h.lookupAgent(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toAgentConfigResponse(cfg))
}

// deleteAgent removes a stored agent config, addressed by id or name.
func (h *handlers) deleteAgent(w http.ResponseWriter, r *http.Request) {
	cfg, ok := h.lookupAgent(w, r)
	if !ok {
		return
	}
	if err := h.configs.DeleteAgentConfig(r.Context(), cfg.ID); err != nil {
		if errors.Is(err, knowledge.ErrNotFound) {
			writeError(w, http.StatusNotFound, "agent not found")
			return
		}
		h.logger.Error("failed to delete agent config", "id", cfg.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete agent")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// lookupAgent resolves the {id} path value as a UUID, or as an agent
// name when it does not parse as one. On failure the response has
// already been written.
func (h *handlers) lookupAgent(w http.ResponseWriter, r *http.Request) (knowledge.AgentConfig, bool) {
	ref := strings.TrimSpace(r.PathValue("id"))
	if ref == "" {
		writeError(w, http.StatusBadRequest, "agent id is required")
		return knowledge.AgentConfig{}, false
	}

	var cfg knowledge.AgentConfig
	var err error
	if id, parseErr := uuid.Parse(ref); parseErr == nil {
		cfg, err = h.configs.GetAgentConfig(r.Context(), id)
	} else {
		cfg, err = h.configs.GetAgentConfigByName(r.Context(), ref)
	}
	if err != nil {
		if errors.Is(err, knowledge.ErrNotFound) {
			writeError(w, http.StatusNotFound, "agent not found")
			return knowledge.AgentConfig{}, false
		}
		h.logger.Error("failed to load agent config", "ref", ref, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load agent")
		return knowledge.AgentConfig{}, false
	}
	return cfg, true
}

type agentRunRequest struct {
	Query     string `json:"query"`
	ProjectID string `json:"project_id"`

	// Ad-hoc runs may set the agent shape inline; configured runs take
	// these from the stored config.
	SystemPrompt string   `json:"system_prompt,omitempty"`
	ToolNames    []string `json:"tool_names,omitempty"`
	Planning     bool     `json:"planning,omitempty"`
	MaxTurns     int      `json:"max_turns,omitempty"`
}

// runConfiguredAgent executes a run shaped by a stored agent config,
// addressed by id or by name.
func (h *handlers) runConfiguredAgent(w http.ResponseWriter, r *http.Request) {
	var req agentRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	cfg, ok := h.lookupAgent(w, r)
	if !ok {
		return
	}

	h.runAgent(w, r, agent.RunRequest{
		Query:        req.Query,
		ProjectID:    req.ProjectID,
		SystemPrompt: cfg.SystemPrompt,
		ToolNames:    cfg.ToolNames,
		Planning:     cfg.PlanningMode,
		MaxTurns:     cfg.MaxTurns,
	})
}

// runAdHocAgent executes a run shaped entirely by the request body.
func (h *handlers) runAdHocAgent(w http.ResponseWriter, r *http.Request) {
	var req agentRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	h.runAgent(w, r, agent.RunRequest{
		Query:        req.Query,
		ProjectID:    req.ProjectID,
		SystemPrompt: req.SystemPrompt,
		ToolNames:    req.ToolNames,
		Planning:     req.Planning,
		MaxTurns:     req.MaxTurns,
	})
}

func (h *handlers) runAgent(w http.ResponseWriter, r *http.Request, req agent.RunRequest) {
	result, err := h.runner.Run(r.Context(), req)
	if err != nil {
		if errors.Is(err, agent.ErrRetryLater) {
			writeError(w, http.StatusTooManyRequests, "model rate limited, retry later")
			return
		}
		h.logger.Error("agent run failed", "error", err)
		writeError(w, http.StatusInternalServerError, "agent run failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
