package httpapi

import (
	"net/http"
	"time"

	"github.com/vocalbridge/gateway/internal/apitypes"
	"github.com/vocalbridge/gateway/internal/pricing"
	"github.com/vocalbridge/gateway/internal/store"
)

type agentRequest struct {
	Name             string           `json:"name"`
	Description      *string          `json:"description,omitempty"`
	PrimaryProvider  pricing.Provider `json:"primaryProvider"`
	FallbackProvider *pricing.Provider `json:"fallbackProvider,omitempty"`
	SystemPrompt     string           `json:"systemPrompt"`
	Temperature      float64          `json:"temperature"`
	MaxTokens        int              `json:"maxTokens"`
	EnabledTools     []string         `json:"enabledTools"`
	VoiceEnabled     bool             `json:"voiceEnabled"`
	VoiceConfig      map[string]any   `json:"voiceConfig,omitempty"`
	IsActive         *bool            `json:"isActive,omitempty"`
}

type agentResponse struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	Description      *string          `json:"description,omitempty"`
	PrimaryProvider  pricing.Provider `json:"primaryProvider"`
	FallbackProvider *pricing.Provider `json:"fallbackProvider,omitempty"`
	SystemPrompt     string           `json:"systemPrompt"`
	Temperature      float64          `json:"temperature"`
	MaxTokens        int              `json:"maxTokens"`
	EnabledTools     []string         `json:"enabledTools"`
	VoiceEnabled     bool             `json:"voiceEnabled"`
	VoiceConfig      map[string]any   `json:"voiceConfig,omitempty"`
	IsActive         bool             `json:"isActive"`
	CreatedAt        time.Time        `json:"createdAt"`
}

func agentToResponse(a store.Agent) agentResponse {
	return agentResponse{
		ID: a.ID, Name: a.Name, Description: a.Description,
		PrimaryProvider: a.PrimaryProvider, FallbackProvider: a.FallbackProvider,
		SystemPrompt: a.SystemPrompt, Temperature: a.Temperature, MaxTokens: a.MaxTokens,
		EnabledTools: a.EnabledTools, VoiceEnabled: a.VoiceEnabled, VoiceConfig: a.VoiceConfig,
		IsActive: a.IsActive, CreatedAt: a.CreatedAt,
	}
}

func validateAgentRequest(req agentRequest) *apitypes.Error {
	if req.Name == "" {
		return apitypes.New(apitypes.CodeValidation, "name is required")
	}
	if req.PrimaryProvider != pricing.VendorA && req.PrimaryProvider != pricing.VendorB {
		return apitypes.New(apitypes.CodeValidation, "primaryProvider must be a configured vendor")
	}
	if req.Temperature < 0 || req.Temperature > 2 {
		return apitypes.New(apitypes.CodeValidation, "temperature must be within [0, 2]")
	}
	if req.MaxTokens < 1 || req.MaxTokens > 4096 {
		return apitypes.New(apitypes.CodeValidation, "maxTokens must be within [1, 4096]")
	}
	return nil
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req agentRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, apitypes.Wrap(apitypes.CodeValidation, "invalid request body", err))
		return
	}
	if verr := validateAgentRequest(req); verr != nil {
		s.writeError(w, r, verr)
		return
	}

	agent := store.Agent{
		ID: s.newID(), TenantID: tenantID(r.Context()), Name: req.Name, Description: req.Description,
		PrimaryProvider: req.PrimaryProvider, FallbackProvider: req.FallbackProvider,
		SystemPrompt: req.SystemPrompt, Temperature: req.Temperature, MaxTokens: req.MaxTokens,
		EnabledTools: req.EnabledTools, VoiceEnabled: req.VoiceEnabled, VoiceConfig: req.VoiceConfig,
		IsActive: true, CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateAgent(r.Context(), agent); err != nil {
		s.writeError(w, r, apitypes.Wrap(apitypes.CodeInternal, "failed to create agent", err))
		return
	}
	writeJSON(w, http.StatusCreated, agentToResponse(agent))
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agentList, err := s.store.ListAgents(r.Context(), tenantID(r.Context()))
	if err != nil {
		s.writeError(w, r, apitypes.Wrap(apitypes.CodeInternal, "failed to list agents", err))
		return
	}
	out := make([]agentResponse, 0, len(agentList))
	for _, a := range agentList {
		out = append(out, agentToResponse(a))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.store.GetAgent(r.Context(), tenantID(r.Context()), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, apitypes.Wrap(apitypes.CodeNotFound, "agent not found", err))
		return
	}
	writeJSON(w, http.StatusOK, agentToResponse(a))
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	existing, err := s.store.GetAgent(r.Context(), tenantID(r.Context()), id)
	if err != nil {
		s.writeError(w, r, apitypes.Wrap(apitypes.CodeNotFound, "agent not found", err))
		return
	}

	var req agentRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, apitypes.Wrap(apitypes.CodeValidation, "invalid request body", err))
		return
	}
	if verr := validateAgentRequest(req); verr != nil {
		s.writeError(w, r, verr)
		return
	}

	existing.Name = req.Name
	existing.Description = req.Description
	existing.PrimaryProvider = req.PrimaryProvider
	existing.FallbackProvider = req.FallbackProvider
	existing.SystemPrompt = req.SystemPrompt
	existing.Temperature = req.Temperature
	existing.MaxTokens = req.MaxTokens
	existing.EnabledTools = req.EnabledTools
	existing.VoiceEnabled = req.VoiceEnabled
	existing.VoiceConfig = req.VoiceConfig
	if req.IsActive != nil {
		existing.IsActive = *req.IsActive
	}

	if err := s.store.UpdateAgent(r.Context(), existing); err != nil {
		s.writeError(w, r, apitypes.Wrap(apitypes.CodeInternal, "failed to update agent", err))
		return
	}
	writeJSON(w, http.StatusOK, agentToResponse(existing))
}

type demoSessionRequest struct {
	CustomerID string `json:"customerId"`
}

// handleDemoSession creates or reuses a DemoMode session for the agent, so
// the billing recorder skips it (spec.md §4.8's "demo-session skip").
func (s *Server) handleDemoSession(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	agent, err := s.store.GetAgent(r.Context(), tenantID(r.Context()), agentID)
	if err != nil {
		s.writeError(w, r, apitypes.Wrap(apitypes.CodeNotFound, "agent not found", err))
		return
	}

	var req demoSessionRequest
	_ = decodeJSON(r, &req)
	if req.CustomerID == "" {
		req.CustomerID = "demo"
	}

	sess, err := s.store.CreateOrReuseActiveSession(r.Context(), store.Session{
		ID: s.newID(), TenantID: tenantID(r.Context()), AgentID: agent.ID, CustomerID: req.CustomerID,
		Channel: store.ChannelChat, Status: store.SessionActive, DemoMode: true, CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		s.writeError(w, r, apitypes.Wrap(apitypes.CodeInternal, "failed to create demo session", err))
		return
	}
	writeJSON(w, http.StatusCreated, sessionToResponse(sess))
}
