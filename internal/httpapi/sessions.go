package httpapi

import (
	"net/http"
	"time"

	"github.com/vocalbridge/gateway/internal/apitypes"
	"github.com/vocalbridge/gateway/internal/store"
)

type createSessionRequest struct {
	AgentID    string `json:"agentId"`
	CustomerID string `json:"customerId"`
	Channel    string `json:"channel"`
}

type sessionResponse struct {
	ID         string     `json:"id"`
	AgentID    string     `json:"agentId"`
	CustomerID string     `json:"customerId"`
	Channel    string     `json:"channel"`
	Status     string     `json:"status"`
	DemoMode   bool       `json:"demoMode"`
	CreatedAt  time.Time  `json:"createdAt"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
}

func sessionToResponse(sess store.Session) sessionResponse {
	return sessionResponse{
		ID: sess.ID, AgentID: sess.AgentID, CustomerID: sess.CustomerID,
		Channel: string(sess.Channel), Status: string(sess.Status), DemoMode: sess.DemoMode,
		CreatedAt: sess.CreatedAt, EndedAt: sess.EndedAt,
	}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, apitypes.Wrap(apitypes.CodeValidation, "invalid request body", err))
		return
	}
	if req.AgentID == "" || req.CustomerID == "" {
		s.writeError(w, r, apitypes.New(apitypes.CodeValidation, "agentId and customerId are required"))
		return
	}
	channel := store.SessionChannel(req.Channel)
	if channel == "" {
		channel = store.ChannelChat
	}
	if channel != store.ChannelChat && channel != store.ChannelVoice {
		s.writeError(w, r, apitypes.New(apitypes.CodeValidation, "channel must be CHAT or VOICE"))
		return
	}

	tid := tenantID(r.Context())
	if _, err := s.store.GetAgent(r.Context(), tid, req.AgentID); err != nil {
		s.writeError(w, r, apitypes.Wrap(apitypes.CodeNotFound, "agent not found", err))
		return
	}

	sess, err := s.store.CreateOrReuseActiveSession(r.Context(), store.Session{
		ID: s.newID(), TenantID: tid, AgentID: req.AgentID, CustomerID: req.CustomerID,
		Channel: channel, Status: store.SessionActive, CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		s.writeError(w, r, apitypes.Wrap(apitypes.CodeInternal, "failed to create session", err))
		return
	}
	writeJSON(w, http.StatusCreated, sessionToResponse(sess))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.GetSession(r.Context(), tenantID(r.Context()), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, apitypes.Wrap(apitypes.CodeNotFound, "session not found", err))
		return
	}
	writeJSON(w, http.StatusOK, sessionToResponse(sess))
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.EndSession(r.Context(), tenantID(r.Context()), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, apitypes.Wrap(apitypes.CodeNotFound, "session not found", err))
		return
	}
	writeJSON(w, http.StatusOK, sessionToResponse(sess))
}
