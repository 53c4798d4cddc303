package httpapi

import (
	"net/http"
	"strconv"

	"github.com/vocalbridge/gateway/internal/apitypes"
	"github.com/vocalbridge/gateway/internal/pipeline"
	"github.com/vocalbridge/gateway/internal/store"
)

type sendMessageRequest struct {
	Content string `json:"content"`
}

func messageToResponse(m store.Message, meta apitypes.ResponseMeta) apitypes.MessageResponse {
	calls := make([]apitypes.ToolCallView, 0, len(m.ToolCalls))
	for _, tc := range m.ToolCalls {
		args, _ := tc.Args.(map[string]any)
		calls = append(calls, apitypes.ToolCallView{ID: tc.ID, Name: tc.Name, Args: args})
	}
	return apitypes.MessageResponse{
		ID: m.ID, SessionID: m.SessionID, Role: string(m.Role), Content: m.Content,
		ToolCalls: calls, CreatedAt: m.CreatedAt, Metadata: meta,
	}
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if _, err := s.store.GetSession(r.Context(), tenantID(r.Context()), sessionID); err != nil {
		s.writeError(w, r, apitypes.Wrap(apitypes.CodeNotFound, "session not found", err))
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	msgs, err := s.store.RecentMessages(r.Context(), sessionID, limit)
	if err != nil {
		s.writeError(w, r, apitypes.Wrap(apitypes.CodeInternal, "failed to list messages", err))
		return
	}
	out := make([]apitypes.MessageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageToResponse(m, apitypes.ResponseMeta{}))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleSendMessage runs the C7 pipeline synchronously and renders its
// result, or the uniform error envelope on failure (e.g. CONFLICT when the
// session lock is held by a concurrent request, per spec.md §8 scenario 1).
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, apitypes.Wrap(apitypes.CodeValidation, "invalid request body", err))
		return
	}

	in := pipeline.Input{
		TenantID: tenantID(r.Context()), SessionID: sessionID, Content: req.Content,
		CorrelationID: correlationID(r.Context()),
	}
	if key := r.Header.Get("X-Idempotency-Key"); key != "" {
		in.IdempotencyKey = &key
	}

	result, err := s.pipeline.Send(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageToResponse(result.Message, result.Metadata))
}

type sendMessageAsyncRequest struct {
	Content     string `json:"content"`
	CallbackURL string `json:"callbackUrl"`
}

type jobResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Status       string         `json:"status"`
	Progress     int            `json:"progress"`
	Output       map[string]any `json:"output,omitempty"`
	ErrorMessage *string        `json:"errorMessage,omitempty"`
	CallbackSent bool           `json:"callbackSent"`
}

func jobToResponse(j store.Job) jobResponse {
	return jobResponse{
		ID: j.ID, Type: string(j.Type), Status: string(j.Status), Progress: j.Progress,
		Output: j.Output, ErrorMessage: j.ErrorMessage, CallbackSent: j.CallbackSent,
	}
}

// handleSendMessageAsync enqueues a SEND_MESSAGE job for the poll worker
// (C9) to pick up, per spec.md §8 scenario 5.
func (s *Server) handleSendMessageAsync(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if _, err := s.store.GetSession(r.Context(), tenantID(r.Context()), sessionID); err != nil {
		s.writeError(w, r, apitypes.Wrap(apitypes.CodeNotFound, "session not found", err))
		return
	}

	var req sendMessageAsyncRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, apitypes.Wrap(apitypes.CodeValidation, "invalid request body", err))
		return
	}

	input := map[string]any{
		"tenantId":      tenantID(r.Context()),
		"sessionId":     sessionID,
		"content":       req.Content,
		"correlationId": correlationID(r.Context()),
	}
	var idempotencyKey *string
	if key := r.Header.Get("X-Idempotency-Key"); key != "" {
		idempotencyKey = &key
		input["idempotencyKey"] = key
	}
	var callbackURL *string
	if req.CallbackURL != "" {
		callbackURL = &req.CallbackURL
	}

	job, err := s.store.SubmitJob(r.Context(), store.Job{
		ID: s.newID(), TenantID: tenantID(r.Context()), Type: store.JobSendMessage,
		IdempotencyKey: idempotencyKey, Input: input, Status: store.JobPending,
		CallbackURL: callbackURL, MaxAttempts: 3,
	})
	if err != nil {
		s.writeError(w, r, apitypes.Wrap(apitypes.CodeInternal, "failed to submit job", err))
		return
	}
	writeJSON(w, http.StatusAccepted, jobToResponse(job))
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), tenantID(r.Context()), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, apitypes.Wrap(apitypes.CodeNotFound, "job not found", err))
		return
	}
	writeJSON(w, http.StatusOK, jobToResponse(job))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobsList, err := s.store.ListJobs(r.Context(), tenantID(r.Context()))
	if err != nil {
		s.writeError(w, r, apitypes.Wrap(apitypes.CodeInternal, "failed to list jobs", err))
		return
	}
	out := make([]jobResponse, 0, len(jobsList))
	for _, j := range jobsList {
		out = append(out, jobToResponse(j))
	}
	writeJSON(w, http.StatusOK, out)
}
