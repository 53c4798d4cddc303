package httpapi

import (
	"net/http"
	"strconv"

	"github.com/vocalbridge/gateway/internal/apitypes"
	"github.com/vocalbridge/gateway/internal/store"
)

type usageBreakdownRow struct {
	Key         string `json:"key"`
	TotalCents  int    `json:"totalCents"`
	TotalTokens int    `json:"totalTokens"`
	Count       int    `json:"count"`
}

func breakdownToResponse(rows []store.UsageBreakdown) []usageBreakdownRow {
	out := make([]usageBreakdownRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, usageBreakdownRow{Key: r.Key, TotalCents: r.TotalCents, TotalTokens: r.TotalTokens, Count: r.Count})
	}
	return out
}

// handleUsage returns the tenant's all-time usage total, grouping by
// provider as the default view.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.UsageBreakdownBy(r.Context(), tenantID(r.Context()), "provider")
	if err != nil {
		s.writeError(w, r, apitypes.Wrap(apitypes.CodeInternal, "failed to compute usage", err))
		return
	}
	var totalCents, totalTokens, count int
	for _, row := range rows {
		totalCents += row.TotalCents
		totalTokens += row.TotalTokens
		count += row.Count
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"totalCents":  totalCents,
		"totalTokens": totalTokens,
		"count":       count,
		"byProvider":  breakdownToResponse(rows),
	})
}

// handleUsageBreakdown groups billed usage by provider, agent, or day.
func (s *Server) handleUsageBreakdown(w http.ResponseWriter, r *http.Request) {
	groupBy := r.URL.Query().Get("groupBy")
	if groupBy == "" {
		groupBy = "provider"
	}
	if groupBy != "provider" && groupBy != "agent" && groupBy != "day" {
		s.writeError(w, r, apitypes.New(apitypes.CodeValidation, "groupBy must be provider, agent, or day"))
		return
	}

	rows, err := s.store.UsageBreakdownBy(r.Context(), tenantID(r.Context()), groupBy)
	if err != nil {
		s.writeError(w, r, apitypes.Wrap(apitypes.CodeInternal, "failed to compute usage breakdown", err))
		return
	}
	writeJSON(w, http.StatusOK, breakdownToResponse(rows))
}

func (s *Server) handleTopAgents(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	rows, err := s.store.TopAgentsByUsage(r.Context(), tenantID(r.Context()), limit)
	if err != nil {
		s.writeError(w, r, apitypes.Wrap(apitypes.CodeInternal, "failed to compute top agents", err))
		return
	}
	writeJSON(w, http.StatusOK, breakdownToResponse(rows))
}
