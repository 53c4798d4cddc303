package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vocalbridge/gateway/internal/apitypes"
)

// writeError renders err into the uniform envelope from spec.md §6. Any
// error that isn't already an *apitypes.Error is sanitized into
// INTERNAL_ERROR; the original is logged server-side but never reaches the
// client.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	cid := correlationID(r.Context())

	var apiErr *apitypes.Error
	if !errors.As(err, &apiErr) {
		s.logger.Error(r.Context(), "unhandled internal error", "error", err.Error(), "correlationId", cid)
		apiErr = apitypes.Wrap(apitypes.CodeInternal, "internal error", err)
	}
	if apiErr.CorrelationID == "" {
		apiErr = apiErr.WithCorrelationID(cid)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Code.HTTPStatus())
	_ = json.NewEncoder(w).Encode(apiErr.ToEnvelope())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
