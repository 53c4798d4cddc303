package httpapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vocalbridge/gateway/internal/apitypes"
	"github.com/vocalbridge/gateway/internal/store"
)

type ctxKey int

const (
	ctxKeyCorrelationID ctxKey = iota
	ctxKeyTenantID
	ctxKeyAPIKey
)

// statusRecorder captures the status code written downstream, mirroring
// the corpus's own HTTP instrumentation wrapper.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// withMiddleware wraps next with correlation-id propagation and request
// logging. Auth is applied per-route via s.auth, since unauthenticated
// routes (POST /tenants) exist.
func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		cid := r.Header.Get("X-Correlation-Id")
		if cid == "" {
			cid = uuid.NewString()
		}
		w.Header().Set("X-Correlation-Id", cid)
		ctx := context.WithValue(r.Context(), ctxKeyCorrelationID, cid)
		r = r.WithContext(ctx)

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)

		s.logger.Info(r.Context(), "http request",
			"method", r.Method, "path", r.URL.Path, "status", rec.statusCode,
			"durationMs", time.Since(start).Milliseconds(), "correlationId", cid)
	})
}

// correlationID reads the id withMiddleware stamped onto ctx.
func correlationID(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyCorrelationID).(string); ok {
		return v
	}
	return ""
}

// auth wraps a handler requiring a valid X-API-Key header, resolving it to
// a tenant id stashed on the request context for downstream handlers.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		plaintext := r.Header.Get("X-API-Key")
		if plaintext == "" || !strings.HasPrefix(plaintext, s.apiKeyPre) {
			s.writeError(w, r, apitypes.New(apitypes.CodeUnauthorized, "missing or malformed API key"))
			return
		}

		sum := sha256.Sum256([]byte(plaintext))
		hash := hex.EncodeToString(sum[:])

		key, err := s.store.GetApiKeyByHash(r.Context(), hash)
		if err != nil {
			s.writeError(w, r, apitypes.Wrap(apitypes.CodeUnauthorized, "invalid API key", err))
			return
		}
		if !key.Valid(time.Now()) {
			s.writeError(w, r, apitypes.New(apitypes.CodeUnauthorized, "API key is expired or revoked"))
			return
		}

		go s.touchAPIKey(key.ID)

		ctx := context.WithValue(r.Context(), ctxKeyTenantID, key.TenantID)
		ctx = context.WithValue(ctx, ctxKeyAPIKey, key)
		next(w, r.WithContext(ctx))
	}
}

// touchAPIKey records key usage without blocking the request path. Failures
// are logged, never surfaced, since last-used tracking is best-effort.
func (s *Server) touchAPIKey(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.TouchApiKeyLastUsed(ctx, id); err != nil {
		s.logger.Warn(ctx, "failed to record api key usage", "apiKeyId", id, "error", err.Error())
	}
}

// requireAdmin further restricts an authenticated route to ADMIN keys.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, ok := r.Context().Value(ctxKeyAPIKey).(store.ApiKey)
		if !ok || key.Role != store.RoleAdmin {
			s.writeError(w, r, apitypes.New(apitypes.CodeForbidden, "this operation requires an ADMIN key"))
			return
		}
		next(w, r)
	}
}

func tenantID(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyTenantID).(string); ok {
		return v
	}
	return ""
}
