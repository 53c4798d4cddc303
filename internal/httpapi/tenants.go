package httpapi

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/vocalbridge/gateway/internal/apitypes"
	"github.com/vocalbridge/gateway/internal/store"
)

type createTenantRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type createTenantResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	APIKey    string    `json:"apiKey"`
	CreatedAt time.Time `json:"createdAt"`
}

// handleCreateTenant creates a tenant and its first ADMIN API key, returning
// the plaintext key exactly once, per spec.md §6.
func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, apitypes.Wrap(apitypes.CodeValidation, "invalid request body", err))
		return
	}
	if req.Name == "" || req.Email == "" {
		s.writeError(w, r, apitypes.New(apitypes.CodeValidation, "name and email are required"))
		return
	}

	now := time.Now().UTC()
	tenant := store.Tenant{ID: s.newID(), Name: req.Name, Email: req.Email, CreatedAt: now}
	if err := s.store.CreateTenant(r.Context(), tenant); err != nil {
		s.writeError(w, r, apitypes.Wrap(apitypes.CodeInternal, "failed to create tenant", err))
		return
	}

	plaintext, hash, err := s.generateAPIKey()
	if err != nil {
		s.writeError(w, r, apitypes.Wrap(apitypes.CodeInternal, "failed to generate API key", err))
		return
	}
	key := store.ApiKey{
		ID: s.newID(), TenantID: tenant.ID, Prefix: s.apiKeyPre, Hash: hash,
		Role: store.RoleAdmin, CreatedAt: now,
	}
	if err := s.store.CreateApiKey(r.Context(), key); err != nil {
		s.writeError(w, r, apitypes.Wrap(apitypes.CodeInternal, "failed to create API key", err))
		return
	}

	writeJSON(w, http.StatusCreated, createTenantResponse{
		ID: tenant.ID, Name: tenant.Name, Email: tenant.Email, APIKey: plaintext, CreatedAt: tenant.CreatedAt,
	})
}

// generateAPIKey mints a prefixed random plaintext key and its stored hash.
func (s *Server) generateAPIKey() (plaintext, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("httpapi: generate api key: %w", err)
	}
	plaintext = s.apiKeyPre + hex.EncodeToString(buf)
	sum := sha256.Sum256([]byte(plaintext))
	return plaintext, hex.EncodeToString(sum[:]), nil
}

type tenantResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *Server) handleGetSelfTenant(w http.ResponseWriter, r *http.Request) {
	tenant, err := s.store.GetTenant(r.Context(), tenantID(r.Context()))
	if err != nil {
		s.writeError(w, r, apitypes.Wrap(apitypes.CodeNotFound, "tenant not found", err))
		return
	}
	writeJSON(w, http.StatusOK, tenantResponse{ID: tenant.ID, Name: tenant.Name, Email: tenant.Email, CreatedAt: tenant.CreatedAt})
}

type createAPIKeyRequest struct {
	Role string `json:"role"`
}

type apiKeyResponse struct {
	ID        string     `json:"id"`
	Prefix    string     `json:"prefix"`
	Role      string     `json:"role"`
	APIKey    string     `json:"apiKey,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"`
}

func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req createAPIKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, apitypes.Wrap(apitypes.CodeValidation, "invalid request body", err))
		return
	}
	role := store.ApiKeyRole(req.Role)
	if role != store.RoleAdmin && role != store.RoleAnalyst {
		s.writeError(w, r, apitypes.New(apitypes.CodeValidation, "role must be ADMIN or ANALYST"))
		return
	}

	plaintext, hash, err := s.generateAPIKey()
	if err != nil {
		s.writeError(w, r, apitypes.Wrap(apitypes.CodeInternal, "failed to generate API key", err))
		return
	}
	key := store.ApiKey{ID: s.newID(), TenantID: tenantID(r.Context()), Prefix: s.apiKeyPre, Hash: hash, Role: role, CreatedAt: time.Now().UTC()}
	if err := s.store.CreateApiKey(r.Context(), key); err != nil {
		s.writeError(w, r, apitypes.Wrap(apitypes.CodeInternal, "failed to create API key", err))
		return
	}
	writeJSON(w, http.StatusCreated, apiKeyResponse{ID: key.ID, Prefix: key.Prefix, Role: string(key.Role), APIKey: plaintext, CreatedAt: key.CreatedAt})
}

func (s *Server) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.RevokeApiKey(r.Context(), id); err != nil {
		s.writeError(w, r, apitypes.Wrap(apitypes.CodeNotFound, "API key not found", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRotateAPIKey(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	keys, err := s.store.ListApiKeys(r.Context(), tenantID(r.Context()))
	if err != nil {
		s.writeError(w, r, apitypes.Wrap(apitypes.CodeInternal, "failed to list API keys", err))
		return
	}
	var existing *store.ApiKey
	for i := range keys {
		if keys[i].ID == id {
			existing = &keys[i]
			break
		}
	}
	if existing == nil {
		s.writeError(w, r, apitypes.New(apitypes.CodeNotFound, "API key not found"))
		return
	}

	if err := s.store.RevokeApiKey(r.Context(), id); err != nil {
		s.writeError(w, r, apitypes.Wrap(apitypes.CodeInternal, "failed to revoke previous key", err))
		return
	}

	plaintext, hash, err := s.generateAPIKey()
	if err != nil {
		s.writeError(w, r, apitypes.Wrap(apitypes.CodeInternal, "failed to generate API key", err))
		return
	}
	next := store.ApiKey{ID: s.newID(), TenantID: existing.TenantID, Prefix: s.apiKeyPre, Hash: hash, Role: existing.Role, CreatedAt: time.Now().UTC()}
	if err := s.store.CreateApiKey(r.Context(), next); err != nil {
		s.writeError(w, r, apitypes.Wrap(apitypes.CodeInternal, "failed to create rotated key", err))
		return
	}
	writeJSON(w, http.StatusCreated, apiKeyResponse{ID: next.ID, Prefix: next.Prefix, Role: string(next.Role), APIKey: plaintext, CreatedAt: next.CreatedAt})
}
