package httpapi

import (
	"encoding/base64"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/vocalbridge/gateway/internal/apitypes"
	"github.com/vocalbridge/gateway/internal/voicestore"
)

// voiceGate rejects every voice endpoint when the deployment has
// VOICE_MODE=disabled (no Mongo artifact store wired).
func (s *Server) voiceGate(w http.ResponseWriter, r *http.Request) bool {
	if !s.voiceMode {
		s.writeError(w, r, apitypes.New(apitypes.CodeValidation, "voice mode is disabled on this deployment"))
		return false
	}
	return true
}

type artifactResponse struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"sessionId"`
	Type       string    `json:"type"`
	Format     *string   `json:"format,omitempty"`
	SampleRate *int      `json:"sampleRate,omitempty"`
	DurationMs *int64    `json:"durationMs,omitempty"`
	FileSize   *int64    `json:"fileSize,omitempty"`
	Provider   *string   `json:"provider,omitempty"`
	Transcript *string   `json:"transcript,omitempty"`
	LatencyMs  *int64    `json:"latencyMs,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

func artifactToResponse(a voicestore.Artifact) artifactResponse {
	return artifactResponse{
		ID: a.ID, SessionID: a.SessionID, Type: string(a.Type), Format: a.Format,
		SampleRate: a.SampleRate, DurationMs: a.DurationMs, FileSize: a.FileSize,
		Provider: a.Provider, Transcript: a.Transcript, LatencyMs: a.LatencyMs, CreatedAt: a.CreatedAt,
	}
}

type storeAudioRequest struct {
	Type       string `json:"type"`
	Format     string `json:"format"`
	SampleRate int    `json:"sampleRate"`
	DurationMs int64  `json:"durationMs"`
	AudioData  string `json:"audioData"`
}

// handleVoiceStoreAudio persists a client-transcribed voice turn's raw audio
// bytes to disk and records its metadata in the voice document store. The
// transcript itself travels through the ordinary message-send endpoint, per
// spec.md §4.2's "voice message as plain text plus an opaque stored audio
// artifact".
func (s *Server) handleVoiceStoreAudio(w http.ResponseWriter, r *http.Request) {
	if !s.voiceGate(w, r) {
		return
	}
	sessionID := r.PathValue("id")
	if _, err := s.store.GetSession(r.Context(), tenantID(r.Context()), sessionID); err != nil {
		s.writeError(w, r, apitypes.Wrap(apitypes.CodeNotFound, "session not found", err))
		return
	}

	var req storeAudioRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, apitypes.Wrap(apitypes.CodeValidation, "invalid request body", err))
		return
	}
	artifactType := voicestore.ArtifactType(req.Type)
	if artifactType != voicestore.ArtifactUserInput && artifactType != voicestore.ArtifactAssistantOutput {
		s.writeError(w, r, apitypes.New(apitypes.CodeValidation, "type must be USER_INPUT or ASSISTANT_OUTPUT"))
		return
	}
	audio, err := base64.StdEncoding.DecodeString(req.AudioData)
	if err != nil {
		s.writeError(w, r, apitypes.Wrap(apitypes.CodeValidation, "audioData must be base64-encoded", err))
		return
	}

	id := s.newID()
	dir := filepath.Join(s.audioDir, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.writeError(w, r, apitypes.Wrap(apitypes.CodeInternal, "failed to prepare audio storage", err))
		return
	}
	ext := req.Format
	if ext == "" {
		ext = "bin"
	}
	path := filepath.Join(dir, id+"."+ext)
	if err := os.WriteFile(path, audio, 0o644); err != nil {
		s.writeError(w, r, apitypes.Wrap(apitypes.CodeInternal, "failed to write audio file", err))
		return
	}

	size := int64(len(audio))
	artifact := voicestore.Artifact{
		ID: id, SessionID: sessionID, Type: artifactType, FilePath: &path, FileSize: &size,
		CreatedAt: time.Now().UTC(),
	}
	if req.Format != "" {
		artifact.Format = &req.Format
	}
	if req.SampleRate != 0 {
		artifact.SampleRate = &req.SampleRate
	}
	if req.DurationMs != 0 {
		artifact.DurationMs = &req.DurationMs
	}

	stored, err := s.voice.StoreArtifact(r.Context(), artifact)
	if err != nil {
		_ = os.Remove(path)
		s.writeError(w, r, apitypes.Wrap(apitypes.CodeInternal, "failed to store audio artifact", err))
		return
	}
	writeJSON(w, http.StatusCreated, artifactToResponse(stored))
}

type voiceTranscriptRequest struct {
	ArtifactID string `json:"artifactId"`
	Transcript string `json:"transcript"`
}

// handleVoiceTranscript attaches a client-produced transcript to a
// previously stored audio artifact. It does not itself create a
// conversation message; callers post the transcript text to the ordinary
// message-send endpoint to run it through the pipeline.
func (s *Server) handleVoiceTranscript(w http.ResponseWriter, r *http.Request) {
	if !s.voiceGate(w, r) {
		return
	}
	sessionID := r.PathValue("id")

	var req voiceTranscriptRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, apitypes.Wrap(apitypes.CodeValidation, "invalid request body", err))
		return
	}
	if req.ArtifactID == "" || req.Transcript == "" {
		s.writeError(w, r, apitypes.New(apitypes.CodeValidation, "artifactId and transcript are required"))
		return
	}

	artifact, err := s.voice.UpdateTranscript(r.Context(), sessionID, req.ArtifactID, req.Transcript)
	if err != nil {
		s.writeError(w, r, apitypes.Wrap(apitypes.CodeNotFound, "audio artifact not found", err))
		return
	}
	writeJSON(w, http.StatusOK, artifactToResponse(artifact))
}

func (s *Server) handleVoiceGetArtifact(w http.ResponseWriter, r *http.Request) {
	if !s.voiceGate(w, r) {
		return
	}
	artifact, err := s.voice.GetArtifact(r.Context(), r.PathValue("id"), r.PathValue("artifactId"))
	if err != nil {
		s.writeError(w, r, apitypes.Wrap(apitypes.CodeNotFound, "audio artifact not found", err))
		return
	}
	if artifact.FilePath == nil {
		s.writeError(w, r, apitypes.New(apitypes.CodeNotFound, "audio artifact has no stored file"))
		return
	}
	data, err := os.ReadFile(*artifact.FilePath)
	if err != nil {
		s.writeError(w, r, apitypes.Wrap(apitypes.CodeInternal, "failed to read audio file", err))
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleVoiceArtifactMetadata(w http.ResponseWriter, r *http.Request) {
	if !s.voiceGate(w, r) {
		return
	}
	artifact, err := s.voice.GetArtifact(r.Context(), r.PathValue("id"), r.PathValue("artifactId"))
	if err != nil {
		s.writeError(w, r, apitypes.Wrap(apitypes.CodeNotFound, "audio artifact not found", err))
		return
	}
	writeJSON(w, http.StatusOK, artifactToResponse(artifact))
}
