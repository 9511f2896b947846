// Package handlers provides the REST API producers use to hand notes to the relay.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/notestash/relay/internal/blocks"
	"github.com/notestash/relay/internal/errors"
	"github.com/notestash/relay/internal/logging"
	"github.com/notestash/relay/internal/models"
	"github.com/notestash/relay/internal/services"
	"github.com/notestash/relay/internal/uuid"
)

// maxBody bounds request bodies; large rich notes go through sessions.
const maxBody = 8 << 20

// Relay is the part of the relay service the API exposes.
type Relay interface {
	Enqueue(ctx context.Context, req services.EnqueueRequest) (*models.QueuedMessage, error)
	StartSession(ctx context.Context, req services.StartSessionRequest) (*models.ChunkedSession, error)
	CancelSession(ctx context.Context, id string) error
	ResumeSession(ctx context.Context, id string) (*models.ChunkedSession, error)
	RetrySession(ctx context.Context, id string) (*models.ChunkedSession, error)
	GetSession(ctx context.Context, id string) (*models.ChunkedSession, error)
	SyncAllFor(ctx context.Context, targetID string) (int, error)
	PendingCount(ctx context.Context, targetID string) (int, error)
	SetOnline(online bool)
	Status(ctx context.Context, withMessages bool) (*services.Status, error)
}

// RelayHandler serves the relay API.
type RelayHandler struct {
	relay Relay
}

// NewRelayHandler creates a new RelayHandler.
func NewRelayHandler(relay Relay) *RelayHandler {
	return &RelayHandler{relay: relay}
}

// Register adds the API routes to mux. ws, when set, is served on /ws.
func (h *RelayHandler) Register(mux *http.ServeMux, ws http.Handler) {
	mux.HandleFunc("POST /api/notes", h.CreateNote)
	mux.HandleFunc("POST /api/sessions", h.StartSession)
	mux.HandleFunc("GET /api/sessions/{id}", h.GetSession)
	mux.HandleFunc("POST /api/sessions/{id}/cancel", h.CancelSession)
	mux.HandleFunc("POST /api/sessions/{id}/resume", h.ResumeSession)
	mux.HandleFunc("POST /api/sessions/{id}/retry", h.RetrySession)
	mux.HandleFunc("POST /api/targets/{id}/sync", h.SyncTarget)
	mux.HandleFunc("GET /api/targets/{id}/pending", h.PendingCount)
	mux.HandleFunc("POST /api/connectivity", h.SetConnectivity)
	mux.HandleFunc("GET /api/status", h.Status)
	mux.HandleFunc("GET /api/health", h.Health)
	if ws != nil {
		mux.Handle("GET /ws", ws)
	}
}

type noteRequest struct {
	TargetID string          `json:"target_id"`
	Text     string          `json:"text"`
	Markdown string          `json:"markdown"`
	Blocks   json.RawMessage `json:"blocks"` // blocks_v1 document
	Snippet  string          `json:"snippet"`
	DraftID  string          `json:"draft_id"`
}

// content returns the payload and whether it is rich. Exactly one of text,
// markdown or blocks must be set.
func (n *noteRequest) content() (string, bool, error) {
	set := 0
	for _, present := range []bool{strings.TrimSpace(n.Text) != "", strings.TrimSpace(n.Markdown) != "", len(n.Blocks) > 0} {
		if present {
			set++
		}
	}
	if set != 1 {
		return "", false, errors.New(errors.ErrInvalid, "exactly one of text, markdown or blocks is required")
	}

	switch {
	case strings.TrimSpace(n.Text) != "":
		return n.Text, false, nil
	case strings.TrimSpace(n.Markdown) != "":
		// No base directory: API clients cannot pull files from this host.
		data, err := blocks.EncodeMarkdown([]byte(n.Markdown), "")
		if err != nil {
			return "", false, err
		}
		return string(data), true, nil
	default:
		if _, err := blocks.Parse(n.Blocks); err != nil {
			return "", false, err
		}
		return string(n.Blocks), true, nil
	}
}

// CreateNote handles POST /api/notes
func (h *RelayHandler) CreateNote(w http.ResponseWriter, r *http.Request) {
	var req noteRequest
	if !decode(w, r, &req) {
		return
	}
	content, rich, err := req.content()
	if err != nil {
		writeError(w, err)
		return
	}

	m, err := h.relay.Enqueue(r.Context(), services.EnqueueRequest{
		TargetID: req.TargetID,
		Content:  content,
		IsRich:   rich,
		Snippet:  req.Snippet,
		DraftID:  req.DraftID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, m)
}

// StartSession handles POST /api/sessions
func (h *RelayHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req noteRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Text != "" {
		writeError(w, errors.New(errors.ErrInvalid, "sessions carry rich content only"))
		return
	}
	content, _, err := req.content()
	if err != nil {
		writeError(w, err)
		return
	}

	s, err := h.relay.StartSession(r.Context(), services.StartSessionRequest{
		TargetID: req.TargetID,
		Payload:  []byte(content),
		DraftID:  req.DraftID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s)
}

// GetSession handles GET /api/sessions/{id}
func (h *RelayHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	s, err := h.relay.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// CancelSession handles POST /api/sessions/{id}/cancel
func (h *RelayHandler) CancelSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	if err := h.relay.CancelSession(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"session_id": id, "cancel_requested": true})
}

// ResumeSession handles POST /api/sessions/{id}/resume
func (h *RelayHandler) ResumeSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	s, err := h.relay.ResumeSession(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s)
}

// RetrySession handles POST /api/sessions/{id}/retry
func (h *RelayHandler) RetrySession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	s, err := h.relay.RetrySession(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s)
}

// SyncTarget handles POST /api/targets/{id}/sync
func (h *RelayHandler) SyncTarget(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	n, err := h.relay.SyncAllFor(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"target_id": id, "rearmed": n})
}

// PendingCount handles GET /api/targets/{id}/pending
func (h *RelayHandler) PendingCount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	n, err := h.relay.PendingCount(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"target_id": id, "pending": n})
}

// SetConnectivity handles POST /api/connectivity
func (h *RelayHandler) SetConnectivity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Online *bool `json:"online"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Online == nil {
		writeError(w, errors.New(errors.ErrInvalid, "online is required"))
		return
	}
	h.relay.SetOnline(*req.Online)
	writeJSON(w, http.StatusOK, map[string]interface{}{"online": *req.Online})
}

// Status handles GET /api/status
func (h *RelayHandler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.relay.Status(r.Context(), r.URL.Query().Get("messages") == "true")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Health handles GET /api/health
func (h *RelayHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "notestash-relay"})
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		writeError(w, errors.Wrap(errors.ErrInvalid, "Invalid request body", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("Failed to write response", map[string]interface{}{"error": err.Error()})
	}
}

// statusFor maps an error code to an HTTP status.
func statusFor(code errors.ErrorCode) int {
	switch code {
	case errors.ErrInvalid, errors.ErrPayloadInvalid:
		return http.StatusBadRequest
	case errors.ErrNotFound, errors.ErrSessionNotFound:
		return http.StatusNotFound
	case errors.ErrSessionCapacity:
		return http.StatusTooManyRequests
	case errors.ErrSessionState:
		return http.StatusConflict
	case errors.ErrTargetUnresolved:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	status := statusFor(code)
	if status == http.StatusInternalServerError {
		logging.ErrorWithCode("API request failed", string(code), err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "code": string(code)})
}

// sessionID reads the {id} path value, answering 400 when it is not a session id.
func sessionID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if err := uuid.Validate(id); err != nil {
		writeError(w, err)
		return "", false
	}
	return id, true
}
