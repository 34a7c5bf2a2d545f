package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/Rrens/session-telemetry/internal/api/response"
	"github.com/Rrens/session-telemetry/internal/domain"
	"github.com/Rrens/session-telemetry/internal/service"
	"github.com/go-chi/chi/v5"
)

// SessionHandler serves session lifecycle and history endpoints
type SessionHandler struct {
	cache    *service.SessionCache
	sessions domain.SessionRepository
	recorder *service.InteractionRecorder
}

// NewSessionHandler creates a new session handler
func NewSessionHandler(cache *service.SessionCache, sessions domain.SessionRepository, recorder *service.InteractionRecorder) *SessionHandler {
	return &SessionHandler{cache: cache, sessions: sessions, recorder: recorder}
}

type createSessionRequest struct {
	UserID     string                 `json:"user_id" validate:"required,max=255"`
	DeviceType string                 `json:"device_type" validate:"max=64"`
	Metadata   domain.SessionMetadata `json:"metadata"`
}

// Create returns the user's active session, creating it when needed
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decode(w, r, &req) {
		return
	}

	session, err := h.cache.GetOrCreate(r.Context(), req.UserID, service.CreateOptions{
		DeviceType: req.DeviceType,
		Metadata:   req.Metadata,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	response.Created(w, session)
}

// Get returns a session, active or historical
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "sessionID")
	if !ok {
		return
	}

	if session, ok := h.cache.Get(r.Context(), id); ok {
		response.OK(w, map[string]any{"session": session, "active": true})
		return
	}

	session, err := h.sessions.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.OK(w, map[string]any{"session": session, "active": false})
}

// Close ends a session
func (h *SessionHandler) Close(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "sessionID")
	if !ok {
		return
	}

	if err := h.cache.Close(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	response.NoContent(w)
}

// ListByUser returns a user's sessions ordered by start time
func (h *SessionHandler) ListByUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		response.BadRequest(w, "missing user ID")
		return
	}

	sessions, err := h.sessions.FindByUser(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []domain.Session{}
	}

	response.OK(w, sessions)
}

// Interactions returns the turn history of a session
func (h *SessionHandler) Interactions(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "sessionID")
	if !ok {
		return
	}

	limit, offset := 0, 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 {
			limit = v
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if v, err := strconv.Atoi(o); err == nil && v >= 0 {
			offset = v
		}
	}

	if _, err := h.sessions.Get(r.Context(), id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			response.NotFound(w, "session not found")
			return
		}
		writeError(w, r, err)
		return
	}

	interactions, err := h.recorder.History(r.Context(), id, limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if interactions == nil {
		interactions = []domain.Interaction{}
	}

	response.OK(w, interactions)
}
