package handler

import (
	"net/http"

	"github.com/Rrens/session-telemetry/internal/api/response"
	"github.com/Rrens/session-telemetry/internal/service"
)

// TurnHandler records whole conversational turns
type TurnHandler struct {
	turns *service.TurnService
}

// NewTurnHandler creates a new turn handler
func NewTurnHandler(turns *service.TurnService) *TurnHandler {
	return &TurnHandler{turns: turns}
}

// Record commits the session and interaction of a turn and queues its telemetry
func (h *TurnHandler) Record(w http.ResponseWriter, r *http.Request) {
	var input service.TurnInput
	if !decode(w, r, &input) {
		return
	}

	result, err := h.turns.Record(r.Context(), input)
	if err != nil {
		writeError(w, r, err)
		return
	}

	response.Created(w, result)
}
