package handler

import (
	"net/http"

	"github.com/Rrens/session-telemetry/internal/api/response"
	"github.com/Rrens/session-telemetry/internal/domain"
	"github.com/Rrens/session-telemetry/internal/service"
	"github.com/rs/zerolog/log"
)

// InteractionHandler serves interaction and telemetry endpoints
type InteractionHandler struct {
	recorder    *service.InteractionRecorder
	retrievals  *service.RetrievalLog
	invocations *service.InvocationLog
	evaluations *service.EvaluationLog
}

// NewInteractionHandler creates a new interaction handler
func NewInteractionHandler(
	recorder *service.InteractionRecorder,
	retrievals *service.RetrievalLog,
	invocations *service.InvocationLog,
	evaluations *service.EvaluationLog,
) *InteractionHandler {
	return &InteractionHandler{
		recorder:    recorder,
		retrievals:  retrievals,
		invocations: invocations,
		evaluations: evaluations,
	}
}

// Create appends an interaction to an existing session
func (h *InteractionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var interaction domain.Interaction
	if !decode(w, r, &interaction) {
		return
	}

	id, err := h.recorder.Append(r.Context(), &interaction)
	if err != nil {
		writeError(w, r, err)
		return
	}

	response.Created(w, map[string]any{"interaction_id": id})
}

// Get returns one interaction
func (h *InteractionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "interactionID")
	if !ok {
		return
	}

	interaction, err := h.recorder.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.OK(w, interaction)
}

// Update applies feedback or edit fields to an interaction
func (h *InteractionHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "interactionID")
	if !ok {
		return
	}

	var patch domain.InteractionPatch
	if !decode(w, r, &patch) {
		return
	}

	if err := h.recorder.Update(r.Context(), id, &patch); err != nil {
		writeError(w, r, err)
		return
	}

	interaction, err := h.recorder.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.OK(w, interaction)
}

// AddRetrieval queues a retrieval record
func (h *InteractionHandler) AddRetrieval(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "interactionID")
	if !ok {
		return
	}

	var retrieval domain.Retrieval
	if !decode(w, r, &retrieval) {
		return
	}
	retrieval.InteractionID = id

	if err := h.retrievals.Append(r.Context(), &retrieval); err != nil {
		writeError(w, r, err)
		return
	}

	log.Debug().Str("interaction_id", id.String()).Msg("Retrieval queued")
	response.Accepted(w, map[string]any{"retrieval_id": retrieval.RetrievalID})
}

// AddInvocation queues an invocation record
func (h *InteractionHandler) AddInvocation(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "interactionID")
	if !ok {
		return
	}

	var invocation domain.Invocation
	if !decode(w, r, &invocation) {
		return
	}
	invocation.InteractionID = id

	if err := h.invocations.Append(r.Context(), &invocation); err != nil {
		writeError(w, r, err)
		return
	}

	response.Accepted(w, map[string]any{"llm_invocation_id": invocation.LLMInvocationID})
}

// AddEvaluation queues an evaluation record. Evaluations may arrive long
// after the turn completed.
func (h *InteractionHandler) AddEvaluation(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "interactionID")
	if !ok {
		return
	}

	var evaluation domain.Evaluation
	if !decode(w, r, &evaluation) {
		return
	}
	evaluation.InteractionID = id

	if err := h.evaluations.Append(r.Context(), &evaluation); err != nil {
		writeError(w, r, err)
		return
	}

	response.Accepted(w, map[string]any{"evaluation_id": evaluation.EvaluationID})
}
