package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Rrens/session-telemetry/internal/api/response"
	"github.com/Rrens/session-telemetry/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var validate = validator.New()

// writeError maps a service error onto its HTTP status
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		fields := map[string]string{}
		if verr.Field != "" {
			fields[verr.Field] = verr.Message
		}
		response.Invalid(w, verr.Error(), fields)
	case errors.Is(err, domain.ErrValidation):
		response.Invalid(w, err.Error(), nil)
	case errors.Is(err, domain.ErrUncommitted):
		response.Error(w, http.StatusServiceUnavailable, "uncommitted", err.Error())
	case errors.Is(err, domain.ErrOrphanReference):
		response.Error(w, http.StatusUnprocessableEntity, "orphan_reference", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		response.NotFound(w, err.Error())
	case errors.Is(err, domain.ErrDuplicateKey):
		response.Error(w, http.StatusConflict, "duplicate", err.Error())
	case errors.Is(err, domain.ErrSessionClosed):
		response.Error(w, http.StatusConflict, "session_closed", err.Error())
	case errors.Is(err, domain.ErrPoolExhausted), errors.Is(err, domain.ErrStoreUnavailable):
		response.ServiceUnavailable(w, err.Error())
	case errors.Is(err, domain.ErrEvictionPersist):
		response.Error(w, http.StatusAccepted, "close_pending", err.Error())
	default:
		log.Error().Err(err).Str("path", r.URL.Path).Msg("Unhandled request error")
		response.InternalError(w, "internal error")
	}
}

// decode reads a JSON body and runs struct validation
func decode(w http.ResponseWriter, r *http.Request, dest any) bool {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		response.BadRequest(w, "invalid request body")
		return false
	}

	if err := validate.Struct(dest); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			fields := make(map[string]string)
			for _, e := range validationErrors {
				switch e.Tag() {
				case "required", "required_without":
					fields[e.Field()] = "field is required"
				case "min":
					fields[e.Field()] = "must be at least " + e.Param()
				case "max":
					fields[e.Field()] = "must be at most " + e.Param()
				default:
					fields[e.Field()] = "validation failed on " + e.Tag()
				}
			}
			response.Invalid(w, "invalid request", fields)
			return false
		}
		response.BadRequest(w, err.Error())
		return false
	}
	return true
}

// uuidParam parses a UUID URL parameter, writing a 400 when malformed
func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		response.BadRequest(w, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}
