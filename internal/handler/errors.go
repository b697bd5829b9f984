package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-uploads/internal/domain"
)

// APIError is the JSON error body.
type APIError struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Resource string         `json:"resource,omitempty"`
	Details  map[string]any `json:"details,omitempty"`

	HTTPStatusCode int `json:"-"`
}

// Common API errors.
var (
	ErrUnauthorized = APIError{
		Code:           "Unauthorized",
		Message:        "Caller identity is missing or invalid.",
		HTTPStatusCode: http.StatusUnauthorized,
	}
	ErrMalformedBody = APIError{
		Code:           "MalformedBody",
		Message:        "The request body is not valid JSON.",
		HTTPStatusCode: http.StatusBadRequest,
	}
	ErrBodyTooLarge = APIError{
		Code:           "BodyTooLarge",
		Message:        "The request body exceeds the allowed size.",
		HTTPStatusCode: http.StatusRequestEntityTooLarge,
	}
	ErrInvalidTaskID = APIError{
		Code:           "InvalidTaskId",
		Message:        "The task id is not a valid UUID.",
		HTTPStatusCode: http.StatusBadRequest,
	}
	ErrInternal = APIError{
		Code:           "InternalError",
		Message:        "We encountered an internal error. Please try again.",
		HTTPStatusCode: http.StatusInternalServerError,
	}
)

// toAPIError maps service errors to API errors.
func toAPIError(err error) APIError {
	var incomplete *domain.IncompleteUploadError
	if errors.As(err, &incomplete) {
		return APIError{
			Code:    "IncompleteUpload",
			Message: incomplete.Error(),
			Details: map[string]any{
				"completedChunks": incomplete.Completed,
				"totalChunks":     incomplete.Total,
				"missingChunks":   incomplete.Missing,
			},
			HTTPStatusCode: http.StatusConflict,
		}
	}

	apiErr := ErrInternal
	switch {
	case errors.Is(err, domain.ErrValidation):
		apiErr = APIError{Code: "ValidationError", HTTPStatusCode: http.StatusBadRequest}
	case errors.Is(err, domain.ErrForbidden):
		apiErr = APIError{Code: "Forbidden", HTTPStatusCode: http.StatusForbidden}
	case errors.Is(err, domain.ErrTaskNotFound):
		apiErr = APIError{Code: "TaskNotFound", HTTPStatusCode: http.StatusNotFound}
	case errors.Is(err, domain.ErrChunkNotFound):
		apiErr = APIError{Code: "ChunkNotFound", HTTPStatusCode: http.StatusNotFound}
	case errors.Is(err, domain.ErrFileNotFound):
		apiErr = APIError{Code: "FileNotFound", HTTPStatusCode: http.StatusNotFound}
	case errors.Is(err, domain.ErrTaskBusy):
		apiErr = APIError{Code: "TaskBusy", HTTPStatusCode: http.StatusConflict}
	case errors.Is(err, domain.ErrInvalidState):
		apiErr = APIError{Code: "InvalidState", HTTPStatusCode: http.StatusConflict}
	case errors.Is(err, domain.ErrConcurrencyLimitExceeded):
		apiErr = APIError{Code: "ConcurrencyLimitExceeded", HTTPStatusCode: http.StatusTooManyRequests}
	case errors.Is(err, domain.ErrStorage):
		apiErr = APIError{Code: "StorageError", HTTPStatusCode: http.StatusBadGateway}
	default:
		return ErrInternal
	}

	apiErr.Message = err.Error()
	var domainErr *domain.DomainError
	if errors.As(err, &domainErr) {
		apiErr.Message = domainErr.Err.Error()
		if domainErr.Message != "" {
			apiErr.Message += ": " + domainErr.Message
		}
		apiErr.Resource = domainErr.Resource
	}
	return apiErr
}

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError writes an APIError response.
func writeError(w http.ResponseWriter, apiErr APIError) {
	writeJSON(w, apiErr.HTTPStatusCode, apiErr)
}

// writeServiceError maps err and writes it. Internal errors are logged with
// their cause, which is never exposed to the caller.
func writeServiceError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	apiErr := toAPIError(err)
	if apiErr.HTTPStatusCode >= http.StatusInternalServerError {
		logger.Error().Err(err).Str("code", apiErr.Code).Msg("request failed")
	}
	writeError(w, apiErr)
}
