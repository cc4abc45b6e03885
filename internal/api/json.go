package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/starford/concord/internal/apperr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode failed", slog.String("error", err.Error()))
	}
}

type errResponse struct {
	Error string `json:"error" validate:"required"`
}

func errorBody(msg string) errResponse {
	return errResponse{Error: msg}
}

// writeError maps domain errors to status codes. Anything unexpected is logged
// under op and reported as an internal error.
func writeError(w http.ResponseWriter, op string, err error, attrs ...any) {
	var (
		pe *apperr.ParseValidationError
		de *apperr.DuplicateIdentifierError
		ie *apperr.ReferenceIntegrityError
	)
	// A batch error may carry both.
	hasDup, hasInt := errors.As(err, &de), errors.As(err, &ie)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
	case errors.Is(err, apperr.ErrConflict):
		writeJSON(w, http.StatusConflict, errorBody("checksum mismatch"))
	case errors.Is(err, apperr.ErrAlreadyExists):
		writeJSON(w, http.StatusConflict, errorBody("already exists"))
	case errors.Is(err, apperr.ErrInvalidInput), errors.Is(err, apperr.ErrInvalidReference):
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
	case errors.As(err, &pe):
		writeJSON(w, http.StatusUnprocessableEntity, problemsResponse{
			Error:    "invalid source",
			Path:     pe.Path,
			Problems: pe.Problems,
		})
	case hasDup || hasInt:
		body := consistencyResponse{Error: err.Error()}
		if de != nil {
			body.Duplicates = de.Duplicates
		}
		if ie != nil {
			body.Unresolved = ie.Unresolved
		}
		writeJSON(w, http.StatusConflict, body)
	default:
		slog.Error(op+" failed", append(attrs, slog.String("error", err.Error()))...)
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}
