package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/DialogPipe/internal/flow"
	"github.com/BTreeMap/DialogPipe/internal/models"
	"github.com/BTreeMap/DialogPipe/internal/store"
	"github.com/BTreeMap/DialogPipe/internal/turnlock"
)

// fallbackErrorResponse is sent when a response cannot be encoded.
var fallbackErrorResponse []byte

func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("failed to marshal fallback error response: %v", err))
	}
}

// writeJSONResponse encodes response before writing any header so an
// encoding failure still produces a well-formed 500.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	data, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		data = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(data); err != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", err)
	}
}

// statusFor maps an engine error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidPersona),
		errors.Is(err, models.ErrEmptyUtterance),
		errors.Is(err, models.ErrUtteranceTooBig),
		errors.Is(err, models.ErrInvalidLanguage):
		return http.StatusBadRequest
	case errors.Is(err, turnlock.ErrLockTimeout):
		return http.StatusConflict
	case errors.Is(err, flow.ErrNoQuestionBank):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError answers with the status of err. Internal errors are not echoed.
func writeError(w http.ResponseWriter, handler string, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("Server."+handler+": request failed", "error", err)
		msg = "Internal server error"
	} else {
		slog.Warn("Server."+handler+": request rejected", "status", status, "error", err)
	}
	writeJSONResponse(w, status, models.Error(msg))
}
