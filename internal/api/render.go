package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/blobmirror/blobmirror/internal/apierr"
)

// errorBody is the JSON envelope for error responses.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// WriteError writes an error response. Classified errors keep their code
// and status; anything else becomes an opaque 500.
func WriteError(w http.ResponseWriter, err error) {
	var body errorBody
	var ae *apierr.Error
	if errors.As(err, &ae) {
		body.Error.Code = ae.Code
		body.Error.Message = ae.Message
		WriteJSON(w, ae.HTTPStatus, body)
		return
	}
	slog.Error("unclassified error on API surface", "error", err)
	body.Error.Code = apierr.ErrService.Code
	body.Error.Message = "internal error"
	WriteJSON(w, http.StatusInternalServerError, body)
}
