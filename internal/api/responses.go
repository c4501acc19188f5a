package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/snarg/whisper-server/internal/auth"
	"github.com/snarg/whisper-server/internal/clients"
	"github.com/snarg/whisper-server/internal/conversations"
	"github.com/snarg/whisper-server/internal/profiles"
	"github.com/snarg/whisper-server/internal/store"
)

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ErrorResponse is the standard error response body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// WriteError writes a JSON error response.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, ErrorResponse{Error: msg})
}

// WriteDomainError maps a registry error onto the HTTP error catalog.
func WriteDomainError(w http.ResponseWriter, err error) {
	WriteError(w, statusForError(err), err.Error())
}

// statusForError maps domain errors onto status codes: unknown entities are
// 404, auth failures 403, concurrency losses 409, everything else 500.
func statusForError(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, profiles.ErrNotShared):
		return http.StatusNotFound
	case errors.Is(err, auth.ErrUnauthorized), errors.Is(err, profiles.ErrWrongPassword):
		return http.StatusForbidden
	case errors.Is(err, profiles.ErrConflict), errors.Is(err, conversations.ErrOwnerMismatch):
		return http.StatusConflict
	case errors.Is(err, clients.ErrNoDeviceToken):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// DecodeJSON reads and decodes a JSON request body into v.
func DecodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return fmt.Errorf("missing request body")
	}
	return json.NewDecoder(r.Body).Decode(v)
}

// BearerToken extracts the Authorization bearer value, or "".
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return h[7:]
	}
	return ""
}
