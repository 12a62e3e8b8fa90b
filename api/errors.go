package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/syoslabs/gatehouse/provider"
	"github.com/syoslabs/gatehouse/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// mapError translates domain errors into responses. Credential failures
// collapse into one message so responses never reveal whether the email
// exists.
func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, provider.ErrInvalidCredentials),
		errors.Is(err, provider.ErrUserNotFound):
		writeError(w, http.StatusUnauthorized, "Invalid email or password")
	case errors.Is(err, provider.ErrAccountLocked):
		writeError(w, http.StatusForbidden, "This account is locked")
	case errors.Is(err, provider.ErrDuplicateEmail):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:           "An account with this email already exists",
			RedirectToLogin: true,
		})
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, store.ErrSelfLink):
		writeError(w, http.StatusBadRequest, "Cannot link an account to itself")
	case errors.Is(err, store.ErrLinkLimit):
		writeError(w, http.StatusConflict, "Linked account limit reached")
	default:
		writeError(w, http.StatusInternalServerError, "Internal error")
	}
}
