package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// respondJSON writes v as a JSON response body with the given status.
func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to write JSON response", "err", err)
	}
}

// respondError writes a JSON error body so clients always get a well-formed object.
func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, struct {
		Message string `json:"message"`
	}{Message: msg})
}
