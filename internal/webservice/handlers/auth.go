package handlers

import (
	"net/http"
	"strings"
)

// deviceToken extracts the device token from the request, preferring a bearer
// Authorization header and falling back to X-Device-Token.
func deviceToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if tok, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-Device-Token"))
}

// authorize resolves the request's device token to a user.
// On failure it writes a 401 response and returns ok == false.
func authorize(w http.ResponseWriter, r *http.Request, users UserResolver) (int64, bool) {
	token := deviceToken(r)
	if token == "" {
		respondError(w, http.StatusUnauthorized, "Missing device token")
		return 0, false
	}
	userID, ok := users.ResolveToken(token)
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unknown device token")
		return 0, false
	}
	return userID, true
}
