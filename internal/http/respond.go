package http

import (
	"encoding/json"
	"net/http"
	"strings"
)

// WriteJSON writes data as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// ExtractBearerToken returns the token from "Authorization: Bearer <token>".
func ExtractBearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// requireToken wraps next with bearer-token auth. An empty token disables the check.
func requireToken(token string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if token != "" {
			if ExtractBearerToken(r) != token {
				WriteJSON(w, http.StatusUnauthorized, map[string]interface{}{"success": false, "error": "unauthorized"})
				return
			}
		}
		next(w, r)
	}
}
