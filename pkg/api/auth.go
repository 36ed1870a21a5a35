package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"tor-switch/pkg/auth"
	"tor-switch/pkg/version"
)

// AuthHandler gates the control channel behind a shared secret. With an empty
// hash, authentication is disabled and every connection is accepted.
type AuthHandler struct {
	SecretHash string // bcrypt hash of the control secret
}

func (a *AuthHandler) Enabled() bool { return a.SecretHash != "" }

func (a *AuthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)
	mux.HandleFunc("/api/v1/version", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": version.Build})
	})
}

// handleLogin exchanges the control secret for a session token.
func (a *AuthHandler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !a.Enabled() {
		http.Error(w, "auth disabled", http.StatusNotFound)
		return
	}
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Secret == "" {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(a.SecretHash), []byte(req.Secret)) != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	token, _ := auth.Generate("ui", 24*time.Hour)
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// RequireToken protects an endpoint when auth is enabled. The token is taken
// from the Authorization header or, for websocket clients, a token query
// parameter.
func (a *AuthHandler) RequireToken(next func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || token == r.Header.Get("Authorization") {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if _, err := auth.Parse(token); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
