package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// requireAPIKey accepts X-API-Key or Authorization: Bearer. Websocket
// upgrades may pass the key as ?api_key= since browsers cannot set headers
// on them. With no keys configured every request passes, unless
// server.require_auth is set.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.keys) == 0 {
			if s.cfg.RequireAuth {
				s.writeError(w, r, errNoKeys)
				return
			}
			next.ServeHTTP(w, r)
			return
		}
		key := presentedKey(r)
		if key == "" {
			s.writeError(w, r, errMissingKey)
			return
		}
		if !s.validKey(key) {
			s.writeError(w, r, errInvalidKey)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func presentedKey(r *http.Request) string {
	if k := strings.TrimSpace(r.Header.Get("X-API-Key")); k != "" {
		return k
	}
	if auth := r.Header.Get("Authorization"); len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	if websocket.IsWebSocketUpgrade(r) {
		return r.URL.Query().Get("api_key")
	}
	return ""
}

// validKey compares against every key so timing does not reveal which one matched
func (s *Server) validKey(key string) bool {
	ok := 0
	for _, k := range s.keys {
		ok |= subtle.ConstantTimeCompare([]byte(key), k)
	}
	return ok == 1
}
