package middleware

import (
	"net/http"
)

// CORS handles cross-origin requests from dashboard deployments served on a
// different origin than the API.
type CORS struct {
	allowedOrigins map[string]bool
	allowAll       bool
}

// NewCORS creates the CORS middleware. An entry of "*" allows any origin.
func NewCORS(allowedOrigins []string) *CORS {
	c := &CORS{allowedOrigins: make(map[string]bool)}
	for _, origin := range allowedOrigins {
		if origin == "*" {
			c.allowAll = true
			continue
		}
		c.allowedOrigins[origin] = true
	}
	return c
}

// Handler returns the CORS middleware handler.
func (c *CORS) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (c.allowAll || c.allowedOrigins[origin]) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Trace-ID")
			w.Header().Set("Access-Control-Expose-Headers", "X-Trace-ID")
			w.Header().Set("Access-Control-Max-Age", "3600")
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
