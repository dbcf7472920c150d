package httpserver

import (
	"net/http"
	"strings"

	"github.com/pycam/pycam-relay/internal/origin"
)

// corsMiddleware applies the LAN-friendly cross-origin policy. With "*" in
// allowedOrigins every origin is accepted; otherwise the normalized Origin
// header must match an entry. Requests without an Origin header pass through.
func corsMiddleware(allowedOrigins []string) Middleware {
	policy := origin.NewPolicy(allowedOrigins)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestOrigin := strings.TrimSpace(r.Header.Get("Origin"))
			if requestOrigin == "" {
				next.ServeHTTP(w, r)
				return
			}

			if policy.Wildcard() {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else {
				if !policy.Allows(requestOrigin) {
					WriteJSONError(w, http.StatusForbidden, "origin_not_allowed", "origin not allowed")
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", requestOrigin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
				if requestHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers")); requestHeaders != "" {
					w.Header().Set("Access-Control-Allow-Headers", requestHeaders)
				} else {
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
				}
				w.Header().Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
