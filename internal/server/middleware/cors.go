package middleware

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"
)

// corsMethods are the only methods the control API serves.
var corsMethods = []string{http.MethodGet, http.MethodPost}

const (
	corsAllowHeaders  = "Authorization, Content-Type, X-API-Key"
	corsExposeHeaders = "Retry-After"
	corsMaxAge        = 10 * time.Minute
)

// CORS lets the listed dashboard origins call the control API from a
// browser. A "*" entry admits any origin; an empty list admits none, since
// the API can close positions and reset the breaker.
//
// Preflights are answered here: 204 when both origin and requested method
// are allowed, 403 otherwise. Other requests pass through, with the
// Access-Control headers set only for allowed origins.
func CORS(origins []string) func(http.Handler) http.Handler {
	anyOrigin := slices.Contains(origins, "*")
	maxAge := strconv.Itoa(int(corsMaxAge.Seconds()))
	methods := strings.Join(corsMethods, ", ")

	allowed := func(origin string) bool {
		if anyOrigin {
			return true
		}
		return slices.ContainsFunc(origins, func(o string) bool {
			return strings.EqualFold(strings.TrimSuffix(o, "/"), origin)
		})
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Add("Vary", "Origin")
			ok := allowed(origin)

			reqMethod := r.Header.Get("Access-Control-Request-Method")
			if r.Method == http.MethodOptions && reqMethod != "" {
				w.Header().Add("Vary", "Access-Control-Request-Method")
				if !ok || !slices.Contains(corsMethods, strings.ToUpper(reqMethod)) {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", methods)
				w.Header().Set("Access-Control-Allow-Headers", corsAllowHeaders)
				w.Header().Set("Access-Control-Max-Age", maxAge)
				w.WriteHeader(http.StatusNoContent)
				return
			}

			if ok {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Expose-Headers", corsExposeHeaders)
			}
			next.ServeHTTP(w, r)
		})
	}
}
