package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// Auth guards the control API with a shared key, sent either as
// "Authorization: Bearer <key>" or as X-API-Key. Paths in public (health
// checks, metrics scrapes) skip the check, as does an empty apiKey.
// Rejections are logged with the client address so a misconfigured
// dashboard shows up in the logs.
func Auth(apiKey string, logger *slog.Logger, public ...string) func(http.Handler) http.Handler {
	skip := make(map[string]struct{}, len(public))
	for _, p := range public {
		skip[p] = struct{}{}
	}
	want := []byte(apiKey)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok || apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			token, ok := presentedKey(r)
			switch {
			case !ok:
				deny(w, r, logger, "missing api key")
			case subtle.ConstantTimeCompare([]byte(token), want) != 1:
				deny(w, r, logger, "invalid api key")
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

// presentedKey returns the key from the Bearer header, falling back to
// X-API-Key.
func presentedKey(r *http.Request) (string, bool) {
	if scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " "); found && strings.EqualFold(scheme, "Bearer") {
		if token = strings.TrimSpace(token); token != "" {
			return token, true
		}
	}
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key, true
	}
	return "", false
}

func deny(w http.ResponseWriter, r *http.Request, logger *slog.Logger, reason string) {
	logger.WarnContext(r.Context(), "api request rejected",
		slog.String("reason", reason),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("client_ip", extractClientIP(r)),
	)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("WWW-Authenticate", `Bearer realm="riskguard"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": reason})
}
