package auth

import (
	"net"
	"net/http"
	"strings"

	"tenant-admin/internal/audit"
	"tenant-admin/internal/model"
	"tenant-admin/internal/respond"
)

// Middleware puts the caller into the request context as an audit actor.
// With required set, a missing or bad bearer token is a 401; otherwise the
// request continues with an anonymous actor that still carries IP and
// user agent.
func Middleware(tokens *Tokens, required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := model.Actor{
				IPAddress: ClientIP(r),
				UserAgent: r.UserAgent(),
			}

			header := r.Header.Get("Authorization")
			switch {
			case strings.HasPrefix(header, "Bearer ") && tokens.Enabled():
				claims, err := tokens.Validate(strings.TrimPrefix(header, "Bearer "))
				if err != nil {
					respond.Error(w, http.StatusUnauthorized, "unauthorized", "Invalid or expired token", nil, false)
					return
				}
				actor.UserID = claims.UserID
			case required:
				respond.Error(w, http.StatusUnauthorized, "unauthorized", "Missing or invalid Authorization header", nil, false)
				return
			}

			next.ServeHTTP(w, r.WithContext(audit.WithActor(r.Context(), actor)))
		})
	}
}

// ClientIP is the host part of the peer address. Forwarding headers are
// client-controlled; a router behind a trusted proxy rewrites RemoteAddr
// from them before this runs.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
