// Package middleware provides HTTP middleware for the LeetCoach API.
package middleware

import (
	"net/http"
	"strings"
)

const allowedHeaders = "Content-Type, Last-Event-ID, X-LeetCoach-Device-ID, X-LeetCoach-Session-ID"

// originPattern matches one configured origin. A trailing "*" matches any
// suffix, so "chrome-extension://*" admits every extension ID.
type originPattern struct {
	exact  string
	prefix string
	any    bool
}

func compileOrigins(origins []string) []originPattern {
	out := make([]originPattern, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimSpace(o)
		switch {
		case o == "":
			continue
		case o == "*":
			out = append(out, originPattern{any: true})
		case strings.HasSuffix(o, "*"):
			out = append(out, originPattern{prefix: strings.TrimSuffix(o, "*")})
		default:
			out = append(out, originPattern{exact: strings.TrimRight(o, "/")})
		}
	}
	return out
}

// match reports whether origin is allowed and whether it was matched
// exactly. Only exact matches may carry credentials.
func match(patterns []originPattern, origin string) (allowed, exact bool) {
	for _, p := range patterns {
		switch {
		case p.exact != "" && p.exact == origin:
			return true, true
		case p.prefix != "" && strings.HasPrefix(origin, p.prefix) && len(origin) > len(p.prefix):
			allowed = true
		case p.any:
			allowed = true
		}
	}
	return allowed, false
}

// CORS returns middleware that handles CORS headers.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	patterns := compileOrigins(allowedOrigins)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if origin != "" {
				allowed, exact := match(patterns, origin)
				if allowed {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Add("Vary", "Origin")
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)
					w.Header().Set("Access-Control-Expose-Headers", "X-LeetCoach-Device-ID")
					// Setting Allow-Credentials with a wildcard-echoed origin enables CSRF.
					if exact {
						w.Header().Set("Access-Control-Allow-Credentials", "true")
					}
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// OriginAllowed reports whether origin passes the configured patterns. The
// WebSocket handler uses it for its own origin check.
func OriginAllowed(allowedOrigins []string, origin string) bool {
	allowed, _ := match(compileOrigins(allowedOrigins), origin)
	return allowed
}
