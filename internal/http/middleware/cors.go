package middleware

import (
	"net/http"
	"strings"
)

// CORS restricts browser callers to the configured origins. A "*" entry
// admits any origin; the caller's own origin is echoed back rather than the
// wildcard so credentialed requests keep working.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	origins := newOriginSet(allowedOrigins)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origins.match(origin) {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
				h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
				h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				h.Set("Access-Control-Max-Age", "600")
			}
			if isPreflight(r) {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type originSet struct {
	any   bool
	exact map[string]struct{}
}

func newOriginSet(list []string) originSet {
	s := originSet{exact: make(map[string]struct{})}
	for _, origin := range list {
		switch origin = strings.TrimSpace(origin); origin {
		case "":
		case "*":
			s.any = true
		default:
			s.exact[origin] = struct{}{}
		}
	}
	return s
}

func (s originSet) match(origin string) bool {
	if origin == "" {
		return false
	}
	if s.any {
		return true
	}
	_, ok := s.exact[origin]
	return ok
}

func isPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions &&
		r.Header.Get("Origin") != "" &&
		r.Header.Get("Access-Control-Request-Method") != ""
}
