package middleware

import (
	"net/http"
	"strings"
)

// originSet matches request origins against the configured list. An entry
// ending in ":*" accepts that scheme and host on any port, or none.
type originSet struct {
	exact    map[string]struct{}
	anyPorts []string
}

func newOriginSet(origins []string) originSet {
	set := originSet{exact: make(map[string]struct{})}
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		switch {
		case o == "":
		case strings.HasSuffix(o, ":*"):
			set.anyPorts = append(set.anyPorts, strings.TrimSuffix(o, ":*"))
		default:
			set.exact[o] = struct{}{}
		}
	}
	return set
}

func (s originSet) allows(origin string) bool {
	if origin == "" {
		return false
	}
	if _, ok := s.exact[origin]; ok {
		return true
	}
	for _, base := range s.anyPorts {
		if origin == base || strings.HasPrefix(origin, base+":") {
			return true
		}
	}
	return false
}

// CORS returns middleware that answers cross-origin requests from the given
// origins only. Preflight requests are answered without reaching the router.
func CORS(origins []string) func(http.Handler) http.Handler {
	allowed := newOriginSet(origins)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			w.Header().Add("Vary", "Origin")
			if allowed.allows(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")
				w.Header().Set("Access-Control-Max-Age", "3600")
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// SecurityHeaders returns middleware that sets the headers of a JSON API that
// serves no documents of its own.
func SecurityHeaders() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "no-referrer")
			next.ServeHTTP(w, r)
		})
	}
}
