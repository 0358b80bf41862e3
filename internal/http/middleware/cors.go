package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

const (
	corsAllowMethods = "GET, POST, OPTIONS"
	corsAllowHeaders = "Accept, Authorization, Content-Type, X-Request-Id"
	corsMaxAge       = 10 * 60
)

// CORSConfig lists the browser origins, typically the HR dashboard, allowed to
// read job state. "*" allows any origin.
type CORSConfig struct {
	AllowedOrigins []string
	MaxAgeSeconds  int
}

type originSet struct {
	any     bool
	origins map[string]struct{}
}

func newOriginSet(values []string) originSet {
	set := originSet{origins: make(map[string]struct{}, len(values))}
	for _, value := range values {
		value = strings.ToLower(strings.TrimSpace(value))
		switch value {
		case "":
		case "*":
			set.any = true
		default:
			set.origins[value] = struct{}{}
		}
	}
	return set
}

func (s originSet) allows(origin string) bool {
	if s.any {
		return true
	}
	_, ok := s.origins[strings.ToLower(origin)]
	return ok
}

// CORS answers preflight requests from allowed origins and decorates their
// actual requests. Other origins pass through untouched.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	origins := newOriginSet(cfg.AllowedOrigins)
	maxAge := cfg.MaxAgeSeconds
	if maxAge <= 0 {
		maxAge = corsMaxAge
	}
	maxAgeValue := strconv.Itoa(maxAge)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" || !origins.allows(origin) {
				next.ServeHTTP(w, r)
				return
			}

			header := w.Header()
			header.Add("Vary", "Origin")
			if origins.any {
				header.Set("Access-Control-Allow-Origin", "*")
			} else {
				header.Set("Access-Control-Allow-Origin", origin)
			}
			if r.Method != http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			header.Add("Vary", "Access-Control-Request-Method")
			header.Add("Vary", "Access-Control-Request-Headers")
			header.Set("Access-Control-Allow-Methods", corsAllowMethods)
			header.Set("Access-Control-Allow-Headers", corsAllowHeaders)
			header.Set("Access-Control-Max-Age", maxAgeValue)
			w.WriteHeader(http.StatusNoContent)
		})
	}
}
