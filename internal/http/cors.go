package http

import "net/http"

// cors answers preflight requests and echoes allowed origins. Credentials
// are only allowed for explicitly listed origins, never for "*".
func cors(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" {
				allowed, explicit := false, false
				for _, o := range allowedOrigins {
					if o == origin {
						allowed, explicit = true, true
						break
					}
					if o == "*" {
						allowed = true
					}
				}
				if allowed {
					h := w.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
					h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
					h.Add("Vary", "Origin")
					if explicit {
						h.Set("Access-Control-Allow-Credentials", "true")
					}
				}
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
