package web

import "net/http"

func authMiddleware(auth Authenticator, next http.HandlerFunc) http.HandlerFunc {
	if auth != nil {
		return func(w http.ResponseWriter, r *http.Request) {
			client, token, ok := r.BasicAuth()
			if !ok || auth.Authenticate(r.Context(), client, token) != nil {
				w.Header().Set("WWW-Authenticate", `Basic realm="hpcfire"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next(w, r)
		}
	}
	return func(w http.ResponseWriter, r *http.Request) {
		next(w, r)
	}
}
