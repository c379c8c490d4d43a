package httpapi

import (
	"crypto/subtle"
	"net/http"
)

// AntiForgeryHeader carries the token required on state-changing requests.
const AntiForgeryHeader = "X-Antiforgery-Token"

// Recovery recovers from panics in HTTP handlers and returns HTTP 500 to the client.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if recover() != nil {
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				// Logging of panics is handled in Logging middleware
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// AntiForgery rejects requests whose anti-forgery header does not match the
// configured token. Comparison is constant-time.
func AntiForgery(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			supplied := r.Header.Get(AntiForgeryHeader)
			if subtle.ConstantTimeCompare([]byte(supplied), []byte(token)) != 1 {
				writeJSONError(r.Context(), w, "missing or invalid anti-forgery token", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// applyMiddlewares applies middlewares to a handler in the order they appear.
// The first middleware in the slice is the outermost (executes first).
func applyMiddlewares(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}
