package middleware

import (
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// MaxBodySize caps request bodies at n bytes. A declared Content-Length over
// the cap is refused with 413 before the handler runs; otherwise chi's
// RequestSize limits the read and handlers map *http.MaxBytesError to 413.
func MaxBodySize(n int64) func(http.Handler) http.Handler {
	limit := chimw.RequestSize(n)
	return func(next http.Handler) http.Handler {
		limited := limit(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > n {
				writeError(w, http.StatusRequestEntityTooLarge, "request_too_large")
				return
			}
			limited.ServeHTTP(w, r)
		})
	}
}
