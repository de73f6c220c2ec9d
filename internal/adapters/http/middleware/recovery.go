package middleware

import (
	"log"
	"net/http"
	"runtime/debug"

	"github.com/quarrylabs/quarry/internal/adapters/http/dto"
	"github.com/quarrylabs/quarry/internal/domain"
)

// Recovery turns handler panics into a 500 envelope instead of a dropped
// connection. The stack goes to the log, never to the client.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("panic serving %s %s: %v\n%s", r.Method, r.URL.Path, rec, debug.Stack())
				dto.WriteError(w,
					domain.New(domain.CategoryConfiguration, "INTERNAL_ERROR", "internal server error"),
					GetRequestID(r.Context()))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
