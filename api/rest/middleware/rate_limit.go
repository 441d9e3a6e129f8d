package middleware

import (
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/render"
	"golang.org/x/time/rate"
)

// SubmitLimiter admits at most perSecond requests on average, with burst.
// A non-positive perSecond admits everything.
func SubmitLimiter(perSecond float64, burst int) func(next http.Handler) http.Handler {
	if perSecond <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := limiter.Reserve()
			if delay := res.Delay(); delay > 0 {
				res.Cancel()
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
				render.Status(r, http.StatusTooManyRequests)
				render.JSON(w, r, map[string]string{"detail": "Too many job submissions, retry later."})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
