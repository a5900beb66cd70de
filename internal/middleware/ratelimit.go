package middleware

import (
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/httprate"
)

// RateLimit creates per-client throttling middleware. Clients are keyed by
// authenticated patient id, falling back to the remote IP. It sits in front
// of the process-wide upstream limiter so one noisy client cannot use up
// the shared upstream budget.
func RateLimit(requestLimit int, windowLength time.Duration) func(http.Handler) http.Handler {
	retryAfter := int(math.Ceil(windowLength.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	body := fmt.Sprintf(`{"error":"rate limit exceeded","retryAfter":%d}`, retryAfter)

	return httprate.Limit(
		requestLimit,
		windowLength,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			if patientID := GetPatientID(r.Context()); patientID != "" {
				return "patient:" + patientID, nil
			}
			ip, err := httprate.KeyByIP(r)
			if err != nil {
				return "", err
			}
			return "ip:" + ip, nil
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", fmt.Sprint(retryAfter))
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(body))
		}),
	)
}
