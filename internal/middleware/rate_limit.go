package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"
)

// LimitByIP 按来源 IP 限制 window 内的请求数，超限返回 429 信封。
// 需要挂在 chi RealIP 之后，代理头此时已改写进 RemoteAddr。
// requests 或 window 非正时不限流。
func LimitByIP(requests int, window time.Duration, message string) func(http.Handler) http.Handler {
	if requests <= 0 || window <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(
		requests,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			writeEnvelopeError(w, http.StatusTooManyRequests, message)
		}),
	)
}
