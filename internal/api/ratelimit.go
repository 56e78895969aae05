package api

import (
	"net/http"
	"sync"

	"github.com/labstack/echo/v5"
	"golang.org/x/time/rate"
)

// RateLimit returns middleware applying a per-client token bucket keyed by
// remote IP. Clients over the limit get 429 without reaching the engine.
func RateLimit(limit rate.Limit, burst int) echo.MiddlewareFunc {
	var (
		mu       sync.Mutex
		limiters = make(map[string]*rate.Limiter)
	)
	limiterFor := func(ip string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		lim, ok := limiters[ip]
		if !ok {
			lim = rate.NewLimiter(limit, burst)
			limiters[ip] = lim
		}
		return lim
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if !limiterFor(c.RealIP()).Allow() {
				return writeError(c, http.StatusTooManyRequests, "rate_limit_error",
					"too many requests")
			}
			return next(c)
		}
	}
}
