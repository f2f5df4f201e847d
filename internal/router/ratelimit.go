package router

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/apiforge/apiforge/internal/apperr"
	"github.com/apiforge/apiforge/internal/cache"
	"github.com/apiforge/apiforge/internal/logging"
)

// RateLimitRule caps requests per interval. Declarable globally, per route,
// and per route method; the most specific rule wins.
type RateLimitRule struct {
	Interval    time.Duration
	MaxRequests int64
}

// validate reports a configuration fault for a non-positive interval or cap.
func (r *RateLimitRule) validate(where string) error {
	if r == nil {
		return nil
	}
	if r.Interval <= 0 {
		return apperr.Configf("rate limit at %s: interval must be positive", where)
	}
	if r.MaxRequests <= 0 {
		return apperr.Configf("rate limit at %s: maxRequests must be positive", where)
	}
	return nil
}

// rateLimitMiddleware counts requests per client in the cache store within
// the rule's interval window. A store failure lets the request through: the
// limiter protects capacity, it is not an auth boundary.
func rateLimitMiddleware(rule *RateLimitRule, store cache.Store, key string, log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		window := time.Now().UnixMilli() / rule.Interval.Milliseconds()
		counterKey := fmt.Sprintf("ratelimit:%s:%s:%d", key, c.ClientIP(), window)
		count, err := store.Incr(c.Request.Context(), counterKey, rule.Interval)
		if err != nil {
			log.Warn("rate limit store unavailable", "error", err.Error())
			c.Next()
			return
		}
		if count > rule.MaxRequests {
			respondError(c, http.StatusTooManyRequests, nil, nil)
			return
		}
		c.Next()
	}
}
