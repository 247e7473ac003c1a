package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"pulsehub/internal/ratelimit"
)

// RateLimit applies a per-IP fixed window to the API routes. trustHops is how
// many proxies in front of the server may append to X-Forwarded-For; zero
// means the peer address is authoritative.
func RateLimit(limiter ratelimit.Limiter, trustHops int) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := clientIP(c.Request, trustHops)

		res, err := limiter.Increment(c.Request.Context(), "api:"+ip)
		if err != nil {
			// A broken limiter backend must not take the API down.
			log.Warn().Err(err).Msg("rate limiter unavailable, letting request through")
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		c.Header("X-RateLimit-Reset", strconv.Itoa(int(res.ResetAfter.Seconds())))

		if !res.Allowed {
			c.Header("Retry-After", strconv.Itoa(int(res.ResetAfter.Seconds())))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// clientIP resolves the caller address, walking X-Forwarded-For from the
// right by the number of trusted hops.
func clientIP(r *http.Request, trustHops int) string {
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peer = r.RemoteAddr
	}
	if trustHops <= 0 {
		return peer
	}
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded == "" {
		return peer
	}
	hops := strings.Split(forwarded, ",")
	idx := len(hops) - trustHops
	if idx < 0 {
		idx = 0
	}
	return strings.TrimSpace(hops[idx])
}
