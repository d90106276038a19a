package middleware

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"meshcall/pkg/config"
	"meshcall/pkg/errors"
)

// limiterStore keeps one token bucket per client.
type limiterStore struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newLimiterStore(limit rate.Limit, burst int) *limiterStore {
	return &limiterStore{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

func (s *limiterStore) get(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[key]
	if !ok {
		l = rate.NewLimiter(s.limit, s.burst)
		s.limiters[key] = l
	}
	return l
}

// RateLimit throttles the command surface per client IP and caps the
// number of commands executing at once.
func RateLimit(cfg *config.Config, logger *zap.SugaredLogger) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) { c.Next() }
	}

	limits := cfg.RateLimiting.HTTP
	store := newLimiterStore(rate.Limit(limits.RequestsPerSecond), limits.Burst)

	var inflight chan struct{}
	if limits.MaxConcurrent > 0 {
		inflight = make(chan struct{}, limits.MaxConcurrent)
	}

	return func(c *gin.Context) {
		if inflight != nil {
			select {
			case inflight <- struct{}{}:
				defer func() { <-inflight }()
			default:
				abort(c, errors.NewServiceUnavailableError("too many concurrent commands"))
				return
			}
		}

		ip := c.ClientIP()
		reservation := store.get(ip).Reserve()
		if delay := reservation.Delay(); delay > 0 {
			reservation.Cancel()
			logger.Debugw("command rate limited", "client_ip", ip, "path", c.FullPath())
			c.Header("Retry-After", strconv.Itoa(int(delay.Seconds())+1))
			abort(c, errors.NewAppError(errors.ErrCodeRateLimited, "rate limit exceeded", http.StatusTooManyRequests))
			return
		}
		c.Next()
	}
}

func abort(c *gin.Context, appErr *errors.AppError) {
	c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{
		"error":   string(appErr.Code),
		"message": appErr.Message,
	})
}
