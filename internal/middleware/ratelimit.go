package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/Dhoini/proposalkraft-billing/pkg/logger"
	"github.com/Dhoini/proposalkraft-billing/pkg/res"
)

// RateLimiter ограничивает частоту запросов на пользователя (или IP для анонимных)
type RateLimiter struct {
	perMinute int
	limit     rate.Limit
	burst     int
	log       *logger.Logger

	mu       sync.Mutex
	limiters *gocache.Cache
}

// NewRateLimiter создает лимитер perMinute запросов в минуту с запасом burst.
// Неактивные лимитеры вытесняются через 10 минут.
func NewRateLimiter(perMinute, burst int, log *logger.Logger) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		perMinute: perMinute,
		limit:     rate.Limit(float64(perMinute) / 60),
		burst:     burst,
		log:       log,
		limiters:  gocache.New(10*time.Minute, 20*time.Minute),
	}
}

func (r *RateLimiter) limiter(key string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.limiters.Get(key); ok {
		r.limiters.SetDefault(key, v)
		return v.(*rate.Limiter)
	}
	l := rate.NewLimiter(r.limit, r.burst)
	r.limiters.SetDefault(key, l)
	return l
}

// Middleware отклоняет запросы сверх лимита с 429
func (r *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if r.limit <= 0 {
			c.Next()
			return
		}
		key := "ip:" + c.ClientIP()
		if p, ok := PrincipalFrom(c); ok {
			key = "user:" + p.UserID
		}

		if !r.limiter(key).Allow() {
			retry := (60 + r.perMinute - 1) / r.perMinute
			r.log.Warnw("Rate limit exceeded", "key", key, "path", c.Request.URL.Path)
			c.Header("Retry-After", strconv.Itoa(retry))
			res.JsonResponse(c.Writer, res.ErrorResponse{
				Error:     "Too many requests, try again later",
				ErrorCode: http.StatusTooManyRequests,
			}, http.StatusTooManyRequests)
			c.Abort()
			return
		}
		c.Next()
	}
}
