package httptransport

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/cloudwego/hertz/pkg/app"
	"golang.org/x/time/rate"

	"didcomm-agent/pkg/log"
)

// RateLimit 全局入站限流，超出返回 429
func RateLimit(rps int) app.HandlerFunc {
	burst := rps * 2
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return func(ctx context.Context, c *app.RequestContext) {
		if !limiter.Allow() {
			c.AbortWithStatus(http.StatusTooManyRequests)
			return
		}
		c.Next(ctx)
	}
}

func hertzLevel(level string) *slog.LevelVar {
	v := &slog.LevelVar{}
	v.Set(log.ParseLevel(level))
	return v
}
