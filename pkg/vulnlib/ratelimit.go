package vulnlib

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Gate enforces a minimum spacing between outbound calls. One Gate is
// shared by every caller of a directory; calls that arrive early wait
// rather than fail.
type Gate struct {
	limiter *rate.Limiter
	spacing time.Duration
}

func NewGate(spacing time.Duration) *Gate {
	limit := rate.Inf
	if spacing > 0 {
		limit = rate.Every(spacing)
	}

	return &Gate{
		limiter: rate.NewLimiter(limit, 1),
		spacing: spacing,
	}
}

// Wait blocks until the next call is allowed or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	if g == nil {
		return ctx.Err()
	}
	return g.limiter.Wait(ctx)
}

func (g *Gate) Spacing() time.Duration {
	return g.spacing
}
