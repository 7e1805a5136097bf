package ads

import (
	"context"

	"golang.org/x/time/rate"

	"hls-stitcher/internal/cue"
)

// Limited caps the rate of decision calls reaching next. Calls over budget
// fail fast as upstream errors wrapping ErrThrottled; the break falls back to
// source content like any other failure.
type Limited struct {
	next    Decider
	limiter *rate.Limiter
}

// NewLimited allows rps calls per second with the given burst. A non-positive
// rps disables the limit.
func NewLimited(next Decider, rps float64, burst int) *Limited {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &Limited{next: next, limiter: rate.NewLimiter(limit, burst)}
}

// Decide implements Decider.
func (l *Limited) Decide(ctx context.Context, b cue.Break, v Viewer) (Decision, error) {
	if !l.limiter.Allow() {
		return Decision{}, &DecisionError{Kind: KindUpstream, BreakID: b.ID, Err: ErrThrottled}
	}
	return l.next.Decide(ctx, b, v)
}
