// Package ads is the ad decision side of the stitcher: the Decider contract,
// the result types the session store keeps, and the adapters that talk to a
// decision server or synthesize decisions locally.
package ads

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hls-stitcher/internal/cue"
)

// Segment is one ad media segment to splice into a playlist.
type Segment struct {
	URI      string  `json:"uri"`
	Duration float64 `json:"duration"`
}

// Decision is the ordered list of ad segments chosen for one break.
type Decision struct {
	Segments  []Segment     `json:"segments"`
	DecidedAt time.Time     `json:"decided_at"`
	TTL       time.Duration `json:"ttl"`
}

// Duration is the total ad duration in seconds.
func (d Decision) Duration() float64 {
	var total float64
	for _, s := range d.Segments {
		total += s.Duration
	}
	return total
}

// Expired reports whether the decision may no longer be reused. A zero TTL
// never expires.
func (d Decision) Expired(now time.Time) bool {
	return d.TTL > 0 && !now.Before(d.DecidedAt.Add(d.TTL))
}

// Viewer is the request context handed to the decision server.
type Viewer struct {
	SessionID string `json:"session_id"`
	Channel   string `json:"channel"`
	Viewer    string `json:"viewer"`
}

// Decider chooses ads for a break.
type Decider interface {
	Decide(ctx context.Context, b cue.Break, v Viewer) (Decision, error)
}

// DeciderFunc adapts a function to Decider.
type DeciderFunc func(ctx context.Context, b cue.Break, v Viewer) (Decision, error)

// Decide implements Decider.
func (f DeciderFunc) Decide(ctx context.Context, b cue.Break, v Viewer) (Decision, error) {
	return f(ctx, b, v)
}

// Kind classifies decision failures.
type Kind int

const (
	KindTimeout Kind = iota
	KindEmpty
	KindUpstream
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindEmpty:
		return "empty"
	default:
		return "upstream"
	}
}

var (
	ErrTimeout  = errors.New("ad decision timed out")
	ErrEmpty    = errors.New("no ad available")
	ErrUpstream = errors.New("ad decision server error")

	// ErrThrottled is wrapped in an upstream DecisionError when the local
	// call budget is exhausted.
	ErrThrottled = errors.New("ad decision budget exhausted")
)

// DecisionError is the only error kind a break ever records. It is always
// recoverable: the break falls back to source content.
type DecisionError struct {
	Kind    Kind
	BreakID string
	Err     error
}

func (e *DecisionError) Error() string {
	msg := fmt.Sprintf("ad decision for break %q: %s", e.BreakID, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecisionError) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind.
func (e *DecisionError) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrEmpty:
		return e.Kind == KindEmpty
	case ErrUpstream:
		return e.Kind == KindUpstream
	}
	return false
}
