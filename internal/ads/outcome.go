package ads

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hls-stitcher/internal/cue"
)

// Outcome is the result of one decision attempt: Decided or Failed.
type Outcome interface {
	outcome()
}

// Decided carries a usable decision with at least one segment.
type Decided struct {
	Decision Decision
}

// Failed carries the reason the break falls back to source content.
type Failed struct {
	Err *DecisionError
}

func (Decided) outcome() {}
func (Failed) outcome()  {}

// Request asks d for a decision with a hard timeout. The call is detached
// from ctx cancellation so a viewer disconnect does not discard a result the
// session can still use; only the timeout bounds it. A Decider that ignores
// its context is abandoned when the timeout fires, and one that panics fails
// the break as an upstream error.
func Request(ctx context.Context, d Decider, b cue.Break, v Viewer, timeout time.Duration) Outcome {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	type result struct {
		dec Decision
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- result{err: &DecisionError{Kind: KindUpstream, BreakID: b.ID, Err: fmt.Errorf("decider panic: %v", p)}}
			}
		}()
		dec, err := d.Decide(ctx, b, v)
		ch <- result{dec, err}
	}()

	var r result
	select {
	case r = <-ch:
	case <-ctx.Done():
		return Failed{Err: &DecisionError{Kind: KindTimeout, BreakID: b.ID, Err: ctx.Err()}}
	}

	if r.err != nil {
		return Failed{Err: classify(b.ID, r.err)}
	}
	if len(r.dec.Segments) == 0 {
		return Failed{Err: &DecisionError{Kind: KindEmpty, BreakID: b.ID}}
	}
	for i, s := range r.dec.Segments {
		if s.URI == "" || s.Duration <= 0 {
			return Failed{Err: &DecisionError{
				Kind:    KindUpstream,
				BreakID: b.ID,
				Err:     fmt.Errorf("segment %d: uri %q duration %v", i, s.URI, s.Duration),
			}}
		}
	}
	if r.dec.DecidedAt.IsZero() {
		r.dec.DecidedAt = time.Now()
	}
	return Decided{Decision: r.dec}
}

func classify(breakID string, err error) *DecisionError {
	var de *DecisionError
	if errors.As(err, &de) {
		return de
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &DecisionError{Kind: KindTimeout, BreakID: breakID, Err: err}
	}
	return &DecisionError{Kind: KindUpstream, BreakID: breakID, Err: err}
}
