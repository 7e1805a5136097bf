package ads

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"hls-stitcher/internal/cue"
)

// DefaultMaxSegments bounds a Static decision when MaxSegments is unset.
const DefaultMaxSegments = 1000

// Static fills every break with a fixed run of numbered segments under
// BaseURL: ceil(planned / SegmentDuration) of them, at least one and at most
// MaxSegments.
type Static struct {
	BaseURL         string
	SegmentDuration float64
	MaxSegments     int
	TTL             time.Duration
}

// Decide implements Decider.
func (s *Static) Decide(_ context.Context, b cue.Break, _ Viewer) (Decision, error) {
	if s.SegmentDuration <= 0 {
		return Decision{}, &DecisionError{Kind: KindUpstream, BreakID: b.ID, Err: fmt.Errorf("segment duration %v", s.SegmentDuration)}
	}
	limit := s.MaxSegments
	if limit <= 0 {
		limit = DefaultMaxSegments
	}
	n := 1
	if b.Planned > 0 {
		// Compared as floats: the quotient may not fit an int.
		f := math.Ceil(b.Planned/s.SegmentDuration - durationEpsilon)
		switch {
		case math.IsNaN(f) || f < 1:
			n = 1
		case f > float64(limit):
			n = limit
		default:
			n = int(f)
		}
	}
	base := strings.TrimRight(s.BaseURL, "/")
	segs := make([]Segment, n)
	for i := range segs {
		segs[i] = Segment{
			URI:      fmt.Sprintf("%s/ad-segment-%d.ts", base, i),
			Duration: s.SegmentDuration,
		}
	}
	return Decision{Segments: segs, DecidedAt: time.Now(), TTL: s.TTL}, nil
}

// durationEpsilon keeps 30.0000001 / 1.0 from rounding up to 31 segments.
const durationEpsilon = 1e-6
