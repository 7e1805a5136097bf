package session

import (
	"errors"
	"fmt"
	"time"

	"hls-stitcher/internal/ads"
	"hls-stitcher/internal/cue"
)

// ErrTransition is returned for a state change the lifecycle does not allow.
var ErrTransition = errors.New("invalid break state transition")

var transitions = map[cue.State][]cue.State{
	cue.Detected: {cue.Pending, cue.Deciding, cue.Skipped},
	cue.Pending:  {cue.Detected, cue.Deciding, cue.Skipped},
	cue.Deciding: {cue.Decided, cue.Failed},
	cue.Decided:  {cue.Stitched, cue.Deciding},
	cue.Failed:   {cue.Stitched},
}

// BreakRecord is a session's view of one break. StartSeq and EndSeq are
// origin sequence numbers; once Closed the range never changes.
type BreakRecord struct {
	ID        string    `json:"id"`
	State     cue.State `json:"state"`
	StartSeq  int64     `json:"start_seq"`
	EndSeq    int64     `json:"end_seq"`
	Closed    bool      `json:"closed"`
	Planned   float64   `json:"planned"`
	FirstSeen time.Time `json:"first_seen"`

	// Elapsed is the source duration counted so far; Seen is the last origin
	// sequence number whose duration is included.
	Elapsed float64 `json:"elapsed"`
	Seen    int64   `json:"seen"`

	// Sourced is set once the break's source segments have been served
	// while it was still pending.
	Sourced bool `json:"sourced,omitempty"`

	// DiscSeqs lists origin segments inside the break that carried a
	// discontinuity; EndDisc records whether the first segment after the
	// break did.
	DiscSeqs []int64 `json:"disc_seqs,omitempty"`
	EndDisc  bool    `json:"end_disc,omitempty"`

	Decision *ads.Decision `json:"decision,omitempty"`
	Failure  string        `json:"failure,omitempty"`
}

// NewRecord starts tracking b. Elapsed time is left for the caller to count
// from the playlist.
func NewRecord(b cue.Break, now time.Time) *BreakRecord {
	state := cue.Detected
	if b.Open() {
		state = cue.Pending
	}
	return &BreakRecord{
		ID:        b.ID,
		State:     state,
		StartSeq:  b.StartSeq,
		EndSeq:    b.EndSeq,
		Closed:    b.Closed,
		Planned:   b.Planned,
		FirstSeen: now,
		Seen:      b.StartSeq - 1,
	}
}

// Break is the record as a cue.Break, which is what the ad server sees.
func (r *BreakRecord) Break() cue.Break {
	return cue.Break{
		ID:       r.ID,
		StartSeq: r.StartSeq,
		EndSeq:   r.EndSeq,
		Closed:   r.Closed,
		Planned:  r.Planned,
		Elapsed:  r.Elapsed,
		State:    r.State,
	}
}

// Contains reports whether the origin sequence number falls inside the break.
func (r *BreakRecord) Contains(seq int64) bool {
	return r.Break().Contains(seq)
}

// Open reports whether the break's extent is unknown.
func (r *BreakRecord) Open() bool {
	return !r.Closed && r.Planned <= 0
}

// Close fixes the end of the break. Closing a closed record is a no-op.
func (r *BreakRecord) Close(end int64) {
	if r.Closed {
		return
	}
	r.EndSeq = end
	r.Closed = true
}

// Replacing reports whether the break's source segments are swapped for ads.
func (r *BreakRecord) Replacing() bool {
	return (r.State == cue.Decided || r.State == cue.Stitched) && r.Decision != nil && len(r.Decision.Segments) > 0
}

// Terminal reports whether no further transitions are expected.
func (r *BreakRecord) Terminal() bool {
	return r.State == cue.Stitched || r.State == cue.Skipped
}

func (r *BreakRecord) to(next cue.State) error {
	for _, s := range transitions[r.State] {
		if s == next {
			r.State = next
			return nil
		}
	}
	return fmt.Errorf("%w: break %q %s -> %s", ErrTransition, r.ID, r.State, next)
}

// Resume returns a pending break to Detected once its extent is known.
func (r *BreakRecord) Resume() error { return r.to(cue.Detected) }

// Begin marks a decision request in flight.
func (r *BreakRecord) Begin() error { return r.to(cue.Deciding) }

// Commit records the result of the in-flight decision.
func (r *BreakRecord) Commit(out ads.Outcome) error {
	switch o := out.(type) {
	case ads.Decided:
		if err := r.to(cue.Decided); err != nil {
			return err
		}
		d := o.Decision
		r.Decision = &d
		r.Failure = ""
	case ads.Failed:
		if err := r.to(cue.Failed); err != nil {
			return err
		}
		r.Decision = nil
		r.Failure = o.Err.Error()
	default:
		return fmt.Errorf("%w: unknown outcome %T", ErrTransition, out)
	}
	return nil
}

// MarkStitched records that output was produced for the break. It is a
// no-op for breaks already stitched.
func (r *BreakRecord) MarkStitched() error {
	if r.State == cue.Stitched {
		return nil
	}
	return r.to(cue.Stitched)
}

// Skip completes the break with zero ad segments.
func (r *BreakRecord) Skip() error { return r.to(cue.Skipped) }

// DiscsBefore counts the origin discontinuities inside the break on segments
// before seq.
func (r *BreakRecord) DiscsBefore(seq int64) int64 {
	var n int64
	for _, d := range r.DiscSeqs {
		if d < seq {
			n++
		}
	}
	return n
}

// Clone returns a deep copy.
func (r *BreakRecord) Clone() *BreakRecord {
	c := *r
	c.DiscSeqs = append([]int64(nil), r.DiscSeqs...)
	if r.Decision != nil {
		d := *r.Decision
		d.Segments = append([]ads.Segment(nil), r.Decision.Segments...)
		c.Decision = &d
	}
	return &c
}
