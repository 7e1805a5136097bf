package cue

import "fmt"

// State is a break's position in the ad insertion lifecycle.
type State int

const (
	// Detected: seen in a snapshot, no decision requested yet.
	Detected State = iota
	// Pending: open break with no known extent; served as source for now.
	Pending
	// Deciding: an ad decision request is in flight.
	Deciding
	// Decided: ad segments are available but not yet emitted.
	Decided
	// Failed: the decision timed out, errored or came back empty.
	Failed
	// Stitched: output was produced for this break at least once. Terminal.
	Stitched
	// Skipped: completed with zero ad segments. Terminal.
	Skipped
)

var stateNames = [...]string{
	Detected: "detected",
	Pending:  "pending",
	Deciding: "deciding",
	Decided:  "decided",
	Failed:   "failed",
	Stitched: "stitched",
	Skipped:  "skipped",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText lets states travel as readable strings in session snapshots.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown break state %q", b)
}

// Break is one ad insertion opportunity found in a media playlist snapshot.
// Sequence numbers are origin sequence numbers; EndSeq is exclusive and only
// meaningful when Closed.
type Break struct {
	ID       string
	StartSeq int64
	EndSeq   int64
	Closed   bool

	// Planned is the declared duration in seconds, 0 when unknown.
	Planned float64
	// Elapsed is the source duration of the break covered by this snapshot,
	// including any elapsed time a continuation marker reported.
	Elapsed float64

	// Continuation is set when the snapshot starts inside a break whose
	// cue-out has already left the window.
	Continuation bool

	State State
}

// Contains reports whether the origin sequence number falls inside the break.
func (b Break) Contains(seq int64) bool {
	if seq < b.StartSeq {
		return false
	}
	return !b.Closed || seq < b.EndSeq
}

// Open reports whether the break has neither a cue-in nor a declared
// duration, so its extent is unknown.
func (b Break) Open() bool {
	return !b.Closed && b.Planned <= 0
}
