// Package session keeps per-viewer stitching state: which breaks a viewer has
// seen, what was decided for each, and the sequence shifts that keep the
// viewer's playlist numbering stable across polls.
package session

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"hls-stitcher/internal/ads"
	"hls-stitcher/internal/cue"
)

// namespace scopes session ids derived with UUIDv5.
var namespace = uuid.MustParse("6f1c3a52-1d4e-5b8a-9c2f-4a7e0d9b3c15")

// Key identifies whose session a request belongs to. Each variant of a
// channel has its own session because variant windows are numbered
// independently.
type Key struct {
	Channel string
	Variant string
	Viewer  string
}

// ID derives the stable session id for the key.
func (k Key) ID() string {
	return uuid.NewSHA1(namespace, []byte(k.Channel+"\x00"+k.Variant+"\x00"+k.Viewer)).String()
}

// Session is one viewer's state for one media playlist.
type Session struct {
	ID        string    `json:"id"`
	Channel   string    `json:"channel"`
	Variant   string    `json:"variant,omitempty"`
	Viewer    string    `json:"viewer"`
	CreatedAt time.Time `json:"created_at"`
	LastSeen  time.Time `json:"-"`

	Breaks map[string]*BreakRecord `json:"breaks"`

	// SeqShift is the output-minus-origin sequence offset contributed by
	// replaced breaks that have left the live window.
	SeqShift int64 `json:"seq_shift"`
	// DiscShift counts inserted discontinuities that have left the window.
	DiscShift int64 `json:"disc_shift"`
}

// New returns an empty session for k.
func New(k Key, now time.Time) *Session {
	return &Session{
		ID:        k.ID(),
		Channel:   k.Channel,
		Variant:   k.Variant,
		Viewer:    k.Viewer,
		CreatedAt: now,
		LastSeen:  now,
		Breaks:    make(map[string]*BreakRecord),
	}
}

var _ cue.Known = (*Session)(nil)

// Knows implements cue.Known.
func (s *Session) Knows(id string) bool {
	_, ok := s.Breaks[id]
	return ok
}

// DecisionViewer is the decision request context for this session.
func (s *Session) DecisionViewer() ads.Viewer {
	return ads.Viewer{SessionID: s.ID, Channel: s.Channel, Viewer: s.Viewer}
}

// Ordered returns the break records sorted by start sequence.
func (s *Session) Ordered() []*BreakRecord {
	out := make([]*BreakRecord, 0, len(s.Breaks))
	for _, r := range s.Breaks {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartSeq != out[j].StartSeq {
			return out[i].StartSeq < out[j].StartSeq
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	c := *s
	c.Breaks = make(map[string]*BreakRecord, len(s.Breaks))
	for id, r := range s.Breaks {
		c.Breaks[id] = r.Clone()
	}
	return &c
}
