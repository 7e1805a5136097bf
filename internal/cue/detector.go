package cue

import (
	"math"
	"strconv"
	"strings"

	"hls-stitcher/internal/playlist"
)

// Cue marker tags recognised in media playlists.
const (
	TagCueOut     = "EXT-X-CUE-OUT"
	TagCueOutCont = "EXT-X-CUE-OUT-CONT"
	TagCueIn      = "EXT-X-CUE-IN"
	TagOATCLS     = "EXT-OATCLS-SCTE35"
	TagSCTE35     = "EXT-X-SCTE35"
	TagDateRange  = "EXT-X-DATERANGE"
)

// DurationTolerance absorbs rounding in segment durations when a declared
// break duration is compared with the accumulated source duration.
const DurationTolerance = 0.1

// MaxDeclaredDuration is the longest break, in seconds, a cue may declare.
// Longer, negative and non-finite declarations are treated as absent.
const MaxDeclaredDuration = 24 * 60 * 60

func declared(v float64) float64 {
	if math.IsNaN(v) || v < 0 || v > MaxDeclaredDuration {
		return 0
	}
	return v
}

// Known reports which break ids a caller has already processed.
type Known interface {
	Knows(id string) bool
}

// Detect returns the breaks in p whose ids known has not seen, in playlist
// order. A nil known reports every break. It suits callers that act only on
// newly observed breaks; the stitching engine reconciles the full Scan
// because known open breaks keep changing extent.
func Detect(p *playlist.Playlist, known Known) []Break {
	all := Scan(p)
	if known == nil {
		return all
	}
	out := all[:0:0]
	for _, b := range all {
		if !known.Knows(b.ID) {
			out = append(out, b)
		}
	}
	return out
}

// Scan returns every break intersecting the snapshot in playlist order.
//
// A cue-out at segment N and a cue-in at segment M>N give [N, M). A declared
// duration closes the break at the first segment where the accumulated source
// duration reaches it. A cue-out with neither stays open to the end of the
// window and is reported Pending.
func Scan(p *playlist.Playlist) []Break {
	if p == nil || p.Kind != playlist.Media || len(p.Segments) == 0 {
		return nil
	}
	var (
		out     []Break
		open    *Break
		seen    bool
		elapsed float64
	)
	closeAt := func(end int64) {
		open.EndSeq = end
		open.Closed = true
		out = append(out, *open)
		open = nil
	}

	first := p.Segments[0].Sequence
	for i, s := range p.Segments {
		m := readMarkers(s)

		switch {
		case m.in && open != nil:
			closeAt(s.Sequence)
		case m.in && !seen && !m.out && i > 0:
			// The window opens inside a break whose cue-out and
			// continuation markers are already gone.
			out = append(out, Break{
				ID:           m.continuationID(first),
				StartSeq:     first,
				EndSeq:       s.Sequence,
				Closed:       true,
				Elapsed:      elapsed,
				Continuation: true,
			})
			seen = true
		}

		switch {
		case m.out:
			if open != nil {
				closeAt(s.Sequence)
			}
			open = &Break{ID: m.breakID(s.Sequence), StartSeq: s.Sequence, Planned: m.planned}
			seen = true
		case m.cont && open == nil && !seen:
			open = &Break{
				ID:           m.continuationID(s.Sequence),
				StartSeq:     s.Sequence,
				Planned:      m.planned,
				Elapsed:      m.elapsed,
				Continuation: true,
			}
			seen = true
		}

		elapsed += s.Duration
		if open == nil {
			continue
		}
		open.Elapsed += s.Duration
		if open.Planned > 0 && open.Elapsed >= open.Planned-DurationTolerance {
			closeAt(s.Sequence + 1)
		}
	}
	if open != nil {
		out = append(out, *open)
	}

	for i := range out {
		if out[i].Open() {
			out[i].State = Pending
		} else {
			out[i].State = Detected
		}
	}
	return out
}

// markers is everything the cue tags of one segment say.
type markers struct {
	out, cont, in bool

	planned float64
	elapsed float64

	dateID   string
	explicit string
	event    uint32
	hasEvent bool
}

func (m markers) breakID(seq int64) string {
	switch {
	case m.dateID != "":
		return "daterange:" + m.dateID
	case m.explicit != "":
		return "break:" + m.explicit
	case m.hasEvent:
		return "scte35:" + strconv.FormatUint(uint64(m.event), 10)
	}
	return "seq:" + strconv.FormatInt(seq, 10)
}

// continuationID uses whatever identity the continuation marker carries; a
// bare marker gets a positional id the caller has to match by range.
func (m markers) continuationID(seq int64) string {
	if m.dateID != "" || m.explicit != "" || m.hasEvent {
		return m.breakID(seq)
	}
	return "cont:" + strconv.FormatInt(seq, 10)
}

func (m *markers) scte35(payload string) {
	info, err := DecodeSCTE35String(payload)
	if err != nil {
		return
	}
	if info.HasEventID && !m.hasEvent {
		m.event, m.hasEvent = info.EventID, true
	}
	if d := declared(info.Duration); d > 0 && m.planned == 0 {
		m.planned = d
	}
}

func readMarkers(s *playlist.Segment) markers {
	var m markers
	for _, t := range s.Tags {
		switch t.Name {
		case TagCueOut:
			m.out = true
			if !t.HasValue {
				continue
			}
			v := strings.TrimSpace(t.Value)
			if !strings.Contains(v, "=") {
				d, _ := strconv.ParseFloat(v, 64)
				m.planned = declared(d)
				continue
			}
			attrs := t.Attributes()
			if d, ok := attrs.Float("DURATION"); ok {
				m.planned = declared(d)
			}
			if id, ok := attrs.Get("BREAKID"); ok && id != "" {
				m.explicit = id
			} else if id, ok := attrs.Get("ID"); ok && id != "" {
				m.explicit = id
			}
			if p, ok := attrs.Get("SCTE35"); ok {
				m.scte35(p)
			}

		case TagCueOutCont:
			m.cont = true
			v := strings.TrimSpace(t.Value)
			if a, b, ok := strings.Cut(v, "/"); ok && !strings.Contains(v, "=") {
				e, _ := strconv.ParseFloat(strings.TrimSpace(a), 64)
				d, _ := strconv.ParseFloat(strings.TrimSpace(b), 64)
				m.elapsed, m.planned = declared(e), declared(d)
				continue
			}
			attrs := t.Attributes()
			e, _ := attrs.Float("ElapsedTime")
			d, _ := attrs.Float("Duration")
			m.elapsed, m.planned = declared(e), declared(d)
			if p, ok := attrs.Get("SCTE35"); ok {
				m.scte35(p)
			}

		case TagCueIn:
			m.in = true

		case TagOATCLS:
			info, err := DecodeSCTE35String(t.Value)
			if err != nil {
				continue
			}
			switch {
			case info.OutOfNetwork:
				m.out = true
			case info.In:
				m.in = true
			}
			m.scte35(t.Value)

		case TagSCTE35:
			attrs := t.Attributes()
			switch v, _ := attrs.Get("CUE-OUT"); v {
			case "YES":
				m.out = true
			case "NO":
				m.in = true
			case "CONT":
				m.cont = true
			}
			if id, ok := attrs.Get("ID"); ok && id != "" {
				m.explicit = id
			}
			if p, ok := attrs.Get("CUE"); ok {
				m.scte35(p)
			}

		case TagDateRange:
			readDateRange(t.Attributes(), &m)
		}
	}
	return m
}

func readDateRange(attrs playlist.Attributes, m *markers) {
	id, _ := attrs.Get("ID")
	if out, ok := attrs.Get("SCTE35-OUT"); ok {
		m.out = true
		m.dateID = id
		if d, ok := attrs.Float("PLANNED-DURATION"); ok {
			m.planned = declared(d)
		} else if d, ok := attrs.Float("DURATION"); ok {
			m.planned = declared(d)
		}
		m.scte35(out)
		return
	}
	if _, ok := attrs.Get("SCTE35-IN"); ok {
		m.in = true
		return
	}
	if cmd, ok := attrs.Get("SCTE35-CMD"); ok {
		info, err := DecodeSCTE35String(cmd)
		if err != nil {
			return
		}
		switch {
		case info.OutOfNetwork:
			m.out = true
			m.dateID = id
			m.scte35(cmd)
		case info.In:
			m.in = true
		}
	}
}
