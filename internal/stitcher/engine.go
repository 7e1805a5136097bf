// Package stitcher splices ad segments into live media playlists and serves
// the result per viewer.
package stitcher

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"hls-stitcher/internal/ads"
	"hls-stitcher/internal/cue"
	"hls-stitcher/internal/playlist"
	"hls-stitcher/internal/session"
)

const (
	// DefaultDecisionTimeout bounds one ad decision request.
	DefaultDecisionTimeout = 50 * time.Millisecond
	// DefaultMaxOpen is how long a break of unknown extent may stay pending.
	DefaultMaxOpen = 5 * time.Minute
	// DefaultMaxBreakDuration is the longest declared break, in seconds,
	// taken at face value.
	DefaultMaxBreakDuration = 2 * 60 * 60
)

// Options configures an Engine.
type Options struct {
	DecisionTimeout time.Duration
	MaxOpen         time.Duration

	// DefaultBreakDuration, in seconds, is assumed for cue-outs that declare
	// no duration. Zero leaves such breaks pending until they close, and a
	// break already served as source is then skipped.
	DefaultBreakDuration float64
	// MaxBreakDuration, in seconds, caps what a cue may declare. Longer
	// declarations are dropped and the break handled as undeclared.
	MaxBreakDuration float64

	// OnDecision is called with the outcome label of every decision.
	OnDecision func(outcome string)
	// OnBreak is called once per break when it reaches a terminal state.
	OnBreak func(state cue.State)

	Log *slog.Logger
	Now func() time.Time
}

// Engine rewrites one media playlist snapshot for one session.
type Engine struct {
	decider  ads.Decider
	resolver Resolver
	opts     Options
}

// NewEngine returns an Engine. A nil resolver leaves ad URIs as decided.
func NewEngine(d ads.Decider, r Resolver, opts Options) *Engine {
	if opts.DecisionTimeout <= 0 {
		opts.DecisionTimeout = DefaultDecisionTimeout
	}
	if opts.MaxOpen <= 0 {
		opts.MaxOpen = DefaultMaxOpen
	}
	if opts.MaxBreakDuration <= 0 {
		opts.MaxBreakDuration = DefaultMaxBreakDuration
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if r == nil {
		r = ResolverFunc(func(s ads.Segment) string { return s.URI })
	}
	return &Engine{decider: d, resolver: r, opts: opts}
}

// Stitch returns source with every decided break replaced by its ad
// segments. source is not modified; only sess is. Breaks whose decision
// fails pass through as source content. The error is non-nil only when the
// input is not a media playlist, the output would be invalid, or ctx ended
// while decisions were in flight (decisions are still recorded in sess).
func (e *Engine) Stitch(ctx context.Context, source *playlist.Playlist, sess *session.Session) (*playlist.Playlist, error) {
	if source.Kind != playlist.Media {
		return nil, fmt.Errorf("%w: cannot stitch a %s playlist", playlist.ErrInvalidPlaylist, source.Kind)
	}
	if len(source.Segments) == 0 {
		return source.Clone(), nil
	}
	now := e.opts.Now()
	first := source.Segments[0].Sequence
	last := source.Segments[len(source.Segments)-1].Sequence

	seen := e.reconcile(sess, cue.Scan(source), now)
	account(sess, source)
	evict(sess, first, last, seen)

	if err := e.resolve(ctx, sess, now); err != nil {
		return nil, err
	}

	out, used := e.build(source, sess)
	if err := out.Validate(); err != nil {
		return nil, err
	}
	for _, r := range used {
		if r.Terminal() {
			continue
		}
		if err := r.MarkStitched(); err != nil {
			e.opts.Log.Warn("break state", slog.String("session_id", sess.ID), slog.String("error", err.Error()))
			continue
		}
		e.settled(r)
	}
	return out, nil
}

// settled reports a break that just reached a terminal state.
func (e *Engine) settled(r *session.BreakRecord) {
	if e.opts.OnBreak != nil {
		e.opts.OnBreak(r.State)
	}
}

func (e *Engine) skip(r *session.BreakRecord) {
	if r.Skip() == nil {
		e.settled(r)
	}
}

// reconcile merges the breaks found in this snapshot into the session and
// returns the records they matched.
func (e *Engine) reconcile(sess *session.Session, breaks []cue.Break, now time.Time) map[*session.BreakRecord]bool {
	seen := make(map[*session.BreakRecord]bool, len(breaks))
	for _, b := range breaks {
		if b.Planned > e.opts.MaxBreakDuration {
			e.opts.Log.Debug("ignoring declared break duration",
				slog.String("session_id", sess.ID),
				slog.String("break_id", b.ID),
				slog.Float64("planned", b.Planned))
			b.Planned = 0
		}
		r := sess.Breaks[b.ID]
		if r == nil && b.Continuation {
			r = matchContinuation(sess, b)
		}
		if r == nil {
			r = session.NewRecord(b, now)
			if r.Open() && e.opts.DefaultBreakDuration > 0 {
				r.Planned = e.opts.DefaultBreakDuration
			}
			sess.Breaks[b.ID] = r
			closeOverlapped(sess, r)
			if b.Continuation {
				// Joined mid-break: the start of the break was never seen.
				e.skip(r)
				e.opts.Log.Debug("skipping break joined mid-way",
					slog.String("session_id", sess.ID), slog.String("break_id", r.ID))
			}
		} else {
			if b.Closed {
				r.Close(b.EndSeq)
			}
			if r.Planned <= 0 && b.Planned > 0 && !r.Closed {
				r.Planned = b.Planned
			}
		}
		seen[r] = true
	}
	return seen
}

// matchContinuation finds the record a continuation break belongs to by
// range, for markers that carry no identity of their own.
func matchContinuation(sess *session.Session, b cue.Break) *session.BreakRecord {
	var best *session.BreakRecord
	for _, r := range sess.Breaks {
		if r.StartSeq > b.StartSeq || (r.Closed && r.EndSeq <= b.StartSeq) {
			continue
		}
		if best == nil || r.StartSeq > best.StartSeq {
			best = r
		}
	}
	return best
}

// closeOverlapped ends records still open when a later break starts.
func closeOverlapped(sess *session.Session, next *session.BreakRecord) {
	for _, r := range sess.Breaks {
		if r != next && !r.Closed && r.StartSeq < next.StartSeq {
			r.Close(next.StartSeq)
		}
	}
}

// account counts source time into every record and closes records whose
// declared duration has been reached. Each origin segment is counted once
// per record across polls.
func account(sess *session.Session, source *playlist.Playlist) {
	records := sess.Ordered()
	for _, s := range source.Segments {
		for _, r := range records {
			if r.Closed && s.Sequence == r.EndSeq {
				r.EndDisc = s.Discontinuity
			}
			if !r.Contains(s.Sequence) || s.Sequence <= r.Seen {
				continue
			}
			r.Seen = s.Sequence
			r.Elapsed += s.Duration
			if s.Discontinuity {
				r.DiscSeqs = append(r.DiscSeqs, s.Sequence)
			}
			if !r.Closed && r.Planned > 0 && r.Elapsed >= r.Planned-cue.DurationTolerance {
				r.Close(s.Sequence + 1)
			}
		}
	}
}

// evict drops records that no longer touch the window. Closed records that
// ended before the window fold their sequence and discontinuity effect into
// the session shifts so numbering stays continuous.
func evict(sess *session.Session, first, last int64, seen map[*session.BreakRecord]bool) {
	for _, r := range sess.Ordered() {
		switch {
		case r.StartSeq > last:
			// The origin restarted its numbering.
			delete(sess.Breaks, r.ID)
		case r.Closed && r.EndSeq < first:
			if r.Replacing() {
				sess.SeqShift += int64(len(r.Decision.Segments)) - (r.EndSeq - r.StartSeq)
				sess.DiscShift += 1 - int64(len(r.DiscSeqs))
				if !r.EndDisc && !replacedAt(sess, r.EndSeq) {
					sess.DiscShift++
				}
			}
			delete(sess.Breaks, r.ID)
		case !r.Closed && !r.Replacing() && !seen[r] && r.StartSeq < first:
			// Markers gone and nothing spliced: the break cannot be finished.
			delete(sess.Breaks, r.ID)
		}
	}
}

// replacedAt reports whether a replacing record starts at seq.
func replacedAt(sess *session.Session, seq int64) bool {
	for _, r := range sess.Breaks {
		if r.StartSeq == seq && r.Replacing() {
			return true
		}
	}
	return false
}

// resolve moves every record forward in its lifecycle and requests the
// decisions that are due, concurrently.
func (e *Engine) resolve(ctx context.Context, sess *session.Session, now time.Time) error {
	var due []*session.BreakRecord
	for _, r := range sess.Ordered() {
		switch r.State {
		case cue.Pending:
			switch {
			case !r.Open() && r.Sourced:
				e.skip(r)
			case !r.Open():
				_ = r.Resume()
				due = append(due, r)
			case now.Sub(r.FirstSeen) >= e.opts.MaxOpen:
				e.skip(r)
			default:
				r.Sourced = true
			}
		case cue.Detected:
			due = append(due, r)
		case cue.Decided:
			if r.Decision != nil && r.Decision.Expired(now) {
				due = append(due, r)
			}
		}
	}
	if len(due) == 0 {
		return nil
	}

	viewer := sess.DecisionViewer()
	outcomes := make([]ads.Outcome, len(due))
	var g errgroup.Group
	for i, r := range due {
		if err := r.Begin(); err != nil {
			return err
		}
		b := r.Break()
		if b.Planned <= 0 && r.Closed {
			b.Planned = r.Elapsed
		}
		g.Go(func() error {
			outcomes[i] = ads.Request(ctx, e.decider, b, viewer, e.opts.DecisionTimeout)
			return nil
		})
	}
	_ = g.Wait()

	for i, r := range due {
		if err := r.Commit(outcomes[i]); err != nil {
			return err
		}
		label := "decided"
		switch o := outcomes[i].(type) {
		case ads.Decided:
			e.opts.Log.Debug("ad decision",
				slog.String("session_id", sess.ID),
				slog.String("break_id", r.ID),
				slog.Int("segments", len(o.Decision.Segments)),
				slog.Float64("ad_duration", o.Decision.Duration()))
		case ads.Failed:
			label = o.Err.Kind.String()
			e.opts.Log.Info("ad decision failed, serving source",
				slog.String("session_id", sess.ID),
				slog.String("break_id", r.ID),
				slog.String("error", o.Err.Error()))
		}
		if e.opts.OnDecision != nil {
			e.opts.OnDecision(label)
		}
	}
	return ctx.Err()
}

// build produces the output playlist and the records it used.
func (e *Engine) build(source *playlist.Playlist, sess *session.Session) (*playlist.Playlist, []*session.BreakRecord) {
	out := source.Clone()
	records := sess.Ordered()
	first := out.Segments[0].Sequence

	var (
		segs      = make([]*playlist.Segment, 0, len(out.Segments)+8)
		used      []*session.BreakRecord
		emitted   = make(map[*session.BreakRecord]bool)
		activeKey *playlist.Tag
		activeMap *playlist.Tag
		maxAd     float64
	)
	for _, s := range out.Segments {
		for i := range s.Tags {
			switch s.Tags[i].Name {
			case playlist.TagKey:
				t := s.Tags[i]
				activeKey = &t
			case playlist.TagMap:
				t := s.Tags[i]
				activeMap = &t
			}
		}

		r := containing(records, s.Sequence)
		if r != nil && r.State == cue.Failed && !emitted[r] {
			emitted[r] = true
			used = append(used, r)
		}
		if r != nil && r.Replacing() {
			if !emitted[r] {
				emitted[r] = true
				used = append(used, r)
				run := e.adRun(r, activeKey)
				for _, a := range run {
					if a.Duration > maxAd {
						maxAd = a.Duration
					}
				}
				segs = append(segs, run...)
			}
			continue
		}

		if endsReplaced(records, s.Sequence) {
			s.Discontinuity = true
			if activeKey != nil && !s.HasTag(playlist.TagKey) {
				s.Tags = append([]playlist.Tag{playlist.NewTag(playlist.TagKey, activeKey.Value)}, s.Tags...)
			}
			if activeMap != nil && !s.HasTag(playlist.TagMap) {
				s.Tags = append([]playlist.Tag{playlist.NewTag(playlist.TagMap, activeMap.Value)}, s.Tags...)
			}
		}
		segs = append(segs, s)
	}
	out.Segments = segs
	dropPendingParts(out, records, source.Segments[len(source.Segments)-1].Sequence+1)

	out.SetMediaSequence(firstSequence(sess, records, first))
	out.Renumber()
	out.SetDiscontinuitySequence(source.DiscontinuitySequence + discontinuityShift(sess, records, first))
	if td := int(math.Ceil(maxAd)); td > out.TargetDuration {
		out.SetTargetDuration(td)
	}
	return out, used
}

// dropPendingParts removes the partial segment advertised after the last
// full segment when it is source content inside a replaced break, or the first
// source content after one. The player picks the segment up once it is
// complete and carries its discontinuity.
func dropPendingParts(out *playlist.Playlist, records []*session.BreakRecord, next int64) {
	r := containing(records, next)
	if (r == nil || !r.Replacing()) && !endsReplaced(records, next) {
		return
	}
	kept := out.Trailer[:0]
	for _, t := range out.Trailer {
		if t.Name == playlist.TagPart || t.Name == playlist.TagPreloadHint {
			continue
		}
		kept = append(kept, t)
	}
	out.Trailer = kept
}

// adRun returns the ad segments of r that are visible now: all of them once
// the break is closed, otherwise those whose start lies within the source
// time elapsed so far.
func (e *Engine) adRun(r *session.BreakRecord, activeKey *playlist.Tag) []*playlist.Segment {
	var (
		run    []*playlist.Segment
		offset float64
	)
	for i, a := range r.Decision.Segments {
		if !r.Closed && offset >= r.Elapsed {
			break
		}
		offset += a.Duration
		s := &playlist.Segment{URI: e.resolver.Resolve(a), Duration: a.Duration}
		if i == 0 {
			s.Discontinuity = true
			if activeKey != nil && encrypted(*activeKey) {
				s.Tags = []playlist.Tag{playlist.NewTag(playlist.TagKey, "METHOD=NONE")}
			}
		}
		run = append(run, s)
	}
	return run
}

func encrypted(key playlist.Tag) bool {
	m, _ := key.Attributes().Get("METHOD")
	return m != "" && m != "NONE"
}

func containing(records []*session.BreakRecord, seq int64) *session.BreakRecord {
	for _, r := range records {
		if r.Contains(seq) {
			return r
		}
	}
	return nil
}

// endsReplaced reports whether seq is the first source segment after a
// replaced break.
func endsReplaced(records []*session.BreakRecord, seq int64) bool {
	for _, r := range records {
		if r.Closed && r.EndSeq == seq && r.Replacing() {
			return true
		}
	}
	return false
}

// firstSequence is the output sequence number of the first output segment.
// Origin sequence numbers map to output numbers by adding the lengths gained
// or lost by every replaced break that ends at or before them.
func firstSequence(sess *session.Session, records []*session.BreakRecord, first int64) int64 {
	at := first
	if r := containing(records, first); r != nil && r.Replacing() {
		at = r.StartSeq
	}
	shift := sess.SeqShift
	for _, r := range records {
		if r.Replacing() && r.Closed && r.EndSeq <= at {
			shift += int64(len(r.Decision.Segments)) - (r.EndSeq - r.StartSeq)
		}
	}
	return at + shift
}

// discontinuityShift is the difference between the discontinuities the
// output has emitted before its first segment and those the origin has.
func discontinuityShift(sess *session.Session, records []*session.BreakRecord, first int64) int64 {
	shift := sess.DiscShift
	for _, r := range records {
		if !r.Replacing() || r.StartSeq >= first {
			continue
		}
		shift -= r.DiscsBefore(first)
		if r.Closed && r.EndSeq == first {
			// The ad run is behind the window; only its leading
			// discontinuity is. The closing one sits on the first segment.
			shift++
		}
	}
	return shift
}
