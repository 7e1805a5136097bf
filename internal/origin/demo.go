package origin

import (
	"context"
	"fmt"
	"strings"
	"time"

	"hls-stitcher/internal/cue"
	"hls-stitcher/internal/playlist"
)

// Demo synthesizes a live window for any valid channel, driven by the wall
// clock. Every BreakEvery segments the last BreakLength of them form an ad
// break marked with CUE-OUT, CUE-OUT-CONT and CUE-IN. It lets the server run
// without a real origin.
type Demo struct {
	SegmentDuration time.Duration
	Window          int
	BreakEvery      int
	BreakLength     int
	SegmentBase     string
	Epoch           time.Time

	// Now defaults to time.Now.
	Now func() time.Time
}

// NewDemo returns a Demo with 6s segments, a 6 segment window and a two
// segment break every ten segments.
func NewDemo(segmentBase string, epoch time.Time) *Demo {
	return &Demo{
		SegmentDuration: 6 * time.Second,
		Window:          6,
		BreakEvery:      10,
		BreakLength:     2,
		SegmentBase:     strings.TrimRight(segmentBase, "/"),
		Epoch:           epoch,
	}
}

// FetchPlaylist implements Fetcher. Variants are not supported.
func (d *Demo) FetchPlaylist(ctx context.Context, ref Ref) (*Source, error) {
	if err := ValidateChannel(ref.Channel); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fetchCtxError(ref, err)
	}
	if ref.Variant != "" {
		return nil, &FetchError{Kind: KindNotFound, Ref: ref}
	}

	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	live := int64(now().Sub(d.Epoch) / d.SegmentDuration)
	if live < 0 {
		live = 0
	}
	first := live - int64(d.Window) + 1
	if first < 0 {
		first = 0
	}

	segDur := d.SegmentDuration.Seconds()
	segs := make([]*playlist.Segment, 0, live-first+1)
	for seq := first; seq <= live; seq++ {
		segs = append(segs, &playlist.Segment{
			URI:      fmt.Sprintf("%s/%s/segment-%d.ts", d.SegmentBase, ref.Channel, seq),
			Duration: segDur,
			Tags:     d.markers(seq, segDur),
		})
	}
	p := playlist.NewMedia(first, segs, false)
	return &Source{Body: playlist.Serialize(p), URL: "demo://" + ref.Channel}, nil
}

func (d *Demo) markers(seq int64, segDur float64) []playlist.Tag {
	if d.BreakEvery <= 0 || d.BreakLength <= 0 || d.BreakLength >= d.BreakEvery {
		return nil
	}
	start := int64(d.BreakEvery - d.BreakLength)
	pos := seq % int64(d.BreakEvery)
	total := float64(d.BreakLength) * segDur
	switch {
	case pos == start:
		return []playlist.Tag{playlist.NewTag(cue.TagCueOut, playlist.FormatDuration(total))}
	case pos > start:
		elapsed := float64(pos-start) * segDur
		return []playlist.Tag{playlist.NewTag(cue.TagCueOutCont,
			playlist.FormatDuration(elapsed)+"/"+playlist.FormatDuration(total))}
	case pos == 0 && seq > 0:
		return []playlist.Tag{{Name: cue.TagCueIn}}
	}
	return nil
}
