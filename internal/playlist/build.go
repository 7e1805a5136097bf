package playlist

import (
	"math"
	"strconv"
)

// NewMedia builds a version 3 media playlist from segs, numbered from
// mediaSequence. If ended is true, #EXT-X-ENDLIST is appended. An empty segs
// slice produces a minimal valid playlist with target duration 1.
func NewMedia(mediaSequence int64, segs []*Segment, ended bool) *Playlist {
	p := &Playlist{
		Kind:           Media,
		Version:        3,
		TargetDuration: TargetDurationFor(segs),
		MediaSequence:  mediaSequence,
		Segments:       segs,
		Ended:          ended,
	}
	p.Header = []Tag{
		{Name: TagHeader},
		NewTag(TagVersion, "3"),
		NewTag(TagTargetDuration, strconv.Itoa(p.TargetDuration)),
		NewTag(TagMediaSequence, strconv.FormatInt(mediaSequence, 10)),
	}
	if ended {
		p.Trailer = []Tag{{Name: TagEndList}}
	}
	p.Renumber()
	return p
}

// TargetDurationFor returns the #EXT-X-TARGETDURATION value for segs: the
// ceiling of the longest segment duration, never less than 1.
func TargetDurationFor(segs []*Segment) int {
	max := 0.0
	for _, s := range segs {
		if s.Duration > max {
			max = s.Duration
		}
	}
	if max <= 0 {
		return 1
	}
	return int(math.Ceil(max))
}
