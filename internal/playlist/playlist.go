package playlist

import (
	"errors"
	"fmt"
	"math"
	"strconv"
)

// Kind distinguishes media playlists from master (multivariant) playlists.
type Kind int

const (
	Media Kind = iota
	Master
)

func (k Kind) String() string {
	if k == Master {
		return "master"
	}
	return "media"
}

// Tag names the parser and the stitcher care about.
const (
	TagHeader                = "EXTM3U"
	TagVersion               = "EXT-X-VERSION"
	TagTargetDuration        = "EXT-X-TARGETDURATION"
	TagMediaSequence         = "EXT-X-MEDIA-SEQUENCE"
	TagDiscontinuitySequence = "EXT-X-DISCONTINUITY-SEQUENCE"
	TagPlaylistType          = "EXT-X-PLAYLIST-TYPE"
	TagInf                   = "EXTINF"
	TagByteRange             = "EXT-X-BYTERANGE"
	TagDiscontinuity         = "EXT-X-DISCONTINUITY"
	TagKey                   = "EXT-X-KEY"
	TagMap                   = "EXT-X-MAP"
	TagEndList               = "EXT-X-ENDLIST"
	TagPart                  = "EXT-X-PART"
	TagPreloadHint           = "EXT-X-PRELOAD-HINT"
	TagStreamInf             = "EXT-X-STREAM-INF"
	TagMedia                 = "EXT-X-MEDIA"
	TagIFrameStreamInf       = "EXT-X-I-FRAME-STREAM-INF"
)

var (
	// ErrMalformedPlaylist is wrapped by every ParseError.
	ErrMalformedPlaylist = errors.New("malformed playlist")

	// ErrInvalidPlaylist is returned by Validate when a playlist breaks an
	// ordering or timing rule players rely on.
	ErrInvalidPlaylist = errors.New("invalid playlist")
)

// ParseError reports the first line the parser could not accept.
type ParseError struct {
	Line   int
	Reason string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("malformed playlist: line %d: %s", e.Line, e.Reason)
	}
	return "malformed playlist: " + e.Reason
}

func (e *ParseError) Unwrap() error { return ErrMalformedPlaylist }

// Tag is one "#EXT..." line. Leading holds the comment and blank lines that
// preceded it in the source, verbatim.
type Tag struct {
	Name     string
	Value    string
	HasValue bool
	Leading  []string
}

// NewTag returns a tag with a value.
func NewTag(name, value string) Tag {
	return Tag{Name: name, Value: value, HasValue: true}
}

// String renders the tag line without a newline.
func (t Tag) String() string {
	if !t.HasValue {
		return "#" + t.Name
	}
	return "#" + t.Name + ":" + t.Value
}

// Attributes parses the tag value as an attribute list.
func (t Tag) Attributes() Attributes {
	return ParseAttributes(t.Value)
}

func (t Tag) clone() Tag {
	t.Leading = cloneStrings(t.Leading)
	return t
}

// Segment is a media segment: the tag block that precedes a URI line plus
// the URI itself. Duration, Title, ByteRange and Discontinuity are typed views
// over EXTINF, EXT-X-BYTERANGE and EXT-X-DISCONTINUITY; the serializer emits
// those tags from the fields, so editing the fields is enough.
type Segment struct {
	URI           string
	Duration      float64
	Title         string
	Sequence      int64
	ByteRange     string
	Discontinuity bool

	// Tags holds every tag of the block in source order, including EXTINF.
	Tags []Tag

	uriLeading []string
}

// Tag returns the first tag with the given name.
func (s *Segment) Tag(name string) (Tag, bool) {
	for _, t := range s.Tags {
		if t.Name == name {
			return t, true
		}
	}
	return Tag{}, false
}

// HasTag reports whether the block carries a tag with the given name.
func (s *Segment) HasTag(name string) bool {
	_, ok := s.Tag(name)
	return ok
}

// Clone returns a deep copy of the segment.
func (s *Segment) Clone() *Segment {
	c := *s
	c.Tags = cloneTags(s.Tags)
	c.uriLeading = cloneStrings(s.uriLeading)
	return &c
}

// Variant is one entry of a master playlist: the tag block that ends in a
// variant stream URI.
type Variant struct {
	URI  string
	Tags []Tag

	uriLeading []string
}

// StreamInf returns the attributes of the EXT-X-STREAM-INF tag.
func (v *Variant) StreamInf() Attributes {
	for _, t := range v.Tags {
		if t.Name == TagStreamInf {
			return t.Attributes()
		}
	}
	return nil
}

func (v *Variant) clone() *Variant {
	c := *v
	c.Tags = cloneTags(v.Tags)
	c.uriLeading = cloneStrings(v.uriLeading)
	return &c
}

// Playlist is a parsed HLS playlist. The typed header fields are read views
// of Header; change them through the Set methods so both stay in sync.
type Playlist struct {
	Kind     Kind
	Header   []Tag
	Segments []*Segment
	Variants []*Variant
	Trailer  []Tag

	Version               int
	TargetDuration        int
	MediaSequence         int64
	DiscontinuitySequence int64
	Type                  string
	Ended                 bool

	// tail keeps comment and blank lines found after the last tag.
	tail []string
}

// HeaderTag returns the first header tag with the given name.
func (p *Playlist) HeaderTag(name string) (Tag, bool) {
	for _, t := range p.Header {
		if t.Name == name {
			return t, true
		}
	}
	return Tag{}, false
}

// SetMediaSequence updates EXT-X-MEDIA-SEQUENCE.
func (p *Playlist) SetMediaSequence(n int64) {
	p.MediaSequence = n
	p.setHeader(TagMediaSequence, strconv.FormatInt(n, 10), true)
}

// SetDiscontinuitySequence updates EXT-X-DISCONTINUITY-SEQUENCE. A zero value
// is only written when the tag is already present.
func (p *Playlist) SetDiscontinuitySequence(n int64) {
	p.DiscontinuitySequence = n
	p.setHeader(TagDiscontinuitySequence, strconv.FormatInt(n, 10), n != 0)
}

// SetTargetDuration updates EXT-X-TARGETDURATION.
func (p *Playlist) SetTargetDuration(n int) {
	p.TargetDuration = n
	p.setHeader(TagTargetDuration, strconv.Itoa(n), true)
}

func (p *Playlist) setHeader(name, value string, insert bool) {
	for i := range p.Header {
		if p.Header[i].Name == name {
			p.Header[i].Value = value
			p.Header[i].HasValue = true
			return
		}
	}
	if !insert {
		return
	}
	// New header tags go after the last tag that describes the timeline so
	// they stay ahead of any segment-adjacent header tags.
	at := len(p.Header)
	for i, t := range p.Header {
		switch t.Name {
		case TagTargetDuration, TagMediaSequence, TagVersion:
			at = i + 1
		}
	}
	p.Header = append(p.Header, Tag{})
	copy(p.Header[at+1:], p.Header[at:])
	p.Header[at] = NewTag(name, value)
}

// Renumber assigns contiguous sequence numbers starting at MediaSequence.
func (p *Playlist) Renumber() {
	for i, s := range p.Segments {
		s.Sequence = p.MediaSequence + int64(i)
	}
}

// Duration is the sum of all segment durations in seconds.
func (p *Playlist) Duration() float64 {
	var d float64
	for _, s := range p.Segments {
		d += s.Duration
	}
	return d
}

// Clone returns a deep copy of the playlist.
func (p *Playlist) Clone() *Playlist {
	c := *p
	c.Header = cloneTags(p.Header)
	c.Trailer = cloneTags(p.Trailer)
	c.tail = cloneStrings(p.tail)
	if p.Segments != nil {
		c.Segments = make([]*Segment, len(p.Segments))
		for i, s := range p.Segments {
			c.Segments[i] = s.Clone()
		}
	}
	if p.Variants != nil {
		c.Variants = make([]*Variant, len(p.Variants))
		for i, v := range p.Variants {
			c.Variants[i] = v.clone()
		}
	}
	return &c
}

// Validate checks the invariants players depend on: contiguous sequence
// numbers starting at the media sequence, a URI on every segment and no
// segment whose rounded duration exceeds the target duration.
func (p *Playlist) Validate() error {
	if p.Kind == Master {
		for i, v := range p.Variants {
			if v.URI == "" {
				return fmt.Errorf("%w: variant %d has no URI", ErrInvalidPlaylist, i)
			}
		}
		return nil
	}
	if p.TargetDuration <= 0 {
		return fmt.Errorf("%w: target duration %d", ErrInvalidPlaylist, p.TargetDuration)
	}
	want := p.MediaSequence
	for i, s := range p.Segments {
		if s.URI == "" {
			return fmt.Errorf("%w: segment %d has no URI", ErrInvalidPlaylist, i)
		}
		if s.Sequence != want {
			return fmt.Errorf("%w: segment %d has sequence %d, want %d", ErrInvalidPlaylist, i, s.Sequence, want)
		}
		if s.Duration < 0 || math.IsNaN(s.Duration) {
			return fmt.Errorf("%w: segment %d has duration %v", ErrInvalidPlaylist, i, s.Duration)
		}
		if int(math.Round(s.Duration)) > p.TargetDuration {
			return fmt.Errorf("%w: segment %d duration %v exceeds target %d", ErrInvalidPlaylist, i, s.Duration, p.TargetDuration)
		}
		want++
	}
	return nil
}

func cloneTags(tags []Tag) []Tag {
	if tags == nil {
		return nil
	}
	out := make([]Tag, len(tags))
	for i, t := range tags {
		out[i] = t.clone()
	}
	return out
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}
