package playlist

import (
	"math"
	"strconv"
	"strings"
)

var mediaHeaderTags = map[string]bool{
	TagHeader:                    true,
	TagVersion:                   true,
	TagTargetDuration:            true,
	TagMediaSequence:             true,
	TagDiscontinuitySequence:     true,
	TagPlaylistType:              true,
	"EXT-X-INDEPENDENT-SEGMENTS": true,
	"EXT-X-START":                true,
	"EXT-X-I-FRAMES-ONLY":        true,
	"EXT-X-SERVER-CONTROL":       true,
	"EXT-X-PART-INF":             true,
	"EXT-X-ALLOW-CACHE":          true,
	"EXT-X-DEFINE":               true,
}

var masterHeaderTags = map[string]bool{
	TagHeader:                    true,
	TagVersion:                   true,
	TagMedia:                     true,
	TagIFrameStreamInf:           true,
	"EXT-X-INDEPENDENT-SEGMENTS": true,
	"EXT-X-START":                true,
	"EXT-X-SESSION-DATA":         true,
	"EXT-X-SESSION-KEY":          true,
	"EXT-X-CONTENT-STEERING":     true,
	"EXT-X-DEFINE":               true,
}

// block is a run of tags terminated by a URI line.
type block struct {
	line       int
	tags       []Tag
	uriLeading []string
	uri        string
}

// Parse reads playlist text. Every line is kept: tags verbatim, comments and
// blank lines in the Leading slot of whatever follows them, so Serialize can
// reproduce the input exactly.
func Parse(text string) (*Playlist, error) {
	lines := splitLines(text)
	if len(lines) == 0 || strings.TrimSpace(strings.TrimPrefix(lines[0], "\ufeff")) != "#"+TagHeader {
		return nil, &ParseError{Line: 1, Reason: "missing #EXTM3U"}
	}

	p := &Playlist{Kind: detectKind(lines)}
	headerTags := mediaHeaderTags
	if p.Kind == Master {
		headerTags = masterHeaderTags
	}

	p.Header = append(p.Header, parseTag(lines[0]))

	var (
		blocks   []block
		cur      *block
		pending  []string
		inHeader = true
	)
	for i := 1; i < len(lines); i++ {
		line := lines[i]
		switch {
		case strings.HasPrefix(line, "#EXT"):
			t := parseTag(line)
			t.Leading, pending = pending, nil
			if inHeader && headerTags[t.Name] {
				p.Header = append(p.Header, t)
				continue
			}
			inHeader = false
			if cur == nil {
				cur = &block{line: i + 1}
			}
			cur.tags = append(cur.tags, t)
		case strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#"):
			pending = append(pending, line)
		default:
			inHeader = false
			if cur == nil {
				cur = &block{line: i + 1}
			}
			cur.uri = line
			cur.uriLeading, pending = pending, nil
			blocks = append(blocks, *cur)
			cur = nil
		}
	}
	if cur != nil {
		p.Trailer = cur.tags
	}
	p.tail = pending

	for _, t := range p.Trailer {
		if t.Name == TagEndList {
			p.Ended = true
		}
	}

	if p.Kind == Master {
		return p, parseMaster(p, blocks)
	}
	return p, parseMedia(p, blocks)
}

func parseMaster(p *Playlist, blocks []block) error {
	if t, ok := p.HeaderTag(TagVersion); ok {
		v, err := strconv.Atoi(strings.TrimSpace(t.Value))
		if err != nil {
			return &ParseError{Reason: "invalid #EXT-X-VERSION " + strconv.Quote(t.Value)}
		}
		p.Version = v
	}
	p.Variants = make([]*Variant, 0, len(blocks))
	for _, b := range blocks {
		p.Variants = append(p.Variants, &Variant{URI: b.uri, Tags: b.tags, uriLeading: b.uriLeading})
	}
	return nil
}

func parseMedia(p *Playlist, blocks []block) error {
	versionTag, ok := p.HeaderTag(TagVersion)
	if !ok {
		return &ParseError{Reason: "media playlist without #EXT-X-VERSION"}
	}
	v, err := strconv.Atoi(strings.TrimSpace(versionTag.Value))
	if err != nil {
		return &ParseError{Reason: "invalid #EXT-X-VERSION " + strconv.Quote(versionTag.Value)}
	}
	p.Version = v

	tdTag, ok := p.HeaderTag(TagTargetDuration)
	if !ok {
		return &ParseError{Reason: "media playlist without #EXT-X-TARGETDURATION"}
	}
	td, err := strconv.ParseFloat(strings.TrimSpace(tdTag.Value), 64)
	if err != nil || td < 0 {
		return &ParseError{Reason: "invalid #EXT-X-TARGETDURATION " + strconv.Quote(tdTag.Value)}
	}
	p.TargetDuration = int(math.Ceil(td))

	if t, ok := p.HeaderTag(TagMediaSequence); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(t.Value), 10, 64)
		if err != nil {
			return &ParseError{Reason: "invalid #EXT-X-MEDIA-SEQUENCE " + strconv.Quote(t.Value)}
		}
		p.MediaSequence = n
	}
	if t, ok := p.HeaderTag(TagDiscontinuitySequence); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(t.Value), 10, 64)
		if err != nil {
			return &ParseError{Reason: "invalid #EXT-X-DISCONTINUITY-SEQUENCE " + strconv.Quote(t.Value)}
		}
		p.DiscontinuitySequence = n
	}
	if t, ok := p.HeaderTag(TagPlaylistType); ok {
		p.Type = strings.TrimSpace(t.Value)
	}

	p.Segments = make([]*Segment, 0, len(blocks))
	for i, b := range blocks {
		seg := &Segment{
			URI:        b.uri,
			Sequence:   p.MediaSequence + int64(i),
			Tags:       b.tags,
			uriLeading: b.uriLeading,
		}
		var sawInf bool
		for _, t := range b.tags {
			switch t.Name {
			case TagInf:
				if sawInf {
					continue
				}
				d, title, err := parseInf(t.Value)
				if err != nil {
					return &ParseError{Line: b.line, Reason: "invalid #EXTINF " + strconv.Quote(t.Value)}
				}
				seg.Duration, seg.Title, sawInf = d, title, true
			case TagByteRange:
				if seg.ByteRange == "" {
					seg.ByteRange = t.Value
				}
			case TagDiscontinuity:
				seg.Discontinuity = true
			}
		}
		if !sawInf {
			return &ParseError{Line: b.line, Reason: "URI " + strconv.Quote(b.uri) + " without preceding #EXTINF"}
		}
		p.Segments = append(p.Segments, seg)
	}
	return nil
}

// parseInf splits an EXTINF value into duration and title. The title keeps
// everything after the first comma untouched.
func parseInf(value string) (float64, string, error) {
	durText, title, _ := strings.Cut(value, ",")
	d, err := strconv.ParseFloat(strings.TrimSpace(durText), 64)
	if err != nil {
		return 0, "", err
	}
	if d < 0 || math.IsNaN(d) || math.IsInf(d, 0) {
		return 0, "", strconv.ErrRange
	}
	return d, title, nil
}

func parseTag(line string) Tag {
	body := strings.TrimPrefix(strings.TrimPrefix(line, "\ufeff"), "#")
	name, value, ok := strings.Cut(body, ":")
	if !ok {
		return Tag{Name: body}
	}
	return Tag{Name: name, Value: value, HasValue: true}
}

func detectKind(lines []string) Kind {
	for _, l := range lines {
		if !strings.HasPrefix(l, "#EXT") {
			continue
		}
		switch parseTag(l).Name {
		case TagStreamInf, TagMedia, TagIFrameStreamInf:
			return Master
		case TagInf:
			return Media
		}
	}
	return Media
}

// splitLines splits on LF, drops a CR before each LF and ignores the empty
// piece after a final newline.
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	text = strings.TrimSuffix(text, "\n")
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}
