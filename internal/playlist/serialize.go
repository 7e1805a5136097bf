package playlist

import (
	"strconv"
	"strings"
)

// Serialize renders the playlist as HLS text with LF line endings. An
// untouched result of Parse serializes back to the exact input.
func Serialize(p *Playlist) string {
	var b strings.Builder
	b.Grow(256 + 96*(len(p.Segments)+len(p.Variants)))

	for _, t := range p.Header {
		writeTag(&b, t)
	}
	if p.Kind == Master {
		for _, v := range p.Variants {
			for _, t := range v.Tags {
				writeTag(&b, t)
			}
			writeLines(&b, v.uriLeading)
			writeLine(&b, v.URI)
		}
	} else {
		for _, s := range p.Segments {
			writeSegment(&b, s)
		}
	}
	for _, t := range p.Trailer {
		writeTag(&b, t)
	}
	writeLines(&b, p.tail)
	return b.String()
}

// writeSegment emits the segment block. EXT-X-DISCONTINUITY, EXTINF and
// EXT-X-BYTERANGE come from the typed fields; a source tag is reused when it
// still says the same thing so untouched segments stay byte-identical.
func writeSegment(b *strings.Builder, s *Segment) {
	var sawInf, sawRange bool
	if s.Discontinuity && !s.HasTag(TagDiscontinuity) {
		writeLine(b, "#"+TagDiscontinuity)
	}
	for _, t := range s.Tags {
		switch t.Name {
		case TagDiscontinuity:
			if !s.Discontinuity {
				writeLines(b, t.Leading)
				continue
			}
		case TagInf:
			if sawInf {
				break
			}
			sawInf = true
			if d, title, err := parseInf(t.Value); err != nil || d != s.Duration || title != s.Title {
				t.Value = FormatInf(s.Duration, s.Title)
			}
		case TagByteRange:
			if s.ByteRange == "" {
				writeLines(b, t.Leading)
				continue
			}
			if !sawRange {
				sawRange = true
				t.Value = s.ByteRange
			}
		}
		writeTag(b, t)
	}
	if !sawInf {
		writeLine(b, "#"+TagInf+":"+FormatInf(s.Duration, s.Title))
	}
	if !sawRange && s.ByteRange != "" {
		writeLine(b, "#"+TagByteRange+":"+s.ByteRange)
	}
	writeLines(b, s.uriLeading)
	writeLine(b, s.URI)
}

// FormatInf renders an EXTINF value with millisecond precision, trimming
// trailing zeros but always keeping one decimal.
func FormatInf(d float64, title string) string {
	return FormatDuration(d) + "," + title
}

// FormatDuration renders seconds the way EXTINF values are usually written.
func FormatDuration(d float64) string {
	s := strconv.FormatFloat(d, 'f', 3, 64)
	s = strings.TrimRight(s, "0")
	if strings.HasSuffix(s, ".") {
		s += "0"
	}
	return s
}

func writeTag(b *strings.Builder, t Tag) {
	writeLines(b, t.Leading)
	writeLine(b, t.String())
}

func writeLines(b *strings.Builder, lines []string) {
	for _, l := range lines {
		writeLine(b, l)
	}
}

func writeLine(b *strings.Builder, l string) {
	b.WriteString(l)
	b.WriteByte('\n')
}
