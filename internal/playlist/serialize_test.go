package playlist

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

var roundTripFixtures = map[string]string{
	"live with cues": liveWithCues,
	"master":         masterPlaylist,
	"vod ended": `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-PLAYLIST-TYPE:VOD
#EXT-X-TARGETDURATION:10
#EXTINF:10,
a.ts
#EXTINF:9.5,
b.ts
#EXT-X-ENDLIST
`,
	"daterange and oatcls": `#EXTM3U
#EXT-X-VERSION:6
#EXT-X-TARGETDURATION:2
#EXT-X-MEDIA-SEQUENCE:7
#EXT-X-DISCONTINUITY-SEQUENCE:3
#EXT-X-DATERANGE:ID="splice-1",START-DATE="2024-01-01T00:00:00Z",PLANNED-DURATION=30,SCTE35-OUT=0xFC30
#EXT-OATCLS-SCTE35:/DAlAAAAAAAAAP/wFAUAAAABf+/+AAAAAAABJQEAAAAA
#EXTINF:2.002,
https://cdn.example/seg7.ts
#EXT-X-KEY:METHOD=AES-128,URI="https://keys.example/k",IV=0x1
#EXT-X-MAP:URI="init.mp4"
#EXTINF:2.002,
seg8.m4s
`,
	"ll-hls parts": `#EXTM3U
#EXT-X-VERSION:9
#EXT-X-TARGETDURATION:4
#EXT-X-SERVER-CONTROL:CAN-BLOCK-RELOAD=YES,PART-HOLD-BACK=3.0
#EXT-X-PART-INF:PART-TARGET=1.0
#EXT-X-MEDIA-SEQUENCE:20
#EXT-X-PART:DURATION=1.0,URI="seg20.0.m4s",INDEPENDENT=YES
#EXT-X-PART:DURATION=1.0,URI="seg20.1.m4s"
#EXTINF:4.0,
seg20.m4s
#EXT-X-PART:DURATION=1.0,URI="seg21.0.m4s"
#EXT-X-PRELOAD-HINT:TYPE=PART,URI="seg21.1.m4s"

#EXT-X-RENDITION-REPORT:URI="../480p/index.m3u8",LAST-MSN=20
# trailing comment
`,
	"empty live": "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:6\n#EXT-X-MEDIA-SEQUENCE:0\n",
	"whitespace kept": "#EXTM3U \n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION: 6\n   \n#EXTINF: 6.0 ,  spaced title\n  a.ts\n",
}

func TestSerialize_round_trip(t *testing.T) {
	for name, in := range roundTripFixtures {
		t.Run(name, func(t *testing.T) {
			p, err := Parse(in)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if diff := cmp.Diff(in, Serialize(p)); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSerialize_round_trip_of_clone(t *testing.T) {
	p, err := Parse(liveWithCues)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	c := p.Clone()
	c.Segments[0].URI = "changed.ts"
	c.Segments[1].Tags[0].Leading = append(c.Segments[1].Tags[0].Leading, "# mutated")

	if got := Serialize(p); got != liveWithCues {
		t.Errorf("mutating a clone changed the original:\n%s", cmp.Diff(liveWithCues, got))
	}
}

func TestSerialize_reparse_is_stable(t *testing.T) {
	for name, in := range roundTripFixtures {
		t.Run(name, func(t *testing.T) {
			p1, err := Parse(in)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			p2, err := Parse(Serialize(p1))
			if err != nil {
				t.Fatalf("re-Parse: %v", err)
			}
			if p1.Kind != p2.Kind || len(p1.Segments) != len(p2.Segments) || p1.MediaSequence != p2.MediaSequence {
				t.Fatalf("structure changed: %d/%d segments", len(p1.Segments), len(p2.Segments))
			}
			for i := range p1.Segments {
				a, b := p1.Segments[i], p2.Segments[i]
				if a.URI != b.URI || a.Duration != b.Duration || a.Sequence != b.Sequence || a.Discontinuity != b.Discontinuity {
					t.Errorf("segment %d differs: %+v vs %+v", i, a, b)
				}
			}
		})
	}
}

func TestSerialize_fields_drive_special_tags(t *testing.T) {
	p, err := Parse(liveWithCues)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	p.Segments[3].Discontinuity = false
	p.Segments[0].Discontinuity = true
	p.Segments[2].Duration = 3
	p.Segments[4].ByteRange = ""

	out := Serialize(p)
	if strings.Count(out, "#EXT-X-DISCONTINUITY\n") != 1 {
		t.Errorf("expected exactly one discontinuity tag:\n%s", out)
	}
	if !strings.Contains(out, "#EXT-X-DISCONTINUITY\n# generated by origin\n\n#EXT-X-PROGRAM-DATE-TIME") {
		t.Errorf("expected discontinuity before first segment's tags:\n%s", out)
	}
	if !strings.Contains(out, "#EXT-X-CUE-OUT-CONT:6/30\n#EXTINF:3.0,\nseg102.ts") {
		t.Errorf("expected rewritten EXTINF:\n%s", out)
	}
	if strings.Contains(out, "BYTERANGE") {
		t.Errorf("expected byte range to be dropped:\n%s", out)
	}
}

func TestSerialize_new_segment(t *testing.T) {
	p := NewMedia(40, []*Segment{
		{URI: "ad-0.ts", Duration: 3, Discontinuity: true},
		{URI: "ad-1.ts", Duration: 2.5, ByteRange: "500@0"},
	}, false)

	want := "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:3\n#EXT-X-MEDIA-SEQUENCE:40\n" +
		"#EXT-X-DISCONTINUITY\n#EXTINF:3.0,\nad-0.ts\n" +
		"#EXTINF:2.5,\n#EXT-X-BYTERANGE:500@0\nad-1.ts\n"
	if diff := cmp.Diff(want, Serialize(p)); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestFormatDuration(t *testing.T) {
	cases := map[float64]string{
		6:      "6.0",
		5.005:  "5.005",
		2.5:    "2.5",
		0.1234: "0.123",
		10.01:  "10.01",
		0:      "0.0",
	}
	for in, want := range cases {
		if got := FormatDuration(in); got != want {
			t.Errorf("FormatDuration(%v) = %q, want %q", in, got, want)
		}
	}
}
