package cue

import (
	"encoding/base64"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"hls-stitcher/internal/playlist"
)

// live builds a media playlist starting at sequence 1. markers maps a
// segment number to the tag lines placed before it.
func live(t *testing.T, n int, markers map[int][]string) *playlist.Playlist {
	t.Helper()
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:6\n#EXT-X-MEDIA-SEQUENCE:1\n")
	for i := 1; i <= n; i++ {
		for _, m := range markers[i] {
			b.WriteString(m + "\n")
		}
		fmt.Fprintf(&b, "#EXTINF:6.000,\nseg%d.ts\n", i)
	}
	p, err := playlist.Parse(b.String())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return p
}

func TestScan_single_segment_break(t *testing.T) {
	for name, out := range map[string]string{
		"bare cue-out":      "#EXT-X-CUE-OUT",
		"cue-out with dur":  "#EXT-X-CUE-OUT:6",
		"cue-out dur attrs": "#EXT-X-CUE-OUT:DURATION=6",
	} {
		t.Run(name, func(t *testing.T) {
			p := live(t, 6, map[int][]string{3: {out}, 4: {"#EXT-X-CUE-IN"}})
			got := Scan(p)
			if len(got) != 1 {
				t.Fatalf("expected 1 break, got %+v", got)
			}
			b := got[0]
			if b.ID != "seq:3" || b.StartSeq != 3 || b.EndSeq != 4 || !b.Closed {
				t.Errorf("unexpected break %+v", b)
			}
			if b.State != Detected {
				t.Errorf("expected Detected, got %s", b.State)
			}
		})
	}
}

func TestScan_open_break_is_pending(t *testing.T) {
	p := live(t, 6, map[int][]string{5: {"#EXT-X-CUE-OUT"}})
	got := Scan(p)
	want := []Break{{ID: "seq:5", StartSeq: 5, Elapsed: 12, State: Pending}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	if !got[0].Open() || !got[0].Contains(99) || got[0].Contains(4) {
		t.Errorf("open break should cover everything from its start: %+v", got[0])
	}
}

func TestScan_declared_duration_not_reached(t *testing.T) {
	p := live(t, 6, map[int][]string{5: {"#EXT-X-CUE-OUT:30"}})
	got := Scan(p)
	want := []Break{{ID: "seq:5", StartSeq: 5, Planned: 30, Elapsed: 12, State: Detected}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestScan_declared_duration_closes_break(t *testing.T) {
	p := live(t, 6, map[int][]string{2: {"#EXT-X-CUE-OUT:DURATION=18,BREAKID=b7"}})
	got := Scan(p)
	want := []Break{{ID: "break:b7", StartSeq: 2, EndSeq: 5, Closed: true, Planned: 18, Elapsed: 18, State: Detected}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestScan_daterange(t *testing.T) {
	p := live(t, 6, map[int][]string{
		3: {`#EXT-X-DATERANGE:ID="ad-1",START-DATE="2024-01-01T00:00:00Z",PLANNED-DURATION=12,SCTE35-OUT=0xFC`},
	})
	got := Scan(p)
	if len(got) != 1 {
		t.Fatalf("expected 1 break, got %+v", got)
	}
	if b := got[0]; b.ID != "daterange:ad-1" || b.StartSeq != 3 || b.EndSeq != 5 || b.Planned != 12 {
		t.Errorf("unexpected break %+v", b)
	}
}

func TestScan_daterange_in_closes(t *testing.T) {
	p := live(t, 6, map[int][]string{
		2: {`#EXT-X-DATERANGE:ID="ad-2",START-DATE="2024-01-01T00:00:00Z",SCTE35-OUT=0xFC`},
		4: {`#EXT-X-DATERANGE:ID="ad-2",START-DATE="2024-01-01T00:00:12Z",SCTE35-IN=0xFC`},
	})
	got := Scan(p)
	if len(got) != 1 || got[0].StartSeq != 2 || got[0].EndSeq != 4 || !got[0].Closed {
		t.Errorf("unexpected breaks %+v", got)
	}
}

func TestScan_oatcls_event_id(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString(section(CommandSpliceInsert, spliceInsert(42, true, 12), nil))
	p := live(t, 6, map[int][]string{2: {"#EXT-OATCLS-SCTE35:" + payload}})
	got := Scan(p)
	if len(got) != 1 {
		t.Fatalf("expected 1 break, got %+v", got)
	}
	if b := got[0]; b.ID != "scte35:42" || b.Planned != 12 || b.StartSeq != 2 || b.EndSeq != 4 {
		t.Errorf("unexpected break %+v", b)
	}
}

func TestScan_scte35_attribute_id_is_stable(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString(section(CommandSpliceInsert, spliceInsert(7, true, 0), nil))
	p := live(t, 6, map[int][]string{
		2: {"#EXT-X-CUE-OUT:DURATION=12,SCTE35=" + payload},
	})
	first := Scan(p)

	// Same cue one poll later: the window has moved but the id must not.
	p2 := live(t, 6, map[int][]string{1: {"#EXT-X-CUE-OUT:DURATION=12,SCTE35=" + payload}})
	second := Scan(p2)
	if len(first) != 1 || len(second) != 1 || first[0].ID != "scte35:7" || second[0].ID != first[0].ID {
		t.Errorf("expected stable scte35 id, got %+v and %+v", first, second)
	}
}

func TestScan_continuation(t *testing.T) {
	p := live(t, 6, map[int][]string{
		1: {"#EXT-X-CUE-OUT-CONT:12/30"},
		2: {"#EXT-X-CUE-OUT-CONT:18/30"},
		3: {"#EXT-X-CUE-OUT-CONT:ElapsedTime=24,Duration=30"},
		4: {"#EXT-X-CUE-IN"},
	})
	got := Scan(p)
	want := []Break{{ID: "cont:1", StartSeq: 1, EndSeq: 4, Closed: true, Planned: 30, Elapsed: 30, Continuation: true, State: Detected}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestScan_cue_in_without_cue_out(t *testing.T) {
	p := live(t, 6, map[int][]string{4: {"#EXT-X-CUE-IN"}})
	got := Scan(p)
	want := []Break{{ID: "cont:1", StartSeq: 1, EndSeq: 4, Closed: true, Elapsed: 18, Continuation: true, State: Detected}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestScan_two_breaks(t *testing.T) {
	p := live(t, 8, map[int][]string{
		2: {"#EXT-X-CUE-OUT:6"},
		3: {"#EXT-X-CUE-IN"},
		5: {"#EXT-X-CUE-OUT"},
		7: {"#EXT-X-CUE-IN"},
	})
	got := Scan(p)
	if len(got) != 2 {
		t.Fatalf("expected 2 breaks, got %+v", got)
	}
	if got[0].StartSeq != 2 || got[0].EndSeq != 3 || got[1].StartSeq != 5 || got[1].EndSeq != 7 {
		t.Errorf("unexpected ranges %+v", got)
	}
}

func TestScan_ignores_implausible_durations(t *testing.T) {
	for _, out := range []string{
		"#EXT-X-CUE-OUT:DURATION=1e15",
		"#EXT-X-CUE-OUT:1e400",
		"#EXT-X-CUE-OUT:NaN",
		"#EXT-X-CUE-OUT:-30",
		"#EXT-X-CUE-OUT:DURATION=+Inf",
		`#EXT-X-DATERANGE:ID="x",START-DATE="2024-01-01T00:00:00Z",PLANNED-DURATION=90000,SCTE35-OUT=0xFC`,
	} {
		t.Run(out, func(t *testing.T) {
			got := Scan(live(t, 6, map[int][]string{3: {out}}))
			if len(got) != 1 {
				t.Fatalf("expected 1 break, got %+v", got)
			}
			if got[0].Planned != 0 || !got[0].Open() || got[0].State != Pending {
				t.Errorf("expected an open break with no declared duration, got %+v", got[0])
			}
		})
	}

	got := Scan(live(t, 6, map[int][]string{3: {"#EXT-X-CUE-OUT-CONT:ElapsedTime=NaN,Duration=1e15"}}))
	if len(got) != 1 || got[0].Planned != 0 || got[0].Elapsed != 24 {
		t.Errorf("unexpected continuation %+v", got)
	}
}

func TestScan_no_markers(t *testing.T) {
	if got := Scan(live(t, 6, nil)); len(got) != 0 {
		t.Errorf("expected no breaks, got %+v", got)
	}
}

type knownIDs map[string]bool

func (k knownIDs) Knows(id string) bool { return k[id] }

func TestDetect_skips_known(t *testing.T) {
	p := live(t, 8, map[int][]string{
		2: {"#EXT-X-CUE-OUT:6"},
		5: {"#EXT-X-CUE-OUT:6"},
	})
	if got := Detect(p, nil); len(got) != 2 {
		t.Fatalf("expected 2 breaks, got %+v", got)
	}
	got := Detect(p, knownIDs{"seq:2": true})
	if len(got) != 1 || got[0].ID != "seq:5" {
		t.Errorf("expected only seq:5, got %+v", got)
	}
}

func TestState_text(t *testing.T) {
	for s := Detected; s <= Skipped; s++ {
		b, err := s.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText: %v", err)
		}
		var back State
		if err := back.UnmarshalText(b); err != nil || back != s {
			t.Errorf("state %s did not survive text encoding: %v", s, err)
		}
	}
	var s State
	if err := s.UnmarshalText([]byte("bogus")); err == nil {
		t.Error("expected error for unknown state")
	}
}
