package stitcher

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hls-stitcher/internal/ads"
	"hls-stitcher/internal/origin"
	"hls-stitcher/internal/platform/metrics"
	"hls-stitcher/internal/playlist"
	"hls-stitcher/internal/session"
)

const masterText = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-STREAM-INF:BANDWIDTH=800000
low/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2400000
https://origin.example/news/high.m3u8
`

type fixture struct {
	origin *origin.Static
	store  *session.Store
	calls  *atomic.Int32
	svc    *Service
}

func newFixture(t *testing.T, r Resolver) *fixture {
	t.Helper()
	calls := new(atomic.Int32)
	src := origin.NewStatic()
	src.Set(origin.Ref{Channel: "news"}, windowText(1, 6, nil, oneSegmentBreak))
	src.Set(origin.Ref{Channel: "news", Variant: "low/index.m3u8"}, windowText(1, 6, nil, oneSegmentBreak))
	src.Set(origin.Ref{Channel: "multi"}, masterText)
	src.Set(origin.Ref{Channel: "broken"}, "not a playlist")

	store := session.NewStore(session.Options{Log: quietLog})
	engine := NewEngine(countingDecider(2, 6, calls), r, Options{Log: quietLog})
	svc := NewService(src, store, engine, ServiceOptions{
		PublicBasePath: "https://ssai.example/",
		Log:            quietLog,
		Metrics:        metrics.New(),
	})
	return &fixture{origin: src, store: store, calls: calls, svc: svc}
}

func TestService_Playlist_media(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.svc.Playlist(context.Background(), Request{Channel: "news", Viewer: "v1"})
	require.NoError(t, err)
	assert.Equal(t, playlist.Media, res.Kind)
	assert.False(t, res.Degraded)
	assert.Contains(t, res.Body, "https://ads.example/seq:3/a0.ts")
	assert.NotContains(t, res.Body, "seg3.ts")
	assert.Equal(t, 1, f.store.Len())
}

func TestService_Playlist_one_decision_per_break_under_concurrency(t *testing.T) {
	f := newFixture(t, nil)

	const n = 20
	var (
		wg     sync.WaitGroup
		bodies = make([]string, n)
		errs   = make([]error, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.svc.Playlist(context.Background(), Request{Channel: "news", Viewer: "v1"})
			errs[i] = err
			if err == nil {
				bodies[i] = res.Body
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, bodies[0], bodies[i])
	}
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestService_Playlist_sessions_are_per_viewer(t *testing.T) {
	f := newFixture(t, nil)

	for _, v := range []string{"v1", "v2", "v1"} {
		_, err := f.svc.Playlist(context.Background(), Request{Channel: "news", Viewer: v})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), f.calls.Load())
	assert.Equal(t, 2, f.store.Len())
}

func TestService_Playlist_master_rewrites_variants(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.svc.Playlist(context.Background(), Request{Channel: "multi", Viewer: "v 1"})
	require.NoError(t, err)
	assert.Equal(t, playlist.Master, res.Kind)

	p, err := playlist.Parse(res.Body)
	require.NoError(t, err)
	require.Len(t, p.Variants, 2)
	assert.Equal(t, "https://ssai.example/playlist/multi?variant=low%2Findex.m3u8&viewer=v+1", p.Variants[0].URI)
	assert.Equal(t, "https://ssai.example/playlist/multi?variant=https%3A%2F%2Forigin.example%2Fnews%2Fhigh.m3u8&viewer=v+1", p.Variants[1].URI)
	assert.Equal(t, 0, f.store.Len())
}

func TestService_Playlist_variant(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.svc.Playlist(context.Background(), Request{Channel: "news", Variant: "low/index.m3u8", Viewer: "v1"})
	require.NoError(t, err)
	assert.Contains(t, res.Body, "https://ads.example/seq:3/a1.ts")
}

func TestService_Playlist_errors(t *testing.T) {
	f := newFixture(t, nil)
	f.origin.Fail(origin.Ref{Channel: "down"}, &origin.FetchError{Kind: origin.KindUpstream, Ref: origin.Ref{Channel: "down"}, Status: 503})
	f.origin.Fail(origin.Ref{Channel: "slow"}, &origin.FetchError{Kind: origin.KindTimeout, Ref: origin.Ref{Channel: "slow"}})

	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"missing viewer", Request{Channel: "news"}, ErrBadRequest},
		{"long viewer", Request{Channel: "news", Viewer: strings.Repeat("x", maxViewerLen+1)}, ErrBadRequest},
		{"bad channel", Request{Channel: "..", Viewer: "v1"}, ErrBadRequest},
		{"unknown channel", Request{Channel: "nope", Viewer: "v1"}, ErrNotFound},
		{"upstream error", Request{Channel: "down", Viewer: "v1"}, ErrOrigin},
		{"upstream timeout", Request{Channel: "slow", Viewer: "v1"}, ErrOrigin},
		{"unparseable", Request{Channel: "broken", Viewer: "v1"}, ErrOrigin},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Playlist(context.Background(), tt.req)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
	assert.Equal(t, int32(0), f.calls.Load())
}

func TestService_Playlist_degrades_to_source(t *testing.T) {
	boom := ResolverFunc(func(ads.Segment) string { panic("resolver exploded") })
	f := newFixture(t, boom)

	res, err := f.svc.Playlist(context.Background(), Request{Channel: "news", Viewer: "v1"})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, windowText(1, 6, nil, oneSegmentBreak), res.Body)
}

func TestService_Playlist_absolute_source_uris(t *testing.T) {
	src := &urlFetcher{body: windowText(1, 3, nil, nil), url: "https://origin.example/news/index.m3u8"}
	store := session.NewStore(session.Options{Log: quietLog})
	engine := NewEngine(&ads.Static{SegmentDuration: 6}, nil, Options{Log: quietLog})
	svc := NewService(src, store, engine, ServiceOptions{AbsoluteSourceURIs: true, Log: quietLog})

	res, err := svc.Playlist(context.Background(), Request{Channel: "news", Viewer: "v1"})
	require.NoError(t, err)
	assert.Contains(t, res.Body, "\nhttps://origin.example/news/seg1.ts\n")
	assert.NotContains(t, res.Body, "\nseg1.ts\n")
}

type urlFetcher struct {
	body, url string
}

func (u *urlFetcher) FetchPlaylist(context.Context, origin.Ref) (*origin.Source, error) {
	return &origin.Source{Body: u.body, URL: u.url}, nil
}
