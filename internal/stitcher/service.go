package stitcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"hls-stitcher/internal/origin"
	"hls-stitcher/internal/platform/metrics"
	"hls-stitcher/internal/playlist"
	"hls-stitcher/internal/session"
)

var (
	ErrBadRequest = errors.New("bad request")
	ErrNotFound   = errors.New("playlist not found")
	ErrOrigin     = errors.New("origin unavailable")
)

const maxViewerLen = 256

// Request identifies the playlist a viewer asked for.
type Request struct {
	Channel string
	Variant string
	Viewer  string
}

// Result is a playlist ready to serve.
type Result struct {
	Body string
	Kind playlist.Kind
	// Degraded is set when a media playlist is served as unmodified source.
	Degraded bool
}

// ServiceOptions configures a Service.
type ServiceOptions struct {
	// PublicBasePath prefixes the playlist URLs written into master
	// playlists, e.g. "https://ssai.example" or "/ssai".
	PublicBasePath string
	// AbsoluteSourceURIs rewrites relative source segment URIs against the
	// origin URL so players fetch content straight from the origin.
	AbsoluteSourceURIs bool

	Log     *slog.Logger
	Metrics *metrics.Metrics
}

// Service composes one playlist request: origin fetch, session, stitching
// and output validation.
type Service struct {
	origin   origin.Fetcher
	sessions *session.Store
	engine   *Engine
	opts     ServiceOptions
}

// NewService returns a Service. Metrics may be nil.
func NewService(f origin.Fetcher, sessions *session.Store, engine *Engine, opts ServiceOptions) *Service {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	opts.PublicBasePath = strings.TrimRight(opts.PublicBasePath, "/")
	return &Service{origin: f, sessions: sessions, engine: engine, opts: opts}
}

// Playlist returns the playlist for req. Master playlists come back with
// variant URIs pointing at this service; media playlists come back stitched
// for the viewer, or as source content if stitching fails.
func (s *Service) Playlist(ctx context.Context, req Request) (*Result, error) {
	if err := origin.ValidateChannel(req.Channel); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if req.Viewer == "" || len(req.Viewer) > maxViewerLen {
		return nil, fmt.Errorf("%w: viewer must be 1-%d bytes", ErrBadRequest, maxViewerLen)
	}

	ref := origin.Ref{Channel: req.Channel, Variant: req.Variant}
	src, err := s.origin.FetchPlaylist(ctx, ref)
	if err != nil {
		return nil, s.originError(ref, err)
	}
	if s.opts.Metrics != nil {
		s.opts.Metrics.IncOriginFetches("ok")
	}

	p, err := playlist.Parse(src.Body)
	if err != nil {
		s.opts.Log.Warn("origin playlist unparseable",
			slog.String("ref", ref.String()),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %v", ErrOrigin, err)
	}

	if p.Kind == playlist.Master {
		s.rewriteVariants(p, req)
		return &Result{Body: playlist.Serialize(p), Kind: playlist.Master}, nil
	}

	stop := s.opts.Metrics.Timer()
	defer stop()

	sourceText := src.Body
	if s.opts.AbsoluteSourceURIs && absolutize(p, src.URL) {
		sourceText = playlist.Serialize(p)
	}

	body, reason := s.stitch(ctx, req, p)
	if reason != "" {
		if s.opts.Metrics != nil {
			s.opts.Metrics.IncDegraded(reason)
		}
		return &Result{Body: sourceText, Kind: playlist.Media, Degraded: true}, nil
	}
	return &Result{Body: body, Kind: playlist.Media}, nil
}

// stitch returns the stitched text, or the reason it had to fall back.
func (s *Service) stitch(ctx context.Context, req Request, p *playlist.Playlist) (string, string) {
	log := s.opts.Log.With(
		slog.String("channel", req.Channel),
		slog.String("variant", req.Variant))

	h, err := s.sessions.Acquire(ctx, session.Key{Channel: req.Channel, Variant: req.Variant, Viewer: req.Viewer})
	if err != nil {
		log.Warn("session unavailable", slog.String("error", err.Error()))
		return "", "session"
	}
	defer h.Release()
	sess := h.Session()
	log = log.With(slog.String("session_id", sess.ID))

	out, err := s.safeStitch(ctx, p, sess)
	if err != nil {
		log.Warn("stitch failed, serving source", slog.String("error", err.Error()))
		return "", "stitch"
	}

	text := playlist.Serialize(out)
	check, err := playlist.Parse(text)
	if err == nil {
		err = check.Validate()
	}
	if err != nil {
		log.Error("stitched output invalid, serving source", slog.String("error", err.Error()))
		return "", "invalid_output"
	}
	return text, ""
}

func (s *Service) safeStitch(ctx context.Context, p *playlist.Playlist, sess *session.Session) (out *playlist.Playlist, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stitch panic: %v", r)
		}
	}()
	return s.engine.Stitch(ctx, p, sess)
}

func (s *Service) originError(ref origin.Ref, err error) error {
	result := "upstream"
	var fe *origin.FetchError
	if errors.As(err, &fe) {
		result = fe.Kind.String()
	}
	if errors.Is(err, origin.ErrInvalidRef) {
		result = "invalid_ref"
	}
	if s.opts.Metrics != nil {
		s.opts.Metrics.IncOriginFetches(result)
	}
	s.opts.Log.Info("origin fetch failed",
		slog.String("ref", ref.String()),
		slog.String("error", err.Error()))

	switch {
	case errors.Is(err, origin.ErrInvalidRef):
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	case errors.Is(err, origin.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	default:
		return fmt.Errorf("%w: %v", ErrOrigin, err)
	}
}

// rewriteVariants points every variant and rendition URI at this service so
// the player comes back for each media playlist with its viewer id.
func (s *Service) rewriteVariants(p *playlist.Playlist, req Request) {
	p.RewriteURIs(func(uri string) string {
		q := url.Values{}
		q.Set("viewer", req.Viewer)
		q.Set("variant", uri)
		return s.opts.PublicBasePath + "/playlist/" + url.PathEscape(req.Channel) + "?" + q.Encode()
	})
}

// absolutize resolves relative segment, key and map URIs against the origin
// playlist URL. It reports whether anything changed.
func absolutize(p *playlist.Playlist, base string) bool {
	bu, err := url.Parse(base)
	if err != nil || (bu.Scheme != "http" && bu.Scheme != "https") {
		return false
	}
	changed := false
	p.RewriteSegmentURIs(func(uri string) string {
		u, err := url.Parse(uri)
		if err != nil || u.IsAbs() {
			return uri
		}
		changed = true
		return bu.ResolveReference(u).String()
	})
	return changed
}
