package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// ChannelPlaceholder is replaced by the channel name in URL templates.
	ChannelPlaceholder = "{channel}"

	maxPlaylistBytes = 8 << 20
)

// HTTPFetcher fetches playlists from a URL template such as
// "https://origin.example/live/{channel}/index.m3u8". Server errors and
// transport failures are retried with a fixed backoff; 404 and 410 are not.
type HTTPFetcher struct {
	template string
	client   *http.Client
	attempts int
	backoff  time.Duration
	log      *slog.Logger
}

// NewHTTPFetcher validates the template against the SSRF rules of
// ValidateOriginURL and returns a fetcher making at most attempts requests
// per fetch.
func NewHTTPFetcher(template string, client *http.Client, attempts int, backoff time.Duration, allowPrivate bool, log *slog.Logger) (*HTTPFetcher, error) {
	if !strings.Contains(template, ChannelPlaceholder) {
		return nil, fmt.Errorf("origin template %q has no %s placeholder", template, ChannelPlaceholder)
	}
	if err := ValidateOriginURL(strings.ReplaceAll(template, ChannelPlaceholder, "probe"), allowPrivate); err != nil {
		return nil, err
	}
	if attempts < 1 {
		attempts = 1
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{template: template, client: client, attempts: attempts, backoff: backoff, log: log}, nil
}

// URL resolves ref against the template. Variant URIs may be relative or
// absolute but must stay on the channel URL's scheme and host.
func (f *HTTPFetcher) URL(ref Ref) (string, error) {
	if err := ValidateChannel(ref.Channel); err != nil {
		return "", err
	}
	base := strings.ReplaceAll(f.template, ChannelPlaceholder, url.PathEscape(ref.Channel))
	if ref.Variant == "" {
		return base, nil
	}
	bu, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRef, err)
	}
	vu, err := url.Parse(ref.Variant)
	if err != nil {
		return "", fmt.Errorf("%w: variant %q", ErrInvalidRef, ref.Variant)
	}
	resolved := bu.ResolveReference(vu)
	if resolved.Scheme != bu.Scheme || resolved.Host != bu.Host {
		return "", fmt.Errorf("%w: variant %q leaves origin host", ErrInvalidRef, ref.Variant)
	}
	return resolved.String(), nil
}

// FetchPlaylist implements Fetcher.
func (f *HTTPFetcher) FetchPlaylist(ctx context.Context, ref Ref) (*Source, error) {
	u, err := f.URL(ref)
	if err != nil {
		return nil, err
	}

	var lastErr *FetchError
	for attempt := 1; attempt <= f.attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(f.backoff):
			case <-ctx.Done():
				return nil, fetchCtxError(ref, ctx.Err())
			}
		}
		body, ferr := f.fetchOnce(ctx, ref, u)
		if ferr == nil {
			return &Source{Body: body, URL: u}, nil
		}
		lastErr = ferr
		if !retryable(ferr) || ctx.Err() != nil {
			break
		}
		if f.log != nil {
			f.log.Debug("origin fetch retry",
				slog.String("ref", ref.String()),
				slog.Int("attempt", attempt),
				slog.String("error", ferr.Error()))
		}
	}
	return nil, lastErr
}

func (f *HTTPFetcher) fetchOnce(ctx context.Context, ref Ref, u string) (string, *FetchError) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", &FetchError{Kind: KindUpstream, Ref: ref, Err: err}
	}
	req.Header.Set("Accept", "application/vnd.apple.mpegurl, application/x-mpegurl, */*")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fetchCtxError(ref, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return "", &FetchError{Kind: KindNotFound, Ref: ref, Status: resp.StatusCode}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxPlaylistBytes))
		return "", &FetchError{Kind: KindUpstream, Ref: ref, Status: resp.StatusCode}
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxPlaylistBytes+1))
	if err != nil {
		return "", fetchCtxError(ref, err)
	}
	if len(b) > maxPlaylistBytes {
		return "", &FetchError{Kind: KindUpstream, Ref: ref, Err: errors.New("playlist too large")}
	}
	return string(b), nil
}

func fetchCtxError(ref Ref, err error) *FetchError {
	var ue *url.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ue) && ue.Timeout()) {
		return &FetchError{Kind: KindTimeout, Ref: ref, Err: err}
	}
	return &FetchError{Kind: KindUpstream, Ref: ref, Err: err}
}

func retryable(e *FetchError) bool {
	switch e.Kind {
	case KindNotFound:
		return false
	case KindUpstream:
		return e.Status == 0 || e.Status >= 500
	}
	return true
}
