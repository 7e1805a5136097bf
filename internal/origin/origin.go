// Package origin fetches source playlists from the origin CDN.
package origin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Ref names a source playlist: a channel and, for media playlists reached
// through a master playlist, the variant URI relative to the channel URL.
type Ref struct {
	Channel string
	Variant string
}

func (r Ref) String() string {
	if r.Variant == "" {
		return r.Channel
	}
	return r.Channel + "/" + r.Variant
}

// Source is a fetched playlist and the URL it came from.
type Source struct {
	Body string
	URL  string
}

// Fetcher retrieves source playlists.
type Fetcher interface {
	FetchPlaylist(ctx context.Context, ref Ref) (*Source, error)
}

// Kind classifies fetch failures.
type Kind int

const (
	KindTimeout Kind = iota
	KindNotFound
	KindUpstream
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindNotFound:
		return "not_found"
	default:
		return "upstream"
	}
}

var (
	ErrTimeout  = errors.New("origin timed out")
	ErrNotFound = errors.New("origin playlist not found")
	ErrUpstream = errors.New("origin error")

	// ErrInvalidRef is returned for channel names or variant URIs that would
	// leave the configured origin.
	ErrInvalidRef = errors.New("invalid playlist reference")
)

// FetchError is returned by every Fetcher for origin failures.
type FetchError struct {
	Kind   Kind
	Ref    Ref
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch %s: %s", e.Ref, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind.
func (e *FetchError) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrUpstream:
		return e.Kind == KindUpstream
	}
	return false
}

const maxChannelLen = 128

// ValidateChannel accepts 1-128 characters of letters, digits, '.', '_' and
// '-', excluding "." and "..".
func ValidateChannel(ch string) error {
	if ch == "" || len(ch) > maxChannelLen || ch == "." || ch == ".." {
		return fmt.Errorf("%w: channel %q", ErrInvalidRef, ch)
	}
	for _, c := range ch {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '_', c == '-':
		default:
			return fmt.Errorf("%w: channel %q", ErrInvalidRef, ch)
		}
	}
	return nil
}

// ValidateOriginURL accepts absolute http(s) URLs. Unless allowPrivate is
// set, IP literals in loopback, private, link-local or unspecified ranges are
// rejected. Host names are not resolved.
func ValidateOriginURL(raw string, allowPrivate bool) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRef, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q not allowed", ErrInvalidRef, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: no host in %q", ErrInvalidRef, raw)
	}
	if allowPrivate {
		return nil
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	if ip == nil {
		return nil
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return fmt.Errorf("%w: private or reserved address %s", ErrInvalidRef, ip)
	}
	return nil
}
