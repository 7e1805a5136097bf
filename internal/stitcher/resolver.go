package stitcher

import (
	"fmt"
	"net/url"

	"hls-stitcher/internal/ads"
)

// Resolver turns a decided ad segment into the URI written to the playlist.
type Resolver interface {
	Resolve(seg ads.Segment) string
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(seg ads.Segment) string

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(seg ads.Segment) string { return f(seg) }

// BaseResolver resolves relative ad URIs against a base URL, typically the
// ad CDN. Absolute URIs pass through unchanged.
type BaseResolver struct {
	base *url.URL
}

// NewBaseResolver parses base, which must be an absolute URL.
func NewBaseResolver(base string) (*BaseResolver, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("ad base url: %w", err)
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("ad base url %q is not absolute", base)
	}
	return &BaseResolver{base: u}, nil
}

// Resolve implements Resolver.
func (r *BaseResolver) Resolve(seg ads.Segment) string {
	u, err := url.Parse(seg.URI)
	if err != nil || u.IsAbs() {
		return seg.URI
	}
	return r.base.ResolveReference(u).String()
}
