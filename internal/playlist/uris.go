package playlist

// RewriteURIs maps every URI a master playlist points at through fn: variant
// stream URIs and the URI attribute of EXT-X-MEDIA and
// EXT-X-I-FRAME-STREAM-INF tags. Tags whose URI does not change keep their
// original text.
func (p *Playlist) RewriteURIs(fn func(uri string) string) {
	if p.Kind != Master {
		return
	}
	rewriteTagURIs(p.Header, fn)
	for _, v := range p.Variants {
		rewriteTagURIs(v.Tags, fn)
		v.URI = fn(v.URI)
	}
	rewriteTagURIs(p.Trailer, fn)
}

func rewriteTagURIs(tags []Tag, fn func(string) string) {
	for i, t := range tags {
		if t.Name != TagMedia && t.Name != TagIFrameStreamInf {
			continue
		}
		attrs := t.Attributes()
		uri, ok := attrs.Get("URI")
		if !ok {
			continue
		}
		if next := fn(uri); next != uri {
			attrs.Set("URI", next, true)
			tags[i].Value = attrs.String()
		}
	}
}

// RewriteSegmentURIs maps segment URIs and the URI attribute of EXT-X-KEY and
// EXT-X-MAP tags of a media playlist through fn.
func (p *Playlist) RewriteSegmentURIs(fn func(uri string) string) {
	if p.Kind != Media {
		return
	}
	for _, s := range p.Segments {
		s.URI = fn(s.URI)
		for i, t := range s.Tags {
			if t.Name != TagKey && t.Name != TagMap {
				continue
			}
			attrs := t.Attributes()
			uri, ok := attrs.Get("URI")
			if !ok {
				continue
			}
			if next := fn(uri); next != uri {
				attrs.Set("URI", next, true)
				s.Tags[i].Value = attrs.String()
			}
		}
	}
}
