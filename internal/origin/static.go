package origin

import (
	"context"
	"sync"
)

// Static serves playlists from memory. Bodies can be replaced while serving,
// which is how tests advance a live window.
type Static struct {
	mu     sync.RWMutex
	bodies map[Ref]string
	errs   map[Ref]error
}

// NewStatic returns an empty Static.
func NewStatic() *Static {
	return &Static{bodies: make(map[Ref]string), errs: make(map[Ref]error)}
}

// Set publishes body for ref and clears any configured error.
func (s *Static) Set(ref Ref, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bodies[ref] = body
	delete(s.errs, ref)
}

// Fail makes every fetch of ref return err.
func (s *Static) Fail(ref Ref, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[ref] = err
}

// FetchPlaylist implements Fetcher.
func (s *Static) FetchPlaylist(ctx context.Context, ref Ref) (*Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, fetchCtxError(ref, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err, ok := s.errs[ref]; ok {
		return nil, err
	}
	body, ok := s.bodies[ref]
	if !ok {
		return nil, &FetchError{Kind: KindNotFound, Ref: ref}
	}
	return &Source{Body: body, URL: "static://" + ref.String()}, nil
}
