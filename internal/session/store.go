package session

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// ErrCapacityExceeded is logged when every resident session is in use and
// the store has to grow past its capacity. Acquire never fails with it.
var ErrCapacityExceeded = errors.New("session store over capacity")

// Eviction reasons passed to Options.OnEvict.
const (
	EvictIdle     = "idle"
	EvictCapacity = "capacity"
	EvictRemoved  = "removed"
)

const (
	defaultShards      = 64
	defaultBackendWait = 250 * time.Millisecond
)

// Options configures a Store. Zero values pick defaults; a zero TTL or
// Capacity disables that bound.
type Options struct {
	TTL      time.Duration
	Capacity int
	Shards   int

	// Backend, when set, receives a snapshot on release and is consulted the
	// first time a session is acquired in this process.
	Backend        Backend
	BackendTimeout time.Duration

	OnEvict func(reason string)
	Log     *slog.Logger
	Now     func() time.Time
}

// Store owns every resident session. A session is borrowed through Acquire,
// which gives the caller exclusive access until Handle.Release.
type Store struct {
	opts   Options
	shards []*shard
}

type shard struct {
	mu       sync.Mutex
	entries  map[string]*entry
	lru      *list.List
	capacity int
}

type entry struct {
	id   string
	key  Key
	lock chan struct{}

	// Guarded by shard.mu.
	refs     int
	lastSeen time.Time
	elem     *list.Element
	removed  bool

	// Guarded by lock.
	sess     *Session
	snapshot []byte
	savedAt  time.Time
}

// NewStore returns an empty store.
func NewStore(opts Options) *Store {
	if opts.Shards <= 0 {
		opts.Shards = defaultShards
	}
	if opts.BackendTimeout <= 0 {
		opts.BackendTimeout = defaultBackendWait
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	perShard := 0
	if opts.Capacity > 0 {
		perShard = (opts.Capacity + opts.Shards - 1) / opts.Shards
	}
	s := &Store{opts: opts, shards: make([]*shard, opts.Shards)}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]*entry), lru: list.New(), capacity: perShard}
	}
	return s
}

func (s *Store) shardFor(id string) *shard {
	return s.shards[xxhash.Sum64String(id)%uint64(len(s.shards))]
}

// Handle is exclusive access to one session.
type Handle struct {
	store *Store
	sh    *shard
	e     *entry
	once  sync.Once
}

// Session returns the borrowed session. It must not be used after Release.
func (h *Handle) Session() *Session { return h.e.sess }

// Release saves the session to the backend, if any, and gives up the lock.
// Calling it more than once is harmless.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.store.save(h.sh, h.e)
		<-h.e.lock
		h.store.unpin(h.sh, h.e)
	})
}

// Acquire returns the session for k, creating it if needed, and waits for
// exclusive access until ctx is done.
func (s *Store) Acquire(ctx context.Context, k Key) (*Handle, error) {
	id := k.ID()
	sh := s.shardFor(id)
	now := s.opts.Now()

	sh.mu.Lock()
	e, ok := sh.entries[id]
	if !ok {
		e = &entry{id: id, key: k, lock: make(chan struct{}, 1)}
		e.elem = sh.lru.PushFront(e)
		sh.entries[id] = e
	} else {
		sh.lru.MoveToFront(e.elem)
	}
	e.refs++
	e.lastSeen = now
	s.shrink(sh)
	sh.mu.Unlock()

	select {
	case e.lock <- struct{}{}:
	case <-ctx.Done():
		s.unpin(sh, e)
		return nil, ctx.Err()
	}

	if e.sess == nil {
		e.sess = s.load(ctx, e)
	}
	e.sess.LastSeen = now
	return &Handle{store: s, sh: sh, e: e}, nil
}

func (s *Store) load(ctx context.Context, e *entry) *Session {
	now := s.opts.Now()
	if s.opts.Backend == nil {
		return New(e.key, now)
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.BackendTimeout)
	defer cancel()
	data, err := s.opts.Backend.Load(ctx, e.id)
	if err != nil {
		if !errors.Is(err, ErrNoSnapshot) {
			s.opts.Log.Warn("session load failed", slog.String("session_id", e.id), slog.String("error", err.Error()))
		}
		return New(e.key, now)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil || sess.ID != e.id {
		s.opts.Log.Warn("session snapshot unusable", slog.String("session_id", e.id))
		return New(e.key, now)
	}
	if sess.Breaks == nil {
		sess.Breaks = make(map[string]*BreakRecord)
	}
	e.snapshot = data
	e.savedAt = now
	return &sess
}

// save runs with the session lock held.
func (s *Store) save(sh *shard, e *entry) {
	if s.opts.Backend == nil {
		return
	}
	sh.mu.Lock()
	removed := e.removed
	sh.mu.Unlock()
	if removed {
		return
	}
	data, err := json.Marshal(e.sess)
	if err != nil {
		s.opts.Log.Error("session encode failed", slog.String("session_id", e.id), slog.String("error", err.Error()))
		return
	}
	now := s.opts.Now()
	// Unchanged snapshots are rewritten only to keep the key from expiring.
	if string(data) == string(e.snapshot) && (s.opts.TTL <= 0 || now.Sub(e.savedAt) < s.opts.TTL/2) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.BackendTimeout)
	defer cancel()
	if err := s.opts.Backend.Save(ctx, e.id, data, s.opts.TTL); err != nil {
		s.opts.Log.Warn("session save failed", slog.String("session_id", e.id), slog.String("error", err.Error()))
		return
	}
	e.snapshot = data
	e.savedAt = now
}

func (s *Store) unpin(sh *shard, e *entry) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e.refs--
	e.lastSeen = s.opts.Now()
	if e.elem != nil {
		sh.lru.MoveToFront(e.elem)
	}
	s.shrink(sh)
}

// shrink evicts least recently used idle entries until the shard fits. Pinned
// entries are never evicted, so a shard full of active sessions overflows.
func (s *Store) shrink(sh *shard) {
	if sh.capacity <= 0 || len(sh.entries) <= sh.capacity {
		return
	}
	for el := sh.lru.Back(); el != nil && len(sh.entries) > sh.capacity; {
		prev := el.Prev()
		if e := el.Value.(*entry); e.refs == 0 {
			s.drop(sh, e, EvictCapacity)
		}
		el = prev
	}
	if len(sh.entries) > sh.capacity {
		s.opts.Log.Debug("session shard over capacity",
			slog.Int("entries", len(sh.entries)),
			slog.Int("capacity", sh.capacity),
			slog.String("error", ErrCapacityExceeded.Error()))
	}
}

// drop runs with sh.mu held.
func (s *Store) drop(sh *shard, e *entry, reason string) {
	delete(sh.entries, e.id)
	if e.elem != nil {
		sh.lru.Remove(e.elem)
		e.elem = nil
	}
	e.removed = reason == EvictRemoved
	if s.opts.OnEvict != nil {
		s.opts.OnEvict(reason)
	}
}

// Touch marks a resident session as recently used.
func (s *Store) Touch(id string) bool {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[id]
	if !ok {
		return false
	}
	e.lastSeen = s.opts.Now()
	sh.lru.MoveToFront(e.elem)
	return true
}

// Get returns a copy of a resident session. It waits for the session lock
// like Acquire but never creates or loads a session.
func (s *Store) Get(ctx context.Context, id string) (*Session, bool, error) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	e, ok := sh.entries[id]
	if !ok {
		sh.mu.Unlock()
		return nil, false, nil
	}
	e.refs++
	sh.mu.Unlock()

	select {
	case e.lock <- struct{}{}:
	case <-ctx.Done():
		s.unpinQuiet(sh, e)
		return nil, false, ctx.Err()
	}
	var c *Session
	if e.sess != nil {
		c = e.sess.Clone()
	}
	<-e.lock
	s.unpinQuiet(sh, e)
	return c, c != nil, nil
}

// unpinQuiet releases a pin without counting as use.
func (s *Store) unpinQuiet(sh *shard, e *entry) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e.refs--
}

// Remove drops a session from memory and from the backend. A request holding
// it finishes normally but its changes are not saved.
func (s *Store) Remove(ctx context.Context, id string) error {
	sh := s.shardFor(id)
	sh.mu.Lock()
	if e, ok := sh.entries[id]; ok {
		s.drop(sh, e, EvictRemoved)
	}
	sh.mu.Unlock()
	if s.opts.Backend == nil {
		return nil
	}
	return s.opts.Backend.Delete(ctx, id)
}

// Len is the number of resident sessions.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

// Sweep evicts sessions idle for at least the TTL and returns how many were
// evicted. Sessions in use are skipped.
func (s *Store) Sweep(now time.Time) int {
	if s.opts.TTL <= 0 {
		return 0
	}
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for el := sh.lru.Back(); el != nil; {
			prev := el.Prev()
			e := el.Value.(*entry)
			if e.refs == 0 {
				if now.Sub(e.lastSeen) < s.opts.TTL {
					break
				}
				s.drop(sh, e, EvictIdle)
				n++
			}
			el = prev
		}
		sh.mu.Unlock()
	}
	return n
}

// Run sweeps every interval until ctx is done. A non-positive interval
// disables sweeping.
func (s *Store) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := s.Sweep(s.opts.Now()); n > 0 {
				s.opts.Log.Debug("swept idle sessions", slog.Int("evicted", n), slog.Int("resident", s.Len()))
			}
		}
	}
}
