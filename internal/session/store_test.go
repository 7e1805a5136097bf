package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"hls-stitcher/internal/ads"
	"hls-stitcher/internal/cue"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestStore_Acquire_creates_and_reuses(t *testing.T) {
	st := NewStore(Options{})
	k := Key{Channel: "news", Viewer: "v1"}

	h, err := st.Acquire(context.Background(), k)
	require.NoError(t, err)
	h.Session().SeqShift = 7
	h.Release()
	h.Release()

	h, err = st.Acquire(context.Background(), k)
	require.NoError(t, err)
	defer h.Release()
	assert.Equal(t, int64(7), h.Session().SeqShift)
	assert.Equal(t, k.ID(), h.Session().ID)
	assert.Equal(t, 1, st.Len())
}

func TestStore_Acquire_is_exclusive(t *testing.T) {
	st := NewStore(Options{Shards: 4})
	k := Key{Channel: "news", Viewer: "v1"}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		inside int
		peak   int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := st.Acquire(context.Background(), k)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			inside++
			if inside > peak {
				peak = inside
			}
			mu.Unlock()

			h.Session().SeqShift++
			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
			h.Release()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, peak)
	h, err := st.Acquire(context.Background(), k)
	require.NoError(t, err)
	defer h.Release()
	assert.Equal(t, int64(20), h.Session().SeqShift)
}

func TestStore_Acquire_honours_context(t *testing.T) {
	st := NewStore(Options{})
	k := Key{Channel: "news", Viewer: "v1"}
	h, err := st.Acquire(context.Background(), k)
	require.NoError(t, err)
	defer h.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = st.Acquire(ctx, k)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStore_Sweep_evicts_idle_only(t *testing.T) {
	c := &clock{now: t0}
	var evicted []string
	st := NewStore(Options{TTL: time.Minute, Now: c.Now, OnEvict: func(r string) { evicted = append(evicted, r) }})

	idle, err := st.Acquire(context.Background(), Key{Channel: "news", Viewer: "idle"})
	require.NoError(t, err)
	idle.Release()

	busy, err := st.Acquire(context.Background(), Key{Channel: "news", Viewer: "busy"})
	require.NoError(t, err)

	c.Advance(2 * time.Minute)
	assert.Equal(t, 1, st.Sweep(c.Now()))
	assert.Equal(t, 1, st.Len())
	assert.Equal(t, []string{EvictIdle}, evicted)

	busy.Release()
	assert.Equal(t, 0, st.Sweep(c.Now()), "release refreshes last use")
	c.Advance(time.Minute)
	assert.Equal(t, 1, st.Sweep(c.Now()))
	assert.Equal(t, 0, st.Len())
}

func TestStore_Touch_keeps_session(t *testing.T) {
	c := &clock{now: t0}
	st := NewStore(Options{TTL: time.Minute, Now: c.Now})
	k := Key{Channel: "news", Viewer: "v"}
	h, err := st.Acquire(context.Background(), k)
	require.NoError(t, err)
	h.Release()

	c.Advance(50 * time.Second)
	assert.True(t, st.Touch(k.ID()))
	assert.False(t, st.Touch("missing"))
	c.Advance(50 * time.Second)
	assert.Equal(t, 0, st.Sweep(c.Now()))
}

func TestStore_capacity_evicts_lru_idle(t *testing.T) {
	c := &clock{now: t0}
	var evicted []string
	st := NewStore(Options{Capacity: 2, Shards: 1, Now: c.Now, OnEvict: func(r string) { evicted = append(evicted, r) }})

	acquire := func(viewer string) *Handle {
		h, err := st.Acquire(context.Background(), Key{Channel: "news", Viewer: viewer})
		require.NoError(t, err)
		c.Advance(time.Second)
		return h
	}
	acquire("a").Release()
	acquire("b").Release()
	acquire("c").Release()

	assert.Equal(t, 2, st.Len())
	assert.Equal(t, []string{EvictCapacity}, evicted)
	_, ok, err := st.Get(context.Background(), Key{Channel: "news", Viewer: "a"}.ID())
	require.NoError(t, err)
	assert.False(t, ok, "least recently used session is evicted")

	// Pinned sessions are never evicted; the shard overflows instead.
	hd, he, hf := acquire("d"), acquire("e"), acquire("f")
	assert.Equal(t, 3, st.Len())
	hd.Release()
	he.Release()
	hf.Release()
	assert.Equal(t, 2, st.Len())
}

func TestStore_Get_returns_copy(t *testing.T) {
	st := NewStore(Options{})
	k := Key{Channel: "news", Viewer: "v"}
	h, err := st.Acquire(context.Background(), k)
	require.NoError(t, err)
	h.Session().Breaks["x"] = NewRecord(cue.Break{ID: "x", StartSeq: 1}, t0)
	h.Release()

	got, ok, err := st.Get(context.Background(), k.ID())
	require.NoError(t, err)
	require.True(t, ok)
	got.Breaks["x"].StartSeq = 99

	h, err = st.Acquire(context.Background(), k)
	require.NoError(t, err)
	defer h.Release()
	assert.Equal(t, int64(1), h.Session().Breaks["x"].StartSeq)
}

func TestStore_backend_round_trip(t *testing.T) {
	backend := NewMemoryBackend()
	k := Key{Channel: "news", Viewer: "v"}

	st := NewStore(Options{Backend: backend, TTL: time.Minute})
	h, err := st.Acquire(context.Background(), k)
	require.NoError(t, err)
	r := NewRecord(cue.Break{ID: "seq:3", StartSeq: 3, EndSeq: 4, Closed: true}, t0)
	require.NoError(t, r.Begin())
	require.NoError(t, r.Commit(ads.Decided{Decision: ads.Decision{Segments: []ads.Segment{{URI: "ad.ts", Duration: 3}}, DecidedAt: t0}}))
	h.Session().Breaks[r.ID] = r
	h.Release()

	// A fresh store, as after a restart or on another replica.
	other := NewStore(Options{Backend: backend, TTL: time.Minute})
	h, err = other.Acquire(context.Background(), k)
	require.NoError(t, err)
	defer h.Release()
	got := h.Session().Breaks["seq:3"]
	require.NotNil(t, got)
	assert.Equal(t, cue.Decided, got.State)
	require.NotNil(t, got.Decision)
	assert.Equal(t, "ad.ts", got.Decision.Segments[0].URI)
}

func TestStore_Remove(t *testing.T) {
	backend := NewMemoryBackend()
	st := NewStore(Options{Backend: backend})
	k := Key{Channel: "news", Viewer: "v"}
	h, err := st.Acquire(context.Background(), k)
	require.NoError(t, err)
	h.Release()

	_, err = backend.Load(context.Background(), k.ID())
	require.NoError(t, err)

	require.NoError(t, st.Remove(context.Background(), k.ID()))
	assert.Equal(t, 0, st.Len())
	_, err = backend.Load(context.Background(), k.ID())
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestStore_Run_stops_with_context(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	st := NewStore(Options{TTL: time.Millisecond})
	h, err := st.Acquire(context.Background(), Key{Channel: "news", Viewer: "v"})
	require.NoError(t, err)
	h.Release()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- st.Run(ctx, 2*time.Millisecond) }()

	require.Eventually(t, func() bool { return st.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestRedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := newRedisBackend(client, "")
	defer b.Close()
	ctx := context.Background()

	_, err := b.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrNoSnapshot)

	sess := New(Key{Channel: "news", Viewer: "v"}, t0)
	sess.SeqShift = 3
	data, err := json.Marshal(sess)
	require.NoError(t, err)
	require.NoError(t, b.Save(ctx, sess.ID, data, time.Minute))

	assert.True(t, mr.Exists(defaultRedisPrefix+sess.ID))
	assert.Equal(t, time.Minute, mr.TTL(defaultRedisPrefix+sess.ID))

	got, err := b.Load(ctx, sess.ID)
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(got))

	mr.FastForward(2 * time.Minute)
	_, err = b.Load(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrNoSnapshot)

	require.NoError(t, b.Save(ctx, sess.ID, data, 0))
	require.NoError(t, b.Delete(ctx, sess.ID))
	assert.False(t, mr.Exists(defaultRedisPrefix+sess.ID))
}

func TestStore_with_redis_backend(t *testing.T) {
	mr := miniredis.RunT(t)
	b := newRedisBackend(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:")
	defer b.Close()

	k := Key{Channel: "news", Viewer: "v"}
	st := NewStore(Options{Backend: b, TTL: time.Minute})
	h, err := st.Acquire(context.Background(), k)
	require.NoError(t, err)
	h.Session().DiscShift = 4
	h.Release()

	other := NewStore(Options{Backend: b, TTL: time.Minute})
	h, err = other.Acquire(context.Background(), k)
	require.NoError(t, err)
	defer h.Release()
	assert.Equal(t, int64(4), h.Session().DiscShift)
}
