package internal

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestWarmEnqueueValidates(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	rdb := newTestRedis(t)
	w := newWarmer(rdb, newTestController(t, nil, &fakeProvider{name: ProviderGoogleBooks}), prometheus.NewRegistry())

	assert.ErrorIs(t, w.Enqueue(ctx, "   ", 0), errMissingParam)

	require.NoError(t, w.Enqueue(ctx, "Frank Herbert", 99))
	require.NoError(t, w.Enqueue(ctx, "Dan Simmons", -5))

	raws, err := rdb.LRange(ctx, _warmQueue, 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, raws, 2)

	var msg warmMessage
	// LPUSH prepends, so the newest message is first.
	require.NoError(t, sonic.ConfigStd.Unmarshal([]byte(raws[0]), &msg))
	assert.Equal(t, "Dan Simmons", msg.Author)
	assert.Equal(t, 0, msg.Depth, "negative depth clamps to zero")

	require.NoError(t, sonic.ConfigStd.Unmarshal([]byte(raws[1]), &msg))
	assert.Equal(t, 3, msg.Depth, "depth clamps to the hop cap")
}

func TestWarmerConsumesQueue(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	google := &fakeProvider{
		name:     ProviderGoogleBooks,
		byAuthor: map[string][]Book{"Frank Herbert": {duneFrom(ProviderGoogleBooks)}},
		byTitle:  map[string][]Book{"Dune": {duneFrom(ProviderGoogleBooks)}},
	}
	ctrl := newTestController(t, nil, google)

	rdb := newTestRedis(t)
	w := newWarmer(rdb, ctrl, prometheus.NewRegistry())
	go w.Run(ctx)

	require.NoError(t, w.Enqueue(ctx, "Frank Herbert", 0))

	assert.Eventually(t, func() bool {
		depth, _ := rdb.LLen(ctx, _warmQueue).Result()
		return google.authorCalls.Load() == 1 && google.titleCalls.Load() == 1 && depth == 0
	}, 5*time.Second, 20*time.Millisecond)

	// The whole point: a live author search now lands on warm cache.
	raw, err := ctrl.SearchAuthor(ctx, "Frank Herbert")
	require.NoError(t, err)
	_, meta := decodeEnvelope(t, raw)
	assert.True(t, meta.Cached)
	assert.Equal(t, int32(1), google.authorCalls.Load())

	dead, err := rdb.LLen(ctx, _warmDLQ).Result()
	require.NoError(t, err)
	assert.Zero(t, dead)
}

func TestWarmerFansOutCoauthors(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	dual := duneFrom(ProviderGoogleBooks)
	dual.Authors = append(dual.Authors, Author{Name: "Brian Herbert"})
	google := &fakeProvider{
		name: ProviderGoogleBooks,
		byAuthor: map[string][]Book{
			"Frank Herbert": {dual},
			"Brian Herbert": {dual},
		},
		byTitle: map[string][]Book{"Dune": {dual}},
	}
	ctrl := newTestController(t, nil, google)

	rdb := newTestRedis(t)
	w := newWarmer(rdb, ctrl, prometheus.NewRegistry())
	go w.Run(ctx)

	require.NoError(t, w.Enqueue(ctx, "Frank Herbert", 1))

	assert.Eventually(t, func() bool {
		return google.authorCalls.Load() == 2
	}, 5*time.Second, 20*time.Millisecond, "co-authors warm one hop out")

	assert.Eventually(t, func() bool {
		depth, _ := rdb.LLen(ctx, _warmQueue).Result()
		return depth == 0
	}, 5*time.Second, 20*time.Millisecond)

	// Depth 0 on the co-author hop, so Brian's warm doesn't re-enqueue Frank.
	assert.Equal(t, int32(2), google.authorCalls.Load())
}

func TestWarmerDeadLettersPoison(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	rdb := newTestRedis(t)
	w := newWarmer(rdb, newTestController(t, nil, &fakeProvider{name: ProviderGoogleBooks}), prometheus.NewRegistry())

	w.handle(ctx, `{"author": 42}`)
	w.handle(ctx, `{"author": "   ", "depth": 1}`)

	dead, err := rdb.LRange(ctx, _warmDLQ, 0, -1).Result()
	require.NoError(t, err)
	assert.Len(t, dead, 2, "undecodable and authorless messages skip retries")

	depth, err := rdb.LLen(ctx, _warmQueue).Result()
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestWarmerRequeuesOnShutdown(t *testing.T) {
	t.Parallel()

	rdb := newTestRedis(t)
	broken := &fakeProvider{
		name: ProviderGoogleBooks,
		err:  &provErr{provider: ProviderGoogleBooks, kind: provTransient},
	}
	w := newWarmer(rdb, newTestController(t, nil, broken), prometheus.NewRegistry())

	ctx, cancel := context.WithCancel(t.Context())
	payload := `{"author":"Frank Herbert","depth":0}`
	done := make(chan struct{})
	go func() {
		w.handle(ctx, payload)
		close(done)
	}()

	// Let the first attempt fail, then cancel during the backoff wait. Racy
	// but it works for now.
	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	raws, err := rdb.LRange(t.Context(), _warmQueue, 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, raws, 1, "interrupted messages go back on the queue, not the DLQ")
	assert.Equal(t, payload, raws[0])

	dead, err := rdb.LLen(t.Context(), _warmDLQ).Result()
	require.NoError(t, err)
	assert.Zero(t, dead)
}

func TestWarmerDepths(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	rdb := newTestRedis(t)
	w := newWarmer(rdb, newTestController(t, nil, &fakeProvider{name: ProviderGoogleBooks}), prometheus.NewRegistry())

	for range 3 {
		require.NoError(t, rdb.LPush(ctx, _warmQueue, `{"author":"x"}`).Err())
	}
	require.NoError(t, rdb.LPush(ctx, _warmDLQ, "poison").Err())

	queued, dead := w.Depths(ctx)
	assert.Equal(t, int64(3), queued)
	assert.Equal(t, int64(1), dead)
}
