package internal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

const (
	_warmQueue = "hardbound:warm"
	_warmDLQ   = "hardbound:warm:dlq"

	_warmMaxDepth = 3
	_warmAttempts = 3
	_warmDelay    = 2 * time.Second
	_warmMaxDelay = 30 * time.Second

	// _warmPoll bounds each BRPOP so an idle consumer still notices shutdown.
	_warmPoll = 5 * time.Second

	_warmWorkers = 4
)

// warmMessage asks the consumer to pre-heat caches for one author. Depth
// controls how many hops of co-authors to follow afterwards.
type warmMessage struct {
	Author string `json:"author"`
	Depth  int    `json:"depth"`
}

// warmer consumes warming messages from redis and replays them through the
// same search paths the live endpoints use, so every key it heats is a key
// reads will actually hit. Messages that keep failing land on a dead-letter
// list for inspection.
type warmer struct {
	rdb     *redis.Client
	ctrl    *Controller
	metrics *queueMetrics
	workers int

	wg sync.WaitGroup
}

func newWarmer(rdb *redis.Client, ctrl *Controller, reg *prometheus.Registry) *warmer {
	return &warmer{
		rdb:     rdb,
		ctrl:    ctrl,
		metrics: newQueueMetrics(reg),
		workers: _warmWorkers,
	}
}

// Enqueue pushes a warming message. Depth is clamped to [0, 3].
func (w *warmer) Enqueue(ctx context.Context, author string, depth int) error {
	author = strings.TrimSpace(author)
	if author == "" {
		return errMissingParam.withMessage("author is required")
	}
	depth = max(0, min(depth, _warmMaxDepth))

	payload, err := sonic.ConfigStd.Marshal(warmMessage{Author: author, Depth: depth})
	if err != nil {
		return fmt.Errorf("encoding warm message: %w", err)
	}
	if err := w.rdb.LPush(ctx, _warmQueue, payload).Err(); err != nil {
		return fmt.Errorf("enqueueing warm message: %w", err)
	}
	return nil
}

// Depths reports the live backlog of the warming queue and its dead-letter
// list, refreshing the gauges as a side effect. On redis errors it falls back
// to the last observed values.
func (w *warmer) Depths(ctx context.Context) (queued, dead int64) {
	if n, err := w.rdb.LLen(ctx, _warmQueue).Result(); err == nil {
		w.metrics.depthSet(_warmQueue, n)
	}
	if n, err := w.rdb.LLen(ctx, _warmDLQ).Result(); err == nil {
		w.metrics.depthSet(_warmDLQ, n)
	}
	return w.metrics.depthGet(_warmQueue), w.metrics.depthGet(_warmDLQ)
}

// Run consumes until ctx is canceled. It blocks; callers typically `go` it.
// A single poller feeds an elastic buffer so a burst of enqueues (a warm
// subcommand dumping a library's authors, say) doesn't stall the BRPOP loop
// while workers churn through provider fan-outs.
func (w *warmer) Run(ctx context.Context) {
	producer := make(chan string)
	buffered := accumulate[string](producer, &slicebuffer[string]{})

	for range w.workers {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for raw := range buffered {
				w.handle(ctx, raw)
			}
		}()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.Depths(ctx)
			}
		}
	}()

	Log(ctx).Info("warming consumer started", "queue", _warmQueue, "workers", w.workers)

	for {
		vals, err := w.rdb.BRPop(ctx, _warmPoll, _warmQueue).Result()
		switch {
		case ctx.Err() != nil:
			close(producer)
			w.wg.Wait()
			Log(ctx).Info("warming consumer stopped")
			return
		case errors.Is(err, redis.Nil):
			continue // Poll timeout, queue is idle.
		case err != nil:
			Log(ctx).Warn("polling warm queue", "err", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			continue
		}
		// BRPOP returns (key, value).
		if len(vals) == 2 {
			producer <- vals[1]
		}
	}
}

// handle runs one message to completion: retries with backoff, then
// dead-letters whatever still fails. Payloads that can't even be decoded go
// straight to the DLQ since retrying can't fix them.
func (w *warmer) handle(ctx context.Context, raw string) {
	start := time.Now()

	var msg warmMessage
	if err := sonic.ConfigStd.Unmarshal([]byte(raw), &msg); err != nil {
		w.deadletter(ctx, raw, fmt.Errorf("malformed warm message: %w", err))
		return
	}
	if strings.TrimSpace(msg.Author) == "" {
		w.deadletter(ctx, raw, errors.New("warm message has no author"))
		return
	}
	msg.Depth = max(0, min(msg.Depth, _warmMaxDepth))

	err := retry.Do(
		func() error { return w.warm(ctx, msg) },
		retry.Context(ctx),
		retry.Attempts(_warmAttempts),
		retry.Delay(_warmDelay),
		retry.MaxDelay(_warmMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			w.metrics.retriedInc()
			Log(ctx).Warn("retrying warm message",
				"author", msg.Author, "attempt", n+1, "err", err)
		}),
	)

	switch {
	case err == nil:
		w.metrics.consumedInc()
		Log(ctx).Debug("warmed author",
			"author", msg.Author, "depth", msg.Depth, "took", time.Since(start))
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// Shutting down mid-message: requeue so the next run picks it up.
		_ = w.rdb.LPush(context.WithoutCancel(ctx), _warmQueue, raw).Err()
	default:
		w.deadletter(ctx, raw, err)
	}
}

// warm heats the author cache, then the title cache for each of the author's
// works, then fans co-authors back onto the queue when depth allows. Title
// searches use the endpoint default page size so the warmed keys match.
func (w *warmer) warm(ctx context.Context, msg warmMessage) error {
	raw, err := w.ctrl.SearchAuthor(ctx, msg.Author)
	if err != nil {
		return fmt.Errorf("author search %q: %w", msg.Author, err)
	}

	var env storedEnvelope
	if err := sonic.ConfigStd.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decoding author envelope: %w", err)
	}
	var res SearchResult
	if err := sonic.ConfigStd.Unmarshal(env.Data, &res); err != nil {
		return fmt.Errorf("decoding author results: %w", err)
	}

	var firstErr error
	for _, work := range res.Works {
		if err := ctx.Err(); err != nil {
			return err
		}
		if work.Title == "" {
			continue
		}
		if _, err := w.ctrl.SearchTitle(ctx, work.Title, _defaultMaxResults); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("title search %q: %w", work.Title, err)
		}
	}
	if firstErr != nil {
		return firstErr
	}

	if msg.Depth > 0 {
		w.enqueueCoauthors(ctx, msg, res.Authors)
	}
	return nil
}

func (w *warmer) enqueueCoauthors(ctx context.Context, msg warmMessage, authors []Author) {
	self := NormalizeAuthor(msg.Author)
	for _, a := range authors {
		if a.Name == "" || NormalizeAuthor(a.Name) == self {
			continue
		}
		if err := w.Enqueue(ctx, a.Name, msg.Depth-1); err != nil {
			Log(ctx).Warn("enqueueing co-author", "author", a.Name, "err", err)
		}
	}
}

func (w *warmer) deadletter(ctx context.Context, raw string, cause error) {
	w.metrics.deadletteredInc()
	Log(ctx).Error("dead-lettering warm message", "err", cause)
	if err := w.rdb.LPush(context.WithoutCancel(ctx), _warmDLQ, raw).Err(); err != nil {
		Log(ctx).Error("pushing to dead-letter queue", "err", err)
	}
}
