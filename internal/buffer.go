package internal

import (
	"slices"
	"sync"
)

type bbuffer[T any] interface {
	peek() (T, bool)
	pop() T
	push(T)
	len() int
}

// accumulate reads values from the producer into an in-memory buffer. A
// channel is returned which provides those buffered values for consumption.
//
// This sits between the warming queue's poller and its workers to smooth out
// spikes: a burst of enqueued authors lands in the buffer instead of
// spawning a goroutine per message.
func accumulate[T any](producer <-chan T, buf bbuffer[T]) <-chan T {
	c := make(chan T)

	go func() {
		for {
			// If our buffer is empty our consumer<- will just no-op until
			// something is produced.
			var consumer chan T
			var next T
			if t, ok := buf.peek(); ok {
				consumer = c
				next = t
			}

			// Either buffer the next produced element, or pass a buffered
			// entry down to the consumer.
			select {
			case val, ok := <-producer:
				if !ok {
					close(c)
					return
				}
				buf.push(val)
			case consumer <- next:
				_ = buf.pop()
			}
		}
	}()

	return c
}

// slicebuffer is a simple slice buffer. It is not thread safe.
type slicebuffer[T any] []T

//nolint:unused // Linter seems confused by generics.
func (s *slicebuffer[T]) pop() T {
	ss := (*s)[0]
	*s = (*s)[1:]
	return ss
}

//nolint:unused // Linter seems confused by generics.
func (s *slicebuffer[T]) push(t T) {
	if s == nil {
		s = &slicebuffer[T]{}
	}
	*s = append(*s, t)
}

//nolint:unused // Linter seems confused by generics.
func (s *slicebuffer[T]) peek() (T, bool) {
	if s == nil || len(*s) == 0 {
		var t T
		return t, false
	}
	return (*s)[0], true
}

//nolint:unused // Linter seems confused by generics.
func (s *slicebuffer[T]) len() int {
	return len(*s)
}

// harvestLog accumulates ISBNs whose covers no provider could supply, until
// the nightly harvest drains them. Entries are deduped and the log is
// bounded, so a hot cache of cover-less results can't grow it without limit.
type harvestLog struct {
	mu    sync.Mutex
	queue []string
	seen  set[string]
	limit int
}

func newHarvestLog(limit int) *harvestLog {
	if limit <= 0 {
		limit = 10_000
	}
	return &harvestLog{seen: newSet[string](), limit: limit}
}

// add enqueues an ISBN. Duplicates and additions beyond the bound are
// dropped; the return value reports whether the ISBN was queued.
func (h *harvestLog) add(isbn string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.seen.has(isbn) || len(h.queue) >= h.limit {
		return false
	}
	h.seen.add(isbn)
	h.queue = append(h.queue, isbn)
	return true
}

// drain removes and returns up to n ISBNs in FIFO order. n <= 0 drains
// everything.
func (h *harvestLog) drain(n int) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n <= 0 || n > len(h.queue) {
		n = len(h.queue)
	}
	out := slices.Clone(h.queue[:n])
	h.queue = slices.Delete(h.queue, 0, n)
	for _, isbn := range out {
		delete(h.seen, isbn)
	}
	return out
}

func (h *harvestLog) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.queue)
}
