package internal

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
)

// Fixed-window limit applied per client IP across all API routes.
const (
	_rateWindow = time.Minute
	_rateLimit  = 10

	// Actors idle past their window get reaped; the next request spins up a
	// fresh one that reloads any persisted counter.
	_rateIdleAfter = 3 * time.Minute
)

func rateKey(ip string) string { return nsRateLimit + ":" + ip }

// rlWindow is one IP's counter, persisted under rate-limit:<ip> so limits
// survive restarts within the window.
type rlWindow struct {
	Count   int       `json:"count"`
	ResetAt time.Time `json:"resetAt"`
}

// rlDecision is the outcome of a single check-and-increment.
type rlDecision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// rlActor serializes counter updates for one IP. Checking and incrementing
// happen as one operation on the actor goroutine, so two concurrent requests
// can't both read count=9 and slip past the limit.
type rlActor struct {
	ip   string
	kv   kvStore
	quit chan struct{}

	inbox    chan chan rlDecision
	lastSeen atomic.Int64 // unix seconds, read by the reaper

	// Owned by the run loop.
	win    rlWindow
	loaded bool
}

func (a *rlActor) run() {
	for {
		select {
		case reply := <-a.inbox:
			a.lastSeen.Store(time.Now().Unix())
			reply <- a.checkAndIncrement(time.Now())
		case <-a.quit:
			return
		}
	}
}

func (a *rlActor) checkAndIncrement(now time.Time) rlDecision {
	if !a.loaded {
		a.load()
	}
	if a.win.ResetAt.IsZero() || !now.Before(a.win.ResetAt) {
		a.win = rlWindow{Count: 0, ResetAt: now.Add(_rateWindow)}
	}
	if a.win.Count >= _rateLimit {
		return rlDecision{Allowed: false, Remaining: 0, ResetAt: a.win.ResetAt}
	}
	a.win.Count++
	a.persist(now)
	return rlDecision{Allowed: true, Remaining: _rateLimit - a.win.Count, ResetAt: a.win.ResetAt}
}

// load pulls any persisted window once per actor lifetime. Failures leave a
// zero window, which is the fail-open posture.
func (a *rlActor) load() {
	a.loaded = true
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, _, ok := a.kv.GetWithTTL(ctx, rateKey(a.ip))
	if !ok {
		return
	}
	var win rlWindow
	if err := sonic.Unmarshal(data, &win); err != nil {
		return
	}
	a.win = win
}

func (a *rlActor) persist(now time.Time) {
	data, err := sonic.Marshal(a.win)
	if err != nil {
		return
	}
	ttl := a.win.ResetAt.Sub(now)
	if ttl <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	a.kv.Set(ctx, rateKey(a.ip), data, ttl)
}

// RateLimiter routes each IP to its own actor and reaps idle ones. The
// limiter always fails open: a missing decision should never take search
// down with it.
type RateLimiter struct {
	kv kvStore

	mu     sync.Mutex
	actors map[string]*rlActor
	quit   chan struct{}
}

func NewRateLimiter(kv kvStore) *RateLimiter {
	rl := &RateLimiter{
		kv:     kv,
		actors: map[string]*rlActor{},
		quit:   make(chan struct{}),
	}
	go rl.reap()
	return rl
}

func (rl *RateLimiter) actor(ip string) *rlActor {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	a, ok := rl.actors[ip]
	if !ok {
		a = &rlActor{
			ip:    ip,
			kv:    rl.kv,
			quit:  make(chan struct{}),
			inbox: make(chan chan rlDecision),
		}
		a.lastSeen.Store(time.Now().Unix())
		rl.actors[ip] = a
		go a.run()
	}
	return a
}

// Check runs one check-and-increment for ip. A canceled context, or an actor
// torn down mid-request, yields an allow.
func (rl *RateLimiter) Check(ctx context.Context, ip string) rlDecision {
	open := rlDecision{Allowed: true, Remaining: _rateLimit}
	for attempt := 0; attempt < 2; attempt++ {
		a := rl.actor(ip)
		reply := make(chan rlDecision, 1)
		select {
		case a.inbox <- reply:
		case <-a.quit:
			continue // reaped between lookup and send; retry once
		case <-ctx.Done():
			return open
		}
		select {
		case d := <-reply:
			return d
		case <-ctx.Done():
			return open
		}
	}
	return open
}

func (rl *RateLimiter) reap() {
	tick := time.NewTicker(time.Minute)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			cutoff := time.Now().Add(-_rateIdleAfter).Unix()
			rl.mu.Lock()
			for ip, a := range rl.actors {
				if a.lastSeen.Load() < cutoff {
					close(a.quit)
					delete(rl.actors, ip)
				}
			}
			rl.mu.Unlock()
		case <-rl.quit:
			return
		}
	}
}

// Close stops the reaper and tears down every actor.
func (rl *RateLimiter) Close() {
	close(rl.quit)
	rl.mu.Lock()
	for ip, a := range rl.actors {
		close(a.quit)
		delete(rl.actors, ip)
	}
	rl.mu.Unlock()
}

// Middleware enforces the limit ahead of API routes and stamps the standard
// X-RateLimit headers either way.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		d := rl.Check(r.Context(), clientIP(r))

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(_rateLimit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		if !d.ResetAt.IsZero() {
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
		}
		if !d.Allowed {
			retry := int(math.Ceil(time.Until(d.ResetAt).Seconds()))
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeErr(w, r, errRateLimited, start)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP keys the limiter. RealIP middleware has already folded
// X-Forwarded-For into RemoteAddr; all that's left is shedding the port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
