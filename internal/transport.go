package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// throttledTransport rate limits requests.
type throttledTransport struct {
	http.RoundTripper
	limiter *rate.Limiter
}

func (t throttledTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(r.Context()); err != nil {
		return nil, err
	}
	resp, err := t.RoundTripper.RoundTrip(r)
	if err != nil {
		return nil, err
	}

	// A 403 from a quota'd API means we're over the daily allotment, not
	// that the key is bad. Back off to 1RPM for a minute.
	if resp.StatusCode == http.StatusForbidden {
		Log(r.Context()).Warn("backing off after 403", "host", r.URL.Host, "limit", t.limiter.Limit(), "tokens", t.limiter.Tokens())
		orig := t.limiter.Limit()
		t.limiter.SetLimit(rate.Every(time.Hour / 60))
		t.limiter.SetLimitAt(time.Now().Add(time.Minute), orig) // Restore
	}

	return resp, nil
}

// ScopedTransport restricts requests to a particular host.
type ScopedTransport struct {
	Host string
	http.RoundTripper
}

// RoundTrip forces the request to stick to the given host, so redirects can't
// send us elsewhere. Helpful to ensuring credentials don't leak to other
// domains.
func (t ScopedTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r.URL.Scheme = "https"
	r.URL.Host = t.Host
	return t.RoundTripper.RoundTrip(r)
}

// HeaderTransport adds a header to all requests. Best used with a
// scopedTransport.
type HeaderTransport struct {
	Key   string
	Value string
	http.RoundTripper
}

// RoundTrip always sets the header on the request.
func (t *HeaderTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r.Header.Add(t.Key, t.Value)
	return t.RoundTripper.RoundTrip(r)
}

// upstreamErr reports a 429 or 5XX upstream response. The retryAfter hint is
// zero when the upstream didn't send one.
type upstreamErr struct {
	status     int
	retryAfter time.Duration
}

func (e upstreamErr) Error() string {
	return fmt.Sprintf("upstream returned %d", e.status)
}

// errorProxyTransport returns a non-nil upstreamErr for 429 and 5XX response
// codes so retry handling and the circuit breaker see them as failures. Other
// 4XX codes pass through for the caller to interpret, since a 404 from a
// metadata provider is an answer rather than an outage.
type errorProxyTransport struct {
	http.RoundTripper
}

func (t errorProxyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	resp, err := t.RoundTripper.RoundTrip(r)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		uerr := upstreamErr{
			status:     resp.StatusCode,
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<12))
		_ = resp.Body.Close()
		return nil, uerr
	}
	return resp, nil
}

// parseRetryAfter handles both forms of the header, delta-seconds and
// HTTP-date.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// breakerTransport stops calling an upstream once it starts failing
// consistently, letting requests fail fast while the other providers carry
// the load. Wrap it around an errorProxyTransport so 5XX responses register
// as failures.
type breakerTransport struct {
	http.RoundTripper
	breaker *gobreaker.CircuitBreaker
}

func newBreakerTransport(name string, rt http.RoundTripper) *breakerTransport {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 10 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			Log(context.Background()).Warn("circuit breaker state change", "upstream", name, "from", from.String(), "to", to.String())
		},
	})
	return &breakerTransport{RoundTripper: rt, breaker: breaker}
}

func (t *breakerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	v, err := t.breaker.Execute(func() (any, error) {
		return t.RoundTripper.RoundTrip(r)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, errProvider.withMessage("%s is unavailable, retry later", t.breaker.Name())
		}
		return nil, err
	}
	return v.(*http.Response), nil
}

// NewUpstream creates an http.Client with middleware appropriate for a
// metadata upstream: host pinning innermost so credentials can't follow a
// redirect off-site, an optional auth header, a local throttle, and a
// circuit breaker outermost watching the error proxy's verdicts.
func NewUpstream(host string, every time.Duration, burst int, header, value string) *http.Client {
	var rt http.RoundTripper = ScopedTransport{
		Host:         host,
		RoundTripper: http.DefaultTransport,
	}
	if header != "" {
		rt = &HeaderTransport{Key: header, Value: value, RoundTripper: rt}
	}
	rt = throttledTransport{
		limiter:      rate.NewLimiter(rate.Every(every), burst),
		RoundTripper: rt,
	}
	return &http.Client{
		Transport: newBreakerTransport(host, errorProxyTransport{rt}),
	}
}
