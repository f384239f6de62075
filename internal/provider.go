package internal

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/microcosm-cc/bluemonday"
)

// _providerTimeout is the hard deadline for any single upstream call.
const _providerTimeout = 10 * time.Second

var _stripTags = bluemonday.StrictPolicy()

// cleanDescription strips markup from provider descriptions. Upstreams embed
// HTML more often than not.
func cleanDescription(s string) string {
	return strings.TrimSpace(html.UnescapeString(_stripTags.Sanitize(s)))
}

// formatOf maps a provider's free-text binding to a canonical format.
func formatOf(s string) Format {
	switch b := strings.ToLower(s); {
	case b == "":
		return ""
	case strings.Contains(b, "mass market"):
		return FormatMassMarket
	case strings.Contains(b, "hardcover"), strings.Contains(b, "hardback"):
		return FormatHardcover
	case strings.Contains(b, "paperback"), strings.Contains(b, "softcover"):
		return FormatPaperback
	case strings.Contains(b, "kindle"), strings.Contains(b, "ebook"),
		strings.Contains(b, "e-book"), strings.Contains(b, "electronic"):
		return FormatEbook
	case strings.Contains(b, "audio"):
		return FormatAudiobook
	}
	return FormatOther
}

// provider is the contract each metadata upstream implements. Results come
// back already normalized into canonical DTOs tagged with the provider's
// name; failures are provErr-tagged so the pipeline can branch on category.
type provider interface {
	Name() string

	SearchTitle(ctx context.Context, query string, maxResults int) ([]Book, error)
	SearchISBN(ctx context.Context, isbn string) ([]Book, error)
	AuthorWorks(ctx context.Context, name string, limit, offset int) ([]Book, error)
	EditionsForWork(ctx context.Context, title, author string) ([]Edition, error)

	// CoverURL returns a direct cover image URL for an ISBN, or "" when the
	// provider can't produce one without a lookup.
	CoverURL(isbn string) string
}

// provKind categorizes upstream call outcomes.
type provKind int

const (
	provOK provKind = iota
	provNotFound
	provRateLimited
	provTimeout
	provTransient
	provAuth
	provInvalid
)

func (k provKind) String() string {
	switch k {
	case provOK:
		return "ok"
	case provNotFound:
		return "not_found"
	case provRateLimited:
		return "rate_limited"
	case provTimeout:
		return "timeout"
	case provTransient:
		return "transient"
	case provAuth:
		return "auth"
	case provInvalid:
		return "invalid"
	}
	return "unknown"
}

// provErr is an upstream failure tagged with its category. retryAfter is
// only set for rate limits that included a hint.
type provErr struct {
	provider   string
	kind       provKind
	retryAfter time.Duration
	cause      error
}

func (e *provErr) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.provider, e.kind, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.provider, e.kind)
}

func (e *provErr) Unwrap() error { return e.cause }

// httpErr maps the failure to the client-facing error. Upstream rate limits
// are the provider's problem, not the caller's, so they surface as provider
// errors rather than 429s.
func (e *provErr) httpErr() error {
	if e.kind == provTimeout {
		return errProviderTimeout
	}
	return errProvider.withMessage("%s failed", e.provider)
}

// kindOf extracts the category from an error chain, defaulting to transient
// so unknown failures stay retryable.
func kindOf(err error) provKind {
	if err == nil {
		return provOK
	}
	var pe *provErr
	if errors.As(err, &pe) {
		return pe.kind
	}
	return provTransient
}

// isNotFound reports whether an error is a semantic miss rather than a
// failure.
func isNotFound(err error) bool {
	return kindOf(err) == provNotFound || errors.Is(err, errNotFound)
}

// categorize tags a transport-level failure. The error proxy transport has
// already converted 429s and 5XXs into upstreamErrs; everything else is a
// timeout or some flavor of transient network trouble.
func categorize(name string, err error) *provErr {
	var uerr upstreamErr
	if errors.As(err, &uerr) {
		if uerr.status == http.StatusTooManyRequests {
			return &provErr{provider: name, kind: provRateLimited, retryAfter: uerr.retryAfter, cause: err}
		}
		return &provErr{provider: name, kind: provTransient, cause: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &provErr{provider: name, kind: provTimeout, cause: err}
	}
	return &provErr{provider: name, kind: provTransient, cause: err}
}

// statusKind categorizes the 4XX statuses the error proxy passes through.
func statusKind(status int) provKind {
	switch {
	case status == http.StatusOK:
		return provOK
	case status == http.StatusNotFound || status == http.StatusGone:
		return provNotFound
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return provAuth
	case status >= 400 && status < 500:
		return provInvalid
	}
	return provTransient
}

// upstreamClient couples a provider's HTTP client with its name and metrics.
// The client's transport is expected to pin the host, throttle, and proxy
// upstream failures into upstreamErrs.
type upstreamClient struct {
	name    string
	client  *http.Client
	metrics *providerMetrics
}

func newUpstreamClient(name string, client *http.Client, pm *providerMetrics) *upstreamClient {
	return &upstreamClient{name: name, client: client, metrics: pm}
}

// getJSON issues a GET under the provider deadline and decodes a 200 into
// out. Anything else comes back as a categorized provErr. The path is
// host-relative since the transport pins the host.
func (u *upstreamClient) getJSON(ctx context.Context, path string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, _providerTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return &provErr{provider: u.name, kind: provInvalid, cause: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		return categorize(u.name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if kind := statusKind(resp.StatusCode); kind != provOK {
		return &provErr{provider: u.name, kind: kind, cause: fmt.Errorf("status %d", resp.StatusCode)}
	}

	if err := sonic.ConfigStd.NewDecoder(resp.Body).Decode(out); err != nil {
		return &provErr{provider: u.name, kind: provTransient, cause: fmt.Errorf("decoding response: %w", err)}
	}
	return nil
}

// observe records the outcome of a provider call.
func (u *upstreamClient) observe(op string, err error) {
	if u.metrics == nil {
		return
	}
	u.metrics.callInc(u.name, op, kindOf(err).String())
}
