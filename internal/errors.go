package internal

import (
	"errors"
	"fmt"
	"net/http"
)

// statusErr is an error with an associated HTTP status and wire code. Wrap
// one into an error chain (errors.Join) to control how the handler reports
// it; anything without a statusErr is reported as an internal error.
type statusErr struct {
	status int
	code   string
	msg    string
}

func (e statusErr) Error() string { return e.msg }

// Status returns the HTTP status to serve for this error.
func (e statusErr) Status() int { return e.status }

// Code returns the wire code clients branch on.
func (e statusErr) Code() string { return e.code }

// withMessage returns a copy of the error with a more specific message. The
// copy still matches the original under errors.Is.
func (e statusErr) withMessage(format string, args ...any) error {
	e.msg = fmt.Sprintf(format, args...)
	return e
}

func (e statusErr) Is(target error) bool {
	t, ok := target.(statusErr)
	return ok && t.code == e.code
}

var (
	errBadRequest      = statusErr{http.StatusBadRequest, "INVALID_REQUEST", "invalid request"}
	errInvalidISBN     = statusErr{http.StatusBadRequest, "INVALID_ISBN", "invalid ISBN"}
	errInvalidQuery    = statusErr{http.StatusBadRequest, "INVALID_QUERY", "invalid query"}
	errMissingParam    = statusErr{http.StatusBadRequest, "MISSING_PARAM", "missing required parameter"}
	errFileTooLarge    = statusErr{http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "file exceeds size limit"}
	errBatchTooLarge   = statusErr{http.StatusRequestEntityTooLarge, "BATCH_TOO_LARGE", "batch exceeds size limit"}
	errNotFound        = statusErr{http.StatusNotFound, "NOT_FOUND", "not found"}
	errRateLimited     = statusErr{http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "rate limit exceeded"}
	errUpgradeRequired = statusErr{http.StatusUpgradeRequired, "INVALID_REQUEST", "websocket upgrade required"}
	errProvider        = statusErr{http.StatusBadGateway, "PROVIDER_ERROR", "upstream provider error"}
	errProviderTimeout = statusErr{http.StatusGatewayTimeout, "PROVIDER_TIMEOUT", "upstream provider timed out"}
	errAuth            = statusErr{http.StatusUnauthorized, "AUTH_ERROR", "missing or invalid token"}
	errInternal        = statusErr{http.StatusInternalServerError, "INTERNAL_ERROR", "internal error"}
)

// errStatus extracts the statusErr from an error chain, defaulting to an
// internal error so callers never leak raw messages for untagged failures.
func errStatus(err error) statusErr {
	var s statusErr
	if errors.As(err, &s) {
		return s
	}
	return errInternal
}
