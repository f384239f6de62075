package internal

import (
	"context"
	"io"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5/middleware"
)

// Log returns the logger attached to the context, annotated with the request
// ID when one is present. Use log.WithContext to attach request-scoped
// fields upstream.
func Log(ctx context.Context) *log.Logger {
	logger := log.FromContext(ctx)
	if reqID := middleware.GetReqID(ctx); reqID != "" {
		logger = logger.With("requestID", reqID)
	}
	return logger
}

// NewLogger constructs the process-wide logger. Styled output is for
// humans; logfmt is for collectors.
func NewLogger(w io.Writer, level log.Level, styled bool) *log.Logger {
	formatter := log.LogfmtFormatter
	if styled {
		formatter = log.TextFormatter
	}
	return log.NewWithOptions(w, log.Options{
		Level:           level,
		Formatter:       formatter,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})
}
