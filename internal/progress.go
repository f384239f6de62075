package internal

import (
	"fmt"
	"time"

	"github.com/bytedance/sonic"
)

// _protocolVersion identifies the progress message schema. Bump this when
// payload shapes change so clients can negotiate.
const _protocolVersion = "1.0.0"

// Outbound message size thresholds. Anything over _msgWarnBytes is logged;
// anything over _msgMaxBytes aborts the connection with a 1009 close.
const (
	_msgWarnBytes = 1 << 20  // 1MiB
	_msgMaxBytes  = 32 << 20 // 32MiB
)

// Pipeline identifies which long-running flow a job belongs to.
type Pipeline string

const (
	PipelineBatchEnrichment Pipeline = "batch_enrichment"
	PipelineCSVImport       Pipeline = "csv_import"
	PipelineAIScan          Pipeline = "ai_scan"
)

func (p Pipeline) valid() bool {
	switch p {
	case PipelineBatchEnrichment, PipelineCSVImport, PipelineAIScan:
		return true
	}
	return false
}

// msgType enumerates every message the server sends over a progress socket,
// plus the subset clients are allowed to send back.
type msgType string

const (
	msgJobStarted  msgType = "job_started"
	msgJobProgress msgType = "job_progress"
	msgJobComplete msgType = "job_complete"
	msgError       msgType = "error"
	msgPing        msgType = "ping"
	msgPong        msgType = "pong"
	msgReconnected msgType = "reconnected"

	// Client-only control messages.
	msgReady  msgType = "ready"
	msgCancel msgType = "cancel"
)

// progressMsg is the envelope shared by every pipeline. Payload shapes vary
// by type but the outer fields never do.
type progressMsg struct {
	Type      msgType   `json:"type"`
	JobID     string    `json:"jobId"`
	Pipeline  Pipeline  `json:"pipeline"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
	Payload   any       `json:"payload,omitempty"`
}

func newProgressMsg(typ msgType, jobID string, pipeline Pipeline, payload any) progressMsg {
	return progressMsg{
		Type:      typ,
		JobID:     jobID,
		Pipeline:  pipeline,
		Timestamp: time.Now().UTC(),
		Version:   _protocolVersion,
		Payload:   payload,
	}
}

// encode serializes the message and enforces the outbound size cap. The
// returned bool reports whether the payload crossed the warning threshold.
func (m progressMsg) encode() ([]byte, bool, error) {
	data, err := sonic.Marshal(m)
	if err != nil {
		return nil, false, fmt.Errorf("encoding %s message: %w", m.Type, err)
	}
	if len(data) > _msgMaxBytes {
		return nil, true, errMsgTooLarge
	}
	return data, len(data) > _msgWarnBytes, nil
}

// errMsgTooLarge signals that an outbound frame exceeded _msgMaxBytes and the
// socket must be closed with 1009.
var errMsgTooLarge = fmt.Errorf("message exceeds %d bytes", _msgMaxBytes)

// clientMsg is what we accept from the other side of a progress socket.
// Anything that doesn't parse, or parses without a type, is a protocol error.
type clientMsg struct {
	Type  msgType `json:"type"`
	JobID string  `json:"jobId,omitempty"`
}

func parseClientMsg(data []byte) (clientMsg, error) {
	var m clientMsg
	if err := sonic.Unmarshal(data, &m); err != nil {
		return clientMsg{}, fmt.Errorf("malformed message: %w", err)
	}
	if m.Type == "" {
		return clientMsg{}, fmt.Errorf("message missing type")
	}
	return m, nil
}

// startedPayload announces totals before the first unit of work.
type startedPayload struct {
	TotalCount int `json:"totalCount"`
}

// progressPayload carries incremental counts. Extra is folded into the
// payload for pipeline-specific fields (stage, imageIndex, currentItem).
type progressPayload struct {
	Processed int     `json:"processed"`
	Total     int     `json:"total"`
	Progress  float64 `json:"progress"`

	Stage       string `json:"stage,omitempty"`
	CurrentItem string `json:"currentItem,omitempty"`
	ImageIndex  int    `json:"imageIndex,omitempty"`
}

// JobSummary is the only thing a completion message carries. Full results
// stay in the cache under ResourceID; inlining them here is how sockets blow
// past frame limits.
type JobSummary struct {
	TotalProcessed int    `json:"totalProcessed"`
	SuccessCount   int    `json:"successCount"`
	FailureCount   int    `json:"failureCount"`
	Duration       int64  `json:"duration"` // milliseconds
	ResourceID     string `json:"resourceId,omitempty"`
	Partial        bool   `json:"partial,omitempty"`
}

// ScanSummary extends the base summary with shelf-scan counts. The invariant
// Approved + NeedsReview == TotalDetected holds for every scan.
type ScanSummary struct {
	JobSummary

	TotalDetected int `json:"totalDetected"`
	Approved      int `json:"approved"`
	NeedsReview   int `json:"needsReview"`
	TotalPhotos   int `json:"totalPhotos,omitempty"`
}

// errorPayload mirrors the HTTP error envelope so clients share handling.
type errorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}
