package internal

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressMsgRoundTrip(t *testing.T) {
	t.Parallel()

	msg := newProgressMsg(msgJobProgress, "job-1", PipelineCSVImport, progressPayload{
		Processed: 3,
		Total:     10,
		Progress:  0.3,
		Stage:     "enriching",
	})

	data, warn, err := msg.encode()
	require.NoError(t, err)
	assert.False(t, warn)

	var got struct {
		Type     string          `json:"type"`
		JobID    string          `json:"jobId"`
		Pipeline string          `json:"pipeline"`
		Version  string          `json:"version"`
		Payload  progressPayload `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "job_progress", got.Type)
	assert.Equal(t, "job-1", got.JobID)
	assert.Equal(t, "csv_import", got.Pipeline)
	assert.Equal(t, "1.0.0", got.Version)
	assert.Equal(t, 3, got.Payload.Processed)
	assert.Equal(t, "enriching", got.Payload.Stage)
}

func TestProgressMsgSizeThresholds(t *testing.T) {
	t.Parallel()

	big := newProgressMsg(msgJobComplete, "job-1", PipelineAIScan, map[string]string{
		"blob": strings.Repeat("x", _msgWarnBytes+1),
	})
	_, warn, err := big.encode()
	require.NoError(t, err)
	assert.True(t, warn, "frames over 1MiB should flag a warning")

	huge := newProgressMsg(msgJobComplete, "job-1", PipelineAIScan, map[string]string{
		"blob": strings.Repeat("x", _msgMaxBytes+1),
	})
	_, _, err = huge.encode()
	assert.ErrorIs(t, err, errMsgTooLarge)
}

func TestParseClientMsg(t *testing.T) {
	t.Parallel()

	m, err := parseClientMsg([]byte(`{"type":"cancel","jobId":"j1"}`))
	require.NoError(t, err)
	assert.Equal(t, msgCancel, m.Type)
	assert.Equal(t, "j1", m.JobID)

	_, err = parseClientMsg([]byte(`{"jobId":"j1"}`))
	assert.Error(t, err, "missing type is a protocol error")

	_, err = parseClientMsg([]byte(`not json`))
	assert.Error(t, err)
}

func TestPipelineValidity(t *testing.T) {
	t.Parallel()

	assert.True(t, PipelineAIScan.valid())
	assert.True(t, PipelineCSVImport.valid())
	assert.True(t, PipelineBatchEnrichment.valid())
	assert.False(t, Pipeline("cover_harvest").valid())
	assert.False(t, Pipeline("").valid())
}
