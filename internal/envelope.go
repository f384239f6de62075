package internal

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/bytedance/sonic"
)

// Envelope wraps every HTTP response body. Data and Error are mutually
// exclusive; Metadata is always present.
type Envelope struct {
	Data     any        `json:"data"`
	Metadata Metadata   `json:"metadata"`
	Error    *wireError `json:"error,omitempty"`
}

// Metadata describes how a response was produced. CacheAge is seconds since
// the envelope was first written and is only set for cache hits.
type Metadata struct {
	Timestamp      time.Time   `json:"timestamp"`
	ProcessingTime int64       `json:"processingTime"`
	Provider       string      `json:"provider,omitempty"`
	Cached         bool        `json:"cached"`
	CacheSource    CacheSource `json:"cacheSource,omitempty"`
	CacheAge       *int64      `json:"cacheAge,omitempty"`
}

type wireError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

// newEnvelope wraps fresh origin data. The timestamp records when the data
// was assembled so later cache hits can report their age.
func newEnvelope(data any, provider string, start time.Time) Envelope {
	return Envelope{
		Data: data,
		Metadata: Metadata{
			Timestamp:      time.Now().UTC(),
			ProcessingTime: time.Since(start).Milliseconds(),
			Provider:       provider,
			Cached:         false,
		},
	}
}

// errorEnvelope wraps an error into the standard envelope shape along with
// the HTTP status to serve it under. Tagged errors serve their full message,
// including any context wrapped around them ("image 2: ..."); untagged
// failures serve only the generic internal message.
func errorEnvelope(err error, start time.Time) (int, Envelope) {
	serr := errStatus(err)
	msg := serr.Error()
	var tagged statusErr
	if errors.As(err, &tagged) {
		msg = err.Error()
	}
	return serr.Status(), Envelope{
		Data: nil,
		Metadata: Metadata{
			Timestamp:      time.Now().UTC(),
			ProcessingTime: time.Since(start).Milliseconds(),
		},
		Error: &wireError{
			Message: msg,
			Code:    serr.Code(),
		},
	}
}

// storedEnvelope mirrors Envelope but leaves the payload opaque so a cache
// hit doesn't round-trip the data through our structs.
type storedEnvelope struct {
	Data     json.RawMessage `json:"data"`
	Metadata Metadata        `json:"metadata"`
	Error    *wireError      `json:"error,omitempty"`
}

// reheat patches a cached envelope's metadata in place: marks it cached, tags
// the tier that served it, and stamps the age and this request's processing
// time. The original timestamp is preserved so age stays meaningful.
func reheat(raw []byte, src CacheSource, start time.Time) ([]byte, error) {
	var env storedEnvelope
	if err := sonic.ConfigStd.Unmarshal(raw, &env); err != nil {
		return nil, err
	}

	age := int64(time.Since(env.Metadata.Timestamp).Seconds())
	if age < 0 {
		age = 0
	}

	env.Metadata.Cached = true
	env.Metadata.CacheSource = src
	env.Metadata.CacheAge = &age
	env.Metadata.ProcessingTime = time.Since(start).Milliseconds()

	return sonic.ConfigStd.Marshal(env)
}
