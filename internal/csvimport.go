package internal

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bytedance/sonic"
)

const (
	_maxCSVBytes = 10 << 20
	_maxCSVRows  = 10_000
)

// CSVResult is the full import output, stored under csv-results:<jobId> for
// out-of-band retrieval.
type CSVResult struct {
	JobID       string             `json:"jobId"`
	Model       string             `json:"model"`
	Records     []EnrichmentRecord `json:"records"`
	Authors     []Author           `json:"authors,omitempty"`
	Total       int                `json:"total"`
	Succeeded   int                `json:"succeeded"`
	Failed      int                `json:"failed"`
	SuccessRate string             `json:"successRate"`
	Duration    int64              `json:"duration"`
	Partial     bool               `json:"partial,omitempty"`
}

// CSVImporter drives the model-assisted import pipeline: a vision model maps
// arbitrary export formats onto identifiers, which then ride the same
// enrichment path as everything else.
type CSVImporter struct {
	vision *VisionRegistry
	enrich *enricher
	cache  *TieredCache
}

func NewCSVImporter(vision *VisionRegistry, enrich *enricher, cache *TieredCache) *CSVImporter {
	return &CSVImporter{vision: vision, enrich: enrich, cache: cache}
}

// ValidateCSV enforces the upload contract before any model spend: the file
// must be non-empty, fit the byte and row caps, and every record must carry
// the same number of columns as the first.
func ValidateCSV(data []byte) (int, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return 0, errBadRequest.withMessage("empty CSV upload")
	}
	if len(data) > _maxCSVBytes {
		return 0, errFileTooLarge.withMessage("CSV exceeds %dMB limit", _maxCSVBytes>>20)
	}

	rdr := csv.NewReader(bytes.NewReader(data))
	rdr.ReuseRecord = true

	rows := 0
	for {
		_, err := rdr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				return 0, errBadRequest.withMessage("malformed CSV at line %d: %v", perr.Line, perr.Err)
			}
			return 0, errBadRequest.withMessage("malformed CSV: %v", err)
		}
		rows++
		if rows > _maxCSVRows {
			return 0, errFileTooLarge.withMessage("CSV exceeds %d rows", _maxCSVRows)
		}
	}
	if rows == 0 {
		return 0, errBadRequest.withMessage("CSV has no rows")
	}
	return rows, nil
}

// parseRows asks the model to map the CSV onto identifiers. Parses are
// cached by content hash, model, and parser version; bumping the prompt
// version orphans every stale parse at once.
func (c *CSVImporter) parseRows(ctx context.Context, model visionModel, data []byte) ([]BookIdentifier, bool, error) {
	sum := sha256.Sum256(data)
	key := CacheKey(nsCSVParse, map[string]string{
		"hash":   hex.EncodeToString(sum[:]),
		"model":  model.Name(),
		"parser": _csvParserVersion,
	})

	if raw, _, _, ok := c.cache.Get(ctx, key); ok && !isMissing(raw) {
		var ids []BookIdentifier
		if err := sonic.Unmarshal(raw, &ids); err == nil {
			return ids, true, nil
		}
	}

	text, err := model.Generate(ctx, versionedPrompt(_csvPrompt, _csvParserVersion)+string(data), nil, "")
	if err != nil {
		return nil, false, err
	}
	ids, err := parseIdentifiers(text)
	if err != nil {
		return nil, false, err
	}

	if raw, err := sonic.Marshal(ids); err == nil {
		c.cache.Put(ctx, key, raw, ttlFor(nsCSVParse, 1))
	}
	return ids, false, nil
}

// Run executes the import under its job actor. Every row broadcasts
// progress; persistence rides the csv_import throttle. Cancellation between
// rows yields a partial result with an honest success rate.
func (c *CSVImporter) Run(ctx context.Context, job *jobActor, modelName string, data []byte) {
	start := time.Now()
	model, err := c.vision.Pick(modelName)
	if err != nil {
		job.Fail(err)
		return
	}

	job.WaitReady(_readyTimeout)

	ids, cachedParse, err := c.parseRows(ctx, model, data)
	if err != nil {
		job.Fail(err)
		return
	}
	if len(ids) == 0 {
		job.Fail(errBadRequest.withMessage("no importable rows found"))
		return
	}
	Log(ctx).Info("csv parsed", "job", job.id, "rows", len(ids), "cached_parse", cachedParse)

	job.Started(len(ids))

	res := c.enrich.enrichMany(ctx, ids, func(done int, rec EnrichmentRecord) {
		job.Progress(progressPayload{
			Processed:   done,
			Total:       len(ids),
			CurrentItem: coalesce(rec.Identifier.Title, rec.Identifier.ISBN),
		})
	})

	partial := job.Canceled()
	result := CSVResult{
		JobID:       job.id,
		Model:       model.Name(),
		Records:     res.Records,
		Authors:     res.Authors,
		Total:       res.Total,
		Succeeded:   res.Succeeded,
		Failed:      res.Failed,
		SuccessRate: fmt.Sprintf("%d/%d", res.Succeeded, res.Total),
		Duration:    time.Since(start).Milliseconds(),
		Partial:     partial,
	}

	resourceID := storeResult(c.cache, nsCSVResults, job.id, result, model.Name(), start)
	job.Complete(JobSummary{
		TotalProcessed: res.Total,
		SuccessCount:   res.Succeeded,
		FailureCount:   res.Failed,
		Duration:       result.Duration,
		ResourceID:     resourceID,
		Partial:        partial,
	})
}

// storeResult envelopes and persists a pipeline's full output under
// <namespace>:<jobId>, returning the resource key or "" when the write was
// impossible.
func storeResult(cache *TieredCache, namespace, jobID string, result any, provider string, start time.Time) string {
	key := namespace + ":" + jobID
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	env := newEnvelope(result, provider, start)
	data, err := sonic.Marshal(env)
	if err != nil {
		Log(ctx).Error("marshaling job result", "key", key, "err", err)
		return ""
	}
	cache.PutDurable(ctx, key, data, namespaceTTL(namespace))
	return key
}
