package internal

import (
	"context"
	"fmt"
	"time"
)

// _maxBatchBooks bounds a direct enrichment request. Anything bigger should
// arrive as a CSV import.
const _maxBatchBooks = 500

// Batcher runs direct batch enrichments under job actors. It is the
// thinnest of the three pipelines: identifiers arrive pre-parsed, so all
// that's left is the fan-out, storage, and a summary.
type Batcher struct {
	enrich *enricher
	cache  *TieredCache
}

func NewBatcher(enrich *enricher, cache *TieredCache) *Batcher {
	return &Batcher{enrich: enrich, cache: cache}
}

// ValidateBatch rejects an enrichment request before any job is created.
func ValidateBatch(ids []BookIdentifier) error {
	if len(ids) == 0 {
		return errBadRequest.withMessage("no books to enrich")
	}
	if len(ids) > _maxBatchBooks {
		return errBatchTooLarge.withMessage("batch exceeds %d books", _maxBatchBooks)
	}
	for i, id := range ids {
		if err := id.validate(); err != nil {
			return fmt.Errorf("book %d: %w", i, err)
		}
	}
	return nil
}

// Run enriches the batch under its job actor. Item failures become error
// records; only cancellation cuts the batch short, and then the summary
// counts exactly the items that ran.
func (b *Batcher) Run(ctx context.Context, job *jobActor, ids []BookIdentifier) {
	start := time.Now()

	job.WaitReady(_readyTimeout)
	job.Started(len(ids))

	res := b.enrich.enrichMany(ctx, ids, func(done int, rec EnrichmentRecord) {
		job.Progress(progressPayload{
			Processed:   done,
			Total:       len(ids),
			CurrentItem: coalesce(rec.Identifier.Title, rec.Identifier.ISBN),
		})
	})

	partial := job.Canceled()
	result := CSVResult{
		JobID:       job.id,
		Records:     res.Records,
		Authors:     res.Authors,
		Total:       res.Total,
		Succeeded:   res.Succeeded,
		Failed:      res.Failed,
		SuccessRate: fmt.Sprintf("%d/%d", res.Succeeded, res.Total),
		Duration:    time.Since(start).Milliseconds(),
		Partial:     partial,
	}

	resourceID := storeResult(b.cache, nsEnrichResults, job.id, result, "", start)
	job.Complete(JobSummary{
		TotalProcessed: res.Total,
		SuccessCount:   res.Succeeded,
		FailureCount:   res.Failed,
		Duration:       result.Duration,
		ResourceID:     resourceID,
		Partial:        partial,
	})
}
