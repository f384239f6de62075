package internal

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"strings"
	"time"

	_ "image/gif"
	_ "image/png"

	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"
)

const (
	// Upload caps. Batch images get more headroom because clients already
	// split the work.
	_maxScanImage  = 5 << 20
	_maxBatchImage = 10 << 20
	_maxBatchCount = 5

	// Detections at or above this confidence are auto-approved; everything
	// else is flagged for manual review.
	_approveConfidence = 0.6

	// Resize once the token estimate crosses this share of the model's
	// input budget.
	_resizeThreshold = 0.8
)

// estimateTokens approximates the vision-token cost of an image from its
// byte size: roughly a thousand tokens per 3KB.
func estimateTokens(size int) int {
	return int(float64(size) / 1024 / 3 * 1000)
}

func reviewFor(confidence float64) ReviewStatus {
	if confidence >= _approveConfidence {
		return ReviewApproved
	}
	return ReviewNeedsReview
}

// ScanBook pairs one detection with its enrichment outcome.
type ScanBook struct {
	Detection    Detection    `json:"detection"`
	Book         *Book        `json:"book,omitempty"`
	Error        *wireError   `json:"error,omitempty"`
	ReviewStatus ReviewStatus `json:"reviewStatus"`
	ImageIndex   int          `json:"imageIndex,omitempty"`
}

// ScanResult is the full scan output, stored under scan-results:<jobId> for
// out-of-band retrieval. Only the counts travel over the socket.
type ScanResult struct {
	JobID         string     `json:"jobId"`
	Model         string     `json:"model"`
	Books         []ScanBook `json:"books"`
	TotalDetected int        `json:"totalDetected"`
	Approved      int        `json:"approved"`
	NeedsReview   int        `json:"needsReview"`
	TotalPhotos   int        `json:"totalPhotos,omitempty"`
	Duration      int64      `json:"duration"`
	Partial       bool       `json:"partial,omitempty"`
}

// BatchImage is one member of a multi-photo scan request. Data arrives
// base64-encoded in the JSON body and is decoded by the handler.
type BatchImage struct {
	Index int    `json:"index"`
	Mime  string `json:"mime,omitempty"`
	Data  []byte `json:"data"`
}

// Scanner turns shelf photos into enriched, review-tagged book records.
type Scanner struct {
	vision *VisionRegistry
	enrich *enricher
	cache  *TieredCache
	blobs  blobStore
}

func NewScanner(vision *VisionRegistry, enrich *enricher, cache *TieredCache, blobs blobStore) *Scanner {
	return &Scanner{vision: vision, enrich: enrich, cache: cache, blobs: blobs}
}

// ValidateImage enforces the upload contract shared by both scan entry
// points: it must be an image and it must fit.
func ValidateImage(data []byte, mime string, limit int) error {
	if len(data) == 0 {
		return errBadRequest.withMessage("empty image upload")
	}
	if !strings.HasPrefix(mime, "image/") {
		return errBadRequest.withMessage("unsupported content type %q", mime)
	}
	if len(data) > limit {
		return errFileTooLarge.withMessage("image exceeds %dMB limit", limit>>20)
	}
	return nil
}

// maybeResize downscales and re-encodes an image whose estimated token cost
// crosses the model's budget threshold. Undecodable images pass through
// untouched; the model gets to reject them itself.
func maybeResize(ctx context.Context, data []byte, mime string, limits visionLimits) ([]byte, string) {
	if estimateTokens(len(data)) <= int(_resizeThreshold*float64(limits.ContextTokens)) {
		return data, mime
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		Log(ctx).Warn("cannot decode oversized image, sending as-is", "bytes", len(data), "err", err)
		return data, mime
	}

	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	long := max(w, h)
	if long > limits.MaxImageSide {
		scale := float64(limits.MaxImageSide) / float64(long)
		w = int(float64(w) * scale)
		h = int(float64(h) * scale)
	}

	dst := image.NewRGBA(image.Rect(0, 0, max(w, 1), max(h, 1)))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: limits.JPEGQuality}); err != nil {
		Log(ctx).Warn("cannot re-encode image, sending as-is", "err", err)
		return data, mime
	}
	Log(ctx).Debug("resized scan image", "from", len(data), "to", buf.Len())
	return buf.Bytes(), "image/jpeg"
}

// dedupeDetections collapses duplicate sightings of the same book, keyed by
// ISBN when present and normalized title::author otherwise, keeping the most
// confident sighting.
func dedupeDetections(dets []Detection) []Detection {
	index := map[string]int{}
	var out []Detection
	for _, d := range dets {
		key := d.ISBN
		if key == "" {
			key = NormalizeTitle(d.Title) + "::" + NormalizeAuthor(d.Author)
		}
		if i, ok := index[key]; ok {
			if d.Confidence > out[i].Confidence {
				out[i] = d
			}
			continue
		}
		index[key] = len(out)
		out = append(out, d)
	}
	return out
}

// detect runs one image through the model and normalizes what comes back.
func (s *Scanner) detect(ctx context.Context, model visionModel, data []byte, mime string) ([]Detection, error) {
	data, mime = maybeResize(ctx, data, mime, model.Limits())
	text, err := model.Generate(ctx, versionedPrompt(_scanPrompt, _scanParserVersion), data, mime)
	if err != nil {
		return nil, err
	}
	dets, err := parseDetections(text)
	if err != nil {
		return nil, err
	}
	return dedupeDetections(dets), nil
}

// versionedPrompt tags the prompt so model-side caching can't serve output
// from an older parser revision.
func versionedPrompt(prompt, version string) string {
	return prompt + "\n\n[parser " + version + "]"
}

// enrichDetections fans detections through the metadata pipeline with the
// shared concurrency cap and maps outcomes back onto their detections.
// Cancellation leaves later detections out of the returned slice entirely.
func (s *Scanner) enrichDetections(ctx context.Context, dets []Detection, imageIndex int, onItem func(done int, rec EnrichmentRecord)) []ScanBook {
	ids := make([]BookIdentifier, len(dets))
	byID := map[BookIdentifier]int{}
	for i, d := range dets {
		ids[i] = BookIdentifier{ISBN: d.ISBN, Title: d.Title, Author: d.Author}
		byID[ids[i]] = i
	}

	res := s.enrich.enrichMany(ctx, ids, onItem)

	books := make([]ScanBook, 0, len(res.Records))
	for _, rec := range res.Records {
		i, ok := byID[rec.Identifier]
		if !ok {
			continue
		}
		d := dets[i]
		sb := ScanBook{
			Detection:    d,
			ReviewStatus: reviewFor(d.Confidence),
			ImageIndex:   imageIndex,
		}
		if rec.Book != nil {
			book := *rec.Book
			book.Work.ReviewStatus = sb.ReviewStatus
			book.Work.BoundingBox = d.BoundingBox
			sb.Book = &book
		} else {
			sb.Error = rec.Error
		}
		books = append(books, sb)
	}
	return books
}

// Run executes a single-image scan under its job actor: wait for the client,
// detect, enrich, store, summarize. Cancellation between stages or between
// enrichment units yields a partial result rather than silence.
func (s *Scanner) Run(ctx context.Context, job *jobActor, modelName string, data []byte, mime string) {
	start := time.Now()
	model, err := s.vision.Pick(modelName)
	if err != nil {
		job.Fail(err)
		return
	}

	job.WaitReady(_readyTimeout)
	job.Started(1)
	job.Progress(progressPayload{Total: 1, Stage: "detecting"})

	dets, err := s.detect(ctx, model, data, mime)
	if err != nil && !job.Canceled() {
		job.Fail(err)
		return
	}

	var books []ScanBook
	if !job.Canceled() {
		books = s.enrichDetections(ctx, dets, 0, func(done int, rec EnrichmentRecord) {
			job.Progress(progressPayload{
				Processed:   done,
				Total:       len(dets),
				Stage:       "enriching",
				CurrentItem: coalesce(rec.Identifier.Title, rec.Identifier.ISBN),
			})
		})
	}
	s.finish(job, model.Name(), 1, books, start)
}

// RunBatch executes a multi-photo scan: validate everything up front, park
// the originals in blob storage concurrently, then work through the photos
// one at a time so progress attribution per image stays truthful.
func (s *Scanner) RunBatch(ctx context.Context, job *jobActor, modelName string, images []BatchImage) {
	start := time.Now()
	model, err := s.vision.Pick(modelName)
	if err != nil {
		job.Fail(err)
		return
	}

	job.WaitReady(_readyTimeout)
	job.Started(len(images))

	s.stashOriginals(ctx, job.id, images)

	var books []ScanBook
	partial := false
	for i, img := range images {
		if job.Canceled() || ctx.Err() != nil {
			partial = true
			break
		}
		job.Progress(progressPayload{
			Processed:  i,
			Total:      len(images),
			Stage:      "detecting",
			ImageIndex: img.Index,
		})
		dets, err := s.detect(ctx, model, img.Data, coalesce(img.Mime, "image/jpeg"))
		if err != nil {
			if job.Canceled() {
				partial = true
				break
			}
			// One bad photo shouldn't sink the other four.
			Log(ctx).Warn("batch image failed", "job", job.id, "image", img.Index, "err", err)
			continue
		}
		books = append(books, s.enrichDetections(ctx, dets, img.Index, func(_ int, rec EnrichmentRecord) {
			job.Progress(progressPayload{
				Processed:   i,
				Total:       len(images),
				Stage:       "enriching",
				CurrentItem: coalesce(rec.Identifier.Title, rec.Identifier.ISBN),
				ImageIndex:  img.Index,
			})
		})...)
	}
	if job.Canceled() {
		partial = true
	}

	s.finishBatch(job, model.Name(), len(images), books, partial, start)
}

// stashOriginals uploads batch photos to blob storage in parallel. Failures
// are logged and skipped; the scan itself doesn't depend on the copies.
func (s *Scanner) stashOriginals(ctx context.Context, jobID string, images []BatchImage) {
	if s.blobs == nil {
		return
	}
	var g errgroup.Group
	g.SetLimit(_maxBatchCount)
	for _, img := range images {
		g.Go(func() error {
			key := fmt.Sprintf("scans/%s/%d.jpg", jobID, img.Index)
			if err := s.blobs.Put(ctx, key, img.Data); err != nil {
				Log(ctx).Warn("stashing scan image", "key", key, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scanner) finish(job *jobActor, model string, photos int, books []ScanBook, start time.Time) {
	s.finishBatch(job, model, photos, books, job.Canceled(), start)
}

// finishBatch stores the full result and completes the job with counts only.
func (s *Scanner) finishBatch(job *jobActor, model string, photos int, books []ScanBook, partial bool, start time.Time) {
	result := ScanResult{
		JobID:       job.id,
		Model:       model,
		Books:       books,
		TotalPhotos: photos,
		Duration:    time.Since(start).Milliseconds(),
		Partial:     partial,
	}
	succeeded := 0
	for _, b := range books {
		result.TotalDetected++
		switch b.ReviewStatus {
		case ReviewApproved:
			result.Approved++
		default:
			result.NeedsReview++
		}
		if b.Book != nil {
			succeeded++
		}
	}

	resourceID := storeResult(s.cache, nsScanResults, job.id, result, model, start)
	job.Complete(ScanSummary{
		JobSummary: JobSummary{
			TotalProcessed: result.TotalDetected,
			SuccessCount:   succeeded,
			FailureCount:   result.TotalDetected - succeeded,
			Duration:       result.Duration,
			ResourceID:     resourceID,
			Partial:        partial,
		},
		TotalDetected: result.TotalDetected,
		Approved:      result.Approved,
		NeedsReview:   result.NeedsReview,
		TotalPhotos:   photos,
	})
}
