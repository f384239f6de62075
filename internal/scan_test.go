package internal

import (
	"bytes"
	"image"
	"image/jpeg"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h)), nil))
	return buf.Bytes()
}

func TestValidateImage(t *testing.T) {
	t.Parallel()

	assert.ErrorIs(t, ValidateImage(nil, "image/jpeg", _maxScanImage), errBadRequest)
	assert.ErrorIs(t, ValidateImage([]byte("x"), "text/plain", _maxScanImage), errBadRequest)
	assert.ErrorIs(t, ValidateImage(bytes.Repeat([]byte{1}, 11), "image/png", 10), errFileTooLarge)
	assert.NoError(t, ValidateImage([]byte("jpeg bytes"), "image/jpeg", _maxScanImage))
}

func TestEstimateTokens(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, estimateTokens(0))
	assert.Equal(t, 1000, estimateTokens(3*1024))
	assert.Equal(t, 2000, estimateTokens(6*1024))
}

func TestReviewFor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ReviewApproved, reviewFor(0.6))
	assert.Equal(t, ReviewApproved, reviewFor(1))
	assert.Equal(t, ReviewNeedsReview, reviewFor(0.59))
	assert.Equal(t, ReviewNeedsReview, reviewFor(0))
}

func TestDedupeDetections(t *testing.T) {
	t.Parallel()

	dets := dedupeDetections([]Detection{
		{Title: "Dune", ISBN: "9780306406157", Confidence: 0.5},
		{Title: "Dune", ISBN: "9780306406157", Confidence: 0.9},
		{Title: "DUNE", Author: "Herbert, Frank", Confidence: 0.4},
		{Title: "Dune", Author: "Frank Herbert", Confidence: 0.3},
		{Title: "Hyperion", Author: "Dan Simmons", Confidence: 0.8},
	})

	require.Len(t, dets, 3)
	assert.Equal(t, 0.9, dets[0].Confidence, "repeat ISBN sightings keep the most confident")
	assert.Equal(t, 0.4, dets[1].Confidence, "ISBN-less sightings key on normalized title and author")
	assert.Equal(t, "Hyperion", dets[2].Title)
}

func TestMaybeResize(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	small := []byte("tiny image")
	out, mime := maybeResize(ctx, small, "image/png", visionLimits{ContextTokens: 1_000_000})
	assert.Equal(t, small, out, "images within budget pass through untouched")
	assert.Equal(t, "image/png", mime)

	// A tiny token budget forces the resize path.
	tight := visionLimits{ContextTokens: 100, MaxImageSide: 64, JPEGQuality: 70}
	out, mime = maybeResize(ctx, encodeJPEG(t, 200, 100), "image/jpeg", tight)
	assert.Equal(t, "image/jpeg", mime)
	resized, _, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.LessOrEqual(t, resized.Bounds().Dx(), 64)
	assert.LessOrEqual(t, resized.Bounds().Dy(), 64)

	// Undecodable bytes are the model's problem, not ours.
	junk := bytes.Repeat([]byte{0xde, 0xad}, 2048)
	out, mime = maybeResize(ctx, junk, "image/jpeg", tight)
	assert.Equal(t, junk, out)
	assert.Equal(t, "image/jpeg", mime)
}

func scanFixtures(t *testing.T) (*VisionRegistry, *enricher, *fakeVision) {
	t.Helper()
	model := &fakeVision{name: "gemini", text: `[
		{"title": "Dune", "confidence": 0.9},
		{"title": "Hyperion", "confidence": 0.3}
	]`}
	provider := &fakeProvider{name: ProviderGoogleBooks, byTitle: map[string][]Book{
		"Dune":     {duneFrom(ProviderGoogleBooks)},
		"Hyperion": {{Work: Work{Title: "Hyperion"}, Authors: []Author{{Name: "Dan Simmons"}}}},
	}}
	return NewVisionRegistry(model), newEnricher(nil, provider), model
}

func TestScannerRun(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	cache, _, _ := newTestCache(t)
	registry, enrich, model := scanFixtures(t)
	scanner := NewScanner(registry, enrich, cache, nil)

	jobs := NewJobRegistry(cache, prometheus.NewRegistry())
	actor, tok := readyActor(t, jobs, PipelineAIScan)

	scanner.Run(ctx, actor, "", []byte("shelf photo"), "image/jpeg")

	assert.Eventually(t, func() bool {
		st, err := jobs.State(ctx, actor.id, tok.Value)
		return err == nil && st.Status == StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	assert.Contains(t, model.lastPrompt, _scanParserVersion, "prompts are version-tagged")

	raw, _, _, ok := cache.Get(ctx, nsScanResults+":"+actor.id)
	require.True(t, ok, "the full result is stored for out-of-band retrieval")
	var env struct {
		Data ScanResult `json:"data"`
	}
	require.NoError(t, sonic.ConfigStd.Unmarshal(raw, &env))

	res := env.Data
	assert.Equal(t, 2, res.TotalDetected)
	assert.Equal(t, 1, res.Approved)
	assert.Equal(t, 1, res.NeedsReview)
	assert.Equal(t, res.TotalDetected, res.Approved+res.NeedsReview)
	assert.Equal(t, "gemini", res.Model)
	assert.False(t, res.Partial)
	require.Len(t, res.Books, 2)
	for _, b := range res.Books {
		require.NotNil(t, b.Book)
		assert.Equal(t, b.ReviewStatus, b.Book.Work.ReviewStatus, "review status rides on the work record")
	}
}

func TestScannerRunFailsOnUnknownModel(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	cache, _, _ := newTestCache(t)
	registry, enrich, _ := scanFixtures(t)
	scanner := NewScanner(registry, enrich, cache, nil)

	jobs := NewJobRegistry(cache, prometheus.NewRegistry())
	actor, tok := readyActor(t, jobs, PipelineAIScan)

	scanner.Run(ctx, actor, "claude", []byte("shelf photo"), "image/jpeg")

	assert.Eventually(t, func() bool {
		st, err := jobs.State(ctx, actor.id, tok.Value)
		return err == nil && st.Status == StatusFailed && st.Error != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestScannerRunBatchSkipsBadPhotos(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	cache, _, _ := newTestCache(t)
	blobs, err := NewFSBlob(t.TempDir())
	require.NoError(t, err)

	model := &fakeVision{name: "gemini", texts: []string{
		`[{"title": "Dune", "confidence": 0.9}]`,
		`sorry, I see no books here`,
	}}
	provider := &fakeProvider{name: ProviderGoogleBooks, byTitle: map[string][]Book{
		"Dune": {duneFrom(ProviderGoogleBooks)},
	}}
	scanner := NewScanner(NewVisionRegistry(model), newEnricher(nil, provider), cache, blobs)

	jobs := NewJobRegistry(cache, prometheus.NewRegistry())
	actor, tok := readyActor(t, jobs, PipelineAIScan)

	scanner.RunBatch(ctx, actor, "", []BatchImage{
		{Index: 0, Mime: "image/jpeg", Data: []byte("first photo")},
		{Index: 1, Mime: "image/jpeg", Data: []byte("second photo")},
	})

	assert.Eventually(t, func() bool {
		st, err := jobs.State(ctx, actor.id, tok.Value)
		return err == nil && st.Status == StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	raw, _, _, ok := cache.Get(ctx, nsScanResults+":"+actor.id)
	require.True(t, ok)
	var env struct {
		Data ScanResult `json:"data"`
	}
	require.NoError(t, sonic.ConfigStd.Unmarshal(raw, &env))

	res := env.Data
	assert.Equal(t, 2, res.TotalPhotos)
	assert.Equal(t, 1, res.TotalDetected, "one bad photo doesn't sink the batch")
	assert.False(t, res.Partial, "a failed photo is not a cancellation")
	require.Len(t, res.Books, 1)
	assert.Equal(t, 0, res.Books[0].ImageIndex)

	// Originals are parked in blob storage for later review.
	for _, key := range []string{"scans/" + actor.id + "/0.jpg", "scans/" + actor.id + "/1.jpg"} {
		_, err := blobs.Get(ctx, key)
		assert.NoError(t, err, "expected stored original at %s", key)
	}
}
