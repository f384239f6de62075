package internal

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/ohler55/ojg/sen"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// Parser prompts are versioned and the version participates in cache keys,
// so a prompt change invalidates stale parses instead of serving them
// forever.
const (
	_csvParserVersion  = "v3"
	_scanParserVersion = "v2"
)

const _csvPrompt = `You are a librarian converting a CSV export of a personal book collection.
Identify which columns hold the title, the author and the ISBN, then return
every data row as a JSON array of objects with keys "title", "author" and
"isbn". Omit keys you cannot determine. Skip header rows, blank rows and
rows that clearly are not books. Return only JSON, no commentary.

CSV content:
`

const _scanPrompt = `You are looking at a photo of a bookshelf. Identify every book spine or
cover you can read. Return a JSON array of objects with keys "title",
"author", "isbn" (only when printed and legible), "confidence" (0.0-1.0,
how certain you are of the identification) and "boundingBox" ({"x", "y",
"width", "height"}, all normalized to [0,1]). Include partially occluded
books with lower confidence. Return only JSON, no commentary.`

// Detection is one book identified in a shelf photo.
type Detection struct {
	Title       string       `json:"title,omitempty"`
	Author      string       `json:"author,omitempty"`
	ISBN        string       `json:"isbn,omitempty"`
	Confidence  float64      `json:"confidence"`
	BoundingBox *BoundingBox `json:"boundingBox,omitempty"`
}

// visionLimits drive the resize heuristic: images estimated over 80% of the
// model's input budget are downscaled before upload.
type visionLimits struct {
	ContextTokens int
	MaxImageSide  int
	JPEGQuality   int
}

// visionModel produces raw text from a multimodal prompt. Implementations
// return the model's verbatim output; tolerant JSON extraction lives in one
// place so provider quirks are handled uniformly.
type visionModel interface {
	Name() string
	Generate(ctx context.Context, prompt string, image []byte, mime string) (string, error)
	Limits() visionLimits
}

// VisionRegistry resolves the X-AI-Provider header to a configured model.
type VisionRegistry struct {
	models      map[string]visionModel
	defaultName string
}

func NewVisionRegistry(models ...visionModel) *VisionRegistry {
	r := &VisionRegistry{models: map[string]visionModel{}}
	for _, m := range models {
		if r.defaultName == "" {
			r.defaultName = m.Name()
		}
		r.models[m.Name()] = m
	}
	return r
}

// Pick returns the named model, or the default when name is empty. An
// unknown name is a client error, not a fallback.
func (r *VisionRegistry) Pick(name string) (visionModel, error) {
	if name == "" {
		name = r.defaultName
	}
	m, ok := r.models[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, errBadRequest.withMessage("unknown AI provider %q", name)
	}
	return m, nil
}

// geminiVision calls the generativelanguage REST API directly. The client
// carries the scoped/throttled/breaker transport chain like any other
// upstream.
type geminiVision struct {
	client *http.Client
	key    Secret
	model  string
}

func NewGeminiVision(client *http.Client, key Secret, model string) *geminiVision {
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &geminiVision{client: client, key: key, model: model}
}

func (g *geminiVision) Name() string { return "gemini" }

func (g *geminiVision) Limits() visionLimits {
	return visionLimits{ContextTokens: 1_048_576, MaxImageSide: 3072, JPEGQuality: 85}
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiRequest struct {
	Contents []struct {
		Parts []geminiPart `json:"parts"`
	} `json:"contents"`
	GenerationConfig struct {
		Temperature      float64 `json:"temperature"`
		ResponseMimeType string  `json:"responseMimeType,omitempty"`
	} `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
}

func (g *geminiVision) Generate(ctx context.Context, prompt string, image []byte, mime string) (string, error) {
	parts := []geminiPart{{Text: prompt}}
	if len(image) > 0 {
		parts = append(parts, geminiPart{InlineData: &geminiInlineData{
			MimeType: mime,
			Data:     base64.StdEncoding.EncodeToString(image),
		}})
	}

	var req geminiRequest
	req.Contents = make([]struct {
		Parts []geminiPart `json:"parts"`
	}, 1)
	req.Contents[0].Parts = parts
	req.GenerationConfig.Temperature = 0.1
	req.GenerationConfig.ResponseMimeType = "application/json"

	body, err := sonic.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encoding gemini request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, _visionDeadline)
	defer cancel()

	url := fmt.Sprintf("https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent", g.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", g.key.Reveal())

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return "", visionErr("gemini", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", visionStatusErr("gemini", resp.StatusCode)
	}

	var out geminiResponse
	if err := sonic.ConfigDefault.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding gemini response: %w", err)
	}
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return "", errProvider.withMessage("gemini returned no candidates")
	}

	var sb strings.Builder
	for _, p := range out.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String(), nil
}

// openaiVision drives chat-completions with an inline image part.
type openaiVision struct {
	client openai.Client
	model  string
}

func NewOpenAIVision(key Secret, model string, httpClient *http.Client) *openaiVision {
	if model == "" {
		model = "gpt-4o"
	}
	opts := []option.RequestOption{
		option.WithAPIKey(key.Reveal()),
		option.WithMaxRetries(2),
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	return &openaiVision{client: openai.NewClient(opts...), model: model}
}

func (o *openaiVision) Name() string { return "openai" }

func (o *openaiVision) Limits() visionLimits {
	return visionLimits{ContextTokens: 128_000, MaxImageSide: 2048, JPEGQuality: 80}
}

func (o *openaiVision) Generate(ctx context.Context, prompt string, image []byte, mime string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, _visionDeadline)
	defer cancel()

	var message openai.ChatCompletionMessageParamUnion
	if len(image) > 0 {
		dataURL := fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(image))
		message = openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
			openai.TextContentPart(prompt),
			openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: dataURL}),
		})
	} else {
		message = openai.UserMessage(prompt)
	}

	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{message},
	})
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return "", visionStatusErr("openai", apiErr.StatusCode)
		}
		return "", visionErr("openai", err)
	}
	if len(resp.Choices) == 0 {
		return "", errProvider.withMessage("openai returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// _visionDeadline caps one model round trip. Vision calls are slower than
// metadata lookups, so this is looser than the provider deadline.
const _visionDeadline = 60 * time.Second

func visionErr(name string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(errProviderTimeout.withMessage("%s timed out", name), err)
	}
	return errors.Join(errProvider.withMessage("%s request failed", name), err)
}

func visionStatusErr(name string, status int) error {
	switch {
	case status == http.StatusTooManyRequests:
		return errProvider.withMessage("%s is rate limiting us", name)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return errProviderTimeout.withMessage("%s timed out", name)
	default:
		return errProvider.withMessage("%s returned status %d", name, status)
	}
}

// parseModelJSON digs a JSON document out of model output. Models wrap
// payloads in markdown fences or lead-in prose often enough that strict
// parsing is a bug, and sen tolerates unquoted keys and trailing commas on
// top of that.
func parseModelJSON(text string) (any, error) {
	s := strings.TrimSpace(text)
	start := strings.IndexAny(s, "[{")
	end := strings.LastIndexAny(s, "]}")
	if start < 0 || end <= start {
		return nil, errProvider.withMessage("no JSON found in model output")
	}
	v, err := sen.Parse([]byte(s[start : end+1]))
	if err != nil {
		return nil, errors.Join(errProvider.withMessage("model output is not valid JSON"), err)
	}
	return v, nil
}

// modelRows accepts either a bare array or an object wrapping one under a
// well-known key.
func modelRows(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case map[string]any:
		for _, k := range []string{"books", "detections", "items", "rows", "results"} {
			if rows, ok := t[k].([]any); ok {
				return rows
			}
		}
	}
	return nil
}

func asString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			return strings.TrimSpace(v)
		case []any:
			// Some models return authors as a list; take them all.
			var parts []string
			for _, e := range v {
				if s, ok := e.(string); ok && strings.TrimSpace(s) != "" {
					parts = append(parts, strings.TrimSpace(s))
				}
			}
			if len(parts) > 0 {
				return strings.Join(parts, ", ")
			}
		}
	}
	return ""
}

func asFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return v, true
		case int64:
			return float64(v), true
		case int:
			return float64(v), true
		}
	}
	return 0, false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// parseDetections maps shelf-scan model output to detections. Rows lacking
// both a title and an ISBN are dropped; confidences are clamped and boxes
// normalized.
func parseDetections(text string) ([]Detection, error) {
	v, err := parseModelJSON(text)
	if err != nil {
		return nil, err
	}
	rows := modelRows(v)
	if rows == nil {
		return nil, errProvider.withMessage("model output has no detection list")
	}

	var out []Detection
	for _, raw := range rows {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		d := Detection{
			Title:  asString(m, "title"),
			Author: asString(m, "author", "authors"),
		}
		if isbn := CleanISBN(asString(m, "isbn", "isbn13", "isbn10")); ValidISBN(isbn) {
			d.ISBN = isbn
		}
		if d.Title == "" && d.ISBN == "" {
			continue
		}
		conf, ok := asFloat(m, "confidence")
		if !ok {
			conf = 0.5 // unstated confidence is review-worthy, not discardable
		}
		d.Confidence = clamp01(conf)
		if bb, ok := m["boundingBox"].(map[string]any); ok {
			x, _ := asFloat(bb, "x")
			y, _ := asFloat(bb, "y")
			w, _ := asFloat(bb, "width", "w")
			h, _ := asFloat(bb, "height", "h")
			box := BoundingBox{X: x, Y: y, Width: w, Height: h}.clamp()
			d.BoundingBox = &box
		}
		out = append(out, d)
	}
	return out, nil
}

// parseIdentifiers maps CSV-parse model output to lookup identifiers,
// dropping rows with nothing to search on.
func parseIdentifiers(text string) ([]BookIdentifier, error) {
	v, err := parseModelJSON(text)
	if err != nil {
		return nil, err
	}
	rows := modelRows(v)
	if rows == nil {
		return nil, errProvider.withMessage("model output has no row list")
	}

	var out []BookIdentifier
	for _, raw := range rows {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		id := BookIdentifier{
			Title:  asString(m, "title"),
			Author: asString(m, "author", "authors"),
		}
		if isbn := CleanISBN(asString(m, "isbn", "isbn13", "isbn10")); ValidISBN(isbn) {
			id.ISBN = isbn
		}
		if id.Title == "" && id.ISBN == "" {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}
