// Package generate runs one-shot Gemini requests: text answers, image
// generation and editing, image-to-video generation, and audio
// transcription.
//
// Every call is a single request/response with no retry. Video generation is
// a long-running operation that is polled until it completes. Failures are
// classified with [apierror.Remote] so callers can branch on the same kinds
// the live session reports.
package generate

import (
	"cmp"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/genai"

	"github.com/MrWong99/lumina/internal/gallery"
	"github.com/MrWong99/lumina/internal/observe"
	"github.com/MrWong99/lumina/pkg/apierror"
)

// AppInstruction is the system instruction for text answers. It steers the
// model towards self-contained HTML when asked to build a UI.
const AppInstruction = `You are a helpful AI assistant.
If the user asks to create a web app, website, dashboard, game, or UI component:
1. Generate the complete, single-file HTML code.
2. Include all necessary CSS in a <style> tag.
3. Include all necessary JavaScript in a <script> tag.
4. Wrap the entire HTML code in a markdown code block labeled "html" (e.g., ` + "```html ... ```" + `).
5. Ensure the code is self-contained and ready to run in a browser iframe.
6. Use Tailwind CSS via CDN if styling is needed: <script src="https://cdn.tailwindcss.com"></script>.
`

// transcribePrompt accompanies the audio in a transcription request.
const transcribePrompt = "Transcribe this audio."

// Errors returned when a response carries no generated media.
var (
	ErrNoImage       = errors.New("No image generated")
	ErrNoEditedImage = errors.New("No edited image generated")
	ErrNoVideo       = errors.New("No video URI returned")
	ErrVideoDownload = errors.New("Failed to download video")
)

// Video defaults.
const (
	DefaultAspectRatio  = "16:9"
	DefaultPollInterval = 5 * time.Second

	videoResolution = "720p"
	videoMIMEType   = "video/mp4"
)

// ValidAspectRatio reports whether r is an aspect ratio the video model
// accepts.
func ValidAspectRatio(r string) bool { return r == "16:9" || r == "9:16" }

// Models names the model used by each operation.
type Models struct {
	Fast       string
	Thinking   string
	Image      string
	Edit       string
	Transcribe string
	Video      string

	// ThinkingBudget is the token budget for [Client.ThinkingResponse].
	ThinkingBudget int
}

// Recorder receives generated media. [gallery.Store] satisfies it.
type Recorder interface {
	Append(ctx context.Context, item gallery.Item) error
}

// Option configures a [Client].
type Option func(*Client)

// WithBaseURL points the client at a different API endpoint.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithRecorder records every generated image.
func WithRecorder(r Recorder) Option {
	return func(c *Client) { c.recorder = r }
}

// WithPollInterval sets how often a video operation is polled.
// Default: [DefaultPollInterval].
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// Client issues one-shot requests. It is safe for concurrent use.
type Client struct {
	genai        *genai.Client
	apiKey       string
	models       Models
	baseURL      string
	httpClient   *http.Client
	pollInterval time.Duration
	metrics      *observe.Metrics
	recorder     Recorder
	log          *slog.Logger
}

// New creates a Client authenticated with apiKey.
func New(ctx context.Context, apiKey string, models Models, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, apierror.New(apierror.KindAuth, "generate: new client", errors.New("api key is empty"))
	}
	c := &Client{apiKey: apiKey, models: models, pollInterval: DefaultPollInterval}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.log == nil {
		c.log = slog.Default()
	}

	cc := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: c.httpClient,
	}
	if c.baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: c.baseURL}
	}
	gc, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("generate: new client: %w", err)
	}
	c.genai = gc
	return c, nil
}

// FastResponse answers prompt with the fast model.
func (c *Client) FastResponse(ctx context.Context, prompt string) (string, error) {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(AppInstruction, genai.RoleUser),
	}
	resp, err := c.call(ctx, "fast", c.models.Fast, genai.Text(prompt), cfg)
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

// ThinkingResponse answers prompt with the thinking model and its token
// budget.
func (c *Client) ThinkingResponse(ctx context.Context, prompt string) (string, error) {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(AppInstruction, genai.RoleUser),
		ThinkingConfig: &genai.ThinkingConfig{
			ThinkingBudget: genai.Ptr(int32(c.models.ThinkingBudget)),
		},
	}
	resp, err := c.call(ctx, "thinking", c.models.Thinking, genai.Text(prompt), cfg)
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

// GenerateImage renders prompt and returns the first image as a data URL.
func (c *Client) GenerateImage(ctx context.Context, prompt string) (string, error) {
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{genai.NewPartFromText(prompt)}, genai.RoleUser),
	}
	resp, err := c.call(ctx, "image", c.models.Image, contents, nil)
	if err != nil {
		return "", err
	}
	url, ok := firstImage(resp)
	if !ok {
		return "", apierror.New(apierror.KindUnknown, "generate: image", ErrNoImage)
	}
	c.record(ctx, gallery.Image, url, prompt, c.models.Image)
	return url, nil
}

// EditImage applies prompt to image (raw bytes of the given MIME type) and
// returns the first resulting image as a data URL.
func (c *Client) EditImage(ctx context.Context, image []byte, mimeType, prompt string) (string, error) {
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(image, mimeType),
			genai.NewPartFromText(prompt),
		}, genai.RoleUser),
	}
	resp, err := c.call(ctx, "edit", c.models.Edit, contents, nil)
	if err != nil {
		return "", err
	}
	url, ok := firstImage(resp)
	if !ok {
		return "", apierror.New(apierror.KindUnknown, "generate: edit", ErrNoEditedImage)
	}
	c.record(ctx, gallery.Image, url, prompt, c.models.Edit)
	return url, nil
}

// Transcribe returns the text spoken in audio. An empty mimeType defaults
// to audio/webm.
func (c *Client) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	if mimeType == "" {
		mimeType = "audio/webm"
	}
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(audio, mimeType),
			genai.NewPartFromText(transcribePrompt),
		}, genai.RoleUser),
	}
	resp, err := c.call(ctx, "transcribe", c.models.Transcribe, contents, nil)
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

// GenerateVideo animates image (raw bytes of the given MIME type) into a
// 720p clip and returns it as a data URL. prompt may be empty. An empty
// aspectRatio selects [DefaultAspectRatio]. The operation is polled every
// poll interval until it is done or ctx ends.
func (c *Client) GenerateVideo(ctx context.Context, image []byte, mimeType, prompt, aspectRatio string) (string, error) {
	const op = "video"
	model := c.models.Video
	if aspectRatio == "" {
		aspectRatio = DefaultAspectRatio
	}
	if !ValidAspectRatio(aspectRatio) {
		return "", apierror.New(apierror.KindUnknown, "generate: video", fmt.Errorf("unsupported aspect ratio %q", aspectRatio))
	}

	ctx, span := observe.StartSpan(ctx, "generate."+op)
	defer span.End()
	span.SetAttributes(attribute.String("lumina.model", model), attribute.String("lumina.aspect_ratio", aspectRatio))

	start := time.Now()
	url, err := c.video(ctx, model, image, mimeType, prompt, aspectRatio)
	if err := c.finish(ctx, span, op, model, time.Since(start), err); err != nil {
		return "", err
	}
	c.record(ctx, gallery.Video, url, prompt, model)
	return url, nil
}

func (c *Client) video(ctx context.Context, model string, image []byte, mimeType, prompt, aspectRatio string) (string, error) {
	cfg := &genai.GenerateVideosConfig{
		NumberOfVideos: 1,
		Resolution:     videoResolution,
		AspectRatio:    aspectRatio,
	}
	operation, err := c.genai.Models.GenerateVideos(ctx, model, prompt, &genai.Image{ImageBytes: image, MIMEType: mimeType}, cfg)
	if err != nil {
		return "", err
	}

	t := time.NewTicker(c.pollInterval)
	defer t.Stop()
	for !operation.Done {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-t.C:
		}
		operation, err = c.genai.Operations.GetVideosOperation(ctx, operation, nil)
		if err != nil {
			return "", err
		}
		c.log.Debug("generate: video operation polled", "name", operation.Name, "done", operation.Done)
	}
	if operation.Error != nil {
		return "", fmt.Errorf("video operation %s failed: %v", operation.Name, operation.Error["message"])
	}

	var video *genai.Video
	if r := operation.Response; r != nil && len(r.GeneratedVideos) > 0 && r.GeneratedVideos[0] != nil {
		video = r.GeneratedVideos[0].Video
	}
	switch {
	case video != nil && len(video.VideoBytes) > 0:
		return DataURL(cmp.Or(video.MIMEType, videoMIMEType), video.VideoBytes), nil
	case video != nil && video.URI != "":
		return c.download(ctx, video.URI, video.MIMEType)
	default:
		return "", apierror.New(apierror.KindUnknown, "generate: video", ErrNoVideo)
	}
}

// download fetches a generated file, authenticating with the API key.
func (c *Client) download(ctx context.Context, uri, mimeType string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrVideoDownload, err)
	}
	req.Header.Set("x-goog-api-key", c.apiKey)
	hc := c.httpClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrVideoDownload, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %s", ErrVideoDownload, resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrVideoDownload, err)
	}
	if ct := resp.Header.Get("Content-Type"); strings.HasPrefix(ct, "video/") {
		mimeType = ct
	}
	return DataURL(cmp.Or(mimeType, videoMIMEType), data), nil
}

func (c *Client) call(ctx context.Context, op, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	ctx, span := observe.StartSpan(ctx, "generate."+op)
	defer span.End()
	span.SetAttributes(attribute.String("lumina.model", model))

	start := time.Now()
	resp, err := c.genai.Models.GenerateContent(ctx, model, contents, cfg)
	if err := c.finish(ctx, span, op, model, time.Since(start), err); err != nil {
		return nil, err
	}
	return resp, nil
}

// finish records the outcome of one call and returns err classified.
func (c *Client) finish(ctx context.Context, span trace.Span, op, model string, elapsed time.Duration, err error) error {
	if err != nil {
		err = apierror.Remote("generate: "+op, err, apierror.KindUnknown)
		kind := apierror.KindOf(err)
		c.metrics.RecordGenerate(ctx, op, model, kind.String(), elapsed)
		span.RecordError(err)
		span.SetStatus(codes.Error, kind.String())
		observe.Logger(ctx).Warn("generate: request failed", "op", op, "model", model, "kind", kind, "err", err)
		return err
	}
	c.metrics.RecordGenerate(ctx, op, model, "ok", elapsed)
	observe.Logger(ctx).Debug("generate: request done", "op", op, "model", model, "elapsed", elapsed)
	return nil
}

func (c *Client) record(ctx context.Context, typ gallery.MediaType, url, prompt, model string) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.Append(ctx, gallery.NewItem(typ, url, prompt, model)); err != nil {
		c.log.Warn("generate: record gallery item", "err", err)
	}
}

// firstImage returns the first inline part of the first candidate as a data
// URL.
func firstImage(resp *genai.GenerateContentResponse) (string, bool) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", false
	}
	for _, p := range resp.Candidates[0].Content.Parts {
		if p != nil && p.InlineData != nil && len(p.InlineData.Data) > 0 {
			return DataURL(p.InlineData.MIMEType, p.InlineData.Data), true
		}
	}
	return "", false
}

// DataURL encodes data as a base64 data URL.
func DataURL(mimeType string, data []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// ParseDataURL decodes a base64 data URL produced by [DataURL].
func ParseDataURL(url string) (mimeType string, data []byte, err error) {
	rest, ok := strings.CutPrefix(url, "data:")
	if !ok {
		return "", nil, errors.New("generate: not a data URL")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, errors.New("generate: data URL has no payload")
	}
	mimeType, ok = strings.CutSuffix(meta, ";base64")
	if !ok {
		return "", nil, errors.New("generate: data URL is not base64")
	}
	data, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("generate: decode data URL: %w", err)
	}
	return mimeType, data, nil
}
