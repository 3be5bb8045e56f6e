package ai

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"google.golang.org/genai"

	"greentrace/internal/adapters/config"
	"greentrace/pkg/errors"
	"greentrace/pkg/logger"
)

var _ VisionProvider = (*GeminiVision)(nil)

// GeminiOption customizes GeminiVision
type GeminiOption func(*geminiSettings)

type geminiSettings struct {
	baseURL    string
	httpClient *http.Client
	limiter    RateLimiter
}

// WithGeminiBaseURL points the client at another endpoint
func WithGeminiBaseURL(url string) GeminiOption {
	return func(s *geminiSettings) { s.baseURL = url }
}

// WithGeminiHTTPClient sets the client used for the API and for image downloads
func WithGeminiHTTPClient(c *http.Client) GeminiOption {
	return func(s *geminiSettings) { s.httpClient = c }
}

// WithGeminiRateLimiter replaces the default limiter
func WithGeminiRateLimiter(l RateLimiter) GeminiOption {
	return func(s *geminiSettings) { s.limiter = l }
}

// GeminiVision analyzes images with Gemini GenerateContent.
// HTTP(S) images are downloaded and sent inline; gs:// URIs are passed by reference.
type GeminiVision struct {
	client        *genai.Client
	initErr       error
	httpClient    *http.Client
	model         string
	timeout       time.Duration
	maxImageBytes int64
	rateLimiter   RateLimiter
	log           *logger.Logger
}

// NewGeminiVision creates the provider. A missing key is reported per call, not here.
func NewGeminiVision(ctx context.Context, cfg config.AIConfig, log *logger.Logger, opts ...GeminiOption) *GeminiVision {
	s := geminiSettings{}
	for _, opt := range opts {
		opt(&s)
	}
	if s.limiter == nil {
		s.limiter = NewRateLimiter(ProviderNameGemini, cfg.ReqPerMinute)
	}
	if s.httpClient == nil {
		s.httpClient = &http.Client{Timeout: timeoutOrDefault(cfg.Timeout)}
	}

	model := cfg.GeminiModel
	if model == "" {
		model = defaultGeminiModel
	}
	maxImage := cfg.MaxImageBytes
	if maxImage <= 0 {
		maxImage = 8 << 20
	}

	p := &GeminiVision{
		httpClient:    s.httpClient,
		model:         model,
		timeout:       timeoutOrDefault(cfg.Timeout),
		maxImageBytes: maxImage,
		rateLimiter:   s.limiter,
		log:           log.With("component", "gemini_vision", "model", model),
	}

	if strings.TrimSpace(cfg.GeminiKey) == "" {
		p.initErr = errors.Wrap(errors.ErrConfiguration, "GEMINI_API_KEY not configured")
		return p
	}

	clientCfg := &genai.ClientConfig{
		APIKey:     cfg.GeminiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: s.httpClient,
	}
	if s.baseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: s.baseURL}
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		p.initErr = errors.Mark(errors.Wrap(err, "failed to create Gemini client"), errors.ErrConfiguration)
		return p
	}
	p.client = client
	return p
}

// Name returns provider name.
func (p *GeminiVision) Name() string { return ProviderNameGemini.String() }

// Analyze sends the prompt and image and returns the response text
func (p *GeminiVision) Analyze(ctx context.Context, req VisionRequest) (string, error) {
	if p.initErr != nil {
		return "", p.initErr
	}

	if err := p.rateLimiter.Wait(ctx); err != nil {
		return "", &RateLimitError{Provider: ProviderNameGemini, Limit: p.rateLimiter.Limit(), Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	parts := []*genai.Part{genai.NewPartFromText(req.Prompt)}
	if req.ImageURL != "" {
		img, err := p.imagePart(ctx, req.ImageURL)
		if err != nil {
			return "", err
		}
		parts = append(parts, img)
	}

	genCfg := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.2),
		MaxOutputTokens:  maxOutputTokens,
	}
	if req.SystemPrompt != "" {
		genCfg.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model,
		[]*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}, genCfg)
	if err != nil {
		return "", errors.Mark(errors.Wrap(err, "gemini API call failed"), errors.ErrExternal)
	}

	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", errors.Wrap(errors.ErrMalformedResponse, "gemini returned no content")
	}
	return text, nil
}

func (p *GeminiVision) imagePart(ctx context.Context, imageURL string) (*genai.Part, error) {
	if strings.HasPrefix(imageURL, "gs://") {
		return genai.NewPartFromURI(imageURL, mimeFromExtension(imageURL)), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "invalid image URL: %v", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "image download failed"), errors.ErrTransientNetwork)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Wrapf(errors.ErrExternal, "image download returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, p.maxImageBytes+1))
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "image download failed"), errors.ErrTransientNetwork)
	}
	if int64(len(data)) > p.maxImageBytes {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "image exceeds %s", humanize.IBytes(uint64(p.maxImageBytes)))
	}

	mime := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(mime, "image/") {
		mime = http.DetectContentType(data)
	}
	if !strings.HasPrefix(mime, "image/") {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "unsupported image content type %q", mime)
	}

	p.log.Debugw("Image downloaded", "size", humanize.IBytes(uint64(len(data))), "mime", mime)
	return genai.NewPartFromBytes(data, mime), nil
}

func mimeFromExtension(uri string) string {
	lower := strings.ToLower(uri)
	switch {
	case strings.HasSuffix(lower, ".png"):
		return "image/png"
	case strings.HasSuffix(lower, ".webp"):
		return "image/webp"
	default:
		return "image/jpeg"
	}
}
