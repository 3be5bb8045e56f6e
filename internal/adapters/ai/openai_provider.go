package ai

import (
	"context"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"greentrace/internal/adapters/config"
	"greentrace/pkg/errors"
	"greentrace/pkg/logger"
)

var _ VisionProvider = (*OpenAIVision)(nil)

// OpenAIOption customizes OpenAIVision
type OpenAIOption func(*openAISettings)

type openAISettings struct {
	baseURL string
	limiter RateLimiter
}

// WithOpenAIBaseURL points the client at another endpoint
func WithOpenAIBaseURL(url string) OpenAIOption {
	return func(s *openAISettings) { s.baseURL = url }
}

// WithOpenAIRateLimiter replaces the default limiter
func WithOpenAIRateLimiter(l RateLimiter) OpenAIOption {
	return func(s *openAISettings) { s.limiter = l }
}

// OpenAIVision analyzes images with OpenAI chat completions
type OpenAIVision struct {
	client      openai.Client
	configured  bool
	model       string
	timeout     time.Duration
	rateLimiter RateLimiter
	log         *logger.Logger
}

// NewOpenAIVision creates the provider. A missing key is reported per call, not here.
func NewOpenAIVision(cfg config.AIConfig, log *logger.Logger, opts ...OpenAIOption) *OpenAIVision {
	s := openAISettings{}
	for _, opt := range opts {
		opt(&s)
	}
	if s.limiter == nil {
		s.limiter = NewRateLimiter(ProviderNameOpenAI, cfg.ReqPerMinute)
	}

	model := cfg.OpenAIModel
	if model == "" {
		model = defaultOpenAIModel
	}

	clientOpts := []option.RequestOption{
		option.WithAPIKey(cfg.OpenAIKey),
		option.WithMaxRetries(0),
	}
	if s.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(s.baseURL))
	}

	return &OpenAIVision{
		client:      openai.NewClient(clientOpts...),
		configured:  strings.TrimSpace(cfg.OpenAIKey) != "",
		model:       model,
		timeout:     timeoutOrDefault(cfg.Timeout),
		rateLimiter: s.limiter,
		log:         log.With("component", "openai_vision", "model", model),
	}
}

// Name returns provider name.
func (p *OpenAIVision) Name() string { return ProviderNameOpenAI.String() }

// Analyze sends the prompt and image URL and returns the message content
func (p *OpenAIVision) Analyze(ctx context.Context, req VisionRequest) (string, error) {
	if !p.configured {
		return "", errors.Wrap(errors.ErrConfiguration, "OPENAI_API_KEY not configured")
	}

	if err := p.rateLimiter.Wait(ctx); err != nil {
		return "", &RateLimitError{Provider: ProviderNameOpenAI, Limit: p.rateLimiter.Limit(), Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	parts := []openai.ChatCompletionContentPartUnionParam{openai.TextContentPart(req.Prompt)}
	if req.ImageURL != "" {
		parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
			URL:    req.ImageURL,
			Detail: "high",
		}))
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	messages = append(messages, openai.UserMessage(parts))

	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(p.model),
		Messages:            messages,
		MaxCompletionTokens: openai.Int(maxOutputTokens),
		Temperature:         openai.Float(0.2),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		return "", errors.Mark(errors.Wrap(err, "openai API call failed"), errors.ErrExternal)
	}

	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", errors.Wrap(errors.ErrMalformedResponse, "openai returned no content")
	}

	p.log.Debugw("Vision analysis complete",
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	)
	return resp.Choices[0].Message.Content, nil
}

func timeoutOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return 60 * time.Second
	}
	return d
}
