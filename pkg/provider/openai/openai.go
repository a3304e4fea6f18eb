package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"botfleet/pkg/config"
	providertypes "botfleet/pkg/provider/types"

	osdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/responses"
)

const (
	defaultImageSize    = "1024x1536"
	defaultImageQuality = "auto"
)

type Client struct {
	client         osdk.Client
	textModel      string
	imageModel     string
	requestTimeout time.Duration
}

func New(cfg config.OpenAIConfig, extra ...option.RequestOption) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("OPENAI_API_KEY must be set")
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if organization := strings.TrimSpace(cfg.Organization); organization != "" {
		opts = append(opts, option.WithOrganization(organization))
	}
	if project := strings.TrimSpace(cfg.Project); project != "" {
		opts = append(opts, option.WithProject(project))
	}

	requestTimeout := time.Duration(cfg.RequestTimeoutSeconds) * time.Second
	if requestTimeout > 0 {
		opts = append(opts, option.WithRequestTimeout(requestTimeout))
	}
	opts = append(opts, extra...)

	textModel, err := normalizeModel(cfg.TextModel)
	if err != nil {
		return nil, fmt.Errorf("text model: %w", err)
	}
	imageModel, err := normalizeModel(cfg.ImageModel)
	if err != nil {
		return nil, fmt.Errorf("image model: %w", err)
	}

	return &Client{
		client:         osdk.NewClient(opts...),
		textModel:      textModel,
		imageModel:     imageModel,
		requestTimeout: requestTimeout,
	}, nil
}

func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := providerLogger().With("operation", "health")
	startedAt := time.Now()
	log.Debug("provider request started")

	if _, err := c.client.Models.List(ctx); err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Debug("provider request completed", "duration_ms", time.Since(startedAt).Milliseconds())

	return nil
}

// Complete runs one stateless text completion through the Responses API.
func (c *Client) Complete(ctx context.Context, instructions string, prompt string) (providertypes.CompletionResult, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := providerLogger().With("operation", "complete")
	startedAt := time.Now()

	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return providertypes.CompletionResult{}, errors.New("prompt is required")
	}
	log.Debug("provider request started", "model", c.textModel, "prompt_length", len(prompt))

	params := responses.ResponseNewParams{
		Model: c.textModel,
		Input: responses.ResponseNewParamsInputUnion{OfString: osdk.String(prompt)},
	}
	if instructions = strings.TrimSpace(instructions); instructions != "" {
		params.Instructions = osdk.String(instructions)
	}

	response, err := c.client.Responses.New(ctx, params)
	if err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return providertypes.CompletionResult{}, fmt.Errorf("complete failed: %w", err)
	}

	text := strings.TrimSpace(response.OutputText())
	if text == "" {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", "no output text")
		return providertypes.CompletionResult{}, errors.New("completion succeeded but returned no text")
	}
	log.Debug("provider request completed", "duration_ms", time.Since(startedAt).Milliseconds(), "response_length", len(text))

	result := providertypes.CompletionResult{
		Text:     text,
		Metadata: providertypes.Metadata{Provider: "openai", Model: c.textModel},
	}
	usage := providertypes.TokenUsage{
		InputTokens:     response.Usage.InputTokens,
		OutputTokens:    response.Usage.OutputTokens,
		TotalTokens:     response.Usage.TotalTokens,
		ReasoningTokens: response.Usage.OutputTokensDetails.ReasoningTokens,
		CacheReadTokens: response.Usage.InputTokensDetails.CachedTokens,
	}
	if !usage.IsZero() {
		result.Metadata.Usage = &usage
	}
	return result, nil
}

// GenerateImage renders one portrait image for prompt.
func (c *Client) GenerateImage(ctx context.Context, prompt string) (providertypes.Image, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := providerLogger().With("operation", "generate_image")
	startedAt := time.Now()

	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return providertypes.Image{}, errors.New("prompt is required")
	}
	log.Debug("provider request started", "model", c.imageModel, "prompt_length", len(prompt))

	params := osdk.ImageGenerateParams{
		Prompt: prompt,
		Model:  osdk.ImageModel(c.imageModel),
		N:      osdk.Int(1),
		Size:   osdk.ImageGenerateParamsSize(defaultImageSize),
	}
	if strings.HasPrefix(c.imageModel, "gpt-image") {
		params.Quality = osdk.ImageGenerateParamsQuality(defaultImageQuality)
	}

	response, err := c.client.Images.Generate(ctx, params)
	if err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return providertypes.Image{}, fmt.Errorf("generate image failed: %w", err)
	}
	if response == nil || len(response.Data) == 0 {
		return providertypes.Image{}, errors.New("image generation returned no data")
	}

	first := response.Data[0]
	image := providertypes.Image{Model: c.imageModel, RevisedPrompt: first.RevisedPrompt}
	switch {
	case first.B64JSON != "":
		data, err := base64.StdEncoding.DecodeString(first.B64JSON)
		if err != nil {
			return providertypes.Image{}, fmt.Errorf("decode image: %w", err)
		}
		image.Data = data
		image.ContentType = "image/png"
	case first.URL != "":
		image.URL = first.URL
	default:
		return providertypes.Image{}, errors.New("image generation returned neither data nor url")
	}
	log.Debug("provider request completed", "duration_ms", time.Since(startedAt).Milliseconds(), "bytes", len(image.Data))

	return image, nil
}

func providerLogger() *slog.Logger {
	return slog.Default().With("component", "provider.openai")
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.requestTimeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, c.requestTimeout)
}

func normalizeModel(model string) (string, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return "", errors.New("model is required")
	}

	parts := strings.SplitN(model, "/", 2)
	if len(parts) != 2 {
		return model, nil
	}

	providerID := strings.TrimSpace(parts[0])
	modelID := strings.TrimSpace(parts[1])
	if providerID == "" || modelID == "" {
		return "", errors.New("model is invalid")
	}
	if providerID != "openai" {
		return "", fmt.Errorf("model provider %q is not supported by openai provider", providerID)
	}

	return modelID, nil
}
