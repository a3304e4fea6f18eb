package provider

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"botfleet/pkg/config"
	provideropenai "botfleet/pkg/provider/openai"
	providertypes "botfleet/pkg/provider/types"
)

// ErrNotConfigured means no model API key is set; AI features stay off.
var ErrNotConfigured = errors.New("model provider not configured")

type Completer interface {
	Complete(ctx context.Context, instructions string, prompt string) (providertypes.CompletionResult, error)
}

type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string) (providertypes.Image, error)
}

type Client interface {
	Completer
	ImageGenerator
	Health(ctx context.Context) error
}

func New(cfg config.OpenAIConfig) (Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrNotConfigured
	}

	slog.Default().With("component", "provider.factory").Debug("Resolving provider client", "provider", "openai", "text_model", cfg.TextModel, "image_model", cfg.ImageModel)

	client, err := provideropenai.New(cfg)
	if err != nil {
		return nil, err
	}
	return client, nil
}
