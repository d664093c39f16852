package agent

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicConfig configures the Anthropic-backed Backend.
type AnthropicConfig struct {
	APIKey    string
	Model     string
	MaxTokens int

	// Options are passed to the client, e.g. option.WithBaseURL in tests.
	Options []option.RequestOption
}

// AnthropicBackend runs parse and OCR requests against the Messages API.
type AnthropicBackend struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

var _ Backend = (*AnthropicBackend)(nil)

// NewAnthropicBackend creates a backend. The API key is required.
func NewAnthropicBackend(config AnthropicConfig) (*AnthropicBackend, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key cannot be empty")
	}
	if config.Model == "" {
		return nil, fmt.Errorf("anthropic model cannot be empty")
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 1024
	}

	opts := append([]option.RequestOption{option.WithAPIKey(config.APIKey)}, config.Options...)
	return &AnthropicBackend{
		client:    anthropic.NewClient(opts...),
		model:     anthropic.Model(config.Model),
		maxTokens: int64(config.MaxTokens),
	}, nil
}

// Load has nothing to download for a hosted model; it only reports progress.
func (b *AnthropicBackend) Load(ctx context.Context, progress func(int)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	progress(100)
	return nil
}

// Complete implements Backend.
func (b *AnthropicBackend) Complete(ctx context.Context, system, prompt string) (string, error) {
	return b.send(ctx, system, anthropic.NewTextBlock(prompt))
}

// Extract implements Backend.
func (b *AnthropicBackend) Extract(ctx context.Context, img Image) (string, error) {
	if img.MediaType == "" {
		return "", fmt.Errorf("image %s has no media type", img.Name)
	}
	encoded := base64.StdEncoding.EncodeToString(img.Data)
	return b.send(ctx, "Transcribe all text in the image. Reply with the text only.",
		anthropic.NewImageBlockBase64(img.MediaType, encoded))
}

func (b *AnthropicBackend) send(ctx context.Context, system string, block anthropic.ContentBlockParamUnion) (string, error) {
	msg, err := b.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     b.model,
		MaxTokens: b.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: system}},
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(block)},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic request failed: %w", err)
	}

	var sb strings.Builder
	for _, c := range msg.Content {
		if c.Type == "text" {
			sb.WriteString(c.Text)
		}
	}
	return sb.String(), nil
}
