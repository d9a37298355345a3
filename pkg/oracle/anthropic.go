package oracle

import (
	"context"
	"encoding/base64"
	stderrors "errors"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/refract-ml/refract/pkg/errors"
	"github.com/refract-ml/refract/pkg/logging"
)

// AnthropicOracle generates programs through the Anthropic Messages API.
type AnthropicOracle struct {
	client    *anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// AnthropicOption configures the oracle.
type AnthropicOption func(*AnthropicOracle)

// WithMaxTokens overrides the completion token limit.
func WithMaxTokens(n int64) AnthropicOption {
	return func(o *AnthropicOracle) { o.maxTokens = n }
}

func NewAnthropicOracle(apiKey string, model string, opts ...AnthropicOption) (*AnthropicOracle, error) {
	if apiKey == "" {
		return nil, errors.New(errors.InvalidInput, "Anthropic API key required")
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))

	o := &AnthropicOracle{
		client:    &client,
		model:     anthropic.Model(model),
		maxTokens: 4096,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

func (o *AnthropicOracle) GenerateProgram(ctx context.Context, req Request) (*Program, error) {
	logger := logging.GetLogger()

	imageData, err := os.ReadFile(req.ImagePath)
	if err != nil {
		return nil, errors.WithFields(
			errors.Wrap(err, errors.InvalidInput, "failed to read reference image"),
			errors.Fields{"image": req.ImagePath})
	}

	blocks := []anthropic.ContentBlockParamUnion{
		{
			OfImage: &anthropic.ImageBlockParam{
				Source: anthropic.ImageBlockParamSourceUnion{
					OfBase64: &anthropic.Base64ImageSourceParam{
						Data:      base64.StdEncoding.EncodeToString(imageData),
						MediaType: anthropic.Base64ImageSourceMediaType(MimeType(req.ImagePath)),
					},
				},
			},
		},
		{
			OfText: &anthropic.TextBlockParam{Text: BuildPrompt(req)},
		},
	}

	message, err := o.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     o.model,
		MaxTokens: o.maxTokens,
		Messages: []anthropic.MessageParam{
			{Role: anthropic.MessageParamRoleUser, Content: blocks},
		},
	})
	if err != nil {
		var apiErr *anthropic.Error
		if stderrors.As(err, &apiErr) {
			logger.Error(ctx, "Anthropic API error: status code %d", apiErr.StatusCode)
		}
		return nil, errors.Wrap(err, errors.OracleFailed, "program generation failed")
	}
	if message == nil || len(message.Content) == 0 {
		return nil, errors.New(errors.OracleFailed, "received empty response from Anthropic API")
	}

	var raw string
	if block := message.Content[0]; block.Type == "text" {
		raw = block.Text
	}

	source := ExtractCode(raw)
	if source == "" {
		return nil, errors.New(errors.MalformedProgram, "no code found in completion")
	}
	return &Program{Source: source, Raw: raw}, nil
}
