package oracle

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/refract-ml/refract/pkg/errors"
)

// ChatOracle speaks the OpenAI-compatible chat completions protocol. It is
// the client for self-hosted VLM servers (vLLM and friends) as well as the
// official OpenAI endpoint.
type ChatOracle struct {
	baseURL string
	model   string
	apiKey  string
	client  *http.Client
}

// ChatOption is a functional option for configuring the chat oracle.
type ChatOption func(*ChatOracle)

// WithChatHTTPClient overrides the underlying HTTP client.
func WithChatHTTPClient(client *http.Client) ChatOption {
	return func(o *ChatOracle) { o.client = client }
}

// WithChatTimeout sets the request timeout.
func WithChatTimeout(timeout time.Duration) ChatOption {
	return func(o *ChatOracle) { o.client.Timeout = timeout }
}

func NewChatOracle(baseURL, model, apiKey string, opts ...ChatOption) (*ChatOracle, error) {
	if baseURL == "" {
		return nil, errors.New(errors.InvalidInput, "chat oracle base URL required")
	}
	if model == "" {
		return nil, errors.New(errors.InvalidInput, "chat oracle model required")
	}
	o := &ChatOracle{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

type chatContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}

type chatImageURL struct {
	URL string `json:"url"`
}

type chatMessage struct {
	Role    string            `json:"role"`
	Content []chatContentPart `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (o *ChatOracle) GenerateProgram(ctx context.Context, req Request) (*Program, error) {
	imageData, err := os.ReadFile(req.ImagePath)
	if err != nil {
		return nil, errors.WithFields(
			errors.Wrap(err, errors.InvalidInput, "failed to read reference image"),
			errors.Fields{"image": req.ImagePath})
	}

	dataURL := fmt.Sprintf("data:%s;base64,%s",
		MimeType(req.ImagePath), base64.StdEncoding.EncodeToString(imageData))

	payload := chatRequest{
		Model: o.model,
		Messages: []chatMessage{{
			Role: "user",
			Content: []chatContentPart{
				{Type: "image_url", ImageURL: &chatImageURL{URL: dataURL}},
				{Type: "text", Text: BuildPrompt(req)},
			},
		}},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, errors.OracleFailed, "failed to encode chat request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, errors.OracleFailed, "failed to build chat request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, errors.OracleFailed, "chat request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.WithFields(
			errors.New(errors.OracleFailed, fmt.Sprintf("chat endpoint returned status %d", resp.StatusCode)),
			errors.Fields{"body": string(payload)})
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, errors.Wrap(err, errors.OracleFailed, "failed to decode chat response")
	}
	if parsed.Error != nil {
		return nil, errors.New(errors.OracleFailed, "chat endpoint error: "+parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, errors.New(errors.OracleFailed, "chat endpoint returned no choices")
	}

	raw := parsed.Choices[0].Message.Content
	source := ExtractCode(raw)
	if source == "" {
		return nil, errors.New(errors.MalformedProgram, "no code found in completion")
	}
	return &Program{Source: source, Raw: raw}, nil
}
