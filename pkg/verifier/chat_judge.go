package verifier

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
	"github.com/refract-ml/refract/pkg/oracle"
)

// ChatJudge sends both images to an OpenAI-compatible chat endpoint and
// returns the model's raw judgment text.
type ChatJudge struct {
	baseURL string
	model   string
	apiKey  string
	client  *http.Client
}

// ChatJudgeOption is a functional option for configuring the judge.
type ChatJudgeOption func(*ChatJudge)

// WithJudgeHTTPClient overrides the underlying HTTP client.
func WithJudgeHTTPClient(client *http.Client) ChatJudgeOption {
	return func(j *ChatJudge) { j.client = client }
}

func NewChatJudge(baseURL, model, apiKey string, opts ...ChatJudgeOption) (*ChatJudge, error) {
	if baseURL == "" {
		return nil, errors.New(errors.InvalidInput, "judge base URL required")
	}
	if model == "" {
		return nil, errors.New(errors.InvalidInput, "judge model required")
	}
	j := &ChatJudge{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

type judgeContentPart struct {
	Type     string         `json:"type"`
	Text     string         `json:"text,omitempty"`
	ImageURL *judgeImageURL `json:"image_url,omitempty"`
}

type judgeImageURL struct {
	URL string `json:"url"`
}

type judgeRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string             `json:"role"`
		Content []judgeContentPart `json:"content"`
	} `json:"messages"`
}

type judgeResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (j *ChatJudge) Assess(ctx context.Context, referencePath, artifactPath, prompt string) (string, error) {
	refURL, err := imageDataURL(referencePath)
	if err != nil {
		return "", err
	}
	artURL, err := imageDataURL(artifactPath)
	if err != nil {
		return "", err
	}

	var payload judgeRequest
	payload.Model = j.model
	payload.Messages = append(payload.Messages, struct {
		Role    string             `json:"role"`
		Content []judgeContentPart `json:"content"`
	}{
		Role: "user",
		Content: []judgeContentPart{
			{Type: "image_url", ImageURL: &judgeImageURL{URL: refURL}},
			{Type: "image_url", ImageURL: &judgeImageURL{URL: artURL}},
			{Type: "text", Text: prompt},
		},
	})

	body, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Wrap(err, errors.OracleFailed, "failed to encode judge request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		j.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, errors.OracleFailed, "failed to build judge request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if j.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+j.apiKey)
	}

	resp, err := j.client.Do(httpReq)
	if err != nil {
		return "", errors.Wrap(err, errors.OracleFailed, "judge request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", errors.WithFields(
			errors.New(errors.OracleFailed, fmt.Sprintf("judge endpoint returned status %d", resp.StatusCode)),
			errors.Fields{"body": string(snippet)})
	}

	var parsed judgeResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", errors.Wrap(err, errors.OracleFailed, "failed to decode judge response")
	}
	if len(parsed.Choices) == 0 {
		return "", errors.New(errors.OracleFailed, "judge endpoint returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

func imageDataURL(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", errors.WithFields(
			errors.Wrap(err, errors.InvalidInput, "failed to read image"),
			errors.Fields{"image": path})
	}
	return fmt.Sprintf("data:%s;base64,%s",
		oracle.MimeType(path), base64.StdEncoding.EncodeToString(data)), nil
}
