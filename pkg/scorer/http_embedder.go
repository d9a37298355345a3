package scorer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/refract-ml/refract/pkg/errors"
)

// HTTPEmbedder calls an embedding service that accepts a base64 image and
// returns a fixed-length vector.
type HTTPEmbedder struct {
	endpoint string
	client   *http.Client
}

// HTTPEmbedderOption configures the embedder client.
type HTTPEmbedderOption func(*HTTPEmbedder)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(client *http.Client) HTTPEmbedderOption {
	return func(e *HTTPEmbedder) { e.client = client }
}

func NewHTTPEmbedder(endpoint string, timeout time.Duration, opts ...HTTPEmbedderOption) (*HTTPEmbedder, error) {
	if endpoint == "" {
		return nil, errors.New(errors.InvalidInput, "embedding endpoint URL required")
	}
	e := &HTTPEmbedder{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

type embedRequest struct {
	Image string `json:"image"` // base64-encoded image bytes
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
}

func (e *HTTPEmbedder) Embed(ctx context.Context, imagePath string) ([]float64, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, errors.WithFields(
			errors.Wrap(err, errors.ScoringFailed, "failed to read image"),
			errors.Fields{"image": imagePath})
	}

	body, err := json.Marshal(embedRequest{Image: base64.StdEncoding.EncodeToString(data)})
	if err != nil {
		return nil, errors.Wrap(err, errors.ScoringFailed, "failed to encode embed request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, errors.ScoringFailed, "failed to build embed request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.ScoringFailed, "embedding service unavailable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.WithFields(
			errors.New(errors.ScoringFailed, fmt.Sprintf("embedding service returned status %d", resp.StatusCode)),
			errors.Fields{"body": string(payload)})
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, errors.Wrap(err, errors.ScoringFailed, "failed to decode embedding response")
	}
	if len(parsed.Embedding) == 0 {
		return nil, errors.New(errors.ScoringFailed, "embedding service returned empty vector")
	}
	return parsed.Embedding, nil
}
