package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultOllamaEndpoint   = "http://localhost:11434"
	defaultOllamaModel      = "nomic-embed-text"
	defaultOllamaDimensions = 768
)

// OllamaEmbedder talks to a local Ollama server's /api/embed endpoint,
// which accepts a batch of prompts in one request (older Ollama
// versions only supported /api/embeddings with a single prompt; the
// batch endpoint is used here since it is the one Ollama recommends
// for anything beyond a single ad hoc query).
type OllamaEmbedder struct {
	endpoint   string
	model      string
	dimensions int
	client     *http.Client
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error,omitempty"`
}

// OllamaOption configures an OllamaEmbedder.
type OllamaOption func(*OllamaEmbedder)

func WithOllamaEndpoint(endpoint string) OllamaOption {
	return func(e *OllamaEmbedder) { e.endpoint = endpoint }
}

func WithOllamaModel(model string) OllamaOption {
	return func(e *OllamaEmbedder) { e.model = model }
}

func WithOllamaDimensions(dimensions int) OllamaOption {
	return func(e *OllamaEmbedder) { e.dimensions = dimensions }
}

// NewOllamaEmbedder builds an Embedder against a local Ollama server.
// It never errors: Ollama requires no API key and has sensible
// built-in defaults for endpoint and model.
func NewOllamaEmbedder(opts ...OllamaOption) *OllamaEmbedder {
	e := &OllamaEmbedder{
		endpoint:   defaultOllamaEndpoint,
		model:      defaultOllamaModel,
		dimensions: defaultOllamaDimensions,
		client:     &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.endpoint == "" {
		e.endpoint = defaultOllamaEndpoint
	}
	if e.model == "" {
		e.model = defaultOllamaModel
	}
	if e.dimensions == 0 {
		e.dimensions = defaultOllamaDimensions
	}
	return e
}

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	payload, err := json.Marshal(ollamaEmbedRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal ollama embed request: %w", err)
	}

	url := strings.TrimRight(e.endpoint, "/") + "/api/embed"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build ollama embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call ollama: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read ollama response: %w", err)
	}

	var result ollamaEmbedResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode ollama response: %w", err)
	}
	if result.Error != "" {
		if looksLikeContextLength(result.Error) {
			return nil, &ContextLengthError{Provider: "ollama", Err: fmt.Errorf("%s", result.Error)}
		}
		return nil, fmt.Errorf("ollama error: %s", result.Error)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama returned %d embeddings for %d inputs", len(result.Embeddings), len(texts))
	}
	return result.Embeddings, nil
}

func (e *OllamaEmbedder) Dimensions() int { return e.dimensions }
func (e *OllamaEmbedder) Close() error    { return nil }

func (e *OllamaEmbedder) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(e.endpoint, "/")+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("build ollama ping request: %w", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("reach ollama at %s: %w", e.endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama returned status %d", resp.StatusCode)
	}
	return nil
}
