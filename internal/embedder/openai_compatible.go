package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// httpEmbedder talks to any provider exposing the OpenAI
// /v1/embeddings wire format: OpenAI itself, LM Studio, Synthetic and
// OpenRouter all share this shape and differ only in default
// endpoint, default model, dimensions handling and API key env var.
type httpEmbedder struct {
	provider   string
	endpoint   string
	model      string
	apiKey     string
	dimensions int
	setDims    bool // false lets the model use its native dimensionality
	client     *http.Client
}

type embedRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions *int     `json:"dimensions,omitempty"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

type embedErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func newHTTPEmbedder(provider, endpoint, model, apiKey string, dimensions int, setDims bool, timeout time.Duration) *httpEmbedder {
	return &httpEmbedder{
		provider:   provider,
		endpoint:   strings.TrimRight(endpoint, "/"),
		model:      model,
		apiKey:     apiKey,
		dimensions: dimensions,
		setDims:    setDims,
		client:     &http.Client{Timeout: timeout},
	}
}

func (e *httpEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *httpEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	reqBody := embedRequest{Model: e.model, Input: texts}
	if e.setDims {
		reqBody.Dimensions = &e.dimensions
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal %s embed request: %w", e.provider, err)
	}

	url := e.endpoint + "/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build %s embed request: %w", e.provider, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", e.provider, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", e.provider, err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp embedErrorResponse
		msg := string(body)
		if json.Unmarshal(body, &errResp) == nil && errResp.Error.Message != "" {
			msg = errResp.Error.Message
		}
		if resp.StatusCode == http.StatusBadRequest && looksLikeContextLength(msg) {
			return nil, &ContextLengthError{Provider: e.provider, Err: fmt.Errorf("%s", msg)}
		}
		return nil, fmt.Errorf("%s error (status %d): %s", e.provider, resp.StatusCode, msg)
	}

	var result embedResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", e.provider, err)
	}
	if len(result.Data) != len(texts) {
		return nil, fmt.Errorf("%s returned %d embeddings for %d inputs", e.provider, len(result.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, item := range result.Data {
		if item.Index >= 0 && item.Index < len(out) {
			out[item.Index] = item.Embedding
		}
	}
	return out, nil
}

func looksLikeContextLength(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "context length") ||
		strings.Contains(lower, "maximum context") ||
		strings.Contains(lower, "too long") ||
		strings.Contains(lower, "token limit")
}

func (e *httpEmbedder) Dimensions() int { return e.dimensions }
func (e *httpEmbedder) Close() error    { return nil }

func (e *httpEmbedder) Ping(ctx context.Context) error {
	_, err := e.EmbedBatch(ctx, []string{"ping"})
	return err
}

// --- OpenAI ---

const (
	defaultOpenAIEndpoint   = "https://api.openai.com/v1"
	defaultOpenAIModel      = "text-embedding-3-small"
	defaultOpenAIDimensions = 1536
)

// OpenAIOption configures an OpenAI-backed Embedder.
type OpenAIOption func(*openAIConfig)

type openAIConfig struct {
	endpoint, model, apiKey string
	dimensions              int
	parallelism             int
}

func WithOpenAIEndpoint(v string) OpenAIOption    { return func(c *openAIConfig) { c.endpoint = v } }
func WithOpenAIModel(v string) OpenAIOption       { return func(c *openAIConfig) { c.model = v } }
func WithOpenAIKey(v string) OpenAIOption         { return func(c *openAIConfig) { c.apiKey = v } }
func WithOpenAIDimensions(v int) OpenAIOption     { return func(c *openAIConfig) { c.dimensions = v } }
func WithOpenAIParallelism(v int) OpenAIOption    { return func(c *openAIConfig) { c.parallelism = v } }

// NewOpenAIEmbedder builds an Embedder against the OpenAI embeddings API.
func NewOpenAIEmbedder(opts ...OpenAIOption) (BatchEmbedder, error) {
	c := &openAIConfig{endpoint: defaultOpenAIEndpoint, model: defaultOpenAIModel, dimensions: defaultOpenAIDimensions}
	for _, opt := range opts {
		opt(c)
	}
	if c.apiKey == "" {
		c.apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.apiKey == "" {
		return nil, fmt.Errorf("openai embedder: no API key (set OPENAI_API_KEY or configure embedder.api_key)")
	}
	if c.endpoint == "" {
		c.endpoint = defaultOpenAIEndpoint
	}
	if c.model == "" {
		c.model = defaultOpenAIModel
	}
	if c.dimensions == 0 {
		c.dimensions = defaultOpenAIDimensions
	}
	return newHTTPEmbedder("openai", c.endpoint, c.model, c.apiKey, c.dimensions, true, 60*time.Second), nil
}

// --- LM Studio (local, no auth) ---

const (
	defaultLMStudioEndpoint   = "http://localhost:1234/v1"
	defaultLMStudioModel      = "text-embedding-nomic-embed-text-v1.5"
	defaultLMStudioDimensions = 768
)

type LMStudioOption func(*lmStudioConfig)

type lmStudioConfig struct {
	endpoint, model string
	dimensions      int
}

func WithLMStudioEndpoint(v string) LMStudioOption { return func(c *lmStudioConfig) { c.endpoint = v } }
func WithLMStudioModel(v string) LMStudioOption    { return func(c *lmStudioConfig) { c.model = v } }
func WithLMStudioDimensions(v int) LMStudioOption  { return func(c *lmStudioConfig) { c.dimensions = v } }

// NewLMStudioEmbedder builds an Embedder against a local LM Studio
// server. It never errors: LM Studio requires no API key, and
// endpoint/model default to LM Studio's own defaults.
func NewLMStudioEmbedder(opts ...LMStudioOption) BatchEmbedder {
	c := &lmStudioConfig{endpoint: defaultLMStudioEndpoint, model: defaultLMStudioModel, dimensions: defaultLMStudioDimensions}
	for _, opt := range opts {
		opt(c)
	}
	if c.endpoint == "" {
		c.endpoint = defaultLMStudioEndpoint
	}
	if c.model == "" {
		c.model = defaultLMStudioModel
	}
	if c.dimensions == 0 {
		c.dimensions = defaultLMStudioDimensions
	}
	return newHTTPEmbedder("lmstudio", c.endpoint, c.model, "", c.dimensions, false, 90*time.Second)
}

// --- Synthetic ---

const (
	defaultSyntheticEndpoint   = "https://api.synthetic.new/openai/v1"
	defaultSyntheticModel      = "hf:nomic-ai/nomic-embed-text-v1.5"
	defaultSyntheticDimensions = 768
)

type SyntheticOption func(*syntheticConfig)

type syntheticConfig struct {
	endpoint, model, apiKey string
	dimensions              int
}

func WithSyntheticEndpoint(v string) SyntheticOption { return func(c *syntheticConfig) { c.endpoint = v } }
func WithSyntheticModel(v string) SyntheticOption    { return func(c *syntheticConfig) { c.model = v } }
func WithSyntheticKey(v string) SyntheticOption      { return func(c *syntheticConfig) { c.apiKey = v } }
func WithSyntheticDimensions(v int) SyntheticOption  { return func(c *syntheticConfig) { c.dimensions = v } }

// NewSyntheticEmbedder builds an Embedder against the Synthetic API.
func NewSyntheticEmbedder(opts ...SyntheticOption) (BatchEmbedder, error) {
	c := &syntheticConfig{endpoint: defaultSyntheticEndpoint, model: defaultSyntheticModel, dimensions: defaultSyntheticDimensions}
	for _, opt := range opts {
		opt(c)
	}
	if c.apiKey == "" {
		c.apiKey = os.Getenv("SYNTHETIC_API_KEY")
	}
	if c.apiKey == "" {
		c.apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.apiKey == "" {
		return nil, fmt.Errorf("synthetic embedder: no API key (set SYNTHETIC_API_KEY or OPENAI_API_KEY)")
	}
	if c.endpoint == "" {
		c.endpoint = defaultSyntheticEndpoint
	}
	if c.model == "" {
		c.model = defaultSyntheticModel
	}
	if c.dimensions == 0 {
		c.dimensions = defaultSyntheticDimensions
	}
	return newHTTPEmbedder("synthetic", c.endpoint, c.model, c.apiKey, c.dimensions, true, 90*time.Second), nil
}

// --- OpenRouter ---

const (
	defaultOpenRouterEndpoint   = "https://openrouter.ai/api/v1"
	defaultOpenRouterModel      = "openai/text-embedding-3-small"
	defaultOpenRouterDimensions = 1536
)

type OpenRouterOption func(*openRouterConfig)

type openRouterConfig struct {
	endpoint, model, apiKey string
	dimensions              int
}

func WithOpenRouterEndpoint(v string) OpenRouterOption { return func(c *openRouterConfig) { c.endpoint = v } }
func WithOpenRouterModel(v string) OpenRouterOption    { return func(c *openRouterConfig) { c.model = v } }
func WithOpenRouterKey(v string) OpenRouterOption      { return func(c *openRouterConfig) { c.apiKey = v } }
func WithOpenRouterDimensions(v int) OpenRouterOption  { return func(c *openRouterConfig) { c.dimensions = v } }

// NewOpenRouterEmbedder builds an Embedder against the OpenRouter API.
func NewOpenRouterEmbedder(opts ...OpenRouterOption) (BatchEmbedder, error) {
	c := &openRouterConfig{endpoint: defaultOpenRouterEndpoint, model: defaultOpenRouterModel, dimensions: defaultOpenRouterDimensions}
	for _, opt := range opts {
		opt(c)
	}
	if c.apiKey == "" {
		c.apiKey = os.Getenv("OPENROUTER_API_KEY")
	}
	if c.apiKey == "" {
		return nil, fmt.Errorf("openrouter embedder: no API key (set OPENROUTER_API_KEY or configure embedder.api_key)")
	}
	if c.endpoint == "" {
		c.endpoint = defaultOpenRouterEndpoint
	}
	if c.model == "" {
		c.model = defaultOpenRouterModel
	}
	if c.dimensions == 0 {
		c.dimensions = defaultOpenRouterDimensions
	}
	return newHTTPEmbedder("openrouter", c.endpoint, c.model, c.apiKey, c.dimensions, true, 60*time.Second), nil
}
