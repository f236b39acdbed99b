package embedder

import "fmt"

// Config is the provider-agnostic configuration the factory switches
// on. It mirrors internal/config's embedder section but lives here too
// so this package has no import-time dependency on internal/config.
type Config struct {
	Provider    string
	Model       string
	Endpoint    string
	APIKey      string
	Dimensions  *int
	Parallelism int
}

// New creates an Embedder for cfg.Provider.
func New(cfg Config) (Embedder, error) {
	switch cfg.Provider {
	case "ollama":
		opts := []OllamaOption{WithOllamaEndpoint(cfg.Endpoint), WithOllamaModel(cfg.Model)}
		if cfg.Dimensions != nil {
			opts = append(opts, WithOllamaDimensions(*cfg.Dimensions))
		}
		return NewOllamaEmbedder(opts...), nil

	case "openai":
		opts := []OpenAIOption{
			WithOpenAIModel(cfg.Model),
			WithOpenAIKey(cfg.APIKey),
			WithOpenAIEndpoint(cfg.Endpoint),
			WithOpenAIParallelism(cfg.Parallelism),
		}
		if cfg.Dimensions != nil {
			opts = append(opts, WithOpenAIDimensions(*cfg.Dimensions))
		}
		return NewOpenAIEmbedder(opts...)

	case "lmstudio":
		opts := []LMStudioOption{WithLMStudioEndpoint(cfg.Endpoint), WithLMStudioModel(cfg.Model)}
		if cfg.Dimensions != nil {
			opts = append(opts, WithLMStudioDimensions(*cfg.Dimensions))
		}
		return NewLMStudioEmbedder(opts...), nil

	case "synthetic":
		opts := []SyntheticOption{
			WithSyntheticModel(cfg.Model),
			WithSyntheticKey(cfg.APIKey),
			WithSyntheticEndpoint(cfg.Endpoint),
		}
		if cfg.Dimensions != nil {
			opts = append(opts, WithSyntheticDimensions(*cfg.Dimensions))
		}
		return NewSyntheticEmbedder(opts...)

	case "openrouter":
		opts := []OpenRouterOption{
			WithOpenRouterModel(cfg.Model),
			WithOpenRouterKey(cfg.APIKey),
			WithOpenRouterEndpoint(cfg.Endpoint),
		}
		if cfg.Dimensions != nil {
			opts = append(opts, WithOpenRouterDimensions(*cfg.Dimensions))
		}
		return NewOpenRouterEmbedder(opts...)

	default:
		return nil, fmt.Errorf("unknown embedding provider: %q", cfg.Provider)
	}
}
