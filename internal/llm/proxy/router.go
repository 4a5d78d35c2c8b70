// Package proxy routes chat completion requests to configured providers.
// The registry is closed at construction: requests can only reach providers
// that were configured, and an unknown provider type fails construction
// rather than the first request.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/walkingzzzy/office-mcp-sub009/internal/llm"
	"github.com/walkingzzzy/office-mcp-sub009/internal/llm/anthropic"
	"github.com/walkingzzzy/office-mcp-sub009/internal/llm/azure"
	"github.com/walkingzzzy/office-mcp-sub009/internal/llm/openai"
	"github.com/walkingzzzy/office-mcp-sub009/internal/observability"
)

// Provider type names accepted in configuration.
const (
	TypeOpenAI    = "openai"
	TypeAzure     = "azure"
	TypeAnthropic = "anthropic"
	TypeOllama    = "ollama"
	TypeCustom    = "custom"
)

// ErrNoDefault is returned when a request names no provider and no default
// is configured.
var ErrNoDefault = errors.New("no default provider configured")

// ErrUnknownProvider is returned when a request names a provider ID that
// was not configured.
var ErrUnknownProvider = errors.New("unknown provider")

// ProviderConfig describes one configured upstream.
type ProviderConfig struct {
	ID         string
	Type       string
	APIKey     string
	BaseURL    string
	Model      string
	Deployment string
	APIVersion string
	IsDefault  bool
}

type entry struct {
	provider llm.StreamingProvider
	config   ProviderConfig
}

// Router dispatches chat requests to providers by ID.
type Router struct {
	entries   map[string]entry
	defaultID string
	logger    *slog.Logger
	metrics   *observability.MetricsCollector
}

// NewRouter builds the provider registry. Configs with an unknown Type or a
// duplicate ID are construction errors.
func NewRouter(configs []ProviderConfig, logger *slog.Logger, metrics *observability.MetricsCollector) (*Router, error) {
	r := &Router{
		entries: make(map[string]entry, len(configs)),
		logger:  logger,
		metrics: metrics,
	}

	for _, cfg := range configs {
		if cfg.ID == "" {
			return nil, errors.New("provider config missing id")
		}
		if _, exists := r.entries[cfg.ID]; exists {
			return nil, fmt.Errorf("duplicate provider id %q", cfg.ID)
		}

		provider, err := buildProvider(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", cfg.ID, err)
		}

		r.entries[cfg.ID] = entry{provider: provider, config: cfg}
		if cfg.IsDefault {
			r.defaultID = cfg.ID
		}
	}

	return r, nil
}

func buildProvider(cfg ProviderConfig, logger *slog.Logger) (llm.StreamingProvider, error) {
	switch cfg.Type {
	case TypeOpenAI:
		var opts []openai.Option
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		return openai.NewClient(cfg.APIKey, logger, opts...), nil

	case TypeOllama:
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = openai.OllamaBaseURL
		}
		return openai.NewClient(cfg.APIKey, logger,
			openai.WithBaseURL(baseURL), openai.WithName(TypeOllama)), nil

	case TypeCustom:
		if cfg.BaseURL == "" {
			return nil, errors.New("custom provider requires base URL")
		}
		return openai.NewClient(cfg.APIKey, logger,
			openai.WithBaseURL(cfg.BaseURL), openai.WithName(TypeCustom)), nil

	case TypeAzure:
		if cfg.BaseURL == "" {
			return nil, errors.New("azure provider requires endpoint URL")
		}
		deployment := cfg.Deployment
		if deployment == "" {
			deployment = cfg.Model
		}
		var opts []azure.Option
		if cfg.APIVersion != "" {
			opts = append(opts, azure.WithAPIVersion(cfg.APIVersion))
		}
		return azure.NewClient(cfg.BaseURL, cfg.APIKey, deployment, logger, opts...), nil

	case TypeAnthropic:
		var opts []anthropic.Option
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		return anthropic.NewClient(cfg.APIKey, logger, opts...), nil

	default:
		return nil, fmt.Errorf("unsupported provider type %q", cfg.Type)
	}
}

// DefaultID returns the configured default provider ID, or empty.
func (r *Router) DefaultID() string { return r.defaultID }

// IDs lists configured provider IDs in stable order.
func (r *Router) IDs() []string {
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Router) resolve(providerID string) (entry, error) {
	id := providerID
	if id == "" {
		id = r.defaultID
		if id == "" {
			return entry{}, ErrNoDefault
		}
	}
	e, ok := r.entries[id]
	if !ok {
		return entry{}, fmt.Errorf("%w: %q", ErrUnknownProvider, providerID)
	}
	return e, nil
}

// ChatCompletion routes a non-streaming request. An empty providerID uses
// the default provider; an empty model uses the provider's configured model.
func (r *Router) ChatCompletion(ctx context.Context, providerID string, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	e, err := r.resolve(providerID)
	if err != nil {
		return nil, err
	}
	if req.Model == "" {
		req.Model = e.config.Model
	}

	start := time.Now()
	resp, err := e.provider.ChatCompletion(ctx, req)
	r.observe(e, req.Model, start, err)
	if err != nil {
		r.logger.ErrorContext(ctx, "chat completion failed",
			slog.String("provider", e.config.ID),
			slog.String("model", req.Model),
			slog.Any("error", err),
		)
		return nil, err
	}
	return resp, nil
}

// ChatCompletionStream routes a streaming request. Providers that only
// support buffered completion are adapted into a single-chunk stream.
// The chunks channel is always closed before return.
func (r *Router) ChatCompletionStream(ctx context.Context, providerID string, req *llm.ChatRequest, chunks chan<- llm.ChatChunk) error {
	e, err := r.resolve(providerID)
	if err != nil {
		close(chunks)
		return err
	}
	if req.Model == "" {
		req.Model = e.config.Model
	}

	r.metrics.ActiveStreams.Inc()
	defer r.metrics.ActiveStreams.Dec()

	counted := make(chan llm.ChatChunk)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(chunks)
		for chunk := range counted {
			r.metrics.ProxyStreamChunks.WithLabelValues(e.config.ID).Inc()
			chunks <- chunk
		}
	}()

	start := time.Now()
	err = e.provider.ChatCompletionStream(ctx, req, counted)
	<-done
	r.observe(e, req.Model, start, err)
	if err != nil {
		r.logger.ErrorContext(ctx, "chat completion stream failed",
			slog.String("provider", e.config.ID),
			slog.String("model", req.Model),
			slog.Any("error", err),
		)
	}
	return err
}

// ListModels asks the provider for its model catalogue. Providers without a
// listing endpoint, and listing failures, fall back to the configured model
// so the UI always has something to offer.
func (r *Router) ListModels(ctx context.Context, providerID string) ([]llm.Model, error) {
	e, err := r.resolve(providerID)
	if err != nil {
		return nil, err
	}

	if lister, ok := e.provider.(llm.ModelLister); ok {
		models, err := lister.ListModels(ctx)
		if err == nil && len(models) > 0 {
			return models, nil
		}
		if err != nil {
			r.logger.WarnContext(ctx, "model listing failed, falling back to configured model",
				slog.String("provider", e.config.ID),
				slog.Any("error", err),
			)
		}
	} else {
		r.logger.WarnContext(ctx, "provider does not support model listing, falling back to configured model",
			slog.String("provider", e.config.ID),
			slog.String("type", e.config.Type),
		)
	}

	if e.config.Model == "" {
		return nil, nil
	}
	return []llm.Model{{ID: e.config.Model, OwnedBy: e.config.Type}}, nil
}

func (r *Router) observe(e entry, model string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		var provErr *llm.ProviderError
		if errors.As(err, &provErr) {
			status = fmt.Sprintf("upstream_%d", provErr.StatusCode)
		}
	}
	r.metrics.ProxyRequestsTotal.WithLabelValues(e.config.ID, model, status).Inc()
	r.metrics.ProxyRequestDuration.WithLabelValues(e.config.ID, model).Observe(time.Since(start).Seconds())
}
