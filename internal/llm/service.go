// Package llm is the canonical façade over the provider adapters. Callers
// hand it canonical messages; it routes to an adapter by model name, consults
// the response cache, writes the request ledger, and tags ownership. Flow
// and conversation engines are clients of this package, never of the
// adapters directly.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/conduit/internal/config"
	"github.com/haasonsaas/conduit/internal/llm/cache"
	"github.com/haasonsaas/conduit/internal/llm/ledger"
	"github.com/haasonsaas/conduit/internal/llm/llmerrors"
	"github.com/haasonsaas/conduit/internal/llm/providers"
	"github.com/haasonsaas/conduit/internal/observability"
	"github.com/haasonsaas/conduit/internal/schema"
	"github.com/haasonsaas/conduit/pkg/models"
)

// AdapterFactory constructs a provider adapter from configuration. The
// default factory builds real SDK clients; tests substitute scripted ones.
type AdapterFactory func(ctx context.Context, provider models.Provider, cfg *config.Config) (providers.Provider, error)

// Service routes generation calls and owns their persistence lifecycle.
type Service struct {
	cfg     *config.Config
	store   ledger.Store
	cache   *cache.Cache
	logger  *observability.Logger
	factory AdapterFactory

	mu       sync.Mutex
	adapters map[models.Provider]providers.Provider
}

// Options carries the per-call knobs of a generation request.
type Options struct {
	// UserID tags the ledger row after a successful generation.
	UserID *int64

	// Model overrides the configured default.
	Model string

	Temperature     *float64
	MaxOutputTokens *int

	// Tools enables tool-call mode.
	Tools []providers.ToolSpec

	// Extra carries vendor-specific overrides; persisted as
	// additional_params and folded into the cache fingerprint.
	Extra map[string]any

	// SkipCache bypasses the response cache for this call (tool-call
	// turns are never cached).
	SkipCache bool
}

// New creates the service. The cache may be nil when disabled.
func New(cfg *config.Config, store ledger.Store, respCache *cache.Cache, logger *observability.Logger) *Service {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Service{
		cfg:      cfg,
		store:    store,
		cache:    respCache,
		logger:   logger,
		factory:  buildAdapter,
		adapters: make(map[models.Provider]providers.Provider),
	}
}

// WithFactory substitutes the adapter factory. Used by tests.
func (s *Service) WithFactory(f AdapterFactory) *Service {
	s.factory = f
	return s
}

// GenerateResponse performs one generation call. It creates the ledger row
// before any network I/O, consults the cache, and writes the terminal state
// back. The returned request id identifies the ledger row.
func (s *Service) GenerateResponse(ctx context.Context, messages []models.Message, opts Options) (*models.LLMResponse, string, error) {
	model := s.resolveModel(opts.Model)
	adapter, err := s.adapterForModel(ctx, model)
	if err != nil {
		return nil, "", err
	}

	row, err := s.createRow(ctx, adapter.Name(), model, messages, opts)
	if err != nil {
		return nil, "", err
	}
	ctx = observability.WithRequestID(ctx, row.ID)

	kwargs := s.cacheKwargs(model, opts)
	useCache := s.cache != nil && !opts.SkipCache && len(opts.Tools) == 0

	if useCache {
		if hit := s.cache.Get(messages, kwargs); hit != nil {
			s.logger.Debug(ctx, "cache hit", "model", model)
			s.completeRow(ctx, row.ID, hit, 0, opts.UserID)
			return hit, row.ID, nil
		}
	}

	start := time.Now()
	resp, err := adapter.GenerateResponse(ctx, s.providerRequest(model, messages, opts))
	elapsed := time.Since(start)
	if err != nil {
		s.failRow(ctx, row.ID, err, elapsed)
		return nil, row.ID, err
	}

	s.completeRow(ctx, row.ID, resp, elapsed.Milliseconds(), opts.UserID)
	if useCache {
		s.cache.Set(messages, resp, kwargs)
	}
	return resp, row.ID, nil
}

// GenerateStructured performs a schema-constrained generation and returns
// the validated JSON document alongside the full response for accounting.
// Structured calls bypass the cache: the schema instruction is
// adapter-dependent and the fingerprint would not be portable across
// providers.
func (s *Service) GenerateStructured(ctx context.Context, messages []models.Message, sc *schema.Schema, opts Options) (json.RawMessage, *models.LLMResponse, string, error) {
	model := s.resolveModel(opts.Model)
	adapter, err := s.adapterForModel(ctx, model)
	if err != nil {
		return nil, nil, "", err
	}
	gen, ok := adapter.(providers.ObjectGenerator)
	if !ok {
		return nil, nil, "", llmerrors.Configuration(
			fmt.Sprintf("provider %s does not support structured output", adapter.Name()))
	}

	row, err := s.createRow(ctx, adapter.Name(), model, messages, opts)
	if err != nil {
		return nil, nil, "", err
	}
	ctx = observability.WithRequestID(ctx, row.ID)

	start := time.Now()
	raw, resp, err := gen.GenerateObject(ctx, s.providerRequest(model, messages, opts), sc)
	elapsed := time.Since(start)
	if err != nil {
		s.failRow(ctx, row.ID, err, elapsed)
		return nil, resp, row.ID, err
	}

	s.completeRow(ctx, row.ID, resp, elapsed.Milliseconds(), opts.UserID)
	return raw, resp, row.ID, nil
}

// GenerateTyped is the typed companion of GenerateStructured: the schema is
// derived from T and the document is unmarshaled into it.
func GenerateTyped[T any](ctx context.Context, s *Service, messages []models.Message, opts Options) (T, string, models.Usage, error) {
	var out T
	sc, err := schema.FromType[T]()
	if err != nil {
		return out, "", models.Usage{}, err
	}
	raw, resp, requestID, err := s.GenerateStructured(ctx, messages, sc, opts)
	if err != nil {
		return out, requestID, usageOf(resp), err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, requestID, resp.Usage, llmerrors.Validation("structured response does not match target type", err)
	}
	return out, requestID, resp.Usage, nil
}

// GenerateImage dispatches to an image-capable adapter (OpenAI) and records
// the call in the ledger with the prompt as the message transcript.
func (s *Service) GenerateImage(ctx context.Context, req *models.ImageRequest, userID *int64) (*models.ImageResponse, string, error) {
	adapter, err := s.adapter(ctx, models.ProviderOpenAI)
	if err != nil {
		return nil, "", err
	}
	gen, ok := adapter.(providers.ImageGenerator)
	if !ok {
		return nil, "", llmerrors.Configuration("configured openai adapter does not support image generation")
	}

	messages := []models.Message{models.UserMessage(req.Prompt)}
	row, err := s.createRow(ctx, models.ProviderOpenAI, req.Model, messages, Options{UserID: userID})
	if err != nil {
		return nil, "", err
	}
	ctx = observability.WithRequestID(ctx, row.ID)

	start := time.Now()
	resp, err := gen.GenerateImage(ctx, req)
	elapsed := time.Since(start)
	if err != nil {
		s.failRow(ctx, row.ID, err, elapsed)
		return nil, row.ID, err
	}

	content := resp.URL
	if content == "" {
		content = "[inline image data]"
	}
	s.finishRow(ctx, row.ID, ledger.SuccessUpdate{
		Content:         content,
		CostEstimate:    resp.CostEstimate,
		FinishReason:    "image",
		ExecutionTimeMS: elapsed.Milliseconds(),
		RetryAttempt:    1,
	}, userID)
	return resp, row.ID, nil
}

// GenerateAudio dispatches to a speech-capable adapter (OpenAI) and records
// the call in the ledger.
func (s *Service) GenerateAudio(ctx context.Context, req *models.AudioRequest, userID *int64) (*models.AudioResponse, string, error) {
	adapter, err := s.adapter(ctx, models.ProviderOpenAI)
	if err != nil {
		return nil, "", err
	}
	gen, ok := adapter.(providers.AudioGenerator)
	if !ok {
		return nil, "", llmerrors.Configuration("configured openai adapter does not support audio generation")
	}

	messages := []models.Message{models.UserMessage(req.Text)}
	row, err := s.createRow(ctx, models.ProviderOpenAI, req.Model, messages, Options{UserID: userID})
	if err != nil {
		return nil, "", err
	}
	ctx = observability.WithRequestID(ctx, row.ID)

	start := time.Now()
	resp, err := gen.GenerateAudio(ctx, req)
	elapsed := time.Since(start)
	if err != nil {
		s.failRow(ctx, row.ID, err, elapsed)
		return nil, row.ID, err
	}

	s.finishRow(ctx, row.ID, ledger.SuccessUpdate{
		Content:         fmt.Sprintf("[%d bytes of %s audio]", len(resp.Audio), resp.Format),
		CostEstimate:    resp.CostEstimate,
		FinishReason:    "audio",
		ExecutionTimeMS: elapsed.Milliseconds(),
		RetryAttempt:    1,
	}, userID)
	return resp, row.ID, nil
}

// EstimateCost approximates the USD cost of sending the messages: prompt
// tokens as total characters over four, completion as a quarter of the
// prompt, priced by the routed adapter's rate table.
func (s *Service) EstimateCost(ctx context.Context, messages []models.Message, model string) (float64, error) {
	model = s.resolveModel(model)
	adapter, err := s.adapterForModel(ctx, model)
	if err != nil {
		return 0, err
	}

	chars := 0
	for _, m := range messages {
		chars += len(m.Content)
	}
	promptTokens := chars / 4
	completionTokens := promptTokens / 4
	return adapter.EstimateCost(promptTokens, completionTokens, model), nil
}

// Ledger read proxies.

func (s *Service) GetRequest(ctx context.Context, id string) (*models.LLMRequest, error) {
	return s.store.ByID(ctx, id)
}

func (s *Service) GetUserRequests(ctx context.Context, userID int64, limit, offset int) ([]*models.LLMRequest, error) {
	return s.store.ByUser(ctx, userID, limit, offset)
}

func (s *Service) GetRecentRequests(ctx context.Context, limit, offset int) ([]*models.LLMRequest, error) {
	return s.store.Recent(ctx, limit, offset)
}

func (s *Service) CountAllRequests(ctx context.Context) (int64, error) {
	return s.store.CountAll(ctx)
}

func (s *Service) CountByUser(ctx context.Context, userID int64) (int64, error) {
	return s.store.CountByUser(ctx, userID)
}

func (s *Service) CountByStatus(ctx context.Context, status models.RequestStatus) (int64, error) {
	return s.store.CountByStatus(ctx, status)
}

// CacheStats reports cache occupancy; zero stats when the cache is disabled.
func (s *Service) CacheStats() cache.Stats {
	if s.cache == nil {
		return cache.Stats{}
	}
	return s.cache.Stats()
}

// ClearCache drops every cached response.
func (s *Service) ClearCache() {
	if s.cache != nil {
		s.cache.Clear()
	}
}

// --- routing ---

// routeCandidates returns the providers eligible to serve the model, most
// preferred first. Longest prefix wins; vendor-prefixed ids route through
// OpenRouter.
func routeCandidates(model string) []models.Provider {
	switch {
	case strings.HasPrefix(model, "anthropic.") ||
		strings.HasPrefix(model, "amazon.") ||
		strings.HasPrefix(model, "meta.") ||
		strings.HasPrefix(model, "mistral.") ||
		strings.HasPrefix(model, "cohere."):
		return []models.Provider{models.ProviderBedrock}
	case strings.Contains(model, "/"):
		return []models.Provider{models.ProviderOpenRouter}
	case strings.HasPrefix(model, "claude-"):
		return []models.Provider{models.ProviderAnthropic, models.ProviderBedrock}
	case strings.HasPrefix(model, "gpt-") || strings.HasPrefix(model, "o1"):
		return []models.Provider{models.ProviderOpenAI, models.ProviderAzure}
	case strings.HasPrefix(model, "gemini-"):
		return []models.Provider{models.ProviderGoogle}
	}
	return nil
}

func (s *Service) resolveModel(model string) string {
	if model != "" {
		return model
	}
	return s.cfg.LLM.DefaultModel
}

// adapterForModel resolves the adapter serving the model: the first
// configured candidate from the prefix route, else the default provider.
// There is no silent fallback past the route.
func (s *Service) adapterForModel(ctx context.Context, model string) (providers.Provider, error) {
	candidates := routeCandidates(model)
	if len(candidates) == 0 {
		def := models.Provider(s.cfg.LLM.DefaultProvider)
		if !def.Valid() {
			return nil, llmerrors.Configuration(
				fmt.Sprintf("no route for model %q and no valid default provider", model))
		}
		candidates = []models.Provider{def}
	}

	for _, candidate := range candidates {
		if s.configured(candidate) {
			return s.adapter(ctx, candidate)
		}
	}
	return nil, llmerrors.Configuration(
		fmt.Sprintf("no configured provider can serve model %q (tried %v)", model, candidates))
}

func (s *Service) configured(p models.Provider) bool {
	return s.cfg.LLM.Providers[string(p)].Configured()
}

// adapter returns the cached adapter for the provider, constructing it on
// first use.
func (s *Service) adapter(ctx context.Context, p models.Provider) (providers.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.adapters[p]; ok {
		return a, nil
	}
	a, err := s.factory(ctx, p, s.cfg)
	if err != nil {
		return nil, err
	}
	s.adapters[p] = a
	return a, nil
}

// buildAdapter is the production adapter factory.
func buildAdapter(ctx context.Context, p models.Provider, cfg *config.Config) (providers.Provider, error) {
	pc := cfg.LLM.Providers[string(p)]
	if !pc.Configured() {
		return nil, llmerrors.Configuration(fmt.Sprintf("provider %s is not configured", p))
	}

	retries := cfg.LLM.MaxRetries
	delay := cfg.LLM.RetryDelay
	timeout := cfg.LLM.Timeout

	switch p {
	case models.ProviderAnthropic:
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey: pc.APIKey, BaseURL: pc.BaseURL, DefaultModel: pc.DefaultModel,
			MaxRetries: retries, RetryDelay: delay, Timeout: timeout,
		})
	case models.ProviderOpenAI:
		return providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey: pc.APIKey, BaseURL: pc.BaseURL, DefaultModel: pc.DefaultModel,
			MaxRetries: retries, RetryDelay: delay, Timeout: timeout,
		})
	case models.ProviderAzure:
		return providers.NewAzureProvider(providers.AzureConfig{
			APIKey: pc.APIKey, Endpoint: pc.BaseURL, APIVersion: pc.APIVersion,
			DefaultModel: pc.DefaultModel,
			MaxRetries:   retries, RetryDelay: delay, Timeout: timeout,
		})
	case models.ProviderBedrock:
		return providers.NewBedrockProvider(ctx, providers.BedrockConfig{
			Region: pc.Region, DefaultModel: pc.DefaultModel,
			MaxRetries: retries, RetryDelay: delay, Timeout: timeout,
		})
	case models.ProviderGoogle:
		return providers.NewGoogleProvider(ctx, providers.GoogleConfig{
			APIKey: pc.APIKey, DefaultModel: pc.DefaultModel,
			MaxRetries: retries, RetryDelay: delay, Timeout: timeout,
		})
	case models.ProviderOpenRouter:
		return providers.NewOpenRouterProvider(providers.OpenRouterConfig{
			APIKey: pc.APIKey, BaseURL: pc.BaseURL, DefaultModel: pc.DefaultModel,
			MaxRetries: retries, RetryDelay: delay, Timeout: timeout,
		})
	case models.ProviderVenice:
		return providers.NewVeniceProvider(providers.VeniceConfig{
			APIKey: pc.APIKey, BaseURL: pc.BaseURL, DefaultModel: pc.DefaultModel,
			MaxRetries: retries, RetryDelay: delay, Timeout: timeout,
		})
	}
	return nil, llmerrors.Configuration(fmt.Sprintf("unknown provider %q", p))
}

// --- ledger lifecycle ---

func (s *Service) providerRequest(model string, messages []models.Message, opts Options) *providers.Request {
	req := &providers.Request{
		Model:           model,
		Messages:        messages,
		Temperature:     opts.Temperature,
		MaxOutputTokens: opts.MaxOutputTokens,
		Tools:           opts.Tools,
		Extra:           opts.Extra,
		Timeout:         s.cfg.LLM.Timeout,
	}
	if req.Temperature == nil && s.cfg.LLM.Temperature > 0 {
		t := s.cfg.LLM.Temperature
		req.Temperature = &t
	}
	if req.MaxOutputTokens == nil && s.cfg.LLM.MaxOutputTokens > 0 {
		n := s.cfg.LLM.MaxOutputTokens
		req.MaxOutputTokens = &n
	}
	return req
}

func (s *Service) cacheKwargs(model string, opts Options) map[string]any {
	kwargs := map[string]any{"model": model}
	if opts.Temperature != nil {
		kwargs["temperature"] = *opts.Temperature
	} else if s.cfg.LLM.Temperature > 0 {
		kwargs["temperature"] = s.cfg.LLM.Temperature
	}
	if opts.MaxOutputTokens != nil {
		kwargs["max_output_tokens"] = *opts.MaxOutputTokens
	}
	for k, v := range opts.Extra {
		kwargs[k] = v
	}
	return kwargs
}

func (s *Service) createRow(ctx context.Context, provider models.Provider, model string, messages []models.Message, opts Options) (*models.LLMRequest, error) {
	row := &models.LLMRequest{
		UserID:          opts.UserID,
		Provider:        provider,
		Model:           model,
		Temperature:     opts.Temperature,
		MaxOutputTokens: opts.MaxOutputTokens,
		Status:          models.RequestPending,
	}
	if data, err := json.Marshal(messages); err == nil {
		row.Messages = data
	}
	if len(opts.Extra) > 0 {
		if data, err := json.Marshal(opts.Extra); err == nil {
			row.AdditionalParams = data
		}
	}
	if err := s.store.Create(ctx, row); err != nil {
		return nil, err
	}
	return row, nil
}

func (s *Service) completeRow(ctx context.Context, id string, resp *models.LLMResponse, elapsedMS int64, userID *int64) {
	attempts := resp.Attempts
	if attempts <= 0 && !resp.Cached {
		attempts = 1
	}
	s.finishRow(ctx, id, ledger.SuccessUpdate{
		Content:            resp.Content,
		Raw:                resp.Raw,
		RequestPayload:     resp.RequestPayload,
		InputTokens:        resp.Usage.InputTokens,
		OutputTokens:       resp.Usage.OutputTokens,
		TotalTokens:        resp.Usage.TotalTokens,
		CostEstimate:       resp.CostEstimate,
		FinishReason:       resp.FinishReason,
		ProviderResponseID: resp.ProviderResponseID,
		SystemFingerprint:  resp.SystemFingerprint,
		ResponseCreatedAt:  resp.CreatedAt,
		ExecutionTimeMS:    elapsedMS,
		RetryAttempt:       attempts,
		Cached:             resp.Cached,
	}, userID)
}

func (s *Service) finishRow(ctx context.Context, id string, upd ledger.SuccessUpdate, userID *int64) {
	if err := s.store.UpdateSuccess(ctx, id, upd); err != nil {
		s.logger.Error(ctx, "ledger success write failed", "error", err)
	}
	if userID != nil {
		if err := s.store.AssignUser(ctx, id, *userID); err != nil {
			s.logger.Warn(ctx, "ledger user assignment failed", "error", err)
		}
	}
}

func (s *Service) failRow(ctx context.Context, id string, genErr error, elapsed time.Duration) {
	// The adapter does not report how many attempts a failed call burned,
	// so a retryable terminal error is assumed to have exhausted the
	// budget and a non-retryable one to have failed on the first try.
	attempts := 1
	if llmerrors.IsRetryable(genErr) {
		attempts = s.cfg.LLM.MaxRetries
	}
	upd := ledger.ErrorUpdate{
		Message:         genErr.Error(),
		Type:            string(llmerrors.KindOf(genErr)),
		ExecutionTimeMS: elapsed.Milliseconds(),
		RetryAttempt:    attempts,
	}
	if err := s.store.UpdateError(ctx, id, upd); err != nil {
		s.logger.Error(ctx, "ledger failure write failed", "error", err)
	}
}

func usageOf(resp *models.LLMResponse) models.Usage {
	if resp == nil {
		return models.Usage{}
	}
	return resp.Usage
}
