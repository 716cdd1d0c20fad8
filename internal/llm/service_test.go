package llm

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/conduit/internal/config"
	"github.com/haasonsaas/conduit/internal/llm/cache"
	"github.com/haasonsaas/conduit/internal/llm/ledger"
	"github.com/haasonsaas/conduit/internal/llm/llmerrors"
	"github.com/haasonsaas/conduit/internal/llm/providers"
	"github.com/haasonsaas/conduit/pkg/models"
)

// fakeProvider is a scripted adapter for service tests.
type fakeProvider struct {
	name     models.Provider
	calls    int
	response *models.LLMResponse
	err      error
}

func (f *fakeProvider) Name() models.Provider { return f.name }

func (f *fakeProvider) GenerateResponse(ctx context.Context, req *providers.Request) (*models.LLMResponse, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	resp := *f.response
	resp.Model = req.Model
	resp.Provider = f.name
	return &resp, nil
}

func (f *fakeProvider) EstimateCost(inputTokens, outputTokens int, model string) float64 {
	return float64(inputTokens)*0.000001 + float64(outputTokens)*0.000002
}

func testConfig(configuredProviders ...string) *config.Config {
	cfg := config.Default()
	cfg.LLM.DefaultProvider = "openai"
	cfg.LLM.DefaultModel = "gpt-4o"
	cfg.LLM.MaxRetries = 3
	cfg.LLM.Providers = map[string]config.ProviderConfig{}
	for _, p := range configuredProviders {
		cfg.LLM.Providers[p] = config.ProviderConfig{APIKey: "test-key"}
	}
	return cfg
}

func newTestService(t *testing.T, cfg *config.Config, fake *fakeProvider, withCache bool) (*Service, *ledger.MemoryStore) {
	t.Helper()
	store := ledger.NewMemoryStore()
	var respCache *cache.Cache
	if withCache {
		var err error
		respCache, err = cache.New(t.TempDir(), time.Hour, 0, nil)
		if err != nil {
			t.Fatalf("cache init failed: %v", err)
		}
	}
	svc := New(cfg, store, respCache, nil).WithFactory(
		func(ctx context.Context, p models.Provider, _ *config.Config) (providers.Provider, error) {
			fake.name = p
			return fake, nil
		})
	return svc, store
}

func TestGenerateResponseRecordsLedgerRow(t *testing.T) {
	fake := &fakeProvider{response: &models.LLMResponse{
		Content:      "pong",
		Usage:        models.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
		CostEstimate: 0.0002,
		FinishReason: "stop",
		Attempts:     3,
	}}
	svc, store := newTestService(t, testConfig("openai"), fake, false)
	ctx := context.Background()

	resp, requestID, err := svc.GenerateResponse(ctx, []models.Message{models.UserMessage("ping")}, Options{})
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if resp.Content != "pong" {
		t.Errorf("unexpected content %q", resp.Content)
	}

	row, err := store.ByID(ctx, requestID)
	if err != nil {
		t.Fatalf("ledger row missing: %v", err)
	}
	if row.Status != models.RequestCompleted {
		t.Errorf("expected completed, got %v", row.Status)
	}
	if row.RetryAttempt != 3 {
		t.Errorf("expected recorded retry attempt 3, got %d", row.RetryAttempt)
	}
	if row.Cached {
		t.Error("live call must not be marked cached")
	}
	if row.TokensUsed == nil || *row.TokensUsed != 15 {
		t.Error("token total not recorded")
	}
}

func TestGenerateResponseCacheHit(t *testing.T) {
	fake := &fakeProvider{response: &models.LLMResponse{
		Content: "answer",
		Usage:   models.Usage{InputTokens: 4, OutputTokens: 2, TotalTokens: 6},
	}}
	svc, store := newTestService(t, testConfig("openai"), fake, true)
	ctx := context.Background()
	messages := []models.Message{models.UserMessage("what is the capital of France?")}

	_, firstID, err := svc.GenerateResponse(ctx, messages, Options{})
	if err != nil {
		t.Fatalf("first call failed: %v", err)
	}
	second, secondID, err := svc.GenerateResponse(ctx, messages, Options{})
	if err != nil {
		t.Fatalf("second call failed: %v", err)
	}

	if fake.calls != 1 {
		t.Errorf("expected exactly one vendor call, got %d", fake.calls)
	}
	if !second.Cached {
		t.Error("second response should be served from cache")
	}
	if firstID == secondID {
		t.Error("each call must get its own ledger row")
	}

	for _, id := range []string{firstID, secondID} {
		row, err := store.ByID(ctx, id)
		if err != nil {
			t.Fatalf("ledger row %s missing: %v", id, err)
		}
		if row.Status != models.RequestCompleted {
			t.Errorf("row %s: expected completed, got %v", id, row.Status)
		}
	}
	first, _ := store.ByID(ctx, firstID)
	if first.Cached {
		t.Error("first row must not be cached")
	}
	cachedRow, _ := store.ByID(ctx, secondID)
	if !cachedRow.Cached {
		t.Error("second row must record the cache hit")
	}
}

func TestGenerateResponseToolCallsSkipCache(t *testing.T) {
	fake := &fakeProvider{response: &models.LLMResponse{Content: "ok"}}
	svc, _ := newTestService(t, testConfig("openai"), fake, true)
	ctx := context.Background()
	messages := []models.Message{models.UserMessage("check the weather")}
	tools := []providers.ToolSpec{{Name: "weather", Schema: []byte(`{"type":"object"}`)}}

	for i := 0; i < 2; i++ {
		if _, _, err := svc.GenerateResponse(ctx, messages, Options{Tools: tools}); err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
	}
	if fake.calls != 2 {
		t.Errorf("tool-call turns must bypass the cache, got %d vendor calls", fake.calls)
	}
}

func TestGenerateResponseFailureRecordsError(t *testing.T) {
	fake := &fakeProvider{err: llmerrors.RateLimit("openai", 0, nil)}
	svc, store := newTestService(t, testConfig("openai"), fake, false)
	ctx := context.Background()

	_, requestID, err := svc.GenerateResponse(ctx, []models.Message{models.UserMessage("hi")}, Options{})
	if err == nil {
		t.Fatal("expected error")
	}

	row, lookupErr := store.ByID(ctx, requestID)
	if lookupErr != nil {
		t.Fatalf("ledger row missing: %v", lookupErr)
	}
	if row.Status != models.RequestFailed {
		t.Errorf("expected failed, got %v", row.Status)
	}
	if row.ErrorType == nil || *row.ErrorType != string(llmerrors.KindRateLimit) {
		t.Errorf("expected rate_limit error type, got %v", row.ErrorType)
	}
	if row.RetryAttempt != 3 {
		t.Errorf("retryable failure should record the exhausted budget, got %d", row.RetryAttempt)
	}
}

func TestGenerateResponseAssignsUser(t *testing.T) {
	fake := &fakeProvider{response: &models.LLMResponse{Content: "ok"}}
	svc, store := newTestService(t, testConfig("openai"), fake, false)
	ctx := context.Background()
	user := int64(42)

	_, requestID, err := svc.GenerateResponse(ctx, []models.Message{models.UserMessage("hi")}, Options{UserID: &user})
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}

	row, _ := store.ByID(ctx, requestID)
	if row.UserID == nil || *row.UserID != 42 {
		t.Error("ledger row not tagged with user")
	}
}

func TestRouting(t *testing.T) {
	tests := []struct {
		name       string
		model      string
		configured []string
		want       models.Provider
		wantErr    bool
	}{
		{name: "claude prefers anthropic", model: "claude-sonnet-4-20250514",
			configured: []string{"anthropic", "bedrock"}, want: models.ProviderAnthropic},
		{name: "claude falls back to bedrock", model: "claude-3-5-haiku-20241022",
			configured: []string{"bedrock"}, want: models.ProviderBedrock},
		{name: "bedrock namespaced id", model: "anthropic.claude-3-5-sonnet-20241022-v2:0",
			configured: []string{"anthropic", "bedrock"}, want: models.ProviderBedrock},
		{name: "gpt prefers openai", model: "gpt-4o",
			configured: []string{"openai", "azure"}, want: models.ProviderOpenAI},
		{name: "gpt falls back to azure", model: "gpt-4o",
			configured: []string{"azure"}, want: models.ProviderAzure},
		{name: "gemini routes to google", model: "gemini-2.0-flash",
			configured: []string{"google"}, want: models.ProviderGoogle},
		{name: "vendor slash routes to openrouter", model: "meta-llama/llama-3.1-70b-instruct",
			configured: []string{"openrouter"}, want: models.ProviderOpenRouter},
		{name: "unknown model uses default provider", model: "some-local-model",
			configured: []string{"openai"}, want: models.ProviderOpenAI},
		{name: "unconfigured route fails", model: "claude-sonnet-4-20250514",
			configured: []string{"openai"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeProvider{response: &models.LLMResponse{Content: "ok"}}
			svc, _ := newTestService(t, testConfig(tt.configured...), fake, false)

			adapter, err := svc.adapterForModel(context.Background(), tt.model)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected configuration error")
				}
				if llmerrors.KindOf(err) != llmerrors.KindConfiguration {
					t.Errorf("expected configuration kind, got %v", llmerrors.KindOf(err))
				}
				return
			}
			if err != nil {
				t.Fatalf("routing failed: %v", err)
			}
			if adapter.Name() != tt.want {
				t.Errorf("expected %v, got %v", tt.want, adapter.Name())
			}
		})
	}
}

func TestAdapterIsConstructedOnceAndCached(t *testing.T) {
	fake := &fakeProvider{response: &models.LLMResponse{Content: "ok"}}
	constructions := 0
	svc := New(testConfig("openai"), ledger.NewMemoryStore(), nil, nil).WithFactory(
		func(ctx context.Context, p models.Provider, _ *config.Config) (providers.Provider, error) {
			constructions++
			fake.name = p
			return fake, nil
		})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, _, err := svc.GenerateResponse(ctx, []models.Message{models.UserMessage("hi")}, Options{}); err != nil {
			t.Fatal(err)
		}
	}
	if constructions != 1 {
		t.Errorf("expected one adapter construction, got %d", constructions)
	}
}

func TestEstimateCost(t *testing.T) {
	fake := &fakeProvider{response: &models.LLMResponse{Content: "ok"}}
	svc, _ := newTestService(t, testConfig("openai"), fake, false)

	// 80 characters of prompt approximates 20 prompt tokens and 5
	// completion tokens.
	messages := []models.Message{
		models.SystemMessage("You are a helpful assistant answering briefly"),
		models.UserMessage("What time is it in Lisbon?"),
	}
	chars := 0
	for _, m := range messages {
		chars += len(m.Content)
	}
	prompt := chars / 4
	completion := prompt / 4
	want := float64(prompt)*0.000001 + float64(completion)*0.000002

	got, err := svc.EstimateCost(context.Background(), messages, "gpt-4o")
	if err != nil {
		t.Fatalf("estimate failed: %v", err)
	}
	if got != want {
		t.Errorf("expected %v, got %v", want, got)
	}
}
