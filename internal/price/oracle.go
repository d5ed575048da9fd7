package price

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"rewardScope/internal/observability/metrics"
)

const (
	DefaultBaseURL           = "https://api.coingecko.com/api/v3"
	DefaultRequestsPerSecond = 0.5
	DefaultAPIKeyHeader      = "x-cg-demo-api-key"

	SourceLive      = "live"
	SourceLastKnown = "last-known"
	SourceDefault   = "default"
	SourceNone      = "none"
	SourceStatic    = "static"
)

// Quote is a spot USD price. Fallback is set when the price did not come from a fresh lookup.
type Quote struct {
	USD      float64
	Fallback bool
	Source   string
}

// Source resolves spot prices. Implementations never fail; they degrade to a fallback quote.
type Source interface {
	SpotPrice(ctx context.Context, id string) Quote
	// CachedPrice answers without network I/O from what is already known.
	CachedPrice(id string) Quote
}

// Config configures the HTTP oracle.
type Config struct {
	BaseURL           string
	APIKey            string
	APIKeyHeader      string
	RequestsPerSecond float64
	RetryMax          int
	RetryWaitMin      time.Duration
	RetryWaitMax      time.Duration
	Timeout           time.Duration
	// Defaults are used when neither a live nor a last-known price is available.
	Defaults map[string]float64
}

// Oracle fetches prices from a CoinGecko-compatible /simple/price endpoint.
type Oracle struct {
	cfg     Config
	client  *retryablehttp.Client
	limiter *rate.Limiter
	logger  *zap.Logger

	mu        sync.RWMutex
	lastKnown map[string]float64
}

func NewOracle(cfg Config, logger *zap.Logger) *Oracle {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = DefaultAPIKeyHeader
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryWaitMin <= 0 {
		cfg.RetryWaitMin = 500 * time.Millisecond
	}
	if cfg.RetryWaitMax <= 0 {
		cfg.RetryWaitMax = 3 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	defaults := make(map[string]float64, len(cfg.Defaults))
	for id, usd := range cfg.Defaults {
		defaults[normalizeID(id)] = usd
	}
	cfg.Defaults = defaults

	return &Oracle{
		cfg:       cfg,
		client:    newRetryClient(cfg),
		limiter:   rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		logger:    logger,
		lastKnown: make(map[string]float64),
	}
}

func newRetryClient(cfg Config) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = cfg.RetryMax
	c.RetryWaitMin = cfg.RetryWaitMin
	c.RetryWaitMax = cfg.RetryWaitMax
	c.HTTPClient.Timeout = cfg.Timeout
	c.Logger = nil
	return c
}

// SpotPrice returns the USD price of id, falling back to the last-known price,
// then the configured default, then zero.
func (o *Oracle) SpotPrice(ctx context.Context, id string) Quote {
	id = normalizeID(id)
	if id == "" {
		return Quote{Fallback: true, Source: SourceNone}
	}

	usd, err := o.fetch(ctx, id)
	if err == nil {
		o.mu.Lock()
		o.lastKnown[id] = usd
		o.mu.Unlock()
		return Quote{USD: usd, Source: SourceLive}
	}

	quote := o.fallback(id)
	metrics.RecordPriceFallback(id)
	o.logger.Warn("spot price unavailable, using fallback",
		zap.String("token", id),
		zap.String("source", quote.Source),
		zap.Float64("usd", quote.USD),
		zap.Error(err),
	)
	return quote
}

// CachedPrice returns the last live price of id, else the configured default, else zero.
func (o *Oracle) CachedPrice(id string) Quote {
	id = normalizeID(id)
	o.mu.RLock()
	last, ok := o.lastKnown[id]
	o.mu.RUnlock()
	if ok {
		return Quote{USD: last, Source: SourceLastKnown}
	}
	if usd, ok := o.cfg.Defaults[id]; ok && validPrice(usd) {
		return Quote{USD: usd, Fallback: true, Source: SourceDefault}
	}
	return Quote{Fallback: true, Source: SourceNone}
}

func (o *Oracle) fallback(id string) Quote {
	o.mu.RLock()
	last, ok := o.lastKnown[id]
	o.mu.RUnlock()
	if ok {
		return Quote{USD: last, Fallback: true, Source: SourceLastKnown}
	}
	if usd, ok := o.cfg.Defaults[id]; ok && validPrice(usd) {
		return Quote{USD: usd, Fallback: true, Source: SourceDefault}
	}
	return Quote{Fallback: true, Source: SourceNone}
}

func (o *Oracle) fetch(ctx context.Context, id string) (float64, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("rate limiter: %w", err)
	}

	query := url.Values{}
	query.Set("ids", id)
	query.Set("vs_currencies", "usd")
	endpoint := strings.TrimRight(o.cfg.BaseURL, "/") + "/simple/price?" + query.Encode()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if o.cfg.APIKey != "" {
		req.Header.Set(o.cfg.APIKeyHeader, o.cfg.APIKey)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var body map[string]map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode response: %w", err)
	}
	usd, ok := body[id]["usd"]
	if !ok {
		return 0, fmt.Errorf("price for %s missing in response", id)
	}
	if !validPrice(usd) {
		return 0, fmt.Errorf("invalid price for %s: %v", id, usd)
	}
	return usd, nil
}

// Static serves fixed prices.
type Static map[string]float64

func (s Static) SpotPrice(_ context.Context, id string) Quote {
	usd, ok := s[normalizeID(id)]
	if !ok || !validPrice(usd) {
		return Quote{Fallback: true, Source: SourceNone}
	}
	return Quote{USD: usd, Source: SourceStatic}
}

func (s Static) CachedPrice(id string) Quote {
	return s.SpotPrice(context.Background(), id)
}

func validPrice(usd float64) bool {
	return usd > 0 && !math.IsNaN(usd) && !math.IsInf(usd, 0)
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
