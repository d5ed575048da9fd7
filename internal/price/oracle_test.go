package price

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOracle(t *testing.T, handler http.HandlerFunc, defaults map[string]float64) *Oracle {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewOracle(Config{
		BaseURL:           server.URL,
		APIKey:            "secret",
		RequestsPerSecond: 1000,
		RetryMax:          0,
		Defaults:          defaults,
	}, nil)
}

func TestSpotPriceLive(t *testing.T) {
	oracle := newTestOracle(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/simple/price", r.URL.Path)
		assert.Equal(t, "metis", r.URL.Query().Get("ids"))
		assert.Equal(t, "usd", r.URL.Query().Get("vs_currencies"))
		assert.Equal(t, "secret", r.Header.Get(DefaultAPIKeyHeader))
		_, _ = w.Write([]byte(`{"metis":{"usd":42.5}}`))
	}, nil)

	quote := oracle.SpotPrice(context.Background(), "METIS")
	assert.Equal(t, Quote{USD: 42.5, Source: SourceLive}, quote)
}

func TestSpotPriceFallbackOrder(t *testing.T) {
	var failing atomic.Bool
	oracle := newTestOracle(t, func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"metis":{"usd":40}}`))
	}, map[string]float64{"metis": 30, "shadow": 0.5})

	ctx := context.Background()
	require.Equal(t, SourceLive, oracle.SpotPrice(ctx, "metis").Source)

	failing.Store(true)
	quote := oracle.SpotPrice(ctx, "metis")
	assert.True(t, quote.Fallback)
	assert.Equal(t, SourceLastKnown, quote.Source)
	assert.Equal(t, 40.0, quote.USD)

	quote = oracle.SpotPrice(ctx, "shadow")
	assert.Equal(t, SourceDefault, quote.Source)
	assert.Equal(t, 0.5, quote.USD)

	quote = oracle.SpotPrice(ctx, "unknown")
	assert.Equal(t, SourceNone, quote.Source)
	assert.Zero(t, quote.USD)
}

func TestSpotPriceRejectsBadPayloads(t *testing.T) {
	payloads := map[string]string{
		"missing field": `{"metis":{}}`,
		"zero price":    `{"metis":{"usd":0}}`,
		"negative":      `{"metis":{"usd":-3}}`,
		"bad json":      `{"metis":`,
		"wrong id":      `{"other":{"usd":1}}`,
	}

	for name, payload := range payloads {
		t.Run(name, func(t *testing.T) {
			oracle := newTestOracle(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(payload))
			}, map[string]float64{"metis": 12})

			quote := oracle.SpotPrice(context.Background(), "metis")
			assert.True(t, quote.Fallback)
			assert.Equal(t, 12.0, quote.USD)
		})
	}
}

func TestStatic(t *testing.T) {
	prices := Static{"metis": 2}
	assert.Equal(t, Quote{USD: 2, Source: SourceStatic}, prices.SpotPrice(context.Background(), " Metis "))
	assert.True(t, prices.SpotPrice(context.Background(), "eth").Fallback)
}

func TestCachedPriceNeverCallsOut(t *testing.T) {
	var calls atomic.Int32
	oracle := newTestOracle(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"metis":{"usd":40}}`))
	}, map[string]float64{"shadow": 0.5})

	assert.Equal(t, Quote{Fallback: true, Source: SourceNone}, oracle.CachedPrice("metis"))
	assert.Equal(t, Quote{USD: 0.5, Fallback: true, Source: SourceDefault}, oracle.CachedPrice("shadow"))
	assert.Zero(t, calls.Load())

	require.Equal(t, SourceLive, oracle.SpotPrice(context.Background(), "metis").Source)
	assert.Equal(t, Quote{USD: 40, Source: SourceLastKnown}, oracle.CachedPrice("METIS"))
	assert.Equal(t, int32(1), calls.Load())
}
