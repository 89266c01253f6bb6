package models

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const modelsPayload = `{
  "data": [
    {"id": "meta-llama/llama-3.1-8b-instruct:free", "name": "Llama 3.1 8B", "context_length": 131072, "pricing": {"prompt": "0", "completion": "0"}},
    {"id": "qwen/qwen-2.5-7b-instruct:free", "name": "Qwen 2.5 7B", "context_length": 32768, "pricing": {"prompt": "0", "completion": "0"}},
    {"id": "zero-price/model", "name": "Zero priced", "context_length": 8192, "pricing": {"prompt": "0.0", "completion": "0.0"}},
    {"id": "openai/gpt-4o", "name": "GPT-4o", "context_length": 128000, "pricing": {"prompt": "0.0000025", "completion": "0.00001"}}
  ]
}`

func TestCatalogFetchKeepsOnlyFreeModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/models", r.URL.Path)
		_, _ = w.Write([]byte(modelsPayload))
	}))
	defer srv.Close()

	c := New("key", srv.URL, "", time.Hour)
	free, err := c.FreeModels(context.Background())
	require.NoError(t, err)
	assert.Len(t, free, 3, "paid models are filtered out")

	ids, err := c.IDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{
		"meta-llama/llama-3.1-8b-instruct:free",
		"qwen/qwen-2.5-7b-instruct:free",
		"zero-price/model",
	}, ids)

	assert.True(t, c.Has(context.Background(), "qwen/qwen-2.5-7b-instruct:free"))
	assert.False(t, c.Has(context.Background(), "openai/gpt-4o"))
}

func TestCatalogCachesWithinRefreshInterval(t *testing.T) {
	fetches := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fetches++
		_, _ = w.Write([]byte(modelsPayload))
	}))
	defer srv.Close()

	c := New("key", srv.URL, "", time.Hour)
	_, err := c.FreeModels(context.Background())
	require.NoError(t, err)
	_, err = c.FreeModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, fetches, "fresh cache serves without a round trip")
}

func TestCatalogKeepsCacheWhenRefreshFails(t *testing.T) {
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if !healthy {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(modelsPayload))
	}))
	defer srv.Close()

	c := New("key", srv.URL, "", time.Nanosecond)
	_, err := c.FreeModels(context.Background())
	require.NoError(t, err)

	healthy = false
	free, err := c.FreeModels(context.Background())
	require.NoError(t, err, "stale cache beats no models")
	assert.Len(t, free, 3)
}

func TestCatalogFallbackFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`models:
  - id: fallback/model-a:free
    name: Fallback A
    context_length: 8192
  - id: fallback/model-b:free
    name: Fallback B
    context_length: 4096
`), 0o600))

	c := New("key", srv.URL, path, time.Hour)
	free, err := c.FreeModels(context.Background())
	require.NoError(t, err)
	require.Len(t, free, 2)
	assert.Equal(t, "fallback/model-a:free", free[0].ID)
}

func TestCatalogNoModelsAnywhere(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New("key", srv.URL, "", time.Hour)
	_, err := c.FreeModels(context.Background())
	assert.Error(t, err)
}

func TestPriceIsFree(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want bool
	}{
		{"nil", nil, false},
		{"zero string", "0", true},
		{"zero decimal string", "0.0", true},
		{"priced string", "0.000001", false},
		{"zero float", float64(0), true},
		{"nonzero float", 0.5, false},
		{"nested zero", map[string]any{"usd": "0"}, true},
		{"nested priced", map[string]any{"usd": "0.2"}, false},
		{"empty string", "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, priceIsFree(tc.in))
		})
	}
}
