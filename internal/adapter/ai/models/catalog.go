// Package models fetches and caches the aggregator's model list.
package models

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Model is one entry in the aggregator's catalog.
type Model struct {
	ID      string  `json:"id" yaml:"id"`
	Name    string  `json:"name" yaml:"name"`
	Context int     `json:"context_length" yaml:"context_length"`
	Pricing Pricing `json:"pricing" yaml:"pricing"`
}

// Pricing contains the cost information for a model. The aggregator encodes
// prices in several shapes (strings, numbers, nested maps), so fields stay
// loosely typed.
type Pricing struct {
	Prompt     any `json:"prompt" yaml:"prompt"`
	Completion any `json:"completion" yaml:"completion"`
}

// Catalog caches the model list with a refresh interval. When the live
// endpoint is unreachable and nothing is cached, a static YAML fallback file
// is consulted so the gateway can start offline.
type Catalog struct {
	hc            *http.Client
	mu            sync.RWMutex
	models        []Model
	lastFetch     time.Time
	fetchInterval time.Duration
	apiKey        string
	baseURL       string
	fallbackPath  string
}

// New creates a catalog service.
func New(apiKey, baseURL, fallbackPath string, refreshInterval time.Duration) *Catalog {
	if refreshInterval <= 0 {
		refreshInterval = time.Hour
	}
	return &Catalog{
		hc:            &http.Client{Timeout: 30 * time.Second},
		fetchInterval: refreshInterval,
		apiKey:        apiKey,
		baseURL:       baseURL,
		fallbackPath:  fallbackPath,
	}
}

// FreeModels returns the cached free models, refreshing when stale. A failed
// refresh falls back to the cached list, then to the static file.
func (c *Catalog) FreeModels(ctx context.Context) ([]Model, error) {
	c.mu.RLock()
	stale := c.lastFetch.IsZero() || time.Since(c.lastFetch) > c.fetchInterval
	c.mu.RUnlock()

	if stale {
		if err := c.Refresh(ctx); err != nil {
			slog.Warn("model catalog refresh failed, using cached", slog.Any("error", err))
		}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.models) == 0 {
		return nil, fmt.Errorf("no free models available")
	}
	out := make([]Model, len(c.models))
	copy(out, c.models)
	return out, nil
}

// IDs returns the free model identifiers, sorted for stable output.
func (c *Catalog) IDs(ctx context.Context) ([]string, error) {
	models, err := c.FreeModels(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(models))
	for i, m := range models {
		ids[i] = m.ID
	}
	sort.Strings(ids)
	return ids, nil
}

// Has reports whether id is in the current catalog.
func (c *Catalog) Has(ctx context.Context, id string) bool {
	models, err := c.FreeModels(ctx)
	if err != nil {
		return false
	}
	for _, m := range models {
		if m.ID == id {
			return true
		}
	}
	return false
}

// Refresh fetches the live model list, falling back to the static file when
// the endpoint is unreachable and nothing is cached yet.
func (c *Catalog) Refresh(ctx context.Context) error {
	if err := c.fetchModels(ctx); err != nil {
		c.mu.RLock()
		empty := len(c.models) == 0
		c.mu.RUnlock()
		if empty && c.fallbackPath != "" {
			if ferr := c.loadFallback(); ferr != nil {
				return fmt.Errorf("fetch models: %w (fallback: %w)", err, ferr)
			}
			return nil
		}
		return err
	}
	return nil
}

func (c *Catalog) fetchModels(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("fetch models: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("models endpoint returned status %d", resp.StatusCode)
	}

	var response struct {
		Data []Model `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return fmt.Errorf("decode models: %w", err)
	}

	free := make([]Model, 0, len(response.Data))
	for _, m := range response.Data {
		if isFree(m) {
			free = append(free, m)
		}
	}

	c.mu.Lock()
	c.models = free
	c.lastFetch = time.Now()
	c.mu.Unlock()

	slog.Info("fetched model catalog",
		slog.Int("total_models", len(response.Data)),
		slog.Int("free_models", len(free)))
	return nil
}

func (c *Catalog) loadFallback() error {
	raw, err := os.ReadFile(c.fallbackPath)
	if err != nil {
		return fmt.Errorf("read fallback catalog: %w", err)
	}
	var doc struct {
		Models []Model `yaml:"models"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse fallback catalog: %w", err)
	}
	if len(doc.Models) == 0 {
		return fmt.Errorf("fallback catalog %s lists no models", c.fallbackPath)
	}

	c.mu.Lock()
	c.models = doc.Models
	c.lastFetch = time.Now()
	c.mu.Unlock()

	slog.Info("loaded static fallback catalog",
		slog.String("path", c.fallbackPath),
		slog.Int("models", len(doc.Models)))
	return nil
}

// isFree treats a model as free when its id carries the :free suffix or its
// prompt price is zero in any of the shapes the API uses.
func isFree(m Model) bool {
	if strings.HasSuffix(m.ID, ":free") {
		return true
	}
	return priceIsFree(m.Pricing.Prompt)
}

// priceIsFree supports strings ("0", "0.0"), numbers (0), and nested
// objects (any zero-like value).
func priceIsFree(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		s := strings.TrimSpace(t)
		return s == "0" || s == "0.0"
	case float64:
		return t == 0
	case int:
		return t == 0
	case map[string]any:
		for _, vv := range t {
			if priceIsFree(vv) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// RefreshStatus reports the last and next scheduled refresh.
func (c *Catalog) RefreshStatus() (lastFetch, nextFetch time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastFetch, c.lastFetch.Add(c.fetchInterval)
}
