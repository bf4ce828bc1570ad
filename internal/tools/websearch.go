package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// SearchBackend identifies which search backend serves a query.
type SearchBackend string

const (
	BackendSearXNG    SearchBackend = "searxng"
	BackendDuckDuckGo SearchBackend = "duckduckgo"
	BackendBrave      SearchBackend = "brave"

	// maxSearchCacheSize bounds the response cache.
	maxSearchCacheSize = 1000
)

// WebSearchConfig configures the web_search tool. The tool is only
// registered when a config is present.
type WebSearchConfig struct {
	SearXNGURL     string        `json:"searxng_url,omitempty"`
	BraveAPIKey    string        `json:"brave_api_key,omitempty"`
	DefaultBackend SearchBackend `json:"default_backend,omitempty"`
	MaxResults     int           `json:"max_results,omitempty"`
	CacheTTLSec    int           `json:"cache_ttl_sec,omitempty"`
}

// SearchResult is one hit returned to the model.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

type searchResponse struct {
	Query   string         `json:"query"`
	Results []SearchResult `json:"results"`
	Backend SearchBackend  `json:"backend"`
}

type searchCacheEntry struct {
	response  *searchResponse
	expiresAt time.Time
}

// WebSearchTool searches the web through SearXNG, Brave, or the
// DuckDuckGo instant-answer API, with DuckDuckGo as the fallback when the
// primary backend fails. Responses are cached with a TTL.
type WebSearchTool struct {
	config     WebSearchConfig
	httpClient *http.Client
	cacheMu    sync.RWMutex
	cache      map[string]*searchCacheEntry
}

// NewWebSearchTool creates the tool, applying defaults: 5 results, 5
// minute cache, backend picked from available credentials.
func NewWebSearchTool(config WebSearchConfig) *WebSearchTool {
	if config.MaxResults <= 0 {
		config.MaxResults = 5
	}
	if config.CacheTTLSec <= 0 {
		config.CacheTTLSec = 300
	}
	if config.DefaultBackend == "" {
		switch {
		case config.SearXNGURL != "":
			config.DefaultBackend = BackendSearXNG
		case config.BraveAPIKey != "":
			config.DefaultBackend = BackendBrave
		default:
			config.DefaultBackend = BackendDuckDuckGo
		}
	}
	return &WebSearchTool{
		config:     config,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		cache:      make(map[string]*searchCacheEntry),
	}
}

func (t *WebSearchTool) Name() string { return "web_search" }

func (t *WebSearchTool) Description() string {
	return "Search the web and return titles, URLs and snippets for the top results."
}

func (t *WebSearchTool) Schema() json.RawMessage {
	return mustSchema(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "The search query.",
			},
			"result_count": map[string]interface{}{
				"type":        "integer",
				"description": "Number of results to return (default: 5, max: 20).",
				"minimum":     1,
				"maximum":     20,
			},
		},
		"required": []string{"query"},
	})
}

func (t *WebSearchTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var input struct {
		Query       string `json:"query"`
		ResultCount int    `json:"result_count"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	if input.Query == "" {
		return toolError("query is required"), nil
	}
	count := input.ResultCount
	if count <= 0 {
		count = t.config.MaxResults
	}
	if count > 20 {
		count = 20
	}

	cacheKey := fmt.Sprintf("%s:%d:%s", t.config.DefaultBackend, count, input.Query)
	if cached := t.getFromCache(cacheKey); cached != nil {
		return toolJSON(cached), nil
	}

	var response *searchResponse
	var err error
	switch t.config.DefaultBackend {
	case BackendSearXNG:
		response, err = t.searchSearXNG(ctx, input.Query, count)
	case BackendBrave:
		response, err = t.searchBrave(ctx, input.Query, count)
	default:
		response, err = t.searchDuckDuckGo(ctx, input.Query, count)
	}
	if err != nil && t.config.DefaultBackend != BackendDuckDuckGo {
		response, err = t.searchDuckDuckGo(ctx, input.Query, count)
	}
	if err != nil {
		return toolError(fmt.Sprintf("Search failed: %v", err)), nil
	}

	t.putInCache(cacheKey, response)
	return toolJSON(response), nil
}

func (t *WebSearchTool) getFromCache(key string) *searchResponse {
	t.cacheMu.RLock()
	defer t.cacheMu.RUnlock()
	entry, ok := t.cache[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil
	}
	return entry.response
}

func (t *WebSearchTool) putInCache(key string, response *searchResponse) {
	t.cacheMu.Lock()
	defer t.cacheMu.Unlock()
	now := time.Now()
	for k, v := range t.cache {
		if now.After(v.expiresAt) {
			delete(t.cache, k)
		}
	}
	for len(t.cache) >= maxSearchCacheSize {
		var oldestKey string
		var oldestTime time.Time
		for k, v := range t.cache {
			if oldestKey == "" || v.expiresAt.Before(oldestTime) {
				oldestKey = k
				oldestTime = v.expiresAt
			}
		}
		if oldestKey == "" {
			break
		}
		delete(t.cache, oldestKey)
	}
	t.cache[key] = &searchCacheEntry{
		response:  response,
		expiresAt: now.Add(time.Duration(t.config.CacheTTLSec) * time.Second),
	}
}

func (t *WebSearchTool) searchSearXNG(ctx context.Context, query string, count int) (*searchResponse, error) {
	if t.config.SearXNGURL == "" {
		return nil, fmt.Errorf("SearXNG URL not configured")
	}
	searchURL, err := url.Parse(t.config.SearXNGURL)
	if err != nil {
		return nil, fmt.Errorf("invalid SearXNG URL: %w", err)
	}
	q := url.Values{}
	q.Set("q", query)
	q.Set("format", "json")
	q.Set("categories", "general")
	searchURL.Path = "/search"
	searchURL.RawQuery = q.Encode()

	body, err := t.get(ctx, searchURL.String(), nil)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	results := make([]SearchResult, 0, count)
	for i := 0; i < len(parsed.Results) && i < count; i++ {
		r := parsed.Results[i]
		results = append(results, SearchResult{Title: r.Title, URL: r.URL, Snippet: r.Content})
	}
	return &searchResponse{Query: query, Results: results, Backend: BackendSearXNG}, nil
}

func (t *WebSearchTool) searchDuckDuckGo(ctx context.Context, query string, count int) (*searchResponse, error) {
	instantURL := fmt.Sprintf("https://api.duckduckgo.com/?q=%s&format=json&no_html=1", url.QueryEscape(query))
	body, err := t.get(ctx, instantURL, map[string]string{
		"User-Agent": "Mozilla/5.0 (compatible; MuxBot/1.0)",
	})
	if err != nil {
		return nil, err
	}
	var parsed struct {
		AbstractText  string `json:"AbstractText"`
		AbstractURL   string `json:"AbstractURL"`
		Heading       string `json:"Heading"`
		RelatedTopics []struct {
			FirstURL string `json:"FirstURL"`
			Text     string `json:"Text"`
		} `json:"RelatedTopics"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	results := make([]SearchResult, 0, count)
	if parsed.AbstractText != "" && parsed.AbstractURL != "" {
		results = append(results, SearchResult{
			Title:   parsed.Heading,
			URL:     parsed.AbstractURL,
			Snippet: parsed.AbstractText,
		})
	}
	for _, topic := range parsed.RelatedTopics {
		if len(results) >= count {
			break
		}
		if topic.FirstURL == "" || topic.Text == "" {
			continue
		}
		title := topic.Text
		if len(title) > 100 {
			title = title[:100]
		}
		results = append(results, SearchResult{Title: title, URL: topic.FirstURL, Snippet: topic.Text})
	}
	return &searchResponse{Query: query, Results: results, Backend: BackendDuckDuckGo}, nil
}

func (t *WebSearchTool) searchBrave(ctx context.Context, query string, count int) (*searchResponse, error) {
	if t.config.BraveAPIKey == "" {
		return nil, fmt.Errorf("Brave API key not configured")
	}
	q := url.Values{}
	q.Set("q", query)
	q.Set("count", fmt.Sprintf("%d", count))
	body, err := t.get(ctx, "https://api.search.brave.com/res/v1/web/search?"+q.Encode(), map[string]string{
		"Accept":               "application/json",
		"X-Subscription-Token": t.config.BraveAPIKey,
	})
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	results := make([]SearchResult, 0, count)
	for i := 0; i < len(parsed.Web.Results) && i < count; i++ {
		r := parsed.Web.Results[i]
		results = append(results, SearchResult{Title: r.Title, URL: r.URL, Snippet: r.Description})
	}
	return &searchResponse{Query: query, Results: results, Backend: BackendBrave}, nil
}

func (t *WebSearchTool) get(ctx context.Context, rawURL string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backend returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
