package executor

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ignatij/scoutflow/pkg/models"
	"github.com/ignatij/scoutflow/pkg/service"
	"github.com/pkg/errors"
)

const (
	ProviderBrave   = "brave"
	ProviderTavily  = "tavily"
	ProviderSearXNG = "searxng"

	defaultBraveURL  = "https://api.search.brave.com"
	defaultTavilyURL = "https://api.tavily.com"
	defaultLimit     = 5
	maxLimit         = 20
)

// WebSearch runs the search step against Brave, Tavily or a SearXNG instance.
type WebSearch struct {
	Client   *Client
	Provider string
	APIKey   string
	BaseURL  string
}

func NewWebSearch(client *Client, provider, apiKey, baseURL string) (*WebSearch, error) {
	provider = strings.ToLower(provider)
	switch provider {
	case ProviderBrave:
		if baseURL == "" {
			baseURL = defaultBraveURL
		}
	case ProviderTavily:
		if baseURL == "" {
			baseURL = defaultTavilyURL
		}
	case ProviderSearXNG:
		if baseURL == "" {
			return nil, errors.New("searxng requires SEARCH_BASE_URL")
		}
	default:
		return nil, errors.Errorf("unknown search provider: %s", provider)
	}
	return &WebSearch{Client: client, Provider: provider, APIKey: apiKey, BaseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (w *WebSearch) Execute(ctx context.Context, step models.StepDefinition, rc service.RunContext) (models.StepOutput, error) {
	query := queryFor(step, rc)
	if query == "" {
		return models.StepOutput{}, service.Permanent(errors.New("search query is required"))
	}
	limit := limitFor(step)

	var (
		results []models.SearchResult
		err     error
	)
	switch w.Provider {
	case ProviderBrave:
		results, err = w.brave(ctx, query, limit)
	case ProviderTavily:
		results, err = w.tavily(ctx, query, limit)
	case ProviderSearXNG:
		results, err = w.searxng(ctx, query, limit)
	default:
		err = service.Permanent(errors.Errorf("unknown search provider: %s", w.Provider))
	}
	if err != nil {
		return models.StepOutput{}, err
	}
	if len(results) > limit {
		results = results[:limit]
	}
	if results == nil {
		results = []models.SearchResult{}
	}
	return models.StepOutput{Search: &models.SearchOutput{Query: query, Results: results}}, nil
}

func (w *WebSearch) brave(ctx context.Context, query string, limit int) ([]models.SearchResult, error) {
	if w.APIKey == "" {
		return nil, service.Permanent(errors.New("brave search requires SEARCH_API_KEY"))
	}
	u := fmt.Sprintf("%s/res/v1/web/search?q=%s&count=%d", w.BaseURL, url.QueryEscape(query), limit)
	header := http.Header{}
	header.Set("X-Subscription-Token", w.APIKey)

	var resp struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := w.Client.GetJSON(ctx, u, header, &resp); err != nil {
		return nil, err
	}
	results := make([]models.SearchResult, 0, len(resp.Web.Results))
	for _, r := range resp.Web.Results {
		results = append(results, models.SearchResult{Title: r.Title, URL: r.URL, Snippet: stripTags(r.Description)})
	}
	return results, nil
}

func (w *WebSearch) tavily(ctx context.Context, query string, limit int) ([]models.SearchResult, error) {
	if w.APIKey == "" {
		return nil, service.Permanent(errors.New("tavily search requires SEARCH_API_KEY"))
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+w.APIKey)
	body := map[string]interface{}{
		"query":               query,
		"max_results":         limit,
		"search_depth":        "basic",
		"include_answer":      false,
		"include_raw_content": false,
	}

	var resp struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := w.Client.PostJSON(ctx, w.BaseURL+"/search", header, body, &resp); err != nil {
		return nil, err
	}
	results := make([]models.SearchResult, 0, len(resp.Results))
	for _, r := range resp.Results {
		results = append(results, models.SearchResult{Title: r.Title, URL: r.URL, Snippet: r.Content})
	}
	return results, nil
}

func (w *WebSearch) searxng(ctx context.Context, query string, limit int) ([]models.SearchResult, error) {
	u := fmt.Sprintf("%s/search?q=%s&format=json&pageno=1", w.BaseURL, url.QueryEscape(query))
	var resp struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := w.Client.GetJSON(ctx, u, nil, &resp); err != nil {
		return nil, err
	}
	results := make([]models.SearchResult, 0, len(resp.Results))
	for _, r := range resp.Results {
		results = append(results, models.SearchResult{Title: r.Title, URL: r.URL, Snippet: r.Content})
	}
	return results, nil
}

// queryFor prefers the planned query and falls back to the run's goal.
func queryFor(step models.StepDefinition, rc service.RunContext) string {
	if q := strings.TrimSpace(step.Input.Query); q != "" {
		return q
	}
	return strings.TrimSpace(rc.Goal)
}

func limitFor(step models.StepDefinition) int {
	switch {
	case step.Input.Limit <= 0:
		return defaultLimit
	case step.Input.Limit > maxLimit:
		return maxLimit
	default:
		return step.Input.Limit
	}
}
