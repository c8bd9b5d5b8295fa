package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// GoogleProvider implements Provider using the Google Custom Search API.
type GoogleProvider struct {
	httpClient *http.Client
	apiKey     string
	cx         string
}

// NewGoogleProvider creates a Google Custom Search provider.
func NewGoogleProvider(apiKey, cx string) *GoogleProvider {
	return &GoogleProvider{
		apiKey: apiKey,
		cx:     cx,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Name returns the provider name.
func (p *GoogleProvider) Name() string {
	return "google"
}

// googleSearchItem represents a single item in the Google Custom Search response.
type googleSearchItem struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
}

// googleSearchError represents an error response from Google Custom Search API.
type googleSearchError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// googleSearchResponse represents the response from Google Custom Search API.
type googleSearchResponse struct {
	Error *googleSearchError `json:"error"`
	Items []googleSearchItem `json:"items"`
}

// Search performs a web search using the Google Custom Search API.
func (p *GoogleProvider) Search(ctx context.Context, query string, maxResults int) ([]Result, error) {
	// API docs: https://developers.google.com/custom-search/v1/reference/rest/v1/cse/list
	searchURL := fmt.Sprintf(
		"https://www.googleapis.com/customsearch/v1?key=%s&cx=%s&q=%s&num=%d",
		url.QueryEscape(p.apiKey),
		url.QueryEscape(p.cx),
		url.QueryEscape(query),
		maxResults,
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var googleResp googleSearchResponse
	if unmarshalErr := json.Unmarshal(body, &googleResp); unmarshalErr != nil {
		return nil, fmt.Errorf("failed to parse response: %w", unmarshalErr)
	}

	if googleResp.Error != nil {
		return nil, fmt.Errorf("API error %d: %s", googleResp.Error.Code, googleResp.Error.Message)
	}

	results := make([]Result, 0, len(googleResp.Items))
	for i := range googleResp.Items {
		item := &googleResp.Items[i]
		results = append(results, Result{
			Title:       item.Title,
			Description: item.Snippet,
			URL:         item.Link,
		})
	}

	return results, nil
}

// DuckDuckGoProvider implements Provider using DuckDuckGo's Instant Answer
// API.
// NOTE: This is a fallback provider with limited functionality. It only
// returns encyclopedic/instant answers, not general web search results.
type DuckDuckGoProvider struct {
	httpClient *http.Client
}

// NewDuckDuckGoProvider creates a DuckDuckGo provider.
func NewDuckDuckGoProvider() *DuckDuckGoProvider {
	return &DuckDuckGoProvider{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Name returns the provider name.
func (p *DuckDuckGoProvider) Name() string {
	return "duckduckgo"
}

// duckDuckGoResponse represents the response from DuckDuckGo's instant answer API.
type duckDuckGoResponse struct {
	Abstract      string `json:"Abstract"`
	AbstractText  string `json:"AbstractText"`
	AbstractURL   string `json:"AbstractURL"`
	Heading       string `json:"Heading"`
	Answer        string `json:"Answer"`
	RelatedTopics []struct {
		Text     string `json:"Text"`
		FirstURL string `json:"FirstURL"`
	} `json:"RelatedTopics"`
	Results []struct {
		Text     string `json:"Text"`
		FirstURL string `json:"FirstURL"`
	} `json:"Results"`
}

// Search performs a search using DuckDuckGo's Instant Answer API.
func (p *DuckDuckGoProvider) Search(ctx context.Context, query string, maxResults int) ([]Result, error) {
	searchURL := fmt.Sprintf("https://api.duckduckgo.com/?q=%s&format=json&no_html=1&skip_disambig=1",
		url.QueryEscape(query))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	// Set a user agent to avoid being blocked
	req.Header.Set("User-Agent", "Pairvibe/1.0 (AI Development Tool)")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var ddgResp duckDuckGoResponse
	if unmarshalErr := json.Unmarshal(body, &ddgResp); unmarshalErr != nil {
		return nil, fmt.Errorf("failed to parse response: %w", unmarshalErr)
	}

	var results []Result

	// Add main answer if available
	if ddgResp.AbstractText != "" {
		results = append(results, Result{
			Title:       ddgResp.Heading,
			Description: ddgResp.AbstractText,
			URL:         ddgResp.AbstractURL,
		})
	}

	// Add instant answer if available
	if ddgResp.Answer != "" {
		results = append(results, Result{
			Title:       "Instant Answer",
			Description: ddgResp.Answer,
			URL:         "",
		})
	}

	for i := range ddgResp.RelatedTopics {
		topic := &ddgResp.RelatedTopics[i]
		if topic.Text != "" && len(results) < maxResults {
			results = append(results, Result{
				Description: topic.Text,
				URL:         topic.FirstURL,
			})
		}
	}

	for i := range ddgResp.Results {
		ddgResult := &ddgResp.Results[i]
		if ddgResult.Text != "" && len(results) < maxResults {
			results = append(results, Result{
				Description: ddgResult.Text,
				URL:         ddgResult.FirstURL,
			})
		}
	}

	return results, nil
}
