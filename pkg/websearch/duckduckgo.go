package websearch

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// DuckDuckGoURL is the instant-answer endpoint
const DuckDuckGoURL = "https://api.duckduckgo.com"

// DuckDuckGo queries the instant-answer API. It returns related topics,
// falling back to the abstract when there are none.
type DuckDuckGo struct {
	client *resty.Client
}

// NewDuckDuckGo creates a client. An empty baseURL selects DuckDuckGoURL.
func NewDuckDuckGo(baseURL string, timeout time.Duration) *DuckDuckGo {
	if baseURL == "" {
		baseURL = DuckDuckGoURL
	}
	return &DuckDuckGo{client: newClient(timeout).SetBaseURL(baseURL)}
}

type ddgTopic struct {
	Text     string `json:"Text"`
	FirstURL string `json:"FirstURL"`
}

type ddgResponse struct {
	Heading       string     `json:"Heading"`
	Abstract      string     `json:"Abstract"`
	AbstractURL   string     `json:"AbstractURL"`
	RelatedTopics []ddgTopic `json:"RelatedTopics"`
}

// Search implements Searcher
func (d *DuckDuckGo) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	var body ddgResponse
	resp, err := d.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"q":             query,
			"format":        "json",
			"no_html":       "1",
			"skip_disambig": "1",
		}).
		SetResult(&body).
		ForceContentType("application/json").
		Get("/")
	if err != nil {
		return nil, fmt.Errorf("%w: duckduckgo: %v", ErrProvider, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("%w: duckduckgo status %d", ErrProvider, resp.StatusCode())
	}

	results := []Result{}
	for _, t := range body.RelatedTopics {
		if limit > 0 && len(results) == limit {
			break
		}
		// Category groups carry no Text
		if t.Text == "" {
			continue
		}
		results = append(results, Result{
			Title:   truncateRunes(t.Text, 100),
			Content: t.Text,
			URL:     t.FirstURL,
			Source:  d.Name(),
		})
	}

	if len(results) == 0 && body.Abstract != "" {
		title := body.Heading
		if title == "" {
			title = "Search Result"
		}
		results = append(results, Result{Title: title, Content: body.Abstract, URL: body.AbstractURL, Source: d.Name()})
	}
	return results, nil
}

// Name implements Searcher
func (d *DuckDuckGo) Name() string { return "DuckDuckGo" }
