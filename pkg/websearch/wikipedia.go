package websearch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// WikipediaHost is formatted with a language code
const WikipediaHost = "https://%s.wikipedia.org"

// Wikipedia searches page titles, trying each language until one has hits
type Wikipedia struct {
	client    *resty.Client
	host      string
	languages []string
}

// NewWikipedia creates a client. host defaults to WikipediaHost and
// languages to Vietnamese then English.
func NewWikipedia(host string, languages []string, timeout time.Duration) *Wikipedia {
	if host == "" {
		host = WikipediaHost
	}
	if len(languages) == 0 {
		languages = []string{"vi", "en"}
	}
	return &Wikipedia{client: newClient(timeout), host: host, languages: languages}
}

type wikiPage struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Excerpt     string `json:"excerpt"`
}

type wikiResponse struct {
	Pages []wikiPage `json:"pages"`
}

// Search implements Searcher
func (w *Wikipedia) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 5
	}
	for _, lang := range w.languages {
		pages, err := w.searchTitles(ctx, lang, query, limit)
		if err != nil {
			return nil, err
		}
		if len(pages) == 0 {
			continue
		}
		results := make([]Result, 0, len(pages))
		for _, p := range pages {
			content := p.Description
			if content == "" {
				content = stripTags(p.Excerpt)
			}
			results = append(results, Result{
				Title:   p.Title,
				Content: content,
				URL:     w.pageURL(lang, p.Title),
				Source:  "Wikipedia (" + lang + ")",
			})
		}
		return results, nil
	}
	return []Result{}, nil
}

func (w *Wikipedia) searchTitles(ctx context.Context, lang, query string, limit int) ([]wikiPage, error) {
	var body wikiResponse
	resp, err := w.client.R().
		SetContext(ctx).
		SetQueryParam("q", query).
		SetQueryParam("limit", fmt.Sprint(limit)).
		SetResult(&body).
		Get(fmt.Sprintf(w.host, lang) + "/w/rest.php/v1/search/title")
	if err != nil {
		return nil, fmt.Errorf("%w: wikipedia %s: %v", ErrProvider, lang, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("%w: wikipedia %s status %d", ErrProvider, lang, resp.StatusCode())
	}
	return body.Pages, nil
}

func (w *Wikipedia) pageURL(lang, title string) string {
	return fmt.Sprintf(w.host, lang) + "/wiki/" + url.PathEscape(strings.ReplaceAll(title, " ", "_"))
}

// Name implements Searcher
func (w *Wikipedia) Name() string { return "Wikipedia" }

// stripTags removes the <span class="searchmatch"> markup in excerpts
func stripTags(s string) string {
	var b strings.Builder
	in := false
	for _, r := range s {
		switch {
		case r == '<':
			in = true
		case r == '>':
			in = false
		case !in:
			b.WriteRune(r)
		}
	}
	return b.String()
}
