// Package news queries the NewsAPI "everything" endpoint and optionally
// enriches hits with article body text scraped from the source page.
package news

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"pharmasentinel/internal/config"
	"pharmasentinel/internal/domain"
	"pharmasentinel/internal/ports"
)

const maxBodyChars = 4000

// Client is the news search collaborator.
type Client struct {
	baseURL     string
	apiKey      string
	pageSize    int
	fetchBodies bool
	httpClient  *http.Client
	logger      *slog.Logger
}

var _ ports.NewsSearcher = (*Client)(nil)

// NewClient builds a client from configuration.
func NewClient(cfg config.NewsConfig, client *http.Client, logger *slog.Logger) *Client {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 5
	}
	return &Client{
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		pageSize:    pageSize,
		fetchBodies: cfg.FetchBodies,
		httpClient:  client,
		logger:      logger,
	}
}

type apiArticle struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
	PublishedAt string `json:"publishedAt"`
	Source      struct {
		Name string `json:"name"`
	} `json:"source"`
}

type apiResponse struct {
	Status   string       `json:"status"`
	Articles []apiArticle `json:"articles"`
}

// Search runs one query restricted to the recent window. Zero hits is a
// normal outcome. Body enrichment failures never fail the search.
func (c *Client) Search(ctx context.Context, query string, windowDays int) ([]domain.Article, error) {
	if c.apiKey == "" {
		return nil, &domain.ExternalCallError{Collaborator: "news", Err: fmt.Errorf("api key not configured")}
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("language", "en")
	params.Set("sortBy", "relevancy")
	params.Set("pageSize", strconv.Itoa(c.pageSize))
	params.Set("from", time.Now().UTC().AddDate(0, 0, -windowDays).Format(time.RFC3339))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/everything?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &domain.ExternalCallError{Collaborator: "news", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &domain.ExternalCallError{
			Collaborator: "news",
			Err:          fmt.Errorf("status %s for %q", resp.Status, query),
		}
	}

	var parsed apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	articles := make([]domain.Article, 0, len(parsed.Articles))
	for _, a := range parsed.Articles {
		if a.URL == "" {
			continue
		}
		published, _ := time.Parse(time.RFC3339, a.PublishedAt)
		article := domain.Article{
			URL:         a.URL,
			Headline:    a.Title,
			Description: a.Description,
			Source:      a.Source.Name,
			PublishedAt: published,
		}
		if c.fetchBodies {
			article.Body = c.fetchBody(ctx, a.URL)
		}
		articles = append(articles, article)
	}
	return articles, nil
}

// fetchBody pulls the article page and joins its paragraph text, capped to
// keep prompts bounded. Any failure leaves the body empty.
func (c *Client) fetchBody(ctx context.Context, pageURL string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return ""
	}
	req.Header.Set("User-Agent", "PharmaSentinel/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.debug("fetch body failed", "url", pageURL, "error", err)
		return ""
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ""
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		c.debug("parse body failed", "url", pageURL, "error", err)
		return ""
	}

	var parts []string
	total := 0
	doc.Find("article p, p").EachWithBreak(func(i int, p *goquery.Selection) bool {
		text := strings.TrimSpace(p.Text())
		if text == "" {
			return true
		}
		parts = append(parts, text)
		total += len(text)
		return total < maxBodyChars
	})

	body := strings.Join(parts, "\n")
	if len(body) > maxBodyChars {
		body = body[:maxBodyChars]
	}
	return body
}

func (c *Client) debug(msg string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Debug(msg, args...)
	}
}
