// Package fda queries the openFDA drug-shortages feed.
package fda

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"pharmasentinel/internal/domain"
	"pharmasentinel/internal/ports"
)

// Client is the regulatory shortage feed collaborator.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

var _ ports.ShortageFeed = (*Client)(nil)

// NewClient wires an HTTP client; a nil client gets a 20s timeout default.
func NewClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	return &Client{baseURL: baseURL, httpClient: client}
}

type feedRecord struct {
	GenericName     string `json:"generic_name"`
	ProprietaryName string `json:"proprietary_name"`
	Status          string `json:"status"`
	Reason          string `json:"shortage_reason"`
	UpdateDate      string `json:"update_date"`
}

type feedResponse struct {
	Results []feedRecord `json:"results"`
}

// Query searches the feed for one drug term. A 404 means no matching
// shortages and yields an empty result, not an error.
func (c *Client) Query(ctx context.Context, drugName string) ([]domain.RawShortageSignal, error) {
	params := url.Values{}
	params.Set("search", fmt.Sprintf("openfda.generic_name:%q", drugName))
	params.Set("limit", "100")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &domain.ExternalCallError{Collaborator: "fda", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		return nil, &domain.ExternalCallError{
			Collaborator: "fda",
			Err:          fmt.Errorf("status %s", resp.Status),
		}
	}

	var parsed feedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode feed response: %w", err)
	}

	signals := make([]domain.RawShortageSignal, 0, len(parsed.Results))
	for _, rec := range parsed.Results {
		name := rec.GenericName
		if name == "" {
			name = rec.ProprietaryName
		}
		signals = append(signals, domain.RawShortageSignal{
			GenericName: name,
			Status:      rec.Status,
			Reason:      rec.Reason,
			UpdateDate:  rec.UpdateDate,
		})
	}
	return signals, nil
}
