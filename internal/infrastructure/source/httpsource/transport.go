package httpsource

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/procurelens/tendersearch/internal/core/domain"
)

type wireRecord struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Authority   string    `json:"authority"`
	Modality    string    `json:"modality"`
	Value       float64   `json:"value"`
	Currency    string    `json:"currency"`
	Status      string    `json:"status"`
	PublishedAt time.Time `json:"published_at"`
	Deadline    time.Time `json:"deadline"`
	URL         string    `json:"url"`
}

type wireResponse struct {
	Records []wireRecord `json:"records"`
}

func (r wireRecord) toDomain(source, region string, fetchedAt time.Time) domain.Opportunity {
	return domain.Opportunity{
		ExternalID:  r.ID,
		Source:      source,
		Region:      region,
		Title:       r.Title,
		Description: r.Description,
		Authority:   r.Authority,
		Modality:    r.Modality,
		Value:       r.Value,
		Currency:    r.Currency,
		Status:      r.Status,
		PublishedAt: r.PublishedAt,
		Deadline:    r.Deadline,
		URL:         r.URL,
		FetchedAt:   fetchedAt,
	}
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any, operation string) error {
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create %s request: %w", operation, err)
	}
	req.Header.Set("Accept", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s request: %w", c.cfg.Name, operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &HTTPStatusError{
			Source:     c.cfg.Name,
			Operation:  operation,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(body)),
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", operation, err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
}
