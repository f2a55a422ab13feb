package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/procurelens/tendersearch/internal/core/domain"
)

// Client posts finished search results to the external report service.
// The service owns all file formatting; this side only ships the plain
// result payload. Export is optional and disabled with an empty URL.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) Export(ctx context.Context, result *domain.SearchResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode export payload: %w", err)
	}

	endpoint := c.baseURL + "/v1/reports"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build export request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("export request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 2048)) //nolint:errcheck

	if resp.StatusCode >= 300 {
		return fmt.Errorf("report service status %d", resp.StatusCode)
	}
	return nil
}
