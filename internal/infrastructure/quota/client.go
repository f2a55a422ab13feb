package quota

import (
	"bytes"
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

// Client talks to the subscription service that meters searches per
// user. The search path fails open when this service is unreachable,
// so the client keeps a short timeout and no retries.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

type quotaResponse struct {
	UserID    string `json:"user_id"`
	Remaining int    `json:"remaining"`
	Limit     int    `json:"limit"`
}

// RemainingQuota returns how many searches the user has left in the
// current billing window.
func (c *Client) RemainingQuota(ctx context.Context, userID string) (int, error) {
	endpoint := fmt.Sprintf("%s/v1/quota/%s", c.baseURL, url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("build quota request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("quota request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return 0, domain.WrapError(domain.ErrNotFound, "quota.remaining",
			fmt.Errorf("unknown user %q", userID))
	}
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return 0, fmt.Errorf("quota service status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out quotaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode quota response: %w", err)
	}
	return out.Remaining, nil
}

// RecordUsage reports one consumed search for the user.
func (c *Client) RecordUsage(ctx context.Context, userID string) error {
	payload, err := json.Marshal(map[string]string{"user_id": userID})
	if err != nil {
		return fmt.Errorf("encode usage payload: %w", err)
	}

	endpoint := c.baseURL + "/v1/quota/usage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build usage request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("usage request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 2048)) //nolint:errcheck

	if resp.StatusCode >= 300 {
		return fmt.Errorf("quota service status %d", resp.StatusCode)
	}
	return nil
}
