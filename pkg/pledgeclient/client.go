/**
 * @description
 * Client for triggering the pledge-service batch procedures. The scheduler
 * authenticates with the cron secret as a bearer token on GET requests.
 */
package pledgeclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/theWinterDojer/baseline-sub000/internal/domain"
)

// Client provides methods to trigger pledge-service jobs.
type Client struct {
	baseURL    string
	cronSecret string
	httpClient *http.Client
}

// NewClient creates a new pledge-service client.
func NewClient(baseURL, cronSecret string) *Client {
	normalizedURL := strings.TrimSuffix(baseURL, "/")
	return &Client{
		baseURL:    normalizedURL,
		cronSecret: cronSecret,
		// Settlement runs wait for receipts, so the timeout is generous.
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

// ExpireOverdueOffers triggers the offer expiry sweep.
func (c *Client) ExpireOverdueOffers(ctx context.Context) (*domain.ExpiryResult, error) {
	var result domain.ExpiryResult
	if err := c.trigger(ctx, "/internal/pledges/expire-overdue", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ReconcileOnchainPledges triggers one page of drift reconciliation.
func (c *Client) ReconcileOnchainPledges(ctx context.Context, limit, offset int) (*domain.DriftReport, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		query.Set("offset", strconv.Itoa(offset))
	}

	var report domain.DriftReport
	if err := c.trigger(ctx, "/internal/pledges/reconcile", query, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// SettleOverdueNoResponse triggers the no-response settlement executor.
func (c *Client) SettleOverdueNoResponse(ctx context.Context) (*domain.SettlementRunResult, error) {
	var result domain.SettlementRunResult
	if err := c.trigger(ctx, "/internal/pledges/settle-overdue", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SettleLegacyOffchain triggers off-chain settlement for legacy pledges.
func (c *Client) SettleLegacyOffchain(ctx context.Context) (*domain.SettlementRunResult, error) {
	var result domain.SettlementRunResult
	if err := c.trigger(ctx, "/internal/pledges/settle-legacy", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) trigger(ctx context.Context, path string, query url.Values, out interface{}) error {
	if c.baseURL == "" {
		return fmt.Errorf("pledge service base URL is not configured")
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cronSecret)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errBody struct {
			Error string `json:"error"`
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(body, &errBody) == nil && errBody.Error != "" {
			return fmt.Errorf("pledge service returned status %d: %s", resp.StatusCode, errBody.Error)
		}
		return fmt.Errorf("pledge service returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
