// Package crm talks to the external CRM. All calls from the core go through
// the retry executor and, on exhaustion, the pending operations queue.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/vtorres/leadline/internal/audit"
	"github.com/vtorres/leadline/internal/config"
	"github.com/vtorres/leadline/internal/retry"
	"golang.org/x/oauth2/clientcredentials"
)

// Writer is the external-record writer contract. Implementations must be
// safe for duplicate execution: CreateOrUpdate looks the entity up by its
// natural key before creating, so a replayed write never duplicates it.
type Writer interface {
	CreateOrUpdate(ctx context.Context, entityType string, payload map[string]string) (string, error)
}

// NaturalKey is the payload field used for duplicate detection.
const NaturalKey = "phone"

// Client is a REST Writer authenticated with OAuth2 client credentials.
type Client struct {
	baseURL string
	httpc   *http.Client
	trail   *audit.Trail
	timeout time.Duration
}

// ClientOpts holds parameters for creating a Client.
type ClientOpts struct {
	Config  config.CRMConfig
	Trail   *audit.Trail  // optional; API calls are audited when set
	Timeout time.Duration // per-call timeout, defaults to 10s
	// HTTPClient overrides the OAuth2 client, for tests.
	HTTPClient *http.Client
}

// NewClient creates a Client.
func NewClient(opts ClientOpts) (*Client, error) {
	if opts.Config.BaseURL == "" {
		return nil, fmt.Errorf("crm: base_url is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	httpc := opts.HTTPClient
	if httpc == nil {
		cc := clientcredentials.Config{
			ClientID:     opts.Config.ClientID,
			ClientSecret: opts.Config.ClientSecret,
			TokenURL:     opts.Config.TokenURL,
		}
		httpc = cc.Client(context.Background())
	}

	return &Client{
		baseURL: opts.Config.BaseURL,
		httpc:   httpc,
		trail:   opts.Trail,
		timeout: timeout,
	}, nil
}

// CreateOrUpdate writes one entity. It first looks the entity up by natural
// key; an existing match is updated in place, otherwise a new entity is
// created. Returns the external ID.
func (c *Client) CreateOrUpdate(ctx context.Context, entityType string, payload map[string]string) (string, error) {
	key := payload[NaturalKey]
	if key == "" {
		return "", retry.Permanent(fmt.Errorf("crm: payload missing natural key %q", NaturalKey))
	}

	existingID, err := c.findByNaturalKey(ctx, entityType, key)
	if err != nil {
		return "", err
	}

	if existingID != "" {
		if err := c.update(ctx, entityType, existingID, payload); err != nil {
			return "", err
		}
		return existingID, nil
	}
	return c.create(ctx, entityType, payload)
}

// findByNaturalKey returns the external ID of the entity matching the
// natural key, or empty when none exists.
func (c *Client) findByNaturalKey(ctx context.Context, entityType, key string) (string, error) {
	endpoint := fmt.Sprintf("/%ss?%s=%s", entityType, NaturalKey, url.QueryEscape(key))
	body, status, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	if status == http.StatusNotFound {
		return "", nil
	}

	var result struct {
		Items []struct {
			ID string `json:"id"`
		} `json:"items"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("crm: decode lookup response: %w", err)
	}
	if len(result.Items) == 0 {
		return "", nil
	}
	return result.Items[0].ID, nil
}

func (c *Client) create(ctx context.Context, entityType string, payload map[string]string) (string, error) {
	endpoint := fmt.Sprintf("/%ss", entityType)
	body, _, err := c.do(ctx, http.MethodPost, endpoint, payload)
	if err != nil {
		return "", err
	}
	var result struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("crm: decode create response: %w", err)
	}
	return result.ID, nil
}

func (c *Client) update(ctx context.Context, entityType, id string, payload map[string]string) error {
	endpoint := fmt.Sprintf("/%ss/%s", entityType, id)
	_, _, err := c.do(ctx, http.MethodPut, endpoint, payload)
	return err
}

// do executes one HTTP call with the fixed per-call timeout, classifies the
// response for the retry executor, and audits the call.
func (c *Client) do(ctx context.Context, method, endpoint string, payload map[string]string) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, retry.Permanent(fmt.Errorf("crm: marshal payload: %w", err))
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reqBody)
	if err != nil {
		return nil, 0, retry.Permanent(fmt.Errorf("crm: build request: %w", err))
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpc.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		// Transport errors (timeouts, connection resets) are retryable.
		c.auditCall(endpoint, 0, elapsed, payload)
		return nil, 0, fmt.Errorf("crm: %s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("crm: read response: %w", err)
	}
	c.auditCall(endpoint, resp.StatusCode, elapsed, payload)

	if err := classifyStatus(resp, method, endpoint); err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

// classifyStatus maps HTTP status codes to the retry taxonomy: 5xx is
// retryable, 429 is retryable with the Retry-After hint, and any other 4xx
// is permanent. 404 on a lookup is handled by the caller, not an error.
func classifyStatus(resp *http.Response, method, endpoint string) error {
	status := resp.StatusCode
	switch {
	case status < 400:
		return nil
	case status == http.StatusNotFound && method == http.MethodGet:
		return nil
	case status == http.StatusTooManyRequests:
		return &retry.RateLimitError{
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Err:        fmt.Errorf("crm: %s %s: status %d", method, endpoint, status),
		}
	case status >= 500:
		return fmt.Errorf("crm: %s %s: status %d", method, endpoint, status)
	default:
		return retry.Permanent(fmt.Errorf("crm: %s %s: status %d", method, endpoint, status))
	}
}

// parseRetryAfter reads a Retry-After header given in seconds.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	secs, err := strconv.Atoi(value)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// auditCall records the outbound call; audit failure never blocks the call.
func (c *Client) auditCall(endpoint string, status int, elapsed time.Duration, payload map[string]string) {
	if c.trail == nil {
		return
	}
	if err := c.trail.RecordAPICall("crm", endpoint, status, elapsed, payload); err != nil {
		log.Printf("crm: audit %s: %v", endpoint, err)
	}
}
