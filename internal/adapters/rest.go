package adapters

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

	"github.com/dayflowhq/dayflow-sync/internal/integration"
)

const defaultTimeout = 30 * time.Second

// restClient is the shared HTTP plumbing for REST adapters: bearer auth,
// rate-limit admission before every outbound call, retry with backoff, and
// status-code classification into typed errors.
type restClient struct {
	service    string
	baseURL    string
	httpClient *http.Client
	limiter    *integration.RateLimiter
	retry      *integration.RetryHandler
	token      string
}

func newRESTClient(service, baseURL string, client *http.Client, limits integration.RateLimits) *restClient {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &restClient{
		service:    service,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: client,
		limiter:    integration.NewRateLimiter(limits),
		retry:      integration.NewRetryHandler(0, 0, integration.BackoffExponential),
	}
}

func (c *restClient) setToken(token string) {
	c.token = token
}

// do performs one API call. Admission runs inside the retry loop so every
// attempt counts against the service quota; a denied admission surfaces as
// a rate-limit error, which the retry handler never retries.
func (c *restClient) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	return c.retry.Do(ctx, func() error {
		if err := c.limiter.Acquire(c.service); err != nil {
			return err
		}
		return c.doOnce(ctx, method, path, query, body, out)
	})
}

func (c *restClient) doOnce(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return integration.NetworkError(c.service, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return integration.NetworkError(c.service, err)
	}

	if resp.StatusCode >= 400 {
		return classifyStatus(c.service, resp.StatusCode, data)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return integration.APIError(c.service, "failed to decode response", err)
		}
	}
	return nil
}

// classifyStatus maps HTTP failure codes onto error kinds. The kind decides
// whether the retry handler tries again.
func classifyStatus(service string, status int, body []byte) error {
	msg := fmt.Sprintf("request failed with status %d", status)
	if len(body) > 0 && len(body) < 512 {
		msg = fmt.Sprintf("%s: %s", msg, strings.TrimSpace(string(body)))
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return integration.AuthenticationError(service, msg, nil)
	case status == http.StatusTooManyRequests:
		return integration.RateLimitError(service, msg)
	case status == http.StatusConflict:
		return integration.NewError(integration.KindConflict, service, msg, nil)
	case status == http.StatusNotFound:
		return integration.APIError(service, "resource not found", nil)
	case status >= 400 && status < 500:
		return integration.ValidationError(service, msg)
	default:
		return integration.APIError(service, msg, nil)
	}
}
