package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ignatij/scoutflow/pkg/service"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	maxResponseBytes   = 4 << 20
	userAgent          = "scoutflow/1.0"
)

// StatusError is a non-2xx answer from a provider.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s api error: HTTP %d", e.Provider, e.Code)
	}
	return fmt.Sprintf("%s api error: %d %s", e.Provider, e.Code, e.Body)
}

// Client is the HTTP client shared by the executors of one provider. It
// throttles outgoing requests and classifies failures as transient or
// permanent.
type Client struct {
	provider string
	http     *http.Client
	limiter  *rate.Limiter
}

// NewClient returns a client allowing rps requests per second to provider.
// A non-positive rps disables throttling.
func NewClient(provider string, rps float64, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	limit := rate.Inf
	burst := 1
	if rps > 0 {
		limit = rate.Limit(rps)
		if rps > 1 {
			burst = int(rps)
		}
	}
	return &Client{
		provider: provider,
		http:     &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(limit, burst),
	}
}

// Do sends req and returns the response body of a 2xx answer.
func (c *Client) Do(ctx context.Context, req *http.Request) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, service.Transient(errors.Wrapf(err, "%s rate limiter", c.provider))
	}
	req = req.WithContext(ctx)
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", userAgent)
	}

	resp, err := c.http.Do(req)
	if errors.Is(err, ErrBlockedAddress) {
		return nil, service.Permanent(errors.Wrapf(err, "%s request refused", c.provider))
	}
	if err != nil {
		// network failures and timeouts may succeed on a later attempt
		return nil, service.Transient(errors.Wrapf(err, "%s request failed", c.provider))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, service.Transient(errors.Wrapf(err, "%s read response", c.provider))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classifyStatus(&StatusError{Provider: c.provider, Code: resp.StatusCode, Body: errorMessage(body)})
	}
	return body, nil
}

func classifyStatus(err *StatusError) error {
	if err.Code == http.StatusTooManyRequests || err.Code == http.StatusRequestTimeout || err.Code >= 500 {
		return service.Transient(err)
	}
	return service.Permanent(err)
}

// errorMessage pulls a message out of common JSON error shapes, falling back
// to the truncated raw body.
func errorMessage(body []byte) string {
	var shaped struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if json.Unmarshal(body, &shaped) == nil {
		if shaped.Message != "" {
			return shaped.Message
		}
		var nested struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(shaped.Error, &nested) == nil && nested.Message != "" {
			return nested.Message
		}
		var plain string
		if json.Unmarshal(shaped.Error, &plain) == nil && plain != "" {
			return plain
		}
	}
	msg := string(bytes.TrimSpace(body))
	if len(msg) > 200 {
		msg = msg[:200] + "..."
	}
	return msg
}

// GetJSON issues a GET and decodes the JSON answer into out.
func (c *Client) GetJSON(ctx context.Context, url string, header http.Header, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return service.Permanent(errors.Wrap(err, "create request"))
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")
	return c.decode(ctx, req, out)
}

// PostJSON sends body as JSON and decodes the JSON answer into out.
func (c *Client) PostJSON(ctx context.Context, url string, header http.Header, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return service.Permanent(errors.Wrap(err, "encode request"))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return service.Permanent(errors.Wrap(err, "create request"))
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return c.decode(ctx, req, out)
}

func (c *Client) decode(ctx context.Context, req *http.Request, out interface{}) error {
	body, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return service.Permanent(errors.Wrapf(err, "parse %s response", c.provider))
	}
	return nil
}
