package ghl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/hashicorp/go-retryablehttp"
)

// ErrNotConfigured is returned before any network call when no API key is set.
var ErrNotConfigured = errors.New("ghl: API key not configured")

// Client is the authenticated transport to the CRM REST API.
type Client struct {
	cfg  Config
	http *retryablehttp.Client
}

// NewClient builds a transport that retries transport errors and 5xx
// responses cfg.RetryMax times, waiting n*RetryStep before retry n.
func NewClient(cfg Config) *Client {
	cfg = cfg.withDefaults()

	rc := retryablehttp.NewClient()
	rc.HTTPClient.Timeout = cfg.Timeout
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = cfg.RetryStep
	rc.RetryWaitMax = cfg.RetryStep * time.Duration(cfg.RetryMax+1)
	rc.Backoff = linearBackoff(cfg.RetryStep)
	rc.CheckRetry = retryServerErrors
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = leveledLogger{}

	return &Client{cfg: cfg, http: rc}
}

func (c *Client) Config() Config {
	return c.cfg
}

// Request sends an authenticated JSON request to endpoint (a path relative to
// the API base URL). body may be nil, a []byte, or any JSON-marshalable value.
// Once retries are exhausted on 5xx the last response is returned without an
// error; the caller owns closing its body.
func (c *Client) Request(ctx context.Context, method, endpoint string, body interface{}) (*http.Response, error) {
	if c.cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}

	var payload []byte
	switch b := body.(type) {
	case nil:
	case []byte:
		payload = b
	default:
		var err error
		payload, err = json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("ghl: encode request body: %w", err)
		}
	}

	var reader interface{}
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.cfg.BaseURL+endpoint, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Version", c.cfg.APIVersion)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	return c.http.Do(req)
}

func linearBackoff(step time.Duration) retryablehttp.Backoff {
	return func(_, _ time.Duration, attemptNum int, _ *http.Response) time.Duration {
		return time.Duration(attemptNum+1) * step
	}
}

// retryServerErrors retries transport failures and 5xx. 4xx is the caller's
// problem and goes back on the first attempt.
func retryServerErrors(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	return resp.StatusCode >= 500 && resp.StatusCode <= 599, nil
}

// readBody returns at most 1 MiB of the response body and closes it.
func readBody(resp *http.Response) string {
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return string(b)
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

// leveledLogger routes retryablehttp logs into the fiber logger.
type leveledLogger struct{}

func (leveledLogger) Error(msg string, kv ...interface{}) { log.Errorw("[GHL] "+msg, kv...) }
func (leveledLogger) Info(msg string, kv ...interface{})  { log.Infow("[GHL] "+msg, kv...) }
func (leveledLogger) Debug(msg string, kv ...interface{}) { log.Debugw("[GHL] "+msg, kv...) }
func (leveledLogger) Warn(msg string, kv ...interface{})  { log.Warnw("[GHL] "+msg, kv...) }
