package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/johnayoung/go-tradebars/internal/config"
	apperrors "github.com/johnayoung/go-tradebars/internal/errors"
	"github.com/johnayoung/go-tradebars/internal/metrics"
)

// Retry policy component names.
const (
	ComponentKlines   = "klines"
	ComponentDownload = "download"
)

const maxErrorBody = 512

// numberAPI keeps numeric JSON values as json.Number so open times and
// volumes survive decoding exactly.
var numberAPI = sonic.Config{UseNumber: true}.Froze()

// Client is the paced, retrying HTTP client shared by the kline adapters and
// the archive downloader.
type Client struct {
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	classifier  *apperrors.ErrorClassifier
	logger      *slog.Logger
	metrics     *metrics.Recorder
	cfg         config.ExchangeConfig
}

// NewClient creates a client from the exchange configuration.
func NewClient(cfg config.ExchangeConfig, classifier *apperrors.ErrorClassifier, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	if classifier == nil {
		classifier = apperrors.NewErrorClassifier(config.DefaultConfig().ErrorHandling, logger)
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.HTTPTimeout(),
		},
		rateLimiter: rate.NewLimiter(limit, burst),
		classifier:  classifier,
		logger:      logger.With("component", "exchange_client"),
		metrics:     metrics.NewRecorder(),
		cfg:         cfg,
	}
}

// SetRecorder replaces the run metrics recorder.
func (c *Client) SetRecorder(r *metrics.Recorder) {
	c.metrics = r
}

// Metrics returns the recorder counting this client's traffic.
func (c *Client) Metrics() *metrics.Recorder {
	return c.metrics
}

// Config returns the exchange configuration the client was built with.
func (c *Client) Config() config.ExchangeConfig {
	return c.cfg
}

// WaitForLimit blocks until the rate limiter admits one request.
func (c *Client) WaitForLimit(ctx context.Context) error {
	return c.rateLimiter.Wait(ctx)
}

// Get issues a paced GET for rawURL and passes a 200 response to handle.
// Failed attempts, including errors returned by handle, are retried under the
// retry policy of component. handle may wrap an error with backoff.Permanent
// to stop retrying.
func (c *Client) Get(ctx context.Context, component, rawURL string, handle func(*http.Response) error) error {
	return c.classifier.Retry(ctx, component, "GET "+rawURL, func() error {
		if err := c.WaitForLimit(ctx); err != nil {
			return fmt.Errorf("rate limiter wait: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		if c.cfg.UserAgent != "" {
			req.Header.Set("User-Agent", c.cfg.UserAgent)
		}

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.metrics.RecordRequest(true)
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()
		c.metrics.RecordRequest(resp.StatusCode != http.StatusOK)

		c.logger.Debug("http response",
			"url", rawURL,
			"status", resp.StatusCode,
			"duration", time.Since(start))

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			return &apperrors.StatusError{
				StatusCode: resp.StatusCode,
				Status:     resp.Status,
				URL:        rawURL,
				Body:       string(body),
				RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			}
		}

		return handle(resp)
	})
}

// GetJSON fetches rawURL and decodes the body into dst.
func (c *Client) GetJSON(ctx context.Context, component, rawURL string, dst interface{}) error {
	return c.Get(ctx, component, rawURL, func(resp *http.Response) error {
		return decodeBody(resp, dst)
	})
}

func decodeBody(resp *http.Response, dst interface{}) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if err := numberAPI.Unmarshal(body, dst); err != nil {
		return backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(seconds) * time.Second
	}

	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}

	return 0
}

// jsonString renders a decoded JSON scalar as text.
func jsonString(v interface{}) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case json.Number:
		return x.String(), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case int64:
		return strconv.FormatInt(x, 10), true
	}
	return "", false
}
