// Package apify talks to the Apify REST API: it starts scraper actor runs and
// reads the datasets they produce.
package apify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/casafeed/server/internal/domain/listings"
	"github.com/casafeed/server/internal/domain/reconcile"
	"github.com/casafeed/server/internal/metrics"
)

const (
	DefaultBaseURL      = "https://api.apify.com"
	DefaultTimeout      = 30 * time.Second
	DefaultRateLimit    = rate.Limit(5)
	DefaultMaxItems     = 50
	DefaultPollInterval = 10 * time.Second
	DefaultPollAttempts = 30
	// MaxRetries for transient errors
	MaxRetries = 3
	// RetryBaseDelay is the initial backoff delay
	RetryBaseDelay = 1 * time.Second
	// maxErrorBody bounds how much of an error response is kept.
	maxErrorBody = 512
)

// Client implements reconcile.Dispatcher and reconcile.Fetcher.
type Client struct {
	httpClient     *http.Client
	baseURL        string
	token          string
	actorID        string
	maxItems       int
	limiter        *rate.Limiter
	retryBaseDelay time.Duration
	pollInterval   time.Duration
	pollAttempts   int
}

var (
	_ reconcile.Dispatcher = (*Client)(nil)
	_ reconcile.Fetcher    = (*Client)(nil)
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient.Timeout = timeout
		}
	}
}

// WithRateLimit sets a custom rate limit (requests per second).
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

// WithMaxItems caps the number of dataset items read per batch.
func WithMaxItems(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxItems = n
		}
	}
}

// WithPolling configures AwaitBatch.
func WithPolling(interval time.Duration, attempts int) Option {
	return func(c *Client) {
		if interval > 0 {
			c.pollInterval = interval
		}
		if attempts > 0 {
			c.pollAttempts = attempts
		}
	}
}

// WithRetryBaseDelay sets the first retry backoff.
func WithRetryBaseDelay(d time.Duration) Option {
	return func(c *Client) {
		c.retryBaseDelay = d
	}
}

// NewClient creates an Apify client for one actor.
func NewClient(baseURL, token, actorID string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	client := &Client{
		httpClient:     &http.Client{Timeout: DefaultTimeout},
		baseURL:        strings.TrimRight(baseURL, "/"),
		token:          token,
		actorID:        actorID,
		maxItems:       DefaultMaxItems,
		limiter:        rate.NewLimiter(DefaultRateLimit, 1),
		retryBaseDelay: RetryBaseDelay,
		pollInterval:   DefaultPollInterval,
		pollAttempts:   DefaultPollAttempts,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// Dispatch starts an actor run and returns its id. Only 429 responses are
// retried: any other failure may already have started a run.
func (c *Client) Dispatch(ctx context.Context, params reconcile.DispatchParams) (string, error) {
	maxItems := params.MaxItems
	if maxItems <= 0 || maxItems > c.maxItems {
		maxItems = c.maxItems
	}
	input := ActorInput{
		Points:    json.RawMessage(params.Points),
		Operation: params.Operation,
		MaxItems:  maxItems,
	}
	body, err := json.Marshal(input)
	if err != nil {
		return "", &DispatchError{Err: fmt.Errorf("encode actor input: %w", err)}
	}

	requestURL := fmt.Sprintf("%s/v2/acts/%s/runs", c.baseURL, url.PathEscape(c.actorID))

	var resp envelope[Run]
	status, err := c.do(ctx, "dispatch", http.MethodPost, requestURL, body, &resp, func(status int) bool {
		return status == http.StatusTooManyRequests
	})
	if err != nil {
		return "", &DispatchError{StatusCode: status, Err: err}
	}
	if resp.Data.ID == "" {
		return "", &DispatchError{StatusCode: status, Err: errEmptyRunID}
	}

	zerolog.Ctx(ctx).Debug().
		Str("agency_id", params.AgencyID).
		Str("dispatch_id", resp.Data.ID).
		Str("status", resp.Data.Status).
		Msg("apify run started")

	return resp.Data.ID, nil
}

// GetRun returns the actor run with the given id.
func (c *Client) GetRun(ctx context.Context, runID string) (*Run, error) {
	if runID == "" {
		return nil, fmt.Errorf("run id cannot be empty")
	}
	requestURL := fmt.Sprintf("%s/v2/actor-runs/%s", c.baseURL, url.PathEscape(runID))

	var resp envelope[Run]
	status, err := c.do(ctx, "run", http.MethodGet, requestURL, nil, &resp, isRetryableStatus)
	if err != nil {
		return nil, fetchError("run", status, err)
	}
	return &resp.Data, nil
}

// GetItems reads up to limit clean items from a dataset. Numbers are kept as
// json.Number so large ids survive decoding.
func (c *Client) GetItems(ctx context.Context, datasetID string, limit int) ([]listings.Item, error) {
	if datasetID == "" {
		return nil, fetchError("dataset", http.StatusNotFound, errors.New("dataset id is empty"))
	}
	if limit <= 0 || limit > c.maxItems {
		limit = c.maxItems
	}

	query := url.Values{}
	query.Set("clean", "true")
	query.Set("format", "json")
	query.Set("limit", strconv.Itoa(limit))
	requestURL := fmt.Sprintf("%s/v2/datasets/%s/items?%s", c.baseURL, url.PathEscape(datasetID), query.Encode())

	var raw []json.RawMessage
	status, err := c.do(ctx, "dataset", http.MethodGet, requestURL, nil, &raw, isRetryableStatus)
	if err != nil {
		return nil, fetchError("dataset", status, err)
	}

	items := make([]listings.Item, 0, len(raw))
	for i, entry := range raw {
		decoder := json.NewDecoder(bytes.NewReader(entry))
		decoder.UseNumber()
		var item listings.Item
		if err := decoder.Decode(&item); err != nil {
			return nil, &FetchError{Endpoint: "dataset", StatusCode: http.StatusUnprocessableEntity, Err: fmt.Errorf("item %d is not an object: %w", i, err)}
		}
		items = append(items, item)
	}
	return items, nil
}

// GetCompletedBatch returns the items of a succeeded run.
func (c *Client) GetCompletedBatch(ctx context.Context, dispatchID string) ([]listings.Item, error) {
	run, err := c.GetRun(ctx, dispatchID)
	if err != nil {
		return nil, err
	}

	switch run.Status {
	case StatusSucceeded:
	case StatusFailed, StatusAborted, StatusTimedOut:
		return nil, fmt.Errorf("%w: status %s", ErrRunAborted, run.Status)
	default:
		return nil, fmt.Errorf("%w: status %s", ErrNotReady, run.Status)
	}

	if run.DefaultDatasetID == "" {
		return nil, fmt.Errorf("%w: run %s has no dataset", ErrNotFound, run.ID)
	}
	return c.GetItems(ctx, run.DefaultDatasetID, c.maxItems)
}

// AwaitBatch polls until the run finishes and returns its items. The wait is
// bounded by the configured attempts and by ctx; the interval grows up to
// four times its initial value.
func (c *Client) AwaitBatch(ctx context.Context, dispatchID string) ([]listings.Item, error) {
	interval := c.pollInterval
	for attempt := 1; ; attempt++ {
		items, err := c.GetCompletedBatch(ctx, dispatchID)
		if err == nil || !errors.Is(err, ErrNotReady) {
			return items, err
		}
		if attempt >= c.pollAttempts {
			return nil, fmt.Errorf("after %d polls: %w", attempt, err)
		}

		zerolog.Ctx(ctx).Debug().
			Str("dispatch_id", dispatchID).
			Int("attempt", attempt).
			Dur("wait", interval).
			Msg("apify run not finished")

		timer := time.NewTimer(interval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
		if next := interval * 3 / 2; next <= 4*c.pollInterval {
			interval = next
		}
	}
}

// do executes a request with exponential backoff on retryable statuses and
// network errors (when retry allows status 0). It returns the last HTTP
// status seen, 0 when no response arrived.
func (c *Client) do(ctx context.Context, endpoint, method, requestURL string, body []byte, result any, retry func(status int) bool) (int, error) {
	var (
		lastErr    error
		lastStatus int
	)

	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.retryBaseDelay * time.Duration(1<<uint(attempt-1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return lastStatus, ctx.Err()
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return lastStatus, fmt.Errorf("rate limiter: %w", err)
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, requestURL, reader)
		if err != nil {
			return 0, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		metrics.ApifyLatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.ApifyRequests.WithLabelValues(endpoint, "error").Inc()
			lastStatus = 0
			lastErr = fmt.Errorf("http request: %w", err)
			if ctx.Err() != nil || !retry(0) {
				return 0, lastErr
			}
			continue
		}

		payload, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		lastStatus = resp.StatusCode
		metrics.ApifyRequests.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			if !retry(0) {
				return lastStatus, lastErr
			}
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			lastErr = fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, truncate(payload))
			if resp.StatusCode == http.StatusNotFound {
				return lastStatus, fmt.Errorf("%w: %s", ErrNotFound, truncate(payload))
			}
			if retry(resp.StatusCode) {
				continue
			}
			return lastStatus, lastErr
		}

		if err := json.Unmarshal(payload, result); err != nil {
			return lastStatus, fmt.Errorf("parse json: %w", err)
		}
		return lastStatus, nil
	}

	return lastStatus, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// fetchError keeps not-found errors unwrapped so callers can match them.
func fetchError(endpoint string, status int, err error) error {
	if errors.Is(err, ErrNotFound) {
		return err
	}
	return &FetchError{Endpoint: endpoint, StatusCode: status, Err: err}
}

func truncate(body []byte) string {
	text := strings.TrimSpace(string(body))
	if len(text) > maxErrorBody {
		return text[:maxErrorBody] + "..."
	}
	return text
}
