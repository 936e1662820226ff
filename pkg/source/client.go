// Package source provides the HTTP client for the paginated catalog API:
// page discovery, single-page fetching with retry, and response validation.
package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Sternrassler/catalog-ingest/pkg/ratelimit"
	"github.com/Sternrassler/catalog-ingest/pkg/retry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for source requests.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_requests_total",
		Help: "Total source requests by status",
	}, []string{"status"})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ingest_request_duration_seconds",
		Help:    "Source request duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})

	fetchErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_fetch_errors_total",
		Help: "Total failed fetch attempts by class",
	}, []string{"class"})
)

// Meta describes the size of the remote item set.
type Meta struct {
	TotalItems int
	PerPage    int
	TotalPages int
}

// Page is one successfully fetched and validated page.
type Page struct {
	Number   int
	Items    []json.RawMessage
	Attempts int
}

// PageFetcher is the interface the orchestrator uses to talk to the source.
// Implementations must be safe for concurrent use.
type PageFetcher interface {
	// Discover returns the total item and page count.
	Discover(ctx context.Context) (Meta, error)

	// FetchPage fetches a single page, retrying transient failures.
	FetchPage(ctx context.Context, page int) (Page, error)
}

// Config holds the client configuration.
type Config struct {
	// BaseURL is the list endpoint, e.g. "https://mp-catalog.umico.az/api/v1/products".
	BaseURL string

	// PerPage is the requested page size.
	PerPage int

	// Query parameter names for page index and size.
	PageParam    string
	PerPageParam string

	// Params are extra query parameters sent on every request.
	Params map[string]string

	// Headers are sent on every request.
	Headers map[string]string

	// Timeout bounds each single HTTP exchange.
	Timeout time.Duration

	// Retry is the backoff policy applied per page.
	Retry retry.Policy
}

// DefaultConfig returns a configuration for the discount catalog endpoint.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:      baseURL,
		PerPage:      24,
		PageParam:    "page",
		PerPageParam: "per_page",
		Params: map[string]string{
			"with_discount": "true",
			"sort":          "discount_score_desc",
		},
		Headers: map[string]string{
			"Accept":          "application/json, text/plain, */*",
			"Accept-Language": "az",
			"User-Agent":      "catalog-ingest/0.1.0",
		},
		Timeout: 30 * time.Second,
		Retry:   retry.DefaultPolicy(),
	}
}

// Client fetches pages from the catalog API.
type Client struct {
	httpClient *http.Client
	limiter    ratelimit.Tracker
	config     Config
	logger     zerolog.Logger
}

// New creates a new source client. limiter may be nil.
func New(cfg Config, limiter ratelimit.Tracker) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if cfg.PerPage <= 0 {
		return nil, fmt.Errorf("per_page must be > 0 (got %d)", cfg.PerPage)
	}
	if cfg.Retry.MaxAttempts < 1 {
		return nil, fmt.Errorf("retry max attempts must be >= 1 (got %d)", cfg.Retry.MaxAttempts)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PageParam == "" {
		cfg.PageParam = "page"
	}
	if cfg.PerPageParam == "" {
		cfg.PerPageParam = "per_page"
	}

	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        50,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: limiter,
		config:  cfg,
		logger:  log.With().Str("component", "source").Logger(),
	}, nil
}

// Discover fetches the first page and derives the page count from meta.total.
// It follows the same retry policy as FetchPage; any failure is ErrDiscovery.
func (c *Client) Discover(ctx context.Context) (Meta, error) {
	var meta Meta
	err := retry.Do(ctx, c.config.Retry, func(attempt int) error {
		env, err := c.fetchOnce(ctx, 1)
		if err != nil {
			return err
		}
		if env.total == nil {
			return &FetchError{Page: 1, Class: retry.ClassDecode, Err: fmt.Errorf("%w: missing meta.total", ErrInvalidPayload)}
		}

		perPage := c.config.PerPage
		if env.perPage > 0 {
			perPage = env.perPage
		}
		meta = Meta{
			TotalItems: *env.total,
			PerPage:    perPage,
			TotalPages: (*env.total + perPage - 1) / perPage,
		}
		return nil
	})
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to get total page count")
		return Meta{}, fmt.Errorf("%w: %w", ErrDiscovery, err)
	}

	c.logger.Info().
		Int("total_items", meta.TotalItems).
		Int("total_pages", meta.TotalPages).
		Int("per_page", meta.PerPage).
		Msg("Discovered source size")
	return meta, nil
}

// FetchPage fetches one page, retrying transient failures per the policy.
// Failures are returned as *FetchError carrying the attempt count; if ctx ends
// first the error also matches retry.ErrContextCancelled.
func (c *Client) FetchPage(ctx context.Context, page int) (Page, error) {
	var (
		result   Page
		last     *FetchError
		attempts int
	)

	err := retry.Do(ctx, c.config.Retry, func(attempt int) error {
		attempts = attempt
		env, err := c.fetchOnce(ctx, page)
		if err != nil {
			errors.As(err, &last)
			return err
		}
		result = Page{Number: page, Items: env.items, Attempts: attempt}
		return nil
	})
	if err == nil {
		c.logger.Debug().
			Int("page", page).
			Int("items", len(result.Items)).
			Int("attempt", result.Attempts).
			Msg("Page fetched")
		return result, nil
	}

	if last == nil {
		last = &FetchError{Page: page, Class: retry.ClassNetwork, Err: err}
	}
	out := *last
	out.Attempts = attempts

	if errors.Is(err, retry.ErrContextCancelled) {
		return Page{}, fmt.Errorf("%w: %w", retry.ErrContextCancelled, &out)
	}

	c.logger.Warn().
		Int("page", page).
		Str("error_class", string(out.Class)).
		Int("attempts", attempts).
		Err(out.Err).
		Msg("Page fetch failed")
	return Page{}, &out
}

// envelope is the validated shape of one response.
type envelope struct {
	items   []json.RawMessage
	total   *int
	perPage int
}

// fetchOnce performs exactly one HTTP exchange under the per-call timeout.
func (c *Client) fetchOnce(ctx context.Context, page int) (*envelope, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, c.pageURL(page), nil)
	if err != nil {
		return nil, &FetchError{Page: page, Class: retry.ClassClient, Err: fmt.Errorf("create request: %w", err)}
	}
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	requestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		class := classifyTransport(err)
		fetchErrorsTotal.WithLabelValues(string(class)).Inc()
		requestsTotal.WithLabelValues(string(class)).Inc()
		return nil, &FetchError{Page: page, Class: class, Err: err}
	}
	defer resp.Body.Close()

	requestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

		fe := &FetchError{
			Page:       page,
			Class:      classifyStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Err:        errors.New(resp.Status),
		}
		if fe.Class == retry.ClassRateLimit {
			fe.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
			if c.limiter != nil {
				if err := c.limiter.Signal(ctx, fe.RetryAfter); err != nil {
					c.logger.Warn().Err(err).Msg("Failed to record rate limit signal")
				}
			}
		}
		fetchErrorsTotal.WithLabelValues(string(fe.Class)).Inc()

		c.logger.Debug().
			Int("page", page).
			Int("status", resp.StatusCode).
			Str("error_class", string(fe.Class)).
			Msg("Source request error")
		return nil, fe
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		class := classifyTransport(err)
		fetchErrorsTotal.WithLabelValues(string(class)).Inc()
		return nil, &FetchError{Page: page, Class: class, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	env, err := decodeEnvelope(body)
	if err != nil {
		fetchErrorsTotal.WithLabelValues(string(retry.ClassDecode)).Inc()
		return nil, &FetchError{Page: page, Class: retry.ClassDecode, StatusCode: resp.StatusCode, Err: err}
	}
	return env, nil
}

// pageURL builds the request URL for a page.
func (c *Client) pageURL(page int) string {
	u, _ := url.Parse(c.config.BaseURL)
	q := u.Query()
	for k, v := range c.config.Params {
		q.Set(k, v)
	}
	q.Set(c.config.PerPageParam, strconv.Itoa(c.config.PerPage))
	q.Set(c.config.PageParam, strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String()
}

// decodeEnvelope parses a response body and checks the structural contract:
// a JSON object with a "products" array.
func decodeEnvelope(body []byte) (*envelope, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	products, ok := raw["products"]
	if !ok {
		return nil, fmt.Errorf("%w: missing products", ErrInvalidPayload)
	}
	trimmed := bytes.TrimSpace(products)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, fmt.Errorf("%w: products is not a list", ErrInvalidPayload)
	}

	env := &envelope{}
	if err := json.Unmarshal(trimmed, &env.items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	if metaRaw, ok := raw["meta"]; ok {
		var meta struct {
			Total   *int `json:"total"`
			PerPage int  `json:"per_page"`
		}
		if err := json.Unmarshal(metaRaw, &meta); err == nil {
			env.total = meta.Total
			env.perPage = meta.PerPage
		}
	}
	return env, nil
}

// classifyStatus categorizes a non-200 response.
func classifyStatus(status int) retry.ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return retry.ClassRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return retry.ClassTimeout
	case status >= 500:
		return retry.ClassServer
	case status >= 400:
		return retry.ClassClient
	default:
		// 1xx/3xx that the transport did not resolve
		return retry.ClassDecode
	}
}

// classifyTransport categorizes a transport-level error.
func classifyTransport(err error) retry.ErrorClass {
	if errors.Is(err, context.DeadlineExceeded) {
		return retry.ClassTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return retry.ClassTimeout
	}
	return retry.ClassNetwork
}

// parseRetryAfter accepts delay-seconds or an HTTP date. Returns 0 if absent or invalid.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}
