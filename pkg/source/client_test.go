package source

import (
	"context"
	"errors"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/Sternrassler/catalog-ingest/internal/testutil"
	"github.com/Sternrassler/catalog-ingest/pkg/ratelimit"
	"github.com/Sternrassler/catalog-ingest/pkg/retry"
	"github.com/rs/zerolog"
)

// testConfig returns a client config pointed at url with fast retries.
func testConfig(url string) Config {
	cfg := DefaultConfig(url)
	cfg.PerPage = 2
	cfg.Timeout = 200 * time.Millisecond
	cfg.Retry = retry.Policy{
		MaxAttempts:    3,
		InitialBackoff: 1 * time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
	}
	return cfg
}

func newTestClient(t *testing.T, cfg Config, limiter ratelimit.Tracker) *Client {
	t.Helper()
	c, err := New(cfg, limiter)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"missing base url", func(c *Config) { c.BaseURL = "" }, true},
		{"zero per page", func(c *Config) { c.PerPage = 0 }, true},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("http://localhost/api")
			tt.mutate(&cfg)
			_, err := New(cfg, nil)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDiscover(t *testing.T) {
	mock := testutil.NewMockCatalog(7, 2)
	defer mock.Close()

	c := newTestClient(t, testConfig(mock.URL()), nil)

	meta, err := c.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if meta.TotalItems != 7 {
		t.Errorf("TotalItems = %d, want 7", meta.TotalItems)
	}
	if meta.TotalPages != 4 {
		t.Errorf("TotalPages = %d, want 4", meta.TotalPages)
	}
}

func TestDiscover_FailsAfterRetries(t *testing.T) {
	mock := testutil.NewMockCatalog(8, 2)
	defer mock.Close()
	mock.SetPageAlways(1, testutil.NewServerErrorResponse())

	c := newTestClient(t, testConfig(mock.URL()), nil)

	_, err := c.Discover(context.Background())
	if !errors.Is(err, ErrDiscovery) {
		t.Fatalf("Expected ErrDiscovery, got %v", err)
	}
	if got := mock.Requests(1); got != 3 {
		t.Errorf("Discovery requests = %d, want 3", got)
	}
}

func TestFetchPage_Success(t *testing.T) {
	mock := testutil.NewMockCatalog(8, 2)
	defer mock.Close()

	c := newTestClient(t, testConfig(mock.URL()), nil)

	page, err := c.FetchPage(context.Background(), 3)
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}
	if page.Number != 3 || len(page.Items) != 2 || page.Attempts != 1 {
		t.Errorf("page = {%d, %d items, %d attempts}, want {3, 2, 1}", page.Number, len(page.Items), page.Attempts)
	}
}

func TestFetchPage_TimeoutThenSuccess(t *testing.T) {
	mock := testutil.NewMockCatalog(8, 2)
	defer mock.Close()
	mock.SetPageResponses(3,
		testutil.NewSlowResponse(time.Second),
		testutil.NewSlowResponse(time.Second),
	)

	c := newTestClient(t, testConfig(mock.URL()), nil)

	page, err := c.FetchPage(context.Background(), 3)
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}
	if page.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", page.Attempts)
	}
}

func TestFetchPage_ErrorClassification(t *testing.T) {
	tests := []struct {
		name         string
		resp         testutil.MockResponse
		wantClass    retry.ErrorClass
		wantRequests int
		permanent    bool
	}{
		{"server error retried", testutil.NewServerErrorResponse(), retry.ClassServer, 3, false},
		{"not found not retried", testutil.NewNotFoundResponse(), retry.ClassClient, 1, true},
		{"malformed not retried", testutil.NewMalformedResponse(), retry.ClassDecode, 1, true},
		{"invalid json not retried", testutil.MockResponse{StatusCode: http.StatusOK, Body: "<html>"}, retry.ClassDecode, 1, true},
		{"null products not retried", testutil.MockResponse{StatusCode: http.StatusOK, Body: `{"products": null}`}, retry.ClassDecode, 1, true},
		{"timeout retried", testutil.NewSlowResponse(time.Second), retry.ClassTimeout, 3, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockCatalog(8, 2)
			defer mock.Close()
			mock.SetPageAlways(2, tt.resp)

			c := newTestClient(t, testConfig(mock.URL()), nil)

			_, err := c.FetchPage(context.Background(), 2)

			var fe *FetchError
			if !errors.As(err, &fe) {
				t.Fatalf("Expected *FetchError, got %v", err)
			}
			if fe.Class != tt.wantClass {
				t.Errorf("Class = %s, want %s", fe.Class, tt.wantClass)
			}
			if fe.Attempts != tt.wantRequests {
				t.Errorf("Attempts = %d, want %d", fe.Attempts, tt.wantRequests)
			}
			if got := mock.Requests(2); got != tt.wantRequests {
				t.Errorf("Requests = %d, want %d", got, tt.wantRequests)
			}
			if IsPermanent(err) != tt.permanent {
				t.Errorf("IsPermanent = %v, want %v", IsPermanent(err), tt.permanent)
			}
			if IsTransient(err) == tt.permanent {
				t.Errorf("IsTransient = %v, want %v", IsTransient(err), !tt.permanent)
			}
		})
	}
}

func TestFetchPage_RateLimitSignalsTracker(t *testing.T) {
	mock := testutil.NewMockCatalog(8, 2)
	defer mock.Close()
	mock.SetPageResponses(1, testutil.NewRateLimitResponse(0))

	limiter := ratelimit.NewMemoryTracker(zerolog.New(os.Stderr).Level(zerolog.Disabled))
	c := newTestClient(t, testConfig(mock.URL()), limiter)

	if _, err := c.FetchPage(context.Background(), 1); err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}

	state, _ := limiter.State(context.Background())
	if state.Signals != 1 {
		t.Errorf("Signals = %d, want 1", state.Signals)
	}
}

func TestFetchPage_ContextCancelled(t *testing.T) {
	mock := testutil.NewMockCatalog(8, 2)
	defer mock.Close()
	mock.SetPageAlways(1, testutil.NewServerErrorResponse())

	cfg := testConfig(mock.URL())
	cfg.Retry.InitialBackoff = time.Second
	cfg.Retry.MaxBackoff = time.Second
	c := newTestClient(t, cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.FetchPage(ctx, 1)
	if !errors.Is(err, retry.ErrContextCancelled) {
		t.Errorf("Expected ErrContextCancelled, got %v", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"empty", "", 0},
		{"seconds", "7", 7 * time.Second},
		{"negative", "-3", 0},
		{"http date", now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
		{"past date", now.Add(-time.Minute).Format(http.TimeFormat), 0},
		{"garbage", "soon", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseRetryAfter(tt.value, now); got != tt.want {
				t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   retry.ErrorClass
	}{
		{429, retry.ClassRateLimit},
		{400, retry.ClassClient},
		{404, retry.ClassClient},
		{408, retry.ClassTimeout},
		{500, retry.ClassServer},
		{503, retry.ClassServer},
		{504, retry.ClassTimeout},
	}

	for _, tt := range tests {
		if got := classifyStatus(tt.status); got != tt.want {
			t.Errorf("classifyStatus(%d) = %s, want %s", tt.status, got, tt.want)
		}
	}
}
