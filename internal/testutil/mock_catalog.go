// Package testutil provides testing utilities for the catalog ingester.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"
)

// MockResponse defines one scripted response for a page.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockCatalog is a configurable mock of the paginated catalog API.
// Pages not scripted with SetPageResponses return generated products.
type MockCatalog struct {
	server *httptest.Server

	mu         sync.Mutex
	totalItems int
	perPage    int
	scripts    map[int][]MockResponse

	// Tracking
	requests    map[int]int
	inFlight    int
	maxInFlight int
}

// NewMockCatalog creates a mock catalog holding totalItems products.
func NewMockCatalog(totalItems, perPage int) *MockCatalog {
	mock := &MockCatalog{
		totalItems: totalItems,
		perPage:    perPage,
		scripts:    make(map[int][]MockResponse),
		requests:   make(map[int]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(mock.handle))
	return mock
}

// URL returns the mock list endpoint URL.
func (m *MockCatalog) URL() string {
	return m.server.URL + "/api/v1/products"
}

// Close shuts down the mock server.
func (m *MockCatalog) Close() {
	m.server.Close()
}

// SetPageResponses scripts the responses for a page. Each request consumes one
// entry; once exhausted, the page serves its generated products.
func (m *MockCatalog) SetPageResponses(page int, responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[page] = responses
}

// SetPageAlways makes every request for page return resp.
func (m *MockCatalog) SetPageAlways(page int, resp MockResponse) {
	m.SetPageResponses(page, repeat(resp, 1000)...)
}

// Requests returns the number of requests made for a page.
func (m *MockCatalog) Requests(page int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[page]
}

// TotalRequests returns the number of requests across all pages.
func (m *MockCatalog) TotalRequests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.requests {
		n += c
	}
	return n
}

// MaxInFlight returns the highest number of concurrently served requests.
func (m *MockCatalog) MaxInFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInFlight
}

func (m *MockCatalog) handle(w http.ResponseWriter, r *http.Request) {
	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || page < 1 {
		http.Error(w, `{"error": "bad page"}`, http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	m.requests[page]++
	m.inFlight++
	if m.inFlight > m.maxInFlight {
		m.maxInFlight = m.inFlight
	}
	var scripted *MockResponse
	if queue := m.scripts[page]; len(queue) > 0 {
		scripted = &queue[0]
		m.scripts[page] = queue[1:]
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	if scripted != nil {
		if scripted.Delay > 0 {
			select {
			case <-time.After(scripted.Delay):
			case <-r.Context().Done():
				return
			}
		}
		for key, value := range scripted.Headers {
			w.Header().Set(key, value)
		}
		if scripted.StatusCode != 0 {
			w.WriteHeader(scripted.StatusCode)
			if scripted.Body != "" {
				w.Write([]byte(scripted.Body))
			}
			return
		}
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(m.pageBody(page))
}

// pageBody renders a catalog page with generated products.
func (m *MockCatalog) pageBody(page int) []byte {
	products := []map[string]interface{}{}
	for _, id := range ProductIDs(page, m.totalItems, m.perPage) {
		products = append(products, Product(id))
	}

	body, _ := json.Marshal(map[string]interface{}{
		"products": products,
		"meta": map[string]interface{}{
			"total":    m.totalItems,
			"per_page": m.perPage,
		},
	})
	return body
}

// ProductIDs returns the product ids served on a page.
func ProductIDs(page, totalItems, perPage int) []int {
	ids := []int{}
	first := (page-1)*perPage + 1
	for id := first; id < first+perPage && id <= totalItems; id++ {
		ids = append(ids, id)
	}
	return ids
}

// Product returns a realistic discounted product payload.
func Product(id int) map[string]interface{} {
	return map[string]interface{}{
		"id":           id,
		"name":         fmt.Sprintf("Product %d", id),
		"slugged_name": fmt.Sprintf("product-%d", id),
		"status":       "active",
		"brand":        "Acme",
		"category":     map[string]interface{}{"id": 10, "name": "Phones"},
		"default_offer": map[string]interface{}{
			"uuid":                          fmt.Sprintf("offer-%d", id),
			"old_price":                     200.0,
			"retail_price":                  150.0,
			"installment_enabled":           true,
			"max_installment_months":        12,
			"qty":                           5,
			"discount_effective_start_date": "2025-01-01T00:00:00Z",
			"discount_effective_end_date":   "2025-02-01T00:00:00Z",
			"seller": map[string]interface{}{
				"ext_id":         "seller-1",
				"marketing_name": map[string]interface{}{"name": "Best Seller"},
				"vat_payer":      true,
				"rating":         4.5,
				"role_name":      "merchant",
			},
		},
		"main_img": map[string]interface{}{
			"big":    "https://img.example/big.jpg",
			"medium": "https://img.example/medium.jpg",
			"small":  "https://img.example/small.jpg",
		},
		"ratings":            map[string]interface{}{"rating_value": 4.8, "session_count": 31},
		"product_labels":     []map[string]interface{}{{"text": "Hot"}, {"text": "Sale"}},
		"min_qty":            1,
		"preorder_available": false,
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "Internal server error"}`,
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response with a Retry-After hint.
func NewRateLimitResponse(retryAfterSeconds int) MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error": "Rate limit exceeded"}`,
		Headers: map[string]string{
			"Retry-After": strconv.Itoa(retryAfterSeconds),
		},
	}
}

// NewNotFoundResponse creates a 404 response.
func NewNotFoundResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusNotFound,
		Body:       `{"error": "Not found"}`,
	}
}

// NewMalformedResponse creates a 200 response whose body lacks the products list.
func NewMalformedResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       `{"items": "nope"}`,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// NewSlowResponse creates a response that only starts after delay, so a client
// with a shorter timeout sees it as a timeout.
func NewSlowResponse(delay time.Duration) MockResponse {
	return MockResponse{Delay: delay}
}

func repeat(resp MockResponse, n int) []MockResponse {
	out := make([]MockResponse, n)
	for i := range out {
		out[i] = resp
	}
	return out
}
