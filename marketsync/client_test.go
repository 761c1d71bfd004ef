package marketsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sellerdesk/marketbot_backend/config"
)

func testSyncSettings() config.SyncSettings {
	return config.SyncSettings{
		SyncWindowDays:    30,
		CycleTimeout:      time.Minute,
		WorkerPoolSize:    1,
		CriticalThreshold: 2,
		NegativeReviewMax: 3,
		MaxAttempts:       3,
		BackoffBase:       10 * time.Millisecond,
		// generous budgets so unit tests never block on the limiter
		RPMOrders:    600000,
		RPMStocks:    600000,
		RPMProducts:  600000,
		RPMReviews:   600000,
		RPMCommon:    600000,
		MaxGroupSize: 10,
	}
}

func newTestClient(t *testing.T, serverURL string) (*marketClient, *[]time.Duration) {
	t.Helper()
	t.Setenv("MARKET_API_BASE_URL", serverURL)
	settings := testSyncSettings()
	client, err := newMarketClient("test-token", NewCategoryLimiters(settings), settings)
	if err != nil {
		t.Fatalf("newMarketClient: %v", err)
	}
	var slept []time.Duration
	client.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return client, &slept
}

func TestUnauthorizedIsNeverRetried(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client, slept := newTestClient(t, server.URL)
	_, err := client.FetchStocks(context.Background())
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("expected exactly 1 request, got %d", got)
	}
	if len(*slept) != 0 {
		t.Fatalf("401 must not back off, slept %v", *slept)
	}
}

func TestServerErrorsRetryWithDoublingBackoff(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&hits, 1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode([]marketStock{{Article: "SKU-1"}})
	}))
	defer server.Close()

	client, slept := newTestClient(t, server.URL)
	stocks, err := client.FetchStocks(context.Background())
	if err != nil {
		t.Fatalf("FetchStocks: %v", err)
	}
	if len(stocks) != 1 || stocks[0].Article != "SKU-1" {
		t.Fatalf("unexpected result: %+v", stocks)
	}
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}
	if len(*slept) != len(want) || (*slept)[0] != want[0] || (*slept)[1] != want[1] {
		t.Fatalf("expected backoffs %v, got %v", want, *slept)
	}
}

func TestTooManyRequestsExhaustsAttempts(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL)
	_, err := client.FetchStocks(context.Background())

	var apiErr *ApiError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 ApiError, got %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Fatalf("expected MaxAttempts requests, got %d", got)
	}
}

func TestClientErrorIsPermanent(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL)
	_, err := client.FetchStocks(context.Background())

	var apiErr *ApiError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 ApiError, got %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("non-retryable 4xx must not retry, got %d requests", got)
	}
}

func TestProductCardsPageUntilShortPage(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		offset := r.URL.Query().Get("offset")

		count := pageLimit
		if offset != "0" {
			count = 50
		}
		page := make([]marketCard, count)
		for i := range page {
			page[i] = marketCard{Article: "SKU"}
		}
		json.NewEncoder(w).Encode(page)
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL)
	cards, err := client.FetchProductCards(context.Background())
	if err != nil {
		t.Fatalf("FetchProductCards: %v", err)
	}
	if len(cards) != pageLimit+50 {
		t.Fatalf("expected %d cards, got %d", pageLimit+50, len(cards))
	}
	if got := atomic.LoadInt32(&hits); got != 2 {
		t.Fatalf("expected 2 pages, got %d requests", got)
	}
}

func TestValidateCredentialMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   CredentialStatus
	}{
		{"ok", http.StatusOK, CredentialValid},
		{"unauthorized", http.StatusUnauthorized, CredentialInvalid},
		{"server error", http.StatusInternalServerError, CredentialIndeterminate},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer server.Close()

			client, _ := newTestClient(t, server.URL)
			if got := client.ValidateCredential(context.Background()); got != tc.want {
				t.Fatalf("status %d: expected %v, got %v", tc.status, tc.want, got)
			}
		})
	}
}

func TestValidateCredentialNetworkFailureIsIndeterminate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // connection refused from here on

	client, _ := newTestClient(t, server.URL)
	if got := client.ValidateCredential(context.Background()); got != CredentialIndeterminate {
		t.Fatalf("expected indeterminate on network failure, got %v", got)
	}
}
