package marketsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sellerdesk/marketbot_backend/config"
)

// ErrUnauthorized is a confirmed credential rejection (HTTP 401). It is never
// retried: retrying cannot fix a dead token, and the health monitor needs the
// signal undiluted.
var ErrUnauthorized = errors.New("marketplace rejected the access token")

// ApiError is a non-401 marketplace failure.
type ApiError struct {
	StatusCode int
	Body       string
}

func (e *ApiError) Error() string {
	return fmt.Sprintf("marketplace api error %d: %s", e.StatusCode, e.Body)
}

// 429 means our local budget model fell out of sync with the server's,
// which is transient in the same way a 5xx is.
func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

type CredentialStatus int

const (
	CredentialValid CredentialStatus = iota
	CredentialInvalid
	CredentialIndeterminate
)

type marketClient struct {
	baseURL     string
	token       string
	authHeader  string
	http        *http.Client
	limiters    *CategoryLimiters
	maxAttempts int
	backoffBase time.Duration

	// injected so retry tests run without real sleeps
	sleep func(ctx context.Context, d time.Duration) error
}

func newMarketClient(token string, limiters *CategoryLimiters, settings config.SyncSettings) (*marketClient, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("marketplace api token is empty")
	}
	baseURL := strings.TrimSpace(os.Getenv("MARKET_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.marketplace.example"
	}
	authHeader := strings.TrimSpace(os.Getenv("MARKET_API_AUTH_HEADER"))
	if authHeader == "" {
		authHeader = "Authorization"
	}

	return &marketClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		token:       token,
		authHeader:  authHeader,
		http:        &http.Client{Timeout: 30 * time.Second},
		limiters:    limiters,
		maxAttempts: settings.MaxAttempts,
		backoffBase: settings.BackoffBase,
		sleep:       sleepCtx,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// getJSON performs one budgeted GET with bounded retry. Every attempt
// re-acquires the category budget; backoff doubles per attempt.
func (c *marketClient) getJSON(ctx context.Context, category ApiCategory, path string, params url.Values, dest interface{}) error {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.backoffBase<<(attempt-1)); err != nil {
				return err
			}
		}
		if err := c.limiters.Acquire(ctx, category); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		req.Header.Set(c.authHeader, c.token)
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if dest == nil {
				return nil
			}
			return json.Unmarshal(body, dest)
		case resp.StatusCode == http.StatusUnauthorized:
			return ErrUnauthorized
		case retryableStatus(resp.StatusCode):
			lastErr = &ApiError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
			continue
		default:
			return &ApiError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		}
	}
	return lastErr
}

// ValidateCredential issues one minimal read and maps the outcome. A network
// failure here is indeterminate, never invalid: the caller deletes data on
// invalid, and a flaky network must not trigger that.
func (c *marketClient) ValidateCredential(ctx context.Context) CredentialStatus {
	if err := c.limiters.Acquire(ctx, CategoryCommon); err != nil {
		return CredentialIndeterminate
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/ping", nil)
	if err != nil {
		return CredentialIndeterminate
	}
	req.Header.Set(c.authHeader, c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return CredentialIndeterminate
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return CredentialValid
	case resp.StatusCode == http.StatusUnauthorized:
		return CredentialInvalid
	default:
		return CredentialIndeterminate
	}
}

const pageLimit = 200

func (c *marketClient) FetchOrders(ctx context.Context, dateFrom time.Time) ([]marketOrder, error) {
	params := url.Values{}
	params.Set("dateFrom", dateFrom.UTC().Format(time.RFC3339))

	var orders []marketOrder
	if err := c.getJSON(ctx, CategoryOrders, "/api/v1/supplier/orders", params, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

func (c *marketClient) FetchStocks(ctx context.Context) ([]marketStock, error) {
	var stocks []marketStock
	if err := c.getJSON(ctx, CategoryStocks, "/api/v1/supplier/stocks", nil, &stocks); err != nil {
		return nil, err
	}
	return stocks, nil
}

// FetchProductCards pages until a short page signals end-of-data.
func (c *marketClient) FetchProductCards(ctx context.Context) ([]marketCard, error) {
	var cards []marketCard
	offset := 0
	for {
		params := url.Values{}
		params.Set("limit", strconv.Itoa(pageLimit))
		params.Set("offset", strconv.Itoa(offset))

		var page []marketCard
		if err := c.getJSON(ctx, CategoryProducts, "/api/v1/cards/list", params, &page); err != nil {
			return cards, err
		}
		cards = append(cards, page...)
		if len(page) < pageLimit {
			return cards, nil
		}
		offset += pageLimit
	}
}

func (c *marketClient) FetchReviews(ctx context.Context) ([]marketReview, error) {
	var reviews []marketReview
	offset := 0
	for {
		params := url.Values{}
		params.Set("limit", strconv.Itoa(pageLimit))
		params.Set("offset", strconv.Itoa(offset))

		var page []marketReview
		if err := c.getJSON(ctx, CategoryReviews, "/api/v1/feedbacks", params, &page); err != nil {
			return reviews, err
		}
		reviews = append(reviews, page...)
		if len(page) < pageLimit {
			return reviews, nil
		}
		offset += pageLimit
	}
}

func (c *marketClient) FetchSales(ctx context.Context, dateFrom time.Time) ([]marketSale, error) {
	params := url.Values{}
	params.Set("dateFrom", dateFrom.UTC().Format(time.RFC3339))

	var sales []marketSale
	if err := c.getJSON(ctx, CategoryOrders, "/api/v1/supplier/sales", params, &sales); err != nil {
		return nil, err
	}
	return sales, nil
}

func (c *marketClient) FetchCommissions(ctx context.Context) ([]marketCommission, error) {
	var rows []marketCommission
	if err := c.getJSON(ctx, CategoryCommon, "/api/v1/tariffs/commission", nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}
