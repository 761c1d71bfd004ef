package marketsync

import (
	"context"
	"time"

	"github.com/sellerdesk/marketbot_backend/config"
	"golang.org/x/time/rate"
)

// ApiCategory is one marketplace endpoint family with its own budget.
type ApiCategory string

const (
	CategoryOrders   ApiCategory = "orders"
	CategoryStocks   ApiCategory = "stocks"
	CategoryProducts ApiCategory = "products"
	CategoryReviews  ApiCategory = "reviews"
	CategoryCommon   ApiCategory = "common"
)

// CategoryLimiters holds one token bucket per API category. The buckets are
// process-wide: every cabinet worker draws from the same budget, which is what
// keeps the whole process under the marketplace's per-token limits.
//
// Burst is 1, so the bucket doubles as the minimum inter-request spacing:
// requests/minute budget of N means one request every 60/N seconds.
type CategoryLimiters struct {
	limiters map[ApiCategory]*rate.Limiter
}

func NewCategoryLimiters(settings config.SyncSettings) *CategoryLimiters {
	perMinute := func(rpm int) *rate.Limiter {
		return rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1)
	}
	return &CategoryLimiters{
		limiters: map[ApiCategory]*rate.Limiter{
			CategoryOrders:   perMinute(settings.RPMOrders),
			CategoryStocks:   perMinute(settings.RPMStocks),
			CategoryProducts: perMinute(settings.RPMProducts),
			CategoryReviews:  perMinute(settings.RPMReviews),
			CategoryCommon:   perMinute(settings.RPMCommon),
		},
	}
}

// Acquire blocks until the category's budget admits one request, or the
// context is done. A request over budget waits; it never fails fast.
func (c *CategoryLimiters) Acquire(ctx context.Context, category ApiCategory) error {
	limiter, ok := c.limiters[category]
	if !ok {
		limiter = c.limiters[CategoryCommon]
	}
	return limiter.Wait(ctx)
}
