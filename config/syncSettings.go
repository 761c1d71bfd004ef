package config

import (
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// SyncSettings is the externally supplied tuning surface of the sync engine.
// Everything that affects correctness (windows, budgets, thresholds, retry
// caps, grouping) lives here; logic paths must not carry hidden defaults.
//
// Env:
//   - SYNC_WINDOW_DAYS (default 30)
//   - SYNC_CYCLE_TIMEOUT_SECONDS (default 300)
//   - SYNC_WORKER_POOL_SIZE (default 4)
//   - CRITICAL_STOCK_THRESHOLD (default 2)
//   - NEGATIVE_REVIEW_MAX_RATING (default 3)
//   - API_MAX_ATTEMPTS (default 3)
//   - API_BACKOFF_BASE_MS (default 500)
//   - API_RPM_ORDERS / API_RPM_STOCKS / API_RPM_PRODUCTS / API_RPM_REVIEWS / API_RPM_COMMON
//     (defaults 60 / 60 / 100 / 60 / 30)
//   - NOTIFY_MAX_GROUP_SIZE (default 10)
//   - DEFAULT_COMMISSION_RATE_PERCENT (default 19.5)
//   - LOGISTICS_BASE_COST (default 50)
type SyncSettings struct {
	SyncWindowDays    int           `validate:"gte=1"`
	CycleTimeout      time.Duration `validate:"gt=0"`
	WorkerPoolSize    int           `validate:"gte=1"`
	CriticalThreshold int           `validate:"gte=0"`
	NegativeReviewMax int           `validate:"gte=1,lte=5"`

	MaxAttempts int           `validate:"gte=1"`
	BackoffBase time.Duration `validate:"gt=0"`

	// requests per minute, per API category
	RPMOrders   int `validate:"gte=1"`
	RPMStocks   int `validate:"gte=1"`
	RPMProducts int `validate:"gte=1"`
	RPMReviews  int `validate:"gte=1"`
	RPMCommon   int `validate:"gte=1"`

	MaxGroupSize          int `validate:"gte=1"`
	DefaultCommissionRate decimal.Decimal
	LogisticsBaseCost     decimal.Decimal
}

var (
	syncSettings     SyncSettings
	syncSettingsOnce sync.Once
)

// GetSyncSettings reads and validates the settings exactly once per process.
// Invalid values are fatal: a sync engine with a broken budget or threshold
// must not start.
func GetSyncSettings() SyncSettings {
	syncSettingsOnce.Do(func() {
		s := SyncSettings{
			SyncWindowDays:    intFromEnv("SYNC_WINDOW_DAYS", 30),
			CycleTimeout:      time.Duration(intFromEnv("SYNC_CYCLE_TIMEOUT_SECONDS", 300)) * time.Second,
			WorkerPoolSize:    intFromEnv("SYNC_WORKER_POOL_SIZE", 4),
			CriticalThreshold: intFromEnv("CRITICAL_STOCK_THRESHOLD", 2),
			NegativeReviewMax: intFromEnv("NEGATIVE_REVIEW_MAX_RATING", 3),
			MaxAttempts:       intFromEnv("API_MAX_ATTEMPTS", 3),
			BackoffBase:       time.Duration(intFromEnv("API_BACKOFF_BASE_MS", 500)) * time.Millisecond,
			RPMOrders:         intFromEnv("API_RPM_ORDERS", 60),
			RPMStocks:         intFromEnv("API_RPM_STOCKS", 60),
			RPMProducts:       intFromEnv("API_RPM_PRODUCTS", 100),
			RPMReviews:        intFromEnv("API_RPM_REVIEWS", 60),
			RPMCommon:         intFromEnv("API_RPM_COMMON", 30),
			MaxGroupSize:      intFromEnv("NOTIFY_MAX_GROUP_SIZE", 10),
		}
		s.DefaultCommissionRate = decimalFromEnv("DEFAULT_COMMISSION_RATE_PERCENT", "19.5")
		s.LogisticsBaseCost = decimalFromEnv("LOGISTICS_BASE_COST", "50")

		if err := validator.New().Struct(s); err != nil {
			log.Fatalf("invalid sync settings: %v", err)
		}
		syncSettings = s
	})
	return syncSettings
}

func decimalFromEnv(key string, def string) decimal.Decimal {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		v = def
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		d, _ = decimal.NewFromString(def)
	}
	return d
}
