package models

import (
	"context"
	"strings"

	"time"

	"github.com/sellerdesk/marketbot_backend/config"
	"github.com/sellerdesk/marketbot_backend/utils"
	"github.com/shopspring/decimal"
)

// CommissionRate is one row of the marketplace commission table,
// percent per (category, subject). Subject may be empty: a category-wide rate.
type CommissionRate struct {
	ID        uint            `gorm:"primary_key" json:"id"`
	Category  string          `gorm:"uniqueIndex:idx_commission,priority:1;size:128;not null" json:"category"`
	Subject   string          `gorm:"uniqueIndex:idx_commission,priority:2;size:128;not null;default:''" json:"subject"`
	Rate      decimal.Decimal `gorm:"type:decimal(10,4);not null" json:"rate"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

/*
caches:
	CommissionRateList:0 (global, not cabinet scoped)
*/

func ReplaceCommissionRates(ctx context.Context, rows []CommissionRate) error {
	db := config.GetDB().WithContext(ctx)
	for i := range rows {
		row := rows[i]
		var existing CommissionRate
		err := db.Where("category = ? AND subject = ?", row.Category, row.Subject).
			Take(&existing).Error
		if err == nil {
			if !existing.Rate.Equal(row.Rate) {
				if uerr := db.Model(&existing).Update("rate", row.Rate).Error; uerr != nil {
					return uerr
				}
			}
			continue
		}
		if cerr := db.Create(&row).Error; cerr != nil {
			return cerr
		}
	}
	_ = utils.RemoveRedisList[CommissionRate](0)
	return nil
}

func listCommissionRates(ctx context.Context) ([]*CommissionRate, error) {
	return utils.CachedList[CommissionRate](0, func() ([]*CommissionRate, error) {
		db := config.GetDB().WithContext(ctx)
		var rows []*CommissionRate
		if err := db.Find(&rows).Error; err != nil {
			return nil, err
		}
		return rows, nil
	})
}

// ResolveCommissionRate is the deliberate three-tier fallback: exact
// (category, subject) pair, then category-wide row, then the configured
// default. Marketplace commission tables are sparse; sparse is not an error.
func ResolveCommissionRate(ctx context.Context, category, subject string, defaultRate decimal.Decimal) (decimal.Decimal, error) {
	rows, err := listCommissionRates(ctx)
	if err != nil {
		return defaultRate, err
	}

	category = strings.TrimSpace(category)
	subject = strings.TrimSpace(subject)

	var categoryWide *CommissionRate
	for _, row := range rows {
		if !strings.EqualFold(row.Category, category) {
			continue
		}
		if subject != "" && strings.EqualFold(row.Subject, subject) {
			return row.Rate, nil
		}
		if row.Subject == "" && categoryWide == nil {
			categoryWide = row
		}
	}
	if categoryWide != nil {
		return categoryWide.Rate, nil
	}
	return defaultRate, nil
}
