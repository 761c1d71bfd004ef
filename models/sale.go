package models

import (
	"context"
	"errors"
	"time"

	"github.com/sellerdesk/marketbot_backend/config"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type SaleType string

const (
	SaleTypeBuyout SaleType = "buyout"
	SaleTypeReturn SaleType = "return"
)

// Sale is one realized buyout or return. It links to an Order loosely by the
// marketplace order id, not by FK: sales reports can reference orders that
// left the sync window long ago.
type Sale struct {
	ID              uint            `gorm:"primary_key" json:"id"`
	CabinetId       uint            `gorm:"uniqueIndex:idx_sale_external,priority:1;not null" json:"cabinet_id"`
	ExternalSaleId  string          `gorm:"uniqueIndex:idx_sale_external,priority:2;size:64;not null" json:"external_sale_id"`
	Type            SaleType        `gorm:"uniqueIndex:idx_sale_external,priority:3;size:10;not null" json:"type"`
	ExternalOrderId string          `gorm:"size:64;index" json:"external_order_id"`
	Article         string          `gorm:"size:64" json:"article"`
	Size            string          `gorm:"size:32" json:"size"`
	Brand           string          `gorm:"size:128" json:"brand"`
	Amount          decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount"`
	SaleDate        time.Time       `gorm:"index" json:"sale_date"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// UpsertSale creates the row if new; sales are immutable once reported.
// Returns created.
func UpsertSale(ctx context.Context, input *Sale) (bool, error) {
	if input == nil || input.CabinetId == 0 || input.ExternalSaleId == "" {
		return false, errors.New("cabinet id and external sale id are required")
	}
	if input.Type != SaleTypeBuyout && input.Type != SaleTypeReturn {
		return false, errors.New("sale type must be buyout or return")
	}
	db := config.GetDB().WithContext(ctx)

	var existing Sale
	err := db.Where("cabinet_id = ? AND external_sale_id = ? AND type = ?",
		input.CabinetId, input.ExternalSaleId, input.Type).
		Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if err := db.Create(input).Error; err != nil {
			return false, err
		}
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

func ListSales(ctx context.Context, cabinetId uint, since time.Time) ([]Sale, error) {
	db := config.GetDB().WithContext(ctx)
	var sales []Sale
	if err := db.Where("cabinet_id = ? AND sale_date >= ?", cabinetId, since).
		Find(&sales).Error; err != nil {
		return nil, err
	}
	return sales, nil
}
