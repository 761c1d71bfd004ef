package models

import (
	"context"
	"errors"
	"time"

	"github.com/sellerdesk/marketbot_backend/config"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type OrderStatus string

const (
	OrderStatusActive   OrderStatus = "active"
	OrderStatusBuyout   OrderStatus = "buyout"
	OrderStatusCanceled OrderStatus = "canceled"
	OrderStatusReturned OrderStatus = "returned"
)

// Order is one marketplace order line, keyed by the marketplace's own id.
// Only the sync worker mutates it.
type Order struct {
	ID              uint        `gorm:"primary_key" json:"id"`
	CabinetId       uint        `gorm:"uniqueIndex:idx_order_external,priority:1;not null" json:"cabinet_id"`
	ExternalOrderId string      `gorm:"uniqueIndex:idx_order_external,priority:2;size:64;not null" json:"external_order_id"`
	Article         string      `gorm:"size:64;index" json:"article"`
	Size            string      `gorm:"size:32" json:"size"`
	Brand           string      `gorm:"size:128" json:"brand"`
	Category        string      `gorm:"size:128" json:"category"`
	Subject         string      `gorm:"size:128" json:"subject"`
	WarehouseName   string      `gorm:"size:128" json:"warehouse_name"`
	Status          OrderStatus `gorm:"size:20;not null;default:'active'" json:"status"`

	Price            decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"price"`
	PriceWithDisc    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"price_with_disc"`
	CommissionRate   decimal.Decimal `gorm:"type:decimal(10,4);default:0" json:"commission_rate"`
	CommissionAmount decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"commission_amount"`
	LogisticsAmount  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"logistics_amount"`

	OrderDate time.Time `gorm:"index;not null" json:"order_date"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// trackedFieldsEqual guards against updated_at churn: a row is rewritten only
// when one of these fields moved.
func (o Order) trackedFieldsEqual(other Order) bool {
	return o.Status == other.Status &&
		o.Article == other.Article &&
		o.Size == other.Size &&
		o.Brand == other.Brand &&
		o.Price.Equal(other.Price) &&
		o.PriceWithDisc.Equal(other.PriceWithDisc)
}

// UpsertOrder writes the row only when a tracked field changed.
// Returns (created, updated).
func UpsertOrder(ctx context.Context, input *Order) (bool, bool, error) {
	if input == nil || input.CabinetId == 0 || input.ExternalOrderId == "" {
		return false, false, errors.New("cabinet id and external order id are required")
	}
	db := config.GetDB().WithContext(ctx)

	var existing Order
	err := db.Where("cabinet_id = ? AND external_order_id = ?", input.CabinetId, input.ExternalOrderId).
		Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if err := db.Create(input).Error; err != nil {
			return false, false, err
		}
		return true, false, nil
	}
	if err != nil {
		return false, false, err
	}

	if existing.trackedFieldsEqual(*input) {
		return false, false, nil
	}

	input.ID = existing.ID
	input.CreatedAt = existing.CreatedAt
	if err := db.Save(input).Error; err != nil {
		return false, false, err
	}
	return false, true, nil
}

// ListOrdersSince returns the stored snapshot for the trailing window.
func ListOrdersSince(ctx context.Context, cabinetId uint, since time.Time) ([]Order, error) {
	db := config.GetDB().WithContext(ctx)
	var orders []Order
	if err := db.Where("cabinet_id = ? AND order_date >= ?", cabinetId, since).
		Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

// SetOrderCommission stores the resolved commission and logistics estimate.
func SetOrderCommission(ctx context.Context, orderId uint, rate, amount, logistics decimal.Decimal) error {
	db := config.GetDB().WithContext(ctx)
	return db.Model(&Order{}).Where("id = ?", orderId).Updates(map[string]interface{}{
		"commission_rate":   rate,
		"commission_amount": amount,
		"logistics_amount":  logistics,
	}).Error
}
