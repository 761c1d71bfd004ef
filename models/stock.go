package models

import (
	"context"
	"errors"
	"time"

	"github.com/sellerdesk/marketbot_backend/config"
	"gorm.io/gorm"
)

// StockLine is one (product, warehouse, size) inventory aggregate.
// Quantity is never negative. "Critical" is a derived predicate over the
// summed quantity per (article, size); it is deliberately not stored.
type StockLine struct {
	ID            uint      `gorm:"primary_key" json:"id"`
	CabinetId     uint      `gorm:"uniqueIndex:idx_stock_line,priority:1;not null" json:"cabinet_id"`
	Article       string    `gorm:"uniqueIndex:idx_stock_line,priority:2;size:64;not null" json:"article"`
	WarehouseId   int       `gorm:"uniqueIndex:idx_stock_line,priority:3;not null" json:"warehouse_id"`
	Size          string    `gorm:"uniqueIndex:idx_stock_line,priority:4;size:32;not null" json:"size"`
	WarehouseName string    `gorm:"size:128" json:"warehouse_name"`
	Quantity      int       `gorm:"not null;default:0" json:"quantity"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (s *StockLine) BeforeSave(tx *gorm.DB) error {
	_ = tx
	if s == nil {
		return nil
	}
	if s.Quantity < 0 {
		s.Quantity = 0
	}
	return nil
}

// UpsertStockLine writes only on quantity or warehouse-name change.
// Returns (created, updated).
func UpsertStockLine(ctx context.Context, input *StockLine) (bool, bool, error) {
	if input == nil || input.CabinetId == 0 || input.Article == "" {
		return false, false, errors.New("cabinet id and article are required")
	}
	db := config.GetDB().WithContext(ctx)

	var existing StockLine
	err := db.Where(
		"cabinet_id = ? AND article = ? AND warehouse_id = ? AND size = ?",
		input.CabinetId, input.Article, input.WarehouseId, input.Size,
	).Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if err := db.Create(input).Error; err != nil {
			return false, false, err
		}
		return true, false, nil
	}
	if err != nil {
		return false, false, err
	}

	if existing.Quantity == input.Quantity && existing.WarehouseName == input.WarehouseName {
		return false, false, nil
	}

	input.ID = existing.ID
	input.CreatedAt = existing.CreatedAt
	if err := db.Save(input).Error; err != nil {
		return false, false, err
	}
	return false, true, nil
}

func ListStockLines(ctx context.Context, cabinetId uint) ([]StockLine, error) {
	db := config.GetDB().WithContext(ctx)
	var lines []StockLine
	if err := db.Where("cabinet_id = ?", cabinetId).Find(&lines).Error; err != nil {
		return nil, err
	}
	return lines, nil
}
