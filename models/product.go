package models

import (
	"context"
	"errors"
	"time"

	"github.com/sellerdesk/marketbot_backend/config"
	"github.com/sellerdesk/marketbot_backend/utils"
	"gorm.io/gorm"
)

// Product is the per-cabinet reference table for marketplace product cards.
// Keyed by the marketplace article (nomenclature id), refreshed each cycle.
type Product struct {
	ID        uint      `gorm:"primary_key" json:"id"`
	CabinetId uint      `gorm:"uniqueIndex:idx_product_article,priority:1;not null" json:"cabinet_id"`
	Article   string    `gorm:"uniqueIndex:idx_product_article,priority:2;size:64;not null" json:"article"`
	Name      string    `gorm:"size:255" json:"name"`
	Brand     string    `gorm:"size:128" json:"brand"`
	Category  string    `gorm:"size:128" json:"category"`
	Subject   string    `gorm:"size:128" json:"subject"`
	PhotoUrl  string    `gorm:"size:512" json:"photo_url"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

/*
caches:
	ProductList:$cabinetId
*/

// UpsertProduct writes only when a tracked field actually changed, so that
// updated_at stays meaningful for change detection.
// Returns (created, updated).
func UpsertProduct(ctx context.Context, input *Product) (bool, bool, error) {
	if input == nil || input.CabinetId == 0 || input.Article == "" {
		return false, false, errors.New("cabinet id and article are required")
	}
	db := config.GetDB().WithContext(ctx)

	var existing Product
	err := db.Where("cabinet_id = ? AND article = ?", input.CabinetId, input.Article).
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

	if existing.Name == input.Name && existing.Brand == input.Brand &&
		existing.Category == input.Category && existing.Subject == input.Subject &&
		existing.PhotoUrl == input.PhotoUrl {
		return false, false, nil
	}

	input.ID = existing.ID
	input.CreatedAt = existing.CreatedAt
	if err := db.Save(input).Error; err != nil {
		return false, false, err
	}
	return false, true, nil
}

// ListProducts reads through the two-tier cache.
func ListProducts(ctx context.Context, cabinetId uint) ([]*Product, error) {
	return utils.CachedList[Product](cabinetId, func() ([]*Product, error) {
		db := config.GetDB().WithContext(ctx)
		var products []*Product
		if err := db.Where("cabinet_id = ?", cabinetId).Find(&products).Error; err != nil {
			return nil, err
		}
		return products, nil
	})
}

func InvalidateProductCache(cabinetId uint) {
	_ = utils.RemoveRedisList[Product](cabinetId)
}
