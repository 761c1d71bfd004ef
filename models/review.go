package models

import (
	"context"
	"errors"
	"time"

	"github.com/sellerdesk/marketbot_backend/config"
	"gorm.io/gorm"
)

type Review struct {
	ID               uint      `gorm:"primary_key" json:"id"`
	CabinetId        uint      `gorm:"uniqueIndex:idx_review_external,priority:1;not null" json:"cabinet_id"`
	ExternalReviewId string    `gorm:"uniqueIndex:idx_review_external,priority:2;size:64;not null" json:"external_review_id"`
	Article          string    `gorm:"size:64;index" json:"article"`
	ProductName      string    `gorm:"size:255" json:"product_name"`
	Rating           int       `gorm:"not null" json:"rating"`
	Text             string    `gorm:"type:text" json:"text"`
	IsAnswered       *bool     `gorm:"not null;default:false" json:"is_answered"`
	ReviewDate       time.Time `gorm:"index" json:"review_date"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (r *Review) BeforeSave(tx *gorm.DB) error {
	_ = tx
	if r == nil {
		return nil
	}
	// rating is 1..5 on the wire; clamp malformed payloads instead of failing the batch
	if r.Rating < 1 {
		r.Rating = 1
	}
	if r.Rating > 5 {
		r.Rating = 5
	}
	return nil
}

// UpsertReview writes only on rating/answered/text change.
// Returns (created, updated).
func UpsertReview(ctx context.Context, input *Review) (bool, bool, error) {
	if input == nil || input.CabinetId == 0 || input.ExternalReviewId == "" {
		return false, false, errors.New("cabinet id and external review id are required")
	}
	db := config.GetDB().WithContext(ctx)

	var existing Review
	err := db.Where("cabinet_id = ? AND external_review_id = ?", input.CabinetId, input.ExternalReviewId).
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

	sameAnswered := (existing.IsAnswered == nil) == (input.IsAnswered == nil)
	if existing.IsAnswered != nil && input.IsAnswered != nil {
		sameAnswered = *existing.IsAnswered == *input.IsAnswered
	}
	if existing.Rating == input.Rating && existing.Text == input.Text && sameAnswered {
		return false, false, nil
	}

	input.ID = existing.ID
	input.CreatedAt = existing.CreatedAt
	if err := db.Save(input).Error; err != nil {
		return false, false, err
	}
	return false, true, nil
}

func ListReviews(ctx context.Context, cabinetId uint) ([]Review, error) {
	db := config.GetDB().WithContext(ctx)
	var reviews []Review
	if err := db.Where("cabinet_id = ?", cabinetId).Find(&reviews).Error; err != nil {
		return nil, err
	}
	return reviews, nil
}
