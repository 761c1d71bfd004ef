package models

import (
	"context"
	"time"

	"github.com/sellerdesk/marketbot_backend/config"
)

type SyncCategory string

const (
	SyncCategoryProducts SyncCategory = "products"
	SyncCategoryOrders   SyncCategory = "orders"
	SyncCategoryStocks   SyncCategory = "stocks"
	SyncCategoryReviews  SyncCategory = "reviews"
	SyncCategorySales    SyncCategory = "sales"

	// SyncCategoryCycle marks whole-cycle failures (timeout, lost DB) that
	// never reached per-category accounting.
	SyncCategoryCycle SyncCategory = "cycle"
)

const (
	SyncTriggeredManual = "manual"
	SyncTriggeredSystem = "system"
)

const (
	SyncStatusRunning = "running"
	SyncStatusSuccess = "success"
	SyncStatusError   = "error"
)

// SyncLog is the append-only audit row: one per (cabinet, category, attempt).
// Never mutated after FinishedAt is set; the health monitor and first-sync
// gating read it, nothing rewrites it.
type SyncLog struct {
	ID           uint         `gorm:"primary_key" json:"id"`
	CabinetId    uint         `gorm:"index;not null" json:"cabinet_id"`
	Category     SyncCategory `gorm:"index;size:20;not null" json:"category"`
	Status       string       `gorm:"size:20;not null" json:"status"`
	Processed    int          `json:"processed"`
	Created      int          `json:"created"`
	Updated      int          `json:"updated"`
	Errors       int          `json:"errors"`
	ErrorMessage string       `gorm:"type:text" json:"error_message"`
	StartedAt    time.Time    `gorm:"not null" json:"started_at"`
	FinishedAt   *time.Time   `json:"finished_at"`
	CreatedAt    time.Time    `gorm:"autoCreateTime" json:"created_at"`
}

// SyncError is one skipped record inside a category run.
type SyncError struct {
	ID          uint      `gorm:"primary_key" json:"id"`
	SyncLogId   uint      `gorm:"index;not null" json:"sync_log_id"`
	CabinetId   uint      `gorm:"index;not null" json:"cabinet_id"`
	EntityType  string    `gorm:"size:50" json:"entity_type"`
	ExternalId  string    `gorm:"size:128" json:"external_id"`
	Message     string    `gorm:"type:text" json:"message"`
	PayloadJSON []byte    `gorm:"type:json" json:"payload"`
	Retryable   bool      `gorm:"default:false" json:"retryable"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func RecordSyncLog(ctx context.Context, log *SyncLog) error {
	db := config.GetDB().WithContext(ctx)
	return db.Create(log).Error
}

func CreateSyncError(ctx context.Context, syncLogId, cabinetId uint, entityType, externalId, message string, payload []byte, retryable bool) error {
	db := config.GetDB().WithContext(ctx)
	return db.Create(&SyncError{
		SyncLogId:   syncLogId,
		CabinetId:   cabinetId,
		EntityType:  entityType,
		ExternalId:  externalId,
		Message:     message,
		PayloadJSON: payload,
		Retryable:   retryable,
	}).Error
}

// HasCompletedSync reports whether a category ever finished successfully for
// the cabinet. First-ever syncs have no "before" state, so detectors stay
// silent until this turns true.
func HasCompletedSync(ctx context.Context, cabinetId uint, category SyncCategory) (bool, error) {
	db := config.GetDB().WithContext(ctx)
	var count int64
	err := db.Model(&SyncLog{}).
		Where("cabinet_id = ? AND category = ? AND status = ?", cabinetId, category, SyncStatusSuccess).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// RecentSyncLogs feeds the on-demand status surface.
func RecentSyncLogs(ctx context.Context, cabinetId uint, limit int) ([]SyncLog, error) {
	if limit <= 0 {
		limit = 20
	}
	db := config.GetDB().WithContext(ctx)
	var logs []SyncLog
	err := db.Where("cabinet_id = ?", cabinetId).
		Order("id DESC").Limit(limit).Find(&logs).Error
	if err != nil {
		return nil, err
	}
	return logs, nil
}
