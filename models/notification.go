package models

import (
	"context"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/sellerdesk/marketbot_backend/config"
	"gorm.io/gorm"
)

// NotificationLedger records every delivered (user, entity, transition) tuple.
// The pipeline consults it before dispatch and writes it only after the sink
// acknowledged delivery, which makes the pipeline at-least-once.
type NotificationLedger struct {
	ID          uint      `gorm:"primary_key" json:"id"`
	UserId      int64     `gorm:"uniqueIndex:idx_notify_ledger,priority:1;not null" json:"user_id"`
	EntityType  string    `gorm:"uniqueIndex:idx_notify_ledger,priority:2;size:50;not null" json:"entity_type"`
	EntityKey   string    `gorm:"uniqueIndex:idx_notify_ledger,priority:3;size:128;not null" json:"entity_key"`
	PrevState   string    `gorm:"uniqueIndex:idx_notify_ledger,priority:4;size:50;not null;default:''" json:"prev_state"`
	NewState    string    `gorm:"uniqueIndex:idx_notify_ledger,priority:5;size:100;not null" json:"new_state"`
	DeliveredAt time.Time `gorm:"not null" json:"delivered_at"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// AlreadyNotified reports whether the exact transition was delivered before.
func AlreadyNotified(ctx context.Context, userId int64, entityType, entityKey, prevState, newState string) (bool, error) {
	db := config.GetDB().WithContext(ctx)
	var row NotificationLedger
	err := db.Where(
		"user_id = ? AND entity_type = ? AND entity_key = ? AND prev_state = ? AND new_state = ?",
		userId, entityType, entityKey, prevState, newState,
	).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecordNotified is idempotent under the unique index: a concurrent duplicate
// insert is treated as already recorded.
func RecordNotified(ctx context.Context, userId int64, entityType, entityKey, prevState, newState string) error {
	db := config.GetDB().WithContext(ctx)
	row := NotificationLedger{
		UserId:      userId,
		EntityType:  entityType,
		EntityKey:   entityKey,
		PrevState:   prevState,
		NewState:    newState,
		DeliveredAt: time.Now(),
	}
	err := db.Create(&row).Error
	if err == nil || errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
		return nil
	}
	return err
}
