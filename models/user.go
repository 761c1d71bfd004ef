package models

import (
	"context"
	"errors"
	"time"

	"github.com/sellerdesk/marketbot_backend/config"
	"gorm.io/gorm"
)

// User is a chat user on the delivery side. Identity arrives from the chat
// transport as an opaque numeric id; there is no password login here.
type User struct {
	ID        int64     `gorm:"primary_key;autoIncrement:false" json:"id"`
	Name      string    `gorm:"size:100" json:"name"`
	IsActive  *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// UserCabinet links a chat user to a cabinet they watch.
type UserCabinet struct {
	ID        uint      `gorm:"primary_key" json:"id"`
	UserId    int64     `gorm:"uniqueIndex:idx_user_cabinet,priority:1;not null" json:"user_id"`
	CabinetId uint      `gorm:"uniqueIndex:idx_user_cabinet,priority:2;not null;index" json:"cabinet_id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// NotificationSettings holds one user's per-event-type switches plus grouping
// behavior. Missing row means "all on, grouping off".
type NotificationSettings struct {
	ID              uint      `gorm:"primary_key" json:"id"`
	UserId          int64     `gorm:"uniqueIndex;not null" json:"user_id"`
	NewOrders       *bool     `gorm:"not null;default:true" json:"new_orders"`
	Buyouts         *bool     `gorm:"not null;default:true" json:"buyouts"`
	Cancels         *bool     `gorm:"not null;default:true" json:"cancels"`
	Returns         *bool     `gorm:"not null;default:true" json:"returns"`
	CriticalStock   *bool     `gorm:"not null;default:true" json:"critical_stock"`
	NegativeReviews *bool     `gorm:"not null;default:true" json:"negative_reviews"`
	GroupingEnabled *bool     `gorm:"not null;default:false" json:"grouping_enabled"`
	MaxGroupSize    int       `gorm:"not null;default:0" json:"max_group_size"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func EnsureUser(ctx context.Context, id int64, name string) (*User, error) {
	if id == 0 {
		return nil, errors.New("user id is required")
	}
	db := config.GetDB().WithContext(ctx)

	var user User
	err := db.Where("id = ?", id).Take(&user).Error
	if err == nil {
		return &user, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	active := true
	user = User{ID: id, Name: name, IsActive: &active}
	if err := db.Create(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// GetNotificationSettings returns the stored row or the permissive default.
func GetNotificationSettings(ctx context.Context, userId int64) (*NotificationSettings, error) {
	db := config.GetDB().WithContext(ctx)
	var settings NotificationSettings
	err := db.Where("user_id = ?", userId).Take(&settings).Error
	if err == nil {
		return &settings, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	on := true
	off := false
	return &NotificationSettings{
		UserId:          userId,
		NewOrders:       &on,
		Buyouts:         &on,
		Cancels:         &on,
		Returns:         &on,
		CriticalStock:   &on,
		NegativeReviews: &on,
		GroupingEnabled: &off,
	}, nil
}

func UpsertNotificationSettings(ctx context.Context, settings *NotificationSettings) error {
	if settings == nil || settings.UserId == 0 {
		return errors.New("user id is required")
	}
	db := config.GetDB().WithContext(ctx)

	var existing NotificationSettings
	err := db.Where("user_id = ?", settings.UserId).Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return db.Create(settings).Error
	}
	if err != nil {
		return err
	}
	settings.ID = existing.ID
	return db.Save(settings).Error
}
