package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sellerdesk/marketbot_backend/config"
	"gorm.io/gorm"
)

// Cabinet is one seller's marketplace account: the credential scope that owns
// every synced row. Removing a cabinet cascades over all of them.
type Cabinet struct {
	ID         uint       `gorm:"primary_key" json:"id"`
	PublicId   uuid.UUID  `gorm:"type:char(36);uniqueIndex;not null" json:"public_id"`
	Name       string     `gorm:"size:255;not null" json:"name"`
	ApiToken   string     `gorm:"type:text;not null" json:"-"`
	IsActive   *bool      `gorm:"not null;default:true;index" json:"is_active"`
	LastSyncAt *time.Time `json:"last_sync_at"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewCabinet struct {
	Name     string `json:"name" binding:"required"`
	ApiToken string `json:"api_token" binding:"required"`
	UserId   int64  `json:"user_id" binding:"required"`
}

/*
caches:
	ActiveCabinetIds (redis set)
*/

const activeCabinetSetKey = "ActiveCabinetIds"

func CreateCabinet(ctx context.Context, input *NewCabinet) (*Cabinet, error) {
	if input.Name == "" || input.ApiToken == "" {
		return nil, errors.New("cabinet name and api token are required")
	}
	db := config.GetDB().WithContext(ctx)

	active := true
	cabinet := &Cabinet{
		PublicId: uuid.New(),
		Name:     input.Name,
		ApiToken: input.ApiToken,
		IsActive: &active,
	}

	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(cabinet).Error; err != nil {
			return err
		}
		link := UserCabinet{UserId: input.UserId, CabinetId: cabinet.ID}
		return tx.Create(&link).Error
	})
	if err != nil {
		return nil, err
	}

	_ = config.AddRedisSet(activeCabinetSetKey, fmt.Sprint(cabinet.ID))
	return cabinet, nil
}

func GetCabinetById(ctx context.Context, id uint) (*Cabinet, error) {
	db := config.GetDB().WithContext(ctx)
	var cabinet Cabinet
	if err := db.Where("id = ?", id).Take(&cabinet).Error; err != nil {
		return nil, err
	}
	return &cabinet, nil
}

func GetActiveCabinets(ctx context.Context) ([]Cabinet, error) {
	db := config.GetDB().WithContext(ctx)
	var cabinets []Cabinet
	if err := db.Where("is_active = ?", true).Order("id").Find(&cabinets).Error; err != nil {
		return nil, err
	}
	return cabinets, nil
}

// TouchLastSync advances the last-sync marker. It advances even after a failed
// cycle: only the genuinely first sync may be treated as having no prior state.
func TouchLastSync(ctx context.Context, cabinetId uint, at time.Time) error {
	db := config.GetDB().WithContext(ctx)
	return db.Model(&Cabinet{}).Where("id = ?", cabinetId).
		Update("last_sync_at", at).Error
}

// GetCabinetUserIds returns the chat users linked to a cabinet.
func GetCabinetUserIds(ctx context.Context, cabinetId uint) ([]int64, error) {
	db := config.GetDB().WithContext(ctx)
	var ids []int64
	if err := db.Model(&UserCabinet{}).Where("cabinet_id = ?", cabinetId).
		Pluck("user_id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// CabinetRemoval is what survives the cascade: row counts captured before
// deletion and the users who were watching the cabinet. Both must be read
// inside the delete transaction, before any row disappears.
type CabinetRemoval struct {
	CabinetId   uint    `json:"cabinet_id"`
	CabinetName string  `json:"cabinet_name"`
	Orders      int64   `json:"orders"`
	Stocks      int64   `json:"stocks"`
	Reviews     int64   `json:"reviews"`
	Sales       int64   `json:"sales"`
	UserIds     []int64 `json:"user_ids"`
}

// DeleteCabinetCascade removes every row the cabinet owns, then the cabinet
// itself, in one transaction. Used only after a confirmed-invalid credential.
func DeleteCabinetCascade(ctx context.Context, cabinetId uint) (*CabinetRemoval, error) {
	db := config.GetDB().WithContext(ctx)

	var removal CabinetRemoval
	err := db.Transaction(func(tx *gorm.DB) error {
		var cabinet Cabinet
		if err := tx.Where("id = ?", cabinetId).Take(&cabinet).Error; err != nil {
			return err
		}
		removal.CabinetId = cabinet.ID
		removal.CabinetName = cabinet.Name

		if err := tx.Model(&Order{}).Where("cabinet_id = ?", cabinetId).Count(&removal.Orders).Error; err != nil {
			return err
		}
		if err := tx.Model(&StockLine{}).Where("cabinet_id = ?", cabinetId).Count(&removal.Stocks).Error; err != nil {
			return err
		}
		if err := tx.Model(&Review{}).Where("cabinet_id = ?", cabinetId).Count(&removal.Reviews).Error; err != nil {
			return err
		}
		if err := tx.Model(&Sale{}).Where("cabinet_id = ?", cabinetId).Count(&removal.Sales).Error; err != nil {
			return err
		}
		if err := tx.Model(&UserCabinet{}).Where("cabinet_id = ?", cabinetId).
			Pluck("user_id", &removal.UserIds).Error; err != nil {
			return err
		}

		for _, model := range []interface{}{
			&Order{}, &StockLine{}, &Review{}, &Sale{},
			&SyncError{}, &SyncLog{}, &UserCabinet{}, &Product{},
		} {
			if err := tx.Where("cabinet_id = ?", cabinetId).Delete(model).Error; err != nil {
				return err
			}
		}
		return tx.Where("id = ?", cabinetId).Delete(&Cabinet{}).Error
	})
	if err != nil {
		return nil, err
	}

	_ = config.RemoveRedisSetMember(activeCabinetSetKey, fmt.Sprint(cabinetId))
	InvalidateProductCache(cabinetId)
	return &removal, nil
}
