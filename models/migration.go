package models

import (
	"log"

	"github.com/sellerdesk/marketbot_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Cabinet{}, &User{}, &UserCabinet{}, &NotificationSettings{},
		&Product{}, &Order{}, &StockLine{}, &Review{}, &Sale{},
		&CommissionRate{},
		&SyncLog{}, &SyncError{},
		&NotificationLedger{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
