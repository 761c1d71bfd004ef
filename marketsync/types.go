package marketsync

import (
	"encoding/json"
	"time"

	"github.com/sellerdesk/marketbot_backend/models"
)

/* marketplace wire shapes */

type marketOrder struct {
	OrderId       string      `json:"order_id"`
	Article       string      `json:"article"`
	Size          string      `json:"size"`
	Brand         string      `json:"brand"`
	Category      string      `json:"category"`
	Subject       string      `json:"subject"`
	WarehouseName string      `json:"warehouse_name"`
	Status        string      `json:"status"`
	Price         json.Number `json:"price"`
	PriceWithDisc json.Number `json:"price_with_disc"`
	Date          string      `json:"date"`
}

type marketStock struct {
	Article       string      `json:"article"`
	Size          string      `json:"size"`
	WarehouseId   int         `json:"warehouse_id"`
	WarehouseName string      `json:"warehouse_name"`
	Quantity      json.Number `json:"quantity"`
}

type marketCard struct {
	Article  string `json:"article"`
	Name     string `json:"name"`
	Brand    string `json:"brand"`
	Category string `json:"category"`
	Subject  string `json:"subject"`
	PhotoUrl string `json:"photo_url"`
}

type marketReview struct {
	Id          string `json:"id"`
	Article     string `json:"article"`
	ProductName string `json:"product_name"`
	Rating      int    `json:"rating"`
	Text        string `json:"text"`
	IsAnswered  bool   `json:"is_answered"`
	Date        string `json:"date"`
}

type marketSale struct {
	SaleId  string      `json:"sale_id"`
	OrderId string      `json:"order_id"`
	Article string      `json:"article"`
	Size    string      `json:"size"`
	Brand   string      `json:"brand"`
	Type    string      `json:"type"` // "S" buyout, "R" return
	Amount  json.Number `json:"amount"`
	Date    string      `json:"date"`
}

type marketCommission struct {
	Category string      `json:"category"`
	Subject  string      `json:"subject"`
	Rate     json.Number `json:"rate"`
}

/* sync reporting */

// CategoryReport is the per-category outcome of one cycle.
type CategoryReport struct {
	Category  models.SyncCategory `json:"category"`
	Status    string              `json:"status"`
	Processed int                 `json:"processed"`
	Created   int                 `json:"created"`
	Updated   int                 `json:"updated"`
	Errors    int                 `json:"errors"`
	Err       error               `json:"-"`
}

// SyncReport aggregates one cabinet cycle: category outcomes plus the domain
// events the detectors produced from the before/after snapshots.
type SyncReport struct {
	CabinetId  uint             `json:"cabinet_id"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Categories []CategoryReport `json:"categories"`
	Events     []Event          `json:"events"`
}

func (r *SyncReport) ErrorCount() int {
	n := 0
	for _, c := range r.Categories {
		if c.Status == models.SyncStatusError {
			n++
		}
	}
	return n
}

/* trigger transport */

type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type SyncCyclePayload struct {
	CabinetId   uint   `json:"cabinet_id"`
	TriggeredBy string `json:"triggered_by"`
}

/* on-demand status surface */

type CabinetStatusResponse struct {
	CabinetId  uint              `json:"cabinetId"`
	Name       string            `json:"name"`
	IsActive   bool              `json:"isActive"`
	LastSyncAt *string           `json:"lastSyncAt"`
	SyncLogs   []SyncLogResponse `json:"syncLogs"`
}

type SyncLogResponse struct {
	ID         uint    `json:"id"`
	Category   string  `json:"category"`
	Status     string  `json:"status"`
	Processed  int     `json:"processed"`
	Created    int     `json:"created"`
	Updated    int     `json:"updated"`
	Errors     int     `json:"errors"`
	StartedAt  string  `json:"startedAt"`
	FinishedAt *string `json:"finishedAt"`
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
