package marketsync

import (
	"fmt"
	"sort"
	"time"

	"github.com/sellerdesk/marketbot_backend/models"
	"github.com/shopspring/decimal"
)

// The detectors are pure: they compare two materialized snapshots and return
// events. No database access, no clock, no side effects. The orchestrator is
// responsible for never calling them with a first-ever snapshot, because a
// first sync has no meaningful "before" state.

type EventType string

const (
	EventNewOrder       EventType = "new_order"
	EventOrderBuyout    EventType = "order_buyout"
	EventOrderCancel    EventType = "order_cancel"
	EventOrderReturn    EventType = "order_return"
	EventCriticalStock  EventType = "critical_stock"
	EventNegativeReview EventType = "negative_review"
	EventNewSale        EventType = "new_sale"
	EventNewReturn      EventType = "new_return"
)

// Event is one business-meaningful transition. EntityType/EntityKey plus the
// state pair form the deduplication identity in the notification ledger.
type Event struct {
	Type       EventType `json:"type"`
	CabinetId  uint      `json:"cabinet_id"`
	EntityType string    `json:"entity_type"`
	EntityKey  string    `json:"entity_key"`
	PrevState  string    `json:"prev_state"`
	NewState   string    `json:"new_state"`

	Order  *OrderEventData  `json:"order,omitempty"`
	Stock  *StockEventData  `json:"stock,omitempty"`
	Review *ReviewEventData `json:"review,omitempty"`
	Sale   *SaleEventData   `json:"sale,omitempty"`
}

type OrderEventData struct {
	ExternalOrderId string          `json:"external_order_id"`
	Article         string          `json:"article"`
	Brand           string          `json:"brand"`
	Size            string          `json:"size"`
	PriceWithDisc   decimal.Decimal `json:"price_with_disc"`
	Status          string          `json:"status"`
}

type StockEventData struct {
	Article       string         `json:"article"`
	CriticalSizes []string       `json:"critical_sizes"`
	Quantities    map[string]int `json:"quantities"`
}

type ReviewEventData struct {
	ExternalReviewId string `json:"external_review_id"`
	Article          string `json:"article"`
	ProductName      string `json:"product_name"`
	Rating           int    `json:"rating"`
	Text             string `json:"text"`
}

type SaleEventData struct {
	ExternalSaleId  string          `json:"external_sale_id"`
	ExternalOrderId string          `json:"external_order_id"`
	Article         string          `json:"article"`
	Brand           string          `json:"brand"`
	Size            string          `json:"size"`
	Amount          decimal.Decimal `json:"amount"`
	SaleType        string          `json:"sale_type"`
}

// statusTransitions maps notification-worthy order status pairs to the event
// they raise. Pairs not listed are dropped on purpose: not every status delta
// is worth a message.
var statusTransitions = map[[2]models.OrderStatus]EventType{
	{models.OrderStatusActive, models.OrderStatusBuyout}:   EventOrderBuyout,
	{models.OrderStatusActive, models.OrderStatusCanceled}: EventOrderCancel,
	{models.OrderStatusBuyout, models.OrderStatusReturned}: EventOrderReturn,
}

func orderEventData(o models.Order) *OrderEventData {
	return &OrderEventData{
		ExternalOrderId: o.ExternalOrderId,
		Article:         o.Article,
		Brand:           o.Brand,
		Size:            o.Size,
		PriceWithDisc:   o.PriceWithDisc,
		Status:          string(o.Status),
	}
}

// DetectNewOrders is a set difference on external order ids.
func DetectNewOrders(cabinetId uint, prev map[string]models.Order, current []models.Order) []Event {
	var events []Event
	for _, order := range current {
		if _, seen := prev[order.ExternalOrderId]; seen {
			continue
		}
		events = append(events, Event{
			Type:       EventNewOrder,
			CabinetId:  cabinetId,
			EntityType: "order",
			EntityKey:  order.ExternalOrderId,
			NewState:   string(order.Status),
			Order:      orderEventData(order),
		})
	}
	return events
}

// DetectStatusTransitions emits an event for orders present in both snapshots
// whose status moved along a listed transition.
func DetectStatusTransitions(cabinetId uint, prev map[string]models.Order, current []models.Order) []Event {
	var events []Event
	for _, order := range current {
		before, seen := prev[order.ExternalOrderId]
		if !seen || before.Status == order.Status {
			continue
		}
		eventType, worthy := statusTransitions[[2]models.OrderStatus{before.Status, order.Status}]
		if !worthy {
			continue
		}
		events = append(events, Event{
			Type:       eventType,
			CabinetId:  cabinetId,
			EntityType: "order",
			EntityKey:  order.ExternalOrderId,
			PrevState:  string(before.Status),
			NewState:   string(order.Status),
			Order:      orderEventData(order),
		})
	}
	return events
}

type stockKey struct {
	Article string
	Size    string
}

func sumByProductSize(lines []models.StockLine) map[stockKey]int {
	sums := make(map[stockKey]int, len(lines))
	for _, line := range lines {
		sums[stockKey{Article: line.Article, Size: line.Size}] += line.Quantity
	}
	return sums
}

// DetectCriticalStock fires only on a crossing: the summed quantity for a
// (article, size) key was strictly above the threshold before and is at or
// below it now. Already-critical staying critical does not re-fire; a product
// first observed at a low quantity never fires (the prior sum of 0 is not
// "above threshold"). One event per article, listing the sizes that crossed.
//
// observedAt is folded into the dedup identity so that separate crossings of
// the same article (drop, recover, drop again) stay distinct in the ledger.
func DetectCriticalStock(cabinetId uint, prev, current []models.StockLine, threshold int, observedAt time.Time) []Event {
	prevSums := sumByProductSize(prev)
	currentSums := sumByProductSize(current)

	crossed := make(map[string][]string)
	quantities := make(map[string]map[string]int)
	for key, quantity := range currentSums {
		if quantity > threshold {
			continue
		}
		if prevSums[key] <= threshold {
			continue
		}
		crossed[key.Article] = append(crossed[key.Article], key.Size)
		if quantities[key.Article] == nil {
			quantities[key.Article] = make(map[string]int)
		}
		quantities[key.Article][key.Size] = quantity
	}

	articles := make([]string, 0, len(crossed))
	for article := range crossed {
		articles = append(articles, article)
	}
	sort.Strings(articles)

	var events []Event
	for _, article := range articles {
		sizes := crossed[article]
		sort.Strings(sizes)
		events = append(events, Event{
			Type:       EventCriticalStock,
			CabinetId:  cabinetId,
			EntityType: "stock",
			EntityKey:  article,
			PrevState:  "above_threshold",
			NewState:   fmt.Sprintf("critical:%v@%s", sizes, observedAt.UTC().Format(time.RFC3339)),
			Stock: &StockEventData{
				Article:       article,
				CriticalSizes: sizes,
				Quantities:    quantities[article],
			},
		})
	}
	return events
}

// DetectNegativeReviews reports reviews not seen before whose rating is at or
// below the configured ceiling.
func DetectNegativeReviews(cabinetId uint, prevIds map[string]bool, current []models.Review, maxRating int) []Event {
	var events []Event
	for _, review := range current {
		if prevIds[review.ExternalReviewId] || review.Rating > maxRating {
			continue
		}
		events = append(events, Event{
			Type:       EventNegativeReview,
			CabinetId:  cabinetId,
			EntityType: "review",
			EntityKey:  review.ExternalReviewId,
			NewState:   fmt.Sprintf("rating:%d", review.Rating),
			Review: &ReviewEventData{
				ExternalReviewId: review.ExternalReviewId,
				Article:          review.Article,
				ProductName:      review.ProductName,
				Rating:           review.Rating,
				Text:             review.Text,
			},
		})
	}
	return events
}

// DetectSalesAndReturns reports sale rows not seen before, split by type.
func DetectSalesAndReturns(cabinetId uint, prevIds map[string]bool, current []models.Sale) []Event {
	var events []Event
	for _, sale := range current {
		if prevIds[sale.ExternalSaleId] {
			continue
		}
		eventType := EventNewSale
		if sale.Type == models.SaleTypeReturn {
			eventType = EventNewReturn
		}
		events = append(events, Event{
			Type:       eventType,
			CabinetId:  cabinetId,
			EntityType: "sale",
			EntityKey:  sale.ExternalSaleId,
			NewState:   string(sale.Type),
			Sale: &SaleEventData{
				ExternalSaleId:  sale.ExternalSaleId,
				ExternalOrderId: sale.ExternalOrderId,
				Article:         sale.Article,
				Brand:           sale.Brand,
				Size:            sale.Size,
				Amount:          sale.Amount,
				SaleType:        string(sale.Type),
			},
		})
	}
	return events
}
