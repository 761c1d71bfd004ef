package marketsync

import (
	"testing"
	"time"

	"github.com/sellerdesk/marketbot_backend/models"
	"github.com/shopspring/decimal"
)

var observedAt = time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)

func orderSnapshot(orders ...models.Order) map[string]models.Order {
	snapshot := make(map[string]models.Order, len(orders))
	for _, order := range orders {
		snapshot[order.ExternalOrderId] = order
	}
	return snapshot
}

func TestDetectNewOrders(t *testing.T) {
	prev := orderSnapshot(
		models.Order{ExternalOrderId: "o-1", Status: models.OrderStatusActive},
	)
	current := []models.Order{
		{ExternalOrderId: "o-1", Status: models.OrderStatusActive},
		{ExternalOrderId: "o-2", Status: models.OrderStatusActive, Article: "ABC", PriceWithDisc: decimal.NewFromInt(1500)},
	}

	events := DetectNewOrders(7, prev, current)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	event := events[0]
	if event.Type != EventNewOrder || event.EntityKey != "o-2" || event.CabinetId != 7 {
		t.Fatalf("unexpected event: %+v", event)
	}
	if event.Order == nil || event.Order.Article != "ABC" {
		t.Fatalf("event should carry order data: %+v", event.Order)
	}
}

func TestDetectStatusTransitions(t *testing.T) {
	prev := orderSnapshot(
		models.Order{ExternalOrderId: "o-1", Status: models.OrderStatusActive},
		models.Order{ExternalOrderId: "o-2", Status: models.OrderStatusActive},
		models.Order{ExternalOrderId: "o-3", Status: models.OrderStatusBuyout},
		models.Order{ExternalOrderId: "o-4", Status: models.OrderStatusActive},
	)
	current := []models.Order{
		{ExternalOrderId: "o-1", Status: models.OrderStatusBuyout},
		{ExternalOrderId: "o-2", Status: models.OrderStatusCanceled},
		{ExternalOrderId: "o-3", Status: models.OrderStatusReturned},
		{ExternalOrderId: "o-4", Status: models.OrderStatusActive},
	}

	events := DetectStatusTransitions(1, prev, current)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d: %+v", len(events), events)
	}
	got := make(map[string]EventType)
	for _, event := range events {
		got[event.EntityKey] = event.Type
	}
	if got["o-1"] != EventOrderBuyout || got["o-2"] != EventOrderCancel || got["o-3"] != EventOrderReturn {
		t.Fatalf("unexpected event types: %v", got)
	}
}

func TestDetectStatusTransitionsDropsUnlistedPairs(t *testing.T) {
	prev := orderSnapshot(
		models.Order{ExternalOrderId: "o-1", Status: models.OrderStatusCanceled},
		models.Order{ExternalOrderId: "o-2", Status: models.OrderStatusActive},
	)
	current := []models.Order{
		{ExternalOrderId: "o-1", Status: models.OrderStatusActive},   // canceled -> active: not notification-worthy
		{ExternalOrderId: "o-2", Status: models.OrderStatusReturned}, // active -> returned skips the buyout step
	}

	if events := DetectStatusTransitions(1, prev, current); len(events) != 0 {
		t.Fatalf("expected no events for unlisted transitions, got %+v", events)
	}
}

func TestOrderCycleEmitsBuyoutAndNewOrderOnly(t *testing.T) {
	prev := orderSnapshot(
		models.Order{ExternalOrderId: "1", Status: models.OrderStatusActive},
		models.Order{ExternalOrderId: "2", Status: models.OrderStatusActive},
	)
	current := []models.Order{
		{ExternalOrderId: "1", Status: models.OrderStatusBuyout},
		{ExternalOrderId: "2", Status: models.OrderStatusActive},
		{ExternalOrderId: "3", Status: models.OrderStatusActive},
	}

	events := DetectNewOrders(1, prev, current)
	events = append(events, DetectStatusTransitions(1, prev, current)...)

	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d: %+v", len(events), events)
	}
	got := make(map[string]EventType)
	for _, event := range events {
		got[event.EntityKey] = event.Type
	}
	if got["3"] != EventNewOrder || got["1"] != EventOrderBuyout {
		t.Fatalf("unexpected event types: %v", got)
	}
	if _, any := got["2"]; any {
		t.Fatal("unchanged order must emit nothing")
	}
}

func stockLine(article, size string, warehouseId int, quantity int) models.StockLine {
	return models.StockLine{Article: article, Size: size, WarehouseId: warehouseId, Quantity: quantity}
}

func TestDetectCriticalStockSumsWarehouses(t *testing.T) {
	prev := []models.StockLine{
		stockLine("SKU-1", "M", 101, 4),
		stockLine("SKU-1", "M", 102, 2),
		stockLine("SKU-1", "L", 101, 9),
	}
	current := []models.StockLine{
		stockLine("SKU-1", "M", 101, 1),
		stockLine("SKU-1", "M", 102, 1),
		stockLine("SKU-1", "L", 101, 9),
	}

	events := DetectCriticalStock(3, prev, current, 2, observedAt)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	event := events[0]
	if event.EntityKey != "SKU-1" || event.Stock == nil {
		t.Fatalf("unexpected event: %+v", event)
	}
	if len(event.Stock.CriticalSizes) != 1 || event.Stock.CriticalSizes[0] != "M" {
		t.Fatalf("expected critical sizes [M], got %v", event.Stock.CriticalSizes)
	}
	if event.Stock.Quantities["M"] != 2 {
		t.Fatalf("expected summed quantity 2, got %d", event.Stock.Quantities["M"])
	}
}

func TestDetectCriticalStockFiresOnceAcrossSequence(t *testing.T) {
	threshold := 2
	quantities := []int{10, 10, 1, 0, 1}

	fired := 0
	for i := 1; i < len(quantities); i++ {
		prev := []models.StockLine{stockLine("SKU-1", "M", 101, quantities[i-1])}
		current := []models.StockLine{stockLine("SKU-1", "M", 101, quantities[i])}
		fired += len(DetectCriticalStock(1, prev, current, threshold, observedAt))
	}
	if fired != 1 {
		t.Fatalf("expected exactly 1 event across the sequence, got %d", fired)
	}

	// recovery above the threshold re-arms the detector
	prev := []models.StockLine{stockLine("SKU-1", "M", 101, 5)}
	current := []models.StockLine{stockLine("SKU-1", "M", 101, 2)}
	if events := DetectCriticalStock(1, prev, current, threshold, observedAt); len(events) != 1 {
		t.Fatalf("expected re-armed detector to fire, got %d events", len(events))
	}
}

func TestDetectCriticalStockDistinctCrossingsHaveDistinctIdentity(t *testing.T) {
	first := DetectCriticalStock(1,
		[]models.StockLine{stockLine("SKU-1", "M", 101, 6)},
		[]models.StockLine{stockLine("SKU-1", "M", 101, 2)},
		2, observedAt)
	second := DetectCriticalStock(1,
		[]models.StockLine{stockLine("SKU-1", "M", 101, 9)},
		[]models.StockLine{stockLine("SKU-1", "M", 101, 1)},
		2, observedAt.Add(20*time.Minute))

	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("expected both crossings to fire, got %d and %d", len(first), len(second))
	}
	if first[0].NewState == second[0].NewState {
		t.Fatalf("separate crossings must not share a dedup identity: %q", first[0].NewState)
	}
}

func TestDetectCriticalStockFiresOnZeroedLine(t *testing.T) {
	// a line the feed stopped reporting is stored as quantity 0
	prev := []models.StockLine{stockLine("SKU-1", "M", 101, 6)}
	current := []models.StockLine{stockLine("SKU-1", "M", 101, 0)}

	events := DetectCriticalStock(1, prev, current, 2, observedAt)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Stock.Quantities["M"] != 0 {
		t.Fatalf("expected zero quantity, got %d", events[0].Stock.Quantities["M"])
	}
}

func TestDetectCriticalStockIgnoresFirstObservation(t *testing.T) {
	current := []models.StockLine{stockLine("SKU-9", "S", 101, 1)}
	if events := DetectCriticalStock(1, nil, current, 2, observedAt); len(events) != 0 {
		t.Fatalf("a product first seen at a low quantity must not fire, got %+v", events)
	}
}

func TestDetectNegativeReviews(t *testing.T) {
	prevIds := map[string]bool{"r-1": true}
	current := []models.Review{
		{ExternalReviewId: "r-1", Rating: 1},             // already known
		{ExternalReviewId: "r-2", Rating: 2, Text: "bad"},
		{ExternalReviewId: "r-3", Rating: 5},             // positive
	}

	events := DetectNegativeReviews(1, prevIds, current, 3)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].EntityKey != "r-2" || events[0].Review == nil || events[0].Review.Rating != 2 {
		t.Fatalf("unexpected event: %+v", events[0])
	}
}

func TestDetectSalesAndReturnsSplitsByType(t *testing.T) {
	prevIds := map[string]bool{"s-1": true}
	current := []models.Sale{
		{ExternalSaleId: "s-1", Type: models.SaleTypeBuyout},
		{ExternalSaleId: "s-2", Type: models.SaleTypeBuyout, Amount: decimal.NewFromInt(900)},
		{ExternalSaleId: "s-3", Type: models.SaleTypeReturn},
	}

	events := DetectSalesAndReturns(1, prevIds, current)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	got := make(map[string]EventType)
	for _, event := range events {
		got[event.EntityKey] = event.Type
	}
	if got["s-2"] != EventNewSale || got["s-3"] != EventNewReturn {
		t.Fatalf("unexpected event types: %v", got)
	}
}
