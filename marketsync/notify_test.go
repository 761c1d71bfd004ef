package marketsync

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/sellerdesk/marketbot_backend/config"
	"github.com/sellerdesk/marketbot_backend/models"
)

func boolPtr(v bool) *bool { return &v }

func eventsOfType(eventType EventType, n int) []Event {
	events := make([]Event, n)
	for i := range events {
		events[i] = Event{Type: eventType}
	}
	return events
}

func TestBatchWithoutGroupingIsOnePayloadPerEvent(t *testing.T) {
	pipeline := &NotificationPipeline{maxGroupSize: 10}
	settings := &models.NotificationSettings{GroupingEnabled: boolPtr(false)}

	batches := pipeline.batch(eventsOfType(EventNewOrder, 4), settings)
	if len(batches) != 4 {
		t.Fatalf("expected 4 payloads, got %d", len(batches))
	}
	for _, batch := range batches {
		if len(batch) != 1 {
			t.Fatalf("expected singleton batches, got %d", len(batch))
		}
	}
}

func TestBatchGroupsByTypeWithCap(t *testing.T) {
	pipeline := &NotificationPipeline{maxGroupSize: 10}
	settings := &models.NotificationSettings{GroupingEnabled: boolPtr(true), MaxGroupSize: 3}

	events := append(eventsOfType(EventNewOrder, 7), eventsOfType(EventOrderCancel, 2)...)
	batches := pipeline.batch(events, settings)

	// 7 new orders capped at 3 -> 3+3+1, plus one batch of 2 cancels
	if len(batches) != 4 {
		t.Fatalf("expected 4 batches, got %d", len(batches))
	}
	sizes := []int{len(batches[0]), len(batches[1]), len(batches[2]), len(batches[3])}
	want := []int{3, 3, 1, 2}
	for i := range want {
		if sizes[i] != want[i] {
			t.Fatalf("expected batch sizes %v, got %v", want, sizes)
		}
	}
	for _, event := range batches[3] {
		if event.Type != EventOrderCancel {
			t.Fatalf("batches must not mix types, got %v", event.Type)
		}
	}
}

func TestBatchFallsBackToProcessDefaultCap(t *testing.T) {
	pipeline := &NotificationPipeline{maxGroupSize: 2}
	settings := &models.NotificationSettings{GroupingEnabled: boolPtr(true)}

	batches := pipeline.batch(eventsOfType(EventNewSale, 5), settings)
	if len(batches) != 3 {
		t.Fatalf("expected 3 batches with default cap 2, got %d", len(batches))
	}
}

func TestEventEnabledRespectsPreferences(t *testing.T) {
	settings := &models.NotificationSettings{
		NewOrders:       boolPtr(false),
		Buyouts:         boolPtr(true),
		Returns:         boolPtr(false),
		NegativeReviews: boolPtr(true),
	}

	cases := []struct {
		eventType EventType
		want      bool
	}{
		{EventNewOrder, false},
		{EventOrderBuyout, true},
		{EventNewSale, true},      // sales share the buyout toggle
		{EventOrderReturn, false},
		{EventNewReturn, false},   // returns share the return toggle
		{EventNegativeReview, true},
		{EventCriticalStock, true}, // unset preference defaults to on
	}
	for _, tc := range cases {
		if got := eventEnabled(tc.eventType, settings); got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.eventType, tc.want, got)
		}
	}
}

type recordingSink struct{ delivered int }

func (s *recordingSink) Deliver(ctx context.Context, userId int64, text string) error {
	s.delivered++
	return nil
}

type staticFormatter struct{}

func (staticFormatter) Render(Payload) (string, error) { return "msg", nil }

// newFakePipeline runs the pipeline against an in-memory ledger and a single
// watching user.
func newFakePipeline(sink DeliverySink) *NotificationPipeline {
	ledger := make(map[string]bool)
	tuple := func(userId int64, entityType, entityKey, prevState, newState string) string {
		return fmt.Sprintf("%d|%s|%s|%s|%s", userId, entityType, entityKey, prevState, newState)
	}
	return &NotificationPipeline{
		sink:         sink,
		formatter:    staticFormatter{},
		maxGroupSize: 10,
		logger:       config.GetLogger(),
		cabinetUserIds: func(ctx context.Context, cabinetId uint) ([]int64, error) {
			return []int64{42}, nil
		},
		userSettings: func(ctx context.Context, userId int64) (*models.NotificationSettings, error) {
			return &models.NotificationSettings{}, nil
		},
		alreadyNotified: func(ctx context.Context, userId int64, entityType, entityKey, prevState, newState string) (bool, error) {
			return ledger[tuple(userId, entityType, entityKey, prevState, newState)], nil
		},
		recordNotified: func(ctx context.Context, userId int64, entityType, entityKey, prevState, newState string) error {
			ledger[tuple(userId, entityType, entityKey, prevState, newState)] = true
			return nil
		},
	}
}

func TestProcessDeliversRepeatStockCrossings(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	pipeline := newFakePipeline(sink)
	cabinet := models.Cabinet{Name: "Main"}

	first := DetectCriticalStock(1,
		[]models.StockLine{stockLine("SKU-1", "M", 101, 6)},
		[]models.StockLine{stockLine("SKU-1", "M", 101, 2)},
		2, observedAt)
	if n, err := pipeline.Process(ctx, cabinet, first); err != nil || n != 1 {
		t.Fatalf("first crossing: dispatched=%d err=%v", n, err)
	}

	// redelivery of the very same crossing is suppressed
	if n, err := pipeline.Process(ctx, cabinet, first); err != nil || n != 0 {
		t.Fatalf("replayed crossing: dispatched=%d err=%v", n, err)
	}

	// stock recovered above the threshold and crossed again later
	second := DetectCriticalStock(1,
		[]models.StockLine{stockLine("SKU-1", "M", 101, 9)},
		[]models.StockLine{stockLine("SKU-1", "M", 101, 1)},
		2, observedAt.Add(30*time.Minute))
	if n, err := pipeline.Process(ctx, cabinet, second); err != nil || n != 1 {
		t.Fatalf("second crossing must deliver again: dispatched=%d err=%v", n, err)
	}
	if sink.delivered != 2 {
		t.Fatalf("expected 2 deliveries, got %d", sink.delivered)
	}
}

func TestProcessScopesLedgerByCabinet(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	pipeline := newFakePipeline(sink)

	event := Event{
		Type:       EventNewOrder,
		CabinetId:  1,
		EntityType: "order",
		EntityKey:  "o-1",
		NewState:   "active",
	}
	if n, err := pipeline.Process(ctx, models.Cabinet{Name: "First"}, []Event{event}); err != nil || n != 1 {
		t.Fatalf("first cabinet: dispatched=%d err=%v", n, err)
	}

	// the same order id in another cabinet is a different entity
	other := event
	other.CabinetId = 2
	if n, err := pipeline.Process(ctx, models.Cabinet{Name: "Second"}, []Event{other}); err != nil || n != 1 {
		t.Fatalf("second cabinet must not collide: dispatched=%d err=%v", n, err)
	}
}

func TestTextFormatterCriticalStock(t *testing.T) {
	payload := Payload{
		Type:        EventCriticalStock,
		CabinetName: "Main",
		Events: []Event{{
			Type:      EventCriticalStock,
			EntityKey: "SKU-1",
			Stock: &StockEventData{
				Article:       "SKU-1",
				CriticalSizes: []string{"M"},
				Quantities:    map[string]int{"M": 2},
			},
		}},
	}

	text, err := (TextFormatter{}).Render(payload)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(text, "SKU-1") || !strings.Contains(text, "M=2") {
		t.Fatalf("unexpected rendering: %q", text)
	}
}

func TestTextFormatterCabinetRemoved(t *testing.T) {
	payload := Payload{
		Type:        EventCabinetRemoved,
		CabinetName: "Main",
		Removal: &models.CabinetRemoval{
			CabinetName: "Main",
			Orders:      12,
			Stocks:      3,
		},
	}

	text, err := (TextFormatter{}).Render(payload)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(text, "Main") || !strings.Contains(text, "12 orders") {
		t.Fatalf("unexpected rendering: %q", text)
	}
}
