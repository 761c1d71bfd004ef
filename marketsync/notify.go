package marketsync

import (
	"context"
	"fmt"

	"github.com/sellerdesk/marketbot_backend/config"
	"github.com/sellerdesk/marketbot_backend/models"
	"github.com/sirupsen/logrus"
)

// EventCabinetRemoved is raised by the health monitor, not the detectors.
const EventCabinetRemoved EventType = "cabinet_removed"

// Payload is the structured notification content handed to the formatter.
// No display strings are built here: the formatter collaborator owns
// presentation, the core owns the fields.
type Payload struct {
	Type        EventType               `json:"type"`
	CabinetId   uint                    `json:"cabinet_id"`
	CabinetName string                  `json:"cabinet_name"`
	Events      []Event                 `json:"events,omitempty"`
	Removal     *models.CabinetRemoval  `json:"removal,omitempty"`
}

// DeliverySink is the one delivery contract the core depends on. The chat
// transport behind it is out of scope.
type DeliverySink interface {
	Deliver(ctx context.Context, userId int64, text string) error
}

// Formatter renders a structured payload to display text.
type Formatter interface {
	Render(payload Payload) (string, error)
}

// NotificationPipeline filters events by user preference, deduplicates
// against the ledger, groups, renders, and dispatches. The ledger entry is
// written only after the sink acknowledged, so a failed delivery stays
// eligible for a later cycle: at-least-once, never silently dropped.
//
// The store accessors are fields so tests can run the pipeline against fakes.
type NotificationPipeline struct {
	sink         DeliverySink
	formatter    Formatter
	maxGroupSize int
	logger       *logrus.Logger

	cabinetUserIds  func(ctx context.Context, cabinetId uint) ([]int64, error)
	userSettings    func(ctx context.Context, userId int64) (*models.NotificationSettings, error)
	alreadyNotified func(ctx context.Context, userId int64, entityType, entityKey, prevState, newState string) (bool, error)
	recordNotified  func(ctx context.Context, userId int64, entityType, entityKey, prevState, newState string) error
}

func NewNotificationPipeline(sink DeliverySink, formatter Formatter, settings config.SyncSettings) *NotificationPipeline {
	return &NotificationPipeline{
		sink:            sink,
		formatter:       formatter,
		maxGroupSize:    settings.MaxGroupSize,
		logger:          config.GetLogger(),
		cabinetUserIds:  models.GetCabinetUserIds,
		userSettings:    models.GetNotificationSettings,
		alreadyNotified: models.AlreadyNotified,
		recordNotified:  models.RecordNotified,
	}
}

// ledgerKey scopes the dedup identity by cabinet: the same article or order id
// in two different cabinets is two different entities.
func ledgerKey(event Event) string {
	return fmt.Sprintf("%d:%s", event.CabinetId, event.EntityKey)
}

func eventEnabled(eventType EventType, settings *models.NotificationSettings) bool {
	boolOn := func(b *bool) bool { return b == nil || *b }
	switch eventType {
	case EventNewOrder:
		return boolOn(settings.NewOrders)
	case EventOrderBuyout, EventNewSale:
		return boolOn(settings.Buyouts)
	case EventOrderCancel:
		return boolOn(settings.Cancels)
	case EventOrderReturn, EventNewReturn:
		return boolOn(settings.Returns)
	case EventCriticalStock:
		return boolOn(settings.CriticalStock)
	case EventNegativeReview:
		return boolOn(settings.NegativeReviews)
	default:
		return true
	}
}

// Process dispatches the cycle's events to every user watching the cabinet.
// Returns the number of payloads the sink acknowledged.
func (p *NotificationPipeline) Process(ctx context.Context, cabinet models.Cabinet, events []Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	userIds, err := p.cabinetUserIds(ctx, cabinet.ID)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, userId := range userIds {
		settings, serr := p.userSettings(ctx, userId)
		if serr != nil {
			config.LogError(p.logger, "marketsync", "Process", "load settings", userId, serr)
			continue
		}

		var fresh []Event
		for _, event := range events {
			if !eventEnabled(event.Type, settings) {
				continue
			}
			already, derr := p.alreadyNotified(ctx, userId, event.EntityType, ledgerKey(event), event.PrevState, event.NewState)
			if derr != nil {
				config.LogError(p.logger, "marketsync", "Process", "ledger check", userId, derr)
				continue
			}
			if already {
				continue
			}
			fresh = append(fresh, event)
		}
		if len(fresh) == 0 {
			continue
		}

		for _, batch := range p.batch(fresh, settings) {
			payload := Payload{
				Type:        batch[0].Type,
				CabinetId:   cabinet.ID,
				CabinetName: cabinet.Name,
				Events:      batch,
			}
			if p.deliverAndRecord(ctx, userId, payload) {
				dispatched++
			}
		}
	}
	return dispatched, nil
}

// batch groups same-type events per user when grouping is enabled, capped at
// the user's (or the process default) group size. With grouping off, every
// event is its own payload.
func (p *NotificationPipeline) batch(events []Event, settings *models.NotificationSettings) [][]Event {
	grouping := settings.GroupingEnabled != nil && *settings.GroupingEnabled
	if !grouping {
		batches := make([][]Event, 0, len(events))
		for _, event := range events {
			batches = append(batches, []Event{event})
		}
		return batches
	}

	limit := settings.MaxGroupSize
	if limit <= 0 {
		limit = p.maxGroupSize
	}

	var batches [][]Event
	byType := make(map[EventType]int)
	var order []EventType
	for _, event := range events {
		if _, seen := byType[event.Type]; !seen {
			order = append(order, event.Type)
		}
		byType[event.Type]++
	}
	for _, eventType := range order {
		var group []Event
		for _, event := range events {
			if event.Type != eventType {
				continue
			}
			group = append(group, event)
			if len(group) == limit {
				batches = append(batches, group)
				group = nil
			}
		}
		if len(group) > 0 {
			batches = append(batches, group)
		}
	}
	return batches
}

func (p *NotificationPipeline) deliverAndRecord(ctx context.Context, userId int64, payload Payload) bool {
	text, err := p.formatter.Render(payload)
	if err != nil {
		config.LogError(p.logger, "marketsync", "deliverAndRecord", "render", payload.Type, err)
		return false
	}
	if err := p.sink.Deliver(ctx, userId, text); err != nil {
		// left un-ledgered so a later cycle may retry
		config.LogError(p.logger, "marketsync", "deliverAndRecord", "deliver", userId, err)
		return false
	}
	for _, event := range payload.Events {
		if err := p.recordNotified(ctx, userId, event.EntityType, ledgerKey(event), event.PrevState, event.NewState); err != nil {
			config.LogError(p.logger, "marketsync", "deliverAndRecord", "record ledger", userId, err)
		}
	}
	return true
}

// NotifyCabinetRemoved sends the removal notice captured by the cascade.
// The deletion is already committed: delivery failures are logged, never
// propagated. The ledger entry is written regardless so the notice can never
// double-send on a later pass.
func (p *NotificationPipeline) NotifyCabinetRemoved(ctx context.Context, removal *models.CabinetRemoval) {
	entityKey := fmt.Sprint(removal.CabinetId)
	for _, userId := range removal.UserIds {
		already, err := p.alreadyNotified(ctx, userId, "cabinet", entityKey, "", "removed")
		if err != nil || already {
			continue
		}

		payload := Payload{
			Type:        EventCabinetRemoved,
			CabinetId:   removal.CabinetId,
			CabinetName: removal.CabinetName,
			Removal:     removal,
		}
		text, rerr := p.formatter.Render(payload)
		if rerr == nil {
			if derr := p.sink.Deliver(ctx, userId, text); derr != nil {
				config.LogError(p.logger, "marketsync", "NotifyCabinetRemoved", "deliver", userId, derr)
			}
		} else {
			config.LogError(p.logger, "marketsync", "NotifyCabinetRemoved", "render", userId, rerr)
		}

		if lerr := p.recordNotified(ctx, userId, "cabinet", entityKey, "", "removed"); lerr != nil {
			config.LogError(p.logger, "marketsync", "NotifyCabinetRemoved", "record ledger", userId, lerr)
		}
	}
}
