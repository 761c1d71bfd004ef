package marketsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/sellerdesk/marketbot_backend/config"
	"github.com/sirupsen/logrus"
)

// WebhookSink posts rendered notices to an external dispatcher (the chat
// transport proper lives behind it). A non-2xx answer is a failed delivery,
// which keeps the event un-ledgered for the next cycle.
type WebhookSink struct {
	url  string
	http *http.Client
}

func NewWebhookSink() (*WebhookSink, error) {
	url := strings.TrimSpace(os.Getenv("NOTIFY_WEBHOOK_URL"))
	if url == "" {
		return nil, errors.New("NOTIFY_WEBHOOK_URL is not set")
	}
	return &WebhookSink{
		url:  url,
		http: &http.Client{Timeout: 15 * time.Second},
	}, nil
}

func (s *WebhookSink) Deliver(ctx context.Context, userId int64, text string) error {
	body, _ := json.Marshal(map[string]interface{}{
		"user_id": userId,
		"text":    text,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook sink: status %d", resp.StatusCode)
	}
	return nil
}

// LogSink is the dev fallback when no webhook is configured. It always acks,
// so notices are ledgered after the log line.
type LogSink struct {
	logger *logrus.Logger
}

func NewLogSink() *LogSink {
	return &LogSink{logger: config.GetLogger()}
}

func (s *LogSink) Deliver(_ context.Context, userId int64, text string) error {
	s.logger.WithFields(logrus.Fields{
		"module": "marketsync",
		"userId": userId,
	}).Info(text)
	return nil
}

// TextFormatter renders payloads as plain text, one line per event.
type TextFormatter struct{}

func (TextFormatter) Render(payload Payload) (string, error) {
	var b strings.Builder
	switch payload.Type {
	case EventCabinetRemoved:
		fmt.Fprintf(&b, "Cabinet %q was removed: its API token was rejected by the marketplace.\n", payload.CabinetName)
		if payload.Removal != nil {
			fmt.Fprintf(&b, "Removed data: %d orders, %d stock lines, %d reviews, %d sales.\n",
				payload.Removal.Orders, payload.Removal.Stocks, payload.Removal.Reviews, payload.Removal.Sales)
		}
		b.WriteString("Add the cabinet again with a fresh token to resume syncing.")
		return b.String(), nil
	case EventNewOrder:
		fmt.Fprintf(&b, "[%s] New orders: %d\n", payload.CabinetName, len(payload.Events))
	case EventOrderBuyout:
		fmt.Fprintf(&b, "[%s] Buyouts: %d\n", payload.CabinetName, len(payload.Events))
	case EventOrderCancel:
		fmt.Fprintf(&b, "[%s] Cancellations: %d\n", payload.CabinetName, len(payload.Events))
	case EventOrderReturn, EventNewReturn:
		fmt.Fprintf(&b, "[%s] Returns: %d\n", payload.CabinetName, len(payload.Events))
	case EventCriticalStock:
		fmt.Fprintf(&b, "[%s] Critical stock:\n", payload.CabinetName)
	case EventNegativeReview:
		fmt.Fprintf(&b, "[%s] Negative reviews: %d\n", payload.CabinetName, len(payload.Events))
	case EventNewSale:
		fmt.Fprintf(&b, "[%s] Sales: %d\n", payload.CabinetName, len(payload.Events))
	default:
		fmt.Fprintf(&b, "[%s] %s: %d\n", payload.CabinetName, payload.Type, len(payload.Events))
	}

	for _, event := range payload.Events {
		b.WriteString(renderEventLine(event))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func renderEventLine(event Event) string {
	switch {
	case event.Order != nil:
		return fmt.Sprintf("- %s %s (%s) %s", event.Order.Article, event.Order.Size, event.Order.Brand,
			event.Order.PriceWithDisc.StringFixed(2))
	case event.Stock != nil:
		sizes := append([]string(nil), event.Stock.CriticalSizes...)
		sort.Strings(sizes)
		parts := make([]string, 0, len(sizes))
		for _, size := range sizes {
			parts = append(parts, fmt.Sprintf("%s=%d", size, event.Stock.Quantities[size]))
		}
		return fmt.Sprintf("- %s: %s", event.Stock.Article, strings.Join(parts, ", "))
	case event.Review != nil:
		return fmt.Sprintf("- %s rated %d: %s", event.Review.Article, event.Review.Rating, event.Review.Text)
	case event.Sale != nil:
		return fmt.Sprintf("- %s %s", event.Sale.Article, event.Sale.Amount.StringFixed(2))
	default:
		return fmt.Sprintf("- %s", event.EntityKey)
	}
}
