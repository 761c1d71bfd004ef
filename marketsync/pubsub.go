package marketsync

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"
	"github.com/sellerdesk/marketbot_backend/config"
)

// PublishSyncCycle hands one cabinet's cycle to pub/sub so the push endpoint
// of whichever instance receives it runs the work. CabinetId 0 means "all
// active cabinets".
func PublishSyncCycle(ctx context.Context, cabinetId uint, triggeredBy string) error {
	topicName := strings.TrimSpace(os.Getenv("MARKET_SYNC_TOPIC"))
	if topicName == "" {
		topicName = "market-sync"
	}

	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}

	topic := client.Topic(topicName)
	if envBoolDefault("MARKET_SYNC_CREATE_TOPIC", false) {
		topic, err = config.CreateTopicIfNotExists(client, topicName)
		if err != nil {
			return err
		}
	}

	payload := SyncCyclePayload{
		CabinetId:   cabinetId,
		TriggeredBy: triggeredBy,
	}
	data, _ := json.Marshal(payload)
	res := topic.Publish(ctx, &pubsub.Message{Data: data})
	_, err = res.Get(ctx)
	return err
}

// PubSubPushHandler accepts push deliveries from the sync topic. Always 204:
// pub/sub retries on non-2xx and a malformed envelope will never become
// well-formed, while sync failures are already retried by the next scheduled
// cycle.
func PubSubPushHandler(scheduler *Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !envBoolDefault("ENABLE_MARKET_SYNC_PUSH_ENDPOINT", true) {
			c.Status(204)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(204)
			return
		}

		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(204)
			return
		}

		var payload SyncCyclePayload
		if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
			c.Status(204)
			return
		}

		if payload.TriggeredBy == "" {
			payload.TriggeredBy = "pubsub"
		}
		if payload.CabinetId == 0 {
			scheduler.RunCycle(c.Request.Context())
		} else {
			_ = scheduler.SyncCabinet(c.Request.Context(), payload.CabinetId, payload.TriggeredBy)
		}
		c.Status(204)
	}
}

func envBoolDefault(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}
