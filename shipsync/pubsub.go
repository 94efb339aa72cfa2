package shipsync

import (
	"context"
	"io"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/fulfillment_backend/config"
	"bitbucket.org/mmdatafocus/fulfillment_backend/models"
	"bitbucket.org/mmdatafocus/fulfillment_backend/utils"
	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"
)

// PublishSyncRun hands a queued run to the async worker pool via Pub/Sub.
func PublishSyncRun(ctx context.Context, runId int, workflowName string) error {
	topicName := strings.TrimSpace(os.Getenv("SHIPSYNC_TOPIC"))
	if topicName == "" {
		topicName = "shipstream-sync"
	}

	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}

	topic := client.Topic(topicName)
	if config.EnvBoolDefault("SHIPSYNC_CREATE_TOPIC", false) {
		topic, err = config.CreateTopicIfNotExists(client, topicName)
		if err != nil {
			return err
		}
	}

	payload := SyncPubSubPayload{RunId: runId, WorkflowName: workflowName}
	data, err := utils.MarshalToJSON(payload)
	if err != nil {
		return err
	}
	res := topic.Publish(ctx, &pubsub.Message{Data: []byte(data)})
	_, err = res.Get(ctx)
	return err
}

// PubSubPushHandler accepts Pub/Sub push deliveries and runs the named
// workflow. Always 204: Pub/Sub retries on anything else and the workflows
// are idempotent anyway.
func PubSubPushHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !config.EnvBoolDefault("ENABLE_SHIPSYNC_PUBSUB_PUSH_ENDPOINT", true) {
			c.Status(204)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(204)
			return
		}

		var envelope PubSubPushEnvelope
		if err := utils.UnmarshalFromJSON(body, &envelope); err != nil {
			c.Status(204)
			return
		}

		var payload SyncPubSubPayload
		if err := utils.UnmarshalFromJSON(envelope.Message.Data, &payload); err != nil {
			c.Status(204)
			return
		}
		if payload.WorkflowName == "" {
			c.Status(204)
			return
		}

		db := config.GetDB()
		logger := config.GetLogger()
		ctx := c.Request.Context()
		switch payload.WorkflowName {
		case models.WorkflowOrderSync:
			_, _ = RunOrderSync(ctx, db, logger, models.SyncTriggeredScheduler)
		case models.WorkflowShipmentSync:
			_, _ = RunShipmentSync(ctx, db, logger, models.SyncTriggeredScheduler)
		case models.WorkflowSnapshotReconcile:
			_, _ = RunSnapshotReconcile(ctx, db, logger, models.SyncTriggeredScheduler)
		case models.WorkflowWeeklyReport:
			_, _ = RunWeeklyReport(ctx, db, logger, models.SyncTriggeredScheduler)
		case models.WorkflowCleanup:
			_, _ = RunCleanup(ctx, db, logger, models.SyncTriggeredScheduler)
		}
		c.Status(204)
	}
}
