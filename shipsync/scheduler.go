package shipsync

import (
	"context"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/fulfillment_backend/config"
	"bitbucket.org/mmdatafocus/fulfillment_backend/models"
	"bitbucket.org/mmdatafocus/fulfillment_backend/utils"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

func cronSpec(envKey, def string) string {
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		return v
	}
	return def
}

// StartScheduler wires the background workflows onto a cron. Each job checks
// its own workflow gate when it starts, so disabling a workflow takes effect
// without restarting the service. Returns the running cron for shutdown.
func StartScheduler(logger *logrus.Logger) *cron.Cron {
	c := cron.New()
	ctx := context.Background()

	jobs := []struct {
		name string
		spec string
		fn   func()
	}{
		{models.WorkflowOrderSync, cronSpec("ORDER_SYNC_CRON", "@every 5m"), func() {
			_, _ = RunOrderSync(ctx, config.GetDB(), logger, models.SyncTriggeredScheduler)
		}},
		{models.WorkflowShipmentSync, cronSpec("SHIPMENT_SYNC_CRON", "@every 5m"), func() {
			_, _ = RunShipmentSync(ctx, config.GetDB(), logger, models.SyncTriggeredScheduler)
		}},
		{models.WorkflowSnapshotReconcile, cronSpec("SNAPSHOT_RECONCILE_CRON", "@every 1h"), func() {
			_, _ = RunSnapshotReconcile(ctx, config.GetDB(), logger, models.SyncTriggeredScheduler)
		}},
		{models.WorkflowWeeklyReport, cronSpec("WEEKLY_REPORT_CRON", "0 2 * * *"), func() {
			_, _ = RunWeeklyReport(ctx, config.GetDB(), logger, models.SyncTriggeredScheduler)
		}},
		{models.WorkflowCleanup, cronSpec("CLEANUP_CRON", "0 3 * * 0"), func() {
			_, _ = RunCleanup(ctx, config.GetDB(), logger, models.SyncTriggeredScheduler)
		}},
	}

	// A bad spec can only come from an env override; fail fast at startup.
	for _, job := range jobs {
		_, err := c.AddFunc(job.spec, job.fn)
		utils.ErrorPanic(err)
	}

	c.Start()
	logger.WithField("module", "shipsync").Info("scheduler started")
	return c
}
