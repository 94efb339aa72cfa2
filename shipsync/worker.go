package shipsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/fulfillment_backend/config"
	"bitbucket.org/mmdatafocus/fulfillment_backend/models"
	"bitbucket.org/mmdatafocus/fulfillment_backend/utils"
	"bitbucket.org/mmdatafocus/fulfillment_backend/workflow"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// startRun opens a SyncRun in running state, or returns nil when the workflow
// gate is closed.
func startRun(db *gorm.DB, logger *logrus.Logger, workflowName, triggeredBy string) (*models.SyncRun, error) {
	open, err := workflow.WorkflowGate(db, logger, workflowName)
	if err != nil {
		return nil, err
	}
	if !open {
		return nil, nil
	}

	now := time.Now().UTC()
	run := models.SyncRun{
		WorkflowName: workflowName,
		Status:       models.SyncRunStatusRunning,
		TriggeredBy:  triggeredBy,
		StartedAt:    &now,
	}
	if err := db.Create(&run).Error; err != nil {
		return nil, err
	}
	_ = models.TouchWorkflowRun(db, workflowName, now)
	return &run, nil
}

func finishRun(db *gorm.DB, run *models.SyncRun, stats map[string]int, synced, errorCount int) error {
	finishedAt := time.Now().UTC()
	status := models.SyncRunStatusSuccess
	if errorCount > 0 && synced == 0 {
		status = models.SyncRunStatusFailed
	} else if errorCount > 0 {
		status = models.SyncRunStatusPartial
	}
	statsJSON, _ := json.Marshal(stats)
	var durationMs int64
	if run.StartedAt != nil {
		durationMs = finishedAt.Sub(*run.StartedAt).Milliseconds()
	}
	return db.Model(run).Updates(map[string]interface{}{
		"status":         status,
		"finished_at":    finishedAt,
		"duration_ms":    durationMs,
		"records_synced": synced,
		"error_count":    errorCount,
		"stats_json":     statsJSON,
	}).Error
}

// RunOrderSync pulls orders modified since the workflow's watermark and stores
// each in its own transaction. The watermark advances to the newest stored
// modification time only after the batch finishes, so a crash mid-batch
// re-pulls instead of losing orders; re-pulled orders upsert harmlessly.
func RunOrderSync(ctx context.Context, db *gorm.DB, logger *logrus.Logger, triggeredBy string) (*models.SyncRun, error) {
	run, err := startRun(db, logger, models.WorkflowOrderSync, triggeredBy)
	if err != nil || run == nil {
		return run, err
	}

	client, err := newShipstreamClient()
	if err != nil {
		_ = finishRun(db, run, nil, 0, 1)
		_ = models.CreateSyncError(db, run.ID, "order", "", "client_init", err.Error(), nil, false)
		return run, err
	}

	since, err := models.GetWatermark(db, models.WorkflowOrderSync)
	if err != nil {
		_ = finishRun(db, run, nil, 0, 1)
		return run, err
	}
	if since.IsZero() {
		since = time.Now().Add(-30 * 24 * time.Hour).UTC()
	}

	ordersPath := strings.TrimSpace(os.Getenv("SHIPSTREAM_ORDERS_PATH"))
	if ordersPath == "" {
		ordersPath = "/v1/orders"
	}

	synced := 0
	errorCount := 0
	complete := false
	var newestModified time.Time
	nextCursor := ""

	for {
		// Gate is re-checked per page so a mid-run disable stops promptly.
		open, err := workflow.WorkflowGate(db, logger, models.WorkflowOrderSync)
		if err != nil {
			errorCount++
			_ = models.CreateSyncError(db, run.ID, "order", "", "gate_check_failed", err.Error(), nil, true)
			break
		}
		if !open {
			break
		}

		params := url.Values{}
		params.Set("updated_since", since.Format(time.RFC3339))
		if nextCursor != "" {
			params.Set("cursor", nextCursor)
		}
		params.Set("limit", "200")

		resp, err := client.getList(ctx, ordersPath, params)
		if err != nil {
			errorCount++
			_ = models.CreateSyncError(db, run.ID, "order", "", "fetch_failed", err.Error(), nil, true)
			break
		}

		items := resp.Data
		if len(items) == 0 {
			items = resp.Items
		}

		for _, raw := range items {
			var remote remoteOrder
			if err := json.Unmarshal(raw, &remote); err != nil {
				errorCount++
				_ = models.CreateSyncError(db, run.ID, "order", "", "invalid_payload", err.Error(), raw, true)
				continue
			}
			orderNumber := strings.TrimSpace(remote.OrderNumber)
			if orderNumber == "" {
				errorCount++
				_ = models.CreateSyncError(db, run.ID, "order", remote.ID, "missing_order_number", "order number missing", raw, false)
				continue
			}

			modifiedAt := parseTimeOrNow(remote.UpdatedAt)
			input := orderInputFromRemote(&remote, modifiedAt)
			err := db.Transaction(func(tx *gorm.DB) error {
				_, err := models.UpsertInboundOrder(tx, input)
				return err
			})
			if err != nil {
				errorCount++
				_ = models.CreateSyncError(db, run.ID, "order", orderNumber, "upsert_failed", err.Error(), raw, true)
				continue
			}
			synced++
			if modifiedAt.After(newestModified) {
				newestModified = modifiedAt
			}
		}

		if resp.NextCursor == "" || (resp.HasMore != nil && !*resp.HasMore) {
			complete = true
			break
		}
		nextCursor = resp.NextCursor
	}

	// Advance only after a complete, clean pull. Errors or a partial
	// pagination (gate closed mid-run) leave the watermark where it was so
	// the next run re-covers the window.
	if complete && errorCount == 0 && !newestModified.IsZero() {
		if err := models.AdvanceWatermark(db, models.WorkflowOrderSync, newestModified); err != nil {
			config.LogError(logger, "shipsync", "RunOrderSync", "advance watermark", newestModified, err)
		}
	}

	stats := map[string]int{"orders": synced}
	if err := finishRun(db, run, stats, synced, errorCount); err != nil {
		return run, err
	}
	return run, nil
}

func orderInputFromRemote(remote *remoteOrder, modifiedAt time.Time) *models.UpsertOrderInput {
	var lines []models.InboundOrderLine
	for _, item := range remote.items() {
		qty := decimalFromNumber(item.Quantity)
		if !qty.IsPositive() {
			continue
		}
		lines = append(lines, models.InboundOrderLine{
			Sku:         strings.TrimSpace(item.Sku),
			LotOverride: strings.TrimSpace(item.LotOverride),
			Quantity:    qty,
		})
	}
	return &models.UpsertOrderInput{
		OrderNumber:          strings.TrimSpace(remote.OrderNumber),
		ExternalOrderId:      strings.TrimSpace(remote.ID),
		ExternalCarrierJobId: strings.TrimSpace(remote.CarrierJobId),
		OrderDate:            parseTimeOrNow(remote.OrderDate),
		Status:               mapRemoteStatus(remote.Status),
		ShipToName:           remote.ShipToName,
		ShipToStreet:         remote.ShipToStreet,
		ShipToCity:           remote.ShipToCity,
		ShipToState:          remote.ShipToState,
		ShipToPostcode:       remote.ShipToPostcode,
		ShipToCountry:        strings.ToUpper(strings.TrimSpace(remote.ShipToCountry)),
		BillToName:           remote.BillToName,
		CarrierCode:          remote.CarrierCode,
		ServiceCode:          remote.ServiceCode,
		TrackingNumber:       remote.TrackingNumber,
		ModifiedAt:           modifiedAt,
		Lines:                lines,
	}
}

// RunShipmentSync pulls shipped-order events and feeds each through the
// shipment unit of work. A bad order is recorded and skipped; the run keeps
// going so one poisoned event cannot wedge the feed.
func RunShipmentSync(ctx context.Context, db *gorm.DB, logger *logrus.Logger, triggeredBy string) (*models.SyncRun, error) {
	run, err := startRun(db, logger, models.WorkflowShipmentSync, triggeredBy)
	if err != nil || run == nil {
		return run, err
	}

	client, err := newShipstreamClient()
	if err != nil {
		_ = finishRun(db, run, nil, 0, 1)
		_ = models.CreateSyncError(db, run.ID, "shipment", "", "client_init", err.Error(), nil, false)
		return run, err
	}

	since, err := models.GetWatermark(db, models.WorkflowShipmentSync)
	if err != nil {
		_ = finishRun(db, run, nil, 0, 1)
		return run, err
	}
	if since.IsZero() {
		since = time.Now().Add(-30 * 24 * time.Hour).UTC()
	}

	shipmentsPath := strings.TrimSpace(os.Getenv("SHIPSTREAM_SHIPMENTS_PATH"))
	if shipmentsPath == "" {
		shipmentsPath = "/v1/shipments"
	}

	synced := 0
	errorCount := 0
	complete := false
	var newestModified time.Time
	nextCursor := ""

	for {
		open, err := workflow.WorkflowGate(db, logger, models.WorkflowShipmentSync)
		if err != nil {
			errorCount++
			_ = models.CreateSyncError(db, run.ID, "shipment", "", "gate_check_failed", err.Error(), nil, true)
			break
		}
		if !open {
			break
		}

		params := url.Values{}
		params.Set("updated_since", since.Format(time.RFC3339))
		if nextCursor != "" {
			params.Set("cursor", nextCursor)
		}
		params.Set("limit", "100")

		resp, err := client.getList(ctx, shipmentsPath, params)
		if err != nil {
			errorCount++
			_ = models.CreateSyncError(db, run.ID, "shipment", "", "fetch_failed", err.Error(), nil, true)
			break
		}

		items := resp.Data
		if len(items) == 0 {
			items = resp.Items
		}

		for _, raw := range items {
			var remote remoteShipment
			if err := json.Unmarshal(raw, &remote); err != nil {
				errorCount++
				_ = models.CreateSyncError(db, run.ID, "shipment", "", "invalid_payload", err.Error(), raw, true)
				continue
			}
			if err := processRemoteShipment(ctx, db, logger, run.ID, &remote, raw); err != nil {
				if errors.Is(err, workflow.ErrDuplicateMessage) {
					continue
				}
				errorCount++
				continue
			}
			synced++
			modifiedAt := parseTimeOrNow(remote.UpdatedAt)
			if modifiedAt.After(newestModified) {
				newestModified = modifiedAt
			}
		}

		if resp.NextCursor == "" || (resp.HasMore != nil && !*resp.HasMore) {
			complete = true
			break
		}
		nextCursor = resp.NextCursor
	}

	if complete && errorCount == 0 && !newestModified.IsZero() {
		if err := models.AdvanceWatermark(db, models.WorkflowShipmentSync, newestModified); err != nil {
			config.LogError(logger, "shipsync", "RunShipmentSync", "advance watermark", newestModified, err)
		}
	}

	stats := map[string]int{"shipments": synced}
	if err := finishRun(db, run, stats, synced, errorCount); err != nil {
		return run, err
	}
	return run, nil
}

// processRemoteShipment runs one shipped event through the shipment unit of
// work and maps failures onto the order: insufficient stock holds the order
// for retry once stock arrives, anything else fails it with the reason.
func processRemoteShipment(ctx context.Context, db *gorm.DB, logger *logrus.Logger, runId int, remote *remoteShipment, raw []byte) error {
	orderNumber := strings.TrimSpace(remote.OrderNumber)
	if orderNumber == "" {
		_ = models.CreateSyncError(db, runId, "shipment", remote.ID, "missing_order_number", "order number missing", raw, false)
		return errors.New("order number missing")
	}

	messageId := strings.TrimSpace(remote.ID)
	if messageId == "" {
		messageId = orderNumber + "|" + remote.UpdatedAt
	}

	event := &workflow.ShippedEvent{
		MessageId:      messageId,
		OrderNumber:    orderNumber,
		ShipDate:       parseTimeOrNow(remote.ShipDate),
		CarrierCode:    remote.CarrierCode,
		ServiceCode:    remote.ServiceCode,
		TrackingNumber: remote.TrackingNumber,
	}
	for _, item := range remote.items() {
		qty := decimalFromNumber(item.Quantity)
		if !qty.IsPositive() {
			continue
		}
		event.Lines = append(event.Lines, workflow.ShippedLine{
			Sku:      strings.TrimSpace(item.Sku),
			Quantity: qty,
		})
	}

	err := workflow.ProcessOrderShipped(ctx, db, logger, event)
	if err == nil || errors.Is(err, workflow.ErrDuplicateMessage) {
		return err
	}

	switch {
	case errors.Is(err, workflow.ErrInsufficientStock), errors.Is(err, workflow.ErrSkuOnHold):
		// Retryable: the order waits until stock arrives or the hold clears.
		_ = models.CreateSyncError(db, runId, "shipment", orderNumber, "insufficient_stock", err.Error(), raw, true)
		_ = setOrderFailure(db, orderNumber, models.OrderStatusOnHold, err.Error())
	case errors.Is(err, workflow.ErrLineMismatch),
		errors.Is(err, workflow.ErrUnknownBundle),
		errors.Is(err, workflow.ErrCyclicBundle):
		_ = models.CreateSyncError(db, runId, "shipment", orderNumber, "validation_failed", err.Error(), raw, false)
		_ = setOrderFailure(db, orderNumber, models.OrderStatusFailed, err.Error())
	default:
		_ = models.CreateSyncError(db, runId, "shipment", orderNumber, "process_failed", err.Error(), raw, true)
	}
	return err
}

func setOrderFailure(db *gorm.DB, orderNumber string, status models.OrderStatus, reason string) error {
	return db.Transaction(func(tx *gorm.DB) error {
		order, err := models.GetOrderByNumber(tx, orderNumber)
		if err != nil {
			return err
		}
		return models.RecordOrderFailure(tx, order, status, reason)
	})
}

// RunSnapshotReconcile replays the ledger against every cached snapshot.
func RunSnapshotReconcile(ctx context.Context, db *gorm.DB, logger *logrus.Logger, triggeredBy string) (*models.SyncRun, error) {
	run, err := startRun(db, logger, models.WorkflowSnapshotReconcile, triggeredBy)
	if err != nil || run == nil {
		return run, err
	}

	var drifts []workflow.SnapshotDrift
	err = db.Transaction(func(tx *gorm.DB) error {
		var txErr error
		drifts, txErr = workflow.ReconcileAllSnapshots(tx, logger)
		return txErr
	})
	if err != nil {
		_ = models.CreateSyncError(db, run.ID, "snapshot", "", "reconcile_failed", err.Error(), nil, true)
		_ = finishRun(db, run, nil, 0, 1)
		return run, err
	}

	for _, d := range drifts {
		payload, _ := json.Marshal(d)
		_ = models.CreateSyncError(db, run.ID, "snapshot", d.Sku, "snapshot_drift",
			"cached "+d.Cached.String()+" vs ledger "+d.FromLedger.String(), payload, false)
	}
	stats := map[string]int{"drifts": len(drifts)}
	if err := finishRun(db, run, stats, len(drifts), 0); err != nil {
		return run, err
	}
	return run, nil
}

// RunWeeklyReport rolls shipments into weekly history and refreshes the KPI
// snapshot.
func RunWeeklyReport(ctx context.Context, db *gorm.DB, logger *logrus.Logger, triggeredBy string) (*models.SyncRun, error) {
	run, err := startRun(db, logger, models.WorkflowWeeklyReport, triggeredBy)
	if err != nil || run == nil {
		return run, err
	}

	// Re-roll the last 8 weeks so late-arriving shipments are picked up.
	since := time.Now().AddDate(0, 0, -8*7).UTC()
	var windows int
	err = db.Transaction(func(tx *gorm.DB) error {
		var txErr error
		windows, txErr = workflow.RunWeeklyReport(tx, logger, since)
		if txErr != nil {
			return txErr
		}
		_, txErr = workflow.BuildKpiSnapshot(tx, logger)
		return txErr
	})
	if err != nil {
		_ = models.CreateSyncError(db, run.ID, "report", "", "report_failed", err.Error(), nil, true)
		_ = finishRun(db, run, nil, 0, 1)
		return run, err
	}
	stats := map[string]int{"windows": windows}
	if err := finishRun(db, run, stats, windows, 0); err != nil {
		return run, err
	}
	return run, nil
}

// RunCleanup purges sync runs and their errors older than the retention
// window (SYNC_RUN_RETENTION_DAYS, default 90).
func RunCleanup(ctx context.Context, db *gorm.DB, logger *logrus.Logger, triggeredBy string) (*models.SyncRun, error) {
	run, err := startRun(db, logger, models.WorkflowCleanup, triggeredBy)
	if err != nil || run == nil {
		return run, err
	}

	retentionDays := 90
	if v := strings.TrimSpace(os.Getenv("SYNC_RUN_RETENTION_DAYS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			retentionDays = n
		}
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays).UTC()

	var purged int
	err = db.Transaction(func(tx *gorm.DB) error {
		var stale []int
		if err := tx.Model(&models.SyncRun{}).
			Where("created_at < ? AND id <> ?", cutoff, run.ID).
			Pluck("id", &stale).Error; err != nil {
			return err
		}
		if len(stale) == 0 {
			return nil
		}
		if err := tx.Where("sync_run_id IN ?", stale).Delete(&models.SyncError{}).Error; err != nil {
			return err
		}
		if err := tx.Where("id IN ?", stale).Delete(&models.SyncRun{}).Error; err != nil {
			return err
		}
		purged = len(stale)
		return nil
	})
	if err != nil {
		_ = models.CreateSyncError(db, run.ID, "cleanup", "", "cleanup_failed", err.Error(), nil, true)
		_ = finishRun(db, run, nil, 0, 1)
		return run, err
	}
	stats := map[string]int{"purged": purged}
	if err := finishRun(db, run, stats, purged, 0); err != nil {
		return run, err
	}
	return run, nil
}

func decimalFromNumber(num json.Number) decimal.Decimal {
	d, err := utils.ConvertToDecimal(num.String())
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseTimeOrNow(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Now().UTC()
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Now().UTC()
}
