package workflow

import (
	"time"

	"bitbucket.org/mmdatafocus/fulfillment_backend/config"
	"bitbucket.org/mmdatafocus/fulfillment_backend/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// weekStart anchors t to its Monday 00:00 UTC.
func weekStart(t time.Time) time.Time {
	t = t.UTC()
	offset := (int(t.Weekday()) + 6) % 7
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return day.AddDate(0, 0, -offset)
}

// RunWeeklyReport rolls shipment lines since `since` into per-week, per-SKU
// totals. Windows are fixed Monday-anchored UTC weeks; re-running a window
// replaces its totals, so the rollup is safe to repeat.
func RunWeeklyReport(tx *gorm.DB, logger *logrus.Logger, since time.Time) (int, error) {
	var lines []models.ShipmentLine
	q := tx.Model(&models.ShipmentLine{})
	if !since.IsZero() {
		q = q.Where("ship_date >= ?", weekStart(since))
	}
	if err := q.Order("ship_date ASC, id ASC").Find(&lines).Error; err != nil {
		config.LogError(logger, "workflow", "RunWeeklyReport", "load shipment lines", nil, err)
		return 0, err
	}

	type bucket struct {
		qty    decimal.Decimal
		orders map[string]bool
	}
	type key struct {
		week time.Time
		sku  string
	}
	buckets := map[key]*bucket{}
	var order []key
	for _, line := range lines {
		k := key{week: weekStart(line.ShipDate), sku: line.Sku}
		b, ok := buckets[k]
		if !ok {
			b = &bucket{orders: map[string]bool{}}
			buckets[k] = b
			order = append(order, k)
		}
		b.qty = b.qty.Add(line.Quantity)
		b.orders[line.OrderNumber] = true
	}

	for _, k := range order {
		b := buckets[k]
		row := models.WeeklyShippedHistory{
			WeekStart:  k.week,
			Sku:        k.sku,
			QtyShipped: b.qty,
			OrderCount: len(b.orders),
		}
		if err := models.UpsertWeeklyShippedHistory(tx, &row); err != nil {
			return 0, err
		}
	}

	logger.WithFields(logrus.Fields{
		"module":  "workflow",
		"windows": len(buckets),
		"lines":   len(lines),
	}).Info("weekly shipped rollup complete")
	return len(buckets), nil
}

const kpiCacheKey = "report:kpi"

// BuildKpiSnapshot computes the operator dashboard summary: today's order and
// shipment counts, the pending upload backlog, and an overall health status
// derived from the most recent sync runs. The row is persisted and the latest
// copy cached in redis when available.
func BuildKpiSnapshot(tx *gorm.DB, logger *logrus.Logger) (*models.KpiSnapshot, error) {
	now := time.Now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	var ordersToday int64
	if err := tx.Model(&models.InboundOrder{}).
		Where("order_date >= ?", dayStart).Count(&ordersToday).Error; err != nil {
		return nil, err
	}
	var shipmentsSent int64
	if err := tx.Model(&models.Shipment{}).
		Where("ship_date >= ?", dayStart).Count(&shipmentsSent).Error; err != nil {
		return nil, err
	}
	var pendingUploads int64
	if err := tx.Model(&models.InboundOrder{}).
		Where("status = ?", models.OrderStatusPending).Count(&pendingUploads).Error; err != nil {
		return nil, err
	}

	status, err := overallSyncStatus(tx, now)
	if err != nil {
		return nil, err
	}

	snap := models.KpiSnapshot{
		SnapshotAt:     now,
		OrdersToday:    int(ordersToday),
		ShipmentsSent:  int(shipmentsSent),
		PendingUploads: int(pendingUploads),
		OverallStatus:  status,
	}
	if err := tx.Create(&snap).Error; err != nil {
		return nil, err
	}
	if err := config.SetRedisObject(kpiCacheKey, snap, 10*time.Minute); err != nil {
		config.LogError(logger, "workflow", "BuildKpiSnapshot", "cache kpi snapshot", nil, err)
	}
	return &snap, nil
}

// overallSyncStatus grades the sync workflows: offline when no run finished in
// the last 24h, degraded when the latest run of any workflow failed or nothing
// ran in the last hour, online otherwise.
func overallSyncStatus(tx *gorm.DB, now time.Time) (string, error) {
	var latest models.SyncRun
	err := tx.Where("finished_at IS NOT NULL").
		Order("finished_at DESC, id DESC").First(&latest).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return models.OverallStatusOffline, nil
		}
		return "", err
	}
	if latest.FinishedAt == nil || now.Sub(*latest.FinishedAt) > 24*time.Hour {
		return models.OverallStatusOffline, nil
	}
	if latest.Status == models.SyncRunStatusFailed || now.Sub(*latest.FinishedAt) > time.Hour {
		return models.OverallStatusDegraded, nil
	}

	var failedRecent int64
	if err := tx.Model(&models.SyncRun{}).
		Where("finished_at >= ? AND status = ?", now.Add(-time.Hour), models.SyncRunStatusFailed).
		Count(&failedRecent).Error; err != nil {
		return "", err
	}
	if failedRecent > 0 {
		return models.OverallStatusDegraded, nil
	}
	return models.OverallStatusOnline, nil
}
