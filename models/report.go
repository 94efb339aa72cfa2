package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// WeeklyShippedHistory is the per-SKU shipped total over one fixed weekly
// window (Monday-anchored, UTC). Rollups read shipment lines and upsert here;
// they never touch the ledger.
type WeeklyShippedHistory struct {
	ID         int             `gorm:"primary_key" json:"id"`
	WeekStart  time.Time       `gorm:"uniqueIndex:idx_weekly_sku,priority:1;not null" json:"week_start"`
	Sku        string          `gorm:"uniqueIndex:idx_weekly_sku,priority:2;size:64;not null" json:"sku"`
	QtyShipped decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"qty_shipped"`
	OrderCount int             `gorm:"not null" json:"order_count"`
	UpdatedAt  time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func UpsertWeeklyShippedHistory(tx *gorm.DB, row *WeeklyShippedHistory) error {
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "week_start"}, {Name: "sku"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"qty_shipped": row.QtyShipped,
			"order_count": row.OrderCount,
		}),
	}).Create(row).Error
}

func ListWeeklyShippedHistory(tx *gorm.DB, since time.Time, limit int) ([]WeeklyShippedHistory, error) {
	q := tx.Model(&WeeklyShippedHistory{}).Order("week_start DESC, sku ASC")
	if !since.IsZero() {
		q = q.Where("week_start >= ?", since)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []WeeklyShippedHistory
	err := q.Find(&out).Error
	return out, err
}

// KpiSnapshot is a point-in-time system health summary for the reporting
// surface.
type KpiSnapshot struct {
	ID             int       `gorm:"primary_key" json:"id"`
	SnapshotAt     time.Time `gorm:"index;not null" json:"snapshot_at"`
	OrdersToday    int       `json:"orders_today"`
	ShipmentsSent  int       `json:"shipments_sent"`
	PendingUploads int       `json:"pending_uploads"`
	OverallStatus  string    `gorm:"size:20;not null" json:"overall_status"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func LatestKpiSnapshot(tx *gorm.DB) (*KpiSnapshot, error) {
	var snap KpiSnapshot
	if err := tx.Order("snapshot_at DESC, id DESC").First(&snap).Error; err != nil {
		return nil, err
	}
	return &snap, nil
}
