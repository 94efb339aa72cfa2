package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StockSnapshot is the derived per-SKU on-hand cache. It is rebuildable from
// LedgerTransaction rows alone and must never be edited by hand; every write
// goes through UpdateStockSnapshot.
type StockSnapshot struct {
	ID             int             `gorm:"primary_key" json:"id"`
	Sku            string          `gorm:"uniqueIndex;size:64;not null" json:"sku"`
	QtyOnHand      decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"qty_on_hand"`
	ReorderPoint   decimal.Decimal `gorm:"type:decimal(20,4)" json:"reorder_point"`
	AlertLevel     decimal.Decimal `gorm:"type:decimal(20,4)" json:"alert_level"`
	AllocationHold *bool           `gorm:"not null;default:false" json:"allocation_hold"`
	HoldReason     string          `gorm:"type:text" json:"hold_reason"`
	AsOf           time.Time       `json:"as_of"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// UpdateStockSnapshot recomputes the cached on-hand quantity for one SKU from
// the ledger, inside the caller's transaction.
func UpdateStockSnapshot(tx *gorm.DB, sku string) error {
	qty, err := SumLedgerForSku(tx, sku)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	snap := StockSnapshot{
		Sku:       sku,
		QtyOnHand: qty,
		AsOf:      now,
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "sku"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"qty_on_hand": qty, "as_of": now}),
	}).Create(&snap).Error
}

func GetStockSnapshot(tx *gorm.DB, sku string) (*StockSnapshot, error) {
	var snap StockSnapshot
	if err := tx.Where("sku = ?", sku).First(&snap).Error; err != nil {
		return nil, err
	}
	return &snap, nil
}

// SetAllocationHold freezes allocation for a SKU. Used when reconciliation
// detects ledger/snapshot divergence; cleared only by an operator.
func SetAllocationHold(tx *gorm.DB, sku string, reason string) error {
	res := tx.Model(&StockSnapshot{}).
		Where("sku = ?", sku).
		Updates(map[string]interface{}{"allocation_hold": true, "hold_reason": reason})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		snap := StockSnapshot{
			Sku:            sku,
			QtyOnHand:      decimal.Zero,
			AllocationHold: boolPtr(true),
			HoldReason:     reason,
			AsOf:           time.Now().UTC(),
		}
		return tx.Create(&snap).Error
	}
	return nil
}

func ClearAllocationHold(tx *gorm.DB, sku string) error {
	res := tx.Model(&StockSnapshot{}).
		Where("sku = ?", sku).
		Updates(map[string]interface{}{"allocation_hold": false, "hold_reason": ""})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errors.New("no stock snapshot for sku " + sku)
	}
	return nil
}

func IsSkuOnHold(tx *gorm.DB, sku string) (bool, error) {
	snap, err := GetStockSnapshot(tx, sku)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return snap.AllocationHold != nil && *snap.AllocationHold, nil
}

func boolPtr(b bool) *bool { return &b }
