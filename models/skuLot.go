package models

import (
	"errors"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/fulfillment_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// SkuLot is one dated batch of a single SKU. Its remaining quantity is derived:
// manual adjustment + sum of the lot's ledger transactions (the Receive row
// appended at creation carries the initial quantity).
type SkuLot struct {
	ID               int             `gorm:"primary_key" json:"id"`
	Sku              string          `gorm:"index:idx_lot_sku;size:64;not null" json:"sku"`
	LotCode          string          `gorm:"uniqueIndex;size:64;not null" json:"lot_code"`
	ReceivedDate     time.Time       `gorm:"index;not null" json:"received_date"`
	InitialQuantity  decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"initial_quantity"`
	ManualAdjustment decimal.Decimal `gorm:"type:decimal(20,4)" json:"manual_adjustment"`
	Status           LotStatus       `gorm:"size:16;not null;default:active" json:"status"`
	IsDefault        *bool           `gorm:"not null;default:false" json:"is_default"`
	Notes            string          `gorm:"type:text" json:"notes"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewSkuLot struct {
	Sku             string          `json:"sku" binding:"required"`
	LotCode         string          `json:"lot_code" binding:"required"`
	ReceivedDate    time.Time       `json:"received_date"`
	InitialQuantity decimal.Decimal `json:"initial_quantity" binding:"required"`
	IsDefault       bool            `json:"is_default"`
	Notes           string          `json:"notes"`
}

func (input *NewSkuLot) validate(tx *gorm.DB) error {
	if strings.TrimSpace(input.Sku) == "" {
		return errors.New("sku is required")
	}
	if strings.TrimSpace(input.LotCode) == "" {
		return errors.New("lot code is required")
	}
	if !input.InitialQuantity.IsPositive() {
		return errors.New("initial quantity must be positive")
	}
	return utils.ValidateUnique[SkuLot](tx, "lot_code", input.LotCode, 0)
}

// CreateSkuLot records a received batch: the lot row plus its Receive ledger
// transaction, and refreshes the SKU's stock snapshot. Must run inside the
// caller's transaction so the lot and its ledger row commit together.
func CreateSkuLot(tx *gorm.DB, input *NewSkuLot) (*SkuLot, error) {
	if err := input.validate(tx); err != nil {
		return nil, err
	}

	receivedDate := input.ReceivedDate
	if receivedDate.IsZero() {
		receivedDate = time.Now().UTC()
	}

	// At most one active default lot per SKU for auto-allocation.
	if input.IsDefault {
		if err := tx.Model(&SkuLot{}).
			Where("sku = ? AND status = ?", input.Sku, LotStatusActive).
			Update("is_default", false).Error; err != nil {
			return nil, err
		}
	}

	lot := SkuLot{
		Sku:             input.Sku,
		LotCode:         input.LotCode,
		ReceivedDate:    receivedDate,
		InitialQuantity: input.InitialQuantity,
		Status:          LotStatusActive,
		IsDefault:       &input.IsDefault,
		Notes:           input.Notes,
	}
	if err := tx.Create(&lot).Error; err != nil {
		return nil, err
	}

	receive := LedgerTransaction{
		TransactionDate: receivedDate,
		Sku:             input.Sku,
		LotCode:         input.LotCode,
		Quantity:        input.InitialQuantity,
		Kind:            TransactionKindReceive,
		Notes:           "lot received",
	}
	if err := tx.Create(&receive).Error; err != nil {
		return nil, err
	}
	if err := UpdateStockSnapshot(tx, input.Sku); err != nil {
		return nil, err
	}
	return &lot, nil
}

// LotBalance is the lot's remaining quantity.
func LotBalance(tx *gorm.DB, lot *SkuLot) (decimal.Decimal, error) {
	sum, err := SumLedgerForLot(tx, lot.LotCode)
	if err != nil {
		return decimal.Zero, err
	}
	return lot.ManualAdjustment.Add(sum), nil
}

// ActiveLotsForSku returns the SKU's active lots, oldest received first.
// Ties on received date break by id so allocation order is deterministic.
func ActiveLotsForSku(tx *gorm.DB, sku string) ([]SkuLot, error) {
	var lots []SkuLot
	err := tx.Where("sku = ? AND status = ?", sku, LotStatusActive).
		Order("received_date ASC, id ASC").
		Find(&lots).Error
	return lots, err
}

func GetLotByCode(tx *gorm.DB, lotCode string) (*SkuLot, error) {
	var lot SkuLot
	if err := tx.Where("lot_code = ?", lotCode).First(&lot).Error; err != nil {
		return nil, err
	}
	return &lot, nil
}

func MarkLotDepleted(tx *gorm.DB, lotCode string) error {
	return tx.Model(&SkuLot{}).
		Where("lot_code = ? AND status = ?", lotCode, LotStatusActive).
		Update("status", LotStatusDepleted).Error
}

// CloseLot retires a lot from allocation regardless of remaining quantity.
func CloseLot(tx *gorm.DB, lotCode string) error {
	return tx.Model(&SkuLot{}).
		Where("lot_code = ?", lotCode).
		Updates(map[string]interface{}{"status": LotStatusClosed, "is_default": false}).Error
}
