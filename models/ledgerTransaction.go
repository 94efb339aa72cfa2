package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrInvalidQuantity = errors.New("transaction quantity must be non-zero")
	ErrInvalidKind     = errors.New("invalid transaction kind")
	ErrLedgerImmutable = errors.New("ledger transactions are append-only")
)

// LedgerTransaction is one immutable event changing a SKU's (and optionally a
// lot's) on-hand quantity. Rows are appended, never edited.
type LedgerTransaction struct {
	ID              int             `gorm:"primary_key" json:"id"`
	TransactionDate time.Time       `gorm:"index:idx_ledger_sku_date,priority:2;not null" json:"transaction_date"`
	Sku             string          `gorm:"index:idx_ledger_sku_date,priority:1;size:64;not null" json:"sku"`
	LotCode         string          `gorm:"index;size:64" json:"lot_code"`
	Quantity        decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"quantity"`
	Kind            TransactionKind `gorm:"size:16;not null" json:"kind"`
	Notes           string          `gorm:"type:text" json:"notes"`
	CorrelationId   string          `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

func (lt *LedgerTransaction) BeforeCreate(tx *gorm.DB) error {
	if !lt.Kind.Valid() {
		return ErrInvalidKind
	}
	if lt.Quantity.IsZero() {
		return ErrInvalidQuantity
	}
	if lt.TransactionDate.IsZero() {
		lt.TransactionDate = time.Now().UTC()
	}
	return nil
}

func (lt *LedgerTransaction) BeforeUpdate(tx *gorm.DB) error {
	return ErrLedgerImmutable
}

func (lt *LedgerTransaction) BeforeDelete(tx *gorm.DB) error {
	return ErrLedgerImmutable
}

// SumLedgerForSku replays the ledger for one SKU.
func SumLedgerForSku(tx *gorm.DB, sku string) (decimal.Decimal, error) {
	var sum decimal.NullDecimal
	err := tx.Model(&LedgerTransaction{}).
		Where("sku = ?", sku).
		Select("SUM(quantity)").
		Scan(&sum).Error
	if err != nil {
		return decimal.Zero, err
	}
	if !sum.Valid {
		return decimal.Zero, nil
	}
	return sum.Decimal, nil
}

// SumLedgerForLot replays the ledger for one lot.
func SumLedgerForLot(tx *gorm.DB, lotCode string) (decimal.Decimal, error) {
	var sum decimal.NullDecimal
	err := tx.Model(&LedgerTransaction{}).
		Where("lot_code = ?", lotCode).
		Select("SUM(quantity)").
		Scan(&sum).Error
	if err != nil {
		return decimal.Zero, err
	}
	if !sum.Valid {
		return decimal.Zero, nil
	}
	return sum.Decimal, nil
}
