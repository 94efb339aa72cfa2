package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Shipment is the durable record of a confirmed, shipped order. Created only
// when the inbound order reaches shipped.
type Shipment struct {
	ID             int       `gorm:"primary_key" json:"id"`
	OrderNumber    string    `gorm:"uniqueIndex;size:64;not null" json:"order_number"`
	ShipDate       time.Time `gorm:"index;not null" json:"ship_date"`
	CarrierCode    string    `gorm:"size:32;not null" json:"carrier_code"`
	ServiceCode    string    `gorm:"size:32" json:"service_code"`
	TrackingNumber string    `gorm:"size:64" json:"tracking_number"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// ShipmentLine is one SKU+lot actually shipped. Identity is
// (order number, base sku, lot): re-sync updates, never duplicates.
type ShipmentLine struct {
	ID             int             `gorm:"primary_key" json:"id"`
	OrderNumber    string          `gorm:"uniqueIndex:idx_shipment_line,priority:1;size:64;not null" json:"order_number"`
	Sku            string          `gorm:"uniqueIndex:idx_shipment_line,priority:2;size:64;not null" json:"sku"`
	LotCode        string          `gorm:"uniqueIndex:idx_shipment_line,priority:3;size:64" json:"lot_code"`
	Quantity       decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"quantity"`
	ShipDate       time.Time       `gorm:"index;not null" json:"ship_date"`
	TrackingNumber string          `gorm:"size:64" json:"tracking_number"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (sl *ShipmentLine) BeforeCreate(tx *gorm.DB) error {
	if !sl.Quantity.IsPositive() {
		return errors.New("shipment line quantity must be positive")
	}
	return nil
}

// UpsertShipment writes the shipment header keyed by order number.
func UpsertShipment(tx *gorm.DB, sh *Shipment) error {
	if sh.OrderNumber == "" {
		return errors.New("order number is required")
	}
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "order_number"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"ship_date":       sh.ShipDate,
			"carrier_code":    sh.CarrierCode,
			"service_code":    sh.ServiceCode,
			"tracking_number": sh.TrackingNumber,
		}),
	}).Create(sh).Error
}

// UpsertShipmentLine writes one shipped line; replayed events update in place.
func UpsertShipmentLine(tx *gorm.DB, line *ShipmentLine) error {
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "order_number"}, {Name: "sku"}, {Name: "lot_code"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"quantity":        line.Quantity,
			"ship_date":       line.ShipDate,
			"tracking_number": line.TrackingNumber,
		}),
	}).Create(line).Error
}

func GetShipmentByOrderNumber(tx *gorm.DB, orderNumber string) (*Shipment, error) {
	var sh Shipment
	if err := tx.Where("order_number = ?", orderNumber).First(&sh).Error; err != nil {
		return nil, err
	}
	return &sh, nil
}

func GetShipmentLines(tx *gorm.DB, orderNumber string) ([]ShipmentLine, error) {
	var lines []ShipmentLine
	err := tx.Where("order_number = ?", orderNumber).Order("id ASC").Find(&lines).Error
	return lines, err
}
