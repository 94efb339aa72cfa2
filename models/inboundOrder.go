package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// InboundOrder is a customer order pulled from the external storefront.
// OrderNumber is the idempotency key: re-delivery updates fields in place.
type InboundOrder struct {
	ID                   int                `gorm:"primary_key" json:"id"`
	OrderNumber          string             `gorm:"uniqueIndex;size:64;not null" json:"order_number"`
	ExternalOrderId      string             `gorm:"index;size:128" json:"external_order_id"`
	ExternalCarrierJobId string             `gorm:"size:128" json:"external_carrier_job_id"`
	OrderDate            time.Time          `gorm:"index" json:"order_date"`
	Status               OrderStatus        `gorm:"size:24;not null;default:pending" json:"status"`
	FailureReason        string             `gorm:"type:text" json:"failure_reason"`
	ShipToName           string             `gorm:"size:255" json:"ship_to_name"`
	ShipToStreet         string             `gorm:"size:255" json:"ship_to_street"`
	ShipToCity           string             `gorm:"size:100" json:"ship_to_city"`
	ShipToState          string             `gorm:"size:100" json:"ship_to_state"`
	ShipToPostcode       string             `gorm:"size:20" json:"ship_to_postcode"`
	ShipToCountry        string             `gorm:"size:2" json:"ship_to_country"`
	BillToName           string             `gorm:"size:255" json:"bill_to_name"`
	CarrierCode          string             `gorm:"size:32" json:"carrier_code"`
	ServiceCode          string             `gorm:"size:32" json:"service_code"`
	TrackingNumber       string             `gorm:"size:64" json:"tracking_number"`
	ModifiedAt           time.Time          `gorm:"index" json:"modified_at"`
	Lines                []InboundOrderLine `gorm:"foreignKey:OrderId" json:"lines"`
	CreatedAt            time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}

// InboundOrderLine is one SKU + quantity on an inbound order. LotOverride pins
// allocation to a specific lot when the storefront asks for one.
type InboundOrderLine struct {
	ID          int             `gorm:"primary_key" json:"id"`
	OrderId     int             `gorm:"uniqueIndex:idx_order_line,priority:1;not null" json:"order_id"`
	Sku         string          `gorm:"uniqueIndex:idx_order_line,priority:2;size:64;not null" json:"sku"`
	LotOverride string          `gorm:"uniqueIndex:idx_order_line,priority:3;size:64" json:"lot_override"`
	Quantity    decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"quantity"`
}

func (l *InboundOrderLine) BeforeCreate(tx *gorm.DB) error {
	if !l.Quantity.IsPositive() {
		return errors.New("order line quantity must be positive")
	}
	return nil
}

type UpsertOrderInput struct {
	OrderNumber          string
	ExternalOrderId      string
	ExternalCarrierJobId string
	OrderDate            time.Time
	Status               OrderStatus
	ShipToName           string
	ShipToStreet         string
	ShipToCity           string
	ShipToState          string
	ShipToPostcode       string
	ShipToCountry        string
	BillToName           string
	CarrierCode          string
	ServiceCode          string
	TrackingNumber       string
	ModifiedAt           time.Time
	Lines                []InboundOrderLine
}

// UpsertInboundOrder stores an externally observed order. Same order number
// means update, never a duplicate insert. Status moves through the state
// machine; an observed status that would be an illegal transition keeps the
// stored status and reports no error (the feed may replay old events).
func UpsertInboundOrder(tx *gorm.DB, input *UpsertOrderInput) (*InboundOrder, error) {
	if input.OrderNumber == "" {
		return nil, errors.New("order number is required")
	}
	if !input.Status.Valid() {
		return nil, fmt.Errorf("invalid order status %q", input.Status)
	}

	var existing InboundOrder
	err := tx.Where("order_number = ?", input.OrderNumber).First(&existing).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		order := InboundOrder{
			OrderNumber:          input.OrderNumber,
			ExternalOrderId:      input.ExternalOrderId,
			ExternalCarrierJobId: input.ExternalCarrierJobId,
			OrderDate:            input.OrderDate,
			Status:               input.Status,
			ShipToName:           input.ShipToName,
			ShipToStreet:         input.ShipToStreet,
			ShipToCity:           input.ShipToCity,
			ShipToState:          input.ShipToState,
			ShipToPostcode:       input.ShipToPostcode,
			ShipToCountry:        input.ShipToCountry,
			BillToName:           input.BillToName,
			CarrierCode:          input.CarrierCode,
			ServiceCode:          input.ServiceCode,
			TrackingNumber:       input.TrackingNumber,
			ModifiedAt:           input.ModifiedAt,
		}
		if err := tx.Create(&order).Error; err != nil {
			return nil, err
		}
		if err := replaceOrderLines(tx, order.ID, input.Lines); err != nil {
			return nil, err
		}
		order.Lines = input.Lines
		return &order, nil
	}

	status := existing.Status
	if existing.Status.CanTransitionTo(input.Status) {
		status = input.Status
	}

	updates := map[string]interface{}{
		"external_order_id":       input.ExternalOrderId,
		"external_carrier_job_id": input.ExternalCarrierJobId,
		"order_date":              input.OrderDate,
		"status":                  status,
		"ship_to_name":            input.ShipToName,
		"ship_to_street":          input.ShipToStreet,
		"ship_to_city":            input.ShipToCity,
		"ship_to_state":           input.ShipToState,
		"ship_to_postcode":        input.ShipToPostcode,
		"ship_to_country":         input.ShipToCountry,
		"bill_to_name":            input.BillToName,
		"carrier_code":            input.CarrierCode,
		"service_code":            input.ServiceCode,
		"tracking_number":         input.TrackingNumber,
		"modified_at":             input.ModifiedAt,
	}
	if err := tx.Model(&existing).Updates(updates).Error; err != nil {
		return nil, err
	}
	if err := replaceOrderLines(tx, existing.ID, input.Lines); err != nil {
		return nil, err
	}
	existing.Status = status
	existing.Lines = input.Lines
	return &existing, nil
}

func replaceOrderLines(tx *gorm.DB, orderId int, lines []InboundOrderLine) error {
	if len(lines) == 0 {
		return nil
	}
	keep := make(map[string]bool, len(lines))
	for i := range lines {
		lines[i].ID = 0
		lines[i].OrderId = orderId
		keep[lines[i].Sku+"|"+lines[i].LotOverride] = true
	}
	for i := range lines {
		line := &lines[i]
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "order_id"}, {Name: "sku"}, {Name: "lot_override"}},
			DoUpdates: clause.Assignments(map[string]interface{}{"quantity": line.Quantity}),
		}).Create(line).Error
		if err != nil {
			return err
		}
	}
	// Lines the feed no longer sends are gone from the order.
	var existing []InboundOrderLine
	if err := tx.Where("order_id = ?", orderId).Find(&existing).Error; err != nil {
		return err
	}
	var stale []int
	for _, l := range existing {
		if !keep[l.Sku+"|"+l.LotOverride] {
			stale = append(stale, l.ID)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	return tx.Where("id IN ?", stale).Delete(&InboundOrderLine{}).Error
}

func GetOrderByNumber(tx *gorm.DB, orderNumber string) (*InboundOrder, error) {
	var order InboundOrder
	err := tx.Preload("Lines").Where("order_number = ?", orderNumber).First(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// ApplyOrderStatus moves an order through the state machine, rejecting
// transitions the machine forbids.
func ApplyOrderStatus(tx *gorm.DB, order *InboundOrder, next OrderStatus) error {
	if !order.Status.CanTransitionTo(next) {
		return fmt.Errorf("illegal order status transition %s -> %s for order %s", order.Status, next, order.OrderNumber)
	}
	if order.Status == next {
		return nil
	}
	if err := tx.Model(order).Update("status", next).Error; err != nil {
		return err
	}
	order.Status = next
	return nil
}

// RecordOrderFailure sets a failure status with its reason. This is the one
// transition the engine invents without observing it externally.
func RecordOrderFailure(tx *gorm.DB, order *InboundOrder, status OrderStatus, reason string) error {
	if status != OrderStatusFailed && status != OrderStatusOnHold {
		return fmt.Errorf("failure status must be failed or on_hold, got %s", status)
	}
	if !order.Status.CanTransitionTo(status) {
		return fmt.Errorf("illegal order status transition %s -> %s for order %s", order.Status, status, order.OrderNumber)
	}
	if err := tx.Model(order).Updates(map[string]interface{}{
		"status":         status,
		"failure_reason": reason,
	}).Error; err != nil {
		return err
	}
	order.Status = status
	order.FailureReason = reason
	return nil
}
