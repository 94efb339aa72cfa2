package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/fulfillment_backend/config"
	"bitbucket.org/mmdatafocus/fulfillment_backend/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const orderShippedHandler = "order_shipped"

// ShippedEvent is one externally observed "order shipped" notification.
// MessageId deduplicates redelivery; Lines are the quantities the platform
// reports as actually shipped, per SKU as sold (bundles not yet expanded).
type ShippedEvent struct {
	MessageId      string
	OrderNumber    string
	ShipDate       time.Time
	CarrierCode    string
	ServiceCode    string
	TrackingNumber string
	Lines          []ShippedLine
}

type ShippedLine struct {
	Sku      string
	Quantity decimal.Decimal
}

// ProcessOrderShipped is the shipment unit of work: claim the event, check the
// shipped lines against the order, expand bundles, allocate lots, record the
// shipment and move the order to shipped. Everything commits or nothing does,
// so a failed order keeps its previous status and an untouched ledger.
// Shipping policy validation runs after commit; a violation never blocks a
// shipment that already happened.
func ProcessOrderShipped(ctx context.Context, db *gorm.DB, logger *logrus.Logger, event *ShippedEvent) error {
	var order *models.InboundOrder

	err := db.Transaction(func(tx *gorm.DB) error {
		key, err := BeginIdempotency(tx, orderShippedHandler, event.MessageId)
		if err != nil {
			return err
		}

		order, err = models.GetOrderByNumber(tx, event.OrderNumber)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("order %s not found", event.OrderNumber)
			}
			return err
		}
		if order.Status == models.OrderStatusShipped {
			// Replay of an already processed shipment.
			return MarkIdempotencySucceeded(tx, key)
		}

		if err := checkShippedLines(order, event.Lines); err != nil {
			return err
		}

		draws, err := allocateShippedLines(ctx, tx, logger, order, event.Lines)
		if err != nil {
			return err
		}

		shipDate := event.ShipDate
		if shipDate.IsZero() {
			shipDate = time.Now().UTC()
		}
		carrier := event.CarrierCode
		if carrier == "" {
			carrier = order.CarrierCode
		}
		service := event.ServiceCode
		if service == "" {
			service = order.ServiceCode
		}
		tracking := event.TrackingNumber
		if tracking == "" {
			tracking = order.TrackingNumber
		}

		if err := models.UpsertShipment(tx, &models.Shipment{
			OrderNumber:    order.OrderNumber,
			ShipDate:       shipDate,
			CarrierCode:    carrier,
			ServiceCode:    service,
			TrackingNumber: tracking,
		}); err != nil {
			return err
		}
		for _, d := range draws {
			if err := models.UpsertShipmentLine(tx, &models.ShipmentLine{
				OrderNumber:    order.OrderNumber,
				Sku:            d.Sku,
				LotCode:        d.LotCode,
				Quantity:       d.Quantity,
				ShipDate:       shipDate,
				TrackingNumber: tracking,
			}); err != nil {
				return err
			}
		}

		if err := tx.Model(order).Updates(map[string]interface{}{
			"carrier_code":    carrier,
			"service_code":    service,
			"tracking_number": tracking,
		}).Error; err != nil {
			return err
		}
		order.CarrierCode = carrier
		order.ServiceCode = service
		order.TrackingNumber = tracking
		if err := models.ApplyOrderStatus(tx, order, models.OrderStatusShipped); err != nil {
			return err
		}
		return MarkIdempotencySucceeded(tx, key)
	})
	if err != nil {
		if !errors.Is(err, ErrDuplicateMessage) {
			config.LogError(logger, "workflow", "ProcessOrderShipped", "process shipped event", event.OrderNumber, err)
			recordFailedEvent(db, event.MessageId, err)
		}
		return err
	}

	// Post-commit policy check in its own transaction. A failure here is
	// logged and left for the next reconcile; the shipment stands.
	if order != nil && order.Status == models.OrderStatusShipped {
		if err := db.Transaction(func(tx *gorm.DB) error {
			_, err := ValidateShipment(tx, logger, order)
			return err
		}); err != nil {
			config.LogError(logger, "workflow", "ProcessOrderShipped", "validate shipment", event.OrderNumber, err)
		}
	}
	return nil
}

// recordFailedEvent durably marks the message FAILED after the unit of work
// rolled back, so a redelivery re-arms the claim instead of being rejected as
// a duplicate. Best effort; a retry works either way.
func recordFailedEvent(db *gorm.DB, messageId string, cause error) {
	_ = db.Transaction(func(tx *gorm.DB) error {
		key, err := BeginIdempotency(tx, orderShippedHandler, messageId)
		if err != nil {
			return err
		}
		return MarkIdempotencyFailed(tx, key, cause)
	})
}

// checkShippedLines cross-checks the event's lines against the order's stored
// lines: every shipped SKU must appear on the order with the same quantity,
// and no ordered SKU may be missing from the shipment.
func checkShippedLines(order *models.InboundOrder, shipped []ShippedLine) error {
	if len(shipped) == 0 {
		return fmt.Errorf("%w: event for order %s has no lines", ErrLineMismatch, order.OrderNumber)
	}
	expected := map[string]decimal.Decimal{}
	for _, l := range order.Lines {
		expected[l.Sku] = expected[l.Sku].Add(l.Quantity)
	}
	got := map[string]decimal.Decimal{}
	for _, l := range shipped {
		got[l.Sku] = got[l.Sku].Add(l.Quantity)
	}
	for sku, qty := range got {
		want, ok := expected[sku]
		if !ok {
			return fmt.Errorf("%w: sku %s shipped but not on order %s", ErrLineMismatch, sku, order.OrderNumber)
		}
		if !want.Equal(qty) {
			return fmt.Errorf("%w: sku %s on order %s expected %s, shipped %s",
				ErrLineMismatch, sku, order.OrderNumber, want.String(), qty.String())
		}
	}
	for sku := range expected {
		if _, ok := got[sku]; !ok {
			return fmt.Errorf("%w: sku %s on order %s missing from shipment", ErrLineMismatch, sku, order.OrderNumber)
		}
	}
	return nil
}

// skuLotDraw is one (base sku, lot) quantity actually drawn for the order.
type skuLotDraw struct {
	Sku      string
	LotCode  string
	Quantity decimal.Decimal
}

// allocateShippedLines expands each line to base SKUs and allocates lots.
// A lot override on the matching order line pins the allocation.
func allocateShippedLines(ctx context.Context, tx *gorm.DB, logger *logrus.Logger, order *models.InboundOrder, shipped []ShippedLine) ([]skuLotDraw, error) {
	overrides := map[string]string{}
	for _, l := range order.Lines {
		if l.LotOverride != "" {
			overrides[l.Sku] = l.LotOverride
		}
	}
	defaultStrategy := StrategyFromName(config.DefaultAllocationStrategyName())

	var out []skuLotDraw
	for _, line := range shipped {
		components, err := ExpandLine(tx, line.Sku, line.Quantity)
		if err != nil {
			return nil, err
		}
		for _, comp := range components {
			strategy := defaultStrategy
			if lot, ok := overrides[line.Sku]; ok {
				strategy = PinnedLotStrategy{LotCode: lot}
			}
			draws, err := Allocate(ctx, tx, logger, comp.Sku, comp.Quantity, strategy, order.OrderNumber)
			if err != nil {
				return nil, err
			}
			for _, d := range draws {
				out = append(out, skuLotDraw{Sku: comp.Sku, LotCode: d.LotCode, Quantity: d.Quantity})
			}
		}
	}
	return mergeDraws(out), nil
}

// mergeDraws sums draws that landed on the same (sku, lot) through different
// order lines, e.g. a bundle component also sold directly. Shipment line
// identity is (order, sku, lot), so the record must carry the total or it
// diverges from what the ledger shipped.
func mergeDraws(draws []skuLotDraw) []skuLotDraw {
	idx := map[string]int{}
	merged := make([]skuLotDraw, 0, len(draws))
	for _, d := range draws {
		key := d.Sku + "|" + d.LotCode
		if i, ok := idx[key]; ok {
			merged[i].Quantity = merged[i].Quantity.Add(d.Quantity)
			continue
		}
		idx[key] = len(merged)
		merged = append(merged, d)
	}
	return merged
}
