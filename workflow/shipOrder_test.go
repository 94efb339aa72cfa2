package workflow_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/fulfillment_backend/models"
	"bitbucket.org/mmdatafocus/fulfillment_backend/workflow"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

func mustUpsertOrder(t *testing.T, db *gorm.DB, input *models.UpsertOrderInput) *models.InboundOrder {
	t.Helper()
	var order *models.InboundOrder
	err := db.Transaction(func(tx *gorm.DB) error {
		var txErr error
		order, txErr = models.UpsertInboundOrder(tx, input)
		return txErr
	})
	if err != nil {
		t.Fatalf("UpsertInboundOrder %s: %v", input.OrderNumber, err)
	}
	return order
}

func awaitingShipmentOrder(orderNumber, sku string, qty int64) *models.UpsertOrderInput {
	return &models.UpsertOrderInput{
		OrderNumber:   orderNumber,
		OrderDate:     time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Status:        models.OrderStatusAwaitingShipment,
		ShipToCountry: "US",
		ShipToState:   "California",
		CarrierCode:   "ups",
		ServiceCode:   "ground",
		ModifiedAt:    time.Now().UTC(),
		Lines: []models.InboundOrderLine{
			{Sku: sku, Quantity: decimal.NewFromInt(qty)},
		},
	}
}

func shippedEvent(messageId, orderNumber, sku string, qty int64) *workflow.ShippedEvent {
	return &workflow.ShippedEvent{
		MessageId:      messageId,
		OrderNumber:    orderNumber,
		ShipDate:       time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		CarrierCode:    "ups",
		ServiceCode:    "ground",
		TrackingNumber: "1Z999",
		Lines: []workflow.ShippedLine{
			{Sku: sku, Quantity: decimal.NewFromInt(qty)},
		},
	}
}

func TestProcessOrderShippedHappyPath(t *testing.T) {
	db := testDB(t)
	logger := testLogger()
	mustCreateLot(t, db, "WIDGET-1", "LOT-A", 100, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	mustUpsertOrder(t, db, awaitingShipmentOrder("ORD-100", "WIDGET-1", 10))

	err := workflow.ProcessOrderShipped(context.Background(), db, logger,
		shippedEvent("msg-1", "ORD-100", "WIDGET-1", 10))
	if err != nil {
		t.Fatalf("ProcessOrderShipped: %v", err)
	}

	order, err := models.GetOrderByNumber(db, "ORD-100")
	if err != nil {
		t.Fatalf("GetOrderByNumber: %v", err)
	}
	if order.Status != models.OrderStatusShipped {
		t.Errorf("order status = %s, want shipped", order.Status)
	}

	sh, err := models.GetShipmentByOrderNumber(db, "ORD-100")
	if err != nil {
		t.Fatalf("shipment missing: %v", err)
	}
	if sh.TrackingNumber != "1Z999" {
		t.Errorf("tracking = %s, want 1Z999", sh.TrackingNumber)
	}
	lines, err := models.GetShipmentLines(db, "ORD-100")
	if err != nil || len(lines) != 1 {
		t.Fatalf("shipment lines = %v (%v), want 1 line", lines, err)
	}
	if lines[0].LotCode != "LOT-A" || !lines[0].Quantity.Equal(decimal.NewFromInt(10)) {
		t.Errorf("line = %+v, want 10 from LOT-A", lines[0])
	}

	snap, err := models.GetStockSnapshot(db, "WIDGET-1")
	if err != nil {
		t.Fatalf("GetStockSnapshot: %v", err)
	}
	if !snap.QtyOnHand.Equal(decimal.NewFromInt(90)) {
		t.Errorf("snapshot = %s, want 90", snap.QtyOnHand)
	}

	var key models.IdempotencyKey
	if err := db.Where("message_id = ?", "msg-1").First(&key).Error; err != nil {
		t.Fatalf("idempotency key missing: %v", err)
	}
	if key.Status != models.IdempotencyStatusSucceeded {
		t.Errorf("idempotency status = %s, want SUCCEEDED", key.Status)
	}
}

func TestProcessOrderShippedDeduplicatesRedelivery(t *testing.T) {
	db := testDB(t)
	logger := testLogger()
	mustCreateLot(t, db, "WIDGET-1", "LOT-A", 100, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	mustUpsertOrder(t, db, awaitingShipmentOrder("ORD-100", "WIDGET-1", 10))

	event := shippedEvent("msg-1", "ORD-100", "WIDGET-1", 10)
	if err := workflow.ProcessOrderShipped(context.Background(), db, logger, event); err != nil {
		t.Fatalf("first delivery: %v", err)
	}

	err := workflow.ProcessOrderShipped(context.Background(), db, logger, event)
	if !errors.Is(err, workflow.ErrDuplicateMessage) {
		t.Fatalf("redelivery: got %v, want ErrDuplicateMessage", err)
	}
	if n := countShipTxns(t, db, "WIDGET-1"); n != 1 {
		t.Errorf("ship transactions = %d, want 1 (no double draw)", n)
	}

	// A distinct message for an already shipped order is also a no-op.
	if err := workflow.ProcessOrderShipped(context.Background(), db, logger,
		shippedEvent("msg-2", "ORD-100", "WIDGET-1", 10)); err != nil {
		t.Fatalf("replay with new message id: %v", err)
	}
	if n := countShipTxns(t, db, "WIDGET-1"); n != 1 {
		t.Errorf("ship transactions after replay = %d, want 1", n)
	}
}

func TestProcessOrderShippedInsufficientStockRollsBack(t *testing.T) {
	db := testDB(t)
	logger := testLogger()
	mustCreateLot(t, db, "WIDGET-1", "LOT-A", 5, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	mustUpsertOrder(t, db, awaitingShipmentOrder("ORD-100", "WIDGET-1", 10))

	err := workflow.ProcessOrderShipped(context.Background(), db, logger,
		shippedEvent("msg-1", "ORD-100", "WIDGET-1", 10))
	if !errors.Is(err, workflow.ErrInsufficientStock) {
		t.Fatalf("got %v, want ErrInsufficientStock", err)
	}

	order, err := models.GetOrderByNumber(db, "ORD-100")
	if err != nil {
		t.Fatalf("GetOrderByNumber: %v", err)
	}
	if order.Status != models.OrderStatusAwaitingShipment {
		t.Errorf("order status = %s, want awaiting_shipment (unchanged)", order.Status)
	}
	if n := countShipTxns(t, db, "WIDGET-1"); n != 0 {
		t.Errorf("ship transactions = %d, want 0", n)
	}
	if _, err := models.GetShipmentByOrderNumber(db, "ORD-100"); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Errorf("shipment exists after rollback: %v", err)
	}
	// The failed attempt is recorded so a redelivery re-arms the claim.
	var key models.IdempotencyKey
	if err := db.Where("message_id = ?", "msg-1").First(&key).Error; err != nil {
		t.Fatalf("failed idempotency key missing: %v", err)
	}
	if key.Status != models.IdempotencyStatusFailed || key.LastError == nil {
		t.Errorf("key = %s/%v, want FAILED with last error", key.Status, key.LastError)
	}

	// Stock arrives; the same message retries cleanly.
	mustCreateLot(t, db, "WIDGET-1", "LOT-B", 20, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))
	if err := workflow.ProcessOrderShipped(context.Background(), db, logger,
		shippedEvent("msg-1", "ORD-100", "WIDGET-1", 10)); err != nil {
		t.Fatalf("retry after restock: %v", err)
	}
	order, _ = models.GetOrderByNumber(db, "ORD-100")
	if order.Status != models.OrderStatusShipped {
		t.Errorf("order status after retry = %s, want shipped", order.Status)
	}
}

func TestProcessOrderShippedLineMismatch(t *testing.T) {
	db := testDB(t)
	logger := testLogger()
	mustCreateLot(t, db, "WIDGET-1", "LOT-A", 100, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	mustUpsertOrder(t, db, awaitingShipmentOrder("ORD-100", "WIDGET-1", 10))

	// Wrong quantity.
	err := workflow.ProcessOrderShipped(context.Background(), db, logger,
		shippedEvent("msg-1", "ORD-100", "WIDGET-1", 7))
	if !errors.Is(err, workflow.ErrLineMismatch) {
		t.Fatalf("quantity mismatch: got %v, want ErrLineMismatch", err)
	}

	// SKU not on the order.
	err = workflow.ProcessOrderShipped(context.Background(), db, logger,
		shippedEvent("msg-2", "ORD-100", "WIDGET-9", 10))
	if !errors.Is(err, workflow.ErrLineMismatch) {
		t.Fatalf("unknown sku: got %v, want ErrLineMismatch", err)
	}

	if n := countShipTxns(t, db, "WIDGET-1"); n != 0 {
		t.Errorf("ship transactions = %d, want 0", n)
	}
}

func TestProcessOrderShippedExpandsBundles(t *testing.T) {
	db := testDB(t)
	logger := testLogger()
	mustCreateLot(t, db, "WIDGET-1", "LOT-A", 100, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	mustCreateLot(t, db, "WIDGET-2", "LOT-B", 100, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	mustCreateBundle(t, db, "KIT-1",
		models.NewBundleComponent{ComponentSku: "WIDGET-1", Multiplier: decimal.NewFromInt(2)},
		models.NewBundleComponent{ComponentSku: "WIDGET-2", Multiplier: decimal.NewFromInt(1)},
	)
	mustUpsertOrder(t, db, awaitingShipmentOrder("ORD-100", "KIT-1", 3))

	if err := workflow.ProcessOrderShipped(context.Background(), db, logger,
		shippedEvent("msg-1", "ORD-100", "KIT-1", 3)); err != nil {
		t.Fatalf("ProcessOrderShipped: %v", err)
	}

	snap1, _ := models.GetStockSnapshot(db, "WIDGET-1")
	if !snap1.QtyOnHand.Equal(decimal.NewFromInt(94)) {
		t.Errorf("WIDGET-1 snapshot = %s, want 94 (100 - 3*2)", snap1.QtyOnHand)
	}
	snap2, _ := models.GetStockSnapshot(db, "WIDGET-2")
	if !snap2.QtyOnHand.Equal(decimal.NewFromInt(97)) {
		t.Errorf("WIDGET-2 snapshot = %s, want 97 (100 - 3*1)", snap2.QtyOnHand)
	}

	lines, err := models.GetShipmentLines(db, "ORD-100")
	if err != nil || len(lines) != 2 {
		t.Fatalf("shipment lines = %v (%v), want 2 component lines", lines, err)
	}
}

func TestProcessOrderShippedSumsRepeatedLotDraws(t *testing.T) {
	db := testDB(t)
	logger := testLogger()
	mustCreateLot(t, db, "WIDGET-1", "LOT-A", 100, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	mustCreateBundle(t, db, "KIT-1",
		models.NewBundleComponent{ComponentSku: "WIDGET-1", Multiplier: decimal.NewFromInt(2)},
	)

	// The bundle's component is also sold directly, so both lines draw
	// WIDGET-1 from the same lot.
	input := awaitingShipmentOrder("ORD-100", "KIT-1", 1)
	input.Lines = append(input.Lines, models.InboundOrderLine{
		Sku: "WIDGET-1", Quantity: decimal.NewFromInt(5),
	})
	mustUpsertOrder(t, db, input)

	event := shippedEvent("msg-1", "ORD-100", "KIT-1", 1)
	event.Lines = append(event.Lines, workflow.ShippedLine{
		Sku: "WIDGET-1", Quantity: decimal.NewFromInt(5),
	})
	if err := workflow.ProcessOrderShipped(context.Background(), db, logger, event); err != nil {
		t.Fatalf("ProcessOrderShipped: %v", err)
	}

	snap, err := models.GetStockSnapshot(db, "WIDGET-1")
	if err != nil {
		t.Fatalf("GetStockSnapshot: %v", err)
	}
	if !snap.QtyOnHand.Equal(decimal.NewFromInt(93)) {
		t.Errorf("snapshot = %s, want 93 (100 - 2 - 5)", snap.QtyOnHand)
	}

	// Both draws land on (WIDGET-1, LOT-A); the shipment record must carry
	// their sum on a single line, matching what the ledger shipped.
	lines, err := models.GetShipmentLines(db, "ORD-100")
	if err != nil || len(lines) != 1 {
		t.Fatalf("shipment lines = %v (%v), want 1 aggregated line", lines, err)
	}
	if lines[0].Sku != "WIDGET-1" || lines[0].LotCode != "LOT-A" {
		t.Errorf("line = %+v, want WIDGET-1 from LOT-A", lines[0])
	}
	if !lines[0].Quantity.Equal(decimal.NewFromInt(7)) {
		t.Errorf("line quantity = %s, want 7", lines[0].Quantity)
	}
}

func TestProcessOrderShippedUsesLotOverride(t *testing.T) {
	db := testDB(t)
	logger := testLogger()
	mustCreateLot(t, db, "WIDGET-1", "LOT-OLD", 100, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	mustCreateLot(t, db, "WIDGET-1", "LOT-NEW", 100, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))

	input := awaitingShipmentOrder("ORD-100", "WIDGET-1", 10)
	input.Lines[0].LotOverride = "LOT-NEW"
	mustUpsertOrder(t, db, input)

	if err := workflow.ProcessOrderShipped(context.Background(), db, logger,
		shippedEvent("msg-1", "ORD-100", "WIDGET-1", 10)); err != nil {
		t.Fatalf("ProcessOrderShipped: %v", err)
	}

	if bal := lotBalance(t, db, "LOT-OLD"); !bal.Equal(decimal.NewFromInt(100)) {
		t.Errorf("LOT-OLD balance = %s, want 100 (override skips fifo)", bal)
	}
	if bal := lotBalance(t, db, "LOT-NEW"); !bal.Equal(decimal.NewFromInt(90)) {
		t.Errorf("LOT-NEW balance = %s, want 90", bal)
	}
}
