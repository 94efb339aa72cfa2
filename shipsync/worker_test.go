package shipsync_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/fulfillment_backend/config"
	"bitbucket.org/mmdatafocus/fulfillment_backend/models"
	"bitbucket.org/mmdatafocus/fulfillment_backend/shipsync"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&models.SkuLot{}, &models.LedgerTransaction{}, &models.StockSnapshot{},
		&models.BundleDefinition{}, &models.BundleComponent{},
		&models.InboundOrder{}, &models.InboundOrderLine{},
		&models.Shipment{}, &models.ShipmentLine{},
		&models.ShippingPolicyRule{}, &models.ShippingViolation{},
		&models.SyncWatermark{}, &models.WorkflowControl{}, &models.SyncRun{}, &models.SyncError{},
		&models.IdempotencyKey{},
		&models.WeeklyShippedHistory{}, &models.KpiSnapshot{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	config.SetDatabase(db)
	return db
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// feedServer serves a static list endpoint and points the client env at it.
func feedServer(t *testing.T, path string, payload interface{}) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != path {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": payload})
	}))
	t.Cleanup(srv.Close)
	t.Setenv("SHIPSTREAM_API_BASE_URL", srv.URL)
	t.Setenv("SHIPSTREAM_API_KEY", "test-key")
	t.Setenv("SHIPSTREAM_RATE_LIMIT_PER_MIN", "60000")
	return srv
}

func remoteOrderJSON(orderNumber, status, updatedAt string, qty int) map[string]interface{} {
	return map[string]interface{}{
		"id":              "ext-" + orderNumber,
		"order_number":    orderNumber,
		"order_date":      "2026-03-01T00:00:00Z",
		"status":          status,
		"ship_to_country": "US",
		"carrier_code":    "ups",
		"service_code":    "ground",
		"updated_at":      updatedAt,
		"items": []map[string]interface{}{
			{"sku": "WIDGET-1", "quantity": qty},
		},
	}
}

func TestRunOrderSyncStoresOrdersAndAdvancesWatermark(t *testing.T) {
	db := testDB(t)
	logger := testLogger()
	feedServer(t, "/v1/orders", []interface{}{
		remoteOrderJSON("ORD-1", "pending", "2026-03-01T10:00:00Z", 2),
		remoteOrderJSON("ORD-2", "awaiting_shipment", "2026-03-02T10:00:00Z", 1),
	})

	run, err := shipsync.RunOrderSync(context.Background(), db, logger, models.SyncTriggeredManual)
	if err != nil {
		t.Fatalf("RunOrderSync: %v", err)
	}
	if run == nil {
		t.Fatal("run is nil, gate should be open by default")
	}
	var got models.SyncRun
	if err := db.Take(&got, run.ID).Error; err != nil {
		t.Fatalf("load run: %v", err)
	}
	if got.Status != models.SyncRunStatusSuccess || got.RecordsSynced != 2 {
		t.Errorf("run = %s/%d, want success/2", got.Status, got.RecordsSynced)
	}

	order, err := models.GetOrderByNumber(db, "ORD-1")
	if err != nil {
		t.Fatalf("ORD-1 missing: %v", err)
	}
	if len(order.Lines) != 1 || !order.Lines[0].Quantity.Equal(decimal.NewFromInt(2)) {
		t.Errorf("ORD-1 lines = %+v", order.Lines)
	}

	wm, err := models.GetWatermark(db, models.WorkflowOrderSync)
	if err != nil {
		t.Fatalf("GetWatermark: %v", err)
	}
	want := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	if !wm.Equal(want) {
		t.Errorf("watermark = %s, want %s", wm, want)
	}
}

func TestRunOrderSyncOverlappingPullUpsertsWithoutDuplicates(t *testing.T) {
	db := testDB(t)
	logger := testLogger()
	feedServer(t, "/v1/orders", []interface{}{
		remoteOrderJSON("ORD-1", "pending", "2026-03-01T10:00:00Z", 2),
	})
	if _, err := shipsync.RunOrderSync(context.Background(), db, logger, models.SyncTriggeredManual); err != nil {
		t.Fatalf("first pull: %v", err)
	}

	// Same order re-pulled with a newer status.
	feedServer(t, "/v1/orders", []interface{}{
		remoteOrderJSON("ORD-1", "awaiting_shipment", "2026-03-03T10:00:00Z", 2),
	})
	if _, err := shipsync.RunOrderSync(context.Background(), db, logger, models.SyncTriggeredManual); err != nil {
		t.Fatalf("second pull: %v", err)
	}

	var count int64
	db.Model(&models.InboundOrder{}).Where("order_number = ?", "ORD-1").Count(&count)
	if count != 1 {
		t.Fatalf("order rows = %d, want 1", count)
	}
	order, _ := models.GetOrderByNumber(db, "ORD-1")
	if order.Status != models.OrderStatusAwaitingShipment {
		t.Errorf("status = %s, want awaiting_shipment", order.Status)
	}
}

func TestRunOrderSyncKeepsWatermarkOnFetchError(t *testing.T) {
	db := testDB(t)
	logger := testLogger()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	t.Setenv("SHIPSTREAM_API_BASE_URL", srv.URL)
	t.Setenv("SHIPSTREAM_API_KEY", "test-key")
	t.Setenv("SHIPSTREAM_RATE_LIMIT_PER_MIN", "60000")

	run, err := shipsync.RunOrderSync(context.Background(), db, logger, models.SyncTriggeredManual)
	if err != nil {
		t.Fatalf("RunOrderSync: %v", err)
	}
	var got models.SyncRun
	if err := db.Take(&got, run.ID).Error; err != nil {
		t.Fatalf("load run: %v", err)
	}
	if got.Status != models.SyncRunStatusFailed {
		t.Errorf("run status = %s, want failed", got.Status)
	}
	wm, err := models.GetWatermark(db, models.WorkflowOrderSync)
	if err != nil {
		t.Fatalf("GetWatermark: %v", err)
	}
	if !wm.IsZero() {
		t.Errorf("watermark moved on failed run: %s", wm)
	}
}

func TestRunOrderSyncKeepsWatermarkWhenDisabledMidRun(t *testing.T) {
	db := testDB(t)
	logger := testLogger()

	// Page one carries a cursor to a second page; the workflow is switched
	// off while it is being served, so pagination never finishes.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("cursor") == "" {
			if _, err := models.SetWorkflowEnabled(db, models.WorkflowOrderSync, false, "test"); err != nil {
				t.Errorf("disable workflow: %v", err)
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"data":        []interface{}{remoteOrderJSON("ORD-1", "pending", "2026-03-01T10:00:00Z", 2)},
				"next_cursor": "page-2",
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []interface{}{remoteOrderJSON("ORD-2", "pending", "2026-03-02T10:00:00Z", 1)},
		})
	}))
	t.Cleanup(srv.Close)
	t.Setenv("SHIPSTREAM_API_BASE_URL", srv.URL)
	t.Setenv("SHIPSTREAM_API_KEY", "test-key")
	t.Setenv("SHIPSTREAM_RATE_LIMIT_PER_MIN", "60000")

	run, err := shipsync.RunOrderSync(context.Background(), db, logger, models.SyncTriggeredScheduler)
	if err != nil {
		t.Fatalf("RunOrderSync: %v", err)
	}
	if run == nil {
		t.Fatal("run is nil, gate was open when the run started")
	}

	// The first page was stored, but the pull is incomplete: the watermark
	// must stay put so the next run re-covers the unfetched pages.
	if _, err := models.GetOrderByNumber(db, "ORD-1"); err != nil {
		t.Fatalf("ORD-1 from first page missing: %v", err)
	}
	wm, err := models.GetWatermark(db, models.WorkflowOrderSync)
	if err != nil {
		t.Fatalf("GetWatermark: %v", err)
	}
	if !wm.IsZero() {
		t.Errorf("watermark moved on incomplete pull: %s", wm)
	}
}

func TestRunOrderSyncRespectsWorkflowGate(t *testing.T) {
	db := testDB(t)
	logger := testLogger()
	if _, err := models.SetWorkflowEnabled(db, models.WorkflowOrderSync, false, "test"); err != nil {
		t.Fatalf("disable workflow: %v", err)
	}

	run, err := shipsync.RunOrderSync(context.Background(), db, logger, models.SyncTriggeredScheduler)
	if err != nil {
		t.Fatalf("RunOrderSync: %v", err)
	}
	if run != nil {
		t.Errorf("run created despite disabled workflow: %+v", run)
	}
	var count int64
	db.Model(&models.SyncRun{}).Count(&count)
	if count != 0 {
		t.Errorf("sync runs = %d, want 0", count)
	}
}

func TestRunShipmentSyncShipsOrder(t *testing.T) {
	db := testDB(t)
	logger := testLogger()

	err := db.Transaction(func(tx *gorm.DB) error {
		if _, err := models.CreateSkuLot(tx, &models.NewSkuLot{
			Sku:             "WIDGET-1",
			LotCode:         "LOT-A",
			ReceivedDate:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			InitialQuantity: decimal.NewFromInt(100),
		}); err != nil {
			return err
		}
		_, err := models.UpsertInboundOrder(tx, &models.UpsertOrderInput{
			OrderNumber:   "ORD-1",
			OrderDate:     time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
			Status:        models.OrderStatusAwaitingShipment,
			ShipToCountry: "US",
			CarrierCode:   "ups",
			ServiceCode:   "ground",
			ModifiedAt:    time.Now().UTC(),
			Lines: []models.InboundOrderLine{
				{Sku: "WIDGET-1", Quantity: decimal.NewFromInt(10)},
			},
		})
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	feedServer(t, "/v1/shipments", []interface{}{
		map[string]interface{}{
			"id":              "ship-1",
			"order_number":    "ORD-1",
			"ship_date":       "2026-03-02T00:00:00Z",
			"carrier_code":    "ups",
			"service_code":    "ground",
			"tracking_number": "1Z999",
			"updated_at":      "2026-03-02T01:00:00Z",
			"items": []map[string]interface{}{
				{"sku": "WIDGET-1", "quantity": 10},
			},
		},
	})

	run, err := shipsync.RunShipmentSync(context.Background(), db, logger, models.SyncTriggeredManual)
	if err != nil {
		t.Fatalf("RunShipmentSync: %v", err)
	}
	var got models.SyncRun
	if err := db.Take(&got, run.ID).Error; err != nil {
		t.Fatalf("load run: %v", err)
	}
	if got.Status != models.SyncRunStatusSuccess || got.RecordsSynced != 1 {
		t.Errorf("run = %s/%d, want success/1", got.Status, got.RecordsSynced)
	}

	order, err := models.GetOrderByNumber(db, "ORD-1")
	if err != nil {
		t.Fatalf("load order: %v", err)
	}
	if order.Status != models.OrderStatusShipped {
		t.Errorf("order status = %s, want shipped", order.Status)
	}
	snap, err := models.GetStockSnapshot(db, "WIDGET-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !snap.QtyOnHand.Equal(decimal.NewFromInt(90)) {
		t.Errorf("snapshot = %s, want 90", snap.QtyOnHand)
	}
}

func TestRunShipmentSyncHoldsOrderOnInsufficientStock(t *testing.T) {
	db := testDB(t)
	logger := testLogger()

	err := db.Transaction(func(tx *gorm.DB) error {
		if _, err := models.CreateSkuLot(tx, &models.NewSkuLot{
			Sku:             "WIDGET-1",
			LotCode:         "LOT-A",
			ReceivedDate:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			InitialQuantity: decimal.NewFromInt(3),
		}); err != nil {
			return err
		}
		_, err := models.UpsertInboundOrder(tx, &models.UpsertOrderInput{
			OrderNumber:   "ORD-1",
			OrderDate:     time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
			Status:        models.OrderStatusAwaitingShipment,
			ShipToCountry: "US",
			CarrierCode:   "ups",
			ModifiedAt:    time.Now().UTC(),
			Lines: []models.InboundOrderLine{
				{Sku: "WIDGET-1", Quantity: decimal.NewFromInt(10)},
			},
		})
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	feedServer(t, "/v1/shipments", []interface{}{
		map[string]interface{}{
			"id":           "ship-1",
			"order_number": "ORD-1",
			"ship_date":    "2026-03-02T00:00:00Z",
			"carrier_code": "ups",
			"updated_at":   "2026-03-02T01:00:00Z",
			"items": []map[string]interface{}{
				{"sku": "WIDGET-1", "quantity": 10},
			},
		},
	})

	run, err := shipsync.RunShipmentSync(context.Background(), db, logger, models.SyncTriggeredManual)
	if err != nil {
		t.Fatalf("RunShipmentSync: %v", err)
	}
	var got models.SyncRun
	if err := db.Take(&got, run.ID).Error; err != nil {
		t.Fatalf("load run: %v", err)
	}
	if got.Status != models.SyncRunStatusFailed || got.ErrorCount != 1 {
		t.Errorf("run = %s errors=%d, want failed/1", got.Status, got.ErrorCount)
	}

	order, err := models.GetOrderByNumber(db, "ORD-1")
	if err != nil {
		t.Fatalf("load order: %v", err)
	}
	if order.Status != models.OrderStatusOnHold {
		t.Errorf("order status = %s, want on_hold", order.Status)
	}
	if order.FailureReason == "" {
		t.Error("failure reason not recorded")
	}

	var syncErrs []models.SyncError
	if err := db.Where("sync_run_id = ?", run.ID).Find(&syncErrs).Error; err != nil || len(syncErrs) != 1 {
		t.Fatalf("sync errors = %v (%v), want 1", syncErrs, err)
	}
	if !syncErrs[0].Retryable {
		t.Error("insufficient stock should be recorded as retryable")
	}
}
