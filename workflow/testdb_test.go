package workflow_test

import (
	"io"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/fulfillment_backend/config"
	"bitbucket.org/mmdatafocus/fulfillment_backend/models"
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

func mustCreateLot(t *testing.T, db *gorm.DB, sku, lotCode string, qty int64, receivedDate time.Time) *models.SkuLot {
	t.Helper()
	var lot *models.SkuLot
	err := db.Transaction(func(tx *gorm.DB) error {
		var txErr error
		lot, txErr = models.CreateSkuLot(tx, &models.NewSkuLot{
			Sku:             sku,
			LotCode:         lotCode,
			ReceivedDate:    receivedDate,
			InitialQuantity: decimal.NewFromInt(qty),
		})
		return txErr
	})
	if err != nil {
		t.Fatalf("CreateSkuLot %s/%s: %v", sku, lotCode, err)
	}
	return lot
}

func lotBalance(t *testing.T, db *gorm.DB, lotCode string) decimal.Decimal {
	t.Helper()
	lot, err := models.GetLotByCode(db, lotCode)
	if err != nil {
		t.Fatalf("GetLotByCode %s: %v", lotCode, err)
	}
	bal, err := models.LotBalance(db, lot)
	if err != nil {
		t.Fatalf("LotBalance %s: %v", lotCode, err)
	}
	return bal
}

func countShipTxns(t *testing.T, db *gorm.DB, sku string) int64 {
	t.Helper()
	var n int64
	if err := db.Model(&models.LedgerTransaction{}).
		Where("sku = ? AND kind = ?", sku, models.TransactionKindShip).
		Count(&n).Error; err != nil {
		t.Fatalf("count ship txns: %v", err)
	}
	return n
}
