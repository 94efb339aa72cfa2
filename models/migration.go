package models

import (
	"log"

	"bitbucket.org/mmdatafocus/fulfillment_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&SkuLot{}, &LedgerTransaction{}, &StockSnapshot{},
		&BundleDefinition{}, &BundleComponent{},
		&InboundOrder{}, &InboundOrderLine{},
		&Shipment{}, &ShipmentLine{},
		&ShippingPolicyRule{}, &ShippingViolation{},
		&SyncWatermark{}, &WorkflowControl{}, &SyncRun{}, &SyncError{},
		&IdempotencyKey{},
		&WeeklyShippedHistory{}, &KpiSnapshot{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
