package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/fulfillment_backend/config"
	"bitbucket.org/mmdatafocus/fulfillment_backend/workflow"
	"gorm.io/gorm"
)

func main() {
	sku := flag.String("sku", "", "Optional: reconcile a single sku (default all skus in the ledger)")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	logger := config.GetLogger()

	var drifts []workflow.SnapshotDrift
	err := db.Transaction(func(tx *gorm.DB) error {
		if strings.TrimSpace(*sku) != "" {
			drift, err := workflow.ReconcileStockSnapshot(tx, logger, strings.TrimSpace(*sku))
			if err != nil {
				return err
			}
			if drift != nil {
				drifts = append(drifts, *drift)
			}
			return nil
		}
		var err error
		drifts, err = workflow.ReconcileAllSnapshots(tx, logger)
		return err
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "reconcile failed: %v\n", err)
		os.Exit(1)
	}

	if len(drifts) == 0 {
		fmt.Println("no drift detected")
		return
	}
	for _, d := range drifts {
		fmt.Printf("drift sku=%s cached=%s ledger=%s (allocation hold set)\n",
			d.Sku, d.Cached.String(), d.FromLedger.String())
	}
	os.Exit(2)
}
