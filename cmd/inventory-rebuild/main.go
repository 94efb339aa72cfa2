package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/fulfillment_backend/config"
	"bitbucket.org/mmdatafocus/fulfillment_backend/models"
	"bitbucket.org/mmdatafocus/fulfillment_backend/workflow"
	"gorm.io/gorm"
)

func main() {
	sku := flag.String("sku", "", "Optional: rebuild a single sku (default all skus in the ledger)")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	logger := config.GetLogger()

	if strings.TrimSpace(*sku) != "" {
		if err := db.Transaction(func(tx *gorm.DB) error {
			return models.UpdateStockSnapshot(tx, strings.TrimSpace(*sku))
		}); err != nil {
			fmt.Fprintf(os.Stderr, "rebuild failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("snapshot rebuilt for %s\n", *sku)
		return
	}

	var count int
	if err := db.Transaction(func(tx *gorm.DB) error {
		var err error
		count, err = workflow.RebuildStockSnapshots(tx, logger)
		return err
	}); err != nil {
		fmt.Fprintf(os.Stderr, "rebuild failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("snapshot rebuild complete (%d skus)\n", count)
}
