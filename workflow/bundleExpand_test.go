package workflow_test

import (
	"errors"
	"testing"

	"bitbucket.org/mmdatafocus/fulfillment_backend/models"
	"bitbucket.org/mmdatafocus/fulfillment_backend/workflow"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

func mustCreateBundle(t *testing.T, db *gorm.DB, bundleSku string, components ...models.NewBundleComponent) *models.BundleDefinition {
	t.Helper()
	var def *models.BundleDefinition
	err := db.Transaction(func(tx *gorm.DB) error {
		var txErr error
		def, txErr = models.CreateBundleDefinition(tx, &models.NewBundleDefinition{
			BundleSku:  bundleSku,
			Components: components,
		})
		return txErr
	})
	if err != nil {
		t.Fatalf("CreateBundleDefinition %s: %v", bundleSku, err)
	}
	return def
}

func TestExpandBundleMultipliesQuantities(t *testing.T) {
	db := testDB(t)
	mustCreateBundle(t, db, "KIT-1",
		models.NewBundleComponent{ComponentSku: "WIDGET-1", Multiplier: decimal.NewFromInt(2)},
		models.NewBundleComponent{ComponentSku: "WIDGET-2", Multiplier: decimal.NewFromInt(1)},
	)

	draws, err := workflow.ExpandBundle(db, "KIT-1", decimal.NewFromInt(3))
	if err != nil {
		t.Fatalf("ExpandBundle: %v", err)
	}
	if len(draws) != 2 {
		t.Fatalf("got %d draws, want 2", len(draws))
	}
	if draws[0].Sku != "WIDGET-1" || !draws[0].Quantity.Equal(decimal.NewFromInt(6)) {
		t.Errorf("draw[0] = %+v, want 6 of WIDGET-1", draws[0])
	}
	if draws[1].Sku != "WIDGET-2" || !draws[1].Quantity.Equal(decimal.NewFromInt(3)) {
		t.Errorf("draw[1] = %+v, want 3 of WIDGET-2", draws[1])
	}
}

func TestExpandBundleIsDeterministic(t *testing.T) {
	db := testDB(t)
	mustCreateBundle(t, db, "KIT-1",
		models.NewBundleComponent{ComponentSku: "WIDGET-B", Multiplier: decimal.NewFromInt(1), Sequence: 1},
		models.NewBundleComponent{ComponentSku: "WIDGET-A", Multiplier: decimal.NewFromInt(1), Sequence: 2},
	)

	for i := 0; i < 5; i++ {
		draws, err := workflow.ExpandBundle(db, "KIT-1", decimal.NewFromInt(1))
		if err != nil {
			t.Fatalf("ExpandBundle: %v", err)
		}
		if draws[0].Sku != "WIDGET-B" || draws[1].Sku != "WIDGET-A" {
			t.Fatalf("expansion order changed: %+v", draws)
		}
	}
}

func TestExpandBundleUnknownOrInactive(t *testing.T) {
	db := testDB(t)

	_, err := workflow.ExpandBundle(db, "NO-SUCH-KIT", decimal.NewFromInt(1))
	if !errors.Is(err, workflow.ErrUnknownBundle) {
		t.Errorf("missing bundle: got %v, want ErrUnknownBundle", err)
	}

	def := mustCreateBundle(t, db, "KIT-1",
		models.NewBundleComponent{ComponentSku: "WIDGET-1", Multiplier: decimal.NewFromInt(1)},
	)
	if err := db.Model(def).Update("is_active", false).Error; err != nil {
		t.Fatalf("deactivate bundle: %v", err)
	}
	_, err = workflow.ExpandBundle(db, "KIT-1", decimal.NewFromInt(1))
	if !errors.Is(err, workflow.ErrUnknownBundle) {
		t.Errorf("inactive bundle: got %v, want ErrUnknownBundle", err)
	}
}

func TestExpandBundleRejectsNestedBundles(t *testing.T) {
	db := testDB(t)
	mustCreateBundle(t, db, "INNER-KIT",
		models.NewBundleComponent{ComponentSku: "WIDGET-1", Multiplier: decimal.NewFromInt(1)},
	)
	mustCreateBundle(t, db, "OUTER-KIT",
		models.NewBundleComponent{ComponentSku: "INNER-KIT", Multiplier: decimal.NewFromInt(1)},
	)

	_, err := workflow.ExpandBundle(db, "OUTER-KIT", decimal.NewFromInt(1))
	if !errors.Is(err, workflow.ErrCyclicBundle) {
		t.Errorf("nested bundle: got %v, want ErrCyclicBundle", err)
	}
}

func TestExpandLinePassesThroughBaseSku(t *testing.T) {
	db := testDB(t)

	draws, err := workflow.ExpandLine(db, "WIDGET-1", decimal.NewFromInt(7))
	if err != nil {
		t.Fatalf("ExpandLine: %v", err)
	}
	if len(draws) != 1 || draws[0].Sku != "WIDGET-1" || !draws[0].Quantity.Equal(decimal.NewFromInt(7)) {
		t.Errorf("draws = %+v, want passthrough of 7 WIDGET-1", draws)
	}
}
