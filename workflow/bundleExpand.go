package workflow

import (
	"errors"
	"fmt"

	"bitbucket.org/mmdatafocus/fulfillment_backend/models"
	"bitbucket.org/mmdatafocus/fulfillment_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ComponentDraw is one base SKU and quantity produced by bundle expansion.
type ComponentDraw struct {
	Sku      string          `json:"sku"`
	Quantity decimal.Decimal `json:"quantity"`
}

// ExpandBundle expands a bundle SKU into its component draws: each component
// quantity is the bundle quantity times its multiplier, emitted in the
// definition's sequence order so expansion is deterministic. Bundles never
// nest; a component that is itself a bundle is a data error.
func ExpandBundle(tx *gorm.DB, bundleSku string, quantity decimal.Decimal) ([]ComponentDraw, error) {
	if !quantity.IsPositive() {
		return nil, fmt.Errorf("bundle quantity must be positive, got %s", quantity)
	}

	def, err := models.GetBundleBySku(tx, bundleSku)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownBundle, bundleSku)
		}
		return nil, err
	}
	if !utils.BoolValue(def.IsActive) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBundle, bundleSku)
	}
	if len(def.Components) == 0 {
		return nil, fmt.Errorf("%w: %s has no components", ErrUnknownBundle, bundleSku)
	}

	draws := make([]ComponentDraw, 0, len(def.Components))
	for _, c := range def.Components {
		isBundle, err := models.IsBundleSku(tx, c.ComponentSku)
		if err != nil {
			return nil, err
		}
		if isBundle {
			return nil, fmt.Errorf("%w: %s contains bundle %s", ErrCyclicBundle, bundleSku, c.ComponentSku)
		}
		draws = append(draws, ComponentDraw{
			Sku:      c.ComponentSku,
			Quantity: quantity.Mul(c.Multiplier),
		})
	}
	return draws, nil
}

// ExpandLine resolves one order line to base SKU draws: a plain SKU passes
// through, a bundle SKU expands.
func ExpandLine(tx *gorm.DB, sku string, quantity decimal.Decimal) ([]ComponentDraw, error) {
	isBundle, err := models.IsBundleSku(tx, sku)
	if err != nil {
		return nil, err
	}
	if !isBundle {
		return []ComponentDraw{{Sku: sku, Quantity: quantity}}, nil
	}
	return ExpandBundle(tx, sku, quantity)
}
