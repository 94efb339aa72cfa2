package workflow

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/fulfillment_backend/config"
	"bitbucket.org/mmdatafocus/fulfillment_backend/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// LotDraw is one lot's contribution to a fulfilled quantity.
type LotDraw struct {
	LotCode  string          `json:"lot_code"`
	Quantity decimal.Decimal `json:"quantity"`
}

// lotCandidate pairs a lot with its remaining balance at selection time.
type lotCandidate struct {
	Lot     models.SkuLot
	Balance decimal.Decimal
}

// AllocationStrategy decides which lots cover a requested quantity. SelectLots
// sees only lots with positive balances and must either cover the full request
// or report the shortfall.
type AllocationStrategy interface {
	Name() string
	SelectLots(candidates []lotCandidate, requested decimal.Decimal) ([]LotDraw, error)
}

type FifoStrategy struct{}

func (FifoStrategy) Name() string { return "fifo" }

func (FifoStrategy) SelectLots(candidates []lotCandidate, requested decimal.Decimal) ([]LotDraw, error) {
	return drawInOrder(candidates, requested)
}

type LifoStrategy struct{}

func (LifoStrategy) Name() string { return "lifo" }

func (LifoStrategy) SelectLots(candidates []lotCandidate, requested decimal.Decimal) ([]LotDraw, error) {
	reversed := make([]lotCandidate, len(candidates))
	for i, c := range candidates {
		reversed[len(candidates)-1-i] = c
	}
	return drawInOrder(reversed, requested)
}

// PinnedLotStrategy draws from exactly one lot, for order lines that name the
// lot they must ship from.
type PinnedLotStrategy struct {
	LotCode string
}

func (s PinnedLotStrategy) Name() string { return "pinned" }

func (s PinnedLotStrategy) SelectLots(candidates []lotCandidate, requested decimal.Decimal) ([]LotDraw, error) {
	for _, c := range candidates {
		if c.Lot.LotCode != s.LotCode {
			continue
		}
		if c.Balance.LessThan(requested) {
			return nil, &InsufficientStockError{Sku: c.Lot.Sku, Requested: requested, Available: c.Balance}
		}
		return []LotDraw{{LotCode: s.LotCode, Quantity: requested}}, nil
	}
	return nil, &InsufficientStockError{Requested: requested, Available: decimal.Zero}
}

func drawInOrder(candidates []lotCandidate, requested decimal.Decimal) ([]LotDraw, error) {
	remaining := requested
	var draws []LotDraw
	for _, c := range candidates {
		if !remaining.IsPositive() {
			break
		}
		take := decimal.Min(c.Balance, remaining)
		draws = append(draws, LotDraw{LotCode: c.Lot.LotCode, Quantity: take})
		remaining = remaining.Sub(take)
	}
	if remaining.IsPositive() {
		available := requested.Sub(remaining)
		return nil, &InsufficientStockError{Requested: requested, Available: available}
	}
	return draws, nil
}

// StrategyFromName maps a configured name to a strategy, defaulting to FIFO.
func StrategyFromName(name string) AllocationStrategy {
	switch name {
	case "lifo":
		return LifoStrategy{}
	default:
		return FifoStrategy{}
	}
}

// Allocate draws the requested quantity of one base SKU from its active lots
// and appends the Ship transactions. All-or-nothing: a shortfall writes no
// ledger rows and returns InsufficientStockError with the total available
// quantity. Lots drawn to zero are marked depleted. Must run inside the
// caller's transaction; the per-SKU lock serializes concurrent allocations.
func Allocate(ctx context.Context, tx *gorm.DB, logger *logrus.Logger, sku string, requested decimal.Decimal, strategy AllocationStrategy, orderNumber string) ([]LotDraw, error) {
	if !requested.IsPositive() {
		return nil, fmt.Errorf("allocation quantity must be positive, got %s", requested)
	}

	unlock, err := lockSku(ctx, sku)
	if err != nil {
		return nil, err
	}
	defer unlock()

	held, err := models.IsSkuOnHold(tx, sku)
	if err != nil {
		return nil, err
	}
	if held {
		return nil, fmt.Errorf("%w: %s", ErrSkuOnHold, sku)
	}

	lots, err := models.ActiveLotsForSku(tx, sku)
	if err != nil {
		return nil, err
	}

	candidates := make([]lotCandidate, 0, len(lots))
	total := decimal.Zero
	for _, lot := range lots {
		balance, err := models.LotBalance(tx, &lot)
		if err != nil {
			return nil, err
		}
		if !balance.IsPositive() {
			continue
		}
		candidates = append(candidates, lotCandidate{Lot: lot, Balance: balance})
		total = total.Add(balance)
	}
	if total.LessThan(requested) {
		return nil, &InsufficientStockError{Sku: sku, Requested: requested, Available: total}
	}

	draws, err := strategy.SelectLots(candidates, requested)
	if err != nil {
		if insErr, ok := err.(*InsufficientStockError); ok && insErr.Sku == "" {
			insErr.Sku = sku
		}
		return nil, err
	}

	now := time.Now().UTC()
	for _, draw := range draws {
		txn := models.LedgerTransaction{
			TransactionDate: now,
			Sku:             sku,
			LotCode:         draw.LotCode,
			Quantity:        draw.Quantity.Neg(),
			Kind:            models.TransactionKindShip,
			Notes:           "shipped on order " + orderNumber,
		}
		if err := tx.Create(&txn).Error; err != nil {
			config.LogError(logger, "workflow", "Allocate", "create ship transaction", txn, err)
			return nil, err
		}
	}
	if err := models.UpdateStockSnapshot(tx, sku); err != nil {
		return nil, err
	}

	// Deplete lots drawn to zero so future allocations skip them.
	for _, draw := range draws {
		lot, err := models.GetLotByCode(tx, draw.LotCode)
		if err != nil {
			return nil, err
		}
		balance, err := models.LotBalance(tx, lot)
		if err != nil {
			return nil, err
		}
		if !balance.IsPositive() {
			if err := models.MarkLotDepleted(tx, draw.LotCode); err != nil {
				return nil, err
			}
		}
	}

	logger.WithFields(logrus.Fields{
		"module":   "workflow",
		"sku":      sku,
		"quantity": requested.String(),
		"strategy": strategy.Name(),
		"order":    orderNumber,
		"lots":     len(draws),
	}).Info("allocated stock")
	return draws, nil
}
