package workflow

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientStock aborts an allocation without partial draws.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrSkuOnHold means reconciliation froze the SKU and an operator has not
	// cleared the hold yet.
	ErrSkuOnHold = errors.New("sku is on allocation hold")

	// ErrUnknownBundle covers a missing, inactive or empty bundle definition.
	ErrUnknownBundle = errors.New("unknown or inactive bundle sku")

	// ErrCyclicBundle means a bundle component is itself a bundle.
	ErrCyclicBundle = errors.New("bundle components must be base skus")

	// ErrDuplicateMessage means another worker already owns or finished this
	// external event.
	ErrDuplicateMessage = errors.New("duplicate message")

	// ErrLineMismatch means the shipped lines do not reconcile against the
	// order's expected lines.
	ErrLineMismatch = errors.New("shipped lines do not match order lines")
)

// InsufficientStockError names the SKU that could not be covered. It unwraps
// to ErrInsufficientStock for callers that only branch on the class.
type InsufficientStockError struct {
	Sku       string
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for sku %s: requested %s, available %s",
		e.Sku, e.Requested.String(), e.Available.String())
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}
