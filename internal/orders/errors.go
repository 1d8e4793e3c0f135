package orders

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("invalid checkout request")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrUnknownSKU        = errors.New("unknown sku")
	ErrInventoryData     = errors.New("inventory data unavailable")
	ErrOrderNotFound     = errors.New("order not found")
	ErrInvalidStatus     = errors.New("invalid order status")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrStatusConflict    = errors.New("order status changed concurrently")
)

// StockError names the SKU that could not be satisfied.
type StockError struct {
	SKU       SKU
	Requested int
	Available int
}

func (e *StockError) Error() string {
	return fmt.Sprintf("insufficient stock for sku %s: requested %d, available %d", e.SKU, e.Requested, e.Available)
}

func (e *StockError) Unwrap() error { return ErrInsufficientStock }
