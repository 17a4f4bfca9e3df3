package store

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrIDGeneration      = errors.New("could not generate a unique id")
	ErrDuplicateID       = errors.New("duplicate id")
)

type validationError struct {
	reason string
}

func (e *validationError) Error() string { return e.reason }

func (e *validationError) Unwrap() error { return ErrValidation }

// Invalid returns a caller-correctable error that matches ErrValidation.
func Invalid(reason string) error {
	return &validationError{reason: reason}
}

func Invalidf(format string, args ...any) error {
	return &validationError{reason: fmt.Sprintf(format, args...)}
}

// InsufficientStockError is returned when an adjustment would take a product
// below zero. It matches both ErrInsufficientStock and ErrValidation.
type InsufficientStockError struct {
	ProductID string
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: available %s, requested %s",
		e.ProductID, e.Available.String(), e.Requested.String())
}

func (e *InsufficientStockError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock || target == ErrValidation
}
