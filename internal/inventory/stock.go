// Package inventory keeps product stock non-negative. Every change to a
// product's quantity goes through Stock so the check and the write happen
// under the same row lock.
package inventory

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"tokokas/backend/internal/domain"
	"tokokas/backend/internal/store"
)

const DefaultLowStockThreshold = 10

type Stock struct {
	threshold decimal.Decimal
}

func NewStock(threshold decimal.Decimal) *Stock {
	if threshold.IsNegative() {
		threshold = decimal.Zero
	}
	return &Stock{threshold: threshold}
}

func (s *Stock) Threshold() decimal.Decimal {
	return s.threshold
}

// Adjustment describes one applied stock change.
type Adjustment struct {
	ShopID      string
	ProductID   string
	ProductName string
	Before      decimal.Decimal
	After       decimal.Decimal
	Delta       decimal.Decimal
	LowStock    bool
}

// Line is a signed-agnostic quantity for one product; the direction is
// supplied separately.
type Line struct {
	ProductID string
	Quantity  decimal.Decimal
}

// Direction returns +1 for kinds that bring goods in, -1 for kinds that take
// goods out and 0 when the kind does not move stock.
func Direction(kind domain.TransactionKind) int {
	switch kind {
	case domain.KindSale:
		return -1
	case domain.KindPurchase:
		return 1
	default:
		return 0
	}
}

// Adjust applies delta to one product. The product row is locked for the rest
// of the unit. A result below zero fails with *store.InsufficientStockError
// and nothing is written.
func (s *Stock) Adjust(ctx context.Context, tx store.Tx, shopID string, productID string, delta decimal.Decimal, at time.Time) (Adjustment, error) {
	product, err := tx.GetProductForUpdate(ctx, shopID, productID)
	if err != nil {
		return Adjustment{}, fmt.Errorf("product %s: %w", productID, err)
	}

	after := product.Stock.Add(delta)
	if after.IsNegative() {
		return Adjustment{}, &store.InsufficientStockError{
			ProductID: productID,
			Available: product.Stock,
			Requested: delta.Neg(),
		}
	}
	if !delta.IsZero() {
		if err := tx.UpdateProductStock(ctx, shopID, productID, after, at); err != nil {
			return Adjustment{}, fmt.Errorf("update stock %s: %w", productID, err)
		}
	}

	return Adjustment{
		ShopID:      shopID,
		ProductID:   productID,
		ProductName: product.Name,
		Before:      product.Stock,
		After:       after,
		Delta:       delta,
		LowStock:    after.LessThanOrEqual(s.threshold),
	}, nil
}

// ApplyLines adjusts every product referenced by lines in one direction.
// Quantities for the same product are summed first and products are locked
// in id order, so two units touching the same products cannot deadlock.
func (s *Stock) ApplyLines(ctx context.Context, tx store.Tx, shopID string, lines []Line, direction int, at time.Time) ([]Adjustment, error) {
	if direction == 0 || len(lines) == 0 {
		return nil, nil
	}

	totals := make(map[string]decimal.Decimal, len(lines))
	for _, line := range lines {
		totals[line.ProductID] = totals[line.ProductID].Add(line.Quantity)
	}
	ids := make([]string, 0, len(totals))
	for id := range totals {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	sign := decimal.NewFromInt(int64(direction))
	adjustments := make([]Adjustment, 0, len(ids))
	for _, id := range ids {
		adj, err := s.Adjust(ctx, tx, shopID, id, totals[id].Mul(sign), at)
		if err != nil {
			return nil, err
		}
		adjustments = append(adjustments, adj)
	}
	return adjustments, nil
}

// LowStockEvents lists the adjustments that left a product at or below the
// threshold.
func (s *Stock) LowStockEvents(adjustments []Adjustment, at time.Time) []domain.LowStockEvent {
	var events []domain.LowStockEvent
	for _, adj := range adjustments {
		if !adj.LowStock {
			continue
		}
		events = append(events, domain.LowStockEvent{
			ShopID:      adj.ShopID,
			ProductID:   adj.ProductID,
			ProductName: adj.ProductName,
			Stock:       adj.After,
			Threshold:   s.threshold,
			At:          at,
		})
	}
	return events
}

// LinesFromItems converts stored transaction items into stock lines.
func LinesFromItems(items []domain.TransactionItem) []Line {
	lines := make([]Line, 0, len(items))
	for _, item := range items {
		lines = append(lines, Line{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return lines
}
