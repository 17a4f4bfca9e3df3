package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tokokas/backend/internal/domain"
	"tokokas/backend/internal/store"
)

// txView mutates a private state copy; the owning Store holds the write lock
// for the lifetime of the view.
type txView struct {
	state *state
}

var _ store.Tx = (*txView)(nil)

func (t *txView) GetProductForUpdate(_ context.Context, shopID string, productID string) (*domain.Product, error) {
	product, ok := t.state.products[productID]
	if !ok || product.ShopID != shopID {
		return nil, store.ErrNotFound
	}
	return &product, nil
}

func (t *txView) UpdateProductStock(_ context.Context, shopID string, productID string, stock decimal.Decimal, at time.Time) error {
	product, ok := t.state.products[productID]
	if !ok || product.ShopID != shopID {
		return store.ErrNotFound
	}
	product.Stock = stock
	product.UpdatedAt = at
	t.state.products[productID] = product
	return nil
}

func (t *txView) TransactionIDExists(_ context.Context, id string) (bool, error) {
	_, ok := t.state.transactions[id]
	return ok, nil
}

func (t *txView) InsertTransaction(_ context.Context, transaction domain.Transaction) error {
	if _, exists := t.state.transactions[transaction.ID]; exists {
		return fmt.Errorf("transaction %s: %w", transaction.ID, store.ErrDuplicateID)
	}
	t.state.transactions[transaction.ID] = cloneTransaction(transaction)
	return nil
}

func (t *txView) GetTransactionForUpdate(_ context.Context, shopID string, id string) (*domain.Transaction, error) {
	tx, ok := t.state.transactions[id]
	if !ok || tx.ShopID != shopID {
		return nil, store.ErrNotFound
	}
	dup := cloneTransaction(tx)
	return &dup, nil
}

func (t *txView) UpdateTransaction(_ context.Context, transaction domain.Transaction, replaceItems bool) error {
	current, ok := t.state.transactions[transaction.ID]
	if !ok || current.ShopID != transaction.ShopID {
		return store.ErrNotFound
	}
	if !replaceItems {
		transaction.Items = current.Items
	}
	t.state.transactions[transaction.ID] = cloneTransaction(transaction)
	return nil
}

func (t *txView) MarkTransactionDeleted(_ context.Context, shopID string, id string, at time.Time) error {
	tx, ok := t.state.transactions[id]
	if !ok || tx.ShopID != shopID || tx.IsDeleted {
		return store.ErrNotFound
	}
	tx.IsDeleted = true
	tx.DeletedAt = &at
	tx.UpdatedAt = at
	t.state.transactions[id] = tx
	return nil
}

func (t *txView) LockCashFlowMonth(_ context.Context, shopID string, year int, month int, at time.Time) (*domain.CashFlowMonth, error) {
	key := monthKey(shopID, year, month)
	row, ok := t.state.months[key]
	if !ok {
		row = domain.CashFlowMonth{
			ID:           uuid.NewString(),
			ShopID:       shopID,
			Year:         year,
			Month:        month,
			TotalInflow:  decimal.Zero,
			TotalOutflow: decimal.Zero,
			Balance:      decimal.Zero,
			CreatedAt:    at,
			UpdatedAt:    at,
		}
		t.state.months[key] = row
	}
	return &row, nil
}

func (t *txView) SaveCashFlowTotals(_ context.Context, month domain.CashFlowMonth) error {
	key := monthKey(month.ShopID, month.Year, month.Month)
	current, ok := t.state.months[key]
	if !ok || current.ID != month.ID {
		return store.ErrNotFound
	}
	current.TotalInflow = month.TotalInflow
	current.TotalOutflow = month.TotalOutflow
	current.Balance = month.Balance
	current.UpdatedAt = month.UpdatedAt
	t.state.months[key] = current
	return nil
}

func (t *txView) InsertCashFlowEntry(_ context.Context, entry domain.CashFlowEntry) error {
	t.state.entries = append(t.state.entries, entry)
	return nil
}

func (t *txView) TransactionPosted(_ context.Context, transactionID string) (bool, error) {
	for _, e := range t.state.entries {
		if e.TransactionID != nil && *e.TransactionID == transactionID {
			return true, nil
		}
	}
	return false, nil
}

func (t *txView) ListUnpaidTransactions(_ context.Context, shopID string, from time.Time, to time.Time) ([]domain.Transaction, error) {
	out := make([]domain.Transaction, 0, 8)
	for _, tx := range t.state.transactions {
		if tx.ShopID != shopID || tx.IsDeleted || !domain.IsUnpaidStatus(tx.Status) {
			continue
		}
		if tx.CreatedAt.Before(from) || !tx.CreatedAt.Before(to) {
			continue
		}
		out = append(out, cloneTransaction(tx))
	}
	sortNewestFirst(out)
	return out, nil
}

func (t *txView) ReplaceDebtSnapshot(_ context.Context, snapshot domain.DebtSnapshot) (*domain.DebtSnapshot, error) {
	key := snapshotKey(snapshot.ShopID, dateKey(snapshot.Date))
	if existing, ok := t.state.snapshots[key]; ok {
		snapshot.ID = existing.ID
	}
	for i := range snapshot.Details {
		snapshot.Details[i].SnapshotID = snapshot.ID
	}
	t.state.snapshots[key] = cloneSnapshot(snapshot)
	stored := cloneSnapshot(snapshot)
	return &stored, nil
}
