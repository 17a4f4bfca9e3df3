package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tokokas/backend/internal/domain"
	"tokokas/backend/internal/store"
)

type txRepo struct {
	tx *sql.Tx
}

var _ store.Tx = (*txRepo)(nil)

func (r *txRepo) GetProductForUpdate(ctx context.Context, shopID string, productID string) (*domain.Product, error) {
	row := r.tx.QueryRowContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = $1 AND shop_id = $2
		FOR UPDATE
	`, productID, shopID)
	p, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return p, err
}

func (r *txRepo) UpdateProductStock(ctx context.Context, shopID string, productID string, stock decimal.Decimal, at time.Time) error {
	res, err := r.tx.ExecContext(ctx, `
		UPDATE products
		SET stock = $3, updated_at = $4
		WHERE id = $1 AND shop_id = $2
	`, productID, shopID, stock, at)
	if err != nil {
		if isCheckViolation(err) {
			return store.Invalidf("stock for product %s cannot go negative", productID)
		}
		return err
	}
	return requireOneRow(res)
}

func (r *txRepo) TransactionIDExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM transactions WHERE id = $1)`, id).Scan(&exists)
	return exists, err
}

func (r *txRepo) InsertTransaction(ctx context.Context, t domain.Transaction) error {
	_, err := r.tx.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, t.ID, t.ShopID, t.CreatedBy, string(t.Type), t.Category, string(t.Kind), t.TotalAmount, t.TotalCost,
		t.Amount, t.Status, t.CustomerName, t.Note, t.IsDeleted, t.DeletedAt, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("transaction %s: %w", t.ID, store.ErrDuplicateID)
		}
		return err
	}
	return r.insertItems(ctx, t.ID, t.Items)
}

func (r *txRepo) insertItems(ctx context.Context, transactionID string, items []domain.TransactionItem) error {
	for i, item := range items {
		if _, err := r.tx.ExecContext(ctx, `
			INSERT INTO transaction_items (
				id, transaction_id, position, product_id, product_name, quantity, sale_price, cost_price
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, item.ID, transactionID, i, item.ProductID, item.ProductName, item.Quantity, item.SalePrice, item.CostPrice); err != nil {
			return fmt.Errorf("insert item %d: %w", i, err)
		}
	}
	return nil
}

func (r *txRepo) GetTransactionForUpdate(ctx context.Context, shopID string, id string) (*domain.Transaction, error) {
	row := r.tx.QueryRowContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE id = $1 AND shop_id = $2
		FOR UPDATE
	`, id, shopID)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := loadItems(ctx, r.tx, []*domain.Transaction{t}); err != nil {
		return nil, err
	}
	return t, nil
}

func (r *txRepo) UpdateTransaction(ctx context.Context, t domain.Transaction, replaceItems bool) error {
	res, err := r.tx.ExecContext(ctx, `
		UPDATE transactions
		SET transaction_type = $3, category = $4, total_amount = $5, total_cost_basis = $6, amount = $7,
			status = $8, customer_name = $9, note = $10, updated_at = $11, kind = $12
		WHERE id = $1 AND shop_id = $2
	`, t.ID, t.ShopID, string(t.Type), t.Category, t.TotalAmount, t.TotalCost, t.Amount, t.Status,
		t.CustomerName, t.Note, t.UpdatedAt, string(t.Kind))
	if err != nil {
		return err
	}
	if err := requireOneRow(res); err != nil {
		return err
	}
	if !replaceItems {
		return nil
	}
	if _, err := r.tx.ExecContext(ctx, `DELETE FROM transaction_items WHERE transaction_id = $1`, t.ID); err != nil {
		return err
	}
	return r.insertItems(ctx, t.ID, t.Items)
}

func (r *txRepo) MarkTransactionDeleted(ctx context.Context, shopID string, id string, at time.Time) error {
	res, err := r.tx.ExecContext(ctx, `
		UPDATE transactions
		SET is_deleted = true, deleted_at = $3, updated_at = $3
		WHERE id = $1 AND shop_id = $2 AND NOT is_deleted
	`, id, shopID, at)
	if err != nil {
		return err
	}
	return requireOneRow(res)
}

func (r *txRepo) LockCashFlowMonth(ctx context.Context, shopID string, year int, month int, at time.Time) (*domain.CashFlowMonth, error) {
	if _, err := r.tx.ExecContext(ctx, `
		INSERT INTO cash_flow_months (id, shop_id, year, month, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (shop_id, year, month) DO NOTHING
	`, uuid.NewString(), shopID, year, month, at); err != nil {
		return nil, err
	}

	row := r.tx.QueryRowContext(ctx, `
		SELECT `+cashFlowColumns+`
		FROM cash_flow_months
		WHERE shop_id = $1 AND year = $2 AND month = $3
		FOR UPDATE
	`, shopID, year, month)
	return scanCashFlowMonth(row)
}

func (r *txRepo) SaveCashFlowTotals(ctx context.Context, m domain.CashFlowMonth) error {
	res, err := r.tx.ExecContext(ctx, `
		UPDATE cash_flow_months
		SET total_inflow = $2, total_outflow = $3, balance = $4, updated_at = $5
		WHERE id = $1
	`, m.ID, m.TotalInflow, m.TotalOutflow, m.Balance, m.UpdatedAt)
	if err != nil {
		return err
	}
	return requireOneRow(res)
}

func (r *txRepo) InsertCashFlowEntry(ctx context.Context, e domain.CashFlowEntry) error {
	var txID sql.NullString
	if e.TransactionID != nil {
		txID = sql.NullString{String: *e.TransactionID, Valid: true}
	}
	_, err := r.tx.ExecContext(ctx, `
		INSERT INTO cash_flow_entries (
			id, cash_flow_id, shop_id, transaction_id, kind, amount, category, occurred_at, note, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, e.ID, e.CashFlowID, e.ShopID, txID, string(e.Kind), e.Amount, e.Category, e.OccurredAt, e.Note, e.CreatedAt)
	return err
}

func (r *txRepo) TransactionPosted(ctx context.Context, transactionID string) (bool, error) {
	var posted bool
	err := r.tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM cash_flow_entries WHERE transaction_id = $1)`, transactionID).Scan(&posted)
	return posted, err
}

func (r *txRepo) ListUnpaidTransactions(ctx context.Context, shopID string, from time.Time, to time.Time) ([]domain.Transaction, error) {
	return queryTransactions(ctx, r.tx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE shop_id = $1 AND NOT is_deleted AND status = $2
			AND created_at >= $3 AND created_at < $4
		ORDER BY created_at DESC, id DESC
	`, shopID, domain.StatusUnpaid, from, to)
}

func (r *txRepo) ReplaceDebtSnapshot(ctx context.Context, snap domain.DebtSnapshot) (*domain.DebtSnapshot, error) {
	var id string
	err := r.tx.QueryRowContext(ctx, `
		INSERT INTO debt_snapshots (
			id, shop_id, snapshot_date, total_hutang, total_piutang, hutang_count, piutang_count, generated_at
		) VALUES ($1, $2, $3::date, $4, $5, $6, $7, $8)
		ON CONFLICT (shop_id, snapshot_date) DO UPDATE
		SET total_hutang = EXCLUDED.total_hutang,
			total_piutang = EXCLUDED.total_piutang,
			hutang_count = EXCLUDED.hutang_count,
			piutang_count = EXCLUDED.piutang_count,
			generated_at = EXCLUDED.generated_at
		RETURNING id
	`, snap.ID, snap.ShopID, dateString(snap.Date), snap.TotalHutang, snap.TotalPiutang,
		snap.HutangCount, snap.PiutangCount, snap.GeneratedAt).Scan(&id)
	if err != nil {
		return nil, err
	}
	snap.ID = id

	if _, err := r.tx.ExecContext(ctx, `DELETE FROM debt_snapshot_details WHERE snapshot_id = $1`, id); err != nil {
		return nil, err
	}
	for i := range snap.Details {
		d := &snap.Details[i]
		d.SnapshotID = id
		if _, err := r.tx.ExecContext(ctx, `
			INSERT INTO debt_snapshot_details (
				id, snapshot_id, transaction_id, kind, amount, category, customer_name, transaction_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, d.ID, id, d.TransactionID, string(d.Kind), d.Amount, d.Category, d.CustomerName, d.TransactionAt); err != nil {
			return nil, fmt.Errorf("insert snapshot detail %s: %w", d.TransactionID, err)
		}
	}
	return &snap, nil
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
