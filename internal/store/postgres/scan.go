package postgres

import (
	"context"
	"database/sql"

	"tokokas/backend/internal/domain"
)

type rowScanner interface {
	Scan(dest ...any) error
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func scanProduct(row rowScanner) (*domain.Product, error) {
	var p domain.Product
	if err := row.Scan(&p.ID, &p.ShopID, &p.Name, &p.CostPrice, &p.SalePrice, &p.Stock,
		&p.Unit, &p.Category, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var (
		tx        domain.Transaction
		txType    string
		kind      string
		deletedAt sql.NullTime
	)
	if err := row.Scan(&tx.ID, &tx.ShopID, &tx.CreatedBy, &txType, &tx.Category, &kind, &tx.TotalAmount,
		&tx.TotalCost, &tx.Amount, &tx.Status, &tx.CustomerName, &tx.Note, &tx.IsDeleted, &deletedAt,
		&tx.CreatedAt, &tx.UpdatedAt); err != nil {
		return nil, err
	}
	tx.Type = domain.TransactionType(txType)
	tx.Kind = domain.TransactionKind(kind)
	if deletedAt.Valid {
		at := deletedAt.Time
		tx.DeletedAt = &at
	}
	tx.Items = []domain.TransactionItem{}
	return &tx, nil
}

func queryTransactions(ctx context.Context, q querier, query string, args ...any) ([]domain.Transaction, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ptrs := make([]*domain.Transaction, 0, 32)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		ptrs = append(ptrs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := loadItems(ctx, q, ptrs); err != nil {
		return nil, err
	}

	out := make([]domain.Transaction, 0, len(ptrs))
	for _, tx := range ptrs {
		out = append(out, *tx)
	}
	return out, nil
}

func loadItems(ctx context.Context, q querier, txs []*domain.Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(txs))
	byID := make(map[string]*domain.Transaction, len(txs))
	for _, tx := range txs {
		ids = append(ids, tx.ID)
		byID[tx.ID] = tx
	}

	rows, err := q.QueryContext(ctx, `
		SELECT id, transaction_id, product_id, product_name, quantity, sale_price, cost_price
		FROM transaction_items
		WHERE transaction_id = ANY($1)
		ORDER BY transaction_id, position
	`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var item domain.TransactionItem
		if err := rows.Scan(&item.ID, &item.TransactionID, &item.ProductID, &item.ProductName,
			&item.Quantity, &item.SalePrice, &item.CostPrice); err != nil {
			return err
		}
		if tx, ok := byID[item.TransactionID]; ok {
			tx.Items = append(tx.Items, item)
		}
	}
	return rows.Err()
}

const cashFlowColumns = `id, shop_id, year, month, total_inflow, total_outflow, balance, created_at, updated_at`

func scanCashFlowMonth(row rowScanner) (*domain.CashFlowMonth, error) {
	var m domain.CashFlowMonth
	if err := row.Scan(&m.ID, &m.ShopID, &m.Year, &m.Month, &m.TotalInflow, &m.TotalOutflow, &m.Balance,
		&m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}
