package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"tokokas/backend/internal/domain"
)

// Repository is the read side plus the transactional entry point. Every
// mutation goes through WithTx so stock, transaction rows and ledger rows
// commit or roll back together.
type Repository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	ListProducts(ctx context.Context, shopID string) ([]domain.Product, error)
	GetProduct(ctx context.Context, shopID string, productID string) (*domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)

	FindTransactionByID(ctx context.Context, shopID string, id string) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, int, error)

	GetCashFlowMonth(ctx context.Context, shopID string, year int, month int) (*domain.CashFlowMonth, error)
	ListCashFlowPeriods(ctx context.Context, shopID string) ([]domain.CashFlowMonth, error)

	ListDebtSnapshots(ctx context.Context, filter SnapshotFilter) ([]domain.DebtSnapshot, int, error)

	ListShopIDs(ctx context.Context) ([]string, error)
	FindUser(ctx context.Context, username string) (*domain.UserAccount, error)
}

// Tx holds the locking primitives available inside WithTx. Methods ending in
// ForUpdate serialize concurrent writers on the same row until commit.
type Tx interface {
	GetProductForUpdate(ctx context.Context, shopID string, productID string) (*domain.Product, error)
	UpdateProductStock(ctx context.Context, shopID string, productID string, stock decimal.Decimal, at time.Time) error

	TransactionIDExists(ctx context.Context, id string) (bool, error)
	InsertTransaction(ctx context.Context, transaction domain.Transaction) error
	GetTransactionForUpdate(ctx context.Context, shopID string, id string) (*domain.Transaction, error)
	UpdateTransaction(ctx context.Context, transaction domain.Transaction, replaceItems bool) error
	MarkTransactionDeleted(ctx context.Context, shopID string, id string, at time.Time) error

	// LockCashFlowMonth returns the aggregate row for the period, creating a
	// zero row when absent, and holds it until the unit ends.
	LockCashFlowMonth(ctx context.Context, shopID string, year int, month int, at time.Time) (*domain.CashFlowMonth, error)
	SaveCashFlowTotals(ctx context.Context, month domain.CashFlowMonth) error
	InsertCashFlowEntry(ctx context.Context, entry domain.CashFlowEntry) error
	// TransactionPosted reports whether a ledger entry already references the
	// transaction.
	TransactionPosted(ctx context.Context, transactionID string) (bool, error)

	ListUnpaidTransactions(ctx context.Context, shopID string, from time.Time, to time.Time) ([]domain.Transaction, error)
	// ReplaceDebtSnapshot overwrites the (shop, date) snapshot and its details,
	// keeping the id of an existing row.
	ReplaceDebtSnapshot(ctx context.Context, snapshot domain.DebtSnapshot) (*domain.DebtSnapshot, error)
}

// SnapshotFilter selects stored debt snapshots. Dates are inclusive and
// compared by calendar day; Limit 0 means no limit.
type SnapshotFilter struct {
	ShopID string
	From   *time.Time
	To     *time.Time
	Limit  int
	Offset int
}
