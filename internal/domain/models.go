package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID        string          `json:"id"`
	ShopID    string          `json:"shop_id"`
	Name      string          `json:"name"`
	CostPrice decimal.Decimal `json:"cost_price"`
	SalePrice decimal.Decimal `json:"sale_price"`
	Stock     decimal.Decimal `json:"stock"`
	Unit      string          `json:"unit"`
	Category  string          `json:"category"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type ProductCreateRequest struct {
	ShopID       string          `json:"-"`
	Name         string          `json:"name" validate:"required,max=200"`
	CostPrice    decimal.Decimal `json:"cost_price"`
	SalePrice    decimal.Decimal `json:"sale_price"`
	InitialStock decimal.Decimal `json:"initial_stock"`
	Unit         string          `json:"unit" validate:"max=32"`
	Category     string          `json:"category" validate:"max=100"`
}

type StockOpnameItem struct {
	ProductID  string          `json:"product_id" validate:"required"`
	CountedQty decimal.Decimal `json:"counted_qty"`
}

type StockOpnameRequest struct {
	ShopID string            `json:"-"`
	Notes  string            `json:"notes"`
	Items  []StockOpnameItem `json:"items" validate:"required,min=1,dive"`
}

type StockOpnameAdjustment struct {
	ProductID  string          `json:"product_id"`
	SystemQty  decimal.Decimal `json:"system_qty"`
	CountedQty decimal.Decimal `json:"counted_qty"`
	DeltaQty   decimal.Decimal `json:"delta_qty"`
}

type StockOpnameResponse struct {
	ShopID      string                  `json:"shop_id"`
	Notes       string                  `json:"notes"`
	Adjustments []StockOpnameAdjustment `json:"adjustments"`
	CreatedAt   time.Time               `json:"created_at"`
}

type Transaction struct {
	ID           string            `json:"id"`
	ShopID       string            `json:"shop_id"`
	CreatedBy    string            `json:"created_by"`
	Type         TransactionType   `json:"transaction_type"`
	Category     string            `json:"category"`
	Kind         TransactionKind   `json:"kind"`
	TotalAmount  decimal.Decimal   `json:"total_amount"`
	TotalCost    decimal.Decimal   `json:"total_cost_basis"`
	Amount       decimal.Decimal   `json:"amount"`
	Status       string            `json:"status"`
	CustomerName string            `json:"customer_name,omitempty"`
	Note         string            `json:"note,omitempty"`
	IsDeleted    bool              `json:"is_deleted"`
	DeletedAt    *time.Time        `json:"deleted_at,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	Items        []TransactionItem `json:"items"`
}

// Margin is the gross margin of a sale (total minus cost basis).
func (t Transaction) Margin() decimal.Decimal {
	return t.TotalAmount.Sub(t.TotalCost)
}

type TransactionItem struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transaction_id"`
	ProductID     string          `json:"product_id"`
	ProductName   string          `json:"product_name"`
	Quantity      decimal.Decimal `json:"quantity"`
	SalePrice     decimal.Decimal `json:"sale_price"`
	CostPrice     decimal.Decimal `json:"cost_price"`
}

// Stored precision: quantities keep three decimal places, money two.
const (
	QuantityPlaces int32 = 3
	MoneyPlaces    int32 = 2
)

// FitsQuantity reports whether d is representable as a stored quantity.
func FitsQuantity(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(QuantityPlaces))
}

// FitsMoney reports whether d is representable as a stored amount.
func FitsMoney(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(MoneyPlaces))
}

func (i TransactionItem) LineTotal() decimal.Decimal {
	return i.Quantity.Mul(i.SalePrice).Round(MoneyPlaces)
}

func (i TransactionItem) LineCost() decimal.Decimal {
	return i.Quantity.Mul(i.CostPrice).Round(MoneyPlaces)
}

type TransactionItemInput struct {
	ProductID string           `json:"product_id" validate:"required"`
	Quantity  decimal.Decimal  `json:"quantity"`
	SalePrice *decimal.Decimal `json:"sale_price,omitempty"`
	CostPrice *decimal.Decimal `json:"cost_price,omitempty"`
}

type TransactionCreateRequest struct {
	ShopID       string                 `json:"-"`
	CreatedBy    string                 `json:"-"`
	Type         TransactionType        `json:"transaction_type" validate:"required,oneof=income expense"`
	Category     string                 `json:"category" validate:"required,max=100"`
	Status       string                 `json:"status" validate:"max=50"`
	Amount       decimal.Decimal        `json:"amount"`
	CustomerName string                 `json:"customer_name" validate:"max=200"`
	Note         string                 `json:"note" validate:"max=1000"`
	Items        []TransactionItemInput `json:"items" validate:"dive"`
}

type TransactionUpdateRequest struct {
	Type         *TransactionType        `json:"transaction_type,omitempty" validate:"omitempty,oneof=income expense"`
	Category     *string                 `json:"category,omitempty" validate:"omitempty,max=100"`
	Status       *string                 `json:"status,omitempty" validate:"omitempty,max=50"`
	Amount       *decimal.Decimal        `json:"amount,omitempty"`
	CustomerName *string                 `json:"customer_name,omitempty"`
	Note         *string                 `json:"note,omitempty"`
	Items        *[]TransactionItemInput `json:"items,omitempty"`
}

// TransactionFilter is the persistence-level filter. From is inclusive and
// To exclusive; Limit 0 means no limit.
type TransactionFilter struct {
	ShopID      string
	Category    string
	Type        TransactionType
	Status      string
	Query       string
	From        *time.Time
	To          *time.Time
	ShowDeleted bool
	Limit       int
	Offset      int
}

type TransactionListRequest struct {
	ShopID      string
	Category    string
	Type        TransactionType
	Status      string
	Query       string
	StartDate   string
	EndDate     string
	ShowDeleted bool
	Page        int
	PerPage     int
}

type TransactionPage struct {
	Items      []Transaction `json:"items"`
	Page       int           `json:"page"`
	PerPage    int           `json:"per_page"`
	Total      int           `json:"total"`
	TotalPages int           `json:"total_pages"`
}

type CashFlowMonth struct {
	ID           string          `json:"id,omitempty"`
	ShopID       string          `json:"shop_id"`
	Year         int             `json:"year"`
	Month        int             `json:"month"`
	TotalInflow  decimal.Decimal `json:"total_inflow"`
	TotalOutflow decimal.Decimal `json:"total_outflow"`
	Balance      decimal.Decimal `json:"balance"`
	CreatedAt    time.Time       `json:"created_at,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at,omitempty"`
	Entries      []CashFlowEntry `json:"entries"`
}

func (m CashFlowMonth) Period() string {
	return PeriodToken(m.Year, m.Month)
}

func PeriodToken(year int, month int) string {
	return fmt.Sprintf("%04d-%02d", year, month)
}

type CashFlowEntry struct {
	ID            string          `json:"id"`
	CashFlowID    string          `json:"cash_flow_id"`
	ShopID        string          `json:"shop_id"`
	TransactionID *string         `json:"transaction_id,omitempty"`
	Kind          EntryKind       `json:"kind"`
	Amount        decimal.Decimal `json:"amount"`
	Category      string          `json:"category"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Note          string          `json:"note,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// CashFlowEntryRequest records a cash movement that has no source
// transaction, such as opening capital or an owner withdrawal.
type CashFlowEntryRequest struct {
	Kind       EntryKind       `json:"kind" validate:"required,oneof=inflow outflow"`
	Amount     decimal.Decimal `json:"amount"`
	Category   string          `json:"category" validate:"required,max=100"`
	OccurredAt *time.Time      `json:"occurred_at,omitempty"`
	Note       string          `json:"note" validate:"max=1000"`
}

type DebtSummary struct {
	ShopID       string          `json:"shop_id"`
	TotalHutang  decimal.Decimal `json:"total_hutang"`
	TotalPiutang decimal.Decimal `json:"total_piutang"`
	HutangCount  int             `json:"hutang_count"`
	PiutangCount int             `json:"piutang_count"`
}

type DebtDetail struct {
	ShopID  string        `json:"shop_id"`
	Hutang  []Transaction `json:"hutang"`
	Piutang []Transaction `json:"piutang"`
}

// DebtSnapshot is keyed by (shop, calendar day). Date is that day at UTC
// midnight regardless of the shop time zone.
type DebtSnapshot struct {
	ID           string               `json:"id"`
	ShopID       string               `json:"shop_id"`
	Date         time.Time            `json:"date"`
	TotalHutang  decimal.Decimal      `json:"total_hutang"`
	TotalPiutang decimal.Decimal      `json:"total_piutang"`
	HutangCount  int                  `json:"hutang_count"`
	PiutangCount int                  `json:"piutang_count"`
	GeneratedAt  time.Time            `json:"generated_at"`
	Details      []DebtSnapshotDetail `json:"details,omitempty"`
}

type DebtSnapshotDetail struct {
	ID            string          `json:"id"`
	SnapshotID    string          `json:"snapshot_id"`
	TransactionID string          `json:"transaction_id"`
	Kind          DebtKind        `json:"kind"`
	Amount        decimal.Decimal `json:"amount"`
	Category      string          `json:"category"`
	CustomerName  string          `json:"customer_name,omitempty"`
	TransactionAt time.Time       `json:"transaction_at"`
}

type SnapshotFailure struct {
	Date  string `json:"date"`
	Error string `json:"error"`
}

type SnapshotRun struct {
	ShopID    string            `json:"shop_id"`
	StartDate string            `json:"start_date"`
	EndDate   string            `json:"end_date"`
	Snapshots []DebtSnapshot    `json:"snapshots"`
	Failed    []SnapshotFailure `json:"failed,omitempty"`
}

type SnapshotPage struct {
	Items      []DebtSnapshot `json:"items"`
	Page       int            `json:"page"`
	PerPage    int            `json:"per_page"`
	Total      int            `json:"total"`
	TotalPages int            `json:"total_pages"`
}

type NamedTotal struct {
	Name  string          `json:"name"`
	Total decimal.Decimal `json:"total"`
}

type IncomeExpenseReport struct {
	ShopID       string          `json:"shop_id"`
	StartDate    string          `json:"start_date"`
	EndDate      string          `json:"end_date"`
	Income       []NamedTotal    `json:"income"`
	Expense      []NamedTotal    `json:"expense"`
	TotalIncome  decimal.Decimal `json:"total_income"`
	TotalExpense decimal.Decimal `json:"total_expense"`
	Net          decimal.Decimal `json:"net"`
}

type LowStockEvent struct {
	ShopID      string          `json:"shop_id"`
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	Stock       decimal.Decimal `json:"stock"`
	Threshold   decimal.Decimal `json:"threshold"`
	At          time.Time       `json:"at"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ShopID      string `json:"shop_id"`
	ExpiresAt   string `json:"expires_at"`
}

// Actor is the pre-validated caller identity: one user acting inside one shop.
type Actor struct {
	UserID   string
	Username string
	ShopID   string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	ID        string
	Username  string
	Password  string
	ShopID    string
	Role      string
	Active    bool
	CreatedAt time.Time
}

const (
	RoleOwner = "owner"
	RoleStaff = "staff"
)
