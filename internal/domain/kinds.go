package domain

import "strings"

type TransactionType string

const (
	TypeIncome  TransactionType = "income"
	TypeExpense TransactionType = "expense"
)

func (t TransactionType) Valid() bool {
	return t == TypeIncome || t == TypeExpense
}

// TransactionKind is fixed when a transaction is created and drives both the
// stock direction and the ledger classification.
type TransactionKind string

const (
	KindSale         TransactionKind = "sale"
	KindPurchase     TransactionKind = "purchase"
	KindOtherIncome  TransactionKind = "other_income"
	KindOtherExpense TransactionKind = "other_expense"
)

// MovesStock reports whether the kind requires product line items.
func (k TransactionKind) MovesStock() bool {
	return k == KindSale || k == KindPurchase
}

var categoryKinds = map[string]TransactionKind{
	"penjualan produk": KindSale,
	"product sale":     KindSale,
	"penjualan":        KindSale,
	"pembelian stok":   KindPurchase,
	"stock purchase":   KindPurchase,
	"pembelian":        KindPurchase,
}

var kindTypes = map[TransactionKind]TransactionType{
	KindSale:     TypeIncome,
	KindPurchase: TypeExpense,
}

// ClassifyTransaction maps a caller-supplied category onto a kind. ok is false
// when the category names a stock movement that contradicts the type, e.g. a
// "Stock Purchase" recorded as income.
func ClassifyTransaction(txType TransactionType, category string) (TransactionKind, bool) {
	if kind, found := categoryKinds[strings.ToLower(strings.TrimSpace(category))]; found {
		return kind, kindTypes[kind] == txType
	}
	if txType == TypeIncome {
		return KindOtherIncome, true
	}
	return KindOtherExpense, true
}

type EntryKind string

const (
	EntryInflow  EntryKind = "inflow"
	EntryOutflow EntryKind = "outflow"
)

type DebtKind string

const (
	// DebtHutang is an unpaid expense: money the shop owes.
	DebtHutang DebtKind = "hutang"
	// DebtPiutang is an unpaid income: money owed to the shop.
	DebtPiutang DebtKind = "piutang"
)

const (
	StatusPaid   = "Lunas"
	StatusUnpaid = "Belum Lunas"
	StatusDraft  = "Draft"
)

var statusAliases = map[string]string{
	"lunas":       StatusPaid,
	"paid":        StatusPaid,
	"completed":   StatusPaid,
	"selesai":     StatusPaid,
	"belum lunas": StatusUnpaid,
	"unpaid":      StatusUnpaid,
	"draft":       StatusDraft,
}

// NormalizeStatus folds known aliases onto the canonical statuses. Unknown
// values are returned trimmed but otherwise verbatim; they are never posted.
func NormalizeStatus(status string) string {
	trimmed := strings.TrimSpace(status)
	if canonical, ok := statusAliases[strings.ToLower(trimmed)]; ok {
		return canonical
	}
	return trimmed
}

func IsPaidStatus(status string) bool {
	return NormalizeStatus(status) == StatusPaid
}

func IsUnpaidStatus(status string) bool {
	return NormalizeStatus(status) == StatusUnpaid
}
