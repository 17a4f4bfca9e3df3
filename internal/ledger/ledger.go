// Package ledger maintains the monthly cash-flow aggregate ("arus kas").
// Totals only ever accumulate; balance is derived from inflow and outflow on
// every write.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tokokas/backend/internal/domain"
	"tokokas/backend/internal/store"
)

// Reader is the read side the book needs.
type Reader interface {
	GetCashFlowMonth(ctx context.Context, shopID string, year int, month int) (*domain.CashFlowMonth, error)
	ListCashFlowPeriods(ctx context.Context, shopID string) ([]domain.CashFlowMonth, error)
}

type Book struct {
	reader Reader
	loc    *time.Location
}

func NewBook(reader Reader, loc *time.Location) *Book {
	if loc == nil {
		loc = time.UTC
	}
	return &Book{reader: reader, loc: loc}
}

// Period returns the shop-local (year, month) a timestamp belongs to.
func (b *Book) Period(t time.Time) (int, int) {
	local := t.In(b.loc)
	return local.Year(), int(local.Month())
}

func EntryKindFor(txType domain.TransactionType) domain.EntryKind {
	if txType == domain.TypeIncome {
		return domain.EntryInflow
	}
	return domain.EntryOutflow
}

// Apply adds amount to the side named by kind and recomputes the balance.
func Apply(m *domain.CashFlowMonth, kind domain.EntryKind, amount decimal.Decimal) {
	if kind == domain.EntryInflow {
		m.TotalInflow = m.TotalInflow.Add(amount)
	} else {
		m.TotalOutflow = m.TotalOutflow.Add(amount)
	}
	m.Balance = m.TotalInflow.Sub(m.TotalOutflow)
}

// Post records one entry for a paid transaction in the month of its
// created_at. Callers decide when a transaction qualifies; posting the same
// transaction twice counts it twice.
func (b *Book) Post(ctx context.Context, tx store.Tx, t domain.Transaction, at time.Time) (*domain.CashFlowEntry, error) {
	txID := t.ID
	return b.record(ctx, tx, domain.CashFlowEntry{
		ShopID:        t.ShopID,
		TransactionID: &txID,
		Kind:          EntryKindFor(t.Type),
		Amount:        t.Amount,
		Category:      t.Category,
		OccurredAt:    t.CreatedAt,
		Note:          t.Note,
	}, at)
}

// ManualEntry is a cash movement with no source transaction.
type ManualEntry struct {
	ShopID     string
	Kind       domain.EntryKind
	Amount     decimal.Decimal
	Category   string
	OccurredAt time.Time
	Note       string
}

func (b *Book) PostManual(ctx context.Context, tx store.Tx, m ManualEntry, at time.Time) (*domain.CashFlowEntry, error) {
	if m.Kind != domain.EntryInflow && m.Kind != domain.EntryOutflow {
		return nil, store.Invalidf("unknown entry kind %q", m.Kind)
	}
	if !m.Amount.IsPositive() {
		return nil, store.Invalid("amount must be greater than zero")
	}
	if !domain.FitsMoney(m.Amount) {
		return nil, store.Invalid("amount allows at most 2 decimal places")
	}
	if m.OccurredAt.IsZero() {
		m.OccurredAt = at
	}
	return b.record(ctx, tx, domain.CashFlowEntry{
		ShopID:     m.ShopID,
		Kind:       m.Kind,
		Amount:     m.Amount,
		Category:   m.Category,
		OccurredAt: m.OccurredAt,
		Note:       m.Note,
	}, at)
}

func (b *Book) record(ctx context.Context, tx store.Tx, entry domain.CashFlowEntry, at time.Time) (*domain.CashFlowEntry, error) {
	year, month := b.Period(entry.OccurredAt)
	row, err := tx.LockCashFlowMonth(ctx, entry.ShopID, year, month, at)
	if err != nil {
		return nil, fmt.Errorf("lock cash flow %s: %w", domain.PeriodToken(year, month), err)
	}

	entry.ID = uuid.NewString()
	entry.CashFlowID = row.ID
	entry.CreatedAt = at
	if err := tx.InsertCashFlowEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("insert cash flow entry: %w", err)
	}

	Apply(row, entry.Kind, entry.Amount)
	row.UpdatedAt = at
	if err := tx.SaveCashFlowTotals(ctx, *row); err != nil {
		return nil, fmt.Errorf("save cash flow totals: %w", err)
	}
	return &entry, nil
}

// Query returns the aggregate for a period with entries newest first. A
// period without postings yields a zero aggregate, not an error.
func (b *Book) Query(ctx context.Context, shopID string, year int, month int) (*domain.CashFlowMonth, error) {
	if month < 1 || month > 12 {
		return nil, store.Invalidf("month must be between 1 and 12, got %d", month)
	}
	if year < 1 {
		return nil, store.Invalidf("invalid year %d", year)
	}

	m, err := b.reader.GetCashFlowMonth(ctx, shopID, year, month)
	if errors.Is(err, store.ErrNotFound) {
		return &domain.CashFlowMonth{
			ShopID:       shopID,
			Year:         year,
			Month:        month,
			TotalInflow:  decimal.Zero,
			TotalOutflow: decimal.Zero,
			Balance:      decimal.Zero,
			Entries:      []domain.CashFlowEntry{},
		}, nil
	}
	if err != nil {
		return nil, err
	}
	if m.Entries == nil {
		m.Entries = []domain.CashFlowEntry{}
	}
	return m, nil
}

// AvailableMonths lists "YYYY-MM" tokens for periods with an aggregate,
// newest first.
func (b *Book) AvailableMonths(ctx context.Context, shopID string) ([]string, error) {
	periods, err := b.reader.ListCashFlowPeriods(ctx, shopID)
	if err != nil {
		return nil, err
	}
	tokens := make([]string, 0, len(periods))
	seen := make(map[string]struct{}, len(periods))
	for _, p := range periods {
		token := p.Period()
		if _, dup := seen[token]; dup {
			continue
		}
		seen[token] = struct{}{}
		tokens = append(tokens, token)
	}
	return tokens, nil
}
