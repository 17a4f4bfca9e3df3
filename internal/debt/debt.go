// Package debt answers "hutang piutang" questions: what the shop owes on
// unpaid expenses and what it is owed on unpaid income. Everything is
// computed from transactions; stored snapshots are a per-day cache.
package debt

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

const (
	DefaultPerPage   = 10
	MaxPerPage       = 100
	MaxSnapshotRange = 366
)

// Repository is the subset of store.Repository the reporter reads and writes.
type Repository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error
	ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, int, error)
	ListDebtSnapshots(ctx context.Context, filter store.SnapshotFilter) ([]domain.DebtSnapshot, int, error)
}

type Reporter struct {
	repo Repository
	loc  *time.Location
	now  func() time.Time
}

func NewReporter(repo Repository, loc *time.Location, now func() time.Time) *Reporter {
	if loc == nil {
		loc = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	return &Reporter{repo: repo, loc: loc, now: now}
}

// KindFor maps a transaction type onto the side of the book it lands on when
// unpaid.
func KindFor(txType domain.TransactionType) domain.DebtKind {
	if txType == domain.TypeIncome {
		return domain.DebtPiutang
	}
	return domain.DebtHutang
}

// Summary totals every open unpaid transaction of the shop. An empty shop
// gives zeros.
func (r *Reporter) Summary(ctx context.Context, shopID string) (*domain.DebtSummary, error) {
	unpaid, _, err := r.repo.ListTransactions(ctx, domain.TransactionFilter{
		ShopID: shopID,
		Status: domain.StatusUnpaid,
	})
	if err != nil {
		return nil, fmt.Errorf("list unpaid transactions: %w", err)
	}

	summary := &domain.DebtSummary{
		ShopID:       shopID,
		TotalHutang:  decimal.Zero,
		TotalPiutang: decimal.Zero,
	}
	for _, tx := range unpaid {
		if KindFor(tx.Type) == domain.DebtPiutang {
			summary.TotalPiutang = summary.TotalPiutang.Add(tx.TotalAmount)
			summary.PiutangCount++
		} else {
			summary.TotalHutang = summary.TotalHutang.Add(tx.TotalAmount)
			summary.HutangCount++
		}
	}
	return summary, nil
}

// Detail lists unpaid transactions split by side, newest first. start and end
// are optional calendar days, both inclusive, in the shop time zone.
func (r *Reporter) Detail(ctx context.Context, shopID string, start *time.Time, end *time.Time) (*domain.DebtDetail, error) {
	filter := domain.TransactionFilter{ShopID: shopID, Status: domain.StatusUnpaid}
	if start != nil && end != nil && start.After(*end) {
		start, end = end, start
	}
	if start != nil {
		from := r.dayStart(*start)
		filter.From = &from
	}
	if end != nil {
		to := r.dayStart(*end).AddDate(0, 0, 1)
		filter.To = &to
	}

	unpaid, _, err := r.repo.ListTransactions(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list unpaid transactions: %w", err)
	}

	detail := &domain.DebtDetail{
		ShopID:  shopID,
		Hutang:  []domain.Transaction{},
		Piutang: []domain.Transaction{},
	}
	for _, tx := range unpaid {
		if KindFor(tx.Type) == domain.DebtPiutang {
			detail.Piutang = append(detail.Piutang, tx)
		} else {
			detail.Hutang = append(detail.Hutang, tx)
		}
	}
	return detail, nil
}

// GenerateSnapshots rebuilds the snapshot of every day in [start, end],
// swapping the bounds when needed. Each day is its own unit: a failed day is
// reported in the result and in the returned error while the remaining days
// still run. Days left unvisited by a cancelled context are reported failed.
func (r *Reporter) GenerateSnapshots(ctx context.Context, shopID string, start time.Time, end time.Time) (*domain.SnapshotRun, error) {
	first, last := Day(start), Day(end)
	if first.After(last) {
		first, last = last, first
	}
	days := int(last.Sub(first).Hours()/24) + 1
	if days > MaxSnapshotRange {
		return nil, store.Invalidf("snapshot range covers %d days, at most %d allowed", days, MaxSnapshotRange)
	}

	run := &domain.SnapshotRun{
		ShopID:    shopID,
		StartDate: FormatDay(first),
		EndDate:   FormatDay(last),
		Snapshots: make([]domain.DebtSnapshot, 0, days),
	}
	var errs []error
	for day := first; !day.After(last); day = day.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			for rest := day; !rest.After(last); rest = rest.AddDate(0, 0, 1) {
				run.Failed = append(run.Failed, domain.SnapshotFailure{Date: FormatDay(rest), Error: err.Error()})
			}
			errs = append(errs, err)
			break
		}
		snap, err := r.generateDay(ctx, shopID, day)
		if err != nil {
			run.Failed = append(run.Failed, domain.SnapshotFailure{Date: FormatDay(day), Error: err.Error()})
			errs = append(errs, fmt.Errorf("snapshot %s: %w", FormatDay(day), err))
			continue
		}
		run.Snapshots = append(run.Snapshots, *snap)
	}
	return run, errors.Join(errs...)
}

func (r *Reporter) generateDay(ctx context.Context, shopID string, day time.Time) (*domain.DebtSnapshot, error) {
	var stored *domain.DebtSnapshot
	err := r.repo.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		from := r.dayStart(day)
		unpaid, err := tx.ListUnpaidTransactions(ctx, shopID, from, from.AddDate(0, 0, 1))
		if err != nil {
			return fmt.Errorf("list unpaid transactions: %w", err)
		}

		snap := domain.DebtSnapshot{
			ID:           uuid.NewString(),
			ShopID:       shopID,
			Date:         day,
			TotalHutang:  decimal.Zero,
			TotalPiutang: decimal.Zero,
			GeneratedAt:  r.now().UTC(),
			Details:      make([]domain.DebtSnapshotDetail, 0, len(unpaid)),
		}
		for _, t := range unpaid {
			kind := KindFor(t.Type)
			if kind == domain.DebtPiutang {
				snap.TotalPiutang = snap.TotalPiutang.Add(t.TotalAmount)
				snap.PiutangCount++
			} else {
				snap.TotalHutang = snap.TotalHutang.Add(t.TotalAmount)
				snap.HutangCount++
			}
			snap.Details = append(snap.Details, domain.DebtSnapshotDetail{
				ID:            uuid.NewString(),
				TransactionID: t.ID,
				Kind:          kind,
				Amount:        t.TotalAmount,
				Category:      t.Category,
				CustomerName:  t.CustomerName,
				TransactionAt: t.CreatedAt,
			})
		}

		stored, err = tx.ReplaceDebtSnapshot(ctx, snap)
		return err
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// ListSnapshots pages stored snapshots newest day first. A page past the end
// falls back to page 1; perPage <= 0 means DefaultPerPage.
func (r *Reporter) ListSnapshots(ctx context.Context, shopID string, page int, perPage int, start *time.Time, end *time.Time) (*domain.SnapshotPage, error) {
	if perPage <= 0 {
		perPage = DefaultPerPage
	}
	if perPage > MaxPerPage {
		perPage = MaxPerPage
	}
	if page < 1 {
		page = 1
	}

	filter := store.SnapshotFilter{ShopID: shopID, Limit: perPage, Offset: (page - 1) * perPage}
	if start != nil && end != nil && start.After(*end) {
		start, end = end, start
	}
	if start != nil {
		from := Day(*start)
		filter.From = &from
	}
	if end != nil {
		to := Day(*end)
		filter.To = &to
	}

	items, total, err := r.repo.ListDebtSnapshots(ctx, filter)
	if err != nil {
		return nil, err
	}
	if page > 1 && filter.Offset >= total {
		page = 1
		filter.Offset = 0
		items, total, err = r.repo.ListDebtSnapshots(ctx, filter)
		if err != nil {
			return nil, err
		}
	}

	totalPages := (total + perPage - 1) / perPage
	if totalPages == 0 {
		totalPages = 1
	}
	if items == nil {
		items = []domain.DebtSnapshot{}
	}
	return &domain.SnapshotPage{
		Items:      items,
		Page:       page,
		PerPage:    perPage,
		Total:      total,
		TotalPages: totalPages,
	}, nil
}

func (r *Reporter) dayStart(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, r.loc)
}

// Day truncates t to its calendar day at UTC midnight, reading the date in
// t's own location.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func FormatDay(t time.Time) string {
	return t.Format(time.DateOnly)
}

// ParseDay reads a YYYY-MM-DD calendar day.
func ParseDay(s string) (time.Time, error) {
	day, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, store.Invalidf("invalid date %q, expected YYYY-MM-DD", s)
	}
	return day, nil
}
