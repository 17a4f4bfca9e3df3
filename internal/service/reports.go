package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"tokokas/backend/internal/debt"
	"tokokas/backend/internal/domain"
	"tokokas/backend/internal/ledger"
	"tokokas/backend/internal/store"
)

// CashFlow returns the month's aggregate with entries newest first. A month
// without postings is a zero aggregate.
func (s *Service) CashFlow(ctx context.Context, year int, month int) (_ domain.CashFlowMonth, err error) {
	ctx, span := s.startSpan(ctx, "CashFlow", attribute.Int("year", year), attribute.Int("month", month))
	defer func() { endSpan(span, err) }()

	actor, err := s.actor(ctx)
	if err != nil {
		return domain.CashFlowMonth{}, err
	}
	if month < 1 || month > 12 {
		return domain.CashFlowMonth{}, store.Invalidf("month must be between 1 and 12, got %d", month)
	}
	name := "cashflow:" + domain.PeriodToken(year, month)
	return cachedRead(ctx, s, actor.ShopID, name, func(ctx context.Context) (domain.CashFlowMonth, error) {
		m, err := s.book.Query(ctx, actor.ShopID, year, month)
		if err != nil {
			return domain.CashFlowMonth{}, err
		}
		return *m, nil
	})
}

// CurrentPeriod is the shop-local (year, month) of now.
func (s *Service) CurrentPeriod() (int, int) {
	return s.book.Period(s.now())
}

func (s *Service) CashFlowMonths(ctx context.Context) ([]string, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return nil, err
	}
	return cachedRead(ctx, s, actor.ShopID, "cashflow:months", func(ctx context.Context) ([]string, error) {
		return s.book.AvailableMonths(ctx, actor.ShopID)
	})
}

// RecordCashFlowEntry posts a manual inflow or outflow with no source
// transaction.
func (s *Service) RecordCashFlowEntry(ctx context.Context, req domain.CashFlowEntryRequest) (_ domain.CashFlowEntry, err error) {
	ctx, span := s.startSpan(ctx, "RecordCashFlowEntry")
	defer func() { endSpan(span, err) }()

	actor, err := s.owner(ctx)
	if err != nil {
		return domain.CashFlowEntry{}, err
	}

	entry := ledger.ManualEntry{
		ShopID:   actor.ShopID,
		Kind:     req.Kind,
		Amount:   req.Amount,
		Category: strings.TrimSpace(req.Category),
		Note:     strings.TrimSpace(req.Note),
	}
	if entry.Category == "" {
		return domain.CashFlowEntry{}, store.Invalid("category is required")
	}
	if req.OccurredAt != nil {
		entry.OccurredAt = req.OccurredAt.UTC()
	}

	var recorded *domain.CashFlowEntry
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		recorded, err = s.book.PostManual(ctx, tx, entry, s.now().UTC())
		return err
	})
	if err != nil {
		s.failed(ctx, "cashflow.entry", actor.ShopID, err)
		return domain.CashFlowEntry{}, err
	}

	s.logger.Info("manual cash flow entry recorded",
		zap.String("shop_id", actor.ShopID),
		zap.String("kind", string(recorded.Kind)),
		zap.String("amount", recorded.Amount.String()))
	s.committed(ctx, "cashflow.entry", actor.ShopID, "", nil)
	return *recorded, nil
}

func (s *Service) DebtSummary(ctx context.Context) (domain.DebtSummary, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return domain.DebtSummary{}, err
	}
	return cachedRead(ctx, s, actor.ShopID, "debt:summary", func(ctx context.Context) (domain.DebtSummary, error) {
		summary, err := s.debts.Summary(ctx, actor.ShopID)
		if err != nil {
			return domain.DebtSummary{}, err
		}
		return *summary, nil
	})
}

// DebtDetail lists unpaid transactions by side. Dates are optional
// YYYY-MM-DD strings, both inclusive.
func (s *Service) DebtDetail(ctx context.Context, startDate string, endDate string) (domain.DebtDetail, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return domain.DebtDetail{}, err
	}
	start, end, err := parseOptionalDays(startDate, endDate)
	if err != nil {
		return domain.DebtDetail{}, err
	}
	detail, err := s.debts.Detail(ctx, actor.ShopID, start, end)
	if err != nil {
		return domain.DebtDetail{}, err
	}
	return *detail, nil
}

// GenerateDebtSnapshots rebuilds the snapshots of an inclusive day range.
// The run is returned even when some days failed.
func (s *Service) GenerateDebtSnapshots(ctx context.Context, startDate string, endDate string) (domain.SnapshotRun, error) {
	actor, err := s.owner(ctx)
	if err != nil {
		return domain.SnapshotRun{}, err
	}
	start, err := debt.ParseDay(strings.TrimSpace(startDate))
	if err != nil {
		return domain.SnapshotRun{}, err
	}
	end, err := debt.ParseDay(strings.TrimSpace(endDate))
	if err != nil {
		return domain.SnapshotRun{}, err
	}
	return s.generateSnapshots(ctx, actor.ShopID, start, end)
}

func (s *Service) generateSnapshots(ctx context.Context, shopID string, start time.Time, end time.Time) (_ domain.SnapshotRun, err error) {
	ctx, span := s.startSpan(ctx, "GenerateDebtSnapshots", attribute.String("shop_id", shopID))
	defer func() { endSpan(span, err) }()

	run, err := s.debts.GenerateSnapshots(ctx, shopID, start, end)
	if run == nil {
		s.failed(ctx, "debt.snapshot", shopID, err)
		return domain.SnapshotRun{}, err
	}
	if err != nil {
		s.logger.Warn("debt snapshot run finished with failed days",
			zap.String("shop_id", shopID),
			zap.Int("failed", len(run.Failed)),
			zap.Int("generated", len(run.Snapshots)),
			zap.Error(err))
		s.telemetry.Failure(ctx, "debt.snapshot", shopID, err)
		return *run, err
	}
	s.logger.Info("debt snapshots generated",
		zap.String("shop_id", shopID),
		zap.String("start_date", run.StartDate),
		zap.String("end_date", run.EndDate),
		zap.Int("generated", len(run.Snapshots)))
	s.telemetry.Success(ctx, "debt.snapshot", shopID, "")
	return *run, nil
}

// GenerateRecentSnapshots runs the snapshot job for every known shop over
// [today - daysBack, today] in the shop time zone. A failing shop does not
// stop the others.
func (s *Service) GenerateRecentSnapshots(ctx context.Context, daysBack int) ([]domain.SnapshotRun, error) {
	if daysBack < 0 {
		daysBack = 0
	}
	shops, err := s.repo.ListShopIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list shops: %w", err)
	}

	today := debt.Day(s.now().In(s.loc))
	start := today.AddDate(0, 0, -daysBack)

	runs := make([]domain.SnapshotRun, 0, len(shops))
	var errs []error
	for _, shopID := range shops {
		run, err := s.generateSnapshots(ctx, shopID, start, today)
		if err != nil {
			errs = append(errs, fmt.Errorf("shop %s: %w", shopID, err))
		}
		if run.ShopID != "" {
			runs = append(runs, run)
		}
	}
	return runs, errors.Join(errs...)
}

func (s *Service) ListDebtSnapshots(ctx context.Context, page int, perPage int, startDate string, endDate string) (domain.SnapshotPage, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return domain.SnapshotPage{}, err
	}
	start, end, err := parseOptionalDays(startDate, endDate)
	if err != nil {
		return domain.SnapshotPage{}, err
	}
	result, err := s.debts.ListSnapshots(ctx, actor.ShopID, page, perPage, start, end)
	if err != nil {
		return domain.SnapshotPage{}, err
	}
	return *result, nil
}

// IncomeExpense groups the paid, non-deleted transactions of an inclusive
// day range by category. Totals are exact decimals; formatting is left to
// the exporter.
func (s *Service) IncomeExpense(ctx context.Context, startDate string, endDate string) (domain.IncomeExpenseReport, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return domain.IncomeExpenseReport{}, err
	}
	from, to, err := s.dayRange(startDate, endDate)
	if err != nil {
		return domain.IncomeExpenseReport{}, err
	}

	paid, _, err := s.repo.ListTransactions(ctx, domain.TransactionFilter{
		ShopID: actor.ShopID,
		Status: domain.StatusPaid,
		From:   from,
		To:     to,
	})
	if err != nil {
		return domain.IncomeExpenseReport{}, err
	}

	income := map[string]decimal.Decimal{}
	expense := map[string]decimal.Decimal{}
	for _, t := range paid {
		if t.Type == domain.TypeIncome {
			income[t.Category] = income[t.Category].Add(t.Amount)
		} else {
			expense[t.Category] = expense[t.Category].Add(t.Amount)
		}
	}

	report := domain.IncomeExpenseReport{
		ShopID:  actor.ShopID,
		Income:  namedTotals(income),
		Expense: namedTotals(expense),
	}
	if from != nil {
		report.StartDate = debt.FormatDay(from.In(s.loc))
	}
	if to != nil {
		report.EndDate = debt.FormatDay(to.In(s.loc).AddDate(0, 0, -1))
	}
	report.TotalIncome = sumTotals(report.Income)
	report.TotalExpense = sumTotals(report.Expense)
	report.Net = report.TotalIncome.Sub(report.TotalExpense)
	return report, nil
}

func namedTotals(m map[string]decimal.Decimal) []domain.NamedTotal {
	out := make([]domain.NamedTotal, 0, len(m))
	for name, total := range m {
		out = append(out, domain.NamedTotal{Name: name, Total: total})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func sumTotals(totals []domain.NamedTotal) decimal.Decimal {
	sum := decimal.Zero
	for _, t := range totals {
		sum = sum.Add(t.Total)
	}
	return sum
}

func parseOptionalDays(startDate string, endDate string) (*time.Time, *time.Time, error) {
	var start, end *time.Time
	if v := strings.TrimSpace(startDate); v != "" {
		day, err := debt.ParseDay(v)
		if err != nil {
			return nil, nil, err
		}
		start = &day
	}
	if v := strings.TrimSpace(endDate); v != "" {
		day, err := debt.ParseDay(v)
		if err != nil {
			return nil, nil, err
		}
		end = &day
	}
	return start, end, nil
}
