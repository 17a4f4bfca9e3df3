package debt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokokas/backend/internal/domain"
	"tokokas/backend/internal/store"
	"tokokas/backend/internal/store/memory"
)

var (
	jakarta   = time.FixedZone("WIB", 7*60*60)
	fixedNow  = time.Date(2025, 3, 20, 12, 0, 0, 0, time.UTC)
	clockFunc = func() time.Time { return fixedNow }
)

func insert(t *testing.T, repo *memory.Store, txs ...domain.Transaction) {
	t.Helper()
	require.NoError(t, repo.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		for _, row := range txs {
			if err := tx.InsertTransaction(ctx, row); err != nil {
				return err
			}
		}
		return nil
	}))
}

func unpaid(id string, txType domain.TransactionType, amount int64, at time.Time) domain.Transaction {
	return domain.Transaction{
		ID:          id,
		ShopID:      "shop-a",
		Type:        txType,
		Category:    "Lain-lain",
		TotalAmount: decimal.NewFromInt(amount),
		Amount:      decimal.NewFromInt(amount),
		Status:      domain.StatusUnpaid,
		CreatedAt:   at,
	}
}

func TestSummaryEmptyShopIsZero(t *testing.T) {
	r := NewReporter(memory.New(), jakarta, clockFunc)

	summary, err := r.Summary(context.Background(), "shop-a")
	require.NoError(t, err)
	assert.True(t, summary.TotalHutang.IsZero())
	assert.True(t, summary.TotalPiutang.IsZero())
	assert.Zero(t, summary.HutangCount)
	assert.Zero(t, summary.PiutangCount)
}

func TestSummaryCountsOnlyOpenUnpaid(t *testing.T) {
	repo := memory.New()
	at := time.Date(2025, 3, 4, 3, 0, 0, 0, time.UTC)
	paid := unpaid("aaa003", domain.TypeIncome, 999, at)
	paid.Status = domain.StatusPaid
	deleted := unpaid("aaa004", domain.TypeExpense, 777, at)
	deleted.IsDeleted = true
	insert(t, repo,
		unpaid("aaa001", domain.TypeExpense, 50000, at),
		unpaid("aaa002", domain.TypeIncome, 30000, at),
		paid,
		deleted,
	)

	summary, err := NewReporter(repo, jakarta, clockFunc).Summary(context.Background(), "shop-a")
	require.NoError(t, err)
	assert.True(t, summary.TotalHutang.Equal(decimal.NewFromInt(50000)))
	assert.True(t, summary.TotalPiutang.Equal(decimal.NewFromInt(30000)))
	assert.Equal(t, 1, summary.HutangCount)
	assert.Equal(t, 1, summary.PiutangCount)
}

func TestDetailBoundsAreInclusiveShopDays(t *testing.T) {
	repo := memory.New()
	insert(t, repo,
		// 2025-03-03 23:30 WIB
		unpaid("aaa001", domain.TypeExpense, 100, time.Date(2025, 3, 3, 16, 30, 0, 0, time.UTC)),
		// 2025-03-04 00:30 WIB
		unpaid("aaa002", domain.TypeExpense, 200, time.Date(2025, 3, 3, 17, 30, 0, 0, time.UTC)),
		// 2025-03-05 23:00 WIB
		unpaid("aaa003", domain.TypeIncome, 300, time.Date(2025, 3, 5, 16, 0, 0, 0, time.UTC)),
		// 2025-03-06 00:10 WIB
		unpaid("aaa004", domain.TypeIncome, 400, time.Date(2025, 3, 5, 17, 10, 0, 0, time.UTC)),
	)
	r := NewReporter(repo, jakarta, clockFunc)

	start := time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC)
	detail, err := r.Detail(context.Background(), "shop-a", &start, &end)
	require.NoError(t, err)
	require.Len(t, detail.Hutang, 1)
	assert.Equal(t, "aaa002", detail.Hutang[0].ID)
	require.Len(t, detail.Piutang, 1)
	assert.Equal(t, "aaa003", detail.Piutang[0].ID)

	all, err := r.Detail(context.Background(), "shop-a", nil, nil)
	require.NoError(t, err)
	require.Len(t, all.Hutang, 2)
	assert.Equal(t, "aaa002", all.Hutang[0].ID)
	assert.Equal(t, "aaa001", all.Hutang[1].ID)
}

func TestGenerateSnapshotsIsIdempotent(t *testing.T) {
	repo := memory.New()
	insert(t, repo,
		unpaid("aaa001", domain.TypeExpense, 50000, time.Date(2025, 3, 4, 2, 0, 0, 0, time.UTC)),
		unpaid("aaa002", domain.TypeIncome, 30000, time.Date(2025, 3, 4, 5, 0, 0, 0, time.UTC)),
		unpaid("aaa003", domain.TypeIncome, 12000, time.Date(2025, 3, 6, 5, 0, 0, 0, time.UTC)),
	)
	r := NewReporter(repo, jakarta, clockFunc)
	start := time.Date(2025, 3, 6, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC)

	first, err := r.GenerateSnapshots(context.Background(), "shop-a", start, end)
	require.NoError(t, err)
	assert.Equal(t, "2025-03-04", first.StartDate)
	assert.Equal(t, "2025-03-06", first.EndDate)
	require.Len(t, first.Snapshots, 3)

	second, err := r.GenerateSnapshots(context.Background(), "shop-a", start, end)
	require.NoError(t, err)
	require.Len(t, second.Snapshots, 3)

	for i := range first.Snapshots {
		a, b := first.Snapshots[i], second.Snapshots[i]
		assert.Equal(t, a.ID, b.ID)
		assert.True(t, a.Date.Equal(b.Date))
		assert.True(t, a.TotalHutang.Equal(b.TotalHutang))
		assert.True(t, a.TotalPiutang.Equal(b.TotalPiutang))
		assert.Equal(t, a.HutangCount, b.HutangCount)
		assert.Equal(t, a.PiutangCount, b.PiutangCount)
		require.Len(t, b.Details, len(a.Details))
		for j := range a.Details {
			assert.Equal(t, a.Details[j].TransactionID, b.Details[j].TransactionID)
			assert.True(t, a.Details[j].Amount.Equal(b.Details[j].Amount))
		}
	}

	day4 := first.Snapshots[0]
	assert.True(t, day4.TotalHutang.Equal(decimal.NewFromInt(50000)))
	assert.True(t, day4.TotalPiutang.Equal(decimal.NewFromInt(30000)))
	assert.Len(t, day4.Details, 2)
	assert.Zero(t, first.Snapshots[1].HutangCount+first.Snapshots[1].PiutangCount)

	page, err := r.ListSnapshots(context.Background(), "shop-a", 1, 0, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, DefaultPerPage, page.PerPage)
}

func TestGenerateSnapshotsRejectsHugeRange(t *testing.T) {
	r := NewReporter(memory.New(), jakarta, clockFunc)
	_, err := r.GenerateSnapshots(context.Background(), "shop-a",
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	assert.ErrorIs(t, err, store.ErrValidation)
}

type failingDayRepo struct {
	*memory.Store
	failDate string
}

func (r *failingDayRepo) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return r.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return fn(ctx, &failingDayTx{Tx: tx, failDate: r.failDate})
	})
}

type failingDayTx struct {
	store.Tx
	failDate string
}

var errDiskFull = errors.New("disk full")

func (t *failingDayTx) ReplaceDebtSnapshot(ctx context.Context, snap domain.DebtSnapshot) (*domain.DebtSnapshot, error) {
	if FormatDay(snap.Date) == t.failDate {
		return nil, errDiskFull
	}
	return t.Tx.ReplaceDebtSnapshot(ctx, snap)
}

func TestGenerateSnapshotsContinuesAfterFailedDay(t *testing.T) {
	repo := &failingDayRepo{Store: memory.New(), failDate: "2025-03-05"}
	r := NewReporter(repo, jakarta, clockFunc)

	run, err := r.GenerateSnapshots(context.Background(), "shop-a",
		time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC), time.Date(2025, 3, 6, 0, 0, 0, 0, time.UTC))
	require.Error(t, err)
	assert.ErrorIs(t, err, errDiskFull)
	require.NotNil(t, run)
	require.Len(t, run.Failed, 1)
	assert.Equal(t, "2025-03-05", run.Failed[0].Date)
	require.Len(t, run.Snapshots, 2)
	assert.Equal(t, "2025-03-04", FormatDay(run.Snapshots[0].Date))
	assert.Equal(t, "2025-03-06", FormatDay(run.Snapshots[1].Date))

	page, err := r.ListSnapshots(context.Background(), "shop-a", 1, 10, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
}

type cancelAfterFirstDayRepo struct {
	*memory.Store
	cancel context.CancelFunc
}

func (r *cancelAfterFirstDayRepo) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	err := r.Store.WithTx(ctx, fn)
	r.cancel()
	return err
}

func TestGenerateSnapshotsReportsDaysLeftByCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	repo := &cancelAfterFirstDayRepo{Store: memory.New(), cancel: cancel}
	r := NewReporter(repo, jakarta, clockFunc)

	run, err := r.GenerateSnapshots(ctx, "shop-a",
		time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC), time.Date(2025, 3, 7, 0, 0, 0, 0, time.UTC))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, run)
	require.Len(t, run.Snapshots, 1)
	assert.Equal(t, "2025-03-04", FormatDay(run.Snapshots[0].Date))

	failed := make([]string, 0, len(run.Failed))
	for _, f := range run.Failed {
		failed = append(failed, f.Date)
		assert.Equal(t, context.Canceled.Error(), f.Error)
	}
	assert.Equal(t, []string{"2025-03-05", "2025-03-06", "2025-03-07"}, failed)
}

func TestListSnapshotsClampsOutOfRangePage(t *testing.T) {
	repo := memory.New()
	r := NewReporter(repo, jakarta, clockFunc)
	_, err := r.GenerateSnapshots(context.Background(), "shop-a",
		time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	page, err := r.ListSnapshots(context.Background(), "shop-a", 9, 2, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, 3, page.TotalPages)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "2025-03-05", FormatDay(page.Items[0].Date))
	assert.Equal(t, "2025-03-04", FormatDay(page.Items[1].Date))

	start := time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
	ranged, err := r.ListSnapshots(context.Background(), "shop-a", 1, 10, &start, &end)
	require.NoError(t, err)
	assert.Equal(t, 2, ranged.Total)
}

func TestParseDay(t *testing.T) {
	day, err := ParseDay("2025-03-04")
	require.NoError(t, err)
	assert.Equal(t, "2025-03-04", FormatDay(day))

	_, err = ParseDay("04/03/2025")
	assert.ErrorIs(t, err, store.ErrValidation)
}
