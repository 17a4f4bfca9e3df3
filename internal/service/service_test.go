package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokokas/backend/internal/cache"
	"tokokas/backend/internal/domain"
	"tokokas/backend/internal/store"
	"tokokas/backend/internal/store/memory"
	"tokokas/backend/internal/telemetry"
)

const testShop = "shop-a"

var (
	jakarta = time.FixedZone("WIB", 7*60*60)
	// 2025-03-10 10:00 WIB
	fixedNow = time.Date(2025, 3, 10, 3, 0, 0, 0, time.UTC)
)

type recordingSink struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (r *recordingSink) Notify(_ context.Context, event telemetry.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingSink) ofType(eventType telemetry.EventType) []telemetry.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []telemetry.Event
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	svc        *Service
	repo       *memory.Store
	sink       *recordingSink
	dispatcher *telemetry.Dispatcher
}

func newFixture(t *testing.T, opts ...func(*Options)) *fixture {
	t.Helper()
	repo := memory.New()
	sink := &recordingSink{}
	dispatcher := telemetry.NewDispatcher(nil, sink)
	o := Options{
		Location:          jakarta,
		LowStockThreshold: decimal.NewFromInt(5),
		Telemetry:         dispatcher,
		Now:               func() time.Time { return fixedNow },
	}
	for _, fn := range opts {
		fn(&o)
	}
	return &fixture{svc: New(repo, o), repo: repo, sink: sink, dispatcher: dispatcher}
}

func ownerCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{UserID: "usr-1", Username: "pemilik", ShopID: testShop, Role: domain.RoleOwner})
}

func staffCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{UserID: "usr-2", Username: "kasir", ShopID: testShop, Role: domain.RoleStaff})
}

func dec(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

func (f *fixture) product(t *testing.T, name string, cost, price, stock int64) domain.Product {
	t.Helper()
	p, err := f.svc.CreateProduct(ownerCtx(), domain.ProductCreateRequest{
		Name:         name,
		CostPrice:    dec(cost),
		SalePrice:    dec(price),
		InitialStock: dec(stock),
	})
	require.NoError(t, err)
	return p
}

func (f *fixture) stockOf(t *testing.T, productID string) decimal.Decimal {
	t.Helper()
	p, err := f.svc.GetProduct(ownerCtx(), productID)
	require.NoError(t, err)
	return p.Stock
}

func (f *fixture) transactionCount(t *testing.T) int {
	t.Helper()
	_, total, err := f.repo.ListTransactions(context.Background(), domain.TransactionFilter{ShopID: testShop, ShowDeleted: true})
	require.NoError(t, err)
	return total
}

func sale(productID string, qty int64, status string) domain.TransactionCreateRequest {
	return domain.TransactionCreateRequest{
		Type:     domain.TypeIncome,
		Category: "Penjualan Produk",
		Status:   status,
		Items:    []domain.TransactionItemInput{{ProductID: productID, Quantity: dec(qty)}},
	}
}

func purchase(productID string, qty int64, status string) domain.TransactionCreateRequest {
	return domain.TransactionCreateRequest{
		Type:     domain.TypeExpense,
		Category: "Pembelian Stok",
		Status:   status,
		Items:    []domain.TransactionItemInput{{ProductID: productID, Quantity: dec(qty)}},
	}
}

func TestSaleThenDeleteScenario(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "Produk P", 5000, 8000, 10)

	created, err := f.svc.CreateTransaction(ownerCtx(), sale(p.ID, 3, "Lunas"))
	require.NoError(t, err)
	assert.Len(t, created.ID, 6)
	assert.Equal(t, domain.KindSale, created.Kind)
	assert.True(t, created.Amount.Equal(dec(24000)))
	assert.True(t, created.TotalCost.Equal(dec(15000)))
	assert.True(t, created.Margin().Equal(dec(9000)))
	require.Len(t, created.Items, 1)
	assert.True(t, created.Items[0].SalePrice.Equal(dec(8000)))
	assert.True(t, f.stockOf(t, p.ID).Equal(dec(7)))

	flow, err := f.svc.CashFlow(ownerCtx(), 2025, 3)
	require.NoError(t, err)
	require.Len(t, flow.Entries, 1)
	assert.Equal(t, domain.EntryInflow, flow.Entries[0].Kind)
	assert.True(t, flow.Entries[0].Amount.Equal(dec(24000)))
	assert.Equal(t, created.ID, *flow.Entries[0].TransactionID)

	deleted, err := f.svc.DeleteTransaction(ownerCtx(), created.ID)
	require.NoError(t, err)
	assert.True(t, deleted.IsDeleted)
	assert.True(t, f.stockOf(t, p.ID).Equal(dec(10)))

	flow, err = f.svc.CashFlow(ownerCtx(), 2025, 3)
	require.NoError(t, err)
	assert.Len(t, flow.Entries, 1)
	assert.True(t, flow.Balance.Equal(dec(24000)))
}

func TestItemPricesAreSnapshotted(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "Produk P", 5000, 8000, 10)
	override := dec(7500)

	req := sale(p.ID, 2, "Lunas")
	req.Items[0].SalePrice = &override
	created, err := f.svc.CreateTransaction(ownerCtx(), req)
	require.NoError(t, err)
	assert.True(t, created.Amount.Equal(dec(15000)))
	assert.True(t, created.Items[0].CostPrice.Equal(dec(5000)))
	assert.Equal(t, "Produk P", created.Items[0].ProductName)
}

func TestCreateSaleWithoutItemsFails(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "Produk P", 5000, 8000, 10)

	_, err := f.svc.CreateTransaction(ownerCtx(), domain.TransactionCreateRequest{
		Type:     domain.TypeIncome,
		Category: "Product Sale",
		Amount:   dec(1000),
	})
	require.ErrorIs(t, err, store.ErrValidation)
	assert.Contains(t, err.Error(), "at least one item required")
	assert.Zero(t, f.transactionCount(t))
	assert.True(t, f.stockOf(t, p.ID).Equal(dec(10)))
}

func TestCreateSaleInsufficientStockIsAtomic(t *testing.T) {
	f := newFixture(t)
	a := f.product(t, "A", 100, 200, 10)
	b := f.product(t, "B", 100, 200, 2)

	_, err := f.svc.CreateTransaction(ownerCtx(), domain.TransactionCreateRequest{
		Type:     domain.TypeIncome,
		Category: "Penjualan Produk",
		Status:   "Lunas",
		Items: []domain.TransactionItemInput{
			{ProductID: a.ID, Quantity: dec(4)},
			{ProductID: b.ID, Quantity: dec(3)},
		},
	})
	var insufficient *store.InsufficientStockError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, b.ID, insufficient.ProductID)
	assert.True(t, insufficient.Shortfall().Equal(dec(1)))
	assert.ErrorIs(t, err, store.ErrValidation)

	assert.True(t, f.stockOf(t, a.ID).Equal(dec(10)))
	assert.True(t, f.stockOf(t, b.ID).Equal(dec(2)))
	assert.Zero(t, f.transactionCount(t))

	months, err := f.svc.CashFlowMonths(ownerCtx())
	require.NoError(t, err)
	assert.Empty(t, months)
}

func TestCreateRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "P", 100, 200, 10)

	cases := map[string]domain.TransactionCreateRequest{
		"unknown type": {Type: "transfer", Category: "Lain", Amount: dec(10)},
		"no category":  {Type: domain.TypeExpense, Amount: dec(10)},
		"sale as expense": {
			Type: domain.TypeExpense, Category: "Penjualan Produk",
			Items: []domain.TransactionItemInput{{ProductID: p.ID, Quantity: dec(1)}},
		},
		"purchase as income": {
			Type: domain.TypeIncome, Category: "Stock Purchase",
			Items: []domain.TransactionItemInput{{ProductID: p.ID, Quantity: dec(1)}},
		},
		"zero quantity": {
			Type: domain.TypeIncome, Category: "Penjualan",
			Items: []domain.TransactionItemInput{{ProductID: p.ID, Quantity: decimal.Zero}},
		},
		"negative quantity": {
			Type: domain.TypeExpense, Category: "Pembelian",
			Items: []domain.TransactionItemInput{{ProductID: p.ID, Quantity: dec(-2)}},
		},
		"no amount": {Type: domain.TypeExpense, Category: "Listrik"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.CreateTransaction(ownerCtx(), req)
			assert.ErrorIs(t, err, store.ErrValidation)
		})
	}
	assert.Zero(t, f.transactionCount(t))
}

func TestDecimalPrecisionIsEnforced(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "Gula", 100, 200, 10)
	fine := decimal.RequireFromString("0.015")
	tooFine := decimal.RequireFromString("0.0015")
	cents := decimal.RequireFromString("1.001")

	t.Run("create transaction", func(t *testing.T) {
		cases := map[string]domain.TransactionCreateRequest{
			"quantity": {
				Type: domain.TypeIncome, Category: "Penjualan",
				Items: []domain.TransactionItemInput{{ProductID: p.ID, Quantity: tooFine}},
			},
			"sale price": {
				Type: domain.TypeIncome, Category: "Penjualan",
				Items: []domain.TransactionItemInput{{ProductID: p.ID, Quantity: dec(1), SalePrice: &cents}},
			},
			"cost price": {
				Type: domain.TypeExpense, Category: "Pembelian",
				Items: []domain.TransactionItemInput{{ProductID: p.ID, Quantity: dec(1), CostPrice: &cents}},
			},
			"amount": {Type: domain.TypeExpense, Category: "Listrik", Amount: cents},
		}
		for name, req := range cases {
			t.Run(name, func(t *testing.T) {
				_, err := f.svc.CreateTransaction(ownerCtx(), req)
				assert.ErrorIs(t, err, store.ErrValidation)
			})
		}
		assert.Zero(t, f.transactionCount(t))
		assert.True(t, f.stockOf(t, p.ID).Equal(dec(10)))
	})

	t.Run("update amount", func(t *testing.T) {
		created, err := f.svc.CreateTransaction(ownerCtx(), domain.TransactionCreateRequest{
			Type: domain.TypeExpense, Category: "Sewa", Status: "Belum Lunas", Amount: dec(50),
		})
		require.NoError(t, err)
		_, err = f.svc.UpdateTransaction(ownerCtx(), created.ID, domain.TransactionUpdateRequest{Amount: &cents})
		assert.ErrorIs(t, err, store.ErrValidation)
	})

	t.Run("product", func(t *testing.T) {
		_, err := f.svc.CreateProduct(ownerCtx(), domain.ProductCreateRequest{Name: "A", SalePrice: cents})
		assert.ErrorIs(t, err, store.ErrValidation)
		_, err = f.svc.CreateProduct(ownerCtx(), domain.ProductCreateRequest{Name: "A", InitialStock: tooFine})
		assert.ErrorIs(t, err, store.ErrValidation)
	})

	t.Run("stock opname", func(t *testing.T) {
		_, err := f.svc.StockOpname(ownerCtx(), domain.StockOpnameRequest{
			Items: []domain.StockOpnameItem{{ProductID: p.ID, CountedQty: tooFine}},
		})
		assert.ErrorIs(t, err, store.ErrValidation)
		assert.True(t, f.stockOf(t, p.ID).Equal(dec(10)))
	})

	t.Run("manual entry", func(t *testing.T) {
		_, err := f.svc.RecordCashFlowEntry(ownerCtx(), domain.CashFlowEntryRequest{
			Kind: domain.EntryInflow, Amount: cents, Category: "Modal",
		})
		assert.ErrorIs(t, err, store.ErrValidation)
	})

	t.Run("line totals round to cents", func(t *testing.T) {
		price := decimal.RequireFromString("333.33")
		created, err := f.svc.CreateTransaction(ownerCtx(), domain.TransactionCreateRequest{
			Type: domain.TypeIncome, Category: "Penjualan",
			Items: []domain.TransactionItemInput{{ProductID: p.ID, Quantity: fine, SalePrice: &price}},
		})
		require.NoError(t, err)
		// 0.015 x 333.33 = 4.99995
		assert.True(t, created.Amount.Equal(dec(5)), created.Amount.String())
		assert.True(t, domain.FitsMoney(created.TotalCost))
	})
}

func TestCreateUnknownProductIsNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateTransaction(ownerCtx(), sale("prd-ghost", 1, "Lunas"))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteTwiceIsNotFound(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "P", 100, 200, 10)

	created, err := f.svc.CreateTransaction(ownerCtx(), sale(p.ID, 4, "Lunas"))
	require.NoError(t, err)
	_, err = f.svc.DeleteTransaction(ownerCtx(), created.ID)
	require.NoError(t, err)
	require.True(t, f.stockOf(t, p.ID).Equal(dec(10)))

	_, err = f.svc.DeleteTransaction(ownerCtx(), created.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.True(t, f.stockOf(t, p.ID).Equal(dec(10)))

	_, err = f.svc.GetTransaction(ownerCtx(), created.ID, false)
	assert.ErrorIs(t, err, store.ErrNotFound)
	got, err := f.svc.GetTransaction(ownerCtx(), created.ID, true)
	require.NoError(t, err)
	assert.True(t, got.IsDeleted)
}

func TestDeletePurchaseAfterStockCountedDownFails(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "P", 100, 200, 0)

	bought, err := f.svc.CreateTransaction(ownerCtx(), purchase(p.ID, 5, "Lunas"))
	require.NoError(t, err)
	require.True(t, f.stockOf(t, p.ID).Equal(dec(5)))

	_, err = f.svc.StockOpname(ownerCtx(), domain.StockOpnameRequest{
		Items: []domain.StockOpnameItem{{ProductID: p.ID, CountedQty: dec(2)}},
	})
	require.NoError(t, err)

	_, err = f.svc.DeleteTransaction(ownerCtx(), bought.ID)
	require.ErrorIs(t, err, store.ErrValidation)
	assert.ErrorIs(t, err, store.ErrInsufficientStock)
	assert.True(t, f.stockOf(t, p.ID).Equal(dec(2)))

	still, err := f.svc.GetTransaction(ownerCtx(), bought.ID, false)
	require.NoError(t, err)
	assert.False(t, still.IsDeleted)
}

func TestStockFollowsNonDeletedTransactions(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "P", 100, 200, 10)

	type step struct {
		req      domain.TransactionCreateRequest
		signed   int64
		remove   bool
		mustFail bool
	}
	steps := []step{
		{req: sale(p.ID, 4, "Lunas"), signed: -4},
		{req: purchase(p.ID, 6, "Belum Lunas"), signed: 6},
		{req: sale(p.ID, 13, "Lunas"), mustFail: true},
		{req: sale(p.ID, 12, "Lunas"), signed: -12, remove: true},
		{req: sale(p.ID, 9, "Draft"), signed: -9},
		{req: purchase(p.ID, 2, "Lunas"), signed: 2, remove: true},
	}

	expected := int64(10)
	for i, st := range steps {
		created, err := f.svc.CreateTransaction(ownerCtx(), st.req)
		if st.mustFail {
			require.ErrorIs(t, err, store.ErrInsufficientStock, "step %d", i)
			continue
		}
		require.NoError(t, err, "step %d", i)
		if st.remove {
			_, err = f.svc.DeleteTransaction(ownerCtx(), created.ID)
			require.NoError(t, err, "step %d delete", i)
		} else {
			expected += st.signed
		}
		assert.False(t, f.stockOf(t, p.ID).IsNegative())
	}
	assert.True(t, f.stockOf(t, p.ID).Equal(dec(expected)), "want %d got %s", expected, f.stockOf(t, p.ID))
}

func TestConcurrentSalesNeverOverdraw(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "P", 100, 200, 10)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.CreateTransaction(staffCtx(), sale(p.ID, 1, "Lunas"))
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, store.ErrInsufficientStock)
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	assert.True(t, f.stockOf(t, p.ID).IsZero())
}

func TestMarkPaidPostsExactlyOnce(t *testing.T) {
	f := newFixture(t)

	created, err := f.svc.CreateTransaction(ownerCtx(), domain.TransactionCreateRequest{
		Type:     domain.TypeExpense,
		Category: "Listrik",
		Status:   "Belum Lunas",
		Amount:   dec(400),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.KindOtherExpense, created.Kind)

	flow, err := f.svc.CashFlow(ownerCtx(), 2025, 3)
	require.NoError(t, err)
	assert.Empty(t, flow.Entries)

	_, err = f.svc.MarkTransactionPaid(ownerCtx(), created.ID)
	require.NoError(t, err)

	note := "dibayar tunai"
	_, err = f.svc.UpdateTransaction(ownerCtx(), created.ID, domain.TransactionUpdateRequest{Note: &note})
	require.NoError(t, err)
	_, err = f.svc.MarkTransactionPaid(ownerCtx(), created.ID)
	require.NoError(t, err)

	flow, err = f.svc.CashFlow(ownerCtx(), 2025, 3)
	require.NoError(t, err)
	require.Len(t, flow.Entries, 1)
	assert.Equal(t, domain.EntryOutflow, flow.Entries[0].Kind)
	assert.True(t, flow.TotalOutflow.Equal(dec(400)))
	assert.True(t, flow.Balance.Equal(dec(-400)))
}

func TestPaidUnpaidPaidCyclePostsOnce(t *testing.T) {
	f := newFixture(t)

	created, err := f.svc.CreateTransaction(ownerCtx(), domain.TransactionCreateRequest{
		Type:     domain.TypeIncome,
		Category: "Jasa",
		Status:   "Lunas",
		Amount:   dec(1000),
	})
	require.NoError(t, err)

	unpaid := "Belum Lunas"
	reverted, err := f.svc.UpdateTransaction(ownerCtx(), created.ID, domain.TransactionUpdateRequest{Status: &unpaid})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusUnpaid, reverted.Status)

	_, err = f.svc.MarkTransactionPaid(ownerCtx(), created.ID)
	require.NoError(t, err)

	flow, err := f.svc.CashFlow(ownerCtx(), 2025, 3)
	require.NoError(t, err)
	require.Len(t, flow.Entries, 1)
	assert.True(t, flow.TotalInflow.Equal(dec(1000)))
	assert.True(t, flow.Balance.Equal(dec(1000)))
}

func TestIncomeAndExpenseSameMonth(t *testing.T) {
	f := newFixture(t)
	for _, req := range []domain.TransactionCreateRequest{
		{Type: domain.TypeIncome, Category: "Jasa", Status: "paid", Amount: dec(1000)},
		{Type: domain.TypeExpense, Category: "Sewa", Status: "completed", Amount: dec(400)},
	} {
		_, err := f.svc.CreateTransaction(ownerCtx(), req)
		require.NoError(t, err)
	}

	flow, err := f.svc.CashFlow(ownerCtx(), 2025, 3)
	require.NoError(t, err)
	assert.True(t, flow.TotalInflow.Equal(dec(1000)))
	assert.True(t, flow.TotalOutflow.Equal(dec(400)))
	assert.True(t, flow.Balance.Equal(dec(600)))
	assert.Len(t, flow.Entries, 2)

	empty, err := f.svc.CashFlow(ownerCtx(), 2024, 1)
	require.NoError(t, err)
	assert.True(t, empty.Balance.IsZero())
	assert.Empty(t, empty.Entries)

	_, err = f.svc.CashFlow(ownerCtx(), 2025, 0)
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestUpdateItemsLeavesStockAlone(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "P", 100, 200, 10)

	created, err := f.svc.CreateTransaction(ownerCtx(), sale(p.ID, 2, "Belum Lunas"))
	require.NoError(t, err)
	require.True(t, f.stockOf(t, p.ID).Equal(dec(8)))

	items := []domain.TransactionItemInput{{ProductID: p.ID, Quantity: dec(5)}}
	updated, err := f.svc.UpdateTransaction(ownerCtx(), created.ID, domain.TransactionUpdateRequest{Items: &items})
	require.NoError(t, err)
	assert.True(t, updated.Amount.Equal(dec(1000)))
	assert.True(t, f.stockOf(t, p.ID).Equal(dec(8)))

	_, err = f.svc.UpdateTransaction(ownerCtx(), created.ID, domain.TransactionUpdateRequest{Items: &[]domain.TransactionItemInput{}})
	assert.ErrorIs(t, err, store.ErrValidation)

	amount := dec(5)
	_, err = f.svc.UpdateTransaction(ownerCtx(), created.ID, domain.TransactionUpdateRequest{Amount: &amount})
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestUpdateCannotChangeStockKind(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "P", 100, 200, 10)

	created, err := f.svc.CreateTransaction(ownerCtx(), sale(p.ID, 1, "Lunas"))
	require.NoError(t, err)

	category := "Jasa"
	_, err = f.svc.UpdateTransaction(ownerCtx(), created.ID, domain.TransactionUpdateRequest{Category: &category})
	assert.ErrorIs(t, err, store.ErrValidation)

	other, err := f.svc.CreateTransaction(ownerCtx(), domain.TransactionCreateRequest{
		Type: domain.TypeIncome, Category: "Jasa", Status: "Draft", Amount: dec(50),
	})
	require.NoError(t, err)
	expense := domain.TypeExpense
	moved, err := f.svc.UpdateTransaction(ownerCtx(), other.ID, domain.TransactionUpdateRequest{Type: &expense})
	require.NoError(t, err)
	assert.Equal(t, domain.KindOtherExpense, moved.Kind)
}

func TestUpdateDeletedIsNotFound(t *testing.T) {
	f := newFixture(t)
	created, err := f.svc.CreateTransaction(ownerCtx(), domain.TransactionCreateRequest{
		Type: domain.TypeIncome, Category: "Jasa", Amount: dec(50),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, created.Status)
	_, err = f.svc.DeleteTransaction(ownerCtx(), created.ID)
	require.NoError(t, err)

	_, err = f.svc.MarkTransactionPaid(ownerCtx(), created.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDebtSummaryIsFreshAfterMarkingPaid(t *testing.T) {
	mr := miniredis.RunT(t)
	reportCache := cache.NewRedisReportCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	f := newFixture(t, func(o *Options) {
		o.Cache = reportCache
		o.CacheTTL = time.Hour
	})

	expense, err := f.svc.CreateTransaction(ownerCtx(), domain.TransactionCreateRequest{
		Type: domain.TypeExpense, Category: "Supplier", Status: "Belum Lunas", Amount: dec(50000),
	})
	require.NoError(t, err)
	income, err := f.svc.CreateTransaction(ownerCtx(), domain.TransactionCreateRequest{
		Type: domain.TypeIncome, Category: "Jasa", Status: "unpaid", Amount: dec(30000),
	})
	require.NoError(t, err)

	summary, err := f.svc.DebtSummary(ownerCtx())
	require.NoError(t, err)
	assert.True(t, summary.TotalHutang.Equal(dec(50000)))
	assert.True(t, summary.TotalPiutang.Equal(dec(30000)))
	assert.Equal(t, 1, summary.HutangCount)
	assert.Equal(t, 1, summary.PiutangCount)

	_, err = f.svc.MarkTransactionPaid(ownerCtx(), expense.ID)
	require.NoError(t, err)
	_, err = f.svc.MarkTransactionPaid(staffCtx(), income.ID)
	require.NoError(t, err)

	summary, err = f.svc.DebtSummary(ownerCtx())
	require.NoError(t, err)
	assert.True(t, summary.TotalHutang.IsZero())
	assert.True(t, summary.TotalPiutang.IsZero())
	assert.Zero(t, summary.HutangCount+summary.PiutangCount)
}

type flakyInvalidateCache struct {
	*cache.RedisReportCache
	fail atomic.Bool
}

func (c *flakyInvalidateCache) Invalidate(ctx context.Context, shopID string) error {
	if c.fail.Load() {
		return errors.New("redis: connection refused")
	}
	return c.RedisReportCache.Invalidate(ctx, shopID)
}

func TestReportsBypassCacheAfterFailedInvalidation(t *testing.T) {
	mr := miniredis.RunT(t)
	reportCache := &flakyInvalidateCache{
		RedisReportCache: cache.NewRedisReportCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()})),
	}
	f := newFixture(t, func(o *Options) {
		o.Cache = reportCache
		o.CacheTTL = time.Hour
	})

	summary, err := f.svc.DebtSummary(ownerCtx())
	require.NoError(t, err)
	assert.True(t, summary.TotalHutang.IsZero())

	reportCache.fail.Store(true)
	_, err = f.svc.CreateTransaction(ownerCtx(), domain.TransactionCreateRequest{
		Type: domain.TypeExpense, Category: "Supplier", Status: "Belum Lunas", Amount: dec(25000),
	})
	require.NoError(t, err)

	summary, err = f.svc.DebtSummary(ownerCtx())
	require.NoError(t, err)
	assert.True(t, summary.TotalHutang.Equal(dec(25000)))

	reportCache.fail.Store(false)
	summary, err = f.svc.DebtSummary(ownerCtx())
	require.NoError(t, err)
	assert.True(t, summary.TotalHutang.Equal(dec(25000)))

	version, err := reportCache.Version(context.Background(), testShop)
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
}

func TestDebtSnapshotsThroughService(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateTransaction(ownerCtx(), domain.TransactionCreateRequest{
		Type: domain.TypeExpense, Category: "Supplier", Status: "Belum Lunas", Amount: dec(50000),
	})
	require.NoError(t, err)

	_, err = f.svc.GenerateDebtSnapshots(staffCtx(), "2025-03-10", "2025-03-10")
	assert.ErrorIs(t, err, ErrForbidden)

	first, err := f.svc.GenerateDebtSnapshots(ownerCtx(), "2025-03-10", "2025-03-08")
	require.NoError(t, err)
	require.Len(t, first.Snapshots, 3)
	second, err := f.svc.GenerateDebtSnapshots(ownerCtx(), "2025-03-08", "2025-03-10")
	require.NoError(t, err)
	require.Len(t, second.Snapshots, 3)
	for i := range first.Snapshots {
		assert.Equal(t, first.Snapshots[i].ID, second.Snapshots[i].ID)
		assert.True(t, first.Snapshots[i].TotalHutang.Equal(second.Snapshots[i].TotalHutang))
	}
	assert.True(t, second.Snapshots[2].TotalHutang.Equal(dec(50000)))

	page, err := f.svc.ListDebtSnapshots(ownerCtx(), 7, 0, "", "")
	require.NoError(t, err)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, "2025-03-10", page.Items[0].Date.Format(time.DateOnly))

	_, err = f.svc.GenerateDebtSnapshots(ownerCtx(), "10-03-2025", "2025-03-10")
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestGenerateRecentSnapshotsCoversEveryShop(t *testing.T) {
	f := newFixture(t)
	other := WithActor(context.Background(), domain.Actor{UserID: "usr-9", ShopID: "shop-b", Role: domain.RoleOwner})
	for _, ctx := range []context.Context{ownerCtx(), other} {
		_, err := f.svc.CreateTransaction(ctx, domain.TransactionCreateRequest{
			Type: domain.TypeIncome, Category: "Jasa", Status: "Belum Lunas", Amount: dec(10),
		})
		require.NoError(t, err)
	}

	runs, err := f.svc.GenerateRecentSnapshots(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	for _, run := range runs {
		assert.Equal(t, "2025-03-09", run.StartDate)
		assert.Equal(t, "2025-03-10", run.EndDate)
		assert.Len(t, run.Snapshots, 2)
	}
}

func TestDebtDetailSplitsSides(t *testing.T) {
	f := newFixture(t)
	for _, req := range []domain.TransactionCreateRequest{
		{Type: domain.TypeExpense, Category: "Supplier", Status: "Belum Lunas", Amount: dec(100)},
		{Type: domain.TypeIncome, Category: "Jasa", Status: "Belum Lunas", Amount: dec(200)},
		{Type: domain.TypeIncome, Category: "Jasa", Status: "Lunas", Amount: dec(300)},
	} {
		_, err := f.svc.CreateTransaction(ownerCtx(), req)
		require.NoError(t, err)
	}

	detail, err := f.svc.DebtDetail(ownerCtx(), "2025-03-10", "2025-03-10")
	require.NoError(t, err)
	assert.Len(t, detail.Hutang, 1)
	assert.Len(t, detail.Piutang, 1)

	none, err := f.svc.DebtDetail(ownerCtx(), "2025-03-11", "")
	require.NoError(t, err)
	assert.Empty(t, none.Hutang)
	assert.Empty(t, none.Piutang)
}

func TestIncomeExpenseGroupsPaidByCategory(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "P", 100, 250, 10)
	for _, req := range []domain.TransactionCreateRequest{
		sale(p.ID, 2, "Lunas"),
		sale(p.ID, 1, "Lunas"),
		{Type: domain.TypeExpense, Category: "Listrik", Status: "Lunas", Amount: decimal.RequireFromString("1200.50")},
		{Type: domain.TypeExpense, Category: "Sewa", Status: "Lunas", Amount: dec(1000)},
		{Type: domain.TypeExpense, Category: "Sewa", Status: "Belum Lunas", Amount: dec(999)},
	} {
		_, err := f.svc.CreateTransaction(ownerCtx(), req)
		require.NoError(t, err)
	}

	report, err := f.svc.IncomeExpense(ownerCtx(), "2025-03-01", "2025-03-31")
	require.NoError(t, err)
	assert.Equal(t, "2025-03-01", report.StartDate)
	assert.Equal(t, "2025-03-31", report.EndDate)
	require.Len(t, report.Income, 1)
	assert.Equal(t, "Penjualan Produk", report.Income[0].Name)
	assert.True(t, report.TotalIncome.Equal(dec(750)))
	require.Len(t, report.Expense, 2)
	assert.Equal(t, "Listrik", report.Expense[0].Name)
	assert.True(t, report.TotalExpense.Equal(decimal.RequireFromString("2200.50")))
	assert.True(t, report.Net.Equal(decimal.RequireFromString("-1450.50")))
}

func TestListTransactionsFiltersAndPages(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		_, err := f.svc.CreateTransaction(ownerCtx(), domain.TransactionCreateRequest{
			Type: domain.TypeExpense, Category: "Operasional", Amount: dec(int64(10 + i)), Note: "bensin",
		})
		require.NoError(t, err)
	}
	_, err := f.svc.CreateTransaction(ownerCtx(), domain.TransactionCreateRequest{
		Type: domain.TypeIncome, Category: "Jasa", Amount: dec(99), CustomerName: "Bu Sari",
	})
	require.NoError(t, err)

	page, err := f.svc.ListTransactions(ownerCtx(), domain.TransactionListRequest{Type: domain.TypeExpense, PerPage: 2, Page: 3})
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	assert.Equal(t, 3, page.TotalPages)
	assert.Len(t, page.Items, 1)

	found, err := f.svc.ListTransactions(ownerCtx(), domain.TransactionListRequest{Query: "sari"})
	require.NoError(t, err)
	require.Equal(t, 1, found.Total)
	assert.Equal(t, "Jasa", found.Items[0].Category)

	ranged, err := f.svc.ListTransactions(ownerCtx(), domain.TransactionListRequest{StartDate: "2025-03-11"})
	require.NoError(t, err)
	assert.Zero(t, ranged.Total)

	_, err = f.svc.ListTransactions(ownerCtx(), domain.TransactionListRequest{EndDate: "kemarin"})
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestTransactionIDGenerationGivesUp(t *testing.T) {
	f := newFixture(t)
	f.svc.newTxID = func() (string, error) { return "abc123", nil }

	_, err := f.svc.CreateTransaction(ownerCtx(), domain.TransactionCreateRequest{
		Type: domain.TypeIncome, Category: "Jasa", Amount: dec(1),
	})
	require.NoError(t, err)

	_, err = f.svc.CreateTransaction(ownerCtx(), domain.TransactionCreateRequest{
		Type: domain.TypeIncome, Category: "Jasa", Amount: dec(1),
	})
	assert.ErrorIs(t, err, store.ErrIDGeneration)
	assert.Equal(t, 1, f.transactionCount(t))
}

func TestShopScoping(t *testing.T) {
	f := newFixture(t)
	created, err := f.svc.CreateTransaction(ownerCtx(), domain.TransactionCreateRequest{
		Type: domain.TypeIncome, Category: "Jasa", Amount: dec(1),
	})
	require.NoError(t, err)

	other := WithActor(context.Background(), domain.Actor{UserID: "x", ShopID: "shop-b", Role: domain.RoleOwner})
	_, err = f.svc.GetTransaction(other, created.ID, true)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.svc.DeleteTransaction(other, created.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = f.svc.ListProducts(context.Background())
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestOwnerOnlyOperations(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateProduct(staffCtx(), domain.ProductCreateRequest{Name: "X"})
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.StockOpname(staffCtx(), domain.StockOpnameRequest{})
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.RecordCashFlowEntry(staffCtx(), domain.CashFlowEntryRequest{})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestCreateProductValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateProduct(ownerCtx(), domain.ProductCreateRequest{Name: " "})
	assert.ErrorIs(t, err, store.ErrValidation)
	_, err = f.svc.CreateProduct(ownerCtx(), domain.ProductCreateRequest{Name: "A", SalePrice: dec(-1)})
	assert.ErrorIs(t, err, store.ErrValidation)
	_, err = f.svc.CreateProduct(ownerCtx(), domain.ProductCreateRequest{Name: "A", InitialStock: dec(-1)})
	assert.ErrorIs(t, err, store.ErrValidation)

	p := f.product(t, "Beras", 10000, 12000, 3)
	assert.Equal(t, "pcs", p.Unit)
	products, err := f.svc.ListProducts(staffCtx())
	require.NoError(t, err)
	assert.Len(t, products, 1)
}

func TestStockOpnameReportsDeltas(t *testing.T) {
	f := newFixture(t)
	a := f.product(t, "A", 1, 2, 10)
	b := f.product(t, "B", 1, 2, 4)

	resp, err := f.svc.StockOpname(ownerCtx(), domain.StockOpnameRequest{
		Notes: "hitung akhir bulan",
		Items: []domain.StockOpnameItem{
			{ProductID: a.ID, CountedQty: dec(7)},
			{ProductID: b.ID, CountedQty: dec(6)},
		},
	})
	require.NoError(t, err)
	require.Len(t, resp.Adjustments, 2)
	byID := map[string]domain.StockOpnameAdjustment{}
	for _, adj := range resp.Adjustments {
		byID[adj.ProductID] = adj
	}
	assert.True(t, byID[a.ID].DeltaQty.Equal(dec(-3)))
	assert.True(t, byID[b.ID].SystemQty.Equal(dec(4)))
	assert.True(t, byID[b.ID].DeltaQty.Equal(dec(2)))

	_, err = f.svc.StockOpname(ownerCtx(), domain.StockOpnameRequest{
		Items: []domain.StockOpnameItem{{ProductID: a.ID, CountedQty: dec(-1)}},
	})
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestManualCashFlowEntry(t *testing.T) {
	f := newFixture(t)
	entry, err := f.svc.RecordCashFlowEntry(ownerCtx(), domain.CashFlowEntryRequest{
		Kind: domain.EntryInflow, Amount: dec(500000), Category: "Modal Awal",
	})
	require.NoError(t, err)
	assert.Nil(t, entry.TransactionID)

	flow, err := f.svc.CashFlow(ownerCtx(), 2025, 3)
	require.NoError(t, err)
	assert.True(t, flow.TotalInflow.Equal(dec(500000)))

	months, err := f.svc.CashFlowMonths(ownerCtx())
	require.NoError(t, err)
	assert.Equal(t, []string{"2025-03"}, months)

	_, err = f.svc.RecordCashFlowEntry(ownerCtx(), domain.CashFlowEntryRequest{Kind: domain.EntryOutflow, Amount: dec(0), Category: "Prive"})
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestTelemetryAfterCommit(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "P", 100, 200, 8)

	created, err := f.svc.CreateTransaction(ownerCtx(), sale(p.ID, 3, "Lunas"))
	require.NoError(t, err)
	_, err = f.svc.CreateTransaction(ownerCtx(), sale(p.ID, 50, "Lunas"))
	require.Error(t, err)
	f.dispatcher.Wait()

	low := f.sink.ofType(telemetry.EventLowStock)
	require.Len(t, low, 1)
	assert.Equal(t, p.ID, low[0].LowStock.ProductID)
	assert.True(t, low[0].LowStock.Stock.Equal(dec(5)))

	success := f.sink.ofType(telemetry.EventSuccess)
	require.Len(t, success, 1)
	assert.Equal(t, created.ID, success[0].TransactionID)
	assert.Len(t, f.sink.ofType(telemetry.EventFailure), 1)
}

type panickingSink struct{}

func (panickingSink) Notify(context.Context, telemetry.Event) error {
	panic("sink exploded")
}

func TestTelemetryFailureNeverFailsOperation(t *testing.T) {
	dispatcher := telemetry.NewDispatcher(nil, panickingSink{})
	svc := New(memory.New(), Options{Telemetry: dispatcher, Now: func() time.Time { return fixedNow }})

	_, err := svc.CreateTransaction(ownerCtx(), domain.TransactionCreateRequest{
		Type: domain.TypeIncome, Category: "Jasa", Amount: dec(5),
	})
	require.NoError(t, err)
	dispatcher.Wait()
}
