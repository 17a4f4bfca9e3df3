package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"tokokas/backend/internal/domain"
	"tokokas/backend/internal/store"
)

// Store keeps everything in process. WithTx runs against a private copy of
// the state and swaps it in on success, so a failed unit leaves nothing
// behind. One mutex serializes all units.
type Store struct {
	mu    sync.RWMutex
	state *state
}

type state struct {
	products     map[string]domain.Product
	transactions map[string]domain.Transaction
	months       map[string]domain.CashFlowMonth
	entries      []domain.CashFlowEntry
	snapshots    map[string]domain.DebtSnapshot
	users        map[string]domain.UserAccount
}

var _ store.Repository = (*Store)(nil)

func New() *Store {
	return &Store{state: newState()}
}

func newState() *state {
	return &state{
		products:     make(map[string]domain.Product),
		transactions: make(map[string]domain.Transaction),
		months:       make(map[string]domain.CashFlowMonth),
		entries:      make([]domain.CashFlowEntry, 0, 64),
		snapshots:    make(map[string]domain.DebtSnapshot),
		users:        make(map[string]domain.UserAccount),
	}
}

func (s *state) clone() *state {
	dup := &state{
		products:     make(map[string]domain.Product, len(s.products)),
		transactions: make(map[string]domain.Transaction, len(s.transactions)),
		months:       make(map[string]domain.CashFlowMonth, len(s.months)),
		entries:      slices.Clone(s.entries),
		snapshots:    make(map[string]domain.DebtSnapshot, len(s.snapshots)),
		users:        make(map[string]domain.UserAccount, len(s.users)),
	}
	for k, v := range s.products {
		dup.products[k] = v
	}
	for k, v := range s.transactions {
		dup.transactions[k] = cloneTransaction(v)
	}
	for k, v := range s.months {
		dup.months[k] = v
	}
	for k, v := range s.snapshots {
		dup.snapshots[k] = cloneSnapshot(v)
	}
	for k, v := range s.users {
		dup.users[k] = v
	}
	return dup
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(ctx, &txView{state: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (s *Store) ListProducts(_ context.Context, shopID string) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.state.products))
	for _, p := range s.state.products {
		if p.ShopID != shopID {
			continue
		}
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Name == b.Name {
			return cmp.Compare(a.ID, b.ID)
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return products, nil
}

func (s *Store) GetProduct(_ context.Context, shopID string, productID string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.state.products[productID]
	if !ok || product.ShopID != shopID {
		return nil, store.ErrNotFound
	}
	return &product, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.state.products[product.ID]; exists {
		return nil, fmt.Errorf("product %s: %w", product.ID, store.ErrDuplicateID)
	}
	s.state.products[product.ID] = product
	created := product
	return &created, nil
}

func (s *Store) FindTransactionByID(_ context.Context, shopID string, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.state.transactions[id]
	if !ok || tx.ShopID != shopID {
		return nil, store.ErrNotFound
	}
	dup := cloneTransaction(tx)
	return &dup, nil
}

func (s *Store) ListTransactions(_ context.Context, filter domain.TransactionFilter) ([]domain.Transaction, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]domain.Transaction, 0, 32)
	for _, tx := range s.state.transactions {
		if matchesFilter(tx, filter) {
			matched = append(matched, tx)
		}
	}
	sortNewestFirst(matched)

	total := len(matched)
	page := paginate(matched, filter.Limit, filter.Offset)
	out := make([]domain.Transaction, 0, len(page))
	for _, tx := range page {
		out = append(out, cloneTransaction(tx))
	}
	return out, total, nil
}

func (s *Store) GetCashFlowMonth(_ context.Context, shopID string, year int, month int) (*domain.CashFlowMonth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.state.months[monthKey(shopID, year, month)]
	if !ok {
		return nil, store.ErrNotFound
	}
	row.Entries = make([]domain.CashFlowEntry, 0, 8)
	for _, entry := range s.state.entries {
		if entry.CashFlowID == row.ID {
			row.Entries = append(row.Entries, entry)
		}
	}
	slices.SortStableFunc(row.Entries, func(a, b domain.CashFlowEntry) int {
		if c := b.OccurredAt.Compare(a.OccurredAt); c != 0 {
			return c
		}
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return &row, nil
}

func (s *Store) ListCashFlowPeriods(_ context.Context, shopID string) ([]domain.CashFlowMonth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	periods := make([]domain.CashFlowMonth, 0, 12)
	for _, row := range s.state.months {
		if row.ShopID == shopID {
			periods = append(periods, row)
		}
	}
	slices.SortFunc(periods, func(a, b domain.CashFlowMonth) int {
		if a.Year != b.Year {
			return cmp.Compare(b.Year, a.Year)
		}
		return cmp.Compare(b.Month, a.Month)
	})
	return periods, nil
}

func (s *Store) ListDebtSnapshots(_ context.Context, filter store.SnapshotFilter) ([]domain.DebtSnapshot, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var from, to string
	if filter.From != nil {
		from = dateKey(*filter.From)
	}
	if filter.To != nil {
		to = dateKey(*filter.To)
	}

	matched := make([]domain.DebtSnapshot, 0, 16)
	for _, snap := range s.state.snapshots {
		if snap.ShopID != filter.ShopID {
			continue
		}
		day := dateKey(snap.Date)
		if from != "" && day < from {
			continue
		}
		if to != "" && day > to {
			continue
		}
		matched = append(matched, snap)
	}
	slices.SortFunc(matched, func(a, b domain.DebtSnapshot) int {
		return cmp.Compare(dateKey(b.Date), dateKey(a.Date))
	})

	total := len(matched)
	page := paginate(matched, filter.Limit, filter.Offset)
	out := make([]domain.DebtSnapshot, 0, len(page))
	for _, snap := range page {
		out = append(out, cloneSnapshot(snap))
	}
	return out, total, nil
}

func (s *Store) ListShopIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, p := range s.state.products {
		seen[p.ShopID] = struct{}{}
	}
	for _, tx := range s.state.transactions {
		seen[tx.ShopID] = struct{}{}
	}
	for _, u := range s.state.users {
		seen[u.ShopID] = struct{}{}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		if id != "" {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *Store) FindUser(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.state.users[strings.ToLower(strings.TrimSpace(username))]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &user, nil
}

// CreateUser registers an account. Password must already be a bcrypt hash.
func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(strings.TrimSpace(user.Username))
	if key == "" || user.ShopID == "" {
		return store.Invalid("username and shop are required")
	}
	if _, exists := s.state.users[key]; exists {
		return fmt.Errorf("user %s: %w", key, store.ErrDuplicateID)
	}
	user.Username = key
	s.state.users[key] = user
	return nil
}

func matchesFilter(tx domain.Transaction, filter domain.TransactionFilter) bool {
	if tx.ShopID != filter.ShopID {
		return false
	}
	if tx.IsDeleted && !filter.ShowDeleted {
		return false
	}
	if filter.Category != "" && !strings.EqualFold(tx.Category, filter.Category) {
		return false
	}
	if filter.Type != "" && tx.Type != filter.Type {
		return false
	}
	if filter.Status != "" && domain.NormalizeStatus(tx.Status) != domain.NormalizeStatus(filter.Status) {
		return false
	}
	if filter.From != nil && tx.CreatedAt.Before(*filter.From) {
		return false
	}
	if filter.To != nil && !tx.CreatedAt.Before(*filter.To) {
		return false
	}
	if q := strings.ToLower(strings.TrimSpace(filter.Query)); q != "" {
		haystack := []string{tx.ID, tx.Category, tx.CustomerName, tx.Note}
		found := false
		for _, field := range haystack {
			if strings.Contains(strings.ToLower(field), q) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func sortNewestFirst(items []domain.Transaction) {
	slices.SortFunc(items, func(a, b domain.Transaction) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
}

func paginate[T any](items []T, limit int, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func monthKey(shopID string, year int, month int) string {
	return fmt.Sprintf("%s|%s", shopID, domain.PeriodToken(year, month))
}

func snapshotKey(shopID string, date string) string {
	return shopID + "|" + date
}

func dateKey(t time.Time) string {
	return t.Format("2006-01-02")
}

func cloneTransaction(src domain.Transaction) domain.Transaction {
	dup := src
	dup.Items = slices.Clone(src.Items)
	if src.DeletedAt != nil {
		deletedAt := *src.DeletedAt
		dup.DeletedAt = &deletedAt
	}
	return dup
}

func cloneSnapshot(src domain.DebtSnapshot) domain.DebtSnapshot {
	dup := src
	dup.Details = slices.Clone(src.Details)
	return dup
}
