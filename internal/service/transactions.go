package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"tokokas/backend/internal/debt"
	"tokokas/backend/internal/domain"
	"tokokas/backend/internal/inventory"
	"tokokas/backend/internal/store"
)

const (
	maxIDChecks    = 8
	maxUnitRetries = 3

	defaultTransactionsPerPage = 20
	maxTransactionsPerPage     = 100
)

// CreateTransaction validates the request, then in one unit generates an id,
// applies stock for every line, stores the transaction and posts it to the
// ledger when it is created paid.
func (s *Service) CreateTransaction(ctx context.Context, req domain.TransactionCreateRequest) (_ domain.Transaction, err error) {
	ctx, span := s.startSpan(ctx, "CreateTransaction")
	defer func() { endSpan(span, err) }()

	actor, err := s.actor(ctx)
	if err != nil {
		return domain.Transaction{}, err
	}
	req.ShopID = actor.ShopID
	req.CreatedBy = actor.UserID
	span.SetAttributes(attribute.String("shop_id", req.ShopID))

	kind, err := validateCreate(&req)
	if err != nil {
		s.failed(ctx, "transaction.create", req.ShopID, err)
		return domain.Transaction{}, err
	}

	var (
		created     domain.Transaction
		adjustments []inventory.Adjustment
	)
	for attempt := 1; ; attempt++ {
		err = s.repo.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			var err error
			created, adjustments, err = s.createInTx(ctx, tx, req, kind)
			return err
		})
		if !errors.Is(err, store.ErrDuplicateID) {
			break
		}
		if attempt >= maxUnitRetries {
			err = fmt.Errorf("%w: id collided on insert %d times", store.ErrIDGeneration, attempt)
			break
		}
		s.logger.Warn("transaction id collided on insert, retrying",
			zap.String("shop_id", req.ShopID),
			zap.Int("attempt", attempt))
	}
	if err != nil {
		s.failed(ctx, "transaction.create", req.ShopID, err)
		return domain.Transaction{}, err
	}

	span.SetAttributes(attribute.String("transaction_id", created.ID))
	s.logger.Info("transaction created",
		zap.String("shop_id", created.ShopID),
		zap.String("transaction_id", created.ID),
		zap.String("kind", string(created.Kind)),
		zap.String("status", created.Status),
		zap.String("amount", created.Amount.String()))
	s.committed(ctx, "transaction.create", created.ShopID, created.ID, adjustments)
	return created, nil
}

func validateCreate(req *domain.TransactionCreateRequest) (domain.TransactionKind, error) {
	req.Category = strings.TrimSpace(req.Category)
	req.CustomerName = strings.TrimSpace(req.CustomerName)
	req.Note = strings.TrimSpace(req.Note)

	if !req.Type.Valid() {
		return "", store.Invalidf("unknown transaction type %q", req.Type)
	}
	if req.Category == "" {
		return "", store.Invalid("category is required")
	}
	kind, ok := domain.ClassifyTransaction(req.Type, req.Category)
	if !ok {
		return "", store.Invalidf("category %q cannot be recorded as %s", req.Category, req.Type)
	}
	if kind.MovesStock() && len(req.Items) == 0 {
		return "", store.Invalid("at least one item required")
	}
	if err := validateItems(req.Items); err != nil {
		return "", err
	}
	if len(req.Items) == 0 && !req.Amount.IsPositive() {
		return "", store.Invalid("amount must be greater than zero")
	}
	if len(req.Items) == 0 && !domain.FitsMoney(req.Amount) {
		return "", store.Invalid("amount allows at most 2 decimal places")
	}

	if strings.TrimSpace(req.Status) == "" {
		req.Status = domain.StatusPaid
	} else {
		req.Status = domain.NormalizeStatus(req.Status)
	}
	return kind, nil
}

func validateItems(items []domain.TransactionItemInput) error {
	for i, item := range items {
		if strings.TrimSpace(item.ProductID) == "" {
			return store.Invalidf("item %d: product_id is required", i+1)
		}
		if !item.Quantity.IsPositive() {
			return store.Invalidf("item %d: quantity must be greater than zero", i+1)
		}
		if !domain.FitsQuantity(item.Quantity) {
			return store.Invalidf("item %d: quantity allows at most 3 decimal places", i+1)
		}
		if item.SalePrice != nil && (item.SalePrice.IsNegative() || !domain.FitsMoney(*item.SalePrice)) {
			return store.Invalidf("item %d: sale_price must be non-negative with at most 2 decimal places", i+1)
		}
		if item.CostPrice != nil && (item.CostPrice.IsNegative() || !domain.FitsMoney(*item.CostPrice)) {
			return store.Invalidf("item %d: cost_price must be non-negative with at most 2 decimal places", i+1)
		}
	}
	return nil
}

func (s *Service) createInTx(ctx context.Context, tx store.Tx, req domain.TransactionCreateRequest, kind domain.TransactionKind) (domain.Transaction, []inventory.Adjustment, error) {
	now := s.now().UTC()

	id, err := s.generateTransactionID(ctx, tx)
	if err != nil {
		return domain.Transaction{}, nil, err
	}

	items, err := s.buildItems(ctx, tx, req.ShopID, id, req.Items)
	if err != nil {
		return domain.Transaction{}, nil, err
	}

	adjustments, err := s.stock.ApplyLines(ctx, tx, req.ShopID, inventory.LinesFromItems(items), inventory.Direction(kind), now)
	if err != nil {
		return domain.Transaction{}, nil, err
	}

	t := domain.Transaction{
		ID:           id,
		ShopID:       req.ShopID,
		CreatedBy:    req.CreatedBy,
		Type:         req.Type,
		Category:     req.Category,
		Kind:         kind,
		Status:       req.Status,
		CustomerName: req.CustomerName,
		Note:         req.Note,
		CreatedAt:    now,
		UpdatedAt:    now,
		Items:        items,
	}
	setTotals(&t, req.Amount)

	if err := tx.InsertTransaction(ctx, t); err != nil {
		return domain.Transaction{}, nil, err
	}
	if domain.IsPaidStatus(t.Status) {
		if _, err := s.book.Post(ctx, tx, t, now); err != nil {
			return domain.Transaction{}, nil, fmt.Errorf("post transaction %s: %w", t.ID, err)
		}
	}
	return t, adjustments, nil
}

func (s *Service) generateTransactionID(ctx context.Context, tx store.Tx) (string, error) {
	for i := 0; i < maxIDChecks; i++ {
		id, err := s.newTxID()
		if err != nil {
			return "", fmt.Errorf("%w: %v", store.ErrIDGeneration, err)
		}
		exists, err := tx.TransactionIDExists(ctx, id)
		if err != nil {
			return "", fmt.Errorf("check transaction id: %w", err)
		}
		if !exists {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: %d consecutive collisions", store.ErrIDGeneration, maxIDChecks)
}

// buildItems resolves every referenced product and snapshots its prices.
// Products are locked in id order, matching inventory.ApplyLines.
func (s *Service) buildItems(ctx context.Context, tx store.Tx, shopID string, transactionID string, inputs []domain.TransactionItemInput) ([]domain.TransactionItem, error) {
	if len(inputs) == 0 {
		return []domain.TransactionItem{}, nil
	}

	ids := make([]string, 0, len(inputs))
	for _, in := range inputs {
		ids = append(ids, strings.TrimSpace(in.ProductID))
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)

	products := make(map[string]*domain.Product, len(ids))
	for _, id := range ids {
		p, err := tx.GetProductForUpdate(ctx, shopID, id)
		if err != nil {
			return nil, fmt.Errorf("product %s: %w", id, err)
		}
		products[id] = p
	}

	items := make([]domain.TransactionItem, 0, len(inputs))
	for _, in := range inputs {
		p := products[strings.TrimSpace(in.ProductID)]
		item := domain.TransactionItem{
			ID:            uuid.NewString(),
			TransactionID: transactionID,
			ProductID:     p.ID,
			ProductName:   p.Name,
			Quantity:      in.Quantity,
			SalePrice:     p.SalePrice,
			CostPrice:     p.CostPrice,
		}
		if in.SalePrice != nil {
			item.SalePrice = *in.SalePrice
		}
		if in.CostPrice != nil {
			item.CostPrice = *in.CostPrice
		}
		items = append(items, item)
	}
	return items, nil
}

// setTotals derives the stored totals. Itemized transactions are worth the
// sum of their lines; the rest carry the caller's amount.
func setTotals(t *domain.Transaction, amount decimal.Decimal) {
	if len(t.Items) == 0 {
		t.TotalAmount = amount
		t.TotalCost = decimal.Zero
		t.Amount = amount
		return
	}
	total, cost := decimal.Zero, decimal.Zero
	for _, item := range t.Items {
		total = total.Add(item.LineTotal())
		cost = cost.Add(item.LineCost())
	}
	t.TotalAmount = total
	t.TotalCost = cost
	t.Amount = total
}

// UpdateTransaction applies the provided fields only. Replacing items
// recomputes the stored totals but never touches stock. The ledger is posted
// when the status moves into paid, at most once per transaction.
func (s *Service) UpdateTransaction(ctx context.Context, id string, req domain.TransactionUpdateRequest) (_ domain.Transaction, err error) {
	ctx, span := s.startSpan(ctx, "UpdateTransaction", attribute.String("transaction_id", id))
	defer func() { endSpan(span, err) }()

	actor, err := s.actor(ctx)
	if err != nil {
		return domain.Transaction{}, err
	}
	id = strings.TrimSpace(id)

	var (
		updated domain.Transaction
		posted  bool
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		current, err := tx.GetTransactionForUpdate(ctx, actor.ShopID, id)
		if err != nil {
			return err
		}
		if current.IsDeleted {
			return store.ErrNotFound
		}

		wasPaid := domain.IsPaidStatus(current.Status)
		next, replaceItems, err := s.applyUpdate(ctx, tx, *current, req)
		if err != nil {
			return err
		}
		next.UpdatedAt = s.now().UTC()
		if err := tx.UpdateTransaction(ctx, next, replaceItems); err != nil {
			return err
		}

		if !wasPaid && domain.IsPaidStatus(next.Status) {
			// A transaction that went back to unpaid keeps its first entry.
			already, err := tx.TransactionPosted(ctx, next.ID)
			if err != nil {
				return err
			}
			if !already {
				if _, err := s.book.Post(ctx, tx, next, next.UpdatedAt); err != nil {
					return fmt.Errorf("post transaction %s: %w", next.ID, err)
				}
				posted = true
			}
		}
		updated = next
		return nil
	})
	if err != nil {
		s.failed(ctx, "transaction.update", actor.ShopID, err, zap.String("transaction_id", id))
		return domain.Transaction{}, err
	}

	s.logger.Info("transaction updated",
		zap.String("shop_id", updated.ShopID),
		zap.String("transaction_id", updated.ID),
		zap.String("status", updated.Status),
		zap.Bool("posted", posted))
	s.committed(ctx, "transaction.update", updated.ShopID, updated.ID, nil)
	return updated, nil
}

func (s *Service) applyUpdate(ctx context.Context, tx store.Tx, t domain.Transaction, req domain.TransactionUpdateRequest) (domain.Transaction, bool, error) {
	if req.Type != nil || req.Category != nil {
		txType, category := t.Type, t.Category
		if req.Type != nil {
			txType = *req.Type
		}
		if req.Category != nil {
			category = strings.TrimSpace(*req.Category)
		}
		if !txType.Valid() {
			return t, false, store.Invalidf("unknown transaction type %q", txType)
		}
		if category == "" {
			return t, false, store.Invalid("category is required")
		}
		kind, ok := domain.ClassifyTransaction(txType, category)
		if !ok {
			return t, false, store.Invalidf("category %q cannot be recorded as %s", category, txType)
		}
		if kind != t.Kind && (kind.MovesStock() || t.Kind.MovesStock()) {
			return t, false, store.Invalidf("a %s transaction cannot become %s", t.Kind, kind)
		}
		t.Type, t.Category, t.Kind = txType, category, kind
	}

	if req.Status != nil {
		status := domain.NormalizeStatus(*req.Status)
		if status == "" {
			return t, false, store.Invalid("status must not be empty")
		}
		t.Status = status
	}
	if req.CustomerName != nil {
		t.CustomerName = strings.TrimSpace(*req.CustomerName)
	}
	if req.Note != nil {
		t.Note = strings.TrimSpace(*req.Note)
	}

	replaceItems := false
	if req.Items != nil {
		if t.Kind.MovesStock() && len(*req.Items) == 0 {
			return t, false, store.Invalid("at least one item required")
		}
		if err := validateItems(*req.Items); err != nil {
			return t, false, err
		}
		items, err := s.buildItems(ctx, tx, t.ShopID, t.ID, *req.Items)
		if err != nil {
			return t, false, err
		}
		t.Items = items
		replaceItems = true
	}

	amount := t.Amount
	if req.Amount != nil {
		if len(t.Items) > 0 {
			return t, false, store.Invalid("amount is derived from items and cannot be set")
		}
		if !req.Amount.IsPositive() {
			return t, false, store.Invalid("amount must be greater than zero")
		}
		if !domain.FitsMoney(*req.Amount) {
			return t, false, store.Invalid("amount allows at most 2 decimal places")
		}
		amount = *req.Amount
	}
	if replaceItems || req.Amount != nil {
		setTotals(&t, amount)
	}
	return t, replaceItems, nil
}

// MarkTransactionPaid is UpdateTransaction with status Lunas.
func (s *Service) MarkTransactionPaid(ctx context.Context, id string) (domain.Transaction, error) {
	status := domain.StatusPaid
	return s.UpdateTransaction(ctx, id, domain.TransactionUpdateRequest{Status: &status})
}

// DeleteTransaction soft-deletes a transaction and reverses its stock effect.
// The ledger posting stays in place.
func (s *Service) DeleteTransaction(ctx context.Context, id string) (_ domain.Transaction, err error) {
	ctx, span := s.startSpan(ctx, "DeleteTransaction", attribute.String("transaction_id", id))
	defer func() { endSpan(span, err) }()

	actor, err := s.actor(ctx)
	if err != nil {
		return domain.Transaction{}, err
	}
	id = strings.TrimSpace(id)

	var (
		deleted     domain.Transaction
		adjustments []inventory.Adjustment
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		current, err := tx.GetTransactionForUpdate(ctx, actor.ShopID, id)
		if err != nil {
			return err
		}
		if current.IsDeleted {
			return store.ErrNotFound
		}

		now := s.now().UTC()
		reverse := -inventory.Direction(current.Kind)
		adjustments, err = s.stock.ApplyLines(ctx, tx, actor.ShopID, inventory.LinesFromItems(current.Items), reverse, now)
		if err != nil {
			return fmt.Errorf("reverse stock for %s: %w", id, err)
		}
		if err := tx.MarkTransactionDeleted(ctx, actor.ShopID, id, now); err != nil {
			return err
		}

		deleted = *current
		deleted.IsDeleted = true
		deleted.DeletedAt = &now
		deleted.UpdatedAt = now
		return nil
	})
	if err != nil {
		s.failed(ctx, "transaction.delete", actor.ShopID, err, zap.String("transaction_id", id))
		return domain.Transaction{}, err
	}

	s.logger.Info("transaction deleted",
		zap.String("shop_id", deleted.ShopID),
		zap.String("transaction_id", deleted.ID),
		zap.Int("stock_reversals", len(adjustments)))
	s.committed(ctx, "transaction.delete", deleted.ShopID, deleted.ID, adjustments)
	return deleted, nil
}

func (s *Service) GetTransaction(ctx context.Context, id string, includeDeleted bool) (domain.Transaction, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return domain.Transaction{}, err
	}
	t, err := s.repo.FindTransactionByID(ctx, actor.ShopID, strings.TrimSpace(id))
	if err != nil {
		return domain.Transaction{}, err
	}
	if t.IsDeleted && !includeDeleted {
		return domain.Transaction{}, store.ErrNotFound
	}
	return *t, nil
}

// ListTransactions pages the shop's transactions newest first. Start and end
// dates are inclusive shop-local days.
func (s *Service) ListTransactions(ctx context.Context, req domain.TransactionListRequest) (domain.TransactionPage, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return domain.TransactionPage{}, err
	}

	if req.PerPage <= 0 {
		req.PerPage = defaultTransactionsPerPage
	}
	if req.PerPage > maxTransactionsPerPage {
		req.PerPage = maxTransactionsPerPage
	}
	if req.Page < 1 {
		req.Page = 1
	}
	if req.Type != "" && !req.Type.Valid() {
		return domain.TransactionPage{}, store.Invalidf("unknown transaction type %q", req.Type)
	}

	filter := domain.TransactionFilter{
		ShopID:      actor.ShopID,
		Category:    strings.TrimSpace(req.Category),
		Type:        req.Type,
		Status:      domain.NormalizeStatus(req.Status),
		Query:       strings.TrimSpace(req.Query),
		ShowDeleted: req.ShowDeleted,
		Limit:       req.PerPage,
		Offset:      (req.Page - 1) * req.PerPage,
	}
	filter.From, filter.To, err = s.dayRange(req.StartDate, req.EndDate)
	if err != nil {
		return domain.TransactionPage{}, err
	}

	items, total, err := s.repo.ListTransactions(ctx, filter)
	if err != nil {
		return domain.TransactionPage{}, err
	}
	if items == nil {
		items = []domain.Transaction{}
	}
	totalPages := (total + req.PerPage - 1) / req.PerPage
	if totalPages == 0 {
		totalPages = 1
	}
	return domain.TransactionPage{
		Items:      items,
		Page:       req.Page,
		PerPage:    req.PerPage,
		Total:      total,
		TotalPages: totalPages,
	}, nil
}

// dayRange turns optional inclusive YYYY-MM-DD bounds into a half-open
// instant range in the shop time zone, swapping reversed bounds.
func (s *Service) dayRange(start string, end string) (*time.Time, *time.Time, error) {
	var from, to *time.Time
	if start = strings.TrimSpace(start); start != "" {
		day, err := debt.ParseDay(start)
		if err != nil {
			return nil, nil, err
		}
		t := s.localMidnight(day)
		from = &t
	}
	if end = strings.TrimSpace(end); end != "" {
		day, err := debt.ParseDay(end)
		if err != nil {
			return nil, nil, err
		}
		t := s.localMidnight(day).AddDate(0, 0, 1)
		to = &t
	}
	if from != nil && to != nil && !from.Before(*to) {
		lo := to.AddDate(0, 0, -1)
		hi := from.AddDate(0, 0, 1)
		from, to = &lo, &hi
	}
	return from, to, nil
}

func (s *Service) localMidnight(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, s.loc)
}
