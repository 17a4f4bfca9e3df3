package service

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tokokas/backend/internal/domain"
	"tokokas/backend/internal/inventory"
	"tokokas/backend/internal/store"
	"tokokas/backend/internal/xid"
)

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return nil, err
	}
	products, err := s.repo.ListProducts(ctx, actor.ShopID)
	if err != nil {
		return nil, err
	}
	if products == nil {
		products = []domain.Product{}
	}
	return products, nil
}

func (s *Service) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return domain.Product{}, err
	}
	p, err := s.repo.GetProduct(ctx, actor.ShopID, strings.TrimSpace(productID))
	if err != nil {
		return domain.Product{}, err
	}
	return *p, nil
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	actor, err := s.owner(ctx)
	if err != nil {
		return domain.Product{}, err
	}
	req.ShopID = actor.ShopID

	req.Name = strings.TrimSpace(req.Name)
	req.Unit = strings.TrimSpace(req.Unit)
	req.Category = strings.TrimSpace(req.Category)
	if req.Name == "" {
		return domain.Product{}, store.Invalid("name is required")
	}
	if req.CostPrice.IsNegative() || req.SalePrice.IsNegative() {
		return domain.Product{}, store.Invalid("prices must not be negative")
	}
	if req.InitialStock.IsNegative() {
		return domain.Product{}, store.Invalid("initial_stock must not be negative")
	}
	if !domain.FitsMoney(req.CostPrice) || !domain.FitsMoney(req.SalePrice) {
		return domain.Product{}, store.Invalid("prices allow at most 2 decimal places")
	}
	if !domain.FitsQuantity(req.InitialStock) {
		return domain.Product{}, store.Invalid("initial_stock allows at most 3 decimal places")
	}
	if req.Unit == "" {
		req.Unit = "pcs"
	}

	now := s.now().UTC()
	created, err := s.repo.CreateProduct(ctx, domain.Product{
		ID:        xid.New("prd"),
		ShopID:    req.ShopID,
		Name:      req.Name,
		CostPrice: req.CostPrice,
		SalePrice: req.SalePrice,
		Stock:     req.InitialStock,
		Unit:      req.Unit,
		Category:  req.Category,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		s.failed(ctx, "product.create", req.ShopID, err)
		return domain.Product{}, err
	}

	s.logger.Info("product created",
		zap.String("shop_id", created.ShopID),
		zap.String("product_id", created.ID),
		zap.String("stock", created.Stock.String()))
	return *created, nil
}

// StockOpname sets counted quantities after a physical count. Each product is
// moved by the difference through the stock keeper, so the counts land under
// the same row locks as sales and purchases.
func (s *Service) StockOpname(ctx context.Context, req domain.StockOpnameRequest) (domain.StockOpnameResponse, error) {
	actor, err := s.owner(ctx)
	if err != nil {
		return domain.StockOpnameResponse{}, err
	}
	req.ShopID = actor.ShopID

	if len(req.Items) == 0 {
		return domain.StockOpnameResponse{}, store.Invalid("at least one item required")
	}
	counted := make(map[string]decimal.Decimal, len(req.Items))
	for i, item := range req.Items {
		productID := strings.TrimSpace(item.ProductID)
		if productID == "" {
			return domain.StockOpnameResponse{}, store.Invalidf("item %d: product_id is required", i+1)
		}
		if item.CountedQty.IsNegative() {
			return domain.StockOpnameResponse{}, store.Invalidf("item %d: counted_qty must not be negative", i+1)
		}
		if !domain.FitsQuantity(item.CountedQty) {
			return domain.StockOpnameResponse{}, store.Invalidf("item %d: counted_qty allows at most 3 decimal places", i+1)
		}
		if _, dup := counted[productID]; dup {
			return domain.StockOpnameResponse{}, store.Invalidf("product %s counted twice", productID)
		}
		counted[productID] = item.CountedQty
	}
	ids := make([]string, 0, len(counted))
	for id := range counted {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	now := s.now().UTC()
	var (
		response    domain.StockOpnameResponse
		adjustments []inventory.Adjustment
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		response = domain.StockOpnameResponse{
			ShopID:      req.ShopID,
			Notes:       strings.TrimSpace(req.Notes),
			Adjustments: make([]domain.StockOpnameAdjustment, 0, len(ids)),
			CreatedAt:   now,
		}
		adjustments = adjustments[:0]
		for _, id := range ids {
			product, err := tx.GetProductForUpdate(ctx, req.ShopID, id)
			if err != nil {
				return fmt.Errorf("product %s: %w", id, err)
			}
			delta := counted[id].Sub(product.Stock)
			adj, err := s.stock.Adjust(ctx, tx, req.ShopID, id, delta, now)
			if err != nil {
				return err
			}
			adjustments = append(adjustments, adj)
			response.Adjustments = append(response.Adjustments, domain.StockOpnameAdjustment{
				ProductID:  id,
				SystemQty:  adj.Before,
				CountedQty: adj.After,
				DeltaQty:   adj.Delta,
			})
		}
		return nil
	})
	if err != nil {
		s.failed(ctx, "stock.opname", req.ShopID, err)
		return domain.StockOpnameResponse{}, err
	}

	s.logger.Info("stock opname applied",
		zap.String("shop_id", req.ShopID),
		zap.Int("products", len(response.Adjustments)))
	s.committed(ctx, "stock.opname", req.ShopID, "", adjustments)
	return response, nil
}
