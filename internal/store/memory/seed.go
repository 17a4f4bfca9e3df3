package memory

import (
	"os"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"tokokas/backend/internal/domain"
)

const DemoShopID = "toko-demo"

// NewSeeded returns a store with one demo shop, a small catalog and two
// accounts. Passwords come from SEED_OWNER_PASSWORD and SEED_STAFF_PASSWORD;
// dev defaults are used when unset. Never used when DATABASE_URL is set.
func NewSeeded(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := New()
	now := time.Now().UTC()

	for _, p := range []struct {
		id, name, unit, category string
		cost, price, stock       int64
	}{
		{"prd-mie-goreng", "Mie Goreng Instan", "pcs", "Makanan", 2800, 3500, 120},
		{"prd-telur", "Telur 1kg", "kg", "Sembako", 24000, 28000, 40},
		{"prd-gula", "Gula Pasir 1kg", "pcs", "Sembako", 15000, 17500, 30},
		{"prd-kopi-sachet", "Kopi Sachet", "pcs", "Minuman", 1800, 2500, 200},
		{"prd-air-600", "Air Mineral 600ml", "botol", "Minuman", 2500, 3900, 8},
	} {
		s.state.products[p.id] = domain.Product{
			ID:        p.id,
			ShopID:    DemoShopID,
			Name:      p.name,
			CostPrice: decimal.NewFromInt(p.cost),
			SalePrice: decimal.NewFromInt(p.price),
			Stock:     decimal.NewFromInt(p.stock),
			Unit:      p.unit,
			Category:  p.category,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}

	ownerPwd := envOr("SEED_OWNER_PASSWORD", "owner12345")
	staffPwd := envOr("SEED_STAFF_PASSWORD", "staff12345")
	if os.Getenv("SEED_OWNER_PASSWORD") == "" || os.Getenv("SEED_STAFF_PASSWORD") == "" {
		logger.Warn("memory store using default dev credentials",
			zap.String("hint", "set SEED_OWNER_PASSWORD and SEED_STAFF_PASSWORD to override"))
	}
	for _, u := range []struct {
		id, username, password, role string
	}{
		{"usr-owner", "pemilik", ownerPwd, domain.RoleOwner},
		{"usr-staff", "kasir", staffPwd, domain.RoleStaff},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			logger.Fatal("hash seed password", zap.String("username", u.username), zap.Error(err))
		}
		s.state.users[u.username] = domain.UserAccount{
			ID:        u.id,
			Username:  u.username,
			Password:  string(hash),
			ShopID:    DemoShopID,
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return s
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
