package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"tokokas/backend/internal/domain"
	"tokokas/backend/internal/store"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

type Store struct {
	db *sql.DB
}

var _ store.Repository = (*Store)(nil)

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded schema on its own connection.
func Migrate(databaseURL string) error {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}

	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("migration instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// WithTx runs fn at read committed; writers serialize through the explicit
// row locks taken by the ForUpdate and Lock methods of Tx.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = sqlTx.Rollback()
	}()

	if err := fn(ctx, &txRepo{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const productColumns = `id, shop_id, name, cost_price, sale_price, stock, unit, category, created_at, updated_at`

func (s *Store) ListProducts(ctx context.Context, shopID string) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE shop_id = $1
		ORDER BY name, id
	`, shopID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, shopID string, productID string) (*domain.Product, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = $1 AND shop_id = $2
	`, productID, shopID)
	p, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return p, err
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (`+productColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, product.ID, product.ShopID, product.Name, product.CostPrice, product.SalePrice, product.Stock,
		product.Unit, product.Category, product.CreatedAt, product.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("product %s: %w", product.ID, store.ErrDuplicateID)
		}
		return nil, err
	}
	created := product
	return &created, nil
}

const transactionColumns = `id, shop_id, created_by, transaction_type, category, kind, total_amount,
	total_cost_basis, amount, status, customer_name, note, is_deleted, deleted_at, created_at, updated_at`

func (s *Store) FindTransactionByID(ctx context.Context, shopID string, id string) (*domain.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE id = $1 AND shop_id = $2
	`, id, shopID)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := loadItems(ctx, s.db, []*domain.Transaction{tx}); err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *Store) ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, int, error) {
	where, args := transactionWhere(filter)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM transactions WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE ` + where + ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	items, err := queryTransactions(ctx, s.db, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func transactionWhere(filter domain.TransactionFilter) (string, []any) {
	clauses := []string{"shop_id = $1"}
	args := []any{filter.ShopID}
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if !filter.ShowDeleted {
		clauses = append(clauses, "NOT is_deleted")
	}
	if filter.Category != "" {
		add("lower(category) = lower($%d)", filter.Category)
	}
	if filter.Type != "" {
		add("transaction_type = $%d", string(filter.Type))
	}
	if filter.Status != "" {
		add("status = $%d", domain.NormalizeStatus(filter.Status))
	}
	if filter.From != nil {
		add("created_at >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("created_at < $%d", *filter.To)
	}
	if q := strings.TrimSpace(filter.Query); q != "" {
		args = append(args, "%"+escapeLike(q)+"%")
		n := len(args)
		clauses = append(clauses, fmt.Sprintf(
			"(id ILIKE $%d OR category ILIKE $%d OR customer_name ILIKE $%d OR note ILIKE $%d)", n, n, n, n))
	}
	return strings.Join(clauses, " AND "), args
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (s *Store) GetCashFlowMonth(ctx context.Context, shopID string, year int, month int) (*domain.CashFlowMonth, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+cashFlowColumns+`
		FROM cash_flow_months
		WHERE shop_id = $1 AND year = $2 AND month = $3
	`, shopID, year, month)
	m, err := scanCashFlowMonth(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cash_flow_id, shop_id, transaction_id, kind, amount, category, occurred_at, note, created_at
		FROM cash_flow_entries
		WHERE cash_flow_id = $1
		ORDER BY occurred_at DESC, created_at DESC
	`, m.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	m.Entries = make([]domain.CashFlowEntry, 0, 16)
	for rows.Next() {
		var (
			e    domain.CashFlowEntry
			txID sql.NullString
			kind string
		)
		if err := rows.Scan(&e.ID, &e.CashFlowID, &e.ShopID, &txID, &kind, &e.Amount, &e.Category,
			&e.OccurredAt, &e.Note, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = domain.EntryKind(kind)
		if txID.Valid {
			id := txID.String
			e.TransactionID = &id
		}
		m.Entries = append(m.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) ListCashFlowPeriods(ctx context.Context, shopID string) ([]domain.CashFlowMonth, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+cashFlowColumns+`
		FROM cash_flow_months
		WHERE shop_id = $1
		ORDER BY year DESC, month DESC
	`, shopID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	periods := make([]domain.CashFlowMonth, 0, 12)
	for rows.Next() {
		m, err := scanCashFlowMonth(rows)
		if err != nil {
			return nil, err
		}
		periods = append(periods, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return periods, nil
}

func (s *Store) ListDebtSnapshots(ctx context.Context, filter store.SnapshotFilter) ([]domain.DebtSnapshot, int, error) {
	clauses := []string{"shop_id = $1"}
	args := []any{filter.ShopID}
	if filter.From != nil {
		args = append(args, dateString(*filter.From))
		clauses = append(clauses, fmt.Sprintf("snapshot_date >= $%d::date", len(args)))
	}
	if filter.To != nil {
		args = append(args, dateString(*filter.To))
		clauses = append(clauses, fmt.Sprintf("snapshot_date <= $%d::date", len(args)))
	}
	where := strings.Join(clauses, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM debt_snapshots WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT id, shop_id, to_char(snapshot_date, 'YYYY-MM-DD'), total_hutang, total_piutang,
			hutang_count, piutang_count, generated_at
		FROM debt_snapshots
		WHERE ` + where + `
		ORDER BY snapshot_date DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	snapshots := make([]domain.DebtSnapshot, 0, 16)
	index := make(map[string]int)
	for rows.Next() {
		var (
			snap domain.DebtSnapshot
			day  string
		)
		if err := rows.Scan(&snap.ID, &snap.ShopID, &day, &snap.TotalHutang, &snap.TotalPiutang,
			&snap.HutangCount, &snap.PiutangCount, &snap.GeneratedAt); err != nil {
			return nil, 0, err
		}
		snap.Date, err = time.Parse("2006-01-02", day)
		if err != nil {
			return nil, 0, fmt.Errorf("parse snapshot date %q: %w", day, err)
		}
		index[snap.ID] = len(snapshots)
		snapshots = append(snapshots, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if len(snapshots) == 0 {
		return snapshots, total, nil
	}

	ids := make([]string, 0, len(snapshots))
	for _, snap := range snapshots {
		ids = append(ids, snap.ID)
	}
	detailRows, err := s.db.QueryContext(ctx, `
		SELECT id, snapshot_id, transaction_id, kind, amount, category, customer_name, transaction_at
		FROM debt_snapshot_details
		WHERE snapshot_id = ANY($1)
		ORDER BY transaction_at DESC, transaction_id DESC
	`, ids)
	if err != nil {
		return nil, 0, err
	}
	defer detailRows.Close()

	for detailRows.Next() {
		var (
			d    domain.DebtSnapshotDetail
			kind string
		)
		if err := detailRows.Scan(&d.ID, &d.SnapshotID, &d.TransactionID, &kind, &d.Amount, &d.Category,
			&d.CustomerName, &d.TransactionAt); err != nil {
			return nil, 0, err
		}
		d.Kind = domain.DebtKind(kind)
		if i, ok := index[d.SnapshotID]; ok {
			snapshots[i].Details = append(snapshots[i].Details, d)
		}
	}
	if err := detailRows.Err(); err != nil {
		return nil, 0, err
	}
	return snapshots, total, nil
}

func (s *Store) ListShopIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT shop_id FROM products
		UNION
		SELECT shop_id FROM transactions
		UNION
		SELECT shop_id FROM users
		ORDER BY 1
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]string, 0, 8)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) FindUser(ctx context.Context, username string) (*domain.UserAccount, error) {
	var user domain.UserAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, shop_id, role, active, created_at
		FROM users
		WHERE username = lower($1)
	`, strings.TrimSpace(username)).Scan(&user.ID, &user.Username, &user.Password, &user.ShopID, &user.Role, &user.Active, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// CreateUser registers an account. Password must already be a bcrypt hash.
func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, password_hash, shop_id, role, active, created_at)
		VALUES ($1, lower($2), $3, $4, $5, $6, $7)
	`, user.ID, strings.TrimSpace(user.Username), user.Password, user.ShopID, user.Role, user.Active, user.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("user %s: %w", user.Username, store.ErrDuplicateID)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isCheckViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23514"
	}
	return false
}

func dateString(t time.Time) string {
	return t.Format("2006-01-02")
}
