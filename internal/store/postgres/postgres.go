package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
	"posledger/backend/internal/xid"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db          *sql.DB
	lockTimeout time.Duration
	log         *zap.Logger
}

type Option func(*Store)

// WithLockTimeout sets lock_timeout for every transaction opened by InTx.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.lockTimeout = d
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

func New(ctx context.Context, databaseURL string, opts ...Option) (*Store, error) {
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

	s := &Store{db: db, lockTimeout: 3 * time.Second, log: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return classifyError(err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if s.lockTimeout > 0 {
		timeout := fmt.Sprintf("%dms", s.lockTimeout.Milliseconds())
		if _, err := sqlTx.ExecContext(ctx, `SELECT set_config('lock_timeout', $1, true)`, timeout); err != nil {
			return classifyError(err)
		}
	}

	if err := fn(&pgTx{tx: sqlTx}); err != nil {
		return classifyError(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return classifyError(err)
	}
	return nil
}

func (s *Store) ListCategories(ctx context.Context, activeOnly bool) ([]domain.Category, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, active, created_at
		FROM categories
		WHERE ($1 = false OR active = true)
		ORDER BY name
	`, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	categories := make([]domain.Category, 0, 16)
	for rows.Next() {
		var c domain.Category
		if err := rows.Scan(&c.ID, &c.Name, &c.Active, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.CreatedAt = c.CreatedAt.UTC()
		categories = append(categories, c)
	}
	return categories, rows.Err()
}

func (s *Store) CreateCategory(ctx context.Context, category domain.Category) (*domain.Category, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO categories (id, name, active, created_at)
		VALUES ($1,$2,$3,$4)
	`, category.ID, category.Name, category.Active, category.CreatedAt)
	if err != nil {
		return nil, classifyError(err)
	}
	return &category, nil
}

const productSelect = `
	SELECT p.id, COALESCE(p.category_id, ''), COALESCE(c.name, ''), p.sku, COALESCE(p.barcode, ''), p.name,
		p.price, p.cost, p.uom, p.active, COALESCE(st.qty_on_hand, 0), p.created_at, p.updated_at, p.deleted_at
	FROM products p
	LEFT JOIN categories c ON c.id = p.category_id
	LEFT JOIN inventory_stocks st ON st.product_id = p.id
`

type scanner interface {
	Scan(dest ...any) error
}

func scanProduct(row scanner) (domain.Product, error) {
	var p domain.Product
	var cost decimal.NullDecimal
	var deletedAt sql.NullTime
	if err := row.Scan(&p.ID, &p.CategoryID, &p.CategoryName, &p.SKU, &p.Barcode, &p.Name,
		&p.Price, &cost, &p.UOM, &p.Active, &p.QtyOnHand, &p.CreatedAt, &p.UpdatedAt, &deletedAt); err != nil {
		return domain.Product{}, err
	}
	p.Cost = decimalPtr(cost)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	if deletedAt.Valid {
		at := deletedAt.Time.UTC()
		p.DeletedAt = &at
	}
	return p, nil
}

func (s *Store) ListProducts(ctx context.Context, filter domain.ProductFilter) ([]domain.Product, error) {
	where := make([]string, 0, 4)
	args := make([]any, 0, 3)

	switch filter.Status {
	case domain.ProductStatusDeleted:
		where = append(where, "p.deleted_at IS NOT NULL")
	case domain.ProductStatusActive:
		where = append(where, "p.deleted_at IS NULL", "p.active = true")
	case domain.ProductStatusInactive:
		where = append(where, "p.deleted_at IS NULL", "p.active = false")
	default:
		where = append(where, "p.deleted_at IS NULL")
	}
	if filter.CategoryID != "" {
		args = append(args, filter.CategoryID)
		where = append(where, fmt.Sprintf("p.category_id = $%d", len(args)))
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		args = append(args, "%"+escapeLike(search)+"%")
		n := len(args)
		where = append(where, fmt.Sprintf("(p.name ILIKE $%d OR p.sku ILIKE $%d OR p.barcode ILIKE $%d)", n, n, n))
	}

	query := productSelect + " WHERE " + strings.Join(where, " AND ") + " ORDER BY p.name, p.id"
	rows, err := s.db.QueryContext(ctx, query, args...)
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
		products = append(products, p)
	}
	return products, rows.Err()
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx, productSelect+" WHERE p.id = $1", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetProductByBarcode(ctx context.Context, barcode string) (*domain.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx, productSelect+" WHERE p.barcode = $1 AND p.deleted_at IS NULL", barcode))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET category_id = $2, sku = $3, barcode = $4, name = $5, price = $6, cost = $7,
			uom = $8, active = $9, updated_at = $10
		WHERE id = $1
	`, product.ID, nullIfEmpty(product.CategoryID), product.SKU, nullIfEmpty(product.Barcode), product.Name,
		product.Price, nullDecimal(product.Cost), product.UOM, product.Active, product.UpdatedAt)
	if err != nil {
		return nil, classifyError(err)
	}
	if affected, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if affected == 0 {
		return nil, store.ErrNotFound
	}
	return s.GetProduct(ctx, product.ID)
}

func (s *Store) SetProductDeleted(ctx context.Context, id string, deletedAt *time.Time) (*domain.Product, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET deleted_at = $2, updated_at = now()
		WHERE id = $1
	`, id, nullTime(deletedAt))
	if err != nil {
		return nil, err
	}
	if affected, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if affected == 0 {
		return nil, store.ErrNotFound
	}
	return s.GetProduct(ctx, id)
}

func (s *Store) GetQuantity(ctx context.Context, productID string) (decimal.Decimal, error) {
	var qty decimal.Decimal
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(st.qty_on_hand, 0)
		FROM products p
		LEFT JOIN inventory_stocks st ON st.product_id = p.id
		WHERE p.id = $1
	`, productID).Scan(&qty)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Zero, store.ErrNotFound
		}
		return decimal.Zero, err
	}
	return qty, nil
}

func (s *Store) ListMovements(ctx context.Context, filter domain.MovementFilter) ([]domain.StockMovement, int, error) {
	where := []string{"true"}
	args := make([]any, 0, 6)
	if filter.ProductID != "" {
		args = append(args, filter.ProductID)
		where = append(where, fmt.Sprintf("m.product_id = $%d", len(args)))
	}
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		where = append(where, fmt.Sprintf("m.type = $%d", len(args)))
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		where = append(where, fmt.Sprintf("m.created_at >= $%d", len(args)))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		where = append(where, fmt.Sprintf("m.created_at < $%d", len(args)))
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM stock_movements m WHERE "+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT m.id, m.product_id, COALESCE(p.name, ''), m.type, m.qty, m.unit_cost,
			COALESCE(m.ref_type, ''), COALESCE(m.ref_id, ''), m.created_by, COALESCE(m.notes, ''),
			m.balance_after, m.created_at
		FROM stock_movements m
		LEFT JOIN products p ON p.id = m.product_id
		WHERE ` + clause + `
		ORDER BY m.created_at DESC, m.id DESC`
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

	movements := make([]domain.StockMovement, 0, 32)
	for rows.Next() {
		var m domain.StockMovement
		var movementType string
		var unitCost decimal.NullDecimal
		if err := rows.Scan(&m.ID, &m.ProductID, &m.ProductName, &movementType, &m.Qty, &unitCost,
			&m.RefType, &m.RefID, &m.CreatedBy, &m.Notes, &m.BalanceAfter, &m.CreatedAt); err != nil {
			return nil, 0, err
		}
		m.Type = domain.MovementType(movementType)
		m.UnitCost = decimalPtr(unitCost)
		m.CreatedAt = m.CreatedAt.UTC()
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return movements, total, nil
}

func (s *Store) LedgerDrift(ctx context.Context) ([]domain.LedgerDrift, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.name, COALESCE(st.qty_on_hand, 0), COALESCE(m.total, 0)
		FROM products p
		LEFT JOIN inventory_stocks st ON st.product_id = p.id
		LEFT JOIN (
			SELECT product_id, SUM(qty) AS total
			FROM stock_movements
			GROUP BY product_id
		) m ON m.product_id = p.id
		WHERE COALESCE(st.qty_on_hand, 0) <> COALESCE(m.total, 0)
		ORDER BY p.id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	drift := make([]domain.LedgerDrift, 0)
	for rows.Next() {
		var d domain.LedgerDrift
		if err := rows.Scan(&d.ProductID, &d.ProductName, &d.QtyOnHand, &d.MovementSum); err != nil {
			return nil, err
		}
		drift = append(drift, d)
	}
	return drift, rows.Err()
}

const saleSelect = `
	SELECT s.id, s.receipt_no, s.subtotal, s.total, s.payment_type, s.cash_received, s.change_amount,
		s.status, COALESCE(s.void_reason, ''), s.voided_at, s.created_by, s.created_at,
		(SELECT COUNT(*) FROM sale_items i WHERE i.sale_id = s.id)
	FROM sales s
`

func scanSale(row scanner) (domain.Sale, error) {
	var sale domain.Sale
	var status string
	var voidedAt sql.NullTime
	if err := row.Scan(&sale.ID, &sale.ReceiptNo, &sale.Subtotal, &sale.Total, &sale.PaymentType,
		&sale.CashReceived, &sale.Change, &status, &sale.VoidReason, &voidedAt, &sale.CreatedBy,
		&sale.CreatedAt, &sale.ItemsCount); err != nil {
		return domain.Sale{}, err
	}
	sale.Status = domain.SaleStatus(status)
	sale.CreatedAt = sale.CreatedAt.UTC()
	if voidedAt.Valid {
		at := voidedAt.Time.UTC()
		sale.VoidedAt = &at
	}
	return sale, nil
}

func (s *Store) FindSaleByID(ctx context.Context, id string) (*domain.Sale, error) {
	sale, err := scanSale(s.db.QueryRowContext(ctx, saleSelect+" WHERE s.id = $1", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	items, err := loadSaleItems(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	sale.Items = items
	return &sale, nil
}

func (s *Store) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	where := []string{"true"}
	args := make([]any, 0, 3)
	if filter.From != nil {
		args = append(args, *filter.From)
		where = append(where, fmt.Sprintf("s.created_at >= $%d", len(args)))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		where = append(where, fmt.Sprintf("s.created_at < $%d", len(args)))
	}
	if filter.CreatedBy != "" {
		args = append(args, filter.CreatedBy)
		where = append(where, fmt.Sprintf("s.created_by = $%d", len(args)))
	}
	query := saleSelect + " WHERE " + strings.Join(where, " AND ") + " ORDER BY s.created_at DESC, s.id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, 16)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, sale)
	}
	return sales, rows.Err()
}

func (s *Store) GetSalesRollup(ctx context.Context, from time.Time, to time.Time, topLimit int) (domain.SalesRollup, error) {
	rollup := domain.SalesRollup{TopItems: make([]domain.ProductQty, 0, topLimit)}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(total), 0)
		FROM sales
		WHERE status = $1
			AND created_at >= $2
			AND created_at < $3
	`, string(domain.SaleStatusPosted), from, to).Scan(&rollup.Transactions, &rollup.TotalSales)
	if err != nil {
		return rollup, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT i.product_id, COALESCE(p.name, ''), SUM(i.qty) AS total_qty
		FROM sale_items i
		JOIN sales s ON s.id = i.sale_id
		LEFT JOIN products p ON p.id = i.product_id
		WHERE s.status = $1
			AND s.created_at >= $2
			AND s.created_at < $3
		GROUP BY i.product_id, p.name
		ORDER BY total_qty DESC, MIN(i.id) ASC
		LIMIT $4
	`, string(domain.SaleStatusPosted), from, to, topLimit)
	if err != nil {
		return rollup, err
	}
	defer rows.Close()

	for rows.Next() {
		var item domain.ProductQty
		if err := rows.Scan(&item.ProductID, &item.Name, &item.Qty); err != nil {
			return rollup, err
		}
		rollup.TopItems = append(rollup.TopItems, item)
	}
	return rollup, rows.Err()
}

func (s *Store) GetLowStock(ctx context.Context, threshold decimal.Decimal, limit int) (int, []domain.ProductQty, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM products p
		LEFT JOIN inventory_stocks st ON st.product_id = p.id
		WHERE p.deleted_at IS NULL AND COALESCE(st.qty_on_hand, 0) <= $1
	`, threshold).Scan(&count)
	if err != nil {
		return 0, nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.name, COALESCE(st.qty_on_hand, 0) AS qty
		FROM products p
		LEFT JOIN inventory_stocks st ON st.product_id = p.id
		WHERE p.deleted_at IS NULL AND COALESCE(st.qty_on_hand, 0) <= $1
		ORDER BY qty ASC, p.id ASC
		LIMIT $2
	`, threshold, limit)
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()

	items := make([]domain.ProductQty, 0, limit)
	for rows.Next() {
		var item domain.ProductQty
		if err := rows.Scan(&item.ProductID, &item.Name, &item.Qty); err != nil {
			return 0, nil, err
		}
		items = append(items, item)
	}
	return count, items, rows.Err()
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1
			AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrValidation
	}
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		return classifyError(err)
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrValidation
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// classifyError maps SQLSTATE codes onto the store error taxonomy.
func classifyError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "55P03", "40001", "40P01":
		return fmt.Errorf("%w: %w", store.ErrRetryable, err)
	case "23505":
		if pgErr.ConstraintName == "sales_receipt_no_key" {
			return fmt.Errorf("%w: %w", store.ErrRetryable, err)
		}
		return fmt.Errorf("%w: %s", store.ErrConflict, conflictSubject(pgErr.ConstraintName))
	case "23503":
		return fmt.Errorf("%w: %s", store.ErrNotFound, pgErr.ConstraintName)
	}
	return err
}

func conflictSubject(constraint string) string {
	switch constraint {
	case "products_sku_key":
		return "sku already exists"
	case "products_barcode_key":
		return "barcode already exists"
	case "categories_name_key":
		return "category already exists"
	case "app_users_pkey":
		return "username already exists"
	}
	return constraint
}

func escapeLike(val string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(val)
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}

func nullDecimal(val *decimal.Decimal) any {
	if val == nil {
		return nil
	}
	return *val
}

func decimalPtr(val decimal.NullDecimal) *decimal.Decimal {
	if !val.Valid {
		return nil
	}
	d := val.Decimal
	return &d
}
