package memory

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
	"posledger/backend/internal/xid"
)

const defaultLockWait = 3 * time.Second

type Store struct {
	mu       sync.RWMutex
	writer   chan struct{}
	lockWait time.Duration
	log      *zap.Logger

	categories      []domain.Category
	products        map[string]domain.Product
	productOrder    []string
	stocks          map[string]domain.InventoryStock
	movements       []domain.StockMovement
	sales           map[string]*domain.Sale
	saleOrder       []string
	receiptSeq      map[string]int
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

type Option func(*Store)

// WithLockWait bounds how long InTx waits for the writer slot before
// reporting a retryable conflict.
func WithLockWait(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockWait = d
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// New returns an empty store with no users, products or stock.
func New(opts ...Option) *Store {
	s := &Store{
		writer:          make(chan struct{}, 1),
		lockWait:        defaultLockWait,
		log:             zap.NewNop(),
		products:        make(map[string]domain.Product),
		stocks:          make(map[string]domain.InventoryStock),
		sales:           make(map[string]*domain.Sale),
		receiptSeq:      make(map[string]int),
		usersByUsername: make(map[string]domain.UserAccount),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewSeeded returns a store with demo users, categories and products whose
// opening stock is recorded as receive movements.
func NewSeeded(opts ...Option) *Store {
	s := New(opts...)
	s.usersByUsername = s.seedUsers()

	now := time.Now().UTC()
	categoryIDs := make(map[string]string)
	for _, name := range []string{"Drinks", "Snacks", "Grocery", "Home"} {
		id := xid.New("cat")
		categoryIDs[name] = id
		s.categories = append(s.categories, domain.Category{ID: id, Name: name, Active: true, CreatedAt: now})
	}

	seed := []struct {
		category, sku, name, barcode string
		price, cost                  string
		qty                          int64
	}{
		{"Drinks", "DRK-101", "Cold Brew Coffee 12oz", "049000012345", "120.00", "65.00", 12},
		{"Drinks", "DRK-102", "Still Water 16oz", "049000054321", "45.00", "20.00", 12},
		{"Snacks", "SNK-210", "Classic Potato Chips", "", "65.00", "30.00", 12},
		{"Snacks", "SNK-211", "Trail Mix 6oz", "075000098765", "95.00", "45.00", 0},
		{"Home", "HOM-330", "Dish Soap 16oz", "", "135.00", "80.00", 12},
		{"Grocery", "GRY-441", "Organic Granola 12oz", "036000123456", "175.00", "95.00", 12},
	}
	for _, p := range seed {
		cost := decimal.RequireFromString(p.cost)
		product := domain.Product{
			ID:         xid.New("prd"),
			CategoryID: categoryIDs[p.category],
			SKU:        p.sku,
			Barcode:    p.barcode,
			Name:       p.name,
			Price:      decimal.RequireFromString(p.price),
			Cost:       &cost,
			UOM:        "each",
			Active:     true,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		s.products[product.ID] = product
		s.productOrder = append(s.productOrder, product.ID)

		qty := decimal.NewFromInt(p.qty)
		s.stocks[product.ID] = domain.InventoryStock{ProductID: product.ID, QtyOnHand: qty, UpdatedAt: now}
		if qty.IsPositive() {
			s.movements = append(s.movements, domain.StockMovement{
				ID:           xid.New("mov"),
				ProductID:    product.ID,
				Type:         domain.MovementReceive,
				Qty:          qty,
				UnitCost:     &cost,
				RefType:      domain.RefTypeReceive,
				CreatedBy:    "system",
				Notes:        "opening balance",
				BalanceAfter: qty,
				CreatedAt:    now,
			})
		}
	}
	return s
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD.
// If unset, dev defaults are used and a warning is logged.
func (s *Store) seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		s.log.Warn("using default dev credentials, set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"cashier", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			panic(fmt.Sprintf("memory store: hash seed password for %s: %v", u.username, err))
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) (err error) {
	timer := time.NewTimer(s.lockWait)
	defer timer.Stop()

	select {
	case s.writer <- struct{}{}:
	case <-timer.C:
		return fmt.Errorf("%w: write lock not acquired within %s", store.ErrRetryable, s.lockWait)
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.writer }()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s}
	defer func() {
		if r := recover(); r != nil {
			tx.rollback()
			panic(r)
		}
		if err != nil {
			tx.rollback()
		}
	}()

	return fn(tx)
}

func (s *Store) ListCategories(_ context.Context, activeOnly bool) ([]domain.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Category, 0, len(s.categories))
	for _, c := range s.categories {
		if activeOnly && !c.Active {
			continue
		}
		result = append(result, c)
	}
	slices.SortStableFunc(result, func(a, b domain.Category) int {
		return strings.Compare(a.Name, b.Name)
	})
	return result, nil
}

func (s *Store) CreateCategory(_ context.Context, category domain.Category) (*domain.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.categories {
		if strings.EqualFold(c.Name, category.Name) {
			return nil, fmt.Errorf("%w: category %q already exists", store.ErrConflict, category.Name)
		}
	}
	s.categories = append(s.categories, category)
	return &category, nil
}

func (s *Store) ListProducts(_ context.Context, filter domain.ProductFilter) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	search := strings.ToLower(strings.TrimSpace(filter.Search))
	result := make([]domain.Product, 0, len(s.productOrder))
	for _, id := range s.productOrder {
		p := s.products[id]
		switch filter.Status {
		case domain.ProductStatusDeleted:
			if p.DeletedAt == nil {
				continue
			}
		case domain.ProductStatusActive:
			if p.DeletedAt != nil || !p.Active {
				continue
			}
		case domain.ProductStatusInactive:
			if p.DeletedAt != nil || p.Active {
				continue
			}
		default:
			if p.DeletedAt != nil {
				continue
			}
		}
		if filter.CategoryID != "" && p.CategoryID != filter.CategoryID {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(p.Name), search) &&
			!strings.Contains(strings.ToLower(p.SKU), search) &&
			!strings.Contains(strings.ToLower(p.Barcode), search) {
			continue
		}
		result = append(result, s.hydrateProduct(p))
	}
	slices.SortStableFunc(result, func(a, b domain.Product) int {
		return strings.Compare(a.Name, b.Name)
	})
	return result, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	hydrated := s.hydrateProduct(p)
	return &hydrated, nil
}

func (s *Store) GetProductByBarcode(_ context.Context, barcode string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range s.productOrder {
		p := s.products[id]
		if p.Barcode != "" && p.Barcode == barcode && p.DeletedAt == nil {
			hydrated := s.hydrateProduct(p)
			return &hydrated, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.products[product.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if err := s.checkProductUnique(product); err != nil {
		return nil, err
	}
	product.CreatedAt = existing.CreatedAt
	product.DeletedAt = existing.DeletedAt
	s.products[product.ID] = product
	hydrated := s.hydrateProduct(product)
	return &hydrated, nil
}

func (s *Store) SetProductDeleted(_ context.Context, id string, deletedAt *time.Time) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if deletedAt != nil {
		at := deletedAt.UTC()
		p.DeletedAt = &at
	} else {
		p.DeletedAt = nil
	}
	s.products[id] = p
	hydrated := s.hydrateProduct(p)
	return &hydrated, nil
}

func (s *Store) GetQuantity(_ context.Context, productID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.products[productID]; !ok {
		return decimal.Zero, store.ErrNotFound
	}
	return s.stocks[productID].QtyOnHand, nil
}

func (s *Store) ListMovements(_ context.Context, filter domain.MovementFilter) ([]domain.StockMovement, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]domain.StockMovement, 0, 64)
	for i := len(s.movements) - 1; i >= 0; i-- {
		m := s.movements[i]
		if filter.ProductID != "" && m.ProductID != filter.ProductID {
			continue
		}
		if filter.Type != "" && m.Type != filter.Type {
			continue
		}
		if !inWindow(m.CreatedAt, filter.From, filter.To) {
			continue
		}
		m.ProductName = s.products[m.ProductID].Name
		matched = append(matched, m)
	}

	total := len(matched)
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []domain.StockMovement{}, total, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

func (s *Store) LedgerDrift(_ context.Context) ([]domain.LedgerDrift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sums := make(map[string]decimal.Decimal, len(s.stocks))
	for _, m := range s.movements {
		sums[m.ProductID] = sums[m.ProductID].Add(m.Qty)
	}

	drift := make([]domain.LedgerDrift, 0)
	for _, id := range s.productOrder {
		qty := s.stocks[id].QtyOnHand
		sum := sums[id]
		if !qty.Equal(sum) {
			drift = append(drift, domain.LedgerDrift{
				ProductID:   id,
				ProductName: s.products[id].Name,
				QtyOnHand:   qty,
				MovementSum: sum,
			})
		}
	}
	return drift, nil
}

func (s *Store) FindSaleByID(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.sales[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	dup := s.cloneSale(sale, true)
	return dup, nil
}

func (s *Store) ListSales(_ context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Sale, 0, 16)
	for i := len(s.saleOrder) - 1; i >= 0; i-- {
		sale := s.sales[s.saleOrder[i]]
		if !inWindow(sale.CreatedAt, filter.From, filter.To) {
			continue
		}
		if filter.CreatedBy != "" && sale.CreatedBy != filter.CreatedBy {
			continue
		}
		result = append(result, *s.cloneSale(sale, false))
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

func (s *Store) GetSalesRollup(_ context.Context, from time.Time, to time.Time, topLimit int) (domain.SalesRollup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rollup := domain.SalesRollup{TotalSales: decimal.Zero, TopItems: []domain.ProductQty{}}
	qtyByProduct := make(map[string]decimal.Decimal)
	order := make([]string, 0, 16)
	for _, id := range s.saleOrder {
		sale := s.sales[id]
		if sale.Status != domain.SaleStatusPosted || !inWindow(sale.CreatedAt, &from, &to) {
			continue
		}
		rollup.TotalSales = rollup.TotalSales.Add(sale.Total)
		rollup.Transactions++
		for _, item := range sale.Items {
			if _, seen := qtyByProduct[item.ProductID]; !seen {
				order = append(order, item.ProductID)
			}
			qtyByProduct[item.ProductID] = qtyByProduct[item.ProductID].Add(item.Qty)
		}
	}

	top := make([]domain.ProductQty, 0, len(order))
	for _, productID := range order {
		top = append(top, domain.ProductQty{
			ProductID: productID,
			Name:      s.products[productID].Name,
			Qty:       qtyByProduct[productID],
		})
	}
	slices.SortStableFunc(top, func(a, b domain.ProductQty) int {
		return b.Qty.Cmp(a.Qty)
	})
	if topLimit > 0 && len(top) > topLimit {
		top = top[:topLimit]
	}
	rollup.TopItems = top
	return rollup, nil
}

func (s *Store) GetLowStock(_ context.Context, threshold decimal.Decimal, limit int) (int, []domain.ProductQty, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	low := make([]domain.ProductQty, 0, 8)
	for _, id := range s.productOrder {
		if s.products[id].DeletedAt != nil {
			continue
		}
		// A product without a stock row has nothing on hand.
		qty := decimal.Zero
		if stock, ok := s.stocks[id]; ok {
			qty = stock.QtyOnHand
		}
		if qty.GreaterThan(threshold) {
			continue
		}
		low = append(low, domain.ProductQty{ProductID: id, Name: s.products[id].Name, Qty: qty})
	}
	count := len(low)
	slices.SortStableFunc(low, func(a, b domain.ProductQty) int {
		return a.Qty.Cmp(b.Qty)
	})
	if limit > 0 && len(low) > limit {
		low = low[:limit]
	}
	return count, low, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 32)
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		entry := s.auditLogs[i]
		if !inWindow(entry.CreatedAt, &from, &to) {
			continue
		}
		result = append(result, entry)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrValidation
	}
	if _, exists := s.usersByUsername[username]; exists {
		return fmt.Errorf("%w: username already exists", store.ErrConflict)
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrValidation
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

// hydrateProduct fills derived fields. Callers hold s.mu.
func (s *Store) hydrateProduct(p domain.Product) domain.Product {
	p.QtyOnHand = s.stocks[p.ID].QtyOnHand
	p.CategoryName = ""
	for _, c := range s.categories {
		if c.ID == p.CategoryID {
			p.CategoryName = c.Name
			break
		}
	}
	return p
}

// checkProductUnique enforces sku and barcode uniqueness. Callers hold s.mu.
func (s *Store) checkProductUnique(product domain.Product) error {
	for id, p := range s.products {
		if id == product.ID {
			continue
		}
		if strings.EqualFold(p.SKU, product.SKU) {
			return fmt.Errorf("%w: sku %s already exists", store.ErrConflict, product.SKU)
		}
		if product.Barcode != "" && p.Barcode == product.Barcode {
			return fmt.Errorf("%w: barcode %s already exists", store.ErrConflict, product.Barcode)
		}
	}
	return nil
}

// cloneSale copies a sale so callers cannot mutate stored state. Callers hold s.mu.
func (s *Store) cloneSale(src *domain.Sale, withItems bool) *domain.Sale {
	dup := *src
	dup.ItemsCount = len(src.Items)
	dup.Items = nil
	if src.VoidedAt != nil {
		at := *src.VoidedAt
		dup.VoidedAt = &at
	}
	if withItems {
		dup.Items = make([]domain.SaleItem, len(src.Items))
		for i, item := range src.Items {
			product := s.products[item.ProductID]
			item.ProductName = product.Name
			item.SKU = product.SKU
			dup.Items[i] = item
		}
	}
	return &dup
}

func inWindow(at time.Time, from *time.Time, to *time.Time) bool {
	if from != nil && at.Before(*from) {
		return false
	}
	if to != nil && !at.Before(*to) {
		return false
	}
	return true
}
