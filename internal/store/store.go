package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"posledger/backend/internal/domain"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrInsufficientPayment = errors.New("cash received is below the total")
	ErrAlreadyVoided       = errors.New("sale already voided")
	ErrRetryable           = errors.New("temporary conflict, retry the operation")
	ErrForbidden           = errors.New("forbidden")
)

// InsufficientStockError names the product whose requested qty exceeds what is on hand.
type InsufficientStockError struct {
	ProductID   string
	ProductName string
	Requested   decimal.Decimal
	Available   decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %s, available %s", e.ProductName, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// Repository is the persistence boundary. Reads run outside a transaction;
// every write that must stay consistent with the stock ledger goes through InTx.
type Repository interface {
	// InTx runs fn inside one atomic unit. Any error returned by fn rolls back
	// every write made through tx.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	ListCategories(ctx context.Context, activeOnly bool) ([]domain.Category, error)
	CreateCategory(ctx context.Context, category domain.Category) (*domain.Category, error)

	ListProducts(ctx context.Context, filter domain.ProductFilter) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	GetProductByBarcode(ctx context.Context, barcode string) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	SetProductDeleted(ctx context.Context, id string, deletedAt *time.Time) (*domain.Product, error)

	GetQuantity(ctx context.Context, productID string) (decimal.Decimal, error)
	ListMovements(ctx context.Context, filter domain.MovementFilter) ([]domain.StockMovement, int, error)
	LedgerDrift(ctx context.Context) ([]domain.LedgerDrift, error)

	FindSaleByID(ctx context.Context, id string) (*domain.Sale, error)
	ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error)
	GetSalesRollup(ctx context.Context, from time.Time, to time.Time, topLimit int) (domain.SalesRollup, error)
	GetLowStock(ctx context.Context, threshold decimal.Decimal, limit int) (int, []domain.ProductQty, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// Tx is the set of writes and locking reads available inside InTx.
type Tx interface {
	// ProductsByID returns every requested product that exists, including
	// inactive and soft-deleted ones.
	ProductsByID(ctx context.Context, ids []string) (map[string]domain.Product, error)
	InsertProduct(ctx context.Context, product domain.Product) error

	// LockStock locks the stock rows of the given products until the
	// transaction ends and returns their qty. Products without a stock row
	// are reported as zero.
	LockStock(ctx context.Context, productIDs []string) (map[string]decimal.Decimal, error)
	// AddStock adds delta to qty_on_hand, creating the row at zero first when
	// absent, and returns the new balance.
	AddStock(ctx context.Context, productID string, delta decimal.Decimal, at time.Time) (decimal.Decimal, error)
	InsertMovement(ctx context.Context, movement domain.StockMovement) error

	// NextReceiptSequence atomically increments and returns the per-day counter.
	NextReceiptSequence(ctx context.Context, day string) (int, error)
	InsertSale(ctx context.Context, sale domain.Sale) error
	// LockSale loads a sale with its items and locks it until the transaction ends.
	LockSale(ctx context.Context, id string) (*domain.Sale, error)
	MarkSaleVoided(ctx context.Context, id string, reason string, at time.Time) error
}
