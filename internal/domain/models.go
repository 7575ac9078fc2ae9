package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Category struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type CategoryCreateRequest struct {
	Name string `json:"name" validate:"required,max=120"`
}

type Product struct {
	ID           string           `json:"id"`
	CategoryID   string           `json:"category_id,omitempty"`
	CategoryName string           `json:"category,omitempty"`
	SKU          string           `json:"sku"`
	Barcode      string           `json:"barcode,omitempty"`
	Name         string           `json:"name"`
	Price        decimal.Decimal  `json:"price"`
	Cost         *decimal.Decimal `json:"cost,omitempty"`
	UOM          string           `json:"uom"`
	Active       bool             `json:"active"`
	QtyOnHand    decimal.Decimal  `json:"qty_on_hand"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
	DeletedAt    *time.Time       `json:"deleted_at,omitempty"`
}

// Sellable reports whether the product can appear on a new sale.
func (p Product) Sellable() bool {
	return p.Active && p.DeletedAt == nil
}

type ProductCreateRequest struct {
	CategoryID string           `json:"category_id" validate:"omitempty,max=64"`
	SKU        string           `json:"sku" validate:"required,max=100"`
	Barcode    string           `json:"barcode" validate:"omitempty,max=120"`
	Name       string           `json:"name" validate:"required,max=255"`
	Price      decimal.Decimal  `json:"price" validate:"decimal_gte0,decimal_scale2"`
	Cost       *decimal.Decimal `json:"cost,omitempty" validate:"omitempty,decimal_gte0,decimal_scale2"`
	UOM        string           `json:"uom" validate:"omitempty,max=40"`
	Active     *bool            `json:"active,omitempty"`
	InitialQty *decimal.Decimal `json:"initial_qty,omitempty" validate:"omitempty,decimal_gte0,decimal_scale3"`
}

type ProductUpdateRequest struct {
	CategoryID *string          `json:"category_id,omitempty" validate:"omitempty,max=64"`
	SKU        *string          `json:"sku,omitempty" validate:"omitempty,min=1,max=100"`
	Barcode    *string          `json:"barcode,omitempty" validate:"omitempty,max=120"`
	Name       *string          `json:"name,omitempty" validate:"omitempty,min=1,max=255"`
	Price      *decimal.Decimal `json:"price,omitempty" validate:"omitempty,decimal_gte0,decimal_scale2"`
	Cost       *decimal.Decimal `json:"cost,omitempty" validate:"omitempty,decimal_gte0,decimal_scale2"`
	UOM        *string          `json:"uom,omitempty" validate:"omitempty,min=1,max=40"`
	Active     *bool            `json:"active,omitempty"`
}

const (
	ProductStatusActive   = "active"
	ProductStatusInactive = "inactive"
	ProductStatusDeleted  = "deleted"
)

type ProductFilter struct {
	Search     string
	CategoryID string
	Status     string
}

type InventoryStock struct {
	ProductID string          `json:"product_id"`
	QtyOnHand decimal.Decimal `json:"qty_on_hand"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type StockMovement struct {
	ID           string           `json:"id"`
	ProductID    string           `json:"product_id"`
	ProductName  string           `json:"product,omitempty"`
	Type         MovementType     `json:"type"`
	Qty          decimal.Decimal  `json:"qty"`
	UnitCost     *decimal.Decimal `json:"unit_cost,omitempty"`
	RefType      string           `json:"ref_type,omitempty"`
	RefID        string           `json:"ref_id,omitempty"`
	CreatedBy    string           `json:"created_by"`
	Notes        string           `json:"notes,omitempty"`
	BalanceAfter decimal.Decimal  `json:"balance_after"`
	CreatedAt    time.Time        `json:"created_at"`
}

type ReceiveRequest struct {
	ProductID string           `json:"product_id" validate:"required"`
	Qty       decimal.Decimal  `json:"qty" validate:"decimal_gt0,decimal_scale3"`
	UnitCost  *decimal.Decimal `json:"unit_cost,omitempty" validate:"omitempty,decimal_gte0,decimal_scale2"`
	Notes     string           `json:"notes" validate:"omitempty,max=1000"`
}

type AdjustRequest struct {
	ProductID string          `json:"product_id" validate:"required"`
	Qty       decimal.Decimal `json:"qty" validate:"decimal_nonzero,decimal_scale3"`
	Reason    string          `json:"reason" validate:"omitempty,max=120"`
	Notes     string          `json:"notes" validate:"omitempty,max=1000"`
}

type MovementFilter struct {
	ProductID string
	Type      MovementType
	From      *time.Time
	To        *time.Time
	Offset    int
	Limit     int
}

// MovementQuery is the caller-facing form of MovementFilter: a store-local
// day and 1-based pages.
type MovementQuery struct {
	ProductID string
	Type      string
	Date      string
	Page      int
	PerPage   int
}

type MovementPage struct {
	Data []StockMovement `json:"data"`
	Meta PageMeta        `json:"meta"`
}

type PageMeta struct {
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

type LedgerDrift struct {
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product"`
	QtyOnHand   decimal.Decimal `json:"qty_on_hand"`
	MovementSum decimal.Decimal `json:"movement_sum"`
}

type Sale struct {
	ID           string          `json:"id"`
	ReceiptNo    string          `json:"receipt_no"`
	Subtotal     decimal.Decimal `json:"subtotal"`
	Total        decimal.Decimal `json:"total"`
	PaymentType  string          `json:"payment_type"`
	CashReceived decimal.Decimal `json:"cash_received"`
	Change       decimal.Decimal `json:"change"`
	Status       SaleStatus      `json:"status"`
	VoidReason   string          `json:"void_reason,omitempty"`
	VoidedAt     *time.Time      `json:"voided_at,omitempty"`
	CreatedBy    string          `json:"created_by"`
	CreatedAt    time.Time       `json:"created_at"`
	ItemsCount   int             `json:"items_count"`
	Items        []SaleItem      `json:"items,omitempty"`
}

type SaleItem struct {
	ID           string           `json:"id"`
	SaleID       string           `json:"sale_id"`
	ProductID    string           `json:"product_id"`
	ProductName  string           `json:"name"`
	SKU          string           `json:"sku,omitempty"`
	Qty          decimal.Decimal  `json:"qty"`
	Price        decimal.Decimal  `json:"price"`
	CostSnapshot *decimal.Decimal `json:"cost_snapshot,omitempty"`
	LineTotal    decimal.Decimal  `json:"line_total"`
}

type CartItem struct {
	ProductID string          `json:"product_id" validate:"required"`
	Qty       decimal.Decimal `json:"qty" validate:"decimal_gt0,decimal_scale3"`
}

type PostSaleRequest struct {
	Items        []CartItem      `json:"items" validate:"required,min=1,max=200,dive"`
	PaymentType  string          `json:"payment_type" validate:"omitempty,max=40"`
	CashReceived decimal.Decimal `json:"cash_received" validate:"decimal_gte0,decimal_scale2"`
}

type VoidSaleRequest struct {
	SaleID     string `json:"-"`
	Reason     string `json:"reason" validate:"omitempty,max=255"`
	ManagerPIN string `json:"manager_pin,omitempty"`
}

type SaleFilter struct {
	From      *time.Time
	To        *time.Time
	CreatedBy string
	Limit     int
}

type ProductQty struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	Qty       decimal.Decimal `json:"qty"`
}

// SalesRollup is the part of a daily summary derived from posted sales only.
type SalesRollup struct {
	TotalSales   decimal.Decimal `json:"total_sales"`
	Transactions int             `json:"transactions"`
	TopItems     []ProductQty    `json:"top_items"`
}

type DailySummary struct {
	Date          string          `json:"date"`
	TotalSales    decimal.Decimal `json:"total_sales"`
	Transactions  int             `json:"transactions"`
	LowStockCount int             `json:"low_stock_count"`
	TopItems      []ProductQty    `json:"top_items"`
	LowStockItems []ProductQty    `json:"low_stock_items"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}
