package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// MovementType is the closed set of causes for a stock change.
type MovementType string

const (
	MovementReceive MovementType = "receive"
	MovementAdjust  MovementType = "adjust"
	MovementSale    MovementType = "sale"
	MovementVoid    MovementType = "void"
)

var MovementTypes = []MovementType{MovementReceive, MovementAdjust, MovementSale, MovementVoid}

func ParseMovementType(raw string) (MovementType, error) {
	for _, t := range MovementTypes {
		if string(t) == raw {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown movement type %q", raw)
}

// CheckDelta rejects a signed quantity whose sign does not fit the movement type.
func (t MovementType) CheckDelta(qty decimal.Decimal) error {
	switch t {
	case MovementReceive, MovementVoid:
		if !qty.IsPositive() {
			return fmt.Errorf("%s movement requires a positive qty", t)
		}
	case MovementSale:
		if !qty.IsNegative() {
			return fmt.Errorf("sale movement requires a negative qty")
		}
	case MovementAdjust:
		if qty.IsZero() {
			return fmt.Errorf("adjust movement requires a non-zero qty")
		}
	default:
		return fmt.Errorf("unknown movement type %q", t)
	}
	return nil
}

const (
	RefTypeSale     = "sale"
	RefTypeSaleVoid = "sale_void"
	RefTypeReceive  = "receive"
	RefTypeAdjust   = "adjust"
)

type SaleStatus string

const (
	SaleStatusPosted SaleStatus = "posted"
	SaleStatusVoided SaleStatus = "voided"
)

const PaymentTypeCash = "cash"

const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
)

// Capability names an operation class that the role table grants.
type Capability string

const (
	CapViewCatalog    Capability = "catalog.view"
	CapManageCatalog  Capability = "catalog.manage"
	CapSell           Capability = "sale.post"
	CapViewSales      Capability = "sale.view"
	CapViewAllSales   Capability = "sale.view_all"
	CapVoidSale       Capability = "sale.void"
	CapReceiveStock   Capability = "stock.receive"
	CapAdjustStock    Capability = "stock.adjust"
	CapViewMovements  Capability = "stock.movements"
	CapReconcile      Capability = "stock.reconcile"
	CapViewReports    Capability = "report.view"
	CapManageUsers    Capability = "user.manage"
	CapViewAuditTrail Capability = "audit.view"
)

var roleCapabilities = map[string]map[Capability]bool{
	RoleCashier: {
		CapViewCatalog: true,
		CapSell:        true,
		CapViewSales:   true,
	},
	RoleAdmin: {
		CapViewCatalog:    true,
		CapManageCatalog:  true,
		CapSell:           true,
		CapViewSales:      true,
		CapViewAllSales:   true,
		CapVoidSale:       true,
		CapReceiveStock:   true,
		CapAdjustStock:    true,
		CapViewMovements:  true,
		CapReconcile:      true,
		CapViewReports:    true,
		CapManageUsers:    true,
		CapViewAuditTrail: true,
	},
}

func (a Actor) Can(capability Capability) bool {
	return roleCapabilities[a.Role][capability]
}
