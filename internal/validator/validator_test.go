package validator

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posledger/backend/internal/domain"
)

func TestDecimalRules(t *testing.T) {
	ok := domain.ReceiveRequest{ProductID: "prd_1", Qty: decimal.RequireFromString("2.5")}
	assert.NoError(t, Validate(ok))

	zero := domain.ReceiveRequest{ProductID: "prd_1", Qty: decimal.Zero}
	err := Validate(zero)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "qty failed decimal_gt0")

	tooPrecise := domain.ReceiveRequest{ProductID: "prd_1", Qty: decimal.RequireFromString("1.0005")}
	err = Validate(tooPrecise)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decimal_scale3")
}

func TestAdjustAllowsNegativeButNotZero(t *testing.T) {
	assert.NoError(t, Validate(domain.AdjustRequest{ProductID: "prd_1", Qty: decimal.NewFromInt(-3)}))
	assert.Error(t, Validate(domain.AdjustRequest{ProductID: "prd_1", Qty: decimal.Zero}))
}

func TestOptionalDecimalPointer(t *testing.T) {
	negative := decimal.NewFromInt(-1)
	req := domain.ReceiveRequest{ProductID: "prd_1", Qty: decimal.NewFromInt(1), UnitCost: &negative}
	errs := ValidateStruct(req)
	require.Len(t, errs, 1)
	assert.Equal(t, "unit_cost", errs[0].FailedField)
	assert.Equal(t, "decimal_gte0", errs[0].Tag)

	req.UnitCost = nil
	assert.Empty(t, ValidateStruct(req))
}

func TestCartItemsDive(t *testing.T) {
	req := domain.PostSaleRequest{
		Items: []domain.CartItem{
			{ProductID: "prd_1", Qty: decimal.NewFromInt(1)},
			{ProductID: "", Qty: decimal.NewFromInt(1)},
		},
		CashReceived: decimal.RequireFromString("10.00"),
	}
	errs := ValidateStruct(req)
	require.Len(t, errs, 1)
	assert.Equal(t, "items[1].product_id", errs[0].FailedField)

	empty := domain.PostSaleRequest{CashReceived: decimal.Zero}
	assert.NotEmpty(t, ValidateStruct(empty))
}
