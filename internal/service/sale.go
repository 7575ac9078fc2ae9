package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
	"posledger/backend/internal/xid"
)

const maxSaleList = 50

// PostSale prices the cart from current product data, checks stock under
// row locks and payment, then writes the sale, its items and one sale
// movement per line in a single transaction.
func (s *Service) PostSale(ctx context.Context, req domain.PostSaleRequest) (domain.Sale, error) {
	actor, err := s.authorize(ctx, domain.CapSell)
	if err != nil {
		return domain.Sale{}, err
	}

	for i := range req.Items {
		req.Items[i].ProductID = strings.TrimSpace(req.Items[i].ProductID)
	}
	req.PaymentType = defaultString(strings.ToLower(strings.TrimSpace(req.PaymentType)), domain.PaymentTypeCash)
	if err := validate(req); err != nil {
		s.metrics.SaleRejected("validation")
		return domain.Sale{}, err
	}

	var sale domain.Sale
	err = s.withRetry(ctx, "post_sale", func() error {
		return s.repo.InTx(ctx, func(tx store.Tx) error {
			var err error
			sale, err = s.postSaleTx(ctx, tx, actor, req)
			return err
		})
	})
	if err != nil {
		s.metrics.SaleRejected(rejectionReason(err))
		return domain.Sale{}, err
	}

	s.metrics.SalePosted()
	for range sale.Items {
		s.metrics.MovementRecorded(string(domain.MovementSale))
	}
	s.invalidateRollup(ctx, sale.CreatedAt)
	s.logAudit(ctx, "sale_post", "sale", sale.ID, fmt.Sprintf("receipt=%s,total=%s,items=%d", sale.ReceiptNo, sale.Total.StringFixed(2), len(sale.Items)))
	return sale, nil
}

func (s *Service) postSaleTx(ctx context.Context, tx store.Tx, actor domain.Actor, req domain.PostSaleRequest) (domain.Sale, error) {
	productIDs := make([]string, 0, len(req.Items))
	requested := make(map[string]decimal.Decimal, len(req.Items))
	for _, item := range req.Items {
		if _, seen := requested[item.ProductID]; !seen {
			productIDs = append(productIDs, item.ProductID)
		}
		requested[item.ProductID] = requested[item.ProductID].Add(item.Qty)
	}

	products, err := tx.ProductsByID(ctx, productIDs)
	if err != nil {
		return domain.Sale{}, err
	}

	saleID := xid.New("sale")
	items := make([]domain.SaleItem, 0, len(req.Items))
	subtotal := decimal.Zero
	for _, line := range req.Items {
		product, ok := products[line.ProductID]
		if !ok || !product.Sellable() {
			return domain.Sale{}, fmt.Errorf("%w: product unavailable: %s", store.ErrValidation, line.ProductID)
		}
		lineTotal := line.Qty.Mul(product.Price).Round(2)
		subtotal = subtotal.Add(lineTotal)
		items = append(items, domain.SaleItem{
			ID:           xid.New("sli"),
			SaleID:       saleID,
			ProductID:    product.ID,
			ProductName:  product.Name,
			SKU:          product.SKU,
			Qty:          line.Qty,
			Price:        product.Price,
			CostSnapshot: product.Cost,
			LineTotal:    lineTotal,
		})
	}
	total := subtotal

	lockOrder := append([]string(nil), productIDs...)
	sort.Strings(lockOrder)
	onHand, err := tx.LockStock(ctx, lockOrder)
	if err != nil {
		return domain.Sale{}, err
	}
	for _, id := range productIDs {
		if onHand[id].LessThan(requested[id]) {
			return domain.Sale{}, &store.InsufficientStockError{
				ProductID:   id,
				ProductName: products[id].Name,
				Requested:   requested[id],
				Available:   onHand[id],
			}
		}
	}

	if req.CashReceived.LessThan(total) {
		return domain.Sale{}, fmt.Errorf("%w: total %s, received %s", store.ErrInsufficientPayment, total.StringFixed(2), req.CashReceived.StringFixed(2))
	}

	now := s.now().UTC()
	day := now.In(s.loc).Format("20060102")
	seq, err := tx.NextReceiptSequence(ctx, day)
	if err != nil {
		return domain.Sale{}, err
	}

	sale := domain.Sale{
		ID:           saleID,
		ReceiptNo:    fmt.Sprintf("%s-%04d", day, seq),
		Subtotal:     subtotal,
		Total:        total,
		PaymentType:  req.PaymentType,
		CashReceived: req.CashReceived,
		Change:       req.CashReceived.Sub(total),
		Status:       domain.SaleStatusPosted,
		CreatedBy:    actor.Username,
		CreatedAt:    now,
		ItemsCount:   len(items),
		Items:        items,
	}
	if err := tx.InsertSale(ctx, sale); err != nil {
		return domain.Sale{}, err
	}

	for _, item := range items {
		if _, err := s.ledger.Apply(ctx, tx, MovementInput{
			ProductID: item.ProductID,
			Type:      domain.MovementSale,
			Qty:       item.Qty.Neg(),
			UnitCost:  item.CostSnapshot,
			RefType:   domain.RefTypeSale,
			RefID:     sale.ID,
			Actor:     actor.Username,
			Note:      "POS sale",
			At:        now,
		}); err != nil {
			return domain.Sale{}, err
		}
	}
	return sale, nil
}

// GetSale returns the receipt payload. Cashiers only see their own sales.
func (s *Service) GetSale(ctx context.Context, id string) (domain.Sale, error) {
	actor, err := s.authorize(ctx, domain.CapViewSales)
	if err != nil {
		return domain.Sale{}, err
	}
	sale, err := s.repo.FindSaleByID(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Sale{}, err
	}
	if !actor.Can(domain.CapViewAllSales) && sale.CreatedBy != actor.Username {
		return domain.Sale{}, store.ErrNotFound
	}
	return *sale, nil
}

func (s *Service) ListSales(ctx context.Context, date string, limit int) ([]domain.Sale, error) {
	actor, err := s.authorize(ctx, domain.CapViewSales)
	if err != nil {
		return nil, err
	}
	if limit < 1 || limit > maxSaleList {
		limit = maxSaleList
	}

	filter := domain.SaleFilter{Limit: limit}
	if strings.TrimSpace(date) != "" {
		from, to, err := s.parseDay(date)
		if err != nil {
			return nil, err
		}
		filter.From, filter.To = &from, &to
	}
	if !actor.Can(domain.CapViewAllSales) {
		filter.CreatedBy = actor.Username
	}
	return s.repo.ListSales(ctx, filter)
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, store.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, store.ErrInsufficientPayment):
		return "insufficient_payment"
	case errors.Is(err, store.ErrValidation):
		return "validation"
	case errors.Is(err, store.ErrRetryable):
		return "contention"
	}
	return "error"
}
