package memory

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
)

// memTx mutates the store directly while InTx holds the write lock and
// journals an undo step for every write.
type memTx struct {
	s    *Store
	undo []func()
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) ProductsByID(_ context.Context, ids []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := t.s.products[id]; ok {
			result[id] = t.s.hydrateProduct(p)
		}
	}
	return result, nil
}

func (t *memTx) InsertProduct(_ context.Context, product domain.Product) error {
	if _, exists := t.s.products[product.ID]; exists {
		return store.ErrConflict
	}
	if err := t.s.checkProductUnique(product); err != nil {
		return err
	}
	t.s.products[product.ID] = product
	t.s.productOrder = append(t.s.productOrder, product.ID)
	t.undo = append(t.undo, func() {
		delete(t.s.products, product.ID)
		t.s.productOrder = t.s.productOrder[:len(t.s.productOrder)-1]
	})
	return nil
}

func (t *memTx) LockStock(_ context.Context, productIDs []string) (map[string]decimal.Decimal, error) {
	result := make(map[string]decimal.Decimal, len(productIDs))
	for _, id := range productIDs {
		result[id] = t.s.stocks[id].QtyOnHand
	}
	return result, nil
}

func (t *memTx) AddStock(_ context.Context, productID string, delta decimal.Decimal, at time.Time) (decimal.Decimal, error) {
	if _, ok := t.s.products[productID]; !ok {
		return decimal.Zero, store.ErrNotFound
	}
	prev, existed := t.s.stocks[productID]
	next := domain.InventoryStock{
		ProductID: productID,
		QtyOnHand: prev.QtyOnHand.Add(delta),
		UpdatedAt: at,
	}
	t.s.stocks[productID] = next
	t.undo = append(t.undo, func() {
		if existed {
			t.s.stocks[productID] = prev
		} else {
			delete(t.s.stocks, productID)
		}
	})
	return next.QtyOnHand, nil
}

func (t *memTx) InsertMovement(_ context.Context, movement domain.StockMovement) error {
	t.s.movements = append(t.s.movements, movement)
	t.undo = append(t.undo, func() {
		t.s.movements = t.s.movements[:len(t.s.movements)-1]
	})
	return nil
}

func (t *memTx) NextReceiptSequence(_ context.Context, day string) (int, error) {
	t.s.receiptSeq[day]++
	next := t.s.receiptSeq[day]
	t.undo = append(t.undo, func() {
		t.s.receiptSeq[day]--
	})
	return next, nil
}

func (t *memTx) InsertSale(_ context.Context, sale domain.Sale) error {
	if _, exists := t.s.sales[sale.ID]; exists {
		return store.ErrConflict
	}
	for _, existing := range t.s.sales {
		if existing.ReceiptNo == sale.ReceiptNo {
			return store.ErrRetryable
		}
	}
	stored := sale
	stored.Items = make([]domain.SaleItem, len(sale.Items))
	copy(stored.Items, sale.Items)
	t.s.sales[sale.ID] = &stored
	t.s.saleOrder = append(t.s.saleOrder, sale.ID)
	t.undo = append(t.undo, func() {
		delete(t.s.sales, sale.ID)
		t.s.saleOrder = t.s.saleOrder[:len(t.s.saleOrder)-1]
	})
	return nil
}

func (t *memTx) LockSale(_ context.Context, id string) (*domain.Sale, error) {
	sale, ok := t.s.sales[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t.s.cloneSale(sale, true), nil
}

func (t *memTx) MarkSaleVoided(_ context.Context, id string, reason string, at time.Time) error {
	sale, ok := t.s.sales[id]
	if !ok {
		return store.ErrNotFound
	}
	if sale.Status == domain.SaleStatusVoided {
		return store.ErrAlreadyVoided
	}
	prevStatus, prevReason, prevAt := sale.Status, sale.VoidReason, sale.VoidedAt
	voidedAt := at
	sale.Status = domain.SaleStatusVoided
	sale.VoidReason = reason
	sale.VoidedAt = &voidedAt
	t.undo = append(t.undo, func() {
		sale.Status = prevStatus
		sale.VoidReason = prevReason
		sale.VoidedAt = prevAt
	})
	return nil
}
