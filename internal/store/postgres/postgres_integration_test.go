package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
)

func newIntegrationStore(t *testing.T) *Store {
	t.Helper()

	databaseURL := os.Getenv("POS_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set POS_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL, WithLockTimeout(2*time.Second))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func seedIntegrationProduct(t *testing.T, s *Store, qty decimal.Decimal) domain.Product {
	t.Helper()

	ctx := context.Background()
	stamp := time.Now().UnixNano()
	now := time.Now().UTC()
	product := domain.Product{
		ID:        fmt.Sprintf("prd-it-%d", stamp),
		SKU:       fmt.Sprintf("SKU-IT-%d", stamp),
		Name:      "Integration Widget",
		Price:     decimal.RequireFromString("50.00"),
		UOM:       "each",
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.InTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertProduct(ctx, product); err != nil {
			return err
		}
		balance, err := tx.AddStock(ctx, product.ID, qty, now)
		if err != nil {
			return err
		}
		return tx.InsertMovement(ctx, domain.StockMovement{
			ID:           fmt.Sprintf("mov-it-%d", stamp),
			ProductID:    product.ID,
			Type:         domain.MovementReceive,
			Qty:          qty,
			CreatedBy:    "integration",
			BalanceAfter: balance,
			CreatedAt:    now,
		})
	})
	if err != nil {
		t.Fatalf("seed product: %v", err)
	}

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sale_items WHERE product_id = $1`, product.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sales WHERE id LIKE $1`, fmt.Sprintf("sale-it-%d%%", stamp))
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, product.ID)
	})
	return product
}

func TestVoidRestoresStockInPostgres(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	product := seedIntegrationProduct(t, s, decimal.NewFromInt(10))

	saleID := fmt.Sprintf("sale-it-%d", time.Now().UnixNano())
	day := fmt.Sprintf("IT%d", time.Now().UnixNano())
	now := time.Now().UTC()

	err := s.InTx(ctx, func(tx store.Tx) error {
		stock, err := tx.LockStock(ctx, []string{product.ID})
		if err != nil {
			return err
		}
		if !stock[product.ID].Equal(decimal.NewFromInt(10)) {
			return fmt.Errorf("expected locked qty 10, got %s", stock[product.ID])
		}
		seq, err := tx.NextReceiptSequence(ctx, day)
		if err != nil {
			return err
		}
		if err := tx.InsertSale(ctx, domain.Sale{
			ID:           saleID,
			ReceiptNo:    fmt.Sprintf("%s-%04d", day, seq),
			Subtotal:     decimal.RequireFromString("100.00"),
			Total:        decimal.RequireFromString("100.00"),
			PaymentType:  domain.PaymentTypeCash,
			CashReceived: decimal.RequireFromString("120.00"),
			Change:       decimal.RequireFromString("20.00"),
			Status:       domain.SaleStatusPosted,
			CreatedBy:    "integration",
			CreatedAt:    now,
			Items: []domain.SaleItem{{
				ID:        saleID + "-1",
				ProductID: product.ID,
				Qty:       decimal.NewFromInt(2),
				Price:     decimal.RequireFromString("50.00"),
				LineTotal: decimal.RequireFromString("100.00"),
			}},
		}); err != nil {
			return err
		}
		balance, err := tx.AddStock(ctx, product.ID, decimal.NewFromInt(-2), now)
		if err != nil {
			return err
		}
		return tx.InsertMovement(ctx, domain.StockMovement{
			ID: saleID + "-mov", ProductID: product.ID, Type: domain.MovementSale, Qty: decimal.NewFromInt(-2),
			RefType: domain.RefTypeSale, RefID: saleID, CreatedBy: "integration", BalanceAfter: balance, CreatedAt: now,
		})
	})
	if err != nil {
		t.Fatalf("post sale: %v", err)
	}

	err = s.InTx(ctx, func(tx store.Tx) error {
		sale, err := tx.LockSale(ctx, saleID)
		if err != nil {
			return err
		}
		for _, item := range sale.Items {
			balance, err := tx.AddStock(ctx, item.ProductID, item.Qty, now)
			if err != nil {
				return err
			}
			if err := tx.InsertMovement(ctx, domain.StockMovement{
				ID: saleID + "-void", ProductID: item.ProductID, Type: domain.MovementVoid, Qty: item.Qty,
				RefType: domain.RefTypeSaleVoid, RefID: saleID, CreatedBy: "integration", BalanceAfter: balance, CreatedAt: now,
			}); err != nil {
				return err
			}
		}
		return tx.MarkSaleVoided(ctx, saleID, "integration test void", now)
	})
	if err != nil {
		t.Fatalf("void sale: %v", err)
	}

	qty, err := s.GetQuantity(ctx, product.ID)
	if err != nil {
		t.Fatalf("get quantity: %v", err)
	}
	if !qty.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected stock 10 after void, got %s", qty)
	}

	sale, err := s.FindSaleByID(ctx, saleID)
	if err != nil {
		t.Fatalf("find sale: %v", err)
	}
	if sale.Status != domain.SaleStatusVoided || sale.ItemsCount != 1 {
		t.Fatalf("unexpected sale after void: %+v", sale)
	}

	err = s.InTx(ctx, func(tx store.Tx) error {
		return tx.MarkSaleVoided(ctx, saleID, "again", now)
	})
	if !errors.Is(err, store.ErrAlreadyVoided) {
		t.Fatalf("expected ErrAlreadyVoided on second void, got %v", err)
	}

	drift, err := s.LedgerDrift(ctx)
	if err != nil {
		t.Fatalf("ledger drift: %v", err)
	}
	for _, d := range drift {
		if d.ProductID == product.ID {
			t.Fatalf("unexpected drift for %s: %+v", product.ID, d)
		}
	}
}

func TestReceiptSequenceIsUniqueUnderConcurrency(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	day := fmt.Sprintf("SEQ%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM receipt_sequences WHERE day = $1`, day)
	})

	const workers = 8
	seen := make(chan int, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.InTx(ctx, func(tx store.Tx) error {
				seq, err := tx.NextReceiptSequence(ctx, day)
				if err != nil {
					return err
				}
				seen <- seq
				return nil
			})
		}()
	}
	wg.Wait()
	close(seen)

	unique := map[int]bool{}
	for seq := range seen {
		if unique[seq] {
			t.Fatalf("sequence %d issued twice", seq)
		}
		unique[seq] = true
	}
	if len(unique) != workers {
		t.Fatalf("expected %d sequences, got %d", workers, len(unique))
	}
}
