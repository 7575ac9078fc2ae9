package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
)

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) ProductsByID(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := t.tx.QueryContext(ctx, productSelect+" WHERE p.id = ANY($1)", ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		result[p.ID] = p
	}
	return result, rows.Err()
}

func (t *pgTx) InsertProduct(ctx context.Context, product domain.Product) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO products (id, category_id, sku, barcode, name, price, cost, uom, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, product.ID, nullIfEmpty(product.CategoryID), product.SKU, nullIfEmpty(product.Barcode), product.Name,
		product.Price, nullDecimal(product.Cost), product.UOM, product.Active, product.CreatedAt, product.UpdatedAt)
	return err
}

// LockStock locks rows in product_id order so concurrent sales touching the
// same products always queue in the same sequence.
func (t *pgTx) LockStock(ctx context.Context, productIDs []string) (map[string]decimal.Decimal, error) {
	result := make(map[string]decimal.Decimal, len(productIDs))
	for _, id := range productIDs {
		result[id] = decimal.Zero
	}
	if len(productIDs) == 0 {
		return result, nil
	}

	rows, err := t.tx.QueryContext(ctx, `
		SELECT product_id, qty_on_hand
		FROM inventory_stocks
		WHERE product_id = ANY($1)
		ORDER BY product_id
		FOR UPDATE
	`, productIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var qty decimal.Decimal
		if err := rows.Scan(&id, &qty); err != nil {
			return nil, err
		}
		result[id] = qty
	}
	return result, rows.Err()
}

func (t *pgTx) AddStock(ctx context.Context, productID string, delta decimal.Decimal, at time.Time) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO inventory_stocks (product_id, qty_on_hand, updated_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (product_id) DO UPDATE
		SET qty_on_hand = inventory_stocks.qty_on_hand + EXCLUDED.qty_on_hand,
			updated_at = EXCLUDED.updated_at
		RETURNING qty_on_hand
	`, productID, delta, at).Scan(&balance)
	if err != nil {
		return decimal.Zero, err
	}
	return balance, nil
}

func (t *pgTx) InsertMovement(ctx context.Context, movement domain.StockMovement) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO stock_movements (id, product_id, type, qty, unit_cost, ref_type, ref_id, created_by, notes, balance_after, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, movement.ID, movement.ProductID, string(movement.Type), movement.Qty, nullDecimal(movement.UnitCost),
		nullIfEmpty(movement.RefType), nullIfEmpty(movement.RefID), movement.CreatedBy, nullIfEmpty(movement.Notes),
		movement.BalanceAfter, movement.CreatedAt)
	return err
}

// NextReceiptSequence starts a fresh day from the sales already recorded for
// it, then increments under the row lock taken by the upsert.
func (t *pgTx) NextReceiptSequence(ctx context.Context, day string) (int, error) {
	var seq int
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO receipt_sequences (day, last_seq)
		VALUES ($1, (SELECT COUNT(*) FROM sales WHERE receipt_no LIKE $1 || '-%') + 1)
		ON CONFLICT (day) DO UPDATE
		SET last_seq = receipt_sequences.last_seq + 1
		RETURNING last_seq
	`, day).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return seq, nil
}

func (t *pgTx) InsertSale(ctx context.Context, sale domain.Sale) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sales (id, receipt_no, subtotal, total, payment_type, cash_received, change_amount, status, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, sale.ID, sale.ReceiptNo, sale.Subtotal, sale.Total, sale.PaymentType, sale.CashReceived, sale.Change,
		string(sale.Status), sale.CreatedBy, sale.CreatedAt)
	if err != nil {
		return err
	}

	for idx, item := range sale.Items {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO sale_items (id, sale_id, line_no, product_id, qty, price, cost_snapshot, line_total)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, item.ID, sale.ID, idx+1, item.ProductID, item.Qty, item.Price, nullDecimal(item.CostSnapshot), item.LineTotal)
		if err != nil {
			return fmt.Errorf("insert sale item %d: %w", idx+1, err)
		}
	}
	return nil
}

func (t *pgTx) LockSale(ctx context.Context, id string) (*domain.Sale, error) {
	var lockedID string
	if err := t.tx.QueryRowContext(ctx, `SELECT id FROM sales WHERE id = $1 FOR UPDATE`, id).Scan(&lockedID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	sale, err := scanSale(t.tx.QueryRowContext(ctx, saleSelect+" WHERE s.id = $1", id))
	if err != nil {
		return nil, err
	}
	items, err := loadSaleItems(ctx, t.tx, id)
	if err != nil {
		return nil, err
	}
	sale.Items = items
	return &sale, nil
}

func (t *pgTx) MarkSaleVoided(ctx context.Context, id string, reason string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE sales
		SET status = $2, void_reason = $3, voided_at = $4
		WHERE id = $1 AND status = $5
	`, id, string(domain.SaleStatusVoided), nullIfEmpty(reason), at, string(domain.SaleStatusPosted))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrAlreadyVoided
	}
	return nil
}

func loadSaleItems(ctx context.Context, q querier, saleID string) ([]domain.SaleItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT i.id, i.sale_id, i.product_id, COALESCE(p.name, ''), COALESCE(p.sku, ''),
			i.qty, i.price, i.cost_snapshot, i.line_total
		FROM sale_items i
		LEFT JOIN products p ON p.id = i.product_id
		WHERE i.sale_id = $1
		ORDER BY i.line_no
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.SaleItem, 0, 8)
	for rows.Next() {
		var item domain.SaleItem
		var cost decimal.NullDecimal
		if err := rows.Scan(&item.ID, &item.SaleID, &item.ProductID, &item.ProductName, &item.SKU,
			&item.Qty, &item.Price, &cost, &item.LineTotal); err != nil {
			return nil, err
		}
		item.CostSnapshot = decimalPtr(cost)
		items = append(items, item)
	}
	return items, rows.Err()
}
