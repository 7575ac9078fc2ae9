package service

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
	"posledger/backend/internal/xid"
)

// MovementInput is one signed change to a product's on-hand quantity.
type MovementInput struct {
	ProductID string
	Type      domain.MovementType
	Qty       decimal.Decimal
	UnitCost  *decimal.Decimal
	RefType   string
	RefID     string
	Actor     string
	Note      string
	At        time.Time
}

// Ledger is the only writer of stock quantities. Every call to Apply moves
// qty_on_hand and appends the matching movement in the same transaction.
type Ledger struct{}

func (l *Ledger) Apply(ctx context.Context, tx store.Tx, in MovementInput) (domain.StockMovement, error) {
	if err := in.Type.CheckDelta(in.Qty); err != nil {
		return domain.StockMovement{}, fmt.Errorf("%w: %s", store.ErrValidation, err.Error())
	}
	if in.At.IsZero() {
		in.At = time.Now().UTC()
	}

	balance, err := tx.AddStock(ctx, in.ProductID, in.Qty, in.At)
	if err != nil {
		return domain.StockMovement{}, err
	}

	movement := domain.StockMovement{
		ID:           xid.New("mov"),
		ProductID:    in.ProductID,
		Type:         in.Type,
		Qty:          in.Qty,
		UnitCost:     in.UnitCost,
		RefType:      in.RefType,
		RefID:        in.RefID,
		CreatedBy:    in.Actor,
		Notes:        in.Note,
		BalanceAfter: balance,
		CreatedAt:    in.At,
	}
	if err := tx.InsertMovement(ctx, movement); err != nil {
		return domain.StockMovement{}, err
	}
	return movement, nil
}

func (s *Service) Quantity(ctx context.Context, productID string) (decimal.Decimal, error) {
	if _, err := s.authorize(ctx, domain.CapViewCatalog); err != nil {
		return decimal.Zero, err
	}
	return s.repo.GetQuantity(ctx, strings.TrimSpace(productID))
}

func (s *Service) ReceiveStock(ctx context.Context, req domain.ReceiveRequest) (domain.StockMovement, error) {
	actor, err := s.authorize(ctx, domain.CapReceiveStock)
	if err != nil {
		return domain.StockMovement{}, err
	}
	req.ProductID = strings.TrimSpace(req.ProductID)
	if err := validate(req); err != nil {
		return domain.StockMovement{}, err
	}

	movement, err := s.applyManual(ctx, "receive_stock", MovementInput{
		ProductID: req.ProductID,
		Type:      domain.MovementReceive,
		Qty:       req.Qty,
		UnitCost:  req.UnitCost,
		RefType:   domain.RefTypeReceive,
		Actor:     actor.Username,
		Note:      strings.TrimSpace(req.Notes),
	})
	if err != nil {
		return domain.StockMovement{}, err
	}

	s.logAudit(ctx, "stock_receive", "product", movement.ProductID, fmt.Sprintf("qty=%s,balance=%s", movement.Qty, movement.BalanceAfter))
	return movement, nil
}

func (s *Service) AdjustStock(ctx context.Context, req domain.AdjustRequest) (domain.StockMovement, error) {
	actor, err := s.authorize(ctx, domain.CapAdjustStock)
	if err != nil {
		return domain.StockMovement{}, err
	}
	req.ProductID = strings.TrimSpace(req.ProductID)
	if err := validate(req); err != nil {
		return domain.StockMovement{}, err
	}

	note := strings.TrimSpace(req.Reason)
	if notes := strings.TrimSpace(req.Notes); notes != "" {
		note = strings.TrimSpace(note + ": " + notes)
		note = strings.TrimPrefix(note, ": ")
	}

	movement, err := s.applyManual(ctx, "adjust_stock", MovementInput{
		ProductID: req.ProductID,
		Type:      domain.MovementAdjust,
		Qty:       req.Qty,
		RefType:   domain.RefTypeAdjust,
		Actor:     actor.Username,
		Note:      note,
	})
	if err != nil {
		return domain.StockMovement{}, err
	}

	s.logAudit(ctx, "stock_adjust", "product", movement.ProductID, fmt.Sprintf("qty=%s,balance=%s,note=%s", movement.Qty, movement.BalanceAfter, note))
	return movement, nil
}

// applyManual records a receive or adjust movement against an existing,
// non-deleted product.
func (s *Service) applyManual(ctx context.Context, operation string, in MovementInput) (domain.StockMovement, error) {
	var movement domain.StockMovement
	err := s.withRetry(ctx, operation, func() error {
		return s.repo.InTx(ctx, func(tx store.Tx) error {
			products, err := tx.ProductsByID(ctx, []string{in.ProductID})
			if err != nil {
				return err
			}
			product, ok := products[in.ProductID]
			if !ok {
				return store.ErrNotFound
			}
			if product.DeletedAt != nil {
				return fmt.Errorf("%w: product %s is deleted", store.ErrValidation, product.SKU)
			}
			if _, err := tx.LockStock(ctx, []string{in.ProductID}); err != nil {
				return err
			}

			in.At = s.now().UTC()
			movement, err = s.ledger.Apply(ctx, tx, in)
			if err != nil {
				return err
			}
			movement.ProductName = product.Name
			return nil
		})
	})
	if err != nil {
		return domain.StockMovement{}, err
	}
	s.metrics.MovementRecorded(string(movement.Type))
	return movement, nil
}

func (s *Service) movementFilter(q domain.MovementQuery) (domain.MovementFilter, error) {
	filter := domain.MovementFilter{ProductID: strings.TrimSpace(q.ProductID)}
	if raw := strings.TrimSpace(q.Type); raw != "" {
		movementType, err := domain.ParseMovementType(raw)
		if err != nil {
			return filter, fmt.Errorf("%w: %s", store.ErrValidation, err.Error())
		}
		filter.Type = movementType
	}
	if strings.TrimSpace(q.Date) != "" {
		from, to, err := s.parseDay(q.Date)
		if err != nil {
			return filter, err
		}
		filter.From, filter.To = &from, &to
	}
	return filter, nil
}

func (s *Service) ListMovements(ctx context.Context, q domain.MovementQuery) (domain.MovementPage, error) {
	if _, err := s.authorize(ctx, domain.CapViewMovements); err != nil {
		return domain.MovementPage{}, err
	}
	filter, err := s.movementFilter(q)
	if err != nil {
		return domain.MovementPage{}, err
	}

	perPage := q.PerPage
	switch {
	case perPage <= 0:
		perPage = 20
	case perPage < 10:
		perPage = 10
	case perPage > 100:
		perPage = 100
	}
	page := q.Page
	if page < 1 {
		page = 1
	}
	filter.Limit = perPage
	filter.Offset = (page - 1) * perPage

	movements, total, err := s.repo.ListMovements(ctx, filter)
	if err != nil {
		return domain.MovementPage{}, err
	}

	totalPages := (total + perPage - 1) / perPage
	return domain.MovementPage{
		Data: movements,
		Meta: domain.PageMeta{Page: page, PerPage: perPage, Total: total, TotalPages: totalPages},
	}, nil
}

// ExportMovements writes every movement matching q as CSV, newest first.
// Paging fields in q are ignored.
func (s *Service) ExportMovements(ctx context.Context, q domain.MovementQuery, w io.Writer) error {
	if _, err := s.authorize(ctx, domain.CapViewMovements); err != nil {
		return err
	}
	filter, err := s.movementFilter(q)
	if err != nil {
		return err
	}
	movements, _, err := s.repo.ListMovements(ctx, filter)
	if err != nil {
		return err
	}

	out := csv.NewWriter(w)
	if err := out.Write([]string{"created_at", "product_id", "product", "type", "qty", "unit_cost", "balance_after", "ref_type", "ref_id", "created_by", "notes"}); err != nil {
		return err
	}
	for _, m := range movements {
		unitCost := ""
		if m.UnitCost != nil {
			unitCost = m.UnitCost.StringFixed(2)
		}
		if err := out.Write([]string{
			m.CreatedAt.In(s.loc).Format(time.RFC3339),
			m.ProductID,
			m.ProductName,
			string(m.Type),
			m.Qty.String(),
			unitCost,
			m.BalanceAfter.String(),
			m.RefType,
			m.RefID,
			m.CreatedBy,
			m.Notes,
		}); err != nil {
			return err
		}
	}
	out.Flush()
	return out.Error()
}

// ReconcileLedger reports every product whose on-hand qty differs from the
// sum of its movements. It never repairs anything.
func (s *Service) ReconcileLedger(ctx context.Context) ([]domain.LedgerDrift, error) {
	if _, err := s.authorize(ctx, domain.CapReconcile); err != nil {
		return nil, err
	}
	drift, err := s.repo.LedgerDrift(ctx)
	if err != nil {
		return nil, err
	}

	s.metrics.SetLedgerDrift(len(drift))
	for _, d := range drift {
		s.log.Warn("ledger drift detected",
			zap.String("product_id", d.ProductID),
			zap.String("qty_on_hand", d.QtyOnHand.String()),
			zap.String("movement_sum", d.MovementSum.String()),
		)
	}
	return drift, nil
}
