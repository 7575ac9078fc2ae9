package service

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
)

const defaultVoidNote = "Sale voided"

// VoidSale reverses every line of a posted sale with a void movement and marks
// it voided. The sale, its items and its sale movements are kept.
func (s *Service) VoidSale(ctx context.Context, req domain.VoidSaleRequest) (domain.Sale, error) {
	actor, err := s.authorize(ctx, domain.CapVoidSale)
	if err != nil {
		return domain.Sale{}, err
	}
	req.SaleID = strings.TrimSpace(req.SaleID)
	req.Reason = strings.TrimSpace(req.Reason)
	if req.SaleID == "" {
		return domain.Sale{}, fmt.Errorf("%w: sale id is required", store.ErrValidation)
	}
	if err := validate(req); err != nil {
		return domain.Sale{}, err
	}

	note := defaultString(req.Reason, defaultVoidNote)
	var voided domain.Sale
	err = s.withRetry(ctx, "void_sale", func() error {
		return s.repo.InTx(ctx, func(tx store.Tx) error {
			sale, err := tx.LockSale(ctx, req.SaleID)
			if err != nil {
				return err
			}
			if sale.Status == domain.SaleStatusVoided {
				return store.ErrAlreadyVoided
			}

			// Lock in PostSale order.
			lockOrder := make([]string, 0, len(sale.Items))
			for _, item := range sale.Items {
				if !slices.Contains(lockOrder, item.ProductID) {
					lockOrder = append(lockOrder, item.ProductID)
				}
			}
			sort.Strings(lockOrder)
			if _, err := tx.LockStock(ctx, lockOrder); err != nil {
				return err
			}

			now := s.now().UTC()
			for _, item := range sale.Items {
				if _, err := s.ledger.Apply(ctx, tx, MovementInput{
					ProductID: item.ProductID,
					Type:      domain.MovementVoid,
					Qty:       item.Qty,
					UnitCost:  item.CostSnapshot,
					RefType:   domain.RefTypeSaleVoid,
					RefID:     sale.ID,
					Actor:     actor.Username,
					Note:      note,
					At:        now,
				}); err != nil {
					return err
				}
			}
			if err := tx.MarkSaleVoided(ctx, sale.ID, req.Reason, now); err != nil {
				return err
			}

			sale.Status = domain.SaleStatusVoided
			sale.VoidReason = req.Reason
			sale.VoidedAt = &now
			voided = *sale
			return nil
		})
	})
	if err != nil {
		return domain.Sale{}, err
	}

	s.metrics.SaleVoided()
	for range voided.Items {
		s.metrics.MovementRecorded(string(domain.MovementVoid))
	}
	s.invalidateRollup(ctx, voided.CreatedAt)
	s.logAudit(ctx, "sale_void", "sale", voided.ID, fmt.Sprintf("receipt=%s,reason=%s", voided.ReceiptNo, note))
	return voided, nil
}
