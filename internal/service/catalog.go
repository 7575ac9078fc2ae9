package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
	"posledger/backend/internal/xid"
)

func (s *Service) ListCategories(ctx context.Context) ([]domain.Category, error) {
	if _, err := s.authorize(ctx, domain.CapViewCatalog); err != nil {
		return nil, err
	}
	return s.repo.ListCategories(ctx, true)
}

func (s *Service) CreateCategory(ctx context.Context, req domain.CategoryCreateRequest) (domain.Category, error) {
	if _, err := s.authorize(ctx, domain.CapManageCatalog); err != nil {
		return domain.Category{}, err
	}
	req.Name = strings.TrimSpace(req.Name)
	if err := validate(req); err != nil {
		return domain.Category{}, err
	}

	created, err := s.repo.CreateCategory(ctx, domain.Category{
		ID:        xid.New("cat"),
		Name:      req.Name,
		Active:    true,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		return domain.Category{}, err
	}
	s.logAudit(ctx, "category_create", "category", created.ID, "name="+created.Name)
	return *created, nil
}

func (s *Service) ListProducts(ctx context.Context, filter domain.ProductFilter) ([]domain.Product, error) {
	if _, err := s.authorize(ctx, domain.CapViewCatalog); err != nil {
		return nil, err
	}
	switch filter.Status {
	case "", domain.ProductStatusActive, domain.ProductStatusInactive:
	case domain.ProductStatusDeleted:
		if _, err := s.authorize(ctx, domain.CapManageCatalog); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown status %q", store.ErrValidation, filter.Status)
	}
	return s.repo.ListProducts(ctx, filter)
}

func (s *Service) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	if _, err := s.authorize(ctx, domain.CapViewCatalog); err != nil {
		return domain.Product{}, err
	}
	product, err := s.repo.GetProduct(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) GetProductByBarcode(ctx context.Context, barcode string) (domain.Product, error) {
	if _, err := s.authorize(ctx, domain.CapViewCatalog); err != nil {
		return domain.Product{}, err
	}
	barcode = strings.TrimSpace(barcode)
	if barcode == "" {
		return domain.Product{}, fmt.Errorf("%w: barcode is required", store.ErrValidation)
	}
	product, err := s.repo.GetProductByBarcode(ctx, barcode)
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

// CreateProduct inserts the product and, when an initial qty is given,
// records it as a receive movement in the same transaction. Without one the
// stock row starts at zero.
func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	actor, err := s.authorize(ctx, domain.CapManageCatalog)
	if err != nil {
		return domain.Product{}, err
	}

	req.SKU = strings.ToUpper(strings.TrimSpace(req.SKU))
	req.Name = strings.TrimSpace(req.Name)
	req.Barcode = strings.TrimSpace(req.Barcode)
	req.CategoryID = strings.TrimSpace(req.CategoryID)
	req.UOM = strings.TrimSpace(req.UOM)
	if err := validate(req); err != nil {
		return domain.Product{}, err
	}
	if err := s.checkCategory(ctx, req.CategoryID); err != nil {
		return domain.Product{}, err
	}

	now := s.now().UTC()
	product := domain.Product{
		ID:         xid.New("prd"),
		CategoryID: req.CategoryID,
		SKU:        req.SKU,
		Barcode:    req.Barcode,
		Name:       req.Name,
		Price:      req.Price,
		Cost:       req.Cost,
		UOM:        defaultString(req.UOM, "each"),
		Active:     req.Active == nil || *req.Active,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	recorded := false
	err = s.withRetry(ctx, "create_product", func() error {
		return s.repo.InTx(ctx, func(tx store.Tx) error {
			if err := tx.InsertProduct(ctx, product); err != nil {
				return err
			}
			if req.InitialQty == nil || !req.InitialQty.IsPositive() {
				_, err := tx.AddStock(ctx, product.ID, decimal.Zero, now)
				return err
			}
			_, err := s.ledger.Apply(ctx, tx, MovementInput{
				ProductID: product.ID,
				Type:      domain.MovementReceive,
				Qty:       *req.InitialQty,
				UnitCost:  req.Cost,
				RefType:   domain.RefTypeReceive,
				Actor:     actor.Username,
				Note:      "initial stock",
				At:        now,
			})
			recorded = err == nil
			return err
		})
	})
	if err != nil {
		return domain.Product{}, err
	}
	if recorded {
		s.metrics.MovementRecorded(string(domain.MovementReceive))
	}

	created, err := s.repo.GetProduct(ctx, product.ID)
	if err != nil {
		return domain.Product{}, err
	}
	s.logAudit(ctx, "product_create", "product", created.ID, fmt.Sprintf("sku=%s,price=%s,qty=%s", created.SKU, created.Price.StringFixed(2), created.QtyOnHand))
	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, id string, req domain.ProductUpdateRequest) (domain.Product, error) {
	if _, err := s.authorize(ctx, domain.CapManageCatalog); err != nil {
		return domain.Product{}, err
	}
	if err := validate(req); err != nil {
		return domain.Product{}, err
	}

	existing, err := s.repo.GetProduct(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Product{}, err
	}

	updated := *existing
	if req.CategoryID != nil {
		categoryID := strings.TrimSpace(*req.CategoryID)
		if err := s.checkCategory(ctx, categoryID); err != nil {
			return domain.Product{}, err
		}
		updated.CategoryID = categoryID
	}
	if req.SKU != nil {
		sku := strings.ToUpper(strings.TrimSpace(*req.SKU))
		if sku == "" {
			return domain.Product{}, fmt.Errorf("%w: sku is required", store.ErrValidation)
		}
		updated.SKU = sku
	}
	if req.Barcode != nil {
		updated.Barcode = strings.TrimSpace(*req.Barcode)
	}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Product{}, fmt.Errorf("%w: name is required", store.ErrValidation)
		}
		updated.Name = name
	}
	if req.Price != nil {
		updated.Price = *req.Price
	}
	if req.Cost != nil {
		cost := *req.Cost
		updated.Cost = &cost
	}
	if req.UOM != nil {
		updated.UOM = defaultString(strings.TrimSpace(*req.UOM), "each")
	}
	if req.Active != nil {
		updated.Active = *req.Active
	}
	updated.UpdatedAt = s.now().UTC()

	saved, err := s.repo.UpdateProduct(ctx, updated)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_update", "product", saved.ID, fmt.Sprintf("sku=%s,price=%s,active=%t", saved.SKU, saved.Price.StringFixed(2), saved.Active))
	return *saved, nil
}

// DeleteProduct hides the product from the catalog and from new sales.
// Its stock and movement history stay intact.
func (s *Service) DeleteProduct(ctx context.Context, id string) (domain.Product, error) {
	if _, err := s.authorize(ctx, domain.CapManageCatalog); err != nil {
		return domain.Product{}, err
	}
	now := s.now().UTC()
	product, err := s.repo.SetProductDeleted(ctx, strings.TrimSpace(id), &now)
	if err != nil {
		return domain.Product{}, err
	}
	s.logAudit(ctx, "product_delete", "product", product.ID, "sku="+product.SKU)
	return *product, nil
}

func (s *Service) RestoreProduct(ctx context.Context, id string) (domain.Product, error) {
	if _, err := s.authorize(ctx, domain.CapManageCatalog); err != nil {
		return domain.Product{}, err
	}
	product, err := s.repo.SetProductDeleted(ctx, strings.TrimSpace(id), nil)
	if err != nil {
		return domain.Product{}, err
	}
	s.logAudit(ctx, "product_restore", "product", product.ID, "sku="+product.SKU)
	return *product, nil
}

func (s *Service) checkCategory(ctx context.Context, categoryID string) error {
	if categoryID == "" {
		return nil
	}
	categories, err := s.repo.ListCategories(ctx, false)
	if err != nil {
		return err
	}
	for _, c := range categories {
		if c.ID == categoryID {
			return nil
		}
	}
	return fmt.Errorf("%w: unknown category %s", store.ErrValidation, categoryID)
}

func defaultString(value string, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
