package catalog

import (
	"context"
	"errors"
	"time"

	"dropship-controlplane/pkg/errutil"

	"gorm.io/gorm"
)

// Store persists collected products. Upserts are atomic per product code; a
// transaction scopes each lookup-then-write so unrelated codes stay
// independent.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Upsert inserts the product if its code is unseen, otherwise overwrites the
// mutable fields and bumps updated_at while preserving the original
// collected_at. Returns whether the row was newly created.
func (s *Store) Upsert(ctx context.Context, p *Product) (bool, error) {
	created := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Product
		err := tx.Where("product_code = ?", p.ProductCode).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			now := time.Now()
			p.CollectedAt = now
			p.UpdatedAt = now
			if err := tx.Create(p).Error; err != nil {
				return err
			}
			created = true
			return nil
		}
		if err != nil {
			return err
		}

		return tx.Model(&Product{}).
			Where("product_code = ?", p.ProductCode).
			Updates(map[string]any{
				"source_id":      p.SourceID,
				"name":           p.Name,
				"price":          p.Price,
				"stock_quantity": p.StockQuantity,
				"category":       p.Category,
				"raw_attributes": p.RawAttributes,
				"updated_at":     time.Now(),
			}).Error
	})
	if err != nil {
		return false, errutil.StoreFailure("failed to upsert product "+p.ProductCode, errutil.WithErr(err))
	}

	return created, nil
}

// Exists reports whether a product code is already in the store.
func (s *Store) Exists(ctx context.Context, productCode string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Product{}).
		Where("product_code = ?", productCode).
		Count(&count).Error; err != nil {
		return false, errutil.StoreFailure("failed to check product "+productCode, errutil.WithErr(err))
	}
	return count > 0, nil
}

// Get fetches one product by code.
func (s *Store) Get(ctx context.Context, productCode string) (*Product, error) {
	var p Product
	err := s.db.WithContext(ctx).Where("product_code = ?", productCode).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errutil.NotFound("product not found: " + productCode)
	}
	if err != nil {
		return nil, errutil.StoreFailure("failed to load product "+productCode, errutil.WithErr(err))
	}
	return &p, nil
}
