package license

import (
	"context"
	"strings"

	"licensing-controlplane/pkg/errutil"
	"licensing-controlplane/pkg/repository"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// UpsertCustomer stores personal data keyed by email and returns the record.
func (s *Service) UpsertCustomer(ctx context.Context, info CustomerInfo) (*Customer, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var c *Customer
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		c, err = s.upsertCustomer(ctx, tx, info)
		return err
	})
	if err != nil {
		return nil, storeError("failed to save customer", err)
	}
	return c, nil
}

func (s *Service) upsertCustomer(ctx context.Context, tx *gorm.DB, info CustomerInfo) (*Customer, error) {
	email := strings.ToLower(strings.TrimSpace(info.Email))
	if email == "" {
		return nil, errutil.ValidationFailed("customer email is required", nil)
	}

	store := repository.ProvideStore[Customer](tx)
	existing, err := store.FindOne(ctx, &Customer{Email: email})
	if err != nil {
		return nil, err
	}

	if existing == nil {
		c := &Customer{
			ID:           uuid.NewString(),
			Email:        email,
			Name:         info.Name,
			Organization: info.Organization,
			Notes:        info.Notes,
		}
		if err := store.Create(ctx, c); err != nil {
			return nil, err
		}
		return c, nil
	}

	fields := map[string]any{}
	if info.Name != "" {
		fields["name"] = info.Name
		existing.Name = info.Name
	}
	if info.Organization != "" {
		fields["organization"] = info.Organization
		existing.Organization = info.Organization
	}
	if info.Notes != "" {
		fields["notes"] = info.Notes
		existing.Notes = info.Notes
	}
	if len(fields) > 0 {
		if err := store.Update(ctx, existing.ID, fields); err != nil {
			return nil, err
		}
	}
	return existing, nil
}

// DeleteCustomer removes personal data and detaches it from licenses. The
// licenses themselves are kept.
func (s *Service) DeleteCustomer(ctx context.Context, customerID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ?", customerID).Delete(&Customer{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errutil.NotFound("customer not found", nil)
		}
		return tx.Model(&License{}).Where("customer_id = ?", customerID).Update("customer_id", nil).Error
	})
	if err != nil {
		return storeError("failed to delete customer", err)
	}
	return nil
}
