package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"licensing-controlplane/pkg/db/option"
	"licensing-controlplane/pkg/db/pagination"
	"licensing-controlplane/pkg/repository"

	"github.com/google/uuid"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("audit.service",
	fx.Provide(NewService),
)

type Service struct {
	repo repository.Repository[Entry]
}

type ServiceParams struct {
	fx.In
	DB *gorm.DB
}

func NewService(p ServiceParams) *Service {
	return &Service{
		repo: repository.ProvideStore[Entry](p.DB),
	}
}

// Append writes one entry. Pass the surrounding transaction as tx so the
// entry commits together with the state change it records.
func (s *Service) Append(ctx context.Context, tx *gorm.DB, licenseID, action string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}

	raw, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}

	return s.repo.WithTrx(tx).Create(ctx, &Entry{
		ID:        uuid.NewString(),
		LicenseID: licenseID,
		Action:    action,
		Details:   raw,
	})
}

// List returns the newest entries for a license first.
func (s *Service) List(ctx context.Context, licenseID string, p pagination.Pagination) ([]*Entry, error) {
	return s.repo.Find(ctx, &Entry{LicenseID: licenseID},
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "desc"}),
		option.ApplyPagination(p.Normalize()),
	)
}
