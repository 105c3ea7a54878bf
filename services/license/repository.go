package license

import (
	"context"
	"errors"
	"strings"
	"time"

	"licensing-controlplane/pkg/db/option"
	"licensing-controlplane/pkg/repository"

	"gorm.io/gorm"
)

// Repository is the store adapter for license records.
type Repository struct {
	db   *gorm.DB
	repo repository.Repository[License]
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{
		db:   db,
		repo: repository.ProvideStore[License](db),
	}
}

func (r *Repository) WithTrx(tx *gorm.DB) *Repository {
	if tx == nil {
		return r
	}
	return NewRepository(tx)
}

// FindActive returns the authoritative valid record for fingerprint: stored
// status active and expires_at >= now. Should duplicates exist, the oldest
// issued record wins, ties broken by id.
func (r *Repository) FindActive(ctx context.Context, fingerprint string, now time.Time) (*License, error) {
	return r.repo.FindOne(ctx, &License{MachineFingerprint: fingerprint, Status: StatusActive},
		option.ApplyOperator(option.Condition{Field: "expires_at", Operator: option.GTE, Value: now}),
		option.WithOrder("issued_at", false),
		option.WithOrder("id", false),
	)
}

// FindLatest returns the record with the most recent expiry in any status.
func (r *Repository) FindLatest(ctx context.Context, fingerprint string) (*License, error) {
	return r.repo.FindOne(ctx, &License{MachineFingerprint: fingerprint},
		option.WithOrder("expires_at", true),
		option.WithOrder("id", true),
	)
}

func (r *Repository) FindByID(ctx context.Context, id string) (*License, error) {
	return r.repo.FindOne(ctx, &License{ID: id})
}

func (r *Repository) FindBySubscription(ctx context.Context, subscriptionID string) (*License, error) {
	return r.repo.FindOne(ctx, &License{StripeSubscriptionID: &subscriptionID},
		option.WithOrder("created_at", true),
		option.WithOrder("id", true),
	)
}

func (r *Repository) FindByCheckoutSession(ctx context.Context, sessionID string) (*License, error) {
	return r.repo.FindOne(ctx, &License{CheckoutSessionID: &sessionID})
}

func (r *Repository) FindByFingerprint(ctx context.Context, fingerprint string) ([]*License, error) {
	return r.repo.Find(ctx, &License{MachineFingerprint: fingerprint},
		option.WithOrder("created_at", true),
		option.WithOrder("id", true),
	)
}

func (r *Repository) FindByCustomer(ctx context.Context, customerID string) ([]*License, error) {
	return r.repo.Find(ctx, &License{CustomerID: &customerID})
}

// Insert creates the record. A unique violation on the active slot or the
// checkout session is reported as ErrDuplicateActiveLicense.
func (r *Repository) Insert(ctx context.Context, l *License) error {
	if err := r.repo.Create(ctx, l); err != nil {
		if isDuplicate(err) {
			return ErrDuplicateActiveLicense
		}
		return err
	}
	return nil
}

// IncrementVerification bumps the counter at the store so concurrent
// verifications never lose an update.
func (r *Repository) IncrementVerification(ctx context.Context, id string, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&License{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"verification_count": gorm.Expr("verification_count + ?", 1),
			"last_verified_at":   now,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, gorm.ErrRecordNotFound
	}

	var count int64
	if err := r.db.WithContext(ctx).Model(&License{}).
		Where("id = ?", id).
		Pluck("verification_count", &count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// ReleaseStaleSlot frees the identity's active slot when its holder no longer
// grants access. A valid holder keeps the slot.
func (r *Repository) ReleaseStaleSlot(ctx context.Context, fingerprint string, now time.Time) error {
	return r.db.WithContext(ctx).Model(&License{}).
		Where("active_slot = ?", fingerprint).
		Where("(status <> ? OR expires_at < ?)", StatusActive, now).
		Update("active_slot", nil).Error
}

// Update applies fields by id. A unique violation maps to
// ErrDuplicateActiveLicense.
func (r *Repository) Update(ctx context.Context, id string, fields map[string]any) error {
	if err := r.db.WithContext(ctx).Model(&License{}).Where("id = ?", id).Updates(fields).Error; err != nil {
		if isDuplicate(err) {
			return ErrDuplicateActiveLicense
		}
		return err
	}
	return nil
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
