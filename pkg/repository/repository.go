package repository

import (
	"context"
	"errors"

	"licensing-controlplane/pkg/db/option"

	"gorm.io/gorm"
)

// Repository is the generic store used by every service. FindOne returns
// (nil, nil) when nothing matches.
type Repository[T any] interface {
	WithTrx(tx *gorm.DB) Repository[T]
	Find(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error)
	FindOne(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error)
	Create(ctx context.Context, resource *T) error
	Update(ctx context.Context, id string, resource any) error
	BatchCreate(ctx context.Context, resources []*T) error
	BatchUpdate(ctx context.Context, resources []*T) error
	Count(ctx context.Context, query *T, opts ...option.QueryOption) (int64, error)
}

type store[T any] struct {
	db *gorm.DB
}

func ProvideStore[T any](db *gorm.DB) Repository[T] {
	return &store[T]{db: db}
}

func (s *store[T]) WithTrx(tx *gorm.DB) Repository[T] {
	if tx == nil {
		return s
	}
	return &store[T]{db: tx}
}

func (s *store[T]) query(ctx context.Context, query *T, opts ...option.QueryOption) *gorm.DB {
	tx := s.db.WithContext(ctx).Model(new(T))
	if query != nil {
		tx = tx.Where(query)
	}
	for _, opt := range opts {
		tx = opt(tx)
	}
	return tx
}

func (s *store[T]) Find(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error) {
	var out []*T
	if err := s.query(ctx, query, opts...).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *store[T]) FindOne(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error) {
	var out T
	if err := s.query(ctx, query, opts...).Limit(1).Take(&out).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

func (s *store[T]) Create(ctx context.Context, resource *T) error {
	return s.db.WithContext(ctx).Create(resource).Error
}

func (s *store[T]) Update(ctx context.Context, id string, resource any) error {
	return s.db.WithContext(ctx).Model(new(T)).Where("id = ?", id).Updates(resource).Error
}

func (s *store[T]) BatchCreate(ctx context.Context, resources []*T) error {
	if len(resources) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).CreateInBatches(resources, 100).Error
}

func (s *store[T]) BatchUpdate(ctx context.Context, resources []*T) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, r := range resources {
			if err := tx.Save(r).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *store[T]) Count(ctx context.Context, query *T, opts ...option.QueryOption) (int64, error) {
	var count int64
	if err := s.query(ctx, query, opts...).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
