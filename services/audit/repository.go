package audit

import (
	"context"

	"supporter-rewards/pkg/db/pagination"

	"gorm.io/gorm"
)

// Repository is insert-only; there is no update or delete.
type Repository interface {
	Append(ctx context.Context, e *Entry) error
	List(ctx context.Context, f Filter) ([]*Entry, *pagination.PageInfo, error)
}

type gormRepository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) Append(ctx context.Context, e *Entry) error {
	return r.db.WithContext(ctx).Create(e).Error
}

func (r *gormRepository) List(ctx context.Context, f Filter) ([]*Entry, *pagination.PageInfo, error) {
	limit := pagination.Limit(f.Limit)

	q := r.db.WithContext(ctx).Model(&Entry{}).Where(&Entry{
		ActorID:        f.ActorID,
		Category:       f.Category,
		EntityType:     f.EntityType,
		EntityID:       f.EntityID,
		AffectedUserID: f.AffectedUserID,
	})

	if f.Cursor != "" {
		at, id, err := pagination.DecodeTimeCursor(f.Cursor)
		if err != nil {
			return nil, nil, err
		}
		q = q.Where("created_at < ? OR (created_at = ? AND id < ?)", at, at, id)
	}

	var entries []*Entry
	if err := q.Order("created_at DESC").Order("id DESC").Limit(limit + 1).Find(&entries).Error; err != nil {
		return nil, nil, err
	}

	page := pagination.BuildCursorPageInfo(entries, limit, func(e *Entry) string {
		return pagination.TimeCursor(e.CreatedAt, e.ID)
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}

	return entries, page, nil
}
