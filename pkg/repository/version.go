package repository

import (
	"context"

	"supporter-rewards/pkg/errutil"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Versioned is implemented by every entity written under optimistic
// concurrency. The stored version must equal GetVersion for a write to land.
type Versioned interface {
	GetID() string
	GetVersion() int64
	SetVersion(v int64)
}

// IncrementVersion bumps the in-memory version ahead of a write and returns the
// version the write must be predicated on.
func IncrementVersion(entity Versioned) int64 {
	prev := entity.GetVersion()
	entity.SetVersion(prev + 1)
	return prev
}

// TryUpdateWithVersion writes every column of entity with
// `WHERE id = ? AND version = ?`. It returns false, without error, when
// another writer got there first; the entity's version is restored in that
// case so the caller can re-read and decide what to do.
func TryUpdateWithVersion(ctx context.Context, db *gorm.DB, entity Versioned) (bool, error) {
	prev := IncrementVersion(entity)

	res := db.WithContext(ctx).
		Model(entity).
		Where("id = ? AND version = ?", entity.GetID(), prev).
		Select("*").
		Omit(clause.Associations).
		Updates(entity)
	if res.Error != nil {
		entity.SetVersion(prev)
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		entity.SetVersion(prev)
		return false, nil
	}
	return true, nil
}

// UpdateWithVersion is the failing variant of TryUpdateWithVersion: a lost race
// becomes an errutil concurrency error naming the resource.
func UpdateWithVersion(ctx context.Context, db *gorm.DB, entity Versioned, resourceType string) error {
	ok, err := TryUpdateWithVersion(ctx, db, entity)
	if err != nil {
		return err
	}
	if !ok {
		return errutil.Concurrency(resourceType, entity.GetID())
	}
	return nil
}
