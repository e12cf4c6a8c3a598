package provider

import (
	"context"
	"errors"
	"strings"
	"time"

	"supporter-rewards/pkg/errutil"
	"supporter-rewards/pkg/rediskey"
	"supporter-rewards/services/audit"

	"github.com/bwmarrin/snowflake"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

// ProviderIdentity links an external account to an internal user.
type ProviderIdentity struct {
	ID              string    `gorm:"column:id;primaryKey" json:"id"`
	ProviderID      string    `gorm:"column:provider_id;not null;uniqueIndex:ux_provider_identity,priority:1" json:"provider_id"`
	ExternalUserRef string    `gorm:"column:external_user_ref;not null;uniqueIndex:ux_provider_identity,priority:2" json:"external_user_ref"`
	UserID          string    `gorm:"column:user_id;not null;index" json:"user_id"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

const (
	identityCacheSize = 4096
	identityCacheTTL  = 15 * time.Minute
)

// IdentityStore resolves external references through a process-local LRU,
// then redis, then the database. Concurrent misses for one key share a
// single lookup.
type IdentityStore struct {
	db    *gorm.DB
	node  *snowflake.Node
	rdb   *redis.Client
	local *lru.Cache[string, string]
	group singleflight.Group
	audit audit.Logger
}

type IdentityParams struct {
	fx.In
	DB    *gorm.DB
	Node  *snowflake.Node
	Redis *redis.Client `optional:"true"`
	Audit audit.Logger  `optional:"true"`
}

func NewIdentityStore(p IdentityParams) (*IdentityStore, error) {
	cache, err := lru.New[string, string](identityCacheSize)
	if err != nil {
		return nil, err
	}
	return &IdentityStore{
		db:    p.DB,
		node:  p.Node,
		rdb:   p.Redis,
		local: cache,
		audit: p.Audit,
	}, nil
}

func (s *IdentityStore) Resolve(ctx context.Context, providerID, externalRef string) (string, error) {
	if strings.TrimSpace(externalRef) == "" {
		return "", ErrUserNotLinked
	}
	key := rediskey.BuildIdentityKey(providerID, externalRef)
	if userID, ok := s.local.Get(key); ok {
		return userID, nil
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		if s.rdb != nil {
			userID, err := s.rdb.Get(ctx, key).Result()
			switch {
			case err == nil:
				s.local.Add(key, userID)
				return userID, nil
			case !errors.Is(err, redis.Nil):
				zap.L().Warn("identity cache read failed", zap.String("provider", providerID), zap.Error(err))
			}
		}

		var row ProviderIdentity
		err := s.db.WithContext(ctx).
			Where("provider_id = ? AND external_user_ref = ?", providerID, externalRef).
			First(&row).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return "", ErrUserNotLinked
			}
			return "", err
		}

		s.local.Add(key, row.UserID)
		if s.rdb != nil {
			if err := s.rdb.Set(ctx, key, row.UserID, identityCacheTTL).Err(); err != nil {
				zap.L().Warn("identity cache write failed", zap.String("provider", providerID), zap.Error(err))
			}
		}
		return row.UserID, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Link points an external account at a user, replacing any previous link.
func (s *IdentityStore) Link(ctx context.Context, providerID, externalRef, userID, actorID string) (*ProviderIdentity, error) {
	if strings.TrimSpace(providerID) == "" || strings.TrimSpace(externalRef) == "" || strings.TrimSpace(userID) == "" {
		return nil, errutil.ValidationFailed("provider_id, external_user_ref and user_id are required", nil)
	}

	var row ProviderIdentity
	err := s.db.WithContext(ctx).
		Where("provider_id = ? AND external_user_ref = ?", providerID, externalRef).
		First(&row).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		row = ProviderIdentity{
			ID:              s.node.Generate().String(),
			ProviderID:      providerID,
			ExternalUserRef: externalRef,
			UserID:          userID,
		}
		if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return nil, errutil.Conflict("identity linked concurrently", err)
			}
			return nil, errutil.Internal("failed to link identity", err)
		}
	case err != nil:
		return nil, errutil.Internal("failed to load identity", err)
	default:
		if err := s.db.WithContext(ctx).Model(&row).Update("user_id", userID).Error; err != nil {
			return nil, errutil.Internal("failed to relink identity", err)
		}
		row.UserID = userID
	}

	s.invalidate(ctx, providerID, externalRef)
	s.record(ctx, audit.Action{
		ActorID:        actorID,
		Category:       audit.CategoryIdentity,
		Action:         "identity.linked",
		EntityType:     "provider_identity",
		EntityID:       row.ID,
		AffectedUserID: userID,
		NewValue:       row,
	})
	return &row, nil
}

func (s *IdentityStore) Unlink(ctx context.Context, providerID, externalRef, actorID string) error {
	var row ProviderIdentity
	err := s.db.WithContext(ctx).
		Where("provider_id = ? AND external_user_ref = ?", providerID, externalRef).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errutil.NotFound("identity not linked", nil)
		}
		return errutil.Internal("failed to load identity", err)
	}
	if err := s.db.WithContext(ctx).Delete(&row).Error; err != nil {
		return errutil.Internal("failed to unlink identity", err)
	}

	s.invalidate(ctx, providerID, externalRef)
	s.record(ctx, audit.Action{
		ActorID:        actorID,
		Category:       audit.CategoryIdentity,
		Action:         "identity.unlinked",
		EntityType:     "provider_identity",
		EntityID:       row.ID,
		AffectedUserID: row.UserID,
		OldValue:       row,
	})
	return nil
}

func (s *IdentityStore) ListForUser(ctx context.Context, userID string) ([]*ProviderIdentity, error) {
	var out []*ProviderIdentity
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("provider_id ASC").Find(&out).Error
	if err != nil {
		return nil, errutil.Internal("failed to list identities", err)
	}
	return out, nil
}

func (s *IdentityStore) invalidate(ctx context.Context, providerID, externalRef string) {
	key := rediskey.BuildIdentityKey(providerID, externalRef)
	s.local.Remove(key)
	if s.rdb != nil {
		if err := s.rdb.Del(ctx, key).Err(); err != nil {
			zap.L().Warn("identity cache invalidation failed", zap.String("provider", providerID), zap.Error(err))
		}
	}
}

func (s *IdentityStore) record(ctx context.Context, a audit.Action) {
	if s.audit == nil {
		return
	}
	_ = s.audit.LogAction(ctx, a)
}
