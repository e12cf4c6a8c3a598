package mapping

import (
	"context"
	"errors"
	"sort"

	"supporter-rewards/pkg/errutil"
	"supporter-rewards/pkg/repository"
	"supporter-rewards/services/reward"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const resourceAssociation = "product_mapping_user_association"

// Catalog owns mapping lookups and user associations. It has no dependency on
// the reward engine so the engine can use it to resolve tiers.
type Catalog struct {
	db           *gorm.DB
	node         *snowflake.Node
	mappings     repository.Repository[ProductMapping]
	associations repository.Repository[ProductMappingUserAssociation]
}

type CatalogParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewCatalog(p CatalogParams) *Catalog {
	return &Catalog{
		db:           p.DB,
		node:         p.Node,
		mappings:     repository.ProvideStore[ProductMapping](p.DB),
		associations: repository.ProvideStore[ProductMappingUserAssociation](p.DB),
	}
}

// MappingsForProducts returns the active mappings selling any of the given
// provider products, ordered by id.
func (c *Catalog) MappingsForProducts(ctx context.Context, providerID string, productIDs []string) ([]*ProductMapping, error) {
	if len(productIDs) == 0 {
		return nil, nil
	}
	var rows []*ProductMapping
	err := c.db.WithContext(ctx).
		Select("product_mappings.*").
		Joins("JOIN product_mapping_products p ON p.product_mapping_id = product_mappings.id").
		Where("p.provider_id = ? AND p.product_id IN ? AND product_mappings.is_active = ?", providerID, productIDs, true).
		Order("product_mappings.id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(rows))
	out := rows[:0]
	for _, m := range rows {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	return out, nil
}

// ResolveRewards implements reward.TierResolver. A reward listed by several
// mappings is returned once, attributed to the lowest mapping id.
func (c *Catalog) ResolveRewards(ctx context.Context, providerID string, tierIDs []string) ([]reward.ResolvedReward, error) {
	mappings, err := c.MappingsForProducts(ctx, providerID, tierIDs)
	if err != nil {
		return nil, err
	}
	var out []reward.ResolvedReward
	seen := make(map[string]struct{})
	for _, m := range mappings {
		for _, rid := range m.RewardIDs {
			if _, ok := seen[rid]; ok {
				continue
			}
			seen[rid] = struct{}{}
			out = append(out, reward.ResolvedReward{RewardID: rid, ProductMappingID: m.ID})
		}
	}
	return out, nil
}

// RecordMembership implements reward.MembershipRecorder. One-off purchases do
// not create memberships.
func (c *Catalog) RecordMembership(ctx context.Context, ev reward.RewardEvent) error {
	if ev.EventType == reward.EventPurchase {
		return nil
	}
	return c.SetMemberships(ctx, ev.UserID, ev.ProviderID, ev.ProviderReference, ev.EntitledTierIDs, ev.EventType.MembershipActive())
}

// EndMembership implements reward.MembershipRecorder.
func (c *Catalog) EndMembership(ctx context.Context, userID, providerID, providerReference string) error {
	return c.SetMemberships(ctx, userID, providerID, providerReference, nil, false)
}

// SetMemberships makes the user's associations for one provider membership
// match the given product ids. With active=false every association of the
// membership is deactivated.
func (c *Catalog) SetMemberships(ctx context.Context, userID, providerID, providerReference string, productIDs []string, active bool) error {
	type key struct{ mappingID, productID string }

	wanted := map[key]bool{}
	if active && len(productIDs) > 0 {
		var pairs []ProductMappingProduct
		err := c.db.WithContext(ctx).
			Where("provider_id = ? AND product_id IN ?", providerID, productIDs).
			Find(&pairs).Error
		if err != nil {
			return err
		}
		for _, p := range pairs {
			wanted[key{p.ProductMappingID, p.ProductID}] = true
		}
	}

	existing, err := c.associations.Find(ctx, &ProductMappingUserAssociation{
		UserID:            userID,
		ProviderID:        providerID,
		ProviderReference: providerReference,
	})
	if err != nil {
		return err
	}

	for _, a := range existing {
		k := key{a.ProductMappingID, a.ProviderProductID}
		want := wanted[k]
		delete(wanted, k)
		if a.IsActive == want {
			continue
		}
		a.IsActive = want
		if err := repository.UpdateWithVersion(ctx, c.db, a, resourceAssociation); err != nil {
			return err
		}
	}

	keys := make([]key, 0, len(wanted))
	for k := range wanted {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].mappingID != keys[j].mappingID {
			return keys[i].mappingID < keys[j].mappingID
		}
		return keys[i].productID < keys[j].productID
	})
	for _, k := range keys {
		a := &ProductMappingUserAssociation{
			ID:                c.node.Generate().String(),
			UserID:            userID,
			ProductMappingID:  k.mappingID,
			ProviderID:        providerID,
			ProviderProductID: k.productID,
			ProviderReference: providerReference,
			IsActive:          true,
		}
		if err := c.associations.Create(ctx, a); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				zap.L().Debug("association created concurrently",
					zap.String("user_id", userID),
					zap.String("product_mapping_id", k.mappingID),
				)
				continue
			}
			return err
		}
	}
	return nil
}

// UserAssociations returns a user's associations, oldest first.
func (c *Catalog) UserAssociations(ctx context.Context, userID string, activeOnly bool) ([]*ProductMappingUserAssociation, error) {
	q := c.db.WithContext(ctx).Where("user_id = ?", userID)
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	var out []*ProductMappingUserAssociation
	if err := q.Order("created_at ASC, id ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ProviderAssociations returns every active association of a provider.
func (c *Catalog) ProviderAssociations(ctx context.Context, providerID string) ([]*ProductMappingUserAssociation, error) {
	var out []*ProductMappingUserAssociation
	err := c.db.WithContext(ctx).
		Where("provider_id = ? AND is_active = ?", providerID, true).
		Order("user_id ASC, id ASC").
		Find(&out).Error
	return out, err
}

// MappingUsers returns the distinct users actively associated with a mapping.
func (c *Catalog) MappingUsers(ctx context.Context, mappingID string) ([]string, error) {
	var users []string
	err := c.db.WithContext(ctx).
		Model(&ProductMappingUserAssociation{}).
		Where("product_mapping_id = ? AND is_active = ?", mappingID, true).
		Distinct("user_id").
		Order("user_id ASC").
		Pluck("user_id", &users).Error
	return users, err
}

// UsersWithAssociations returns every user that has any association.
func (c *Catalog) UsersWithAssociations(ctx context.Context) ([]string, error) {
	var users []string
	err := c.db.WithContext(ctx).
		Model(&ProductMappingUserAssociation{}).
		Distinct("user_id").
		Order("user_id ASC").
		Pluck("user_id", &users).Error
	return users, err
}

func (c *Catalog) GetMapping(ctx context.Context, id string) (*ProductMapping, error) {
	var m ProductMapping
	err := c.db.WithContext(ctx).Preload("Products").Where("id = ?", id).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound("product mapping not found", nil, errutil.WithDetail("product_mapping_id", id))
		}
		return nil, errutil.Internal("failed to load product mapping", err)
	}
	return &m, nil
}

func (c *Catalog) ListMappings(ctx context.Context, activeOnly bool) ([]*ProductMapping, error) {
	q := c.db.WithContext(ctx).Preload("Products").Order("id ASC")
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	var out []*ProductMapping
	if err := q.Find(&out).Error; err != nil {
		return nil, errutil.Internal("failed to list product mappings", err)
	}
	return out, nil
}

// desiredRewards computes the rewards a user should hold from their active
// associations. Each reward maps to the first association that entitles it.
// overrides replaces stored mappings, which lets a dry run evaluate an edit
// before it is saved.
func (c *Catalog) desiredRewards(ctx context.Context, userID string, overrides map[string]*ProductMapping) (map[string]*ProductMappingUserAssociation, error) {
	assocs, err := c.UserAssociations(ctx, userID, true)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(assocs))
	for _, a := range assocs {
		if _, ok := overrides[a.ProductMappingID]; !ok {
			ids = append(ids, a.ProductMappingID)
		}
	}
	loaded := make(map[string]*ProductMapping, len(ids))
	if len(ids) > 0 {
		var rows []*ProductMapping
		if err := c.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
			return nil, err
		}
		for _, m := range rows {
			loaded[m.ID] = m
		}
	}

	desired := make(map[string]*ProductMappingUserAssociation)
	for _, a := range assocs {
		m, ok := overrides[a.ProductMappingID]
		if !ok {
			m = loaded[a.ProductMappingID]
		}
		if m == nil || !m.IsActive {
			continue
		}
		for _, rid := range m.RewardIDs {
			if _, ok := desired[rid]; !ok {
				desired[rid] = a
			}
		}
	}
	return desired, nil
}

// ProductName returns the product name of the mapping selling a provider
// product.
func (c *Catalog) ProductName(ctx context.Context, providerID, productID string) (string, bool, error) {
	var names []string
	err := c.db.WithContext(ctx).
		Model(&ProductMapping{}).
		Joins("JOIN product_mapping_products p ON p.product_mapping_id = product_mappings.id").
		Where("p.provider_id = ? AND p.product_id = ?", providerID, productID).
		Limit(1).
		Pluck("product_mappings.product_name", &names).Error
	if err != nil {
		return "", false, err
	}
	if len(names) == 0 {
		return "", false, nil
	}
	return names[0], true, nil
}

// MappedProducts returns the provider product ids sold by active mappings.
func (c *Catalog) MappedProducts(ctx context.Context, providerID string) (map[string]bool, error) {
	var ids []string
	err := c.db.WithContext(ctx).
		Model(&ProductMappingProduct{}).
		Joins("JOIN product_mappings m ON m.id = product_mapping_products.product_mapping_id").
		Where("product_mapping_products.provider_id = ? AND m.is_active = ?", providerID, true).
		Distinct("product_mapping_products.product_id").
		Pluck("product_mapping_products.product_id", &ids).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}
