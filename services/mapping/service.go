package mapping

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"supporter-rewards/pkg/errutil"
	"supporter-rewards/pkg/repository"
	"supporter-rewards/services/audit"
	"supporter-rewards/services/reward"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

const resourceMapping = "product_mapping"

// Engine is the part of the reward engine reconciliation drives.
type Engine interface {
	AssignRewardWithEventID(ctx context.Context, p reward.AssignParams) (*reward.RewardAssignment, error)
	RevokeReward(ctx context.Context, assignmentID, reason, actorID string) (*reward.RewardAssignment, error)
	HeldAssignments(ctx context.Context, userID string) ([]*reward.RewardAssignment, error)
	AssignmentCount(ctx context.Context, userID, rewardID string) (int64, error)
	ExistingRewardIDs(ctx context.Context, ids []string) (map[string]bool, error)
}

type Service struct {
	db      *gorm.DB
	node    *snowflake.Node
	catalog *Catalog
	engine  Engine
	audit   audit.Logger
	clock   func() time.Time
}

type ServiceParams struct {
	fx.In
	DB      *gorm.DB
	Node    *snowflake.Node
	Catalog *Catalog
	Engine  Engine
	Audit   audit.Logger
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:      p.DB,
		node:    p.Node,
		catalog: p.Catalog,
		engine:  p.Engine,
		audit:   p.Audit,
		clock:   time.Now,
	}
}

func (s *Service) Catalog() *Catalog { return s.catalog }

func (s *Service) validateInput(ctx context.Context, in MappingInput) error {
	var details []errutil.Detail
	if strings.TrimSpace(in.ProductName) == "" {
		details = append(details, errutil.Detail{Field: "product_name", Message: "is required"})
	}
	if in.Type != TypeSingleTier && in.Type != TypeMultiTier {
		details = append(details, errutil.Detail{Field: "type", Message: "must be single_tier or multi_tier"})
	}
	if len(in.Products) == 0 {
		details = append(details, errutil.Detail{Field: "products", Message: "at least one provider product is required"})
	}
	if in.Type == TypeSingleTier && len(in.Products) > 0 {
		providers := map[string]int{}
		for _, p := range in.Products {
			providers[p.ProviderID]++
		}
		for provider, n := range providers {
			if n > 1 {
				details = append(details, errutil.Detail{Field: "products", Message: fmt.Sprintf("single_tier mapping lists %d products for %s", n, provider)})
			}
		}
	}
	seenProduct := map[ProductRef]bool{}
	for i, p := range in.Products {
		if strings.TrimSpace(p.ProviderID) == "" || strings.TrimSpace(p.ProductID) == "" {
			details = append(details, errutil.Detail{Field: fmt.Sprintf("products[%d]", i), Message: "provider_id and product_id are required"})
			continue
		}
		if seenProduct[p] {
			details = append(details, errutil.Detail{Field: fmt.Sprintf("products[%d]", i), Message: "duplicate product"})
		}
		seenProduct[p] = true
	}

	seenReward := map[string]bool{}
	for i, rid := range in.RewardIDs {
		if strings.TrimSpace(rid) == "" || seenReward[rid] {
			details = append(details, errutil.Detail{Field: fmt.Sprintf("reward_ids[%d]", i), Message: "must be a unique reward id"})
		}
		seenReward[rid] = true
	}
	if len(in.RewardIDs) > 0 {
		existing, err := s.engine.ExistingRewardIDs(ctx, in.RewardIDs)
		if err != nil {
			return err
		}
		for _, rid := range in.RewardIDs {
			if rid != "" && !existing[rid] {
				details = append(details, errutil.Detail{Field: "reward_ids", Message: fmt.Sprintf("unknown reward %s", rid)})
			}
		}
	}

	if len(details) > 0 {
		return errutil.ValidationFailed("invalid product mapping", nil, errutil.WithDetails(details...))
	}
	return nil
}

func (s *Service) CreateMapping(ctx context.Context, in MappingInput, actorID string) (*ProductMapping, error) {
	if err := s.validateInput(ctx, in); err != nil {
		return nil, err
	}

	m := &ProductMapping{
		ID:          s.node.Generate().String(),
		ProductName: strings.TrimSpace(in.ProductName),
		Type:        in.Type,
		RewardIDs:   append([]string{}, in.RewardIDs...),
		IsActive:    true,
	}
	if in.IsActive != nil {
		m.IsActive = *in.IsActive
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Products").Create(m).Error; err != nil {
			return err
		}
		products, err := s.createProducts(tx, m.ID, in.Products)
		if err != nil {
			return err
		}
		m.Products = products
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, errutil.Conflict("provider product already mapped", err)
		}
		return nil, errutil.ProductMappingFailed("failed to create product mapping", err)
	}

	s.record(ctx, audit.Action{
		ActorID:    actorID,
		Category:   audit.CategoryProductMapping,
		Action:     "mapping.created",
		EntityType: resourceMapping,
		EntityID:   m.ID,
		NewValue:   m,
	})
	return m, nil
}

// UpdateMapping replaces a mapping under optimistic concurrency and returns
// the previous and new state for reconciliation.
func (s *Service) UpdateMapping(ctx context.Context, id string, expectedVersion int64, in MappingInput, actorID string) (old, updated *ProductMapping, err error) {
	current, err := s.catalog.GetMapping(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if current.Version != expectedVersion {
		return nil, nil, errutil.Concurrency(resourceMapping, id)
	}
	if err := s.validateInput(ctx, in); err != nil {
		return nil, nil, err
	}

	before := *current
	before.RewardIDs = append([]string{}, current.RewardIDs...)
	before.Products = append([]ProductMappingProduct{}, current.Products...)

	next := current
	next.ProductName = strings.TrimSpace(in.ProductName)
	next.Type = in.Type
	next.RewardIDs = append([]string{}, in.RewardIDs...)
	if in.IsActive != nil {
		next.IsActive = *in.IsActive
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repository.UpdateWithVersion(ctx, tx, next, resourceMapping); err != nil {
			return err
		}
		if err := tx.Where("product_mapping_id = ?", id).Delete(&ProductMappingProduct{}).Error; err != nil {
			return err
		}
		products, err := s.createProducts(tx, id, in.Products)
		if err != nil {
			return err
		}
		next.Products = products
		return nil
	})
	if err != nil {
		if errutil.Is(err, errutil.StatusConcurrency) {
			return nil, nil, err
		}
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, nil, errutil.Conflict("provider product already mapped", err)
		}
		return nil, nil, errutil.ProductMappingFailed("failed to update product mapping", err)
	}

	s.record(ctx, audit.Action{
		ActorID:    actorID,
		Category:   audit.CategoryProductMapping,
		Action:     "mapping.updated",
		EntityType: resourceMapping,
		EntityID:   id,
		OldValue:   &before,
		NewValue:   next,
	})
	return &before, next, nil
}

// DeactivateMapping turns a mapping off. Callers reconcile afterwards to
// revoke the rewards it granted.
func (s *Service) DeactivateMapping(ctx context.Context, id, actorID string) (old, updated *ProductMapping, err error) {
	current, err := s.catalog.GetMapping(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	before := *current
	before.RewardIDs = append([]string{}, current.RewardIDs...)
	if !current.IsActive {
		return &before, current, nil
	}

	current.IsActive = false
	if err := repository.UpdateWithVersion(ctx, s.db, current, resourceMapping); err != nil {
		return nil, nil, err
	}
	s.record(ctx, audit.Action{
		ActorID:    actorID,
		Category:   audit.CategoryProductMapping,
		Action:     "mapping.deactivated",
		EntityType: resourceMapping,
		EntityID:   id,
	})
	return &before, current, nil
}

func (s *Service) createProducts(tx *gorm.DB, mappingID string, refs []ProductRef) ([]ProductMappingProduct, error) {
	sorted := append([]ProductRef{}, refs...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].ProviderID != sorted[j].ProviderID {
			return sorted[i].ProviderID < sorted[j].ProviderID
		}
		return sorted[i].ProductID < sorted[j].ProductID
	})
	products := make([]ProductMappingProduct, 0, len(sorted))
	for _, r := range sorted {
		products = append(products, ProductMappingProduct{
			ID:               s.node.Generate().String(),
			ProductMappingID: mappingID,
			ProviderID:       r.ProviderID,
			ProductID:        r.ProductID,
		})
	}
	if len(products) == 0 {
		return products, nil
	}
	if err := tx.Create(&products).Error; err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Service) record(ctx context.Context, a audit.Action) {
	if s.audit == nil {
		return
	}
	_ = s.audit.LogAction(ctx, a)
}
