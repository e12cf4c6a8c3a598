package reward

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"supporter-rewards/pkg/errutil"
	"supporter-rewards/pkg/repository"
	"supporter-rewards/services/audit"

	"github.com/gosimple/slug"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const resourceReward = "reward"

type RewardInput struct {
	DisplayID     string          `json:"display_id"`
	Name          string          `json:"name"`
	ModuleID      string          `json:"module_id"`
	Parameters    json.RawMessage `json:"parameters"`
	DurationType  DurationType    `json:"duration_type"`
	DurationValue int             `json:"duration_value"`
	IsActive      *bool           `json:"is_active"`
}

func (s *Service) validateRewardInput(in RewardInput) error {
	var details []errutil.Detail
	if strings.TrimSpace(in.Name) == "" {
		details = append(details, errutil.Detail{Field: "name", Message: "is required"})
	}
	if in.DurationType == "" {
		in.DurationType = DurationPermanent
	}
	switch {
	case !in.DurationType.Valid():
		details = append(details, errutil.Detail{Field: "duration_type", Message: "must be permanent, days, months or years"})
	case in.DurationType == DurationPermanent && in.DurationValue != 0:
		details = append(details, errutil.Detail{Field: "duration_value", Message: "must be 0 for permanent rewards"})
	case in.DurationType != DurationPermanent && in.DurationValue <= 0:
		details = append(details, errutil.Detail{Field: "duration_value", Message: "must be positive"})
	}

	mod, err := s.modules.Get(in.ModuleID)
	if err != nil {
		details = append(details, errutil.Detail{Field: "module_id", Message: "unknown module"})
	} else if err := mod.ValidateParameters(in.Parameters); err != nil {
		details = append(details, errutil.Detail{Field: "parameters", Message: err.Error()})
	}

	if len(details) > 0 {
		return errutil.ValidationFailed("invalid reward", nil, errutil.WithDetails(details...))
	}
	return nil
}

// CreateReward validates the parameters against the module before storing.
// DisplayID defaults to a slug of the name.
func (s *Service) CreateReward(ctx context.Context, in RewardInput, actorID string) (*Reward, error) {
	if err := s.validateRewardInput(in); err != nil {
		return nil, err
	}

	rw := &Reward{
		ID:            s.node.Generate().String(),
		DisplayID:     displayID(in),
		Name:          strings.TrimSpace(in.Name),
		ModuleID:      in.ModuleID,
		Parameters:    datatypes.JSON(in.Parameters),
		DurationType:  in.DurationType,
		DurationValue: in.DurationValue,
		IsActive:      true,
	}
	if rw.DurationType == "" {
		rw.DurationType = DurationPermanent
	}
	if in.IsActive != nil {
		rw.IsActive = *in.IsActive
	}

	if err := s.rewards.Create(ctx, rw); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, errutil.Conflict("display id already in use", err, errutil.WithDetail("display_id", rw.DisplayID))
		}
		return nil, errutil.Internal("failed to create reward", err)
	}

	s.record(ctx, audit.Action{
		ActorID:    actorID,
		Category:   audit.CategoryRewardDefinition,
		Action:     "reward.created",
		EntityType: resourceReward,
		EntityID:   rw.ID,
		NewValue:   rw,
	})
	return rw, nil
}

// UpdateReward replaces a reward definition. expectedVersion must match the
// stored version. Already granted assignments keep their expiry.
func (s *Service) UpdateReward(ctx context.Context, id string, expectedVersion int64, in RewardInput, actorID string) (*Reward, error) {
	rw, err := s.GetReward(ctx, id)
	if err != nil {
		return nil, err
	}
	if rw.Version != expectedVersion {
		return nil, errutil.Concurrency(resourceReward, id)
	}
	if in.ModuleID == "" {
		in.ModuleID = rw.ModuleID
	}
	if len(in.Parameters) == 0 {
		in.Parameters = json.RawMessage(rw.Parameters)
	}
	if err := s.validateRewardInput(in); err != nil {
		return nil, err
	}

	old := *rw
	rw.Name = strings.TrimSpace(in.Name)
	rw.ModuleID = in.ModuleID
	rw.Parameters = datatypes.JSON(in.Parameters)
	rw.DurationType = in.DurationType
	if rw.DurationType == "" {
		rw.DurationType = DurationPermanent
	}
	rw.DurationValue = in.DurationValue
	if in.DisplayID != "" {
		rw.DisplayID = slug.Make(in.DisplayID)
	}
	if in.IsActive != nil {
		rw.IsActive = *in.IsActive
	}

	if err := repository.UpdateWithVersion(ctx, s.db, rw, resourceReward); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, errutil.Conflict("display id already in use", err, errutil.WithDetail("display_id", rw.DisplayID))
		}
		return nil, err
	}

	s.record(ctx, audit.Action{
		ActorID:    actorID,
		Category:   audit.CategoryRewardDefinition,
		Action:     "reward.updated",
		EntityType: resourceReward,
		EntityID:   rw.ID,
		OldValue:   old,
		NewValue:   rw,
	})
	return rw, nil
}

// DeactivateReward stops future grants of a reward. Existing assignments are
// not touched.
func (s *Service) DeactivateReward(ctx context.Context, id, actorID string) (*Reward, error) {
	rw, err := s.GetReward(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rw.IsActive {
		return rw, nil
	}
	rw.IsActive = false
	if err := repository.UpdateWithVersion(ctx, s.db, rw, resourceReward); err != nil {
		return nil, err
	}
	s.record(ctx, audit.Action{
		ActorID:    actorID,
		Category:   audit.CategoryRewardDefinition,
		Action:     "reward.deactivated",
		EntityType: resourceReward,
		EntityID:   rw.ID,
	})
	return rw, nil
}

func (s *Service) GetReward(ctx context.Context, id string) (*Reward, error) {
	rw, err := s.rewards.FindOne(ctx, &Reward{ID: id})
	if err != nil {
		return nil, errutil.Internal("failed to load reward", err)
	}
	if rw == nil {
		return nil, errutil.NotFound("reward not found", nil, errutil.WithDetail("reward_id", id))
	}
	return rw, nil
}

func (s *Service) ListRewards(ctx context.Context, activeOnly bool) ([]*Reward, error) {
	q := s.db.WithContext(ctx).Order("name ASC, id ASC")
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	var out []*Reward
	if err := q.Find(&out).Error; err != nil {
		return nil, errutil.Internal("failed to list rewards", err)
	}
	return out, nil
}

// ExistingRewardIDs returns the subset of ids that name a stored reward.
func (s *Service) ExistingRewardIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var found []string
	err := s.db.WithContext(ctx).Model(&Reward{}).Where("id IN ?", ids).Pluck("id", &found).Error
	if err != nil {
		return nil, errutil.Internal("failed to load rewards", err)
	}
	for _, id := range found {
		out[id] = true
	}
	return out, nil
}

func (s *Service) Modules() []RewardModule {
	return s.modules.List()
}

func displayID(in RewardInput) string {
	if strings.TrimSpace(in.DisplayID) != "" {
		return slug.Make(in.DisplayID)
	}
	return slug.Make(in.Name)
}
