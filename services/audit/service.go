package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"supporter-rewards/pkg/db/pagination"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var ErrInvalidAction = errors.New("audit: invalid action")

// Logger is what mutating services depend on. Callers treat it as best
// effort: a failed append is logged and never reverts the mutation.
type Logger interface {
	LogAction(ctx context.Context, a Action) error
}

type Service struct {
	repo  Repository
	node  *snowflake.Node
	clock func() time.Time
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		repo:  NewRepository(p.DB),
		node:  p.Node,
		clock: time.Now,
	}
}

func (s *Service) LogAction(ctx context.Context, a Action) error {
	if a.Category == "" || a.Action == "" {
		return ErrInvalidAction
	}
	if a.ActorID == "" {
		a.ActorID = ActorSystem
	}

	entry := &Entry{
		ID:             s.node.Generate().String(),
		ActorID:        a.ActorID,
		Category:       a.Category,
		Action:         a.Action,
		EntityType:     a.EntityType,
		EntityID:       a.EntityID,
		AffectedUserID: a.AffectedUserID,
		Reason:         a.Reason,
		OldValue:       toJSON(a.OldValue),
		NewValue:       toJSON(a.NewValue),
		CreatedAt:      s.clock().UTC(),
	}
	if len(a.Metadata) > 0 {
		entry.Metadata = toJSON(a.Metadata)
	}

	if err := s.repo.Append(ctx, entry); err != nil {
		zap.L().Error("failed to append audit entry",
			zap.String("action", a.Action),
			zap.String("entity_type", a.EntityType),
			zap.String("entity_id", a.EntityID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (s *Service) List(ctx context.Context, f Filter) ([]*Entry, *pagination.PageInfo, error) {
	return s.repo.List(ctx, f)
}

func toJSON(v any) datatypes.JSON {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}
