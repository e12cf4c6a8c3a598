package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"supporter-rewards/pkg/db/pagination"
	"supporter-rewards/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type failingRepo struct{}

func (failingRepo) Append(context.Context, *Entry) error { return errors.New("disk full") }
func (failingRepo) List(context.Context, Filter) ([]*Entry, *pagination.PageInfo, error) {
	return nil, nil, nil
}

func newTestService(t *testing.T) *Service {
	db := testutil.NewTestDB(t, &Entry{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return NewService(ServiceParams{DB: db, Node: node})
}

func TestLogActionAppendsEntry(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	err := svc.LogAction(ctx, Action{
		Category:       CategoryRewardAssignment,
		Action:         "reward.revoked",
		EntityType:     "reward_assignment",
		EntityID:       "asg_1",
		AffectedUserID: "user_1",
		Reason:         "chargeback",
		OldValue:       map[string]string{"status": "active"},
		NewValue:       map[string]string{"status": "revoked"},
	})
	require.NoError(t, err)

	entries, _, err := svc.List(ctx, Filter{AffectedUserID: "user_1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, ActorSystem, entries[0].ActorID)
	require.Equal(t, "chargeback", entries[0].Reason)

	var newValue map[string]string
	require.NoError(t, json.Unmarshal(entries[0].NewValue, &newValue))
	require.Equal(t, "revoked", newValue["status"])
}

func TestLogActionRejectsIncompleteAction(t *testing.T) {
	svc := newTestService(t)
	err := svc.LogAction(context.Background(), Action{EntityID: "x"})
	require.ErrorIs(t, err, ErrInvalidAction)
}

func TestLogActionSurfacesRepositoryError(t *testing.T) {
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	svc := &Service{repo: failingRepo{}, node: node, clock: time.Now}

	err = svc.LogAction(context.Background(), Action{Category: CategoryDrift, Action: "drift.detected"})
	require.Error(t, err)
}

func TestListPaginates(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		svc.clock = func() time.Time { return at }
		require.NoError(t, svc.LogAction(ctx, Action{Category: CategoryProductMapping, Action: "mapping.updated", EntityID: "map_1"}))
	}

	first, page, err := svc.List(ctx, Filter{EntityID: "map_1", Limit: 3})
	require.NoError(t, err)
	require.Len(t, first, 3)
	require.True(t, page.HasMore)
	require.True(t, first[0].CreatedAt.After(first[2].CreatedAt))

	rest, page, err := svc.List(ctx, Filter{EntityID: "map_1", Limit: 3, Cursor: page.NextCursor})
	require.NoError(t, err)
	require.Len(t, rest, 2)
	require.False(t, page.HasMore)
}
