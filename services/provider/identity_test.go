package provider

import (
	"context"
	"sync"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"supporter-rewards/pkg/errutil"
	"supporter-rewards/services/audit"
	"supporter-rewards/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type recordingAudit struct {
	mu      sync.Mutex
	actions []audit.Action
}

func (r *recordingAudit) LogAction(_ context.Context, a audit.Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, a)
	return nil
}

func newIdentityStore(t *testing.T) (*IdentityStore, *recordingAudit) {
	t.Helper()
	conn := testutil.NewTestDB(t, &ProviderIdentity{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	rec := &recordingAudit{}
	store, err := NewIdentityStore(IdentityParams{DB: conn, Node: node, Audit: rec})
	require.NoError(t, err)
	return store, rec
}

func TestIdentityResolve(t *testing.T) {
	store, rec := newIdentityStore(t)
	ctx := context.Background()

	_, err := store.Resolve(ctx, "patreon", "p-1")
	require.ErrorIs(t, err, ErrUserNotLinked)
	_, err = store.Resolve(ctx, "patreon", " ")
	require.ErrorIs(t, err, ErrUserNotLinked)

	_, err = store.Link(ctx, "patreon", "p-1", "user_1", "admin_1")
	require.NoError(t, err)
	userID, err := store.Resolve(ctx, "patreon", "p-1")
	require.NoError(t, err)
	require.Equal(t, "user_1", userID)

	// relinking must not serve the cached user
	_, err = store.Link(ctx, "patreon", "p-1", "user_2", "admin_1")
	require.NoError(t, err)
	userID, err = store.Resolve(ctx, "patreon", "p-1")
	require.NoError(t, err)
	require.Equal(t, "user_2", userID)

	_, err = store.Resolve(ctx, "kofi", "p-1")
	require.ErrorIs(t, err, ErrUserNotLinked)

	require.Len(t, rec.actions, 2)
	require.Equal(t, "identity.linked", rec.actions[0].Action)
}

func TestIdentityUnlink(t *testing.T) {
	store, _ := newIdentityStore(t)
	ctx := context.Background()

	_, err := store.Link(ctx, "kofi", "fan@example.com", "user_1", "admin_1")
	require.NoError(t, err)
	_, err = store.Resolve(ctx, "kofi", "fan@example.com")
	require.NoError(t, err)

	require.NoError(t, store.Unlink(ctx, "kofi", "fan@example.com", "admin_1"))
	_, err = store.Resolve(ctx, "kofi", "fan@example.com")
	require.ErrorIs(t, err, ErrUserNotLinked)

	err = store.Unlink(ctx, "kofi", "fan@example.com", "admin_1")
	require.True(t, errutil.Is(err, errutil.StatusNotFound))

	rows, err := store.ListForUser(ctx, "user_1")
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestIdentityLinkValidates(t *testing.T) {
	store, _ := newIdentityStore(t)
	_, err := store.Link(context.Background(), "patreon", "", "user_1", "admin_1")
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))
}

func TestRegistry(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)
	_, err = r.Get("patreon")
	require.ErrorIs(t, err, ErrUnknownProvider)

	set := NewSourceSet()
	require.Empty(t, set.IDs())
	_, err = set.Get("patreon")
	require.ErrorIs(t, err, ErrUnknownProvider)
}
