package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"supporter-rewards/pkg/errutil"
	"supporter-rewards/pkg/middleware"
	"supporter-rewards/services/audit"
	"supporter-rewards/services/mapping"
	"supporter-rewards/services/provider"
	"supporter-rewards/services/provider/patreon"
	"supporter-rewards/services/reward"
	"supporter-rewards/services/testutil"
)

const secret = "whsec"

func init() {
	zap.ReplaceGlobals(zap.NewNop())
	gin.SetMode(gin.TestMode)
}

type noopModule struct{}

func (noopModule) ID() string { return "test" }
func (noopModule) Apply(context.Context, reward.ModuleRequest) error { return nil }
func (noopModule) Revoke(context.Context, reward.ModuleRequest) error { return nil }
func (noopModule) ValidateParameters(json.RawMessage) error { return nil }
func (noopModule) ParameterDefinitions() []reward.ParameterDefinition { return nil }

type env struct {
	db         *gorm.DB
	rewards    *reward.Service
	catalog    *mapping.Catalog
	identities *provider.IdentityStore
	svc        *Service
	gold       string
	silver     string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	conn := testutil.NewTestDB(t,
		&reward.Reward{}, &reward.RewardAssignment{}, &reward.UserUnlock{},
		&mapping.ProductMapping{}, &mapping.ProductMappingProduct{}, &mapping.ProductMappingUserAssociation{},
		&provider.ProviderIdentity{}, &audit.Entry{}, &WebhookDelivery{},
	)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	auditSvc := audit.NewService(audit.ServiceParams{DB: conn, Node: node})
	catalog := mapping.NewCatalog(mapping.CatalogParams{DB: conn, Node: node})
	modules, err := reward.NewModuleRegistry(noopModule{})
	require.NoError(t, err)
	rewards := reward.NewService(reward.ServiceParams{
		DB: conn, Node: node, Modules: modules, Audit: auditSvc, Tiers: catalog, Memberships: catalog,
	})
	mappings := mapping.NewService(mapping.ServiceParams{DB: conn, Node: node, Catalog: catalog, Engine: rewards, Audit: auditSvc})
	identities, err := provider.NewIdentityStore(provider.IdentityParams{DB: conn, Node: node})
	require.NoError(t, err)
	registry, err := provider.NewRegistry(patreon.NewAdapter(patreon.Config{WebhookSecret: secret}, identities, catalog))
	require.NoError(t, err)

	e := &env{db: conn, rewards: rewards, catalog: catalog, identities: identities}
	e.svc = NewService(ServiceParams{
		DB: conn, Node: node, Providers: registry, Engine: rewards, Associations: catalog, Reconciler: mappings,
	})

	for tier, target := range map[string]*string{"tier_gold": &e.gold, "tier_silver": &e.silver} {
		rw, err := rewards.CreateReward(ctx, reward.RewardInput{Name: tier, ModuleID: "test", Parameters: json.RawMessage(`{}`)}, "admin_1")
		require.NoError(t, err)
		*target = rw.ID
		_, err = mappings.CreateMapping(ctx, mapping.MappingInput{
			ProductName: tier,
			Type:        mapping.TypeSingleTier,
			RewardIDs:   []string{rw.ID},
			Products:    []mapping.ProductRef{{ProviderID: "patreon", ProductID: tier}},
		}, "admin_1")
		require.NoError(t, err)
	}
	return e
}

func memberBody(status string, tiers ...string) []byte {
	refs := make([]string, 0, len(tiers))
	for _, t := range tiers {
		refs = append(refs, fmt.Sprintf(`{"id":%q,"type":"tier"}`, t))
	}
	return []byte(fmt.Sprintf(`{"data":{"id":"mem-1","type":"member","attributes":{"patron_status":%q},
"relationships":{"currently_entitled_tiers":{"data":[%s]},"user":{"data":{"id":"pat-1","type":"user"}}}}}`,
		status, strings.Join(refs, ",")))
}

func signed(event string, body []byte) http.Header {
	mac := hmac.New(md5.New, []byte(secret))
	mac.Write(body)
	h := http.Header{}
	h.Set(patreon.HeaderEvent, event)
	h.Set(patreon.HeaderSignature, hex.EncodeToString(mac.Sum(nil)))
	return h
}

func (e *env) active(t *testing.T, userID string) []string {
	t.Helper()
	rows, err := e.rewards.ListUserAssignments(context.Background(), userID, reward.StatusActive)
	require.NoError(t, err)
	out := []string{}
	for _, r := range rows {
		out = append(out, r.RewardID)
	}
	sort.Strings(out)
	return out
}

func (e *env) link(t *testing.T) {
	t.Helper()
	_, err := e.identities.Link(context.Background(), "patreon", "pat-1", "user_1", "admin_1")
	require.NoError(t, err)
}

func TestIngestRejectsBadSignature(t *testing.T) {
	e := newEnv(t)
	body := memberBody("active_patron", "tier_gold")
	h := signed("members:create", body)
	h.Set(patreon.HeaderSignature, "00")

	_, err := e.svc.Ingest(context.Background(), "patreon", body, h)
	require.True(t, errutil.Is(err, errutil.StatusUnauthorized))

	var n int64
	require.NoError(t, e.db.Model(&WebhookDelivery{}).Count(&n).Error)
	require.Zero(t, n)

	_, err = e.svc.Ingest(context.Background(), "gumroad", body, h)
	require.True(t, errutil.Is(err, errutil.StatusNotFound))
}

func TestIngestGrantsAndDeduplicates(t *testing.T) {
	e := newEnv(t)
	e.link(t)
	ctx := context.Background()
	body := memberBody("active_patron", "tier_gold")

	out, err := e.svc.Ingest(ctx, "patreon", body, signed("members:create", body))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, out.HTTPStatus)
	require.Equal(t, StatusProcessed, out.Status)
	require.Equal(t, 1, out.Granted)
	require.Equal(t, []string{e.gold}, e.active(t, "user_1"))

	again, err := e.svc.Ingest(ctx, "patreon", body, signed("members:create", body))
	require.NoError(t, err)
	require.Equal(t, StatusDuplicate, again.Status)
	require.Equal(t, out.EventID, again.EventID)
	require.Equal(t, []string{e.gold}, e.active(t, "user_1"))

	stored, err := e.svc.GetDelivery(ctx, out.DeliveryID)
	require.NoError(t, err)
	require.Equal(t, "user_1", stored.UserID)
	require.NotContains(t, stored.Headers, patreon.HeaderSignature)
}

func TestIngestTierChangeRevokesPreviousTier(t *testing.T) {
	e := newEnv(t)
	e.link(t)
	ctx := context.Background()

	gold := memberBody("active_patron", "tier_gold")
	_, err := e.svc.Ingest(ctx, "patreon", gold, signed("members:create", gold))
	require.NoError(t, err)

	silver := memberBody("active_patron", "tier_silver")
	out, err := e.svc.Ingest(ctx, "patreon", silver, signed("members:update", silver))
	require.NoError(t, err)
	require.Equal(t, StatusProcessed, out.Status)
	require.Equal(t, []string{e.silver}, e.active(t, "user_1"))
}

func TestIngestUnlinkedThenReplay(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	body := memberBody("active_patron", "tier_gold")

	out, err := e.svc.Ingest(ctx, "patreon", body, signed("members:create", body))
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, out.HTTPStatus)
	require.Equal(t, StatusUnlinked, out.Status)
	require.Empty(t, e.active(t, "user_1"))

	e.link(t)
	replayed, err := e.svc.Replay(ctx, out.DeliveryID)
	require.NoError(t, err)
	require.Equal(t, StatusProcessed, replayed.Status)
	require.Equal(t, []string{e.gold}, e.active(t, "user_1"))

	_, err = e.svc.Replay(ctx, out.DeliveryID)
	require.True(t, errutil.Is(err, errutil.StatusConflict))

	stored, err := e.svc.GetDelivery(ctx, out.DeliveryID)
	require.NoError(t, err)
	require.Equal(t, 2, stored.Attempts)
}

func TestIngestEndingEventsWithoutTiers(t *testing.T) {
	e := newEnv(t)
	e.link(t)
	ctx := context.Background()

	former := memberBody("former_patron")
	out, err := e.svc.Ingest(ctx, "patreon", former, signed("members:update", former))
	require.NoError(t, err)
	require.Equal(t, StatusIgnored, out.Status)

	gold := memberBody("active_patron", "tier_gold")
	_, err = e.svc.Ingest(ctx, "patreon", gold, signed("members:create", gold))
	require.NoError(t, err)

	out, err = e.svc.Ingest(ctx, "patreon", former, signed("members:update", former))
	require.NoError(t, err)
	require.Equal(t, StatusProcessed, out.Status)
	require.Equal(t, 1, out.Revoked)
	require.Empty(t, e.active(t, "user_1"))
}

func TestIngestActivePatronWithoutTiers(t *testing.T) {
	e := newEnv(t)
	e.link(t)
	ctx := context.Background()

	follower := memberBody("active_patron")
	out, err := e.svc.Ingest(ctx, "patreon", follower, signed("members:create", follower))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, out.HTTPStatus)
	require.Equal(t, StatusIgnored, out.Status)

	gold := memberBody("active_patron", "tier_gold")
	_, err = e.svc.Ingest(ctx, "patreon", gold, signed("members:create", gold))
	require.NoError(t, err)
	require.Equal(t, []string{e.gold}, e.active(t, "user_1"))

	out, err = e.svc.Ingest(ctx, "patreon", follower, signed("members:pledge:update", follower))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, out.HTTPStatus)
	require.Equal(t, StatusProcessed, out.Status)
	require.Equal(t, 1, out.Revoked)
	require.Empty(t, e.active(t, "user_1"))

	assocs, err := e.catalog.UserAssociations(ctx, "user_1", true)
	require.NoError(t, err)
	require.Empty(t, assocs)
}

func TestIngestInvalidPayload(t *testing.T) {
	e := newEnv(t)
	body := []byte(`{"data":{"type":"post"}}`)
	out, err := e.svc.Ingest(context.Background(), "patreon", body, signed("members:create", body))
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))
	require.Equal(t, StatusInvalid, out.Status)
}

func TestHandlerStatusCodes(t *testing.T) {
	e := newEnv(t)
	r := gin.New()
	r.Use(middleware.Error())
	NewHandler(e.svc).Register(r)

	post := func(body []byte, h http.Header) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/patreon", bytes.NewReader(body))
		req.Header = h
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	body := memberBody("active_patron", "tier_gold")
	bad := signed("members:create", body)
	bad.Set(patreon.HeaderSignature, "deadbeef")
	require.Equal(t, http.StatusUnauthorized, post(body, bad).Code)

	require.Equal(t, http.StatusAccepted, post(body, signed("members:create", body)).Code)

	e.link(t)
	w := post(body, signed("members:pledge:create", body))
	require.Equal(t, http.StatusOK, w.Code)
	var out Outcome
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Equal(t, StatusProcessed, out.Status)
}
