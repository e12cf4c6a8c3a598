package patreon

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"supporter-rewards/pkg/errutil"
	"supporter-rewards/services/provider"
	"supporter-rewards/services/reward"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type staticIdentities map[string]string

func (s staticIdentities) Resolve(_ context.Context, _ string, ref string) (string, error) {
	if id, ok := s[ref]; ok {
		return id, nil
	}
	return "", provider.ErrUserNotLinked
}

const memberPayload = `{
  "data": {
    "id": "mem-1",
    "type": "member",
    "attributes": {
      "patron_status": "%s",
      "currently_entitled_amount_cents": 500,
      "last_charge_date": "2026-02-01T10:00:00+00:00",
      "last_charge_status": "Paid"
    },
    "relationships": {
      "currently_entitled_tiers": {"data": [{"id": "t-gold", "type": "tier"}, {"id": "t-gold", "type": "tier"}]},
      "user": {"data": {"id": "pat-user-1", "type": "user"}},
      "campaign": {"data": {"id": "camp-1", "type": "campaign"}}
    }
  }
}`

func sign(secret string, body []byte) string {
	mac := hmac.New(md5.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func newTestAdapter() *Adapter {
	return NewAdapter(Config{WebhookSecret: "s3cret", CampaignID: "camp-1"}, staticIdentities{"pat-user-1": "user_1"}, nil)
}

func headers(event string) http.Header {
	h := http.Header{}
	h.Set(HeaderEvent, event)
	return h
}

func TestValidateSignature(t *testing.T) {
	a := newTestAdapter()
	body := []byte(fmt.Sprintf(memberPayload, "active_patron"))

	require.True(t, a.ValidateSignature(body, sign("s3cret", body), nil))
	require.False(t, a.ValidateSignature(body, sign("other", body), nil))
	require.False(t, a.ValidateSignature(append(body, ' '), sign("s3cret", body), nil))
	require.False(t, a.ValidateSignature(body, "not-hex", nil))
	require.False(t, a.ValidateSignature(body, "", nil))

	unset := NewAdapter(Config{}, staticIdentities{}, nil)
	require.False(t, unset.ValidateSignature(body, sign("", body), nil))
}

func TestParseEvent(t *testing.T) {
	a := newTestAdapter()
	ctx := context.Background()
	body := []byte(fmt.Sprintf(memberPayload, "active_patron"))

	ev, err := a.ParseEvent(ctx, body, headers("members:pledge:create"))
	require.NoError(t, err)
	require.NoError(t, ev.Validate())
	require.Equal(t, reward.EventSubscriptionCreated, ev.EventType)
	require.Equal(t, "user_1", ev.UserID)
	require.Equal(t, "mem-1", ev.ProviderReference)
	require.Equal(t, []string{"t-gold"}, ev.EntitledTierIDs)
	require.NotNil(t, ev.AnnouncementAmount)
	require.InDelta(t, 5.0, *ev.AnnouncementAmount, 0.001)
	require.Equal(t, 2026, ev.Timestamp.Year())

	again, err := a.ParseEvent(ctx, body, headers("members:pledge:create"))
	require.NoError(t, err)
	require.Equal(t, ev.EventID, again.EventID)

	updated, err := a.ParseEvent(ctx, body, headers("members:update"))
	require.NoError(t, err)
	require.NotEqual(t, ev.EventID, updated.EventID)
	require.Equal(t, reward.EventSubscriptionRenewed, updated.EventType)
}

func TestParseEventStatusMapping(t *testing.T) {
	a := newTestAdapter()
	cases := []struct {
		event, status string
		want          reward.EventType
	}{
		{"members:update", "former_patron", reward.EventSubscriptionExpired},
		{"members:update", "declined_patron", reward.EventSubscriptionCancelled},
		{"members:pledge:delete", "active_patron", reward.EventSubscriptionCancelled},
		{"members:create", "active_patron", reward.EventSubscriptionCreated},
	}
	for _, tc := range cases {
		t.Run(tc.event+"/"+tc.status, func(t *testing.T) {
			ev, err := a.ParseEvent(context.Background(), []byte(fmt.Sprintf(memberPayload, tc.status)), headers(tc.event))
			require.NoError(t, err)
			require.Equal(t, tc.want, ev.EventType)
		})
	}
}

const tierlessPayload = `{
  "data": {
    "id": "mem-1",
    "type": "member",
    "attributes": {"patron_status": "active_patron"},
    "relationships": {
      "currently_entitled_tiers": {"data": []},
      "user": {"data": {"id": "pat-user-1", "type": "user"}},
      "campaign": {"data": {"id": "camp-1", "type": "campaign"}}
    }
  }
}`

func TestParseEventWithoutTiers(t *testing.T) {
	a := newTestAdapter()
	ctx := context.Background()
	body := []byte(tierlessPayload)

	_, err := a.ParseEvent(ctx, body, headers("members:pledge:create"))
	require.ErrorIs(t, err, provider.ErrIgnoredEvent)

	ev, err := a.ParseEvent(ctx, body, headers("members:pledge:update"))
	require.NoError(t, err)
	require.Equal(t, reward.EventSubscriptionExpired, ev.EventType)
	require.Empty(t, ev.EntitledTierIDs)
}

func TestParseEventRejects(t *testing.T) {
	ctx := context.Background()
	body := []byte(fmt.Sprintf(memberPayload, "active_patron"))

	_, err := newTestAdapter().ParseEvent(ctx, body, http.Header{})
	require.ErrorIs(t, err, provider.ErrInvalidPayload)

	_, err = newTestAdapter().ParseEvent(ctx, body, headers("posts:publish"))
	require.ErrorIs(t, err, provider.ErrInvalidPayload)

	_, err = newTestAdapter().ParseEvent(ctx, []byte(`{"data":`), headers("members:create"))
	require.ErrorIs(t, err, provider.ErrInvalidPayload)

	other := NewAdapter(Config{WebhookSecret: "s3cret", CampaignID: "camp-2"}, staticIdentities{"pat-user-1": "user_1"}, nil)
	_, err = other.ParseEvent(ctx, body, headers("members:create"))
	require.ErrorIs(t, err, provider.ErrInvalidPayload)

	unlinked := NewAdapter(Config{WebhookSecret: "s3cret"}, staticIdentities{}, nil)
	_, err = unlinked.ParseEvent(ctx, body, headers("members:create"))
	require.ErrorIs(t, err, provider.ErrUserNotLinked)
}

func TestMembersClientPagesThroughCampaign(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("cursor") == "" {
			fmt.Fprintf(w, `{"data":[{"id":"mem-1","type":"member","attributes":{"patron_status":"active_patron"},
				"relationships":{"currently_entitled_tiers":{"data":[{"id":"t-gold","type":"tier"}]},"user":{"data":{"id":"u-1","type":"user"}}}}],
				"links":{"next":"%s/campaigns/camp-1/members?cursor=2"}}`, srv.URL)
			return
		}
		fmt.Fprint(w, `{"data":[{"id":"mem-2","type":"member","attributes":{"patron_status":"former_patron"},
			"relationships":{"currently_entitled_tiers":{"data":[]},"user":{"data":{"id":"u-2","type":"user"}}}}],"links":{}}`)
	}))
	defer srv.Close()

	c := NewMembersClient(ClientConfig{BaseURL: srv.URL, AccessToken: "tok", CampaignID: "camp-1"}, srv.Client())
	members, err := c.ListMembers(context.Background())
	require.NoError(t, err)
	require.Len(t, members, 2)
	require.Equal(t, provider.Member{ExternalUserRef: "u-1", ProviderReference: "mem-1", TierIDs: []string{"t-gold"}, Active: true}, members[0])
	require.False(t, members[1].Active)
}

func TestMembersClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewMembersClient(ClientConfig{BaseURL: srv.URL, AccessToken: "bad", CampaignID: "camp-1"}, srv.Client())
	_, err := c.ListMembers(context.Background())
	require.True(t, errutil.Is(err, errutil.StatusOAuth))
	require.Equal(t, int32(1), calls.Load())

	_, err = NewMembersClient(ClientConfig{}, nil).ListMembers(context.Background())
	require.True(t, errutil.Is(err, errutil.StatusProviderIntegrationFailed))
}

func TestMembersClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"data":[],"links":{}}`)
	}))
	defer srv.Close()

	c := NewMembersClient(ClientConfig{BaseURL: srv.URL, AccessToken: "tok", CampaignID: "camp-1"}, srv.Client())
	members, err := c.ListMembers(context.Background())
	require.NoError(t, err)
	require.Empty(t, members)
	require.Equal(t, int32(2), calls.Load())
}
