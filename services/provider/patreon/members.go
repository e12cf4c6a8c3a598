package patreon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"supporter-rewards/pkg/errutil"
	"supporter-rewards/services/provider"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

const (
	DefaultAPIBaseURL = "https://www.patreon.com/api/oauth2/v2"
	membersPageSize   = 500
	maxRetries        = 3
)

type ClientConfig struct {
	BaseURL     string
	AccessToken string
	CampaignID  string
}

// MembersClient pages through a campaign's members with the creator access
// token. It implements provider.MembershipSource.
type MembersClient struct {
	cfg  ClientConfig
	http *http.Client
}

func NewMembersClient(cfg ClientConfig, hc *http.Client) *MembersClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultAPIBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if hc == nil {
		hc = &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &MembersClient{cfg: cfg, http: hc}
}

func (c *MembersClient) ProviderID() string { return ProviderID }

func (c *MembersClient) ListMembers(ctx context.Context) ([]provider.Member, error) {
	if c.cfg.AccessToken == "" || c.cfg.CampaignID == "" {
		return nil, errutil.ProviderIntegrationFailed("patreon read api is not configured", nil)
	}

	q := url.Values{}
	q.Set("include", "currently_entitled_tiers,user")
	q.Set("fields[member]", "patron_status,last_charge_date,last_charge_status")
	q.Set("page[count]", fmt.Sprint(membersPageSize))
	next := fmt.Sprintf("%s/campaigns/%s/members?%s", c.cfg.BaseURL, url.PathEscape(c.cfg.CampaignID), q.Encode())

	var members []provider.Member
	for next != "" {
		page, err := c.fetch(ctx, next)
		if err != nil {
			return nil, err
		}
		for i := range page.Data {
			m := &page.Data[i]
			if m.userRef() == "" {
				continue
			}
			members = append(members, provider.Member{
				ExternalUserRef:   m.userRef(),
				ProviderReference: m.ID,
				TierIDs:           m.tierIDs(),
				Active:            m.status() == statusActive,
			})
		}
		next = page.Links.Next
	}
	return members, nil
}

func (c *MembersClient) fetch(ctx context.Context, target string) (*membersPage, error) {
	var page membersPage
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return errutil.ProviderIntegrationFailed("patreon request failed", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return backoff.Permanent(errutil.OAuth("patreon rejected the access token", nil,
				errutil.WithDetail("status", fmt.Sprint(resp.StatusCode))))
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			_, _ = io.Copy(io.Discard, resp.Body)
			return errutil.ProviderIntegrationFailed(fmt.Sprintf("patreon returned %d", resp.StatusCode), nil)
		case resp.StatusCode >= 300:
			return backoff.Permanent(errutil.ProviderIntegrationFailed(fmt.Sprintf("patreon returned %d", resp.StatusCode), nil))
		}

		page = membersPage{}
		if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
			return backoff.Permanent(errutil.ProviderIntegrationFailed("invalid patreon response", err))
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)
	notify := func(err error, wait time.Duration) {
		zap.L().Warn("patreon members request failed, retrying", zap.Duration("wait", wait), zap.Error(err))
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return &page, nil
}
