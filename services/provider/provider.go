package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"supporter-rewards/services/reward"
)

var (
	// ErrUserNotLinked means the external account has no internal user. The
	// event is dropped without asking the provider to redeliver.
	ErrUserNotLinked = errors.New("provider: user not linked")
	// ErrInvalidPayload is returned for anything that does not parse into a
	// complete event.
	ErrInvalidPayload = errors.New("provider: invalid payload")
	// ErrIgnoredEvent marks well-formed deliveries that carry no entitlement
	// change, such as test pings.
	ErrIgnoredEvent = errors.New("provider: event ignored")
	ErrUnknownProvider = errors.New("provider: unknown provider")
	ErrProductNotFound = errors.New("provider: product not found")
)

type ProviderProduct struct {
	ProviderID string `json:"provider_id"`
	ProductID  string `json:"product_id"`
	Name       string `json:"name"`
}

// Adapter turns one provider's webhooks into reward events.
type Adapter interface {
	ID() string
	// SignatureHeader names the header carrying the signature, empty when
	// the provider signs inside the payload.
	SignatureHeader() string
	ValidateSignature(payload []byte, signature string, headers http.Header) bool
	ParseEvent(ctx context.Context, payload []byte, headers http.Header) (reward.RewardEvent, error)
	ResolveUserID(ctx context.Context, externalRef string) (string, error)
	GetProduct(ctx context.Context, productID string) (ProviderProduct, error)
}

// Member is one upstream membership as reported by a provider's read API.
type Member struct {
	ExternalUserRef   string
	ProviderReference string
	TierIDs           []string
	Active            bool
}

// MembershipSource lists a provider's current memberships.
type MembershipSource interface {
	ProviderID() string
	ListMembers(ctx context.Context) ([]Member, error)
}

type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		if a == nil {
			continue
		}
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[a.ID()]; ok {
		return fmt.Errorf("provider %q already registered", a.ID())
	}
	r.adapters[a.ID()] = a
	return nil
}

func (r *Registry) Get(id string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	return a, nil
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ProductCatalog names provider products from the mapping table.
type ProductCatalog interface {
	ProductName(ctx context.Context, providerID, productID string) (string, bool, error)
}

// LookupProduct is the shared GetProduct implementation for adapters whose
// products are only known through mappings.
func LookupProduct(ctx context.Context, catalog ProductCatalog, providerID, productID string) (ProviderProduct, error) {
	if catalog == nil {
		return ProviderProduct{}, ErrProductNotFound
	}
	name, ok, err := catalog.ProductName(ctx, providerID, productID)
	if err != nil {
		return ProviderProduct{}, err
	}
	if !ok {
		return ProviderProduct{}, fmt.Errorf("%w: %s/%s", ErrProductNotFound, providerID, productID)
	}
	return ProviderProduct{ProviderID: providerID, ProductID: productID, Name: name}, nil
}

// SourceSet holds the configured membership read APIs keyed by provider id.
type SourceSet struct {
	sources map[string]MembershipSource
}

func NewSourceSet(sources ...MembershipSource) *SourceSet {
	s := &SourceSet{sources: make(map[string]MembershipSource)}
	for _, src := range sources {
		if src != nil {
			s.sources[src.ProviderID()] = src
		}
	}
	return s
}

func (s *SourceSet) Get(id string) (MembershipSource, error) {
	src, ok := s.sources[id]
	if !ok {
		return nil, fmt.Errorf("%w: no membership source for %s", ErrUnknownProvider, id)
	}
	return src, nil
}

func (s *SourceSet) IDs() []string {
	ids := make([]string, 0, len(s.sources))
	for id := range s.sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
