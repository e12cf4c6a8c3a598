package reward

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

type ParameterDefinition struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Required    bool     `json:"required"`
	Description string   `json:"description,omitempty"`
	Allowed     []string `json:"allowed,omitempty"`
}

// ModuleRequest carries the reward definition and the ledger row a module acts on.
type ModuleRequest struct {
	Reward     *Reward
	Assignment *RewardAssignment
}

// RewardModule implements the user-visible side effect of a reward. Apply and Revoke
// must be idempotent: the engine may call them again for the same assignment.
type RewardModule interface {
	ID() string
	Apply(ctx context.Context, req ModuleRequest) error
	Revoke(ctx context.Context, req ModuleRequest) error
	ValidateParameters(params json.RawMessage) error
	ParameterDefinitions() []ParameterDefinition
}

var ErrModuleNotRegistered = fmt.Errorf("reward: module not registered")

type ModuleRegistry struct {
	mu      sync.RWMutex
	modules map[string]RewardModule
}

func NewModuleRegistry(modules ...RewardModule) (*ModuleRegistry, error) {
	r := &ModuleRegistry{modules: make(map[string]RewardModule)}
	for _, m := range modules {
		if err := r.Register(m); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *ModuleRegistry) Register(m RewardModule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m == nil || m.ID() == "" {
		return fmt.Errorf("reward: module id is required")
	}
	if _, ok := r.modules[m.ID()]; ok {
		return fmt.Errorf("reward: module %q already registered", m.ID())
	}
	r.modules[m.ID()] = m
	return nil
}

func (r *ModuleRegistry) Get(id string) (RewardModule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.modules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotRegistered, id)
	}
	return m, nil
}

// List returns the registered modules ordered by id.
func (r *ModuleRegistry) List() []RewardModule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]RewardModule, 0, len(r.modules))
	for _, m := range r.modules {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
