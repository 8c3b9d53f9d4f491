package adapter

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	xerrors "ZKGuard-Chain/internal/errors"
	"ZKGuard-Chain/internal/policy"
)

// Registry keeps the adapters permitted by the manifest.
type Registry struct {
	mu       sync.RWMutex
	manifest Manifest
	adapters map[string]Adapter
}

// NewRegistry creates an empty registry governed by manifest.
func NewRegistry(manifest Manifest) *Registry {
	if manifest.Adapters == nil {
		manifest.Adapters = map[string]AdapterPolicy{}
	}
	return &Registry{manifest: manifest, adapters: make(map[string]Adapter)}
}

// Register adds an adapter after checking it against the manifest.
func (r *Registry) Register(a Adapter) error {
	if a == nil {
		return fmt.Errorf("adapter implementation cannot be nil")
	}
	id := strings.TrimSpace(a.ID())
	if id == "" {
		return fmt.Errorf("adapter id cannot be empty")
	}
	perms, enabled := r.manifest.policyFor(id)
	if !enabled {
		return fmt.Errorf("adapter %s is disabled by the manifest", id)
	}
	required := a.RequiredPermissions()
	if len(required) > 0 && perms.empty() {
		return fmt.Errorf("adapter %s declares permissions but no permission policy applies", id)
	}
	if err := perms.Check(required); err != nil {
		return fmt.Errorf("adapter %s: %w", id, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[id]; exists {
		return fmt.Errorf("adapter %s already registered", id)
	}
	r.adapters[id] = a
	return nil
}

// Lookup returns the adapter registered under id.
func (r *Registry) Lookup(id string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[strings.TrimSpace(id)]
	return a, ok
}

// List returns the registered adapters sorted by id.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, infoOf(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ValidateConfig checks an installation config against its adapter.
func (r *Registry) ValidateConfig(id string, cfg []byte) error {
	a, ok := r.Lookup(id)
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("adapter %s not registered", id))
	}
	if err := a.ValidateConfig(cfg); err != nil {
		if _, ok := xerrors.From(err); ok {
			return err
		}
		return xerrors.Validation("config", err.Error())
	}
	return nil
}

// Propose validates the installation config and asks the adapter for its
// next transaction.
func (r *Registry) Propose(ctx context.Context, id string, pctx ProposalContext) (*policy.TransactionIntent, error) {
	if err := r.ValidateConfig(id, pctx.Config); err != nil {
		return nil, err
	}
	a, _ := r.Lookup(id)
	return a.ProposeTransaction(ctx, pctx)
}

// RegisterBuiltins registers the adapters shipped with the guard.
func RegisterBuiltins(r *Registry) error {
	for _, a := range []Adapter{NewERC20Transfer(), NewNativeTransfer()} {
		if err := r.Register(a); err != nil {
			return err
		}
	}
	return nil
}
