package adapter

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest describes which adapters may run and with which permissions.
type Manifest struct {
	Defaults PermissionPolicy         `yaml:"defaults"`
	Adapters map[string]AdapterPolicy `yaml:"adapters"`
}

// AdapterPolicy is the manifest block for a single adapter.
type AdapterPolicy struct {
	Enabled *bool             `yaml:"enabled"`
	Policy  *PermissionPolicy `yaml:"policy"`
}

// PermissionPolicy governs the permissions an adapter may hold.
type PermissionPolicy struct {
	Allowed []Permission `yaml:"allowed"`
	Denied  []Permission `yaml:"denied"`
}

// Merge returns a new policy using values from other when not present.
func (p PermissionPolicy) Merge(other PermissionPolicy) PermissionPolicy {
	if len(p.Allowed) == 0 {
		p.Allowed = other.Allowed
	}
	if len(p.Denied) == 0 {
		p.Denied = other.Denied
	}
	return p
}

func (p PermissionPolicy) empty() bool {
	return len(p.Allowed) == 0 && len(p.Denied) == 0
}

// Check ensures the requested permissions are allowed.
func (p PermissionPolicy) Check(requested []Permission) error {
	for _, perm := range p.Denied {
		if slices.Contains(requested, perm) {
			return fmt.Errorf("permission %s is explicitly denied", perm)
		}
	}
	if len(p.Allowed) == 0 {
		return nil
	}
	for _, perm := range requested {
		if !slices.Contains(p.Allowed, perm) {
			return fmt.Errorf("permission %s not permitted", perm)
		}
	}
	return nil
}

// DefaultManifest allows the transfer permissions used by the built-in adapters.
func DefaultManifest() Manifest {
	return Manifest{
		Defaults: PermissionPolicy{Allowed: []Permission{PermissionERC20Transfer, PermissionNativeTransfer}},
		Adapters: map[string]AdapterPolicy{},
	}
}

// LoadManifest reads a YAML manifest. An empty path yields DefaultManifest.
func LoadManifest(path string) (Manifest, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultManifest(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read adapter manifest: %w", err)
	}
	return ParseManifest(raw)
}

// ParseManifest decodes manifest YAML.
func ParseManifest(raw []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("unmarshal adapter manifest: %w", err)
	}
	if m.Adapters == nil {
		m.Adapters = map[string]AdapterPolicy{}
	}
	for id := range m.Adapters {
		if strings.TrimSpace(id) == "" {
			return Manifest{}, errors.New("adapter id cannot be empty")
		}
	}
	return m, nil
}

// policyFor resolves the effective permission policy and enabled flag for id.
func (m Manifest) policyFor(id string) (PermissionPolicy, bool) {
	block, ok := m.Adapters[id]
	if !ok {
		return m.Defaults, true
	}
	enabled := block.Enabled == nil || *block.Enabled
	if block.Policy == nil {
		return m.Defaults, enabled
	}
	merged := block.Policy.Merge(m.Defaults)
	if merged.empty() {
		return m.Defaults, enabled
	}
	return merged, enabled
}
