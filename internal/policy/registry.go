package policy

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry 保存规则类型到实现的映射，启动时构造一次后显式传递给引擎。
type Registry struct {
	mu    sync.RWMutex
	rules map[string]Rule
}

// NewRegistry 创建空的规则注册表。
func NewRegistry() *Registry {
	return &Registry{rules: make(map[string]Rule)}
}

// Register 注册规则，同一类型只能注册一次。
func (r *Registry) Register(rule Rule) error {
	if rule == nil {
		return fmt.Errorf("rule is nil")
	}
	key := normalizeType(rule.Type())
	if key == "" {
		return fmt.Errorf("rule type is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.rules[key]; exists {
		return fmt.Errorf("rule type %s already registered", key)
	}
	r.rules[key] = rule
	return nil
}

// MustRegister 用于启动阶段注册内置规则。
func (r *Registry) MustRegister(rules ...Rule) {
	for _, rule := range rules {
		if err := r.Register(rule); err != nil {
			panic(err)
		}
	}
}

// Lookup 返回规则实现；未知类型返回 false 而不是错误。
func (r *Registry) Lookup(ruleType string) (Rule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[normalizeType(ruleType)]
	return rule, ok
}

// List 按类型排序返回全部规则。
func (r *Registry) List() []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Rule, 0, len(r.rules))
	for _, rule := range r.rules {
		out = append(out, rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type() < out[j].Type() })
	return out
}

func normalizeType(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}
