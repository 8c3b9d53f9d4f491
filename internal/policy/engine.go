package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	xerrors "ZKGuard-Chain/internal/errors"
	"ZKGuard-Chain/pkg/logger"
)

// Observer 接收评估过程中的遥测事件。
type Observer interface {
	ObserveDecision(d Decision)
	ObserveUnknownRule(ruleType string)
}

type noopObserver struct{}

func (noopObserver) ObserveDecision(Decision)  {}
func (noopObserver) ObserveUnknownRule(string) {}

// Engine 按顺序评估策略，遇到第一条拦截立即返回。
type Engine struct {
	registry *Registry
	logger   *slog.Logger
	observer Observer
}

// EngineOption 自定义引擎行为。
type EngineOption func(*Engine)

// WithLogger 指定引擎日志。
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithObserver 指定遥测接收者。
func WithObserver(o Observer) EngineOption {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

// NewEngine 基于注册表创建引擎。
func NewEngine(registry *Registry, opts ...EngineOption) *Engine {
	e := &Engine{
		registry: registry,
		logger:   logger.Named("policy"),
		observer: noopObserver{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry 返回引擎使用的注册表。
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Evaluate 对作用于 pctx.AdapterID 的已启用策略按给定顺序求值。
// 电路专用规则不参与实时评估，未知类型记录告警后跳过。
func (e *Engine) Evaluate(ctx context.Context, pctx Context, policies []Policy) EvaluationResult {
	result := EvaluationResult{Allowed: true, Decisions: make([]Decision, 0, len(policies))}
	for _, p := range policies {
		if !p.Enabled || !p.AppliesTo(pctx.AdapterID) {
			continue
		}
		if ctx.Err() != nil {
			decision := Block("evaluation cancelled")
			decision.PolicyType = p.Type
			decision.PolicyName = p.Name
			return blocked(result, decision)
		}
		rule, ok := e.registry.Lookup(p.Type)
		if !ok {
			e.logger.Warn("跳过未知策略类型", slog.String("type", p.Type), slog.String("policy_id", p.ID))
			e.observer.ObserveUnknownRule(p.Type)
			continue
		}
		evaluator, ok := rule.(Evaluator)
		if !ok {
			continue
		}

		decision := evaluator.Evaluate(pctx, p.Config)
		decision.PolicyType = rule.Type()
		decision.PolicyName = p.DisplayName(rule)
		e.observer.ObserveDecision(decision)
		result.Decisions = append(result.Decisions, decision)

		if !decision.Allowed {
			return blocked(result, decision)
		}
	}
	return result
}

func blocked(result EvaluationResult, d Decision) EvaluationResult {
	result.Allowed = false
	result.BlockingPolicy = d.PolicyName
	result.BlockingReason = d.Reason
	return result
}

// Validate 在任何副作用之前校验一组策略。
func (e *Engine) Validate(policies []Policy) error {
	for i, p := range policies {
		if _, ok := e.registry.Lookup(p.Type); !ok {
			return xerrors.Validation(fmt.Sprintf("policies[%d].type", i), fmt.Sprintf("unknown policy type %q", p.Type))
		}
		if err := e.ValidateConfig(p.Type, p.Config); err != nil {
			if _, ok := xerrors.From(err); ok {
				return err
			}
			return xerrors.Validation(fmt.Sprintf("policies[%d].config", i), err.Error())
		}
	}
	return nil
}

// ValidateConfig 校验单条规则配置，未知类型或非法配置返回 POLICY_VALIDATION。
func (e *Engine) ValidateConfig(ruleType string, cfg json.RawMessage) error {
	rule, ok := e.registry.Lookup(ruleType)
	if !ok {
		return xerrors.Validation("type", fmt.Sprintf("unknown policy type %q", ruleType))
	}
	if len(cfg) == 0 {
		cfg = rule.DefaultConfig()
	}
	return rule.Validate(cfg)
}

// BuildCircuitConfig 聚合所有已启用电路规则产出的配置。
func (e *Engine) BuildCircuitConfig(pctx Context, policies []Policy) (CircuitConfig, error) {
	var agg CircuitConfig
	for _, p := range policies {
		if !p.Enabled {
			continue
		}
		rule, ok := e.registry.Lookup(p.Type)
		if !ok {
			e.logger.Warn("跳过未知策略类型", slog.String("type", p.Type), slog.String("policy_id", p.ID))
			e.observer.ObserveUnknownRule(p.Type)
			continue
		}
		configurer, ok := rule.(CircuitConfigurer)
		if !ok {
			continue
		}
		part, err := configurer.PrepareConfig(pctx, p.Config)
		if err != nil {
			return CircuitConfig{}, xerrors.Wrap(xerrors.CodeValidation, err, fmt.Sprintf("prepare %s circuit config", rule.Type()))
		}
		agg = agg.Merge(part)
	}
	return agg, nil
}
