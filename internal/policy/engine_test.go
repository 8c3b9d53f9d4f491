package policy

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "ZKGuard-Chain/internal/errors"
	"ZKGuard-Chain/pkg/logger"
)

type fakeRule struct {
	ruleType string
	allow    bool
	calls    *int
}

func (f fakeRule) Type() string                   { return f.ruleType }
func (f fakeRule) Name() string                   { return "fake " + f.ruleType }
func (f fakeRule) Description() string            { return "" }
func (f fakeRule) DefaultConfig() json.RawMessage { return json.RawMessage(`{}`) }
func (f fakeRule) Validate(cfg json.RawMessage) error {
	if string(cfg) == `{"bad":true}` {
		return xerrors.Validation("bad", "bad config")
	}
	return nil
}
func (f fakeRule) Evaluate(Context, json.RawMessage) Decision {
	if f.calls != nil {
		*f.calls++
	}
	if f.allow {
		return Allow("ok")
	}
	return Block(f.ruleType + " says no")
}

type circuitOnly struct{ fakeRule }

func (c circuitOnly) PrepareConfig(Context, json.RawMessage) (CircuitConfig, error) {
	return CircuitConfig{EnableTimeWindow: true, StartHour: 9, EndHour: 17}, nil
}

// pureCircuit exposes only the circuit capability.
type pureCircuit struct {
	rule circuitOnly
}

func (p pureCircuit) Type() string                   { return p.rule.Type() }
func (p pureCircuit) Name() string                   { return p.rule.Name() }
func (p pureCircuit) Description() string            { return "" }
func (p pureCircuit) DefaultConfig() json.RawMessage { return nil }
func (p pureCircuit) Validate(json.RawMessage) error { return nil }
func (p pureCircuit) PrepareConfig(ctx Context, cfg json.RawMessage) (CircuitConfig, error) {
	return p.rule.PrepareConfig(ctx, cfg)
}

type recordingObserver struct {
	decisions []Decision
	unknown   []string
}

func (r *recordingObserver) ObserveDecision(d Decision) { r.decisions = append(r.decisions, d) }
func (r *recordingObserver) ObserveUnknownRule(ruleType string) {
	r.unknown = append(r.unknown, ruleType)
}

func newTestEngine(t *testing.T, obs Observer, rules ...Rule) *Engine {
	t.Helper()
	reg := NewRegistry()
	for _, r := range rules {
		require.NoError(t, reg.Register(r))
	}
	return NewEngine(reg, WithLogger(logger.Discard()), WithObserver(obs))
}

func TestEvaluateStopsAtFirstBlock(t *testing.T) {
	var thirdCalls int
	engine := newTestEngine(t, nil,
		fakeRule{ruleType: "a", allow: true},
		fakeRule{ruleType: "b", allow: false},
		fakeRule{ruleType: "c", allow: true, calls: &thirdCalls},
	)
	result := engine.Evaluate(context.Background(), Context{}, []Policy{
		{Type: "a", Enabled: true},
		{Type: "b", Name: "second", Enabled: true},
		{Type: "c", Enabled: true},
	})

	assert.False(t, result.Allowed)
	assert.Equal(t, "second", result.BlockingPolicy)
	assert.Equal(t, "b says no", result.BlockingReason)
	assert.Len(t, result.Decisions, 2)
	assert.Zero(t, thirdCalls)
}

func TestEvaluateAllowsWhenEveryRulePasses(t *testing.T) {
	engine := newTestEngine(t, nil, fakeRule{ruleType: "a", allow: true}, fakeRule{ruleType: "b", allow: true})
	result := engine.Evaluate(context.Background(), Context{}, []Policy{
		{Type: "a", Enabled: true},
		{Type: "b", Enabled: true},
	})
	assert.True(t, result.Allowed)
	assert.Len(t, result.Decisions, 2)
	assert.Empty(t, result.BlockingPolicy)
	assert.Equal(t, "fake a", result.Decisions[0].PolicyName)
}

func TestEvaluateSkipsUnknownDisabledAndOutOfScope(t *testing.T) {
	obs := &recordingObserver{}
	engine := newTestEngine(t, obs, fakeRule{ruleType: "deny", allow: false}, fakeRule{ruleType: "ok", allow: true})
	result := engine.Evaluate(context.Background(), Context{AdapterID: "erc20-transfer"}, []Policy{
		{Type: "does-not-exist", Enabled: true},
		{Type: "deny", Enabled: false},
		{Type: "deny", Enabled: true, AdapterID: "native-transfer"},
		{Type: "ok", Enabled: true, AdapterID: WildcardAdapter},
		{Type: "ok", Enabled: true, AdapterID: "ERC20-TRANSFER"},
	})
	assert.True(t, result.Allowed)
	assert.Len(t, result.Decisions, 2)
	assert.Equal(t, []string{"does-not-exist"}, obs.unknown)
	assert.Len(t, obs.decisions, 2)
}

func TestEvaluateIgnoresCircuitOnlyRules(t *testing.T) {
	engine := newTestEngine(t, nil, pureCircuit{rule: circuitOnly{fakeRule{ruleType: "zk"}}})
	result := engine.Evaluate(context.Background(), Context{}, []Policy{{Type: "zk", Enabled: true}})
	assert.True(t, result.Allowed)
	assert.Empty(t, result.Decisions)

	cfg, err := engine.BuildCircuitConfig(Context{}, []Policy{{Type: "zk", Enabled: true}, {Type: "missing", Enabled: true}})
	require.NoError(t, err)
	assert.True(t, cfg.EnableTimeWindow)
	assert.Equal(t, 9, cfg.StartHour)
}

func TestEvaluateCancelledContextBlocks(t *testing.T) {
	engine := newTestEngine(t, nil, fakeRule{ruleType: "a", allow: true})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := engine.Evaluate(ctx, Context{}, []Policy{{Type: "a", Enabled: true}})
	assert.False(t, result.Allowed)
	assert.Equal(t, "evaluation cancelled", result.BlockingReason)
}

func TestEvaluateCancelledContextNamesApplicablePolicy(t *testing.T) {
	engine := newTestEngine(t, nil, fakeRule{ruleType: "a", allow: true}, fakeRule{ruleType: "b", allow: true})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := engine.Evaluate(ctx, Context{AdapterID: "erc20-transfer"}, []Policy{
		{Type: "a", Name: "disabled", Enabled: false},
		{Type: "a", Name: "other-adapter", Enabled: true, AdapterID: "native-transfer"},
		{Type: "b", Name: "applies", Enabled: true},
	})
	assert.False(t, result.Allowed)
	assert.Equal(t, "applies", result.BlockingPolicy)
	assert.Equal(t, "evaluation cancelled", result.BlockingReason)
}

func TestValidateRejectsUnknownAndBadConfig(t *testing.T) {
	engine := newTestEngine(t, nil, fakeRule{ruleType: "a", allow: true})

	err := engine.Validate([]Policy{{Type: "nope"}})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeValidation, xerrors.CodeOf(err))

	err = engine.Validate([]Policy{{Type: "a", Config: json.RawMessage(`{"bad":true}`)}})
	require.Error(t, err)
	assert.Equal(t, "bad", xerrors.MetadataOf(err, "field"))

	assert.NoError(t, engine.Validate([]Policy{{Type: "A"}}))

	err = engine.ValidateConfig("missing", nil)
	assert.Equal(t, xerrors.CodeValidation, xerrors.CodeOf(err))
	assert.NoError(t, engine.ValidateConfig("a", json.RawMessage(`{}`)))
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(fakeRule{ruleType: "a"}))
	assert.Error(t, reg.Register(fakeRule{ruleType: " A "}))
	_, ok := reg.Lookup("missing")
	assert.False(t, ok)
	rule, ok := reg.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, "a", rule.Type())
	assert.Len(t, reg.List(), 1)
}

func TestCircuitConfigMergeKeepsZeroDecimals(t *testing.T) {
	zero := 0
	var agg CircuitConfig
	assert.Nil(t, agg.Decimals)
	agg = agg.Merge(CircuitConfig{Decimals: &zero, EnableMaxAmount: true})
	agg = agg.Merge(CircuitConfig{EnableTimeWindow: true})
	require.NotNil(t, agg.Decimals)
	assert.Equal(t, 0, *agg.Decimals)
}

func TestCircuitConfigMergeKeepsEnabledParts(t *testing.T) {
	var agg CircuitConfig
	six := 6
	agg = agg.Merge(CircuitConfig{Decimals: &six, EnableMaxAmount: true})
	agg = agg.Merge(CircuitConfig{EnableTimeWindow: true, StartHour: 1, EndHour: 2})
	agg = agg.Merge(CircuitConfig{})
	require.NotNil(t, agg.Decimals)
	assert.Equal(t, 6, *agg.Decimals)
	assert.True(t, agg.EnableMaxAmount)
	assert.True(t, agg.EnableTimeWindow)
	assert.False(t, agg.EnableWhitelist)
}

func TestContextTimestampIsNotMutated(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	pctx := Context{Timestamp: now}
	engine := newTestEngine(t, nil, fakeRule{ruleType: "a", allow: true})
	engine.Evaluate(context.Background(), pctx, []Policy{{Type: "a", Enabled: true}})
	assert.Equal(t, now, pctx.Timestamp)
}
