package metrics

import (
	"strconv"
	"time"

	"ZKGuard-Chain/internal/policy"
)

const (
	policyDecisions = "zkguard_policy_decisions_total"
	unknownRules    = "zkguard_policy_unknown_rules_total"
	proofAttempts   = "zkguard_proofs_total"
	proofDuration   = "zkguard_proof_duration_seconds"
	signalFetches   = "zkguard_signal_fetches_total"
	signalLatency   = "zkguard_signal_fetch_duration_seconds"
	executions      = "zkguard_executions_total"
)

// Domain collects guard-specific series. It satisfies the observer
// interfaces of the policy engine, the prover, the signal registry and the
// executor.
type Domain struct {
	reg *registry
}

var domainCollector = newDomain(defaultRegistry)

func newDomain(reg *registry) *Domain {
	reg.counter(policyDecisions, "Policy decisions by rule type and outcome.")
	reg.counter(unknownRules, "Policies skipped because their rule type is not registered.")
	reg.counter(proofAttempts, "Proof generation attempts by outcome.")
	reg.histogram(proofDuration, "Proof generation duration in seconds.", proofBuckets)
	reg.counter(signalFetches, "Signal fetches by signal and outcome.")
	reg.histogram(signalLatency, "Signal fetch duration in seconds.", latencyBuckets)
	reg.counter(executions, "Terminal execution outcomes by decision and lifecycle state.")
	return &Domain{reg: reg}
}

// DomainCollector returns the process-wide domain collector.
func DomainCollector() *Domain {
	return domainCollector
}

// ObserveDecision counts a policy decision.
func (d *Domain) ObserveDecision(dec policy.Decision) {
	d.reg.inc(policyDecisions, "policy", dec.PolicyType, "allowed", strconv.FormatBool(dec.Allowed))
}

// ObserveUnknownRule counts a skipped unknown rule type.
func (d *Domain) ObserveUnknownRule(ruleType string) {
	d.reg.inc(unknownRules, "type", ruleType)
}

// ObserveProof counts a proof attempt and records its duration.
func (d *Domain) ObserveProof(outcome string, elapsed time.Duration) {
	d.reg.inc(proofAttempts, "outcome", outcome)
	d.reg.observe(proofDuration, elapsed.Seconds())
}

// ObserveSignal counts a signal fetch.
func (d *Domain) ObserveSignal(name string, ok bool, elapsed time.Duration) {
	d.reg.inc(signalFetches, "signal", name, "ok", strconv.FormatBool(ok))
	d.reg.observe(signalLatency, elapsed.Seconds(), "signal", name)
}

// ObserveExecution counts a terminal execution outcome.
func (d *Domain) ObserveExecution(decision, state string) {
	d.reg.inc(executions, "decision", decision, "state", state)
}

// Value returns a counter value, or a histogram's sample count.
func (d *Domain) Value(name string, pairs ...string) uint64 {
	return d.reg.value(name, pairs...)
}
