// Package verifier models the on-chain boundary that consumes policy proofs:
// a nullifier is spent at most once, the proof must verify against its public
// outputs, and the wrapped call either succeeds or the whole presentation
// reverts.
package verifier
