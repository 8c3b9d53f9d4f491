// Package proofs derives the field-native values that bind a transaction to a
// policy proof (user address hash, nullifier, whitelist Merkle tree), assembles
// circuit inputs and drives the proving backends.
package proofs
