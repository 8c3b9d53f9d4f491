// Package enclave hosts the isolated side of the pipeline: the per-user policy
// configuration store, session signing keys, the proof orchestrator and the
// newline-delimited JSON protocol that exposes them.
package enclave
