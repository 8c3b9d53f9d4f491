// Package web3 houses chain connectivity: chain definitions loaded from YAML,
// EVM clients used for gas prices, chain ids and read-only contract calls, and
// the ERC-4337 bundler and paymaster RPC clients that carry user operations.
package web3
