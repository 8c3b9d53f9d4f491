// Package policy holds the rule registry and the evaluation engine that gates
// every proposed transaction before it reaches the signing boundary.
package policy
