// Package rules contains the built-in policy rules: max-amount, time-window,
// cooldown, recipient-whitelist, gas-limit and security-pause.
package rules
