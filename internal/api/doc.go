// Package api exposes the guardd REST surface: installations, policy sets,
// dry-run evaluation, execution jobs and logs, the rule catalogue, health and
// metrics.
package api
