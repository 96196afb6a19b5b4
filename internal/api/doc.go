// Package api exposes the swarm control plane over REST: admitting and
// inspecting agent instances, applying lifecycle events, submitting tasks,
// raising system signals and reading the audit trail.
package api
