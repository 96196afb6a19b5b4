// Package agent defines the data model shared by every control-plane
// component: archetype specs and their immutable catalog, live instances and
// their lifecycle state machine, execution telemetry, trigger predicates and
// the unit of work routed to agents.
package agent
