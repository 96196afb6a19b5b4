// Package config loads the swarm control plane configuration from a JSON or
// YAML file, applies defaults and validates it. It also turns the declared
// archetypes, policy rules and mutation overrides into the typed values the
// registry, policy gate and mutation evaluator consume.
package config
