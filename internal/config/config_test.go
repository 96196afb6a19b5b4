package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"AgentSwarm/internal/agent"
	"AgentSwarm/internal/auth"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadSampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "swarm.yaml"))
	if err != nil {
		t.Fatalf("load sample: %v", err)
	}
	if cfg.Registry.IdleTimeout.Std() != 30*time.Minute {
		t.Fatalf("unexpected idle timeout %s", cfg.Registry.IdleTimeout)
	}
	catalog, err := cfg.Catalog()
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	formatter, err := catalog.Get("formatter")
	if err != nil {
		t.Fatalf("get formatter: %v", err)
	}
	if len(formatter.MutationTriggers) != 1 || formatter.MutationTriggers[0].When.Threshold != 0.95 {
		t.Fatalf("trigger not parsed: %+v", formatter.MutationTriggers)
	}
	if formatter.MutationTriggers[0].Action != agent.ActionMutate {
		t.Fatalf("default trigger action should be mutate")
	}
	if len(cfg.Overrides()) != 2 {
		t.Fatalf("expected 2 overrides")
	}
	if !filepath.IsAbs(cfg.Logging.Audit.Path) {
		t.Fatalf("audit path should be resolved against the config directory, got %s", cfg.Logging.Audit.Path)
	}
}

func TestLoadJSONWithDefaults(t *testing.T) {
	path := writeConfig(t, "swarm.json", `{
		"archetypes": [
			{"type": "formatter", "capabilities": ["autonomous"], "runtime_limit": 90, "replication": {"limit": 3, "window": "10m"}}
		],
		"bootstrap": [{"archetype": "formatter"}]
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":8080" || cfg.Limiter.Driver != "memory" || cfg.Queue.Driver != "memory" || cfg.Deployment.Fabric != "local" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.Deployment.Retry.MaxAttempts != 3 || cfg.Registry.SpawnRetry.InitialBackoff.Std() != 500*time.Millisecond {
		t.Fatalf("retry defaults not applied")
	}
	if cfg.Archetypes[0].RuntimeLimit.Std() != 90*time.Second {
		t.Fatalf("numeric durations are seconds, got %s", cfg.Archetypes[0].RuntimeLimit)
	}
	if cfg.Bootstrap[0].Count != 1 {
		t.Fatalf("bootstrap count should default to 1")
	}
	rules := cfg.Rules()
	if len(rules.ProhibitedCapabilities) == 0 || len(rules.ExploitationPatterns) == 0 {
		t.Fatalf("empty policy should fall back to defaults")
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "swarm.yaml", "archetypes:\n  - type: a\n    capabilites: [x]\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected unknown field error")
	}
}

func TestValidate(t *testing.T) {
	content := `
limiter:
  driver: redis
queue:
  driver: kafka
archetypes:
  - type: a
bootstrap:
  - archetype: b
`
	_, err := Parse([]byte(content), "yaml")
	if err == nil {
		t.Fatalf("expected validation errors")
	}
	for _, want := range []string{"limiter.redis.address", "queue.driver", "bootstrap"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q should mention %s", err, want)
		}
	}
}

func TestCatalogRejectsBadTrigger(t *testing.T) {
	cfg, err := Parse([]byte(`{"archetypes":[{"type":"a","mutation_triggers":[{"when":"mood > 1"}]}]}`), "json")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := cfg.Catalog(); err == nil {
		t.Fatalf("expected unknown field in trigger expression to fail")
	}
}

func TestDurationFormats(t *testing.T) {
	var d Duration
	if err := d.UnmarshalJSON([]byte(`"1h30m"`)); err != nil || d.Std() != 90*time.Minute {
		t.Fatalf("string duration: %v %s", err, d)
	}
	if err := d.UnmarshalJSON([]byte(`1.5`)); err != nil || d.Std() != 1500*time.Millisecond {
		t.Fatalf("numeric duration: %v %s", err, d)
	}
	if err := d.UnmarshalJSON([]byte(`"soon"`)); err == nil {
		t.Fatalf("expected parse error")
	}
	out, err := Duration(time.Minute).MarshalJSON()
	if err != nil || string(out) != `"1m0s"` {
		t.Fatalf("marshal: %s %v", out, err)
	}
}

func TestAuthConfigReadsTokenEnv(t *testing.T) {
	t.Setenv("SWARM_OPS_TOKEN", " s3cret ")
	content := `
server:
  auth:
    mode: token
    tokens:
      - name: ops
        token_env: SWARM_OPS_TOKEN
        permissions: [swarm.write]
archetypes:
  - type: a
    capabilities: [autonomous]
`
	cfg, err := Parse([]byte(content), "yaml")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	authCfg := cfg.AuthConfig()
	if authCfg.Mode != auth.ModeToken || len(authCfg.Tokens) != 1 {
		t.Fatalf("unexpected auth config %+v", authCfg)
	}
	if authCfg.Tokens[0].Secret != "s3cret" || authCfg.Tokens[0].Permissions[0] != auth.PermissionWrite {
		t.Fatalf("unexpected token %+v", authCfg.Tokens[0])
	}

	_, err = Parse([]byte("server:\n  auth:\n    mode: token\narchetypes:\n  - type: a\n"), "yaml")
	if err == nil || !strings.Contains(err.Error(), "server.auth.tokens") {
		t.Fatalf("token mode without tokens should fail, got %v", err)
	}
}

func TestAuthConfigJWT(t *testing.T) {
	t.Setenv("SWARM_JWT_SECRET", "0123456789abcdef0123456789abcdef")
	content := `
server:
  cors_origins: ["https://console.example.com"]
  auth:
    mode: jwt
    jwt:
      secret_env: SWARM_JWT_SECRET
      issuer: swarmd
queue:
  driver: nats
  nats:
    url: nats://127.0.0.1:4222
archetypes:
  - type: a
    capabilities: [autonomous]
`
	cfg, err := Parse([]byte(content), "yaml")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	authCfg := cfg.AuthConfig()
	if authCfg.Mode != auth.ModeJWT || authCfg.JWT.Secret != "0123456789abcdef0123456789abcdef" || authCfg.JWT.Issuer != "swarmd" {
		t.Fatalf("unexpected jwt config %+v", authCfg)
	}
	if len(cfg.Server.CORSOrigins) != 1 || cfg.Queue.NATS.URL == "" {
		t.Fatalf("unexpected server/queue config %+v %+v", cfg.Server, cfg.Queue)
	}

	_, err = Parse([]byte("server:\n  auth:\n    mode: jwt\nqueue:\n  driver: nats\narchetypes:\n  - type: a\n"), "yaml")
	if err == nil || !strings.Contains(err.Error(), "server.auth.jwt") || !strings.Contains(err.Error(), "queue.nats.url") {
		t.Fatalf("missing jwt secret and nats url should fail, got %v", err)
	}
}
