package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"AgentSwarm/internal/auth"
	"AgentSwarm/internal/config"
)

func TestValidateReportsDecisions(t *testing.T) {
	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetArgs([]string{"--config", filepath.Join("..", "..", "configs", "swarm.yaml"), "validate"})
	if err := root.Execute(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	report := out.String()
	for _, archetype := range []string{"formatter", "optimizer", "overseer"} {
		if !strings.Contains(report, archetype) {
			t.Fatalf("report misses %s:\n%s", archetype, report)
		}
	}
	if !strings.Contains(report, "0 rejected") {
		t.Fatalf("bundled archetypes should all be admitted:\n%s", report)
	}
}

func TestValidateRejectsBrokenConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swarm.yaml")
	if err := os.WriteFile(path, []byte("archetypes:\n  - type: ghost\n    unknown_field: true\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	root := newRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"--config", path, "validate"})
	if err := root.Execute(); err == nil {
		t.Fatal("expected unknown field to fail")
	}
}

func TestDefaultConfigPathHonoursEnv(t *testing.T) {
	t.Setenv("SWARM_CONFIG", "/etc/swarm/custom.json")
	if got := defaultConfigPath(); got != "/etc/swarm/custom.json" {
		t.Fatalf("unexpected path %s", got)
	}
}

func TestTokenCommandIssuesVerifiableToken(t *testing.T) {
	t.Setenv("SWARM_TEST_JWT", "0123456789abcdef0123456789abcdef")
	content := "server:\n  auth:\n    mode: jwt\n    jwt:\n      secret_env: SWARM_TEST_JWT\n      issuer: swarmd\narchetypes:\n  - type: a\n    capabilities: [autonomous]\n"
	path := filepath.Join(t.TempDir(), "swarm.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetArgs([]string{"--config", path, "token", "--name", "ci", "--permission", "swarm.write", "--ttl", "1h"})
	if err := root.Execute(); err != nil {
		t.Fatalf("token: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	svc, err := auth.NewService(cfg.AuthConfig())
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	subject, err := svc.AuthenticateRequest("Bearer " + strings.TrimSpace(out.String()))
	if err != nil {
		t.Fatalf("issued token should verify: %v", err)
	}
	if subject.Name != "ci" || !subject.HasPermission(auth.PermissionWrite) {
		t.Fatalf("unexpected subject %+v", subject)
	}
}
