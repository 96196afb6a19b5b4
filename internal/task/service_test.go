package task

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"AgentSwarm/internal/agent"
	"AgentSwarm/internal/deploy"
	xerrors "AgentSwarm/internal/errors"
	"AgentSwarm/internal/limiter"
	"AgentSwarm/internal/monitor"
	"AgentSwarm/internal/mutation"
	"AgentSwarm/internal/policy"
	"AgentSwarm/internal/registry"
	"AgentSwarm/internal/router"
)

func newSwarm(t *testing.T, autoscale bool) (*Service, *registry.Registry) {
	t.Helper()
	catalog, err := agent.NewCatalog(
		agent.Spec{
			Type:         "formatter",
			Capabilities: []string{"autonomous", "formatting"},
			Replication:  agent.Replication{Limit: 1, Window: time.Hour},
		},
		agent.Spec{
			Type:         "hoarder",
			Capabilities: []string{"autonomous", "hoarding", "resource_hoarding"},
			Replication:  agent.Replication{Limit: 5, Window: time.Hour},
		},
	)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	gate, err := policy.NewGate(policy.DefaultRules())
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	fabric := deploy.NewLocalFabric(deploy.WithDefaultWork(deploy.EchoWork))
	reg, err := registry.New(catalog, gate, limiter.NewMemoryLimiter(), deploy.NewDeployer(fabric, deploy.WithMaxAttempts(1)))
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	evaluator, err := mutation.NewEvaluator(mutation.Thresholds{})
	if err != nil {
		t.Fatalf("evaluator: %v", err)
	}
	var opts []ServiceOption
	if autoscale {
		opts = append(opts, WithAutoscale(reg, AutoscaleConfig{Enabled: true, MaxAttempts: 2, Initial: time.Millisecond, Max: 2 * time.Millisecond}))
	}
	return NewService(router.New(reg), monitor.New(reg, evaluator), opts...), reg
}

func TestSubmitRequiresCapabilities(t *testing.T) {
	service, _ := newSwarm(t, false)
	if _, err := service.Submit(context.Background(), agent.Task{ID: "t"}); !xerrors.HasCode(err, CodeTaskValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSubmitWithoutInstances(t *testing.T) {
	service, _ := newSwarm(t, false)
	_, err := service.Submit(context.Background(), agent.Task{ID: "t", RequiredCapabilities: []string{"formatting"}})
	if !xerrors.HasCode(err, router.CodeNoCapableAgent) {
		t.Fatalf("expected NO_CAPABLE_AGENT, got %v", err)
	}
}

func TestSubmitRunsOnAdmittedInstance(t *testing.T) {
	service, reg := newSwarm(t, false)
	id, err := reg.Admit(context.Background(), "formatter")
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	result, err := service.Submit(context.Background(), agent.Task{RequiredCapabilities: []string{"formatting"}, Payload: json.RawMessage(`{"doc":"x"}`)})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.TaskID == "" {
		t.Fatalf("task id should be generated")
	}
	if len(result.Results) != 1 || result.Results[0].InstanceID != id || string(result.Results[0].Output) != `{"doc":"x"}` {
		t.Fatalf("unexpected result %+v", result.Results)
	}
}

func TestSubmitAutoscales(t *testing.T) {
	service, reg := newSwarm(t, true)
	ctx := context.Background()

	result, err := service.Submit(ctx, agent.Task{ID: "first", RequiredCapabilities: []string{"formatting"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Succeeded() != 1 {
		t.Fatalf("expected one successful execution, got %+v", result.Results)
	}
	if got := len(reg.List("formatting")); got != 1 {
		t.Fatalf("expected one admitted formatter, got %d", got)
	}

	// 复制窗口已用尽，第二个实例无法准入。
	_, err = service.Submit(ctx, agent.Task{ID: "wide", RequiredCapabilities: []string{"formatting"}, FanOut: 2})
	if !xerrors.HasCode(err, limiter.CodeRateLimited) {
		t.Fatalf("expected RATE_LIMITED, got %v", err)
	}
	inst := reg.List("formatting")[0]
	if inst.Busy {
		t.Fatalf("failed routing must not leave instances claimed")
	}
}

func TestSubmitAutoscaleSkipsRejectedArchetypes(t *testing.T) {
	service, reg := newSwarm(t, true)
	_, err := service.Submit(context.Background(), agent.Task{ID: "greedy", RequiredCapabilities: []string{"hoarding"}})
	if !xerrors.HasCode(err, router.CodeNoCapableAgent) {
		t.Fatalf("expected NO_CAPABLE_AGENT, got %v", err)
	}
	if got := len(reg.Instances()); got != 0 {
		t.Fatalf("rejected archetypes must not leave instances behind, got %d", got)
	}
}
