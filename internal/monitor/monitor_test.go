package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/goleak"

	"AgentSwarm/internal/agent"
	"AgentSwarm/internal/audit"
	"AgentSwarm/internal/deploy"
	"AgentSwarm/internal/limiter"
	"AgentSwarm/internal/mutation"
	"AgentSwarm/internal/policy"
	"AgentSwarm/internal/registry"
	"AgentSwarm/internal/router"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func score(v float64) *float64 { return &v }

func blockUntilDone(ctx context.Context, _ deploy.Descriptor, _ agent.Task) (deploy.Outcome, error) {
	<-ctx.Done()
	return deploy.Outcome{}, ctx.Err()
}

type fixture struct {
	reg    *registry.Registry
	router *router.Router
	mon    *Monitor
	audit  *audit.MemoryLog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	consistent, err := agent.ParsePredicate("consistency_score > 0.95")
	if err != nil {
		t.Fatalf("predicate: %v", err)
	}
	window := agent.Replication{Limit: 10, Window: time.Hour}
	catalog, err := agent.NewCatalog(
		agent.Spec{
			Type:             "formatter",
			Capabilities:     []string{"autonomous", "formatting"},
			Replication:      window,
			MutationTarget:   "optimizer",
			MutationTriggers: []agent.Trigger{{Name: "consistent", When: consistent}},
		},
		agent.Spec{Type: "optimizer", Capabilities: []string{"autonomous", "optimization"}, Replication: window},
		agent.Spec{Type: "broken", Capabilities: []string{"autonomous", "formatting"}, Replication: window},
		agent.Spec{Type: "slowpoke", Capabilities: []string{"autonomous", "waiting"}, Replication: window, RuntimeLimit: 50 * time.Millisecond},
		agent.Spec{Type: "waiter", Capabilities: []string{"autonomous", "waiting"}, Replication: window},
		agent.Spec{Type: "chaotic", Capabilities: []string{"autonomous", "chaos"}, Replication: window},
		agent.Spec{Type: "stubborn", Capabilities: []string{"autonomous", "stubborn"}, Replication: window, RuntimeLimit: 50 * time.Millisecond},
	)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	// release 放行忽略 ctx 的 stubborn 工作函数。
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	fabric := deploy.NewLocalFabric(
		deploy.WithWork("stubborn", func(context.Context, deploy.Descriptor, agent.Task) (deploy.Outcome, error) {
			<-release
			return deploy.Outcome{Output: json.RawMessage(`"late"`)}, nil
		}),
		deploy.WithWork("formatter", func(_ context.Context, _ deploy.Descriptor, task agent.Task) (deploy.Outcome, error) {
			value := 0.5
			if string(task.Payload) == `"perfect"` {
				value = 0.99
			}
			return deploy.Outcome{Output: task.Payload, Metrics: agent.Metrics{ConsistencyScore: &value}}, nil
		}),
		deploy.WithWork("broken", func(context.Context, deploy.Descriptor, agent.Task) (deploy.Outcome, error) {
			return deploy.Outcome{}, errors.New("segfault")
		}),
		deploy.WithWork("slowpoke", blockUntilDone),
		deploy.WithWork("waiter", blockUntilDone),
		deploy.WithWork("chaotic", func(context.Context, deploy.Descriptor, agent.Task) (deploy.Outcome, error) {
			return deploy.Outcome{Metrics: agent.Metrics{EntropyScore: score(0.99)}}, nil
		}),
	)
	gate, err := policy.NewGate(policy.DefaultRules())
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	log := audit.NewMemoryLog()
	reg, err := registry.New(catalog, gate, limiter.NewMemoryLimiter(), deploy.NewDeployer(fabric), registry.WithAuditLog(log))
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	evaluator, err := mutation.NewEvaluator(mutation.Thresholds{EntropyAbove: 0.9})
	if err != nil {
		t.Fatalf("evaluator: %v", err)
	}
	return &fixture{reg: reg, router: router.New(reg), mon: New(reg, evaluator), audit: log}
}

func (f *fixture) admit(t *testing.T, archetype agent.Archetype) string {
	t.Helper()
	id, err := f.reg.Admit(context.Background(), archetype)
	if err != nil {
		t.Fatalf("admit %s: %v", archetype, err)
	}
	return id
}

func (f *fixture) dispatch(t *testing.T, ctx context.Context, task agent.Task) *ExecutionResult {
	t.Helper()
	claimed, err := f.router.Route(ctx, task)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	return f.mon.Run(ctx, task, claimed)
}

func TestRunKeepsPartialResults(t *testing.T) {
	f := newFixture(t)
	f.admit(t, "formatter")
	f.admit(t, "broken")

	task := agent.Task{ID: "fmt", RequiredCapabilities: []string{"formatting"}, Payload: json.RawMessage(`"draft"`), FanOut: 2}
	result := f.dispatch(t, context.Background(), task)
	if len(result.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(result.Results))
	}
	if result.Succeeded() != 1 {
		t.Fatalf("expected one success, got %d", result.Succeeded())
	}
	for _, res := range result.Results {
		if res.Archetype == "broken" && (res.Error == "" || res.Telemetry.FailureFlags != 1) {
			t.Fatalf("failure should be recorded with a failure flag: %+v", res)
		}
		if res.Archetype == "formatter" && string(res.Output) != `"draft"` {
			t.Fatalf("unexpected output %s", res.Output)
		}
	}

	// 两个实例都应已释放，可再次路由。
	again := f.dispatch(t, context.Background(), task)
	if len(again.Results) != 2 {
		t.Fatalf("instances were not released")
	}
	for _, inst := range f.reg.List("formatting") {
		if inst.Archetype() == "broken" && inst.FailureFlags != 2 {
			t.Fatalf("failure flags should accumulate, got %d", inst.FailureFlags)
		}
		if inst.TasksHandled != 2 {
			t.Fatalf("expected 2 handled tasks, got %d", inst.TasksHandled)
		}
	}
}

func TestRunAbortsAtRuntimeLimit(t *testing.T) {
	f := newFixture(t)
	id := f.admit(t, "slowpoke")

	result := f.dispatch(t, context.Background(), agent.Task{ID: "wait", RequiredCapabilities: []string{"waiting"}})
	res := result.Results[0]
	if !res.Telemetry.Aborted || res.Error == "" {
		t.Fatalf("expected aborted execution, got %+v", res)
	}
	if result.Cancelled {
		t.Fatalf("deadline abort is not a caller cancellation")
	}
	if _, err := f.reg.Get(id); !errors.Is(err, registry.ErrInstanceNotFound) {
		t.Fatalf("aborted instance should be retired, got %v", err)
	}
	recs, _ := f.audit.List(context.Background(), audit.Query{InstanceID: id, Event: audit.EventRetired})
	if len(recs) != 1 || recs[0].Telemetry == nil || !recs[0].Telemetry.Aborted {
		t.Fatalf("retirement record should carry aborted telemetry: %+v", recs)
	}
}

func TestRunCancellationSkipsEvaluation(t *testing.T) {
	f := newFixture(t)
	id := f.admit(t, "waiter")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *ExecutionResult, 1)
	claimed, err := f.router.Route(ctx, agent.Task{ID: "wait", RequiredCapabilities: []string{"waiting"}})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	go func() {
		done <- f.mon.Run(ctx, agent.Task{ID: "wait"}, claimed)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	var result *ExecutionResult
	select {
	case result = <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not return after cancellation")
	}
	if !result.Cancelled {
		t.Fatalf("expected cancelled result")
	}
	if result.Results[0].Decision.Action != "" {
		t.Fatalf("cancelled runs must not be evaluated: %+v", result.Results[0].Decision)
	}
	inst, err := f.reg.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if inst.State != agent.StateActive || inst.Busy {
		t.Fatalf("instance should be released and active, got %+v", inst)
	}
}

func TestRunAppliesMutationDecision(t *testing.T) {
	f := newFixture(t)
	id := f.admit(t, "formatter")

	result := f.dispatch(t, context.Background(), agent.Task{ID: "fmt", RequiredCapabilities: []string{"formatting"}, Payload: json.RawMessage(`"perfect"`)})
	res := result.Results[0]
	if res.Decision.Action != agent.ActionMutate || res.Successor == "" {
		t.Fatalf("expected a successful mutation, got %+v", res)
	}
	if _, err := f.reg.Get(id); !errors.Is(err, registry.ErrInstanceNotFound) {
		t.Fatalf("mutated instance should be gone, got %v", err)
	}
	successor, err := f.reg.Get(res.Successor)
	if err != nil || successor.Archetype() != "optimizer" {
		t.Fatalf("unexpected successor %+v (%v)", successor, err)
	}
}

func TestRunAppliesSelfDestruct(t *testing.T) {
	f := newFixture(t)
	id := f.admit(t, "chaotic")

	result := f.dispatch(t, context.Background(), agent.Task{ID: "chaos", RequiredCapabilities: []string{"chaos"}})
	if result.Results[0].Decision.Action != agent.ActionSelfDestruct {
		t.Fatalf("expected self destruct, got %+v", result.Results[0].Decision)
	}
	if _, err := f.reg.Get(id); !errors.Is(err, registry.ErrInstanceNotFound) {
		t.Fatalf("self destructed instance should be gone, got %v", err)
	}
}

func TestRunEnforcesDeadlineOnUncooperativeWork(t *testing.T) {
	f := newFixture(t)
	id := f.admit(t, "stubborn")

	started := time.Now()
	result := f.dispatch(t, context.Background(), agent.Task{ID: "stuck", RequiredCapabilities: []string{"stubborn"}})
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Fatalf("run should return at the runtime limit, took %v", elapsed)
	}
	res := result.Results[0]
	if !res.Telemetry.Aborted || res.Telemetry.FailureFlags != 1 || len(res.Output) != 0 {
		t.Fatalf("expected aborted execution without output, got %+v", res)
	}
	if _, err := f.reg.Get(id); !errors.Is(err, registry.ErrInstanceNotFound) {
		t.Fatalf("aborted instance should be retired, got %v", err)
	}
}

func TestRunCancellationDoesNotWaitForWork(t *testing.T) {
	f := newFixture(t)
	f.admit(t, "stubborn")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	claimed, err := f.router.Route(context.Background(), agent.Task{ID: "stuck", RequiredCapabilities: []string{"stubborn"}})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	started := time.Now()
	result := f.mon.Run(ctx, agent.Task{ID: "stuck"}, claimed)
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Fatalf("run should return on caller cancellation, took %v", elapsed)
	}
	if !result.Cancelled {
		t.Fatalf("expected cancelled result")
	}
}

// missingHandles 模拟句柄已丢失的注册表。
type missingHandles struct {
	*registry.Registry
}

func (missingHandles) Handle(id string) (deploy.Handle, error) {
	return nil, errors.New("handle lost for " + id)
}

func TestRunRecordsTelemetryWhenHandleIsMissing(t *testing.T) {
	f := newFixture(t)
	id := f.admit(t, "formatter")

	claimed, err := f.router.Route(context.Background(), agent.Task{ID: "fmt", RequiredCapabilities: []string{"formatting"}})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	mon := New(missingHandles{f.reg}, nil)
	res := mon.Run(context.Background(), agent.Task{ID: "fmt"}, claimed).Results[0]
	if res.Error == "" || res.Telemetry.FailureFlags != 1 || res.Telemetry.CollectedAt.IsZero() {
		t.Fatalf("missing handle should be reported with telemetry, got %+v", res)
	}
	inst, err := f.reg.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if inst.Busy || inst.FailureFlags != 1 {
		t.Fatalf("instance should be released with a failure flag, got %+v", inst)
	}
}
