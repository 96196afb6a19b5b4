package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"AgentSwarm/internal/agent"
	xerrors "AgentSwarm/internal/errors"
)

type flakyFabric struct {
	failures int32
	calls    atomic.Int32
	err      error
	inner    Fabric
}

func (f *flakyFabric) Deploy(ctx context.Context, desc Descriptor) (Handle, error) {
	n := f.calls.Add(1)
	if n <= f.failures {
		return nil, f.err
	}
	return f.inner.Deploy(ctx, desc)
}

func fastDeployer(fabric Fabric, attempts int) *Deployer {
	return NewDeployer(fabric, WithMaxAttempts(attempts), WithBackoff(time.Millisecond, 2*time.Millisecond))
}

func TestDeployerRetriesTransientFailures(t *testing.T) {
	fabric := &flakyFabric{failures: 2, err: errors.New("connection reset"), inner: NewLocalFabric()}
	handle, err := fastDeployer(fabric, 3).Deploy(context.Background(), Descriptor{InstanceID: "i-1", Archetype: "formatter"})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if handle == nil || handle.ID() == "" {
		t.Fatalf("expected a handle")
	}
	if got := fabric.calls.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestDeployerExhaustsAttempts(t *testing.T) {
	fabric := &flakyFabric{failures: 10, err: errors.New("unavailable"), inner: NewLocalFabric()}
	_, err := fastDeployer(fabric, 2).Deploy(context.Background(), Descriptor{InstanceID: "i-1"})
	if !errors.Is(err, ErrDeploymentFailure) {
		t.Fatalf("expected DEPLOYMENT_FAILURE, got %v", err)
	}
	if got := fabric.calls.Load(); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestDeployerStopsOnPermanentFailure(t *testing.T) {
	permanent := xerrors.New(CodeDeploymentFailure, "quota exceeded", xerrors.WithRetryable(false))
	fabric := &flakyFabric{failures: 10, err: permanent, inner: NewLocalFabric()}
	_, err := fastDeployer(fabric, 5).Deploy(context.Background(), Descriptor{InstanceID: "i-1"})
	if !errors.Is(err, ErrDeploymentFailure) {
		t.Fatalf("expected DEPLOYMENT_FAILURE, got %v", err)
	}
	if got := fabric.calls.Load(); got != 1 {
		t.Fatalf("permanent failure should not be retried, got %d calls", got)
	}
}

func TestLocalFabricLifecycle(t *testing.T) {
	fabric := NewLocalFabric(WithWork("doubler", func(_ context.Context, desc Descriptor, task agent.Task) (Outcome, error) {
		score := 0.5
		return Outcome{Output: json.RawMessage(`"` + desc.InstanceID + `"`), Metrics: agent.Metrics{EntropyScore: &score}}, nil
	}))
	ctx := context.Background()

	echo, err := fabric.Deploy(ctx, Descriptor{InstanceID: "a", Archetype: "formatter"})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	out, err := echo.Execute(ctx, agent.Task{ID: "t", Payload: json.RawMessage(`{"x":1}`)})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if string(out.Output) != `{"x":1}` {
		t.Fatalf("echo should return payload, got %s", out.Output)
	}

	custom, err := fabric.Deploy(ctx, Descriptor{InstanceID: "b", Archetype: "doubler"})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	out, err = custom.Execute(ctx, agent.Task{ID: "t"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Metrics.EntropyScore == nil || *out.Metrics.EntropyScore != 0.5 {
		t.Fatalf("metrics not propagated: %+v", out.Metrics)
	}

	if fabric.Live() != 2 {
		t.Fatalf("expected 2 live handles, got %d", fabric.Live())
	}
	_ = echo.Release(ctx)
	if fabric.Live() != 1 {
		t.Fatalf("expected 1 live handle after release, got %d", fabric.Live())
	}
	if _, err := echo.Execute(ctx, agent.Task{}); err == nil {
		t.Fatalf("released handle should refuse work")
	}
}

func TestDescriptorForCopiesSpec(t *testing.T) {
	catalog, err := agent.NewCatalog(agent.Spec{
		Type:         "formatter",
		Capabilities: []string{"formatting", "autonomous"},
		Resources:    map[string]string{"gpu_memory": "4Gi"},
		Environment:  map[string]string{"encryption": "aes-256"},
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	spec, _ := catalog.Get("formatter")
	desc := DescriptorFor("inst", spec)
	desc.ResourceLimits["gpu_memory"] = "changed"
	if spec.Resources["gpu_memory"] != "4Gi" {
		t.Fatalf("descriptor must not alias spec resources")
	}
	if desc.Environment["encryption"] != "aes-256" || desc.Archetype != "formatter" {
		t.Fatalf("unexpected descriptor: %+v", desc)
	}
}

func TestHTTPFabric(t *testing.T) {
	var released atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/deployments":
			var desc Descriptor
			if err := json.NewDecoder(r.Body).Decode(&desc); err != nil {
				t.Errorf("decode descriptor: %v", err)
			}
			if desc.ResourceLimits["gpu_memory"] != "4Gi" {
				t.Errorf("resource limits not forwarded: %+v", desc)
			}
			_ = json.NewEncoder(w).Encode(deployResponse{HandleID: "h-1"})
		case r.Method == http.MethodPost && r.URL.Path == "/v1/deployments/h-1/execute":
			if r.Header.Get("Authorization") != "Bearer secret" {
				t.Errorf("missing bearer token")
			}
			_, _ = w.Write([]byte(`{"output":{"ok":true},"metrics":{"consistency_score":0.9}}`))
		case r.Method == http.MethodDelete && r.URL.Path == "/v1/deployments/h-1":
			released.Store(true)
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	fabric, err := NewHTTPFabric(HTTPConfig{Endpoint: srv.URL, Token: "secret"}, srv.Client())
	if err != nil {
		t.Fatalf("new fabric: %v", err)
	}
	ctx := context.Background()
	handle, err := fabric.Deploy(ctx, Descriptor{InstanceID: "i", ResourceLimits: map[string]string{"gpu_memory": "4Gi"}})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	out, err := handle.Execute(ctx, agent.Task{ID: "t"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Metrics.ConsistencyScore == nil || *out.Metrics.ConsistencyScore != 0.9 {
		t.Fatalf("unexpected metrics: %+v", out.Metrics)
	}
	if err := handle.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if !released.Load() {
		t.Fatalf("release was not forwarded")
	}
}

func TestHTTPFabricErrorClassification(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusServiceUnavailable)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", int(status.Load()))
	}))
	defer srv.Close()

	fabric, _ := NewHTTPFabric(HTTPConfig{Endpoint: srv.URL}, srv.Client())
	_, err := fabric.Deploy(context.Background(), Descriptor{InstanceID: "i"})
	if !xerrors.RetryableError(err) {
		t.Fatalf("5xx should be retryable: %v", err)
	}

	status.Store(http.StatusBadRequest)
	_, err = fabric.Deploy(context.Background(), Descriptor{InstanceID: "i"})
	if err == nil || xerrors.RetryableError(err) {
		t.Fatalf("4xx should be permanent: %v", err)
	}
}

func TestHTTPFabricTimeoutScopesControlCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wait := func(d time.Duration) bool {
			select {
			case <-time.After(d):
				return true
			case <-r.Context().Done():
				return false
			}
		}
		switch r.URL.Path {
		case "/v1/deployments":
			_ = json.NewEncoder(w).Encode(deployResponse{HandleID: "h-1"})
		case "/v1/deployments/h-1/execute":
			if wait(150 * time.Millisecond) {
				_, _ = w.Write([]byte(`{"output":"late"}`))
			}
		case "/v1/deployments/h-1":
			if wait(time.Second) {
				w.WriteHeader(http.StatusNoContent)
			}
		}
	}))
	defer srv.Close()

	fabric, err := NewHTTPFabric(HTTPConfig{Endpoint: srv.URL, Timeout: 50 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("new fabric: %v", err)
	}
	ctx := context.Background()
	handle, err := fabric.Deploy(ctx, Descriptor{InstanceID: "i"})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}

	// execute 不受控制请求的超时约束。
	out, err := handle.Execute(ctx, agent.Task{ID: "t"})
	if err != nil {
		t.Fatalf("execute should outlive the control timeout: %v", err)
	}
	if string(out.Output) != `"late"` {
		t.Fatalf("unexpected output %s", out.Output)
	}

	execCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := handle.Execute(execCtx, agent.Task{ID: "t"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("execute should honour the caller deadline, got %v", err)
	}

	err = handle.Release(ctx)
	if !xerrors.HasCode(err, CodeDeploymentFailure) || !xerrors.RetryableError(err) {
		t.Fatalf("slow release should be a retryable deployment failure, got %v", err)
	}
}
