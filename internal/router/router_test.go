package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"AgentSwarm/internal/agent"
)

// fakeClaimer 模拟注册表的占用语义。
type fakeClaimer struct {
	mu        sync.Mutex
	instances []agent.Instance
}

func (c *fakeClaimer) Reserve(match func(agent.Instance) bool, pick func([]agent.Instance) []agent.Instance) []agent.Instance {
	c.mu.Lock()
	defer c.mu.Unlock()
	var candidates []agent.Instance
	for _, inst := range c.instances {
		if inst.State == agent.StateActive && !inst.Busy && match(inst) {
			candidates = append(candidates, inst)
		}
	}
	chosen := pick(candidates)
	for _, inst := range chosen {
		for i := range c.instances {
			if c.instances[i].ID == inst.ID {
				c.instances[i].Busy = true
			}
		}
	}
	return chosen
}

func specs(t *testing.T) *agent.Catalog {
	t.Helper()
	catalog, err := agent.NewCatalog(
		agent.Spec{Type: "formatter", Capabilities: []string{"autonomous", "formatting"}},
		agent.Spec{Type: "polyglot", Capabilities: []string{"autonomous", "formatting", "translation"}},
	)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return catalog
}

func instance(t *testing.T, catalog *agent.Catalog, id string, archetype agent.Archetype, handled int, activated time.Time) agent.Instance {
	t.Helper()
	spec, err := catalog.Get(archetype)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return agent.Instance{ID: id, Spec: spec, State: agent.StateActive, TasksHandled: handled, ActivatedAt: activated}
}

func TestRouteNoCapableAgent(t *testing.T) {
	catalog := specs(t)
	base := time.Now()
	r := New(&fakeClaimer{instances: []agent.Instance{instance(t, catalog, "a", "formatter", 0, base)}})

	_, err := r.Route(context.Background(), agent.Task{ID: "t", RequiredCapabilities: []string{"diagnostic"}})
	if !errors.Is(err, ErrNoCapableAgent) {
		t.Fatalf("expected NO_CAPABLE_AGENT, got %v", err)
	}

	empty := New(&fakeClaimer{})
	if _, err := empty.Route(context.Background(), agent.Task{ID: "t"}); !errors.Is(err, ErrNoCapableAgent) {
		t.Fatalf("empty registry should yield NO_CAPABLE_AGENT, got %v", err)
	}
}

func TestRouteOrdering(t *testing.T) {
	catalog := specs(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	claimer := &fakeClaimer{instances: []agent.Instance{
		instance(t, catalog, "busiest", "formatter", 5, base),
		instance(t, catalog, "young", "formatter", 1, base.Add(time.Minute)),
		instance(t, catalog, "old", "formatter", 1, base),
		instance(t, catalog, "b-tie", "polyglot", 1, base),
	}}
	r := New(claimer)

	got, err := r.Route(context.Background(), agent.Task{ID: "t", RequiredCapabilities: []string{"formatting"}})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if len(got) != 1 || got[0].ID != "b-tie" {
		t.Fatalf("expected lowest load, oldest, then id order; got %+v", got)
	}

	got, err = r.Route(context.Background(), agent.Task{ID: "t2", RequiredCapabilities: []string{"formatting"}})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if got[0].ID != "old" {
		t.Fatalf("claimed instances are skipped, expected old, got %s", got[0].ID)
	}
}

func TestRouteFanOut(t *testing.T) {
	catalog := specs(t)
	base := time.Now()
	claimer := &fakeClaimer{instances: []agent.Instance{
		instance(t, catalog, "a", "formatter", 0, base),
		instance(t, catalog, "b", "polyglot", 0, base),
	}}
	r := New(claimer)

	if _, err := r.Route(context.Background(), agent.Task{ID: "wide", FanOut: 3}); !errors.Is(err, ErrNoCapableAgent) {
		t.Fatalf("too few candidates should fail, got %v", err)
	}
	got, err := r.Route(context.Background(), agent.Task{ID: "pair", FanOut: 2})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 instances, got %d", len(got))
	}
	if _, err := r.Route(context.Background(), agent.Task{ID: "one"}); !errors.Is(err, ErrNoCapableAgent) {
		t.Fatalf("all instances busy, expected NO_CAPABLE_AGENT, got %v", err)
	}
}
