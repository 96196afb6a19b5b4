package agent

import (
	"errors"
	"testing"
	"time"

	xerrors "AgentSwarm/internal/errors"
)

func mustPredicate(t *testing.T, expr string) Predicate {
	t.Helper()
	p, err := ParsePredicate(expr)
	if err != nil {
		t.Fatalf("parse %q: %v", expr, err)
	}
	return p
}

func TestParsePredicate(t *testing.T) {
	p := mustPredicate(t, "consistency_score > 95%")
	if p.Field != FieldConsistencyScore || p.Op != OpGreater || p.Threshold != 0.95 {
		t.Fatalf("unexpected predicate: %+v", p)
	}
	if !p.Eval(Telemetry{ConsistencyScore: 0.97}) {
		t.Fatalf("expected predicate to fire")
	}
	if p.Eval(Telemetry{ConsistencyScore: 0.95}) {
		t.Fatalf("strict comparison should not fire on equality")
	}

	latency := mustPredicate(t, "execution_latency >= 2")
	if !latency.Eval(Telemetry{ExecutionLatency: 2 * time.Second}) {
		t.Fatalf("duration fields compare in seconds")
	}

	for _, bad := range []string{"", "consistency_score >", "bogus > 1", "failure_flags ~ 3", "failure_flags >= x"} {
		if _, err := ParsePredicate(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		} else if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
			t.Fatalf("unexpected code for %q: %s", bad, xerrors.CodeOf(err))
		}
	}
}

func TestStateMachine(t *testing.T) {
	cases := []struct {
		from  State
		event Event
		want  State
	}{
		{StatePending, EventActivate, StateActive},
		{StatePending, EventReject, StateRetired},
		{StateActive, EventMutate, StateMutating},
		{StateMutating, EventMutationComplete, StateRetired},
		{StateMutating, EventMutationAbort, StateActive},
		{StateActive, EventRetire, StateRetiring},
		{StateRetiring, EventRetired, StateRetired},
	}
	for _, tc := range cases {
		got, err := Next(tc.from, tc.event)
		if err != nil {
			t.Fatalf("%s + %s: unexpected error %v", tc.from, tc.event, err)
		}
		if got != tc.want {
			t.Fatalf("%s + %s = %s, want %s", tc.from, tc.event, got, tc.want)
		}
	}

	invalid := []struct {
		from  State
		event Event
	}{
		{StatePending, EventMutate},
		{StateActive, EventActivate},
		{StateRetiring, EventActivate},
		{StateRetired, EventActivate},
		{StateRetired, EventRetire},
		{StateMutating, EventRetire},
	}
	for _, tc := range invalid {
		if _, err := Next(tc.from, tc.event); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("%s + %s: expected invalid transition, got %v", tc.from, tc.event, err)
		}
	}
}

func TestCatalogValidation(t *testing.T) {
	formatter := Spec{
		Type:           "formatter",
		Capabilities:   []string{"formatting", "autonomous", "formatting"},
		Replication:    Replication{Limit: 2, Window: 10 * time.Minute},
		MutationTarget: "synchronizer",
		MutationTriggers: []Trigger{
			{Name: "consistent", When: Predicate{Field: FieldConsistencyScore, Op: OpGreater, Threshold: 0.95}},
		},
	}
	synchronizer := Spec{Type: "synchronizer", Capabilities: []string{"sync", "autonomous"}}

	catalog, err := NewCatalog(formatter, synchronizer)
	if err != nil {
		t.Fatalf("new catalog: %v", err)
	}
	spec, err := catalog.Get("formatter")
	if err != nil {
		t.Fatalf("get formatter: %v", err)
	}
	if len(spec.Capabilities) != 2 || !spec.Covers([]string{"autonomous", "formatting"}) {
		t.Fatalf("capabilities not normalised: %v", spec.Capabilities)
	}
	if spec.MutationTriggers[0].Action != ActionMutate {
		t.Fatalf("trigger action should default to mutate")
	}
	if formatter.MutationTriggers[0].Action != "" {
		t.Fatalf("catalog must not mutate caller's triggers")
	}
	if got := catalog.Covering([]string{"autonomous"}); len(got) != 2 {
		t.Fatalf("expected both archetypes to cover autonomous, got %d", len(got))
	}
	if _, err := catalog.Get("ghost"); xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}

	if _, err := NewCatalog(formatter); err == nil {
		t.Fatalf("expected error for undefined mutation target")
	}
	self := Spec{Type: "loop", MutationTarget: "loop", MutationTriggers: []Trigger{{When: Predicate{Field: FieldFailureFlags, Op: OpGreaterEqual, Threshold: 3}}}}
	if _, err := NewCatalog(self); err == nil {
		t.Fatalf("expected error for self mutation")
	}
	if _, err := NewCatalog(Spec{Type: "x", Replication: Replication{Limit: 1}}); err == nil {
		t.Fatalf("expected error for missing replication window")
	}
	if _, err := NewCatalog(synchronizer, synchronizer); err == nil {
		t.Fatalf("expected error for duplicate archetype")
	}
}

func TestInstanceDeadline(t *testing.T) {
	start := time.Unix(1700000000, 0)
	inst := Instance{Spec: &Spec{RuntimeLimit: time.Minute}, ActivatedAt: start}
	deadline, ok := inst.Deadline()
	if !ok || !deadline.Equal(start.Add(time.Minute)) {
		t.Fatalf("unexpected deadline: %v %v", deadline, ok)
	}
	if _, ok := (Instance{Spec: &Spec{}, ActivatedAt: start}).Deadline(); ok {
		t.Fatalf("zero runtime limit must be unbounded")
	}
	if (Task{}).Width() != 1 || (Task{FanOut: 3}).Width() != 3 {
		t.Fatalf("unexpected task width")
	}
}
