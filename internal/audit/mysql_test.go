package audit

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"AgentSwarm/internal/agent"
	xerrors "AgentSwarm/internal/errors"
	"AgentSwarm/internal/storage/mysql/mysqltest"
)

func TestMySQLLogAppend(t *testing.T) {
	t.Parallel()

	db := mysqltest.NewDB(t, mysqltest.Exec(insertEventSQL, 1))
	log := NewMySQLLogWithDB(db)
	err := log.Append(context.Background(), Record{
		InstanceID: "inst-1",
		Archetype:  "formatter",
		Event:      EventRetired,
		Telemetry:  &agent.Telemetry{EntropyScore: 0.2},
	})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
}

func TestMySQLLogAppendWrapsStorageFailure(t *testing.T) {
	t.Parallel()

	db := mysqltest.NewDB(t, mysqltest.Exec(insertEventSQL, 0).WithError(errors.New("connection reset")))
	err := NewMySQLLogWithDB(db).Append(context.Background(), Record{InstanceID: "inst-1", Event: EventAdmitted})
	if !xerrors.HasCode(err, xerrors.CodeStorageFailure) {
		t.Fatalf("expected storage failure, got %v", err)
	}
}

func TestMySQLLogList(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	db := mysqltest.NewDB(t, mysqltest.Query(
		`SELECT id, occurred_at, instance_id, archetype, event, reason, telemetry FROM audit_events
    WHERE instance_id = ? ORDER BY occurred_at DESC, id DESC LIMIT ?`,
		[]string{"id", "occurred_at", "instance_id", "archetype", "event", "reason", "telemetry"},
		[]driver.Value{"r2", at.Add(time.Second).UnixMilli(), "inst-1", "formatter", "retired", "", `{"entropy_score":0.7}`},
		[]driver.Value{"r1", at.UnixMilli(), "inst-1", "formatter", "activated", nil, nil},
	))

	list, err := NewMySQLLogWithDB(db).List(context.Background(), Query{InstanceID: "inst-1"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != "r2" {
		t.Fatalf("unexpected list: %+v", list)
	}
	if list[0].Telemetry == nil || list[0].Telemetry.EntropyScore != 0.7 {
		t.Fatalf("telemetry not decoded: %+v", list[0].Telemetry)
	}
	if list[1].Telemetry != nil {
		t.Fatalf("null telemetry should stay nil")
	}
	if !list[1].Timestamp.Equal(at) {
		t.Fatalf("unexpected timestamp %v", list[1].Timestamp)
	}
}

func TestBuildListQuery(t *testing.T) {
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	stmt, args := buildListQuery(Query{Event: EventMutated, Since: since, Limit: 5})
	want := "SELECT id, occurred_at, instance_id, archetype, event, reason, telemetry FROM audit_events WHERE event = ? AND occurred_at >= ? ORDER BY occurred_at DESC, id DESC LIMIT ?"
	if mysqltest.Normalize(stmt) != want {
		t.Fatalf("unexpected statement %q", stmt)
	}
	if len(args) != 3 || args[0] != "mutated" || args[1] != since.UnixMilli() || args[2] != 5 {
		t.Fatalf("unexpected args %v", args)
	}
}

func TestMySQLLogPrune(t *testing.T) {
	t.Parallel()

	db := mysqltest.NewDB(t, mysqltest.Exec(`DELETE FROM audit_events WHERE occurred_at < ?`, 4))
	removed, err := NewMySQLLogWithDB(db).Prune(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if removed != 4 {
		t.Fatalf("expected 4 removed, got %d", removed)
	}
}
