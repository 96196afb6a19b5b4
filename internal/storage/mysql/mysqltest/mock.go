// Package mysqltest provides a scripted database/sql driver for testing code
// that talks to MySQL. Each test lists the statements it expects in order;
// the driver fails on any deviation and reports unconsumed operations when
// the test finishes.
package mysqltest

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

type kind int

const (
	kindExec kind = iota
	kindQuery
	kindBegin
	kindCommit
	kindRollback
)

func (k kind) String() string {
	switch k {
	case kindExec:
		return "exec"
	case kindQuery:
		return "query"
	case kindBegin:
		return "begin"
	case kindCommit:
		return "commit"
	default:
		return "rollback"
	}
}

// Op is one expected driver call.
type Op struct {
	kind         kind
	query        string
	rowsAffected int64
	columns      []string
	values       [][]driver.Value
	err          error
}

// Exec expects an ExecContext call with the given SQL.
func Exec(query string, rowsAffected int64) Op {
	return Op{kind: kindExec, query: query, rowsAffected: rowsAffected}
}

// Query expects a QueryContext call and answers with the given rows.
func Query(query string, columns []string, values ...[]driver.Value) Op {
	return Op{kind: kindQuery, query: query, columns: columns, values: values}
}

// Begin expects a transaction to start.
func Begin() Op { return Op{kind: kindBegin} }

// Commit expects the open transaction to commit.
func Commit() Op { return Op{kind: kindCommit} }

// Rollback expects the open transaction to roll back.
func Rollback() Op { return Op{kind: kindRollback} }

// AnyExec expects an ExecContext call without checking its SQL.
func AnyExec(rowsAffected int64) Op { return Op{kind: kindExec, rowsAffected: rowsAffected} }

// WithError makes the call fail with err.
func (o Op) WithError(err error) Op {
	o.err = err
	return o
}

type scriptDriver struct {
	mu  sync.Mutex
	ops []Op
	idx int
}

var seq atomic.Int32

// NewDB opens a *sql.DB backed by the scripted driver. The database is closed
// and the script checked for leftovers when the test ends.
func NewDB(t testing.TB, ops ...Op) *sql.DB {
	t.Helper()

	drv := &scriptDriver{ops: ops}
	name := fmt.Sprintf("mysqltest-%d", seq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open scripted db: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	t.Cleanup(func() {
		_ = db.Close()
		drv.mu.Lock()
		defer drv.mu.Unlock()
		if drv.idx != len(drv.ops) {
			t.Errorf("scripted db: %d of %d operations consumed", drv.idx, len(drv.ops))
		}
	})
	return db
}

func (d *scriptDriver) Open(string) (driver.Conn, error) {
	return &conn{driver: d}, nil
}

// next 按顺序消费预期操作，SQL 比较前会折叠空白。
func (d *scriptDriver) next(k kind, query string) (*Op, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.idx >= len(d.ops) {
		return nil, fmt.Errorf("unexpected %s: %s", k, Normalize(query))
	}
	op := &d.ops[d.idx]
	if op.kind != k {
		return nil, fmt.Errorf("expected %s, got %s", op.kind, k)
	}
	d.idx++
	if op.query != "" && Normalize(op.query) != Normalize(query) {
		return nil, fmt.Errorf("unexpected query. want %q got %q", Normalize(op.query), Normalize(query))
	}
	return op, nil
}

// Normalize collapses whitespace so multi-line SQL constants compare equal.
func Normalize(query string) string {
	return strings.Join(strings.Fields(query), " ")
}

type conn struct {
	driver *scriptDriver
}

func (c *conn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *conn) Close() error { return nil }

func (c *conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *conn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	op, err := c.driver.next(kindBegin, "")
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &tx{driver: c.driver}, nil
}

func (c *conn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	op, err := c.driver.next(kindExec, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return driver.RowsAffected(op.rowsAffected), nil
}

func (c *conn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	op, err := c.driver.next(kindQuery, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &rows{columns: op.columns, values: op.values}, nil
}

func (c *conn) Ping(context.Context) error { return nil }

type tx struct {
	driver *scriptDriver
}

func (t *tx) Commit() error {
	op, err := t.driver.next(kindCommit, "")
	if err != nil {
		return err
	}
	return op.err
}

func (t *tx) Rollback() error {
	op, err := t.driver.next(kindRollback, "")
	if err != nil {
		return err
	}
	return op.err
}

type rows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *rows) Columns() []string { return r.columns }
func (r *rows) Close() error      { return nil }

func (r *rows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}
