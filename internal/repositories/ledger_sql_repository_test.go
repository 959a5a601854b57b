package repositories

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"sync"
	"testing"
)

// flakyConnector serves connections whose Exec fails the first failures times.
type flakyConnector struct {
	mu       sync.Mutex
	failures int
	execs    int
}

func (c *flakyConnector) Connect(context.Context) (driver.Conn, error) { return &flakyConn{c: c}, nil }
func (c *flakyConnector) Driver() driver.Driver                       { return flakyDriver{c: c} }

type flakyDriver struct{ c *flakyConnector }

func (d flakyDriver) Open(string) (driver.Conn, error) { return &flakyConn{c: d.c}, nil }

type flakyConn struct{ c *flakyConnector }

func (f *flakyConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("prepare not supported") }
func (f *flakyConn) Close() error                        { return nil }
func (f *flakyConn) Begin() (driver.Tx, error)           { return nil, errors.New("tx not supported") }

func (f *flakyConn) ExecContext(_ context.Context, _ string, _ []driver.NamedValue) (driver.Result, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	f.c.execs++
	if f.c.failures > 0 {
		f.c.failures--
		return nil, errors.New("connection reset by peer")
	}
	return driver.RowsAffected(0), nil
}

func TestSQLLedgerRepository_SchemaRetriedAfterFailure(t *testing.T) {
	conn := &flakyConnector{failures: 1}
	db := sql.OpenDB(conn)
	defer db.Close()

	r := NewSQLLedgerRepository(db, "mysql")
	ctx := context.Background()

	if err := r.ensureSchema(ctx); err == nil {
		t.Fatalf("expected the first schema attempt to fail")
	}
	if err := r.ensureSchema(ctx); err != nil {
		t.Fatalf("schema not retried: %v", err)
	}
	execs := conn.execs
	if err := r.ensureSchema(ctx); err != nil {
		t.Fatalf("third call: %v", err)
	}
	if conn.execs != execs {
		t.Fatalf("schema created again after success: execs %d -> %d", execs, conn.execs)
	}
}

func TestSQLLedgerRepository_SchemaRetriedAfterCanceledContext(t *testing.T) {
	conn := &flakyConnector{}
	db := sql.OpenDB(conn)
	defer db.Close()

	r := NewSQLLedgerRepository(db, "pgx")

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.ensureSchema(canceled); err == nil {
		t.Fatalf("expected an error for a canceled context")
	}
	if err := r.ensureSchema(context.Background()); err != nil {
		t.Fatalf("schema not retried: %v", err)
	}
	if conn.execs != 2 {
		t.Fatalf("execs = %d, want the two postgres statements", conn.execs)
	}
}
