package postgres_test

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fairyhunter13/mobile-test-orchestrator/internal/domain"
)

// rowStub implements pgx.Row
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

func errRow(err error) rowStub {
	return rowStub{scan: func(_ ...any) error { return err }}
}

// rowsStub implements pgx.Rows over a fixed list of scan callbacks.
type rowsStub struct {
	idx   int
	scans []func(dest ...any) error
	err   error
}

func (r *rowsStub) Next() bool { return r.idx < len(r.scans) }
func (r *rowsStub) Scan(dest ...any) error {
	s := r.scans[r.idx]
	r.idx++
	return s(dest...)
}
func (r *rowsStub) Close()                                       {}
func (r *rowsStub) Err() error                                   { return r.err }
func (r *rowsStub) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *rowsStub) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *rowsStub) Values() ([]any, error)                       { return nil, nil }
func (r *rowsStub) RawValues() [][]byte                          { return nil }
func (r *rowsStub) Conn() *pgx.Conn                              { return nil }

// poolStub implements postgres.PgxPool for tests. QueryRow and Query pop
// scripted results from queues so one test can cover successive calls, and the
// statements plus args are recorded for assertions.
// Defined in a shared helper so multiple *_test.go files can reuse it.
type poolStub struct {
	execErr   error
	execTag   pgconn.CommandTag
	queryErr  error
	rowQueue  []pgx.Row
	rowsQueue []pgx.Rows

	execSQL  []string
	execArgs [][]any
	rowSQL   []string
	rowArgs  [][]any
	querySQL []string
}

func (p *poolStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.execSQL = append(p.execSQL, sql)
	p.execArgs = append(p.execArgs, args)
	return p.execTag, p.execErr
}

func (p *poolStub) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	p.rowSQL = append(p.rowSQL, sql)
	p.rowArgs = append(p.rowArgs, args)
	if len(p.rowQueue) == 0 {
		return errRow(errors.New("no row configured"))
	}
	row := p.rowQueue[0]
	p.rowQueue = p.rowQueue[1:]
	return row
}

func (p *poolStub) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	p.querySQL = append(p.querySQL, sql)
	if p.queryErr != nil {
		return nil, p.queryErr
	}
	if len(p.rowsQueue) == 0 {
		return &rowsStub{}, nil
	}
	rows := p.rowsQueue[0]
	p.rowsQueue = p.rowsQueue[1:]
	return rows, nil
}

func ptr[T any](v T) *T { return &v }

func scanInt(n int) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*int)) = n
		return nil
	}
}

// scanJobRow writes j into the destinations in jobColumns order.
func scanJobRow(j domain.Job, resultRaw, metaRaw []byte) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*string)) = j.ID
		*(dest[1].(*string)) = j.OrgID
		*(dest[2].(*string)) = j.AppVersionID
		*(dest[3].(*string)) = j.TestPath
		*(dest[4].(*domain.Target)) = j.Target
		*(dest[5].(*int)) = j.Priority
		*(dest[6].(*domain.JobStatus)) = j.Status
		*(dest[7].(*int)) = j.RetryCount
		*(dest[8].(*string)) = j.AssignedAgent
		*(dest[9].(*string)) = j.ErrorMessage
		*(dest[10].(*[]byte)) = resultRaw
		*(dest[11].(*[]byte)) = metaRaw
		*(dest[12].(*time.Time)) = j.CreatedAt
		*(dest[13].(*time.Time)) = j.UpdatedAt
		*(dest[14].(**time.Time)) = j.StartedAt
		*(dest[15].(**time.Time)) = j.CompletedAt
		return nil
	}
}

func scanGroupRow(g domain.Group) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*string)) = g.ID
		*(dest[1].(*string)) = g.OrgID
		*(dest[2].(*string)) = g.AppVersionID
		*(dest[3].(*domain.Target)) = g.Target
		*(dest[4].(*domain.GroupStatus)) = g.Status
		*(dest[5].(*string)) = g.AssignedAgent
		*(dest[6].(*int)) = g.JobCount
		*(dest[7].(*time.Time)) = g.CreatedAt
		*(dest[8].(*time.Time)) = g.UpdatedAt
		*(dest[9].(**time.Time)) = g.StartedAt
		*(dest[10].(**time.Time)) = g.CompletedAt
		return nil
	}
}

// scanAgentRow writes a into the destinations in agentColumns order. The
// heartbeat dest is a **time.Time; hb nil leaves it NULL.
func scanAgentRow(a domain.Agent, capsRaw, jobsRaw []byte, hb *time.Time) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*string)) = a.ID
		*(dest[1].(*string)) = a.Name
		*(dest[2].(*[]byte)) = capsRaw
		*(dest[3].(*domain.AgentStatus)) = a.Status
		*(dest[4].(**time.Time)) = hb
		*(dest[5].(*int)) = a.MaxConcurrentJobs
		*(dest[6].(*[]byte)) = jobsRaw
		*(dest[7].(*time.Time)) = a.RegisteredAt
		*(dest[8].(*time.Time)) = a.UpdatedAt
		return nil
	}
}
