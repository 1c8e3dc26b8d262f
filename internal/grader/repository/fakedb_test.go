package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"querylab/internal/common/db"
)

// fakeDB answers statements by matching a substring of the SQL text.
type fakeDB struct {
	mu       sync.Mutex
	rows     map[string][][]any
	execErr  map[string]error
	rowErr   map[string]error
	affected int64
	calls    []string
	args     [][]any
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		rows:     make(map[string][][]any),
		execErr:  make(map[string]error),
		rowErr:   make(map[string]error),
		affected: 1,
	}
}

func (f *fakeDB) record(query string, args []any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, query)
	f.args = append(f.args, args)
}

func (f *fakeDB) match(m map[string][][]any, query string) [][]any {
	for key, v := range m {
		if strings.Contains(query, key) {
			return v
		}
	}
	return nil
}

func (f *fakeDB) matchErr(m map[string]error, query string) error {
	for key, err := range m {
		if strings.Contains(query, key) {
			return err
		}
	}
	return nil
}

func (f *fakeDB) Query(_ context.Context, query string, args ...interface{}) (db.Rows, error) {
	f.record(query, args)
	if err := f.matchErr(f.rowErr, query); err != nil {
		return nil, err
	}
	return &fakeRows{data: f.match(f.rows, query), pos: -1}, nil
}

func (f *fakeDB) QueryRow(_ context.Context, query string, args ...interface{}) db.Row {
	f.record(query, args)
	if err := f.matchErr(f.rowErr, query); err != nil {
		return fakeRow{err: err}
	}
	data := f.match(f.rows, query)
	if len(data) == 0 {
		return fakeRow{err: sql.ErrNoRows}
	}
	return fakeRow{values: data[0]}
}

func (f *fakeDB) Exec(_ context.Context, query string, args ...interface{}) (db.Result, error) {
	f.record(query, args)
	if err := f.matchErr(f.execErr, query); err != nil {
		return nil, err
	}
	return fakeResult(f.affected), nil
}

func (f *fakeDB) count(substr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, q := range f.calls {
		if strings.Contains(q, substr) {
			n++
		}
	}
	return n
}

type fakeResult int64

func (r fakeResult) RowsAffected() (int64, error) { return int64(r), nil }

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...interface{}) error {
	if r.err != nil {
		return r.err
	}
	return assign(dest, r.values)
}

type fakeRows struct {
	data [][]any
	pos  int
}

func (r *fakeRows) Next() bool {
	r.pos++
	return r.pos < len(r.data)
}

func (r *fakeRows) Scan(dest ...interface{}) error { return assign(dest, r.data[r.pos]) }
func (r *fakeRows) Close() error                   { return nil }
func (r *fakeRows) Err() error                     { return nil }

func assign(dest []any, values []any) error {
	if len(dest) != len(values) {
		return fmt.Errorf("scan: %d destinations for %d values", len(dest), len(values))
	}
	for i, v := range values {
		switch d := dest[i].(type) {
		case *int64:
			*d = v.(int64)
		case *string:
			*d = v.(string)
		case *[]byte:
			*d = []byte(v.(string))
		case *time.Time:
			*d = v.(time.Time)
		case *sql.NullString:
			if v == nil {
				*d = sql.NullString{}
			} else {
				*d = sql.NullString{String: v.(string), Valid: true}
			}
		case *sql.NullInt64:
			if v == nil {
				*d = sql.NullInt64{}
			} else {
				*d = sql.NullInt64{Int64: v.(int64), Valid: true}
			}
		default:
			return fmt.Errorf("scan: unsupported destination %T", d)
		}
	}
	return nil
}
