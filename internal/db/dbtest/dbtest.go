// Package dbtest provides a scripted db.TxQuerier for repository tests.
package dbtest

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/example/mornsign-scheduler/internal/db"
)

// Reply is what a scripted statement returns. Rows feed Query and QueryRow
// (first row); an empty Rows on QueryRow yields pgx.ErrNoRows.
type Reply struct {
	Rows     [][]any
	Affected int64
	Err      error
}

// Handler answers statements whose SQL contains Match.
type Handler struct {
	Match string
	Reply func(args []any) Reply
}

type Call struct {
	SQL  string
	Args []any
}

// Fake dispatches every statement to the first handler whose Match is a
// substring of the SQL. Unmatched statements fail the call.
type Fake struct {
	Handlers []Handler

	mu      sync.Mutex
	calls   []Call
	txCount int
}

func (f *Fake) On(match string, reply func(args []any) Reply) *Fake {
	f.Handlers = append(f.Handlers, Handler{Match: match, Reply: reply})
	return f
}

func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Count returns how many executed statements contained match.
func (f *Fake) Count(match string) int {
	n := 0
	for _, c := range f.Calls() {
		if strings.Contains(c.SQL, match) {
			n++
		}
	}
	return n
}

func (f *Fake) TxCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.txCount
}

func (f *Fake) reply(sql string, args []any) Reply {
	f.mu.Lock()
	f.calls = append(f.calls, Call{SQL: sql, Args: args})
	f.mu.Unlock()
	for _, h := range f.Handlers {
		if strings.Contains(sql, h.Match) {
			return h.Reply(args)
		}
	}
	return Reply{Err: fmt.Errorf("dbtest: unexpected statement: %s", strings.TrimSpace(sql))}
}

func (f *Fake) Exec(_ context.Context, sql string, args ...any) error {
	return f.reply(sql, args).Err
}

func (f *Fake) ExecCount(_ context.Context, sql string, args ...any) (int64, error) {
	r := f.reply(sql, args)
	return r.Affected, r.Err
}

func (f *Fake) QueryRow(_ context.Context, sql string, args ...any) db.Row {
	r := f.reply(sql, args)
	if r.Err != nil {
		return row{err: r.Err}
	}
	if len(r.Rows) == 0 {
		return row{err: pgx.ErrNoRows}
	}
	return row{vals: r.Rows[0]}
}

func (f *Fake) Query(_ context.Context, sql string, args ...any) (db.Rows, error) {
	r := f.reply(sql, args)
	if r.Err != nil {
		return nil, r.Err
	}
	return &rows{data: r.Rows, i: -1}, nil
}

// InTx runs fn against the fake itself; an error from fn is returned as is.
func (f *Fake) InTx(_ context.Context, fn func(q db.Querier) error) error {
	f.mu.Lock()
	f.txCount++
	f.mu.Unlock()
	return fn(f)
}

type row struct {
	vals []any
	err  error
}

func (r row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assign(r.vals, dest)
}

type rows struct {
	data [][]any
	i    int
}

func (r *rows) Close()     {}
func (r *rows) Err() error { return nil }
func (r *rows) Next() bool {
	r.i++
	return r.i < len(r.data)
}
func (r *rows) Scan(dest ...any) error { return assign(r.data[r.i], dest) }

func assign(vals, dest []any) error {
	if len(vals) != len(dest) {
		return fmt.Errorf("dbtest: scan %d values into %d targets", len(vals), len(dest))
	}
	for i, d := range dest {
		dv := reflect.ValueOf(d)
		if dv.Kind() != reflect.Pointer || dv.IsNil() {
			return errors.New("dbtest: scan target must be a non-nil pointer")
		}
		if vals[i] == nil {
			dv.Elem().Set(reflect.Zero(dv.Elem().Type()))
			continue
		}
		v := reflect.ValueOf(vals[i])
		t := dv.Elem().Type()
		switch {
		case v.Type().AssignableTo(t):
		case numeric(v.Kind()) && numeric(t.Kind()):
			v = v.Convert(t)
		default:
			return fmt.Errorf("dbtest: cannot scan %T into %s", vals[i], t)
		}
		dv.Elem().Set(v)
	}
	return nil
}

func numeric(k reflect.Kind) bool {
	return k >= reflect.Int && k <= reflect.Float64
}

var _ db.TxQuerier = (*Fake)(nil)
