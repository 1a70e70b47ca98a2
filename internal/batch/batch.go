// Package batch defines the canonical typed tabular batch exchanged between
// parser, validator, lake writer, and warehouse loader.
package batch

import (
	"fmt"
	"time"
)

// Batch is an ordered sequence of typed rows plus a schema reference.
// A nil cell is a null; key columns are never null.
type Batch struct {
	Schema *Schema
	Rows   [][]any
}

// New returns an empty batch over the given schema.
func New(s *Schema) *Batch {
	return &Batch{Schema: s}
}

// Len returns the row count.
func (b *Batch) Len() int { return len(b.Rows) }

// AppendRow type-checks and appends one row. Row width must match the
// schema exactly.
func (b *Batch) AppendRow(row []any) error {
	if len(row) != len(b.Schema.Columns) {
		return fmt.Errorf("row width %d != schema width %d", len(row), len(b.Schema.Columns))
	}
	for i, c := range b.Schema.Columns {
		if err := checkValue(c, row[i]); err != nil {
			return err
		}
	}
	b.Rows = append(b.Rows, row)
	return nil
}

// MustAppendRow is AppendRow for construction sites where the row is built
// from already-typed values; it panics on programmer error.
func (b *Batch) MustAppendRow(row []any) {
	if err := b.AppendRow(row); err != nil {
		panic(err)
	}
}

// Value returns the raw cell for (row, column name); (nil, false) when the
// column is absent.
func (b *Batch) Value(row int, col string) (any, bool) {
	i := b.Schema.Col(col)
	if i < 0 {
		return nil, false
	}
	return b.Rows[row][i], true
}

// Float64At returns a float64 cell; ok is false for nulls, absent columns,
// and kind mismatches.
func (b *Batch) Float64At(row int, col string) (float64, bool) {
	v, ok := b.Value(row, col)
	if !ok || v == nil {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

// Int64At returns an int64 cell.
func (b *Batch) Int64At(row int, col string) (int64, bool) {
	v, ok := b.Value(row, col)
	if !ok || v == nil {
		return 0, false
	}
	n, ok := v.(int64)
	return n, ok
}

// StringAt returns a string cell.
func (b *Batch) StringAt(row int, col string) (string, bool) {
	v, ok := b.Value(row, col)
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// TimeAt returns a date or timestamp cell.
func (b *Batch) TimeAt(row int, col string) (time.Time, bool) {
	v, ok := b.Value(row, col)
	if !ok || v == nil {
		return time.Time{}, false
	}
	ts, ok := v.(time.Time)
	return ts, ok
}

// Chunks splits the batch into views of at most n rows each. The views share
// backing arrays with the parent; callers must not mutate them.
func (b *Batch) Chunks(n int) []*Batch {
	if n <= 0 || b.Len() == 0 {
		return []*Batch{b}
	}
	var out []*Batch
	for start := 0; start < b.Len(); start += n {
		end := start + n
		if end > b.Len() {
			end = b.Len()
		}
		out = append(out, &Batch{Schema: b.Schema, Rows: b.Rows[start:end]})
	}
	return out
}

// Select returns a batch with only the named columns, in the given order.
// Used by the lake writer to drop partition columns from file bodies.
func (b *Batch) Select(cols []string) (*Batch, error) {
	idx := make([]int, len(cols))
	newCols := make([]Column, len(cols))
	for i, name := range cols {
		j := b.Schema.Col(name)
		if j < 0 {
			return nil, fmt.Errorf("select: unknown column %s", name)
		}
		idx[i] = j
		newCols[i] = b.Schema.Columns[j]
	}
	out := New(NewSchema(b.Schema.Name, b.Schema.Version, newCols))
	out.Rows = make([][]any, b.Len())
	for r := range b.Rows {
		row := make([]any, len(idx))
		for i, j := range idx {
			row[i] = b.Rows[r][j]
		}
		out.Rows[r] = row
	}
	return out, nil
}

// KeyTuple renders the identity tuple of a row for dedup and diagnostics.
func (b *Batch) KeyTuple(row int) string {
	s := ""
	for _, c := range b.Schema.KeyColumns() {
		v, _ := b.Value(row, c.Name)
		if s != "" {
			s += "|"
		}
		s += fmt.Sprintf("%v", v)
	}
	return s
}
