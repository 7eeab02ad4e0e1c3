/*
Copyright © 2022 the flowmap authors.
This file is part of flowmap.

flowmap is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

flowmap is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with flowmap.  If not, see <http://www.gnu.org/licenses/>.
*/

// Package table holds the in-memory tabular records that flow through the
// pipeline. Cells are stored as text exactly as they were read and are
// parsed on demand, so key columns such as dates and cell IDs survive a
// read/write round trip unchanged.
package table

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Table is a set of records sharing one header.
type Table struct {
	// Path is the file the table was read from, if any. It is used
	// to give errors context.
	Path string

	// CRS names the coordinate reference system of the projected
	// coordinate columns. It is empty until the table has been projected.
	CRS string

	cols []string
	idx  map[string]int
	rows [][]string
}

// New creates an empty table with the given columns.
func New(cols ...string) *Table {
	t := &Table{idx: make(map[string]int, len(cols))}
	for _, c := range cols {
		if _, ok := t.idx[c]; ok {
			continue
		}
		t.idx[c] = len(t.cols)
		t.cols = append(t.cols, c)
	}
	return t
}

// Columns returns the column names in order.
func (t *Table) Columns() []string {
	o := make([]string, len(t.cols))
	copy(o, t.cols)
	return o
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.rows) }

// Col returns the index of the named column.
func (t *Table) Col(name string) (int, bool) {
	i, ok := t.idx[name]
	return i, ok
}

// Has returns whether all of the named columns are present.
func (t *Table) Has(cols ...string) bool {
	return len(t.Missing(cols...)) == 0
}

// Missing returns the named columns that are not present.
func (t *Table) Missing(cols ...string) []string {
	var o []string
	for _, c := range cols {
		if _, ok := t.idx[c]; !ok {
			o = append(o, c)
		}
	}
	return o
}

// Row returns a copy of row i.
func (t *Table) Row(i int) []string {
	o := make([]string, len(t.rows[i]))
	copy(o, t.rows[i])
	return o
}

// Get returns the value in row i of the named column, or "" if the
// column does not exist.
func (t *Table) Get(i int, col string) string {
	j, ok := t.idx[col]
	if !ok {
		return ""
	}
	return t.rows[i][j]
}

// Float parses the value in row i of the named column.
func (t *Table) Float(i int, col string) (float64, error) {
	j, ok := t.idx[col]
	if !ok {
		return math.NaN(), fmt.Errorf("table: no column %q", col)
	}
	return parseFloat(t.rows[i][j], i, col)
}

// Floats parses every value in the named column.
func (t *Table) Floats(col string) ([]float64, error) {
	j, ok := t.idx[col]
	if !ok {
		return nil, fmt.Errorf("table: no column %q", col)
	}
	o := make([]float64, len(t.rows))
	for i, r := range t.rows {
		v, err := parseFloat(r[j], i, col)
		if err != nil {
			return nil, err
		}
		o[i] = v
	}
	return o, nil
}

func parseFloat(s string, row int, col string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return math.NaN(), fmt.Errorf("table: row %d column %q: empty value", row, col)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN(), fmt.Errorf("table: row %d column %q: %v", row, col, err)
	}
	return v, nil
}

// Set sets the value in row i of the named column. The column must exist.
func (t *Table) Set(i int, col, v string) {
	t.rows[i][t.idx[col]] = v
}

// SetFloat sets the value in row i of the named column to v.
func (t *Table) SetFloat(i int, col string, v float64) {
	t.Set(i, col, FormatFloat(v))
}

// FormatFloat formats v with the fewest digits that represent it exactly.
func FormatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// AddColumn appends a new column with every row set to fill.
func (t *Table) AddColumn(name, fill string) error {
	if _, ok := t.idx[name]; ok {
		return fmt.Errorf("table: column %q already exists", name)
	}
	t.idx[name] = len(t.cols)
	t.cols = append(t.cols, name)
	for i := range t.rows {
		t.rows[i] = append(t.rows[i], fill)
	}
	return nil
}

// EnsureColumn adds the named column filled with fill if it does not
// already exist.
func (t *Table) EnsureColumn(name, fill string) {
	if _, ok := t.idx[name]; !ok {
		t.AddColumn(name, fill)
	}
}

// Append adds a row. The number of values must match the number of columns.
func (t *Table) Append(vals ...string) error {
	if len(vals) != len(t.cols) {
		return fmt.Errorf("table: appending row with %d values to table with %d columns",
			len(vals), len(t.cols))
	}
	r := make([]string, len(vals))
	copy(r, vals)
	t.rows = append(t.rows, r)
	return nil
}

// AppendMap adds a row from a map of column names to values. Columns not
// in the map are left empty, and keys that are not columns are ignored.
func (t *Table) AppendMap(vals map[string]string) {
	r := make([]string, len(t.cols))
	for k, v := range vals {
		if j, ok := t.idx[k]; ok {
			r[j] = v
		}
	}
	t.rows = append(t.rows, r)
}

// Rename renames a column.
func (t *Table) Rename(from, to string) error {
	j, ok := t.idx[from]
	if !ok {
		return fmt.Errorf("table: renaming missing column %q", from)
	}
	if from == to {
		return nil
	}
	if _, ok := t.idx[to]; ok {
		return fmt.Errorf("table: renaming %q to existing column %q", from, to)
	}
	delete(t.idx, from)
	t.idx[to] = j
	t.cols[j] = to
	return nil
}

// Drop returns a copy of t without the named columns. Names that are not
// present are ignored.
func (t *Table) Drop(cols ...string) *Table {
	drop := make(map[string]bool, len(cols))
	for _, c := range cols {
		drop[c] = true
	}
	var keep []string
	for _, c := range t.cols {
		if !drop[c] {
			keep = append(keep, c)
		}
	}
	o, _ := t.Select(keep...)
	return o
}

// Select returns a copy of t holding only the named columns, in the
// order given.
func (t *Table) Select(cols ...string) (*Table, error) {
	if m := t.Missing(cols...); len(m) > 0 {
		return nil, fmt.Errorf("table: selecting missing column(s) %s", strings.Join(m, ", "))
	}
	o := New(cols...)
	o.Path, o.CRS = t.Path, t.CRS
	js := make([]int, len(o.cols))
	for k, c := range o.cols {
		js[k] = t.idx[c]
	}
	o.rows = make([][]string, len(t.rows))
	for i, r := range t.rows {
		nr := make([]string, len(js))
		for k, j := range js {
			nr[k] = r[j]
		}
		o.rows[i] = nr
	}
	return o, nil
}

// Clone returns a deep copy of t.
func (t *Table) Clone() *Table {
	return t.Subset(nil, true)
}

// Subset returns a copy of t holding the given rows in the given order.
// Rows may repeat. If all is true, rows is ignored and every row is kept.
func (t *Table) Subset(rows []int, all bool) *Table {
	o := New(t.cols...)
	o.Path, o.CRS = t.Path, t.CRS
	if all {
		rows = make([]int, len(t.rows))
		for i := range rows {
			rows[i] = i
		}
	}
	o.rows = make([][]string, len(rows))
	for k, i := range rows {
		o.rows[k] = t.Row(i)
	}
	return o
}

// Filter returns a copy of t holding the rows for which keep returns true.
func (t *Table) Filter(keep func(i int) bool) *Table {
	var rows []int
	for i := range t.rows {
		if keep(i) {
			rows = append(rows, i)
		}
	}
	return t.Subset(rows, false)
}

// Concat appends the rows of o to t, matching columns by name. Columns of o
// that t lacks are added to t, and values missing from o are left empty.
func (t *Table) Concat(o *Table) {
	for _, c := range o.cols {
		t.EnsureColumn(c, "")
	}
	for i := range o.rows {
		r := make([]string, len(t.cols))
		for j, c := range o.cols {
			r[t.idx[c]] = o.rows[i][j]
		}
		t.rows = append(t.rows, r)
	}
}

// Key returns the values of the named columns in row i joined into a
// single string suitable for use as a map key.
func (t *Table) Key(i int, cols ...string) string {
	parts := make([]string, len(cols))
	for k, c := range cols {
		parts[k] = t.Get(i, c)
	}
	return strings.Join(parts, "\x1f")
}

// SortBy sorts the rows by the named columns. Values that parse as numbers
// compare numerically and sort before text; text compares lexically. The
// sort is stable.
func (t *Table) SortBy(cols ...string) {
	js := make([]int, 0, len(cols))
	for _, c := range cols {
		if j, ok := t.idx[c]; ok {
			js = append(js, j)
		}
	}
	sort.SliceStable(t.rows, func(a, b int) bool {
		for _, j := range js {
			if c := Compare(t.rows[a][j], t.rows[b][j]); c != 0 {
				return c < 0
			}
		}
		return false
	})
}

// Compare compares two cell values, numerically when both parse as
// numbers and lexically otherwise.
func Compare(a, b string) int {
	fa, errA := strconv.ParseFloat(strings.TrimSpace(a), 64)
	fb, errB := strconv.ParseFloat(strings.TrimSpace(b), 64)
	switch {
	case errA == nil && errB == nil:
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	case errA == nil:
		return -1
	case errB == nil:
		return 1
	}
	return strings.Compare(a, b)
}
