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

// Package merge combines tables that describe overlapping populations.
package merge

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Knetic/govaluate"
	"github.com/spatialmodel/flowmap"
	"github.com/spatialmodel/flowmap/schema"
	"github.com/spatialmodel/flowmap/table"
)

// Source is a table taking part in a merge.
type Source struct {
	// Name identifies the source when recording which sources a merged
	// row came from.
	Name  string
	Table *table.Table

	// Rename maps column names of Table to the names they take in the
	// merged table. It is applied before joining.
	Rename map[string]string

	// Drop lists columns of Table that are not carried into the merge.
	Drop []string

	// Coalesce lists non-key columns that this source shares with the
	// sources joined before it. The shared column is kept once and takes
	// this source's value in rows that the earlier sources lack.
	Coalesce []string
}

// prepare returns a copy of the source table with Drop and Rename applied.
func (s Source) prepare() (*table.Table, error) {
	t := s.Table.Drop(s.Drop...)
	for from, to := range s.Rename {
		if !t.Has(from) {
			continue
		}
		if err := t.Rename(from, to); err != nil {
			return nil, fmt.Errorf("merge: %s: %v", s.Name, err)
		}
	}
	return t, nil
}

// Joined is the result of an outer join. It records which sources each
// row was present in.
type Joined struct {
	*table.Table

	// Sources are the names of the joined sources, in join order.
	Sources []string

	keys    []string
	present [][]bool
	owner   map[string]int
	numeric map[string]bool
}

// Present reports whether row i had a record in the named source.
func (j *Joined) Present(i int, source string) bool {
	for s, name := range j.Sources {
		if name == source {
			return j.present[i][s]
		}
	}
	return false
}

// Owner returns the name of the source that contributed column col.
// Key columns belong to every source and return "".
func (j *Joined) Owner(col string) string {
	if s, ok := j.owner[col]; ok {
		return j.Sources[s]
	}
	return ""
}

// Start returns a single source as a Joined table, ready for further
// sources to be joined to it.
func Start(s Source, keys []string) (*Joined, error) {
	t, err := s.prepare()
	if err != nil {
		return nil, err
	}
	if missing := t.Missing(keys...); len(missing) > 0 {
		return nil, &flowmap.SchemaError{Path: t.Path, Stage: flowmap.StageMerge, Missing: missing}
	}
	j := &Joined{
		Table:   t,
		Sources: []string{s.Name},
		keys:    keys,
		present: make([][]bool, t.Len()),
		owner:   make(map[string]int),
		numeric: make(map[string]bool),
	}
	for i := range j.present {
		j.present[i] = []bool{true}
	}
	for _, c := range t.Columns() {
		if !isKey(keys, c) {
			j.owner[c] = 0
			j.numeric[c] = numericColumn(t, c)
		}
	}
	return j, nil
}

// OuterJoin joins left and right on keys. Every row of either table
// appears in the result: left rows first in their order, each followed by
// its right matches, then the right rows without a left match. Numeric
// columns of a source that a row lacks are filled with zero and text
// columns with the empty string.
func OuterJoin(left, right Source, keys []string) (*Joined, error) {
	j, err := Start(left, keys)
	if err != nil {
		return nil, err
	}
	if err := j.Join(right); err != nil {
		return nil, err
	}
	return j, nil
}

// Join joins another source to j on j's keys.
func (j *Joined) Join(s Source) error {
	r, err := s.prepare()
	if err != nil {
		return err
	}
	if missing := r.Missing(j.keys...); len(missing) > 0 {
		return &flowmap.SchemaError{Path: r.Path, Stage: flowmap.StageMerge, Missing: missing}
	}
	coalesce := make(map[string]bool)
	for _, c := range s.Coalesce {
		if !j.Has(c) || !r.Has(c) {
			return fmt.Errorf("merge: %s: coalesced column %q must be present in both tables", s.Name, c)
		}
		coalesce[c] = true
	}
	var add []string
	for _, c := range r.Columns() {
		if isKey(j.keys, c) || coalesce[c] {
			continue
		}
		if j.Has(c) {
			return fmt.Errorf("merge: %s: column %q is already present; rename it to merge", s.Name, c)
		}
		add = append(add, c)
	}

	src := len(j.Sources)
	l := j.Table
	o := table.New(append(l.Columns(), add...)...)
	o.Path, o.CRS = l.Path, l.CRS
	var present [][]bool

	rightRows := make(map[string][]int)
	for i := 0; i < r.Len(); i++ {
		k := r.Key(i, j.keys...)
		rightRows[k] = append(rightRows[k], i)
	}
	used := make([]bool, r.Len())
	rnum := make(map[string]bool, len(add))
	for _, c := range add {
		rnum[c] = numericColumn(r, c)
	}
	fill := func(num bool) string {
		if num {
			return "0"
		}
		return ""
	}

	for i := 0; i < l.Len(); i++ {
		base := l.Row(i)
		matches := rightRows[l.Key(i, j.keys...)]
		if len(matches) == 0 {
			row := base
			for _, c := range add {
				row = append(row, fill(rnum[c]))
			}
			o.Append(row...)
			present = append(present, append(append([]bool{}, j.present[i]...), false))
			continue
		}
		for _, m := range matches {
			used[m] = true
			row := append([]string{}, base...)
			for _, c := range add {
				row = append(row, r.Get(m, c))
			}
			o.Append(row...)
			present = append(present, append(append([]bool{}, j.present[i]...), true))
		}
	}
	for m := 0; m < r.Len(); m++ {
		if used[m] {
			continue
		}
		vals := make(map[string]string, len(o.Columns()))
		for _, c := range l.Columns() {
			switch {
			case isKey(j.keys, c) || coalesce[c]:
				vals[c] = r.Get(m, c)
			default:
				vals[c] = fill(j.numeric[c])
			}
		}
		for _, c := range add {
			vals[c] = r.Get(m, c)
		}
		o.AppendMap(vals)
		p := make([]bool, src+1)
		p[src] = true
		present = append(present, p)
	}

	j.Table = o
	j.present = present
	j.Sources = append(j.Sources, s.Name)
	for _, c := range add {
		j.owner[c] = src
		j.numeric[c] = rnum[c]
	}
	return nil
}

func isKey(keys []string, c string) bool {
	for _, k := range keys {
		if k == c {
			return true
		}
	}
	return false
}

// numericColumn reports whether every non-empty value of col is a number.
func numericColumn(t *table.Table, col string) bool {
	for i := 0; i < t.Len(); i++ {
		v := strings.TrimSpace(t.Get(i, col))
		if v == "" {
			continue
		}
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			return false
		}
	}
	return true
}

// Formula computes an output column from one or more derivations, which
// are govaluate expressions over the merged columns. Column names are
// written in brackets, as in "[居住人数] - [居住不工作人数]".
type Formula struct {
	Output      string
	Derivations []string
}

// LiveAndWork estimates the resident population that also works in the
// same cell. The two derivations, from the home and from the work
// population, are averaged where both are available.
var LiveAndWork = Formula{
	Output: schema.LiveAndWork,
	Derivations: []string{
		"[" + schema.HomeCount + "] - [" + schema.LiveWithoutWork + "]",
		"[" + schema.WorkCount + "] - [" + schema.WorkWithoutLive + "]",
	},
}

// Usable returns the formula with only the derivations whose columns are
// all present in t, or false if there are none.
func (f Formula) Usable(t *table.Table) (Formula, bool) {
	o := Formula{Output: f.Output}
	for _, d := range f.Derivations {
		e, err := govaluate.NewEvaluableExpression(d)
		if err != nil || !t.Has(e.Vars()...) {
			continue
		}
		o.Derivations = append(o.Derivations, d)
	}
	return o, len(o.Derivations) > 0
}

type derivation struct {
	expr    *govaluate.EvaluableExpression
	sources []string
	vars    []string
}

// Apply evaluates f for every row of j. A derivation is used in a row only
// if all of the sources of the columns it refers to are present in the
// row; the output is the mean of the usable derivations, or zero if there
// are none.
func (f Formula) Apply(j *Joined) error {
	ds := make([]derivation, len(f.Derivations))
	for k, expr := range f.Derivations {
		e, err := govaluate.NewEvaluableExpression(expr)
		if err != nil {
			return fmt.Errorf("merge: formula %s: %v", f.Output, err)
		}
		d := derivation{expr: e, vars: e.Vars()}
		seen := make(map[string]bool)
		for _, v := range d.vars {
			if !j.Has(v) {
				return &flowmap.SchemaError{Path: j.Path, Stage: flowmap.StageMerge, Missing: []string{v}}
			}
			if s := j.Owner(v); s != "" && !seen[s] {
				seen[s] = true
				d.sources = append(d.sources, s)
			}
		}
		ds[k] = d
	}
	if err := j.AddColumn(f.Output, "0"); err != nil {
		return fmt.Errorf("merge: formula %s: %v", f.Output, err)
	}
	for i := 0; i < j.Len(); i++ {
		var sum float64
		var n int
		for _, d := range ds {
			if !j.usable(i, d.sources) {
				continue
			}
			params := make(map[string]interface{}, len(d.vars))
			for _, v := range d.vars {
				x, err := j.Float(i, v)
				if err != nil {
					return fmt.Errorf("merge: formula %s: %v", f.Output, err)
				}
				params[v] = x
			}
			r, err := d.expr.Evaluate(params)
			if err != nil {
				return fmt.Errorf("merge: formula %s: row %d: %v", f.Output, i, err)
			}
			x, ok := r.(float64)
			if !ok {
				return fmt.Errorf("merge: formula %s: result %v is not a number", f.Output, r)
			}
			sum += x
			n++
		}
		if n > 0 {
			j.SetFloat(i, f.Output, sum/float64(n))
		}
	}
	return nil
}

func (j *Joined) usable(i int, sources []string) bool {
	for _, s := range sources {
		if !j.Present(i, s) {
			return false
		}
	}
	return true
}

// Reconcile joins the supplements to primary on keys and applies the
// formulas to the result.
func Reconcile(primary Source, supplements []Source, keys []string, formulas []Formula) (*Joined, error) {
	j, err := Start(primary, keys)
	if err != nil {
		return nil, err
	}
	for _, s := range supplements {
		if err := j.Join(s); err != nil {
			return nil, err
		}
	}
	for _, f := range formulas {
		if err := f.Apply(j); err != nil {
			return nil, err
		}
	}
	return j, nil
}

// ScaleShares returns a copy of t with each of the share columns, which
// hold proportions, multiplied by the count column.
func ScaleShares(t *table.Table, shares []string, count string) (*table.Table, error) {
	if missing := t.Missing(append([]string{count}, shares...)...); len(missing) > 0 {
		return nil, &flowmap.SchemaError{Path: t.Path, Stage: flowmap.StageMerge, Missing: missing}
	}
	o := t.Clone()
	for i := 0; i < o.Len(); i++ {
		n, err := o.Float(i, count)
		if err != nil {
			return nil, fmt.Errorf("merge: %v", err)
		}
		for _, c := range shares {
			v, err := o.Float(i, c)
			if err != nil {
				return nil, fmt.Errorf("merge: %v", err)
			}
			o.SetFloat(i, c, v*n)
		}
	}
	return o, nil
}
