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

// Package aggregate groups table records by key and reduces their
// values, summing counts and averaging rates.
package aggregate

import (
	"fmt"
	"strconv"

	"github.com/spatialmodel/flowmap"
	"github.com/spatialmodel/flowmap/match"
	"github.com/spatialmodel/flowmap/schema"
	"github.com/spatialmodel/flowmap/table"
)

// Reduction is the way the values of a column are combined within a
// group.
type Reduction int

// The reductions. Counts are summed; rates and durations are averaged.
const (
	Sum Reduction = iota
	Mean
)

func (r Reduction) String() string {
	if r == Mean {
		return "mean"
	}
	return "sum"
}

type group struct {
	first int
	n     int
	sums  []float64
}

// Aggregate groups the rows of t by the values of keys and reduces each
// column named in reductions. Other columns are dropped. The result has
// the key columns followed by the reduced columns in table order, and its
// rows are sorted by key.
func Aggregate(t *table.Table, keys []string, reductions map[string]Reduction) (*table.Table, error) {
	var vals []string
	for _, c := range t.Columns() {
		if _, ok := reductions[c]; ok && !contains(keys, c) {
			vals = append(vals, c)
		}
	}
	want := append(append([]string{}, keys...), vals...)
	for c := range reductions {
		if !t.Has(c) {
			want = append(want, c)
		}
	}
	if missing := t.Missing(want...); len(missing) > 0 {
		return nil, &flowmap.SchemaError{Path: t.Path, Stage: flowmap.StageAggregate, Missing: missing}
	}

	groups := make(map[string]*group)
	var order []string
	for i := 0; i < t.Len(); i++ {
		k := t.Key(i, keys...)
		g, ok := groups[k]
		if !ok {
			g = &group{first: i, sums: make([]float64, len(vals))}
			groups[k] = g
			order = append(order, k)
		}
		g.n++
		for j, c := range vals {
			v, err := t.Float(i, c)
			if err != nil {
				return nil, fmt.Errorf("aggregate: %s: %w", t.Path, err)
			}
			g.sums[j] += v
		}
	}

	o := table.New(append(append([]string{}, keys...), vals...)...)
	o.Path, o.CRS = t.Path, t.CRS
	row := make([]string, len(keys)+len(vals))
	for _, k := range order {
		g := groups[k]
		for j, c := range keys {
			row[j] = t.Get(g.first, c)
		}
		for j, c := range vals {
			v := g.sums[j]
			if reductions[c] == Mean {
				v /= float64(g.n)
			}
			row[len(keys)+j] = table.FormatFloat(v)
		}
		if err := o.Append(row...); err != nil {
			return nil, fmt.Errorf("aggregate: %v", err)
		}
	}
	o.SortBy(keys...)
	return o, nil
}

func contains(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

// CollapseHours sums hourly records into daily ones. The hour column is
// removed from keys; a table without an hour column is aggregated as is.
func CollapseHours(t *table.Table, keys []string, reductions map[string]Reduction) (*table.Table, error) {
	var daily []string
	for _, k := range keys {
		if k != schema.Hour {
			daily = append(daily, k)
		}
	}
	return Aggregate(t.Drop(schema.Hour), daily, reductions)
}

// ByAssignment groups the matched rows of t by the cell or region they
// were assigned to, which is recorded in idColumn, and by keys.
func ByAssignment(t *table.Table, as []match.Assignment, idColumn string, keys []string, reductions map[string]Reduction) (*table.Table, error) {
	m := t.Subset(match.Rows(as), false)
	if err := m.AddColumn(idColumn, ""); err != nil {
		return nil, fmt.Errorf("aggregate: %v", err)
	}
	for i, a := range as {
		m.Set(i, idColumn, strconv.Itoa(a.Target))
	}
	return Aggregate(m, append([]string{idColumn}, keys...), reductions)
}

// Periods returns the temporal key columns of t: the date, then the hour
// while records are still hourly.
func Periods(t *table.Table) []string {
	var o []string
	for _, c := range []string{schema.Date, schema.Hour} {
		if t.Has(c) {
			o = append(o, c)
		}
	}
	return o
}

// PerPeriod reduces a table with one row per group and period, such as
// the output of ByAssignment with period keys, to one row per group.
// Summed columns become means per period: their totals are divided by the
// number of distinct periods in t, so a group missing from a period counts
// as zero there. Averaged columns are averaged over the rows of the group.
func PerPeriod(t *table.Table, keys, periods []string, reductions map[string]Reduction) (*table.Table, error) {
	if missing := t.Missing(periods...); len(missing) > 0 {
		return nil, &flowmap.SchemaError{Path: t.Path, Stage: flowmap.StageAggregate, Missing: missing}
	}
	n := 1
	if len(periods) > 0 && t.Len() > 0 {
		seen := make(map[string]bool)
		for i := 0; i < t.Len(); i++ {
			seen[t.Key(i, periods...)] = true
		}
		n = len(seen)
	}
	o, err := Aggregate(t, keys, reductions)
	if err != nil || n == 1 {
		return o, err
	}
	for c, r := range reductions {
		if r != Sum || contains(keys, c) {
			continue
		}
		for i := 0; i < o.Len(); i++ {
			v, err := o.Float(i, c)
			if err != nil {
				return nil, fmt.Errorf("aggregate: %v", err)
			}
			o.SetFloat(i, c, v/float64(n))
		}
	}
	return o, nil
}

// Reductions returns the reductions of the value columns of t according
// to the manifest of its kind: the count column, proportion columns and
// derived count columns are summed and the manifest's rate columns are
// averaged.
func Reductions(t *table.Table, m schema.Manifest) map[string]Reduction {
	r := make(map[string]Reduction)
	if m.Count != "" && t.Has(m.Count) {
		r[m.Count] = Sum
	}
	for _, c := range m.ShareColumns(t) {
		r[c] = Sum
	}
	for _, c := range []string{schema.HomeCount, schema.WorkCount, schema.LiveWithoutWork,
		schema.WorkWithoutLive, schema.LiveAndWork} {
		if t.Has(c) {
			r[c] = Sum
		}
	}
	for _, c := range m.Means {
		if t.Has(c) {
			r[c] = Mean
		}
	}
	return r
}

// Total returns the sum of a column.
func Total(t *table.Table, col string) (float64, error) {
	if !t.Has(col) {
		return 0, &flowmap.SchemaError{Path: t.Path, Stage: flowmap.StageAggregate, Missing: []string{col}}
	}
	var sum float64
	for i := 0; i < t.Len(); i++ {
		v, err := t.Float(i, col)
		if err != nil {
			return 0, fmt.Errorf("aggregate: %s: %w", t.Path, err)
		}
		sum += v
	}
	return sum, nil
}

// Ratio is a quotient that is undefined when its denominator is zero.
type Ratio struct {
	Value   float64
	Defined bool
}

// NewRatio returns num/den.
func NewRatio(num, den float64) Ratio {
	if den == 0 {
		return Ratio{}
	}
	return Ratio{Value: num / den, Defined: true}
}

func (r Ratio) String() string {
	if !r.Defined {
		return "undefined"
	}
	return strconv.FormatFloat(r.Value, 'f', 4, 64)
}

// JobHousingRatio returns the ratio of the total of the work column to
// the total of the home column of t.
func JobHousingRatio(t *table.Table, work, home string) (Ratio, error) {
	w, err := Total(t, work)
	if err != nil {
		return Ratio{}, err
	}
	h, err := Total(t, home)
	if err != nil {
		return Ratio{}, err
	}
	return NewRatio(w, h), nil
}
