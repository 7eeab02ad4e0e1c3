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

package aggregate

import (
	"errors"
	"testing"

	"github.com/kr/pretty"
	"github.com/spatialmodel/flowmap"
	"github.com/spatialmodel/flowmap/match"
	"github.com/spatialmodel/flowmap/schema"
	"github.com/spatialmodel/flowmap/table"
)

func rows(t *table.Table) [][]string {
	o := make([][]string, t.Len())
	for i := range o {
		o[i] = t.Row(i)
	}
	return o
}

func hourly() *table.Table {
	tbl := table.New(schema.Date, schema.Hour, schema.CellID, schema.Count, schema.CommuteMinutes, "note")
	for _, r := range [][]string{
		{"20210701", "0", "10", "3", "20", "x"},
		{"20210701", "1", "10", "4", "40", "y"},
		{"20210701", "0", "9", "5", "30", "z"},
		{"20210702", "0", "10", "1", "10", "w"},
	} {
		tbl.Append(r...)
	}
	return tbl
}

func TestAggregate(t *testing.T) {
	o, err := Aggregate(hourly(), []string{schema.CellID},
		map[string]Reduction{schema.Count: Sum, schema.CommuteMinutes: Mean})
	if err != nil {
		t.Fatal(err)
	}
	want := [][]string{
		{"9", "5", "30"},
		{"10", "8", "23.333333333333332"},
	}
	if diff := pretty.Diff(rows(o), want); len(diff) > 0 {
		t.Error(diff)
	}
	if diff := pretty.Diff(o.Columns(), []string{schema.CellID, schema.Count, schema.CommuteMinutes}); len(diff) > 0 {
		t.Error(diff)
	}
}

func TestAggregateEmpty(t *testing.T) {
	tbl := table.New(schema.CellID, schema.Count)
	o, err := Aggregate(tbl, []string{schema.CellID}, map[string]Reduction{schema.Count: Sum})
	if err != nil {
		t.Fatal(err)
	}
	if o.Len() != 0 || len(o.Columns()) != 2 {
		t.Errorf("have %d rows and columns %v", o.Len(), o.Columns())
	}
}

func TestAggregateMissing(t *testing.T) {
	_, err := Aggregate(hourly(), []string{"nope"}, map[string]Reduction{schema.Count: Sum})
	var se *flowmap.SchemaError
	if !errors.As(err, &se) {
		t.Errorf("want SchemaError, have %v", err)
	}
}

func TestCollapseHours(t *testing.T) {
	o, err := CollapseHours(hourly(), []string{schema.Date, schema.Hour, schema.CellID},
		map[string]Reduction{schema.Count: Sum})
	if err != nil {
		t.Fatal(err)
	}
	want := [][]string{
		{"20210701", "9", "5"},
		{"20210701", "10", "7"},
		{"20210702", "10", "1"},
	}
	if diff := pretty.Diff(rows(o), want); len(diff) > 0 {
		t.Error(diff)
	}
	if o.Has(schema.Hour) {
		t.Error("hour column should be dropped")
	}
}

func TestByAssignment(t *testing.T) {
	as := []match.Assignment{{Row: 0, Target: 2}, {Row: 1, Target: 2}, {Row: 2, Target: 0}, {Row: 2, Target: 1}}
	o, err := ByAssignment(hourly(), as, "网格编号", nil, map[string]Reduction{schema.Count: Sum})
	if err != nil {
		t.Fatal(err)
	}
	want := [][]string{{"0", "5"}, {"1", "5"}, {"2", "7"}}
	if diff := pretty.Diff(rows(o), want); len(diff) > 0 {
		t.Error(diff)
	}
}

func TestReductions(t *testing.T) {
	tbl := table.New(schema.Date, schema.CellID, schema.Count, "性别:男", "消费水平:高", schema.HomeCount)
	r := Reductions(tbl, schema.ManifestFor(schema.ResidentProfile))
	want := map[string]Reduction{schema.Count: Sum, "性别:男": Sum, schema.HomeCount: Sum}
	if diff := pretty.Diff(r, want); len(diff) > 0 {
		t.Error(diff)
	}
	tbl = table.New(schema.Date, schema.CommuteMinutes)
	r = Reductions(tbl, schema.ManifestFor(schema.CommuteTime))
	if r[schema.CommuteMinutes] != Mean || len(r) != 1 {
		t.Errorf("commute time reductions: %v", r)
	}
}

func TestRatio(t *testing.T) {
	tbl := table.New(schema.HomeCount, schema.WorkCount)
	tbl.Append("0", "5")
	tbl.Append("0", "3")
	r, err := JobHousingRatio(tbl, schema.WorkCount, schema.HomeCount)
	if err != nil {
		t.Fatal(err)
	}
	if r.Defined || r.String() != "undefined" {
		t.Errorf("zero denominator: %+v %s", r, r)
	}
	tbl.Append("4", "0")
	r, _ = JobHousingRatio(tbl, schema.WorkCount, schema.HomeCount)
	if !r.Defined || r.Value != 2 || r.String() != "2.0000" {
		t.Errorf("ratio: %+v %s", r, r)
	}
}

func TestPerPeriod(t *testing.T) {
	red := map[string]Reduction{schema.Count: Sum, schema.CommuteMinutes: Mean}
	for _, test := range []struct {
		name          string
		keys, periods []string
		want          [][]string
	}{
		{
			name:    "per date and hour",
			keys:    []string{schema.CellID},
			periods: []string{schema.Date, schema.Hour},
			want: [][]string{
				{"9", table.FormatFloat(5. / 3), "30"},
				{"10", table.FormatFloat(8. / 3), table.FormatFloat(70. / 3)},
			},
		},
		{
			name:    "hour profile over dates",
			keys:    []string{schema.CellID, schema.Hour},
			periods: []string{schema.Date},
			want: [][]string{
				{"9", "0", "2.5", "30"},
				{"10", "0", "2", "15"},
				{"10", "1", "2", "40"},
			},
		},
		{
			name: "no periods",
			keys: []string{schema.CellID},
			want: [][]string{{"9", "5", "30"}, {"10", "8", table.FormatFloat(70. / 3)}},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			o, err := PerPeriod(hourly(), test.keys, test.periods, red)
			if err != nil {
				t.Fatal(err)
			}
			if diff := pretty.Diff(rows(o), test.want); len(diff) > 0 {
				t.Error(diff)
			}
		})
	}
}

func TestPeriods(t *testing.T) {
	if diff := pretty.Diff(Periods(hourly()), []string{schema.Date, schema.Hour}); len(diff) > 0 {
		t.Error(diff)
	}
	if p := Periods(hourly().Drop(schema.Date, schema.Hour)); len(p) != 0 {
		t.Errorf("periods of a table without dates: %v", p)
	}
}
