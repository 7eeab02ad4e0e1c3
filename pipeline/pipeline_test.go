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

package pipeline

import (
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/proj"
	"github.com/kr/pretty"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/spatialmodel/flowmap"
	"github.com/spatialmodel/flowmap/datum"
	"github.com/spatialmodel/flowmap/internal/shptest"
	"github.com/spatialmodel/flowmap/match"
	"github.com/spatialmodel/flowmap/project"
	"github.com/spatialmodel/flowmap/schema"
	"github.com/spatialmodel/flowmap/table"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/floats/scalar"
)

// Locations in EPSG:4526. Boundary region 甲 is
// [38500000, 38500500] x [3320000, 3320500] and 乙 lies east of it.
var (
	inA     = geom.Point{X: 38500150, Y: 3320150}
	inB     = geom.Point{X: 38500650, Y: 3320250}
	outside = geom.Point{X: 38502050, Y: 3320250}
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.Out = ioutil.Discard
	return l
}

// lonLat returns the WGS-84 coordinates of projected points as strings.
func lonLat(t *testing.T, p geom.Point) (string, string) {
	src, err := project.Zone38.SR()
	if err != nil {
		t.Fatal(err)
	}
	dst, err := proj.Parse(project.LonLat)
	if err != nil {
		t.Fatal(err)
	}
	ct, err := src.NewTransform(dst)
	if err != nil {
		t.Fatal(err)
	}
	x, y, err := ct(p.X, p.Y)
	if err != nil {
		t.Fatal(err)
	}
	return table.FormatFloat(x), table.FormatFloat(y)
}

func writeBoundary(t *testing.T, dir, name string, polys []geom.Polygonal, names []string) string {
	path := filepath.Join(dir, name+".shp")
	if err := shptest.WriteLayer(path, shptest.Zone38, polys, names); err != nil {
		t.Fatal(err)
	}
	return path
}

func writeTable(t *testing.T, path string, cols []string, rows [][]string) string {
	tbl := table.New(cols...)
	for _, r := range rows {
		if err := tbl.Append(r...); err != nil {
			t.Fatal(err)
		}
	}
	if err := tbl.WriteFile(path); err != nil {
		t.Fatal(err)
	}
	return path
}

type fixture struct {
	dir, boundary, boundaryB string
}

func newFixture(t *testing.T) fixture {
	dir := t.TempDir()
	return fixture{
		dir: dir,
		boundary: writeBoundary(t, dir, "范围", []geom.Polygonal{
			shptest.Rect(38500000, 3320000, 38500500, 3320500),
			shptest.Rect(38500500, 3320000, 38501000, 3320500),
		}, []string{"甲", "乙"}),
		boundaryB: writeBoundary(t, dir, "工作地", []geom.Polygonal{
			shptest.Rect(38500500, 3320000, 38501000, 3320500),
		}, []string{"乙"}),
	}
}

func (f fixture) populationCount(t *testing.T) string {
	var rows [][]string
	for _, h := range []string{"8", "9"} {
		for i, p := range []geom.Point{inA, inB, outside} {
			x, y := lonLat(t, p)
			rows = append(rows, []string{"20210701", h, string(rune('a' + i)), x, y, []string{"10", "4", "7"}[i]})
		}
	}
	return writeTable(t, filepath.Join(f.dir, "num_pop.txt"),
		[]string{schema.Date, schema.Hour, schema.CellID, schema.CenterX, schema.CenterY, schema.Count}, rows)
}

func (f fixture) job(kind schema.Kind, data string) *Job {
	j := NewJob(kind, data, f.boundary, filepath.Join(f.dir, "out"))
	j.Correct = datum.Identity
	return j
}

func exists(t *testing.T, paths ...string) {
	t.Helper()
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("missing output: %v", err)
		}
	}
}

func TestRunPopulationCount(t *testing.T) {
	f := newFixture(t)
	j := f.job(schema.PopulationCount, f.populationCount(t))
	j.CollapseHours = true
	j.XLSX = true
	j.GridShapefile = true
	r, err := Run(j, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	if r.CRS.Name != project.Zone38.Name {
		t.Errorf("crs: %s", r.CRS.Name)
	}
	if r.Matched.Len() != 2 || r.Matched.Has(schema.Hour) {
		t.Fatalf("matched: %d rows, columns %v", r.Matched.Len(), r.Matched.Columns())
	}
	have, err := r.Matched.Floats(schema.Count)
	if err != nil {
		t.Fatal(err)
	}
	if want := []float64{20, 8}; !floats.Equal(have, want) {
		t.Errorf("daily counts: have %v, want %v", have, want)
	}
	if r.Matched.Get(0, match.NameColumn) != "甲" || r.Matched.Get(1, match.NameColumn) != "乙" {
		t.Errorf("region names: %v", r.Matched.Row(0))
	}
	if r.Cells.Len() != 2 {
		t.Errorf("cells: %d rows", r.Cells.Len())
	}
	if r.Grid.Nx != 12 || r.Grid.Ny != 7 {
		t.Errorf("fishnet is %dx%d", r.Grid.Nx, r.Grid.Ny)
	}
	if r.Classification == nil || r.Classification.K != 2 {
		t.Errorf("classification: %+v", r.Classification)
	}
	o := j.Outputs()
	exists(t, o.Matched, o.XLSX, o.Cells, o.Density, o.Grid)
	if r.Image() != o.Density {
		t.Errorf("image: %q", r.Image())
	}
}

func TestRunAnimate(t *testing.T) {
	f := newFixture(t)
	j := f.job(schema.PopulationCount, f.populationCount(t))
	j.Animate = true
	j.Workers = 2
	r, err := Run(j, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	if r.Matched.Len() != 4 {
		t.Errorf("matched: %d rows", r.Matched.Len())
	}
	o := j.Outputs()
	exists(t, o.Hourly, o.Animation)
	hourly, err := table.ReadFile(o.Hourly, "")
	if err != nil {
		t.Fatal(err)
	}
	if hourly.Len() != 4 {
		t.Errorf("hourly aggregate: %d rows", hourly.Len())
	}
}

// multiDate writes a population count with records on two dates: 10 and
// 30 in region 甲 and 4 in region 乙 on the first date only.
func (f fixture) multiDate(t *testing.T) string {
	ax, ay := lonLat(t, inA)
	bx, by := lonLat(t, inB)
	return writeTable(t, filepath.Join(f.dir, "num_pop_2d.txt"),
		[]string{schema.Date, schema.Hour, schema.CellID, schema.CenterX, schema.CenterY, schema.Count},
		[][]string{
			{"20210701", "8", "a", ax, ay, "10"},
			{"20210701", "8", "b", bx, by, "4"},
			{"20210702", "8", "a", ax, ay, "30"},
		})
}

// cellValues returns the values of col in t by the cells holding inA and
// inB.
func cellValues(t *testing.T, r *Result, tbl *table.Table, col string) (a, b []float64) {
	t.Helper()
	ca, ok := r.Grid.Locate(inA)
	if !ok {
		t.Fatal("no cell for inA")
	}
	cb, ok := r.Grid.Locate(inB)
	if !ok {
		t.Fatal("no cell for inB")
	}
	for i := 0; i < tbl.Len(); i++ {
		v, err := tbl.Float(i, col)
		if err != nil {
			t.Fatal(err)
		}
		switch tbl.Get(i, CellColumn) {
		case strconv.Itoa(ca.ID):
			a = append(a, v)
		case strconv.Itoa(cb.ID):
			b = append(b, v)
		}
	}
	return a, b
}

func TestRunMultiDate(t *testing.T) {
	for _, collapse := range []bool{true, false} {
		t.Run(fmt.Sprintf("collapse=%v", collapse), func(t *testing.T) {
			f := newFixture(t)
			j := f.job(schema.PopulationCount, f.multiDate(t))
			j.CollapseHours = collapse
			j.Animate = !collapse
			r, err := Run(j, quietLogger())
			if err != nil {
				t.Fatal(err)
			}
			if !r.Cells.Has(schema.Date) || r.Cells.Has(schema.Hour) == collapse {
				t.Errorf("cell aggregate columns: %v", r.Cells.Columns())
			}
			if r.Cells.Len() != 3 {
				t.Errorf("cell aggregate: %d rows, want one per cell and period", r.Cells.Len())
			}
			a, b := cellValues(t, r, r.Cells, schema.Count)
			if want := []float64{10, 30}; !floats.Equal(a, want) {
				t.Errorf("甲 per date: have %v, want %v", a, want)
			}
			if want := []float64{4}; !floats.Equal(b, want) {
				t.Errorf("乙 per date: have %v, want %v", b, want)
			}

			a, b = cellValues(t, r, r.Mapped, schema.Count)
			if want := []float64{20}; !floats.Equal(a, want) {
				t.Errorf("甲 mapped: have %v, want %v", a, want)
			}
			if want := []float64{2}; !floats.Equal(b, want) {
				t.Errorf("乙 mapped: have %v, want %v", b, want)
			}
			if r.Classification == nil || r.Classification.Max != 20 {
				t.Errorf("classification: %+v", r.Classification)
			}

			if collapse {
				return
			}
			hourly, err := table.ReadFile(j.Outputs().Hourly, "")
			if err != nil {
				t.Fatal(err)
			}
			a, b = cellValues(t, r, hourly, schema.Count)
			if !floats.Equal(a, []float64{20}) || !floats.Equal(b, []float64{2}) {
				t.Errorf("hourly means over dates: 甲 %v, 乙 %v", a, b)
			}
		})
	}
}

func TestReplot(t *testing.T) {
	f := newFixture(t)
	j := f.job(schema.PopulationCount, f.populationCount(t))
	j.CollapseHours = true
	first, err := Run(j, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	o := j.Outputs()
	if err := os.Remove(o.Density); err != nil {
		t.Fatal(err)
	}
	j.Replot = true
	j.Data = filepath.Join(f.dir, "absent.txt") // the data is not read again
	second, err := Run(j, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	exists(t, o.Density)
	if diff := pretty.Diff(first.Classification, second.Classification); len(diff) > 0 {
		t.Errorf("classification changed: %v", diff)
	}
}

func (f fixture) od(t *testing.T) string {
	var rows [][]string
	for i, pair := range [][2]geom.Point{
		{inA, inB},
		{inA, outside},
		{outside, inA},
		{inB, inA},
	} {
		ox, oy := lonLat(t, pair[0])
		dx, dy := lonLat(t, pair[1])
		id := string(rune('a' + i))
		rows = append(rows, []string{"20210701", "o" + id, "d" + id, ox, oy, dx, dy, "5"})
	}
	return writeTable(t, filepath.Join(f.dir, "od.txt"),
		[]string{schema.Date, schema.OriginID, schema.DestID, schema.OriginX, schema.OriginY,
			schema.DestX, schema.DestY, schema.ODCount}, rows)
}

func TestRunODModes(t *testing.T) {
	f := newFixture(t)
	data := f.od(t)
	for _, test := range []struct {
		mode Mode
		want []string
		dirs []string
	}{
		{mode: Forward, want: []string{"oa"}},
		{mode: Reverse, want: []string{"od"}},
		{mode: Both, want: []string{"oa", "od"}, dirs: []string{DirectionForward, DirectionReverse}},
	} {
		t.Run(test.mode.String(), func(t *testing.T) {
			j := f.job(schema.OD, data)
			j.Boundary2 = f.boundaryB
			j.Mode = test.mode
			j.Plot = FlowLines
			j.VMin = 0
			r, err := Run(j, quietLogger())
			if err != nil {
				t.Fatal(err)
			}
			var have, dirs []string
			for i := 0; i < r.Matched.Len(); i++ {
				have = append(have, r.Matched.Get(i, schema.OriginID))
				if r.Matched.Has(DirectionColumn) {
					dirs = append(dirs, r.Matched.Get(i, DirectionColumn))
				}
			}
			if diff := pretty.Diff(have, test.want); len(diff) > 0 {
				t.Errorf("matched records: %v", diff)
			}
			if diff := pretty.Diff(dirs, test.dirs); len(diff) > 0 {
				t.Errorf("directions: %v", diff)
			}
			if !r.Matched.Has("O_ID", "D_ID") {
				t.Errorf("columns: %v", r.Matched.Columns())
			}
			exists(t, j.Outputs().Flows)
		})
	}
}

func TestRunODSingleBoundary(t *testing.T) {
	f := newFixture(t)
	j := f.job(schema.OD, f.od(t))
	j.Plot = NoPlot
	r, err := Run(j, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	// Every origin inside either region.
	if r.Matched.Len() != 3 {
		t.Errorf("forward: %d rows", r.Matched.Len())
	}
	j.Mode = Reverse
	if r, err = Run(j, quietLogger()); err != nil {
		t.Fatal(err)
	}
	if r.Matched.Len() != 3 {
		t.Errorf("reverse: %d rows", r.Matched.Len())
	}
}

func TestRunEmptyMatch(t *testing.T) {
	f := newFixture(t)
	x, y := lonLat(t, outside)
	data := writeTable(t, filepath.Join(f.dir, "far.txt"),
		[]string{schema.Date, schema.CellID, schema.CenterX, schema.CenterY, schema.Count},
		[][]string{{"20210701", "a", x, y, "3"}})
	logger, hook := test.NewNullLogger()
	r, err := Run(f.job(schema.PopulationCount, data), logger)
	if err != nil {
		t.Fatal(err)
	}
	if r.Matched.Len() != 0 || r.Cells.Len() != 0 || r.Classification != nil {
		t.Errorf("want empty results, have %d matched, %d cells", r.Matched.Len(), r.Cells.Len())
	}
	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Data["stage"] == flowmap.StageMatch {
			warned = true
		}
	}
	if !warned {
		t.Error("no warning logged for the empty match")
	}
}

func TestRunResidentCount(t *testing.T) {
	f := newFixture(t)
	cols := []string{schema.Date, schema.RegionName, schema.CellID, schema.CornerX, schema.CornerY, schema.PopType, schema.Count}
	ax, ay := lonLat(t, inA)
	bx, by := lonLat(t, inB)
	resident := func(name, pop string, a, b string) string {
		return writeTable(t, filepath.Join(f.dir, name+".txt"), cols, [][]string{
			{"20210701", "测试区", "c1", ax, ay, pop, a},
			{"20210701", "测试区", "c2", bx, by, pop, b},
		})
	}
	j := f.job(schema.ResidentCount, resident("home", "home", "100", "50"))
	j.Supplements = []string{
		resident("lww", "liveWithoutWork", "40", "20"),
		resident("work", "work", "80", "30"),
	}
	j.LiveAndWork = true
	j.Ratio = true
	r, err := Run(j, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	if r.Schema.Population != schema.Home {
		t.Errorf("population: %v", r.Schema.Population)
	}
	have, err := r.Matched.Floats(schema.LiveAndWork)
	if err != nil {
		t.Fatal(err)
	}
	if want := []float64{60, 30}; !floats.Equal(have, want) {
		t.Errorf("%s: have %v, want %v", schema.LiveAndWork, have, want)
	}
	if !r.Ratio.Defined || !scalar.EqualWithinAbs(r.Ratio.Value, 110./150, 1e-12) {
		t.Errorf("ratio: %v", r.Ratio)
	}
	if r.Cells == nil || !r.Cells.Has(schema.LiveAndWork) {
		t.Error("the derived count should be plotted by default")
	}
}

func TestPrepareProfile(t *testing.T) {
	f := newFixture(t)
	ax, ay := lonLat(t, inA)
	bx, by := lonLat(t, inB)
	data := writeTable(t, filepath.Join(f.dir, "por_pop.txt"),
		[]string{schema.Date, schema.CellID, schema.CenterX, schema.CenterY, "性别:男", "性别:女", "消费水平:低"},
		[][]string{{"20210701", "c1", ax, ay, "0.6", "0.4", "0.5"}})
	counts := writeTable(t, filepath.Join(f.dir, "num_pop.txt"),
		[]string{schema.Date, schema.CellID, schema.CenterX, schema.CenterY, schema.Count},
		[][]string{{"20210701", "c1", ax, ay, "100"}, {"20210701", "c2", bx, by, "50"}})
	j := f.job(schema.PopulationProfile, data)
	j.Supplements = []string{counts}
	in, err := j.prepare(quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	want := [][]string{
		{"20210701", "c1", ax, ay, "60", "40", "100"},
		{"20210701", "c2", bx, by, "0", "0", "50"},
	}
	var have [][]string
	for i := 0; i < in.t.Len(); i++ {
		have = append(have, in.t.Row(i))
	}
	if diff := pretty.Diff(have, want); len(diff) > 0 {
		t.Errorf("merged profile: %v", diff)
	}
	if in.t.Has("消费水平:低") {
		t.Error("excluded dimension kept")
	}
}

func TestPrepareNoSharedKey(t *testing.T) {
	f := newFixture(t)
	ax, ay := lonLat(t, inA)
	data := writeTable(t, filepath.Join(f.dir, "por_pop.txt"),
		[]string{schema.Date, schema.CellID, schema.CenterX, schema.CenterY, "性别:男", "性别:女"},
		[][]string{{"20210701", "c1", ax, ay, "0.6", "0.4"}})
	counts := writeTable(t, filepath.Join(f.dir, "num_pop.txt"),
		[]string{schema.CenterX, schema.CenterY, schema.Count},
		[][]string{{ax, ay, "100"}, {ax, ay, "50"}})
	j := f.job(schema.PopulationProfile, data)
	j.Supplements = []string{counts}
	_, err := j.prepare(quietLogger())
	var se *flowmap.SchemaError
	if !errors.As(err, &se) {
		t.Fatalf("have %v, want a schema error", err)
	}
	if se.Path != counts || se.Stage != flowmap.StageMerge {
		t.Errorf("have %+v", se)
	}

	t.Run("resident", func(t *testing.T) {
		cols := []string{schema.Date, schema.RegionName, schema.CellID, schema.CornerX, schema.CornerY, schema.PopType, schema.Count}
		home := writeTable(t, filepath.Join(f.dir, "home.txt"), cols, [][]string{
			{"20210701", "测试区", "c1", ax, ay, "home", "100"},
		})
		work := writeTable(t, filepath.Join(f.dir, "work.txt"),
			[]string{schema.CornerX, schema.CornerY, schema.PopType, schema.Count},
			[][]string{{ax, ay, "work", "80"}})
		j := f.job(schema.ResidentCount, home)
		j.Supplements = []string{work}
		_, err := j.prepare(quietLogger())
		var se *flowmap.SchemaError
		if !errors.As(err, &se) {
			t.Fatalf("have %v, want a schema error", err)
		}
		if se.Path != work {
			t.Errorf("path: have %s, want %s", se.Path, work)
		}
	})
}

func TestPrepareCommuteTime(t *testing.T) {
	f := newFixture(t)
	ax, ay := lonLat(t, inA)
	bx, by := lonLat(t, inB)
	data := writeTable(t, filepath.Join(f.dir, "time.txt"),
		[]string{schema.Date, schema.HomeName, schema.OriginID, schema.HomeX, schema.HomeY,
			schema.WorkName, schema.DestID, schema.WorkX, schema.WorkY, schema.CommuteSeconds},
		[][]string{{"20210701", "甲", "o1", ax, ay, "乙", "d1", bx, by, "1500"}})
	j := f.job(schema.CommuteTime, data)
	j.Derive = map[string]string{"通勤时间(h)": "[" + schema.CommuteMinutes + "] / 60"}
	in, err := j.prepare(quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	if v, err := in.t.Float(0, schema.CommuteMinutes); err != nil || v != 25 {
		t.Errorf("minutes: %v, %v", v, err)
	}
	if v, err := in.t.Float(0, "通勤时间(h)"); err != nil || !scalar.EqualWithinAbs(v, 25./60, 1e-12) {
		t.Errorf("derived hours: %v, %v", v, err)
	}
	if in.schema.Layout != schema.LiveWork {
		t.Errorf("layout: %v", in.schema.Layout)
	}
}

func TestRunAll(t *testing.T) {
	f := newFixture(t)
	good := f.job(schema.PopulationCount, f.populationCount(t))
	bad := f.job(schema.PopulationCount, filepath.Join(f.dir, "missing.txt"))
	logger, hook := test.NewNullLogger()
	results, err := RunAll([]*Job{bad, good}, 2, logger)
	if err == nil || !strings.Contains(err.Error(), "1 of 2 jobs failed") {
		t.Fatalf("error: %v", err)
	}
	if results[0] != nil || results[1] == nil {
		t.Errorf("results: %v", results)
	}
	var logged bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.ErrorLevel && e.Data["stage"] == flowmap.StageRead && e.Data["path"] == bad.Data {
			logged = true
		}
	}
	if !logged {
		t.Error("failure not logged with its path and stage")
	}
}

func TestValidate(t *testing.T) {
	f := newFixture(t)
	for name, mod := range map[string]func(j *Job){
		"cellsize":   func(j *Job) { j.CellSize = 0 },
		"k":          func(j *Job) { j.K = 0 },
		"alpha":      func(j *Job) { j.Alpha = 2 },
		"flowlines":  func(j *Job) { j.Plot = FlowLines },
		"boundary2":  func(j *Job) { j.Boundary2 = f.boundaryB },
		"no data":    func(j *Job) { j.Data = "" },
		"no borders": func(j *Job) { j.Boundary = "" },
	} {
		j := f.job(schema.PopulationCount, "data.txt")
		mod(j)
		if err := j.Validate(); err == nil {
			t.Errorf("%s: want an error", name)
		}
	}
}

func TestStage(t *testing.T) {
	for _, test := range []struct {
		err  error
		want string
	}{
		{&flowmap.SchemaError{Stage: flowmap.StageDetect}, flowmap.StageDetect},
		{&flowmap.InvalidBinsError{}, flowmap.StageClassify},
		{stageError(flowmap.StageWrite, errors.New("disk full")), flowmap.StageWrite},
		{errors.New("other"), "run"},
	} {
		if have := Stage(test.err); have != test.want {
			t.Errorf("%v: have %s, want %s", test.err, have, test.want)
		}
	}
}

func TestParse(t *testing.T) {
	if m, err := ParseMode("Both"); err != nil || m != Both {
		t.Errorf("mode: %v, %v", m, err)
	}
	if _, err := ParseMode("sideways"); err == nil {
		t.Error("invalid mode accepted")
	}
	if p, err := ParsePlotKind("flowlines"); err != nil || p != FlowLines {
		t.Errorf("plot: %v, %v", p, err)
	}
	if _, err := ParsePlotKind("pie"); err == nil {
		t.Error("invalid plot kind accepted")
	}
}
