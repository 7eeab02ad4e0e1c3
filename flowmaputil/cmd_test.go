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

package flowmaputil

import (
	"bytes"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/proj"
	"github.com/kr/pretty"
	"github.com/lnashier/viper"
	"github.com/spatialmodel/flowmap/boundary"
	"github.com/spatialmodel/flowmap/classify"
	"github.com/spatialmodel/flowmap/grid"
	"github.com/spatialmodel/flowmap/internal/shptest"
	"github.com/spatialmodel/flowmap/pipeline"
	"github.com/spatialmodel/flowmap/project"
	"github.com/spatialmodel/flowmap/schema"
	"github.com/spatialmodel/flowmap/table"
)

// testConfig returns a configuration holding the default option values.
func testConfig() *viper.Viper {
	v := viper.New()
	for _, o := range options {
		v.SetDefault(o.name, o.defaultVal)
	}
	return v
}

func writeBoundary(t *testing.T, dir, name string) string {
	path := filepath.Join(dir, name+".shp")
	err := shptest.WriteLayer(path, shptest.Zone38, []geom.Polygonal{
		shptest.Rect(38500000, 3320000, 38500500, 3320500),
		shptest.Rect(38500500, 3320000, 38501000, 3320500),
	}, []string{"甲", "乙"})
	if err != nil {
		t.Fatal(err)
	}
	return path
}

// writePopulation writes a population count table with one record in
// each boundary region and one outside them.
func writePopulation(t *testing.T, dir string) string {
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
	tbl := table.New(schema.Date, schema.Hour, schema.CellID, schema.CenterX, schema.CenterY, schema.Count)
	for i, p := range []geom.Point{{X: 38500150, Y: 3320150}, {X: 38500650, Y: 3320250}, {X: 38502050, Y: 3320250}} {
		x, y, err := ct(p.X, p.Y)
		if err != nil {
			t.Fatal(err)
		}
		err = tbl.Append("20210701", "8", string(rune('a'+i)), table.FormatFloat(x), table.FormatFloat(y), "10")
		if err != nil {
			t.Fatal(err)
		}
	}
	path := filepath.Join(dir, "num_pop.txt")
	if err := tbl.WriteFile(path); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestJobs(t *testing.T) {
	cfg := testConfig()
	cfg.Set("kind", "od")
	cfg.Set("data", "od.txt")
	cfg.Set("boundary", []string{"a.shp", "a.dbf", "b.shp"})
	cfg.Set("boundary2", "w.shp")
	cfg.Set("mode", "both")
	cfg.Set("plot", "flowlines")
	cfg.Set("cellsize", 200)
	cfg.Set("scheme", "quantiles")
	cfg.Set("k", 4)
	cfg.Set("derive", `{"人数2": "[人数] * 2"}`)
	cfg.Set("out", "results")

	jobs, err := Jobs(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 {
		t.Fatalf("have %d jobs, want 2", len(jobs))
	}
	type summary struct {
		Kind                     schema.Kind
		Boundary, Boundary2, Out string
		Mode                     pipeline.Mode
		Plot                     pipeline.PlotKind
		CellSize                 float64
		Scheme                   classify.Scheme
		K                        int
		Derive                   map[string]string
	}
	for i, b := range []string{"a.shp", "b.shp"} {
		j := jobs[i]
		have := summary{j.Kind, j.Boundary, j.Boundary2, j.Out, j.Mode, j.Plot, j.CellSize, j.Scheme, j.K, j.Derive}
		want := summary{schema.OD, b, "w.shp", "results", pipeline.Both, pipeline.FlowLines, 200,
			classify.Quantiles, 4, map[string]string{"人数2": "[人数] * 2"}}
		if diff := pretty.Diff(have, want); len(diff) > 0 {
			t.Errorf("job %d: %v", i, diff)
		}
		if j.Correct == nil {
			t.Errorf("job %d: missing datum correction", i)
		}
	}
}

func TestJobsInvalid(t *testing.T) {
	for _, test := range []struct {
		name string
		set  map[string]interface{}
		want string
	}{
		{"k", map[string]interface{}{"k": 0}, "flowmap: parsing configuration: k=0 but should be >0"},
		{"cellsize", map[string]interface{}{"cellsize": 150.0}, "cellsize=150 but should be one of"},
		{"negative cellsize", map[string]interface{}{"cellsize": -1.0}, "cellsize=-1 but should be >0"},
		{"alpha", map[string]interface{}{"alpha": 1.5}, "alpha=1.5 but should be between 0 and 1"},
		{"bins", map[string]interface{}{"scheme": "user_defined"}, "bins is not specified"},
		{"kind", map[string]interface{}{"kind": ""}, "kind is not specified"},
		{"unknown kind", map[string]interface{}{"kind": "weather"}, "parsing configuration"},
		{"boundary", map[string]interface{}{"boundary": []string{}}, "boundary is not specified"},
		{"voronoi", map[string]interface{}{"tessellation": "voronoi", "cellsize": 500.0}, "voronoi tessellation requires cellsize=100"},
		{"workers", map[string]interface{}{"workers": 0}, "workers=0 but should be >0"},
		{"datum", map[string]interface{}{"datum": "nad83"}, "parsing configuration"},
		{"flow lines", map[string]interface{}{"plot": "flowlines"}, "flow lines need paired records"},
		{"mode", map[string]interface{}{"mode": "sideways"}, "invalid mode"},
	} {
		t.Run(test.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Set("kind", "num_pop")
			cfg.Set("data", "num_pop.txt")
			cfg.Set("boundary", []string{"a.shp"})
			for k, v := range test.set {
				cfg.Set(k, v)
			}
			_, err := Jobs(cfg)
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), test.want) {
				t.Errorf("error %q does not contain %q", err, test.want)
			}
		})
	}
}

func TestJobsUserDefined(t *testing.T) {
	cfg := testConfig()
	cfg.Set("kind", "num_pop")
	cfg.Set("data", "num_pop.txt")
	cfg.Set("boundary", []string{"a.shp"})
	cfg.Set("scheme", "user_defined")
	cfg.Set("bins", []string{"10", "100", "1000"})
	jobs, err := Jobs(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if diff := pretty.Diff(jobs[0].Bins, []float64{10, 100, 1000}); len(diff) > 0 {
		t.Error(diff)
	}
	if jobs[0].K != 4 {
		t.Errorf("k = %d, want 4", jobs[0].K)
	}
}

func TestToFloat64SliceE(t *testing.T) {
	for _, test := range []struct {
		in   interface{}
		want []float64
	}{
		{nil, nil},
		{[]string{"1", " 2.5"}, []float64{1, 2.5}},
		{"1, 2,3", []float64{1, 2, 3}},
		{[]interface{}{int64(3), 4.5}, []float64{3, 4.5}},
	} {
		have, err := toFloat64SliceE(test.in)
		if err != nil {
			t.Fatal(err)
		}
		if diff := pretty.Diff(have, test.want); len(diff) > 0 {
			t.Errorf("%#v: %v", test.in, diff)
		}
	}
	if _, err := toFloat64SliceE([]string{"x"}); err == nil {
		t.Error("expected an error for a non-numeric bin")
	}
}

func TestGetStringMapString(t *testing.T) {
	cfg := viper.New()
	cfg.Set("a", `{"x": "[y] + 1"}`)
	cfg.Set("b", map[string]interface{}{"x": "[y] + 1"})
	cfg.Set("c", "")
	want := map[string]string{"x": "[y] + 1"}
	for _, name := range []string{"a", "b"} {
		have, err := GetStringMapString(name, cfg)
		if err != nil {
			t.Fatal(err)
		}
		if diff := pretty.Diff(have, want); len(diff) > 0 {
			t.Errorf("%s: %v", name, diff)
		}
	}
	if have, err := GetStringMapString("c", cfg); err != nil || len(have) != 0 {
		t.Errorf("empty map: %v, %v", have, err)
	}
	cfg.Set("d", "{")
	if _, err := GetStringMapString("d", cfg); err == nil {
		t.Error("expected an error for malformed JSON")
	}
}

func TestBatchJobs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "batch.toml")
	err := ioutil.WriteFile(path, []byte(`
[[job]]
kind = "num_pop"
data = "num_pop.txt"
boundary = ["a.shp", "b.shp"]
collapse-hours = true

[[job]]
kind = "od"
data = "od.txt"
boundary = "a.shp"
boundary2 = "w.shp"
mode = "reverse"
plot = "flowlines"
cellsize = 500
`), 0644)
	if err != nil {
		t.Fatal(err)
	}
	cfg := testConfig()
	cfg.Set("cmap", "Blues")
	jobs, err := BatchJobs(path, cfg)
	if err != nil {
		t.Fatal(err)
	}
	type summary struct {
		Kind     schema.Kind
		Boundary string
		Collapse bool
		Mode     pipeline.Mode
		CellSize float64
		Cmap     string
	}
	var have []summary
	for _, j := range jobs {
		have = append(have, summary{j.Kind, j.Boundary, j.CollapseHours, j.Mode, j.CellSize, j.Cmap})
	}
	want := []summary{
		{schema.PopulationCount, "a.shp", true, pipeline.Forward, 100, "Blues"},
		{schema.PopulationCount, "b.shp", true, pipeline.Forward, 100, "Blues"},
		{schema.OD, "a.shp", false, pipeline.Reverse, 500, "Blues"},
	}
	if diff := pretty.Diff(have, want); len(diff) > 0 {
		t.Error(diff)
	}
}

func TestBatchJobsUnknownOption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch.toml")
	err := ioutil.WriteFile(path, []byte("[[job]]\nkind = \"num_pop\"\ncolour = \"red\"\n"), 0644)
	if err != nil {
		t.Fatal(err)
	}
	_, err = BatchJobs(path, testConfig())
	if err == nil || !strings.Contains(err.Error(), `unknown option "colour"`) {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRun(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	Cfg.Set("kind", "num_pop")
	Cfg.Set("data", writePopulation(t, dir))
	Cfg.Set("boundary", []string{writeBoundary(t, dir, "范围")})
	Cfg.Set("out", out)
	Cfg.Set("datum", "wgs84")
	Cfg.Set("scheme", "equal_interval")
	Cfg.Set("k", 2)
	Cfg.Set("xlsx", true)
	Root.SetArgs([]string{"run"})
	if err := Root.Execute(); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"flowmap.log", "客流数量_范围.csv", "客流数量_范围.xlsx",
		"客流数量_范围_网格.csv", "客流数量_范围_密度.png"} {
		if _, err := os.Stat(filepath.Join(out, name)); err != nil {
			t.Error(err)
		}
	}
	matched, err := table.ReadFile(filepath.Join(out, "客流数量_范围.csv"), "utf-8")
	if err != nil {
		t.Fatal(err)
	}
	if matched.Len() != 2 {
		t.Errorf("%d records matched, want 2", matched.Len())
	}
}

func TestGrid(t *testing.T) {
	dir := t.TempDir()
	b := writeBoundary(t, dir, "范围")
	Cfg.Set("boundary", []string{b})
	Cfg.Set("out", dir)
	Cfg.Set("cellsize", 100.0)
	Cfg.Set("tessellation", "fishnet")
	Root.SetArgs([]string{"grid"})
	if err := Root.Execute(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "范围_网格.shp")); err != nil {
		t.Fatal(err)
	}

	_, n, err := Fishnet(b, t.TempDir(), 200)
	if err != nil {
		t.Fatal(err)
	}
	l, err := boundary.Load(b)
	if err != nil {
		t.Fatal(err)
	}
	g, err := grid.NewFishnet(l.Bounds(), 200, grid.Margin)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(g.Cells) {
		t.Errorf("%d cells, want %d", n, len(g.Cells))
	}

	Cfg.Set("tessellation", "voronoi")
	defer Cfg.Set("tessellation", "fishnet")
	if err := Root.Execute(); err == nil {
		t.Error("voronoi cells should not be created without data")
	}
}

func TestClassify(t *testing.T) {
	dir := t.TempDir()
	tbl := table.New("人数")
	for _, v := range []string{"1", "2", "3", "8", "9", "10"} {
		if err := tbl.Append(v); err != nil {
			t.Fatal(err)
		}
	}
	path := filepath.Join(dir, "values.csv")
	if err := tbl.WriteFile(path); err != nil {
		t.Fatal(err)
	}
	Cfg.Set("data", path)
	Cfg.Set("variable", "人数")
	Cfg.Set("scheme", "equal_interval")
	Cfg.Set("k", 2)
	Cfg.Set("vmin", 1.0)
	buf := new(bytes.Buffer)
	Root.SetOutput(buf)
	defer Root.SetOutput(nil)
	Root.SetArgs([]string{"classify"})
	if err := Root.Execute(); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"scheme: equal_interval", "classes: 2", "values: 6 (min 1, max 10)"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("output %q does not contain %q", buf.String(), want)
		}
	}
}

func TestExportIDs(t *testing.T) {
	dir := t.TempDir()
	Cfg.Set("boundary", []string{writeBoundary(t, dir, "范围")})
	Cfg.Set("out", dir)
	Root.SetArgs([]string{"export-ids"})
	if err := Root.Execute(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, boundary.IDTableSheet+".xlsx")); err != nil {
		t.Fatal(err)
	}
}

func TestVersion(t *testing.T) {
	buf := new(bytes.Buffer)
	Root.SetOutput(buf)
	defer Root.SetOutput(nil)
	Root.SetArgs([]string{"version"})
	if err := Root.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(buf.String(), "flowmap v") {
		t.Errorf("unexpected version output %q", buf.String())
	}
}
