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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/lnashier/viper"
	"github.com/spatialmodel/flowmap/classify"
	"github.com/spatialmodel/flowmap/datum"
	"github.com/spatialmodel/flowmap/grid"
	"github.com/spatialmodel/flowmap/pipeline"
	"github.com/spatialmodel/flowmap/schema"
	"github.com/spf13/cast"
)

// CellSizes are the supported tessellation cell sizes in meters.
var CellSizes = []float64{100, 200, 500, 1000}

// Jobs returns one job per configured boundary layer.
func Jobs(cfg *viper.Viper) ([]*pipeline.Job, error) {
	k := cfg.GetString("kind")
	if k == "" {
		return nil, fmt.Errorf("flowmap: parsing configuration: kind is not specified")
	}
	kind, err := schema.ParseKind(k)
	if err != nil {
		return nil, fmt.Errorf("flowmap: parsing configuration: %v", err)
	}
	data := os.ExpandEnv(cfg.GetString("data"))
	replot := cfg.GetBool("replot")
	if data == "" && !replot {
		return nil, fmt.Errorf("flowmap: parsing configuration: data is not specified")
	}
	boundaries, err := checkBoundaries(cfg.GetStringSlice("boundary"))
	if err != nil {
		return nil, err
	}

	t := pipeline.NewJob(kind, data, boundaries[0], os.ExpandEnv(cfg.GetString("out")))
	t.Boundary2 = os.ExpandEnv(cfg.GetString("boundary2"))
	t.Supplements = expandStringSlice(cfg.GetStringSlice("supplement"))
	t.Encoding = cfg.GetString("encoding")
	if t.Correct, err = datum.ToWGS84(cfg.GetString("datum")); err != nil {
		return nil, fmt.Errorf("flowmap: parsing configuration: %v", err)
	}
	t.CollapseHours = cfg.GetBool("collapse-hours")
	t.LiveAndWork = cfg.GetBool("live-and-work")
	t.Ratio = cfg.GetBool("ratio")
	if t.Derive, err = GetStringMapString("derive", cfg); err != nil {
		return nil, fmt.Errorf("flowmap: parsing configuration: derive: %v", err)
	}
	if t.Mode, err = pipeline.ParseMode(cfg.GetString("mode")); err != nil {
		return nil, err
	}
	if t.Plot, err = pipeline.ParsePlotKind(cfg.GetString("plot")); err != nil {
		return nil, err
	}
	t.Replot = replot
	if t.CellSize, err = checkCellSize(cfg.GetFloat64("cellsize")); err != nil {
		return nil, err
	}
	if t.Tessellation, err = grid.ParseMethod(cfg.GetString("tessellation")); err != nil {
		return nil, err
	}
	if t.Tessellation == grid.Voronoi && t.CellSize != grid.FinestCellSize {
		return nil, fmt.Errorf("flowmap: parsing configuration: voronoi tessellation requires cellsize=%g, not %g",
			grid.FinestCellSize, t.CellSize)
	}
	if t.Scheme, t.K, t.Bins, err = classifyOptions(cfg); err != nil {
		return nil, err
	}
	t.VMin = cfg.GetFloat64("vmin")
	t.Alpha = cfg.GetFloat64("alpha")
	if t.Alpha < 0 || t.Alpha > 1 {
		return nil, fmt.Errorf("flowmap: parsing configuration: alpha=%g but should be between 0 and 1", t.Alpha)
	}
	t.Cmap = cfg.GetString("cmap")
	t.Title = cfg.GetString("title")
	t.Basemap = cfg.GetString("basemap")
	t.Variable = cfg.GetString("variable")
	t.XLSX = cfg.GetBool("xlsx")
	t.GridShapefile = cfg.GetBool("gridshp")
	t.Animate = cfg.GetBool("animate")
	if t.Workers = cfg.GetInt("workers"); t.Workers < 1 {
		return nil, fmt.Errorf("flowmap: parsing configuration: workers=%d but should be >0", t.Workers)
	}

	jobs := make([]*pipeline.Job, len(boundaries))
	for i, b := range boundaries {
		j := *t
		j.Boundary = b
		if err := j.Validate(); err != nil {
			return nil, fmt.Errorf("flowmap: parsing configuration: %v", err)
		}
		jobs[i] = &j
	}
	return jobs, nil
}

// manifest is the layout of a batch file.
type manifest struct {
	Jobs []map[string]interface{} `toml:"job"`
}

// BatchJobs returns the jobs listed in the TOML manifest at path. Options
// a job leaves out take their values from cfg.
func BatchJobs(path string, cfg *viper.Viper) ([]*pipeline.Job, error) {
	var m manifest
	md, err := toml.DecodeFile(path, &m)
	if err != nil {
		return nil, fmt.Errorf("flowmap: reading batch manifest: %v", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("flowmap: batch manifest %s: unknown key %s", path, undecoded[0])
	}
	if len(m.Jobs) == 0 {
		return nil, fmt.Errorf("flowmap: batch manifest %s lists no jobs", path)
	}
	known := make(map[string]bool)
	for _, o := range options {
		known[o.name] = true
	}
	var jobs []*pipeline.Job
	for i, settings := range m.Jobs {
		v := viper.New()
		for _, o := range options {
			v.SetDefault(o.name, cfg.Get(o.name))
		}
		keys := make([]string, 0, len(settings))
		for key := range settings {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			if !known[key] || key == "config" {
				return nil, fmt.Errorf("flowmap: batch manifest %s: job %d: unknown option %q", path, i+1, key)
			}
			v.Set(key, settings[key])
		}
		js, err := Jobs(v)
		if err != nil {
			return nil, fmt.Errorf("%v (batch job %d)", err, i+1)
		}
		jobs = append(jobs, js...)
	}
	return jobs, nil
}

// classifyOptions returns the configured classification scheme, number of
// classes and user-defined bins.
func classifyOptions(cfg *viper.Viper) (classify.Scheme, int, []float64, error) {
	scheme, err := classify.ParseScheme(cfg.GetString("scheme"))
	if err != nil {
		return "", 0, nil, err
	}
	bins, err := toFloat64SliceE(cfg.Get("bins"))
	if err != nil {
		return "", 0, nil, fmt.Errorf("flowmap: parsing configuration: bins: %v", err)
	}
	k := cfg.GetInt("k")
	if scheme == classify.UserDefined {
		if len(bins) == 0 {
			return "", 0, nil, fmt.Errorf("flowmap: parsing configuration: bins is not specified but the user_defined scheme requires it")
		}
		return scheme, len(bins) + 1, bins, nil
	}
	if k < 1 {
		return "", 0, nil, fmt.Errorf("flowmap: parsing configuration: k=%d but should be >0", k)
	}
	return scheme, k, bins, nil
}

// checkCellSize makes sure the cell size is one of CellSizes.
func checkCellSize(s float64) (float64, error) {
	if !(s > 0) {
		return 0, fmt.Errorf("flowmap: parsing configuration: cellsize=%g but should be >0", s)
	}
	for _, c := range CellSizes {
		if s == c {
			return s, nil
		}
	}
	return 0, fmt.Errorf("flowmap: parsing configuration: cellsize=%g but should be one of %v", s, CellSizes)
}

// checkBoundaries makes sure at least one boundary layer is specified,
// expands environment variables and drops shapefile support files that a
// wildcard may have picked up.
func checkBoundaries(files []string) ([]string, error) {
	files = removeShpSupportFiles(expandStringSlice(files))
	if len(files) == 0 {
		return nil, fmt.Errorf("flowmap: parsing configuration: boundary is not specified")
	}
	return files, nil
}

// expandStringSlice expands the environment variables in a slice of strings.
func expandStringSlice(s []string) []string {
	o := make([]string, 0, len(s))
	for _, v := range s {
		if v = strings.TrimSpace(os.ExpandEnv(v)); v != "" {
			o = append(o, v)
		}
	}
	return o
}

// removeShpSupportFiles deletes from the list of files any that do not
// end in `.shp`.
func removeShpSupportFiles(files []string) []string {
	var o []string
	for _, s := range files {
		if strings.EqualFold(filepath.Ext(s), ".shp") {
			o = append(o, s)
		}
	}
	return o
}

// stem returns the file name of path without its extension.
func stem(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

// toFloat64SliceE converts a list of numbers given on the command line, in
// an environment variable or in a configuration file.
func toFloat64SliceE(s interface{}) ([]float64, error) {
	var items []interface{}
	switch v := s.(type) {
	case nil:
		return nil, nil
	case []float64:
		return v, nil
	case []interface{}:
		items = v
	case []string:
		for _, x := range v {
			items = append(items, x)
		}
	case string:
		for _, x := range strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' }) {
			items = append(items, x)
		}
	default:
		return nil, fmt.Errorf("invalid type %T for a list of numbers", s)
	}
	o := make([]float64, 0, len(items))
	for _, item := range items {
		if str, ok := item.(string); ok {
			item = strings.TrimSpace(str)
		}
		f, err := cast.ToFloat64E(item)
		if err != nil {
			return nil, err
		}
		o = append(o, f)
	}
	return o, nil
}

// GetStringMapString returns a map[string]string from a viper configuration,
// accounting for the fact that it might be a json object if it was set
// from a command line argument or environment variable.
func GetStringMapString(varName string, cfg *viper.Viper) (map[string]string, error) {
	i := cfg.Get(varName)
	switch v := i.(type) {
	case nil:
		return nil, nil
	case map[string]string:
		return v, nil
	case map[string]interface{}:
		return cast.ToStringMapStringE(v)
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, nil
		}
		d := json.NewDecoder(bytes.NewBufferString(v))
		o := make(map[string]string)
		if err := d.Decode(&o); err != nil {
			return nil, err
		}
		return o, nil
	default:
		return nil, fmt.Errorf("invalid type for %s: %#v", varName, i)
	}
}
