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

// Package pipeline runs the stages of a flowmap analysis, from reading the
// input tables to writing the exports and images, for one or more jobs.
package pipeline

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spatialmodel/flowmap/classify"
	"github.com/spatialmodel/flowmap/datum"
	"github.com/spatialmodel/flowmap/grid"
	"github.com/spatialmodel/flowmap/schema"
)

// Mode selects which boundary filters which end of paired records.
type Mode int

// The matching modes.
const (
	// Forward matches origins (homes) against the first boundary and
	// destinations (workplaces) against the second.
	Forward Mode = iota
	// Reverse matches destinations against the first boundary and
	// origins against the second.
	Reverse
	// Both runs Forward and Reverse and concatenates the results, which
	// are told apart by the DirectionColumn.
	Both
)

// DirectionColumn records whether a row of a Both run was matched
// forward or in reverse.
const DirectionColumn = "方向"

// Values of DirectionColumn.
const (
	DirectionForward = "正向"
	DirectionReverse = "反向"
)

func (m Mode) String() string {
	switch m {
	case Reverse:
		return "reverse"
	case Both:
		return "both"
	}
	return "forward"
}

// ParseMode returns the mode with the given name.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "forward":
		return Forward, nil
	case "reverse":
		return Reverse, nil
	case "both":
		return Both, nil
	}
	return 0, fmt.Errorf("pipeline: invalid mode %q; valid modes are forward, reverse and both", s)
}

// PlotKind is the kind of image a job renders.
type PlotKind int

// The plot kinds.
const (
	// Density colors the tessellation cells by the aggregated variable.
	Density PlotKind = iota
	// FlowLines draws a line from the origin to the destination of each
	// matched record.
	FlowLines
	// NoPlot renders nothing.
	NoPlot
)

func (p PlotKind) String() string {
	switch p {
	case FlowLines:
		return "flowlines"
	case NoPlot:
		return "none"
	}
	return "density"
}

// ParsePlotKind returns the plot kind with the given name.
func ParsePlotKind(s string) (PlotKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "density":
		return Density, nil
	case "flowlines", "flow_lines", "flow":
		return FlowLines, nil
	case "none":
		return NoPlot, nil
	}
	return 0, fmt.Errorf("pipeline: invalid plot kind %q; valid kinds are density, flowlines and none", s)
}

// CellColumn holds the tessellation cell ID in aggregate exports.
const CellColumn = "网格编号"

// Job holds the configuration of one analysis: one data table matched
// against one boundary layer.
type Job struct {
	Kind schema.Kind

	// Data is the path of the input table.
	Data string

	// Boundary is the boundary layer that filters the records. For
	// paired records, Boundary2 optionally filters the other end.
	Boundary, Boundary2 string

	// Supplements are tables merged into Data: the count table of a
	// profile, the without-work and ratio tables of a resident count.
	Supplements []string

	// Out is the output directory.
	Out string

	// Encoding is the text encoding of the input tables.
	Encoding string

	// Correct converts raw coordinates to WGS-84 longitude and latitude.
	// The default is datum.GCJ02ToWGS84.
	Correct datum.Func

	CollapseHours bool
	LiveAndWork   bool
	Ratio         bool

	// Derive maps new column names to expressions over existing
	// columns, such as "[人数] * 2". They are evaluated after merging.
	Derive map[string]string

	Mode Mode
	Plot PlotKind

	// Replot renders from the aggregate written by an earlier run
	// instead of reading and matching the data again.
	Replot bool

	CellSize     float64
	Tessellation grid.Method

	Scheme classify.Scheme
	K      int
	Bins   []float64
	VMin   float64

	Alpha   float64
	Cmap    string
	Title   string
	Basemap string

	// Variable is the column classified and plotted. The default
	// depends on Kind.
	Variable string

	XLSX          bool
	GridShapefile bool
	Animate       bool

	// Workers is the number of hourly frames rendered at once.
	Workers int
}

// NewJob returns a job with the default settings.
func NewJob(kind schema.Kind, data, boundary, out string) *Job {
	return &Job{
		Kind:         kind,
		Data:         data,
		Boundary:     boundary,
		Out:          out,
		Correct:      datum.GCJ02ToWGS84,
		Plot:         Density,
		CellSize:     grid.FinestCellSize,
		Tessellation: grid.Fishnet,
		Scheme:       classify.NaturalBreaks,
		K:            5,
		VMin:         1,
		Alpha:        1,
		Cmap:         "OrRd",
		Title:        "无标题",
		Basemap:      "Mapbox",
		Workers:      1,
	}
}

// Validate checks the settings that can be checked without reading any
// input.
func (j *Job) Validate() error {
	switch {
	case j.Data == "" && !j.Replot:
		return fmt.Errorf("pipeline: no input table given")
	case j.Boundary == "":
		return fmt.Errorf("pipeline: no boundary layer given")
	case !(j.CellSize > 0):
		return fmt.Errorf("pipeline: cellsize=%g but should be >0", j.CellSize)
	case j.K < 1 && j.Scheme != classify.UserDefined:
		return fmt.Errorf("pipeline: k=%d but should be >0", j.K)
	case j.Alpha < 0 || j.Alpha > 1:
		return fmt.Errorf("pipeline: alpha=%g but should be between 0 and 1", j.Alpha)
	case j.Plot == FlowLines && !j.Kind.Paired():
		return fmt.Errorf("pipeline: flow lines need paired records but %s data has one location per record", j.Kind.Title())
	case j.Boundary2 != "" && !j.Kind.Paired():
		return fmt.Errorf("pipeline: a second boundary only applies to paired records, not %s data", j.Kind.Title())
	}
	return nil
}

// base returns the output path prefix of the job: the output directory,
// the title of the dataset kind and the name of the boundary layer.
func (j *Job) base() string {
	b := strings.TrimSuffix(filepath.Base(j.Boundary), filepath.Ext(j.Boundary))
	return filepath.Join(j.Out, j.Kind.Title()+"_"+b)
}

// Outputs returns the paths of the files the job writes, whether or not
// the settings select them.
func (j *Job) Outputs() Outputs {
	b := j.base()
	return Outputs{
		Matched:   b + ".csv",
		XLSX:      b + ".xlsx",
		Cells:     b + "_网格.csv",
		Hourly:    b + "_网格_小时.csv",
		Density:   b + "_密度.png",
		Flows:     b + "_流线.png",
		Animation: b + "_动画.gif",
		Grid:      b + "_网格.shp",
	}
}

// Outputs names the files written by a job.
type Outputs struct {
	// Matched is the table of records that fell inside the boundary,
	// with the attributes of the regions they fell in.
	Matched string
	XLSX    string

	// Cells holds the variable aggregated per tessellation cell, and
	// Hourly per cell and hour.
	Cells, Hourly string

	Density, Flows, Animation string
	Grid                      string
}
