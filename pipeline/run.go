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
	"image"
	"io"
	"os"
	"sort"
	"strconv"
	"sync"

	"github.com/ctessum/geom"
	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/flowmap"
	"github.com/spatialmodel/flowmap/aggregate"
	"github.com/spatialmodel/flowmap/boundary"
	"github.com/spatialmodel/flowmap/classify"
	"github.com/spatialmodel/flowmap/datum"
	"github.com/spatialmodel/flowmap/grid"
	"github.com/spatialmodel/flowmap/internal/atomicfile"
	"github.com/spatialmodel/flowmap/match"
	"github.com/spatialmodel/flowmap/project"
	"github.com/spatialmodel/flowmap/render"
	"github.com/spatialmodel/flowmap/schema"
	"github.com/spatialmodel/flowmap/table"
)

// Result is the outcome of a job.
type Result struct {
	Job    *Job
	Schema schema.Schema

	// CRS is the working projection, chosen from the boundary layer.
	CRS project.CRS

	// Matched holds the records that fell inside the boundary.
	Matched *table.Table

	// Cells holds the matched records aggregated per tessellation cell
	// and period.
	Cells *table.Table

	// Mapped holds the mean per period of each cell, which is what the
	// density map classifies and draws.
	Mapped *table.Table
	Grid   *grid.Grid

	// Classification is nil if nothing was classified.
	Classification *classify.Classification

	// Ratio is the job-housing ratio inside the boundary, if requested.
	Ratio aggregate.Ratio

	// Written lists the files written, in order.
	Written []string
}

// Image returns the path of the image written by the job, or "" if none
// was written.
func (r *Result) Image() string {
	o := r.Job.Outputs()
	for _, p := range r.Written {
		if p == o.Density || p == o.Flows {
			return p
		}
	}
	return ""
}

// Run runs one job and writes its outputs. A boundary that no record
// falls inside is logged as a warning and gives empty outputs.
func Run(j *Job, log logrus.FieldLogger) (*Result, error) {
	if err := j.Validate(); err != nil {
		return nil, err
	}
	log = log.WithFields(logrus.Fields{"path": j.Data, "boundary": j.Boundary})
	if err := os.MkdirAll(j.Out, 0755); err != nil {
		return nil, stageError(flowmap.StageWrite, err)
	}

	l, crs, err := loadBoundary(j.Boundary, "")
	if err != nil {
		return nil, err
	}
	r := &Result{Job: j, CRS: crs}
	log.WithField("stage", flowmap.StageProject).Infof("working projection is %s (%s)", crs.Name, crs.Title)

	if j.Replot {
		return r, j.replot(r, l, log)
	}

	in, err := j.prepare(log)
	if err != nil {
		return nil, err
	}
	r.Schema = in.schema

	correct := j.Correct
	if correct == nil {
		correct = datum.GCJ02ToWGS84
	}
	pt, err := project.Project(in.t, correct, crs)
	if err != nil {
		return nil, err
	}

	var l2 *boundary.Layer
	if j.Boundary2 != "" {
		if l2, _, err = loadBoundary(j.Boundary2, crs.Name); err != nil {
			return nil, err
		}
	}
	r.Matched, err = j.match(pt, in.schema.Layout, l, l2, log.WithField("stage", flowmap.StageMatch))
	if err != nil {
		return nil, err
	}
	log.WithField("stage", flowmap.StageMatch).Infof("%d of %d records matched", r.Matched.Len(), pt.Len())

	if j.CollapseHours && in.schema.Granularity == schema.Hourly {
		if r.Matched, err = collapse(r.Matched, in.manifest); err != nil {
			return nil, err
		}
		in.schema.Granularity = schema.Daily
		log.WithField("stage", flowmap.StageAggregate).Infof("collapsed to %d daily records", r.Matched.Len())
	}

	o := j.Outputs()
	if err := r.writeTable(r.Matched, o.Matched); err != nil {
		return nil, err
	}
	if j.XLSX {
		if err := r.Matched.WriteXLSX(o.XLSX, j.Kind.Title()); err != nil {
			return nil, stageError(flowmap.StageWrite, err)
		}
		r.Written = append(r.Written, o.XLSX)
	}

	if j.Ratio {
		r.Ratio, err = aggregate.JobHousingRatio(r.Matched, schema.WorkCount, schema.HomeCount)
		if err != nil {
			return nil, err
		}
		log.WithField("stage", flowmap.StageAggregate).Infof("job-housing ratio inside the boundary is %s", r.Ratio)
	}

	if j.Plot == NoPlot {
		return r, nil
	}
	variable, err := variableOf(r.Matched, in.manifest, j.Variable)
	if err != nil {
		return nil, err
	}
	if j.Plot == FlowLines {
		err = j.flowLines(r, l, variable, log)
	} else {
		err = j.density(r, l, in.manifest, variable, log)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// loadBoundary loads a boundary layer. If crs is empty, the working
// projection is selected from the layer's projection; otherwise the layer
// is brought into crs.
func loadBoundary(path, crs string) (*boundary.Layer, project.CRS, error) {
	l, err := boundary.Load(path)
	if err != nil {
		return nil, project.CRS{}, stageError(flowmap.StageRead, err)
	}
	if crs == "" {
		c, err := project.SelectCRS(l.PRJ)
		if err != nil {
			var ce *flowmap.CRSMismatchError
			if errors.As(err, &ce) {
				ce.Path = path
			}
			return nil, c, err
		}
		crs = c.Name
	}
	c, _ := project.ByName(crs)
	l, err = match.Reconcile(crs, l)
	if err != nil {
		return nil, c, err
	}
	return l, c, nil
}

// match filters the records of t by the boundary layers. Point records
// are matched against a; paired records are matched according to the
// job's mode.
func (j *Job) match(t *table.Table, layout schema.Layout, a, b *boundary.Layer, log logrus.FieldLogger) (*table.Table, error) {
	if !layout.Paired() {
		return orEmpty(t, log, func() (*table.Table, error) {
			pts, err := project.Point.Points(t)
			if err != nil {
				return nil, stageError(flowmap.StageMatch, err)
			}
			as, err := match.Regions(pts, a, match.Intersects)
			if err != nil {
				return nil, err
			}
			return match.Join(t, as, a, "")
		})
	}
	if j.Mode != Both {
		return orEmpty(t, log, func() (*table.Table, error) { return matchPaired(t, a, b, j.Mode) })
	}
	var out *table.Table
	for _, d := range []struct {
		mode  Mode
		label string
	}{{Forward, DirectionForward}, {Reverse, DirectionReverse}} {
		d := d
		m, err := orEmpty(t, log.WithField("mode", d.mode), func() (*table.Table, error) {
			return matchPaired(t, a, b, d.mode)
		})
		if err != nil {
			return nil, err
		}
		if err := m.AddColumn(DirectionColumn, d.label); err != nil {
			return nil, stageError(flowmap.StageMatch, err)
		}
		if out == nil {
			out = m
		} else {
			out.Concat(m)
		}
	}
	return out, nil
}

// orEmpty calls f and turns an EmptyMatchError into a warning and a
// table with the columns of t and no rows.
func orEmpty(t *table.Table, log logrus.FieldLogger, f func() (*table.Table, error)) (*table.Table, error) {
	m, err := f()
	var ee *flowmap.EmptyMatchError
	if errors.As(err, &ee) {
		log.Warn(err)
		return t.Subset(nil, false), nil
	}
	return m, err
}

// matchPaired matches one end of each record against a and the other end
// of the surviving records against b, if b is not nil. Forward mode
// starts with the origin and Reverse with the destination.
func matchPaired(t *table.Table, a, b *boundary.Layer, mode Mode) (*table.Table, error) {
	first, second := project.Origin, project.Destination
	p1, p2 := "O_", "D_"
	if mode == Reverse {
		first, second = second, first
		p1, p2 = p2, p1
	}
	m, err := matchEnd(t, first, a, p1)
	if err != nil || b == nil {
		return m, err
	}
	return matchEnd(m, second, b, p2)
}

func matchEnd(t *table.Table, xy project.XY, l *boundary.Layer, prefix string) (*table.Table, error) {
	if missing := t.Missing(xy.X, xy.Y); len(missing) > 0 {
		return nil, &flowmap.SchemaError{Path: t.Path, Stage: flowmap.StageMatch, Missing: missing}
	}
	pts, err := xy.Points(t)
	if err != nil {
		return nil, stageError(flowmap.StageMatch, err)
	}
	as, err := match.Regions(pts, l, match.Intersects)
	if err != nil {
		return nil, err
	}
	return match.Join(t, as, l, prefix)
}

// anchors returns the location each record is counted at in a density
// plot: its point, or for paired records the end matched against the
// first boundary.
func anchors(t *table.Table, mode Mode) ([]geom.Point, error) {
	if t.Has(project.Point.X, project.Point.Y) {
		return project.Point.Points(t)
	}
	reverse := func(i int) bool { return mode == Reverse }
	if t.Has(DirectionColumn) {
		reverse = func(i int) bool { return t.Get(i, DirectionColumn) == DirectionReverse }
	}
	var o, d []geom.Point
	var err error
	if t.Has(project.Origin.X, project.Origin.Y) {
		if o, err = project.Origin.Points(t); err != nil {
			return nil, err
		}
	}
	if t.Has(project.Destination.X, project.Destination.Y) {
		if d, err = project.Destination.Points(t); err != nil {
			return nil, err
		}
	}
	pts := make([]geom.Point, t.Len())
	for i := range pts {
		switch {
		case reverse(i) && d != nil:
			pts[i] = d[i]
		case o != nil:
			pts[i] = o[i]
		case d != nil:
			pts[i] = d[i]
		default:
			return nil, &flowmap.SchemaError{Path: t.Path, Stage: flowmap.StageTessellate,
				Missing: []string{project.Point.X, project.Origin.X, project.Destination.X}}
		}
	}
	return pts, nil
}

// variableOf returns the column to classify and plot: explicit if it is
// set, and otherwise the manifest's variable or, for merged resident
// counts, the first derived count column present.
func variableOf(t *table.Table, m schema.Manifest, explicit string) (string, error) {
	if explicit != "" {
		if !t.Has(explicit) {
			return "", &flowmap.SchemaError{Path: t.Path, Stage: flowmap.StageClassify, Missing: []string{explicit}}
		}
		return explicit, nil
	}
	for _, c := range []string{m.Variable, schema.LiveAndWork, schema.HomeCount, schema.WorkCount,
		schema.LiveWithoutWork, schema.WorkWithoutLive} {
		if c != "" && t.Has(c) {
			return c, nil
		}
	}
	return "", &flowmap.SchemaError{Path: t.Path, Stage: flowmap.StageClassify, Missing: []string{m.Variable}}
}

// tessellate partitions the area of the boundary. Voronoi cells are
// generated from pts.
func (j *Job) tessellate(l *boundary.Layer, pts []geom.Point, crs project.CRS) (*grid.Grid, error) {
	var area geom.Polygonal
	if j.Tessellation == grid.Fishnet {
		b := l.Bounds()
		area = geom.Polygon{{b.Min, {X: b.Max.X, Y: b.Min.Y}, b.Max, {X: b.Min.X, Y: b.Max.Y}, b.Min}}
	} else {
		var err error
		if area, err = l.Dissolve(); err != nil {
			return nil, err
		}
	}
	g, err := grid.Tessellate(area, j.CellSize, j.Tessellation, pts)
	if err != nil {
		return nil, err
	}
	g.PRJ = crs.WKT
	return g, nil
}

// density tessellates the boundary, aggregates the matched records per
// cell and draws the cells colored by class.
func (j *Job) density(r *Result, l *boundary.Layer, m schema.Manifest, variable string, log logrus.FieldLogger) error {
	log = log.WithField("stage", flowmap.StageTessellate)
	pts, err := anchors(r.Matched, j.Mode)
	if err != nil {
		return err
	}
	if len(pts) == 0 && j.Tessellation == grid.Voronoi {
		log.Warn("no matched records to generate voronoi cells from; nothing is drawn")
		return nil
	}
	if r.Grid, err = j.tessellate(l, pts, r.CRS); err != nil {
		return err
	}
	log.Infof("%s tessellation with %d cells", r.Grid.Method, len(r.Grid.Cells))
	o := j.Outputs()
	if j.GridShapefile {
		if err := r.Grid.WriteShapefile(o.Grid); err != nil {
			return stageError(flowmap.StageWrite, err)
		}
		r.Written = append(r.Written, o.Grid)
	}

	as := match.Cells(pts, r.Grid)
	red := aggregate.Reductions(r.Matched, m)
	if _, ok := red[variable]; !ok {
		red[variable] = aggregate.Sum
	}
	if r.Cells, err = aggregate.ByAssignment(r.Matched, as, CellColumn, aggregate.Periods(r.Matched), red); err != nil {
		return err
	}
	if err := r.writeTable(r.Cells, o.Cells); err != nil {
		return err
	}
	hourly, err := j.periodViews(r, red)
	if err != nil {
		return err
	}
	if hourly != nil {
		if err := r.writeTable(hourly, o.Hourly); err != nil {
			return err
		}
	}
	return j.drawDensity(r, l, hourly, variable, log)
}

// periodViews reduces the cell aggregates, which have one row per cell and
// period, to the mean per period of each cell that the map shows. If the
// job is animated and the aggregates are hourly, it also returns the mean
// over dates of each cell and hour.
func (j *Job) periodViews(r *Result, red map[string]aggregate.Reduction) (hourly *table.Table, err error) {
	periods := aggregate.Periods(r.Cells)
	if r.Mapped, err = aggregate.PerPeriod(r.Cells, []string{CellColumn}, periods, red); err != nil {
		return nil, err
	}
	if !j.Animate || !r.Cells.Has(schema.Hour) {
		return nil, nil
	}
	var dates []string
	for _, p := range periods {
		if p != schema.Hour {
			dates = append(dates, p)
		}
	}
	return aggregate.PerPeriod(r.Cells, []string{CellColumn, schema.Hour}, dates, red)
}

// drawDensity classifies the per-period cell values and draws them, and
// one animation frame per hour if hourly is not nil.
func (j *Job) drawDensity(r *Result, l *boundary.Layer, hourly *table.Table, variable string, log logrus.FieldLogger) error {
	values, err := r.Mapped.Floats(variable)
	if err != nil {
		return stageError(flowmap.StageClassify, err)
	}
	if r.Classification, err = j.classify(values, log); r.Classification == nil {
		return err
	}
	cells := make(map[int]*grid.Cell, len(r.Grid.Cells))
	for _, c := range r.Grid.Cells {
		cells[c.ID] = c
	}
	ctx := render.NewContext(j.Title, j.Basemap, j.Cmap, j.Alpha, l.Polygons())
	features, err := cellFeatures(r.Mapped, cells, variable, nil)
	if err != nil {
		return err
	}
	log = log.WithField("stage", flowmap.StageRender)
	b, err := render.Choropleth(ctx, features, r.Classification)
	if err != nil {
		return stageError(flowmap.StageRender, err)
	}
	o := j.Outputs()
	if err := r.writeBytes(o.Density, b); err != nil {
		return err
	}
	log.Infof("wrote %s", o.Density)
	if hourly == nil {
		return nil
	}
	return j.animate(r, ctx, hourly, cells, variable, log)
}

// animate draws one frame per hour with the classification of the whole
// period and writes them as an animated GIF.
func (j *Job) animate(r *Result, ctx render.Context, hourly *table.Table, cells map[int]*grid.Cell, variable string, log logrus.FieldLogger) error {
	seen := make(map[string]bool)
	var hours []string
	for i := 0; i < hourly.Len(); i++ {
		if h := hourly.Get(i, schema.Hour); !seen[h] {
			seen[h] = true
			hours = append(hours, h)
		}
	}
	sort.Slice(hours, func(a, b int) bool { return table.Compare(hours[a], hours[b]) < 0 })

	frames := make([]image.Image, len(hours))
	errs := make([]error, len(hours))
	workers := j.Workers
	if workers < 1 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for i, h := range hours {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, h string) {
			defer wg.Done()
			defer func() { <-sem }()
			features, err := cellFeatures(hourly, cells, variable, func(k int) bool {
				return hourly.Get(k, schema.Hour) == h
			})
			if err != nil {
				errs[i] = err
				return
			}
			fc := ctx
			fc.Title = fmt.Sprintf("%s %s时", ctx.Title, h)
			frames[i], errs[i] = render.Image(fc, features, r.Classification)
		}(i, h)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return stageError(flowmap.StageRender, err)
		}
	}
	b, err := render.Animate(frames, 100)
	if err != nil {
		return stageError(flowmap.StageRender, err)
	}
	o := j.Outputs()
	if err := r.writeBytes(o.Animation, b); err != nil {
		return err
	}
	log.Infof("wrote %d frames to %s", len(frames), o.Animation)
	return nil
}

// cellFeatures returns the cells of the rows of t for which keep returns
// true, or of every row if keep is nil, with their values of variable.
func cellFeatures(t *table.Table, cells map[int]*grid.Cell, variable string, keep func(i int) bool) ([]render.Feature, error) {
	var o []render.Feature
	for i := 0; i < t.Len(); i++ {
		if keep != nil && !keep(i) {
			continue
		}
		id, err := strconv.Atoi(t.Get(i, CellColumn))
		if err != nil {
			return nil, stageError(flowmap.StageRender, fmt.Errorf("row %d: invalid cell %q", i, t.Get(i, CellColumn)))
		}
		c, ok := cells[id]
		if !ok {
			return nil, stageError(flowmap.StageRender, fmt.Errorf("row %d: cell %d is not part of the tessellation", i, id))
		}
		v, err := t.Float(i, variable)
		if err != nil {
			return nil, stageError(flowmap.StageRender, err)
		}
		o = append(o, render.Feature{Polygonal: c.Polygonal, Value: v})
	}
	return o, nil
}

// flowLines draws a line between the ends of each matched record.
func (j *Job) flowLines(r *Result, l *boundary.Layer, variable string, log logrus.FieldLogger) error {
	if missing := r.Matched.Missing(project.Origin.X, project.Origin.Y,
		project.Destination.X, project.Destination.Y); len(missing) > 0 {
		return &flowmap.SchemaError{Path: j.Data, Stage: flowmap.StageRender, Missing: missing}
	}
	from, err := project.Origin.Points(r.Matched)
	if err != nil {
		return stageError(flowmap.StageRender, err)
	}
	to, err := project.Destination.Points(r.Matched)
	if err != nil {
		return stageError(flowmap.StageRender, err)
	}
	values, err := r.Matched.Floats(variable)
	if err != nil {
		return stageError(flowmap.StageClassify, err)
	}
	if r.Classification, err = j.classify(values, log); r.Classification == nil {
		return err
	}
	flows := make([]render.Flow, len(values))
	for i := range flows {
		flows[i] = render.Flow{From: from[i], To: to[i], Value: values[i]}
	}
	ctx := render.NewContext(j.Title, j.Basemap, j.Cmap, j.Alpha, l.Polygons())
	b, err := render.FlowLines(ctx, flows, r.Classification)
	if err != nil {
		return stageError(flowmap.StageRender, err)
	}
	o := j.Outputs()
	if err := r.writeBytes(o.Flows, b); err != nil {
		return err
	}
	log.WithField("stage", flowmap.StageRender).Infof("wrote %s", o.Flows)
	return nil
}

// classify classifies values with the job's scheme. If there is nothing
// to classify, it logs a warning and returns a nil classification and
// error.
func (j *Job) classify(values []float64, log logrus.FieldLogger) (*classify.Classification, error) {
	c, err := classify.Classify(values, j.Scheme, j.K, classify.Options{Bins: j.Bins, VMin: j.VMin, UseVMin: true})
	if errors.Is(err, classify.ErrNoValues) {
		log.WithField("stage", flowmap.StageClassify).Warnf("no values of at least %g to classify; nothing is drawn", j.VMin)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	log.WithField("stage", flowmap.StageClassify).Infof("%s breaks %v", c.Scheme, c.Breaks)
	return c, nil
}

// replot draws the image of an earlier run from its exports.
func (j *Job) replot(r *Result, l *boundary.Layer, log logrus.FieldLogger) error {
	o := j.Outputs()
	m := schema.ManifestFor(j.Kind)
	switch j.Plot {
	case Density:
		var err error
		if r.Cells, err = table.ReadFile(o.Cells, ""); err != nil {
			return stageError(flowmap.StageRead, err)
		}
		var pts []geom.Point
		if j.Tessellation == grid.Voronoi {
			matched, err := table.ReadFile(o.Matched, "")
			if err != nil {
				return stageError(flowmap.StageRead, err)
			}
			if pts, err = anchors(matched, j.Mode); err != nil {
				return err
			}
		}
		if r.Grid, err = j.tessellate(l, pts, r.CRS); err != nil {
			return err
		}
		variable, err := variableOf(r.Cells, m, j.Variable)
		if err != nil {
			return err
		}
		red := aggregate.Reductions(r.Cells, m)
		if _, ok := red[variable]; !ok {
			red[variable] = aggregate.Sum
		}
		hourly, err := j.periodViews(r, red)
		if err != nil {
			return err
		}
		if j.Animate && hourly == nil {
			log.Warn("the cell aggregate is not hourly; nothing is animated")
		}
		return j.drawDensity(r, l, hourly, variable, log)
	case FlowLines:
		var err error
		if r.Matched, err = table.ReadFile(o.Matched, ""); err != nil {
			return stageError(flowmap.StageRead, err)
		}
		variable, err := variableOf(r.Matched, m, j.Variable)
		if err != nil {
			return err
		}
		return j.flowLines(r, l, variable, log)
	}
	return nil
}

func (r *Result) writeTable(t *table.Table, path string) error {
	if err := t.WriteFile(path); err != nil {
		return stageError(flowmap.StageWrite, err)
	}
	r.Written = append(r.Written, path)
	return nil
}

func (r *Result) writeBytes(path string, b []byte) error {
	err := atomicfile.Write(path, func(w io.Writer) error {
		_, err := w.Write(b)
		return err
	})
	if err != nil {
		return stageError(flowmap.StageWrite, err)
	}
	r.Written = append(r.Written, path)
	return nil
}
