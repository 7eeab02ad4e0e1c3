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

// Package match assigns point records to the tessellation cells and
// boundary regions that contain them.
package match

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/index/rtree"
	"github.com/spatialmodel/flowmap"
	"github.com/spatialmodel/flowmap/boundary"
	"github.com/spatialmodel/flowmap/grid"
	"github.com/spatialmodel/flowmap/project"
	"github.com/spatialmodel/flowmap/table"
)

// Predicate is a point-in-polygon test.
type Predicate int

// The supported predicates.
const (
	// Intersects matches points inside or on the edge of a polygon.
	Intersects Predicate = iota
	// Contains matches points strictly inside a polygon.
	Contains
)

func (p Predicate) String() string {
	if p == Contains {
		return "contains"
	}
	return "intersects"
}

func (p Predicate) accept(s geom.WithinStatus) bool {
	if p == Contains {
		return s == geom.Inside
	}
	return s != geom.Outside
}

// Assignment pairs a table row with the index of the cell or region it
// matched.
type Assignment struct {
	Row, Target int
}

// IDColumn is the column that Join stores region IDs in.
const IDColumn = "ID"

// NameColumn is the column that Join stores region names in when the
// layer has a name field.
const NameColumn = "区域"

type indexedRegion struct {
	*boundary.Region
	i int
}

// Regions matches each point against the regions of l. A point that
// matches several regions gets one assignment for each of them. The
// assignments are ordered by row and then by region. Points with
// non-finite coordinates match nothing. If no point matches, the
// returned error is an *flowmap.EmptyMatchError.
func Regions(points []geom.Point, l *boundary.Layer, pred Predicate) ([]Assignment, error) {
	index := rtree.NewTree(25, 50)
	for i, r := range l.Regions {
		index.Insert(indexedRegion{Region: r, i: i})
	}
	var o []Assignment
	for row, p := range points {
		if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsInf(p.X, 0) || math.IsInf(p.Y, 0) {
			continue
		}
		var targets []int
		for _, rI := range index.SearchIntersect(p.Bounds()) {
			r := rI.(indexedRegion)
			if pred.accept(p.Within(r.Polygonal)) {
				targets = append(targets, r.i)
			}
		}
		sort.Ints(targets)
		for _, t := range targets {
			o = append(o, Assignment{Row: row, Target: t})
		}
	}
	if len(o) == 0 && len(points) > 0 {
		return nil, &flowmap.EmptyMatchError{Path: l.Path, Stage: flowmap.StageMatch}
	}
	return o, nil
}

// Cells matches each point to the grid cell that contains it. Each point
// matches at most one cell.
func Cells(points []geom.Point, g *grid.Grid) []Assignment {
	var o []Assignment
	for row, p := range points {
		if c, ok := g.Locate(p); ok {
			o = append(o, Assignment{Row: row, Target: c.ID})
		}
	}
	return o
}

// Rows returns the table rows of the assignments, in order.
func Rows(as []Assignment) []int {
	o := make([]int, len(as))
	for i, a := range as {
		o[i] = a.Row
	}
	return o
}

// Reconcile returns l in the coordinate reference system named by crs,
// which is the tag of the table its regions are to be matched against.
// A layer in another supported system is reprojected; a layer in an
// unsupported system is an error.
func Reconcile(crs string, l *boundary.Layer) (*boundary.Layer, error) {
	want, ok := project.ByName(crs)
	if !ok {
		return nil, &flowmap.CRSMismatchError{Path: l.Path, Stage: flowmap.StageMatch, Have: crs}
	}
	have, err := project.SelectCRS(l.PRJ)
	if err != nil {
		return nil, &flowmap.CRSMismatchError{Path: l.Path, Stage: flowmap.StageMatch,
			Have: l.PRJ, Want: want.Name}
	}
	if have.Name == want.Name && !project.IsGeographic(l.PRJ) {
		return l, nil
	}
	sr, err := want.SR()
	if err != nil {
		return nil, err
	}
	o, err := l.Reproject(sr, want.WKT)
	if err != nil {
		return nil, fmt.Errorf("match: %w", err)
	}
	return o, nil
}

// Join returns a table with one row for each assignment: the matched row
// of t followed by the ID, name and attributes of the matched region of l.
// The new columns are named with prefix. A new column whose name is
// already taken gets the suffix "_right".
func Join(t *table.Table, as []Assignment, l *boundary.Layer, prefix string) (*table.Table, error) {
	o := t.Subset(Rows(as), false)

	idCol := newName(o, prefix+IDColumn)
	if err := o.AddColumn(idCol, ""); err != nil {
		return nil, fmt.Errorf("match: %v", err)
	}
	nameCol := ""
	if l.NameField != "" {
		nameCol = newName(o, prefix+NameColumn)
		if err := o.AddColumn(nameCol, ""); err != nil {
			return nil, fmt.Errorf("match: %v", err)
		}
	}
	attrCols := make([]string, len(l.Fields))
	for j, f := range l.Fields {
		attrCols[j] = newName(o, prefix+f)
		if err := o.AddColumn(attrCols[j], ""); err != nil {
			return nil, fmt.Errorf("match: %v", err)
		}
	}

	for i, a := range as {
		if a.Target < 0 || a.Target >= len(l.Regions) {
			return nil, fmt.Errorf("match: assignment %d refers to region %d of %d", i, a.Target, len(l.Regions))
		}
		r := l.Regions[a.Target]
		o.Set(i, idCol, strconv.Itoa(r.ID))
		if nameCol != "" {
			o.Set(i, nameCol, r.Name)
		}
		for j, f := range l.Fields {
			o.Set(i, attrCols[j], r.Attrs[f])
		}
	}
	return o, nil
}

func newName(t *table.Table, name string) string {
	for t.Has(name) {
		name += "_right"
	}
	return name
}
