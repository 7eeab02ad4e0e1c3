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

// Package grid tessellates an area of interest into the cells that point
// records are aggregated to.
package grid

import (
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/encoding/shp"
	"github.com/ctessum/geom/index/rtree"
	goshp "github.com/jonas-p/go-shp"
	"github.com/spatialmodel/flowmap"
	"github.com/spatialmodel/flowmap/internal/atomicfile"
)

// FinestCellSize is the smallest supported cell edge length in meters.
// Voronoi tessellation is only available at this resolution.
const FinestCellSize = 100.

// Margin is the distance in meters that the bounds of the area of
// interest are expanded by before a fishnet is laid over them.
const Margin = 100.

// Method is a tessellation method.
type Method int

// The tessellation methods.
const (
	Fishnet Method = iota
	Voronoi
)

func (m Method) String() string {
	if m == Voronoi {
		return "voronoi"
	}
	return "fishnet"
}

// ParseMethod returns the method with the given name.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fishnet", "":
		return Fishnet, nil
	case "voronoi":
		return Voronoi, nil
	}
	return Fishnet, fmt.Errorf("grid: unknown tessellation method %q", s)
}

// Grid is a tessellation of an area of interest.
type Grid struct {
	Method   Method
	CellSize float64

	// Nx and Ny are the number of columns and rows of a fishnet, and
	// X0, Y0 the coordinates of its lower left corner.
	Nx, Ny int
	X0, Y0 float64

	// Cells are ordered by ID.
	Cells []*Cell

	// PRJ is the projection text written alongside the cells by
	// WriteShapefile.
	PRJ string

	rtree *rtree.Rtree
}

// Cell is an individual tessellation unit.
type Cell struct {
	geom.Polygonal

	// ID is the sequence index of the cell in its grid.
	ID int

	// Row and Col are the position of a fishnet cell, counted from the
	// top row and the left column.
	Row, Col int

	// Generator is the observed location a Voronoi cell belongs to.
	Generator geom.Point
}

// Tessellate partitions area using the given method. cellSize is the
// fishnet edge length; generators are the points a Voronoi partition is
// computed for and are ignored by fishnets.
func Tessellate(area geom.Polygonal, cellSize float64, m Method, generators []geom.Point) (*Grid, error) {
	if cellSize <= 0 || math.IsNaN(cellSize) || math.IsInf(cellSize, 0) {
		return nil, &flowmap.InvalidAreaError{Stage: flowmap.StageTessellate,
			Reason: fmt.Sprintf("cell size %g must be positive", cellSize)}
	}
	switch m {
	case Fishnet:
		return NewFishnet(area.Bounds(), cellSize, Margin)
	case Voronoi:
		if cellSize != FinestCellSize {
			return nil, &flowmap.InvalidAreaError{Stage: flowmap.StageTessellate,
				Reason: fmt.Sprintf("voronoi tessellation requires a cell size of %g m, not %g m", FinestCellSize, cellSize)}
		}
		g, err := NewVoronoi(generators, area)
		if err != nil {
			return nil, err
		}
		g.CellSize = cellSize
		return g, nil
	}
	return nil, fmt.Errorf("grid: unknown tessellation method %d", m)
}

// NewFishnet creates a regular grid of square cells covering b expanded by
// margin. The grid is anchored at the top right corner of the expanded
// bounds and extends down and to the left in whole cells, so the same
// bounds and cell size always give the same cells. Cells are numbered row
// by row starting from the top left.
func NewFishnet(b *geom.Bounds, cellSize, margin float64) (*Grid, error) {
	if cellSize <= 0 {
		return nil, &flowmap.InvalidAreaError{Stage: flowmap.StageTessellate,
			Reason: fmt.Sprintf("cell size %g must be positive", cellSize)}
	}
	if err := checkBounds(b); err != nil {
		return nil, err
	}
	x1, y1 := b.Max.X+margin, b.Max.Y+margin
	w := x1 - (b.Min.X - margin)
	h := y1 - (b.Min.Y - margin)

	g := &Grid{
		Method:   Fishnet,
		CellSize: cellSize,
		Nx:       int(math.Ceil(w / cellSize)),
		Ny:       int(math.Ceil(h / cellSize)),
		rtree:    rtree.NewTree(25, 50),
	}
	g.X0 = x1 - float64(g.Nx)*cellSize
	g.Y0 = y1 - float64(g.Ny)*cellSize
	g.Cells = make([]*Cell, 0, g.Nx*g.Ny)
	for row := 0; row < g.Ny; row++ {
		top := y1 - float64(row)*cellSize
		bottom := y1 - float64(row+1)*cellSize
		for col := 0; col < g.Nx; col++ {
			left := g.X0 + float64(col)*cellSize
			right := g.X0 + float64(col+1)*cellSize
			c := &Cell{
				ID:  len(g.Cells),
				Row: row,
				Col: col,
				Polygonal: geom.Polygon{{
					{X: left, Y: bottom}, {X: right, Y: bottom},
					{X: right, Y: top}, {X: left, Y: top}, {X: left, Y: bottom}}},
			}
			g.Cells = append(g.Cells, c)
			g.rtree.Insert(c)
		}
	}
	return g, nil
}

func checkBounds(b *geom.Bounds) error {
	if b == nil || b.Empty() {
		return &flowmap.InvalidAreaError{Stage: flowmap.StageTessellate, Reason: "the area is empty"}
	}
	for _, v := range []float64{b.Min.X, b.Min.Y, b.Max.X, b.Max.Y} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &flowmap.InvalidAreaError{Stage: flowmap.StageTessellate, Reason: "the extent is not finite"}
		}
	}
	if b.Max.X-b.Min.X <= 0 || b.Max.Y-b.Min.Y <= 0 {
		return &flowmap.InvalidAreaError{Stage: flowmap.StageTessellate,
			Reason: fmt.Sprintf("the extent %gx%g has zero width or height", b.Max.X-b.Min.X, b.Max.Y-b.Min.Y)}
	}
	return nil
}

// Locate returns the cell that contains p. A point on an edge shared by
// several fishnet cells belongs to the cell above and to the right of it.
// ok is false if p is outside of the grid.
func (g *Grid) Locate(p geom.Point) (c *Cell, ok bool) {
	if g.Method == Fishnet {
		col := int(math.Floor((p.X - g.X0) / g.CellSize))
		fromBottom := int(math.Floor((p.Y - g.Y0) / g.CellSize))
		if col < 0 || col >= g.Nx || fromBottom < 0 || fromBottom >= g.Ny {
			return nil, false
		}
		row := g.Ny - 1 - fromBottom
		return g.Cells[row*g.Nx+col], true
	}
	var found []*Cell
	for _, cI := range g.rtree.SearchIntersect(p.Bounds()) {
		cell := cI.(*Cell)
		if p.Within(cell.Polygonal) != geom.Outside {
			found = append(found, cell)
		}
	}
	if len(found) == 0 {
		return nil, false
	}
	sort.Slice(found, func(i, j int) bool { return found[i].ID < found[j].ID })
	return found[0], true
}

// Extent returns the bounds of all cells.
func (g *Grid) Extent() *geom.Bounds {
	b := geom.NewBounds()
	for _, c := range g.Cells {
		b.Extend(c.Bounds())
	}
	return b
}

// WriteShapefile writes the grid cells to a polygon shapefile at path,
// along with a .prj file if the grid has projection text. Existing files
// at path are only replaced once the whole shapefile has been written.
func (g *Grid) WriteShapefile(path string) error {
	if !strings.HasSuffix(path, ".shp") {
		path += ".shp"
	}
	err := atomicfile.WriteFiles(path, shapefileExts, func(tmp string) error {
		return g.encode(tmp)
	})
	if err != nil {
		return fmt.Errorf("grid: %v", err)
	}
	return nil
}

var shapefileExts = []string{".shp", ".shx", ".dbf", ".prj"}

func (g *Grid) encode(path string) error {
	fields := []goshp.Field{
		goshp.NumberField("ID", 10),
		goshp.NumberField("row", 10),
		goshp.NumberField("col", 10),
	}
	e, err := shp.NewEncoderFromFields(path, goshp.POLYGON, fields...)
	if err != nil {
		return err
	}
	for _, c := range g.Cells {
		if err = e.EncodeFields(c.Polygonal, c.ID, c.Row, c.Col); err != nil {
			e.Close()
			return fmt.Errorf("writing cell %d: %v", c.ID, err)
		}
	}
	// Close flushes the .shx and .dbf and reports no error of its own.
	e.Close()
	if g.PRJ == "" {
		return nil
	}
	return os.WriteFile(strings.TrimSuffix(path, ".shp")+".prj", []byte(g.PRJ), 0644)
}
