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

package grid

import (
	"fmt"
	"math"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/index/rtree"
	"github.com/spatialmodel/flowmap"
)

// site is a Voronoi generator stored in the neighbor index.
type site struct {
	geom.Point
	i int
}

// NewVoronoi partitions clip into the regions closest to each generator.
// Generators that coincide after rounding to the nearest millimeter are
// dropped, keeping the first one. Generators whose region does not overlap
// clip get no cell. Cell IDs are sequence indices of the cells that remain,
// in generator order.
func NewVoronoi(generators []geom.Point, clip geom.Polygonal) (*Grid, error) {
	if clip == nil {
		return nil, &flowmap.InvalidAreaError{Stage: flowmap.StageTessellate, Reason: "no clipping area"}
	}
	cb := clip.Bounds()
	if err := checkBounds(cb); err != nil {
		return nil, err
	}
	sites := dedupe(generators)
	if len(sites) == 0 {
		return nil, &flowmap.InvalidAreaError{Stage: flowmap.StageTessellate, Reason: "no generator points"}
	}

	// The initial cell of every site is a box that contains the clipping
	// area and all sites.
	box := cb.Copy()
	index := rtree.NewTree(25, 50)
	for _, s := range sites {
		box.Extend(s.Bounds())
		index.Insert(s)
	}
	pad := math.Max(box.Max.X-box.Min.X, box.Max.Y-box.Min.Y)
	box.Min.X, box.Min.Y = box.Min.X-pad, box.Min.Y-pad
	box.Max.X, box.Max.Y = box.Max.X+pad, box.Max.Y+pad
	diag := math.Hypot(box.Max.X-box.Min.X, box.Max.Y-box.Min.Y)

	g := &Grid{Method: Voronoi, rtree: rtree.NewTree(25, 50)}
	for _, s := range sites {
		ring := proximityRegion(s, box, index, diag)
		if len(ring) < 3 {
			continue
		}
		ring = append(ring, ring[0])
		p := geom.Polygon{ring}.Intersection(clip)
		if p == nil || p.Area() <= 0 {
			continue
		}
		c := &Cell{ID: len(g.Cells), Polygonal: p, Generator: s.Point}
		g.Cells = append(g.Cells, c)
		g.rtree.Insert(c)
	}
	if len(g.Cells) == 0 {
		return nil, &flowmap.InvalidAreaError{Stage: flowmap.StageTessellate,
			Reason: fmt.Sprintf("none of %d generator points has a region inside the area", len(sites))}
	}
	return g, nil
}

// dedupe drops generators that are equal to an earlier one after
// rounding to millimeters.
func dedupe(pts []geom.Point) []*site {
	type key struct{ x, y int64 }
	seen := make(map[key]bool, len(pts))
	o := make([]*site, 0, len(pts))
	for i, p := range pts {
		k := key{int64(math.Round(p.X * 1000)), int64(math.Round(p.Y * 1000))}
		if seen[k] {
			continue
		}
		seen[k] = true
		o = append(o, &site{Point: p, i: i})
	}
	return o
}

// proximityRegion returns the open ring of points closer to s than to any
// other site, bounded by box. Neighbors are searched for in a widening
// window until no site outside the window could cut the region.
func proximityRegion(s *site, box *geom.Bounds, index *rtree.Rtree, limit float64) []geom.Point {
	ring := []geom.Point{
		{X: box.Min.X, Y: box.Min.Y}, {X: box.Max.X, Y: box.Min.Y},
		{X: box.Max.X, Y: box.Max.Y}, {X: box.Min.X, Y: box.Max.Y},
	}
	used := make(map[int]bool)
	for r := FinestCellSize; ; r *= 2 {
		win := &geom.Bounds{
			Min: geom.Point{X: s.X - r, Y: s.Y - r},
			Max: geom.Point{X: s.X + r, Y: s.Y + r},
		}
		for _, nI := range index.SearchIntersect(win) {
			n := nI.(*site)
			if n.i == s.i || used[n.i] {
				continue
			}
			used[n.i] = true
			ring = clipHalfPlane(ring, s.Point, n.Point)
			if len(ring) < 3 {
				return nil
			}
		}
		// A site can only cut the region if it is closer to s than twice
		// the distance to the farthest vertex.
		var far float64
		for _, p := range ring {
			far = math.Max(far, math.Hypot(p.X-s.X, p.Y-s.Y))
		}
		if 2*far <= r || r > 2*limit {
			return ring
		}
	}
}

// clipHalfPlane keeps the part of the convex ring that is at least as
// close to a as to b.
func clipHalfPlane(ring []geom.Point, a, b geom.Point) []geom.Point {
	mx, my := (a.X+b.X)/2, (a.Y+b.Y)/2
	nx, ny := b.X-a.X, b.Y-a.Y
	side := func(p geom.Point) float64 { return (p.X-mx)*nx + (p.Y-my)*ny }

	o := make([]geom.Point, 0, len(ring)+1)
	for i, p := range ring {
		q := ring[(i+1)%len(ring)]
		sp, sq := side(p), side(q)
		if sp <= 0 {
			o = append(o, p)
		}
		if (sp < 0 && sq > 0) || (sp > 0 && sq < 0) {
			t := sp / (sp - sq)
			o = append(o, geom.Point{X: p.X + t*(q.X-p.X), Y: p.Y + t*(q.Y-p.Y)})
		}
	}
	return o
}
