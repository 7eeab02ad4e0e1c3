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

// Package project converts the raw grid coordinates of a table to the
// locally flat projection that its boundary layer is declared in.
package project

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/proj"
	"github.com/spatialmodel/flowmap"
	"github.com/spatialmodel/flowmap/datum"
	"github.com/spatialmodel/flowmap/schema"
	"github.com/spatialmodel/flowmap/table"
)

// CRS is a supported working projection.
type CRS struct {
	// Name is the EPSG code of the projection, for example "EPSG:4526".
	Name  string
	Title string
	Proj4 string

	// WKT is the ESRI projection text written to .prj files.
	WKT string

	// ids are lower-case substrings that identify the projection in a
	// projection definition.
	ids []string
}

// The supported working projections.
var (
	Zone38 = CRS{
		Name:  "EPSG:4526",
		Title: "CGCS2000 / 3-degree Gauss-Kruger zone 38",
		Proj4: "+proj=tmerc +lat_0=0 +lon_0=114 +k=1 +x_0=38500000 +y_0=0 +ellps=GRS80 +units=m +no_defs",
		WKT:   gkWKT("CGCS2000_3_Degree_GK_Zone_38", 38500000),
		ids:   []string{"zone 38", "epsg:4526", `"epsg","4526"`},
	}
	CM114E = CRS{
		Name:  "EPSG:4547",
		Title: "CGCS2000 / 3-degree Gauss-Kruger CM 114E",
		Proj4: "+proj=tmerc +lat_0=0 +lon_0=114 +k=1 +x_0=500000 +y_0=0 +ellps=GRS80 +units=m +no_defs",
		WKT:   gkWKT("CGCS2000_3_Degree_GK_CM_114E", 500000),
		ids:   []string{"cm 114e", "epsg:4547", `"epsg","4547"`},
	}
)

func gkWKT(name string, falseEasting float64) string {
	return fmt.Sprintf(`PROJCS["%s",GEOGCS["GCS_China_Geodetic_Coordinate_System_2000",`+
		`DATUM["D_China_2000",SPHEROID["CGCS2000",6378137.0,298.257222101]],PRIMEM["Greenwich",0.0],`+
		`UNIT["Degree",0.0174532925199433]],PROJECTION["Gauss_Kruger"],PARAMETER["False_Easting",%.1f],`+
		`PARAMETER["False_Northing",0.0],PARAMETER["Central_Meridian",114.0],PARAMETER["Scale_Factor",1.0],`+
		`PARAMETER["Latitude_Of_Origin",0.0],UNIT["Meter",1.0]]`, name, falseEasting)
}

// Supported lists the working projections in order of preference.
var Supported = []CRS{Zone38, CM114E}

// LonLat is the geographic WGS-84 coordinate system that corrected
// coordinates are expressed in.
const LonLat = "+proj=longlat +datum=WGS84 +no_defs"

// SR parses the projection definition.
func (c CRS) SR() (*proj.SR, error) {
	sr, err := proj.Parse(c.Proj4)
	if err != nil {
		return nil, fmt.Errorf("project: parsing %s: %v", c.Name, err)
	}
	return sr, nil
}

// ByName returns the supported projection with the given EPSG code.
func ByName(name string) (CRS, bool) {
	for _, c := range Supported {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return CRS{}, false
}

// SelectCRS chooses the working projection for a boundary layer from its
// projection definition (WKT or proj4) by looking for the identifier of a
// supported zone. A geographic definition without a zone selects Zone38.
func SelectCRS(prj string) (CRS, error) {
	norm := strings.ToLower(strings.Replace(prj, "_", " ", -1))
	norm = strings.Replace(norm, " ", "", -1)
	for _, c := range Supported {
		for _, id := range c.ids {
			if strings.Contains(norm, strings.Replace(id, " ", "", -1)) {
				return c, nil
			}
		}
	}
	if IsGeographic(prj) {
		return Zone38, nil
	}
	return CRS{}, &flowmap.CRSMismatchError{Stage: flowmap.StageProject, Have: summarize(prj)}
}

// IsGeographic reports whether a projection definition describes
// longitude/latitude coordinates.
func IsGeographic(prj string) bool {
	norm := strings.Replace(strings.ToLower(prj), " ", "", -1)
	if strings.Contains(norm, "projcs[") {
		return false
	}
	return strings.HasPrefix(norm, "geogcs[") || strings.Contains(norm, "+proj=longlat") ||
		strings.Contains(norm, "+proj=latlong")
}

func summarize(prj string) string {
	prj = strings.TrimSpace(prj)
	if len(prj) > 60 {
		return prj[:60] + "..."
	}
	return prj
}

// XY names a pair of projected coordinate columns.
type XY struct{ X, Y string }

// The projected coordinate columns written by Project.
var (
	Point       = XY{"x", "y"}
	Origin      = XY{"O_x", "O_y"}
	Destination = XY{"D_x", "D_y"}
)

// lonLatColumns gives the geographic columns written alongside each pair
// of projected columns.
var lonLatColumns = map[XY]XY{
	Point:       {"lon", "lat"},
	Origin:      {"O_lon", "O_lat"},
	Destination: {"D_lon", "D_lat"},
}

// Points returns the coordinates held in the given columns of t.
func (c XY) Points(t *table.Table) ([]geom.Point, error) {
	xs, err := t.Floats(c.X)
	if err != nil {
		return nil, err
	}
	ys, err := t.Floats(c.Y)
	if err != nil {
		return nil, err
	}
	o := make([]geom.Point, len(xs))
	for i := range xs {
		o[i] = geom.Point{X: xs[i], Y: ys[i]}
	}
	return o, nil
}

// Project returns a copy of t with projected coordinate columns added.
// The raw coordinate convention is detected from the column names: point
// tables get x/y, origin-destination and live/work tables get O_x/O_y
// and D_x/D_y for whichever ends are present. Raw coordinates are
// corrected to WGS-84 longitude/latitude with correct, which are also
// kept, and then projected to target.
//
// A table that has already been projected is not corrected again. If it
// is already in target it is returned unchanged; otherwise its projected
// columns are transformed to target.
func Project(t *table.Table, correct datum.Func, target CRS) (*table.Table, error) {
	if t.CRS == target.Name {
		return t.Clone(), nil
	}
	dst, err := target.SR()
	if err != nil {
		return nil, err
	}
	if t.CRS != "" {
		return reproject(t, dst, target)
	}

	layout, err := schema.DetectLayout(t)
	if err != nil {
		var se *flowmap.SchemaError
		if errors.As(err, &se) {
			se.Stage = flowmap.StageProject
		}
		return nil, err
	}
	src, err := proj.Parse(LonLat)
	if err != nil {
		return nil, fmt.Errorf("project: %v", err)
	}
	ct, err := src.NewTransform(dst)
	if err != nil {
		return nil, fmt.Errorf("project: %v", err)
	}

	o := t.Clone()
	var outs []XY
	if layout.Paired() {
		outs = []XY{Origin, Destination}
	} else {
		outs = []XY{Point}
	}
	for i, raw := range layout.RawColumns() {
		if !t.Has(raw[0], raw[1]) {
			continue
		}
		out, ll := outs[i], lonLatColumns[outs[i]]
		for _, c := range []string{ll.X, ll.Y, out.X, out.Y} {
			if err := o.AddColumn(c, ""); err != nil {
				return nil, fmt.Errorf("project: %s: %v", t.Path, err)
			}
		}
		for r := 0; r < o.Len(); r++ {
			x, err := o.Float(r, raw[0])
			if err != nil {
				return nil, fmt.Errorf("project: %s: %v", t.Path, err)
			}
			y, err := o.Float(r, raw[1])
			if err != nil {
				return nil, fmt.Errorf("project: %s: %v", t.Path, err)
			}
			lon, lat := correct(x, y)
			px, py, err := ct(lon, lat)
			if err != nil {
				return nil, fmt.Errorf("project: %s: row %d: %v", t.Path, r, err)
			}
			o.SetFloat(r, ll.X, lon)
			o.SetFloat(r, ll.Y, lat)
			o.SetFloat(r, out.X, px)
			o.SetFloat(r, out.Y, py)
		}
	}
	o.CRS = target.Name
	return o, nil
}

// reproject transforms the projected columns of an already projected
// table from its current working projection to target.
func reproject(t *table.Table, dst *proj.SR, target CRS) (*table.Table, error) {
	cur, ok := ByName(t.CRS)
	if !ok {
		return nil, &flowmap.CRSMismatchError{Path: t.Path, Stage: flowmap.StageProject, Have: t.CRS, Want: target.Name}
	}
	src, err := cur.SR()
	if err != nil {
		return nil, err
	}
	ct, err := src.NewTransform(dst)
	if err != nil {
		return nil, fmt.Errorf("project: %v", err)
	}
	o := t.Clone()
	for _, c := range []XY{Point, Origin, Destination} {
		if !o.Has(c.X, c.Y) {
			continue
		}
		pts, err := c.Points(o)
		if err != nil {
			return nil, fmt.Errorf("project: %s: %v", t.Path, err)
		}
		for r, p := range pts {
			x, y, err := ct(p.X, p.Y)
			if err != nil {
				return nil, fmt.Errorf("project: %s: row %d: %v", t.Path, r, err)
			}
			o.SetFloat(r, c.X, x)
			o.SetFloat(r, c.Y, y)
		}
	}
	o.CRS = target.Name
	return o, nil
}
