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

// Package boundary loads the analyst-supplied polygon layers that records
// are matched against.
package boundary

import (
	"fmt"
	"io/ioutil"
	"os"
	"strings"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/encoding/shp"
	"github.com/ctessum/geom/proj"
	"github.com/spatialmodel/flowmap"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

// Region is one polygon of a boundary layer.
type Region struct {
	geom.Polygonal

	// ID is the position of the region in its layer, starting at zero.
	ID int

	// Name is the value of the layer's name field, if it has one.
	Name string

	// Attrs holds the attribute values of the region keyed by field name.
	Attrs map[string]string
}

// Layer is a set of regions sharing one spatial reference.
type Layer struct {
	Path    string
	Regions []*Region

	// Fields lists the attribute field names in file order.
	Fields []string

	// NameField is the attribute used for region names, or "".
	NameField string

	SR *proj.SR

	// PRJ holds the projection definition the layer was read with, in WKT
	// or proj4 form.
	PRJ string
}

// nameFields are the attribute names, compared case-insensitively, that
// are taken to hold region names.
var nameFields = []string{"name", "名称", "区域名称", "范围名称", "mc"}

// Load reads a polygon shapefile and its .prj sidecar. If a .cpg sidecar
// names a text encoding, attribute names and values are decoded from it.
func Load(path string) (*Layer, error) {
	base := strings.TrimSuffix(path, ".shp")
	d, err := shp.NewDecoder(base + ".shp")
	if err != nil {
		return nil, fmt.Errorf("boundary: opening %s: %v", path, err)
	}
	defer d.Close()

	prj, err := ioutil.ReadFile(base + ".prj")
	if err != nil {
		return nil, fmt.Errorf("boundary: %s has no projection file: %v", path, err)
	}
	l := &Layer{Path: path, PRJ: string(prj)}
	l.SR, err = proj.Parse(normalizeWKT(l.PRJ))
	if err != nil {
		return nil, fmt.Errorf("boundary: parsing projection of %s: %v", path, err)
	}

	dec, err := attributeDecoder(base + ".cpg")
	if err != nil {
		return nil, fmt.Errorf("boundary: %s: %v", path, err)
	}

	var raw []string
	for _, f := range d.Reader.Fields() {
		raw = append(raw, f.String())
		l.Fields = append(l.Fields, decodeString(dec, f.String()))
	}
	for _, f := range l.Fields {
		for _, n := range nameFields {
			if l.NameField == "" && strings.EqualFold(f, n) {
				l.NameField = f
			}
		}
	}

	for i := 0; ; i++ {
		g, fields, more := d.DecodeRowFields(raw...)
		if !more {
			break
		}
		p, ok := g.(geom.Polygonal)
		if !ok {
			return nil, fmt.Errorf("boundary: %s: record %d has geometry type %T; only polygons are supported", path, i, g)
		}
		r := &Region{Polygonal: p, ID: i, Attrs: make(map[string]string, len(raw))}
		for j, name := range raw {
			r.Attrs[l.Fields[j]] = strings.TrimSpace(decodeString(dec, fields[name]))
		}
		if l.NameField != "" {
			r.Name = r.Attrs[l.NameField]
		}
		l.Regions = append(l.Regions, r)
	}
	if err := d.Error(); err != nil {
		return nil, fmt.Errorf("boundary: decoding %s: %v", path, err)
	}
	if len(l.Regions) == 0 {
		return nil, fmt.Errorf("boundary: %s contains no polygons", path)
	}
	return l, nil
}

// normalizeWKT rewrites projection names that the projection library
// knows under another name. Gauss-Kruger is the transverse Mercator
// projection.
func normalizeWKT(wkt string) string {
	return strings.Replace(wkt, `"Gauss_Kruger"`, `"Transverse_Mercator"`, -1)
}

func attributeDecoder(cpgPath string) (*encoding.Decoder, error) {
	b, err := ioutil.ReadFile(cpgPath)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(string(b))
	if name == "" || strings.EqualFold(name, "utf-8") || strings.EqualFold(name, "utf8") {
		return nil, nil
	}
	e, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("unsupported attribute encoding %q", name)
	}
	return e.NewDecoder(), nil
}

func decodeString(dec *encoding.Decoder, s string) string {
	s = strings.TrimRight(s, "\x00")
	if dec == nil {
		return s
	}
	o, err := dec.String(s)
	if err != nil {
		return s
	}
	return o
}

// Bounds returns the extent of all regions in the layer.
func (l *Layer) Bounds() *geom.Bounds {
	b := geom.NewBounds()
	for _, r := range l.Regions {
		b.Extend(r.Bounds())
	}
	return b
}

// Polygons returns the region geometries.
func (l *Layer) Polygons() []geom.Polygonal {
	o := make([]geom.Polygonal, len(l.Regions))
	for i, r := range l.Regions {
		o[i] = r.Polygonal
	}
	return o
}

// Reproject returns a copy of l with every region transformed to sr.
// prj is recorded as the projection definition of the copy.
func (l *Layer) Reproject(sr *proj.SR, prj string) (*Layer, error) {
	ct, err := l.SR.NewTransform(sr)
	if err != nil {
		return nil, fmt.Errorf("boundary: reprojecting %s: %v", l.Path, err)
	}
	o := &Layer{Path: l.Path, Fields: l.Fields, NameField: l.NameField, SR: sr, PRJ: prj}
	o.Regions = make([]*Region, len(l.Regions))
	for i, r := range l.Regions {
		g, err := r.Polygonal.Transform(ct)
		if err != nil {
			return nil, fmt.Errorf("boundary: reprojecting region %d of %s: %v", r.ID, l.Path, err)
		}
		o.Regions[i] = &Region{Polygonal: g.(geom.Polygonal), ID: r.ID, Name: r.Name, Attrs: r.Attrs}
	}
	return o, nil
}

// Dissolve returns the union of all regions in the layer.
func (l *Layer) Dissolve() (geom.Polygonal, error) {
	var u geom.Polygonal
	for _, r := range l.Regions {
		if r.Polygonal == nil {
			continue
		}
		for _, p := range r.Polygonal.Polygons() {
			if len(p) == 0 {
				continue
			}
			if u == nil {
				u = p
				continue
			}
			u = u.Union(p)
		}
	}
	if u == nil || len(u.Polygons()) == 0 {
		return nil, &flowmap.InvalidAreaError{Stage: flowmap.StageTessellate,
			Reason: fmt.Sprintf("boundary layer %s has no polygon area", l.Path)}
	}
	return u, nil
}
