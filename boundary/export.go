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

package boundary

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/proj"
	"github.com/spatialmodel/flowmap/datum"
	"github.com/spatialmodel/flowmap/internal/atomicfile"
	"github.com/tealeg/xlsx"
)

// IDTableSheet is the sheet name of the region ID table.
const IDTableSheet = "ID对照表"

// WriteIDTable writes a spreadsheet listing every region with its ID,
// attributes and ring coordinates. Coordinates are written as WGS-84 and
// as GCJ-02 longitude/latitude, the form in which data requests for an
// area are submitted to the data provider. Rings are written as
// "lon,lat;lon,lat;..." and separated by "|".
func (l *Layer) WriteIDTable(path string) error {
	lonlat, err := proj.Parse("+proj=longlat +datum=WGS84 +no_defs")
	if err != nil {
		return fmt.Errorf("boundary: %v", err)
	}
	ll, err := l.Reproject(lonlat, "")
	if err != nil {
		return err
	}

	file := xlsx.NewFile()
	sheet, err := file.AddSheet(IDTableSheet)
	if err != nil {
		return fmt.Errorf("boundary: writing %s: %v", path, err)
	}
	header := append([]string{"ID"}, l.Fields...)
	header = append(header, "坐标(WGS84)", "坐标(GCJ02)")
	row := sheet.AddRow()
	for _, h := range header {
		row.AddCell().SetString(h)
	}
	for _, r := range ll.Regions {
		row := sheet.AddRow()
		row.AddCell().SetInt(r.ID)
		for _, f := range l.Fields {
			row.AddCell().SetString(r.Attrs[f])
		}
		row.AddCell().SetString(ringString(r.Polygonal, datum.Identity))
		row.AddCell().SetString(ringString(r.Polygonal, datum.WGS84ToGCJ02))
	}
	if err := atomicfile.Write(path, file.Write); err != nil {
		return fmt.Errorf("boundary: writing %s: %w", path, err)
	}
	return nil
}

func ringString(p geom.Polygonal, conv datum.Func) string {
	var rings []string
	for _, poly := range p.Polygons() {
		for _, ring := range poly {
			pts := make([]string, len(ring))
			for i, pt := range ring {
				x, y := conv(pt.X, pt.Y)
				pts[i] = strconv.FormatFloat(x, 'f', 6, 64) + "," + strconv.FormatFloat(y, 'f', 6, 64)
			}
			rings = append(rings, strings.Join(pts, ";"))
		}
	}
	return strings.Join(rings, "|")
}
