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

package schema

import (
	"strings"

	"github.com/spatialmodel/flowmap/table"
)

// Manifest names the columns of one dataset kind by role, so that later
// stages never locate a column by its position.
type Manifest struct {
	// Required lists the columns every table of the kind must have.
	Required []string

	// Keys lists the identity columns of a record, in join and grouping
	// order. Keys absent from a particular table are skipped.
	Keys []string

	// Count is the count-like column, reduced by summation.
	Count string

	// Means lists rate-like columns, reduced by arithmetic mean.
	Means []string

	// ExcludedDimensions lists share-column dimensions that are removed
	// before shares are scaled to counts.
	ExcludedDimensions []string

	// Variable is the column classified and plotted by default.
	Variable string
}

var commuteKeys = []string{Date, HomeName, OriginID, WorkName, DestID}

var profileExcluded = []string{"消费水平", "人生阶段"}

// ManifestFor returns the manifest of the given kind.
func ManifestFor(k Kind) Manifest {
	switch k {
	case PopulationCount:
		return Manifest{
			Required: []string{Date, CellID, Count},
			Keys:     []string{Date, Hour, CellID},
			Count:    Count,
			Variable: Count,
		}
	case PopulationProfile:
		return Manifest{
			Required:           []string{Date, CellID},
			Keys:               []string{Date, Hour, CellID},
			Count:              Count,
			ExcludedDimensions: profileExcluded,
			Variable:           Count,
		}
	case ResidentCount:
		return Manifest{
			Required: []string{Date, CellID, Count},
			Keys:     []string{Date, RegionName, CellID},
			Count:    Count,
			Variable: Count,
		}
	case ResidentProfile:
		return Manifest{
			Required:           []string{Date, CellID},
			Keys:               []string{Date, CellID, RegionName, PopType},
			Count:              Count,
			ExcludedDimensions: profileExcluded,
			Variable:           Count,
		}
	case OD:
		return Manifest{
			Required: []string{ODCount},
			Keys:     []string{Date, Hour, OriginRegion, DestRegion, OriginID, DestID},
			Count:    ODCount,
			Variable: ODCount,
		}
	case CommuteCount:
		return Manifest{
			Required: []string{Count},
			Keys:     commuteKeys,
			Count:    Count,
			Variable: Count,
		}
	case CommuteTime:
		return Manifest{
			Required: []string{CommuteSeconds},
			Keys:     commuteKeys,
			Means:    []string{CommuteMinutes},
			Variable: CommuteMinutes,
		}
	case CommuteMode:
		return Manifest{
			Keys:     commuteKeys,
			Count:    Count,
			Variable: Count,
		}
	case CommuteProfile:
		return Manifest{
			Keys:               commuteKeys,
			Count:              Count,
			ExcludedDimensions: profileExcluded,
			Variable:           Count,
		}
	}
	return Manifest{}
}

// KeysIn returns the manifest keys that are present in t.
func (m Manifest) KeysIn(t *table.Table) []string {
	var o []string
	for _, k := range m.Keys {
		if t.Has(k) {
			o = append(o, k)
		}
	}
	return o
}

// ShareColumns returns the proportion columns of t, in table order.
// Proportion columns are named "dimension:bucket"; those whose dimension
// is excluded by the manifest are not returned.
func (m Manifest) ShareColumns(t *table.Table) []string {
	var o []string
	for _, c := range t.Columns() {
		dim, ok := Dimension(c)
		if !ok || m.excluded(dim) {
			continue
		}
		o = append(o, c)
	}
	return o
}

// ExcludedColumns returns the proportion columns of t whose dimension is
// excluded by the manifest.
func (m Manifest) ExcludedColumns(t *table.Table) []string {
	var o []string
	for _, c := range t.Columns() {
		if dim, ok := Dimension(c); ok && m.excluded(dim) {
			o = append(o, c)
		}
	}
	return o
}

func (m Manifest) excluded(dim string) bool {
	for _, d := range m.ExcludedDimensions {
		if d == dim {
			return true
		}
	}
	return false
}

// Dimension splits a proportion column name such as "性别:男" and returns
// its dimension. Both ASCII and full-width colons are accepted.
func Dimension(col string) (string, bool) {
	for _, sep := range []string{":", "："} {
		if i := strings.Index(col, sep); i > 0 && i+len(sep) < len(col) {
			return col[:i], true
		}
	}
	return "", false
}
