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

// Package schema names the columns of the supported dataset kinds and
// detects which variant of a kind a table holds.
package schema

import (
	"fmt"
	"strings"

	"github.com/spatialmodel/flowmap"
	"github.com/spatialmodel/flowmap/table"
)

// Column names used by the input tables.
const (
	Date       = "日期"
	Hour       = "小时"
	CellID     = "网格ID"
	RegionName = "区域名称"
	PopType    = "人口类型"
	Count      = "人数"
	ODCount    = "数量"

	CenterX = "网格中心x坐标"
	CenterY = "网格中心y坐标"
	CornerX = "网格x坐标"
	CornerY = "网格y坐标"

	OriginX      = "起点网格中心x坐标"
	OriginY      = "起点网格中心y坐标"
	DestX        = "终点网格中心x坐标"
	DestY        = "终点网格中心y坐标"
	OriginID     = "起点网格ID"
	DestID       = "终点网格ID"
	OriginRegion = "起点区域名称"
	DestRegion   = "终点区域名称"

	HomeX    = "居住地网格中心x坐标"
	HomeY    = "居住地网格中心y坐标"
	WorkX    = "工作地网格中心x坐标"
	WorkY    = "工作地网格中心y坐标"
	HomeName = "居住地名称"
	WorkName = "工作地名称"

	CommuteSeconds = "平均通勤时间(s)"
	CommuteMinutes = "平均通勤时间(min)"
)

// Columns derived by the pipeline.
const (
	HomeCount       = "居住人数"
	WorkCount       = "工作人数"
	LiveWithoutWork = "居住不工作人数"
	WorkWithoutLive = "工作不居住人数"
	LiveAndWork     = "居住且工作人数"
)

// Kind is a dataset type delivered by the data provider.
type Kind int

// The supported dataset kinds.
const (
	PopulationCount   Kind = iota // 客流数量
	PopulationProfile             // 客流画像
	ResidentCount                 // 常住数量
	ResidentProfile               // 常住画像
	OD                            // OD分析
	CommuteCount                  // 通勤数量
	CommuteTime                   // 通勤时间
	CommuteMode                   // 通勤方式
	CommuteProfile                // 职住画像
)

var kindNames = []string{"num_pop", "por_pop", "num_stay", "por_stay", "od",
	"num_commute", "time_commute", "mode_commute", "por_commute"}

var kindTitles = []string{"客流数量", "客流画像", "常住数量", "常住画像", "OD分析",
	"通勤数量", "通勤时间", "通勤方式", "职住画像"}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// Title returns the name the data provider uses for the kind.
func (k Kind) Title() string {
	if k < 0 || int(k) >= len(kindTitles) {
		return k.String()
	}
	return kindTitles[k]
}

// ParseKind returns the kind with the given short name or title.
func ParseKind(s string) (Kind, error) {
	for i := range kindNames {
		if s == kindNames[i] || s == kindTitles[i] {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("schema: unknown dataset kind %q; valid kinds are %s",
		s, strings.Join(kindNames, ", "))
}

// Paired reports whether records of this kind carry two locations.
func (k Kind) Paired() bool {
	return k >= OD
}

// Layout is the coordinate column convention of a table.
type Layout int

// The coordinate conventions.
const (
	CellCenter Layout = iota
	CellCorner
	OriginDestination
	LiveWork
)

func (l Layout) String() string {
	switch l {
	case CellCenter:
		return "cell-center"
	case CellCorner:
		return "cell-corner"
	case OriginDestination:
		return "origin-destination"
	case LiveWork:
		return "live-work"
	}
	return fmt.Sprintf("Layout(%d)", int(l))
}

// RawColumns returns the raw coordinate columns of the layout as
// x, y pairs. Paired layouts return the origin (or home) pair first.
func (l Layout) RawColumns() [][2]string {
	switch l {
	case CellCenter:
		return [][2]string{{CenterX, CenterY}}
	case CellCorner:
		return [][2]string{{CornerX, CornerY}}
	case OriginDestination:
		return [][2]string{{OriginX, OriginY}, {DestX, DestY}}
	case LiveWork:
		return [][2]string{{HomeX, HomeY}, {WorkX, WorkY}}
	}
	return nil
}

// Paired reports whether the layout has two coordinate pairs.
func (l Layout) Paired() bool { return l == OriginDestination || l == LiveWork }

// PopulationKind is the population definition of a resident table.
type PopulationKind int

// The population definitions. Tables without a population type column
// have PopulationNone.
const (
	PopulationNone PopulationKind = iota
	Home
	Work
	HomeWithoutWork
	WorkWithoutHome
)

var popValues = map[string]PopulationKind{
	"home":            Home,
	"work":            Work,
	"liveWithoutWork": HomeWithoutWork,
	"workWithoutLive": WorkWithoutHome,
}

func (p PopulationKind) String() string {
	for k, v := range popValues {
		if v == p {
			return k
		}
	}
	return "none"
}

// CountColumn returns the name the count column of a table with this
// population definition takes after merging.
func (p PopulationKind) CountColumn() string {
	switch p {
	case Home:
		return HomeCount
	case Work:
		return WorkCount
	case HomeWithoutWork:
		return LiveWithoutWork
	case WorkWithoutHome:
		return WorkWithoutLive
	}
	return Count
}

// Granularity is the temporal resolution of a table.
type Granularity int

// The temporal resolutions.
const (
	Daily Granularity = iota
	Hourly
)

func (g Granularity) String() string {
	if g == Hourly {
		return "hourly"
	}
	return "daily"
}

// Schema is the result of inspecting a table: it is decided once after
// reading and passed to every later stage.
type Schema struct {
	Kind        Kind
	Layout      Layout
	Population  PopulationKind
	Granularity Granularity
}

// Detect inspects the columns of t, which holds data of the given kind.
func Detect(t *table.Table, kind Kind) (Schema, error) {
	s := Schema{Kind: kind}
	l, err := DetectLayout(t)
	if err != nil {
		return s, err
	}
	s.Layout = l
	if kind.Paired() != s.Layout.Paired() {
		return s, fmt.Errorf("schema: %s: %s data must have a %s layout but the columns indicate %s",
			t.Path, kind.Title(), map[bool]string{true: "paired", false: "single-point"}[kind.Paired()], s.Layout)
	}
	if t.Has(Hour) {
		s.Granularity = Hourly
	}
	if t.Has(PopType) && t.Len() > 0 {
		p, err := population(t)
		if err != nil {
			return s, err
		}
		s.Population = p
	}
	m := ManifestFor(kind)
	if missing := t.Missing(m.Required...); len(missing) > 0 {
		return s, &flowmap.SchemaError{Path: t.Path, Stage: flowmap.StageDetect, Missing: missing}
	}
	return s, nil
}

// DetectLayout returns the coordinate convention of t. Cell-center columns
// take precedence over cell-corner columns.
func DetectLayout(t *table.Table) (Layout, error) {
	switch {
	case t.Has(CenterX, CenterY):
		return CellCenter, nil
	case t.Has(CornerX, CornerY):
		return CellCorner, nil
	case t.Has(OriginX, OriginY) || t.Has(DestX, DestY):
		return OriginDestination, nil
	case t.Has(HomeX, HomeY) || t.Has(WorkX, WorkY):
		return LiveWork, nil
	}
	return 0, &flowmap.SchemaError{
		Path:    t.Path,
		Stage:   flowmap.StageDetect,
		Missing: []string{CenterX + "|" + CornerX + "|" + OriginX + "|" + HomeX},
	}
}

func population(t *table.Table) (PopulationKind, error) {
	first := strings.TrimSpace(t.Get(0, PopType))
	p, ok := popValues[first]
	if !ok {
		return PopulationNone, fmt.Errorf("schema: %s: unknown %s value %q", t.Path, PopType, first)
	}
	for i := 1; i < t.Len(); i++ {
		if v := strings.TrimSpace(t.Get(i, PopType)); v != first {
			return PopulationNone, fmt.Errorf("schema: %s: mixed %s values %q and %q",
				t.Path, PopType, first, v)
		}
	}
	return p, nil
}
