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

// Package datum converts longitude/latitude coordinates between the
// obfuscated datums used by Chinese web map providers (GCJ-02 and BD-09)
// and WGS-84.
package datum

import (
	"fmt"
	"math"
	"strings"
)

// Func converts a longitude/latitude pair from one datum to another.
type Func func(lon, lat float64) (float64, float64)

// Krasovsky 1940 ellipsoid parameters used by the GCJ-02 offset.
const (
	semiMajor = 6378245.0
	eccSq     = 0.00669342162296594323
	bdPi      = math.Pi * 3000.0 / 180.0
)

// OutOfChina reports whether a point falls outside the area where the
// GCJ-02 offset is applied. Such points are passed through unchanged.
func OutOfChina(lon, lat float64) bool {
	return lon < 72.004 || lon > 137.8347 || lat < 0.8293 || lat > 55.8271
}

// WGS84ToGCJ02 applies the GCJ-02 offset.
func WGS84ToGCJ02(lon, lat float64) (float64, float64) {
	if OutOfChina(lon, lat) {
		return lon, lat
	}
	dLon, dLat := offset(lon, lat)
	return lon + dLon, lat + dLat
}

// GCJ02ToWGS84 removes the GCJ-02 offset by subtracting the offset
// evaluated at the input point. The error is of the order of 1 m.
func GCJ02ToWGS84(lon, lat float64) (float64, float64) {
	if OutOfChina(lon, lat) {
		return lon, lat
	}
	dLon, dLat := offset(lon, lat)
	return lon - dLon, lat - dLat
}

// GCJ02ToWGS84Exact removes the GCJ-02 offset by fixed-point iteration
// until the forward transform reproduces the input to within 1e-9 degrees.
func GCJ02ToWGS84Exact(lon, lat float64) (float64, float64) {
	if OutOfChina(lon, lat) {
		return lon, lat
	}
	wLon, wLat := GCJ02ToWGS84(lon, lat)
	for i := 0; i < 30; i++ {
		gLon, gLat := WGS84ToGCJ02(wLon, wLat)
		dLon, dLat := gLon-lon, gLat-lat
		if math.Abs(dLon) < 1e-9 && math.Abs(dLat) < 1e-9 {
			break
		}
		wLon -= dLon
		wLat -= dLat
	}
	return wLon, wLat
}

// GCJ02ToBD09 converts GCJ-02 coordinates to BD-09.
func GCJ02ToBD09(lon, lat float64) (float64, float64) {
	z := math.Sqrt(lon*lon+lat*lat) + 0.00002*math.Sin(lat*bdPi)
	theta := math.Atan2(lat, lon) + 0.000003*math.Cos(lon*bdPi)
	return z*math.Cos(theta) + 0.0065, z*math.Sin(theta) + 0.006
}

// BD09ToGCJ02 converts BD-09 coordinates to GCJ-02.
func BD09ToGCJ02(lon, lat float64) (float64, float64) {
	x, y := lon-0.0065, lat-0.006
	z := math.Sqrt(x*x+y*y) - 0.00002*math.Sin(y*bdPi)
	theta := math.Atan2(y, x) - 0.000003*math.Cos(x*bdPi)
	return z * math.Cos(theta), z * math.Sin(theta)
}

// BD09ToWGS84 converts BD-09 coordinates to WGS-84.
func BD09ToWGS84(lon, lat float64) (float64, float64) {
	return GCJ02ToWGS84(BD09ToGCJ02(lon, lat))
}

// Identity returns its input.
func Identity(lon, lat float64) (float64, float64) { return lon, lat }

// ToWGS84 returns the function that converts coordinates in the named
// source datum to WGS-84. Accepted names are "gcj02", "bd09" and "wgs84".
func ToWGS84(source string) (Func, error) {
	switch strings.ToLower(strings.Replace(source, "-", "", -1)) {
	case "gcj02", "":
		return GCJ02ToWGS84, nil
	case "bd09":
		return BD09ToWGS84, nil
	case "wgs84":
		return Identity, nil
	}
	return nil, fmt.Errorf("datum: unsupported source datum %q", source)
}

func offset(lon, lat float64) (dLon, dLat float64) {
	x, y := lon-105.0, lat-35.0
	dLat = offsetLat(x, y)
	dLon = offsetLon(x, y)
	radLat := lat / 180.0 * math.Pi
	magic := math.Sin(radLat)
	magic = 1 - eccSq*magic*magic
	sqrtMagic := math.Sqrt(magic)
	dLat = (dLat * 180.0) / ((semiMajor * (1 - eccSq)) / (magic * sqrtMagic) * math.Pi)
	dLon = (dLon * 180.0) / (semiMajor / sqrtMagic * math.Cos(radLat) * math.Pi)
	return dLon, dLat
}

func offsetLat(x, y float64) float64 {
	r := -100.0 + 2.0*x + 3.0*y + 0.2*y*y + 0.1*x*y + 0.2*math.Sqrt(math.Abs(x))
	r += (20.0*math.Sin(6.0*x*math.Pi) + 20.0*math.Sin(2.0*x*math.Pi)) * 2.0 / 3.0
	r += (20.0*math.Sin(y*math.Pi) + 40.0*math.Sin(y/3.0*math.Pi)) * 2.0 / 3.0
	r += (160.0*math.Sin(y/12.0*math.Pi) + 320*math.Sin(y*math.Pi/30.0)) * 2.0 / 3.0
	return r
}

func offsetLon(x, y float64) float64 {
	r := 300.0 + x + 2.0*y + 0.1*x*x + 0.1*x*y + 0.1*math.Sqrt(math.Abs(x))
	r += (20.0*math.Sin(6.0*x*math.Pi) + 20.0*math.Sin(2.0*x*math.Pi)) * 2.0 / 3.0
	r += (20.0*math.Sin(x*math.Pi) + 40.0*math.Sin(x/3.0*math.Pi)) * 2.0 / 3.0
	r += (150.0*math.Sin(x/12.0*math.Pi) + 300.0*math.Sin(x/30.0*math.Pi)) * 2.0 / 3.0
	return r
}
