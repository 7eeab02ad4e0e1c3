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

package datum

import (
	"math"
	"testing"
)

func TestGCJ02RoundTrip(t *testing.T) {
	for _, test := range []struct{ lon, lat float64 }{
		{114.0579, 22.5431}, // Shenzhen
		{116.3975, 39.9087}, // Beijing
		{121.4737, 31.2304}, // Shanghai
	} {
		gLon, gLat := WGS84ToGCJ02(test.lon, test.lat)
		if math.Abs(gLon-test.lon) < 1e-4 && math.Abs(gLat-test.lat) < 1e-4 {
			t.Errorf("no offset applied at (%g, %g)", test.lon, test.lat)
		}
		wLon, wLat := GCJ02ToWGS84(gLon, gLat)
		if math.Abs(wLon-test.lon) > 2e-5 || math.Abs(wLat-test.lat) > 2e-5 {
			t.Errorf("approximate inverse (%g, %g) too far from (%g, %g)", wLon, wLat, test.lon, test.lat)
		}
		eLon, eLat := GCJ02ToWGS84Exact(gLon, gLat)
		if math.Abs(eLon-test.lon) > 1e-8 || math.Abs(eLat-test.lat) > 1e-8 {
			t.Errorf("exact inverse (%g, %g) too far from (%g, %g)", eLon, eLat, test.lon, test.lat)
		}
	}
}

func TestOutOfChina(t *testing.T) {
	lon, lat := GCJ02ToWGS84(-0.1276, 51.5072)
	if lon != -0.1276 || lat != 51.5072 {
		t.Errorf("points outside China must pass through unchanged, got (%g, %g)", lon, lat)
	}
}

func TestBD09RoundTrip(t *testing.T) {
	lon, lat := 114.0579, 22.5431
	bLon, bLat := GCJ02ToBD09(lon, lat)
	gLon, gLat := BD09ToGCJ02(bLon, bLat)
	if math.Abs(gLon-lon) > 1e-5 || math.Abs(gLat-lat) > 1e-5 {
		t.Errorf("have (%g, %g), want (%g, %g)", gLon, gLat, lon, lat)
	}
}

func TestToWGS84(t *testing.T) {
	for _, name := range []string{"", "gcj02", "GCJ-02", "bd09", "wgs84"} {
		if _, err := ToWGS84(name); err != nil {
			t.Errorf("%s: %v", name, err)
		}
	}
	if _, err := ToWGS84("cgcs2000"); err == nil {
		t.Error("expected an error for an unsupported datum")
	}
}
