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

// Package render draws classified cells and flows as images.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"math"
	"strings"

	"github.com/ctessum/geom"
	"github.com/spatialmodel/flowmap/classify"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette/brewer"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

// Margin is the distance in meters by which the plot extent exceeds the
// bounds of the boundary layer.
const Margin = 100.

// Context holds everything a rendering needs besides the data. There is
// no package-level plot state.
type Context struct {
	Title string

	// Basemap names the background tile set. Tiles are not fetched; the
	// name is recorded in the image legend.
	Basemap string

	// Cmap is a ColorBrewer palette name, such as "OrRd".
	Cmap string

	// Alpha is the opacity of the class colors, between 0 and 1.
	Alpha float64

	// Width is the image width. The height follows from the aspect ratio
	// of Extent.
	Width vg.Length

	// Extent is the area drawn, in the projected coordinates of the data.
	Extent *geom.Bounds

	// Boundary is drawn as a dashed grey outline over the data.
	Boundary []geom.Polygonal
}

// NewContext returns a context with the default image size whose extent
// is the bounds of boundary expanded by Margin.
func NewContext(title, basemap, cmap string, alpha float64, boundary []geom.Polygonal) Context {
	b := geom.NewBounds()
	for _, p := range boundary {
		b.Extend(p.Bounds())
	}
	b.Min.X, b.Min.Y = b.Min.X-Margin, b.Min.Y-Margin
	b.Max.X, b.Max.Y = b.Max.X+Margin, b.Max.Y+Margin
	return Context{
		Title:    title,
		Basemap:  basemap,
		Cmap:     cmap,
		Alpha:    alpha,
		Width:    8 * vg.Inch,
		Extent:   b,
		Boundary: boundary,
	}
}

// Feature is a polygon with a value to classify.
type Feature struct {
	geom.Polygonal
	Value float64
}

// Flow is a line from an origin to a destination with a value to
// classify.
type Flow struct {
	From, To geom.Point
	Value    float64
}

// Palette returns k colors of the named ColorBrewer palette with the
// given opacity.
func Palette(name string, k int, alpha float64) ([]color.Color, error) {
	if k < 1 {
		return nil, fmt.Errorf("render: %d colors requested", k)
	}
	n := k
	if n < 3 {
		n = 3
	}
	p, err := brewer.GetPalette(brewer.TypeAny, name, n)
	if err != nil {
		return nil, fmt.Errorf("render: palette %q with %d colors: %v", name, n, err)
	}
	all := p.Colors()
	o := make([]color.Color, k)
	for i := range o {
		// With fewer than three classes, use the ends of the palette.
		j := i
		if k < n && k > 1 {
			j = i * (n - 1) / (k - 1)
		} else if k == 1 {
			j = n - 1
		}
		o[i] = withAlpha(all[j], alpha)
	}
	return o, nil
}

func withAlpha(c color.Color, alpha float64) color.Color {
	n := color.NRGBAModel.Convert(c).(color.NRGBA)
	a := math.Max(0, math.Min(1, alpha))
	n.A = uint8(math.Round(float64(n.A) * a))
	return n
}

// newPlot sets up a plot without axes covering the context extent.
func newPlot(ctx Context) (*plot.Plot, error) {
	if ctx.Extent == nil || ctx.Extent.Empty() {
		return nil, fmt.Errorf("render: no plot extent")
	}
	p := plot.New()
	p.Title.Text = ctx.Title
	p.X.Min, p.X.Max = ctx.Extent.Min.X, ctx.Extent.Max.X
	p.Y.Min, p.Y.Max = ctx.Extent.Min.Y, ctx.Extent.Max.Y
	p.HideAxes()
	p.Legend.Top = false
	p.Legend.Left = false
	p.Legend.ThumbnailWidth = 0.2 * vg.Inch
	return p, nil
}

func (ctx Context) size() (w, h vg.Length) {
	w = ctx.Width
	if w <= 0 {
		w = 8 * vg.Inch
	}
	dx := ctx.Extent.Max.X - ctx.Extent.Min.X
	dy := ctx.Extent.Max.Y - ctx.Extent.Min.Y
	// Room for the title.
	h = w*vg.Length(dy/dx) + 0.5*vg.Inch
	return w, h
}

// legend adds one entry per class to p, and the basemap name.
func legend(p *plot.Plot, ctx Context, c *classify.Classification, colors []color.Color) {
	for i, l := range c.Labels(c.Lower()) {
		p.Legend.Add(l, swatch{colors[i]})
	}
	if ctx.Basemap != "" {
		p.Legend.Add(strings.TrimSpace("底图: "+ctx.Basemap), swatch{color.Transparent})
	}
}

type swatch struct{ color.Color }

// Thumbnail implements the plot.Thumbnailer interface.
func (s swatch) Thumbnail(c *draw.Canvas) {
	r := c.Rectangle
	c.FillPolygon(s.Color, []vg.Point{r.Min, {X: r.Max.X, Y: r.Min.Y}, r.Max, {X: r.Min.X, Y: r.Max.Y}})
}

// Image draws the features of one frame, colored by class, and returns
// the raster.
func Image(ctx Context, features []Feature, c *classify.Classification) (image.Image, error) {
	cv, err := choropleth(ctx, features, c)
	if err != nil {
		return nil, err
	}
	return cv.Image(), nil
}

// Choropleth draws the features colored by class and returns a PNG
// image. Features with values below the display minimum are not drawn.
func Choropleth(ctx Context, features []Feature, c *classify.Classification) ([]byte, error) {
	cv, err := choropleth(ctx, features, c)
	if err != nil {
		return nil, err
	}
	return pngBytes(cv)
}

func choropleth(ctx Context, features []Feature, c *classify.Classification) (*vgimg.Canvas, error) {
	p, err := newPlot(ctx)
	if err != nil {
		return nil, err
	}
	colors, err := Palette(ctx.Cmap, c.K, ctx.Alpha)
	if err != nil {
		return nil, err
	}
	fill := &polygons{fill: make([]color.Color, 0, len(features))}
	for _, f := range features {
		if c.UseVMin && f.Value < c.VMin {
			continue
		}
		fill.shapes = append(fill.shapes, f.Polygonal)
		fill.fill = append(fill.fill, colors[c.Bin(f.Value)])
	}
	p.Add(fill, outline(ctx.Boundary))
	legend(p, ctx, c, colors)
	return drawPlot(ctx, p), nil
}

// FlowLines draws a line for each flow, colored and weighted by class, and
// returns a PNG image.
func FlowLines(ctx Context, flows []Flow, c *classify.Classification) ([]byte, error) {
	p, err := newPlot(ctx)
	if err != nil {
		return nil, err
	}
	colors, err := Palette(ctx.Cmap, c.K, ctx.Alpha)
	if err != nil {
		return nil, err
	}
	l := &lines{}
	for _, f := range flows {
		if c.UseVMin && f.Value < c.VMin {
			continue
		}
		class := c.Bin(f.Value)
		l.segments = append(l.segments, [2]geom.Point{f.From, f.To})
		l.styles = append(l.styles, draw.LineStyle{
			Color: colors[class],
			Width: vg.Points(0.5 + 1.5*float64(class)/float64(c.K)),
		})
	}
	p.Add(outline(ctx.Boundary), l)
	legend(p, ctx, c, colors)
	return pngBytes(drawPlot(ctx, p))
}

func drawPlot(ctx Context, p *plot.Plot) *vgimg.Canvas {
	w, h := ctx.size()
	cv := vgimg.New(w, h)
	p.Draw(draw.New(cv))
	return cv
}

func pngBytes(cv *vgimg.Canvas) ([]byte, error) {
	var b bytes.Buffer
	if _, err := (vgimg.PngCanvas{Canvas: cv}).WriteTo(&b); err != nil {
		return nil, fmt.Errorf("render: encoding png: %v", err)
	}
	return b.Bytes(), nil
}

// polygons is a plotter that fills and outlines polygons.
type polygons struct {
	shapes []geom.Polygonal
	fill   []color.Color
	line   *draw.LineStyle
}

func outline(boundary []geom.Polygonal) *polygons {
	return &polygons{
		shapes: boundary,
		line: &draw.LineStyle{
			Color:  color.Gray{Y: 128},
			Width:  vg.Points(1),
			Dashes: []vg.Length{vg.Points(4), vg.Points(2)},
		},
	}
}

// Plot implements the plot.Plotter interface.
func (ps *polygons) Plot(c draw.Canvas, p *plot.Plot) {
	trX, trY := p.Transforms(&c)
	for i, s := range ps.shapes {
		for _, poly := range s.Polygons() {
			for r, ring := range poly {
				pts := make([]vg.Point, len(ring))
				for j, pt := range ring {
					pts[j] = vg.Point{X: trX(pt.X), Y: trY(pt.Y)}
				}
				if ps.fill != nil && r == 0 {
					c.FillPolygon(ps.fill[i], pts)
				}
				if ps.line != nil {
					c.StrokeLines(*ps.line, c.ClipLinesXY(pts)...)
				}
			}
		}
	}
}

// lines is a plotter that draws straight segments.
type lines struct {
	segments [][2]geom.Point
	styles   []draw.LineStyle
}

// Plot implements the plot.Plotter interface.
func (l *lines) Plot(c draw.Canvas, p *plot.Plot) {
	trX, trY := p.Transforms(&c)
	for i, s := range l.segments {
		pts := []vg.Point{
			{X: trX(s[0].X), Y: trY(s[0].Y)},
			{X: trX(s[1].X), Y: trY(s[1].Y)},
		}
		c.StrokeLines(l.styles[i], c.ClipLinesXY(pts)...)
	}
}
