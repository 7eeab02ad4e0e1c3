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

// Package classify divides values into legend classes.
package classify

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/spatialmodel/flowmap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Scheme is a classification method.
type Scheme string

// The supported schemes.
const (
	EqualInterval  Scheme = "equal_interval"
	Quantiles      Scheme = "quantiles"
	NaturalBreaks  Scheme = "natural_breaks"
	FisherJenks    Scheme = "fisher_jenks"
	JenksCaspall   Scheme = "jenks_caspall"
	HeadTailBreaks Scheme = "head_tail_breaks"
	UserDefined    Scheme = "user_defined"
)

// Schemes lists the supported schemes.
var Schemes = []Scheme{EqualInterval, Quantiles, NaturalBreaks, FisherJenks,
	JenksCaspall, HeadTailBreaks, UserDefined}

// ParseScheme returns the scheme with the given name.
func ParseScheme(s string) (Scheme, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "headtail_breaks" {
		return HeadTailBreaks, nil
	}
	for _, sc := range Schemes {
		if string(sc) == s {
			return sc, nil
		}
	}
	return "", &flowmap.InvalidBinsError{Scheme: s, Reason: "unknown scheme"}
}

// ErrNoValues is returned when there is nothing to classify.
var ErrNoValues = errors.New("classify: no values to classify")

// maxIterations bounds the iterative schemes.
const maxIterations = 100

// Options holds parameters that only some schemes use.
type Options struct {
	// Bins are the class upper bounds of the user_defined scheme.
	Bins []float64

	// VMin is the display minimum: values below it are excluded before
	// classifying, and it is the lower edge of the first legend class.
	// It is only used if UseVMin is true.
	VMin    float64
	UseVMin bool

	// MinHead is the smallest head that head_tail_breaks splits again.
	// The default is 2.
	MinHead int
}

// Classification is a set of class breaks.
type Classification struct {
	Scheme Scheme

	// K is the number of classes, which may be smaller than requested
	// when the data have few distinct values.
	K int

	// Breaks holds the K-1 ascending inner class boundaries. Class i
	// holds values v with Breaks[i-1] < v <= Breaks[i].
	Breaks []float64

	Min, Max float64

	VMin    float64
	UseVMin bool

	// N is the number of values classified.
	N int
}

// Classify computes the breaks of up to k classes for values.
func Classify(values []float64, scheme Scheme, k int, opts Options) (*Classification, error) {
	if k < 1 && scheme != UserDefined {
		return nil, &flowmap.InvalidBinsError{Scheme: string(scheme), Reason: fmt.Sprintf("k=%d but should be >0", k)}
	}
	x := make([]float64, 0, len(values))
	for _, v := range values {
		if math.IsNaN(v) || (opts.UseVMin && v < opts.VMin) {
			continue
		}
		x = append(x, v)
	}
	if len(x) == 0 {
		return nil, ErrNoValues
	}
	sort.Float64s(x)
	c := &Classification{
		Scheme:  scheme,
		Min:     x[0],
		Max:     x[len(x)-1],
		VMin:    opts.VMin,
		UseVMin: opts.UseVMin,
		N:       len(x),
	}
	u, w := distinct(x)
	if k > len(u) {
		k = len(u)
	}

	var breaks []float64
	switch scheme {
	case EqualInterval:
		breaks = equalInterval(c.Min, c.Max, k)
	case Quantiles:
		breaks = quantiles(x, k)
	case NaturalBreaks:
		breaks = kMeans(x, k)
	case FisherJenks:
		breaks = fisherJenks(u, w, k)
	case JenksCaspall:
		breaks = kMedians(x, k)
	case HeadTailBreaks:
		minHead := opts.MinHead
		if minHead <= 0 {
			minHead = 2
		}
		breaks = headTail(x, k, minHead)
	case UserDefined:
		var err error
		if c.Breaks, err = userDefined(opts.Bins, c.Min, c.Max); err != nil {
			return nil, err
		}
		c.K = len(c.Breaks) + 1
		return c, nil
	default:
		return nil, &flowmap.InvalidBinsError{Scheme: string(scheme), Reason: "unknown scheme"}
	}
	c.Breaks = tidy(breaks, c.Min, c.Max)
	c.K = len(c.Breaks) + 1
	return c, nil
}

// distinct returns the distinct values of sorted x and their counts.
func distinct(x []float64) (u, w []float64) {
	for i, v := range x {
		if i == 0 || v != x[i-1] {
			u = append(u, v)
			w = append(w, 0)
		}
		w[len(w)-1]++
	}
	return u, w
}

// tidy sorts breaks and removes duplicates and breaks that would leave
// the first or last class empty.
func tidy(breaks []float64, min, max float64) []float64 {
	sort.Float64s(breaks)
	var o []float64
	for _, b := range breaks {
		if b < min || b >= max || math.IsNaN(b) {
			continue
		}
		if len(o) > 0 && b <= o[len(o)-1] {
			continue
		}
		o = append(o, b)
	}
	return o
}

func equalInterval(min, max float64, k int) []float64 {
	w := (max - min) / float64(k)
	o := make([]float64, 0, k-1)
	for i := 1; i < k; i++ {
		o = append(o, min+float64(i)*w)
	}
	return o
}

func quantiles(x []float64, k int) []float64 {
	o := make([]float64, 0, k-1)
	for i := 1; i < k; i++ {
		o = append(o, stat.Quantile(float64(i)/float64(k), stat.Empirical, x, nil))
	}
	return o
}

// classesOf splits sorted x at breaks.
func classesOf(x, breaks []float64) [][]float64 {
	var o [][]float64
	start := 0
	for _, b := range breaks {
		end := sort.Search(len(x), func(i int) bool { return x[i] > b })
		if end > start {
			o = append(o, x[start:end])
		}
		start = end
	}
	if start < len(x) {
		o = append(o, x[start:])
	}
	return o
}

// kMeans refines quantile classes by repeatedly assigning every value to
// the class with the nearest mean.
func kMeans(x []float64, k int) []float64 {
	return refine(x, k, func(c []float64) float64 { return stat.Mean(c, nil) })
}

// kMedians refines quantile classes by repeatedly assigning every value
// to the class with the nearest median, which reduces the total absolute
// deviation from the class medians.
func kMedians(x []float64, k int) []float64 {
	return refine(x, k, median)
}

// median returns the median of sorted x, averaging the middle pair of an
// even number of values.
func median(x []float64) float64 {
	n := len(x)
	if n%2 == 1 {
		return x[n/2]
	}
	return (x[n/2-1] + x[n/2]) / 2
}

func refine(x []float64, k int, center func([]float64) float64) []float64 {
	breaks := tidy(quantiles(x, k), x[0], x[len(x)-1])
	for iter := 0; iter < maxIterations; iter++ {
		classes := classesOf(x, breaks)
		centers := make([]float64, len(classes))
		for i, c := range classes {
			centers[i] = center(c)
		}
		// With ascending centers, the nearest center changes at the
		// midpoints between them, so the new upper bounds are the largest
		// values below each midpoint.
		var next []float64
		for i := 1; i < len(centers); i++ {
			mid := (centers[i-1] + centers[i]) / 2
			j := sort.Search(len(x), func(j int) bool { return x[j] > mid })
			if j > 0 {
				next = append(next, x[j-1])
			}
		}
		next = tidy(next, x[0], x[len(x)-1])
		if floats.Equal(next, breaks) {
			break
		}
		breaks = next
	}
	return breaks
}

// fisherJenks finds the breaks that minimize the total within-class sum
// of squared deviations. u holds the distinct values in ascending order
// and w their counts.
func fisherJenks(u, w []float64, k int) []float64 {
	m := len(u)
	if k <= 1 {
		return nil
	}
	// Prefix sums of weights, weighted values and weighted squares.
	sw := make([]float64, m+1)
	swx := make([]float64, m+1)
	swxx := make([]float64, m+1)
	for i := range u {
		sw[i+1] = sw[i] + w[i]
		swx[i+1] = swx[i] + w[i]*u[i]
		swxx[i+1] = swxx[i] + w[i]*u[i]*u[i]
	}
	// ssd returns the squared deviation of u[a:b].
	ssd := func(a, b int) float64 {
		n := sw[b] - sw[a]
		s := swx[b] - swx[a]
		return swxx[b] - swxx[a] - s*s/n
	}

	// cost[j][i] is the smallest deviation of u[:i] in j+1 classes, and
	// last[j][i] the start of the final class in that solution.
	cost := make([][]float64, k)
	last := make([][]int, k)
	for j := range cost {
		cost[j] = make([]float64, m+1)
		last[j] = make([]int, m+1)
	}
	for i := 1; i <= m; i++ {
		cost[0][i] = ssd(0, i)
	}
	for j := 1; j < k; j++ {
		for i := j + 1; i <= m; i++ {
			best, arg := math.Inf(1), j
			for l := j; l < i; l++ {
				if c := cost[j-1][l] + ssd(l, i); c < best {
					best, arg = c, l
				}
			}
			cost[j][i] = best
			last[j][i] = arg
		}
	}
	breaks := make([]float64, k-1)
	i := m
	for j := k - 1; j > 0; j-- {
		l := last[j][i]
		breaks[j-1] = u[l-1]
		i = l
	}
	return breaks
}

// headTail splits the values at their mean and then recursively splits
// the values above the mean, the head, while the head is a minority of at
// most 40 percent and holds at least minHead values.
func headTail(x []float64, k, minHead int) []float64 {
	var breaks []float64
	data := x
	for len(breaks) < k-1 {
		m := stat.Mean(data, nil)
		j := sort.Search(len(data), func(i int) bool { return data[i] > m })
		head := data[j:]
		if len(head) == 0 {
			break
		}
		breaks = append(breaks, m)
		if len(head) < minHead || float64(len(head))/float64(len(data)) > 0.4 {
			break
		}
		data = head
	}
	return breaks
}

// userDefined checks that bins are strictly ascending and within
// [min, max] and returns them as the breaks. Every bin is kept, even one
// that leaves its class empty.
func userDefined(bins []float64, min, max float64) ([]float64, error) {
	if len(bins) == 0 {
		return nil, &flowmap.InvalidBinsError{Scheme: string(UserDefined), Reason: "no bins given"}
	}
	for i, b := range bins {
		if math.IsNaN(b) {
			return nil, &flowmap.InvalidBinsError{Scheme: string(UserDefined), Reason: "bin is not a number"}
		}
		if i > 0 && b <= bins[i-1] {
			return nil, &flowmap.InvalidBinsError{Scheme: string(UserDefined),
				Reason: fmt.Sprintf("bins must be strictly ascending but %g follows %g", b, bins[i-1])}
		}
		if b < min || b > max {
			return nil, &flowmap.InvalidBinsError{Scheme: string(UserDefined),
				Reason: fmt.Sprintf("bin %g is outside of the data range [%g, %g]", b, min, max)}
		}
	}
	return append([]float64(nil), bins...), nil
}

// Bin returns the class of v.
func (c *Classification) Bin(v float64) int {
	return sort.Search(len(c.Breaks), func(i int) bool { return v <= c.Breaks[i] })
}

// Lower returns the lower edge of the first class: the display minimum
// if one is set and otherwise the smallest value.
func (c *Classification) Lower() float64 {
	if c.UseVMin {
		return c.VMin
	}
	return c.Min
}

// Edges returns the class edges: lower, the breaks, and the largest value.
func (c *Classification) Edges(lower float64) []float64 {
	e := make([]float64, 0, c.K+1)
	e = append(e, lower)
	e = append(e, c.Breaks...)
	return append(e, c.Max)
}

// Labels returns a legend label for each class, of the form "a - b",
// pairing each class edge with the next one starting from lower. Edges are
// written as integers if they all are, and with two decimals otherwise.
func (c *Classification) Labels(lower float64) []string {
	e := c.Edges(lower)
	integral := true
	for _, v := range e {
		if v != math.Trunc(v) {
			integral = false
		}
	}
	format := func(v float64) string {
		if integral {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%.2f", v)
	}
	o := make([]string, c.K)
	for i := range o {
		o[i] = format(e[i]) + " - " + format(e[i+1])
	}
	return o
}
