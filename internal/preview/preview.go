// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package preview renders patch pairs into a false-color JPEG montage for
// visual inspection of sampling and augmentation.
package preview

import (
	"bufio"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"math"
	"os"

	"github.com/lucasb-eyer/go-colorful"
	"github.com/pkg/errors"

	"github.com/mlnoga/careprep/internal/stats"
	"github.com/mlnoga/careprep/internal/tensor"
)

// A color stop of a gradient, at position Pos in [0,1]
type Keypoint struct {
	Col colorful.Color
	Pos float64
}

// A piecewise colormap, interpolated in HCL space. Positions must ascend
type Gradient []Keypoint

// Dark violet through teal to yellow, close to matplotlib's viridis
var Viridis = Gradient{
	{mustParseHex("#440154"), 0.0},
	{mustParseHex("#3b528b"), 0.25},
	{mustParseHex("#21918c"), 0.5},
	{mustParseHex("#5ec962"), 0.75},
	{mustParseHex("#fde725"), 1.0},
}

// Grayscale ramp
var Gray = Gradient{
	{colorful.Color{R: 0, G: 0, B: 0}, 0},
	{colorful.Color{R: 1, G: 1, B: 1}, 1},
}

func mustParseHex(s string) colorful.Color {
	c, err := colorful.Hex(s)
	if err != nil {
		panic("preview: bad hex color " + s)
	}
	return c
}

// Returns the color at t, clamped to [0,1]
func (g Gradient) At(t float64) colorful.Color {
	if math.IsNaN(t) || t <= g[0].Pos {
		return g[0].Col
	}
	if last := g[len(g)-1]; t >= last.Pos {
		return last.Col
	}
	for i := 0; i < len(g)-1; i++ {
		c1, c2 := g[i], g[i+1]
		if c1.Pos <= t && t <= c2.Pos {
			return c1.Col.BlendHcl(c2.Col, (t-c1.Pos)/(c2.Pos-c1.Pos)).Clamped()
		}
	}
	return g[len(g)-1].Col
}

// One input and target patch, shown side by side
type Pair struct {
	Input  *tensor.Array
	Target *tensor.Array
}

// Layout of a montage
type Options struct {
	Columns  int      // pairs per row
	Gap      int      // pixels between tiles
	Gradient Gradient // colormap, Viridis if nil
	Clip     float64  // percent of values clipped at either end of each tile
}

var background = color.RGBA{R: 32, G: 32, B: 32, A: 255}

// Renders pairs into a grid, input left of target. Each tile is stretched
// from its own min to max, or between percentiles if Clip is set. Arrays
// with leading axes show their first plane
func Montage(pairs []Pair, opts Options) (*image.RGBA, error) {
	if len(pairs) == 0 {
		return nil, errors.New("preview: no pairs to render")
	}
	if opts.Columns <= 0 {
		opts.Columns = int(math.Ceil(math.Sqrt(float64(len(pairs)))))
	}
	if opts.Gradient == nil {
		opts.Gradient = Viridis
	}

	h, w, err := planeSize(pairs[0].Input)
	if err != nil {
		return nil, err
	}
	for i, p := range pairs {
		for _, a := range []*tensor.Array{p.Input, p.Target} {
			ph, pw, err := planeSize(a)
			if err != nil {
				return nil, err
			}
			if ph != h || pw != w {
				return nil, errors.Errorf("preview: pair %d has plane %dx%d, want %dx%d", i, ph, pw, h, w)
			}
		}
	}

	rows := (len(pairs) + opts.Columns - 1) / opts.Columns
	cellW, cellH := 2*w+opts.Gap, h
	width := opts.Columns*cellW + (opts.Columns+1)*opts.Gap
	height := rows*cellH + (rows+1)*opts.Gap
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = background.R, background.G, background.B, background.A
	}

	for i, p := range pairs {
		x0 := opts.Gap + (i%opts.Columns)*(cellW+opts.Gap)
		y0 := opts.Gap + (i/opts.Columns)*(cellH+opts.Gap)
		drawTile(img, p.Input, x0, y0, h, w, opts)
		drawTile(img, p.Target, x0+w+opts.Gap, y0, h, w, opts)
	}
	return img, nil
}

func planeSize(a *tensor.Array) (h, w int, err error) {
	if a == nil || a.Rank() < 2 {
		return 0, 0, errors.New("preview: need arrays with at least two axes")
	}
	return a.Shape[a.Rank()-2], a.Shape[a.Rank()-1], nil
}

// Returns the display range of a plane
func tileRange(plane []float32, clip float64) (min, max float32) {
	if clip > 0 {
		return stats.Percentile(plane, clip), stats.Percentile(plane, 100-clip)
	}
	min, max = float32(math.Inf(1)), float32(math.Inf(-1))
	for _, v := range plane {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return min, max
}

func drawTile(img *image.RGBA, a *tensor.Array, x0, y0, h, w int, opts Options) {
	plane := a.Data[:h*w]
	min, max := tileRange(plane, opts.Clip)
	span := float64(max - min)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			t := 0.0
			if span > 0 {
				t = float64(plane[y*w+x]-min) / span
			}
			img.Set(x0+x, y0+y, opts.Gradient.At(t))
		}
	}
}

// Writes the montage as JPEG with the given quality
func WriteJPEG(w io.Writer, img image.Image, quality int) error {
	return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
}

func WriteJPEGToFile(fileName string, img image.Image, quality int) (err error) {
	file, err := os.Create(fileName)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := file.Close(); err == nil {
			err = cerr
		}
	}()
	writer := bufio.NewWriter(file)
	if err = WriteJPEG(writer, img, quality); err != nil {
		return err
	}
	return writer.Flush()
}
