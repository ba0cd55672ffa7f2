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

// Package fits reads and writes images in FITS and TIFF format, and converts
// them to and from dense arrays.
package fits

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/mlnoga/careprep/internal/stats"
	"github.com/mlnoga/careprep/internal/tensor"
)

// A FITS image.
// Standard here: https://fits.gsfc.nasa.gov/standard40/fits_standard40aa-le.pdf
// Primer here: https://fits.gsfc.nasa.gov/fits_primer.html
type Image struct {
	ID       int    // Sequential ID number, for log output
	FileName string // Original file name, if any, for log output

	Header Header  // Keys, values, comments and history entries not consumed while reading
	Bitpix int32   // Bits per pixel value from the header. Positive values are integral, negative floating
	Bzero  float32 // Zero offset. True pixel value is Bzero + Bscale * Data[i]
	Bscale float32 // Value scaler. True pixel value is Bzero + Bscale * Data[i]
	Naxisn []int32 // Axis dimensions. Most quickly varying dimension first (i.e. X,Y)
	Pixels int32   // Number of pixels in the image. Product of Naxisn[]

	Data []float32 // The image data, with Bzero and Bscale applied

	Exposure float32      // Image exposure in seconds
	Stats    *stats.Stats // Basic image statistics
}

// FITS header data
type Header struct {
	Bools    map[string]bool
	Ints     map[string]int32
	Floats   map[string]float32
	Strings  map[string]string
	Dates    map[string]string
	Comments []string
	History  []string
	End      bool
	Length   int32
}

const fitsBlockSize int = 2880 // Block size of FITS header and data units
const HeaderLineSize int = 80  // Line size of a FITS header

// Creates a FITS header initialized with empty maps
func NewHeader() Header {
	return Header{
		Bools:   make(map[string]bool),
		Ints:    make(map[string]int32),
		Floats:  make(map[string]float32),
		Strings: make(map[string]string),
		Dates:   make(map[string]string),
	}
}

// Creates a FITS image initialized with empty header
func NewImage() *Image {
	return &Image{
		Header: NewHeader(),
		Bscale: 1,
	}
}

// Creates a float32 FITS image with given axis dimensions. Data is not copied, allocated if nil
func NewImageFromNaxisn(naxisn []int32, data []float32) *Image {
	numPixels := int32(1)
	for _, naxis := range naxisn {
		numPixels *= naxis
	}
	if data == nil {
		data = make([]float32, numPixels)
	}
	return &Image{
		Header: NewHeader(),
		Bitpix: -32,
		Bscale: 1,
		Naxisn: append([]int32(nil), naxisn...),
		Pixels: numPixels,
		Data:   data,
		Stats:  stats.Calc(data),
	}
}

// Creates a FITS image sharing the data of the given array. The slowest
// varying array axis becomes the last FITS axis
func NewImageFromArray(a *tensor.Array) *Image {
	naxisn := make([]int32, len(a.Shape))
	for i, d := range a.Shape {
		naxisn[len(a.Shape)-1-i] = int32(d)
	}
	return NewImageFromNaxisn(naxisn, a.Data)
}

// Returns an array view on the image data, shaped (..., Y, X)
func (f *Image) ToArray() (*tensor.Array, error) {
	shape := make([]int, len(f.Naxisn))
	for i, n := range f.Naxisn {
		shape[len(f.Naxisn)-1-i] = int(n)
	}
	a, err := tensor.FromData(f.Data, shape...)
	if err != nil {
		return nil, errors.Wrapf(err, "%d: image %s", f.ID, f.FileName)
	}
	return a, nil
}

func (f *Image) DimensionsToString() string {
	b := strings.Builder{}
	for i, naxis := range f.Naxisn {
		if i > 0 {
			fmt.Fprintf(&b, "x%d", naxis)
		} else {
			fmt.Fprintf(&b, "%d", naxis)
		}
	}
	return b.String()
}
