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

// Package tensor holds dense float32 arrays of arbitrary rank in row-major
// order, with the last axis varying fastest. Image-like arrays keep their
// spatial axes last, i.e. (..., Y, X).
package tensor

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrShape is returned when data length or shapes do not match.
var ErrShape = errors.New("tensor: shape mismatch")

// A dense N-dimensional array of float32 values
type Array struct {
	Shape []int     // Axis sizes, slowest varying first
	Data  []float32 // Values in row-major order. len(Data)==product of Shape
}

// Creates a zero-filled array with the given shape. The shape is deep copied
func New(shape ...int) *Array {
	return &Array{
		Shape: append([]int(nil), shape...),
		Data:  make([]float32, Volume(shape)),
	}
}

// Wraps existing data into an array with the given shape. Data is not copied
func FromData(data []float32, shape ...int) (*Array, error) {
	if len(data) != Volume(shape) {
		return nil, errors.Wrapf(ErrShape, "%d values for shape %s", len(data), ShapeString(shape))
	}
	return &Array{Shape: append([]int(nil), shape...), Data: data}, nil
}

// Returns the number of elements covered by the given shape
func Volume(shape []int) int {
	v := 1
	for _, s := range shape {
		v *= s
	}
	return v
}

// Formats a shape like 3x64x64
func ShapeString(shape []int) string {
	b := strings.Builder{}
	for i, s := range shape {
		if i > 0 {
			b.WriteByte('x')
		}
		fmt.Fprintf(&b, "%d", s)
	}
	return b.String()
}

// Returns true if both shapes have the same rank and axis sizes
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (a *Array) Rank() int { return len(a.Shape) }

func (a *Array) Size() int { return len(a.Data) }

func (a *Array) String() string { return ShapeString(a.Shape) }

// Returns a deep copy
func (a *Array) Clone() *Array {
	return &Array{
		Shape: append([]int(nil), a.Shape...),
		Data:  append([]float32(nil), a.Data...),
	}
}

// Returns true if shapes and all values are identical
func (a *Array) Equal(b *Array) bool {
	if !SameShape(a.Shape, b.Shape) {
		return false
	}
	for i, v := range a.Data {
		if v != b.Data[i] {
			return false
		}
	}
	return true
}

// Returns a view of the i-th sub-array along the first axis. Data is shared
func (a *Array) Index(i int) *Array {
	sub := a.Shape[1:]
	n := Volume(sub)
	return &Array{
		Shape: append([]int(nil), sub...),
		Data:  a.Data[i*n : (i+1)*n],
	}
}

// Returns a view with a different shape over the same data
func (a *Array) Reshape(shape ...int) (*Array, error) {
	return FromData(a.Data, shape...)
}

// Returns a view with an additional leading axis of size one, e.g. a channel axis
func (a *Array) ExpandDims() *Array {
	return &Array{
		Shape: append([]int{1}, a.Shape...),
		Data:  a.Data,
	}
}

// Copies out the block starting at origin with the given size. Origin and size
// address the trailing len(size) axes; leading axes are copied whole.
func (a *Array) Crop(origin, size []int) (*Array, error) {
	if len(origin) != len(size) || len(size) > len(a.Shape) {
		return nil, errors.Wrapf(ErrShape, "crop of rank %d from array %s", len(size), a)
	}
	if len(size) == 0 {
		return a.Clone(), nil
	}
	lead := len(a.Shape) - len(size)
	for d := range size {
		if origin[d] < 0 || size[d] < 0 || origin[d]+size[d] > a.Shape[lead+d] {
			return nil, errors.Wrapf(ErrShape, "crop %v+%v outside array %s", origin, size, a)
		}
	}

	outShape := append(append([]int(nil), a.Shape[:lead]...), size...)
	out := New(outShape...)
	if out.Size() == 0 {
		return out, nil
	}

	// copy contiguous rows along the last axis
	rowLen := size[len(size)-1]
	rows := out.Size() / rowLen
	strides := a.strides()
	idx := make([]int, len(outShape)-1) // multi-index over all but the last axis
	for r := 0; r < rows; r++ {
		src := 0
		for d, i := range idx {
			if d >= lead {
				i += origin[d-lead]
			}
			src += i * strides[d]
		}
		src += origin[len(origin)-1]
		copy(out.Data[r*rowLen:(r+1)*rowLen], a.Data[src:src+rowLen])

		// advance multi-index
		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < outShape[d] {
				break
			}
			idx[d] = 0
		}
	}
	return out, nil
}

// Element strides for each axis
func (a *Array) strides() []int {
	s := make([]int, len(a.Shape))
	acc := 1
	for d := len(a.Shape) - 1; d >= 0; d-- {
		s[d] = acc
		acc *= a.Shape[d]
	}
	return s
}

// Stacks arrays of identical shape along a new leading axis
func Stack(arrays []*Array) (*Array, error) {
	if len(arrays) == 0 {
		return nil, errors.Wrap(ErrShape, "stack of zero arrays")
	}
	first := arrays[0].Shape
	out := New(append([]int{len(arrays)}, first...)...)
	n := Volume(first)
	for i, a := range arrays {
		if !SameShape(a.Shape, first) {
			return nil, errors.Wrapf(ErrShape, "stacking %s onto %s at %d", a, ShapeString(first), i)
		}
		copy(out.Data[i*n:(i+1)*n], a.Data)
	}
	return out, nil
}
