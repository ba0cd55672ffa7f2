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

package tensor

// Rotates by k quarter turns counter-clockwise in the plane of the last two
// axes, like numpy.rot90(a, k, axes=(-2,-1)). Negative k turns clockwise.
// Odd k swap the last two axis sizes. Panics on arrays of rank below two.
func (a *Array) Rot90(k int) *Array {
	r := len(a.Shape)
	if r < 2 {
		panic("tensor: Rot90 needs rank >= 2")
	}
	k = ((k % 4) + 4) % 4
	if k == 0 {
		return a.Clone()
	}

	h, w := a.Shape[r-2], a.Shape[r-1]
	outShape := append([]int(nil), a.Shape...)
	if k&1 != 0 {
		outShape[r-2], outShape[r-1] = w, h
	}
	out := New(outShape...)
	oh, ow := outShape[r-2], outShape[r-1]
	plane := h * w
	if plane == 0 {
		return out
	}

	for p := 0; p < len(a.Data); p += plane {
		src, dst := a.Data[p:p+plane], out.Data[p:p+plane]
		for i := 0; i < oh; i++ {
			row := dst[i*ow : (i+1)*ow]
			for j := range row {
				switch k {
				case 1:
					row[j] = src[j*w+(w-1-i)]
				case 2:
					row[j] = src[(h-1-i)*w+(w-1-j)]
				case 3:
					row[j] = src[(h-1-j)*w+i]
				}
			}
		}
	}
	return out
}

// Mirrors along the last axis, like numpy.flip(a, axis=-1)
func (a *Array) FlipLast() *Array {
	out := New(a.Shape...)
	if len(a.Shape) == 0 || out.Size() == 0 {
		copy(out.Data, a.Data)
		return out
	}
	w := a.Shape[len(a.Shape)-1]
	for p := 0; p < len(a.Data); p += w {
		src, dst := a.Data[p:p+w], out.Data[p:p+w]
		for x, v := range src {
			dst[w-1-x] = v
		}
	}
	return out
}
