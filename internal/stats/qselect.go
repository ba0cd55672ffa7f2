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

package stats

import (
	"math"
)

// Returns the k-th smallest element of a, counting from 1, using Hoare
// partitioning. Reorders a in place. a must not contain NaN
func QSelect(a []float32, k int) float32 {
	left, right := 0, len(a)-1
	for left < right {
		pivot := a[(left+right)>>1]
		l, r := left-1, right+1
		for {
			for l++; a[l] < pivot; l++ {
			}
			for r--; a[r] > pivot; r-- {
			}
			if l >= r {
				break
			}
			a[l], a[r] = a[r], a[l]
		}

		offset := r - left + 1
		if k <= offset {
			right = r
		} else {
			left = r + 1
			k -= offset
		}
	}
	return a[left]
}

// Copies the non-NaN values of data into a fresh slice
func finiteCopy(data []float32) []float32 {
	c := make([]float32, 0, len(data))
	for _, d := range data {
		if !math.IsNaN(float64(d)) {
			c = append(c, d)
		}
	}
	return c
}

// Returns the median of data, averaging the two middle elements for even
// lengths. NaNs are ignored, NaN if nothing remains. Does not modify data
func Median(data []float32) float32 {
	c := finiteCopy(data)
	n := len(c)
	if n == 0 {
		return float32(math.NaN())
	}
	upper := QSelect(c, n/2+1)
	if n&1 != 0 {
		return upper
	}
	// after selection, the lower half holds all smaller elements
	lower := c[0]
	for _, v := range c[:n/2] {
		if v > lower {
			lower = v
		}
	}
	return 0.5 * (lower + upper)
}

// Returns the value below which p percent of the data lies, using the
// nearest rank. NaNs are ignored, NaN if nothing remains. Does not modify data
func Percentile(data []float32, p float64) float32 {
	c := finiteCopy(data)
	if len(c) == 0 {
		return float32(math.NaN())
	}
	k := int(math.Ceil(p / 100 * float64(len(c))))
	if k < 1 {
		k = 1
	} else if k > len(c) {
		k = len(c)
	}
	return QSelect(c, k)
}
