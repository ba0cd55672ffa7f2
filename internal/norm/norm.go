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

// Package norm standardizes pixel intensities with dataset-wide statistics.
//
// Statistics are computed once per image role over a whole split, never per
// patch. Noisy sources and clean targets have different intensity regimes, so
// each role carries its own Stats and the two are never mixed.
package norm

import (
	"fmt"

	"github.com/mlnoga/careprep/internal/stats"
	"github.com/mlnoga/careprep/internal/tensor"
)

// Location and scale used to standardize one image role
type Stats struct {
	Mean   float32 `json:"mean"   yaml:"mean"`
	StdDev float32 `json:"stdDev" yaml:"stdDev"`
}

func (s Stats) String() string {
	return fmt.Sprintf("mean %.6g std %.6g", s.Mean, s.StdDev)
}

// Computes mean and population standard deviation jointly over all pixels of all arrays
func Compute(arrays []*tensor.Array) Stats {
	data := make([][]float32, len(arrays))
	for i, a := range arrays {
		data[i] = a.Data
	}
	s := stats.Calc(data...)
	return Stats{Mean: s.Mean, StdDev: s.StdDev}
}

// Returns (a-mean)/std as a new array of the same shape. A zero std is not
// guarded against; the resulting infinities and NaNs propagate to the caller
func Normalize(a *tensor.Array, mean, std float32) *tensor.Array {
	out := tensor.New(a.Shape...)
	for i, v := range a.Data {
		out.Data[i] = (v - mean) / std
	}
	return out
}

// Returns a*std+mean as a new array, the inverse of Normalize. Used to bring
// model output back to physical intensities
func Denormalize(a *tensor.Array, mean, std float32) *tensor.Array {
	out := tensor.New(a.Shape...)
	for i, v := range a.Data {
		out.Data[i] = v*std + mean
	}
	return out
}

func (s Stats) Normalize(a *tensor.Array) *tensor.Array { return Normalize(a, s.Mean, s.StdDev) }

func (s Stats) Denormalize(a *tensor.Array) *tensor.Array { return Denormalize(a, s.Mean, s.StdDev) }
