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

// Package stats computes summary statistics and histograms over pixel data.
package stats

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Basic statistics on data arrays
type Stats struct {
	Min    float32 `json:"min"    yaml:"min"`
	Max    float32 `json:"max"    yaml:"max"`
	Mean   float32 `json:"mean"   yaml:"mean"`
	StdDev float32 `json:"stdDev" yaml:"stdDev"` // population standard deviation
	Count  int     `json:"count"  yaml:"count"`
}

// Pretty print basic stats to string
func (s *Stats) String() string {
	return fmt.Sprintf("Min %.6g Max %.6g Mean %.6g StdDev %.6g", s.Min, s.Max, s.Mean, s.StdDev)
}

// Pretty print basic stats to CSV header
func (s *Stats) ToCSVHeader() string {
	return "Min,Max,Mean,StdDev,Count"
}

// Pretty print basic stats to CSV line item
func (s *Stats) ToCSVLine() string {
	return fmt.Sprintf("%.6g,%.6g,%.6g,%.6g,%d", s.Min, s.Max, s.Mean, s.StdDev, s.Count)
}

// Calculates basic statistics jointly over all given data slices, as if they
// were concatenated. Returns zero stats with NaN mean and deviation for empty input
func Calc(data ...[]float32) *Stats {
	n := 0
	for _, d := range data {
		n += len(d)
	}
	if n == 0 {
		nan := float32(math.NaN())
		return &Stats{Mean: nan, StdDev: nan}
	}

	xs := make([]float64, 0, n)
	for _, d := range data {
		for _, v := range d {
			xs = append(xs, float64(v))
		}
	}
	mean, std := stat.PopMeanStdDev(xs, nil)
	return &Stats{
		Min:    float32(floats.Min(xs)),
		Max:    float32(floats.Max(xs)),
		Mean:   float32(mean),
		StdDev: float32(std),
		Count:  n,
	}
}
