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

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/optimize"
)

// Counts data values between min and max into the given bins. Values outside
// [min,max] and NaNs are ignored. Returns the number of values counted
func Histogram(data []float32, min, max float32, bins []int32) (counted int) {
	for i := range bins {
		bins[i] = 0
	}
	if len(bins) == 0 || !(max > min) {
		return 0
	}
	scale := float32(len(bins)) / (max - min)
	last := len(bins) - 1
	for _, d := range data {
		if !(d >= min && d <= max) {
			continue
		}
		index := int((d - min) * scale)
		if index > last {
			index = last
		}
		bins[index]++
		counted++
	}
	return counted
}

// Returns the center and the count of the fullest histogram bin
func Peak(bins []int32, min, max float32) (x float32, y int32) {
	maxIndex, maxValue := 0, int32(math.MinInt32)
	for i, v := range bins {
		if v > maxValue {
			maxIndex, maxValue = i, v
		}
	}
	return binCenter(maxIndex, len(bins), min, max), maxValue
}

func binCenter(i, numBins int, min, max float32) float32 {
	return min + (float32(i)+0.5)*(max-min)/float32(numBins)
}

// Fits a normal distribution to the histogram and returns its mode and
// standard deviation. For microscopy frames this is the background level
// and the background noise
func ModeStdDev(bins []int32, min, max float32) (mode, stdDev float32, err error) {
	if len(bins) < 3 {
		return 0, 0, errors.Errorf("need at least 3 histogram bins, have %d", len(bins))
	}

	// initial guess from the fullest bin
	peak, peakVal := Peak(bins, min, max)
	binWidth := float64(max-min) / float64(len(bins))
	x0 := []float64{float64(peakVal) * 5 * binWidth * math.Sqrt(2*math.Pi), float64(peak), 5 * binWidth}

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			alpha, mu, sigma := x[0], x[1], x[2]
			if sigma <= 0 {
				return math.Inf(1)
			}
			scaler := alpha / (sigma * math.Sqrt(2*math.Pi))
			sumSqDiff := 0.0
			for i, y := range bins {
				c := float64(binCenter(i, len(bins), min, max))
				z := (c - mu) / sigma
				diff := float64(y) - scaler*math.Exp(-0.5*z*z)
				sumSqDiff += diff * diff
			}
			return math.Sqrt(sumSqDiff / float64(len(bins)))
		},
	}
	result, err := optimize.Minimize(problem, x0, nil, &optimize.NelderMead{})
	if err != nil {
		return 0, 0, errors.Wrap(err, "fitting histogram")
	}
	return float32(result.X[1]), float32(math.Abs(result.X[2])), nil
}
