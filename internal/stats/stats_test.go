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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fastrand"
)

func TestCalcIsPopulationStats(t *testing.T) {
	s := Calc([]float32{1, 2, 3}, []float32{4})
	assert.Equal(t, float32(1), s.Min)
	assert.Equal(t, float32(4), s.Max)
	assert.InDelta(t, 2.5, s.Mean, 1e-6)
	assert.InDelta(t, math.Sqrt(1.25), s.StdDev, 1e-6)
	assert.Equal(t, 4, s.Count)
}

func TestCalcEmpty(t *testing.T) {
	s := Calc()
	assert.Equal(t, 0, s.Count)
	assert.True(t, math.IsNaN(float64(s.Mean)))
}

func TestHistogramCountsAndPeak(t *testing.T) {
	data := []float32{0, 0.1, 0.5, 0.5, 0.55, 1, 2, float32(math.NaN())}
	bins := make([]int32, 10)
	counted := Histogram(data, 0, 1, bins)
	assert.Equal(t, 6, counted)
	assert.Equal(t, int32(3), bins[5])
	assert.Equal(t, int32(1), bins[9]) // max falls into the last bin

	x, y := Peak(bins, 0, 1)
	assert.InDelta(t, 0.55, x, 1e-6)
	assert.Equal(t, int32(3), y)
}

func TestModeStdDevOfGaussian(t *testing.T) {
	rng := fastrand.RNG{}
	rng.Seed(12345)

	// Box-Muller samples with mean 100 and sigma 10
	data := make([]float32, 200000)
	for i := 0; i < len(data); i += 2 {
		u1 := (float64(rng.Uint32()) + 1) / (float64(math.MaxUint32) + 2)
		u2 := float64(rng.Uint32()) / float64(math.MaxUint32)
		r := math.Sqrt(-2 * math.Log(u1))
		data[i] = float32(100 + 10*r*math.Cos(2*math.Pi*u2))
		data[i+1] = float32(100 + 10*r*math.Sin(2*math.Pi*u2))
	}

	bins := make([]int32, 200)
	Histogram(data, 50, 150, bins)
	mode, sigma, err := ModeStdDev(bins, 50, 150)
	require.NoError(t, err)
	assert.InDelta(t, 100, mode, 1.5)
	assert.InDelta(t, 10, sigma, 1.5)
}
