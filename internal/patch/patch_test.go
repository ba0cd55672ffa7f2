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

package patch

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fastrand"

	"github.com/mlnoga/careprep/internal/norm"
	"github.com/mlnoga/careprep/internal/tensor"
)

func seeded(seed uint32) *fastrand.RNG {
	rng := &fastrand.RNG{}
	rng.Seed(seed)
	return rng
}

func ramp(shape ...int) *tensor.Array {
	a := tensor.New(shape...)
	for i := range a.Data {
		a.Data[i] = float32(i)
	}
	return a
}

func TestCount(t *testing.T) {
	assert.Equal(t, 7, Count([]int{10, 10}, []int{4, 4}))
	assert.Equal(t, 4, Count([]int{8, 8}, []int{4, 4}))
	assert.Equal(t, 1, Count([]int{3, 3}, []int{3, 3}))
	assert.Equal(t, 7, Count([]int{2, 10, 10}, []int{4, 4}), "leading axes do not count")
	assert.Equal(t, 8, Count([]int{4, 8, 8}, []int{2, 4, 4}), "all patch axes are spatial")
	assert.Equal(t, 4, Count([]int{4, 8, 8}, []int{4, 4}))
	assert.Equal(t, 0, Count([]int{8, 8}, []int{1, 4, 4}), "patch rank above image rank")
	assert.Equal(t, 0, Count([]int{8, 8}, nil))
}

func TestCreateTenByTenExample(t *testing.T) {
	img := tensor.New(10, 10)
	set, err := Create([]*tensor.Array{img}, []*tensor.Array{img.Clone()}, []int{4, 4}, seeded(1))
	require.NoError(t, err)
	require.Equal(t, 7, set.Len())
	assert.Equal(t, []int{7, 4, 4}, set.Inputs.Shape)
	assert.True(t, set.Inputs.Equal(set.Targets))

	for i := 0; i < set.Len(); i++ {
		p := set.Inputs.Index(i)
		assert.True(t, norm.Normalize(p, 0, 1).Equal(p))
		assert.True(t, norm.Denormalize(norm.Normalize(p, 0, 1), 0, 1).Equal(p))
	}
}

func TestCreateCoordinatesAndPairing(t *testing.T) {
	src := []*tensor.Array{ramp(13, 17), ramp(9, 20)}
	tgt := []*tensor.Array{ramp(13, 17), ramp(9, 20)}
	for _, a := range tgt {
		for i := range a.Data {
			a.Data[i] = a.Data[i]*3 + 1
		}
	}
	size := []int{5, 6}

	set, err := Create(src, tgt, size, seeded(42))
	require.NoError(t, err)
	require.Equal(t, Count(src[0].Shape, size)+Count(src[1].Shape, size), set.Len())

	for k := 0; k < set.Len(); k++ {
		img := src[set.Images[k]]
		o := set.Origins[k]
		for d := range size {
			assert.GreaterOrEqual(t, o[d], 0)
			assert.LessOrEqual(t, o[d], img.Shape[d]-size[d])
		}
		want, err := img.Crop(o, size)
		require.NoError(t, err)
		assert.Equal(t, want.Data, set.Inputs.Index(k).Data, "patch %d", k)
		for i, v := range set.Inputs.Index(k).Data {
			assert.Equal(t, v*3+1, set.Targets.Index(k).Data[i])
		}
	}
	// images are visited in order
	assert.Equal(t, 0, set.Images[0])
	assert.Equal(t, 1, set.Images[set.Len()-1])
}

func TestCreateExactFitHasZeroOrigin(t *testing.T) {
	img := ramp(6, 6)
	set, err := Create([]*tensor.Array{img}, []*tensor.Array{img}, []int{6, 6}, seeded(3))
	require.NoError(t, err)
	require.Equal(t, 1, set.Len())
	assert.Equal(t, []int{0, 0}, set.Origins[0])
	assert.True(t, set.Inputs.Index(0).Equal(img))
}

func TestCreateKeepsChannels(t *testing.T) {
	img := ramp(2, 8, 8)
	set, err := Create([]*tensor.Array{img}, []*tensor.Array{img}, []int{4, 4}, seeded(5))
	require.NoError(t, err)
	assert.Equal(t, []int{4, 2, 4, 4}, set.Inputs.Shape)
	o := set.Origins[0]
	p := set.Inputs.Index(0)
	assert.Equal(t, img.Data[64+o[0]*8+o[1]], p.Data[16], "second channel cropped at same origin")
}

func TestCreateIsReproducible(t *testing.T) {
	img := ramp(32, 32)
	a, err := Create([]*tensor.Array{img}, []*tensor.Array{img}, []int{8, 8}, seeded(9))
	require.NoError(t, err)
	b, err := Create([]*tensor.Array{img}, []*tensor.Array{img}, []int{8, 8}, seeded(9))
	require.NoError(t, err)
	assert.Equal(t, a.Origins, b.Origins)
}

func TestCreateErrors(t *testing.T) {
	a, b := ramp(8, 8), ramp(8, 9)

	_, err := Create([]*tensor.Array{a, a}, []*tensor.Array{a}, []int{4, 4}, seeded(1))
	assert.True(t, errors.Is(err, ErrShapeMismatch))

	_, err = Create([]*tensor.Array{a}, []*tensor.Array{b}, []int{4, 4}, seeded(1))
	assert.True(t, errors.Is(err, ErrShapeMismatch))

	_, err = Create([]*tensor.Array{a}, []*tensor.Array{a}, []int{2, 4, 4}, seeded(1))
	assert.True(t, errors.Is(err, ErrShapeMismatch))

	_, err = Create([]*tensor.Array{a, ramp(3, 20)}, []*tensor.Array{a, ramp(3, 20)}, []int{4, 4}, seeded(1))
	require.True(t, errors.Is(err, ErrPatchTooLarge))
	assert.Contains(t, err.Error(), "image 1")
}

func TestSplit(t *testing.T) {
	img := ramp(40, 40)
	set, err := Create([]*tensor.Array{img}, []*tensor.Array{img}, []int{4, 4}, seeded(11))
	require.NoError(t, err)
	require.Equal(t, 100, set.Len())

	train, val := set.Split(0.1, seeded(12))
	assert.Equal(t, 90, train.Len())
	assert.Equal(t, 10, val.Len())
	assert.Equal(t, []int{10, 4, 4}, val.Inputs.Shape)

	// every patch lands in exactly one part
	seen := map[[2]int]int{}
	for _, part := range []*Set{train, val} {
		for _, o := range part.Origins {
			seen[[2]int{o[0], o[1]}]++
		}
	}
	total := 0
	for _, c := range seen {
		total += c
	}
	assert.Equal(t, 100, total)
}

func TestEstimateBytes(t *testing.T) {
	assert.Equal(t, int64(2*4*7*16), EstimateBytes([]*tensor.Array{tensor.New(10, 10)}, []int{4, 4}))
	assert.Equal(t, int64(2*4*7*3*16), EstimateBytes([]*tensor.Array{tensor.New(3, 10, 10)}, []int{4, 4}))
}
