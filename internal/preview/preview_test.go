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

package preview

import (
	"bytes"
	"image/color"
	"image/jpeg"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlnoga/careprep/internal/tensor"
)

func ramp(shape ...int) *tensor.Array {
	a := tensor.New(shape...)
	for i := range a.Data {
		a.Data[i] = float32(i)
	}
	return a
}

func rgba(c color.Color) color.RGBA {
	return color.RGBAModel.Convert(c).(color.RGBA)
}

func TestGradientEndpoints(t *testing.T) {
	assert.Equal(t, rgba(Viridis[0].Col), rgba(Viridis.At(-1)))
	assert.Equal(t, rgba(Viridis[0].Col), rgba(Viridis.At(0)))
	assert.Equal(t, rgba(Viridis[4].Col), rgba(Viridis.At(1)))
	assert.Equal(t, rgba(Viridis[4].Col), rgba(Viridis.At(7)))
	mid := rgba(Gray.At(0.5))
	assert.InDelta(t, 128, int(mid.R), 20)
}

func TestMontageLayout(t *testing.T) {
	pairs := []Pair{
		{Input: ramp(4, 4), Target: ramp(4, 4)},
		{Input: ramp(1, 4, 4), Target: ramp(1, 4, 4)},
		{Input: ramp(4, 4), Target: ramp(4, 4)},
	}
	img, err := Montage(pairs, Options{Columns: 2, Gap: 1})
	require.NoError(t, err)
	assert.Equal(t, 21, img.Bounds().Dx())
	assert.Equal(t, 11, img.Bounds().Dy())

	assert.Equal(t, background, img.RGBAAt(0, 0))
	assert.Equal(t, rgba(Viridis[0].Col), img.RGBAAt(1, 1), "tile minimum")
	assert.Equal(t, rgba(Viridis[4].Col), img.RGBAAt(4, 4), "tile maximum")
	assert.Equal(t, rgba(Viridis[0].Col), img.RGBAAt(6, 1), "target tile")
	assert.Equal(t, rgba(Viridis[0].Col), img.RGBAAt(1, 6), "second row")
}

func TestMontageRejectsMismatchedPlanes(t *testing.T) {
	_, err := Montage([]Pair{{Input: ramp(4, 4), Target: ramp(4, 5)}}, Options{})
	assert.Error(t, err)
	_, err = Montage(nil, Options{})
	assert.Error(t, err)
	_, err = Montage([]Pair{{Input: ramp(4), Target: ramp(4)}}, Options{})
	assert.Error(t, err)
}

func TestWriteJPEG(t *testing.T) {
	img, err := Montage([]Pair{{Input: ramp(8, 8), Target: ramp(8, 8)}}, Options{Gap: 2, Gradient: Gray})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteJPEG(&buf, img, 90))
	back, err := jpeg.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, img.Bounds(), back.Bounds())

	require.NoError(t, WriteJPEGToFile(filepath.Join(t.TempDir(), "preview.jpg"), img, 90))
}

func TestMontageClipsPercentiles(t *testing.T) {
	pairs := []Pair{{Input: ramp(10, 10), Target: ramp(10, 10)}}
	img, err := Montage(pairs, Options{Columns: 1, Clip: 10})
	require.NoError(t, err)
	// value 89 sits at the 90th percentile and saturates
	assert.Equal(t, rgba(Viridis[4].Col), img.RGBAAt(9, 8))
	assert.Equal(t, rgba(Viridis[0].Col), img.RGBAAt(9, 0))

	img, err = Montage(pairs, Options{Columns: 1})
	require.NoError(t, err)
	assert.NotEqual(t, rgba(Viridis[4].Col), img.RGBAAt(9, 8))
}
