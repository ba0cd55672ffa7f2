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

package ops

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlnoga/careprep/internal/config"
	"github.com/mlnoga/careprep/internal/fits"
	"github.com/mlnoga/careprep/internal/norm"
	"github.com/mlnoga/careprep/internal/tensor"
)

func testContext() *Context {
	return &Context{Log: io.Discard, MaxThreads: 3}
}

// Changes into dir for the duration of the test, as loaders only accept relative paths
func chdir(t *testing.T, dir string) {
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(old) })
}

func writeImage(t *testing.T, name string, width, height int32, value func(i int) float32) {
	img := fits.NewImageFromNaxisn([]int32{width, height}, nil)
	for i := range img.Data {
		img.Data[i] = value(i)
	}
	require.NoError(t, img.WriteFile(name))
}

func TestNewContext(t *testing.T) {
	c := NewContext(io.Discard)
	assert.GreaterOrEqual(t, c.MaxThreads, 1)
	assert.Equal(t, c.MemoryMB*7/10, c.PatchMemoryMB)
}

func TestMaterializeAllKeepsOrder(t *testing.T) {
	ins := make([]Promise, 10)
	for i := range ins {
		i := i
		ins[i] = func() (*fits.Image, error) {
			f := fits.NewImageFromNaxisn([]int32{1}, []float32{float32(i)})
			f.ID = i
			return f, nil
		}
	}
	outs, err := MaterializeAll(ins, 3)
	require.NoError(t, err)
	require.Len(t, outs, 10)
	for i, f := range outs {
		assert.Equal(t, i, f.ID)
	}
}

func TestMaterializeAllJoinsErrors(t *testing.T) {
	ins := []Promise{
		func() (*fits.Image, error) { return nil, errors.New("1: broken") },
		func() (*fits.Image, error) { return fits.NewImage(), nil },
		func() (*fits.Image, error) { return nil, errors.New("3: missing") },
	}
	_, err := MaterializeAll(ins, 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1: broken")
	assert.Contains(t, err.Error(), "3: missing")
}

func TestIsPathAllowed(t *testing.T) {
	assert.True(t, isPathAllowed("data/a.fits"))
	assert.False(t, isPathAllowed("/etc/passwd"))
	assert.False(t, isPathAllowed("../secret.fits"))
	assert.False(t, isPathAllowed("data/../../x.fits"))
}

func TestOpLoadManySortsAndSkips(t *testing.T) {
	chdir(t, t.TempDir())
	require.NoError(t, os.Mkdir("raw", 0755))
	for _, n := range []string{"raw/b.fits", "raw/a.fits", "raw/c.fits"} {
		writeImage(t, n, 2, 2, func(i int) float32 { return float32(i) })
	}
	require.NoError(t, os.WriteFile("raw/notes.txt", []byte("x"), 0644))

	var log strings.Builder
	c := testContext()
	c.Log = &log
	promises, err := NewOpLoadMany([]string{"raw/*"}).MakePromises(nil, c)
	require.NoError(t, err)
	images, err := MaterializeAll(promises, c.MaxThreads)
	require.NoError(t, err)
	require.Len(t, images, 3)
	assert.Equal(t, "raw/a.fits", images[0].FileName)
	assert.Equal(t, "raw/c.fits", images[2].FileName)
	assert.Contains(t, log.String(), "Skipping raw/notes.txt")
	assert.Contains(t, log.String(), "Found 3 files.")

	_, err = NewOpLoadMany([]string{"none/*.fits"}).MakePromises(nil, c)
	assert.Error(t, err)
	_, err = NewOpLoad(0, "/abs/a.fits").MakePromises(nil, c)
	assert.Error(t, err)
}

func TestLoadPairsCountMismatch(t *testing.T) {
	chdir(t, t.TempDir())
	require.NoError(t, os.Mkdir("low", 0755))
	require.NoError(t, os.Mkdir("high", 0755))
	for i := 0; i < 3; i++ {
		writeImage(t, fmt.Sprintf("low/%d.fits", i), 4, 4, func(int) float32 { return 1 })
	}
	writeImage(t, "high/0.fits", 4, 4, func(int) float32 { return 2 })

	_, _, err := LoadPairs([]string{"low/*.fits"}, []string{"high/*.fits"}, testContext())
	assert.True(t, errors.Is(err, ErrPairCount))
}

func TestOpSequenceJSONRoundTrip(t *testing.T) {
	seq := NewOpSequence(
		NewOpLoadMany([]string{"out/*.fits"}),
		NewOpDenormalize(norm.Stats{Mean: 3, StdDev: 2}),
		NewOpSave("restored%d.fits"),
	)
	bs, err := json.Marshal(seq)
	require.NoError(t, err)

	back := NewOpSequenceDefault()
	require.NoError(t, json.Unmarshal(bs, back))
	require.Len(t, back.Steps, 3)
	assert.Equal(t, "loadMany", back.Steps[0].GetType())
	den, ok := back.Steps[1].(*OpDenormalize)
	require.True(t, ok)
	assert.Equal(t, norm.Stats{Mean: 3, StdDev: 2}, den.Stats)
	save, ok := back.Steps[2].(*OpSave)
	require.True(t, ok)
	assert.Equal(t, "restored%d.fits", save.FilePattern)
	assert.True(t, save.IsActive())

	err = json.Unmarshal([]byte(`{"type":"seq","steps":[{"type":"bogus"}]}`), NewOpSequenceDefault())
	assert.Error(t, err)
}

func TestDenormalizeSequence(t *testing.T) {
	chdir(t, t.TempDir())
	writeImage(t, "pred.fits", 3, 2, func(i int) float32 { return float32(i) - 2 })

	c := testContext()
	seq := NewOpSequence(
		NewOpLoadMany([]string{"pred.fits"}),
		NewOpDenormalize(norm.Stats{Mean: 100, StdDev: 4}),
		NewOpSave("restored%d.fits"),
	)
	promises, err := seq.MakePromises(nil, c)
	require.NoError(t, err)
	_, err = MaterializeAll(promises, c.MaxThreads)
	require.NoError(t, err)

	back, err := fits.NewImageFromFile("restored0.fits", 0, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, []float32{92, 96, 100, 104, 108, 112}, back.Data)
	assert.Len(t, back.Header.History, 1)
}

func TestOpSaveExpandsPaddedID(t *testing.T) {
	chdir(t, t.TempDir())
	c := testContext()
	save := NewOpSave("denorm%04d.fits")
	for id := 0; id < 3; id++ {
		img := fits.NewImageFromNaxisn([]int32{2, 2}, []float32{1, 2, 3, 4})
		img.ID = id
		_, err := save.Apply(img, c)
		require.NoError(t, err)
	}
	names, err := filepath.Glob("*")
	require.NoError(t, err)
	assert.Equal(t, []string{"denorm0000.fits", "denorm0001.fits", "denorm0002.fits"}, names)

	// patterns without a verb name a single file
	_, err = NewOpSave("single.fits").Apply(fits.NewImageFromNaxisn([]int32{1, 1}, []float32{1}), c)
	require.NoError(t, err)
	_, err = os.Stat("single.fits")
	assert.NoError(t, err)
}

func TestOpStatsFitsBackground(t *testing.T) {
	img := fits.NewImageFromNaxisn([]int32{200, 200}, nil)
	for i := range img.Data {
		// deterministic bell-shaped values around 50
		u1, u2 := (float64(i%197)+0.5)/197, (float64(i/197%193)+0.5)/193
		img.Data[i] = float32(50 + 3*math.Sqrt(-2*math.Log(u1))*math.Cos(2*math.Pi*u2))
	}
	img.Stats = nil

	var log strings.Builder
	c := testContext()
	c.Log = &log
	out, err := NewOpStats(256).Apply(img, c)
	require.NoError(t, err)
	assert.InDelta(t, 50, out.Header.Floats["MODE"], 1)
	assert.InDelta(t, 3, out.Header.Floats["NOISE"], 1)
	assert.InDelta(t, 50, out.Header.Floats["MEDIAN"], 1)
	assert.Contains(t, log.String(), "background")
}

func TestWriteStatsCSV(t *testing.T) {
	img := fits.NewImageFromNaxisn([]int32{2, 2}, []float32{1, 2, 3, 4})
	img.ID, img.FileName = 7, "a.fits"
	img.Stats = nil
	img.Header.Floats["MEDIAN"] = 2.5

	var buf strings.Builder
	require.NoError(t, WriteStatsCSV(&buf, []*fits.Image{img}))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "ID,File,Min,Max,Mean,StdDev,Count,Median,Mode,Noise", lines[0])
	assert.Equal(t, `7,"a.fits",1,4,2.5,1.11803,4,2.5,,`, lines[1])
}

func TestOpPrepare(t *testing.T) {
	chdir(t, t.TempDir())
	require.NoError(t, os.Mkdir("low", 0755))
	require.NoError(t, os.Mkdir("high", 0755))
	for k := 0; k < 2; k++ {
		k := k
		writeImage(t, fmt.Sprintf("low/%d.fits", k), 16, 16, func(i int) float32 { return float32(i + k) })
		writeImage(t, fmt.Sprintf("high/%d.fits", k), 16, 16, func(i int) float32 { return float32(2*(i+k) + 1) })
	}

	cfg := config.DefaultConfig()
	cfg.Sampling.PatchSize = []int{4, 4}
	cfg.Sampling.Seed = 5
	cfg.Sampling.ValidationFraction = 0.25
	p, err := NewOpPrepare(cfg, []string{"low/*.fits"}, []string{"high/*.fits"}).Apply(testContext())
	require.NoError(t, err)

	assert.Equal(t, 24, p.Train.Len())
	assert.Equal(t, 8, p.Validation.Len())
	assert.True(t, p.Train.Augmented())
	assert.False(t, p.Validation.Augmented())
	assert.Equal(t, 24, p.Metadata.TrainPatches)
	assert.Equal(t, []int{4, 4}, p.Metadata.PatchSize)
	assert.InDelta(t, 128, p.Metadata.Source.Mean, 1e-3)
	assert.InDelta(t, 2*128+1, p.Metadata.Target.Mean, 1e-3)

	in, tg, err := p.Validation.Get(0)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 4, 4}, in.Shape)
	assert.Equal(t, []int{1, 4, 4}, tg.Shape)

	// targets are an affine map of the inputs, so normalized pairs agree
	for i := range in.Data {
		assert.InDelta(t, in.Data[i], tg.Data[i], 1e-4)
	}

	// the augmentation stream is derived from, not equal to, the sampling seed
	again, err := NewOpPrepare(cfg, []string{"low/*.fits"}, []string{"high/*.fits"}).Apply(testContext())
	require.NoError(t, err)
	assert.NotEqual(t, cfg.Sampling.Seed, p.AugmentSeed)
	assert.Equal(t, p.AugmentSeed, again.AugmentSeed)
	for i := 0; i < 4; i++ {
		a, _, err := p.Train.Get(i)
		require.NoError(t, err)
		b, _, err := again.Train.Get(i)
		require.NoError(t, err)
		assert.True(t, a.Equal(b), "sample %d", i)
	}
}

func TestCheckMemory(t *testing.T) {
	c := testContext()
	c.PatchMemoryMB = 1
	big := []*tensor.Array{tensor.New(1024, 1024)}
	err := CheckMemory(big, []int{4, 4}, c)
	assert.True(t, errors.Is(err, ErrMemoryBudget))

	c.PatchMemoryMB = 64
	assert.NoError(t, CheckMemory(big, []int{4, 4}, c))
	c.PatchMemoryMB = 0
	assert.NoError(t, CheckMemory(big, []int{4, 4}, c))
}
