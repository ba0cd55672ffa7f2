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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlnoga/careprep/internal/norm"
)

func TestLoadConfigMissingFileGivesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "none.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	name := filepath.Join(t.TempDir(), "run.yaml")
	yml := "sampling:\n  patchSize: [32, 48]\n  seed: 7\nresources:\n  maxThreads: 3\n"
	require.NoError(t, os.WriteFile(name, []byte(yml), 0644))

	cfg, err := LoadConfig(name)
	require.NoError(t, err)
	assert.Equal(t, []int{32, 48}, cfg.Sampling.PatchSize)
	assert.Equal(t, uint32(7), cfg.Sampling.Seed)
	assert.Equal(t, 3, cfg.Resources.MaxThreads)
	assert.Equal(t, 0.1, cfg.Sampling.ValidationFraction, "untouched keys keep defaults")
	assert.True(t, cfg.Dataset.Augment)
	assert.Equal(t, -1, cfg.Serve.Setuid)
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	dir := t.TempDir()
	for i, yml := range []string{
		"sampling:\n  patchSize: [0, 4]\n",
		"sampling:\n  validationFraction: 1.5\n",
		"resources:\n  maxThreads: -2\n",
		"sampling: [not, a, map]\n",
	} {
		name := filepath.Join(dir, "bad.yaml")
		require.NoError(t, os.WriteFile(name, []byte(yml), 0644))
		_, err := LoadConfig(name)
		assert.Error(t, err, "case %d", i)
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	name := filepath.Join(t.TempDir(), "sub", "run.yaml")
	cfg := DefaultConfig()
	cfg.Sampling.PatchSize = []int{8, 16, 16}
	cfg.Serve.Chroot = "/srv/data"
	require.NoError(t, SaveConfig(cfg, name))

	back, err := LoadConfig(name)
	require.NoError(t, err)
	assert.Equal(t, cfg, back)
}

func TestMetadataRoundTrip(t *testing.T) {
	name := filepath.Join(t.TempDir(), "model", "careprep.yaml")
	md := &Metadata{
		Version:           "0.1.0",
		PatchSize:         []int{64, 64},
		Source:            norm.Stats{Mean: 103.25, StdDev: 12.5},
		Target:            norm.Stats{Mean: 98.5, StdDev: 4.75},
		Seed:              42,
		TrainPatches:      900,
		ValidationPatches: 100,
		CreatedAt:         time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, SaveMetadata(md, name))

	back, err := LoadMetadata(name)
	require.NoError(t, err)
	assert.Equal(t, md.PatchSize, back.PatchSize)
	assert.Equal(t, md.Source, back.Source)
	assert.Equal(t, md.Target, back.Target)
	assert.Equal(t, md.TrainPatches, back.TrainPatches)
	assert.True(t, md.CreatedAt.Equal(back.CreatedAt))
}

func TestLoadMetadataNeedsPatchSize(t *testing.T) {
	name := filepath.Join(t.TempDir(), "md.yaml")
	require.NoError(t, os.WriteFile(name, []byte("version: x\n"), 0644))
	_, err := LoadMetadata(name)
	assert.Error(t, err)

	_, err = LoadMetadata(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
