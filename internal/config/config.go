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

// Package config loads and saves the YAML run configuration, and the metadata
// record persisted next to a trained model.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/mlnoga/careprep/internal/norm"
)

// Run configuration. Zero resource values mean auto-detect
type Config struct {
	Sampling struct {
		// Patch extent per spatial axis, slowest varying first
		PatchSize []int `yaml:"patchSize"`

		// Seed for patch origins and the validation split. 0 seeds from the clock
		Seed uint32 `yaml:"seed"`

		// Share of patches held out for validation, in [0,1)
		ValidationFraction float64 `yaml:"validationFraction"`
	} `yaml:"sampling"`

	Dataset struct {
		// Apply random flips and rotations to training samples
		Augment bool `yaml:"augment"`
	} `yaml:"dataset"`

	Resources struct {
		MaxThreads    int `yaml:"maxThreads"`
		PatchMemoryMB int `yaml:"patchMemoryMB"`
	} `yaml:"resources"`

	Serve struct {
		Addr   string `yaml:"addr"`
		Chroot string `yaml:"chroot"`
		Setuid int    `yaml:"setuid"` // -1 keeps the current user
	} `yaml:"serve"`
}

// Returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Sampling.PatchSize = []int{64, 64}
	cfg.Sampling.ValidationFraction = 0.1
	cfg.Dataset.Augment = true
	cfg.Serve.Addr = ":8080"
	cfg.Serve.Setuid = -1
	return cfg
}

// Loads configuration from a YAML file over the defaults.
// A missing file yields the defaults
func LoadConfig(fileName string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(fileName)
	if os.IsNotExist(err) {
		return cfg, nil
	} else if err != nil {
		return nil, errors.Wrapf(err, "reading config %s", fileName)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config %s", fileName)
	}
	return cfg, cfg.Validate()
}

// Checks value ranges
func (cfg *Config) Validate() error {
	if len(cfg.Sampling.PatchSize) == 0 {
		return errors.New("config: sampling.patchSize is empty")
	}
	for _, p := range cfg.Sampling.PatchSize {
		if p <= 0 {
			return errors.Errorf("config: sampling.patchSize %v has non-positive entries", cfg.Sampling.PatchSize)
		}
	}
	if f := cfg.Sampling.ValidationFraction; f < 0 || f >= 1 {
		return errors.Errorf("config: sampling.validationFraction %g outside [0,1)", f)
	}
	if cfg.Resources.MaxThreads < 0 || cfg.Resources.PatchMemoryMB < 0 {
		return errors.New("config: negative resource limits")
	}
	return nil
}

// Saves the configuration to a YAML file, creating directories as needed
func SaveConfig(cfg *Config, fileName string) error {
	return saveYAML(cfg, fileName)
}

// What a model needs to undo normalization and to be fed compatible patches
type Metadata struct {
	Version           string     `json:"version"           yaml:"version"`
	PatchSize         []int      `json:"patchSize"         yaml:"patchSize"`
	Source            norm.Stats `json:"source"            yaml:"source"`
	Target            norm.Stats `json:"target"            yaml:"target"`
	Seed              uint32     `json:"seed"              yaml:"seed"`
	TrainPatches      int        `json:"trainPatches"      yaml:"trainPatches"`
	ValidationPatches int        `json:"validationPatches" yaml:"validationPatches"`
	CreatedAt         time.Time  `json:"createdAt"         yaml:"createdAt"`
}

func SaveMetadata(md *Metadata, fileName string) error {
	return saveYAML(md, fileName)
}

func LoadMetadata(fileName string) (*Metadata, error) {
	data, err := os.ReadFile(fileName)
	if err != nil {
		return nil, errors.Wrapf(err, "reading metadata %s", fileName)
	}
	md := &Metadata{}
	if err := yaml.Unmarshal(data, md); err != nil {
		return nil, errors.Wrapf(err, "parsing metadata %s", fileName)
	}
	if len(md.PatchSize) == 0 {
		return nil, errors.Errorf("metadata %s has no patch size", fileName)
	}
	return md, nil
}

func saveYAML(v interface{}, fileName string) error {
	if err := os.MkdirAll(filepath.Dir(fileName), 0755); err != nil {
		return errors.Wrapf(err, "creating directory for %s", fileName)
	}
	data, err := yaml.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "marshaling %s", fileName)
	}
	return errors.Wrapf(os.WriteFile(fileName, data, 0644), "writing %s", fileName)
}
