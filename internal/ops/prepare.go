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
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/valyala/fastrand"

	"github.com/mlnoga/careprep/internal"
	"github.com/mlnoga/careprep/internal/config"
	"github.com/mlnoga/careprep/internal/dataset"
	"github.com/mlnoga/careprep/internal/fits"
	"github.com/mlnoga/careprep/internal/norm"
	"github.com/mlnoga/careprep/internal/patch"
	"github.com/mlnoga/careprep/internal/tensor"
)

var (
	ErrMemoryBudget = errors.New("ops: patches exceed memory budget")
	ErrPairCount    = errors.New("ops: source and target counts differ")
)

// Loads source and target images concurrently and pairs them by position
// in their sorted file lists
func LoadPairs(sourcePatterns, targetPatterns []string, c *Context) (sources, targets []*tensor.Array, err error) {
	if sources, err = loadArrays(sourcePatterns, c); err != nil {
		return nil, nil, errors.Wrap(err, "loading sources")
	}
	if targets, err = loadArrays(targetPatterns, c); err != nil {
		return nil, nil, errors.Wrap(err, "loading targets")
	}
	if len(sources) != len(targets) {
		return nil, nil, errors.Wrapf(ErrPairCount, "%d sources, %d targets", len(sources), len(targets))
	}
	return sources, targets, nil
}

func loadArrays(patterns []string, c *Context) ([]*tensor.Array, error) {
	promises, err := NewOpLoadMany(patterns).MakePromises(nil, c)
	if err != nil {
		return nil, err
	}
	images, err := MaterializeAll(promises, c.MaxThreads)
	if err != nil {
		return nil, err
	}
	return imagesToArrays(images)
}

func imagesToArrays(images []*fits.Image) ([]*tensor.Array, error) {
	arrays := make([]*tensor.Array, len(images))
	for i, img := range images {
		a, err := img.ToArray()
		if err != nil {
			return nil, err
		}
		arrays[i] = a
	}
	return arrays, nil
}

// Prepares training and validation datasets from paired image files
type OpPrepare struct {
	SourcePatterns     []string `json:"sourcePatterns"`
	TargetPatterns     []string `json:"targetPatterns"`
	PatchSize          []int    `json:"patchSize"`
	Seed               uint32   `json:"seed"`
	ValidationFraction float64  `json:"validationFraction"`
	Augment            bool     `json:"augment"`
}

func NewOpPrepare(cfg *config.Config, sourcePatterns, targetPatterns []string) *OpPrepare {
	return &OpPrepare{
		SourcePatterns:     sourcePatterns,
		TargetPatterns:     targetPatterns,
		PatchSize:          append([]int(nil), cfg.Sampling.PatchSize...),
		Seed:               cfg.Sampling.Seed,
		ValidationFraction: cfg.Sampling.ValidationFraction,
		Augment:            cfg.Dataset.Augment,
	}
}

// The result of a prepare run
type Prepared struct {
	TrainSet      *patch.Set
	ValidationSet *patch.Set
	Train         *dataset.Paired // augmented if requested
	Validation    *dataset.Paired // never augmented
	AugmentSeed   uint32          // seeds the training augmentation, derived from the sampling seed
	Metadata      *config.Metadata
}

// Loads the image pairs, computes normalization statistics per role,
// samples patches and splits them into training and validation sets
func (op *OpPrepare) Apply(c *Context) (*Prepared, error) {
	sources, targets, err := LoadPairs(op.SourcePatterns, op.TargetPatterns, c)
	if err != nil {
		return nil, err
	}
	return op.ApplyToArrays(sources, targets, c)
}

// As Apply, for images already in memory
func (op *OpPrepare) ApplyToArrays(sources, targets []*tensor.Array, c *Context) (*Prepared, error) {
	if err := CheckMemory(sources, op.PatchSize, c); err != nil {
		return nil, err
	}

	srcStats, tgtStats := norm.Compute(sources), norm.Compute(targets)
	fmt.Fprintf(c.Log, "Source %s, target %s\n", srcStats, tgtStats)

	rng := &fastrand.RNG{}
	rng.Seed(op.Seed)
	set, err := patch.Create(sources, targets, op.PatchSize, rng)
	if err != nil {
		return nil, err
	}
	train, validation := set.Split(op.ValidationFraction, rng)
	augmentSeed := rng.Uint32() // drawn after sampling, distinct from op.Seed
	fmt.Fprintf(c.Log, "Sampled %d patches of size %s from %d images, %d for training and %d for validation\n",
		set.Len(), tensor.ShapeString(op.PatchSize), len(sources), train.Len(), validation.Len())

	return &Prepared{
		TrainSet:      train,
		ValidationSet: validation,
		Train:         dataset.New(train, srcStats, tgtStats, dataset.WithAugmentation(op.Augment), dataset.WithSeed(augmentSeed)),
		Validation:    dataset.New(validation, srcStats, tgtStats),
		AugmentSeed:   augmentSeed,
		Metadata: &config.Metadata{
			Version:           internal.Version,
			PatchSize:         append([]int(nil), op.PatchSize...),
			Source:            srcStats,
			Target:            tgtStats,
			Seed:              op.Seed,
			TrainPatches:      train.Len(),
			ValidationPatches: validation.Len(),
			CreatedAt:         time.Now().UTC(),
		},
	}, nil
}

// Fails with ErrMemoryBudget if the patches for the given images would not
// fit into the patch memory of the context
func CheckMemory(sources []*tensor.Array, patchSize []int, c *Context) error {
	if c.PatchMemoryMB <= 0 {
		return nil
	}
	need, have := patch.EstimateBytes(sources, patchSize), int64(c.PatchMemoryMB)<<20
	if need > have {
		return errors.Wrapf(ErrMemoryBudget, "need %d MiB, have %d MiB", (need+(1<<20)-1)>>20, c.PatchMemoryMB)
	}
	return nil
}
