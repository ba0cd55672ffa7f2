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

// Package dataset exposes a patch pool as a fixed-length, randomly indexable
// collection of normalized and optionally augmented training pairs.
package dataset

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/valyala/fastrand"

	"github.com/mlnoga/careprep/internal/augment"
	"github.com/mlnoga/careprep/internal/norm"
	"github.com/mlnoga/careprep/internal/patch"
	"github.com/mlnoga/careprep/internal/tensor"
)

var ErrIndexOutOfRange = errors.New("dataset: index out of range")

// Paired training samples over precomputed patches. Patch storage is never
// written after construction, so Get may be called from many goroutines
type Paired struct {
	inputs    *tensor.Array
	targets   *tensor.Array
	source    norm.Stats
	target    norm.Stats
	augmented bool
	channel   bool // add a leading channel axis to samples

	mu    sync.Mutex   // guards seeds
	seeds fastrand.RNG // source of per-call augmentation seeds
}

type Option func(*Paired)

// Enables flip and rotation augmentation. Use for training only
func WithAugmentation(enabled bool) Option {
	return func(d *Paired) { d.augmented = enabled }
}

// Seeds the augmentation draws. Zero, the default, seeds from the clock
func WithSeed(seed uint32) Option {
	return func(d *Paired) { d.seeds.Seed(seed) }
}

// Creates a dataset over the patches of set, normalizing sources with
// source stats and targets with target stats
func New(set *patch.Set, source, target norm.Stats, opts ...Option) *Paired {
	d := &Paired{
		inputs:  set.Inputs,
		targets: set.Targets,
		source:  source,
		target:  target,
		channel: set.Inputs.Rank() == len(set.PatchSize)+1,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Number of samples
func (d *Paired) Len() int {
	if d.inputs.Rank() == 0 {
		return 0
	}
	return d.inputs.Shape[0]
}

// Shape of a single returned sample, including the channel axis
func (d *Paired) PatchShape() []int {
	shape := append([]int(nil), d.inputs.Shape[1:]...)
	if d.channel {
		shape = append([]int{1}, shape...)
	}
	return shape
}

func (d *Paired) Stats() (source, target norm.Stats) { return d.source, d.target }

func (d *Paired) Augmented() bool { return d.augmented }

// Returns the normalized input and target of sample i as float32 arrays with
// a leading channel axis. Patches without channels gain an axis of size one.
// With augmentation enabled, every call draws a fresh rotation and flip
func (d *Paired) Get(i int) (input, target *tensor.Array, err error) {
	if i < 0 || i >= d.Len() {
		return nil, nil, errors.Wrapf(ErrIndexOutOfRange, "index %d of %d", i, d.Len())
	}
	in, tg := d.inputs.Index(i), d.targets.Index(i)

	if d.augmented {
		d.mu.Lock()
		seed := d.seeds.Uint32()
		d.mu.Unlock()
		if in, tg, _, err = augment.Pair(in, tg, seed); err != nil {
			return nil, nil, err
		}
	}

	input, target = d.source.Normalize(in), d.target.Normalize(tg)
	if d.channel {
		input, target = input.ExpandDims(), target.ExpandDims()
	}
	return input, target, nil
}
