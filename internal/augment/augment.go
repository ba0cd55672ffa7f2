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

// Package augment applies the eight rotation and mirror symmetries of the
// square to patch pairs. Source and target always receive the same state,
// otherwise the pair would no longer be spatially aligned.
package augment

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/valyala/fastrand"

	"github.com/mlnoga/careprep/internal/tensor"
)

var ErrShapeMismatch = errors.New("augment: patch and target shapes differ")

// One of eight geometric transformations
type State struct {
	Rotations int  `json:"rotations"` // counter-clockwise quarter turns in [0,3]
	Flip      bool `json:"flip"`      // mirror the last axis after rotating
}

func (s State) String() string {
	return fmt.Sprintf("rot%d flip=%v", s.Rotations*90, s.Flip)
}

// Returns all eight states
func States() []State {
	states := make([]State, 0, 8)
	for r := 0; r < 4; r++ {
		states = append(states, State{Rotations: r}, State{Rotations: r, Flip: true})
	}
	return states
}

// Draws a state uniformly at random
func Draw(rng *fastrand.RNG) State {
	return State{
		Rotations: int(rng.Uint32n(4)),
		Flip:      rng.Uint32n(2) == 1,
	}
}

// Applies the state to the last two axes of the array. Returns a new array
func (s State) Apply(a *tensor.Array) *tensor.Array {
	out := a.Rot90(s.Rotations)
	if s.Flip {
		out = out.FlipLast()
	}
	return out
}

// Draws one state from a generator seeded with seed, and applies it to both
// patch and target. A zero seed self-seeds from the clock.
func Pair(patch, target *tensor.Array, seed uint32) (p, t *tensor.Array, s State, err error) {
	if !tensor.SameShape(patch.Shape, target.Shape) {
		return nil, nil, s, errors.Wrapf(ErrShapeMismatch, "patch %s target %s", patch, target)
	}
	if patch.Rank() < 2 {
		return nil, nil, s, errors.Wrapf(ErrShapeMismatch, "need two spatial axes, have shape %s", patch)
	}
	rng := fastrand.RNG{}
	rng.Seed(seed)
	s = Draw(&rng)
	return s.Apply(patch), s.Apply(target), s, nil
}
