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

// Package patch draws randomly positioned, fixed-size patch pairs from paired
// source and target images.
//
// The number of patches per image is ceil(pixels/patchPixels), so the pool
// covers each image about once in expectation. Patches are drawn
// independently and may overlap; this is a coverage heuristic, not a tiling.
package patch

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/valyala/fastrand"

	"github.com/mlnoga/careprep/internal/tensor"
)

var (
	ErrShapeMismatch = errors.New("patch: source and target shapes differ")
	ErrPatchTooLarge = errors.New("patch: patch larger than image")
)

// A pool of patch pairs with bookkeeping of where each patch was cut
type Set struct {
	Inputs    *tensor.Array // (n, *leading, *PatchSize)
	Targets   *tensor.Array // same shape as Inputs
	Origins   [][]int       // top-left coordinate of patch i in the spatial axes of its image
	Images    []int         // index of the source image of patch i
	PatchSize []int
}

// Number of patch pairs
func (s *Set) Len() int { return len(s.Images) }

// Returns the number of patches drawn from an image of the given shape: the
// spatial pixel count divided by the patch pixel count, rounded up.
// Spatial axes are the trailing len(patchSize) axes of shape. Returns 0 if
// patchSize is empty or has more axes than shape
func Count(shape, patchSize []int) int {
	if len(patchSize) == 0 || len(patchSize) > len(shape) {
		return 0
	}
	spatial := tensor.Volume(shape[len(shape)-len(patchSize):])
	p := tensor.Volume(patchSize)
	return (spatial + p - 1) / p
}

// Draws patch pairs from each source/target image pair. For every patch, each
// origin coordinate is drawn uniformly from [0, dim-patchDim], and source and
// target are cropped at that same origin. Leading non-spatial axes such as
// channels are copied whole. Counts and shapes are validated before any
// sampling; a patch exceeding an image fails on that image, which is never skipped.
func Create(inputs, targets []*tensor.Array, patchSize []int, rng *fastrand.RNG) (*Set, error) {
	if len(inputs) != len(targets) {
		return nil, errors.Wrapf(ErrShapeMismatch, "%d source images but %d targets", len(inputs), len(targets))
	}
	if len(inputs) == 0 {
		return nil, errors.New("patch: no images to sample from")
	}
	if len(patchSize) == 0 {
		return nil, errors.Wrap(ErrShapeMismatch, "empty patch size")
	}
	for _, p := range patchSize {
		if p <= 0 {
			return nil, errors.Errorf("patch: invalid patch size %v", patchSize)
		}
	}

	var leading []int
	total := 0
	for i, in := range inputs {
		if !tensor.SameShape(in.Shape, targets[i].Shape) {
			return nil, errors.Wrapf(ErrShapeMismatch, "image %d: source %s target %s", i, in, targets[i])
		}
		if in.Rank() < len(patchSize) {
			return nil, errors.Wrapf(ErrShapeMismatch, "image %d: shape %s has fewer axes than patch %s",
				i, in, tensor.ShapeString(patchSize))
		}
		lead := in.Shape[:in.Rank()-len(patchSize)]
		if i == 0 {
			leading = lead
		} else if !tensor.SameShape(lead, leading) {
			return nil, errors.Wrapf(ErrShapeMismatch, "image %d: leading axes %s differ from %s",
				i, tensor.ShapeString(lead), tensor.ShapeString(leading))
		}
		total += Count(in.Shape, patchSize)
	}

	outShape := append(append([]int{total}, leading...), patchSize...)
	set := &Set{
		Inputs:    tensor.New(outShape...),
		Targets:   tensor.New(outShape...),
		Origins:   make([][]int, 0, total),
		Images:    make([]int, 0, total),
		PatchSize: append([]int(nil), patchSize...),
	}
	stride := tensor.Volume(outShape[1:])

	k := 0
	for i, in := range inputs {
		spatial := in.Shape[in.Rank()-len(patchSize):]
		for d, p := range patchSize {
			if p > spatial[d] {
				return nil, errors.Wrapf(ErrPatchTooLarge, "image %d: patch %s exceeds image %s",
					i, tensor.ShapeString(patchSize), in)
			}
		}

		n := Count(in.Shape, patchSize)
		for j := 0; j < n; j++ {
			origin := make([]int, len(patchSize))
			for d, p := range patchSize {
				origin[d] = int(rng.Uint32n(uint32(spatial[d] - p + 1)))
			}
			src, err := in.Crop(origin, patchSize)
			if err != nil {
				return nil, err
			}
			tgt, err := targets[i].Crop(origin, patchSize)
			if err != nil {
				return nil, err
			}
			copy(set.Inputs.Data[k*stride:(k+1)*stride], src.Data)
			copy(set.Targets.Data[k*stride:(k+1)*stride], tgt.Data)
			set.Origins = append(set.Origins, origin)
			set.Images = append(set.Images, i)
			k++
		}
	}
	return set, nil
}

// Returns a new set with copies of the given patches, in the given order
func (s *Set) Subset(indices []int) *Set {
	shape := append([]int{len(indices)}, s.Inputs.Shape[1:]...)
	out := &Set{
		Inputs:    tensor.New(shape...),
		Targets:   tensor.New(shape...),
		Origins:   make([][]int, len(indices)),
		Images:    make([]int, len(indices)),
		PatchSize: append([]int(nil), s.PatchSize...),
	}
	stride := tensor.Volume(shape[1:])
	for k, i := range indices {
		copy(out.Inputs.Data[k*stride:(k+1)*stride], s.Inputs.Data[i*stride:(i+1)*stride])
		copy(out.Targets.Data[k*stride:(k+1)*stride], s.Targets.Data[i*stride:(i+1)*stride])
		out.Origins[k] = s.Origins[i]
		out.Images[k] = s.Images[i]
	}
	return out
}

// Randomly holds out the given fraction of patches for validation. Both
// parts keep the original patch order
func (s *Set) Split(fraction float64, rng *fastrand.RNG) (train, validation *Set) {
	n := s.Len()
	nVal := int(fraction*float64(n) + 0.5)
	if nVal < 0 {
		nVal = 0
	} else if nVal > n {
		nVal = n
	}

	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	for i := n - 1; i > 0; i-- {
		j := int(rng.Uint32n(uint32(i + 1)))
		perm[i], perm[j] = perm[j], perm[i]
	}
	valIdx, trainIdx := perm[:nVal], perm[nVal:]
	sort.Ints(valIdx)
	sort.Ints(trainIdx)
	return s.Subset(trainIdx), s.Subset(valIdx)
}

// Estimates the bytes needed to hold the source and target patches drawn from
// the given images
func EstimateBytes(inputs []*tensor.Array, patchSize []int) int64 {
	var total int64
	for _, in := range inputs {
		if in.Rank() < len(patchSize) {
			continue
		}
		lead := tensor.Volume(in.Shape[:in.Rank()-len(patchSize)])
		total += int64(Count(in.Shape, patchSize)) * int64(lead) * int64(tensor.Volume(patchSize))
	}
	return 2 * 4 * total
}
