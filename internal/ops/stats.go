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
	"io"
	"strconv"

	"github.com/mlnoga/careprep/internal/fits"
	"github.com/mlnoga/careprep/internal/norm"
	"github.com/mlnoga/careprep/internal/stats"
)

// Logs basic statistics, the median and the fitted background of each image,
// and records them as MEDIAN, MODE and NOISE header keys. Takes n inputs, produces n outputs
type OpStats struct {
	OpUnaryBase
	Bins int `json:"bins"`
}

func init() { SetOperatorFactory(func() Operator { return NewOpStatsDefault() }) } // register the operator for JSON decoding

func NewOpStatsDefault() *OpStats { return NewOpStats(1024) }

func NewOpStats(bins int) *OpStats {
	op := OpStats{
		OpUnaryBase: OpUnaryBase{OpBase: OpBase{Type: "stats", Active: true}},
		Bins:        bins,
	}
	op.OpUnaryBase.Apply = op.Apply // assign class method to superclass abstract method
	return &op
}

func (op *OpStats) Apply(f *fits.Image, c *Context) (result *fits.Image, err error) {
	if f.Stats == nil {
		f.Stats = stats.Calc(f.Data)
	}
	bins := make([]int32, op.Bins)
	stats.Histogram(f.Data, f.Stats.Min, f.Stats.Max, bins)
	peak, _ := stats.Peak(bins, f.Stats.Min, f.Stats.Max)
	median := stats.Median(f.Data)
	f.Header.Floats["MEDIAN"] = median

	mode, noise, err := stats.ModeStdDev(bins, f.Stats.Min, f.Stats.Max)
	if err != nil {
		fmt.Fprintf(c.Log, "%d: %v; median %.6g; histogram peak %.6g; no background fit: %v\n", f.ID, f.Stats, median, peak, err)
		return f, nil
	}
	f.Header.Floats["MODE"], f.Header.Floats["NOISE"] = mode, noise
	fmt.Fprintf(c.Log, "%d: %v; median %.6g; histogram peak %.6g; background %.6g noise %.6g\n", f.ID, f.Stats, median, peak, mode, noise)
	return f, nil
}

// Writes one CSV line per image with its ID, file name, basic statistics and
// the MEDIAN, MODE and NOISE keys recorded by OpStats. Missing keys stay empty
func WriteStatsCSV(w io.Writer, images []*fits.Image) error {
	if _, err := fmt.Fprintf(w, "ID,File,%s,Median,Mode,Noise\n", (&stats.Stats{}).ToCSVHeader()); err != nil {
		return err
	}
	for _, f := range images {
		if f.Stats == nil {
			f.Stats = stats.Calc(f.Data)
		}
		line := strconv.Itoa(f.ID) + "," + strconv.Quote(f.FileName) + "," + f.Stats.ToCSVLine()
		for _, key := range []string{"MEDIAN", "MODE", "NOISE"} {
			line += ","
			if v, ok := f.Header.Floats[key]; ok {
				line += strconv.FormatFloat(float64(v), 'g', 6, 32)
			}
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

// Undoes normalization of model output with persisted statistics,
// as x*std+mean. Takes n inputs, produces n outputs
type OpDenormalize struct {
	OpUnaryBase
	Stats norm.Stats `json:"stats"`
}

func init() { SetOperatorFactory(func() Operator { return NewOpDenormalizeDefault() }) } // register the operator for JSON decoding

func NewOpDenormalizeDefault() *OpDenormalize { return NewOpDenormalize(norm.Stats{StdDev: 1}) }

func NewOpDenormalize(s norm.Stats) *OpDenormalize {
	op := OpDenormalize{
		OpUnaryBase: OpUnaryBase{OpBase: OpBase{Type: "denorm", Active: true}},
		Stats:       s,
	}
	op.OpUnaryBase.Apply = op.Apply // assign class method to superclass abstract method
	return &op
}

func (op *OpDenormalize) Apply(f *fits.Image, c *Context) (result *fits.Image, err error) {
	a, err := f.ToArray()
	if err != nil {
		return nil, err
	}
	result = fits.NewImageFromNaxisn(f.Naxisn, op.Stats.Denormalize(a).Data)
	result.ID, result.FileName, result.Header = f.ID, f.FileName, f.Header
	result.Header.History = append(result.Header.History, "denormalized with "+op.Stats.String())
	fmt.Fprintf(c.Log, "%d: Denormalized with %s to %v\n", f.ID, op.Stats, result.Stats)
	return result, nil
}
