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

package fits

import (
	"bufio"
	"image"
	"image/color"
	"io"
	"math"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/image/tiff"

	"github.com/mlnoga/careprep/internal/stats"
)

// Reads a grayscale or color TIFF file into the image
func (f *Image) ReadTIFFFile(fileName string) error {
	file, err := os.Open(fileName)
	if err != nil {
		return errors.Wrapf(err, "%d", f.ID)
	}
	defer file.Close()
	f.FileName = fileName
	return f.ReadTIFF(bufio.NewReader(file))
}

// Reads a grayscale or color TIFF image. Gray values keep their native range,
// color images become three planes R, G, B along the slowest axis
func (f *Image) ReadTIFF(r io.Reader) error {
	t, err := tiff.Decode(r)
	if err != nil {
		return errors.Wrapf(err, "%d: decoding TIFF", f.ID)
	}

	bounds := t.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	bitpix, channels := colorModelToBitpixAndChannels(t.ColorModel())
	shift := uint(0)
	if bitpix == 8 {
		shift = 8
	}

	f.Bitpix = bitpix
	f.Naxisn = []int32{int32(width), int32(height)}
	if channels > 1 {
		f.Naxisn = append(f.Naxisn, channels)
	}
	f.Pixels = int32(width*height) * channels
	f.Bzero, f.Bscale = 0, 1
	f.Data = make([]float32, f.Pixels)

	plane := width * height
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := t.At(bounds.Min.X+x, bounds.Min.Y+y)
			i := y*width + x
			if channels == 1 {
				g := color.Gray16Model.Convert(c).(color.Gray16)
				f.Data[i] = float32(g.Y >> shift)
				continue
			}
			rgba := color.RGBA64Model.Convert(c).(color.RGBA64)
			f.Data[i] = float32(rgba.R >> shift)
			f.Data[i+plane] = float32(rgba.G >> shift)
			f.Data[i+2*plane] = float32(rgba.B >> shift)
		}
	}
	f.Stats = stats.Calc(f.Data)
	return nil
}

func colorModelToBitpixAndChannels(m color.Model) (bitpix, channels int32) {
	switch m {
	case color.GrayModel, color.AlphaModel:
		return 8, 1
	case color.Gray16Model, color.Alpha16Model:
		return 16, 1
	case color.RGBAModel, color.NRGBAModel:
		return 8, 3
	default:
		return 16, 3
	}
}

// Writes a grayscale image to 16-bit TIFF, mapping [min,max] linearly onto the full range
func (f *Image) WriteMonoTIFF16ToFile(fileName string, min, max float32) (err error) {
	file, err := os.Create(fileName)
	if err != nil {
		return errors.Wrapf(err, "%d", f.ID)
	}
	defer func() {
		if cerr := file.Close(); err == nil {
			err = cerr
		}
	}()

	writer := bufio.NewWriter(file)
	if err = f.WriteMonoTIFF16(writer, min, max); err != nil {
		return err
	}
	return writer.Flush()
}

// Writes a grayscale image to 16-bit TIFF, mapping [min,max] linearly onto the full range.
// Images with more than two axes must have a single plane
func (f *Image) WriteMonoTIFF16(writer io.Writer, min, max float32) error {
	if len(f.Naxisn) < 2 || int(f.Naxisn[0])*int(f.Naxisn[1]) != len(f.Data) {
		return errors.Errorf("%d: cannot write %s image as mono TIFF", f.ID, f.DimensionsToString())
	}
	width, height := int(f.Naxisn[0]), int(f.Naxisn[1])
	img := image.NewGray16(image.Rect(0, 0, width, height))
	scale := 1 / (max - min)
	for y := 0; y < height; y++ {
		yoffset := y * width
		for x := 0; x < width; x++ {
			gray := (f.Data[yoffset+x] - min) * scale
			// replace NaNs with zeros for export
			if math.IsNaN(float64(gray)) || gray < 0 {
				gray = 0
			}
			if gray > 1 {
				gray = 1
			}
			img.SetGray16(x, y, color.Gray16{Y: uint16(gray*65535 + 0.5)})
		}
	}
	return tiff.Encode(writer, img, &tiff.Options{Compression: tiff.Uncompressed})
}
