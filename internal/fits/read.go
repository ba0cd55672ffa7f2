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
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/mlnoga/careprep/internal/stats"
)

var reParser *regexp.Regexp = compileRE() // Regexp parser for FITS header lines

// Reads a FITS or TIFF image from the file with the given name
func NewImageFromFile(fileName string, id int, logWriter io.Writer) (i *Image, err error) {
	i = NewImage()
	i.ID = id
	return i, i.ReadFile(fileName, logWriter)
}

// Returns true if the file name has a suffix this package can read
func IsSupported(fileName string) bool {
	lower := strings.ToLower(fileName)
	lower = strings.TrimSuffix(strings.TrimSuffix(lower, ".gz"), ".gzip")
	switch path.Ext(lower) {
	case ".fits", ".fit", ".fts", ".tif", ".tiff":
		return true
	}
	return false
}

// Read FITS data from the file with the given name. Decompresses gzip if .gz or .gzip
// suffix is present. Reads TIFF if .tif or .tiff suffix is present
func (fits *Image) ReadFile(fileName string, logWriter io.Writer) error {
	fits.FileName = fileName
	lExt := strings.ToLower(path.Ext(fileName))
	if lExt == ".tif" || lExt == ".tiff" {
		return fits.ReadTIFFFile(fileName)
	}

	f, err := os.Open(fileName)
	if err != nil {
		return errors.Wrapf(err, "%d", fits.ID)
	}
	defer f.Close()

	var r io.Reader = bufio.NewReaderSize(f, bufLen)
	if lExt == ".gz" || lExt == ".gzip" {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return errors.Wrapf(err, "%d: %s", fits.ID, fileName)
		}
		defer gz.Close()
		r = gz
	}
	return fits.Read(r, logWriter)
}

func (fits *Image) popHeaderInt32(key string) (res int32, err error) {
	if val, ok := fits.Header.Ints[key]; ok {
		delete(fits.Header.Ints, key)
		return val, nil
	}
	return 0, errors.Errorf("%d: FITS header does not contain key %s", fits.ID, key)
}

func (fits *Image) popHeaderInt32OrFloat(key string) (res float32, ok bool) {
	if val, ok := fits.Header.Ints[key]; ok {
		delete(fits.Header.Ints, key)
		return float32(val), true
	} else if val, ok := fits.Header.Floats[key]; ok {
		delete(fits.Header.Floats, key)
		return val, true
	}
	return 0, false
}

// Reads header and data of the primary HDU from r
func (fits *Image) Read(r io.Reader, logWriter io.Writer) (err error) {
	if err = fits.Header.read(r, fits.ID, logWriter); err != nil {
		return err
	}

	// check mandatory fields as per standard
	if !fits.Header.Bools["SIMPLE"] {
		return errors.Errorf("%d: Not a valid FITS file; SIMPLE=T missing in header", fits.ID)
	}
	delete(fits.Header.Bools, "SIMPLE")

	if fits.Bitpix, err = fits.popHeaderInt32("BITPIX"); err != nil {
		return err
	}
	var naxis int32
	if naxis, err = fits.popHeaderInt32("NAXIS"); err != nil {
		return err
	}
	if naxis < 1 {
		return errors.Errorf("%d: FITS primary HDU has no data axes", fits.ID)
	}
	fits.Naxisn = make([]int32, naxis)
	fits.Pixels = 1
	for i := range fits.Naxisn {
		if fits.Naxisn[i], err = fits.popHeaderInt32("NAXIS" + strconv.Itoa(i+1)); err != nil {
			return err
		}
		fits.Pixels *= fits.Naxisn[i]
	}

	var ok bool
	if fits.Bzero, ok = fits.popHeaderInt32OrFloat("BZERO"); !ok {
		fits.Bzero = 0
	}
	if fits.Bscale, ok = fits.popHeaderInt32OrFloat("BSCALE"); !ok {
		fits.Bscale = 1
	}
	if fits.Exposure, ok = fits.popHeaderInt32OrFloat("EXPOSURE"); !ok {
		fits.Exposure, _ = fits.popHeaderInt32OrFloat("EXPTIME")
	}
	return fits.readData(r, logWriter)
}

// Big-endian decoders per BITPIX value
var decoders = map[int32]func(b []byte) float32{
	8:   func(b []byte) float32 { return float32(b[0]) },
	16:  func(b []byte) float32 { return float32(int16(binary.BigEndian.Uint16(b))) },
	32:  func(b []byte) float32 { return float32(int32(binary.BigEndian.Uint32(b))) },
	64:  func(b []byte) float32 { return float32(int64(binary.BigEndian.Uint64(b))) },
	-32: func(b []byte) float32 { return math.Float32frombits(binary.BigEndian.Uint32(b)) },
	-64: func(b []byte) float32 { return float32(math.Float64frombits(binary.BigEndian.Uint64(b))) },
}

const bufLen int = 16 * 1024 // input buffer length for reading from file

// Reads image data, converts to float32, applies Bzero and Bscale and resets them afterwards
func (fits *Image) readData(r io.Reader, logWriter io.Writer) error {
	decode, ok := decoders[fits.Bitpix]
	if !ok {
		return errors.Errorf("%d: Unknown BITPIX value %d", fits.ID, fits.Bitpix)
	}
	if fits.Bitpix == 32 || fits.Bitpix == 64 || fits.Bitpix == -64 {
		fmt.Fprintf(logWriter, "%d: Warning: loss of precision converting BITPIX %d to float32 values\n", fits.ID, fits.Bitpix)
	}

	bytesPerValue := int(fits.Bitpix) / 8
	if bytesPerValue < 0 {
		bytesPerValue = -bytesPerValue
	}
	valuesPerBuf := bufLen / bytesPerValue
	buf := make([]byte, valuesPerBuf*bytesPerValue)

	fits.Data = make([]float32, int(fits.Pixels))
	for dataIndex := 0; dataIndex < len(fits.Data); dataIndex += valuesPerBuf {
		n := len(fits.Data) - dataIndex
		if n > valuesPerBuf {
			n = valuesPerBuf
		}
		if _, err := io.ReadFull(r, buf[:n*bytesPerValue]); err != nil {
			return errors.Wrapf(err, "%d: reading pixel data", fits.ID)
		}
		for i := 0; i < n; i++ {
			v := decode(buf[i*bytesPerValue:])
			fits.Data[dataIndex+i] = v*fits.Bscale + fits.Bzero
		}
	}
	fits.Bzero, fits.Bscale = 0, 1 // reflect that data values incorporate these now
	fits.Stats = stats.Calc(fits.Data)
	return nil
}

func (h *Header) read(r io.Reader, id int, logWriter io.Writer) error {
	buf := make([]byte, fitsBlockSize)
	subNames := reParser.SubexpNames()

	for h.Length = 0; !h.End; {
		if _, err := io.ReadFull(r, buf); err != nil {
			return errors.Wrapf(err, "%d: reading FITS header", id)
		}
		h.Length += int32(fitsBlockSize)

		for lineNo := 0; lineNo < fitsBlockSize/HeaderLineSize && !h.End; lineNo++ {
			line := buf[lineNo*HeaderLineSize : (lineNo+1)*HeaderLineSize]
			subValues := reParser.FindSubmatch(line)
			if subValues == nil {
				fmt.Fprintf(logWriter, "%d: Warning: Cannot parse '%s', ignoring\n", id, string(line))
				continue
			}
			h.readLine(subNames, subValues, id, lineNo, logWriter)
		}
	}
	return nil
}

func (h *Header) readLine(subNames []string, subValues [][]byte, id, lineNo int, logWriter io.Writer) {
	key := ""
	// ignore index 0 which is the whole line
	for i := 1; i < len(subNames); i++ {
		if subValues[i] == nil || len(subNames[i]) != 1 {
			continue
		}
		value := string(subValues[i])
		switch c := subNames[i][0]; c {
		case 'E':
			h.End = true
		case 'H':
			h.History = append(h.History, strings.TrimRight(value, " "))
		case 'C':
			h.Comments = append(h.Comments, strings.TrimRight(value, " "))
		case 'k':
			key = value
		case 'b':
			h.Bools[key] = value == "T"
		case 'i':
			if val, err := strconv.ParseInt(value, 10, 32); err == nil {
				h.Ints[key] = int32(val)
			}
		case 'f':
			value = strings.NewReplacer("D", "E", "d", "e").Replace(value)
			if val, err := strconv.ParseFloat(value, 32); err == nil {
				h.Floats[key] = float32(val)
			}
		case 's':
			h.Strings[key] = strings.TrimRight(strings.ReplaceAll(value, "''", "'"), " ")
		case 'd':
			h.Dates[key] = value
		case 'c':
			// ignore value comments
		default:
			fmt.Fprintf(logWriter, "%d:%d: Warning: Unknown token '%c'\n", id, lineNo, c)
		}
	}
}

// Build regexp parser for FITS header lines
func compileRE() *regexp.Regexp {
	white := "\\s+"
	whiteOpt := "\\s*"
	rest := ".*"

	histLine := "HISTORY" + "(?:" + white + "(?P<H>" + rest + "))?"
	commLine := "COMMENT" + "(?:" + white + "(?P<C>" + rest + "))?"
	endLine := "(?P<E>END)" + whiteOpt

	key := "(?P<k>[A-Z0-9_-]+)"
	equals := "="

	boo := "(?P<b>[TF])"
	inte := "(?P<i>[+-]?[0-9]+)"
	floa := "(?P<f>[+-]?(?:[0-9]*\\.[0-9]*(?:[EeDd][-+]?[0-9]+)?|[0-9]+[EeDd][-+]?[0-9]+))"
	stri := "'(?P<s>(?:[^']|'')*)'"
	date := "(?P<d>[0-9]{1,4}-?[012][0-9]-?[0123][0-9]T[012][0-9]:?[0-5][0-9]:?[0-5][0-9].?[0-9]*)"
	val := "(?:" + boo + "|" + inte + "|" + floa + "|" + stri + "|" + date + ")"

	commOpt := "(?:/(?P<c>.*))?"
	keyLine := key + whiteOpt + equals + whiteOpt + val + whiteOpt + commOpt

	lineRe := "^(?:" + white + "|" + histLine + "|" + commLine + "|" + keyLine + "|" + endLine + ")$"
	return regexp.MustCompile(lineRe)
}
