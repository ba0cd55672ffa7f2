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
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Writes an in-memory FITS image to a file with given filename, compressing
// with gzip if the name ends in .gz. Creates/overwrites the file if necessary
func (fits *Image) WriteFile(fileName string) (err error) {
	f, err := os.Create(fileName)
	if err != nil {
		return errors.Wrapf(err, "%d", fits.ID)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	bw := bufio.NewWriterSize(f, bufLen)
	var w io.Writer = bw
	var gz *gzip.Writer
	if lower := strings.ToLower(fileName); strings.HasSuffix(lower, ".gz") || strings.HasSuffix(lower, ".gzip") {
		gz = gzip.NewWriter(bw)
		w = gz
	}
	if err = fits.Write(w); err != nil {
		return errors.Wrapf(err, "%d: writing %s", fits.ID, fileName)
	}
	if gz != nil {
		if err = gz.Close(); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Writes an in-memory FITS image to an io.Writer as 32-bit floating point,
// followed by the remaining header keys in sorted order
func (fits *Image) Write(w io.Writer) error {
	sb := strings.Builder{}
	writeBool(&sb, "SIMPLE", true, "FITS standard 4.0")
	writeInt(&sb, "BITPIX", -32, "32-bit floating point")
	writeInt(&sb, "NAXIS", int64(len(fits.Naxisn)), "Number of axes")
	for i, n := range fits.Naxisn {
		writeInt(&sb, "NAXIS"+strconv.Itoa(i+1), int64(n), "Axis size")
	}
	if fits.Exposure != 0 {
		writeFloat(&sb, "EXPTIME", fits.Exposure, "Exposure time in seconds")
	}

	h := &fits.Header
	for _, k := range sortedKeys(h.Bools) {
		writeBool(&sb, k, h.Bools[k], "")
	}
	for _, k := range sortedKeys(h.Ints) {
		writeInt(&sb, k, int64(h.Ints[k]), "")
	}
	for _, k := range sortedKeys(h.Floats) {
		writeFloat(&sb, k, h.Floats[k], "")
	}
	for _, k := range sortedKeys(h.Strings) {
		writeString(&sb, k, h.Strings[k], "")
	}
	for _, k := range sortedKeys(h.Dates) {
		writeCard(&sb, k, h.Dates[k], "")
	}
	for _, c := range h.Comments {
		writeText(&sb, "COMMENT", c)
	}
	for _, c := range h.History {
		writeText(&sb, "HISTORY", c)
	}
	writeEnd(&sb)
	pad(&sb, sb.Len(), ' ')

	if _, err := io.WriteString(w, sb.String()); err != nil {
		return err
	}
	if err := writeFloat32Array(w, fits.Data); err != nil {
		return err
	}
	_, err := w.Write(make([]byte, padding(4*len(fits.Data))))
	return err
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Number of bytes needed to fill up the last FITS block
func padding(n int) int {
	if rem := n % fitsBlockSize; rem > 0 {
		return fitsBlockSize - rem
	}
	return 0
}

func pad(sb *strings.Builder, n int, c byte) {
	for i := padding(n); i > 0; i-- {
		sb.WriteByte(c)
	}
}

// Writes one 80 character header card. Values are right-aligned in fixed format
func writeCard(sb *strings.Builder, key, value, comment string) {
	if len(key) > 8 {
		key = key[:8]
	}
	line := fmt.Sprintf("%-8s= %20s", key, value)
	if comment != "" {
		line += " / " + comment
	}
	writeLine(sb, line)
}

func writeLine(sb *strings.Builder, line string) {
	if len(line) > HeaderLineSize {
		line = line[:HeaderLineSize]
	}
	sb.WriteString(line)
	sb.WriteString(strings.Repeat(" ", HeaderLineSize-len(line)))
}

// Writes a FITS header boolean value
func writeBool(sb *strings.Builder, key string, value bool, comment string) {
	v := "F"
	if value {
		v = "T"
	}
	writeCard(sb, key, v, comment)
}

// Writes a FITS header integer value
func writeInt(sb *strings.Builder, key string, value int64, comment string) {
	writeCard(sb, key, strconv.FormatInt(value, 10), comment)
}

// Writes a FITS header float value in exponent notation. Non-finite values
// have no FITS representation and are skipped
func writeFloat(sb *strings.Builder, key string, value float32, comment string) {
	if math.IsNaN(float64(value)) || math.IsInf(float64(value), 0) {
		return
	}
	s := strconv.FormatFloat(float64(value), 'E', -1, 32)
	if !strings.Contains(s, ".") {
		s = strings.Replace(s, "E", ".0E", 1)
	}
	writeCard(sb, key, s, comment)
}

// Writes a FITS header string value, escaping quotes and truncating to fit one card
func writeString(sb *strings.Builder, key, value, comment string) {
	escaped := strings.ReplaceAll(value, "'", "''")
	for len(escaped) > 68 {
		value = value[:len(value)-1]
		escaped = strings.ReplaceAll(value, "'", "''")
	}
	if len(key) > 8 {
		key = key[:8]
	}
	line := fmt.Sprintf("%-8s= '%-8s'", key, escaped)
	if comment != "" {
		line += " / " + comment
	}
	writeLine(sb, line)
}

// Writes a COMMENT or HISTORY card
func writeText(sb *strings.Builder, key, text string) {
	writeLine(sb, fmt.Sprintf("%-8s%s", key, text))
}

// Writes a FITS header end record
func writeEnd(sb *strings.Builder) {
	writeLine(sb, "END")
}

// Writes FITS binary body data in network byte order
func writeFloat32Array(w io.Writer, data []float32) error {
	buf := make([]byte, bufLen)
	for block := 0; block < len(data); block += bufLen >> 2 {
		size := len(data) - block
		if size > bufLen>>2 {
			size = bufLen >> 2
		}
		for offset := 0; offset < size; offset++ {
			binary.BigEndian.PutUint32(buf[offset<<2:], math.Float32bits(data[block+offset]))
		}
		if _, err := w.Write(buf[:size<<2]); err != nil {
			return err
		}
	}
	return nil
}
