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

package internal

import (
	"bufio"
	"fmt"
	"os"
	"sync"
)

// Process-wide log writer. Writes to stdout, and optionally to a file.
// Does not add prefixes, or force newlines
var Log = &teeWriter{}

type teeWriter struct {
	mu     sync.Mutex
	file   *bufio.Writer
	fileOS *os.File
}

// Writes p to stdout and the optional log file
func (w *teeWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n, err = os.Stdout.Write(p)
	if err != nil || w.file == nil {
		return n, err
	}
	return w.file.Write(p)
}

func (w *teeWriter) closeFile() error {
	if w.file == nil {
		return nil
	}
	if err := w.file.Flush(); err != nil {
		return err
	}
	err := w.fileOS.Close()
	w.file, w.fileOS = nil, nil
	return err
}

// Enables logging to file, closing any previous log file
func LogAlsoToFile(fileName string) error {
	Log.mu.Lock()
	defer Log.mu.Unlock()
	if err := Log.closeFile(); err != nil {
		return err
	}
	f, err := os.OpenFile(fileName, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		return err
	}
	Log.fileOS, Log.file = f, bufio.NewWriter(f)
	return nil
}

func LogPrint(args ...interface{}) (n int, err error) {
	return fmt.Fprint(Log, args...)
}

func LogPrintln(args ...interface{}) (n int, err error) {
	return fmt.Fprintln(Log, args...)
}

func LogPrintf(format string, args ...interface{}) (n int, err error) {
	return fmt.Fprintf(Log, format, args...)
}

func LogFatal(args ...interface{}) {
	fmt.Fprintln(Log, args...)
	LogClose()
	os.Exit(1)
}

func LogFatalf(format string, args ...interface{}) {
	fmt.Fprintf(Log, format, args...)
	LogClose()
	os.Exit(1)
}

// Flushes the log file to disk
func LogSync() {
	Log.mu.Lock()
	defer Log.mu.Unlock()
	if Log.file == nil {
		return
	}
	Log.file.Flush()
	Log.fileOS.Sync()
}

// Flushes and closes the log file. Further output goes to stdout only
func LogClose() {
	Log.mu.Lock()
	defer Log.mu.Unlock()
	Log.closeFile()
}
