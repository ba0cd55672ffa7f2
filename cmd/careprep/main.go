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

package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/cpuid"
	"github.com/pbnjay/memory"
	"github.com/pkg/errors"

	cp "github.com/mlnoga/careprep/internal"
	"github.com/mlnoga/careprep/internal/config"
	"github.com/mlnoga/careprep/internal/dataset"
	"github.com/mlnoga/careprep/internal/fits"
	"github.com/mlnoga/careprep/internal/ops"
	"github.com/mlnoga/careprep/internal/patch"
	"github.com/mlnoga/careprep/internal/preview"
	"github.com/mlnoga/careprep/internal/rest"
)

var cpuprofile = flag.String("cpuprofile", "", "write cpu profile to `file`")
var memprofile = flag.String("memprofile", "", "write memory profile to `file`")

var configFile = flag.String("config", "", "load settings from YAML `file`; explicit flags override it")

var src = flag.String("src", "", "comma-separated file patterns of noisy source images, e.g. `low/*.fits`")
var tgt = flag.String("tgt", "", "comma-separated file patterns of clean target images, e.g. `high/*.fits`")

var out = flag.String("out", "patches", "base name for sample outputs; writes `name`_inputs.fits, name_targets.fits and name.yaml")
var log = flag.String("log", "%auto", "save log output to `file`. `%auto` appends .log to the output base name")
var jpg = flag.String("jpg", "%auto", "save preview montage as JPEG to `file`. `%auto` appends .jpg to the output base name")
var meta = flag.String("meta", "", "metadata `file` with normalization statistics, for denorm and serve")
var denormOut = flag.String("denormOut", "denorm%04d.fits", "save denormalized images with given filename `pattern`")

var patchSize = flag.String("patch", "64,64", "patch size per spatial axis, slowest varying first, e.g. `16,64,64`")
var seed = flag.Uint("seed", 0, "random seed for patch sampling, split and augmentation. 0=seed from clock")
var valFrac = flag.Float64("val", 0.1, "fraction of patches held out for validation")
var augment = flag.Bool("augment", true, "augment training samples with random flips and rotations")

var threads = flag.Int("threads", 0, "number of concurrent loaders, 0=number of logical cores")
var patchMem = flag.Int("patchMem", 0, "MiB of memory available for patches, 0=0.7x physical memory")
var csvOut = flag.String("csv", "", "save per-image statistics from stats as CSV to `file`")
var bins = flag.Int("bins", 1024, "number of histogram bins for stats")
var samples = flag.Int("n", 16, "number of sample pairs to show in the preview montage")
var clip = flag.Float64("clip", 0, "percent of values clipped at either end of each preview tile, 0=stretch min to max")

var addr = flag.String("addr", ":8080", "listen address for serve")
var chroot = flag.String("chroot", "", "chroot to `dir` before serving")
var setuid = flag.Int("setuid", -1, "switch to user `id` before serving, -1=keep")

func main() {
	start := time.Now()
	flag.Usage = func() {
		fmt.Fprintf(cp.Log, `careprep Copyright (c) 2020 Markus L. Noga
This program comes with ABSOLUTELY NO WARRANTY.
This is free software, and you are welcome to redistribute it under certain conditions.
Refer to https://www.gnu.org/licenses/gpl-3.0.en.html for details.

Usage: %s [-flag value] (stats|sample|preview|serve|denorm|legal|version) (img0.fits ... imgn.fits)

Commands:
  stats   Show image statistics and fitted background for the given files
  sample  Draw patch pairs from -src and -tgt, write them as FITS cubes with metadata
  preview Draw patch pairs and save an augmented sample montage as JPEG
  serve   Draw patch pairs and serve training and validation samples over HTTP
  denorm  Undo target normalization of model output files using -meta
  legal   Show license and attribution information
  version Show version information

Flags:
`, os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	// Initialize logging to file in addition to stdout, if selected
	if *log == "%auto" {
		*log = ""
		if *out != "" {
			*log = *out + ".log"
		}
	}
	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		return
	}
	if *log != "" && args[0] != "legal" && args[0] != "version" && args[0] != "help" {
		if err := cp.LogAlsoToFile(*log); err != nil {
			cp.LogFatalf("Unable to open logfile '%s': %s\n", *log, err.Error())
		}
	}
	defer cp.LogClose()
	if *jpg == "%auto" {
		*jpg = *out + ".jpg"
	}

	// Enable CPU profiling if flagged
	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			cp.LogFatal("Could not create CPU profile: ", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			cp.LogFatal("Could not start CPU profile: ", err)
		}
		defer pprof.StopCPUProfile()
	}

	cfg, err := loadConfig()
	if err != nil {
		cp.LogFatalf("Error: %s\n", err.Error())
	}
	c := ops.NewContext(cp.Log)
	if cfg.Resources.MaxThreads > 0 {
		c.MaxThreads = cfg.Resources.MaxThreads
	}
	if cfg.Resources.PatchMemoryMB > 0 {
		c.PatchMemoryMB = cfg.Resources.PatchMemoryMB
	}

	switch args[0] {
	case "stats":
		err = cmdStats(args[1:], c)
	case "sample":
		err = cmdSample(cfg, c)
	case "preview":
		err = cmdPreview(cfg, c)
	case "serve":
		err = cmdServe(cfg, c)
	case "denorm":
		err = cmdDenorm(args[1:], c)
	case "legal":
		cmdLegal()
		return
	case "version":
		cmdVersion()
		return
	case "help", "?":
		flag.Usage()
		return
	default:
		fmt.Fprintf(cp.Log, "Unknown command '%s'\n\n", args[0])
		flag.Usage()
		return
	}
	if err != nil {
		cp.LogFatalf("Error: %s\n", err.Error())
	}
	fmt.Fprintf(cp.Log, "\nDone after %v\n", time.Since(start))

	// Store memory profile if flagged
	if *memprofile != "" {
		f, err := os.Create(*memprofile)
		if err != nil {
			cp.LogFatal("Could not create memory profile: ", err)
		}
		defer f.Close()
		runtime.GC() // get up-to-date statistics
		if err := pprof.Lookup("allocs").WriteTo(f, 0); err != nil {
			cp.LogFatal("Could not write allocation profile: ", err)
		}
	}
}

// Loads the YAML configuration if given, then applies explicitly set flags on top
func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if *configFile != "" {
		var err error
		if cfg, err = config.LoadConfig(*configFile); err != nil {
			return nil, err
		}
	}
	var err error
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "patch":
			var ps []int
			if ps, err = parseInts(*patchSize); err == nil {
				cfg.Sampling.PatchSize = ps
			}
		case "seed":
			cfg.Sampling.Seed = uint32(*seed)
		case "val":
			cfg.Sampling.ValidationFraction = *valFrac
		case "augment":
			cfg.Dataset.Augment = *augment
		case "threads":
			cfg.Resources.MaxThreads = *threads
		case "patchMem":
			cfg.Resources.PatchMemoryMB = *patchMem
		case "addr":
			cfg.Serve.Addr = *addr
		case "chroot":
			cfg.Serve.Chroot = *chroot
		case "setuid":
			cfg.Serve.Setuid = *setuid
		}
	})
	if err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// Parses a comma-separated list of integers
func parseInts(s string) ([]int, error) {
	var res []int
	for _, part := range strings.Split(s, ",") {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, errors.Wrapf(err, "parsing integer list '%s'", s)
		}
		res = append(res, v)
	}
	return res, nil
}

func splitPatterns(s string) []string {
	var res []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			res = append(res, p)
		}
	}
	return res
}

func prepare(cfg *config.Config, c *ops.Context) (*ops.Prepared, error) {
	sources, targets := splitPatterns(*src), splitPatterns(*tgt)
	if len(sources) == 0 || len(targets) == 0 {
		return nil, errors.New("need -src and -tgt file patterns")
	}
	return ops.NewOpPrepare(cfg, sources, targets).Apply(c)
}

func cmdStats(patterns []string, c *ops.Context) error {
	seq := ops.NewOpSequence(ops.NewOpLoadMany(patterns), ops.NewOpStats(*bins))
	promises, err := seq.MakePromises(nil, c)
	if err != nil {
		return err
	}
	images, err := ops.MaterializeAll(promises, c.MaxThreads)
	if err != nil || *csvOut == "" {
		return err
	}
	fmt.Fprintf(c.Log, "Writing statistics of %d images to %s\n", len(images), *csvOut)
	f, err := os.Create(*csvOut)
	if err != nil {
		return err
	}
	if err := ops.WriteStatsCSV(f, images); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func cmdSample(cfg *config.Config, c *ops.Context) error {
	p, err := prepare(cfg, c)
	if err != nil {
		return err
	}
	if err := writeSet(p.TrainSet, *out, p.Metadata, c); err != nil {
		return err
	}
	if p.ValidationSet.Len() > 0 {
		if err := writeSet(p.ValidationSet, *out+"_val", p.Metadata, c); err != nil {
			return err
		}
	}
	fmt.Fprintf(c.Log, "Writing metadata to %s.yaml\n", *out)
	return config.SaveMetadata(p.Metadata, *out+".yaml")
}

// Writes source and target patches of a set as float32 FITS cubes
func writeSet(set *patch.Set, base string, md *config.Metadata, c *ops.Context) error {
	for _, role := range []struct {
		suffix string
		img    *fits.Image
		mean   float32
		std    float32
	}{
		{"_inputs.fits", fits.NewImageFromArray(set.Inputs), md.Source.Mean, md.Source.StdDev},
		{"_targets.fits", fits.NewImageFromArray(set.Targets), md.Target.Mean, md.Target.StdDev},
	} {
		role.img.Header.Ints["NPATCH"] = int32(set.Len())
		role.img.Header.Floats["NMEAN"] = role.mean
		role.img.Header.Floats["NSTD"] = role.std
		role.img.Header.Strings["CREATOR"] = "careprep " + cp.Version
		fileName := base + role.suffix
		fmt.Fprintf(c.Log, "Writing %s patches to %s\n", role.img.DimensionsToString(), fileName)
		if err := role.img.WriteFile(fileName); err != nil {
			return err
		}
	}
	return nil
}

func cmdPreview(cfg *config.Config, c *ops.Context) error {
	p, err := prepare(cfg, c)
	if err != nil {
		return err
	}
	pairs, err := previewPairs(p.Train, *samples)
	if err != nil {
		return err
	}
	img, err := preview.Montage(pairs, preview.Options{Gap: 2, Clip: *clip})
	if err != nil {
		return err
	}
	fmt.Fprintf(c.Log, "Writing %d sample pairs to %s\n", len(pairs), *jpg)
	return preview.WriteJPEGToFile(*jpg, img, 95)
}

func previewPairs(d *dataset.Paired, n int) ([]preview.Pair, error) {
	if n > d.Len() {
		n = d.Len()
	}
	pairs := make([]preview.Pair, n)
	for i := range pairs {
		in, tg, err := d.Get(i)
		if err != nil {
			return nil, err
		}
		pairs[i] = preview.Pair{Input: in, Target: tg}
	}
	return pairs, nil
}

func cmdServe(cfg *config.Config, c *ops.Context) error {
	p, err := prepare(cfg, c)
	if err != nil {
		return err
	}
	if *meta != "" {
		fmt.Fprintf(c.Log, "Writing metadata to %s\n", *meta)
		if err := config.SaveMetadata(p.Metadata, *meta); err != nil {
			return err
		}
	}
	if err := rest.MakeSandbox(cfg.Serve.Chroot, cfg.Serve.Setuid, c.Log); err != nil {
		return err
	}
	s := &rest.Server{
		Splits:   map[string]*dataset.Paired{"train": p.Train, "validation": p.Validation},
		Metadata: p.Metadata,
	}
	fmt.Fprintf(c.Log, "Serving %d training and %d validation samples on %s\n", p.Train.Len(), p.Validation.Len(), cfg.Serve.Addr)
	return s.Serve(cfg.Serve.Addr, c.Log)
}

func cmdDenorm(patterns []string, c *ops.Context) error {
	if *meta == "" {
		return errors.New("denorm needs -meta with the metadata file written by sample")
	}
	md, err := config.LoadMetadata(*meta)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.Log, "Denormalizing with target %s from %s\n", md.Target, filepath.Base(*meta))
	seq := ops.NewOpSequence(
		ops.NewOpLoadMany(patterns),
		ops.NewOpDenormalize(md.Target),
		ops.NewOpSave(*denormOut),
	)
	promises, err := seq.MakePromises(nil, c)
	if err != nil {
		return err
	}
	_, err = ops.MaterializeAll(promises, c.MaxThreads)
	return err
}

func cmdVersion() {
	fmt.Fprintf(cp.Log, "careprep version %s\n", cp.Version)
	fmt.Fprintf(cp.Log, "CPU %s, %d physical cores, %d logical cores, AVX2 %v\n",
		cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores, cpuid.CPU.AVX2())
	fmt.Fprintf(cp.Log, "Memory %d MiB total, %d MiB free\n", memory.TotalMemory()>>20, memory.FreeMemory()>>20)
	fmt.Fprintf(cp.Log, "Go %s on %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
