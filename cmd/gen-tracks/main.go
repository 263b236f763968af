// Command gen-tracks writes toy-model tracks through a misaligned detector:
// the measured hits and, optionally, the ideal ones.
package main

import (
	"flag"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/banshee-data/align/internal/fsutil"
	"github.com/banshee-data/align/internal/geometry"
	"github.com/banshee-data/align/internal/toymodel"
	"github.com/banshee-data/align/internal/trackio"
	"github.com/banshee-data/align/internal/version"
)

var (
	events     = flag.Int("events", 10000, "Number of tracks to generate")
	seed       = flag.Uint64("seed", 1, "Random seed")
	resolution = flag.Float64("resolution", 0.08, "Gaussian hit resolution")
	slopeRange = flag.Float64("slope", 0.15, "Slopes are drawn from U(-slope, slope)")
	intercept  = flag.Float64("intercept", 50, "Layer-0 positions are drawn from U(-intercept, intercept)")
	zList      = flag.String("z", "", "Comma-separated layer z positions (default 3,13,63,73,103)")
	dxList     = flag.String("dx", "", "Comma-separated injected x shifts, one per layer")
	dyList     = flag.String("dy", "", "Comma-separated injected y shifts, one per layer")
	dzList     = flag.String("dz", "", "Comma-separated injected z shifts, one per layer")
	azList     = flag.String("az", "", "Comma-separated injected rotations about z (radians), one per layer")

	output      = flag.String("output", "tracks.txt", "Measured track file")
	truthOutput = flag.String("truth", "", "Optional file for the undistorted tracks")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("gen-tracks"))
		return
	}

	cfg, err := buildConfig()
	if err != nil {
		log.Fatalf("Invalid flag: %v", err)
	}
	evs, err := toymodel.Generate(cfg)
	if err != nil {
		log.Fatalf("Failed to generate tracks: %v", err)
	}

	fsys := fsutil.OSFileSystem{}
	if err := trackio.SaveFile(fsys, *output, toymodel.Measured(evs)); err != nil {
		log.Fatalf("Could not write %s: %v", *output, err)
	}
	log.Printf("wrote %d measured tracks to %s", len(evs), *output)

	if *truthOutput != "" {
		if err := trackio.SaveFile(fsys, *truthOutput, toymodel.Truth(evs)); err != nil {
			log.Fatalf("Could not write %s: %v", *truthOutput, err)
		}
		log.Printf("wrote %d truth tracks to %s", len(evs), *truthOutput)
	}
}

func buildConfig() (toymodel.Config, error) {
	cfg := toymodel.DefaultConfig()
	cfg.Events = *events
	cfg.Seed = *seed
	cfg.Resolution = *resolution
	cfg.SlopeRange = *slopeRange
	cfg.InterceptRange = *intercept

	if *zList != "" {
		z, err := parseFloats(*zList)
		if err != nil {
			return cfg, fmt.Errorf("-z: %w", err)
		}
		cfg.Z = z
		if len(cfg.Offsets) != len(z) {
			cfg.Offsets = geometry.NewParams(len(z))
		}
	}

	for _, o := range []struct {
		name  string
		list  string
		param int
	}{
		{"dx", *dxList, geometry.ParamDX},
		{"dy", *dyList, geometry.ParamDY},
		{"dz", *dzList, geometry.ParamDZ},
		{"az", *azList, geometry.ParamAZ},
	} {
		if o.list == "" {
			continue
		}
		values, err := parseFloats(o.list)
		if err != nil {
			return cfg, fmt.Errorf("-%s: %w", o.name, err)
		}
		if len(values) != len(cfg.Z) {
			return cfg, fmt.Errorf("-%s: need %d values, got %d", o.name, len(cfg.Z), len(values))
		}
		for l, v := range values {
			cfg.Offsets[l][o.param] = v
		}
	}
	return cfg, cfg.Validate()
}

func parseFloats(s string) ([]float64, error) {
	var out []float64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
