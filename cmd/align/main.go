// Command align runs iterative detector alignment over a file of straight
// tracks and reports the fitted per-layer corrections.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/banshee-data/align/internal/align"
	"github.com/banshee-data/align/internal/config"
	"github.com/banshee-data/align/internal/fsutil"
	"github.com/banshee-data/align/internal/monitoring"
	"github.com/banshee-data/align/internal/report"
	"github.com/banshee-data/align/internal/runstore"
	"github.com/banshee-data/align/internal/trackio"
	"github.com/banshee-data/align/internal/version"
)

var (
	tracksPath  = flag.String("tracks", "", "Track file to align (required)")
	trackFormat = flag.String("format", string(trackio.FormatSim), "Track file format: 'sim' (x y z per hit) or 'log' (header line, 4 values per hit)")
	configPath  = flag.String("config", "", "Alignment config, .json, .yaml or .yml (defaults apply when empty)")

	// Overrides; only applied when given on the command line.
	solverName    = flag.String("solver", "", "Linear solver: lin, cholesky, svd, cg, cgs, bicg, bicgstab, minres, gmres, tfqmr")
	iterations    = flag.Int("iterations", 0, "Number of alignment iterations")
	batchSize     = flag.Int("batch", 0, "Tracks per iteration")
	batchMode     = flag.String("batch-mode", "", "Batch mode: 'sequential' or 'repeat'")
	stepSize      = flag.Float64("step", 0, "Step size applied to each solved correction")
	lambda        = flag.Float64("lambda", 0, "Regularization added to the normal-equations diagonal")
	momentumEta   = flag.Float64("momentum", 0, "Enable momentum with this eta in [0,1]")
	angleAlign    = flag.Bool("angle", false, "Also align the three rotation angles")
	fixedLayer    = flag.Int("fix-layer", 0, "Reference layer held at zero correction")
	noFix         = flag.Bool("no-fix", false, "Do not pin a reference layer")
	anchors       = flag.String("anchors", "", "Comma-separated additional layers held at zero correction")
	resolution    = flag.String("resolution", "", "Hit resolution: one value, or one per measurement x0,y0,x1,y1,...")
	minImprove    = flag.Float64("min-improvement", 0, "Stop when the relative chi2 improvement drops to this value")
	skipMalformed = flag.Bool("skip-malformed", false, "Drop tracks with the wrong hit count instead of failing")
	workers       = flag.Int("workers", 0, "Goroutines filling the design matrix (0 = GOMAXPROCS)")

	// Outputs
	outDir     = flag.String("out", "", "Directory for the chi2_*.txt history file")
	descriptor = flag.String("descriptor", "", "Suffix added to the chi2 history file name")
	plotDir    = flag.String("plot", "", "Directory for convergence PNG plots")
	htmlDir    = flag.String("html", "", "Directory for the interactive HTML report")
	dbPath     = flag.String("db", "", "SQLite database recording the run")

	verbose     = flag.Bool("v", false, "Verbose logging (per-iteration parameters, solver traces)")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("align"))
		return
	}
	monitoring.SetVerbose(*verbose)

	acfg := config.EmptyAlignConfig()
	if *configPath != "" {
		var err error
		acfg, err = config.LoadAlignConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}
	if err := applyOverrides(acfg); err != nil {
		log.Fatalf("Invalid flag: %v", err)
	}
	cfg, err := acfg.ToSession()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if *tracksPath == "" {
		log.Fatal("-tracks is required")
	}
	format, err := trackio.ParseFormat(*trackFormat)
	if err != nil {
		log.Fatalf("Invalid track format: %v", err)
	}
	fsys := fsutil.OSFileSystem{}
	loadStart := time.Now()
	tracks, err := trackio.LoadFile(fsys, *tracksPath, format)
	if err != nil {
		log.Fatalf("Failed to load tracks: %v", err)
	}
	log.Printf("loaded %d tracks from %s in %s", len(tracks), *tracksPath, time.Since(loadStart).Round(time.Millisecond))

	sess, err := align.NewSession(cfg)
	if err != nil {
		log.Fatalf("Failed to create session: %v", err)
	}
	settings := report.SettingsFromConfig(cfg)
	settings.Descriptor = *descriptor
	history := report.NewHistory(settings)
	sess.AddObserver(history)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store *runstore.Store
	var runID string
	if *dbPath != "" {
		store, err = runstore.Open(*dbPath)
		if err != nil {
			log.Fatalf("Failed to open run database: %v", err)
		}
		defer store.Close()
		run, err := store.CreateRun(ctx, cfg, *tracksPath)
		if err != nil {
			log.Fatalf("Failed to record run: %v", err)
		}
		runID = run.ID
		log.Printf("recording run %s in %s", runID, *dbPath)
		sess.AddObserver(store.Observer(ctx, runID))
	}

	res, err := sess.Run(ctx, tracks)
	if err != nil {
		if store != nil {
			// The run context may already be cancelled.
			if ferr := store.FailRun(context.Background(), runID, err); ferr != nil {
				log.Printf("failed to mark run %s failed: %v", runID, ferr)
			}
		}
		log.Fatalf("Alignment failed: %v", err)
	}
	if store != nil {
		if err := store.FinishRun(ctx, runID, res); err != nil {
			log.Printf("failed to record run result: %v", err)
		}
	}

	fmt.Printf("stopped after %d iterations (%s)\n", len(res.Steps), res.Reason)
	fmt.Printf("chi2: %s\n", formatChi2(res.ChiSquares()))
	if it, chi2, ok := history.Best(); ok {
		fmt.Printf("lowest chi2 %.4f at iteration %d\n", chi2, it)
	}
	fmt.Println("corrected global parameters (dx dy dz ax ay az):")
	fmt.Print(report.FormatParams(res.Params))

	writeReports(fsys, history)
}

func writeReports(fsys fsutil.FileSystem, history *report.History) {
	if history.Len() == 0 {
		return
	}
	if *outDir != "" {
		path, err := report.SaveChiSquares(fsys, *outDir, history)
		if err != nil {
			log.Printf("failed to write chi2 history: %v", err)
		} else {
			log.Printf("wrote %s", path)
		}
	}
	if *plotDir != "" {
		paths, err := report.SavePlots(fsys, *plotDir, history)
		if err != nil {
			log.Printf("failed to write plots: %v", err)
		}
		for _, p := range paths {
			log.Printf("wrote %s", p)
		}
	}
	if *htmlDir != "" {
		path, err := report.SaveHTML(fsys, *htmlDir, history)
		if err != nil {
			log.Printf("failed to write HTML report: %v", err)
		} else {
			log.Printf("wrote %s", path)
		}
	}
}

// applyOverrides copies every flag that was set on the command line into cfg.
func applyOverrides(cfg *config.AlignConfig) error {
	var err error
	flag.Visit(func(f *flag.Flag) {
		if err != nil {
			return
		}
		switch f.Name {
		case "solver":
			cfg.Solver = solverName
		case "iterations":
			cfg.Iterations = iterations
		case "batch":
			cfg.BatchSize = batchSize
		case "batch-mode":
			cfg.BatchMode = batchMode
		case "step":
			cfg.StepSize = stepSize
		case "lambda":
			cfg.RegularizationLambda = lambda
		case "momentum":
			on := true
			cfg.UseMomentum = &on
			cfg.MomentumEta = momentumEta
		case "angle":
			cfg.AngleAlign = angleAlign
		case "fix-layer":
			on := true
			cfg.FixLayers = &on
			cfg.FixedLayerIndex = fixedLayer
		case "no-fix":
			off := !*noFix
			cfg.FixLayers = &off
		case "anchors":
			var layers []int
			layers, err = parseInts(*anchors)
			cfg.AnchorLayers = layers
		case "resolution":
			var res []float64
			res, err = parseFloats(*resolution)
			cfg.Resolution = res
		case "min-improvement":
			cfg.MinChi2Improvement = minImprove
		case "skip-malformed":
			cfg.SkipMalformedTracks = skipMalformed
		case "workers":
			cfg.Workers = workers
		}
		if err != nil {
			err = fmt.Errorf("-%s: %w", f.Name, err)
		}
	})
	return err
}

func parseInts(s string) ([]int, error) {
	var out []int
	for _, part := range splitList(s) {
		v, err := strconv.Atoi(part)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func parseFloats(s string) ([]float64, error) {
	var out []float64
	for _, part := range splitList(s) {
		v, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func formatChi2(values []float64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprintf("%.4f", v)
	}
	return strings.Join(parts, "  ")
}

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: align -tracks FILE [options]\n\n")
		flag.PrintDefaults()
	}
}
