package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/banshee-data/align/internal/align"
	"github.com/banshee-data/align/internal/solver"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestEmptyConfigMatchesDefaults(t *testing.T) {
	cfg, err := EmptyAlignConfig().ToSession()
	if err != nil {
		t.Fatalf("ToSession() on empty config: %v", err)
	}
	want := align.DefaultConfig()
	if diff := cmp.Diff(want, cfg, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("empty config differs from align.DefaultConfig (-want +got):\n%s", diff)
	}
}

func TestDefaultsFileMatchesGetters(t *testing.T) {
	fromFile, err := MustLoadDefaultConfig().ToSession()
	if err != nil {
		t.Fatalf("defaults file: %v", err)
	}
	fromGetters, err := EmptyAlignConfig().ToSession()
	if err != nil {
		t.Fatalf("getters: %v", err)
	}
	if diff := cmp.Diff(fromGetters, fromFile, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("%s and Get* defaults disagree (-getters +file):\n%s", DefaultConfigPath, diff)
	}
}

func TestLoadAlignConfig(t *testing.T) {
	path := writeConfig(t, "run.json", `{
  "layers": 3,
  "batch_size": 40,
  "batch_mode": "repeat",
  "iterations": 12,
  "step_size": 0.25,
  "use_momentum": true,
  "momentum_eta": 0.5,
  "anchor_layers": [2],
  "angle_align": true,
  "solver": "GMRES",
  "gmres_restart": 10,
  "resolution": [0.08],
  "skip_malformed_tracks": true
}`)

	cfg, err := LoadAlignConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Layers == nil || *cfg.Layers != 3 {
		t.Errorf("Expected Layers 3, got %v", cfg.Layers)
	}
	if cfg.StepSize == nil || *cfg.StepSize != 0.25 {
		t.Errorf("Expected StepSize 0.25, got %v", cfg.StepSize)
	}
	if cfg.RegularizationLambda != nil {
		t.Errorf("Expected RegularizationLambda unset, got %v", *cfg.RegularizationLambda)
	}

	sess, err := cfg.ToSession()
	if err != nil {
		t.Fatalf("ToSession: %v", err)
	}
	if sess.Solver != solver.MethodGMRES {
		t.Errorf("Solver = %q, want gmres", sess.Solver)
	}
	if sess.BatchMode != align.BatchRepeat {
		t.Errorf("BatchMode = %q, want repeat", sess.BatchMode)
	}
	if sess.SolverOptions.Restart != 10 {
		t.Errorf("Restart = %d, want 10", sess.SolverOptions.Restart)
	}
	if len(sess.Resolution) != 6 {
		t.Fatalf("Resolution has %d entries, want 6", len(sess.Resolution))
	}
	for i, r := range sess.Resolution {
		if r != 0.08 {
			t.Errorf("Resolution[%d] = %v, want 0.08", i, r)
		}
	}
	if got := sess.PinnedLayers(); !cmp.Equal(got, []int{0, 2}) {
		t.Errorf("PinnedLayers() = %v, want [0 2]", got)
	}
	if !sess.UseMomentum || sess.MomentumEta != 0.5 || !sess.AngleAlign || !sess.SkipMalformed {
		t.Errorf("boolean options not carried through: %+v", sess)
	}
}

func TestLoadAlignConfigYAML(t *testing.T) {
	path := writeConfig(t, "run.yml", `
layers: 4
solver: minres
anchor_layers: [3]
resolution: [0.1]
use_momentum: true
momentum_eta: 0.8
`)
	cfg, err := LoadAlignConfig(path)
	if err != nil {
		t.Fatalf("Failed to load YAML config: %v", err)
	}
	sess, err := cfg.ToSession()
	if err != nil {
		t.Fatalf("ToSession: %v", err)
	}
	if sess.Layers != 4 || sess.Solver != solver.MethodMINRES || sess.MomentumEta != 0.8 || !sess.UseMomentum {
		t.Errorf("unexpected session config: %+v", sess)
	}
	if len(sess.Resolution) != 8 {
		t.Errorf("Resolution has %d entries, want 8", len(sess.Resolution))
	}
	if got := sess.PinnedLayers(); !cmp.Equal(got, []int{0, 3}) {
		t.Errorf("PinnedLayers() = %v, want [0 3]", got)
	}
	if sess.BatchSize != 100 {
		t.Errorf("BatchSize = %d, want default 100", sess.BatchSize)
	}
}

func TestLoadAlignConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		body    string
		wantErr string
	}{
		{"extension", "run.toml", `{}`, "extension"},
		{"bad yaml", "run.yaml", "layers: [", "failed to parse config YAML"},
		{"bad json", "run.json", `{"layers": }`, "failed to parse"},
		{"unknown solver", "run.json", `{"solver": "qmr"}`, "unsupported matrix solver"},
		{"fixed layer out of range", "run.json", `{"layers": 3, "fixed_layer_index": 3}`, "fixed_layer_index"},
		{"resolution length", "run.json", `{"layers": 3, "resolution": [1, 2]}`, "resolution"},
		{"negative tolerance", "run.json", `{"solver_tolerance": -1}`, "solver_tolerance"},
		{"batch mode", "run.json", `{"batch_mode": "shuffle"}`, "batch_mode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.file, tt.body)
			_, err := LoadAlignConfig(path)
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}

	if _, err := LoadAlignConfig(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}

	big := writeConfig(t, "big.json", `{"layers": 5`+strings.Repeat(" ", 1024*1024)+`}`)
	if _, err := LoadAlignConfig(big); err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("expected size error, got %v", err)
	}
}

func TestValidateWrapsSentinels(t *testing.T) {
	cfg := EmptyAlignConfig()
	cfg.StepSize = ptrFloat64(0)
	if err := cfg.Validate(); !errors.Is(err, align.ErrInvalidConfig) {
		t.Errorf("Validate() = %v, want ErrInvalidConfig", err)
	}

	cfg = EmptyAlignConfig()
	cfg.Solver = ptrString("lgmres")
	if err := cfg.Validate(); !errors.Is(err, solver.ErrUnknownMethod) {
		t.Errorf("Validate() = %v, want ErrUnknownMethod", err)
	}

	cfg = EmptyAlignConfig()
	cfg.Layers = ptrInt(4)
	cfg.FixLayers = ptrBool(false)
	cfg.FixedLayerIndex = ptrInt(7)
	if err := cfg.Validate(); err != nil {
		t.Errorf("fixed_layer_index must be ignored when fix_layers is false: %v", err)
	}
}
