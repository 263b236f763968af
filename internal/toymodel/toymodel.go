// Package toymodel generates synthetic straight tracks through a misaligned
// layer stack, for exercising the alignment end to end.
//
// Every event draws slopes and a layer-0 intercept uniformly, smears each hit
// with a gaussian resolution and then displaces it by its layer's offset:
// translation first, then the exact rotation Rz·Ry·Rx about the origin. The
// alignment transform undoes this in the opposite order.
package toymodel

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/banshee-data/align/internal/geometry"

	"gonum.org/v1/gonum/stat/distuv"
)

// Config describes the detector and the injected misalignment.
type Config struct {
	Events int
	// Z is the nominal position of every layer along the beam.
	Z []float64
	// Offsets holds one injected correction per layer, in the
	// geometry.LayerParams order dx dy dz ax ay az.
	Offsets        geometry.Params
	Resolution     float64
	SlopeRange     float64
	InterceptRange float64
	Seed           uint64
}

// DefaultConfig is the five-layer toy setup: layers at z = 3, 13, 63, 73 and
// 103 with layer 0 unshifted.
func DefaultConfig() Config {
	return Config{
		Events: 10000,
		Z:      []float64{3, 13, 63, 73, 103},
		Offsets: geometry.Params{
			{0, 0, 0},
			{1, -2, 0},
			{-0.5, 1, 0},
			{-2, 0.5, 0},
			{-1, 1, 0},
		},
		Resolution:     0.08,
		SlopeRange:     0.15,
		InterceptRange: 50,
		Seed:           1,
	}
}

// Validate checks the shape of c.
func (c Config) Validate() error {
	if c.Events < 1 {
		return fmt.Errorf("events must be positive, got %d", c.Events)
	}
	if len(c.Z) < 3 {
		return fmt.Errorf("need at least 3 layers, got %d", len(c.Z))
	}
	if len(c.Offsets) != len(c.Z) {
		return fmt.Errorf("%d offsets for %d layers", len(c.Offsets), len(c.Z))
	}
	if c.Resolution < 0 || c.SlopeRange < 0 || c.InterceptRange < 0 {
		return errors.New("resolution and ranges must not be negative")
	}
	return nil
}

// Event is one generated track.
type Event struct {
	// Truth holds the smeared hits before misalignment.
	Truth geometry.Track
	// Measured holds the hits as the misaligned detector reports them.
	Measured geometry.Track
	Slope    [2]float64
}

// Generator draws events from a seeded source.
type Generator struct {
	cfg       Config
	slope     distuv.Uniform
	intercept distuv.Uniform
	smear     distuv.Normal
}

// NewGenerator validates cfg and seeds the distributions.
func NewGenerator(cfg Config) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	src := rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)
	return &Generator{
		cfg:       cfg,
		slope:     distuv.Uniform{Min: -cfg.SlopeRange, Max: cfg.SlopeRange, Src: src},
		intercept: distuv.Uniform{Min: -cfg.InterceptRange, Max: cfg.InterceptRange, Src: src},
		smear:     distuv.Normal{Mu: 0, Sigma: cfg.Resolution, Src: src},
	}, nil
}

func (g *Generator) noise() float64 {
	if g.cfg.Resolution == 0 {
		return 0
	}
	return g.smear.Rand()
}

// Next draws one event.
func (g *Generator) Next() Event {
	kx, ky := g.slope.Rand(), g.slope.Rand()
	bx, by := g.intercept.Rand(), g.intercept.Rand()
	bx += g.noise()
	by += g.noise()

	z0 := g.cfg.Z[0] + g.cfg.Offsets[0][geometry.ParamDZ]
	origin := geometry.Point3{X: bx, Y: by, Z: z0}
	ev := Event{
		Truth:    make(geometry.Track, len(g.cfg.Z)),
		Measured: make(geometry.Track, len(g.cfg.Z)),
		Slope:    [2]float64{kx, ky},
	}
	for i, z := range g.cfg.Z {
		off := g.cfg.Offsets[i]
		realZ := z + off[geometry.ParamDZ]
		hit := geometry.Point3{
			X: origin.X + (realZ-origin.Z)*kx,
			Y: origin.Y + (realZ-origin.Z)*ky,
			Z: realZ,
		}
		if i > 0 {
			hit.X += g.noise()
			hit.Y += g.noise()
		}
		ev.Truth[i] = hit
		shifted := geometry.Point3{X: hit.X + off[geometry.ParamDX], Y: hit.Y + off[geometry.ParamDY], Z: hit.Z}
		ev.Measured[i] = geometry.RotateExact(shifted, off[geometry.ParamAX], off[geometry.ParamAY], off[geometry.ParamAZ])
	}
	return ev
}

// Generate draws cfg.Events events.
func Generate(cfg Config) ([]Event, error) {
	g, err := NewGenerator(cfg)
	if err != nil {
		return nil, err
	}
	events := make([]Event, cfg.Events)
	for i := range events {
		events[i] = g.Next()
	}
	return events, nil
}

// Measured returns the measured track of every event.
func Measured(events []Event) []geometry.Track {
	out := make([]geometry.Track, len(events))
	for i, ev := range events {
		out[i] = ev.Measured
	}
	return out
}

// Truth returns the unmisaligned track of every event.
func Truth(events []Event) []geometry.Track {
	out := make([]geometry.Track, len(events))
	for i, ev := range events {
		out[i] = ev.Truth
	}
	return out
}
