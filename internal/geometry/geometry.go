// Package geometry holds the detector-frame types shared by the alignment
// packages: hits, tracks and the per-layer rigid-body corrections, together
// with the transform that applies a correction to a raw hit and the projector
// that evaluates a fitted line on a layer plane.
//
// Coordinate convention: Z runs along the beam through the layer stack, X and
// Y are the measuring directions of each planar layer.
package geometry

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

// Point3 is a hit or direction in the detector frame.
type Point3 = r3.Vec

// ErrTrackLength is returned when a track does not carry exactly one hit per
// configured layer.
var ErrTrackLength = errors.New("track has wrong number of hits")

// Track is the ordered list of hits left by one particle, index-aligned to
// layer identity: Track[i] is the hit on layer i.
type Track []Point3

// Validate checks that the track has exactly one hit per layer.
func (t Track) Validate(layers int) error {
	if len(t) != layers {
		return fmt.Errorf("%w: got %d, want %d", ErrTrackLength, len(t), layers)
	}
	return nil
}

// Clone returns a copy of the track that shares no storage with t.
func (t Track) Clone() Track {
	out := make(Track, len(t))
	copy(out, t)
	return out
}

// Layer parameter indices. The order matches the global parameter columns
// of the alignment design matrix.
const (
	ParamDX = iota
	ParamDY
	ParamDZ
	ParamAX
	ParamAY
	ParamAZ

	// ParamsPerLayer is the number of global parameters owned by each layer.
	ParamsPerLayer
)

// LayerParams is the rigid-body correction of one layer: three translations
// followed by three small rotation angles (radians) about X, Y and Z.
type LayerParams [ParamsPerLayer]float64

// Translation returns the (dx, dy, dz) part of the correction.
func (lp LayerParams) Translation() Point3 {
	return Point3{X: lp[ParamDX], Y: lp[ParamDY], Z: lp[ParamDZ]}
}

// Params is the global parameter state: one LayerParams per layer, indexed by
// layer number.
type Params []LayerParams

// NewParams returns a zeroed parameter matrix for the given layer count.
func NewParams(layers int) Params {
	return make(Params, layers)
}

// ParamsFromVector reshapes a flat vector laid out as
// [d0x d0y d0z a0x a0y a0z d1x ...] into a Params matrix. Only the first
// layers*ParamsPerLayer entries are read.
func ParamsFromVector(v []float64, layers int) (Params, error) {
	need := layers * ParamsPerLayer
	if len(v) < need {
		return nil, fmt.Errorf("parameter vector too short: got %d, need %d", len(v), need)
	}
	out := NewParams(layers)
	for i := range out {
		copy(out[i][:], v[i*ParamsPerLayer:(i+1)*ParamsPerLayer])
	}
	return out, nil
}

// Clone returns a deep copy of p.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	copy(out, p)
	return out
}

// Sub returns p - q elementwise. Both matrices must have the same number of
// layers.
func (p Params) Sub(q Params) Params {
	out := p.Clone()
	for i := range out {
		for k := range out[i] {
			out[i][k] -= q[i][k]
		}
	}
	return out
}

// Scale returns f*p.
func (p Params) Scale(f float64) Params {
	out := p.Clone()
	for i := range out {
		for k := range out[i] {
			out[i][k] *= f
		}
	}
	return out
}

// Flatten returns the row-major vector form of p, the inverse of
// ParamsFromVector.
func (p Params) Flatten() []float64 {
	out := make([]float64, 0, len(p)*ParamsPerLayer)
	for _, lp := range p {
		out = append(out, lp[:]...)
	}
	return out
}
