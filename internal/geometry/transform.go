package geometry

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// ErrParallelDirection is returned by Project when the line never crosses a
// plane of constant z.
var ErrParallelDirection = errors.New("direction has zero z component")

// Transform applies a layer correction to a raw hit. The rotation is the
// first-order small-angle form R ≈ I + [[0,-az,ay],[az,0,-ax],[-ay,ax,0]],
// applied before the translation.
func Transform(p Point3, lp LayerParams) Point3 {
	ax, ay, az := lp[ParamAX], lp[ParamAY], lp[ParamAZ]
	return Point3{
		X: p.X - az*p.Y + ay*p.Z + lp[ParamDX],
		Y: az*p.X + p.Y - ax*p.Z + lp[ParamDY],
		Z: -ay*p.X + ax*p.Y + p.Z + lp[ParamDZ],
	}
}

// TransformTrack applies params[i] to hit i and returns the corrected track.
// The input track is not modified.
func TransformTrack(t Track, params Params) Track {
	out := make(Track, len(t))
	for i, p := range t {
		out[i] = Transform(p, params[i])
	}
	return out
}

// Project returns the point where the line through cross with direction dir
// meets the plane at z. Only the ratios dir.X/dir.Z and dir.Y/dir.Z are used,
// so dir need not be normalised.
func Project(cross, dir Point3, z float64) (Point3, error) {
	if dir.Z == 0 {
		return Point3{X: math.NaN(), Y: math.NaN(), Z: z}, ErrParallelDirection
	}
	dz := z - cross.Z
	return Point3{
		X: cross.X + dz*(dir.X/dir.Z),
		Y: cross.Y + dz*(dir.Y/dir.Z),
		Z: cross.Z + dz,
	}, nil
}

// RotateExact applies the exact rotation R = Rz·Ry·Rx to p. The toy
// generator uses it to misalign layers; Transform with negated angles undoes
// it to first order.
func RotateExact(p Point3, ax, ay, az float64) Point3 {
	if ax != 0 {
		p = r3.NewRotation(ax, r3.Vec{X: 1}).Rotate(p)
	}
	if ay != 0 {
		p = r3.NewRotation(ay, r3.Vec{Y: 1}).Rotate(p)
	}
	if az != 0 {
		p = r3.NewRotation(az, r3.Vec{Z: 1}).Rotate(p)
	}
	return p
}
