package align

import (
	"fmt"

	"github.com/banshee-data/align/internal/geometry"

	"gonum.org/v1/gonum/mat"
)

// PinLayer holds layer's correction at zero: its six rows of b are cleared and
// its 6×6 diagonal block of a2 becomes weight·I. Entries coupling the layer to
// other layers or to local parameters are left as they are.
func PinLayer(a2 *mat.SymDense, b *mat.VecDense, layer int, weight float64) error {
	if err := checkLayer(a2, layer); err != nil {
		return err
	}
	first := layer * geometry.ParamsPerLayer
	pinBlock(a2, b, first, geometry.ParamsPerLayer, weight)
	return nil
}

// FreezeRotations holds the three rotation parameters of every layer at zero.
// Within each layer's 6×6 block the rotation rows of b are cleared, the
// translation/rotation cross terms are zeroed and the rotation 3×3 block
// becomes weight·I.
func FreezeRotations(a2 *mat.SymDense, b *mat.VecDense, layers int, weight float64) error {
	for l := 0; l < layers; l++ {
		if err := checkLayer(a2, l); err != nil {
			return err
		}
		first := l * geometry.ParamsPerLayer
		rot := first + geometry.ParamAX
		for t := first; t < rot; t++ {
			for r := rot; r < first+geometry.ParamsPerLayer; r++ {
				a2.SetSym(t, r, 0)
			}
		}
		pinBlock(a2, b, rot, geometry.ParamsPerLayer-geometry.ParamAX, weight)
	}
	return nil
}

func pinBlock(a2 *mat.SymDense, b *mat.VecDense, first, size int, weight float64) {
	for i := first; i < first+size; i++ {
		b.SetVec(i, 0)
		for j := i; j < first+size; j++ {
			if i == j {
				a2.SetSym(i, j, weight)
			} else {
				a2.SetSym(i, j, 0)
			}
		}
	}
}

func checkLayer(a2 *mat.SymDense, layer int) error {
	n := a2.SymmetricDim()
	if layer < 0 || (layer+1)*geometry.ParamsPerLayer > n {
		return fmt.Errorf("layer %d outside a %dx%d system", layer, n, n)
	}
	return nil
}

// Blend returns eta·prev + (1-eta)·cur. With eta=0 the result is cur.
func Blend(prev, cur geometry.Params, eta float64) geometry.Params {
	out := cur.Clone()
	for i := range out {
		for k := range out[i] {
			out[i][k] = eta*prev[i][k] + (1-eta)*cur[i][k]
		}
	}
	return out
}
