package align

import (
	"github.com/banshee-data/align/internal/geometry"
	"github.com/banshee-data/align/internal/monitoring"
)

func init() {
	monitoring.SetLogger(nil)
}

var (
	testZ      = []float64{0, 10, 30}
	testSlopes = [][2]float64{{-0.1, 0.07}, {-0.05, -0.11}, {0.02, 0.03}, {0.08, 0.1}, {0.12, -0.04}}
	testCross  = [][2]float64{{1, -1}, {-2, 2}, {0.5, 0.3}, {3, -2.5}, {-1, 1.5}}
)

// misalignedTracks returns one exact straight track per slope, with offset[i]
// added to every hit on layer i.
func misalignedTracks(offsets []geometry.Point3) []geometry.Track {
	tracks := make([]geometry.Track, len(testSlopes))
	for j := range testSlopes {
		t := make(geometry.Track, len(testZ))
		for i, z := range testZ {
			t[i] = geometry.Point3{
				X: testSlopes[j][0]*z + testCross[j][0] + offsets[i].X,
				Y: testSlopes[j][1]*z + testCross[j][1] + offsets[i].Y,
				Z: z + offsets[i].Z,
			}
		}
		tracks[j] = t
	}
	return tracks
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Layers = len(testZ)
	cfg.BatchSize = len(testSlopes)
	cfg.Iterations = 30
	cfg.StepSize = 0.5
	cfg.BatchMode = BatchRepeat
	cfg.Workers = 2
	return cfg
}
