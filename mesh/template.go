package mesh

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// SelectTemplate picks the specimen closest to the population average.
//
// When every specimen has the same vertex count, each is centered, the
// centered shapes are averaged and the specimen with the smallest RMS vertex
// distance to that average wins. Otherwise only centroids are compared with
// the mean centroid. Ties go to the lowest index.
func SelectTemplate(shapes [][]r3.Vec) (int, error) {
	if len(shapes) == 0 {
		return -1, ErrEmptyInput
	}
	for _, s := range shapes {
		if len(s) == 0 {
			return -1, ErrEmptyInput
		}
	}

	n := len(shapes[0])
	sameSize := true
	for _, s := range shapes[1:] {
		if len(s) != n {
			sameSize = false
			break
		}
	}
	if !sameSize {
		return selectByCentroid(shapes), nil
	}

	centered := make([][]r3.Vec, len(shapes))
	avg := make([]r3.Vec, n)
	for i, s := range shapes {
		centered[i], _ = Center(s)
		for v, p := range centered[i] {
			avg[v] = r3.Add(avg[v], p)
		}
	}
	inv := 1 / float64(len(shapes))
	for v := range avg {
		avg[v] = r3.Scale(inv, avg[v])
	}

	best, bestErr := 0, math.Inf(1)
	for i, c := range centered {
		if e := RMSDistance(c, avg); e < bestErr {
			best, bestErr = i, e
		}
	}
	getLogger().Debugw("template selected", "index", best, "rms", bestErr, "method", "rms")
	return best, nil
}

func selectByCentroid(shapes [][]r3.Vec) int {
	centroids := make([]r3.Vec, len(shapes))
	var mean r3.Vec
	for i, s := range shapes {
		centroids[i] = Centroid(s)
		mean = r3.Add(mean, centroids[i])
	}
	mean = r3.Scale(1/float64(len(shapes)), mean)

	best, bestDist := 0, math.Inf(1)
	for i, c := range centroids {
		if d := r3.Norm(r3.Sub(c, mean)); d < bestDist {
			best, bestDist = i, d
		}
	}
	getLogger().Debugw("template selected", "index", best, "distance", bestDist, "method", "centroid")
	return best
}
