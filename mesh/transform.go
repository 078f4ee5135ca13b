package mesh

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// epsilon floors divisions by variances, extents and weights.
const epsilon = 1e-12

func toVec3(p r3.Vec) mgl64.Vec3 { return mgl64.Vec3{p.X, p.Y, p.Z} }

func fromVec3(v mgl64.Vec3) r3.Vec { return r3.Vec{X: v[0], Y: v[1], Z: v[2]} }

// Apply transforms a single point.
func (t Transform) Apply(p r3.Vec) r3.Vec {
	return fromVec3(t.R.Mul3x1(toVec3(p)).Mul(t.S).Add(t.T))
}

// ApplyAll transforms every point into a new slice.
func (t Transform) ApplyAll(points []r3.Vec) []r3.Vec {
	out := make([]r3.Vec, len(points))
	for i, p := range points {
		out[i] = t.Apply(p)
	}
	return out
}

// Compose returns the transform equivalent to applying inner first, then t.
func (t Transform) Compose(inner Transform) Transform {
	return Transform{
		R: t.R.Mul3(inner.R),
		T: t.R.Mul3x1(inner.T).Mul(t.S).Add(t.T),
		S: t.S * inner.S,
	}
}

// Inverse returns the inverse transform. A zero scale is treated as 1.
func (t Transform) Inverse() Transform {
	s := t.S
	if math.Abs(s) < epsilon {
		s = 1
	}
	rt := t.R.Transpose()
	return Transform{
		R: rt,
		T: rt.Mul3x1(t.T).Mul(-1 / s),
		S: 1 / s,
	}
}

// Centroid returns the mean of the points, or the origin for an empty slice.
func Centroid(points []r3.Vec) r3.Vec {
	if len(points) == 0 {
		return r3.Vec{}
	}
	var sum r3.Vec
	for _, p := range points {
		sum = r3.Add(sum, p)
	}
	return r3.Scale(1/float64(len(points)), sum)
}

// Center returns the points translated so their centroid is the origin,
// together with the removed centroid.
func Center(points []r3.Vec) ([]r3.Vec, r3.Vec) {
	c := Centroid(points)
	out := make([]r3.Vec, len(points))
	for i, p := range points {
		out[i] = r3.Sub(p, c)
	}
	return out, c
}

// CentroidSize is the square root of the summed squared distances to the centroid.
func CentroidSize(points []r3.Vec) float64 {
	c := Centroid(points)
	var ss float64
	for _, p := range points {
		ss += r3.Norm2(r3.Sub(p, c))
	}
	return math.Sqrt(ss)
}

// RMSDistance is the root-mean-square vertex distance between two
// same-length point sets.
func RMSDistance(a, b []r3.Vec) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return math.Inf(1)
	}
	var ss float64
	for i := range a {
		ss += r3.Norm2(r3.Sub(a[i], b[i]))
	}
	return math.Sqrt(ss / float64(len(a)))
}

// SolveRigid computes the rotation and translation that best map source onto
// target in the least-squares sense (Kabsch). Points correspond by index.
func SolveRigid(source, target []r3.Vec) (Transform, error) {
	return solveProcrustes(source, target, nil, false)
}

// SolveSimilarity is SolveRigid with an additional uniform scale.
func SolveSimilarity(source, target []r3.Vec) (Transform, error) {
	return solveProcrustes(source, target, nil, true)
}

// SolveWeightedRigid computes a weighted rigid fit. weights must have the same
// length as source and target; non-positive total weight falls back to the
// unweighted solution.
func SolveWeightedRigid(source, target []r3.Vec, weights []float64) (Transform, error) {
	if len(weights) != len(source) {
		return Identity(), errors.Errorf("weighted rigid solve: %d weights for %d points", len(weights), len(source))
	}
	return solveProcrustes(source, target, weights, false)
}

func solveProcrustes(source, target []r3.Vec, weights []float64, scaling bool) (Transform, error) {
	n := len(source)
	if n == 0 {
		return Identity(), ErrEmptyInput
	}
	if n != len(target) {
		return Identity(), errors.Errorf("procrustes solve: %d source points, %d target points", n, len(target))
	}

	w := func(i int) float64 { return 1 }
	total := float64(n)
	if weights != nil {
		total = 0
		for _, wi := range weights {
			total += wi
		}
		if total > epsilon {
			w = func(i int) float64 { return weights[i] }
		} else {
			total = float64(n)
		}
	}

	var cs, ct r3.Vec
	for i := range source {
		cs = r3.Add(cs, r3.Scale(w(i), source[i]))
		ct = r3.Add(ct, r3.Scale(w(i), target[i]))
	}
	cs = r3.Scale(1/total, cs)
	ct = r3.Scale(1/total, ct)

	h := mat.NewDense(3, 3, nil)
	var srcVar float64
	for i := range source {
		s := r3.Sub(source[i], cs)
		t := r3.Sub(target[i], ct)
		wi := w(i)
		sv := [3]float64{s.X, s.Y, s.Z}
		tv := [3]float64{t.X, t.Y, t.Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				h.Set(r, c, h.At(r, c)+wi*sv[r]*tv[c])
			}
		}
		srcVar += wi * r3.Norm2(s)
	}

	var svd mat.SVD
	if !svd.Factorize(h, mat.SVDFull) {
		return Identity(), &DegeneracyError{Op: "procrustes solve", Detail: "SVD of cross-covariance did not converge"}
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	sigma := svd.Values(nil)

	var rot mat.Dense
	rot.Mul(&v, u.T())
	if mat.Det(&rot) < 0 {
		for i := 0; i < 3; i++ {
			v.Set(i, 2, -v.At(i, 2))
		}
		sigma[2] = -sigma[2]
		rot.Mul(&v, u.T())
	}

	scale := 1.0
	if scaling && srcVar > epsilon {
		scale = (sigma[0] + sigma[1] + sigma[2]) / srcVar
		if scale <= epsilon {
			scale = 1
		}
	}

	r := denseToMat3(&rot)
	t := toVec3(ct).Sub(r.Mul3x1(toVec3(cs)).Mul(scale))
	return Transform{R: r, T: t, S: scale}, nil
}

func denseToMat3(m mat.Matrix) mgl64.Mat3 {
	return mgl64.Mat3FromRows(
		mgl64.Vec3{m.At(0, 0), m.At(0, 1), m.At(0, 2)},
		mgl64.Vec3{m.At(1, 0), m.At(1, 1), m.At(1, 2)},
		mgl64.Vec3{m.At(2, 0), m.At(2, 1), m.At(2, 2)},
	)
}
