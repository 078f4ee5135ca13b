package mesh

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// RBFField is a smooth displacement field: a weighted sum of Gaussian kernels
// centred on control points, with one weight vector per axis.
type RBFField struct {
	Centers []r3.Vec
	Weights [3][]float64
	Sigma   float64
}

func (f *RBFField) kernel(r2 float64) float64 {
	return math.Exp(-r2 / (2 * f.Sigma * f.Sigma))
}

// Evaluate returns the displacement at p.
func (f *RBFField) Evaluate(p r3.Vec) r3.Vec {
	var d r3.Vec
	for j, c := range f.Centers {
		k := f.kernel(r3.Norm2(r3.Sub(p, c)))
		if k == 0 {
			continue
		}
		d.X += k * f.Weights[0][j]
		d.Y += k * f.Weights[1][j]
		d.Z += k * f.Weights[2][j]
	}
	return d
}

// ControlGrid lays perAxis³ control points on a regular grid spanning the
// bounding box of points. It also returns the largest grid spacing, which is
// floored so flat or single-point inputs still get a usable kernel width.
func ControlGrid(points []r3.Vec, perAxis int) ([]r3.Vec, float64) {
	if perAxis < 2 {
		perAxis = 2
	}
	lo, hi := boundingBox(points)
	ext := r3.Sub(hi, lo)
	spacing := math.Max(ext.X, math.Max(ext.Y, ext.Z)) / float64(perAxis-1)
	if spacing < epsilon {
		spacing = 1
	}

	step := r3.Scale(1/float64(perAxis-1), ext)
	centers := make([]r3.Vec, 0, perAxis*perAxis*perAxis)
	for i := 0; i < perAxis; i++ {
		for j := 0; j < perAxis; j++ {
			for k := 0; k < perAxis; k++ {
				centers = append(centers, r3.Vec{
					X: lo.X + float64(i)*step.X,
					Y: lo.Y + float64(j)*step.Y,
					Z: lo.Z + float64(k)*step.Z,
				})
			}
		}
	}
	return centers, spacing
}

// FitRBF solves, per axis, the lambda-damped normal equations
// (ΦᵀΦ + λI)w = Φᵀd so that the field reproduces the observed displacements at
// the sample points in the least-squares sense.
func FitRBF(points, displacements []r3.Vec, centers []r3.Vec, sigma, lambda float64) (*RBFField, error) {
	if len(points) == 0 || len(centers) == 0 {
		return nil, ErrEmptyInput
	}
	if len(points) != len(displacements) {
		return nil, &DegeneracyError{Op: "rbf fit", Detail: "points and displacements differ in length"}
	}
	if sigma <= epsilon {
		return nil, &DegeneracyError{Op: "rbf fit", Detail: "kernel width must be positive"}
	}
	if lambda < epsilon {
		lambda = epsilon
	}

	field := &RBFField{Centers: centers, Sigma: sigma}
	n, m := len(points), len(centers)

	phi := mat.NewDense(n, m, nil)
	for i, p := range points {
		for j, c := range centers {
			phi.Set(i, j, field.kernel(r3.Norm2(r3.Sub(p, c))))
		}
	}

	gram := mat.NewSymDense(m, nil)
	gram.SymOuterK(1, phi.T())
	for j := 0; j < m; j++ {
		gram.SetSym(j, j, gram.At(j, j)+lambda)
	}

	rhs := mat.NewDense(m, 3, nil)
	disp := mat.NewDense(n, 3, nil)
	for i, d := range displacements {
		disp.Set(i, 0, d.X)
		disp.Set(i, 1, d.Y)
		disp.Set(i, 2, d.Z)
	}
	rhs.Mul(phi.T(), disp)

	var w mat.Dense
	var chol mat.Cholesky
	if chol.Factorize(gram) {
		if err := chol.SolveTo(&w, rhs); err != nil {
			return nil, &DegeneracyError{Op: "rbf fit", Detail: err.Error()}
		}
	} else if err := w.Solve(gram, rhs); err != nil {
		return nil, &DegeneracyError{Op: "rbf fit", Detail: "regularised gram matrix is singular: " + err.Error()}
	}

	for axis := 0; axis < 3; axis++ {
		field.Weights[axis] = mat.Col(nil, axis, &w)
	}
	return field, nil
}

func boundingBox(points []r3.Vec) (r3.Vec, r3.Vec) {
	if len(points) == 0 {
		return r3.Vec{}, r3.Vec{}
	}
	lo, hi := points[0], points[0]
	for _, p := range points[1:] {
		lo = r3.Vec{X: math.Min(lo.X, p.X), Y: math.Min(lo.Y, p.Y), Z: math.Min(lo.Z, p.Z)}
		hi = r3.Vec{X: math.Max(hi.X, p.X), Y: math.Max(hi.Y, p.Y), Z: math.Max(hi.Z, p.Z)}
	}
	return lo, hi
}
