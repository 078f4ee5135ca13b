package mesh

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"
)

// GPAOptions configures generalized Procrustes analysis.
type GPAOptions struct {
	AllowScaling   bool     `yaml:"allowScaling"`
	MaxIterations  int      `yaml:"maxIterations"`
	Tolerance      float64  `yaml:"tolerance"` // relative change of the mean
	Reference      int      `yaml:"reference"` // initial mean specimen, -1 for the centered average
	InitialMean    []r3.Vec `yaml:"-"`         // overrides Reference when set
	RejectOutliers bool     `yaml:"rejectOutliers"`
	OutlierSigma   float64  `yaml:"outlierSigma"` // residual cutoff in standard deviations above the mean
}

// DefaultGPAOptions returns rigid GPA seeded from the first specimen.
func DefaultGPAOptions() GPAOptions {
	return GPAOptions{
		MaxIterations: 100,
		Tolerance:     1e-8,
		Reference:     0,
		OutlierSigma:  2,
	}
}

// GPAResult is the outcome of GeneralizedProcrustes.
type GPAResult struct {
	X, Y, Z       *mat.Dense  // aligned coordinates, N×M
	Shapes        [][]r3.Vec  // aligned specimens
	Mean          []r3.Vec    // converged mean, centered at the origin
	Transforms    []Transform // maps each input specimen onto the mean frame
	Residuals     []float64   // RMS vertex distance of each aligned specimen to the mean
	OutlierCounts []int       // number of vertices excluded from each specimen's fit
	Convergence   Convergence
}

// Set wraps the aligned shapes as a correspondence set.
func (r *GPAResult) Set(faces [][3]int, ids []string) *CorrespondenceSet {
	return &CorrespondenceSet{IDs: ids, Shapes: r.Shapes, Faces: faces}
}

// AlignPopulation validates topology and runs GPA over a correspondence set.
func AlignPopulation(set *CorrespondenceSet, opts GPAOptions) (*GPAResult, error) {
	if set == nil {
		return nil, ErrEmptyInput
	}
	x, y, z, err := set.Axes()
	if err != nil {
		return nil, errors.Wrap(err, "align population")
	}
	return GeneralizedProcrustes(x, y, z, opts)
}

// GeneralizedProcrustes aligns M specimens, given as N×M coordinate matrices,
// to their own evolving mean. Every iteration fits each input specimen to the
// current mean, averages the aligned specimens into a new centered mean and
// stops once the relative change of the mean falls below Tolerance. With
// scaling the mean's centroid size is pinned to the average centroid size of
// the inputs; without scaling every specimen keeps its metric size.
func GeneralizedProcrustes(x, y, z *mat.Dense, opts GPAOptions) (*GPAResult, error) {
	if x == nil || y == nil || z == nil {
		return nil, ErrEmptyInput
	}
	n, m := x.Dims()
	if err := checkAxisDims(n, m, y, z); err != nil {
		return nil, err
	}
	if opts.OutlierSigma <= 0 {
		opts.OutlierSigma = 2
	}
	if opts.MaxIterations < 1 {
		opts.MaxIterations = 1
	}

	shapes := columnsToShapes(x, y, z)

	var targetSize float64
	for _, s := range shapes {
		targetSize += CentroidSize(s)
	}
	targetSize /= float64(m)

	mean, err := initialMean(shapes, opts)
	if err != nil {
		return nil, err
	}
	mean = normaliseMean(mean, opts.AllowScaling, targetSize)

	result := &GPAResult{
		Shapes:        make([][]r3.Vec, m),
		Transforms:    make([]Transform, m),
		OutlierCounts: make([]int, m),
	}

	for iter := 0; iter < opts.MaxIterations; iter++ {
		result.Convergence.Iterations = iter + 1

		for j, s := range shapes {
			t, outliers, err := fitToMean(s, mean, opts)
			if err != nil {
				return nil, errors.Wrapf(err, "gpa specimen %d", j)
			}
			result.Transforms[j] = t
			result.OutlierCounts[j] = outliers
			result.Shapes[j] = t.ApplyAll(s)
		}

		next := make([]r3.Vec, n)
		for _, s := range result.Shapes {
			for i, p := range s {
				next[i] = r3.Add(next[i], p)
			}
		}
		for i := range next {
			next[i] = r3.Scale(1/float64(m), next[i])
		}
		next = normaliseMean(next, opts.AllowScaling, targetSize)

		prev := stackShape(mean)
		denom := floats.Norm(prev, 2)
		if denom < epsilon {
			denom = epsilon
		}
		change := floats.Distance(stackShape(next), prev, 2) / denom
		mean = next
		result.Convergence.Residual = change
		if change < opts.Tolerance {
			result.Convergence.Converged = true
			break
		}
	}
	warnNotConverged("gpa", result.Convergence)

	result.Mean = mean
	result.Residuals = make([]float64, m)
	for j, s := range result.Shapes {
		result.Residuals[j] = RMSDistance(s, mean)
	}

	set := &CorrespondenceSet{Shapes: result.Shapes}
	result.X, result.Y, result.Z, err = set.Axes()
	if err != nil {
		return nil, err
	}
	return result, nil
}

func initialMean(shapes [][]r3.Vec, opts GPAOptions) ([]r3.Vec, error) {
	n := len(shapes[0])
	switch {
	case opts.InitialMean != nil:
		if len(opts.InitialMean) != n {
			return nil, &TopologyMismatchError{Index: -1, Want: n, Got: len(opts.InitialMean)}
		}
		out := make([]r3.Vec, n)
		copy(out, opts.InitialMean)
		return out, nil
	case opts.Reference >= 0:
		if opts.Reference >= len(shapes) {
			return nil, errors.Errorf("gpa reference %d out of range for %d specimens", opts.Reference, len(shapes))
		}
		out := make([]r3.Vec, n)
		copy(out, shapes[opts.Reference])
		return out, nil
	default:
		out := make([]r3.Vec, n)
		for _, s := range shapes {
			c, _ := Center(s)
			for i, p := range c {
				out[i] = r3.Add(out[i], p)
			}
		}
		for i := range out {
			out[i] = r3.Scale(1/float64(len(shapes)), out[i])
		}
		return out, nil
	}
}

// normaliseMean centers the mean and, with scaling, rescales it to size.
func normaliseMean(mean []r3.Vec, scaling bool, size float64) []r3.Vec {
	centered, _ := Center(mean)
	if !scaling {
		return centered
	}
	cs := CentroidSize(centered)
	if cs < epsilon {
		return centered
	}
	f := size / cs
	for i := range centered {
		centered[i] = r3.Scale(f, centered[i])
	}
	return centered
}

// fitToMean solves the transform carrying s onto mean. With outlier rejection,
// vertices whose residual exceeds mean+OutlierSigma·std are dropped and the
// fit is repeated on the inliers, provided they are a strict majority.
func fitToMean(s, mean []r3.Vec, opts GPAOptions) (Transform, int, error) {
	solve := SolveRigid
	if opts.AllowScaling {
		solve = SolveSimilarity
	}
	t, err := solve(s, mean)
	if err != nil || !opts.RejectOutliers {
		return t, 0, err
	}

	resid := make([]float64, len(s))
	for i, p := range s {
		resid[i] = r3.Norm(r3.Sub(t.Apply(p), mean[i]))
	}
	mu, sd := stat.MeanStdDev(resid, nil)
	cutoff := mu + opts.OutlierSigma*sd

	var src, tgt []r3.Vec
	for i, r := range resid {
		if r <= cutoff {
			src = append(src, s[i])
			tgt = append(tgt, mean[i])
		}
	}
	outliers := len(s) - len(src)
	if outliers == 0 || 2*len(src) <= len(s) {
		return t, 0, nil
	}
	refit, err := solve(src, tgt)
	if err != nil {
		return t, 0, err
	}
	return refit, outliers, nil
}
