package mesh

import (
	"math"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/r3"
)

// FitOptions configures FitShape.
type FitOptions struct {
	Components    int     `yaml:"components"` // 0 uses every model component
	AllowScaling  bool    `yaml:"allowScaling"`
	MaxIterations int     `yaml:"maxIterations"`
	Tolerance     float64 `yaml:"tolerance"` // stop when the RMS error changes less than this
	Mask          []bool  `yaml:"-"`         // observed vertices; nil means all
}

// DefaultFitOptions returns the defaults for fitting unseen shapes.
func DefaultFitOptions() FitOptions {
	return FitOptions{
		MaxIterations: 20,
		Tolerance:     1e-6,
	}
}

// FitResult is a shape expressed in the model.
type FitResult struct {
	Components     int
	Coefficients   []float64
	Aligned        []r3.Vec  // input moved into the model frame
	Reconstruction []r3.Vec  // model instance in the model frame
	InputFrame     []r3.Vec  // model instance moved back onto the input
	Transform      Transform // input frame to model frame
	Error          float64   // RMS distance between Aligned and Reconstruction over observed vertices
	Convergence    Convergence
}

// FitShape registers a shape that already shares the model topology to the
// model, projects it and reconstructs it, re-registering against each new
// reconstruction until the error settles.
func FitShape(model *ShapeModel, shape []r3.Vec, opts FitOptions) (*FitResult, error) {
	if model == nil || len(shape) == 0 {
		return nil, ErrEmptyInput
	}
	n := model.NumVertices()
	if len(shape) != n {
		return nil, &TopologyMismatchError{Index: -1, Want: n, Got: len(shape)}
	}
	if opts.Mask != nil && len(opts.Mask) != n {
		return nil, errors.Errorf("fit: mask has %d entries for %d vertices", len(opts.Mask), n)
	}
	if opts.MaxIterations < 1 {
		opts.MaxIterations = 1
	}
	k := model.clampK(opts.Components)

	solve := SolveRigid
	if opts.AllowScaling {
		solve = SolveSimilarity
	}

	result := &FitResult{Components: k}
	reference := model.Mean
	prevErr := math.Inf(1)
	for iter := 0; iter < opts.MaxIterations; iter++ {
		result.Convergence.Iterations = iter + 1

		src, tgt := maskedPairs(shape, reference, opts.Mask)
		t, err := solve(src, tgt)
		if err != nil {
			return nil, errors.Wrap(err, "fit registration")
		}
		aligned := t.ApplyAll(shape)

		coeffs, err := projectObserved(model, aligned, opts.Mask, k)
		if err != nil {
			return nil, errors.Wrap(err, "fit projection")
		}
		recon, err := model.Reconstruct(coeffs)
		if err != nil {
			return nil, err
		}

		e := maskedRMS(aligned, recon, opts.Mask)
		result.Transform = t
		result.Aligned = aligned
		result.Coefficients = coeffs
		result.Reconstruction = recon
		result.Error = e

		change := math.Abs(prevErr - e)
		result.Convergence.Residual = change
		if change < opts.Tolerance {
			result.Convergence.Converged = true
			break
		}
		prevErr = e
		reference = recon
	}
	warnNotConverged("fit", result.Convergence)

	result.InputFrame = result.Transform.Inverse().ApplyAll(result.Reconstruction)
	return result, nil
}

// FitBatch fits the shape once with the largest requested component count
// and re-estimates every other count from that alignment with a single
// projection. Results follow the order of ks.
func FitBatch(model *ShapeModel, shape []r3.Vec, ks []int, opts FitOptions) ([]*FitResult, error) {
	if len(ks) == 0 {
		return nil, ErrEmptyInput
	}
	sorted := append([]int(nil), ks...)
	sort.Ints(sorted)
	opts.Components = sorted[len(sorted)-1]

	base, err := FitShape(model, shape, opts)
	if err != nil {
		return nil, err
	}

	out := make([]*FitResult, len(ks))
	for i, k := range ks {
		k = model.clampK(k)
		if k == base.Components {
			out[i] = base
			continue
		}
		coeffs, err := projectObserved(model, base.Aligned, opts.Mask, k)
		if err != nil {
			return nil, errors.Wrapf(err, "batch projection k=%d", k)
		}
		recon, err := model.Reconstruct(coeffs)
		if err != nil {
			return nil, err
		}
		out[i] = &FitResult{
			Components:     k,
			Coefficients:   coeffs,
			Aligned:        base.Aligned,
			Reconstruction: recon,
			InputFrame:     base.Transform.Inverse().ApplyAll(recon),
			Transform:      base.Transform,
			Error:          maskedRMS(base.Aligned, recon, opts.Mask),
			Convergence:    base.Convergence,
		}
	}
	return out, nil
}

func projectObserved(model *ShapeModel, aligned []r3.Vec, mask []bool, k int) ([]float64, error) {
	if mask == nil {
		return model.Project(aligned, k)
	}
	return model.ProjectMasked(aligned, mask, k)
}

func maskedPairs(a, b []r3.Vec, mask []bool) ([]r3.Vec, []r3.Vec) {
	if mask == nil {
		return a, b
	}
	var sa, sb []r3.Vec
	for i, ok := range mask {
		if ok {
			sa = append(sa, a[i])
			sb = append(sb, b[i])
		}
	}
	return sa, sb
}

func maskedRMS(a, b []r3.Vec, mask []bool) float64 {
	sa, sb := maskedPairs(a, b, mask)
	return RMSDistance(sa, sb)
}
