package mesh

import (
	"math"
	"sort"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// RigidOptions configures AlignRigid. Distances are in millimeters.
type RigidOptions struct {
	UsePrealignment bool    `yaml:"usePrealignment"` // PCA axis pre-alignment before ICP
	MaxIterations   int     `yaml:"maxIterations"`
	Tolerance       float64 `yaml:"tolerance"`    // stop when mean error changes less than this
	AllowScaling    bool    `yaml:"allowScaling"` // ICP solves similarity instead of rigid transforms
	ExcludeSource   []int   `yaml:"-"`            // source vertices that never drive the fit
	ExcludeTarget   []int   `yaml:"-"`            // target vertices that may not be matched (boundary)
}

// DefaultRigidOptions returns the defaults used by the registration pipeline.
func DefaultRigidOptions() RigidOptions {
	return RigidOptions{
		UsePrealignment: true,
		MaxIterations:   50,
		Tolerance:       1e-6,
	}
}

// RigidResult is the outcome of AlignRigid.
type RigidResult struct {
	Aligned     []r3.Vec  // source vertices after the transform
	Transform   Transform // maps the original source onto the target
	Error       float64   // final mean nearest-neighbour distance
	ErrorTrace  []float64 // mean error before the first and after every ICP iteration
	FlipMask    int       // pre-alignment axis flip mask, -1 when pre-alignment was skipped
	Convergence Convergence
}

// AlignRigid registers source onto target: optional principal-axis
// pre-alignment followed by iterative closest point.
func AlignRigid(source, target []r3.Vec, opts RigidOptions) (*RigidResult, error) {
	if len(source) == 0 || len(target) == 0 {
		return nil, ErrEmptyInput
	}
	tree := newPointTree(target, indexSet(opts.ExcludeTarget))
	if tree.Len() == 0 {
		return nil, errors.Wrap(ErrEmptyInput, "rigid alignment: every target vertex is excluded")
	}
	skip := indexSet(opts.ExcludeSource)

	result := &RigidResult{Transform: Identity(), FlipMask: -1}
	current := make([]r3.Vec, len(source))
	copy(current, source)

	if opts.UsePrealignment {
		pre, mask := prealign(current, target, tree)
		current = pre.ApplyAll(current)
		result.Transform = pre
		result.FlipMask = mask
	}

	prevErr := meanNearestDistance(current, tree, skip)
	result.ErrorTrace = append(result.ErrorTrace, prevErr)
	result.Error = prevErr

	for iter := 0; iter < opts.MaxIterations; iter++ {
		result.Convergence.Iterations = iter + 1

		var src, tgt []r3.Vec
		for i, p := range current {
			if skip[i] {
				continue
			}
			j, _ := tree.Nearest(p)
			src = append(src, p)
			tgt = append(tgt, target[j])
		}
		if len(src) < 3 {
			break
		}

		var step Transform
		var err error
		if opts.AllowScaling {
			step, err = SolveSimilarity(src, tgt)
		} else {
			step, err = SolveRigid(src, tgt)
		}
		if err != nil {
			return nil, errors.Wrap(err, "rigid alignment")
		}

		current = step.ApplyAll(current)
		result.Transform = step.Compose(result.Transform)

		newErr := meanNearestDistance(current, tree, skip)
		result.ErrorTrace = append(result.ErrorTrace, newErr)
		result.Error = newErr

		change := math.Abs(prevErr - newErr)
		result.Convergence.Residual = change
		if change < opts.Tolerance {
			result.Convergence.Converged = true
			break
		}
		prevErr = newErr
	}

	result.Aligned = current
	warnNotConverged("icp", result.Convergence)
	return result, nil
}

// PrealignPrincipalAxes exposes the pre-alignment step on its own. It returns
// the similarity transform mapping source into the target's principal frame
// and the chosen flip mask.
func PrealignPrincipalAxes(source, target []r3.Vec) (Transform, int, error) {
	if len(source) == 0 || len(target) == 0 {
		return Identity(), -1, ErrEmptyInput
	}
	t, mask := prealign(source, target, newPointTree(target, nil))
	return t, mask, nil
}

// prealign centers both sets, scales the source so its summed principal
// variances match the target's, rotates the source's principal axes onto the
// target's and picks the axis sign combination with the smallest mean
// nearest-neighbour error. Masks are tried in order 0..7 (bit i flips axis i)
// and only a strictly better error replaces the current best, so the lowest
// mask wins ties. Masks that would make a reflection are skipped.
func prealign(source, target []r3.Vec, tree *pointTree) (Transform, int) {
	srcCentered, cs := Center(source)
	tgtCentered, ct := Center(target)

	bs := principalAxes(srcCentered)
	bt := principalAxes(tgtCentered)

	// The trace of the covariance is basis free, so degenerate axes
	// (spheres, cubes) still give a stable scale.
	scale := 1.0
	spreadS := math.Max(rmsSpread(srcCentered), epsilon)
	if spreadT := rmsSpread(tgtCentered); spreadT > epsilon {
		scale = spreadT / spreadS
	}

	best := Identity()
	bestMask := 0
	bestErr := math.Inf(1)
	for mask := 0; mask < 8; mask++ {
		flip := mgl64.Ident3()
		for axis := 0; axis < 3; axis++ {
			if mask&(1<<axis) != 0 {
				flip.Set(axis, axis, -1)
			}
		}
		r := bt.Mul3(flip).Mul3(bs.Transpose())
		if r.Det() < 0 {
			continue
		}
		candidate := Transform{
			R: r,
			T: toVec3(ct).Sub(r.Mul3x1(toVec3(cs)).Mul(scale)),
			S: scale,
		}
		e := meanNearestDistance(candidate.ApplyAll(source), tree, nil)
		if e < bestErr {
			bestErr = e
			best = candidate
			bestMask = mask
		}
	}
	return best, bestMask
}

// principalAxes returns the eigenvectors of the covariance of centered points
// as matrix columns, ordered by decreasing eigenvalue and forced right-handed.
// Zero-variance and isotropic inputs yield the identity.
func principalAxes(centered []r3.Vec) mgl64.Mat3 {
	cov := mat.NewSymDense(3, nil)
	for _, p := range centered {
		v := [3]float64{p.X, p.Y, p.Z}
		for i := 0; i < 3; i++ {
			for j := i; j < 3; j++ {
				cov.SetSym(i, j, cov.At(i, j)+v[i]*v[j])
			}
		}
	}

	var eig mat.EigenSym
	if !eig.Factorize(cov, true) {
		return mgl64.Ident3()
	}
	values := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	order := []int{0, 1, 2}
	sort.SliceStable(order, func(a, b int) bool { return values[order[a]] > values[order[b]] })
	// An isotropic spread has no preferred axes, and roundoff would pick
	// arbitrary ones.
	if hi, lo := values[order[0]], values[order[2]]; hi-lo <= 1e-9*math.Max(hi, epsilon) {
		return mgl64.Ident3()
	}

	var cols [3]mgl64.Vec3
	for c, k := range order {
		cols[c] = mgl64.Vec3{vecs.At(0, k), vecs.At(1, k), vecs.At(2, k)}
	}
	axes := mgl64.Mat3FromCols(cols[0], cols[1], cols[2])
	if axes.Det() < 0 {
		axes = mgl64.Mat3FromCols(cols[0], cols[1], cols[2].Mul(-1))
	}
	return axes
}

// rmsSpread is the root-mean-square distance of centered points to the origin.
func rmsSpread(centered []r3.Vec) float64 {
	var ss float64
	for _, p := range centered {
		ss += r3.Norm2(p)
	}
	return math.Sqrt(ss / float64(len(centered)))
}

// meanNearestDistance averages the distance from every non-skipped point to
// its nearest neighbour in tree.
func meanNearestDistance(points []r3.Vec, tree *pointTree, skip map[int]bool) float64 {
	var sum float64
	var n int
	for i, p := range points {
		if skip[i] {
			continue
		}
		_, d := tree.Nearest(p)
		sum += d
		n++
	}
	if n == 0 {
		return math.Inf(1)
	}
	return sum / float64(n)
}
