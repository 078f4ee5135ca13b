package mesh

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/r3"
)

// NonRigidOptions configures DeformNonRigid.
type NonRigidOptions struct {
	Iterations       int     `yaml:"iterations"`       // rounds of each phase
	Lambda           float64 `yaml:"lambda"`           // RBF normal-equation damping
	UseRigidPrealign bool    `yaml:"useRigidPrealign"` // run AlignRigid with pre-alignment first
	KNeighbors       int     `yaml:"kNeighbors"`       // smallest local Procrustes neighbourhood
	GridStart        int     `yaml:"gridStart"`        // control points per axis in the first RBF round
	GridMax          int     `yaml:"gridMax"`
	SigmaFactor      float64 `yaml:"sigmaFactor"` // kernel width as a multiple of grid spacing
	RefineIterations int     `yaml:"refineIterations"`
	MergeTolerance   float64 `yaml:"mergeTolerance"` // target duplicate collapse distance
}

// DefaultNonRigidOptions returns the defaults used by the registration pipeline.
func DefaultNonRigidOptions() NonRigidOptions {
	return NonRigidOptions{
		Iterations:       4,
		Lambda:           0.1,
		UseRigidPrealign: true,
		KNeighbors:       8,
		GridStart:        3,
		GridMax:          7,
		SigmaFactor:      1.0,
		RefineIterations: 5,
		MergeTolerance:   1e-9,
	}
}

// NonRigidResult is the outcome of DeformNonRigid.
type NonRigidResult struct {
	Vertices   []r3.Vec  // deformed source vertices, same order and count as the source
	Rigid      Transform // pose found by the optional rigid pre-alignment
	MeanError  float64   // mean nearest-neighbour distance to the target after both phases
	ErrorTrace []float64 // mean error after every phase A and phase B round
}

// Mesh returns the deformed vertices with the source topology.
func (r *NonRigidResult) Mesh(source Mesh) Mesh {
	return source.WithVertices(r.Vertices)
}

// DeformNonRigid warps source onto target in two phases: a coarse-to-fine
// global RBF displacement field, then local weighted-Procrustes refinement
// over shrinking neighbourhoods. The result keeps the source's vertex count.
func DeformNonRigid(source, target Mesh, opts NonRigidOptions) (*NonRigidResult, error) {
	if len(source.Vertices) == 0 || len(target.Vertices) == 0 {
		return nil, ErrEmptyInput
	}
	if opts.KNeighbors < 1 {
		opts.KNeighbors = 1
	}
	if opts.GridStart < 2 {
		opts.GridStart = 2
	}
	if opts.GridMax < opts.GridStart {
		opts.GridMax = opts.GridStart
	}
	if opts.SigmaFactor <= 0 {
		opts.SigmaFactor = 1
	}

	// A repeated target point would make the correspondence system singular.
	tgt, _ := CollapseDuplicates(target, opts.MergeTolerance)

	srcBoundary := usableBoundary(FreeEdgeVertices(source.Faces), len(source.Vertices))
	tgtBoundary := usableBoundary(FreeEdgeVertices(tgt.Faces), len(tgt.Vertices))
	skipSrc := indexSet(srcBoundary)
	tgtTree := newPointTree(tgt.Vertices, indexSet(tgtBoundary))

	result := &NonRigidResult{Rigid: Identity()}
	current := make([]r3.Vec, len(source.Vertices))
	copy(current, source.Vertices)

	if opts.UseRigidPrealign {
		rigid := DefaultRigidOptions()
		rigid.ExcludeSource = srcBoundary
		rigid.ExcludeTarget = tgtBoundary
		res, err := AlignRigid(current, tgt.Vertices, rigid)
		if err != nil {
			return nil, errors.Wrap(err, "non-rigid pre-alignment")
		}
		current = res.Aligned
		result.Rigid = res.Transform
	}

	log := getLogger()

	// Phase A: global RBF rounds.
	for round := 0; round < opts.Iterations; round++ {
		points, disp := symmetricCorrespondences(current, skipSrc, tgt.Vertices, tgtTree)
		if len(points) == 0 {
			break
		}

		perAxis := opts.GridStart << uint(round)
		if perAxis > opts.GridMax || perAxis <= 0 {
			perAxis = opts.GridMax
		}
		centers, spacing := ControlGrid(current, perAxis)
		field, err := FitRBF(points, disp, centers, opts.SigmaFactor*spacing, opts.Lambda)
		if err != nil {
			return nil, errors.Wrapf(err, "rbf round %d", round)
		}
		for i, p := range current {
			current[i] = r3.Add(p, field.Evaluate(p))
		}

		if opts.RefineIterations > 0 {
			refine := RigidOptions{
				MaxIterations: opts.RefineIterations,
				Tolerance:     DefaultRigidOptions().Tolerance,
				ExcludeSource: srcBoundary,
				ExcludeTarget: tgtBoundary,
			}
			res, err := AlignRigid(current, tgt.Vertices, refine)
			if err != nil {
				return nil, errors.Wrapf(err, "rigid refinement after rbf round %d", round)
			}
			current = res.Aligned
		}

		e := meanNearestDistance(current, tgtTree, skipSrc)
		result.ErrorTrace = append(result.ErrorTrace, e)
		log.Debugw("rbf round", "round", round, "grid", perAxis, "centers", len(centers), "meanError", e)
	}

	// Phase B: local weighted Procrustes with k shrinking to KNeighbors.
	for round := 0; round < opts.Iterations; round++ {
		k := opts.KNeighbors + opts.Iterations - 1 - round
		next, err := localProcrustesStep(current, tgt.Vertices, tgtTree, k)
		if err != nil {
			return nil, errors.Wrapf(err, "local procrustes round %d", round)
		}
		for i := range current {
			current[i] = r3.Scale(0.5, r3.Add(current[i], next[i]))
		}

		e := meanNearestDistance(current, tgtTree, skipSrc)
		result.ErrorTrace = append(result.ErrorTrace, e)
		log.Debugw("local procrustes round", "round", round, "k", k, "meanError", e)
	}

	result.Vertices = current
	result.MeanError = meanNearestDistance(current, tgtTree, skipSrc)
	return result, nil
}

// usableBoundary drops the boundary exclusion when it would exclude every vertex.
func usableBoundary(boundary []int, n int) []int {
	if len(boundary) >= n {
		return nil
	}
	return boundary
}

// symmetricCorrespondences pairs every non-boundary source vertex with its
// closest target vertex and every non-boundary target vertex with its closest
// source vertex. Each pair is returned as a sample at the source position with
// the displacement that would carry it onto the target.
func symmetricCorrespondences(current []r3.Vec, skipSrc map[int]bool, target []r3.Vec, tgtTree *pointTree) ([]r3.Vec, []r3.Vec) {
	var points, disp []r3.Vec
	for i, p := range current {
		if skipSrc[i] {
			continue
		}
		j, _ := tgtTree.Nearest(p)
		if j < 0 {
			continue
		}
		points = append(points, p)
		disp = append(disp, r3.Sub(target[j], p))
	}

	srcTree := newPointTree(current, skipSrc)
	for j := range target {
		if !tgtTree.contains(j) {
			continue
		}
		i, _ := srcTree.Nearest(target[j])
		if i < 0 {
			continue
		}
		points = append(points, current[i])
		disp = append(disp, r3.Sub(target[j], current[i]))
	}
	return points, disp
}

// localProcrustesStep fits a weighted rigid transform for every vertex's
// k-neighbourhood and blends, per vertex, the positions predicted by every
// neighbourhood that contains it. Each neighbourhood's vote is weighted by the
// inverse of its weighted fit residual.
func localProcrustesStep(current, target []r3.Vec, tgtTree *pointTree, k int) ([]r3.Vec, error) {
	n := len(current)
	corr := make([]r3.Vec, n)
	weight := make([]float64, n)
	for i, p := range current {
		j, d := tgtTree.Nearest(p)
		if j < 0 {
			return nil, ErrEmptyInput
		}
		corr[i] = target[j]
		weight[i] = 1 / (d + 1e-6)
	}

	srcTree := newPointTree(current, nil)
	sum := make([]r3.Vec, n)
	total := make([]float64, n)

	src := make([]r3.Vec, 0, k)
	tgt := make([]r3.Vec, 0, k)
	w := make([]float64, 0, k)
	for i := range current {
		hood := srcTree.NearestK(current[i], k)
		src, tgt, w = src[:0], tgt[:0], w[:0]
		for _, nb := range hood {
			src = append(src, current[nb.idx])
			tgt = append(tgt, corr[nb.idx])
			w = append(w, weight[nb.idx])
		}
		t, err := SolveWeightedRigid(src, tgt, w)
		if err != nil {
			return nil, err
		}

		var resid, wsum float64
		for m := range src {
			resid += w[m] * r3.Norm2(r3.Sub(t.Apply(src[m]), tgt[m]))
			wsum += w[m]
		}
		vote := 1 / (math.Sqrt(resid/math.Max(wsum, epsilon)) + 1e-6)

		for _, nb := range hood {
			sum[nb.idx] = r3.Add(sum[nb.idx], r3.Scale(vote, t.Apply(current[nb.idx])))
			total[nb.idx] += vote
		}
	}

	out := make([]r3.Vec, n)
	for i := range current {
		if total[i] <= epsilon {
			out[i] = current[i]
			continue
		}
		out[i] = r3.Scale(1/total[i], sum[i])
	}
	return out, nil
}
