package mesh

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// PCAOptions configures BuildShapeModel. VarianceExplained is relative to the
// retained modes, so it sums to 1 even when MaxComponents truncates the
// model; ShapeModel.PopulationVarianceExplained gives each mode's share of
// the whole population variance instead.
type PCAOptions struct {
	MaxComponents int `yaml:"maxComponents"` // 0 keeps every non-degenerate mode
}

// DefaultPCAOptions keeps every mode the sample count supports.
func DefaultPCAOptions() PCAOptions {
	return PCAOptions{}
}

// ShapeModel is a linear point distribution model. Coordinates are stacked as
// an X block, a Y block and a Z block, so Modes has 3N rows. The model is not
// modified after BuildShapeModel returns.
type ShapeModel struct {
	Mean               []r3.Vec
	Modes              *mat.Dense // 3N×K, orthonormal columns
	Eigenvalues        []float64
	VarianceExplained  []float64 // eigenvalue over the sum of retained eigenvalues
	CumulativeVariance []float64
	Scores             *mat.Dense // M×K training coefficients
	TotalVariance      float64    // sum of every eigenvalue, including dropped modes
	Faces              [][3]int
	IDs                []string
	NumSamples         int
}

// BuildShapeModel runs PCA over a population in dense correspondence.
//
// The training matrix is centered and divided by √(M−1); the thin SVD of its
// M×3N transpose gives the modes as right singular vectors and the
// eigenvalues as squared singular values. At most min(MaxComponents, M−1)
// modes are kept and zero-variance modes are dropped.
func BuildShapeModel(set *CorrespondenceSet, opts PCAOptions) (*ShapeModel, error) {
	if err := set.Validate(); err != nil {
		return nil, errors.Wrap(err, "build shape model")
	}
	m := set.Len()
	if m < 2 {
		return nil, &DegeneracyError{Op: "build shape model", Detail: "at least two specimens are required"}
	}
	n := set.NumVertices()
	dim := 3 * n

	meanVec := make([]float64, dim)
	rows := make([][]float64, m)
	for j, s := range set.Shapes {
		rows[j] = stackShape(s)
		floats.Add(meanVec, rows[j])
	}
	floats.Scale(1/float64(m), meanVec)

	norm := 1 / math.Sqrt(float64(m-1))
	a := mat.NewDense(m, dim, nil)
	centered := make([]float64, dim)
	for j, row := range rows {
		floats.SubTo(centered, row, meanVec)
		floats.Scale(norm, centered)
		a.SetRow(j, centered)
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return nil, &DegeneracyError{Op: "build shape model", Detail: "SVD did not converge"}
	}
	sigma := svd.Values(nil)
	var v mat.Dense
	svd.VTo(&v)

	eig := make([]float64, len(sigma))
	for i, s := range sigma {
		eig[i] = s * s
	}
	total := floats.Sum(eig)

	k := m - 1
	if opts.MaxComponents > 0 && opts.MaxComponents < k {
		k = opts.MaxComponents
	}
	if k > len(eig) {
		k = len(eig)
	}
	floor := 1e-12 * math.Max(total, epsilon)
	for k > 0 && eig[k-1] <= floor {
		k--
	}
	if k == 0 {
		return nil, &DegeneracyError{Op: "build shape model", Detail: "population has zero variance"}
	}

	model := &ShapeModel{
		Mean:               unstackShape(meanVec),
		Modes:              mat.DenseCopyOf(v.Slice(0, dim, 0, k)),
		Eigenvalues:        append([]float64(nil), eig[:k]...),
		VarianceExplained:  make([]float64, k),
		CumulativeVariance: make([]float64, k),
		TotalVariance:      total,
		Faces:              set.Faces,
		IDs:                set.IDs,
		NumSamples:         m,
	}
	retained := floats.Sum(model.Eigenvalues)
	for i, l := range model.Eigenvalues {
		model.VarianceExplained[i] = l / retained
	}
	floats.CumSum(model.CumulativeVariance, model.VarianceExplained)
	for i, c := range model.CumulativeVariance {
		model.CumulativeVariance[i] = math.Min(c, 1)
	}

	model.Scores = mat.NewDense(m, k, nil)
	for j, s := range set.Shapes {
		b, err := model.Project(s, k)
		if err != nil {
			return nil, err
		}
		model.Scores.SetRow(j, b)
	}

	getLogger().Infow("shape model built",
		"specimens", m, "vertices", n, "components", k,
		"populationVariance", floats.Sum(model.PopulationVarianceExplained()))
	return model, nil
}

// PopulationVarianceExplained returns each retained mode's eigenvalue as a
// fraction of the total population variance. The sum falls below 1 when
// modes were dropped.
func (sm *ShapeModel) PopulationVarianceExplained() []float64 {
	out := make([]float64, len(sm.Eigenvalues))
	if sm.TotalVariance <= 0 {
		return out
	}
	for i, l := range sm.Eigenvalues {
		out[i] = l / sm.TotalVariance
	}
	return out
}

// NumComponents returns K.
func (sm *ShapeModel) NumComponents() int {
	_, k := sm.Modes.Dims()
	return k
}

// NumVertices returns N.
func (sm *ShapeModel) NumVertices() int { return len(sm.Mean) }

// MeanMesh returns the mean shape with the model's faces.
func (sm *ShapeModel) MeanMesh() Mesh {
	return Mesh{Vertices: sm.Mean, Faces: sm.Faces}
}

func (sm *ShapeModel) clampK(k int) int {
	if kk := sm.NumComponents(); k <= 0 || k > kk {
		return kk
	}
	return k
}

// Project returns the first k coefficients of shape, which must already be in
// the model's topology and frame. k <= 0 means all components.
func (sm *ShapeModel) Project(shape []r3.Vec, k int) ([]float64, error) {
	if len(shape) != sm.NumVertices() {
		return nil, &TopologyMismatchError{Index: -1, Want: sm.NumVertices(), Got: len(shape)}
	}
	k = sm.clampK(k)
	d := stackShape(shape)
	floats.Sub(d, stackShape(sm.Mean))

	var b mat.VecDense
	b.MulVec(sm.Modes.Slice(0, 3*sm.NumVertices(), 0, k).T(), mat.NewVecDense(len(d), d))
	return b.RawVector().Data, nil
}

// ProjectMasked estimates the first k coefficients from the observed vertices
// only, by least squares over the corresponding rows of the modes. Vertices
// with mask[i] false are treated as missing.
func (sm *ShapeModel) ProjectMasked(shape []r3.Vec, mask []bool, k int) ([]float64, error) {
	n := sm.NumVertices()
	if len(shape) != n {
		return nil, &TopologyMismatchError{Index: -1, Want: n, Got: len(shape)}
	}
	if len(mask) != n {
		return nil, errors.Errorf("mask has %d entries for %d vertices", len(mask), n)
	}
	k = sm.clampK(k)

	var observed []int
	for i, ok := range mask {
		if ok {
			observed = append(observed, i)
		}
	}
	if 3*len(observed) < k {
		return nil, &DegeneracyError{Op: "masked projection", Detail: "fewer observed coordinates than components"}
	}

	phi := mat.NewDense(3*len(observed), k, nil)
	rhs := mat.NewDense(3*len(observed), 1, nil)
	for r, i := range observed {
		obs := [3]float64{shape[i].X, shape[i].Y, shape[i].Z}
		mean := [3]float64{sm.Mean[i].X, sm.Mean[i].Y, sm.Mean[i].Z}
		for axis := 0; axis < 3; axis++ {
			row := 3*r + axis
			for c := 0; c < k; c++ {
				phi.Set(row, c, sm.Modes.At(axis*n+i, c))
			}
			rhs.Set(row, 0, obs[axis]-mean[axis])
		}
	}

	var b mat.Dense
	if err := b.Solve(phi, rhs); err != nil {
		return nil, &DegeneracyError{Op: "masked projection", Detail: err.Error()}
	}
	return mat.Col(nil, 0, &b), nil
}

// Reconstruct returns mean + Φ[:, :len(coeffs)]·coeffs.
func (sm *ShapeModel) Reconstruct(coeffs []float64) ([]r3.Vec, error) {
	k := len(coeffs)
	if k > sm.NumComponents() {
		return nil, errors.Errorf("reconstruct: %d coefficients for %d components", k, sm.NumComponents())
	}
	x := stackShape(sm.Mean)
	if k > 0 {
		var d mat.VecDense
		d.MulVec(sm.Modes.Slice(0, len(x), 0, k), mat.NewVecDense(k, append([]float64(nil), coeffs...)))
		floats.Add(x, d.RawVector().Data)
	}
	return unstackShape(x), nil
}

// ModeShape returns the mean displaced along one mode by sigmas standard
// deviations.
func (sm *ShapeModel) ModeShape(mode int, sigmas float64) ([]r3.Vec, error) {
	if mode < 0 || mode >= sm.NumComponents() {
		return nil, errors.Errorf("mode %d out of range [0,%d)", mode, sm.NumComponents())
	}
	coeffs := make([]float64, mode+1)
	coeffs[mode] = sigmas * math.Sqrt(sm.Eigenvalues[mode])
	return sm.Reconstruct(coeffs)
}

// TrainingScores returns the coefficient vector of training specimen j.
func (sm *ShapeModel) TrainingScores(j int) []float64 {
	return mat.Row(nil, j, sm.Scores)
}
