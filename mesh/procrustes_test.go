package mesh

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

// posedCopies returns n rigidly moved copies of base.
func posedCopies(base Mesh, n int, seed int64) []Mesh {
	rng := rand.New(rand.NewSource(seed))
	out := make([]Mesh, n)
	for i := range out {
		out[i] = base.WithVertices(randomTransform(rng, 1).ApplyAll(base.Vertices))
	}
	return out
}

func TestAlignPopulation_RigidCopiesCollapse(t *testing.T) {
	base := ellipsoid(12, 8, 5, 6, 10)
	set := NewCorrespondenceSet(nil, posedCopies(base, 4, 3))

	res, err := AlignPopulation(set, DefaultGPAOptions())
	require.NoError(t, err)
	assert.True(t, res.Convergence.Converged)

	for j, r := range res.Residuals {
		assert.Less(t, r, 1e-8, "specimen %d", j)
		assert.True(t, isRotation(res.Transforms[j].R, 1e-9))
		assert.InDelta(t, 1, res.Transforms[j].S, testTol)
	}
	assert.InDelta(t, CentroidSize(base.Vertices), CentroidSize(res.Mean), 1e-8)
	assert.InDelta(t, 0, r3.Norm(Centroid(res.Mean)), 1e-9)

	rows, cols := res.X.Dims()
	assert.Equal(t, len(base.Vertices), rows)
	assert.Equal(t, 4, cols)
}

func TestAlignPopulation_Scaling(t *testing.T) {
	unit := NewUVSphere(r3.Vec{}, 1, 6, 8)
	var meshes []Mesh
	for _, s := range []float64{1, 2, 3} {
		meshes = append(meshes, unit.WithVertices(Transform{R: rotationXYZ(s, 0, 0), S: s}.ApplyAll(unit.Vertices)))
	}
	set := NewCorrespondenceSet(nil, meshes)

	opts := DefaultGPAOptions()
	opts.AllowScaling = true
	scaled, err := AlignPopulation(set, opts)
	require.NoError(t, err)
	assert.InDelta(t, 2*CentroidSize(unit.Vertices), CentroidSize(scaled.Mean), 1e-8,
		"mean size is the average input size")
	for j, r := range scaled.Residuals {
		assert.Less(t, r, 1e-8, "specimen %d", j)
	}

	rigid, err := AlignPopulation(set, DefaultGPAOptions())
	require.NoError(t, err)
	assert.Greater(t, rigid.Residuals[0], 0.1, "rigid GPA keeps metric size")
}

func TestAlignPopulation_RandomScalesAverage(t *testing.T) {
	rng := rand.New(rand.NewSource(17))
	unit := NewUVSphere(r3.Vec{}, 1, 8, 12)

	var meshes []Mesh
	var sum float64
	for i := 0; i < 5; i++ {
		f := 0.5 + 2.5*rng.Float64()
		sum += f
		meshes = append(meshes, unit.WithVertices(randomTransform(rng, f).ApplyAll(unit.Vertices)))
	}

	opts := DefaultGPAOptions()
	opts.AllowScaling = true
	res, err := AlignPopulation(NewCorrespondenceSet(nil, meshes), opts)
	require.NoError(t, err)

	assert.InDelta(t, sum/5, CentroidSize(res.Mean)/CentroidSize(unit.Vertices), 1e-9,
		"mean scale is the arithmetic mean of the factors")
	for j, r := range res.Residuals {
		assert.Less(t, r, 1e-6, "specimen %d", j)
	}
}

func TestAlignPopulation_Idempotent(t *testing.T) {
	set := NewCorrespondenceSet(nil, ellipsoidPopulation(4))
	first, err := AlignPopulation(set, DefaultGPAOptions())
	require.NoError(t, err)

	opts := DefaultGPAOptions()
	opts.InitialMean = first.Mean
	opts.MaxIterations = 1
	second, err := AlignPopulation(first.Set(set.Faces, nil), opts)
	require.NoError(t, err)

	for j := range first.Shapes {
		assertVecsNear(t, first.Shapes[j], second.Shapes[j], 1e-5)
	}
}

func TestAlignPopulation_ReferenceModes(t *testing.T) {
	set := NewCorrespondenceSet(nil, ellipsoidPopulation(3))

	opts := DefaultGPAOptions()
	opts.Reference = -1
	avg, err := AlignPopulation(set, opts)
	require.NoError(t, err)
	ref0, err := AlignPopulation(set, DefaultGPAOptions())
	require.NoError(t, err)
	assertVecsNear(t, ref0.Mean, avg.Mean, 1e-6)

	opts.Reference = 7
	_, err = AlignPopulation(set, opts)
	assert.Error(t, err)

	opts = DefaultGPAOptions()
	opts.InitialMean = make([]r3.Vec, 3)
	_, err = AlignPopulation(set, opts)
	assert.True(t, IsTopologyMismatch(err))
}

func TestAlignPopulation_RejectsOutlierVertex(t *testing.T) {
	base := NewUVSphere(r3.Vec{}, 10, 8, 12)
	meshes := posedCopies(base, 3, 9)
	corrupt := append([]r3.Vec(nil), meshes[2].Vertices...)
	corrupt[5] = r3.Add(corrupt[5], r3.Vec{X: 50})
	meshes[2] = base.WithVertices(corrupt)

	opts := DefaultGPAOptions()
	opts.RejectOutliers = true
	res, err := AlignPopulation(NewCorrespondenceSet(nil, meshes), opts)
	require.NoError(t, err)
	assert.Equal(t, 1, res.OutlierCounts[2])

	for i := range base.Vertices {
		if i == 5 {
			continue
		}
		assert.InDelta(t, 0, r3.Norm(r3.Sub(res.Shapes[0][i], res.Shapes[2][i])), 1e-6, "vertex %d", i)
	}
}

func TestAlignPopulation_Errors(t *testing.T) {
	_, err := AlignPopulation(nil, DefaultGPAOptions())
	assert.ErrorIs(t, err, ErrEmptyInput)

	set := &CorrespondenceSet{Shapes: [][]r3.Vec{make([]r3.Vec, 25891), make([]r3.Vec, 31818)}}
	_, err = AlignPopulation(set, DefaultGPAOptions())
	assert.True(t, IsTopologyMismatch(err))

	_, err = GeneralizedProcrustes(nil, nil, nil, DefaultGPAOptions())
	assert.ErrorIs(t, err, ErrEmptyInput)
}
