package mesh

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

func TestFitShape_RecoversPosedTrainingShape(t *testing.T) {
	model, set := buildTestModel(t, 5, DefaultPCAOptions())
	rng := rand.New(rand.NewSource(4))
	pose := randomTransform(rng, 1)
	input := pose.ApplyAll(set.Shapes[1])

	res, err := FitShape(model, input, DefaultFitOptions())
	require.NoError(t, err)
	assert.Equal(t, model.NumComponents(), res.Components)
	assert.Less(t, res.Error, 1e-6)
	assert.True(t, res.Convergence.Converged)
	assert.InDeltaSlice(t, model.TrainingScores(1), res.Coefficients, 1e-6)
	assertVecsNear(t, input, res.InputFrame, 1e-6)
	assertVecsNear(t, set.Shapes[1], res.Aligned, 1e-6)
}

func TestFitShape_FewerComponentsFitWorse(t *testing.T) {
	model, set := buildTestModel(t, 5, DefaultPCAOptions())
	if model.NumComponents() < 2 {
		t.Skip("population produced a single mode")
	}

	opts := DefaultFitOptions()
	opts.Components = 1
	one, err := FitShape(model, set.Shapes[4], opts)
	require.NoError(t, err)
	assert.Equal(t, 1, one.Components)
	assert.Len(t, one.Coefficients, 1)

	all, err := FitShape(model, set.Shapes[4], DefaultFitOptions())
	require.NoError(t, err)
	assert.Greater(t, one.Error, all.Error)
}

func TestFitShape_Masked(t *testing.T) {
	model, set := buildTestModel(t, 5, DefaultPCAOptions())
	n := model.NumVertices()
	mask := make([]bool, n)
	for i := range mask {
		mask[i] = i < 2*n/3
	}

	opts := DefaultFitOptions()
	opts.Mask = mask
	res, err := FitShape(model, set.Shapes[2], opts)
	require.NoError(t, err)
	assert.Less(t, res.Error, 1e-6)
	// Unobserved vertices are filled in by the model.
	assertVecsNear(t, set.Shapes[2], res.Reconstruction, 1e-5)

	opts.Mask = mask[:4]
	_, err = FitShape(model, set.Shapes[2], opts)
	assert.Error(t, err)
}

func TestFitShape_Errors(t *testing.T) {
	model, _ := buildTestModel(t, 4, DefaultPCAOptions())

	_, err := FitShape(nil, []r3.Vec{{}}, DefaultFitOptions())
	assert.ErrorIs(t, err, ErrEmptyInput)
	_, err = FitShape(model, nil, DefaultFitOptions())
	assert.ErrorIs(t, err, ErrEmptyInput)

	_, err = FitShape(model, make([]r3.Vec, 3), DefaultFitOptions())
	var tm *TopologyMismatchError
	require.ErrorAs(t, err, &tm)
	assert.Equal(t, model.NumVertices(), tm.Want)
	assert.Equal(t, 3, tm.Got)
}

func TestFitBatch(t *testing.T) {
	model, set := buildTestModel(t, 5, DefaultPCAOptions())
	k := model.NumComponents()
	input := set.Shapes[0]

	results, err := FitBatch(model, input, []int{k, 1, 99}, DefaultFitOptions())
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, k, results[0].Components)
	assert.Equal(t, 1, results[1].Components)
	assert.Equal(t, k, results[2].Components, "oversized counts clamp to K")
	assert.Same(t, results[0], results[2])
	assert.GreaterOrEqual(t, results[1].Error, results[0].Error)
	assert.Equal(t, results[0].Transform, results[1].Transform, "one alignment serves every count")

	single, err := FitShape(model, input, FitOptions{Components: 1, MaxIterations: 1})
	require.NoError(t, err)
	assert.Len(t, single.Coefficients, len(results[1].Coefficients))

	_, err = FitBatch(model, input, nil, DefaultFitOptions())
	assert.ErrorIs(t, err, ErrEmptyInput)
}
