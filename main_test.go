package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwv/tudoshape/mesh"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	app := newCLI()
	var out bytes.Buffer
	app.Writer = &out
	app.ErrWriter = &out
	err := app.Run(append([]string{"tudoshape"}, args...))
	return out.String(), err
}

func TestCLI_Commands(t *testing.T) {
	app := newCLI()
	var names []string
	for _, c := range app.Commands {
		names = append(names, c.Name)
	}
	assert.ElementsMatch(t, []string{"build", "fit", "reconstruct", "render", "serve"}, names)
}

func TestCLI_Reconstruct(t *testing.T) {
	dir := t.TempDir()
	modelPath := filepath.Join(dir, "model.json")
	require.NoError(t, mesh.SaveModel(modelPath, testModel(t)))
	out := filepath.Join(dir, "rec.stl")

	stdout, err := runCLI(t, "--model", modelPath, "reconstruct", "--coefficients", "0.5,-0.25", "-o", out)
	require.NoError(t, err)
	assert.Contains(t, stdout, "reconstruction written to "+out)
	assert.FileExists(t, out)
}

func TestCLI_ReconstructBadCoefficients(t *testing.T) {
	_, err := runCLI(t, "reconstruct", "--coefficients", "a,b")
	assert.Error(t, err)
}

func TestCLI_Render(t *testing.T) {
	dir := t.TempDir()
	modelPath := filepath.Join(dir, "model.json")
	require.NoError(t, mesh.SaveModel(modelPath, testModel(t)))
	out := filepath.Join(dir, "mode.svg")
	scree := filepath.Join(dir, "scree.svg")

	_, err := runCLI(t, "-m", modelPath, "render", "--mode", "1", "--sigma", "2", "-o", out, "--scree", scree)
	require.NoError(t, err)
	assert.FileExists(t, out)
	assert.FileExists(t, scree)

	_, err = runCLI(t, "-m", modelPath, "render", "--mode", "0", "-o", out)
	assert.Error(t, err)
}

func TestCLI_FitNeedsOneArgument(t *testing.T) {
	_, err := runCLI(t, "fit")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "exactly one mesh"))
}

func TestCLI_BuildWithoutConfig(t *testing.T) {
	dir := t.TempDir()
	_, err := runCLI(t, "-m", filepath.Join(dir, "model.json"), "build")
	assert.Error(t, err, "no specimens configured")
}

func TestCLI_BadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("specimens:\n  - path: a.stl\n"), 0644))

	_, err := runCLI(t, "--config", path, "build")
	assert.Error(t, err, "specimen without id must fail validation")
}

func TestNewLogger(t *testing.T) {
	for _, verbose := range []bool{false, true} {
		l, err := newLogger(verbose)
		require.NoError(t, err)
		assert.NotNil(t, l)
	}
}
