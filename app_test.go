package main

import (
	"bytes"
	"context"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/kwv/tudoshape/mesh"
)

// ellipsoids returns n spheres stretched differently along each axis. All
// share one topology.
func ellipsoids(n int) []mesh.Mesh {
	base := mesh.NewUVSphere(r3.Vec{}, 10, 6, 8)
	out := make([]mesh.Mesh, n)
	for i := range out {
		sx := 1 + 0.15*float64(i)
		sy := 1 - 0.05*float64(i)
		sz := 1 + 0.03*float64(i*i)
		vs := make([]r3.Vec, len(base.Vertices))
		for j, v := range base.Vertices {
			vs[j] = r3.Vec{X: v.X * sx, Y: v.Y * sy, Z: v.Z * sz}
		}
		out[i] = base.WithVertices(vs)
	}
	return out
}

func testModel(t *testing.T) *mesh.ShapeModel {
	t.Helper()
	meshes := ellipsoids(5)
	ids := []string{"a", "b", "c", "d", "e"}
	set := mesh.NewCorrespondenceSet(ids, meshes)
	gpa, err := mesh.AlignPopulation(set, mesh.DefaultGPAOptions())
	require.NoError(t, err)
	model, err := mesh.BuildShapeModel(gpa.Set(set.Faces, ids), mesh.DefaultPCAOptions())
	require.NoError(t, err)
	return model
}

// appWithModel returns an App whose state already holds a model.
func appWithModel(t *testing.T) *App {
	t.Helper()
	a := NewApp(nil)
	a.ModelPath = filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, a.StateTracker.UpdateModel(testModel(t)))
	return a
}

func TestNewApp(t *testing.T) {
	a := NewApp(nil)
	if a.StateTracker == nil {
		t.Fatal("StateTracker should be initialized")
	}
	if a.Store == nil {
		t.Fatal("Store should be initialized")
	}
	if a.Config == nil || a.Config.ModelPath != mesh.DefaultModelPath {
		t.Errorf("Config should hold defaults, got %+v", a.Config)
	}
	if a.Log == nil {
		t.Error("Log should default to a no-op logger")
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `modelPath: out/model.json
specimens:
  - id: s1
    path: s1.stl
render:
  width: 320
  height: 200
  sigma: 2
  view: xz
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	t.Run("config sets model path", func(t *testing.T) {
		a := NewApp(nil)
		a.ConfigFile = path
		require.NoError(t, a.LoadConfig())
		assert.Equal(t, "out/model.json", a.ModelPath)
		assert.Equal(t, 320, a.Config.Render.Width)
		assert.Equal(t, "xz", a.Config.Render.View)
		assert.Equal(t, filepath.Join(dir, "s1.stl"), a.resolvePath("s1.stl"))
	})

	t.Run("flag wins over config", func(t *testing.T) {
		a := NewApp(nil)
		a.ConfigFile = path
		a.ModelPath = "flag.json"
		require.NoError(t, a.LoadConfig())
		assert.Equal(t, "flag.json", a.ModelPath)
	})

	t.Run("missing file", func(t *testing.T) {
		a := NewApp(nil)
		a.ConfigFile = filepath.Join(dir, "nope.yaml")
		assert.Error(t, a.LoadConfig())
	})

	t.Run("no config uses defaults", func(t *testing.T) {
		a := NewApp(nil)
		require.NoError(t, a.LoadConfig())
		assert.Equal(t, mesh.DefaultModelPath, a.ModelPath)
	})
}

func TestResolvePath(t *testing.T) {
	a := NewApp(nil)
	a.ConfigFile = "/data/cfg/config.yaml"

	assert.Equal(t, "/data/cfg/mesh.stl", a.resolvePath("mesh.stl"))
	assert.Equal(t, "/abs/mesh.stl", a.resolvePath("/abs/mesh.stl"))
	assert.Equal(t, "https://host/mesh.stl", a.resolvePath("https://host/mesh.stl"))
	assert.Equal(t, "", a.resolvePath(""))
}

func TestBuild(t *testing.T) {
	dir := t.TempDir()
	store := mesh.NewSTLStore()

	var cfg strings.Builder
	cfg.WriteString("modelPath: model.json\nspecimens:\n")
	for i, m := range ellipsoids(4) {
		name := filepath.Join("specimens", string(rune('a'+i))+".stl")
		require.NoError(t, store.Save(filepath.Join(dir, name), &m))
		cfg.WriteString("  - id: " + string(rune('a'+i)) + "\n    path: " + name + "\n")
	}
	configPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(cfg.String()), 0644))

	a := NewApp(nil)
	a.ConfigFile = configPath
	require.NoError(t, a.LoadConfig())
	a.ModelPath = filepath.Join(dir, "model.json")

	model, err := a.Build(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, model.NumSamples)
	assert.Equal(t, []string{"a", "b", "c", "d"}, model.IDs)
	assert.LessOrEqual(t, model.NumComponents(), 3)
	assert.Greater(t, model.NumComponents(), 0)
	assert.FileExists(t, a.ModelPath)
	assert.Same(t, model, a.StateTracker.Model())

	ev, ok := a.StateTracker.Progress()
	require.True(t, ok, "registration should report progress")
	assert.Equal(t, "register", ev.Stage)
	assert.Equal(t, 4, ev.Total)
}

func TestBuild_NoSpecimens(t *testing.T) {
	a := NewApp(nil)
	a.ModelPath = filepath.Join(t.TempDir(), "model.json")
	_, err := a.Build(context.Background())
	assert.Error(t, err)
}

func TestModel_LoadsFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, mesh.SaveModel(path, testModel(t)))

	a := NewApp(nil)
	a.ModelPath = path
	model, err := a.Model()
	require.NoError(t, err)
	assert.Equal(t, 5, model.NumSamples)
	assert.True(t, a.StateTracker.HasModel())
}

func TestModel_Missing(t *testing.T) {
	a := NewApp(nil)
	a.ModelPath = filepath.Join(t.TempDir(), "missing.json")
	_, err := a.Model()
	assert.Error(t, err)
}

func TestFitVertices_TrainingShape(t *testing.T) {
	a := appWithModel(t)
	shape := ellipsoids(5)[2]

	res, err := a.FitVertices(context.Background(), shape, 0)
	require.NoError(t, err)
	assert.Equal(t, a.StateTracker.Model().NumComponents(), res.Components)
	assert.Less(t, res.Error, 1e-6)
	assert.Len(t, res.InputFrame, len(shape.Vertices))
}

func TestFitVertices_TopologyMismatch(t *testing.T) {
	a := appWithModel(t)

	_, err := a.FitVertices(context.Background(), mesh.Mesh{Vertices: make([]r3.Vec, 7)}, 0)
	require.Error(t, err)
	assert.True(t, mesh.IsTopologyMismatch(err))
}

func TestFit_FromFile(t *testing.T) {
	a := appWithModel(t)
	path := filepath.Join(t.TempDir(), "input.stl")
	m := ellipsoids(5)[1]
	require.NoError(t, a.Store.Save(path, &m))

	res, err := a.Fit(context.Background(), path, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Components)
	assert.Len(t, res.Coefficients, 1)
}

func TestFitRequestPath(t *testing.T) {
	a := appWithModel(t)
	dataDir := t.TempDir()
	a.Config.FitRequests.DataDir = dataDir
	m := ellipsoids(5)[1]
	require.NoError(t, a.Store.Save(filepath.Join(dataDir, "scans", "in.stl"), &m))

	outside := filepath.Join(t.TempDir(), "secret.stl")
	require.NoError(t, a.Store.Save(outside, &m))
	require.NoError(t, os.Symlink(outside, filepath.Join(dataDir, "link.stl")))

	t.Run("local path inside data dir", func(t *testing.T) {
		res, err := a.FitRequestPath(context.Background(), "scans/in.stl", 1)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Components)
	})

	for _, p := range []string{outside, "/etc/passwd", "../secret.stl", "scans/../../secret.stl", "link.stl", "file:///etc/passwd"} {
		t.Run("rejects "+p, func(t *testing.T) {
			_, err := a.FitRequestPath(context.Background(), p, 1)
			assert.ErrorIs(t, err, errMeshNotAllowed)
		})
	}

	t.Run("load errors carry no filesystem detail", func(t *testing.T) {
		_, err := a.FitRequestPath(context.Background(), "scans/missing.stl", 1)
		require.ErrorIs(t, err, errMeshUnavailable)
		assert.NotContains(t, err.Error(), dataDir)
		assert.NotContains(t, err.Error(), "no such file")

		require.NoError(t, os.WriteFile(filepath.Join(dataDir, "junk.stl"), []byte("not a mesh"), 0644))
		_, err = a.FitRequestPath(context.Background(), "junk.stl", 1)
		require.ErrorIs(t, err, errMeshUnavailable)
		assert.NotContains(t, err.Error(), "read stl")
	})

	t.Run("no data dir rejects paths", func(t *testing.T) {
		b := appWithModel(t)
		_, err := b.FitRequestPath(context.Background(), "scans/in.stl", 1)
		assert.ErrorIs(t, err, errMeshNotAllowed)
	})
}

func TestFitRequestPath_URLs(t *testing.T) {
	var body bytes.Buffer
	m := ellipsoids(5)[2]
	require.NoError(t, mesh.WriteSTL(&body, &m))
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write(body.Bytes())
	}))
	defer srv.Close()

	a := appWithModel(t)
	_, err := a.FitRequestPath(context.Background(), srv.URL+"/in.stl", 1)
	assert.ErrorIs(t, err, errMeshNotAllowed)
	assert.Zero(t, hits.Load(), "a host outside the allow-list must not be contacted")

	a.Config.FitRequests.AllowedHosts = []string{"127.0.0.1"}
	res, err := a.FitRequestPath(context.Background(), srv.URL+"/in.stl", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Components)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = a.FitRequestPath(ctx, srv.URL+"/in.stl", 2)
	assert.ErrorIs(t, err, errMeshUnavailable)
}

func TestReconstruct(t *testing.T) {
	a := appWithModel(t)
	out := filepath.Join(t.TempDir(), "rec.stl")

	require.NoError(t, a.Reconstruct([]float64{1.5}, out))

	m, err := a.Store.Load(context.Background(), out)
	require.NoError(t, err)
	model := a.StateTracker.Model()
	assert.Len(t, m.Vertices, model.NumVertices())
	assert.Len(t, m.Faces, len(model.Faces))

	err = a.Reconstruct(make([]float64, model.NumComponents()+1), out)
	assert.Error(t, err, "more coefficients than components")
}

func TestRender(t *testing.T) {
	a := appWithModel(t)
	a.Config.Render.Width, a.Config.Render.Height = 240, 120
	dir := t.TempDir()

	pngPath := filepath.Join(dir, "mode.png")
	require.NoError(t, a.Render(0, 2, pngPath))
	f, err := os.Open(pngPath)
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, 240, img.Bounds().Dx())

	svgPath := filepath.Join(dir, "mode.svg")
	require.NoError(t, a.Render(0, 0, svgPath))
	data, err := os.ReadFile(svgPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "<svg")

	screePath := filepath.Join(dir, "scree.svg")
	require.NoError(t, a.RenderScree(screePath))
	assert.FileExists(t, screePath)

	assert.Error(t, a.Render(99, 1, filepath.Join(dir, "bad.png")))
}

func TestHandleFitRequest(t *testing.T) {
	a := appWithModel(t)

	t.Run("decode error is recorded", func(t *testing.T) {
		a.handleFitRequest(mesh.FitRequest{ID: "bad"}, assert.AnError)
		resp, ok := a.StateTracker.Fit("bad")
		require.True(t, ok)
		assert.Equal(t, assert.AnError.Error(), resp.Failure)
	})

	t.Run("decode error without id is dropped", func(t *testing.T) {
		a.handleFitRequest(mesh.FitRequest{}, assert.AnError)
		assert.NotContains(t, a.StateTracker.FitIDs(), "")
	})

	t.Run("vertices are fitted", func(t *testing.T) {
		a.handleFitRequest(mesh.FitRequest{ID: "ok", Vertices: ellipsoids(5)[3].Vertices, Components: 2}, nil)
		resp, ok := a.StateTracker.Fit("ok")
		require.True(t, ok)
		assert.Empty(t, resp.Failure)
		assert.Equal(t, 2, resp.Components)
		assert.Len(t, resp.Coefficients, 2)
	})

	t.Run("missing file fails", func(t *testing.T) {
		a.handleFitRequest(mesh.FitRequest{ID: "missing", Path: filepath.Join(t.TempDir(), "x.stl")}, nil)
		resp, ok := a.StateTracker.Fit("missing")
		require.True(t, ok)
		assert.NotEmpty(t, resp.Failure)
	})
}

func TestParseCoefficients(t *testing.T) {
	tests := []struct {
		in      string
		want    []float64
		wantErr bool
	}{
		{"", nil, false},
		{"1.5", []float64{1.5}, false},
		{"1, -2.5 ,3e-1", []float64{1, -2.5, 0.3}, false},
		{"1,x", nil, true},
	}
	for _, tt := range tests {
		got, err := parseCoefficients(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.InDeltaSlice(t, tt.want, got, 1e-12, tt.in)
	}
}
