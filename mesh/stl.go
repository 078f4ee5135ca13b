package mesh

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/unixpickle/model3d/model3d"
	"gonum.org/v1/gonum/spatial/r3"
)

// MeshStore loads and saves triangle meshes.
type MeshStore interface {
	Load(ctx context.Context, path string) (*Mesh, error)
	Save(path string, m *Mesh) error
}

// STLStore reads and writes STL triangle soups (ASCII or binary on read,
// binary on write). Coincident triangle corners are welded into shared
// vertices on load.
type STLStore struct {
	// WeldTolerance merges corners closer than this distance. Zero welds
	// exactly equal coordinates only.
	WeldTolerance float64
}

// NewSTLStore returns a store that welds exactly coincident corners.
func NewSTLStore() *STLStore {
	return &STLStore{}
}

// Load reads an STL file into an indexed mesh. http and https URLs are
// fetched with FetchMesh and abandoned when ctx is done.
func (s *STLStore) Load(ctx context.Context, path string) (*Mesh, error) {
	if isRemote(path) {
		return FetchMesh(ctx, path, WithWeldTolerance(s.WeldTolerance))
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	m, err := DecodeSTL(f, s.WeldTolerance)
	if err != nil {
		return nil, errors.Wrapf(err, "read stl %s", path)
	}
	getLogger().Debugw("stl loaded", "path", path, "faces", len(m.Faces), "vertices", len(m.Vertices))
	return m, nil
}

// DecodeSTL parses an ASCII or binary STL stream and welds corners closer
// than weldTolerance into shared vertices.
func DecodeSTL(r io.Reader, weldTolerance float64) (*Mesh, error) {
	tris, err := model3d.ReadSTL(r)
	if err != nil {
		return nil, err
	}
	if len(tris) == 0 {
		return nil, errors.Wrap(ErrEmptyInput, "stl has no triangles")
	}

	soup := Mesh{
		Vertices: make([]r3.Vec, 0, 3*len(tris)),
		Faces:    make([][3]int, 0, len(tris)),
	}
	for _, t := range tris {
		base := len(soup.Vertices)
		for _, c := range t {
			soup.Vertices = append(soup.Vertices, r3.Vec{X: c.X, Y: c.Y, Z: c.Z})
		}
		soup.Faces = append(soup.Faces, [3]int{base, base + 1, base + 2})
	}

	welded, _ := CollapseDuplicates(soup, weldTolerance)
	return &welded, nil
}

func isRemote(path string) bool {
	return strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://")
}

// Save writes m as a binary STL, creating parent directories as needed.
func (s *STLStore) Save(path string, m *Mesh) error {
	if err := m.Validate(); err != nil {
		return errors.Wrapf(err, "save %s", path)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "create %s", dir)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	if err := WriteSTL(f, m); err != nil {
		f.Close()
		return errors.Wrapf(err, "write stl %s", path)
	}
	return f.Close()
}

// WriteSTL encodes m as binary STL to w.
func WriteSTL(w io.Writer, m *Mesh) error {
	return model3d.WriteSTL(w, toTriangles(m))
}

func toTriangles(m *Mesh) []*model3d.Triangle {
	tris := make([]*model3d.Triangle, len(m.Faces))
	for i, f := range m.Faces {
		t := &model3d.Triangle{}
		for k, idx := range f {
			v := m.Vertices[idx]
			t[k] = model3d.XYZ(v.X, v.Y, v.Z)
		}
		tris[i] = t
	}
	return tris
}
