package mesh

import (
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// CorrespondenceSet is a population of specimens in dense correspondence:
// vertex i of every shape is the same anatomical point, and all shapes share
// one face list.
type CorrespondenceSet struct {
	IDs    []string   `json:"ids"`
	Shapes [][]r3.Vec `json:"shapes"`
	Faces  [][3]int   `json:"faces"`
}

// NewCorrespondenceSet builds a set from meshes that are expected to share
// topology. Faces are taken from the first mesh. Call Validate before use.
func NewCorrespondenceSet(ids []string, meshes []Mesh) *CorrespondenceSet {
	set := &CorrespondenceSet{IDs: ids, Shapes: make([][]r3.Vec, len(meshes))}
	for i, m := range meshes {
		set.Shapes[i] = m.Vertices
	}
	if len(meshes) > 0 {
		set.Faces = meshes[0].Faces
	}
	return set
}

// Len returns the number of specimens.
func (c *CorrespondenceSet) Len() int { return len(c.Shapes) }

// NumVertices returns N, the shared vertex count, or 0 for an empty set.
func (c *CorrespondenceSet) NumVertices() int {
	if len(c.Shapes) == 0 {
		return 0
	}
	return len(c.Shapes[0])
}

// Validate checks that the set is non-empty and every specimen has the same
// vertex count as the first. It must run before any size-dependent array
// operation.
func (c *CorrespondenceSet) Validate() error {
	if c == nil || len(c.Shapes) == 0 || len(c.Shapes[0]) == 0 {
		return ErrEmptyInput
	}
	want := len(c.Shapes[0])
	for i, s := range c.Shapes[1:] {
		if len(s) != want {
			return &TopologyMismatchError{Index: i + 1, Want: want, Got: len(s)}
		}
	}
	if len(c.IDs) != 0 && len(c.IDs) != len(c.Shapes) {
		return &TopologyMismatchError{Index: -1, Want: len(c.Shapes), Got: len(c.IDs)}
	}
	m := Mesh{Vertices: c.Shapes[0], Faces: c.Faces}
	return m.Validate()
}

// Mesh returns specimen i with the shared faces.
func (c *CorrespondenceSet) Mesh(i int) Mesh {
	return Mesh{Vertices: c.Shapes[i], Faces: c.Faces}
}

// Axes returns the per-axis coordinate matrices X, Y and Z, each N×M with one
// column per specimen.
func (c *CorrespondenceSet) Axes() (x, y, z *mat.Dense, err error) {
	if err := c.Validate(); err != nil {
		return nil, nil, nil, err
	}
	n, m := c.NumVertices(), c.Len()
	x = mat.NewDense(n, m, nil)
	y = mat.NewDense(n, m, nil)
	z = mat.NewDense(n, m, nil)
	for j, s := range c.Shapes {
		for i, p := range s {
			x.Set(i, j, p.X)
			y.Set(i, j, p.Y)
			z.Set(i, j, p.Z)
		}
	}
	return x, y, z, nil
}

// NewCorrespondenceSetFromAxes is the inverse of Axes.
func NewCorrespondenceSetFromAxes(x, y, z *mat.Dense, faces [][3]int, ids []string) (*CorrespondenceSet, error) {
	if x == nil || y == nil || z == nil {
		return nil, ErrEmptyInput
	}
	n, m := x.Dims()
	if err := checkAxisDims(n, m, y, z); err != nil {
		return nil, err
	}
	set := &CorrespondenceSet{IDs: ids, Faces: faces, Shapes: columnsToShapes(x, y, z)}
	return set, nil
}

// checkAxisDims raises a topology mismatch when Y or Z disagree with X.
func checkAxisDims(n, m int, others ...*mat.Dense) error {
	if n == 0 || m == 0 {
		return ErrEmptyInput
	}
	for _, o := range others {
		r, c := o.Dims()
		if c != m {
			return &TopologyMismatchError{Index: -1, Want: m, Got: c}
		}
		if r != n {
			return &TopologyMismatchError{Index: 0, Want: n, Got: r}
		}
	}
	return nil
}

func columnsToShapes(x, y, z mat.Matrix) [][]r3.Vec {
	n, m := x.Dims()
	shapes := make([][]r3.Vec, m)
	for j := 0; j < m; j++ {
		s := make([]r3.Vec, n)
		for i := 0; i < n; i++ {
			s[i] = r3.Vec{X: x.At(i, j), Y: y.At(i, j), Z: z.At(i, j)}
		}
		shapes[j] = s
	}
	return shapes
}

// stackShape concatenates a shape as [X block, Y block, Z block].
func stackShape(s []r3.Vec) []float64 {
	n := len(s)
	out := make([]float64, 3*n)
	for i, p := range s {
		out[i] = p.X
		out[n+i] = p.Y
		out[2*n+i] = p.Z
	}
	return out
}

// unstackShape is the inverse of stackShape.
func unstackShape(v []float64) []r3.Vec {
	n := len(v) / 3
	out := make([]r3.Vec, n)
	for i := range out {
		out[i] = r3.Vec{X: v[i], Y: v[n+i], Z: v[2*n+i]}
	}
	return out
}
