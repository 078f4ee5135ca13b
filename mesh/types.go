package mesh

import (
	"github.com/go-gl/mathgl/mgl64"
	"gonum.org/v1/gonum/spatial/r3"
)

// Mesh is an indexed triangle mesh. Vertex coordinates are in millimeters.
type Mesh struct {
	Vertices []r3.Vec `json:"vertices"`
	Faces    [][3]int `json:"faces"`
}

// Validate checks that every face references an existing vertex.
func (m *Mesh) Validate() error {
	if m == nil || len(m.Vertices) == 0 {
		return ErrEmptyInput
	}
	n := len(m.Vertices)
	for fi, f := range m.Faces {
		for _, idx := range f {
			if idx < 0 || idx >= n {
				return &InvalidFaceError{Face: fi, Index: idx, Vertices: n}
			}
		}
	}
	return nil
}

// Clone returns a deep copy so callers can mutate vertices without aliasing.
func (m *Mesh) Clone() Mesh {
	out := Mesh{
		Vertices: make([]r3.Vec, len(m.Vertices)),
		Faces:    make([][3]int, len(m.Faces)),
	}
	copy(out.Vertices, m.Vertices)
	copy(out.Faces, m.Faces)
	return out
}

// WithVertices returns a mesh sharing this mesh's faces but using the given vertices.
func (m *Mesh) WithVertices(vertices []r3.Vec) Mesh {
	return Mesh{Vertices: vertices, Faces: m.Faces}
}

// Transform is a similarity transform: p' = S*R*p + T.
// R is orthonormal with det(R) = +1.
type Transform struct {
	R mgl64.Mat3 `json:"r"`
	T mgl64.Vec3 `json:"t"`
	S float64    `json:"s"`
}

// Identity returns the identity transform.
func Identity() Transform {
	return Transform{R: mgl64.Ident3(), S: 1}
}

// Convergence describes how a bounded iterative loop terminated.
// Iterations counts the iterations that actually ran; Residual is the last
// convergence measure the loop compared against its tolerance.
type Convergence struct {
	Iterations int     `json:"iterations"`
	Converged  bool    `json:"converged"`
	Residual   float64 `json:"residual"`
}

// TemplateSnapshot is the registration target for one round. It is never
// mutated after creation; a new round gets a new snapshot with Version+1.
type TemplateSnapshot struct {
	Version     int
	Mesh        Mesh
	SourceIndex int // specimen the template was taken from, -1 for an external template
}

// NewTemplateSnapshot copies m into a fresh snapshot.
func NewTemplateSnapshot(m Mesh, version, sourceIndex int) TemplateSnapshot {
	return TemplateSnapshot{Version: version, Mesh: m.Clone(), SourceIndex: sourceIndex}
}

// ProgressEvent reports the state of a long-running population operation.
type ProgressEvent struct {
	Stage     string  `json:"stage"`
	Round     int     `json:"round"`
	Specimen  int     `json:"specimen"`
	Total     int     `json:"total"`
	MeanError float64 `json:"meanError"`
	Timestamp int64   `json:"timestamp"`
}

// ProgressFunc receives progress events. It may be called from multiple goroutines.
type ProgressFunc func(ProgressEvent)
