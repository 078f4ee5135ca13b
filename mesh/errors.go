package mesh

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrEmptyInput is returned when an operation receives no points, meshes or specimens.
var ErrEmptyInput = errors.New("empty input")

// TopologyMismatchError reports specimens that do not share a vertex count.
// It is raised before any size-dependent array operation runs.
type TopologyMismatchError struct {
	Index int // offending specimen
	Want  int // vertex count of the first specimen
	Got   int
}

func (e *TopologyMismatchError) Error() string {
	return fmt.Sprintf("topology mismatch: specimen %d has %d vertices, expected %d", e.Index, e.Got, e.Want)
}

// DegeneracyError reports a numerically degenerate input that could not be
// guarded locally, e.g. a singular RBF system.
type DegeneracyError struct {
	Op     string
	Detail string
}

func (e *DegeneracyError) Error() string {
	return fmt.Sprintf("%s: numerical degeneracy: %s", e.Op, e.Detail)
}

// CorrespondenceFailureError reports a registration whose mean correspondence
// error exceeded the configured threshold.
type CorrespondenceFailureError struct {
	Index     int
	MeanError float64
	Threshold float64
}

func (e *CorrespondenceFailureError) Error() string {
	return fmt.Sprintf("correspondence failure: specimen %d mean error %.4f exceeds %.4f", e.Index, e.MeanError, e.Threshold)
}

// InvalidFaceError reports a face index outside the vertex range.
type InvalidFaceError struct {
	Face     int
	Index    int
	Vertices int
}

func (e *InvalidFaceError) Error() string {
	return fmt.Sprintf("face %d references vertex %d, mesh has %d vertices", e.Face, e.Index, e.Vertices)
}

// IsTopologyMismatch reports whether err wraps a *TopologyMismatchError.
func IsTopologyMismatch(err error) bool {
	var tm *TopologyMismatchError
	return errors.As(err, &tm)
}
