package mesh

import (
	"math"
	"math/rand"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"gonum.org/v1/gonum/spatial/r3"
)

const testTol = 1e-9

// ellipsoid stretches a UV sphere of radius 1 along each axis.
func ellipsoid(a, b, c float64, stacks, slices int) Mesh {
	m := NewUVSphere(r3.Vec{}, 1, stacks, slices)
	for i, v := range m.Vertices {
		m.Vertices[i] = r3.Vec{X: a * v.X, Y: b * v.Y, Z: c * v.Z}
	}
	return m
}

// ellipsoidPopulation returns n ellipsoids sharing one topology whose axes
// vary smoothly with the specimen index.
func ellipsoidPopulation(n int) []Mesh {
	out := make([]Mesh, n)
	for i := range out {
		f := float64(i)
		out[i] = ellipsoid(15+1.5*f, 10-0.5*f, 6+0.2*f*f, 8, 12)
	}
	return out
}

func shapesOf(meshes []Mesh) [][]r3.Vec {
	out := make([][]r3.Vec, len(meshes))
	for i, m := range meshes {
		out[i] = m.Vertices
	}
	return out
}

// rotationXYZ builds a rotation from Euler angles in radians.
func rotationXYZ(x, y, z float64) mgl64.Mat3 {
	return mgl64.Rotate3DZ(z).Mul3(mgl64.Rotate3DY(y)).Mul3(mgl64.Rotate3DX(x))
}

func randomTransform(rng *rand.Rand, scale float64) Transform {
	return Transform{
		R: rotationXYZ(rng.Float64()*2*math.Pi, rng.Float64()*2*math.Pi, rng.Float64()*2*math.Pi),
		T: mgl64.Vec3{rng.NormFloat64() * 20, rng.NormFloat64() * 20, rng.NormFloat64() * 20},
		S: scale,
	}
}

func assertVecsNear(t *testing.T, want, got []r3.Vec, tol float64) {
	t.Helper()
	if len(want) != len(got) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if d := r3.Norm(r3.Sub(want[i], got[i])); d > tol {
			t.Fatalf("vertex %d: got %v, want %v (distance %g > %g)", i, got[i], want[i], d, tol)
		}
	}
}

func isRotation(r mgl64.Mat3, tol float64) bool {
	rrt := r.Mul3(r.Transpose())
	return rrt.ApproxEqualThreshold(mgl64.Ident3(), tol) && math.Abs(r.Det()-1) < tol
}
