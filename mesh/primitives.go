package mesh

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// NewUVSphere builds a closed sphere with the given number of latitude stacks
// and longitude slices. Vertex 0 is the north pole and the last vertex the
// south pole.
func NewUVSphere(center r3.Vec, radius float64, stacks, slices int) Mesh {
	if stacks < 2 {
		stacks = 2
	}
	if slices < 3 {
		slices = 3
	}
	var m Mesh
	m.Vertices = append(m.Vertices, r3.Add(center, r3.Vec{Z: radius}))
	for i := 1; i < stacks; i++ {
		phi := math.Pi * float64(i) / float64(stacks)
		for j := 0; j < slices; j++ {
			theta := 2 * math.Pi * float64(j) / float64(slices)
			m.Vertices = append(m.Vertices, r3.Add(center, r3.Vec{
				X: radius * math.Sin(phi) * math.Cos(theta),
				Y: radius * math.Sin(phi) * math.Sin(theta),
				Z: radius * math.Cos(phi),
			}))
		}
	}
	m.Vertices = append(m.Vertices, r3.Add(center, r3.Vec{Z: -radius}))
	south := len(m.Vertices) - 1

	ring := func(i, j int) int { return 1 + (i-1)*slices + (j % slices) }
	for j := 0; j < slices; j++ {
		m.Faces = append(m.Faces, [3]int{0, ring(1, j), ring(1, j+1)})
	}
	for i := 1; i < stacks-1; i++ {
		for j := 0; j < slices; j++ {
			a, b := ring(i, j), ring(i, j+1)
			c, d := ring(i+1, j), ring(i+1, j+1)
			m.Faces = append(m.Faces, [3]int{a, c, d}, [3]int{a, d, b})
		}
	}
	for j := 0; j < slices; j++ {
		m.Faces = append(m.Faces, [3]int{south, ring(stacks-1, j+1), ring(stacks-1, j)})
	}
	return m
}

// NewBox builds a closed axis-aligned box spanning lo to hi with 8 vertices
// and 12 outward-facing triangles.
func NewBox(lo, hi r3.Vec) Mesh {
	return Mesh{
		Vertices: []r3.Vec{
			{X: lo.X, Y: lo.Y, Z: lo.Z}, {X: hi.X, Y: lo.Y, Z: lo.Z},
			{X: hi.X, Y: hi.Y, Z: lo.Z}, {X: lo.X, Y: hi.Y, Z: lo.Z},
			{X: lo.X, Y: lo.Y, Z: hi.Z}, {X: hi.X, Y: lo.Y, Z: hi.Z},
			{X: hi.X, Y: hi.Y, Z: hi.Z}, {X: lo.X, Y: hi.Y, Z: hi.Z},
		},
		Faces: [][3]int{
			{0, 2, 1}, {0, 3, 2}, // bottom
			{4, 5, 6}, {4, 6, 7}, // top
			{0, 1, 5}, {0, 5, 4},
			{1, 2, 6}, {1, 6, 5},
			{2, 3, 7}, {2, 7, 6},
			{3, 0, 4}, {3, 4, 7},
		},
	}
}
