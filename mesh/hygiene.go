package mesh

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/r3"
)

// CollapseDuplicates merges vertices closer than tol to an earlier vertex and
// rewrites faces accordingly. The returned remap gives, for every input
// vertex, its index in the collapsed mesh. Faces that become degenerate are
// dropped.
func CollapseDuplicates(m Mesh, tol float64) (Mesh, []int) {
	remap := make([]int, len(m.Vertices))
	out := Mesh{}

	if tol <= 0 {
		type key [3]float64
		seen := make(map[key]int, len(m.Vertices))
		for i, v := range m.Vertices {
			k := key{v.X, v.Y, v.Z}
			if j, ok := seen[k]; ok {
				remap[i] = j
				continue
			}
			seen[k] = len(out.Vertices)
			remap[i] = len(out.Vertices)
			out.Vertices = append(out.Vertices, v)
		}
	} else {
		// Bucket by grid cell of size tol and compare against neighbouring cells.
		type cell [3]int64
		cellOf := func(v r3.Vec) cell {
			return cell{int64(math.Floor(v.X / tol)), int64(math.Floor(v.Y / tol)), int64(math.Floor(v.Z / tol))}
		}
		buckets := make(map[cell][]int)
		for i, v := range m.Vertices {
			c := cellOf(v)
			match := -1
		search:
			for dx := int64(-1); dx <= 1; dx++ {
				for dy := int64(-1); dy <= 1; dy++ {
					for dz := int64(-1); dz <= 1; dz++ {
						for _, j := range buckets[cell{c[0] + dx, c[1] + dy, c[2] + dz}] {
							if r3.Norm(r3.Sub(out.Vertices[j], v)) <= tol {
								match = j
								break search
							}
						}
					}
				}
			}
			if match >= 0 {
				remap[i] = match
				continue
			}
			idx := len(out.Vertices)
			out.Vertices = append(out.Vertices, v)
			buckets[c] = append(buckets[c], idx)
			remap[i] = idx
		}
	}

	for _, f := range m.Faces {
		nf := [3]int{remap[f[0]], remap[f[1]], remap[f[2]]}
		if nf[0] == nf[1] || nf[1] == nf[2] || nf[0] == nf[2] {
			continue
		}
		out.Faces = append(out.Faces, nf)
	}
	return out, remap
}

// RemoveDegenerateFaces drops faces with repeated indices or an area below minArea.
func RemoveDegenerateFaces(m Mesh, minArea float64) Mesh {
	out := Mesh{Vertices: m.Vertices, Faces: make([][3]int, 0, len(m.Faces))}
	for _, f := range m.Faces {
		if f[0] == f[1] || f[1] == f[2] || f[0] == f[2] {
			continue
		}
		a, b, c := m.Vertices[f[0]], m.Vertices[f[1]], m.Vertices[f[2]]
		if 0.5*r3.Norm(r3.Cross(r3.Sub(b, a), r3.Sub(c, a))) <= minArea {
			continue
		}
		out.Faces = append(out.Faces, f)
	}
	return out
}

// FreeEdgeVertices returns the sorted indices of vertices lying on an edge
// used by exactly one face (the mesh boundary).
func FreeEdgeVertices(faces [][3]int) []int {
	type edge [2]int
	counts := make(map[edge]int, len(faces)*3)
	for _, f := range faces {
		for k := 0; k < 3; k++ {
			a, b := f[k], f[(k+1)%3]
			if a > b {
				a, b = b, a
			}
			counts[edge{a, b}]++
		}
	}

	onBoundary := make(map[int]bool)
	for e, c := range counts {
		if c == 1 {
			onBoundary[e[0]] = true
			onBoundary[e[1]] = true
		}
	}
	out := make([]int, 0, len(onBoundary))
	for v := range onBoundary {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// CleanMesh applies duplicate collapse followed by degenerate-face removal.
func CleanMesh(m Mesh, tol float64) Mesh {
	collapsed, _ := CollapseDuplicates(m, tol)
	return RemoveDegenerateFaces(collapsed, 0)
}
