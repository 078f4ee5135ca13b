package mesh

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// surfaceCandidates is how many nearby surface vertices contribute their
// incident triangles to a closest-point query.
const surfaceCandidates = 8

// ClosestPointOnTriangle returns the point of triangle abc nearest to p.
func ClosestPointOnTriangle(p, a, b, c r3.Vec) r3.Vec {
	ab := r3.Sub(b, a)
	ac := r3.Sub(c, a)
	ap := r3.Sub(p, a)
	d1, d2 := r3.Dot(ab, ap), r3.Dot(ac, ap)
	if d1 <= 0 && d2 <= 0 {
		return a
	}

	bp := r3.Sub(p, b)
	d3, d4 := r3.Dot(ab, bp), r3.Dot(ac, bp)
	if d3 >= 0 && d4 <= d3 {
		return b
	}

	vc := d1*d4 - d3*d2
	if vc <= 0 && d1 >= 0 && d3 <= 0 {
		return r3.Add(a, r3.Scale(d1/(d1-d3), ab))
	}

	cp := r3.Sub(p, c)
	d5, d6 := r3.Dot(ab, cp), r3.Dot(ac, cp)
	if d6 >= 0 && d5 <= d6 {
		return c
	}

	vb := d5*d2 - d1*d6
	if vb <= 0 && d2 >= 0 && d6 <= 0 {
		return r3.Add(a, r3.Scale(d2/(d2-d6), ac))
	}

	va := d3*d6 - d5*d4
	if va <= 0 && d4-d3 >= 0 && d5-d6 >= 0 {
		w := (d4 - d3) / ((d4 - d3) + (d5 - d6))
		return r3.Add(b, r3.Scale(w, r3.Sub(c, b)))
	}

	denom := va + vb + vc
	if math.Abs(denom) < epsilon {
		return a
	}
	v := vb / denom
	w := vc / denom
	return r3.Add(a, r3.Add(r3.Scale(v, ab), r3.Scale(w, ac)))
}

// ProjectOntoSurface moves every point onto the closest location of the
// surface mesh. Candidate triangles are those incident to the point's nearest
// surface vertices; a surface without faces degrades to nearest-vertex snapping.
func ProjectOntoSurface(points []r3.Vec, surface Mesh) ([]r3.Vec, error) {
	if len(surface.Vertices) == 0 {
		return nil, ErrEmptyInput
	}
	if err := surface.Validate(); err != nil {
		return nil, err
	}

	incident := make([][]int, len(surface.Vertices))
	for fi, f := range surface.Faces {
		for _, v := range f {
			incident[v] = append(incident[v], fi)
		}
	}
	tree := newPointTree(surface.Vertices, nil)

	out := make([]r3.Vec, len(points))
	seen := make(map[int]bool)
	for i, p := range points {
		hood := tree.NearestK(p, surfaceCandidates)
		best := surface.Vertices[hood[0].idx]
		bestDist := hood[0].dist * hood[0].dist

		for k := range seen {
			delete(seen, k)
		}
		for _, nb := range hood {
			for _, fi := range incident[nb.idx] {
				if seen[fi] {
					continue
				}
				seen[fi] = true
				f := surface.Faces[fi]
				q := ClosestPointOnTriangle(p, surface.Vertices[f[0]], surface.Vertices[f[1]], surface.Vertices[f[2]])
				if d := r3.Norm2(r3.Sub(q, p)); d < bestDist {
					best, bestDist = q, d
				}
			}
		}
		out[i] = best
	}
	return out, nil
}
