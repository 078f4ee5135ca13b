package mesh

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/kdtree"
	"gonum.org/v1/gonum/spatial/r3"
)

// indexedPoint is a vertex position that remembers its index in the owning mesh.
type indexedPoint struct {
	r3.Vec
	idx int
}

// Compare implements kdtree.Comparable.
func (p indexedPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(indexedPoint)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	case 2:
		return p.Z - q.Z
	}
	panic("illegal dimension")
}

// Dims implements kdtree.Comparable.
func (p indexedPoint) Dims() int { return 3 }

// Distance returns the squared Euclidean distance.
func (p indexedPoint) Distance(c kdtree.Comparable) float64 {
	return r3.Norm2(r3.Sub(p.Vec, c.(indexedPoint).Vec))
}

type indexedPoints []indexedPoint

func (p indexedPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p indexedPoints) Len() int                              { return len(p) }
func (p indexedPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }
func (p indexedPoints) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(pointPlane{indexedPoints: p, Dim: d}, kdtree.MedianOfMedians(pointPlane{indexedPoints: p, Dim: d}))
}

// pointPlane implements kdtree.SortSlicer along one axis.
type pointPlane struct {
	indexedPoints
	kdtree.Dim
}

func (p pointPlane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.indexedPoints[i].X < p.indexedPoints[j].X
	case 1:
		return p.indexedPoints[i].Y < p.indexedPoints[j].Y
	case 2:
		return p.indexedPoints[i].Z < p.indexedPoints[j].Z
	}
	panic("illegal dimension")
}

func (p pointPlane) Slice(start, end int) kdtree.SortSlicer {
	return pointPlane{indexedPoints: p.indexedPoints[start:end], Dim: p.Dim}
}

func (p pointPlane) Swap(i, j int) {
	p.indexedPoints[i], p.indexedPoints[j] = p.indexedPoints[j], p.indexedPoints[i]
}

// pointTree answers nearest-neighbour queries over a subset of a vertex array.
// Results always carry the vertex index in the original array.
type pointTree struct {
	tree     *kdtree.Tree
	size     int
	excluded map[int]bool
}

// neighbor is one k-nearest-neighbour hit.
type neighbor struct {
	idx  int
	dist float64
}

// newPointTree indexes points, skipping any index present in exclude.
func newPointTree(points []r3.Vec, exclude map[int]bool) *pointTree {
	data := make(indexedPoints, 0, len(points))
	for i, p := range points {
		if exclude[i] {
			continue
		}
		data = append(data, indexedPoint{Vec: p, idx: i})
	}
	if len(data) == 0 {
		return &pointTree{excluded: exclude}
	}
	return &pointTree{tree: kdtree.New(data, false), size: len(data), excluded: exclude}
}

// contains reports whether index i of the original array was indexed.
func (t *pointTree) contains(i int) bool {
	return t.size > 0 && !t.excluded[i]
}

// Len returns the number of indexed points.
func (t *pointTree) Len() int { return t.size }

// Nearest returns the index of and Euclidean distance to the closest indexed
// point. An empty tree returns -1 and +Inf.
func (t *pointTree) Nearest(p r3.Vec) (int, float64) {
	if t.size == 0 {
		return -1, math.Inf(1)
	}
	c, d := t.tree.Nearest(indexedPoint{Vec: p, idx: -1})
	if c == nil {
		return -1, math.Inf(1)
	}
	return c.(indexedPoint).idx, math.Sqrt(d)
}

// NearestK returns up to k closest points ordered by increasing distance.
func (t *pointTree) NearestK(p r3.Vec, k int) []neighbor {
	if t.size == 0 || k <= 0 {
		return nil
	}
	if k > t.size {
		k = t.size
	}
	keeper := kdtree.NewNKeeper(k)
	t.tree.NearestSet(keeper, indexedPoint{Vec: p, idx: -1})

	out := make([]neighbor, 0, k)
	for _, cd := range keeper.Heap {
		if cd.Comparable == nil {
			continue
		}
		out = append(out, neighbor{idx: cd.Comparable.(indexedPoint).idx, dist: math.Sqrt(cd.Dist)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].dist == out[j].dist {
			return out[i].idx < out[j].idx
		}
		return out[i].dist < out[j].dist
	})
	return out
}

// indexSet converts an index slice into a lookup map.
func indexSet(indices []int) map[int]bool {
	if len(indices) == 0 {
		return nil
	}
	set := make(map[int]bool, len(indices))
	for _, i := range indices {
		set[i] = true
	}
	return set
}
