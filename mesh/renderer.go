package mesh

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/pkg/errors"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"golang.org/x/image/vector"
	"gonum.org/v1/gonum/spatial/r3"
)

// projectPoint maps a vertex to 2D image space and a depth for the given
// view. Larger depth is closer to the viewer.
func projectPoint(p r3.Vec, view string) (orb.Point, float64) {
	switch view {
	case "xz":
		return orb.Point{p.X, p.Z}, -p.Y
	case "yz":
		return orb.Point{p.Y, p.Z}, p.X
	default:
		return orb.Point{p.X, p.Y}, p.Z
	}
}

func projectShape(vertices []r3.Vec, view string) (orb.MultiPoint, []float64) {
	pts := make(orb.MultiPoint, len(vertices))
	depth := make([]float64, len(vertices))
	for i, v := range vertices {
		pts[i], depth[i] = projectPoint(v, view)
	}
	return pts, depth
}

// heatColor maps t in [0,1] from a cool blue to a warm red.
func heatColor(t float64, shade float64) color.RGBA {
	t = math.Max(0, math.Min(1, t))
	shade = math.Max(0, math.Min(1, shade))
	r := (60 + 195*t) * shade
	g := (110 + 40*(1-math.Abs(2*t-1))) * shade
	b := (230 - 190*t) * shade
	return color.RGBA{uint8(r), uint8(g), uint8(b), 255}
}

// ModeRenderer draws a mode of variation as three flat-shaded panels: the
// mean displaced by -σ, the mean and the mean displaced by +σ. Triangles are
// coloured by how far their vertices move along the mode.
type ModeRenderer struct {
	Model   *ShapeModel
	Width   int
	Height  int
	View    string
	Padding int
}

// NewModeRenderer creates a renderer from the render configuration.
func NewModeRenderer(model *ShapeModel, cfg RenderConfig) *ModeRenderer {
	return &ModeRenderer{
		Model:   model,
		Width:   cfg.Width,
		Height:  cfg.Height,
		View:    cfg.View,
		Padding: 20,
	}
}

// Render draws mode (zero-based) at ±sigma standard deviations.
func (r *ModeRenderer) Render(mode int, sigma float64) (*image.RGBA, error) {
	if r.Model == nil {
		return nil, ErrEmptyInput
	}
	if len(r.Model.Faces) == 0 {
		return nil, errors.New("render: model has no faces")
	}
	minus, err := r.Model.ModeShape(mode, -sigma)
	if err != nil {
		return nil, err
	}
	plus, err := r.Model.ModeShape(mode, sigma)
	if err != nil {
		return nil, err
	}
	shapes := [][]r3.Vec{minus, r.Model.Mean, plus}

	// Per-vertex displacement along the mode, shared by all panels.
	disp := make([]float64, r.Model.NumVertices())
	var maxDisp float64
	for i := range disp {
		disp[i] = r3.Norm(r3.Sub(plus[i], r.Model.Mean[i]))
		maxDisp = math.Max(maxDisp, disp[i])
	}
	if maxDisp < epsilon {
		maxDisp = 1
	}

	var all orb.MultiPoint
	projected := make([]orb.MultiPoint, len(shapes))
	depths := make([][]float64, len(shapes))
	for s, shape := range shapes {
		projected[s], depths[s] = projectShape(shape, r.View)
		all = append(all, projected[s]...)
	}
	bound := all.Bound()

	img := image.NewRGBA(image.Rect(0, 0, r.Width, r.Height))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)

	panelW := float64(r.Width) / float64(len(shapes))
	avail := math.Min(panelW, float64(r.Height)) - 2*float64(r.Padding)
	extent := math.Max(bound.Right()-bound.Left(), bound.Top()-bound.Bottom())
	if extent < epsilon {
		extent = 1
	}
	scale := math.Max(avail, 1) / extent
	center := bound.Center()

	for s := range shapes {
		originX := panelW*float64(s) + panelW/2
		originY := float64(r.Height) / 2
		toImage := func(p orb.Point) (float32, float32) {
			x := originX + (p[0]-center[0])*scale
			y := originY - (p[1]-center[1])*scale
			return float32(x), float32(y)
		}
		r.drawShape(img, shapes[s], projected[s], depths[s], disp, maxDisp, toImage)

		label := fmt.Sprintf("mode %d %+.1fs", mode+1, sigma*float64(s-1))
		if s == 1 {
			label = "mean"
		}
		drawText(img, int(panelW*float64(s))+8, r.Height-8, label, color.RGBA{0, 0, 0, 255})
	}
	return img, nil
}

// drawShape fills every triangle back to front.
func (r *ModeRenderer) drawShape(img *image.RGBA, shape []r3.Vec, pts orb.MultiPoint, depth, disp []float64, maxDisp float64, toImage func(orb.Point) (float32, float32)) {
	faces := r.Model.Faces
	order := make([]int, len(faces))
	faceDepth := make([]float64, len(faces))
	for i, f := range faces {
		order[i] = i
		faceDepth[i] = (depth[f[0]] + depth[f[1]] + depth[f[2]]) / 3
	}
	sort.SliceStable(order, func(a, b int) bool { return faceDepth[order[a]] < faceDepth[order[b]] })

	bounds := img.Bounds()
	for _, fi := range order {
		f := faces[fi]
		n := r3.Cross(r3.Sub(shape[f[1]], shape[f[0]]), r3.Sub(shape[f[2]], shape[f[0]]))
		norm := r3.Norm(n)
		if norm < epsilon {
			continue
		}
		_, facing := projectPoint(r3.Scale(1/norm, n), r.View)
		shade := 0.35 + 0.65*math.Abs(facing)
		t := (disp[f[0]] + disp[f[1]] + disp[f[2]]) / (3 * maxDisp)

		x0, y0 := toImage(pts[f[0]])
		x1, y1 := toImage(pts[f[1]])
		x2, y2 := toImage(pts[f[2]])

		// Rasterize within the triangle's own pixel box.
		box := image.Rect(
			int(math.Floor(float64(min3(x0, x1, x2)))), int(math.Floor(float64(min3(y0, y1, y2)))),
			int(math.Ceil(float64(max3(x0, x1, x2))))+1, int(math.Ceil(float64(max3(y0, y1, y2))))+1,
		).Intersect(bounds)
		if box.Empty() {
			continue
		}
		ox, oy := float32(box.Min.X), float32(box.Min.Y)
		ras := vector.NewRasterizer(box.Dx(), box.Dy())
		ras.MoveTo(x0-ox, y0-oy)
		ras.LineTo(x1-ox, y1-oy)
		ras.LineTo(x2-ox, y2-oy)
		ras.ClosePath()
		ras.Draw(img, box, image.NewUniform(heatColor(t, shade)), image.Point{})
	}
}

func min3(a, b, c float32) float32 {
	return float32(math.Min(float64(a), math.Min(float64(b), float64(c))))
}

func max3(a, b, c float32) float32 {
	return float32(math.Max(float64(a), math.Max(float64(b), float64(c))))
}

// WritePNG renders mode and encodes it as PNG to w.
func (r *ModeRenderer) WritePNG(w io.Writer, mode int, sigma float64) error {
	img, err := r.Render(mode, sigma)
	if err != nil {
		return err
	}
	return png.Encode(w, img)
}

// drawText renders text onto an image at the specified baseline position.
func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}
