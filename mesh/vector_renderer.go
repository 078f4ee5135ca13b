package mesh

import (
	"image/color"
	"image/png"
	"io"
	"math"

	"github.com/paulmach/orb"
	"github.com/pkg/errors"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
	"gonum.org/v1/gonum/spatial/r3"
)

var (
	meanFill     = color.RGBA{200, 200, 200, 255}
	minusOutline = color.RGBA{30, 90, 200, 255}
	plusOutline  = color.RGBA{200, 40, 40, 255}
	screeBar     = color.RGBA{70, 130, 180, 255}
	screeLine    = color.RGBA{139, 0, 0, 255}
)

// canvasRenderer is implemented by both the svg and rasterizer renderers.
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// VectorModeRenderer draws a mode as vector graphics: the mean silhouette
// filled grey with the -σ and +σ shapes overlaid as blue and red wireframes.
// Units are millimeters of the projected model.
type VectorModeRenderer struct {
	Model       *ShapeModel
	View        string
	Padding     float64
	StrokeWidth float64
	Resolution  canvas.Resolution // PNG output only
}

// NewVectorModeRenderer creates a vector renderer with default styling.
func NewVectorModeRenderer(model *ShapeModel, view string) *VectorModeRenderer {
	return &VectorModeRenderer{
		Model:       model,
		View:        view,
		Padding:     5,
		StrokeWidth: 0.2,
		Resolution:  canvas.DPI(150),
	}
}

// RenderToSVG writes mode (zero-based) at ±sigma as SVG.
func (r *VectorModeRenderer) RenderToSVG(w io.Writer, mode int, sigma float64) error {
	shapes, bound, err := r.prepare(mode, sigma)
	if err != nil {
		return err
	}
	width, height := bound.Right()-bound.Left(), bound.Top()-bound.Bottom()

	svgRenderer := svg.New(w, width, height, nil)
	r.renderToCanvas(svgRenderer, shapes, bound, width, height)
	return svgRenderer.Close()
}

// RenderToPNG rasterizes the same drawing as RenderToSVG.
func (r *VectorModeRenderer) RenderToPNG(w io.Writer, mode int, sigma float64) error {
	shapes, bound, err := r.prepare(mode, sigma)
	if err != nil {
		return err
	}
	width, height := bound.Right()-bound.Left(), bound.Top()-bound.Bottom()

	rast := rasterizer.New(width, height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, shapes, bound, width, height)
	return png.Encode(w, rast)
}

// prepare returns the -σ, mean and +σ shapes and their padded 2D bound.
func (r *VectorModeRenderer) prepare(mode int, sigma float64) ([][]r3.Vec, orb.Bound, error) {
	if r.Model == nil {
		return nil, orb.Bound{}, ErrEmptyInput
	}
	if len(r.Model.Faces) == 0 {
		return nil, orb.Bound{}, errors.New("render: model has no faces")
	}
	minus, err := r.Model.ModeShape(mode, -sigma)
	if err != nil {
		return nil, orb.Bound{}, err
	}
	plus, err := r.Model.ModeShape(mode, sigma)
	if err != nil {
		return nil, orb.Bound{}, err
	}
	shapes := [][]r3.Vec{minus, r.Model.Mean, plus}

	var all orb.MultiPoint
	for _, s := range shapes {
		pts, _ := projectShape(s, r.View)
		all = append(all, pts...)
	}
	return shapes, all.Bound().Pad(r.Padding), nil
}

func (r *VectorModeRenderer) renderToCanvas(renderer canvasRenderer, shapes [][]r3.Vec, bound orb.Bound, width, height float64) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(width, height), bgStyle, canvas.Identity)

	toCanvas := func(p orb.Point) (float64, float64) {
		return p[0] - bound.Left(), p[1] - bound.Bottom()
	}
	trianglePath := func(pts orb.MultiPoint, f [3]int) *canvas.Path {
		cp := &canvas.Path{}
		for i, idx := range f {
			x, y := toCanvas(pts[idx])
			if i == 0 {
				cp.MoveTo(x, y)
			} else {
				cp.LineTo(x, y)
			}
		}
		cp.Close()
		return cp
	}

	meanPts, _ := projectShape(shapes[1], r.View)
	fillStyle := canvas.DefaultStyle
	fillStyle.Fill = canvas.Paint{Color: meanFill}
	fillStyle.Stroke = canvas.Paint{Color: meanFill}
	fillStyle.StrokeWidth = r.StrokeWidth / 2
	for _, f := range r.Model.Faces {
		renderer.RenderPath(trianglePath(meanPts, f), fillStyle, canvas.Identity)
	}

	outlines := []struct {
		shape []r3.Vec
		color color.RGBA
	}{
		{shapes[0], minusOutline},
		{shapes[2], plusOutline},
	}
	for _, o := range outlines {
		pts, _ := projectShape(o.shape, r.View)
		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: canvas.Transparent}
		style.Stroke = canvas.Paint{Color: o.color}
		style.StrokeWidth = r.StrokeWidth
		for _, e := range uniqueEdges(r.Model.Faces) {
			cp := &canvas.Path{}
			x0, y0 := toCanvas(pts[e[0]])
			x1, y1 := toCanvas(pts[e[1]])
			cp.MoveTo(x0, y0)
			cp.LineTo(x1, y1)
			renderer.RenderPath(cp, style, canvas.Identity)
		}
	}
}

// uniqueEdges lists every undirected edge of faces once, in first-seen order.
func uniqueEdges(faces [][3]int) [][2]int {
	seen := make(map[[2]int]bool, len(faces)*3/2)
	var out [][2]int
	for _, f := range faces {
		for k := 0; k < 3; k++ {
			a, b := f[k], f[(k+1)%3]
			if a > b {
				a, b = b, a
			}
			e := [2]int{a, b}
			if !seen[e] {
				seen[e] = true
				out = append(out, e)
			}
		}
	}
	return out
}

// RenderScreeSVG draws the variance explained by every component as bars with
// the cumulative variance as a line above them.
func RenderScreeSVG(w io.Writer, model *ShapeModel) error {
	if model == nil || len(model.VarianceExplained) == 0 {
		return ErrEmptyInput
	}
	const (
		barWidth = 10.0
		gap      = 4.0
		plotH    = 100.0
		margin   = 10.0
	)
	k := len(model.VarianceExplained)
	width := 2*margin + float64(k)*(barWidth+gap) - gap
	height := plotH + 2*margin

	svgRenderer := svg.New(w, width, height, nil)
	renderScree(svgRenderer, model, width, height, barWidth, gap, plotH, margin)
	return svgRenderer.Close()
}

func renderScree(renderer canvasRenderer, model *ShapeModel, width, height, barWidth, gap, plotH, margin float64) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(width, height), bgStyle, canvas.Identity)

	barStyle := canvas.DefaultStyle
	barStyle.Fill = canvas.Paint{Color: screeBar}
	barStyle.Stroke = canvas.Paint{Color: canvas.Transparent}
	for i, v := range model.VarianceExplained {
		h := math.Max(v, 0) * plotH
		if h <= 0 {
			continue
		}
		x := margin + float64(i)*(barWidth+gap)
		renderer.RenderPath(canvas.Rectangle(barWidth, h).Translate(x, margin), barStyle, canvas.Identity)
	}

	lineStyle := canvas.DefaultStyle
	lineStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	lineStyle.Stroke = canvas.Paint{Color: screeLine}
	lineStyle.StrokeWidth = 1
	line := &canvas.Path{}
	for i, c := range model.CumulativeVariance {
		x := margin + float64(i)*(barWidth+gap) + barWidth/2
		y := margin + c*plotH
		if i == 0 {
			line.MoveTo(x, y)
		} else {
			line.LineTo(x, y)
		}
	}
	renderer.RenderPath(line, lineStyle, canvas.Identity)

	axisStyle := canvas.DefaultStyle
	axisStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	axisStyle.Stroke = canvas.Paint{Color: canvas.Black}
	axisStyle.StrokeWidth = 0.5
	axis := &canvas.Path{}
	axis.MoveTo(margin/2, margin)
	axis.LineTo(width-margin/2, margin)
	axis.MoveTo(margin/2, margin)
	axis.LineTo(margin/2, margin+plotH)
	renderer.RenderPath(axis, axisStyle, canvas.Identity)
}
