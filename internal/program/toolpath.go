package program

import (
	"fmt"
	"image/color"
	"io"
	"strconv"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

var (
	pathColor  = color.RGBA{R: 70, G: 130, B: 180, A: 255}
	pointColor = color.RGBA{R: 30, G: 30, B: 30, A: 255}
	refColor   = color.RGBA{R: 200, G: 40, B: 40, A: 255}
)

// RenderToolpath draws the replay order of p's inspection points, with the
// fiducials marked, as a PNG.
func RenderToolpath(p *Program, w io.Writer) error {
	pl := plot.New()
	pl.Title.Text = fmt.Sprintf("%s toolpath", p.Name)
	pl.X.Label.Text = "X (mm)"
	pl.Y.Label.Text = "Y (mm)"
	pl.Add(plotter.NewGrid())

	if len(p.Points) > 0 {
		pts := make(plotter.XYs, len(p.Points))
		labels := make([]string, len(p.Points))
		for i, pt := range p.Points {
			pts[i] = plotter.XY{X: pt.X, Y: pt.Y}
			labels[i] = strconv.Itoa(pt.ID)
		}

		path, err := plotter.NewLine(pts)
		if err != nil {
			return err
		}
		path.Color = pathColor
		path.Width = vg.Points(1)
		path.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		pl.Add(path)

		scatter, err := plotter.NewScatter(pts)
		if err != nil {
			return err
		}
		scatter.GlyphStyle.Color = pointColor
		scatter.GlyphStyle.Radius = vg.Points(2.5)
		pl.Add(scatter)
		pl.Legend.Add("inspection points", scatter)

		names, err := plotter.NewLabels(plotter.XYLabels{XYs: pts, Labels: labels})
		if err != nil {
			return err
		}
		pl.Add(names)
	}

	if len(p.Refs) > 0 {
		refs := make(plotter.XYs, len(p.Refs))
		for i, r := range p.Refs {
			refs[i] = plotter.XY{X: r.X, Y: r.Y}
		}
		scatter, err := plotter.NewScatter(refs)
		if err != nil {
			return err
		}
		scatter.GlyphStyle.Color = refColor
		scatter.GlyphStyle.Radius = vg.Points(4)
		scatter.GlyphStyle.Shape = draw.TriangleGlyph{}
		pl.Add(scatter)
		pl.Legend.Add("fiducials", scatter)
	}

	pl.Legend.Top = true
	pl.Legend.Left = false
	pl.Legend.XOffs = -10
	pl.Legend.YOffs = -10

	wt, err := pl.WriterTo(6*vg.Inch, 6*vg.Inch, "png")
	if err != nil {
		return fmt.Errorf("failed to render toolpath: %w", err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write toolpath: %w", err)
	}
	return nil
}
