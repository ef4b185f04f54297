package imgutil

import (
	"fmt"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// PlotHistogram saves a bar chart of per-class pixel counts. The image format
// follows the extension of path.
func PlotHistogram(path, title string, counts []float64) error {
	p, err := plot.New()
	if err != nil {
		return err
	}
	p.Title.Text = title
	p.Y.Label.Text = "pixels"

	bars, err := plotter.NewBarChart(plotter.Values(counts), vg.Points(12))
	if err != nil {
		return err
	}
	bars.Color = Palette[1]
	p.Add(bars)

	names := make([]string, len(counts))
	for i := range names {
		names[i] = fmt.Sprint(i)
	}
	p.NominalX(names...)

	return p.Save(6*vg.Inch, 4*vg.Inch, path)
}
