package dump

import (
	"bytes"
	"html/template"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// Series is one line on a per layer plot.
type Series struct {
	Name   string
	Values []float64
}

// NewPlot returns a line plot with the layer index on the x axis and one line per series.
func NewPlot(title string, series ...Series) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "layer"
	p.X.Padding, p.Y.Padding = 0, 0
	p.X.Tick.Label.Font.Size = vg.Points(10)
	p.Y.Tick.Label.Font.Size = vg.Points(10)
	p.Legend.Top = true
	p.Legend.TextStyle.Font.Size = vg.Points(12)
	p.Add(plotter.NewGrid())
	for i, s := range series {
		pts := make(plotter.XYs, len(s.Values))
		for j, v := range s.Values {
			pts[j].X, pts[j].Y = float64(j), v
		}
		l, err := plotter.NewLine(pts)
		if err != nil {
			return nil, errors.Wrapf(err, "plot %s", s.Name)
		}
		l.Width = 2
		l.Color = plotutil.Color(i)
		p.Add(l)
		p.Legend.Add(s.Name, l)
	}
	return p, nil
}

// PlotStats saves a plot of the 10% quantile, mean and 90% quantile of each layer's activations.
// The format is taken from the file extension, e.g. .svg or .png.
func PlotStats(records []Record, path string, width, height int) error {
	q10 := Series{Name: "q10"}
	mean := Series{Name: "mean"}
	q90 := Series{Name: "q90"}
	for _, r := range records {
		q10.Values = append(q10.Values, r.Stats.Q10)
		mean.Values = append(mean.Values, r.Stats.Mean)
		q90.Values = append(q90.Values, r.Stats.Q90)
	}
	p, err := NewPlot("activations", q10, mean, q90)
	if err != nil {
		return err
	}
	return errors.Wrap(p.Save(pixels(width), pixels(height), path), "error saving plot")
}

// SVG renders the plot for embedding in a web page
func SVG(p *plot.Plot, width, height int) (template.HTML, error) {
	writer, err := p.WriterTo(pixels(width), pixels(height), "svg")
	if err != nil {
		return "", errors.WithStack(err)
	}
	var buf bytes.Buffer
	if _, err = writer.WriteTo(&buf); err != nil {
		return "", errors.WithStack(err)
	}
	return template.HTML(buf.String()), nil
}

// screen pixels per inch used to size plots
const dpi = 96

func pixels(n int) vg.Length {
	return vg.Inch * vg.Length(n) / dpi
}
