// Package plotting renders diagnostic plots of a reconstruction.
package plotting

import (
	"errors"
	"fmt"
	"image/color"

	"github.com/kacperjurak/goretro"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

// ErrEmptyProfile is returned when there is nothing to plot.
var ErrEmptyProfile = errors.New("pegleg profile is empty")

// ProfilePlot builds the log-likelihood against pegleg step plot with the
// best step marked. energy maps a step count to the track energy on the
// x axis; nil plots raw step counts.
func ProfilePlot(title string, profile []goretro.PeglegPoint, energy func(steps int) float64) (*plot.Plot, error) {
	if len(profile) == 0 {
		return nil, ErrEmptyProfile
	}
	if energy == nil {
		energy = func(steps int) float64 { return float64(steps) }
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "track energy"
	p.Y.Label.Text = "log-likelihood"
	p.Add(plotter.NewGrid())

	pts := make(plotter.XYs, len(profile))
	best := 0
	for i, pt := range profile {
		pts[i] = plotter.XY{X: energy(pt.Steps), Y: pt.LLH}
		if pt.LLH > profile[best].LLH {
			best = i
		}
	}

	line, err := plotter.NewLine(pts)
	if err != nil {
		return nil, fmt.Errorf("failed to build profile line: %w", err)
	}
	line.Width = vg.Points(1)
	line.Color = color.RGBA{B: 200, A: 255}

	mark, err := plotter.NewScatter(plotter.XYs{pts[best]})
	if err != nil {
		return nil, fmt.Errorf("failed to build best-step marker: %w", err)
	}
	mark.GlyphStyle.Shape = draw.CircleGlyph{}
	mark.GlyphStyle.Radius = vg.Points(4)
	mark.GlyphStyle.Color = color.RGBA{R: 220, A: 255}

	p.Add(line, mark)
	p.Legend.Add("profile", line)
	p.Legend.Add(fmt.Sprintf("best (alpha=%.3g)", profile[best].Alpha), mark)
	p.Legend.Top = true
	return p, nil
}

// SaveProfile renders the profile plot to path; the format follows the
// file extension. width and height are in centimetres.
func SaveProfile(path, title string, profile []goretro.PeglegPoint, energy func(steps int) float64, width, height float64) error {
	p, err := ProfilePlot(title, profile, energy)
	if err != nil {
		return err
	}
	if err := p.Save(vg.Length(width)*vg.Centimeter, vg.Length(height)*vg.Centimeter, path); err != nil {
		return fmt.Errorf("failed to save profile plot: %w", err)
	}
	return nil
}
