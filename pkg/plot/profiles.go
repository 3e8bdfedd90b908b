// Package plot draws beam profiles through the focal point
package plot

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"

	"focalfield/internal/models"
	"focalfield/pkg/analysis"
)

// Default chart size in pixels
const (
	Width  = 900
	Height = 450
)

var axisColors = [3]drawing.Color{chart.ColorBlue, chart.ColorGreen, chart.ColorRed}

// Profiles renders one line per axis through the focal point, with the axis
// position in mm on x and pressure on y, plus a dashed line at the -3dB
// threshold. The PNG is written to w.
func Profiles(field *models.PressureField, m analysis.Metrics, voxelSizeMM float64, w io.Writer) error {
	ch, err := profileChart(field, m, voxelSizeMM)
	if err != nil {
		return err
	}
	if err := ch.Render(chart.PNG, w); err != nil {
		return fmt.Errorf("failed to render profile chart: %w", err)
	}
	return nil
}

func profileChart(field *models.PressureField, m analysis.Metrics, voxelSizeMM float64) (*chart.Chart, error) {
	if !(voxelSizeMM > 0) {
		return nil, fmt.Errorf("voxel size %g mm must be positive", voxelSizeMM)
	}

	var series []chart.Series
	xMax := 0.0
	for a := models.AxisX; a <= models.AxisZ; a++ {
		line, err := analysis.Profile(field, m.MaxIndex, a)
		if err != nil {
			return nil, err
		}
		// A single point has no extent to draw
		if len(line) < 2 {
			continue
		}

		xs := make([]float64, len(line))
		for i := range xs {
			xs[i] = float64(i) * voxelSizeMM
		}
		xMax = max(xMax, xs[len(xs)-1])

		series = append(series, chart.ContinuousSeries{
			Name:    strings.ToUpper(a.String()),
			XValues: xs,
			YValues: line,
			Style: chart.Style{
				StrokeColor: axisColors[a],
				StrokeWidth: 2,
			},
		})
	}
	if len(series) == 0 {
		return nil, errors.New("field has no axis with more than one voxel to plot")
	}

	series = append(series, chart.ContinuousSeries{
		Name:    "-3dB",
		XValues: []float64{0, xMax},
		YValues: []float64{m.FWHMThreshold, m.FWHMThreshold},
		Style: chart.Style{
			StrokeColor:     chart.ColorAlternateGray,
			StrokeWidth:     1,
			StrokeDashArray: []float64{5, 5},
		},
	})

	yMax := m.MaxPressure * 1.1
	if !(yMax > 0) {
		yMax = 1
	}

	idx := m.MaxIndex
	ch := &chart.Chart{
		Title:      fmt.Sprintf("Beam profiles through (%d, %d, %d)", idx[0], idx[1], idx[2]),
		Width:      Width,
		Height:     Height,
		Background: chart.Style{Padding: chart.Box{Top: 40, Left: 16, Right: 12, Bottom: 16}},
		XAxis:      chart.XAxis{Name: "Position (mm)"},
		YAxis:      chart.YAxis{Name: "Pressure (RMS)", Range: &chart.ContinuousRange{Min: 0, Max: yMax}},
		Series:     series,
	}
	ch.Elements = []chart.Renderable{chart.Legend(ch)}
	return ch, nil
}
