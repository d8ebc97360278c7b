package console

import (
	"errors"
	"io"

	chart "github.com/wcharczuk/go-chart/v2"

	"github.com/autopeer-io/mqttconsole/internal/eventlog"
)

const (
	chartWidth  = 800
	chartHeight = 320
)

// ErrNotEnoughPoints is returned when a series has fewer than two points.
var ErrNotEnoughPoints = errors.New("at least two numeric values are needed to draw a chart")

// renderSeries draws points as a PNG line chart titled with the topic.
func renderSeries(w io.Writer, topic string, points []eventlog.Point) error {
	if len(points) < 2 {
		return ErrNotEnoughPoints
	}

	xs := make([]float64, len(points))
	ys := make([]float64, len(points))
	lo, hi := points[0].Value, points[0].Value
	for i, p := range points {
		xs[i] = float64(p.Index)
		ys[i] = p.Value
		lo = min(lo, p.Value)
		hi = max(hi, p.Value)
	}

	yAxis := chart.YAxis{Name: "value"}
	if lo == hi {
		// a flat line has no y-range of its own
		yAxis.Range = &chart.ContinuousRange{Min: lo - 1, Max: hi + 1}
	}

	graph := chart.Chart{
		Title:      topic,
		Width:      chartWidth,
		Height:     chartHeight,
		Background: chart.Style{Padding: chart.Box{Top: 40, Left: 16, Right: 12, Bottom: 16}},
		XAxis:      chart.XAxis{Name: "sample"},
		YAxis:      yAxis,
		Series: []chart.Series{
			chart.ContinuousSeries{Name: topic, XValues: xs, YValues: ys},
		},
	}
	return graph.Render(chart.PNG, w)
}
