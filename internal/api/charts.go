package api

import (
	"bytes"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"tailscale.com/tsweb"

	"github.com/banshee-data/aoi.edge/internal/history"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// maxChartRuns bounds the history chart to the most recent runs.
const maxChartRuns = 50

// AttachDebugRoutes adds the run history chart to the /debug/ index.
func (s *Server) AttachDebugRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("runs", "NG rate per inspection run", s.handleRunsChart)
}

// handleRunsChart renders a bar chart of the NG percentage of recent runs,
// oldest on the left.
func (s *Server) handleRunsChart(w http.ResponseWriter, r *http.Request) {
	runs, err := s.history.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if len(runs) > maxChartRuns {
		runs = runs[:maxChartRuns]
	}

	x, y := ngRateSeries(runs)

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Inspection runs", Width: "100%", Height: "720px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "NG rate per run", Subtitle: time.Now().Format(time.RFC3339)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "NG %", Max: 100}),
	)
	bar.SetXAxis(x).
		AddSeries("ng_rate", y,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsPrefix)
	page.AddCharts(bar)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		writeError(w, fmt.Errorf("render error: %w", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// ngRateSeries turns newest-first summaries into chronological run ids and
// NG percentages. Runs with no results chart as zero.
func ngRateSeries(runs []history.Summary) ([]string, []opts.BarData) {
	x := make([]string, 0, len(runs))
	y := make([]opts.BarData, 0, len(runs))
	for i := len(runs) - 1; i >= 0; i-- {
		run := runs[i]
		rate := 0.0
		if run.Stats.Total > 0 {
			rate = float64(run.Stats.NG) / float64(run.Stats.Total) * 100
		}
		x = append(x, run.RunID)
		y = append(y, opts.BarData{Name: run.Metadata.PartNo, Value: math.Round(rate*10) / 10})
	}
	return x, y
}
