package monitor

import (
	"bytes"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	colorful "github.com/lucasb-eyer/go-colorful"

	"github.com/fabweave/loomscan/internal/db"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

const dashboardHTML = `<!DOCTYPE html>
<html>
<head>
<title>loomscan debug charts</title>
<style>
body { background: #141414; color: #ddd; font-family: monospace; margin: 12px; }
iframe { border: 1px solid #333; background: #1e1e1e; margin-bottom: 12px; }
small { color: #888; }
</style>
</head>
<body>
<h2>Scan Debug Dashboard <small>session %[1]s</small></h2>
<iframe src="/debug/charts/offsets%[2]s" width="100%%" height="640"></iframe>
<iframe src="/debug/charts/confidence%[2]s" width="100%%" height="640"></iframe>
<iframe src="/debug/charts/throughput" width="100%%" height="760"></iframe>
</body>
</html>`

// colorRamp builds an n-step hex gradient for ECharts visual maps, running
// from cold blue at the low end to warm yellow at the high end.
func colorRamp(n int) []string {
	if n <= 0 {
		return nil
	}
	ramp := make([]string, n)
	for i := 0; i < n; i++ {
		t := 0.0
		if n > 1 {
			t = float64(i) / float64(n-1)
		}
		ramp[i] = colorful.Hsl(240-180*t, 0.7, 0.5).Hex()
	}
	return ramp
}

// chartSession resolves the session to chart: the query param when given,
// otherwise the live pipeline session.
func (ws *WebServer) chartSession(r *http.Request) string {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" && ws.pipe != nil {
		sessionID = ws.pipe.SessionID()
	}
	return sessionID
}

// chartRows loads the alignment rows behind the offsets and confidence
// charts. It writes the error response itself when there is nothing to
// chart, so callers bail out on ok == false.
func (ws *WebServer) chartRows(w http.ResponseWriter, r *http.Request) (rows []db.StripAlignment, sessionID string, ok bool) {
	if ws.db == nil {
		ws.writeJSONError(w, http.StatusServiceUnavailable, "alignment DB not configured")
		return nil, "", false
	}
	sessionID = ws.chartSession(r)
	if sessionID == "" {
		ws.writeJSONError(w, http.StatusNotFound, "no scan session to chart")
		return nil, "", false
	}

	limit := 4000
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= 50000 {
			limit = v
		}
	}

	rows, err := ws.db.SessionAlignments(sessionID, limit)
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get alignments: %v", err))
		return nil, "", false
	}
	if len(rows) == 0 {
		ws.writeJSONError(w, http.StatusNotFound, "no alignment rows for session")
		return nil, "", false
	}
	return rows, sessionID, true
}

// writeChart renders any go-echarts chart or page into the response.
func (ws *WebServer) writeChart(w http.ResponseWriter, c interface{ Render(io.Writer) error }) {
	var buf bytes.Buffer
	if err := c.Render(&buf); err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleOffsetsChart renders per-strip alignment offsets as an HTML line
// chart using go-echarts. Debugging-only endpoint (no auth).
// Query params:
//   - session_id (optional; defaults to the live session)
//   - limit (optional; default 4000) to reduce payload size
func (ws *WebServer) handleOffsetsChart(w http.ResponseWriter, r *http.Request) {
	rows, sessionID, ok := ws.chartRows(w, r)
	if !ok {
		return
	}

	x := make([]string, 0, len(rows))
	xOffsets := make([]opts.LineData, 0, len(rows))
	yOffsets := make([]opts.LineData, 0, len(rows))
	for _, row := range rows {
		x = append(x, strconv.FormatInt(row.StripID, 10))
		xOffsets = append(xOffsets, opts.LineData{Value: row.OffsetX})
		yOffsets = append(yOffsets, opts.LineData{Value: row.OffsetY})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Alignment Offsets", Theme: "dark", Width: "1200px", Height: "600px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Per-Strip Alignment Offsets", Subtitle: fmt.Sprintf("session=%s rows=%d", sessionID, len(rows))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "strip"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "offset (px)"}),
	)
	line.SetXAxis(x).
		AddSeries("offset_x", xOffsets).
		AddSeries("offset_y", yOffsets)

	ws.writeChart(w, line)
}

// handleConfidenceChart renders per-strip alignment confidence as a scatter
// colored by confidence, so rejected strips stand out at the cold end.
// Query params match handleOffsetsChart.
func (ws *WebServer) handleConfidenceChart(w http.ResponseWriter, r *http.Request) {
	rows, sessionID, ok := ws.chartRows(w, r)
	if !ok {
		return
	}

	data := make([]opts.ScatterData, 0, len(rows))
	failures := 0
	for _, row := range rows {
		if !row.Succeeded {
			failures++
		}
		data = append(data, opts.ScatterData{Value: []interface{}{row.StripID, row.Confidence}})
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Alignment Confidence", Theme: "dark", Width: "1200px", Height: "600px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Per-Strip Alignment Confidence", Subtitle: fmt.Sprintf("session=%s rows=%d failed=%d", sessionID, len(rows), failures)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "strip"}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: 1, Name: "confidence", NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        1,
			Dimension:  "1",
			InRange:    &opts.VisualMapInRange{Color: colorRamp(10)},
		}),
	)
	scatter.AddSeries("confidence", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 6}))

	ws.writeChart(w, scatter)
}

// handleThroughputChart renders a simple bar chart of strip counters.
func (ws *WebServer) handleThroughputChart(w http.ResponseWriter, r *http.Request) {
	if ws.stats == nil {
		ws.writeJSONError(w, http.StatusNotFound, "no acquisition stats available")
		return
	}

	received, dropped, fps, temperature := ws.stats.Totals()
	var stitched int64
	if ws.pipe != nil {
		stitched = ws.pipe.StitchedStrips()
	}

	x := []string{"Received", "Stitched", "Dropped"}
	y := []opts.BarData{
		{Value: received},
		{Value: stitched},
		{Value: dropped},
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "720px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Scan Throughput", Subtitle: fmt.Sprintf("%.0f lines/s, sensor %.1f C, %s", fps, temperature, time.Now().Format(time.RFC3339))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x).
		AddSeries("strips", y,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsPrefix)
	page.AddCharts(bar)

	ws.writeChart(w, page)
}

// handleChartsDashboard renders a simple dashboard with iframes to the debug charts.
func (ws *WebServer) handleChartsDashboard(w http.ResponseWriter, r *http.Request) {
	sessionID := ws.chartSession(r)
	safeSessionID := html.EscapeString(sessionID)
	qs := ""
	if sessionID != "" {
		qs = "?session_id=" + url.QueryEscape(sessionID)
	}
	safeQs := html.EscapeString(qs)

	doc := fmt.Sprintf(dashboardHTML, safeSessionID, safeQs)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(doc))
}
