package monitor

import (
	"fmt"
	"image/color"
	"log"
	"net/http"
	"os"
	"path/filepath"

	"github.com/fabweave/loomscan/internal/db"
	"github.com/fabweave/loomscan/internal/security"
	colorful "github.com/lucasb-eyer/go-colorful"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// AlignPlotter renders per-strip alignment series for a scan session as
// PNG plots. It reads the persisted strip_alignments rows rather than
// sampling live state, so plots can be produced for any past session.
type AlignPlotter struct {
	database  *db.DB
	scannerID string
}

// plotKinds lists the plots generated per session, in output order.
var plotKinds = []string{"offsets", "confidence", "growth"}

// NewAlignPlotter creates a plotter reading from the given store.
func NewAlignPlotter(database *db.DB, scannerID string) *AlignPlotter {
	return &AlignPlotter{
		database:  database,
		scannerID: scannerID,
	}
}

// GeneratePlots creates one PNG per plot kind for the session.
// Returns the number of plots written and any error.
func (ap *AlignPlotter) GeneratePlots(sessionID, outputDir string) (int, error) {
	if ap.database == nil {
		return 0, fmt.Errorf("no database configured")
	}

	rows, err := ap.database.SessionAlignments(sessionID, 0)
	if err != nil {
		return 0, fmt.Errorf("load alignments: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return 0, fmt.Errorf("failed to create output dir: %w", err)
	}

	plotCount := 0
	for _, kind := range plotKinds {
		p, err := ap.buildPlot(kind, sessionID, rows)
		if err != nil {
			return plotCount, fmt.Errorf("%s plot: %w", kind, err)
		}

		file := filepath.Join(outputDir, fmt.Sprintf("session_%s_%s.png", shortSessionID(sessionID), kind))
		if err := p.Save(14*vg.Inch, 6*vg.Inch, file); err != nil {
			return plotCount, fmt.Errorf("save %s plot: %w", kind, err)
		}
		plotCount++
	}

	return plotCount, nil
}

// buildPlot assembles one plot kind from the session's alignment rows.
func (ap *AlignPlotter) buildPlot(kind string, sessionID string, rows []db.StripAlignment) (*plot.Plot, error) {
	p := plot.New()
	p.X.Label.Text = "Strip"

	short := shortSessionID(sessionID)
	colors := plotPalette(3)

	switch kind {
	case "offsets":
		p.Title.Text = fmt.Sprintf("Session %s - Alignment Offsets", short)
		p.Y.Label.Text = "Offset (px)"

		xPts := make(plotter.XYs, 0, len(rows))
		yPts := make(plotter.XYs, 0, len(rows))
		for _, row := range rows {
			xPts = append(xPts, plotter.XY{X: float64(row.StripID), Y: row.OffsetX})
			yPts = append(yPts, plotter.XY{X: float64(row.StripID), Y: row.OffsetY})
		}

		xLine, err := plotter.NewLine(xPts)
		if err != nil {
			return nil, err
		}
		xLine.Color = colors[0]
		xLine.Width = vg.Points(1)
		p.Add(xLine)
		p.Legend.Add("offset_x", xLine)

		yLine, err := plotter.NewLine(yPts)
		if err != nil {
			return nil, err
		}
		yLine.Color = colors[1]
		yLine.Width = vg.Points(1)
		p.Add(yLine)
		p.Legend.Add("offset_y", yLine)

	case "confidence":
		p.Title.Text = fmt.Sprintf("Session %s - Alignment Confidence", short)
		p.Y.Label.Text = "Confidence"
		p.Y.Min = 0
		p.Y.Max = 1

		confPts := make(plotter.XYs, 0, len(rows))
		failPts := make(plotter.XYs, 0, len(rows))
		for _, row := range rows {
			confPts = append(confPts, plotter.XY{X: float64(row.StripID), Y: row.Confidence})
			if !row.Succeeded {
				failPts = append(failPts, plotter.XY{X: float64(row.StripID), Y: row.Confidence})
			}
		}

		confLine, err := plotter.NewLine(confPts)
		if err != nil {
			return nil, err
		}
		confLine.Color = colors[0]
		confLine.Width = vg.Points(1)
		p.Add(confLine)
		p.Legend.Add("confidence", confLine)

		if len(failPts) > 0 {
			failScatter, err := plotter.NewScatter(failPts)
			if err != nil {
				return nil, err
			}
			failScatter.GlyphStyle.Color = colors[2]
			failScatter.GlyphStyle.Radius = vg.Points(3)
			p.Add(failScatter)
			p.Legend.Add("rejected", failScatter)
		}

	case "growth":
		p.Title.Text = fmt.Sprintf("Session %s - Composite Growth", short)
		p.Y.Label.Text = "Composite Height (px)"

		pts := make(plotter.XYs, 0, len(rows))
		for _, row := range rows {
			pts = append(pts, plotter.XY{X: float64(row.StripID), Y: float64(row.CompositeHeight)})
		}

		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, err
		}
		line.Color = colors[0]
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add("height", line)

	default:
		return nil, fmt.Errorf("unknown plot kind %q", kind)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	return p, nil
}

// plotPalette creates a palette of distinct colors for plot lines
func plotPalette(n int) []color.Color {
	if n <= 0 {
		return nil
	}

	colors := make([]color.Color, n)
	for i := 0; i < n; i++ {
		hue := 360.0 * float64(i) / float64(n)
		r, g, b := colorful.Hsl(hue, 0.7, 0.5).RGB255()
		colors[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return colors
}

// shortSessionID trims a uuid to its leading segment for filenames and
// titles. Session IDs can arrive from CLI flags or query params, so the
// result is sanitized before it becomes part of a path.
func shortSessionID(id string) string {
	id = security.SanitizeFilename(id)
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// handleAlignmentPlot serves one alignment plot as a PNG.
// Query params:
//   - kind (offsets|confidence|growth; default offsets)
//   - session_id (optional; defaults to the live session)
func (ws *WebServer) handleAlignmentPlot(w http.ResponseWriter, r *http.Request) {
	if ws.db == nil {
		ws.writeJSONError(w, http.StatusServiceUnavailable, "alignment DB not configured")
		return
	}
	sessionID := ws.chartSession(r)
	if sessionID == "" {
		ws.writeJSONError(w, http.StatusNotFound, "no scan session to plot")
		return
	}

	kind := r.URL.Query().Get("kind")
	if kind == "" {
		kind = "offsets"
	}
	valid := false
	for _, k := range plotKinds {
		if k == kind {
			valid = true
			break
		}
	}
	if !valid {
		ws.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown plot kind %q", kind))
		return
	}

	rows, err := ws.db.SessionAlignments(sessionID, 0)
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get alignments: %v", err))
		return
	}
	if len(rows) == 0 {
		ws.writeJSONError(w, http.StatusNotFound, "no alignment rows for session")
		return
	}

	ap := NewAlignPlotter(ws.db, ws.scannerID)
	p, err := ap.buildPlot(kind, sessionID, rows)
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("build plot: %v", err))
		return
	}

	wt, err := p.WriterTo(14*vg.Inch, 6*vg.Inch, "png")
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render plot: %v", err))
		return
	}

	w.Header().Set("Content-Type", "image/png")
	if _, err := wt.WriteTo(w); err != nil {
		log.Printf("alignment plot write error: %v", err)
	}
}
