// Command scan-report renders an offline report for a recorded scan
// session: an ECharts HTML page plus the per-strip alignment PNGs,
// straight from the scan database. Point it at the daemon's sqlite file
// after a run.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	_ "modernc.org/sqlite"

	"github.com/fabweave/loomscan/internal/db"
	"github.com/fabweave/loomscan/internal/linescan/monitor"
	"github.com/fabweave/loomscan/internal/units"
)

const assetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

// Config holds the report parameters.
type Config struct {
	DBPath    string
	SessionID string
	ScannerID string
	OutputDir string
	Limit     int
	ListOnly  bool
}

// Report bundles everything rendered for one session.
type Report struct {
	Session *db.ScanSession
	Summary *db.SessionSummary
	Rows    []db.StripAlignment
	Faults  []db.Fault
}

func main() {
	cfg := parseFlags()

	// Read-only consumer: open without applying migrations so the report
	// tool can never alter the daemon's database.
	database, err := db.NewDBWithMigrationCheck(cfg.DBPath, false)
	if err != nil {
		log.Fatalf("Failed to open database %s: %v", cfg.DBPath, err)
	}
	defer database.Close()

	if cfg.ListOnly {
		if err := listSessions(database); err != nil {
			log.Fatalf("Failed to list sessions: %v", err)
		}
		return
	}

	sessionID := cfg.SessionID
	if sessionID == "" {
		recent, err := database.RecentSessions(1)
		if err != nil {
			log.Fatalf("Failed to query sessions: %v", err)
		}
		if len(recent) == 0 {
			log.Fatalf("No sessions in %s; run a scan first or pass -session", cfg.DBPath)
		}
		sessionID = recent[0].ID
		log.Printf("Using most recent session %s", sessionID)
	}

	if err := os.MkdirAll(cfg.OutputDir, 0755); err != nil {
		log.Fatalf("Failed to create output directory: %v", err)
	}

	report, err := buildReport(database, sessionID, cfg.Limit)
	if err != nil {
		log.Fatalf("Report failed: %v", err)
	}

	htmlPath := filepath.Join(cfg.OutputDir, "report.html")
	if err := renderHTML(report, htmlPath); err != nil {
		log.Fatalf("Failed to render %s: %v", htmlPath, err)
	}

	plotter := monitor.NewAlignPlotter(database, cfg.ScannerID)
	plots, err := plotter.GeneratePlots(sessionID, cfg.OutputDir)
	if err != nil {
		log.Fatalf("Failed to generate plots: %v", err)
	}

	printReport(report)
	fmt.Printf("\nReport written to %s (+%d PNG plots)\n", htmlPath, plots)
}

func parseFlags() Config {
	cfg := Config{}

	flag.StringVar(&cfg.DBPath, "db", "loomscan.db", "Path to the scan database")
	flag.StringVar(&cfg.SessionID, "session", "", "Session to report on (default: most recent)")
	flag.StringVar(&cfg.ScannerID, "scanner", "", "Scanner ID annotation for the plots")
	flag.StringVar(&cfg.OutputDir, "output", "scan-report", "Output directory for the report")
	flag.IntVar(&cfg.Limit, "limit", 50000, "Maximum alignment rows to chart")
	flag.BoolVar(&cfg.ListOnly, "list", false, "List recent sessions and exit")

	flag.Parse()

	return cfg
}

func listSessions(database *db.DB) error {
	sessions, err := database.RecentSessions(20)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No scan sessions recorded.")
		return nil
	}

	fmt.Printf("%-36s  %-20s  %-8s  %10s  %8s\n", "SESSION", "STARTED", "TRIGGER", "STITCHED", "DROPPED")
	for _, s := range sessions {
		fmt.Printf("%-36s  %-20s  %-8s  %10d  %8d\n",
			s.ID, s.StartedAt.Format("2006-01-02 15:04:05"), s.TriggerMode,
			s.StripsStitched, s.StripsDropped)
	}
	return nil
}

func buildReport(database *db.DB, sessionID string, limit int) (*Report, error) {
	session, err := database.GetScanSession(sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	summary, err := database.GetSessionSummary(sessionID)
	if err != nil {
		return nil, fmt.Errorf("load summary: %w", err)
	}
	rows, err := database.SessionAlignments(sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("load alignments: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("session %s has no alignment rows", sessionID)
	}
	faults, err := database.SessionFaults(sessionID)
	if err != nil {
		return nil, fmt.Errorf("load faults: %w", err)
	}

	return &Report{Session: session, Summary: summary, Rows: rows, Faults: faults}, nil
}

// renderHTML writes the offsets, confidence and throughput charts onto one
// ECharts page, mirroring the daemon's live debug charts so the offline
// report reads the same way.
func renderHTML(report *Report, path string) error {
	x := make([]string, 0, len(report.Rows))
	xOffsets := make([]opts.LineData, 0, len(report.Rows))
	yOffsets := make([]opts.LineData, 0, len(report.Rows))
	confidence := make([]opts.ScatterData, 0, len(report.Rows))
	failures := 0
	for _, row := range report.Rows {
		x = append(x, strconv.FormatInt(row.StripID, 10))
		xOffsets = append(xOffsets, opts.LineData{Value: row.OffsetX})
		yOffsets = append(yOffsets, opts.LineData{Value: row.OffsetY})
		confidence = append(confidence, opts.ScatterData{Value: []interface{}{row.StripID, row.Confidence}})
		if !row.Succeeded {
			failures++
		}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Theme: "dark", Width: "1200px", Height: "500px", AssetsHost: assetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Per-Strip Alignment Offsets", Subtitle: fmt.Sprintf("session=%s rows=%d", report.Session.ID, len(report.Rows))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "strip"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "offset (px)"}),
	)
	line.SetXAxis(x).
		AddSeries("offset_x", xOffsets).
		AddSeries("offset_y", yOffsets)

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Theme: "dark", Width: "1200px", Height: "500px", AssetsHost: assetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Per-Strip Alignment Confidence", Subtitle: fmt.Sprintf("failed=%d", failures)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "strip"}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: 1, Name: "confidence", NameLocation: "middle", NameGap: 30}),
	)
	scatter.AddSeries("confidence", confidence, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 6}))

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Theme: "dark", Width: "1200px", Height: "400px", AssetsHost: assetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Strip Counters", Subtitle: fmt.Sprintf("composite height %d px", report.Session.CompositeHeight)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis([]string{"Received", "Stitched", "Dropped"}).
		AddSeries("strips", []opts.BarData{
			{Value: report.Session.StripsReceived},
			{Value: report.Session.StripsStitched},
			{Value: report.Session.StripsDropped},
		}, charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}))

	page := components.NewPage()
	page.SetAssetsHost(assetsHost)
	page.AddCharts(line, scatter, bar)

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return page.Render(f)
}

func printReport(report *Report) {
	s := report.Session

	fmt.Println("\n=== Scan Session Report ===")
	fmt.Printf("Session: %s\n", s.ID)
	fmt.Printf("Started: %s\n", s.StartedAt.Format(time.RFC3339))
	if s.EndedAt != nil {
		fmt.Printf("Ended: %s (%.1fs)\n", s.EndedAt.Format(time.RFC3339), s.EndedAt.Sub(s.StartedAt).Seconds())
	} else {
		fmt.Println("Ended: still open")
	}
	fmt.Printf("Trigger: %s\n", s.TriggerMode)
	fmt.Printf("Geometry: %d px lines, %d lines/strip, %d px overlap, %.0f Hz\n",
		s.SensorWidth, s.LinesPerStrip, s.OverlapPixels, s.LineRateHz)
	if s.LineRateHz > 0 && s.PixelPitchMM > 0 {
		speed := units.WebSpeedMMPerS(s.LineRateHz, s.PixelPitchMM)
		fmt.Printf("Web: %.2f m/min (%.1f mm/s), %.0f dpi\n",
			units.ConvertWebSpeed(speed, units.MPerMin), speed, units.DPI(s.PixelPitchMM))
	}
	fmt.Printf("Strips: %d received, %d stitched, %d dropped\n",
		s.StripsReceived, s.StripsStitched, s.StripsDropped)
	fmt.Printf("Composite: %d px tall\n", s.CompositeHeight)

	sum := report.Summary
	fmt.Println("\n--- Alignment ---")
	fmt.Printf("Attempts: %d (%d ok, %d failed, %d via fallback)\n",
		sum.Attempts, sum.Successes, sum.Failures, sum.Fallbacks)
	fmt.Printf("Mean offset: %.2f, %.2f px\n", sum.MeanOffsetX, sum.MeanOffsetY)
	fmt.Printf("Confidence: mean %.3f, min %.3f, max %.3f\n",
		sum.MeanConfidence, sum.MinConfidence, sum.MaxConfidence)

	if len(report.Faults) > 0 {
		fmt.Printf("\n--- Faults (%d) ---\n", len(report.Faults))
		for _, f := range report.Faults {
			fmt.Printf("%s  [%s] %s\n", f.OccurredAt.Format("15:04:05"), f.Source, f.Message)
		}
	}
}
