package monitor

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"log"
	"net/http"
	"reflect"
	"time"

	"github.com/fabweave/loomscan/internal/config"
	"github.com/fabweave/loomscan/internal/db"
	"github.com/fabweave/loomscan/internal/linescan"
	"github.com/fabweave/loomscan/internal/linescan/pipeline"
	"github.com/fabweave/loomscan/internal/linescan/stitch"
	"github.com/fabweave/loomscan/internal/units"
)

//go:embed status.html
var StatusHTML embed.FS

// AcquisitionController is the slice of the frame source the monitor
// drives from the control endpoints. Satisfied by *grabber.FrameSource.
type AcquisitionController interface {
	Start() error
	Stop() error
	IsAcquiring() bool
}

// WebServer handles the HTTP interface for monitoring a running scanner.
// It provides endpoints for health checks, scan statistics, the composite
// snapshot, acquisition controls, and debug charts.
type WebServer struct {
	address    string
	scannerID  string
	camera     linescan.CameraConfig
	trigger    linescan.TriggerMode
	stats      *linescan.AcquisitionStats
	alignStats *linescan.AlignmentStats
	stitcher   *stitch.IncrementalStitcher
	pipe       *pipeline.ScanPipeline
	source     AcquisitionController
	db         *db.DB
	tuning     *config.ScanTuning
	server     *http.Server
}

// WebServerConfig contains configuration options for the web server
type WebServerConfig struct {
	Address    string
	ScannerID  string
	Camera     linescan.CameraConfig
	Trigger    linescan.TriggerMode
	Stats      *linescan.AcquisitionStats
	AlignStats *linescan.AlignmentStats
	Stitcher   *stitch.IncrementalStitcher
	Pipeline   *pipeline.ScanPipeline
	Source     AcquisitionController
	DB         *db.DB
	Tuning     *config.ScanTuning
}

// NewWebServer builds the monitor from its wired dependencies. Optional
// fields left nil disable the endpoints that need them.
func NewWebServer(config WebServerConfig) *WebServer {
	ws := &WebServer{
		address:    config.Address,
		scannerID:  config.ScannerID,
		camera:     config.Camera,
		trigger:    config.Trigger,
		stats:      config.Stats,
		alignStats: config.AlignStats,
		stitcher:   config.Stitcher,
		pipe:       config.Pipeline,
		source:     config.Source,
		db:         config.DB,
		tuning:     config.Tuning,
	}

	// A typed-nil *grabber.FrameSource in the interface would pass the
	// plain nil checks in the handlers and panic on use.
	if isNilInterface(ws.source) {
		ws.source = nil
	}

	ws.server = &http.Server{Addr: ws.address, Handler: ws.setupRoutes()}
	return ws
}

// isNilInterface reports whether i is nil or wraps a nil pointer. A
// typed nil stored in an interface compares non-nil, so plain == checks
// miss it.
func isNilInterface(i interface{}) bool {
	if i == nil {
		return true
	}
	switch v := reflect.ValueOf(i); v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.Interface:
		return v.IsNil()
	default:
		return false
	}
}

func (ws *WebServer) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// Start serves HTTP until ctx is cancelled, then drains connections for
// up to a second before closing.
func (ws *WebServer) Start(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		log.Printf("monitor listening on %s", ws.address)
		errc <- ws.server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("monitor server: %w", err)
	case <-ctx.Done():
	}

	log.Printf("monitor shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		log.Printf("monitor shutdown: %v, closing outright", err)
		if err := ws.server.Close(); err != nil {
			log.Printf("monitor close: %v", err)
		}
	}
	return nil
}

// setupRoutes wires every endpoint onto one mux.
func (ws *WebServer) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/", ws.handleStatus)
	mux.HandleFunc("/api/scan/stats", ws.handleScanStats)
	mux.HandleFunc("/api/scan/params", ws.handleScanParams)
	mux.HandleFunc("/api/scan/session", ws.handleScanSession)
	mux.HandleFunc("/api/scan/sessions", ws.handleScanSessions)
	mux.HandleFunc("/api/scan/composite", ws.handleComposite)
	mux.HandleFunc("/api/scan/export", ws.handleCompositeExport)
	mux.HandleFunc("/api/scan/start", ws.handleScanStart)
	mux.HandleFunc("/api/scan/stop", ws.handleScanStop)
	mux.HandleFunc("/api/scan/reset", ws.handleScanReset)
	mux.HandleFunc("/debug/charts/offsets", ws.handleOffsetsChart)
	mux.HandleFunc("/debug/charts/confidence", ws.handleConfidenceChart)
	mux.HandleFunc("/debug/charts/throughput", ws.handleThroughputChart)
	mux.HandleFunc("/debug/charts/dashboard", ws.handleChartsDashboard)
	mux.HandleFunc("/debug/plots/alignments", ws.handleAlignmentPlot)

	if ws.db != nil {
		if err := ws.db.AttachAdminRoutes(mux); err != nil {
			log.Printf("Failed to attach db admin routes: %v", err)
		}
	}

	return mux
}

// handleHealth answers liveness probes.
func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status": "ok", "service": "linescan", "timestamp": "%s"}`, time.Now().UTC().Format(time.RFC3339))
}

// handleStatus renders the operator status page.
func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")

	scanStatus := "idle"
	if ws.source != nil && ws.source.IsAcquiring() {
		scanStatus = "acquiring"
	}

	sessionID := ""
	if ws.pipe != nil {
		sessionID = ws.pipe.SessionID()
	}

	uptime := time.Duration(0)
	if ws.stats != nil {
		uptime = ws.stats.Uptime()
	}

	tmpl, err := template.ParseFS(StatusHTML, "status.html")
	if err != nil {
		http.Error(w, "status template: "+err.Error(), http.StatusInternalServerError)
		return
	}

	data := struct {
		ScannerID   string
		HTTPAddress string
		TriggerMode string
		SensorWidth int
		LineRateHz  float64
		ScanStatus  string
		SessionID   string
		Uptime      string
	}{
		ScannerID:   ws.scannerID,
		HTTPAddress: ws.address,
		TriggerMode: ws.trigger.String(),
		SensorWidth: ws.camera.Width,
		LineRateHz:  ws.camera.LineRateHz,
		ScanStatus:  scanStatus,
		SessionID:   sessionID,
		Uptime:      uptime.Round(time.Second).String(),
	}

	if err := tmpl.Execute(w, data); err != nil {
		http.Error(w, "render status page: "+err.Error(), http.StatusInternalServerError)
		return
	}
}

// handleScanStats returns the live acquisition and alignment counters as JSON.
// Query params:
//
//	units (optional web-speed unit, default mmin)
func (ws *WebServer) handleScanStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if ws.stats == nil {
		ws.writeJSONError(w, http.StatusNotFound, "no acquisition stats available")
		return
	}

	unit := r.URL.Query().Get("units")
	if unit == "" {
		unit = units.MPerMin
	}
	if !units.IsValid(unit) {
		ws.writeJSONError(w, http.StatusBadRequest,
			fmt.Sprintf("invalid units %q (valid: %s)", unit, units.ValidUnitsString()))
		return
	}

	received, dropped, fps, temperature := ws.stats.Totals()

	resp := map[string]interface{}{
		"scanner_id":      ws.scannerID,
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
		"uptime":          ws.stats.Uptime().Round(time.Second).String(),
		"frames_received": received,
		"frames_dropped":  dropped,
		"fps":             fps,
		"temperature":     temperature,
	}
	if ws.source != nil {
		resp["acquiring"] = ws.source.IsAcquiring()
	}
	if ws.pipe != nil {
		resp["session_id"] = ws.pipe.SessionID()
		resp["strips_stitched"] = ws.pipe.StitchedStrips()
	}
	if ws.stitcher != nil {
		resp["composite_width"] = ws.stitcher.Width()
		resp["composite_height"] = ws.stitcher.Height()
		resp["strip_count"] = ws.stitcher.StripCount()
	}
	if ws.alignStats != nil {
		resp["alignment"] = ws.alignStats.Summary()
	}
	if ws.camera.LineRateHz > 0 {
		speed := units.WebSpeedMMPerS(ws.camera.LineRateHz, ws.camera.PixelPitchMM)
		resp["web_speed"] = units.ConvertWebSpeed(speed, unit)
		resp["web_speed_units"] = unit
		resp["resolution_dpi"] = units.DPI(ws.camera.PixelPitchMM)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleScanParams returns the effective tuning values the pipeline was
// built with, defaults materialized.
func (ws *WebServer) handleScanParams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if ws.tuning == nil {
		ws.writeJSONError(w, http.StatusNotFound, "no tuning config loaded")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ws.tuning.Effective())
}

// handleScanSession returns one scan session row plus its alignment summary.
// Query params:
//
//	session_id (optional, defaults to the current pipeline session)
func (ws *WebServer) handleScanSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" && ws.pipe != nil {
		sessionID = ws.pipe.SessionID()
	}
	if sessionID == "" {
		ws.writeJSONError(w, http.StatusNotFound, "no active scan session")
		return
	}
	if ws.db == nil {
		ws.writeJSONError(w, http.StatusInternalServerError, "no database configured for session lookup")
		return
	}

	session, err := ws.db.GetScanSession(sessionID)
	if err != nil {
		ws.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("get scan session: %v", err))
		return
	}
	summary, err := ws.db.GetSessionSummary(sessionID)
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("summarize session: %v", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"session": session,
		"summary": summary,
	})
}

// handleScanSessions returns a JSON array of recent scan sessions.
// Query params:
//
//	limit (optional, default 10)
func (ws *WebServer) handleScanSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	limit := 10
	if l := r.URL.Query().Get("limit"); l != "" {
		fmt.Sscanf(l, "%d", &limit)
		if limit <= 0 || limit > 100 {
			limit = 10
		}
	}
	if ws.db == nil {
		ws.writeJSONError(w, http.StatusInternalServerError, "no database configured for session lookup")
		return
	}

	sessions, err := ws.db.RecentSessions(limit)
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("list scan sessions: %v", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sessions)
}

// handleScanStart resumes hardware triggering on the frame source.
func (ws *WebServer) handleScanStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if ws.source == nil {
		ws.writeJSONError(w, http.StatusServiceUnavailable, "no acquisition source configured")
		return
	}

	if err := ws.source.Start(); err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("start acquisition: %v", err))
		return
	}

	log.Printf("Acquisition started via API")
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"status": "ok", "acquiring": ws.source.IsAcquiring()})
}

// handleScanStop halts hardware triggering. Strips already queued still
// drain through the pipeline.
func (ws *WebServer) handleScanStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if ws.source == nil {
		ws.writeJSONError(w, http.StatusServiceUnavailable, "no acquisition source configured")
		return
	}

	if err := ws.source.Stop(); err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("stop acquisition: %v", err))
		return
	}

	log.Printf("Acquisition stopped via API")
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"status": "ok", "acquiring": ws.source.IsAcquiring()})
}

// handleScanReset discards the running composite and alignment aggregates.
// The scan session stays open.
func (ws *WebServer) handleScanReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if ws.pipe == nil {
		ws.writeJSONError(w, http.StatusServiceUnavailable, "no pipeline configured")
		return
	}

	ws.pipe.Reset()
	log.Printf("Composite reset via API (session %s)", ws.pipe.SessionID())

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// Close tears the listener down immediately, without the drain window.
func (ws *WebServer) Close() error {
	if ws.server == nil {
		return nil
	}
	return ws.server.Close()
}
