package monitor

import (
	"encoding/json"
	"errors"
	"image/png"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fabweave/loomscan/internal/config"
	"github.com/fabweave/loomscan/internal/db"
	"github.com/fabweave/loomscan/internal/linescan"
	"github.com/fabweave/loomscan/internal/linescan/pipeline"
	"github.com/fabweave/loomscan/internal/linescan/stitch"
)

// mockController implements AcquisitionController without hardware.
type mockController struct {
	acquiring bool
	startErr  error
	stopErr   error
	starts    int
	stops     int
}

func (m *mockController) Start() error {
	m.starts++
	if m.startErr != nil {
		return m.startErr
	}
	m.acquiring = true
	return nil
}

func (m *mockController) Stop() error {
	m.stops++
	if m.stopErr != nil {
		return m.stopErr
	}
	m.acquiring = false
	return nil
}

func (m *mockController) IsAcquiring() bool { return m.acquiring }

func setupTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.NewDB(filepath.Join(t.TempDir(), "monitor_test.db"))
	if err != nil {
		t.Fatalf("NewDB failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func monitorTestStrip(id int64, w, h int) *linescan.ScanStrip {
	pix := make([]uint8, w*h)
	for i := range pix {
		pix[i] = uint8((int(id)*31 + i*7) % 253)
	}
	return &linescan.ScanStrip{
		ID:        id,
		Width:     w,
		Height:    h,
		Pixels:    pix,
		Direction: linescan.DirectionForward,
		Timestamp: time.Unix(1700000000, 0).Add(time.Duration(id) * 100 * time.Millisecond),
	}
}

// seedStitcher builds a composite of n contiguous 32x4 strips.
func seedStitcher(t *testing.T, n int) *stitch.IncrementalStitcher {
	t.Helper()
	st := stitch.New(stitch.Config{OverlapPixels: 0})
	for i := 0; i < n; i++ {
		if _, err := st.AddStrip(monitorTestStrip(int64(i), 32, 4)); err != nil {
			t.Fatalf("AddStrip %d failed: %v", i, err)
		}
	}
	return st
}

func TestHandleHealth(t *testing.T) {
	ws := NewWebServer(WebServerConfig{Address: ":0", ScannerID: "scanner-A"})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	ws.handleHealth(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, `"status": "ok"`) {
		t.Errorf("health body missing ok status: %s", body)
	}
	if !strings.Contains(body, "linescan") {
		t.Errorf("health body missing service name: %s", body)
	}
}

func TestHandleStatusPage(t *testing.T) {
	ws := NewWebServer(WebServerConfig{
		Address:   "127.0.0.1:9120",
		ScannerID: "scanner-A",
		Camera:    linescan.DefaultCameraConfig(),
		Trigger:   linescan.TriggerAuto,
		Stats:     linescan.NewAcquisitionStats(),
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	ws.handleStatus(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "scanner-A") {
		t.Errorf("status page missing scanner id")
	}
	if !strings.Contains(body, "auto") {
		t.Errorf("status page missing trigger mode")
	}

	// Any other path through the root handler is a 404
	req = httptest.NewRequest(http.MethodGet, "/missing", nil)
	w = httptest.NewRecorder()
	ws.handleStatus(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404 for unknown path, got %d", w.Code)
	}
}

func TestHandleScanStats(t *testing.T) {
	stats := linescan.NewAcquisitionStats()
	stats.AddStrip(2048)
	stats.AddStrip(2048)
	stats.AddDropped()
	stats.SetSensorState(9800, 41.5)

	align := linescan.NewAlignmentStats()
	align.Record(linescan.AlignmentResult{
		OffsetX: 1.5, OffsetY: 0.25, Confidence: 0.9,
		Succeeded: true, Method: linescan.MethodPhase,
	})

	ws := NewWebServer(WebServerConfig{
		ScannerID:  "scanner-A",
		Camera:     linescan.CameraConfig{LineRateHz: 10000, PixelPitchMM: 0.010256},
		Stats:      stats,
		AlignStats: align,
		Stitcher:   seedStitcher(t, 3),
		Source:     &mockController{acquiring: true},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/scan/stats", nil)
	w := httptest.NewRecorder()
	ws.handleScanStats(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode stats response: %v", err)
	}

	if got := resp["frames_received"].(float64); got != 2 {
		t.Errorf("frames_received = %v, want 2", got)
	}
	if got := resp["frames_dropped"].(float64); got != 1 {
		t.Errorf("frames_dropped = %v, want 1", got)
	}
	if got := resp["fps"].(float64); got != 9800 {
		t.Errorf("fps = %v, want 9800", got)
	}
	if got := resp["temperature"].(float64); got != 41.5 {
		t.Errorf("temperature = %v, want 41.5", got)
	}
	if got := resp["acquiring"].(bool); !got {
		t.Errorf("acquiring = false, want true")
	}
	if got := resp["composite_height"].(float64); got != 12 {
		t.Errorf("composite_height = %v, want 12", got)
	}

	alignment, ok := resp["alignment"].(map[string]interface{})
	if !ok {
		t.Fatalf("stats response missing alignment aggregates")
	}
	if got := alignment["attempts"].(float64); got != 1 {
		t.Errorf("alignment attempts = %v, want 1", got)
	}
	if got := alignment["mean_confidence"].(float64); math.Abs(got-0.9) > 1e-9 {
		t.Errorf("mean_confidence = %v, want 0.9", got)
	}

	// Web speed defaults to m/min, derived from line rate and pitch.
	if got := resp["web_speed"].(float64); math.Abs(got-6.1536) > 0.0001 {
		t.Errorf("web_speed = %v, want 6.1536", got)
	}
	if got := resp["web_speed_units"].(string); got != "mmin" {
		t.Errorf("web_speed_units = %q, want mmin", got)
	}
	if got := resp["resolution_dpi"].(float64); math.Abs(got-2476.6) > 0.01 {
		t.Errorf("resolution_dpi = %v, want ~2476.6", got)
	}
}

func TestHandleScanStatsUnitsParam(t *testing.T) {
	ws := NewWebServer(WebServerConfig{
		Camera: linescan.CameraConfig{LineRateHz: 10000, PixelPitchMM: 0.010256},
		Stats:  linescan.NewAcquisitionStats(),
	})

	req := httptest.NewRequest(http.MethodGet, "/api/scan/stats?units=mms", nil)
	w := httptest.NewRecorder()
	ws.handleScanStats(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode stats response: %v", err)
	}
	if got := resp["web_speed"].(float64); math.Abs(got-102.56) > 0.0001 {
		t.Errorf("web_speed = %v, want 102.56", got)
	}
	if got := resp["web_speed_units"].(string); got != "mms" {
		t.Errorf("web_speed_units = %q, want mms", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/scan/stats?units=mph", nil)
	w = httptest.NewRecorder()
	ws.handleScanStats(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 for unknown units, got %d", w.Code)
	}
}

func TestHandleScanStatsMethodAndMissingStats(t *testing.T) {
	ws := NewWebServer(WebServerConfig{Stats: linescan.NewAcquisitionStats()})

	req := httptest.NewRequest(http.MethodPost, "/api/scan/stats", nil)
	w := httptest.NewRecorder()
	ws.handleScanStats(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status 405 for POST, got %d", w.Code)
	}

	bare := NewWebServer(WebServerConfig{})
	req = httptest.NewRequest(http.MethodGet, "/api/scan/stats", nil)
	w = httptest.NewRecorder()
	bare.handleScanStats(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404 without stats, got %d", w.Code)
	}
}

func TestHandleComposite(t *testing.T) {
	ws := NewWebServer(WebServerConfig{Stitcher: seedStitcher(t, 2)})

	req := httptest.NewRequest(http.MethodGet, "/api/scan/composite", nil)
	w := httptest.NewRecorder()
	ws.handleComposite(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q, want image/png", ct)
	}
	img, err := png.Decode(w.Body)
	if err != nil {
		t.Fatalf("response is not a decodable PNG: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 32 || b.Dy() != 8 {
		t.Errorf("composite dimensions = %dx%d, want 32x8", b.Dx(), b.Dy())
	}
}

func TestHandleCompositeThumbnail(t *testing.T) {
	ws := NewWebServer(WebServerConfig{Stitcher: seedStitcher(t, 2)})

	req := httptest.NewRequest(http.MethodGet, "/api/scan/composite?width=16", nil)
	w := httptest.NewRecorder()
	ws.handleComposite(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	img, err := png.Decode(w.Body)
	if err != nil {
		t.Fatalf("thumbnail is not a decodable PNG: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 16 || b.Dy() != 4 {
		t.Errorf("thumbnail dimensions = %dx%d, want 16x4", b.Dx(), b.Dy())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/scan/composite?width=bogus", nil)
	w = httptest.NewRecorder()
	ws.handleComposite(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 for bad width, got %d", w.Code)
	}
}

func TestHandleCompositeEmpty(t *testing.T) {
	ws := NewWebServer(WebServerConfig{Stitcher: stitch.New(stitch.Config{})})

	req := httptest.NewRequest(http.MethodGet, "/api/scan/composite", nil)
	w := httptest.NewRecorder()
	ws.handleComposite(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404 for empty composite, got %d", w.Code)
	}

	bare := NewWebServer(WebServerConfig{})
	w = httptest.NewRecorder()
	bare.handleComposite(w, httptest.NewRequest(http.MethodGet, "/api/scan/composite", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503 without stitcher, got %d", w.Code)
	}
}

func TestScanControls(t *testing.T) {
	ctrl := &mockController{}
	st := seedStitcher(t, 2)
	pipe, err := pipeline.New(pipeline.Config{
		Queue:    linescan.NewStripQueue(4),
		Stitcher: st,
	})
	if err != nil {
		t.Fatalf("pipeline.New failed: %v", err)
	}

	ws := NewWebServer(WebServerConfig{Source: ctrl, Pipeline: pipe, Stitcher: st})

	req := httptest.NewRequest(http.MethodPost, "/api/scan/start", nil)
	w := httptest.NewRecorder()
	ws.handleScanStart(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("start: expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if ctrl.starts != 1 || !ctrl.acquiring {
		t.Errorf("start did not reach the controller: starts=%d acquiring=%v", ctrl.starts, ctrl.acquiring)
	}
	if !strings.Contains(w.Body.String(), `"acquiring":true`) {
		t.Errorf("start response missing acquiring flag: %s", w.Body.String())
	}

	// Wrong method is rejected before the controller is touched
	req = httptest.NewRequest(http.MethodGet, "/api/scan/start", nil)
	w = httptest.NewRecorder()
	ws.handleScanStart(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status 405 for GET start, got %d", w.Code)
	}
	if ctrl.starts != 1 {
		t.Errorf("GET start should not reach the controller")
	}

	req = httptest.NewRequest(http.MethodPost, "/api/scan/stop", nil)
	w = httptest.NewRecorder()
	ws.handleScanStop(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("stop: expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if ctrl.stops != 1 || ctrl.acquiring {
		t.Errorf("stop did not reach the controller: stops=%d acquiring=%v", ctrl.stops, ctrl.acquiring)
	}

	if st.Height() == 0 {
		t.Fatalf("composite should be non-empty before reset")
	}
	req = httptest.NewRequest(http.MethodPost, "/api/scan/reset", nil)
	w = httptest.NewRecorder()
	ws.handleScanReset(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("reset: expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if st.Height() != 0 {
		t.Errorf("composite height = %d after reset, want 0", st.Height())
	}
}

func TestScanControlsWithoutCollaborators(t *testing.T) {
	ws := NewWebServer(WebServerConfig{})

	w := httptest.NewRecorder()
	ws.handleScanStart(w, httptest.NewRequest(http.MethodPost, "/api/scan/start", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("start: expected status 503 without source, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	ws.handleScanReset(w, httptest.NewRequest(http.MethodPost, "/api/scan/reset", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("reset: expected status 503 without pipeline, got %d", w.Code)
	}
}

func TestScanStartError(t *testing.T) {
	ctrl := &mockController{startErr: errors.New("camera link down")}
	ws := NewWebServer(WebServerConfig{Source: ctrl})

	w := httptest.NewRecorder()
	ws.handleScanStart(w, httptest.NewRequest(http.MethodPost, "/api/scan/start", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500 for failed start, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "camera link down") {
		t.Errorf("error body missing cause: %s", w.Body.String())
	}
}

func TestTypedNilSourceIsTreatedAsMissing(t *testing.T) {
	var ctrl *mockController
	ws := NewWebServer(WebServerConfig{Source: ctrl})

	w := httptest.NewRecorder()
	ws.handleScanStart(w, httptest.NewRequest(http.MethodPost, "/api/scan/start", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503 for typed-nil source, got %d", w.Code)
	}
}

func TestHandleScanSession(t *testing.T) {
	database := setupTestDB(t)

	session := &db.ScanSession{
		TriggerMode:   "auto",
		SensorWidth:   4096,
		LinesPerStrip: 64,
		OverlapPixels: 100,
		LineRateHz:    10000,
		PixelPitchMM:  0.010256,
		ScanLengthMM:  1800,
		Bidirectional: true,
	}
	if err := database.CreateScanSession(session); err != nil {
		t.Fatalf("CreateScanSession failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		a := &db.StripAlignment{
			SessionID:       session.ID,
			StripID:         int64(i),
			Confidence:      0.8,
			Method:          "phase",
			Succeeded:       true,
			CompositeHeight: int64((i + 1) * 4),
		}
		if err := database.RecordStripAlignment(a); err != nil {
			t.Fatalf("RecordStripAlignment failed: %v", err)
		}
	}

	ws := NewWebServer(WebServerConfig{DB: database})

	req := httptest.NewRequest(http.MethodGet, "/api/scan/session?session_id="+session.ID, nil)
	w := httptest.NewRecorder()
	ws.handleScanSession(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Session db.ScanSession    `json:"session"`
		Summary db.SessionSummary `json:"summary"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode session response: %v", err)
	}
	if resp.Session.TriggerMode != "auto" {
		t.Errorf("session trigger_mode = %q, want auto", resp.Session.TriggerMode)
	}
	if resp.Session.SensorWidth != 4096 {
		t.Errorf("session sensor_width = %d, want 4096", resp.Session.SensorWidth)
	}
	if resp.Summary.Attempts != 3 {
		t.Errorf("summary attempts = %d, want 3", resp.Summary.Attempts)
	}
	if resp.Summary.Successes != 3 {
		t.Errorf("summary successes = %d, want 3", resp.Summary.Successes)
	}
}

func TestHandleScanSessionErrors(t *testing.T) {
	database := setupTestDB(t)
	ws := NewWebServer(WebServerConfig{DB: database})

	// No session id and no live pipeline
	w := httptest.NewRecorder()
	ws.handleScanSession(w, httptest.NewRequest(http.MethodGet, "/api/scan/session", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404 without session, got %d", w.Code)
	}

	// Unknown session id
	w = httptest.NewRecorder()
	ws.handleScanSession(w, httptest.NewRequest(http.MethodGet, "/api/scan/session?session_id=nope", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404 for unknown session, got %d", w.Code)
	}

	// No database configured
	bare := NewWebServer(WebServerConfig{})
	w = httptest.NewRecorder()
	bare.handleScanSession(w, httptest.NewRequest(http.MethodGet, "/api/scan/session?session_id=x", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500 without database, got %d", w.Code)
	}
}

func TestHandleScanSessions(t *testing.T) {
	database := setupTestDB(t)
	for i := 0; i < 2; i++ {
		s := &db.ScanSession{TriggerMode: "auto", SensorWidth: 1024, LinesPerStrip: 16}
		if err := database.CreateScanSession(s); err != nil {
			t.Fatalf("CreateScanSession failed: %v", err)
		}
	}

	ws := NewWebServer(WebServerConfig{DB: database})

	req := httptest.NewRequest(http.MethodGet, "/api/scan/sessions", nil)
	w := httptest.NewRecorder()
	ws.handleScanSessions(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var sessions []db.ScanSession
	if err := json.Unmarshal(w.Body.Bytes(), &sessions); err != nil {
		t.Fatalf("failed to decode sessions response: %v", err)
	}
	if len(sessions) != 2 {
		t.Errorf("got %d sessions, want 2", len(sessions))
	}

	req = httptest.NewRequest(http.MethodGet, "/api/scan/sessions?limit=1", nil)
	w = httptest.NewRecorder()
	ws.handleScanSessions(w, req)
	sessions = nil
	if err := json.Unmarshal(w.Body.Bytes(), &sessions); err != nil {
		t.Fatalf("failed to decode limited sessions response: %v", err)
	}
	if len(sessions) != 1 {
		t.Errorf("got %d sessions with limit=1, want 1", len(sessions))
	}
}

func TestHandleScanParams(t *testing.T) {
	minConf := 0.85
	ws := NewWebServer(WebServerConfig{
		Address:   "127.0.0.1:9113",
		ScannerID: "scanner-A",
		Tuning:    &config.ScanTuning{MinConfidence: &minConf},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/scan/params", nil)
	w := httptest.NewRecorder()
	ws.handleScanParams(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var got config.ScanTuning
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("failed to decode params response: %v", err)
	}
	if got.MinConfidence == nil || *got.MinConfidence != 0.85 {
		t.Errorf("expected overridden min_confidence 0.85, got %v", got.MinConfidence)
	}
	// Defaults materialized for unset fields
	if got.OverlapPixels == nil || *got.OverlapPixels != 100 {
		t.Errorf("expected default overlap_pixels 100, got %v", got.OverlapPixels)
	}
	if got.StatsInterval == nil || *got.StatsInterval != "60s" {
		t.Errorf("expected default stats_interval '60s', got %v", got.StatsInterval)
	}

	// No tuning configured
	bare := NewWebServer(WebServerConfig{Address: "127.0.0.1:9114", ScannerID: "scanner-A"})
	w = httptest.NewRecorder()
	bare.handleScanParams(w, httptest.NewRequest(http.MethodGet, "/api/scan/params", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404 without tuning, got %d", w.Code)
	}

	// Wrong method
	w = httptest.NewRecorder()
	ws.handleScanParams(w, httptest.NewRequest(http.MethodPost, "/api/scan/params", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status 405 for POST, got %d", w.Code)
	}
}

func TestRoutesRegistered(t *testing.T) {
	ws := NewWebServer(WebServerConfig{
		Address:   "127.0.0.1:9120",
		ScannerID: "scanner-A",
		Stats:     linescan.NewAcquisitionStats(),
		Tuning:    config.EmptyScanTuning(),
	})

	paths := []string{"/health", "/api/scan/stats", "/api/scan/params", "/api/scan/export", "/debug/charts/dashboard"}
	for _, path := range paths {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		ws.server.Handler.ServeHTTP(w, req)
		if w.Code == http.StatusNotFound {
			t.Errorf("route %s is not registered", path)
		}
	}
}
