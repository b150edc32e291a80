package pipeline

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fabweave/loomscan/internal/db"
	"github.com/fabweave/loomscan/internal/linescan"
	"github.com/fabweave/loomscan/internal/linescan/preprocess"
	"github.com/fabweave/loomscan/internal/linescan/stitch"
	"github.com/fabweave/loomscan/internal/timeutil"
)

// DefaultStatsInterval is how often the throughput summary is logged.
const DefaultStatsInterval = 60 * time.Second

// StripRecorder receives every raw strip before preprocessing. Satisfied
// by *recorder.Recorder; the interface lets tests observe the tee without
// touching disk.
type StripRecorder interface {
	Record(strip *linescan.ScanStrip) error
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

// Config holds the dependencies for a ScanPipeline. Queue and Stitcher
// are required; every other collaborator is optional and nil disables it.
type Config struct {
	Queue    *linescan.StripQueue
	Stitcher *stitch.IncrementalStitcher

	// Preprocessor conditions each strip between pop and stitch.
	Preprocessor *preprocess.Processor

	// Recorder receives every popped strip before preprocessing, so a
	// recorded log replays the raw capture rather than the processed
	// stream.
	Recorder StripRecorder

	// DB persists the scan session, one row per alignment attempt, and
	// fault reports.
	DB *db.DB

	// SessionID overrides the generated session id, letting the caller
	// share one id between the database row and a recorder log. Empty
	// means a fresh id is assigned when the session opens.
	SessionID string

	// Camera, Scan, LinesPerStrip, and TriggerMode describe the
	// acquisition geometry stamped onto the session row.
	Camera        linescan.CameraConfig
	Scan          linescan.ScanningParams
	LinesPerStrip int
	TriggerMode   linescan.TriggerMode

	// Stats is the acquisition counter set shared with the frame source.
	// The pipeline logs its interval throughput every StatsInterval and
	// stamps the totals into the session row at Stop.
	Stats         *linescan.AcquisitionStats
	StatsInterval time.Duration

	// AlignStats is the sink the stitcher records into; the pipeline
	// only reads it for the stop-time summary.
	AlignStats *linescan.AlignmentStats

	// OnStrip is invoked from the processing goroutine for every strip
	// accepted into the composite.
	OnStrip linescan.StripHandler

	// OnError receives faults raised by the pipeline itself and anything
	// routed through ReportFault.
	OnError linescan.ErrorHandler

	Clock timeutil.Clock
}

// ScanPipeline owns the processing goroutine for one scanner. Strips are
// popped in FIFO order, teed to the recorder, preprocessed, stitched, and
// the alignment outcome persisted; accepted strips reach the OnStrip
// callback. The composite and the queue hand-off are the only state
// shared with other goroutines.
type ScanPipeline struct {
	cfg Config

	mu        sync.Mutex
	running   bool
	stopped   bool
	sessionID string

	done chan struct{}
	wg   sync.WaitGroup

	stitched atomic.Int64
}

// New validates cfg and returns a pipeline ready to Start.
func New(cfg Config) (*ScanPipeline, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("%w: pipeline requires a strip queue", linescan.ErrConfiguration)
	}
	if cfg.Stitcher == nil {
		return nil, fmt.Errorf("%w: pipeline requires a stitcher", linescan.ErrConfiguration)
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = DefaultStatsInterval
	}
	if cfg.LinesPerStrip <= 0 {
		cfg.LinesPerStrip = linescan.DefaultLinesPerStrip
	}
	return &ScanPipeline{cfg: cfg, sessionID: cfg.SessionID}, nil
}

// Start opens the scan session and launches the processing goroutine.
func (p *ScanPipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("%w: pipeline already running", linescan.ErrConfiguration)
	}
	if p.stopped {
		// The queue's stop is terminal, so a stopped pipeline cannot be
		// revived; a new scan needs a fresh queue and pipeline.
		return fmt.Errorf("%w: pipeline already stopped", linescan.ErrConfiguration)
	}

	if p.cfg.DB != nil {
		session := &db.ScanSession{
			ID:            p.cfg.SessionID,
			TriggerMode:   p.cfg.TriggerMode.String(),
			SensorWidth:   p.cfg.Camera.Width,
			LinesPerStrip: p.cfg.LinesPerStrip,
			OverlapPixels: p.cfg.Scan.OverlapPixels,
			LineRateHz:    p.cfg.Camera.LineRateHz,
			PixelPitchMM:  p.cfg.Camera.PixelPitchMM,
			ScanLengthMM:  p.cfg.Scan.ScanLengthMM,
			Bidirectional: p.cfg.Scan.Bidirectional,
		}
		if err := p.cfg.DB.CreateScanSession(session); err != nil {
			return fmt.Errorf("failed to open scan session: %w", err)
		}
		p.sessionID = session.ID
		opsf("Scan session %s opened", p.sessionID)
	}

	p.done = make(chan struct{})
	p.running = true
	p.stitched.Store(0)

	p.wg.Add(1)
	go p.run()

	if p.cfg.Stats != nil {
		p.wg.Add(1)
		go p.logStatsLoop()
	}
	return nil
}

// Stop stops the queue, drains whatever is still buffered through the
// stitcher, joins the processing goroutine, and closes the session row
// with the final totals. The queue is bounded, so the drain is too.
// Calling Stop on a pipeline that is not running is a no-op.
func (p *ScanPipeline) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.stopped = true
	p.mu.Unlock()

	p.cfg.Queue.Stop()
	close(p.done)
	p.wg.Wait()

	var err error
	if p.cfg.DB != nil && p.sessionID != "" {
		totals := db.SessionTotals{
			StripsStitched:  p.stitched.Load(),
			CompositeHeight: int64(p.cfg.Stitcher.Height()),
		}
		if p.cfg.Stats != nil {
			received, dropped, _, _ := p.cfg.Stats.Totals()
			totals.StripsReceived = received
			totals.StripsDropped = dropped
		}
		if closeErr := p.cfg.DB.CloseScanSession(p.sessionID, totals); closeErr != nil {
			err = fmt.Errorf("failed to close scan session: %w", closeErr)
		}
	}

	if p.cfg.AlignStats != nil {
		s := p.cfg.AlignStats.Summary()
		opsf("Alignment summary: %d attempts, %d ok, %d failed, %d via fallback, mean confidence %.3f",
			s.Attempts, s.Successes, s.Failures, s.Fallbacks, s.MeanConfidence)
	}
	opsf("Pipeline stopped: %s strips stitched, composite %dx%d",
		linescan.FormatWithCommas(p.stitched.Load()), p.cfg.Stitcher.Width(), p.cfg.Stitcher.Height())
	return err
}

// Running reports whether the processing goroutine is live.
func (p *ScanPipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// SessionID returns the identifier of the current scan session. Empty
// until Start when no override was configured.
func (p *ScanPipeline) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

// StitchedStrips returns the number of strips accepted into composites
// since Start, across Resets.
func (p *ScanPipeline) StitchedStrips() int64 {
	return p.stitched.Load()
}

// Reset clears the composite and the alignment statistics so the next
// strip seeds a fresh scan. The session row stays open; its stitched
// total keeps counting across the reset.
func (p *ScanPipeline) Reset() {
	p.cfg.Stitcher.Reset()
	if p.cfg.AlignStats != nil {
		p.cfg.AlignStats.Reset()
	}
	diagf("Pipeline reset: composite and alignment statistics cleared")
}

// ReportFault logs a fault, stores it against the open session, and
// forwards it to the error callback. The frame source's error handler
// should be wired here so hardware faults land in the scan database.
func (p *ScanPipeline) ReportFault(source string, err error) {
	if err == nil {
		return
	}
	opsf("Fault from %s: %v", source, err)
	if p.cfg.DB != nil {
		if id := p.SessionID(); id != "" {
			if dbErr := p.cfg.DB.RecordFault(id, source, err.Error()); dbErr != nil {
				opsf("Failed to record fault: %v", dbErr)
			}
		}
	}
	if p.cfg.OnError != nil {
		p.cfg.OnError(err)
	}
}

// run is the processing loop. Pop blocks until a strip arrives or the
// queue is stopped and drained, so the loop needs no other wake-up.
func (p *ScanPipeline) run() {
	defer p.wg.Done()
	diagf("Processing loop started")
	for {
		strip, ok := p.cfg.Queue.Pop()
		if !ok {
			diagf("Strip queue stopped and drained; processing loop exiting")
			return
		}
		p.processStrip(strip)
	}
}

// processStrip runs one strip through the record, preprocess, stitch,
// persist, notify sequence. Alignment failures are counted and the strip
// skipped; only malformed strips surface through the error callback.
func (p *ScanPipeline) processStrip(strip *linescan.ScanStrip) {
	tracef("Strip %d popped: %dx%d at %.2f mm (%s)",
		strip.ID, strip.Width, strip.Height, strip.PositionMM, strip.Direction)

	// Stage 1: tee the raw strip to the recorder before any conditioning.
	if !isNilInterface(p.cfg.Recorder) {
		if err := p.cfg.Recorder.Record(strip); err != nil {
			opsf("Failed to record strip %d: %v", strip.ID, err)
		}
	}

	// Stage 2: preprocessing (denoise, contrast, reverse-pass flip).
	if p.cfg.Preprocessor != nil {
		strip = p.cfg.Preprocessor.Process(strip)
	}

	// Stage 3: alignment and blending.
	result, err := p.cfg.Stitcher.AddStrip(strip)
	if err != nil && !errors.Is(err, linescan.ErrAlignmentFailure) {
		p.ReportFault("stitch", err)
		return
	}

	// Stage 4: persist the attempt, successful or not.
	p.persistAlignment(strip, result)

	if err != nil {
		// Skipped: the stitcher counted the failure and left the
		// composite untouched. Acquisition continues.
		return
	}
	p.stitched.Add(1)

	// Stage 5: hand the accepted strip to downstream consumers.
	if p.cfg.OnStrip != nil {
		p.cfg.OnStrip(strip, result)
	}
}

// persistAlignment writes one strip_alignments row for an attempt.
func (p *ScanPipeline) persistAlignment(strip *linescan.ScanStrip, result linescan.AlignmentResult) {
	if p.cfg.DB == nil {
		return
	}
	id := p.SessionID()
	if id == "" {
		return
	}
	row := &db.StripAlignment{
		SessionID:       id,
		StripID:         strip.ID,
		CapturedNs:      strip.Timestamp.UnixNano(),
		PositionMM:      strip.PositionMM,
		Direction:       strip.Direction.String(),
		OffsetX:         result.OffsetX,
		OffsetY:         result.OffsetY,
		Confidence:      result.Confidence,
		Method:          string(result.Method),
		Succeeded:       result.Succeeded,
		CompositeHeight: int64(p.cfg.Stitcher.Height()),
	}
	if err := p.cfg.DB.RecordStripAlignment(row); err != nil {
		opsf("Failed to record alignment for strip %d: %v", strip.ID, err)
	}
}

// logStatsLoop periodically logs the interval throughput counters.
func (p *ScanPipeline) logStatsLoop() {
	defer p.wg.Done()
	ticker := p.cfg.Clock.NewTicker(p.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C():
			p.cfg.Stats.LogStats()
		}
	}
}
