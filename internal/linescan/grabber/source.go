package grabber

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/fabweave/loomscan/internal/linescan"
	"github.com/fabweave/loomscan/internal/timeutil"
)

// StatsSink receives acquisition counters. *linescan.AcquisitionStats
// satisfies it; a no-op default keeps the callback path nil-safe.
type StatsSink interface {
	AddStrip(bytes int)
	AddDropped()
	SetSensorState(fps, temperature float64)
}

// noopStats is a StatsSink implementation that does nothing. It is used as
// a safe default when no stats collector is provided.
type noopStats struct{}

func (noopStats) AddStrip(bytes int)               {}
func (noopStats) AddDropped()                      {}
func (noopStats) SetSensorState(fps, temp float64) {}

// PositionSource supplies web position readings for encoder-triggered
// scans. Implementations must be callable from the driver callback without
// blocking for long.
type PositionSource interface {
	PositionMM() (float64, error)
}

// SourceConfig contains configuration options for the frame source.
type SourceConfig struct {
	Grabber       FrameGrabber
	Camera        linescan.CameraConfig
	Scan          linescan.ScanningParams
	Trigger       linescan.TriggerConfig
	LinesPerStrip int
	BufferCount   int
	Queue         *linescan.StripQueue
	Stats         StatsSink
	Position      PositionSource        // Optional; nil derives position from elapsed strips
	OnError       linescan.ErrorHandler // Asynchronous fault delivery; must not block
	Clock         timeutil.Clock
}

// FrameSource owns the buffer ring pool and converts driver deliveries into
// ScanStrip values on the hand-off queue. All pool mutation happens inside
// the driver callback and the start/stop lifecycle; the composite side of
// the pipeline never touches it.
type FrameSource struct {
	grabber       FrameGrabber
	camera        linescan.CameraConfig
	scan          linescan.ScanningParams
	trigger       linescan.TriggerConfig
	linesPerStrip int
	bufferCount   int
	queue         *linescan.StripQueue
	stats         StatsSink
	position      PositionSource
	onError       linescan.ErrorHandler
	clock         timeutil.Clock

	pool        *BufferPool
	nextStripID atomic.Int64

	mu          sync.Mutex
	acquiring   bool
	initialized bool
	lastPosMM   float64
}

// NewFrameSource creates a frame source with the provided configuration.
// Initialize must be called before Start.
func NewFrameSource(config SourceConfig) *FrameSource {
	stats := config.Stats
	if stats == nil {
		stats = noopStats{}
	}
	clock := config.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	onError := config.OnError
	if onError == nil {
		onError = func(error) {}
	}
	linesPerStrip := config.LinesPerStrip
	if linesPerStrip <= 0 {
		linesPerStrip = linescan.DefaultLinesPerStrip
	}
	bufferCount := config.BufferCount
	if bufferCount <= 0 {
		bufferCount = linescan.DefaultBufferCount
	}

	return &FrameSource{
		grabber:       config.Grabber,
		camera:        config.Camera,
		scan:          config.Scan,
		trigger:       config.Trigger,
		linesPerStrip: linesPerStrip,
		bufferCount:   bufferCount,
		queue:         config.Queue,
		stats:         stats,
		position:      config.Position,
		onError:       onError,
		clock:         clock,
	}
}

// Initialize allocates the buffer ring pool, registers every buffer with
// the driver, and announces them all as transfer destinations. Fails with a
// configuration error before any hardware interaction when the geometry is
// unusable.
func (s *FrameSource) Initialize() error {
	if s.grabber == nil {
		return fmt.Errorf("%w: no frame grabber supplied", linescan.ErrConfiguration)
	}
	if s.queue == nil {
		return fmt.Errorf("%w: no strip queue supplied", linescan.ErrConfiguration)
	}
	if s.camera.Width <= 0 {
		return fmt.Errorf("%w: camera width must be positive, got %d", linescan.ErrConfiguration, s.camera.Width)
	}

	pool, err := NewBufferPool(s.bufferCount, s.camera.Width*s.linesPerStrip)
	if err != nil {
		return err
	}
	s.pool = pool

	s.grabber.SetBufferFilled(s.handleBufferFilled)
	s.grabber.SetStateChanged(s.handleStateChanged)

	if err := s.grabber.RegisterBuffers(pool.Buffers()); err != nil {
		return fmt.Errorf("registering %d buffers: %w", pool.Count(), err)
	}
	for id := 0; id < pool.Count(); id++ {
		if err := pool.MarkAnnounced(id); err != nil {
			return err
		}
		if err := s.grabber.AnnounceBuffer(id); err != nil {
			return fmt.Errorf("announcing buffer %d: %w", id, err)
		}
	}

	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()

	opsf("frame source initialized: %d buffers x %d bytes (%dx%d strips)",
		pool.Count(), pool.Size(), s.camera.Width, s.linesPerStrip)
	return nil
}

// Start begins hardware triggering. Initialize must have succeeded first.
func (s *FrameSource) Start() error {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return fmt.Errorf("%w: frame source not initialized", linescan.ErrConfiguration)
	}
	if s.acquiring {
		s.mu.Unlock()
		diagf("start ignored: already acquiring")
		return nil
	}
	s.mu.Unlock()

	if err := s.grabber.Start(s.trigger); err != nil {
		return fmt.Errorf("starting acquisition: %w", err)
	}

	s.mu.Lock()
	s.acquiring = true
	s.mu.Unlock()

	opsf("acquisition started (trigger %s)", s.trigger.Mode)
	return nil
}

// Stop halts hardware triggering. Strips already queued stay queued;
// draining and joining the processing goroutine is the pipeline's job.
func (s *FrameSource) Stop() error {
	s.mu.Lock()
	wasAcquiring := s.acquiring
	s.acquiring = false
	s.mu.Unlock()

	if !wasAcquiring {
		return nil
	}
	if err := s.grabber.Stop(); err != nil {
		return fmt.Errorf("stopping acquisition: %w", err)
	}
	opsf("acquisition stopped after %d strips", s.nextStripID.Load())
	return nil
}

// IsAcquiring reports whether hardware triggering is active.
func (s *FrameSource) IsAcquiring() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquiring
}

// Close releases the driver. The source cannot be restarted afterwards.
func (s *FrameSource) Close() error {
	if s.grabber == nil {
		return nil
	}
	return s.grabber.Close()
}

// Pool exposes the buffer ring for state inspection.
func (s *FrameSource) Pool() *BufferPool {
	return s.pool
}

// StripsProduced returns the number of strips built so far.
func (s *FrameSource) StripsProduced() int64 {
	return s.nextStripID.Load()
}

// handleBufferFilled runs on the driver-owned thread once per completed
// transfer. It must return quickly and never block: copy the window out,
// push, re-announce. The buffer is re-announced regardless of the queue
// outcome so the ring can never starve on slow downstream processing.
func (s *FrameSource) handleBufferFilled(info FrameInfo) {
	buf, err := s.pool.Buffer(info.BufferID)
	if err != nil {
		s.fault(err)
		return
	}
	if err := s.pool.MarkFilled(info.BufferID); err != nil {
		s.fault(err)
		return
	}

	strip, err := s.extractStrip(buf, info)
	if err != nil {
		s.fault(err)
		// Fall through: the buffer still has to be re-armed.
	} else {
		s.stats.AddStrip(len(strip.Pixels))
		if s.queue.TryPush(strip) {
			tracef("strip %d queued (%dx%d at %.2f mm %s)",
				strip.ID, strip.Width, strip.Height, strip.PositionMM, strip.Direction)
		} else {
			s.stats.AddDropped()
			tracef("strip %d dropped, queue at capacity", strip.ID)
		}
	}

	if err := s.pool.Release(info.BufferID); err != nil {
		s.fault(err)
		return
	}
	if err := s.pool.MarkAnnounced(info.BufferID); err != nil {
		s.fault(err)
		return
	}
	if err := s.grabber.AnnounceBuffer(info.BufferID); err != nil {
		s.fault(fmt.Errorf("%w: re-announcing buffer %d: %v", linescan.ErrHardwareFault, info.BufferID, err))
	}
}

// extractStrip copies the written pixel window out of borrowed driver
// memory into strip-owned storage. The driver buffer is only valid for the
// duration of the callback.
func (s *FrameSource) extractStrip(buf []uint8, info FrameInfo) (*linescan.ScanStrip, error) {
	width := info.Width
	if width <= 0 || width > s.camera.Width {
		width = s.camera.Width
	}
	height := info.Height
	if height <= 0 || height > s.linesPerStrip {
		height = s.linesPerStrip
	}
	if info.Offset < 0 || info.Offset+width*height > len(buf) {
		return nil, fmt.Errorf("%w: window %dx%d at offset %d exceeds %d byte buffer %d",
			linescan.ErrHardwareFault, width, height, info.Offset, len(buf), info.BufferID)
	}

	pixels := make([]uint8, width*height)
	copy(pixels, buf[info.Offset:info.Offset+width*height])

	id := s.nextStripID.Add(1) - 1
	positionMM, direction := s.stripPose(id)

	return &linescan.ScanStrip{
		ID:         id,
		Width:      width,
		Height:     height,
		Pixels:     pixels,
		PositionMM: positionMM,
		Direction:  direction,
		Timestamp:  s.clock.Now(),
	}, nil
}

// stripPose derives the web position and travel direction for one strip.
// With an encoder the reading is authoritative and direction follows the
// sign of movement; otherwise position accumulates from elapsed strips and
// bidirectional scans fold it into alternating passes over the scan length.
func (s *FrameSource) stripPose(id int64) (float64, linescan.ScanDirection) {
	if s.position != nil {
		pos, err := s.position.PositionMM()
		if err == nil {
			s.mu.Lock()
			direction := linescan.DirectionForward
			if pos < s.lastPosMM {
				direction = linescan.DirectionReverse
			}
			s.lastPosMM = pos
			s.mu.Unlock()
			return pos, direction
		}
		opsf("encoder read failed, using distance model for strip %d: %v", id, err)
	}

	advanceMM := float64(s.linesPerStrip) * s.camera.PixelPitchMM
	total := float64(id) * advanceMM
	if !s.scan.Bidirectional || s.scan.ScanLengthMM <= 0 {
		return total, linescan.DirectionForward
	}

	pass := math.Floor(total / s.scan.ScanLengthMM)
	within := total - pass*s.scan.ScanLengthMM
	if int64(pass)%2 == 0 {
		return within, linescan.DirectionForward
	}
	return s.scan.ScanLengthMM - within, linescan.DirectionReverse
}

// handleStateChanged runs on the driver-owned thread for rate, temperature
// and fault notifications.
func (s *FrameSource) handleStateChanged(state StateChange) {
	s.stats.SetSensorState(state.FPS, state.Temperature)
	tracef("driver state: %d received, %.1f fps, %.1f C", state.Received, state.FPS, state.Temperature)

	if state.Faulted {
		s.mu.Lock()
		s.acquiring = false
		s.mu.Unlock()
		err := &linescan.FaultError{Detail: state.FaultText}
		opsf("driver fault: %s", state.FaultText)
		s.onError(err)
	}
}

// fault marks the session dead and surfaces the error. Runs on the driver
// thread, so it only flags state and notifies; actually stopping the
// hardware is left to the owner reacting to the error callback.
func (s *FrameSource) fault(err error) {
	s.mu.Lock()
	s.acquiring = false
	s.mu.Unlock()
	opsf("fatal acquisition fault: %v", err)
	s.onError(err)
}
