package grabber

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/fabweave/loomscan/internal/linescan"
	"github.com/fabweave/loomscan/internal/timeutil"
)

// SimConfig contains configuration options for the simulated grabber.
// AdvanceLines is the global line advance between strip starts: with strip
// height H and overlap O, consecutive bands measure a vertical shift of
// H - O - AdvanceLines pixels. DriftX is the apparent horizontal content
// drift per strip and maps one-to-one onto the measured offset_x.
type SimConfig struct {
	Camera         linescan.CameraConfig
	LinesPerStrip  int
	AdvanceLines   float64       // Global line advance between strip starts
	DriftX         float64       // Horizontal content drift per strip, pixels
	NoiseAmplitude float64       // Per-pixel noise, gray levels
	Seed           int64         // Texture seed; same seed, same strips
	StripCount     int64         // Stop after this many strips; 0 = unlimited
	Interval       time.Duration // Delivery pacing; 0 derives from line rate
	StateEvery     int64         // Fire a state notification every N strips
	Clock          timeutil.Clock
}

// SimGrabber is a FrameGrabber that synthesizes textured strips on its own
// goroutine, exercising the same announce/fill/callback contract as real
// hardware. It is the daemon's default no-hardware mode and the test
// driver for end-to-end scenarios.
type SimGrabber struct {
	cfg     SimConfig
	clock   timeutil.Clock
	pattern *webPattern

	mu        sync.Mutex
	buffers   [][]uint8
	announced chan int
	onFilled  BufferFilledFunc
	onState   StateChangedFunc
	running   bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
	produced  int64
	startTime time.Time
}

// NewSimGrabber creates a simulated grabber. Zero-value config fields fall
// back to the package defaults.
func NewSimGrabber(cfg SimConfig) *SimGrabber {
	if cfg.Camera.Width <= 0 {
		cfg.Camera = linescan.DefaultCameraConfig()
	}
	if cfg.LinesPerStrip <= 0 {
		cfg.LinesPerStrip = linescan.DefaultLinesPerStrip
	}
	if cfg.AdvanceLines == 0 {
		cfg.AdvanceLines = float64(cfg.LinesPerStrip - linescan.DefaultOverlapPixels)
	}
	if cfg.StateEvery <= 0 {
		cfg.StateEvery = 10
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &SimGrabber{
		cfg:     cfg,
		clock:   clock,
		pattern: newWebPattern(cfg.Seed, cfg.NoiseAmplitude),
	}
}

// RegisterBuffers stores the pool's backing storage as fill targets.
func (g *SimGrabber) RegisterBuffers(buffers [][]uint8) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(buffers) == 0 {
		return fmt.Errorf("%w: no buffers registered", linescan.ErrConfiguration)
	}
	need := g.cfg.Camera.Width * g.cfg.LinesPerStrip
	for i, b := range buffers {
		if len(b) < need {
			return fmt.Errorf("%w: buffer %d is %d bytes, need %d", linescan.ErrConfiguration, i, len(b), need)
		}
	}
	g.buffers = buffers
	g.announced = make(chan int, len(buffers))
	return nil
}

// AnnounceBuffer re-arms a buffer as a fill target.
func (g *SimGrabber) AnnounceBuffer(id int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.announced == nil {
		return fmt.Errorf("%w: announce before RegisterBuffers", linescan.ErrConfiguration)
	}
	if id < 0 || id >= len(g.buffers) {
		return fmt.Errorf("%w: announce of unknown buffer %d", linescan.ErrHardwareFault, id)
	}
	select {
	case g.announced <- id:
		return nil
	default:
		return fmt.Errorf("%w: buffer %d announced twice", linescan.ErrHardwareFault, id)
	}
}

// SetBufferFilled installs the buffer-filled notification handler.
func (g *SimGrabber) SetBufferFilled(fn BufferFilledFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onFilled = fn
}

// SetStateChanged installs the state notification handler.
func (g *SimGrabber) SetStateChanged(fn StateChangedFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onState = fn
}

// Start launches the delivery goroutine. The trigger frequency sets the
// pacing unless cfg.Interval overrides it.
func (g *SimGrabber) Start(trigger linescan.TriggerConfig) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.buffers == nil {
		return fmt.Errorf("%w: start before RegisterBuffers", linescan.ErrConfiguration)
	}
	if g.running {
		return nil
	}

	interval := g.cfg.Interval
	if interval <= 0 {
		lineRate := trigger.FrequencyHz
		if lineRate <= 0 {
			lineRate = g.cfg.Camera.LineRateHz
		}
		if lineRate <= 0 {
			lineRate = linescan.DefaultLineRateHz
		}
		interval = time.Duration(float64(g.cfg.LinesPerStrip) / lineRate * float64(time.Second))
		if interval <= 0 {
			interval = time.Millisecond
		}
	}

	g.running = true
	g.stopCh = make(chan struct{})
	g.startTime = g.clock.Now()
	g.wg.Add(1)
	go g.run(g.stopCh, interval)

	diagf("sim grabber started: %dx%d strips every %s, advance %.1f lines",
		g.cfg.Camera.Width, g.cfg.LinesPerStrip, interval, g.cfg.AdvanceLines)
	return nil
}

// Stop halts delivery and waits for the goroutine to exit. In-flight
// callbacks complete before Stop returns.
func (g *SimGrabber) Stop() error {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return nil
	}
	g.running = false
	close(g.stopCh)
	g.mu.Unlock()

	g.wg.Wait()
	return nil
}

// Close stops delivery and drops the buffer registration.
func (g *SimGrabber) Close() error {
	if err := g.Stop(); err != nil {
		return err
	}
	g.mu.Lock()
	g.buffers = nil
	g.announced = nil
	g.mu.Unlock()
	return nil
}

// Produced returns the number of strips delivered so far.
func (g *SimGrabber) Produced() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.produced
}

// InjectFault fires a fault notification and halts delivery, simulating a
// driver-reported hardware failure.
func (g *SimGrabber) InjectFault(text string) {
	g.notifyFault(text)
	g.Stop()
}

// run is the delivery goroutine: the simulated driver-owned thread.
func (g *SimGrabber) run(stopCh chan struct{}, interval time.Duration) {
	defer g.wg.Done()

	ticker := g.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C():
		}

		g.mu.Lock()
		if g.cfg.StripCount > 0 && g.produced >= g.cfg.StripCount {
			g.mu.Unlock()
			g.notifyState(false, "")
			diagf("sim grabber finished %d strips", g.cfg.StripCount)
			return
		}

		var id int
		select {
		case id = <-g.announced:
		default:
			// No announced buffer: the ring has starved, which real
			// hardware treats as fatal.
			g.mu.Unlock()
			g.notifyFault("buffer starvation: no announced buffer available")
			return
		}

		buf := g.buffers[id]
		stripIdx := g.produced
		g.produced++
		onFilled := g.onFilled
		width := g.cfg.Camera.Width
		height := g.cfg.LinesPerStrip
		g.mu.Unlock()

		g.fillStrip(buf, stripIdx, width, height)
		if onFilled != nil {
			onFilled(FrameInfo{BufferID: id, Width: width, Height: height, Offset: 0})
		}

		if stripIdx%g.cfg.StateEvery == g.cfg.StateEvery-1 {
			g.notifyState(false, "")
		}
	}
}

// fillStrip renders the global web texture window for one strip into buf.
func (g *SimGrabber) fillStrip(buf []uint8, stripIdx int64, width, height int) {
	lineBase := float64(stripIdx) * g.cfg.AdvanceLines
	xShift := float64(stripIdx) * g.cfg.DriftX
	for y := 0; y < height; y++ {
		gy := lineBase + float64(y)
		row := buf[y*width : (y+1)*width]
		for x := 0; x < width; x++ {
			row[x] = g.pattern.sample(float64(x)-xShift, gy)
		}
	}
}

// notifyState fires a non-fault state notification with simulated
// temperature and the measured delivery rate.
func (g *SimGrabber) notifyState(faulted bool, text string) {
	g.mu.Lock()
	cb := g.onState
	produced := g.produced
	elapsed := g.clock.Since(g.startTime)
	g.mu.Unlock()
	if cb == nil {
		return
	}

	fps := 0.0
	if elapsed > 0 {
		fps = float64(produced) / elapsed.Seconds()
	}
	temperature := 38.0 + 2.0*math.Sin(float64(produced)/50.0)
	cb(StateChange{Received: produced, FPS: fps, Temperature: temperature, Faulted: faulted, FaultText: text})
}

func (g *SimGrabber) notifyFault(text string) {
	opsf("sim grabber fault: %s", text)
	g.notifyState(true, text)
}

// webPattern is a deterministic continuous texture over the infinite web:
// a sum of oriented sinusoids plus hashed per-pixel grain. Strips sampling
// overlapping line ranges see identical content, which is what makes the
// ground-truth shift recoverable.
type webPattern struct {
	waves []patternWave
	noise float64
	seed  int64
	norm  float64
}

type patternWave struct {
	fx, fy, phase, amp float64
}

func newWebPattern(seed int64, noise float64) *webPattern {
	rng := rand.New(rand.NewSource(seed))
	p := &webPattern{noise: noise, seed: seed}

	// Two coarse waves for large-scale structure, six finer ones spread in
	// frequency and orientation so the correlation peak stays sharp.
	for i := 0; i < 8; i++ {
		lo, hi := 0.002, 0.02
		if i >= 2 {
			lo, hi = 0.02, 0.35
		}
		angle := rng.Float64() * 2 * math.Pi
		freq := lo + rng.Float64()*(hi-lo)
		w := patternWave{
			fx:    freq * math.Cos(angle),
			fy:    freq * math.Sin(angle),
			phase: rng.Float64() * 2 * math.Pi,
			amp:   0.5 + rng.Float64(),
		}
		p.waves = append(p.waves, w)
		p.norm += w.amp
	}
	return p
}

// sample evaluates the texture at a real-valued web coordinate.
func (p *webPattern) sample(x, y float64) uint8 {
	v := 0.0
	for _, w := range p.waves {
		v += w.amp * math.Sin(2*math.Pi*(w.fx*x+w.fy*y)+w.phase)
	}
	g := 128 + 110*(v/p.norm)
	if p.noise > 0 {
		g += p.noise * hashNoise(int64(math.Floor(x)), int64(math.Floor(y)), p.seed)
	}
	if g < 0 {
		return 0
	}
	if g > 255 {
		return 255
	}
	return uint8(g)
}

// hashNoise returns deterministic grain in [-1, 1) for an integer web
// coordinate.
func hashNoise(x, y, seed int64) float64 {
	h := uint64(x)*0x9E3779B97F4A7C15 ^ uint64(y)*0xC2B2AE3D27D4EB4F ^ uint64(seed)*0xD6E8FEB86659FD93
	h ^= h >> 33
	h *= 0xFF51AFD7ED558CCD
	h ^= h >> 33
	return float64(int64(h&0xFFFF))/32768.0 - 1.0
}
