package encoder

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/fabweave/loomscan/internal/linescan"
	"github.com/fabweave/loomscan/internal/timeutil"
)

var ErrWriteFailed = fmt.Errorf("failed to write to encoder port")

// DefaultStaleAfter bounds how old the latest reading may be before
// PositionMM refuses to serve it.
const DefaultStaleAfter = 250 * time.Millisecond

// Config carries the encoder conversion and freshness parameters.
type Config struct {
	// TicksPerMM converts raw counter values to millimetres of travel.
	TicksPerMM float64

	// StaleAfter is the maximum age of a reading served by PositionMM.
	// Zero selects DefaultStaleAfter.
	StaleAfter time.Duration

	// Clock defaults to the real clock; tests inject a mock.
	Clock timeutil.Clock
}

// Reading is one parsed position report from the device.
type Reading struct {
	Ticks      int64
	PositionMM float64
	Timestamp  time.Time
}

// Encoder parses the position stream from a serial-attached linear
// encoder and serves the latest reading to the capture path. The type
// parameter keeps the concrete port type visible to callers that need
// port-specific control, the same way the device mux does elsewhere.
type Encoder[T Porter] struct {
	port T
	cfg  Config

	commandMu sync.Mutex

	mu        sync.Mutex
	last      Reading
	haveLast  bool
	deviceErr string
	lines     int64
	parseErrs int64
}

// New wraps an open port. TicksPerMM must be positive.
func New[T Porter](port T, cfg Config) (*Encoder[T], error) {
	if cfg.TicksPerMM <= 0 {
		return nil, fmt.Errorf("%w: encoder ticks_per_mm must be positive", linescan.ErrConfiguration)
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &Encoder[T]{port: port, cfg: cfg}, nil
}

// Open opens the serial device at path and wraps it.
func Open(path string, opts PortOptions, cfg Config) (*Encoder[serial.Port], error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open encoder port %s: %w", path, err)
	}
	return New[serial.Port](port, cfg)
}

// Initialize zeroes the device counter and starts the position stream.
func (e *Encoder[T]) Initialize() error {
	if err := e.Zero(); err != nil {
		return err
	}
	return e.SendCommand("S1")
}

// Zero resets the device counter so the current carriage position reads
// as zero.
func (e *Encoder[T]) Zero() error {
	if err := e.SendCommand("Z"); err != nil {
		return fmt.Errorf("failed to zero encoder: %w", err)
	}
	e.mu.Lock()
	e.haveLast = false
	e.mu.Unlock()
	return nil
}

// SendCommand writes one newline-terminated command to the port.
func (e *Encoder[T]) SendCommand(command string) error {
	e.commandMu.Lock()
	defer e.commandMu.Unlock()
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	n, err := e.port.Write([]byte(command))
	switch {
	case err != nil:
		return err
	case n != len(command):
		return ErrWriteFailed
	}
	return nil
}

// portLine is one scanner event: a line of device output, or the stream
// end. On end, err holds the scanner's exit error, nil for a clean EOF.
type portLine struct {
	text string
	err  error
	end  bool
}

// pump runs the blocking port reads, forwarding device lines to Monitor.
func (e *Encoder[T]) pump(ctx context.Context, events chan<- portLine) {
	scan := bufio.NewScanner(e.port)
	for scan.Scan() {
		select {
		case events <- portLine{text: scan.Text()}:
		case <-ctx.Done():
			return
		}
	}
	select {
	case events <- portLine{end: true, err: scan.Err()}:
	case <-ctx.Done():
	}
}

// Monitor consumes the position stream until the context is canceled or
// the port fails. The blocking reads run on their own goroutine so
// cancellation is never stuck behind a quiet device.
func (e *Encoder[T]) Monitor(ctx context.Context) error {
	events := make(chan portLine)
	go e.pump(ctx, events)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			if ev.end {
				return ev.err
			}
			e.consume(ev.text)
		}
	}
}

// consume folds one line from the device into the encoder state.
func (e *Encoder[T]) consume(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.lines++

	switch {
	case strings.HasPrefix(line, "P="):
		ticks, err := strconv.ParseInt(strings.TrimPrefix(line, "P="), 10, 64)
		if err != nil {
			e.parseErrs++
			return
		}
		e.last = Reading{
			Ticks:      ticks,
			PositionMM: float64(ticks) / e.cfg.TicksPerMM,
			Timestamp:  e.cfg.Clock.Now(),
		}
		e.haveLast = true
		e.deviceErr = ""

	case strings.HasPrefix(line, "E="):
		e.deviceErr = strings.TrimPrefix(line, "E=")

	default:
		// Status chatter (acknowledgements, boot banners) is ignored.
	}
}

// PositionMM serves the latest reading in millimetres. It fails when the
// device has reported an error, when nothing has been received yet, or
// when the latest reading is older than the configured staleness bound.
func (e *Encoder[T]) PositionMM() (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.deviceErr != "" {
		return 0, fmt.Errorf("%w: encoder reports %q", linescan.ErrHardwareFault, e.deviceErr)
	}
	if !e.haveLast {
		return 0, fmt.Errorf("%w: no encoder reading received", linescan.ErrHardwareFault)
	}
	age := e.cfg.Clock.Since(e.last.Timestamp)
	if age > e.cfg.StaleAfter {
		return 0, fmt.Errorf("%w: encoder reading is %v old", linescan.ErrHardwareFault, age)
	}
	return e.last.PositionMM, nil
}

// LastReading returns the most recent reading, if any, regardless of age.
func (e *Encoder[T]) LastReading() (Reading, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last, e.haveLast
}

// Counters reports how many lines arrived and how many failed to parse.
func (e *Encoder[T]) Counters() (lines, parseErrors int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lines, e.parseErrs
}

// Close stops streaming and closes the port.
func (e *Encoder[T]) Close() error {
	// Best effort: the device may already be gone.
	_ = e.SendCommand("S0")
	return e.port.Close()
}
