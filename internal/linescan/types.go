package linescan

import (
	"fmt"
	"time"
)

// Line-scan acquisition defaults. The camera delivers single lines at the
// configured line rate; the grabber accumulates them into strip-sized
// buffers before announcing each buffer as filled.
const (
	DefaultSensorWidth   = 4096     // Sensor pixels per line
	DefaultLineRateHz    = 10000.0  // Line trigger frequency
	DefaultBitDepth      = 8        // Grayscale bits per pixel
	DefaultPixelPitchMM  = 0.010256 // Physical pixel pitch on the web (FOV / width)
	DefaultFOVWidthMM    = 42.0     // Field of view across the web
	DefaultLinesPerStrip = 500      // Scan lines accumulated per strip buffer
	DefaultBufferCount   = 30       // Hardware buffers in the ring pool
	DefaultQueueCapacity = 8        // Strips buffered between callback and stitcher
	DefaultOverlapPixels = 100      // Shared band between consecutive strips
	DefaultScanLengthMM  = 1800.0   // Web length of one scan pass
)

// ScanDirection indicates the web travel direction a strip was captured in.
// Bidirectional scans alternate direction each pass; reverse strips are
// flipped upright before stitching.
type ScanDirection int

const (
	DirectionForward ScanDirection = iota
	DirectionReverse
)

func (d ScanDirection) String() string {
	switch d {
	case DirectionForward:
		return "forward"
	case DirectionReverse:
		return "reverse"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// TriggerMode selects how line captures are clocked.
type TriggerMode int

const (
	TriggerAuto     TriggerMode = iota // Free-running internal clock at FrequencyHz
	TriggerExternal                    // Line trigger from an external pulse input
	TriggerEncoder                     // Line trigger from the web encoder, StepMM per line
)

func (m TriggerMode) String() string {
	switch m {
	case TriggerAuto:
		return "auto"
	case TriggerExternal:
		return "external"
	case TriggerEncoder:
		return "encoder"
	default:
		return fmt.Sprintf("trigger(%d)", int(m))
	}
}

// ParseTriggerMode converts a config string into a TriggerMode.
func ParseTriggerMode(s string) (TriggerMode, error) {
	switch s {
	case "auto", "":
		return TriggerAuto, nil
	case "external":
		return TriggerExternal, nil
	case "encoder":
		return TriggerEncoder, nil
	default:
		return TriggerAuto, fmt.Errorf("%w: unknown trigger mode %q", ErrConfiguration, s)
	}
}

// TriggerConfig carries the per-mode trigger settings handed to the grabber.
type TriggerConfig struct {
	Mode        TriggerMode // auto, external, or encoder
	FrequencyHz float64     // Line frequency for auto mode
	StepMM      float64     // Web travel per line for encoder mode
}

// CameraConfig describes the line-scan sensor geometry. Height is the sensor
// line count (1 for a true line camera); strip height comes from the grabber's
// lines-per-strip accumulation, not from the sensor.
type CameraConfig struct {
	Width        int     // Pixels per scan line
	Height       int     // Sensor lines (1 for line-scan)
	LineRateHz   float64 // Maximum line acquisition rate
	BitDepth     int     // Bits per pixel (8 = grayscale byte)
	PixelPitchMM float64 // Physical size of one pixel on the web
	FOVWidthMM   float64 // Field of view across the web
}

// DefaultCameraConfig returns the stock sensor geometry.
func DefaultCameraConfig() CameraConfig {
	return CameraConfig{
		Width:        DefaultSensorWidth,
		Height:       1,
		LineRateHz:   DefaultLineRateHz,
		BitDepth:     DefaultBitDepth,
		PixelPitchMM: DefaultPixelPitchMM,
		FOVWidthMM:   DefaultFOVWidthMM,
	}
}

// ScanningParams describes one scan job: how far the web travels per pass,
// the strip overlap used for alignment, and whether passes alternate
// direction.
type ScanningParams struct {
	ScanLengthMM  float64 // Web length of one pass
	ScanWidthMM   float64 // Web width covered by the sensor
	OverlapPixels int     // Alignment/blend band between consecutive strips
	Bidirectional bool    // Alternate direction each pass
}

// DefaultScanningParams returns the stock scan job settings.
func DefaultScanningParams() ScanningParams {
	return ScanningParams{
		ScanLengthMM:  DefaultScanLengthMM,
		ScanWidthMM:   DefaultFOVWidthMM,
		OverlapPixels: DefaultOverlapPixels,
		Bidirectional: true,
	}
}

// ScanStrip is one capture unit: the sensor's full width by a configured
// number of scan lines, copied out of hardware memory at callback time.
// Strips are immutable after creation; Pixels is row-major grayscale with
// Width*Height bytes.
type ScanStrip struct {
	ID         int64         // Monotonically increasing capture sequence number
	Width      int           // Pixels per line actually written
	Height     int           // Lines actually written (may be short on partial delivery)
	Pixels     []uint8       // Owned copy of the pixel window, row-major
	PositionMM float64       // Web position derived from elapsed scan distance
	Direction  ScanDirection // Travel direction during capture
	Timestamp  time.Time     // Capture completion time
}

// Row returns one scan line of the strip without copying.
func (s *ScanStrip) Row(y int) []uint8 {
	return s.Pixels[y*s.Width : (y+1)*s.Width]
}

// Clone returns a deep copy of the strip. Used by the recorder tee so the
// stitcher and the log writer never share pixel storage.
func (s *ScanStrip) Clone() *ScanStrip {
	c := *s
	c.Pixels = make([]uint8, len(s.Pixels))
	copy(c.Pixels, s.Pixels)
	return &c
}

// AlignmentMethod records which estimator produced an accepted offset.
type AlignmentMethod string

const (
	MethodPhase    AlignmentMethod = "phase"    // Phase-correlation peak
	MethodFallback AlignmentMethod = "fallback" // Search-window template match
)

// AlignmentResult is the outcome of aligning one strip against its
// predecessor. Offsets are sub-pixel; confidence is the normalized
// cross-correlation of the two bands under the measured shift.
type AlignmentResult struct {
	OffsetX    float64         // Horizontal shift of the new strip, pixels
	OffsetY    float64         // Vertical shift of the new strip, pixels
	Confidence float64         // Match quality in [0, 1]
	Succeeded  bool            // Whether the strip was incorporated
	Method     AlignmentMethod // Estimator that produced the accepted offset
}

// StripHandler delivers each incorporated strip to downstream collaborators
// (registration engine, printer hand-off). Called from the processing
// goroutine after the composite has been updated.
type StripHandler func(strip *ScanStrip, result AlignmentResult)

// ErrorHandler delivers asynchronous fault text from the acquisition side.
type ErrorHandler func(err error)
