package linescan

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// AcquisitionStats tracks strip delivery counters with thread-safe operations.
// Received and dropped totals are cumulative for the lifetime of the
// collector; the interval counters feed periodic rate logging and reset on
// every GetAndReset.
type AcquisitionStats struct {
	mu             sync.Mutex
	framesReceived int64
	framesDropped  int64
	intervalStrips int64
	intervalBytes  int64
	intervalDrops  int64
	lastReset      time.Time
	startTime      time.Time
	fps            float64
	temperature    float64
}

// NewAcquisitionStats creates a new AcquisitionStats instance
func NewAcquisitionStats() *AcquisitionStats {
	now := time.Now()
	return &AcquisitionStats{
		lastReset: now,
		startTime: now,
	}
}

// AddStrip increments the received count and byte count
func (as *AcquisitionStats) AddStrip(bytes int) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.framesReceived++
	as.intervalStrips++
	as.intervalBytes += int64(bytes)
}

// AddDropped increments the dropped count. Called only when the queue is at
// capacity at push time, so the total is monotonically non-decreasing and
// counts exactly the strips discarded by backpressure.
func (as *AcquisitionStats) AddDropped() {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.framesDropped++
	as.intervalDrops++
}

// SetSensorState records the latest driver-reported line rate and sensor
// temperature from a state-change notification.
func (as *AcquisitionStats) SetSensorState(fps, temperature float64) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.fps = fps
	as.temperature = temperature
}

// Totals returns the cumulative counters plus the latest sensor state.
func (as *AcquisitionStats) Totals() (received, dropped int64, fps, temperature float64) {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.framesReceived, as.framesDropped, as.fps, as.temperature
}

// Uptime returns the time since the stats were created
func (as *AcquisitionStats) Uptime() time.Duration {
	as.mu.Lock()
	defer as.mu.Unlock()
	return time.Since(as.startTime)
}

// GetAndReset returns interval stats and resets the interval counters
func (as *AcquisitionStats) GetAndReset() (strips int64, bytes int64, dropped int64, duration time.Duration) {
	as.mu.Lock()
	defer as.mu.Unlock()

	now := time.Now()
	duration = now.Sub(as.lastReset)
	strips = as.intervalStrips
	bytes = as.intervalBytes
	dropped = as.intervalDrops

	as.intervalStrips = 0
	as.intervalBytes = 0
	as.intervalDrops = 0
	as.lastReset = now

	return
}

// LogStats logs formatted interval statistics to the diag stream
func (as *AcquisitionStats) LogStats() {
	strips, bytes, dropped, duration := as.GetAndReset()
	if strips > 0 || dropped > 0 {
		stripsPerSec := float64(strips) / duration.Seconds()
		mbPerSec := float64(bytes) / duration.Seconds() / (1024 * 1024)

		logMsg := fmt.Sprintf("Scan stats (/sec): %.2f MB, %.1f strips", mbPerSec, stripsPerSec)
		if dropped > 0 {
			logMsg += fmt.Sprintf(", %d dropped on push", dropped)
		}

		Diagf("%s", logMsg)
	}
}

// AlignmentStats aggregates per-strip alignment outcomes for one scan.
// Every alignment attempt lands here, succeeded or not; offset samples are
// kept only for accepted alignments since a rejected offset is noise by
// definition. Reset starts a fresh scan.
type AlignmentStats struct {
	mu          sync.Mutex
	offsetsX    []float64
	offsetsY    []float64
	confidences []float64
	successes   int64
	failures    int64
	fallbacks   int64
}

// AlignmentSummary is a point-in-time snapshot of the alignment aggregates,
// shaped for the stats query and the monitor API.
type AlignmentSummary struct {
	Attempts       int64   `json:"attempts"`
	Successes      int64   `json:"successes"`
	Failures       int64   `json:"failures"`
	Fallbacks      int64   `json:"fallbacks"`
	MeanOffsetX    float64 `json:"mean_offset_x"`
	MeanOffsetY    float64 `json:"mean_offset_y"`
	StdDevOffsetX  float64 `json:"stddev_offset_x"`
	StdDevOffsetY  float64 `json:"stddev_offset_y"`
	MeanConfidence float64 `json:"mean_confidence"`
}

// NewAlignmentStats creates a new AlignmentStats instance
func NewAlignmentStats() *AlignmentStats {
	return &AlignmentStats{}
}

// Record folds one alignment attempt into the aggregates.
func (al *AlignmentStats) Record(result AlignmentResult) {
	al.mu.Lock()
	defer al.mu.Unlock()

	if !result.Succeeded {
		al.failures++
		return
	}

	al.successes++
	if result.Method == MethodFallback {
		al.fallbacks++
	}
	al.offsetsX = append(al.offsetsX, result.OffsetX)
	al.offsetsY = append(al.offsetsY, result.OffsetY)
	al.confidences = append(al.confidences, result.Confidence)
}

// Summary returns the current aggregates. Mean and standard deviation come
// from gonum; a single sample reports a standard deviation of zero rather
// than NaN.
func (al *AlignmentStats) Summary() AlignmentSummary {
	al.mu.Lock()
	defer al.mu.Unlock()

	s := AlignmentSummary{
		Attempts:  al.successes + al.failures,
		Successes: al.successes,
		Failures:  al.failures,
		Fallbacks: al.fallbacks,
	}
	if len(al.offsetsX) > 0 {
		s.MeanOffsetX = stat.Mean(al.offsetsX, nil)
		s.MeanOffsetY = stat.Mean(al.offsetsY, nil)
		s.MeanConfidence = stat.Mean(al.confidences, nil)
	}
	if len(al.offsetsX) > 1 {
		s.StdDevOffsetX = stat.StdDev(al.offsetsX, nil)
		s.StdDevOffsetY = stat.StdDev(al.offsetsY, nil)
	}
	return s
}

// Reset clears all aggregates for a fresh scan.
func (al *AlignmentStats) Reset() {
	al.mu.Lock()
	defer al.mu.Unlock()
	al.offsetsX = nil
	al.offsetsY = nil
	al.confidences = nil
	al.successes = 0
	al.failures = 0
	al.fallbacks = 0
}

// FormatWithCommas renders n with thousands separators for log lines.
func FormatWithCommas(n int64) string {
	s := strconv.FormatInt(n, 10)
	sign := ""
	if strings.HasPrefix(s, "-") {
		sign, s = "-", s[1:]
	}
	for i := len(s) - 3; i > 0; i -= 3 {
		s = s[:i] + "," + s[i:]
	}
	return sign + s
}
