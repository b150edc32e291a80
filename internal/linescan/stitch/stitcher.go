package stitch

import (
	"fmt"
	"image"
	"math"
	"sync"

	"github.com/fabweave/loomscan/internal/linescan"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultMinConfidence = 0.7
	DefaultSearchRadius  = 10
)

// Config carries the tuning knobs for an IncrementalStitcher.
type Config struct {
	// OverlapPixels is the nominal number of rows shared between
	// consecutive strips. Zero disables alignment entirely and strips are
	// concatenated as-is.
	OverlapPixels int

	// MinConfidence is the correlation score below which an alignment is
	// rejected. Zero selects DefaultMinConfidence; to accept everything
	// use a small positive value instead.
	MinConfidence float64

	// SearchRadius bounds the template-matching fallback search, in
	// pixels per axis. Zero selects DefaultSearchRadius.
	SearchRadius int

	// FallbackEnabled switches on the exhaustive template search when
	// phase correlation scores below MinConfidence.
	FallbackEnabled bool

	// Stats receives one record per alignment attempt. May be nil.
	Stats *linescan.AlignmentStats
}

// IncrementalStitcher grows a single composite image strip by strip.
//
// The first strip seeds the composite and fixes its width. Every later
// strip is aligned against the previous accepted strip by phase
// correlation over the shared overlap band, optionally falling back to an
// exhaustive template search, and then blended in with a linear ramp
// across the overlap. A strip whose alignment cannot be trusted is
// skipped and leaves the composite untouched.
//
// AddStrip and Reset belong to a single owning goroutine; Snapshot and
// the geometry accessors may be called concurrently with them.
type IncrementalStitcher struct {
	cfg Config

	mu         sync.Mutex
	composite  []uint8
	width      int
	height     int
	prev       *linescan.ScanStrip
	stripCount int
	pc         *PhaseCorrelator
}

// New returns an empty stitcher. The composite geometry is established by
// the first strip added.
func New(cfg Config) *IncrementalStitcher {
	if cfg.OverlapPixels < 0 {
		cfg.OverlapPixels = 0
	}
	if cfg.MinConfidence == 0 {
		cfg.MinConfidence = DefaultMinConfidence
	}
	if cfg.SearchRadius <= 0 {
		cfg.SearchRadius = DefaultSearchRadius
	}
	return &IncrementalStitcher{cfg: cfg}
}

// AddStrip aligns strip against the previously accepted strip and blends
// it into the composite. The returned result always carries the measured
// offsets and confidence; err is non-nil when the strip was not blended.
// Alignment outcomes, successful or not, are recorded in cfg.Stats; a
// malformed strip is rejected before any alignment is attempted and is
// not recorded.
func (st *IncrementalStitcher) AddStrip(strip *linescan.ScanStrip) (linescan.AlignmentResult, error) {
	if strip == nil {
		return linescan.AlignmentResult{}, fmt.Errorf("%w: nil strip", linescan.ErrConfiguration)
	}
	if strip.Width <= 0 || strip.Height <= 0 {
		return linescan.AlignmentResult{}, fmt.Errorf("%w: strip %d has dimensions %dx%d",
			linescan.ErrConfiguration, strip.ID, strip.Width, strip.Height)
	}
	if len(strip.Pixels) != strip.Width*strip.Height {
		return linescan.AlignmentResult{}, fmt.Errorf("%w: strip %d pixel buffer holds %d bytes, want %d",
			linescan.ErrConfiguration, strip.ID, len(strip.Pixels), strip.Width*strip.Height)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.stripCount == 0 {
		return st.seed(strip), nil
	}

	if strip.Width != st.width {
		return linescan.AlignmentResult{}, fmt.Errorf("%w: strip %d is %d px wide, composite is %d",
			linescan.ErrConfiguration, strip.ID, strip.Width, st.width)
	}

	overlap := st.cfg.OverlapPixels
	if overlap > st.prev.Height {
		overlap = st.prev.Height
	}
	if overlap > strip.Height {
		overlap = strip.Height
	}

	result := linescan.AlignmentResult{Confidence: 1, Succeeded: true, Method: linescan.MethodPhase}
	if overlap > 0 {
		result = st.align(strip, overlap)
	}
	st.record(result)

	if !result.Succeeded {
		tracef("strip %d skipped: confidence %.3f below %.3f (offset %.2f,%.2f)",
			strip.ID, result.Confidence, st.cfg.MinConfidence, result.OffsetX, result.OffsetY)
		return result, fmt.Errorf("%w: strip %d confidence %.3f below %.3f",
			linescan.ErrAlignmentFailure, strip.ID, result.Confidence, st.cfg.MinConfidence)
	}

	st.blend(strip, overlap, result.OffsetX)
	st.prev = strip
	st.stripCount++
	tracef("strip %d blended at offset %.2f,%.2f confidence %.3f via %s, composite now %dx%d",
		strip.ID, result.OffsetX, result.OffsetY, result.Confidence, result.Method, st.width, st.height)
	return result, nil
}

// seed installs the first strip as the whole composite.
func (st *IncrementalStitcher) seed(strip *linescan.ScanStrip) linescan.AlignmentResult {
	st.width = strip.Width
	st.height = strip.Height
	st.composite = make([]uint8, len(strip.Pixels))
	copy(st.composite, strip.Pixels)
	st.prev = strip
	st.stripCount = 1
	opsf("Composite seeded by strip %d: %dx%d", strip.ID, st.width, st.height)
	return linescan.AlignmentResult{Confidence: 1, Succeeded: true, Method: linescan.MethodPhase}
}

// align measures the shift of strip against the previous strip over the
// overlap band and scores it.
func (st *IncrementalStitcher) align(strip *linescan.ScanStrip, overlap int) linescan.AlignmentResult {
	prevBand := bandFloat(st.prev, st.prev.Height-overlap, overlap)
	currBand := bandFloat(strip, 0, overlap)

	if st.pc == nil || st.pc.w != st.width || st.pc.h != overlap {
		st.pc = NewPhaseCorrelator(st.width, overlap)
	}
	dx, dy := st.pc.Correlate(prevBand, currBand)
	conf := Confidence(prevBand, currBand, st.width, overlap,
		int(math.Round(dx)), int(math.Round(dy)))
	method := linescan.MethodPhase

	if conf < st.cfg.MinConfidence && st.cfg.FallbackEnabled {
		fdx, fdy, fscore := TemplateMatch(prevBand, currBand, st.width, overlap, st.cfg.SearchRadius)
		diagf("strip %d phase correlation scored %.3f at %.2f,%.2f; template search scored %.3f at %.2f,%.2f",
			strip.ID, conf, dx, dy, fscore, fdx, fdy)
		if fscore >= st.cfg.MinConfidence {
			dx, dy, conf = fdx, fdy, fscore
			method = linescan.MethodFallback
		}
	}

	return linescan.AlignmentResult{
		OffsetX:    dx,
		OffsetY:    dy,
		Confidence: conf,
		Succeeded:  conf >= st.cfg.MinConfidence,
		Method:     method,
	}
}

// blend writes strip into the composite. The first overlap rows are mixed
// with the existing content under a weight that ramps from 0 at the edge
// facing the composite to 1 at the far edge; the remaining rows extend
// the composite. The horizontal offset is applied by resampling the strip
// at shifted columns, discarding columns that fall outside it.
func (st *IncrementalStitcher) blend(strip *linescan.ScanStrip, overlap int, offsetX float64) {
	shift := int(math.Round(offsetX))
	insertY := st.height - overlap
	growth := strip.Height - overlap

	need := (st.height + growth) * st.width
	if len(st.composite) < need {
		st.composite = append(st.composite, make([]uint8, need-len(st.composite))...)
	}

	for y := 0; y < strip.Height; y++ {
		dst := st.composite[(insertY+y)*st.width : (insertY+y+1)*st.width]
		src := strip.Pixels[y*strip.Width : (y+1)*strip.Width]
		if y >= overlap {
			for x := range dst {
				srcX := x + shift
				if srcX < 0 || srcX >= strip.Width {
					continue
				}
				dst[x] = src[srcX]
			}
			continue
		}
		alpha := float64(y) / float64(overlap)
		for x := range dst {
			srcX := x + shift
			if srcX < 0 || srcX >= strip.Width {
				continue
			}
			dst[x] = uint8((1-alpha)*float64(dst[x]) + alpha*float64(src[srcX]) + 0.5)
		}
	}
	st.height += growth
}

// record forwards an alignment outcome to the statistics sink, if any.
func (st *IncrementalStitcher) record(result linescan.AlignmentResult) {
	if st.cfg.Stats != nil {
		st.cfg.Stats.Record(result)
	}
}

// Composite is a point-in-time copy of the stitched image.
type Composite struct {
	Width  int
	Height int
	Pixels []uint8
}

// Gray wraps the composite as an image for encoding or preview scaling.
// The returned image shares the snapshot's pixel buffer.
func (c Composite) Gray() *image.Gray {
	return &image.Gray{
		Pix:    c.Pixels,
		Stride: c.Width,
		Rect:   image.Rect(0, 0, c.Width, c.Height),
	}
}

// Snapshot returns a copy of the current composite. Before any strip has
// been added the snapshot has zero dimensions and nil pixels.
func (st *IncrementalStitcher) Snapshot() Composite {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.stripCount == 0 {
		return Composite{}
	}
	pixels := make([]uint8, st.height*st.width)
	copy(pixels, st.composite)
	return Composite{Width: st.width, Height: st.height, Pixels: pixels}
}

// Width reports the composite width, zero before the first strip.
func (st *IncrementalStitcher) Width() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.width
}

// Height reports the composite height in rows.
func (st *IncrementalStitcher) Height() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.height
}

// StripCount reports how many strips have been blended in, the seed
// strip included.
func (st *IncrementalStitcher) StripCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.stripCount
}

// Reset discards the composite and all alignment state. The next strip
// added seeds a fresh composite and may change its width.
func (st *IncrementalStitcher) Reset() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.composite = nil
	st.width = 0
	st.height = 0
	st.prev = nil
	st.stripCount = 0
	opsf("Composite reset")
}

// bandFloat copies rows [start, start+rows) of a strip into a float64
// band for correlation.
func bandFloat(strip *linescan.ScanStrip, start, rows int) []float64 {
	band := make([]float64, rows*strip.Width)
	for i, v := range strip.Pixels[start*strip.Width : (start+rows)*strip.Width] {
		band[i] = float64(v)
	}
	return band
}
