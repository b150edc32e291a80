package preprocess

import (
	"fmt"
	"image"

	"github.com/anthonynsimon/bild/blur"
	"github.com/anthonynsimon/bild/effect"

	"github.com/fabweave/loomscan/internal/linescan"
)

// DenoiseMode selects the filter applied to each strip before alignment.
type DenoiseMode string

const (
	DenoiseNone     DenoiseMode = "none"
	DenoiseGaussian DenoiseMode = "gaussian"
	DenoiseMedian   DenoiseMode = "median"
)

// ParseDenoiseMode maps a config string to a DenoiseMode. The empty
// string selects none.
func ParseDenoiseMode(s string) (DenoiseMode, error) {
	switch DenoiseMode(s) {
	case "", DenoiseNone:
		return DenoiseNone, nil
	case DenoiseGaussian:
		return DenoiseGaussian, nil
	case DenoiseMedian:
		return DenoiseMedian, nil
	}
	return DenoiseNone, fmt.Errorf("%w: unknown denoise mode %q", linescan.ErrConfiguration, s)
}

// Config selects which conditioning steps run. The zero value is a
// passthrough.
type Config struct {
	// Denoise picks the filter; DenoiseRadius sets its strength in
	// pixels. A radius of zero disables the filter regardless of mode.
	Denoise       DenoiseMode
	DenoiseRadius float64

	// NormalizeContrast stretches each strip so that the pixel values
	// between the clipped histogram tails span the full 8-bit range.
	// ClipPercent is the share of pixels discarded at each tail.
	NormalizeContrast bool
	ClipPercent       float64

	// FlipReverse reverses the row order of strips captured on the
	// reverse pass, so every strip enters the stitcher in a consistent
	// orientation.
	FlipReverse bool
}

// Processor applies the configured conditioning steps to strips. It is
// stateless apart from its config and safe for use from one goroutine.
type Processor struct {
	cfg Config
}

// New returns a Processor for cfg.
func New(cfg Config) *Processor {
	if cfg.ClipPercent <= 0 {
		cfg.ClipPercent = 0.5
	}
	return &Processor{cfg: cfg}
}

// Active reports whether any conditioning step is enabled.
func (p *Processor) Active() bool {
	return p.cfg.FlipReverse ||
		(p.cfg.Denoise != DenoiseNone && p.cfg.Denoise != "" && p.cfg.DenoiseRadius > 0) ||
		p.cfg.NormalizeContrast
}

// Process returns the conditioned strip. When no step applies to this
// strip the input is returned untouched; otherwise a copy is transformed
// so the caller's strip (which may also be headed to the recorder)
// stays raw.
func (p *Processor) Process(strip *linescan.ScanStrip) *linescan.ScanStrip {
	if strip == nil || len(strip.Pixels) == 0 {
		return strip
	}

	flip := p.cfg.FlipReverse && strip.Direction == linescan.DirectionReverse
	denoise := p.cfg.Denoise != DenoiseNone && p.cfg.Denoise != "" && p.cfg.DenoiseRadius > 0
	if !flip && !denoise && !p.cfg.NormalizeContrast {
		return strip
	}

	out := strip.Clone()
	if flip {
		reverseRows(out.Pixels, out.Width, out.Height)
	}
	if denoise {
		p.denoise(out)
	}
	if p.cfg.NormalizeContrast {
		stretchContrast(out.Pixels, p.cfg.ClipPercent)
	}
	return out
}

// denoise runs the configured bild filter over the strip in place.
func (p *Processor) denoise(strip *linescan.ScanStrip) {
	gray := &image.Gray{
		Pix:    strip.Pixels,
		Stride: strip.Width,
		Rect:   image.Rect(0, 0, strip.Width, strip.Height),
	}

	var filtered *image.RGBA
	switch p.cfg.Denoise {
	case DenoiseGaussian:
		filtered = blur.Gaussian(gray, p.cfg.DenoiseRadius)
	case DenoiseMedian:
		filtered = effect.Median(gray, 2*p.cfg.DenoiseRadius+1)
	default:
		return
	}

	// bild works in RGBA; for a grayscale source all channels agree, so
	// the red channel carries the result.
	for i := range strip.Pixels {
		strip.Pixels[i] = filtered.Pix[i*4]
	}
}

// reverseRows flips the strip vertically in place.
func reverseRows(pix []uint8, w, h int) {
	tmp := make([]uint8, w)
	for top, bottom := 0, h-1; top < bottom; top, bottom = top+1, bottom-1 {
		a := pix[top*w : (top+1)*w]
		b := pix[bottom*w : (bottom+1)*w]
		copy(tmp, a)
		copy(a, b)
		copy(b, tmp)
	}
}

// stretchContrast linearly remaps pixel values so the range between the
// clipped histogram tails spans 0..255. Strips without enough contrast
// are left alone.
func stretchContrast(pix []uint8, clipPercent float64) {
	var hist [256]int
	for _, v := range pix {
		hist[v]++
	}

	clip := int(float64(len(pix)) * clipPercent / 100)
	lo, hi := 0, 255
	for cum := 0; lo < 256; lo++ {
		cum += hist[lo]
		if cum > clip {
			break
		}
	}
	for cum := 0; hi >= 0; hi-- {
		cum += hist[hi]
		if cum > clip {
			break
		}
	}
	if hi <= lo {
		return
	}

	var lut [256]uint8
	scale := 255.0 / float64(hi-lo)
	for v := 0; v < 256; v++ {
		switch {
		case v <= lo:
			lut[v] = 0
		case v >= hi:
			lut[v] = 255
		default:
			lut[v] = uint8(float64(v-lo)*scale + 0.5)
		}
	}
	for i, v := range pix {
		pix[i] = lut[v]
	}
}
