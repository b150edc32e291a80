package stitch

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// crossPowerEps floors the cross-power magnitude during spectrum
// whitening so empty bins do not blow up into noise peaks.
const crossPowerEps = 1e-12

// PhaseCorrelator estimates the translational shift between two equally
// sized grayscale bands from the phase of their cross-power spectrum. The
// 2D transform is composed from two gonum FFT plans (rows then columns),
// which are reused across strips as long as the band geometry is stable.
//
// Correlate(prev, curr) returns (dx, dy) such that
// curr(x, y) ≈ prev(x-dx, y-dy): content that moved down between captures
// yields a positive dy.
type PhaseCorrelator struct {
	w, h   int
	rowFFT *fourier.CmplxFFT
	colFFT *fourier.CmplxFFT

	fa      []complex128
	fb      []complex128
	rowIn   []complex128
	rowOut  []complex128
	colIn   []complex128
	colOut  []complex128
	surface []float64
}

// NewPhaseCorrelator creates plans and scratch for w x h bands.
func NewPhaseCorrelator(w, h int) *PhaseCorrelator {
	return &PhaseCorrelator{
		w:       w,
		h:       h,
		rowFFT:  fourier.NewCmplxFFT(w),
		colFFT:  fourier.NewCmplxFFT(h),
		fa:      make([]complex128, w*h),
		fb:      make([]complex128, w*h),
		rowIn:   make([]complex128, w),
		rowOut:  make([]complex128, w),
		colIn:   make([]complex128, h),
		colOut:  make([]complex128, h),
		surface: make([]float64, w*h),
	}
}

// Correlate measures the shift of curr relative to prev. Both slices are
// row-major w x h bands. The integer peak of the inverted cross-power
// spectrum is refined to sub-pixel resolution by fitting a parabola
// through the peak and its wrapped neighbors on each axis.
func (pc *PhaseCorrelator) Correlate(prev, curr []float64) (dx, dy float64) {
	pc.forward(prev, pc.fa)
	pc.forward(curr, pc.fb)

	// Whitened cross-power spectrum: phase carries the shift, magnitude
	// is discarded.
	for i := range pc.fa {
		cross := cmplx.Conj(pc.fa[i]) * pc.fb[i]
		mag := cmplx.Abs(cross)
		if mag < crossPowerEps {
			pc.fa[i] = 0
			continue
		}
		pc.fa[i] = cross / complex(mag, 0)
	}

	pc.inverse(pc.fa, pc.surface)

	peak := 0
	for i, v := range pc.surface {
		if v > pc.surface[peak] {
			peak = i
		}
	}
	px := peak % pc.w
	py := peak / pc.w

	dx = float64(px) + pc.refine(pc.surface[py*pc.w:(py+1)*pc.w], px, 1, pc.w)
	dy = float64(py) + pc.refine(pc.surface[px:], py, pc.w, pc.h)

	// The surface is cyclic: indices past the midpoint are negative shifts.
	if dx > float64(pc.w)/2 {
		dx -= float64(pc.w)
	}
	if dy > float64(pc.h)/2 {
		dy -= float64(pc.h)
	}
	return dx, dy
}

// refine fits a parabola through the peak and its wrapped neighbors along
// one axis. line[idx*stride] walks the axis; n is its length. The result
// is a correction in [-0.5, 0.5], zero when the surface is too flat to
// support the fit.
func (pc *PhaseCorrelator) refine(line []float64, idx, stride, n int) float64 {
	if n < 3 {
		return 0
	}
	center := line[idx*stride]
	left := line[((idx-1+n)%n)*stride]
	right := line[((idx+1)%n)*stride]

	denom := left - 2*center + right
	if math.Abs(denom) < crossPowerEps {
		return 0
	}
	delta := 0.5 * (left - right) / denom
	if delta > 0.5 {
		delta = 0.5
	} else if delta < -0.5 {
		delta = -0.5
	}
	return delta
}

// forward computes the unnormalized 2D DFT of src into dst.
func (pc *PhaseCorrelator) forward(src []float64, dst []complex128) {
	for y := 0; y < pc.h; y++ {
		row := src[y*pc.w : (y+1)*pc.w]
		for x, v := range row {
			pc.rowIn[x] = complex(v, 0)
		}
		pc.rowFFT.Coefficients(dst[y*pc.w:(y+1)*pc.w], pc.rowIn)
	}
	for x := 0; x < pc.w; x++ {
		for y := 0; y < pc.h; y++ {
			pc.colIn[y] = dst[y*pc.w+x]
		}
		pc.colFFT.Coefficients(pc.colOut, pc.colIn)
		for y := 0; y < pc.h; y++ {
			dst[y*pc.w+x] = pc.colOut[y]
		}
	}
}

// inverse computes the unnormalized 2D inverse DFT of src, keeping the
// real part. The missing 1/(w*h) scale shifts neither the argmax nor the
// parabolic fit, so it is never applied.
func (pc *PhaseCorrelator) inverse(src []complex128, dst []float64) {
	for x := 0; x < pc.w; x++ {
		for y := 0; y < pc.h; y++ {
			pc.colIn[y] = src[y*pc.w+x]
		}
		pc.colFFT.Sequence(pc.colOut, pc.colIn)
		for y := 0; y < pc.h; y++ {
			src[y*pc.w+x] = pc.colOut[y]
		}
	}
	for y := 0; y < pc.h; y++ {
		copy(pc.rowIn, src[y*pc.w:(y+1)*pc.w])
		pc.rowFFT.Sequence(pc.rowOut, pc.rowIn)
		for x := 0; x < pc.w; x++ {
			dst[y*pc.w+x] = real(pc.rowOut[x])
		}
	}
}

// Confidence computes the zero-mean normalized cross-correlation of the
// two bands after undoing the measured shift, rounded to whole pixels.
// Identical bands score 1; bands with no overlap under the shift score 0.
// A band with no contrast can never be located, so one flat band scores 0
// while two flat bands count as a perfect (if uninformative) match.
func Confidence(prev, curr []float64, w, h, dx, dy int) float64 {
	x0, x1 := 0, w
	if dx > 0 {
		x0 = dx
	} else {
		x1 = w + dx
	}
	y0, y1 := 0, h
	if dy > 0 {
		y0 = dy
	} else {
		y1 = h + dy
	}
	if x0 >= x1 || y0 >= y1 {
		return 0
	}

	n := float64((x1 - x0) * (y1 - y0))
	var meanA, meanB float64
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			meanA += prev[(y-dy)*w+(x-dx)]
			meanB += curr[y*w+x]
		}
	}
	meanA /= n
	meanB /= n

	var sumAB, sumAA, sumBB float64
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			da := prev[(y-dy)*w+(x-dx)] - meanA
			db := curr[y*w+x] - meanB
			sumAB += da * db
			sumAA += da * da
			sumBB += db * db
		}
	}

	if sumAA == 0 && sumBB == 0 {
		return 1
	}
	if sumAA == 0 || sumBB == 0 {
		return 0
	}
	conf := sumAB / math.Sqrt(sumAA*sumBB)
	if conf < 0 {
		return 0
	}
	if conf > 1 {
		return 1
	}
	return conf
}
