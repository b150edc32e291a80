package stitch

import "math"

// TemplateMatch recovers the shift of curr relative to prev by exhaustive
// normalized cross-correlation over every integer shift within ±radius on
// both axes. It is the slow path behind phase correlation: immune to the
// cyclic ambiguity of the spectral estimate, so it stays reliable when the
// true shift approaches or exceeds half the band height.
//
// The returned shift follows the same convention as PhaseCorrelator:
// curr(x, y) ≈ prev(x-dx, y-dy). Score is the correlation at the best
// shift, refined per axis with a parabolic fit when the neighbors allow.
func TemplateMatch(prev, curr []float64, w, h, radius int) (dx, dy, score float64) {
	if radius < 0 {
		radius = 0
	}
	side := 2*radius + 1
	scores := make([]float64, side*side)

	bestX, bestY := 0, 0
	best := math.Inf(-1)
	for sy := -radius; sy <= radius; sy++ {
		for sx := -radius; sx <= radius; sx++ {
			s := Confidence(prev, curr, w, h, sx, sy)
			scores[(sy+radius)*side+(sx+radius)] = s
			if s > best {
				best = s
				bestX, bestY = sx, sy
			}
		}
	}

	dx = float64(bestX) + refineScore(scores, bestX+radius, bestY+radius, 1, 0, side)
	dy = float64(bestY) + refineScore(scores, bestX+radius, bestY+radius, 0, 1, side)
	return dx, dy, best
}

// refineScore fits a parabola through the best score and its two
// neighbors along one axis of the search grid. Edge cells have only one
// neighbor and are left unrefined.
func refineScore(scores []float64, gx, gy, stepX, stepY, side int) float64 {
	nx, ny := gx-stepX, gy-stepY
	px, py := gx+stepX, gy+stepY
	if nx < 0 || ny < 0 || px >= side || py >= side {
		return 0
	}
	left := scores[ny*side+nx]
	center := scores[gy*side+gx]
	right := scores[py*side+px]

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
