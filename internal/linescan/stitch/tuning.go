package stitch

import (
	"github.com/fabweave/loomscan/internal/config"
	"github.com/fabweave/loomscan/internal/linescan"
)

// ConfigFromTuning builds a stitcher Config from a loaded ScanTuning.
// Stats is not a file-tunable concern; the caller attaches it before New.
func ConfigFromTuning(t *config.ScanTuning, stats *linescan.AlignmentStats) Config {
	return Config{
		OverlapPixels:   t.GetOverlapPixels(),
		MinConfidence:   t.GetMinConfidence(),
		SearchRadius:    t.GetSearchRadius(),
		FallbackEnabled: t.GetFallbackEnabled(),
		Stats:           stats,
	}
}
