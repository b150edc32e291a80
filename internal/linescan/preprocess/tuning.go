package preprocess

import (
	"github.com/fabweave/loomscan/internal/config"
)

// ConfigFromTuning builds a preprocessing Config from a loaded ScanTuning.
// The error is the denoise-mode parse error for a string the tuning
// validation did not catch.
func ConfigFromTuning(t *config.ScanTuning) (Config, error) {
	mode, err := ParseDenoiseMode(t.GetDenoise())
	if err != nil {
		return Config{}, err
	}
	return Config{
		Denoise:           mode,
		DenoiseRadius:     t.GetDenoiseRadius(),
		NormalizeContrast: t.GetNormalizeContrast(),
		ClipPercent:       t.GetClipPercent(),
		FlipReverse:       t.GetFlipReverse(),
	}, nil
}
