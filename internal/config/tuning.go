package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath names the shipped tuning defaults. The file mirrors
// the fallbacks baked into the Get* accessors; TestLoadDefaultConfigFile
// keeps the two in step.
const DefaultConfigPath = "config/tuning.defaults.json"

// ScanTuning is the file-backed tuning layer for the scan pipeline. Every
// field is a pointer so a partial JSON file overrides only what it names;
// the Get* accessors fall back to the stock defaults for anything left
// unset. The same schema is served read-only by the monitor at
// /api/scan/params.
type ScanTuning struct {
	// Stitcher params
	OverlapPixels   *int     `json:"overlap_pixels,omitempty"`
	MinConfidence   *float64 `json:"min_confidence,omitempty"`
	SearchRadius    *int     `json:"search_radius,omitempty"`
	FallbackEnabled *bool    `json:"fallback_enabled,omitempty"`

	// Acquisition params
	LinesPerStrip *int `json:"lines_per_strip,omitempty"`
	BufferCount   *int `json:"buffer_count,omitempty"`
	QueueCapacity *int `json:"queue_capacity,omitempty"`

	// Preprocess params
	Denoise           *string  `json:"denoise,omitempty"` // "none", "gaussian", or "median"
	DenoiseRadius     *float64 `json:"denoise_radius,omitempty"`
	NormalizeContrast *bool    `json:"normalize_contrast,omitempty"`
	ClipPercent       *float64 `json:"clip_percent,omitempty"`
	FlipReverse       *bool    `json:"flip_reverse,omitempty"`

	// Pipeline params
	StatsInterval *string `json:"stats_interval,omitempty"` // duration string like "60s"

	// Encoder params (optional)
	EncoderTicksPerMM *float64 `json:"encoder_ticks_per_mm,omitempty"`
	EncoderStaleAfter *string  `json:"encoder_stale_after,omitempty"` // duration string like "250ms"
}

func ptrInt(v int) *int             { return &v }
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }

// EmptyScanTuning returns a ScanTuning with all fields set to nil.
// Use LoadScanTuning to load actual values from a file.
func EmptyScanTuning() *ScanTuning {
	return &ScanTuning{}
}

// DefaultScanTuning returns a ScanTuning with every field materialized to
// its stock default.
func DefaultScanTuning() *ScanTuning {
	return EmptyScanTuning().Effective()
}

// LoadScanTuning reads and validates a tuning file. Fields the JSON omits
// stay nil, so a partial file overrides only what it names.
func LoadScanTuning(path string) (*ScanTuning, error) {
	// A mistyped path can point at anything, so refuse non-JSON and
	// oversized files before reading.
	const maxTuningBytes = 1 << 20

	clean := filepath.Clean(path)
	if ext := filepath.Ext(clean); ext != ".json" {
		return nil, fmt.Errorf("tuning file must end in .json, got %q", ext)
	}
	info, err := os.Stat(clean)
	if err != nil {
		return nil, fmt.Errorf("stat tuning file: %w", err)
	}
	if info.Size() > maxTuningBytes {
		return nil, fmt.Errorf("tuning file is %d bytes, limit %d", info.Size(), maxTuningBytes)
	}

	data, err := os.ReadFile(clean)
	if err != nil {
		return nil, fmt.Errorf("read tuning file: %w", err)
	}

	cfg := EmptyScanTuning()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", clean, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("tuning file %s: %w", clean, err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads the shipped defaults, walking up from the
// working directory to find them. It panics on failure and exists for
// test setup, where the working directory is the package under test.
func MustLoadDefaultConfig() *ScanTuning {
	for _, up := range []string{"", "../../", "../../../", "../../../../"} {
		if cfg, err := LoadScanTuning(up + DefaultConfigPath); err == nil {
			return cfg
		}
	}
	panic("tuning defaults not found; run tests from the repository root")
}

// Validate checks that the configuration values are valid.
func (c *ScanTuning) Validate() error {
	if c.OverlapPixels != nil && *c.OverlapPixels < 0 {
		return fmt.Errorf("overlap_pixels must be non-negative, got %d", *c.OverlapPixels)
	}

	if c.MinConfidence != nil {
		if *c.MinConfidence < 0 || *c.MinConfidence > 1 {
			return fmt.Errorf("min_confidence must be between 0 and 1, got %f", *c.MinConfidence)
		}
	}

	if c.SearchRadius != nil && *c.SearchRadius < 0 {
		return fmt.Errorf("search_radius must be non-negative, got %d", *c.SearchRadius)
	}

	if c.LinesPerStrip != nil && *c.LinesPerStrip <= 0 {
		return fmt.Errorf("lines_per_strip must be positive, got %d", *c.LinesPerStrip)
	}

	if c.BufferCount != nil && *c.BufferCount <= 0 {
		return fmt.Errorf("buffer_count must be positive, got %d", *c.BufferCount)
	}

	if c.QueueCapacity != nil && *c.QueueCapacity <= 0 {
		return fmt.Errorf("queue_capacity must be positive, got %d", *c.QueueCapacity)
	}

	if c.Denoise != nil {
		switch *c.Denoise {
		case "", "none", "gaussian", "median":
		default:
			return fmt.Errorf("denoise must be one of none, gaussian, median; got %q", *c.Denoise)
		}
	}

	if c.DenoiseRadius != nil && *c.DenoiseRadius < 0 {
		return fmt.Errorf("denoise_radius must be non-negative, got %f", *c.DenoiseRadius)
	}

	// Clip percent is taken off each histogram tail, so 50 or more
	// would discard everything.
	if c.ClipPercent != nil {
		if *c.ClipPercent < 0 || *c.ClipPercent >= 50 {
			return fmt.Errorf("clip_percent must be in [0, 50), got %f", *c.ClipPercent)
		}
	}

	// Validate StatsInterval can be parsed if set
	if c.StatsInterval != nil && *c.StatsInterval != "" {
		if _, err := time.ParseDuration(*c.StatsInterval); err != nil {
			return fmt.Errorf("invalid stats_interval '%s': %w", *c.StatsInterval, err)
		}
	}

	if c.EncoderTicksPerMM != nil && *c.EncoderTicksPerMM <= 0 {
		return fmt.Errorf("encoder_ticks_per_mm must be positive, got %f", *c.EncoderTicksPerMM)
	}

	// Validate EncoderStaleAfter can be parsed if set
	if c.EncoderStaleAfter != nil && *c.EncoderStaleAfter != "" {
		if _, err := time.ParseDuration(*c.EncoderStaleAfter); err != nil {
			return fmt.Errorf("invalid encoder_stale_after '%s': %w", *c.EncoderStaleAfter, err)
		}
	}

	return nil
}

// Effective returns a copy with every nil field materialized to its
// default, which is what the monitor reports at /api/scan/params.
func (c *ScanTuning) Effective() *ScanTuning {
	statsInterval := "60s"
	if c.StatsInterval != nil && *c.StatsInterval != "" {
		if _, err := time.ParseDuration(*c.StatsInterval); err == nil {
			statsInterval = *c.StatsInterval
		}
	}
	staleAfter := "250ms"
	if c.EncoderStaleAfter != nil && *c.EncoderStaleAfter != "" {
		if _, err := time.ParseDuration(*c.EncoderStaleAfter); err == nil {
			staleAfter = *c.EncoderStaleAfter
		}
	}

	return &ScanTuning{
		OverlapPixels:   ptrInt(c.GetOverlapPixels()),
		MinConfidence:   ptrFloat64(c.GetMinConfidence()),
		SearchRadius:    ptrInt(c.GetSearchRadius()),
		FallbackEnabled: ptrBool(c.GetFallbackEnabled()),

		LinesPerStrip: ptrInt(c.GetLinesPerStrip()),
		BufferCount:   ptrInt(c.GetBufferCount()),
		QueueCapacity: ptrInt(c.GetQueueCapacity()),

		Denoise:           ptrString(c.GetDenoise()),
		DenoiseRadius:     ptrFloat64(c.GetDenoiseRadius()),
		NormalizeContrast: ptrBool(c.GetNormalizeContrast()),
		ClipPercent:       ptrFloat64(c.GetClipPercent()),
		FlipReverse:       ptrBool(c.GetFlipReverse()),

		StatsInterval: ptrString(statsInterval),

		EncoderTicksPerMM: ptrFloat64(c.GetEncoderTicksPerMM()),
		EncoderStaleAfter: ptrString(staleAfter),
	}
}

// GetOverlapPixels returns the overlap_pixels value or the default.
func (c *ScanTuning) GetOverlapPixels() int {
	if c.OverlapPixels == nil {
		return 100 // default
	}
	return *c.OverlapPixels
}

// GetMinConfidence returns the min_confidence value or the default.
func (c *ScanTuning) GetMinConfidence() float64 {
	if c.MinConfidence == nil {
		return 0.7 // default
	}
	return *c.MinConfidence
}

// GetSearchRadius returns the search_radius value or the default.
func (c *ScanTuning) GetSearchRadius() int {
	if c.SearchRadius == nil {
		return 10
	}
	return *c.SearchRadius
}

// GetFallbackEnabled returns the fallback_enabled value or the default.
func (c *ScanTuning) GetFallbackEnabled() bool {
	if c.FallbackEnabled == nil {
		return true // default: template search backs up phase correlation
	}
	return *c.FallbackEnabled
}

// GetLinesPerStrip returns the lines_per_strip value or the default.
func (c *ScanTuning) GetLinesPerStrip() int {
	if c.LinesPerStrip == nil {
		return 500
	}
	return *c.LinesPerStrip
}

// GetBufferCount returns the buffer_count value or the default.
func (c *ScanTuning) GetBufferCount() int {
	if c.BufferCount == nil {
		return 30
	}
	return *c.BufferCount
}

// GetQueueCapacity returns the queue_capacity value or the default.
func (c *ScanTuning) GetQueueCapacity() int {
	if c.QueueCapacity == nil {
		return 8
	}
	return *c.QueueCapacity
}

// GetDenoise returns the denoise mode string or the default.
func (c *ScanTuning) GetDenoise() string {
	if c.Denoise == nil || *c.Denoise == "" {
		return "none"
	}
	return *c.Denoise
}

// GetDenoiseRadius returns the denoise_radius value or the default.
func (c *ScanTuning) GetDenoiseRadius() float64 {
	if c.DenoiseRadius == nil {
		return 1.5
	}
	return *c.DenoiseRadius
}

// GetNormalizeContrast returns the normalize_contrast value or the default.
func (c *ScanTuning) GetNormalizeContrast() bool {
	if c.NormalizeContrast == nil {
		return false
	}
	return *c.NormalizeContrast
}

// GetClipPercent returns the clip_percent value or the default.
func (c *ScanTuning) GetClipPercent() float64 {
	if c.ClipPercent == nil {
		return 0.5
	}
	return *c.ClipPercent
}

// GetFlipReverse returns the flip_reverse value or the default.
func (c *ScanTuning) GetFlipReverse() bool {
	if c.FlipReverse == nil {
		return true // default: reverse-pass strips are flipped upright
	}
	return *c.FlipReverse
}

// GetStatsInterval parses and returns the StatsInterval as a time.Duration.
func (c *ScanTuning) GetStatsInterval() time.Duration {
	if c.StatsInterval == nil || *c.StatsInterval == "" {
		return 60 * time.Second // default
	}
	d, err := time.ParseDuration(*c.StatsInterval)
	if err != nil {
		return 60 * time.Second // default on parse error
	}
	return d
}

// GetEncoderTicksPerMM returns the encoder_ticks_per_mm value or the default.
func (c *ScanTuning) GetEncoderTicksPerMM() float64 {
	if c.EncoderTicksPerMM == nil {
		return 100 // default: 10 micron linear encoder
	}
	return *c.EncoderTicksPerMM
}

// GetEncoderStaleAfter parses and returns the EncoderStaleAfter as a time.Duration.
func (c *ScanTuning) GetEncoderStaleAfter() time.Duration {
	if c.EncoderStaleAfter == nil || *c.EncoderStaleAfter == "" {
		return 250 * time.Millisecond // default
	}
	d, err := time.ParseDuration(*c.EncoderStaleAfter)
	if err != nil {
		return 250 * time.Millisecond // default on parse error
	}
	return d
}
