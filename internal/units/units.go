// Package units converts the web-transport figures the monitor and
// report tools display. The canonical speed unit is mm/s, which the
// camera geometry yields directly; everything else is derived for
// display.
package units

// Speed unit identifiers accepted by the stats API.
const (
	MMPerS   = "mms"  // millimetres per second
	MPerS    = "ms"   // metres per second
	MPerMin  = "mmin" // metres per minute
	InPerMin = "ipm"  // inches per minute
)

// ValidUnits lists the accepted speed unit identifiers.
var ValidUnits = []string{MMPerS, MPerS, MPerMin, InPerMin}

// IsValid reports whether unit is an accepted speed unit.
func IsValid(unit string) bool {
	for _, u := range ValidUnits {
		if unit == u {
			return true
		}
	}
	return false
}

// ValidUnitsString returns the accepted units for error messages.
func ValidUnitsString() string {
	return "mms, ms, mmin, ipm"
}

// WebSpeedMMPerS derives the web transport speed from camera geometry:
// each acquired line advances the web by one pixel pitch.
func WebSpeedMMPerS(lineRateHz, pixelPitchMM float64) float64 {
	return lineRateHz * pixelPitchMM
}

// ConvertWebSpeed converts a speed in mm/s to the target unit. Unknown
// units pass the canonical value through unchanged.
func ConvertWebSpeed(speedMMPerS float64, targetUnit string) float64 {
	switch targetUnit {
	case MPerS:
		return speedMMPerS / 1000
	case MPerMin:
		return speedMMPerS * 0.06
	case InPerMin:
		return speedMMPerS * 60 / 25.4
	default:
		return speedMMPerS
	}
}

// DPI returns the cross-web resolution implied by the pixel pitch, or
// 0 when the pitch is unset. Guarding here keeps +Inf out of the JSON
// encoders downstream.
func DPI(pixelPitchMM float64) float64 {
	if pixelPitchMM <= 0 {
		return 0
	}
	return 25.4 / pixelPitchMM
}
