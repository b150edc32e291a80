package linescan

import "fmt"

// Acquisition error taxonomy. HardwareFault and Configuration are fatal for
// the current session; BufferOverflow and AlignmentFailure are per-strip and
// recoverable. Callers classify with errors.Is.
var (
	// ErrHardwareFault marks driver-reported faults. Acquisition transitions
	// to not-acquiring and must be explicitly restarted.
	ErrHardwareFault = fmt.Errorf("hardware fault")

	// ErrBufferOverflow marks queue saturation. The strip is dropped, the
	// drop counter incremented, and acquisition continues.
	ErrBufferOverflow = fmt.Errorf("buffer overflow")

	// ErrAlignmentFailure marks a strip whose alignment confidence fell below
	// the configured threshold. The strip is counted and acquisition continues.
	ErrAlignmentFailure = fmt.Errorf("alignment failure")

	// ErrConfiguration marks invalid setup rejected before acquisition starts.
	ErrConfiguration = fmt.Errorf("configuration error")
)

// FaultError wraps driver-supplied fault text so it survives the trip through
// the error callback while still matching ErrHardwareFault under errors.Is.
type FaultError struct {
	Detail string // Text reported by the driver
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("hardware fault: %s", e.Detail)
}

// Unwrap lets errors.Is(err, ErrHardwareFault) classify driver faults.
func (e *FaultError) Unwrap() error {
	return ErrHardwareFault
}
