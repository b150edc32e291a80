package grabber

import (
	"github.com/fabweave/loomscan/internal/linescan"
)

// FrameInfo is one buffer-filled notification from the driver. Width and
// Height are the dimensions actually written, which may be smaller than the
// buffer's nominal window on partial deliveries. Offset is the byte offset
// of the pixel window inside the buffer.
type FrameInfo struct {
	BufferID int // Handle of the filled buffer
	Width    int // Pixels per line actually written
	Height   int // Lines actually written
	Offset   int // Byte offset of the window within the buffer
}

// StateChange is one driver state notification. When Faulted is set the
// driver has stopped delivering and acquisition must be explicitly
// restarted.
type StateChange struct {
	Received    int64   // Frames delivered since start
	FPS         float64 // Current delivery rate
	Temperature float64 // Sensor temperature, degrees C
	Faulted     bool    // Unrecoverable driver fault
	FaultText   string  // Driver-supplied fault description
}

// BufferFilledFunc receives buffer-filled notifications. It runs on a
// driver-owned thread with unpredictable timing: it must return quickly and
// never block.
type BufferFilledFunc func(info FrameInfo)

// StateChangedFunc receives driver state notifications, also on a
// driver-owned thread.
type StateChangedFunc func(state StateChange)

// FrameGrabber is the capability surface of the acquisition hardware. The
// stitching side never sees this interface; it depends only on ScanStrip
// values coming off the queue.
type FrameGrabber interface {
	// RegisterBuffers hands the pool's backing storage to the driver as
	// transfer destination candidates. Buffer index is the handle used in
	// later calls. Must be called before Start.
	RegisterBuffers(buffers [][]uint8) error

	// AnnounceBuffer re-arms one registered buffer as a transfer
	// destination. Safe to call from inside the buffer-filled callback.
	AnnounceBuffer(id int) error

	// SetBufferFilled installs the buffer-filled notification handler.
	SetBufferFilled(fn BufferFilledFunc)

	// SetStateChanged installs the state notification handler.
	SetStateChanged(fn StateChangedFunc)

	// Start begins hardware triggering with the given configuration.
	Start(trigger linescan.TriggerConfig) error

	// Stop halts triggering. In-flight buffer callbacks may still complete
	// after Stop returns; no new transfers begin.
	Stop() error

	// Close releases driver resources. The grabber cannot be restarted
	// after Close.
	Close() error
}
