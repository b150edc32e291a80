// Package grabber bridges hardware DMA delivery to strip-level values.
//
// A FrameGrabber implementation owns the driver side: it fills announced
// buffers and fires buffer-filled notifications on its own thread. The
// FrameSource owns the buffer ring pool, converts each filled buffer into
// an immutable ScanStrip, pushes it onto the hand-off queue, and re-arms
// the buffer before the callback returns. SimGrabber is the no-hardware
// implementation used by the daemon's default mode and the tests.
package grabber
