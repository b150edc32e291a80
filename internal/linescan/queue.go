package linescan

import "sync"

// StripQueue is the bounded hand-off between the hardware callback and the
// processing goroutine. TryPush never blocks: a full queue drops the incoming
// strip (drop-newest), which preserves a contiguous strip ID prefix for the
// incremental stitcher. Pop blocks until a strip arrives or Stop is called;
// after Stop it keeps draining already-queued strips and only then reports
// closed, so the consumer finishes what was accepted before exiting.
type StripQueue struct {
	ch       chan *ScanStrip
	done     chan struct{}
	stopOnce sync.Once
}

// NewStripQueue creates a queue bounded at capacity strips. A non-positive
// capacity falls back to DefaultQueueCapacity.
func NewStripQueue(capacity int) *StripQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &StripQueue{
		ch:   make(chan *ScanStrip, capacity),
		done: make(chan struct{}),
	}
}

// TryPush appends the strip unless the queue is full or stopped. Returns
// false when the strip was not accepted. It never blocks, so it is safe to
// call from the driver callback.
func (q *StripQueue) TryPush(strip *ScanStrip) bool {
	select {
	case <-q.done:
		return false
	default:
	}

	select {
	case q.ch <- strip:
		return true
	default:
		// Queue at capacity: drop the incoming strip.
		return false
	}
}

// Pop removes and returns the oldest queued strip, blocking until one is
// available. After Stop it continues returning queued strips until the queue
// is empty, then returns (nil, false). The false return is the consumer's
// signal to exit.
func (q *StripQueue) Pop() (*ScanStrip, bool) {
	select {
	case strip := <-q.ch:
		return strip, true
	case <-q.done:
		// Stopped: drain whatever is still buffered before closing down.
		select {
		case strip := <-q.ch:
			return strip, true
		default:
			return nil, false
		}
	}
}

// Stop marks the queue closed and wakes any blocked Pop. Queued strips stay
// poppable; new pushes are rejected. Safe to call more than once.
func (q *StripQueue) Stop() {
	q.stopOnce.Do(func() {
		close(q.done)
	})
}

// Len returns the number of queued strips.
func (q *StripQueue) Len() int {
	return len(q.ch)
}

// Capacity returns the configured bound.
func (q *StripQueue) Capacity() int {
	return cap(q.ch)
}

// Stopped reports whether Stop has been called.
func (q *StripQueue) Stopped() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}
