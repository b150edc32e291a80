package grabber

import (
	"fmt"
	"sync"

	"github.com/fabweave/loomscan/internal/linescan"
)

// BufferState tracks where a pool buffer sits in its delivery cycle.
type BufferState int

const (
	BufferFree      BufferState = iota // Extracted, awaiting re-announce
	BufferAnnounced                    // Registered with the driver as a transfer destination
	BufferFilled                       // Driver delivery complete, awaiting extraction
)

func (s BufferState) String() string {
	switch s {
	case BufferFree:
		return "free"
	case BufferAnnounced:
		return "announced"
	case BufferFilled:
		return "filled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// maxPoolBytes caps the total pool allocation. A request beyond this is a
// configuration mistake, not a real acquisition geometry.
const maxPoolBytes = 4 << 30

// BufferPool owns the fixed ring of hardware-backed buffers. Buffers cycle
// Free -> Announced -> Filled -> Free for the lifetime of an acquisition.
// State transitions happen only inside the driver callback and the
// start/stop lifecycle, but the pool locks anyway so a misbehaving driver
// cannot corrupt the ring silently.
type BufferPool struct {
	mu      sync.Mutex
	buffers [][]uint8
	states  []BufferState
	size    int
}

// NewBufferPool allocates count buffers of size bytes each, all starting
// Free. Returns a configuration error when the geometry is unusable.
func NewBufferPool(count, size int) (*BufferPool, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: buffer count must be positive, got %d", linescan.ErrConfiguration, count)
	}
	if size <= 0 {
		return nil, fmt.Errorf("%w: buffer size must be positive, got %d", linescan.ErrConfiguration, size)
	}
	if total := int64(count) * int64(size); total > maxPoolBytes {
		return nil, fmt.Errorf("%w: pool of %d x %d bytes exceeds %d byte cap", linescan.ErrConfiguration, count, size, int64(maxPoolBytes))
	}

	buffers := make([][]uint8, count)
	for i := range buffers {
		buffers[i] = make([]uint8, size)
	}
	return &BufferPool{
		buffers: buffers,
		states:  make([]BufferState, count),
		size:    size,
	}, nil
}

// Count returns the number of buffers in the ring.
func (p *BufferPool) Count() int {
	return len(p.buffers)
}

// Size returns the byte capacity of each buffer.
func (p *BufferPool) Size() int {
	return p.size
}

// Buffers exposes the backing storage for driver registration. The driver
// writes into these slices; ownership of the content is only taken by
// copying inside the buffer-filled callback.
func (p *BufferPool) Buffers() [][]uint8 {
	return p.buffers
}

// Buffer returns the backing slice for one handle.
func (p *BufferPool) Buffer(id int) ([]uint8, error) {
	if id < 0 || id >= len(p.buffers) {
		return nil, fmt.Errorf("%w: buffer handle %d out of range [0,%d)", linescan.ErrHardwareFault, id, len(p.buffers))
	}
	return p.buffers[id], nil
}

// State returns the current state of one handle.
func (p *BufferPool) State(id int) (BufferState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id < 0 || id >= len(p.states) {
		return BufferFree, fmt.Errorf("%w: buffer handle %d out of range [0,%d)", linescan.ErrHardwareFault, id, len(p.states))
	}
	return p.states[id], nil
}

// MarkAnnounced transitions a Free buffer to Announced.
func (p *BufferPool) MarkAnnounced(id int) error {
	return p.transition(id, BufferFree, BufferAnnounced)
}

// MarkFilled transitions an Announced buffer to Filled. A fill notification
// for a buffer that was never announced means the driver and the pool have
// lost agreement on the ring, which is fatal for the session.
func (p *BufferPool) MarkFilled(id int) error {
	return p.transition(id, BufferAnnounced, BufferFilled)
}

// Release transitions a Filled buffer back to Free after its content has
// been copied out.
func (p *BufferPool) Release(id int) error {
	return p.transition(id, BufferFilled, BufferFree)
}

func (p *BufferPool) transition(id int, from, to BufferState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id < 0 || id >= len(p.states) {
		return fmt.Errorf("%w: buffer handle %d out of range [0,%d)", linescan.ErrHardwareFault, id, len(p.states))
	}
	if p.states[id] != from {
		return fmt.Errorf("%w: buffer %d is %s, expected %s", linescan.ErrHardwareFault, id, p.states[id], from)
	}
	p.states[id] = to
	return nil
}

// StateCounts reports how many buffers sit in each state. An acquisition in
// steady state shows everything Announced with at most one buffer in
// transit through Filled.
func (p *BufferPool) StateCounts() (free, announced, filled int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.states {
		switch s {
		case BufferFree:
			free++
		case BufferAnnounced:
			announced++
		case BufferFilled:
			filled++
		}
	}
	return
}
