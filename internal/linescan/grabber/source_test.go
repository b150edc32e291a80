package grabber

import (
	"errors"
	"sync"
	"testing"

	"github.com/fabweave/loomscan/internal/linescan"
)

// mockGrabber records driver interactions and lets tests fire callbacks by
// hand, standing in for the vendor driver thread.
type mockGrabber struct {
	mu          sync.Mutex
	buffers     [][]uint8
	announces   []int
	onFilled    BufferFilledFunc
	onState     StateChangedFunc
	started     bool
	stopped     bool
	closed      bool
	startErr    error
	announceErr error
}

func (m *mockGrabber) RegisterBuffers(buffers [][]uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buffers = buffers
	return nil
}

func (m *mockGrabber) AnnounceBuffer(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.announceErr != nil {
		return m.announceErr
	}
	m.announces = append(m.announces, id)
	return nil
}

func (m *mockGrabber) SetBufferFilled(fn BufferFilledFunc) { m.onFilled = fn }
func (m *mockGrabber) SetStateChanged(fn StateChangedFunc) { m.onState = fn }

func (m *mockGrabber) Start(trigger linescan.TriggerConfig) error {
	if m.startErr != nil {
		return m.startErr
	}
	m.started = true
	return nil
}

func (m *mockGrabber) Stop() error {
	m.stopped = true
	return nil
}

func (m *mockGrabber) Close() error {
	m.closed = true
	return nil
}

func (m *mockGrabber) announceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.announces)
}

// fire simulates a driver delivery: write pixels into the buffer, then
// invoke the callback the way the driver thread would.
func (m *mockGrabber) fire(t *testing.T, info FrameInfo, pixels []uint8) {
	t.Helper()
	if pixels != nil {
		copy(m.buffers[info.BufferID], pixels)
	}
	if m.onFilled == nil {
		t.Fatal("no buffer-filled handler installed")
	}
	m.onFilled(info)
}

func newTestSource(t *testing.T, mock *mockGrabber, queueCap int) (*FrameSource, *linescan.StripQueue, *linescan.AcquisitionStats) {
	t.Helper()
	queue := linescan.NewStripQueue(queueCap)
	stats := linescan.NewAcquisitionStats()
	src := NewFrameSource(SourceConfig{
		Grabber: mock,
		Camera: linescan.CameraConfig{
			Width:        8,
			Height:       1,
			LineRateHz:   1000,
			BitDepth:     8,
			PixelPitchMM: 0.01,
		},
		Scan:          linescan.ScanningParams{ScanLengthMM: 0},
		LinesPerStrip: 4,
		BufferCount:   2,
		Queue:         queue,
		Stats:         stats,
	})
	if err := src.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return src, queue, stats
}

func TestFrameSourceInitialize(t *testing.T) {
	mock := &mockGrabber{}
	src, _, _ := newTestSource(t, mock, 4)

	if len(mock.buffers) != 2 {
		t.Fatalf("registered %d buffers, want 2", len(mock.buffers))
	}
	if got := mock.announceCount(); got != 2 {
		t.Errorf("announces = %d, want 2", got)
	}
	free, announced, filled := src.Pool().StateCounts()
	if free != 0 || announced != 2 || filled != 0 {
		t.Errorf("pool states = (%d, %d, %d), want (0, 2, 0)", free, announced, filled)
	}
}

func TestFrameSourceInitializeValidation(t *testing.T) {
	queue := linescan.NewStripQueue(4)

	tests := []struct {
		name string
		cfg  SourceConfig
	}{
		{"nil grabber", SourceConfig{Queue: queue, Camera: linescan.DefaultCameraConfig()}},
		{"nil queue", SourceConfig{Grabber: &mockGrabber{}, Camera: linescan.DefaultCameraConfig()}},
		{"zero width", SourceConfig{Grabber: &mockGrabber{}, Queue: queue}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewFrameSource(tt.cfg).Initialize()
			if err == nil {
				t.Fatal("Initialize accepted unusable configuration")
			}
			if !errors.Is(err, linescan.ErrConfiguration) {
				t.Errorf("error = %v, want ErrConfiguration", err)
			}
		})
	}
}

func TestFrameSourceCallbackBuildsStrip(t *testing.T) {
	mock := &mockGrabber{}
	src, queue, stats := newTestSource(t, mock, 4)

	pixels := make([]uint8, 32)
	for i := range pixels {
		pixels[i] = uint8(i)
	}
	mock.fire(t, FrameInfo{BufferID: 0, Width: 8, Height: 4}, pixels)

	strip, ok := queue.Pop()
	if !ok {
		t.Fatal("no strip queued after delivery")
	}
	if strip.ID != 0 || strip.Width != 8 || strip.Height != 4 {
		t.Errorf("strip = id %d %dx%d, want id 0 8x4", strip.ID, strip.Width, strip.Height)
	}
	for i, p := range strip.Pixels {
		if p != uint8(i) {
			t.Fatalf("Pixels[%d] = %d, want %d", i, p, i)
		}
	}

	// The strip owns a copy: mutating driver memory after the callback
	// must not reach it.
	mock.buffers[0][0] = 0xFF
	if strip.Pixels[0] != 0 {
		t.Error("strip aliases driver buffer memory")
	}

	// Buffer re-announced: 2 at initialize + 1 recycle.
	if got := mock.announceCount(); got != 3 {
		t.Errorf("announces = %d, want 3", got)
	}
	received, dropped, _, _ := stats.Totals()
	if received != 1 || dropped != 0 {
		t.Errorf("stats = (%d, %d), want (1, 0)", received, dropped)
	}
	if src.StripsProduced() != 1 {
		t.Errorf("StripsProduced = %d, want 1", src.StripsProduced())
	}
}

func TestFrameSourcePartialDelivery(t *testing.T) {
	mock := &mockGrabber{}
	_, queue, _ := newTestSource(t, mock, 4)

	// Driver wrote only 2 of the nominal 4 lines.
	mock.fire(t, FrameInfo{BufferID: 0, Width: 8, Height: 2}, make([]uint8, 16))

	strip, ok := queue.Pop()
	if !ok {
		t.Fatal("no strip queued")
	}
	if strip.Height != 2 || len(strip.Pixels) != 16 {
		t.Errorf("partial strip = height %d, %d bytes; want 2, 16", strip.Height, len(strip.Pixels))
	}
}

func TestFrameSourceDropWhenQueueFull(t *testing.T) {
	mock := &mockGrabber{}
	_, _, stats := newTestSource(t, mock, 1)

	// Three deliveries with no consumer: first fills the queue, the other
	// two drop. The buffer is recycled each time so the ring never starves.
	for i := 0; i < 3; i++ {
		mock.fire(t, FrameInfo{BufferID: 0, Width: 8, Height: 4}, nil)
	}

	received, dropped, _, _ := stats.Totals()
	if received != 3 {
		t.Errorf("received = %d, want 3", received)
	}
	if dropped != 2 {
		t.Errorf("dropped = %d, want 2", dropped)
	}
	if got := mock.announceCount(); got != 5 {
		t.Errorf("announces = %d, want 5 (2 initial + 3 recycles)", got)
	}
}

func TestFrameSourceBidirectionalPositions(t *testing.T) {
	mock := &mockGrabber{}
	queue := linescan.NewStripQueue(16)
	src := NewFrameSource(SourceConfig{
		Grabber: mock,
		Camera: linescan.CameraConfig{
			Width:        8,
			PixelPitchMM: 0.01,
		},
		// 100 lines x 0.01 mm = 1.0 mm advance per strip, passes of 2.5 mm.
		Scan:          linescan.ScanningParams{ScanLengthMM: 2.5, Bidirectional: true},
		LinesPerStrip: 100,
		BufferCount:   1,
		Queue:         queue,
	})
	if err := src.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	want := []struct {
		pos float64
		dir linescan.ScanDirection
	}{
		{0.0, linescan.DirectionForward},
		{1.0, linescan.DirectionForward},
		{2.0, linescan.DirectionForward},
		{2.0, linescan.DirectionReverse}, // total 3.0 folds to 2.5-0.5
		{1.0, linescan.DirectionReverse},
		{0.0, linescan.DirectionForward}, // total 5.0 starts pass 2
	}

	for range want {
		mock.fire(t, FrameInfo{BufferID: 0, Width: 8, Height: 100}, nil)
	}
	for i, w := range want {
		strip, ok := queue.Pop()
		if !ok {
			t.Fatalf("strip %d missing", i)
		}
		if diff := strip.PositionMM - w.pos; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("strip %d position = %v, want %v", i, strip.PositionMM, w.pos)
		}
		if strip.Direction != w.dir {
			t.Errorf("strip %d direction = %v, want %v", i, strip.Direction, w.dir)
		}
	}
}

type stubPosition struct {
	readings []float64
	next     int
}

func (p *stubPosition) PositionMM() (float64, error) {
	if p.next >= len(p.readings) {
		return 0, errors.New("encoder exhausted")
	}
	v := p.readings[p.next]
	p.next++
	return v, nil
}

func TestFrameSourceEncoderPositions(t *testing.T) {
	mock := &mockGrabber{}
	queue := linescan.NewStripQueue(8)
	src := NewFrameSource(SourceConfig{
		Grabber:       mock,
		Camera:        linescan.CameraConfig{Width: 8, PixelPitchMM: 0.01},
		LinesPerStrip: 4,
		BufferCount:   1,
		Queue:         queue,
		Position:      &stubPosition{readings: []float64{5.0, 7.5, 6.0}},
	})
	if err := src.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	want := []struct {
		pos float64
		dir linescan.ScanDirection
	}{
		{5.0, linescan.DirectionForward},
		{7.5, linescan.DirectionForward},
		{6.0, linescan.DirectionReverse},
	}

	for range want {
		mock.fire(t, FrameInfo{BufferID: 0, Width: 8, Height: 4}, nil)
	}
	for i, w := range want {
		strip, ok := queue.Pop()
		if !ok {
			t.Fatalf("strip %d missing", i)
		}
		if strip.PositionMM != w.pos || strip.Direction != w.dir {
			t.Errorf("strip %d = (%v, %v), want (%v, %v)", i, strip.PositionMM, strip.Direction, w.pos, w.dir)
		}
	}
}

func TestFrameSourceFaultOnBadWindow(t *testing.T) {
	mock := &mockGrabber{}
	queue := linescan.NewStripQueue(4)
	var gotErr error
	src := NewFrameSource(SourceConfig{
		Grabber:       mock,
		Camera:        linescan.CameraConfig{Width: 8},
		LinesPerStrip: 4,
		BufferCount:   1,
		Queue:         queue,
		OnError:       func(err error) { gotErr = err },
	})
	if err := src.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := src.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Window claims more bytes than the buffer holds.
	mock.fire(t, FrameInfo{BufferID: 0, Width: 8, Height: 4, Offset: 20}, nil)

	if gotErr == nil {
		t.Fatal("no error surfaced for out-of-bounds window")
	}
	if !errors.Is(gotErr, linescan.ErrHardwareFault) {
		t.Errorf("error = %v, want ErrHardwareFault", gotErr)
	}
	if src.IsAcquiring() {
		t.Error("still acquiring after fatal fault")
	}
	// The buffer must be re-armed even on the fault path.
	if got := mock.announceCount(); got != 2 {
		t.Errorf("announces = %d, want 2", got)
	}
}

func TestFrameSourceStateChange(t *testing.T) {
	mock := &mockGrabber{}
	var faults []error
	queue := linescan.NewStripQueue(4)
	stats := linescan.NewAcquisitionStats()
	src := NewFrameSource(SourceConfig{
		Grabber:       mock,
		Camera:        linescan.CameraConfig{Width: 8},
		LinesPerStrip: 4,
		BufferCount:   1,
		Queue:         queue,
		Stats:         stats,
		OnError:       func(err error) { faults = append(faults, err) },
	})
	if err := src.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := src.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	mock.onState(StateChange{Received: 10, FPS: 20.0, Temperature: 39.5})
	_, _, fps, temp := stats.Totals()
	if fps != 20.0 || temp != 39.5 {
		t.Errorf("sensor state = (%v, %v), want (20.0, 39.5)", fps, temp)
	}
	if len(faults) != 0 {
		t.Fatalf("unexpected faults: %v", faults)
	}

	mock.onState(StateChange{Faulted: true, FaultText: "link lost"})
	if len(faults) != 1 {
		t.Fatalf("faults = %d, want 1", len(faults))
	}
	var fe *linescan.FaultError
	if !errors.As(faults[0], &fe) || fe.Detail != "link lost" {
		t.Errorf("fault = %v, want FaultError with driver text", faults[0])
	}
	if src.IsAcquiring() {
		t.Error("still acquiring after driver fault")
	}
}

func TestFrameSourceStartStop(t *testing.T) {
	mock := &mockGrabber{}
	src, _, _ := newTestSource(t, mock, 4)

	if src.IsAcquiring() {
		t.Fatal("acquiring before Start")
	}
	if err := src.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !mock.started || !src.IsAcquiring() {
		t.Error("Start did not begin triggering")
	}

	if err := src.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !mock.stopped || src.IsAcquiring() {
		t.Error("Stop did not halt triggering")
	}

	// Stop again is a no-op.
	mock.stopped = false
	if err := src.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if mock.stopped {
		t.Error("second Stop reached the driver")
	}
}

func TestFrameSourceStartBeforeInitialize(t *testing.T) {
	src := NewFrameSource(SourceConfig{
		Grabber: &mockGrabber{},
		Camera:  linescan.CameraConfig{Width: 8},
		Queue:   linescan.NewStripQueue(4),
	})
	if err := src.Start(); !errors.Is(err, linescan.ErrConfiguration) {
		t.Errorf("Start before Initialize = %v, want ErrConfiguration", err)
	}
}
