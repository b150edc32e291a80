// Package recorder provides recording and replay of line-scan strip data.
//
// A log is a directory: header.json carries the session metadata,
// strips/chunk_NNNN.bin hold length-prefixed strip records in arrival
// order, and index.bin maps strip ordinals to chunk offsets for seeking.
package recorder

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fabweave/loomscan/internal/linescan"
)

// FileExtension is the extension for loomscan log directories.
const FileExtension = ".lslog"

// ChunkSize is the number of strips per chunk file. Strips run to a few
// megabytes each, so chunks stay well under typical filesystem comfort
// limits while keeping seeks cheap.
const ChunkSize = 64

// recordHeaderSize is the fixed per-strip header inside a chunk:
// id int64, position float64, timestamp int64, width int32, height
// int32, direction uint8, reserved [3]uint8.
const recordHeaderSize = 8 + 8 + 8 + 4 + 4 + 1 + 3

// LogHeader contains metadata about a recorded scan session.
type LogHeader struct {
	Version     string                  `json:"version"`
	SessionID   string                  `json:"session_id"`
	CreatedNs   int64                   `json:"created_ns"`
	Camera      linescan.CameraConfig   `json:"camera"`
	Scan        linescan.ScanningParams `json:"scan"`
	TriggerMode string                  `json:"trigger_mode"`
	TotalStrips uint64                  `json:"total_strips"`
	StartNs     int64                   `json:"start_ns"`
	EndNs       int64                   `json:"end_ns"`
}

// IndexEntry locates one strip record inside the chunk files.
type IndexEntry struct {
	StripID     uint64
	TimestampNs int64
	ChunkID     uint32
	Offset      uint32
}

// indexEntrySize is one IndexEntry on disk, little-endian, in field
// order.
const indexEntrySize = 8 + 8 + 4 + 4

func (e IndexEntry) marshal(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:], e.StripID)
	binary.LittleEndian.PutUint64(buf[8:], uint64(e.TimestampNs))
	binary.LittleEndian.PutUint32(buf[16:], e.ChunkID)
	binary.LittleEndian.PutUint32(buf[20:], e.Offset)
}

func unmarshalIndexEntry(buf []byte) IndexEntry {
	return IndexEntry{
		StripID:     binary.LittleEndian.Uint64(buf[0:]),
		TimestampNs: int64(binary.LittleEndian.Uint64(buf[8:])),
		ChunkID:     binary.LittleEndian.Uint32(buf[16:]),
		Offset:      binary.LittleEndian.Uint32(buf[20:]),
	}
}

// Recorder appends strips to a log directory.
type Recorder struct {
	basePath string
	header   LogHeader

	mu           sync.Mutex
	closed       bool
	index        []IndexEntry
	currentChunk int
	chunkFile    *os.File
	chunkOffset  uint32
	stripCount   uint64
	startNs      int64
	endNs        int64
}

// NewRecorder creates a Recorder writing to basePath. An empty path gets
// a timestamped directory under the system temp dir. The camera and scan
// blocks are stamped into the header so replay can rebuild the pipeline
// configuration.
func NewRecorder(basePath string, camera linescan.CameraConfig, scan linescan.ScanningParams, triggerMode string) (*Recorder, error) {
	sessionID := uuid.NewString()
	if basePath == "" {
		basePath = filepath.Join(os.TempDir(),
			fmt.Sprintf("scan_%s_%d%s", sessionID[:8], time.Now().Unix(), FileExtension))
	}

	if err := os.MkdirAll(filepath.Join(basePath, "strips"), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	return &Recorder{
		basePath:     basePath,
		currentChunk: -1,
		header: LogHeader{
			Version:     "1.0",
			SessionID:   sessionID,
			CreatedNs:   time.Now().UnixNano(),
			Camera:      camera,
			Scan:        scan,
			TriggerMode: triggerMode,
		},
	}, nil
}

// Record appends one strip to the log.
func (r *Recorder) Record(strip *linescan.ScanStrip) error {
	if strip == nil || len(strip.Pixels) != strip.Width*strip.Height {
		return fmt.Errorf("%w: malformed strip", linescan.ErrConfiguration)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("log already closed")
	}

	ts := strip.Timestamp.UnixNano()
	if r.startNs == 0 {
		r.startNs = ts
	}
	r.endNs = ts

	chunkIdx := int(r.stripCount / ChunkSize)
	if chunkIdx != r.currentChunk {
		if err := r.openChunk(chunkIdx); err != nil {
			return err
		}
	}

	data := encodeStrip(strip)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := r.chunkFile.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write record length: %w", err)
	}
	if _, err := r.chunkFile.Write(data); err != nil {
		return fmt.Errorf("write record: %w", err)
	}

	r.index = append(r.index, IndexEntry{
		StripID:     uint64(strip.ID),
		TimestampNs: ts,
		ChunkID:     uint32(chunkIdx),
		Offset:      r.chunkOffset,
	})

	r.chunkOffset += uint32(4 + len(data))
	r.stripCount++
	return nil
}

// openChunk moves writing to chunk chunkIdx, closing the previous file
// first.
func (r *Recorder) openChunk(chunkIdx int) error {
	if r.chunkFile != nil {
		if err := r.chunkFile.Close(); err != nil {
			return err
		}
	}

	f, err := os.Create(chunkPath(r.basePath, chunkIdx))
	if err != nil {
		return fmt.Errorf("create chunk %d: %w", chunkIdx, err)
	}
	r.chunkFile = f
	r.currentChunk = chunkIdx
	r.chunkOffset = 0
	return nil
}

func chunkPath(basePath string, chunkIdx int) string {
	return filepath.Join(basePath, "strips", fmt.Sprintf("chunk_%04d.bin", chunkIdx))
}

// Close finalises the log, writing the header and the seek index.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	if r.chunkFile != nil {
		r.chunkFile.Close()
	}

	r.header.TotalStrips = r.stripCount
	r.header.StartNs = r.startNs
	r.header.EndNs = r.endNs

	headerData, err := json.MarshalIndent(r.header, "", "  ")
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	if err := os.WriteFile(filepath.Join(r.basePath, "header.json"), headerData, 0o644); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	buf := make([]byte, len(r.index)*indexEntrySize)
	for i, entry := range r.index {
		entry.marshal(buf[i*indexEntrySize:])
	}
	if err := os.WriteFile(filepath.Join(r.basePath, "index.bin"), buf, 0o644); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	return nil
}

// Path reports where the log lives on disk.
func (r *Recorder) Path() string {
	return r.basePath
}

// SessionID returns the session identifier stamped into the header.
func (r *Recorder) SessionID() string {
	return r.header.SessionID
}

// StripCount returns the number of strips recorded so far.
func (r *Recorder) StripCount() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stripCount
}

// encodeStrip serializes a strip: fixed header then raw pixel rows.
// Pixels dominate the record, so the payload is written as-is rather
// than through a text codec.
func encodeStrip(strip *linescan.ScanStrip) []byte {
	data := make([]byte, recordHeaderSize+len(strip.Pixels))
	binary.LittleEndian.PutUint64(data[0:], uint64(strip.ID))
	binary.LittleEndian.PutUint64(data[8:], math.Float64bits(strip.PositionMM))
	binary.LittleEndian.PutUint64(data[16:], uint64(strip.Timestamp.UnixNano()))
	binary.LittleEndian.PutUint32(data[24:], uint32(strip.Width))
	binary.LittleEndian.PutUint32(data[28:], uint32(strip.Height))
	data[32] = uint8(strip.Direction)
	copy(data[recordHeaderSize:], strip.Pixels)
	return data
}

// decodeStrip parses one strip record.
func decodeStrip(data []byte) (*linescan.ScanStrip, error) {
	if len(data) < recordHeaderSize {
		return nil, fmt.Errorf("record too short: %d bytes", len(data))
	}
	width := int(int32(binary.LittleEndian.Uint32(data[24:])))
	height := int(int32(binary.LittleEndian.Uint32(data[28:])))
	if width <= 0 || height <= 0 || len(data) != recordHeaderSize+width*height {
		return nil, fmt.Errorf("record geometry %dx%d does not match %d payload bytes",
			width, height, len(data)-recordHeaderSize)
	}

	strip := &linescan.ScanStrip{
		ID:         int64(binary.LittleEndian.Uint64(data[0:])),
		Width:      width,
		Height:     height,
		Pixels:     make([]uint8, width*height),
		PositionMM: math.Float64frombits(binary.LittleEndian.Uint64(data[8:])),
		Direction:  linescan.ScanDirection(data[32]),
		Timestamp:  time.Unix(0, int64(binary.LittleEndian.Uint64(data[16:]))),
	}
	copy(strip.Pixels, data[recordHeaderSize:])
	return strip, nil
}

// Replayer reads strips back from a log directory.
type Replayer struct {
	basePath string
	header   LogHeader
	index    []IndexEntry

	mu           sync.Mutex
	currentStrip uint64
	currentChunk int
	chunkData    []byte
}

// NewReplayer opens a log for replay.
func NewReplayer(basePath string) (*Replayer, error) {
	r := &Replayer{basePath: basePath, currentChunk: -1}

	headerData, err := os.ReadFile(filepath.Join(basePath, "header.json"))
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(headerData, &r.header); err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}

	raw, err := os.ReadFile(filepath.Join(basePath, "index.bin"))
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	if len(raw)%indexEntrySize != 0 {
		return nil, fmt.Errorf("index length %d is not a multiple of %d", len(raw), indexEntrySize)
	}
	r.index = make([]IndexEntry, 0, len(raw)/indexEntrySize)
	for off := 0; off < len(raw); off += indexEntrySize {
		r.index = append(r.index, unmarshalIndexEntry(raw[off:]))
	}
	return r, nil
}

// Header returns the log header.
func (r *Replayer) Header() LogHeader {
	return r.header
}

// TotalStrips returns the number of strips in the log.
func (r *Replayer) TotalStrips() uint64 {
	return uint64(len(r.index))
}

// CurrentStrip returns the ordinal of the next strip to be read.
func (r *Replayer) CurrentStrip() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentStrip
}

// Seek positions the replayer at a strip ordinal.
func (r *Replayer) Seek(stripIdx uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if stripIdx >= uint64(len(r.index)) {
		return fmt.Errorf("strip index out of range: %d >= %d", stripIdx, len(r.index))
	}
	r.currentStrip = stripIdx
	return nil
}

// SeekToTimestamp positions the replayer at the first strip at or after
// the given capture time.
func (r *Replayer) SeekToTimestamp(timestampNs int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, entry := range r.index {
		if entry.TimestampNs >= timestampNs {
			r.currentStrip = uint64(i)
			return nil
		}
	}
	if len(r.index) == 0 {
		return fmt.Errorf("empty log")
	}
	r.currentStrip = uint64(len(r.index) - 1)
	return nil
}

// ReadStrip reads the current strip and advances. io.EOF signals the end
// of the log.
func (r *Replayer) ReadStrip() (*linescan.ScanStrip, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.currentStrip >= uint64(len(r.index)) {
		return nil, io.EOF
	}

	entry := r.index[r.currentStrip]
	if int(entry.ChunkID) != r.currentChunk {
		if err := r.readChunk(int(entry.ChunkID)); err != nil {
			return nil, err
		}
	}

	offset := entry.Offset
	if offset+4 > uint32(len(r.chunkData)) {
		return nil, fmt.Errorf("record offset past chunk end")
	}
	recordLen := binary.LittleEndian.Uint32(r.chunkData[offset:])
	offset += 4
	if offset+recordLen > uint32(len(r.chunkData)) {
		return nil, fmt.Errorf("record overruns chunk")
	}

	strip, err := decodeStrip(r.chunkData[offset : offset+recordLen])
	if err != nil {
		return nil, fmt.Errorf("decode strip %d: %w", r.currentStrip, err)
	}

	r.currentStrip++
	return strip, nil
}

// readChunk pulls a whole chunk file into memory.
func (r *Replayer) readChunk(chunkIdx int) error {
	data, err := os.ReadFile(chunkPath(r.basePath, chunkIdx))
	if err != nil {
		return fmt.Errorf("read chunk %d: %w", chunkIdx, err)
	}
	r.chunkData = data
	r.currentChunk = chunkIdx
	return nil
}

// Close releases the chunk cache.
func (r *Replayer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunkData = nil
	r.currentChunk = -1
	return nil
}
