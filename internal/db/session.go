package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ScanSession is one acquisition run: the camera and scan geometry it
// ran with, plus the totals stamped in when the session closes.
type ScanSession struct {
	ID              string     `json:"id"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at"`
	TriggerMode     string     `json:"trigger_mode"`
	SensorWidth     int        `json:"sensor_width"`
	LinesPerStrip   int        `json:"lines_per_strip"`
	OverlapPixels   int        `json:"overlap_pixels"`
	LineRateHz      float64    `json:"line_rate_hz"`
	PixelPitchMM    float64    `json:"pixel_pitch_mm"`
	ScanLengthMM    float64    `json:"scan_length_mm"`
	Bidirectional   bool       `json:"bidirectional"`
	StripsReceived  int64      `json:"strips_received"`
	StripsStitched  int64      `json:"strips_stitched"`
	StripsDropped   int64      `json:"strips_dropped"`
	CompositeHeight int64      `json:"composite_height"`
	Notes           *string    `json:"notes"`
}

// SessionTotals are the final counters written when a session closes.
type SessionTotals struct {
	StripsReceived  int64
	StripsStitched  int64
	StripsDropped   int64
	CompositeHeight int64
}

// CreateScanSession inserts a new session. A missing ID gets a fresh
// uuid; a zero StartedAt gets the current time. Both are written back.
func (db *DB) CreateScanSession(session *ScanSession) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.StartedAt.IsZero() {
		session.StartedAt = time.Now()
	}

	query := `
		INSERT INTO scan_sessions (
			id, started_at_unix, trigger_mode, sensor_width, lines_per_strip,
			overlap_pixels, line_rate_hz, pixel_pitch_mm, scan_length_mm,
			bidirectional, notes
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	bidirectionalInt := 0
	if session.Bidirectional {
		bidirectionalInt = 1
	}

	_, err := db.DB.Exec(
		query,
		session.ID,
		session.StartedAt.Unix(),
		session.TriggerMode,
		session.SensorWidth,
		session.LinesPerStrip,
		session.OverlapPixels,
		session.LineRateHz,
		session.PixelPitchMM,
		session.ScanLengthMM,
		bidirectionalInt,
		session.Notes,
	)
	if err != nil {
		return fmt.Errorf("failed to create scan session: %w", err)
	}

	return nil
}

// CloseScanSession stamps the end time and final counters on a session.
func (db *DB) CloseScanSession(id string, totals SessionTotals) error {
	query := `
		UPDATE scan_sessions SET
			ended_at_unix = ?,
			strips_received = ?,
			strips_stitched = ?,
			strips_dropped = ?,
			composite_height = ?
		WHERE id = ?
	`

	result, err := db.DB.Exec(
		query,
		time.Now().Unix(),
		totals.StripsReceived,
		totals.StripsStitched,
		totals.StripsDropped,
		totals.CompositeHeight,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to close scan session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("scan session not found")
	}

	return nil
}

const sessionColumns = `
	id, started_at_unix, ended_at_unix, trigger_mode, sensor_width,
	lines_per_strip, overlap_pixels, line_rate_hz, pixel_pitch_mm,
	scan_length_mm, bidirectional, strips_received, strips_stitched,
	strips_dropped, composite_height, notes
`

// GetScanSession retrieves a session by ID.
func (db *DB) GetScanSession(id string) (*ScanSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM scan_sessions WHERE id = ?`

	session, err := scanSession(db.DB.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("scan session not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scan session: %w", err)
	}

	return session, nil
}

// RecentSessions lists sessions newest-first.
func (db *DB) RecentSessions(limit int) ([]ScanSession, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT ` + sessionColumns + `
		FROM scan_sessions
		ORDER BY started_at_unix DESC, id DESC
		LIMIT ?`

	rows, err := db.DB.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query scan sessions: %w", err)
	}
	defer rows.Close()

	var sessions []ScanSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, *session)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scan sessions: %w", err)
	}

	return sessions, nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*ScanSession, error) {
	var session ScanSession
	var startedAtUnix int64
	var endedAtUnix sql.NullInt64
	var bidirectionalInt int

	err := row.Scan(
		&session.ID,
		&startedAtUnix,
		&endedAtUnix,
		&session.TriggerMode,
		&session.SensorWidth,
		&session.LinesPerStrip,
		&session.OverlapPixels,
		&session.LineRateHz,
		&session.PixelPitchMM,
		&session.ScanLengthMM,
		&bidirectionalInt,
		&session.StripsReceived,
		&session.StripsStitched,
		&session.StripsDropped,
		&session.CompositeHeight,
		&session.Notes,
	)
	if err != nil {
		return nil, err
	}

	session.StartedAt = time.Unix(startedAtUnix, 0)
	if endedAtUnix.Valid {
		endedAt := time.Unix(endedAtUnix.Int64, 0)
		session.EndedAt = &endedAt
	}
	session.Bidirectional = bidirectionalInt == 1

	return &session, nil
}
