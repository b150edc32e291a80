package db

import (
	"fmt"
)

// StripAlignment is one alignment attempt against the running composite.
type StripAlignment struct {
	ID              int64   `json:"id"`
	SessionID       string  `json:"session_id"`
	StripID         int64   `json:"strip_id"`
	CapturedNs      int64   `json:"captured_ns"`
	PositionMM      float64 `json:"position_mm"`
	Direction       string  `json:"direction"`
	OffsetX         float64 `json:"offset_x"`
	OffsetY         float64 `json:"offset_y"`
	Confidence      float64 `json:"confidence"`
	Method          string  `json:"method"`
	Succeeded       bool    `json:"succeeded"`
	CompositeHeight int64   `json:"composite_height"`
}

// SessionSummary aggregates a session's alignment outcomes. Means and
// confidence bounds cover accepted alignments only.
type SessionSummary struct {
	SessionID      string  `json:"session_id"`
	Attempts       int64   `json:"attempts"`
	Successes      int64   `json:"successes"`
	Failures       int64   `json:"failures"`
	Fallbacks      int64   `json:"fallbacks"`
	MeanOffsetX    float64 `json:"mean_offset_x"`
	MeanOffsetY    float64 `json:"mean_offset_y"`
	MeanConfidence float64 `json:"mean_confidence"`
	MinConfidence  float64 `json:"min_confidence"`
	MaxConfidence  float64 `json:"max_confidence"`
}

// RecordStripAlignment inserts one alignment attempt. The generated row
// ID is written back.
func (db *DB) RecordStripAlignment(a *StripAlignment) error {
	query := `
		INSERT INTO strip_alignments (
			session_id, strip_id, captured_ns, position_mm, direction,
			offset_x, offset_y, confidence, method, succeeded, composite_height
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	succeededInt := 0
	if a.Succeeded {
		succeededInt = 1
	}

	result, err := db.DB.Exec(
		query,
		a.SessionID,
		a.StripID,
		a.CapturedNs,
		a.PositionMM,
		a.Direction,
		a.OffsetX,
		a.OffsetY,
		a.Confidence,
		a.Method,
		succeededInt,
		a.CompositeHeight,
	)
	if err != nil {
		return fmt.Errorf("failed to record strip alignment: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert ID: %w", err)
	}

	a.ID = id
	return nil
}

// SessionAlignments lists a session's alignment attempts in strip order.
// A non-positive limit returns all rows.
func (db *DB) SessionAlignments(sessionID string, limit int) ([]StripAlignment, error) {
	if limit <= 0 {
		limit = -1 // SQLite treats a negative LIMIT as unlimited
	}

	query := `
		SELECT
			id, session_id, strip_id, captured_ns, position_mm, direction,
			offset_x, offset_y, confidence, method, succeeded, composite_height
		FROM strip_alignments
		WHERE session_id = ?
		ORDER BY strip_id ASC
		LIMIT ?
	`

	rows, err := db.DB.Query(query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query strip alignments: %w", err)
	}
	defer rows.Close()

	var alignments []StripAlignment
	for rows.Next() {
		var a StripAlignment
		var succeededInt int

		err := rows.Scan(
			&a.ID,
			&a.SessionID,
			&a.StripID,
			&a.CapturedNs,
			&a.PositionMM,
			&a.Direction,
			&a.OffsetX,
			&a.OffsetY,
			&a.Confidence,
			&a.Method,
			&succeededInt,
			&a.CompositeHeight,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan strip alignment: %w", err)
		}

		a.Succeeded = succeededInt == 1
		alignments = append(alignments, a)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating strip alignments: %w", err)
	}

	return alignments, nil
}

// GetSessionSummary aggregates the alignment outcomes of one session.
// A session with no attempts yields a zero summary, not an error.
func (db *DB) GetSessionSummary(sessionID string) (*SessionSummary, error) {
	query := `
		SELECT
			COUNT(*),
			COALESCE(SUM(succeeded), 0),
			COUNT(*) - COALESCE(SUM(succeeded), 0),
			COALESCE(SUM(CASE WHEN succeeded = 1 AND method = 'fallback' THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(CASE WHEN succeeded = 1 THEN offset_x END), 0),
			COALESCE(AVG(CASE WHEN succeeded = 1 THEN offset_y END), 0),
			COALESCE(AVG(CASE WHEN succeeded = 1 THEN confidence END), 0),
			COALESCE(MIN(CASE WHEN succeeded = 1 THEN confidence END), 0),
			COALESCE(MAX(CASE WHEN succeeded = 1 THEN confidence END), 0)
		FROM strip_alignments
		WHERE session_id = ?
	`

	summary := SessionSummary{SessionID: sessionID}
	err := db.DB.QueryRow(query, sessionID).Scan(
		&summary.Attempts,
		&summary.Successes,
		&summary.Failures,
		&summary.Fallbacks,
		&summary.MeanOffsetX,
		&summary.MeanOffsetY,
		&summary.MeanConfidence,
		&summary.MinConfidence,
		&summary.MaxConfidence,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize session: %w", err)
	}

	return &summary, nil
}
