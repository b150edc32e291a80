package db

import (
	"fmt"
	"time"
)

// Fault is one asynchronous error surfaced by the acquisition side.
type Fault struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Source     string    `json:"source"`
	Message    string    `json:"message"`
}

// RecordFault logs a fault against a session.
func (db *DB) RecordFault(sessionID, source, message string) error {
	query := `
		INSERT INTO scan_faults (session_id, occurred_at_unix, source, message)
		VALUES (?, ?, ?, ?)
	`

	_, err := db.DB.Exec(query, sessionID, time.Now().Unix(), source, message)
	if err != nil {
		return fmt.Errorf("failed to record fault: %w", err)
	}

	return nil
}

// SessionFaults lists a session's faults oldest-first.
func (db *DB) SessionFaults(sessionID string) ([]Fault, error) {
	query := `
		SELECT id, session_id, occurred_at_unix, source, message
		FROM scan_faults
		WHERE session_id = ?
		ORDER BY occurred_at_unix ASC, id ASC
	`

	rows, err := db.DB.Query(query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query faults: %w", err)
	}
	defer rows.Close()

	var faults []Fault
	for rows.Next() {
		var f Fault
		var occurredAtUnix int64

		if err := rows.Scan(&f.ID, &f.SessionID, &occurredAtUnix, &f.Source, &f.Message); err != nil {
			return nil, fmt.Errorf("failed to scan fault: %w", err)
		}

		f.OccurredAt = time.Unix(occurredAtUnix, 0)
		faults = append(faults, f)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating faults: %w", err)
	}

	return faults, nil
}
