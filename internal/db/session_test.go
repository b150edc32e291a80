package db

import (
	"testing"
	"time"
)

func testSession(started time.Time) *ScanSession {
	return &ScanSession{
		StartedAt:     started,
		TriggerMode:   "auto",
		SensorWidth:   4096,
		LinesPerStrip: 500,
		OverlapPixels: 100,
		LineRateHz:    10000.0,
		PixelPitchMM:  0.010256,
		ScanLengthMM:  1800.0,
		Bidirectional: true,
	}
}

// TestCreateAndGetScanSession verifies the session round trip
func TestCreateAndGetScanSession(t *testing.T) {
	db := setupTestDB(t)

	started := time.Unix(1724572800, 0)
	session := testSession(started)
	session.Notes = strPtr("first production pass")

	if err := db.CreateScanSession(session); err != nil {
		t.Fatalf("CreateScanSession failed: %v", err)
	}
	if session.ID == "" {
		t.Fatal("Expected a generated session ID")
	}
	if len(session.ID) != 36 {
		t.Errorf("Expected uuid-shaped session ID, got %q", session.ID)
	}

	got, err := db.GetScanSession(session.ID)
	if err != nil {
		t.Fatalf("GetScanSession failed: %v", err)
	}

	if got.ID != session.ID {
		t.Errorf("ID mismatch: got %s, want %s", got.ID, session.ID)
	}
	if got.StartedAt.Unix() != started.Unix() {
		t.Errorf("StartedAt mismatch: got %v, want %v", got.StartedAt, started)
	}
	if got.EndedAt != nil {
		t.Errorf("Expected nil EndedAt on an open session, got %v", got.EndedAt)
	}
	if got.TriggerMode != "auto" {
		t.Errorf("TriggerMode mismatch: got %s", got.TriggerMode)
	}
	if got.SensorWidth != 4096 || got.LinesPerStrip != 500 || got.OverlapPixels != 100 {
		t.Errorf("Geometry mismatch: %d/%d/%d", got.SensorWidth, got.LinesPerStrip, got.OverlapPixels)
	}
	if got.LineRateHz != 10000.0 || got.PixelPitchMM != 0.010256 || got.ScanLengthMM != 1800.0 {
		t.Errorf("Rate fields mismatch: %v/%v/%v", got.LineRateHz, got.PixelPitchMM, got.ScanLengthMM)
	}
	if !got.Bidirectional {
		t.Error("Expected Bidirectional true")
	}
	if got.Notes == nil || *got.Notes != "first production pass" {
		t.Errorf("Notes mismatch: got %v", got.Notes)
	}
	if got.StripsReceived != 0 || got.StripsStitched != 0 || got.StripsDropped != 0 {
		t.Errorf("Expected zero counters on a new session")
	}
}

// TestGetScanSessionNotFound verifies the missing-session error
func TestGetScanSessionNotFound(t *testing.T) {
	db := setupTestDB(t)

	if _, err := db.GetScanSession("no-such-session"); err == nil {
		t.Error("Expected error for unknown session ID")
	}
}

// TestCloseScanSession verifies end-of-run totals are stamped in
func TestCloseScanSession(t *testing.T) {
	db := setupTestDB(t)

	session := testSession(time.Unix(1724572800, 0))
	if err := db.CreateScanSession(session); err != nil {
		t.Fatalf("CreateScanSession failed: %v", err)
	}

	totals := SessionTotals{
		StripsReceived:  240,
		StripsStitched:  238,
		StripsDropped:   2,
		CompositeHeight: 95300,
	}
	if err := db.CloseScanSession(session.ID, totals); err != nil {
		t.Fatalf("CloseScanSession failed: %v", err)
	}

	got, err := db.GetScanSession(session.ID)
	if err != nil {
		t.Fatalf("GetScanSession failed: %v", err)
	}
	if got.EndedAt == nil {
		t.Fatal("Expected EndedAt set after close")
	}
	if got.StripsReceived != 240 || got.StripsStitched != 238 || got.StripsDropped != 2 {
		t.Errorf("Counter mismatch: %d/%d/%d", got.StripsReceived, got.StripsStitched, got.StripsDropped)
	}
	if got.CompositeHeight != 95300 {
		t.Errorf("CompositeHeight mismatch: got %d", got.CompositeHeight)
	}

	if err := db.CloseScanSession("no-such-session", totals); err == nil {
		t.Error("Expected error closing unknown session")
	}
}

// TestRecentSessionsOrder verifies newest-first listing and the limit
func TestRecentSessionsOrder(t *testing.T) {
	db := setupTestDB(t)

	base := time.Unix(1724572800, 0)
	var ids []string
	for i := 0; i < 3; i++ {
		session := testSession(base.Add(time.Duration(i) * time.Minute))
		if err := db.CreateScanSession(session); err != nil {
			t.Fatalf("CreateScanSession %d failed: %v", i, err)
		}
		ids = append(ids, session.ID)
	}

	sessions, err := db.RecentSessions(2)
	if err != nil {
		t.Fatalf("RecentSessions failed: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("Expected 2 sessions, got %d", len(sessions))
	}
	if sessions[0].ID != ids[2] {
		t.Errorf("Expected newest session first, got %s", sessions[0].ID)
	}
	if sessions[1].ID != ids[1] {
		t.Errorf("Expected second-newest session second, got %s", sessions[1].ID)
	}

	// Default limit covers all three
	sessions, err = db.RecentSessions(0)
	if err != nil {
		t.Fatalf("RecentSessions with default limit failed: %v", err)
	}
	if len(sessions) != 3 {
		t.Errorf("Expected 3 sessions with default limit, got %d", len(sessions))
	}
}
