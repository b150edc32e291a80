package db

import (
	"math"
	"testing"
	"time"
)

func createTestSession(t *testing.T, db *DB) *ScanSession {
	t.Helper()

	session := testSession(time.Unix(1724572800, 0))
	if err := db.CreateScanSession(session); err != nil {
		t.Fatalf("CreateScanSession failed: %v", err)
	}
	return session
}

func testAlignment(sessionID string, stripID int64, offsetX, offsetY, confidence float64, method string, succeeded bool) *StripAlignment {
	return &StripAlignment{
		SessionID:       sessionID,
		StripID:         stripID,
		CapturedNs:      time.Unix(1724572800, 0).UnixNano() + stripID*50_000_000,
		PositionMM:      float64(stripID) * 4.1,
		Direction:       "forward",
		OffsetX:         offsetX,
		OffsetY:         offsetY,
		Confidence:      confidence,
		Method:          method,
		Succeeded:       succeeded,
		CompositeHeight: 500 + stripID*400,
	}
}

// TestRecordAndListStripAlignments verifies the alignment round trip
func TestRecordAndListStripAlignments(t *testing.T) {
	db := setupTestDB(t)
	session := createTestSession(t, db)

	for i := int64(1); i <= 3; i++ {
		a := testAlignment(session.ID, i, 0.25*float64(i), 3.0, 0.9, "phase", true)
		if err := db.RecordStripAlignment(a); err != nil {
			t.Fatalf("RecordStripAlignment %d failed: %v", i, err)
		}
		if a.ID == 0 {
			t.Errorf("Expected generated row ID for strip %d", i)
		}
	}

	alignments, err := db.SessionAlignments(session.ID, 0)
	if err != nil {
		t.Fatalf("SessionAlignments failed: %v", err)
	}
	if len(alignments) != 3 {
		t.Fatalf("Expected 3 alignments, got %d", len(alignments))
	}

	for i, a := range alignments {
		wantStrip := int64(i + 1)
		if a.StripID != wantStrip {
			t.Errorf("Expected strip_id order %d at index %d, got %d", wantStrip, i, a.StripID)
		}
		if a.SessionID != session.ID {
			t.Errorf("SessionID mismatch on row %d", i)
		}
		if a.Method != "phase" || !a.Succeeded {
			t.Errorf("Outcome mismatch on row %d: %s/%v", i, a.Method, a.Succeeded)
		}
	}

	first := alignments[0]
	if first.OffsetX != 0.25 || first.OffsetY != 3.0 || first.Confidence != 0.9 {
		t.Errorf("Field mismatch: %v/%v/%v", first.OffsetX, first.OffsetY, first.Confidence)
	}
	if first.PositionMM != 4.1 {
		t.Errorf("PositionMM mismatch: got %v", first.PositionMM)
	}
	if first.Direction != "forward" {
		t.Errorf("Direction mismatch: got %s", first.Direction)
	}

	limited, err := db.SessionAlignments(session.ID, 2)
	if err != nil {
		t.Fatalf("SessionAlignments with limit failed: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("Expected 2 alignments with limit, got %d", len(limited))
	}
}

// TestAlignmentRequiresSession verifies the foreign key is enforced
func TestAlignmentRequiresSession(t *testing.T) {
	db := setupTestDB(t)

	a := testAlignment("no-such-session", 1, 0, 3.0, 0.9, "phase", true)
	if err := db.RecordStripAlignment(a); err == nil {
		t.Error("Expected foreign key violation for unknown session")
	}
}

// TestGetSessionSummary verifies the aggregate query
func TestGetSessionSummary(t *testing.T) {
	db := setupTestDB(t)
	session := createTestSession(t, db)

	attempts := []*StripAlignment{
		testAlignment(session.ID, 1, 0.5, 3.0, 0.95, "phase", true),
		testAlignment(session.ID, 2, -0.5, 3.2, 0.85, "phase", true),
		testAlignment(session.ID, 3, 1.0, 2.8, 0.75, "fallback", true),
		testAlignment(session.ID, 4, 0.0, -12.0, 0.21, "phase", false),
	}
	for _, a := range attempts {
		if err := db.RecordStripAlignment(a); err != nil {
			t.Fatalf("RecordStripAlignment failed: %v", err)
		}
	}

	summary, err := db.GetSessionSummary(session.ID)
	if err != nil {
		t.Fatalf("GetSessionSummary failed: %v", err)
	}

	if summary.Attempts != 4 {
		t.Errorf("Expected 4 attempts, got %d", summary.Attempts)
	}
	if summary.Successes != 3 {
		t.Errorf("Expected 3 successes, got %d", summary.Successes)
	}
	if summary.Failures != 1 {
		t.Errorf("Expected 1 failure, got %d", summary.Failures)
	}
	if summary.Fallbacks != 1 {
		t.Errorf("Expected 1 fallback, got %d", summary.Fallbacks)
	}

	// Means cover accepted alignments only
	if math.Abs(summary.MeanOffsetX-1.0/3.0) > 1e-9 {
		t.Errorf("MeanOffsetX mismatch: got %v", summary.MeanOffsetX)
	}
	if math.Abs(summary.MeanOffsetY-3.0) > 1e-9 {
		t.Errorf("MeanOffsetY mismatch: got %v", summary.MeanOffsetY)
	}
	if math.Abs(summary.MeanConfidence-0.85) > 1e-9 {
		t.Errorf("MeanConfidence mismatch: got %v", summary.MeanConfidence)
	}
	if summary.MinConfidence != 0.75 {
		t.Errorf("MinConfidence mismatch: got %v", summary.MinConfidence)
	}
	if summary.MaxConfidence != 0.95 {
		t.Errorf("MaxConfidence mismatch: got %v", summary.MaxConfidence)
	}
}

// TestGetSessionSummaryEmpty verifies an attempt-free session summarizes
// to zeros rather than an error
func TestGetSessionSummaryEmpty(t *testing.T) {
	db := setupTestDB(t)
	session := createTestSession(t, db)

	summary, err := db.GetSessionSummary(session.ID)
	if err != nil {
		t.Fatalf("GetSessionSummary failed: %v", err)
	}
	if summary.Attempts != 0 || summary.Successes != 0 || summary.Failures != 0 {
		t.Errorf("Expected zero counts, got %d/%d/%d", summary.Attempts, summary.Successes, summary.Failures)
	}
	if summary.MeanConfidence != 0 || summary.MinConfidence != 0 {
		t.Errorf("Expected zero confidences, got %v/%v", summary.MeanConfidence, summary.MinConfidence)
	}
}

// TestRecordAndListFaults verifies the fault log round trip
func TestRecordAndListFaults(t *testing.T) {
	db := setupTestDB(t)
	session := createTestSession(t, db)

	if err := db.RecordFault(session.ID, "grabber", "buffer pool starved"); err != nil {
		t.Fatalf("RecordFault failed: %v", err)
	}
	if err := db.RecordFault(session.ID, "encoder", "position reading stale"); err != nil {
		t.Fatalf("RecordFault failed: %v", err)
	}

	faults, err := db.SessionFaults(session.ID)
	if err != nil {
		t.Fatalf("SessionFaults failed: %v", err)
	}
	if len(faults) != 2 {
		t.Fatalf("Expected 2 faults, got %d", len(faults))
	}
	if faults[0].Source != "grabber" || faults[0].Message != "buffer pool starved" {
		t.Errorf("First fault mismatch: %s/%s", faults[0].Source, faults[0].Message)
	}
	if faults[1].Source != "encoder" {
		t.Errorf("Second fault mismatch: %s", faults[1].Source)
	}
	if faults[0].OccurredAt.IsZero() {
		t.Error("Expected OccurredAt set")
	}
}
