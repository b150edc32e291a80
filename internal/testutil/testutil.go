// Package testutil holds the small assertion helpers shared by the
// handler and tool tests.
package testutil

import "testing"

// AssertStatusCode fails the test when an HTTP status differs from the
// expected one.
func AssertStatusCode(t testing.TB, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("got status %d, want %d", got, want)
	}
}

// AssertNoError stops the test when err is non-nil.
func AssertNoError(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("want no error, got %v", err)
	}
}

// AssertError stops the test when an expected error is missing.
func AssertError(t testing.TB, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("want an error, got nil")
	}
}
