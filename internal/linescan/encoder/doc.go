// Package encoder reads transport position from a linear encoder on a
// serial line.
//
// The encoder streams newline-terminated readings ("P=<ticks>") and
// accepts single-letter commands (Z to zero the counter, S1/S0 to start
// and stop streaming). Monitor parses the stream and keeps the latest
// reading; PositionMM serves it to the capture path, rejecting readings
// that have gone stale.
//
// The port is abstracted behind a minimal interface so tests run against
// an in-memory pipe instead of hardware.
package encoder
