// Package pipeline joins the two halves of the scanner: the driver-owned
// acquisition callback that fills the StripQueue, and the single
// processing goroutine that drains it through preprocessing, incremental
// stitching, persistence, and downstream callbacks.
//
// This package is the composition root for a scan run: it imports the
// linescan layer packages (queue, preprocess, stitch, recorder) and the
// scan database, but none of those packages import pipeline.
package pipeline
