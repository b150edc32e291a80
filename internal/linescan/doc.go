// Package linescan owns the core data model of the acquisition pipeline.
//
// Responsibilities: strip and alignment value types, the bounded hand-off
// queue between the driver callback and the processing goroutine, the
// acquisition and alignment statistics collectors, and the error taxonomy.
// Key types: ScanStrip, StripQueue, AlignmentResult, AcquisitionStats.
//
// Dependency rule: subpackages (grabber, stitch, preprocess, pipeline,
// monitor, recorder) import linescan; linescan imports none of them.
package linescan
