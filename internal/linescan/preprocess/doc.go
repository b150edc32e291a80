// Package preprocess conditions raw strips before alignment.
//
// Responsibilities:
//   - un-mirror strips captured on the reverse pass of a bidirectional
//     scan so every strip reads in transport order
//   - optional denoising (gaussian or median) via bild
//   - optional contrast normalization by percentile stretch
//
// Dependency rule: preprocess imports linescan for the strip type and
// bild for the pixel filters. It never touches the composite.
package preprocess
