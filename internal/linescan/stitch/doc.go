// Package stitch assembles line-scan strips into one continuous
// composite image.
//
// Responsibilities:
//   - measure the shift between consecutive strips by phase correlation
//     over their shared overlap band (PhaseCorrelator)
//   - fall back to an exhaustive normalized cross-correlation search when
//     the spectral estimate cannot be trusted (TemplateMatch)
//   - blend accepted strips into the growing composite with a linear
//     ramp across the overlap (IncrementalStitcher)
//
// Dependency rule: stitch imports linescan for the shared strip and
// result types and gonum for the FFT. It knows nothing about where
// strips come from or where the composite goes.
package stitch
