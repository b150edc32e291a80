package monitor

import (
	"encoding/json"
	"fmt"
	"image/png"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/fabweave/loomscan/internal/security"
)

// defaultExportDir is the base directory for composite exports. Exports are
// pinned to a single directory so an arbitrary filename from the HTTP API
// cannot land outside a controlled location.
var defaultExportDir = func() string {
	tmp := os.TempDir()
	abs, err := filepath.Abs(tmp)
	if err != nil {
		log.Printf("export: could not resolve absolute temp dir from %q: %v", tmp, err)
		return tmp
	}
	return filepath.Clean(abs)
}()

// safeExportPath turns a user-supplied filename into an absolute path under
// defaultExportDir. Only the last path component of userPath is used, and
// the joined result is checked against the export root and the shared
// security.ValidateExportPath helper before anything touches disk.
func safeExportPath(userPath string) (string, error) {
	if userPath == "" {
		return "", fmt.Errorf("empty export filename")
	}
	base := filepath.Base(userPath)
	if base == "." || base == ".." || base == "" {
		return "", fmt.Errorf("invalid export filename")
	}

	absPath, err := filepath.Abs(filepath.Join(defaultExportDir, base))
	if err != nil {
		return "", fmt.Errorf("cannot resolve export path: %w", err)
	}
	cleanPath := filepath.Clean(absPath)

	baseDirAbs, err := filepath.Abs(defaultExportDir)
	if err != nil {
		return "", fmt.Errorf("cannot resolve export base directory: %w", err)
	}
	baseDirAbs = filepath.Clean(baseDirAbs)
	if !strings.HasPrefix(cleanPath, baseDirAbs+string(os.PathSeparator)) && cleanPath != baseDirAbs {
		return "", fmt.Errorf("export path escapes base directory")
	}

	if err := security.ValidateExportPath(cleanPath); err != nil {
		log.Printf("Security: rejected export path %s (from %s): %v", cleanPath, userPath, err)
		return "", fmt.Errorf("invalid export path: %w", err)
	}
	return cleanPath, nil
}

// handleCompositeExport writes the current composite to a PNG file under
// the export directory and reports where it landed. Unlike the composite
// endpoint this keeps the full-resolution image out of the HTTP response,
// which matters once a long scan pushes the composite past a few hundred
// megapixels.
//
// Query params:
//
//	filename (optional) - export file name; directories are stripped,
//	                      default composite_<scanner-id>.png
func (ws *WebServer) handleCompositeExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if ws.stitcher == nil {
		ws.writeJSONError(w, http.StatusServiceUnavailable, "no stitcher configured")
		return
	}
	snap := ws.stitcher.Snapshot()
	if snap.Height == 0 || snap.Width == 0 {
		ws.writeJSONError(w, http.StatusNotFound, "no composite available yet")
		return
	}

	name := r.URL.Query().Get("filename")
	if name == "" {
		name = fmt.Sprintf("composite_%s.png", security.SanitizeFilename(ws.scannerID))
	}
	if !strings.HasSuffix(strings.ToLower(name), ".png") {
		name += ".png"
	}
	path, err := safeExportPath(name)
	if err != nil {
		ws.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid export filename: %v", err))
		return
	}

	f, err := os.Create(path)
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to create export file: %v", err))
		return
	}
	defer f.Close()
	if err := png.Encode(f, snap.Gray()); err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to write composite: %v", err))
		return
	}

	log.Printf("Exported composite %dx%d to %s", snap.Width, snap.Height, path)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ok",
		"path":   path,
		"width":  snap.Width,
		"height": snap.Height,
	})
}
