package monitor

import (
	"fmt"
	"image"
	"image/png"
	"log"
	"net/http"
	"strconv"

	"github.com/disintegration/imaging"
)

// handleComposite serves the current stitched composite as a PNG.
// Query params:
//
//	width (optional) - downscale to this pixel width, aspect preserved
func (ws *WebServer) handleComposite(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
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

	var img image.Image = snap.Gray()
	if wq := r.URL.Query().Get("width"); wq != "" {
		v, err := strconv.Atoi(wq)
		if err != nil || v <= 0 {
			ws.writeJSONError(w, http.StatusBadRequest, "invalid 'width' parameter")
			return
		}
		if v < snap.Width {
			img = imaging.Resize(img, v, 0, imaging.Lanczos)
		}
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`inline; filename="composite_%dx%d.png"`, snap.Width, snap.Height))
	if err := png.Encode(w, img); err != nil {
		// Headers are already out; all we can do is log the broken stream.
		log.Printf("composite encode error: %v", err)
	}
}
