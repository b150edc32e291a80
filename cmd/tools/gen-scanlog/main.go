// Command gen-scanlog generates synthetic .lslog scan recordings for
// replay and bench tests. Strips come from the simulated grabber, so the
// log carries the same ground-truth inter-strip shift the end-to-end
// tests rely on.
package main

import (
	"flag"
	"log"
	"time"

	"github.com/fabweave/loomscan/internal/linescan"
	"github.com/fabweave/loomscan/internal/linescan/grabber"
	"github.com/fabweave/loomscan/internal/linescan/recorder"
)

func main() {
	output := flag.String("o", "sample.lslog", "output path")
	strips := flag.Int("n", 100, "number of strips")
	lines := flag.Int("lines", 100, "scan lines per strip")
	width := flag.Int("width", 1024, "sensor pixels per line")
	advance := flag.Float64("advance", 0, "line advance between strip starts (0: simulator default)")
	drift := flag.Float64("drift", 0, "horizontal content drift per strip, pixels")
	noise := flag.Float64("noise", 0, "per-pixel noise amplitude, gray levels")
	seed := flag.Int64("seed", 1, "texture seed")
	flag.Parse()

	camera := linescan.DefaultCameraConfig()
	camera.Width = *width
	scan := linescan.DefaultScanningParams()

	// Queue sized to the whole run so nothing is dropped while recording.
	queue := linescan.NewStripQueue(*strips)
	sim := grabber.NewSimGrabber(grabber.SimConfig{
		Camera:         camera,
		LinesPerStrip:  *lines,
		AdvanceLines:   *advance,
		DriftX:         *drift,
		NoiseAmplitude: *noise,
		Seed:           *seed,
		StripCount:     int64(*strips),
		Interval:       time.Millisecond,
	})
	source := grabber.NewFrameSource(grabber.SourceConfig{
		Grabber:       sim,
		Camera:        camera,
		Scan:          scan,
		Trigger:       linescan.TriggerConfig{Mode: linescan.TriggerAuto, FrequencyHz: camera.LineRateHz},
		LinesPerStrip: *lines,
		Queue:         queue,
	})
	if err := source.Initialize(); err != nil {
		log.Fatalf("Failed to initialize frame source: %v", err)
	}
	defer source.Close()

	rec, err := recorder.NewRecorder(*output, camera, scan, linescan.TriggerAuto.String())
	if err != nil {
		log.Fatalf("Failed to create scan log: %v", err)
	}

	if err := source.Start(); err != nil {
		log.Fatalf("Failed to start acquisition: %v", err)
	}
	for i := 0; i < *strips; i++ {
		strip, ok := queue.Pop()
		if !ok {
			break
		}
		if err := rec.Record(strip); err != nil {
			log.Fatalf("Failed to record strip %d: %v", strip.ID, err)
		}
		if (i+1)%10 == 0 {
			log.Printf("%d/%d strips", i+1, *strips)
		}
	}
	source.Stop()
	if err := rec.Close(); err != nil {
		log.Fatalf("Failed to finalize scan log: %v", err)
	}
	log.Printf("✓ Created: %s", *output)
}
