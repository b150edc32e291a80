package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fabweave/loomscan/internal/config"
	"github.com/fabweave/loomscan/internal/db"
	"github.com/fabweave/loomscan/internal/linescan"
	"github.com/fabweave/loomscan/internal/linescan/encoder"
	"github.com/fabweave/loomscan/internal/linescan/grabber"
	"github.com/fabweave/loomscan/internal/linescan/monitor"
	"github.com/fabweave/loomscan/internal/linescan/pipeline"
	"github.com/fabweave/loomscan/internal/linescan/preprocess"
	"github.com/fabweave/loomscan/internal/linescan/recorder"
	"github.com/fabweave/loomscan/internal/linescan/stitch"
	"github.com/fabweave/loomscan/internal/security"
	"github.com/fabweave/loomscan/internal/version"
)

var (
	listenAddr  = flag.String("listen", ":8080", "HTTP listen address for the monitor")
	scannerID   = flag.String("scanner-id", "loom-01", "scanner identifier stored with sessions and logs")
	dbPath      = flag.String("db", "loomscan.db", "path to the sqlite database")
	tuningPath  = flag.String("tuning", "", "scan tuning JSON file (empty: built-in defaults)")
	triggerFlag = flag.String("trigger", "auto", "line trigger mode: auto, external or encoder")
	sensorWidth = flag.Int("sensor-width", linescan.DefaultSensorWidth, "sensor pixels per scan line")
	lineRate    = flag.Float64("line-rate", linescan.DefaultLineRateHz, "line trigger frequency in Hz")
	scanLength  = flag.Float64("scan-length-mm", linescan.DefaultScanLengthMM, "web length of one scan pass in mm")
	bidir       = flag.Bool("bidirectional", true, "alternate scan direction between passes")
	encoderPort = flag.String("encoder-port", "", "serial device of the web position encoder (empty: derive position from strip count)")
	recordDir   = flag.String("record", "", "directory to tee captured strips into as a scan log")
	replayPath  = flag.String("replay", "", "scan log to replay instead of live acquisition")
	replaySpeed = flag.Float64("replay-speed", 1.0, "replay pacing; 1.0 = recorded rate, 0 = unthrottled")
	debugMode   = flag.Bool("debug", false, "enable diagnostic logging")
	traceMode   = flag.Bool("trace", false, "enable per-strip trace logging (implies -debug)")
)

// configureLogWriters fans the package logging streams out to stderr.
// Ops is always on; -debug adds diagnostics, -trace adds per-strip noise.
func configureLogWriters(debug, trace bool) {
	var diagW, traceW io.Writer
	if debug || trace {
		diagW = os.Stderr
	}
	if trace {
		traceW = os.Stderr
	}
	linescan.SetLogWriters(linescan.LogWriters{Ops: os.Stderr, Diag: diagW, Trace: traceW})
	grabber.SetLogWriters(os.Stderr, diagW, traceW)
	stitch.SetLogWriters(os.Stderr, diagW, traceW)
	pipeline.SetLogWriters(os.Stderr, diagW, traceW)
}

// recordLogPath builds the scan log location for a recording session:
// <dir>/<scanner-id>_<UTC timestamp>.lslog, scanner id sanitized for
// filesystem use.
func recordLogPath(dir, scannerID string, now time.Time) string {
	name := fmt.Sprintf("%s_%s.lslog",
		security.SanitizeFilename(scannerID), now.UTC().Format("20060102_150405"))
	return filepath.Join(dir, name)
}

func main() {
	flag.Parse()

	// Subcommand dispatch before any hardware or database is touched.
	if args := flag.Args(); len(args) > 0 && args[0] == "migrate" {
		db.RunMigrateCommand(args[1:], *dbPath)
		return
	}

	configureLogWriters(*debugMode, *traceMode)
	log.Printf("loomscan %s starting: scanner %s", version.String(), *scannerID)

	trigger, err := linescan.ParseTriggerMode(*triggerFlag)
	if err != nil {
		log.Fatalf("Invalid -trigger: %v", err)
	}

	tuning := config.EmptyScanTuning()
	if *tuningPath != "" {
		tuning, err = config.LoadScanTuning(*tuningPath)
		if err != nil {
			log.Fatalf("Failed to load tuning config: %v", err)
		}
		log.Printf("Loaded tuning config from %s", *tuningPath)
	}

	camera := linescan.DefaultCameraConfig()
	camera.Width = *sensorWidth
	camera.LineRateHz = *lineRate
	if *sensorWidth != linescan.DefaultSensorWidth {
		// Stock pitch comes from the sensor datasheet; a cropped ROI
		// spreads the same optics over fewer pixels.
		camera.PixelPitchMM = camera.FOVWidthMM / float64(*sensorWidth)
	}

	scan := linescan.DefaultScanningParams()
	scan.ScanLengthMM = *scanLength
	scan.OverlapPixels = tuning.GetOverlapPixels()
	scan.Bidirectional = *bidir

	database, err := db.NewDB(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open database %s: %v", *dbPath, err)
	}
	defer database.Close()

	stats := linescan.NewAcquisitionStats()
	alignStats := linescan.NewAlignmentStats()
	queue := linescan.NewStripQueue(tuning.GetQueueCapacity())
	stitcher := stitch.New(stitch.ConfigFromTuning(tuning, alignStats))

	procCfg, err := preprocess.ConfigFromTuning(tuning)
	if err != nil {
		log.Fatalf("Invalid preprocess tuning: %v", err)
	}
	proc := preprocess.New(procCfg)

	var rec *recorder.Recorder
	if *recordDir != "" {
		logPath := recordLogPath(*recordDir, *scannerID, time.Now())
		rec, err = recorder.NewRecorder(logPath, camera, scan, trigger.String())
		if err != nil {
			log.Fatalf("Failed to create scan log at %s: %v", logPath, err)
		}
		defer rec.Close()
		log.Printf("Recording strips to %s", logPath)
	}

	pipeCfg := pipeline.Config{
		Queue:         queue,
		Stitcher:      stitcher,
		Preprocessor:  proc,
		DB:            database,
		Camera:        camera,
		Scan:          scan,
		LinesPerStrip: tuning.GetLinesPerStrip(),
		TriggerMode:   trigger,
		Stats:         stats,
		StatsInterval: tuning.GetStatsInterval(),
		AlignStats:    alignStats,
	}
	if rec != nil {
		// One session id shared between the database row and the log
		// header, so a recorded session can be traced back later.
		pipeCfg.Recorder = rec
		pipeCfg.SessionID = rec.SessionID()
	}
	pipe, err := pipeline.New(pipeCfg)
	if err != nil {
		log.Fatalf("Failed to build pipeline: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	var position grabber.PositionSource
	if *encoderPort != "" {
		enc, err := encoder.Open(*encoderPort, encoder.PortOptions{}, encoder.Config{
			TicksPerMM: tuning.GetEncoderTicksPerMM(),
			StaleAfter: tuning.GetEncoderStaleAfter(),
		})
		if err != nil {
			log.Fatalf("Failed to open encoder on %s: %v", *encoderPort, err)
		}
		defer enc.Close()
		if err := enc.Initialize(); err != nil {
			log.Fatalf("Failed to initialize encoder: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := enc.Monitor(ctx); err != nil && ctx.Err() == nil {
				log.Printf("Encoder monitor error: %v", err)
			}
			log.Printf("Encoder routine terminated")
		}()
		position = enc
		log.Printf("Web encoder on %s (%.1f ticks/mm)", *encoderPort, tuning.GetEncoderTicksPerMM())
	} else if trigger == linescan.TriggerEncoder {
		log.Printf("Trigger mode encoder without -encoder-port; deriving position from strip count")
	}

	var source *grabber.FrameSource
	if *replayPath == "" {
		sim := grabber.NewSimGrabber(grabber.SimConfig{
			Camera:        camera,
			LinesPerStrip: tuning.GetLinesPerStrip(),
		})
		source = grabber.NewFrameSource(grabber.SourceConfig{
			Grabber:       sim,
			Camera:        camera,
			Scan:          scan,
			Trigger:       linescan.TriggerConfig{Mode: trigger, FrequencyHz: camera.LineRateHz, StepMM: camera.PixelPitchMM},
			LinesPerStrip: tuning.GetLinesPerStrip(),
			BufferCount:   tuning.GetBufferCount(),
			Queue:         queue,
			Stats:         stats,
			Position:      position,
			OnError:       func(err error) { pipe.ReportFault("grabber", err) },
		})
		if err := source.Initialize(); err != nil {
			log.Fatalf("Failed to initialize frame source: %v", err)
		}
		defer source.Close()
	}

	if err := pipe.Start(); err != nil {
		log.Fatalf("Failed to start pipeline: %v", err)
	}

	if source != nil {
		if err := source.Start(); err != nil {
			log.Fatalf("Failed to start acquisition: %v", err)
		}
		log.Printf("Acquisition started: %s trigger, %d px lines, %d lines/strip",
			trigger, camera.Width, tuning.GetLinesPerStrip())
	} else {
		rep, err := recorder.NewReplayer(*replayPath)
		if err != nil {
			log.Fatalf("Failed to open scan log %s: %v", *replayPath, err)
		}
		header := rep.Header()
		log.Printf("Replaying %d strips from %s (session %s, speed %.1fx)",
			rep.TotalStrips(), *replayPath, header.SessionID, *replaySpeed)

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer rep.Close()
			n, err := pipeline.RunReplay(ctx, pipeline.ReplayConfig{
				Replayer: rep,
				Queue:    queue,
				Speed:    *replaySpeed,
				Stats:    stats,
			})
			if err != nil && ctx.Err() == nil {
				log.Printf("Replay failed after %d strips: %v", n, err)
			} else {
				log.Printf("Replay delivered %d strips", n)
			}
			log.Printf("Replay routine terminated")
		}()
	}

	ws := monitor.NewWebServer(monitor.WebServerConfig{
		Address:    *listenAddr,
		ScannerID:  *scannerID,
		Camera:     camera,
		Trigger:    trigger,
		Stats:      stats,
		AlignStats: alignStats,
		Stitcher:   stitcher,
		Pipeline:   pipe,
		Source:     source,
		DB:         database,
		Tuning:     tuning,
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ws.Start(ctx); err != nil {
			log.Printf("HTTP server error: %v", err)
		}
		log.Printf("HTTP routine terminated")
	}()

	// Shutdown path: halt triggering first so no new strips arrive, then
	// let the pipeline drain the queue and close the session row.
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		if source != nil {
			if err := source.Stop(); err != nil {
				log.Printf("Stop acquisition error: %v", err)
			}
		}
		if err := pipe.Stop(); err != nil {
			log.Printf("Stop pipeline error: %v", err)
		}
		log.Printf("Acquisition routine terminated")
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
