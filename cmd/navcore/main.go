// Package main runs the navigation core: sensor fusion, local planning,
// mission sequencing and the safety supervisor, wired to the firmware
// serial link, the UDP sensor gateway and the HTTP control API.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sunride-robotics/navcore/internal/actuator"
	"github.com/sunride-robotics/navcore/internal/api"
	"github.com/sunride-robotics/navcore/internal/config"
	"github.com/sunride-robotics/navcore/internal/db"
	"github.com/sunride-robotics/navcore/internal/nav/costmap"
	"github.com/sunride-robotics/navcore/internal/nav/drive"
	"github.com/sunride-robotics/navcore/internal/nav/estimator"
	"github.com/sunride-robotics/navcore/internal/nav/mission"
	"github.com/sunride-robotics/navcore/internal/nav/monitor"
	"github.com/sunride-robotics/navcore/internal/nav/pipeline"
	"github.com/sunride-robotics/navcore/internal/nav/planner"
	"github.com/sunride-robotics/navcore/internal/nav/safety"
	navsqlite "github.com/sunride-robotics/navcore/internal/nav/storage/sqlite"
	"github.com/sunride-robotics/navcore/internal/sensors"
	"github.com/sunride-robotics/navcore/internal/version"
)

var (
	listen        = flag.String("listen", ":8080", "HTTP listen address")
	sensorAddr    = flag.String("sensor-addr", ":9100", "UDP bind address for the sensor gateway")
	serialPort    = flag.String("serial", "", "Firmware serial port (empty: mock port for bench runs)")
	baudRate      = flag.Int("baud", 115200, "Firmware serial baud rate")
	dbFile        = flag.String("db", "navcore.db", "Path to the SQLite telemetry database")
	migrationsDir = flag.String("migrations", "internal/db/migrations", "Path to the SQL migrations directory")
	tuningFile    = flag.String("tuning", config.DefaultConfigPath, "Path to the tuning parameters file")
	driveMode     = flag.String("drive-mode", string(drive.ModeDifferential), "Initial drive mode (differential or swerve)")
	plotDir       = flag.String("plot-dir", "", "Record run telemetry and write plots here on shutdown")
	rcvBuf        = flag.Int("rcvbuf", 1<<20, "UDP receive buffer size in bytes")
	debugLogs     = flag.Bool("debug", false, "Enable per-package diagnostic logging")
	showVersion   = flag.Bool("version", false, "Print version and exit")
)

// fanout republishes each status snapshot to every registered publisher.
type fanout struct {
	sinks []pipeline.TelemetryPublisher
}

func (f *fanout) PublishStatus(st pipeline.Status) {
	for _, s := range f.sinks {
		s.PublishStatus(st)
	}
}

// wireLogs routes the ops streams to stderr and, with -debug, the diag
// and trace streams too.
func wireLogs(debug bool) {
	var ops, diag, trace io.Writer
	ops = os.Stderr
	if debug {
		diag, trace = os.Stderr, os.Stderr
	}

	estimator.SetLogWriters(ops, diag, trace)
	costmap.SetLogWriters(ops, diag, trace)
	planner.SetLogWriters(diag, trace)
	drive.SetLogWriters(ops, diag)
	mission.SetLogWriters(ops, diag)
	safety.SetLogWriters(ops)
	pipeline.SetLogWriters(ops, diag)
	sensors.SetLogWriters(ops, diag)
	actuator.SetLogWriters(diag, trace)
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	log.Printf("starting %s", version.String())

	wireLogs(*debugLogs)

	tuning, err := config.LoadTuningConfig(*tuningFile)
	if err != nil {
		log.Fatalf("failed to load tuning config: %v", err)
	}

	mode := drive.Mode(*driveMode)
	if !mode.Valid() {
		log.Fatalf("unknown drive mode %q", *driveMode)
	}

	ndb, err := db.NewDB(*dbFile)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer ndb.Close()
	if err := ndb.MigrateUp(*migrationsDir); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	poseStore := navsqlite.NewPoseStore(ndb.DB)
	missionStore := navsqlite.NewMissionStore(ndb.DB)
	safetyStore := navsqlite.NewSafetyStore(ndb.DB)

	// Firmware link. Without hardware a mock port lets the pipeline run
	// on the bench; heartbeats are synthesised below so the watchdog
	// stays quiet.
	var link *actuator.Link
	var mockPort *actuator.MockPort
	if *serialPort == "" {
		log.Printf("no serial port configured, using mock firmware port")
		mockPort = actuator.NewMockPort()
		link = actuator.NewLink(mockPort)
	} else {
		link, err = actuator.Open(*serialPort, *baudRate)
		if err != nil {
			log.Fatalf("failed to open serial port %s: %v", *serialPort, err)
		}
	}
	defer link.Close()

	seq := mission.NewSequencer(mission.ConfigFromTuning(tuning), missionStore)
	sup := safety.NewSupervisor(safety.ConfigFromTuning(tuning), safetyStore, time.Now())

	hub := api.NewHub()
	telemetry := &fanout{sinks: []pipeline.TelemetryPublisher{hub}}
	var plotter *monitor.RunPlotter
	if *plotDir != "" {
		plotter = monitor.NewRunPlotter()
		if err := plotter.Start(*plotDir); err != nil {
			log.Fatalf("failed to start run plotter: %v", err)
		}
		telemetry.sinks = append(telemetry.sinks, plotter)
	}

	pipe, err := pipeline.New(pipeline.Config{
		Tuning:    tuning,
		Estimator: estimator.New(estimator.ConfigFromTuning(tuning)),
		Costmap:   costmap.NewBuilder(costmap.ParamsFromTuning(tuning)),
		Planner:   planner.New(planner.ConfigFromTuning(tuning, 1.0/tuning.GetPlannerRateHz())),
		Arbiter:   drive.NewArbiter(drive.ConfigFromTuning(tuning), mode),
		Mission:   seq,
		Safety:    sup,
		Actuator:  link,
		PoseStore: poseStore,
		Telemetry: telemetry,
	})
	if err != nil {
		log.Fatalf("failed to build pipeline: %v", err)
	}

	listener, err := sensors.NewUDPListener(sensors.ListenerConfig{
		Address: *sensorAddr,
		RcvBuf:  *rcvBuf,
		Sink:    pipe,
	})
	if err != nil {
		log.Fatalf("failed to create sensor listener: %v", err)
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Mock firmware heartbeat, bench runs only.
	if mockPort != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(tuning.GetHeartbeatInterval())
			defer ticker.Stop()
			seqNum := 0
			for {
				select {
				case <-ticker.C:
					seqNum++
					mockPort.FeedLine(fmt.Sprintf("HB,%d", seqNum))
				case <-ctx.Done():
					mockPort.EndInput()
					log.Print("mock heartbeat routine terminated")
					return
				}
			}
		}()
	}

	// Firmware feedback monitor. The pipeline is the feedback sink.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := link.Monitor(ctx, pipe); err != nil && err != context.Canceled {
			log.Printf("actuator monitor error: %v", err)
		}
		log.Print("actuator monitor routine terminated")
	}()

	// Sensor gateway listener.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := listener.Start(ctx); err != nil && err != context.Canceled {
			log.Printf("sensor listener error: %v", err)
		}
		log.Print("sensor listener routine terminated")
	}()

	// Navigation loops.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := pipe.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("pipeline error: %v", err)
		}
		log.Print("pipeline routine terminated")
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		apiServer := api.NewServer(api.ServerConfig{
			Pipeline:     pipe,
			Mission:      seq,
			Safety:       sup,
			Tuning:       tuning,
			Hub:          hub,
			PoseStore:    poseStore,
			MissionStore: missionStore,
			SafetyStore:  safetyStore,
		})

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(apiServer.ServeMux()),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			log.Printf("starting HTTP server on %s", *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
		log.Print("HTTP server routine stopped")
	}()

	wg.Wait()

	if plotter != nil {
		plotter.Stop()
		if err := plotter.GeneratePlots(seq.Waypoints()); err != nil {
			log.Printf("failed to generate run plots: %v", err)
		} else {
			log.Printf("run plots written to %s", *plotDir)
		}
	}

	log.Print("graceful shutdown complete")
}
