// Package main replays a captured sensor-gateway pcap through the full
// navigation pipeline offline and writes trajectory and velocity plots
// for the run.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/sunride-robotics/navcore/internal/actuator"
	"github.com/sunride-robotics/navcore/internal/config"
	"github.com/sunride-robotics/navcore/internal/nav"
	"github.com/sunride-robotics/navcore/internal/nav/costmap"
	"github.com/sunride-robotics/navcore/internal/nav/drive"
	"github.com/sunride-robotics/navcore/internal/nav/estimator"
	"github.com/sunride-robotics/navcore/internal/nav/mission"
	"github.com/sunride-robotics/navcore/internal/nav/monitor"
	"github.com/sunride-robotics/navcore/internal/nav/pipeline"
	"github.com/sunride-robotics/navcore/internal/nav/planner"
	"github.com/sunride-robotics/navcore/internal/nav/safety"
	"github.com/sunride-robotics/navcore/internal/sensors"
	"github.com/sunride-robotics/navcore/internal/sensors/replay"
)

var (
	pcapFile    = flag.String("pcap", "", "Path to the sensor capture (required)")
	udpPort     = flag.Int("port", 9100, "UDP destination port to filter (0: all UDP packets)")
	speed       = flag.Float64("speed", 1.0, "Replay speed multiplier (1.0: real time)")
	tuningFile  = flag.String("tuning", config.DefaultConfigPath, "Path to the tuning parameters file")
	missionFile = flag.String("mission", "", "Optional JSON waypoint list to run during replay")
	outputDir   = flag.String("out", "replay_plots", "Directory for generated plots")
	driveMode   = flag.String("drive-mode", string(drive.ModeDifferential), "Drive mode for the replay")
)

func loadWaypoints(path string) ([]nav.Waypoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mission file: %w", err)
	}
	var waypoints []nav.Waypoint
	if err := json.Unmarshal(data, &waypoints); err != nil {
		return nil, fmt.Errorf("parse mission file: %w", err)
	}
	return waypoints, nil
}

func main() {
	flag.Parse()

	if *pcapFile == "" {
		log.Fatal("a pcap file is required (-pcap)")
	}

	tuning, err := config.LoadTuningConfig(*tuningFile)
	if err != nil {
		log.Fatalf("failed to load tuning config: %v", err)
	}
	mode := drive.Mode(*driveMode)
	if !mode.Valid() {
		log.Fatalf("unknown drive mode %q", *driveMode)
	}

	seq := mission.NewSequencer(mission.ConfigFromTuning(tuning), nil)
	sup := safety.NewSupervisor(safety.ConfigFromTuning(tuning), nil, time.Now())

	plotter := monitor.NewRunPlotter()
	if err := plotter.Start(*outputDir); err != nil {
		log.Fatalf("failed to start run plotter: %v", err)
	}

	port := actuator.NewMockPort()
	link := actuator.NewLink(port)
	defer link.Close()

	pipe, err := pipeline.New(pipeline.Config{
		Tuning:    tuning,
		Estimator: estimator.New(estimator.ConfigFromTuning(tuning)),
		Costmap:   costmap.NewBuilder(costmap.ParamsFromTuning(tuning)),
		Planner:   planner.New(planner.ConfigFromTuning(tuning, 1.0/tuning.GetPlannerRateHz())),
		Arbiter:   drive.NewArbiter(drive.ConfigFromTuning(tuning), mode),
		Mission:   seq,
		Safety:    sup,
		Actuator:  link,
		Telemetry: plotter,
	})
	if err != nil {
		log.Fatalf("failed to build pipeline: %v", err)
	}

	listener, err := sensors.NewUDPListener(sensors.ListenerConfig{Sink: pipe})
	if err != nil {
		log.Fatalf("failed to create sensor listener: %v", err)
	}

	if *missionFile != "" {
		waypoints, err := loadWaypoints(*missionFile)
		if err != nil {
			log.Fatalf("failed to load mission: %v", err)
		}
		if err := seq.LoadMission(waypoints); err != nil {
			log.Fatalf("failed to load mission: %v", err)
		}
		if err := seq.Start(time.Now()); err != nil {
			log.Fatalf("failed to start mission: %v", err)
		}
		log.Printf("running mission with %d waypoints", len(waypoints))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Synthetic heartbeats keep the watchdog from tripping: the capture
	// holds sensor traffic only, not the firmware feedback stream.
	go func() {
		ticker := time.NewTicker(tuning.GetHeartbeatInterval())
		defer ticker.Stop()
		seqNum := 0
		for {
			select {
			case <-ticker.C:
				seqNum++
				port.FeedLine(fmt.Sprintf("HB,%d", seqNum))
			case <-ctx.Done():
				port.EndInput()
				return
			}
		}
	}()
	go func() {
		if err := link.Monitor(ctx, pipe); err != nil && err != context.Canceled {
			log.Printf("actuator monitor error: %v", err)
		}
	}()

	pipeDone := make(chan struct{})
	go func() {
		defer close(pipeDone)
		if err := pipe.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("pipeline error: %v", err)
		}
	}()

	stats, err := replay.ReplayFile(ctx, *pcapFile, listener, replay.Config{
		SpeedMultiplier: *speed,
		Port:            *udpPort,
	})
	if err != nil {
		log.Fatalf("replay failed: %v", err)
	}
	log.Printf("replayed %d packets (%d datagrams, %d bytes) spanning %s",
		stats.Packets, stats.Datagrams, stats.Bytes, stats.Duration.Round(time.Millisecond))

	// Let the slower loops drain the tail of the capture.
	time.Sleep(500 * time.Millisecond)
	cancel()
	<-pipeDone

	plotter.Stop()
	if err := plotter.GeneratePlots(seq.Waypoints()); err != nil {
		log.Fatalf("failed to generate plots: %v", err)
	}
	log.Printf("wrote %d telemetry samples to plots in %s", plotter.SampleCount(), *outputDir)

	final := pipe.Status(time.Now())
	log.Printf("final pose (%.2f, %.2f) heading %.2f, mission state %q",
		final.Pose.X, final.Pose.Y, final.Pose.Heading, final.Mission.State)
}
