// Package replay feeds captured telemetry back through the live ingest
// path. Field captures are ordinary pcap files of the gateway's UDP
// broadcast; replaying one drives the whole navigation stack without a
// vehicle.
package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// DatagramSink receives replayed datagrams. The sensors UDP listener
// satisfies this via HandleDatagram.
type DatagramSink interface {
	HandleDatagram(datagram []byte, now time.Time)
}

// Config controls replay behaviour.
type Config struct {
	// SpeedMultiplier scales replay pacing: 1.0 is real time, 2.0 is
	// twice as fast. Zero or negative defaults to 1.0.
	SpeedMultiplier float64

	// Port filters to datagrams addressed to this UDP destination port.
	// Zero replays every UDP packet in the capture.
	Port int
}

// Stats summarises one replay run.
type Stats struct {
	Packets   int
	Datagrams int
	Bytes     int64
	Duration  time.Duration
}

// ReplayFile replays the pcap capture at path into sink, pacing
// datagrams by their original capture timing.
func ReplayFile(ctx context.Context, path string, sink DatagramSink, cfg Config) (Stats, error) {
	if cfg.SpeedMultiplier <= 0 {
		cfg.SpeedMultiplier = 1.0
	}

	f, err := os.Open(path)
	if err != nil {
		return Stats{}, fmt.Errorf("open capture %s: %w", path, err)
	}
	defer f.Close()

	reader, err := pcapgo.NewReader(f)
	if err != nil {
		return Stats{}, fmt.Errorf("read capture %s: %w", path, err)
	}

	var stats Stats
	var lastCapture time.Time
	start := time.Now()

	for {
		select {
		case <-ctx.Done():
			stats.Duration = time.Since(start)
			return stats, ctx.Err()
		default:
		}

		data, ci, err := reader.ReadPacketData()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			stats.Duration = time.Since(start)
			return stats, fmt.Errorf("read packet: %w", err)
		}
		stats.Packets++

		payload, ok := udpPayload(data, reader.LinkType(), cfg.Port)
		if !ok {
			continue
		}

		if !lastCapture.IsZero() {
			delay := ci.Timestamp.Sub(lastCapture)
			if scaled := time.Duration(float64(delay) / cfg.SpeedMultiplier); scaled > 0 {
				select {
				case <-ctx.Done():
					stats.Duration = time.Since(start)
					return stats, ctx.Err()
				case <-time.After(scaled):
				}
			}
		}
		lastCapture = ci.Timestamp

		sink.HandleDatagram(payload, time.Now())
		stats.Datagrams++
		stats.Bytes += int64(len(payload))
	}

	stats.Duration = time.Since(start)
	return stats, nil
}

// udpPayload extracts the UDP payload from one captured packet, or
// reports false for non-UDP traffic and port mismatches.
func udpPayload(data []byte, linkType layers.LinkType, port int) ([]byte, bool) {
	packet := gopacket.NewPacket(data, linkType, gopacket.Default)
	udpLayer := packet.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return nil, false
	}
	udp, ok := udpLayer.(*layers.UDP)
	if !ok {
		return nil, false
	}
	if port != 0 && int(udp.DstPort) != port {
		return nil, false
	}
	if len(udp.Payload) == 0 {
		return nil, false
	}
	return udp.Payload, true
}
