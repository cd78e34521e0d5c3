// Package sensors ingests the vehicle's sensor telemetry from the
// on-board gateway. The gateway broadcasts line-oriented UDP datagrams
// covering the IMU, wheel encoders, the scan matcher's pose fixes, raw
// range scans, and visual marker detections.
package sensors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sunride-robotics/navcore/internal/nav"
	"github.com/sunride-robotics/navcore/internal/nav/estimator"
)

// Sink receives parsed sensor samples. The pipeline satisfies this
// directly.
type Sink interface {
	IngestScanPose(s estimator.ScanPoseSample)
	IngestGyro(s estimator.GyroSample)
	IngestEncoder(s estimator.EncoderSample)
	IngestScan(scan nav.RangeScan)
	IngestMarker(det nav.MarkerDetection, now time.Time)
}

// Stats tracks datagram and parse counters for the listener.
type Stats struct {
	mu sync.Mutex

	Datagrams   int64
	Bytes       int64
	Samples     int64
	ParseErrors int64
}

func (s *Stats) addDatagram(bytes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Datagrams++
	s.Bytes += int64(bytes)
}

func (s *Stats) addSample() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Samples++
}

func (s *Stats) addParseError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ParseErrors++
}

// Snapshot returns a copy of the counters.
func (s *Stats) Snapshot() (datagrams, bytes, samples, parseErrors int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Datagrams, s.Bytes, s.Samples, s.ParseErrors
}

func (s *Stats) logStats() {
	datagrams, bytes, samples, parseErrors := s.Snapshot()
	diagf("stats: %d datagrams, %d bytes, %d samples, %d parse errors",
		datagrams, bytes, samples, parseErrors)
}

// ListenerConfig configures a UDP telemetry listener.
type ListenerConfig struct {
	Address     string
	RcvBuf      int
	LogInterval time.Duration
	Sink        Sink
}

// UDPListener receives telemetry datagrams and dispatches parsed samples
// to its sink.
type UDPListener struct {
	address     string
	rcvBuf      int
	logInterval time.Duration
	sink        Sink
	stats       Stats
}

// NewUDPListener creates a listener from the given config.
func NewUDPListener(cfg ListenerConfig) (*UDPListener, error) {
	if cfg.Sink == nil {
		return nil, errors.New("sensors: sink required")
	}
	if cfg.RcvBuf == 0 {
		cfg.RcvBuf = 1 << 20
	}
	if cfg.LogInterval == 0 {
		cfg.LogInterval = time.Minute
	}
	return &UDPListener{
		address:     cfg.Address,
		rcvBuf:      cfg.RcvBuf,
		logInterval: cfg.LogInterval,
		sink:        cfg.Sink,
	}, nil
}

// Stats exposes the listener's counters.
func (l *UDPListener) Stats() *Stats {
	return &l.stats
}

// Start listens for telemetry datagrams until ctx is cancelled. Read
// deadlines keep the loop responsive to cancellation; parse failures are
// counted and skipped.
func (l *UDPListener) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", l.address)
	if err != nil {
		return fmt.Errorf("resolve telemetry address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen on telemetry address: %w", err)
	}
	defer conn.Close()

	if err := conn.SetReadBuffer(l.rcvBuf); err != nil {
		opsf("failed to set receive buffer to %d: %v", l.rcvBuf, err)
	}
	diagf("listening on %s with receive buffer %d bytes", l.address, l.rcvBuf)

	go l.statsLoop(ctx)

	buffer := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond)); err != nil {
			opsf("failed to set read deadline: %v", err)
		}
		n, _, err := conn.ReadFromUDP(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return ctx.Err()
			}
			opsf("read error: %v", err)
			continue
		}
		l.HandleDatagram(buffer[:n], time.Now())
	}
}

// HandleDatagram parses one telemetry datagram and dispatches its
// samples. Exposed so the replay tool can feed captured datagrams
// through the same path as live traffic.
func (l *UDPListener) HandleDatagram(datagram []byte, now time.Time) {
	l.stats.addDatagram(len(datagram))
	for _, line := range splitLines(datagram) {
		if err := dispatchLine(l.sink, line, now); err != nil {
			l.stats.addParseError()
			diagf("skipping line %q: %v", line, err)
			continue
		}
		l.stats.addSample()
	}
}

func (l *UDPListener) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(l.logInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.stats.logStats()
		}
	}
}
