// Package actuator provides the serial link to the motor-driver
// firmware. Outgoing wheel commands and incoming feedback (watchdog
// heartbeats, measured steering angles, the E-stop line) share one
// line-oriented protocol over a single port.
package actuator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/sunride-robotics/navcore/internal/nav"
)

// ErrWriteFailed wraps short or failed writes to the port.
var ErrWriteFailed = fmt.Errorf("failed to write to actuator port")

// Porter is the minimal interface needed for the firmware port. The
// abstraction enables unit testing without real serial hardware.
type Porter interface {
	io.ReadWriter
	io.Closer
}

// Feedback receives parsed firmware feedback. The pipeline satisfies
// this directly.
type Feedback interface {
	IngestHeartbeat(now time.Time)
	IngestSteerFeedback(angles [nav.NWheels]float64, now time.Time)
	SetEstop(engaged bool, now time.Time)
}

// Stats are the link's line counters.
type Stats struct {
	CommandsWritten int64 `json:"commands_written"`
	Heartbeats      int64 `json:"heartbeats"`
	SteerUpdates    int64 `json:"steer_updates"`
	EstopUpdates    int64 `json:"estop_updates"`
	ParseErrors     int64 `json:"parse_errors"`
}

// Link drives the firmware serial port.
type Link struct {
	port Porter

	writeMu sync.Mutex

	statsMu sync.Mutex
	stats   Stats
}

// NewLink wraps an already-open port.
func NewLink(port Porter) *Link {
	return &Link{port: port}
}

// Open opens the firmware port at path and wraps it in a Link.
func Open(path string, baudRate int) (*Link, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open actuator port %s: %w", path, err)
	}
	return NewLink(port), nil
}

// WriteCommand sends one wheel command line to the firmware. The link
// satisfies the pipeline's ActuatorSink interface.
func (l *Link) WriteCommand(cmd nav.ActuatorCommand) error {
	line := formatCommand(cmd)

	l.writeMu.Lock()
	n, err := l.port.Write([]byte(line))
	l.writeMu.Unlock()

	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	if n < len(line) {
		return fmt.Errorf("%w: short write %d/%d", ErrWriteFailed, n, len(line))
	}

	l.statsMu.Lock()
	l.stats.CommandsWritten++
	l.statsMu.Unlock()
	tracef("sent %s", line[:len(line)-1])
	return nil
}

// Monitor reads feedback lines from the port and dispatches them until
// ctx is cancelled or the port read fails. Malformed lines are counted
// and skipped; the link never stops over a bad line.
func (l *Link) Monitor(ctx context.Context, fb Feedback) error {
	scanner := bufio.NewScanner(l.port)
	lines := make(chan string)
	scanErr := make(chan error, 1)

	go func() {
		defer close(lines)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			l.dispatch(line, fb, time.Now())
		}
	}
}

// Stats returns a copy of the line counters.
func (l *Link) Stats() Stats {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()
	return l.stats
}

// Close closes the underlying port.
func (l *Link) Close() error {
	return l.port.Close()
}

func (l *Link) dispatch(line string, fb Feedback, now time.Time) {
	msg, err := parseFeedbackLine(line)
	if err != nil {
		l.statsMu.Lock()
		l.stats.ParseErrors++
		l.statsMu.Unlock()
		diagf("skipping feedback line %q: %v", line, err)
		return
	}

	l.statsMu.Lock()
	switch msg.kind {
	case feedbackHeartbeat:
		l.stats.Heartbeats++
	case feedbackSteer:
		l.stats.SteerUpdates++
	case feedbackEstop:
		l.stats.EstopUpdates++
	}
	l.statsMu.Unlock()

	switch msg.kind {
	case feedbackHeartbeat:
		fb.IngestHeartbeat(now)
	case feedbackSteer:
		fb.IngestSteerFeedback(msg.angles, now)
	case feedbackEstop:
		fb.SetEstop(msg.estop, now)
	}
}
