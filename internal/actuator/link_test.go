package actuator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunride-robotics/navcore/internal/nav"
)

type captureFeedback struct {
	mu         sync.Mutex
	heartbeats int
	steers     [][nav.NWheels]float64
	estops     []bool
}

func (c *captureFeedback) IngestHeartbeat(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.heartbeats++
}

func (c *captureFeedback) IngestSteerFeedback(angles [nav.NWheels]float64, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steers = append(c.steers, angles)
}

func (c *captureFeedback) SetEstop(engaged bool, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.estops = append(c.estops, engaged)
}

func TestWriteCommandFormat(t *testing.T) {
	t.Parallel()

	port := NewMockPort()
	link := NewLink(port)

	cmd := nav.ActuatorCommand{
		Mode:        "swerve",
		TSUnixNanos: 1234,
	}
	cmd.Wheels[nav.WheelFR] = nav.WheelCommand{SpeedMps: 1.5, AngleRad: 0.25}
	cmd.Wheels[nav.WheelRR] = nav.WheelCommand{SpeedMps: -0.5, AngleRad: -1.1}

	require.NoError(t, link.WriteCommand(cmd))

	got := port.Written()
	assert.Equal(t, "CMD,swerve,FR:1.500:0.2500,FL:0.000:0.0000,RL:0.000:0.0000,RR:-0.500:-1.1000,T:1234\n", got)
	assert.Equal(t, int64(1), link.Stats().CommandsWritten)
}

func TestMonitorDispatchesFeedback(t *testing.T) {
	t.Parallel()

	port := NewMockPort()
	link := NewLink(port)
	fb := &captureFeedback{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- link.Monitor(ctx, fb) }()

	port.FeedLine("HB,1")
	port.FeedLine("HB,2")
	port.FeedLine("SA,0.1000,-0.1000,0.0500,0.0000")
	port.FeedLine("ES,1")
	port.FeedLine("ES,0")
	port.FeedLine("garbage line")
	port.FeedLine("SA,not,enough,numeric,fields")
	port.FeedLine("HB,3")
	port.EndInput()

	require.NoError(t, <-done)

	fb.mu.Lock()
	defer fb.mu.Unlock()
	assert.Equal(t, 3, fb.heartbeats)
	require.Len(t, fb.steers, 1)
	assert.InDelta(t, 0.1, fb.steers[0][nav.WheelFR], 1e-9)
	assert.InDelta(t, -0.1, fb.steers[0][nav.WheelFL], 1e-9)
	assert.Equal(t, []bool{true, false}, fb.estops)

	stats := link.Stats()
	assert.Equal(t, int64(3), stats.Heartbeats)
	assert.Equal(t, int64(1), stats.SteerUpdates)
	assert.Equal(t, int64(2), stats.EstopUpdates)
	assert.Equal(t, int64(2), stats.ParseErrors)
}

func TestMonitorStopsOnCancel(t *testing.T) {
	t.Parallel()

	port := NewMockPort()
	link := NewLink(port)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- link.Monitor(ctx, &captureFeedback{}) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop on cancel")
	}
}

func TestParseFeedbackLineErrors(t *testing.T) {
	t.Parallel()

	cases := []string{
		"",
		"HB",
		"HB,notanumber",
		"SA,0.1,0.2",
		"ES,2",
		"XX,1",
	}
	for _, line := range cases {
		_, err := parseFeedbackLine(line)
		assert.Error(t, err, "line %q should not parse", line)
	}
}

func TestParseFeedbackLineTrimsWhitespace(t *testing.T) {
	t.Parallel()

	msg, err := parseFeedbackLine("  HB,42\r")
	require.NoError(t, err)
	assert.Equal(t, feedbackHeartbeat, msg.kind)
}

func TestZeroCommandLine(t *testing.T) {
	t.Parallel()

	port := NewMockPort()
	link := NewLink(port)
	require.NoError(t, link.WriteCommand(nav.ZeroCommand("differential", time.Unix(0, 99))))

	got := port.Written()
	assert.True(t, strings.HasPrefix(got, "CMD,differential,FR:0.000:0.0000,"))
	assert.True(t, strings.HasSuffix(got, ",T:99\n"))
}
