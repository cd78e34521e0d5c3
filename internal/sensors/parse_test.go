package sensors

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunride-robotics/navcore/internal/nav"
	"github.com/sunride-robotics/navcore/internal/nav/estimator"
)

type captureSink struct {
	scanPoses []estimator.ScanPoseSample
	gyros     []estimator.GyroSample
	encoders  []estimator.EncoderSample
	scans     []nav.RangeScan
	markers   []nav.MarkerDetection
}

func (c *captureSink) IngestScanPose(s estimator.ScanPoseSample) {
	c.scanPoses = append(c.scanPoses, s)
}
func (c *captureSink) IngestGyro(s estimator.GyroSample)       { c.gyros = append(c.gyros, s) }
func (c *captureSink) IngestEncoder(s estimator.EncoderSample) { c.encoders = append(c.encoders, s) }
func (c *captureSink) IngestScan(scan nav.RangeScan)           { c.scans = append(c.scans, scan) }
func (c *captureSink) IngestMarker(det nav.MarkerDetection, now time.Time) {
	c.markers = append(c.markers, det)
}

func TestDispatchLineIMU(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	require.NoError(t, dispatchLine(sink, "IMU,1000000000,0.125", time.Now()))

	require.Len(t, sink.gyros, 1)
	assert.InDelta(t, 0.125, sink.gyros[0].OmegaZ, 1e-12)
	assert.Equal(t, time.Unix(1, 0), sink.gyros[0].TS)
}

func TestDispatchLineENC(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	require.NoError(t, dispatchLine(sink, "ENC,1000000000,1.0,1.1,0.9,1.0", time.Now()))

	require.Len(t, sink.encoders, 1)
	assert.InDelta(t, 1.1, sink.encoders[0].WheelSpeeds[nav.WheelFL], 1e-12)
	assert.InDelta(t, 0.9, sink.encoders[0].WheelSpeeds[nav.WheelRL], 1e-12)
}

func TestDispatchLinePOSE(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	require.NoError(t, dispatchLine(sink, "POSE,2000000000,3.5,-1.25,1.5708", time.Now()))

	require.Len(t, sink.scanPoses, 1)
	s := sink.scanPoses[0]
	assert.InDelta(t, 3.5, s.X, 1e-12)
	assert.InDelta(t, -1.25, s.Y, 1e-12)
	assert.InDelta(t, 1.5708, s.Heading, 1e-12)
}

func TestDispatchLineSCAN(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	require.NoError(t, dispatchLine(sink, "SCAN,2000000000,0.0:4.2;1.5708:2.0;-0.7854:9.9", time.Now()))

	require.Len(t, sink.scans, 1)
	scan := sink.scans[0]
	require.Len(t, scan.Returns, 3)
	assert.InDelta(t, 4.2, scan.Returns[0].RangeM, 1e-12)
	assert.InDelta(t, 1.5708, scan.Returns[1].BearingRad, 1e-12)
	assert.Equal(t, int64(2000000000), scan.TSUnixNanos)
}

func TestDispatchLineMRK(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	require.NoError(t, dispatchLine(sink, "MRK,3000000000,dock-a,0.92,4.5,0.1", time.Now()))

	require.Len(t, sink.markers, 1)
	det := sink.markers[0]
	assert.Equal(t, "dock-a", det.ID)
	assert.InDelta(t, 0.92, det.Confidence, 1e-12)
	assert.InDelta(t, 4.5, det.RangeM, 1e-12)
	assert.Equal(t, int64(3000000000), det.TSUnixNanos)
}

func TestDispatchLineErrors(t *testing.T) {
	t.Parallel()

	cases := []string{
		"",
		"IMU,1000000000",
		"IMU,notatime,0.1",
		"IMU,1000000000,notarate",
		"ENC,1000000000,1.0,1.1",
		"POSE,1000000000,1.0,2.0",
		"SCAN,1000000000,0.0-4.2",
		"MRK,1000000000,,0.9,1.0,0.0",
		"MRK,1000000000,dock-a,bad,1.0,0.0",
		"GPS,1000000000,1,2",
	}
	for _, line := range cases {
		err := dispatchLine(&captureSink{}, line, time.Now())
		assert.Error(t, err, "line %q should not parse", line)
	}
}

func TestHandleDatagramMultiLine(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	l, err := NewUDPListener(ListenerConfig{Address: "127.0.0.1:0", Sink: sink})
	require.NoError(t, err)

	datagram := []byte("IMU,1000000000,0.1\nENC,1000000000,1,1,1,1\n\nbadline\nPOSE,1000000000,0,0,0\n")
	l.HandleDatagram(datagram, time.Now())

	assert.Len(t, sink.gyros, 1)
	assert.Len(t, sink.encoders, 1)
	assert.Len(t, sink.scanPoses, 1)

	datagrams, bytes, samples, parseErrors := l.Stats().Snapshot()
	assert.Equal(t, int64(1), datagrams)
	assert.Equal(t, int64(len(datagram)), bytes)
	assert.Equal(t, int64(3), samples)
	assert.Equal(t, int64(1), parseErrors)
}
