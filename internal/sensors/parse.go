package sensors

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sunride-robotics/navcore/internal/nav"
	"github.com/sunride-robotics/navcore/internal/nav/estimator"
)

// Gateway line protocol. Each datagram carries one or more newline-
// separated lines; timestamps are gateway clock unix nanoseconds.
//
//	IMU,<ts>,<gyro_z_rad_s>
//	ENC,<ts>,<fr_mps>,<fl_mps>,<rl_mps>,<rr_mps>
//	POSE,<ts>,<x_m>,<y_m>,<heading_rad>
//	SCAN,<ts>,<bearing>:<range>;<bearing>:<range>;...
//	MRK,<ts>,<id>,<confidence>,<range_m>,<bearing_rad>

func splitLines(datagram []byte) []string {
	raw := strings.Split(string(datagram), "\n")
	lines := raw[:0]
	for _, line := range raw {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// dispatchLine parses one telemetry line and hands it to the sink.
func dispatchLine(sink Sink, line string, now time.Time) error {
	fields := strings.Split(line, ",")

	switch fields[0] {
	case "IMU":
		if len(fields) != 3 {
			return fmt.Errorf("IMU wants 3 fields, got %d", len(fields))
		}
		ts, err := parseTS(fields[1])
		if err != nil {
			return err
		}
		omega, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return fmt.Errorf("bad gyro rate %q", fields[2])
		}
		sink.IngestGyro(estimator.GyroSample{OmegaZ: omega, TS: ts})
		return nil

	case "ENC":
		if len(fields) != 2+nav.NWheels {
			return fmt.Errorf("ENC wants %d fields, got %d", 2+nav.NWheels, len(fields))
		}
		ts, err := parseTS(fields[1])
		if err != nil {
			return err
		}
		var sample estimator.EncoderSample
		sample.TS = ts
		for i := 0; i < nav.NWheels; i++ {
			speed, err := strconv.ParseFloat(fields[i+2], 64)
			if err != nil {
				return fmt.Errorf("bad wheel speed %q", fields[i+2])
			}
			sample.WheelSpeeds[i] = speed
		}
		sink.IngestEncoder(sample)
		return nil

	case "POSE":
		if len(fields) != 5 {
			return fmt.Errorf("POSE wants 5 fields, got %d", len(fields))
		}
		ts, err := parseTS(fields[1])
		if err != nil {
			return err
		}
		vals, err := parseFloats(fields[2:5])
		if err != nil {
			return err
		}
		sink.IngestScanPose(estimator.ScanPoseSample{
			X: vals[0], Y: vals[1], Heading: vals[2], TS: ts,
		})
		return nil

	case "SCAN":
		if len(fields) != 3 {
			return fmt.Errorf("SCAN wants 3 fields, got %d", len(fields))
		}
		ts, err := parseTS(fields[1])
		if err != nil {
			return err
		}
		returns, err := parseReturns(fields[2])
		if err != nil {
			return err
		}
		sink.IngestScan(nav.RangeScan{Returns: returns, TSUnixNanos: ts.UnixNano()})
		return nil

	case "MRK":
		if len(fields) != 6 {
			return fmt.Errorf("MRK wants 6 fields, got %d", len(fields))
		}
		ts, err := parseTS(fields[1])
		if err != nil {
			return err
		}
		if fields[2] == "" {
			return fmt.Errorf("empty marker ID")
		}
		vals, err := parseFloats(fields[3:6])
		if err != nil {
			return err
		}
		sink.IngestMarker(nav.MarkerDetection{
			ID:          fields[2],
			Confidence:  vals[0],
			RangeM:      vals[1],
			BearingRad:  vals[2],
			TSUnixNanos: ts.UnixNano(),
		}, now)
		return nil

	default:
		return fmt.Errorf("unknown sample type %q", fields[0])
	}
}

func parseTS(field string) (time.Time, error) {
	nanos, err := strconv.ParseInt(field, 10, 64)
	if err != nil || nanos <= 0 {
		return time.Time{}, fmt.Errorf("bad timestamp %q", field)
	}
	return time.Unix(0, nanos), nil
}

func parseFloats(fields []string) ([]float64, error) {
	vals := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("bad float %q", f)
		}
		vals[i] = v
	}
	return vals, nil
}

func parseReturns(field string) ([]nav.RangeReturn, error) {
	pairs := strings.Split(field, ";")
	returns := make([]nav.RangeReturn, 0, len(pairs))
	for _, pair := range pairs {
		if pair == "" {
			continue
		}
		parts := strings.Split(pair, ":")
		if len(parts) != 2 {
			return nil, fmt.Errorf("bad range return %q", pair)
		}
		bearing, err := strconv.ParseFloat(parts[0], 64)
		if err != nil {
			return nil, fmt.Errorf("bad bearing %q", parts[0])
		}
		rng, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return nil, fmt.Errorf("bad range %q", parts[1])
		}
		returns = append(returns, nav.RangeReturn{BearingRad: bearing, RangeM: rng})
	}
	return returns, nil
}
