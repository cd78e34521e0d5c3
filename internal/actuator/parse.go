package actuator

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sunride-robotics/navcore/internal/nav"
)

// Firmware line protocol. Outgoing commands:
//
//	CMD,<mode>,FR:<speed>:<angle>,FL:<speed>:<angle>,RL:<speed>:<angle>,RR:<speed>:<angle>,T:<unix_nanos>
//
// Incoming feedback:
//
//	HB,<seq>                heartbeat, one per watchdog interval
//	SA,<a0>,<a1>,<a2>,<a3>  measured steering angles, FR FL RL RR order
//	ES,<0|1>                E-stop line state

type feedbackKind int

const (
	feedbackHeartbeat feedbackKind = iota
	feedbackSteer
	feedbackEstop
)

type feedbackMsg struct {
	kind   feedbackKind
	angles [nav.NWheels]float64
	estop  bool
}

// formatCommand renders one outgoing command line, newline-terminated.
func formatCommand(cmd nav.ActuatorCommand) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CMD,%s", cmd.Mode)
	for i, w := range cmd.Wheels {
		fmt.Fprintf(&b, ",%s:%.3f:%.4f", nav.WheelLabels[i], w.SpeedMps, w.AngleRad)
	}
	fmt.Fprintf(&b, ",T:%d\n", cmd.TSUnixNanos)
	return b.String()
}

func parseFeedbackLine(line string) (feedbackMsg, error) {
	line = strings.TrimSpace(line)
	fields := strings.Split(line, ",")

	switch fields[0] {
	case "HB":
		if len(fields) != 2 {
			return feedbackMsg{}, fmt.Errorf("heartbeat wants 2 fields, got %d", len(fields))
		}
		if _, err := strconv.ParseUint(fields[1], 10, 64); err != nil {
			return feedbackMsg{}, fmt.Errorf("bad heartbeat seq %q", fields[1])
		}
		return feedbackMsg{kind: feedbackHeartbeat}, nil

	case "SA":
		if len(fields) != 1+nav.NWheels {
			return feedbackMsg{}, fmt.Errorf("steer feedback wants %d fields, got %d", 1+nav.NWheels, len(fields))
		}
		var msg feedbackMsg
		msg.kind = feedbackSteer
		for i := 0; i < nav.NWheels; i++ {
			angle, err := strconv.ParseFloat(fields[i+1], 64)
			if err != nil {
				return feedbackMsg{}, fmt.Errorf("bad steer angle %q", fields[i+1])
			}
			msg.angles[i] = angle
		}
		return msg, nil

	case "ES":
		if len(fields) != 2 {
			return feedbackMsg{}, fmt.Errorf("estop wants 2 fields, got %d", len(fields))
		}
		switch fields[1] {
		case "0":
			return feedbackMsg{kind: feedbackEstop, estop: false}, nil
		case "1":
			return feedbackMsg{kind: feedbackEstop, estop: true}, nil
		default:
			return feedbackMsg{}, fmt.Errorf("bad estop state %q", fields[1])
		}

	default:
		return feedbackMsg{}, fmt.Errorf("unknown message type %q", fields[0])
	}
}
