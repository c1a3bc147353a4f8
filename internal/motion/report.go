package motion

import (
	"fmt"
	"strconv"
	"strings"
)

// Report is one parsed GRBL status report such as
// <Idle|MPos:10.000,5.000,0.000|FS:0,0|WCO:2.000,1.000,0.000>.
// Controllers send either MPos or WPos, and WCO only every few reports.
type Report struct {
	State   string
	MPos    Position
	HasMPos bool
	WPos    Position
	HasWPos bool
	WCO     Position
	HasWCO  bool
}

// ParseStatusReport parses a status line. Sub-states such as "Hold:0" are
// reduced to their state name.
func ParseStatusReport(line string) (Report, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "<") || !strings.HasSuffix(line, ">") {
		return Report{}, fmt.Errorf("not a status report: %q", line)
	}
	fields := strings.Split(line[1:len(line)-1], "|")
	if fields[0] == "" {
		return Report{}, fmt.Errorf("status report has no state: %q", line)
	}

	var r Report
	r.State, _, _ = strings.Cut(fields[0], ":")
	for _, f := range fields[1:] {
		key, value, ok := strings.Cut(f, ":")
		if !ok {
			continue
		}
		var dst *Position
		var has *bool
		switch key {
		case "MPos":
			dst, has = &r.MPos, &r.HasMPos
		case "WPos":
			dst, has = &r.WPos, &r.HasWPos
		case "WCO":
			dst, has = &r.WCO, &r.HasWCO
		default:
			continue
		}
		p, err := parseXY(value)
		if err != nil {
			return Report{}, fmt.Errorf("status report field %s: %w", key, err)
		}
		*dst, *has = p, true
	}
	if !r.HasMPos && !r.HasWPos {
		return Report{}, fmt.Errorf("status report has no position: %q", line)
	}
	return r, nil
}

func parseXY(s string) (Position, error) {
	parts := strings.Split(s, ",")
	if len(parts) < 2 {
		return Position{}, fmt.Errorf("want at least 2 axes, got %q", s)
	}
	x, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return Position{}, err
	}
	y, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return Position{}, err
	}
	return Position{X: x, Y: y}, nil
}
