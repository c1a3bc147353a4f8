package serialmux

import "strings"

// Line kinds emitted by a GRBL-family controller such as FluidNC.
const (
	LineOK      = "ok"
	LineError   = "error"
	LineAlarm   = "alarm"
	LineStatus  = "status"
	LineMessage = "message"
	LineBanner  = "banner"
	LineUnknown = "unknown"
)

// ClassifyLine inspects one line of controller output and returns its kind.
func ClassifyLine(line string) string {
	line = strings.TrimSpace(line)
	switch {
	case line == "ok":
		return LineOK
	case strings.HasPrefix(line, "error:"):
		return LineError
	case strings.HasPrefix(line, "ALARM:"):
		return LineAlarm
	case strings.HasPrefix(line, "<") && strings.HasSuffix(line, ">"):
		return LineStatus
	case strings.HasPrefix(line, "[MSG:"), strings.HasPrefix(line, "[GC:"), strings.HasPrefix(line, "[PRB:"):
		return LineMessage
	case strings.HasPrefix(line, "Grbl "), strings.HasPrefix(line, "FluidNC "):
		return LineBanner
	}
	return LineUnknown
}
