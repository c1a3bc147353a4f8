package serialmux

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// EmulatedController implements SerialPorter as an in-memory GRBL-style
// motion controller. It answers the subset of the protocol the motion
// driver uses: realtime status queries, jogs, machine-coordinate rapids,
// homing, work-zero and alarm unlock. Moves complete instantly but the
// next status report still shows Run, so callers exercise their polling.
type EmulatedController struct {
	mu     sync.Mutex
	cond   *sync.Cond
	out    bytes.Buffer
	line   []byte
	closed bool

	mpos     [2]float64
	wco      [2]float64
	alarm    bool
	runPolls int
	silent   bool
	commands []string
}

// NewEmulatedController returns an idle controller at machine zero.
func NewEmulatedController() *EmulatedController {
	e := &EmulatedController{}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// NewEmulatedSerialMux wires an EmulatedController behind a SerialMux.
func NewEmulatedSerialMux() (*SerialMux[*EmulatedController], *EmulatedController) {
	e := NewEmulatedController()
	return NewSerialMux(e), e
}

// Read blocks until output is available or the port is closed.
func (e *EmulatedController) Read(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for !e.closed && e.out.Len() == 0 {
		e.cond.Wait()
	}
	if e.out.Len() == 0 {
		return 0, errors.New("serial port closed")
	}
	return e.out.Read(p)
}

// Write consumes command bytes, answering each complete line.
func (e *EmulatedController) Write(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, errors.New("serial port closed")
	}
	for _, b := range p {
		switch b {
		case '?':
			if !e.silent {
				e.emit(e.statusLocked())
			}
		case 0x18: // soft reset
			e.line = e.line[:0]
			e.emit("Grbl 1.1h ['$' for help]")
		case '\r':
		case '\n':
			cmd := strings.TrimSpace(string(e.line))
			e.line = e.line[:0]
			e.handleLocked(cmd)
		default:
			e.line = append(e.line, b)
		}
	}
	return len(p), nil
}

// Close unblocks readers.
func (e *EmulatedController) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.cond.Broadcast()
	return nil
}

// TriggerAlarm puts the controller into alarm as a limit switch would.
func (e *EmulatedController) TriggerAlarm(code int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.alarm = true
	e.emit(fmt.Sprintf("ALARM:%d", code))
}

// SetSilent stops the controller answering, as an unplugged cable would.
func (e *EmulatedController) SetSilent(silent bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.silent = silent
}

// Commands returns every line received so far.
func (e *EmulatedController) Commands() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.commands...)
}

// MachinePosition returns the emulated machine position.
func (e *EmulatedController) MachinePosition() (x, y float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mpos[0], e.mpos[1]
}

func (e *EmulatedController) emit(line string) {
	e.out.WriteString(line + "\r\n")
	e.cond.Broadcast()
}

func (e *EmulatedController) statusLocked() string {
	state := "Idle"
	switch {
	case e.alarm:
		state = "Alarm"
	case e.runPolls > 0:
		state = "Run"
		e.runPolls--
	}
	return fmt.Sprintf("<%s|MPos:%.3f,%.3f,0.000|FS:0,0|WCO:%.3f,%.3f,0.000>",
		state, e.mpos[0], e.mpos[1], e.wco[0], e.wco[1])
}

func (e *EmulatedController) handleLocked(cmd string) {
	if cmd != "" {
		e.commands = append(e.commands, cmd)
	}
	if e.silent {
		return
	}
	if cmd == "" {
		e.emit("ok")
		return
	}

	upper := strings.ToUpper(cmd)
	if e.alarm && upper != "$X" && upper != "$H" {
		e.emit("error:9")
		return
	}

	switch {
	case upper == "$X":
		e.alarm = false
		e.emit("[MSG:Caution: Unlocked]")
		e.emit("ok")
		return
	case upper == "$H":
		e.mpos = [2]float64{}
		e.alarm = false
		e.emit("ok")
		return
	case strings.HasPrefix(upper, "$J="):
		words, gcodes, err := parseWords(upper[3:])
		if err != nil {
			e.emit("error:2")
			return
		}
		relative := containsCode(gcodes, 91)
		e.applyMove(words, relative, false)
		e.emit("ok")
		return
	case strings.HasPrefix(upper, "$"):
		e.emit("ok")
		return
	}

	words, gcodes, err := parseWords(upper)
	if err != nil {
		e.emit("error:2")
		return
	}
	switch {
	case containsCode(gcodes, 10):
		// G10 L20 P1 Xa Yb: current position becomes work (a, b).
		if x, ok := words['X']; ok {
			e.wco[0] = e.mpos[0] - x
		}
		if y, ok := words['Y']; ok {
			e.wco[1] = e.mpos[1] - y
		}
	case containsCode(gcodes, 0) || containsCode(gcodes, 1):
		e.applyMove(words, containsCode(gcodes, 91), containsCode(gcodes, 53))
	}
	e.emit("ok")
}

func (e *EmulatedController) applyMove(words map[byte]float64, relative, machine bool) {
	for axis, letter := range []byte{'X', 'Y'} {
		v, ok := words[letter]
		if !ok {
			continue
		}
		switch {
		case relative:
			e.mpos[axis] += v
		case machine:
			e.mpos[axis] = v
		default:
			e.mpos[axis] = e.wco[axis] + v
		}
	}
	e.runPolls = 1
}

// parseWords splits a G-code line into address words. G codes are returned
// separately since a line may carry several.
func parseWords(line string) (map[byte]float64, []int, error) {
	words := make(map[byte]float64)
	var gcodes []int
	fields := strings.Fields(line)
	for _, f := range fields {
		if len(f) < 2 || f[0] < 'A' || f[0] > 'Z' {
			return nil, nil, fmt.Errorf("bad word %q", f)
		}
		v, err := strconv.ParseFloat(f[1:], 64)
		if err != nil {
			return nil, nil, fmt.Errorf("bad word %q: %w", f, err)
		}
		if f[0] == 'G' {
			gcodes = append(gcodes, int(v))
			continue
		}
		words[f[0]] = v
	}
	return words, gcodes, nil
}

func containsCode(codes []int, code int) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}
