package serialmux

import (
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"

	"go.bug.st/serial"
)

// SerialPorter is the part of a serial port the multiplexer uses, so tests
// and the emulator can stand in for hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// PortOptions are the line settings of the controller port. GRBL-family
// boards ship at 115200 8N1.
type PortOptions struct {
	BaudRate int
	// Framing is data bits, parity and stop bits in the usual shorthand,
	// e.g. "8N1" or "7E2". Empty means 8N1.
	Framing string
}

var parities = map[byte]serial.Parity{
	'N': serial.NoParity,
	'E': serial.EvenParity,
	'O': serial.OddParity,
}

// SerialMode validates the options and converts them for go.bug.st/serial.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	baud := o.BaudRate
	if baud <= 0 {
		baud = 115200
	}

	framing := strings.ToUpper(strings.TrimSpace(o.Framing))
	if framing == "" {
		framing = "8N1"
	}
	if len(framing) != 3 {
		return nil, fmt.Errorf("invalid framing %q: want e.g. 8N1", o.Framing)
	}

	dataBits, err := strconv.Atoi(framing[:1])
	if err != nil || dataBits < 5 || dataBits > 8 {
		return nil, fmt.Errorf("invalid data bits in %q: must be between 5 and 8", o.Framing)
	}
	parity, ok := parities[framing[1]]
	if !ok {
		return nil, fmt.Errorf("unsupported parity in %q: expected N, E, or O", o.Framing)
	}

	mode := &serial.Mode{BaudRate: baud, DataBits: dataBits, Parity: parity}
	switch framing[2] {
	case '1':
		mode.StopBits = serial.OneStopBit
	case '2':
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("invalid stop bits in %q: supported values are 1 or 2", o.Framing)
	}
	return mode, nil
}

// NewRealSerialMux opens the controller port at path. Anything the board
// printed before we opened it (the boot banner, stale reports) is dropped.
func NewRealSerialMux(path string, opts PortOptions) (*SerialMux[serial.Port], error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		log.Printf("[serialmux] could not flush %s input: %v", path, err)
	}

	return NewSerialMux[serial.Port](port), nil
}
