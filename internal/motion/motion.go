// Package motion drives the XY gantry that carries the inspection camera.
//
// Positions are machine coordinates in millimetres unless a field says
// otherwise. Two controllers are provided: SimController, an in-process
// model with soft limits, and FluidNC, a driver for GRBL-family boards
// over a serialmux link. Guard arbitrates between the run orchestrator and
// everything else that wants to move the machine.
package motion

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrBusy is returned when another holder owns the machine.
	ErrBusy = errors.New("motion controller busy")
	// ErrFault is returned when the controller rejects a command or alarms.
	ErrFault = errors.New("motion fault")
	// ErrTimeout is returned when the controller does not answer in time.
	ErrTimeout = errors.New("motion communication timeout")
	// ErrInvalidAxis is returned for axes other than X and Y.
	ErrInvalidAxis = errors.New("invalid axis")
)

// Axis names a jog axis.
type Axis string

const (
	AxisX Axis = "x"
	AxisY Axis = "y"
)

// ParseAxis accepts "x"/"X" and "y"/"Y".
func ParseAxis(s string) (Axis, error) {
	switch Axis(strings.ToLower(strings.TrimSpace(s))) {
	case AxisX:
		return AxisX, nil
	case AxisY:
		return AxisY, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAxis, s)
}

// Position is an XY coordinate in millimetres.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Status is the controller state as reported to operators. Work is the
// machine position expressed in the G54 work coordinate system.
type Status struct {
	State   string   `json:"state"`
	Machine Position `json:"machine"`
	Work    Position `json:"work"`
	Offset  Position `json:"offset"`
}

// Controller is the motion collaborator consumed by the alignment session
// and the run orchestrator.
type Controller interface {
	// Jog moves one axis by a relative distance.
	Jog(ctx context.Context, axis Axis, distance float64) error
	// Home returns the machine to its reference position.
	Home(ctx context.Context) error
	// MoveTo moves to an absolute machine position and returns once the
	// machine has stopped there.
	MoveTo(ctx context.Context, x, y float64) error
	// Position reports the current machine position.
	Position(ctx context.Context) (Position, error)
	// SetWorkZero makes the current position the G54 origin.
	SetWorkZero(ctx context.Context) error
	// Status reports machine, work and offset coordinates.
	Status(ctx context.Context) (Status, error)
}

// timeoutError maps a context failure to ErrTimeout, leaving explicit
// cancellation recognisable.
func timeoutError(ctx context.Context, op string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, ErrTimeout)
	}
	return fmt.Errorf("%s: %w", op, ctx.Err())
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
