package motion

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/aoi.edge/internal/serialmux"
	"github.com/banshee-data/aoi.edge/internal/timeutil"
)

// FluidNCOptions configures the serial driver.
type FluidNCOptions struct {
	FeedRate        float64       // jog feed in mm/s
	ResponseTimeout time.Duration // per command/acknowledgement exchange
	PollInterval    time.Duration // status polling while a move completes
	Clock           timeutil.Clock
}

// FluidNC drives a GRBL-family controller over a serial multiplexer.
// Exchanges are serialized; every command waits for its "ok", and moves
// poll '?' status reports until the machine is idle at the target.
type FluidNC struct {
	mux  serialmux.SerialMuxInterface
	opts FluidNCOptions

	mu  sync.Mutex // one exchange at a time
	wco Position   // last work coordinate offset reported
}

// positionTolerance is how close an idle machine must be to a move target.
const positionTolerance = 0.01

// NewFluidNC returns a driver for the controller behind mux.
func NewFluidNC(mux serialmux.SerialMuxInterface, opts FluidNCOptions) *FluidNC {
	if opts.FeedRate <= 0 {
		opts.FeedRate = 100
	}
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = 2 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 50 * time.Millisecond
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	return &FluidNC{mux: mux, opts: opts}
}

func (f *FluidNC) Jog(ctx context.Context, axis Axis, distance float64) error {
	if _, err := ParseAxis(string(axis)); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	cmd := fmt.Sprintf("$J=G91 G21 %s%.3f F%.0f", axisLetter(axis), distance, f.opts.FeedRate*60)
	if err := f.command(ctx, cmd); err != nil {
		return err
	}
	_, err := f.waitIdle(ctx, nil)
	return err
}

func (f *FluidNC) Home(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	// $H only acknowledges once the homing cycle finishes.
	if err := f.command(ctx, "$H"); err != nil {
		return err
	}
	_, err := f.waitIdle(ctx, nil)
	return err
}

func (f *FluidNC) MoveTo(ctx context.Context, x, y float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.command(ctx, fmt.Sprintf("G53 G0 X%.3f Y%.3f", x, y)); err != nil {
		return err
	}
	_, err := f.waitIdle(ctx, &Position{X: x, Y: y})
	return err
}

func (f *FluidNC) Position(ctx context.Context) (Position, error) {
	st, err := f.Status(ctx)
	if err != nil {
		return Position{}, err
	}
	return st.Machine, nil
}

func (f *FluidNC) SetWorkZero(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.command(ctx, "G10 L20 P1 X0 Y0"); err != nil {
		return err
	}
	// The controller reports the new WCO lazily, so adopt it directly.
	st, err := f.query(ctx)
	if err != nil {
		return err
	}
	f.wco = st.Machine
	return nil
}

func (f *FluidNC) Status(ctx context.Context) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.query(ctx)
}

// command writes one line and waits for its acknowledgement.
func (f *FluidNC) command(ctx context.Context, line string) error {
	ctx, cancel := context.WithTimeout(ctx, f.opts.ResponseTimeout)
	defer cancel()

	id, ch := f.mux.Subscribe()
	defer f.mux.Unsubscribe(id)

	if err := f.mux.SendCommand(line); err != nil {
		return fmt.Errorf("%w: write %q: %v", ErrFault, line, err)
	}
	for {
		select {
		case <-ctx.Done():
			return timeoutError(ctx, fmt.Sprintf("waiting for ok to %q", line))
		case resp, ok := <-ch:
			if !ok {
				return fmt.Errorf("%w: controller link closed", ErrFault)
			}
			switch serialmux.ClassifyLine(resp) {
			case serialmux.LineOK:
				return nil
			case serialmux.LineError:
				return fmt.Errorf("%w: %q rejected with %s", ErrFault, line, resp)
			case serialmux.LineAlarm:
				return fmt.Errorf("%w: %s during %q", ErrFault, resp, line)
			}
		}
	}
}

// query sends a realtime status request and parses the first report.
func (f *FluidNC) query(ctx context.Context) (Status, error) {
	ctx, cancel := context.WithTimeout(ctx, f.opts.ResponseTimeout)
	defer cancel()

	id, ch := f.mux.Subscribe()
	defer f.mux.Unsubscribe(id)

	if err := f.mux.SendRealtime('?'); err != nil {
		return Status{}, fmt.Errorf("%w: status request: %v", ErrFault, err)
	}
	for {
		select {
		case <-ctx.Done():
			return Status{}, timeoutError(ctx, "waiting for status report")
		case resp, ok := <-ch:
			if !ok {
				return Status{}, fmt.Errorf("%w: controller link closed", ErrFault)
			}
			if serialmux.ClassifyLine(resp) != serialmux.LineStatus {
				continue
			}
			r, err := ParseStatusReport(resp)
			if err != nil {
				log.Printf("[motion] ignoring status report: %v", err)
				continue
			}
			return f.adopt(r), nil
		}
	}
}

func (f *FluidNC) adopt(r Report) Status {
	if r.HasWCO {
		f.wco = r.WCO
	}
	st := Status{State: r.State, Offset: f.wco}
	switch {
	case r.HasMPos:
		st.Machine = r.MPos
		st.Work = Position{X: r.MPos.X - f.wco.X, Y: r.MPos.Y - f.wco.Y}
	default:
		st.Work = r.WPos
		st.Machine = Position{X: r.WPos.X + f.wco.X, Y: r.WPos.Y + f.wco.Y}
	}
	return st
}

// waitIdle polls until the controller reports Idle, and when target is set,
// until the machine position matches it.
func (f *FluidNC) waitIdle(ctx context.Context, target *Position) (Status, error) {
	for {
		st, err := f.query(ctx)
		if err != nil {
			return Status{}, err
		}
		switch st.State {
		case "Alarm":
			return st, fmt.Errorf("%w: controller in alarm", ErrFault)
		case "Idle":
			if target == nil || atPosition(st.Machine, *target) {
				return st, nil
			}
		}
		if err := timeutil.SleepContext(ctx, f.opts.Clock, f.opts.PollInterval); err != nil {
			return Status{}, timeoutError(ctx, "waiting for move to finish")
		}
	}
}

func atPosition(a, b Position) bool {
	return math.Abs(a.X-b.X) <= positionTolerance && math.Abs(a.Y-b.Y) <= positionTolerance
}

func axisLetter(a Axis) string {
	if a == AxisY {
		return "Y"
	}
	return "X"
}
