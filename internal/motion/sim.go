package motion

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/aoi.edge/internal/timeutil"
)

// SimOptions configures a SimController. Zero values fall back to the
// bench machine: 300x300 mm travel at 100 mm/s.
type SimOptions struct {
	SoftLimitX float64
	SoftLimitY float64
	FeedRate   float64 // mm/s
	Clock      timeutil.Clock
}

// SimController is an in-process gantry. Targets are clipped to
// [0, soft limit] on each axis and every move takes distance/feed on the
// configured clock.
type SimController struct {
	mu      sync.Mutex
	opts    SimOptions
	machine Position
	offset  Position
	moving  bool
}

// NewSimController returns a controller at machine zero.
func NewSimController(opts SimOptions) *SimController {
	if opts.SoftLimitX <= 0 {
		opts.SoftLimitX = 300
	}
	if opts.SoftLimitY <= 0 {
		opts.SoftLimitY = 300
	}
	if opts.FeedRate <= 0 {
		opts.FeedRate = 100
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	return &SimController{opts: opts}
}

func (s *SimController) Jog(ctx context.Context, axis Axis, distance float64) error {
	if _, err := ParseAxis(string(axis)); err != nil {
		return err
	}
	s.mu.Lock()
	target := s.machine
	s.mu.Unlock()
	switch axis {
	case AxisX:
		target.X += distance
	case AxisY:
		target.Y += distance
	}
	return s.MoveTo(ctx, target.X, target.Y)
}

func (s *SimController) Home(ctx context.Context) error {
	return s.MoveTo(ctx, 0, 0)
}

func (s *SimController) MoveTo(ctx context.Context, x, y float64) error {
	target := Position{
		X: clamp(x, 0, s.opts.SoftLimitX),
		Y: clamp(y, 0, s.opts.SoftLimitY),
	}

	s.mu.Lock()
	if s.moving {
		s.mu.Unlock()
		return ErrBusy
	}
	s.moving = true
	dist := math.Hypot(target.X-s.machine.X, target.Y-s.machine.Y)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.moving = false
		s.mu.Unlock()
	}()

	travel := time.Duration(dist / s.opts.FeedRate * float64(time.Second))
	if err := timeutil.SleepContext(ctx, s.opts.Clock, travel); err != nil {
		return timeoutError(ctx, "move")
	}

	s.mu.Lock()
	s.machine = target
	s.mu.Unlock()
	return nil
}

func (s *SimController) Position(ctx context.Context) (Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine, nil
}

func (s *SimController) SetWorkZero(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offset = s.machine
	return nil
}

func (s *SimController) Status(ctx context.Context) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := "Idle"
	if s.moving {
		state = "Run"
	}
	return Status{
		State:   state,
		Machine: s.machine,
		Offset:  s.offset,
		Work:    Position{X: s.machine.X - s.offset.X, Y: s.machine.Y - s.offset.Y},
	}, nil
}
