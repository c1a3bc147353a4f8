package motion

import (
	"context"
	"fmt"
	"sync"
)

// Guard wraps a Controller so that while a lease is held only the lease
// holder can move the machine. Reads always pass through.
//
// Unleased commands are counted while they are being executed. Acquire
// waits for them to finish, and no new ones are admitted once a lease is
// pending or held.
type Guard struct {
	ctrl Controller

	mu       sync.Mutex
	holder   string
	lease    *Lease
	inflight int
	drained  chan struct{} // closed when inflight returns to zero
}

// NewGuard returns an unleased guard around ctrl.
func NewGuard(ctrl Controller) *Guard {
	return &Guard{ctrl: ctrl}
}

// Acquire grants exclusive motion to holder until the lease is released.
// Manual moves already under way are allowed to finish first; if they have
// not finished when ctx is done, Acquire gives up with ErrBusy.
func (g *Guard) Acquire(ctx context.Context, holder string) (*Lease, error) {
	g.mu.Lock()
	if g.lease != nil {
		defer g.mu.Unlock()
		return nil, fmt.Errorf("%w: held by %s", ErrBusy, g.holder)
	}
	l := &Lease{g: g}
	g.holder = holder
	g.lease = l

	for g.inflight > 0 {
		drained := g.drained
		g.mu.Unlock()
		select {
		case <-drained:
		case <-ctx.Done():
			l.Release()
			return nil, fmt.Errorf("%w: manual move still in progress: %v", ErrBusy, ctx.Err())
		}
		g.mu.Lock()
	}
	g.mu.Unlock()
	return l, nil
}

// Holder names the current lease holder, or "" when free.
func (g *Guard) Holder() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.holder
}

// manual runs an unleased command, refusing it while a lease is pending or
// held.
func (g *Guard) manual(f func() error) error {
	g.mu.Lock()
	if g.lease != nil {
		defer g.mu.Unlock()
		return fmt.Errorf("%w: held by %s", ErrBusy, g.holder)
	}
	if g.inflight == 0 {
		g.drained = make(chan struct{})
	}
	g.inflight++
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.inflight--
		if g.inflight == 0 {
			close(g.drained)
			g.drained = nil
		}
		g.mu.Unlock()
	}()
	return f()
}

func (g *Guard) check(l *Lease) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.lease != l {
		if g.lease == nil {
			return fmt.Errorf("%w: lease released", ErrBusy)
		}
		return fmt.Errorf("%w: held by %s", ErrBusy, g.holder)
	}
	return nil
}

func (g *Guard) Jog(ctx context.Context, axis Axis, distance float64) error {
	return g.manual(func() error { return g.ctrl.Jog(ctx, axis, distance) })
}

func (g *Guard) Home(ctx context.Context) error {
	return g.manual(func() error { return g.ctrl.Home(ctx) })
}

func (g *Guard) MoveTo(ctx context.Context, x, y float64) error {
	return g.manual(func() error { return g.ctrl.MoveTo(ctx, x, y) })
}

func (g *Guard) SetWorkZero(ctx context.Context) error {
	return g.manual(func() error { return g.ctrl.SetWorkZero(ctx) })
}

func (g *Guard) Position(ctx context.Context) (Position, error) { return g.ctrl.Position(ctx) }

func (g *Guard) Status(ctx context.Context) (Status, error) { return g.ctrl.Status(ctx) }

// Lease is the holder's view of a guarded controller.
type Lease struct {
	g *Guard
}

// Release frees the guard. Releasing twice is a no-op.
func (l *Lease) Release() {
	l.g.mu.Lock()
	defer l.g.mu.Unlock()
	if l.g.lease == l {
		l.g.lease = nil
		l.g.holder = ""
	}
}

func (l *Lease) Jog(ctx context.Context, axis Axis, distance float64) error {
	if err := l.g.check(l); err != nil {
		return err
	}
	return l.g.ctrl.Jog(ctx, axis, distance)
}

func (l *Lease) Home(ctx context.Context) error {
	if err := l.g.check(l); err != nil {
		return err
	}
	return l.g.ctrl.Home(ctx)
}

func (l *Lease) MoveTo(ctx context.Context, x, y float64) error {
	if err := l.g.check(l); err != nil {
		return err
	}
	return l.g.ctrl.MoveTo(ctx, x, y)
}

func (l *Lease) SetWorkZero(ctx context.Context) error {
	if err := l.g.check(l); err != nil {
		return err
	}
	return l.g.ctrl.SetWorkZero(ctx)
}

func (l *Lease) Position(ctx context.Context) (Position, error) { return l.g.ctrl.Position(ctx) }

func (l *Lease) Status(ctx context.Context) (Status, error) { return l.g.ctrl.Status(ctx) }
