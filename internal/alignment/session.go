// Package alignment walks the operator through re-locating a program's
// reference marks before a run, solves the placement correction and hands
// the corrected points to the run orchestrator.
package alignment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/aoi.edge/internal/history"
	"github.com/banshee-data/aoi.edge/internal/monitoring"
	"github.com/banshee-data/aoi.edge/internal/motion"
	"github.com/banshee-data/aoi.edge/internal/orchestrator"
	"github.com/banshee-data/aoi.edge/internal/program"
	"github.com/banshee-data/aoi.edge/internal/transform"
)

// State of an alignment session.
type State string

const (
	StateIdle        State = "idle"
	StateAligningRef State = "aligning_ref"
	StateCalculating State = "calculating"
	StateRunning     State = "running"
	StateFailed      State = "failed"
)

// Runner is the part of the orchestrator a session drives.
type Runner interface {
	Start(ctx context.Context, points []orchestrator.Point, meta history.Metadata, tr *transform.Transform) (string, error)
	Stop() bool
	IsRunning() bool
	OnFinish(f func(history.Run))
}

// Options configure the fit and the moves between refs.
type Options struct {
	Transform     transform.Options
	MotionTimeout time.Duration
}

// Status is a snapshot of a session.
type Status struct {
	State       State                `json:"state"`
	SessionID   string               `json:"session_id,omitempty"`
	ProgramName string               `json:"program_name,omitempty"`
	RefIndex    int                  `json:"ref_index"`
	RefsTotal   int                  `json:"refs_total"`
	CurrentRef  *program.Point       `json:"current_ref,omitempty"`
	Moving      bool                 `json:"moving"`
	Recorded    []RuntimeRef         `json:"recorded"`
	Transform   *transform.Transform `json:"transform,omitempty"`
	Quality     transform.Quality    `json:"quality,omitempty"`
	RunID       string               `json:"run_id,omitempty"`
	Reason      string               `json:"reason,omitempty"`
	LastRun     *history.Run         `json:"last_run,omitempty"`
}

// Session is the per-machine alignment state machine. All methods are
// safe for concurrent use.
type Session struct {
	ctrl   motion.Controller
	runner Runner
	opts   Options

	mu         sync.Mutex
	state      State
	gen        uint64
	id         string
	prog       *program.Program
	meta       history.Metadata
	idx        int
	moving     bool
	confirming bool // a position read is in flight
	recorded   []RuntimeRef
	tr         *transform.Transform
	quality    transform.Quality
	runID      string
	reason     string
	lastRun    *history.Run
	early      *history.Run // finished before Start returned its id
}

// New returns an idle session and subscribes it to runner's terminal
// notifications.
func New(ctrl motion.Controller, runner Runner, opts Options) *Session {
	if opts.MotionTimeout <= 0 {
		opts.MotionTimeout = 30 * time.Second
	}
	s := &Session{ctrl: ctrl, runner: runner, opts: opts, state: StateIdle}
	runner.OnFinish(s.runFinished)
	return s
}

// Status returns a copy of the session state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		State:     s.state,
		SessionID: s.id,
		RefIndex:  s.idx,
		Moving:    s.moving,
		Recorded:  append([]RuntimeRef{}, s.recorded...),
		Quality:   s.quality,
		RunID:     s.runID,
		Reason:    s.reason,
	}
	if s.prog != nil {
		st.ProgramName = s.prog.Name
		st.RefsTotal = len(s.prog.Refs)
		if s.state == StateAligningRef && s.idx < len(s.prog.Refs) {
			ref := s.prog.Refs[s.idx]
			st.CurrentRef = &ref
		}
	}
	if s.tr != nil {
		t := *s.tr
		st.Transform = &t
	}
	if s.lastRun != nil {
		run := *s.lastRun
		st.LastRun = &run
	}
	return st
}

// StartAlignment begins re-locating p's refs, moving to the first one.
// Refs are visited in ascending id order.
func (s *Session) StartAlignment(ctx context.Context, p *program.Program, meta history.Metadata) error {
	s.mu.Lock()
	if s.busyLocked() || s.runner.IsRunning() {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	if len(p.Refs) < 2 {
		s.mu.Unlock()
		return fmt.Errorf("%w: program %q has %d", ErrInsufficientRefs, p.Name, len(p.Refs))
	}

	s.gen++
	s.state = StateAligningRef
	s.id = uuid.NewString()
	s.prog = p.Clone()
	meta.ProgramName = p.Name
	s.meta = meta
	s.idx = 0
	s.recorded = nil
	s.tr = nil
	s.quality = ""
	s.runID = ""
	s.reason = ""
	s.moving = true
	s.confirming = false
	s.early = nil
	gen, first := s.gen, s.prog.Refs[0]
	monitoring.Logf("[alignment] session %s started for program %q (%d refs)", s.id, p.Name, len(p.Refs))
	s.mu.Unlock()

	return s.moveToRef(ctx, gen, first)
}

// ConfirmRef records the current machine position as the runtime location
// of the ref being aligned and advances to the next ref. After the last
// ref the correction is solved and the run started. The controller is
// never called with the lock held.
func (s *Session) ConfirmRef(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateAligningRef || s.moving || s.confirming {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot confirm a ref while %s", ErrInvalidState, st)
	}
	s.confirming = true
	gen := s.gen
	s.mu.Unlock()

	pos, err := s.ctrl.Position(ctx)

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return fmt.Errorf("%w: session cancelled while reading position", ErrInvalidState)
	}
	s.confirming = false
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to read position: %w", err)
	}
	ref := s.prog.Refs[s.idx]
	s.recorded = append(s.recorded, RuntimeRef{ID: ref.ID, X: pos.X, Y: pos.Y})
	monitoring.Logf("[alignment] ref %d taught at (%.3f, %.3f) found at (%.3f, %.3f)", ref.ID, ref.X, ref.Y, pos.X, pos.Y)
	s.idx++

	if s.idx < len(s.prog.Refs) {
		s.moving = true
		next := s.prog.Refs[s.idx]
		s.mu.Unlock()
		return s.moveToRef(ctx, gen, next)
	}

	s.state = StateCalculating
	c, err := Correct(s.prog, s.recorded, s.opts.Transform)
	if err != nil {
		s.failLocked(err.Error())
		s.mu.Unlock()
		return err
	}
	s.tr = &c.Transform
	s.quality = c.Quality
	meta, tr := s.meta, c.Transform
	monitoring.Logf("[alignment] session %s solved: rotation %.5f rad, scale %.5f, t=(%.3f, %.3f), residual %.4f mm (%s)",
		s.id, c.Transform.Rotation, c.Transform.Scale, c.Transform.TX, c.Transform.TY, c.Transform.Residual, c.Quality)
	s.mu.Unlock()

	return s.startRun(ctx, gen, c.Points, meta, &tr)
}

// startRun hands the corrected points to the runner without holding the
// lock. A run that finishes before Start returns is picked up from early.
func (s *Session) startRun(ctx context.Context, gen uint64, points []orchestrator.Point, meta history.Metadata, tr *transform.Transform) error {
	runID, err := s.runner.Start(ctx, points, meta, tr)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		if err == nil {
			s.runner.Stop()
		}
		return fmt.Errorf("%w: session cancelled while starting the run", ErrInvalidState)
	}
	if err != nil {
		s.failLocked(fmt.Sprintf("start run: %v", err))
		return err
	}
	s.runID = runID
	s.state = StateRunning
	if s.early != nil && s.early.RunID == runID {
		s.lastRun = s.early
		s.state = StateIdle
	}
	s.early = nil
	return nil
}

// Cancel abandons the session, stopping its run if one is in flight.
// Cancelling a failed session clears the failure.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateIdle:
		return
	case StateRunning:
		s.runner.Stop()
	}
	monitoring.Logf("[alignment] session %s cancelled in state %s", s.id, s.state)
	s.gen++
	s.state = StateIdle
	s.moving = false
	s.confirming = false
	s.early = nil
	s.reason = ""
}

func (s *Session) busyLocked() bool {
	switch s.state {
	case StateAligningRef, StateCalculating, StateRunning:
		return true
	}
	return false
}

// moveToRef sends the machine to a taught ref without holding the lock, so
// Status stays responsive during the move. The caller sets moving. A
// session cancelled during the move is left as Cancel put it.
func (s *Session) moveToRef(ctx context.Context, gen uint64, ref program.Point) error {
	mctx, cancel := context.WithTimeout(ctx, s.opts.MotionTimeout)
	err := s.ctrl.MoveTo(mctx, ref.X, ref.Y)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return nil
	}
	s.moving = false
	if err != nil {
		s.failLocked(fmt.Sprintf("move to ref %d: %v", ref.ID, err))
		return fmt.Errorf("failed to move to ref %d: %w", ref.ID, err)
	}
	return nil
}

func (s *Session) failLocked(reason string) {
	s.state = StateFailed
	s.reason = reason
	monitoring.Logf("[alignment] session %s failed: %s", s.id, reason)
}

func (s *Session) runFinished(run history.Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.RunID != s.runID {
		if s.state == StateCalculating {
			s.early = &run
		}
		return
	}
	s.lastRun = &run
	if s.state == StateRunning {
		s.state = StateIdle
	}
}
