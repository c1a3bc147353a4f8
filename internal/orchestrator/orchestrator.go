// Package orchestrator replays a program's corrected inspection points:
// move, settle, inspect and record, one point at a time, in program order.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/aoi.edge/internal/history"
	"github.com/banshee-data/aoi.edge/internal/inspect"
	"github.com/banshee-data/aoi.edge/internal/monitoring"
	"github.com/banshee-data/aoi.edge/internal/motion"
	"github.com/banshee-data/aoi.edge/internal/timeutil"
	"github.com/banshee-data/aoi.edge/internal/transform"
)

var (
	ErrAlreadyRunning = errors.New("run already in progress")
	ErrNoPoints       = errors.New("no points to inspect")
)

// State of the orchestrator as reported in Status. Once a run ends the
// state is the run's terminal history status.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = history.StatusRunning
	StateCompleted State = history.StatusCompleted
	StateStopped   State = history.StatusStopped
	StateAborted   State = history.StatusAborted
)

// leaseHolder names the orchestrator on the motion guard.
const leaseHolder = "orchestrator"

// Point is an inspection point in machine coordinates, already corrected
// for the part's placement.
type Point struct {
	ID int     `json:"id"`
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
}

// Status is a point-in-time view of the orchestrator. It is safe to keep
// and serialize; nothing in it is shared with the running worker.
type Status struct {
	IsRunning         bool                  `json:"is_running"`
	State             State                 `json:"state"`
	RunID             string                `json:"run_id,omitempty"`
	CurrentPointIndex int                   `json:"current_point_index"`
	TotalPoints       int                   `json:"total_points"`
	LastError         string                `json:"last_error,omitempty"`
	Results           []history.PointResult `json:"results"`
}

// Options are the timing parameters of a run.
type Options struct {
	SettleTime     time.Duration
	MotionTimeout  time.Duration
	InspectTimeout time.Duration
	Clock          timeutil.Clock
}

func (o *Options) applyDefaults() {
	if o.MotionTimeout <= 0 {
		o.MotionTimeout = 30 * time.Second
	}
	if o.InspectTimeout <= 0 {
		o.InspectTimeout = 10 * time.Second
	}
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
}

// Orchestrator runs at most one inspection run at a time.
type Orchestrator struct {
	guard     *motion.Guard
	inspector inspect.Inspector
	store     *history.Store
	opts      Options

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
	listeners []func(history.Run)

	status atomic.Pointer[Status]
}

// New returns an idle orchestrator.
func New(guard *motion.Guard, inspector inspect.Inspector, store *history.Store, opts Options) *Orchestrator {
	opts.applyDefaults()
	o := &Orchestrator{
		guard:     guard,
		inspector: inspector,
		store:     store,
		opts:      opts,
	}
	o.status.Store(&Status{State: StateIdle, Results: []history.PointResult{}})
	return o
}

// OnFinish registers f to be called with the final record of every run,
// after it has been persisted.
func (o *Orchestrator) OnFinish(f func(history.Run)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listeners = append(o.listeners, f)
}

// Status returns the latest snapshot without blocking on the worker.
func (o *Orchestrator) Status() Status {
	s := *o.status.Load()
	s.Results = append([]history.PointResult(nil), s.Results...)
	if s.Results == nil {
		s.Results = []history.PointResult{}
	}
	return s
}

// IsRunning reports whether a run is in progress.
func (o *Orchestrator) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Start begins a run over points and returns its id. The run continues
// after ctx is cancelled; use Stop to end it early. tr is the alignment
// that produced the points, recorded with the run when non-nil.
func (o *Orchestrator) Start(ctx context.Context, points []Point, meta history.Metadata, tr *transform.Transform) (string, error) {
	if len(points) == 0 {
		return "", ErrNoPoints
	}

	if o.IsRunning() {
		return "", ErrAlreadyRunning
	}

	// A manual jog may still be finishing; wait for it without holding o.mu.
	actx, cancelAcquire := context.WithTimeout(ctx, o.opts.MotionTimeout)
	lease, err := o.guard.Acquire(actx, leaseHolder)
	cancelAcquire()
	if err != nil {
		if o.IsRunning() {
			return "", ErrAlreadyRunning
		}
		return "", err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		lease.Release()
		return "", ErrAlreadyRunning
	}

	meta.StartedAt = o.opts.Clock.Now()
	runID, err := o.store.NewRunID(ctx, meta.StartedAt)
	if err != nil {
		lease.Release()
		return "", err
	}
	run := &history.Run{
		RunID:       runID,
		Metadata:    meta,
		Status:      history.StatusRunning,
		TotalPoints: len(points),
		Transform:   tr,
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		lease.Release()
		return "", err
	}

	pts := append([]Point(nil), points...)
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.running = true
	o.cancel = cancel
	o.done = make(chan struct{})
	o.status.Store(&Status{
		IsRunning:   true,
		State:       StateRunning,
		RunID:       runID,
		TotalPoints: len(pts),
		Results:     []history.PointResult{},
	})

	monitoring.Logf("[orchestrator] run %s started: %d points (part %q, batch %q)", runID, len(pts), meta.PartNo, meta.BatchNo)
	go o.run(runCtx, lease, *run, pts, o.done)
	return runID, nil
}

// Stop asks the current run to end after the point in progress. It reports
// whether a run was active.
func (o *Orchestrator) Stop() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel == nil {
		return false
	}
	o.cancel()
	o.cancel = nil
	monitoring.Logf("[orchestrator] stop requested")
	return true
}

// Wait blocks until the current run, if any, has finished and been
// persisted.
func (o *Orchestrator) Wait(ctx context.Context) error {
	o.mu.Lock()
	done := o.done
	o.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) run(ctx context.Context, lease *motion.Lease, run history.Run, points []Point, done chan struct{}) {
	defer close(done)

	results := make([]history.PointResult, 0, len(points))
	status := history.StatusCompleted
	var runErr string
	var notAttempted []int

	for i, p := range points {
		if ctx.Err() != nil {
			status = history.StatusStopped
			notAttempted = pointIDs(points[i:])
			break
		}

		// A point in progress finishes even if a stop arrives.
		res, err := o.visit(context.WithoutCancel(ctx), lease, run.RunID, p)
		if err == nil {
			err = o.store.AppendResult(context.WithoutCancel(ctx), run.RunID, i+1, res)
		}
		if err != nil {
			status = history.StatusAborted
			runErr = err.Error()
			notAttempted = pointIDs(points[i:])
			monitoring.Logf("[orchestrator] run %s aborted at point %d: %v", run.RunID, p.ID, err)
			o.publish(func(s *Status) { s.LastError = runErr })
			break
		}

		results = append(results, res)
		snapshot := append([]history.PointResult(nil), results...)
		o.publish(func(s *Status) {
			s.CurrentPointIndex = len(snapshot)
			s.Results = snapshot
			if res.Error != "" {
				s.LastError = res.Error
			}
		})
	}

	completedAt := o.opts.Clock.Now()
	if err := o.store.FinishRun(context.Background(), run.RunID, status, completedAt, runErr, notAttempted); err != nil {
		monitoring.Logf("[orchestrator] failed to persist end of run %s: %v", run.RunID, err)
	}
	lease.Release()

	run.Status = status
	run.CompletedAt = &completedAt
	run.Error = runErr
	run.NotAttempted = notAttempted
	if run.NotAttempted == nil {
		run.NotAttempted = []int{}
	}
	run.Results = results
	run.Stats = history.ComputeStats(results)

	o.publish(func(s *Status) {
		s.IsRunning = false
		s.State = State(status)
	})

	o.mu.Lock()
	o.running = false
	o.cancel = nil
	listeners := append([]func(history.Run){}, o.listeners...)
	o.mu.Unlock()

	monitoring.Logf("[orchestrator] run %s %s: %d/%d points, %d NG",
		run.RunID, status, len(results), len(points), run.Stats.NG)
	for _, f := range listeners {
		f(run)
	}
}

// visit moves to p and inspects it. Only motion failures are returned;
// inspection failures become an NG result carrying the error.
func (o *Orchestrator) visit(ctx context.Context, lease *motion.Lease, runID string, p Point) (history.PointResult, error) {
	mctx, cancel := context.WithTimeout(ctx, o.opts.MotionTimeout)
	err := lease.MoveTo(mctx, p.X, p.Y)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", motion.ErrTimeout, err)
		}
		return history.PointResult{}, fmt.Errorf("point %d: %w", p.ID, err)
	}
	if err := timeutil.SleepContext(ctx, o.opts.Clock, o.opts.SettleTime); err != nil {
		return history.PointResult{}, fmt.Errorf("point %d: settle: %w", p.ID, err)
	}

	res := history.PointResult{PointID: p.ID, X: p.X, Y: p.Y}
	ictx, cancel := context.WithTimeout(ctx, o.opts.InspectTimeout)
	v, frame, err := o.inspector.Inspect(ictx, motion.Position{X: p.X, Y: p.Y})
	cancel()
	if err != nil {
		res.Result = inspect.ResultNG
		res.Detections = []inspect.Detection{}
		res.Error = err.Error()
		monitoring.Logf("[orchestrator] run %s point %d: %v", runID, p.ID, err)
	} else {
		res.Result = v.Result
		res.Detections = v.Detections
	}

	if len(frame) > 0 {
		path, err := o.store.SaveImage(runID, p.ID, frame)
		if err != nil {
			monitoring.Logf("[orchestrator] run %s point %d: %v", runID, p.ID, err)
		} else {
			res.ImagePath = path
		}
	}
	return res, nil
}

// publish replaces the status snapshot with a modified copy. Only the
// worker goroutine calls it while a run is active.
func (o *Orchestrator) publish(update func(*Status)) {
	next := *o.status.Load()
	update(&next)
	o.status.Store(&next)
}

func pointIDs(points []Point) []int {
	ids := make([]int, len(points))
	for i, p := range points {
		ids[i] = p.ID
	}
	return ids
}
