package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/aoi.edge/internal/db"
	"github.com/banshee-data/aoi.edge/internal/fsutil"
	"github.com/banshee-data/aoi.edge/internal/history"
	"github.com/banshee-data/aoi.edge/internal/inspect"
	"github.com/banshee-data/aoi.edge/internal/monitoring"
	"github.com/banshee-data/aoi.edge/internal/motion"
	"github.com/banshee-data/aoi.edge/internal/timeutil"
	"github.com/banshee-data/aoi.edge/internal/transform"
)

func init() {
	monitoring.SetLogger(nil)
}

// scriptedInspector judges points by X coordinate and can be made to block.
type scriptedInspector struct {
	mu      sync.Mutex
	calls   []motion.Position
	ng      map[float64]bool
	fail    map[float64]error
	entered chan motion.Position
	release chan struct{}
}

func (s *scriptedInspector) Inspect(ctx context.Context, pos motion.Position) (inspect.Verdict, []byte, error) {
	s.mu.Lock()
	s.calls = append(s.calls, pos)
	s.mu.Unlock()

	if s.entered != nil {
		s.entered <- pos
	}
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return inspect.Verdict{}, nil, ctx.Err()
		}
	}
	if err := s.fail[pos.X]; err != nil {
		return inspect.Verdict{}, nil, err
	}
	if s.ng[pos.X] {
		return inspect.Verdict{
			Result:     inspect.ResultNG,
			Detections: []inspect.Detection{{Label: "missing_component", Confidence: 0.9}},
		}, []byte("frame"), nil
	}
	return inspect.Verdict{Result: inspect.ResultOK, Detections: []inspect.Detection{}}, []byte("frame"), nil
}

func (s *scriptedInspector) Calls() []motion.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]motion.Position(nil), s.calls...)
}

// faultyController fails the failAt'th MoveTo.
type faultyController struct {
	motion.Controller
	mu     sync.Mutex
	moves  int
	failAt int
	err    error
}

func (f *faultyController) MoveTo(ctx context.Context, x, y float64) error {
	f.mu.Lock()
	f.moves++
	n := f.moves
	f.mu.Unlock()
	if n == f.failAt {
		return f.err
	}
	return f.Controller.MoveTo(ctx, x, y)
}

type fixture struct {
	orch  *Orchestrator
	guard *motion.Guard
	store *history.Store
	mem   *fsutil.MemoryFileSystem
	clock *timeutil.MockClock
	sim   *motion.SimController
}

func newFixture(t *testing.T, insp inspect.Inspector, wrap func(motion.Controller) motion.Controller) *fixture {
	t.Helper()
	database, err := db.NewDB(filepath.Join(t.TempDir(), "aoi.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	clock := timeutil.NewMockClock(time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC))
	sim := motion.NewSimController(motion.SimOptions{Clock: clock})
	var ctrl motion.Controller = sim
	if wrap != nil {
		ctrl = wrap(sim)
	}
	guard := motion.NewGuard(ctrl)
	mem := fsutil.NewMemoryFileSystem()
	store := history.NewStore(database, mem, "/data/history")
	orch := New(guard, insp, store, Options{
		SettleTime:     500 * time.Millisecond,
		MotionTimeout:  time.Second,
		InspectTimeout: time.Second,
		Clock:          clock,
	})
	return &fixture{orch: orch, guard: guard, store: store, mem: mem, clock: clock, sim: sim}
}

func waitRun(t *testing.T, o *Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Wait(ctx))
}

var threePoints = []Point{
	{ID: 1, X: 10, Y: 10},
	{ID: 2, X: 20, Y: 10},
	{ID: 3, X: 30, Y: 10},
}

var meta = history.Metadata{PartNo: "PN-1", BatchNo: "B-7", ProgramName: "board"}

func TestOrchestrator_CompletesRunInOrder(t *testing.T) {
	insp := &scriptedInspector{ng: map[float64]bool{20: true}}
	f := newFixture(t, insp, nil)

	tr := &transform.Transform{Scale: 1, TX: 1, TY: 1}
	runID, err := f.orch.Start(context.Background(), threePoints, meta, tr)
	require.NoError(t, err)
	assert.Equal(t, "20250301_093000", runID)
	waitRun(t, f.orch)

	st := f.orch.Status()
	assert.False(t, st.IsRunning)
	assert.Equal(t, StateCompleted, st.State)
	assert.Equal(t, 3, st.CurrentPointIndex)
	assert.Equal(t, 3, st.TotalPoints)
	require.Len(t, st.Results, 3)
	for i, r := range st.Results {
		assert.Equal(t, threePoints[i].ID, r.PointID)
	}
	assert.Equal(t, []motion.Position{{X: 10, Y: 10}, {X: 20, Y: 10}, {X: 30, Y: 10}}, insp.Calls())

	run, err := f.store.Get(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, history.StatusCompleted, run.Status)
	assert.Equal(t, history.Stats{Total: 3, NG: 1}, run.Stats)
	assert.Equal(t, "PN-1", run.Metadata.PartNo)
	require.NotNil(t, run.Transform)
	assert.Equal(t, 1.0, run.Transform.TX)
	assert.Equal(t, runID+"/2.jpg", run.Results[1].ImagePath)
	assert.True(t, f.mem.Exists("/data/history/"+runID+"/2.jpg"))

	pos, err := f.sim.Position(context.Background())
	require.NoError(t, err)
	assert.Equal(t, motion.Position{X: 30, Y: 10}, pos)
	assert.Equal(t, "", f.guard.Holder(), "lease released")

	settles := 0
	for _, d := range f.clock.Sleeps() {
		if d == 500*time.Millisecond {
			settles++
		}
	}
	assert.GreaterOrEqual(t, settles, 3)
}

func TestOrchestrator_StopBetweenPoints(t *testing.T) {
	insp := &scriptedInspector{
		entered: make(chan motion.Position, 3),
		release: make(chan struct{}),
	}
	f := newFixture(t, insp, nil)

	runID, err := f.orch.Start(context.Background(), threePoints, meta, nil)
	require.NoError(t, err)

	<-insp.entered
	assert.True(t, f.orch.Stop())
	close(insp.release)
	waitRun(t, f.orch)

	st := f.orch.Status()
	assert.False(t, st.IsRunning)
	assert.Equal(t, StateStopped, st.State)
	assert.Equal(t, 1, st.CurrentPointIndex)
	require.Len(t, st.Results, 1)
	assert.Len(t, insp.Calls(), 1)

	run, err := f.store.Get(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, history.StatusStopped, run.Status)
	assert.Equal(t, []int{2, 3}, run.NotAttempted)
	assert.Len(t, run.Results, 1)

	assert.False(t, f.orch.Stop(), "nothing left to stop")
}

func TestOrchestrator_MotionFaultAborts(t *testing.T) {
	insp := &scriptedInspector{}
	f := newFixture(t, insp, func(c motion.Controller) motion.Controller {
		return &faultyController{Controller: c, failAt: 2, err: motion.ErrFault}
	})

	runID, err := f.orch.Start(context.Background(), threePoints, meta, nil)
	require.NoError(t, err)
	waitRun(t, f.orch)

	st := f.orch.Status()
	assert.Equal(t, StateAborted, st.State)
	assert.Equal(t, 1, st.CurrentPointIndex)
	assert.Contains(t, st.LastError, "motion fault")

	run, err := f.store.Get(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, history.StatusAborted, run.Status)
	assert.Equal(t, []int{2, 3}, run.NotAttempted)
	assert.Contains(t, run.Error, "point 2")
	require.Len(t, run.Results, 1, "results collected before the fault are kept")
	assert.Equal(t, "", f.guard.Holder())
}

func TestOrchestrator_MotionTimeoutAborts(t *testing.T) {
	f := newFixture(t, &scriptedInspector{}, func(c motion.Controller) motion.Controller {
		return &faultyController{Controller: c, failAt: 1, err: context.DeadlineExceeded}
	})

	_, err := f.orch.Start(context.Background(), threePoints, meta, nil)
	require.NoError(t, err)
	waitRun(t, f.orch)

	st := f.orch.Status()
	assert.Equal(t, StateAborted, st.State)
	assert.Equal(t, 0, st.CurrentPointIndex)
	assert.Contains(t, st.LastError, motion.ErrTimeout.Error())
}

func TestOrchestrator_InspectionFailureContinues(t *testing.T) {
	insp := &scriptedInspector{fail: map[float64]error{20: errors.New("camera unplugged")}}
	f := newFixture(t, insp, nil)

	runID, err := f.orch.Start(context.Background(), threePoints, meta, nil)
	require.NoError(t, err)
	waitRun(t, f.orch)

	st := f.orch.Status()
	assert.Equal(t, StateCompleted, st.State)
	assert.Equal(t, 3, st.CurrentPointIndex)
	assert.Equal(t, "camera unplugged", st.LastError)

	run, err := f.store.Get(context.Background(), runID)
	require.NoError(t, err)
	failed := run.Results[1]
	assert.Equal(t, inspect.ResultNG, failed.Result)
	assert.Equal(t, "camera unplugged", failed.Error)
	assert.Empty(t, failed.ImagePath)
	assert.Equal(t, inspect.ResultOK, run.Results[2].Result)
}

func TestOrchestrator_InspectionTimeoutContinues(t *testing.T) {
	insp := &scriptedInspector{release: make(chan struct{})}
	f := newFixture(t, insp, nil)
	f.orch.opts.InspectTimeout = 10 * time.Millisecond

	_, err := f.orch.Start(context.Background(), threePoints[:2], meta, nil)
	require.NoError(t, err)
	waitRun(t, f.orch)

	st := f.orch.Status()
	assert.Equal(t, StateCompleted, st.State)
	require.Len(t, st.Results, 2)
	for _, r := range st.Results {
		assert.Equal(t, inspect.ResultNG, r.Result)
		assert.NotEmpty(t, r.Error)
	}
}

func TestOrchestrator_RejectsConcurrentStartAndJogs(t *testing.T) {
	insp := &scriptedInspector{
		entered: make(chan motion.Position, 3),
		release: make(chan struct{}),
	}
	f := newFixture(t, insp, nil)

	_, err := f.orch.Start(context.Background(), threePoints, meta, nil)
	require.NoError(t, err)
	<-insp.entered

	_, err = f.orch.Start(context.Background(), threePoints, meta, nil)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.True(t, f.orch.IsRunning())
	assert.True(t, f.orch.Status().IsRunning)

	err = f.guard.Jog(context.Background(), motion.AxisX, 5)
	assert.ErrorIs(t, err, motion.ErrBusy)

	close(insp.release)
	waitRun(t, f.orch)
	assert.NoError(t, f.guard.Jog(context.Background(), motion.AxisX, 5))
}

func TestOrchestrator_StartValidation(t *testing.T) {
	f := newFixture(t, &scriptedInspector{}, nil)
	_, err := f.orch.Start(context.Background(), nil, meta, nil)
	assert.ErrorIs(t, err, ErrNoPoints)

	lease, err := f.guard.Acquire(context.Background(), "someone")
	require.NoError(t, err)
	_, err = f.orch.Start(context.Background(), threePoints, meta, nil)
	assert.ErrorIs(t, err, motion.ErrBusy)
	lease.Release()

	assert.Equal(t, StateIdle, f.orch.Status().State)
}

func TestOrchestrator_OnFinishAfterPersistence(t *testing.T) {
	f := newFixture(t, &scriptedInspector{}, nil)

	got := make(chan history.Run, 1)
	var persisted string
	f.orch.OnFinish(func(run history.Run) {
		stored, err := f.store.Get(context.Background(), run.RunID)
		if err == nil {
			persisted = stored.Status
		}
		got <- run
	})

	runID, err := f.orch.Start(context.Background(), threePoints, meta, nil)
	require.NoError(t, err)

	select {
	case run := <-got:
		assert.Equal(t, runID, run.RunID)
		assert.Equal(t, history.StatusCompleted, run.Status)
		assert.Len(t, run.Results, 3)
		assert.Equal(t, []int{}, run.NotAttempted)
	case <-time.After(5 * time.Second):
		t.Fatal("OnFinish not called")
	}
	waitRun(t, f.orch)
	assert.Equal(t, history.StatusCompleted, persisted)
}

func TestOrchestrator_SecondRunGetsDistinctID(t *testing.T) {
	f := newFixture(t, &scriptedInspector{}, nil)
	first, err := f.orch.Start(context.Background(), threePoints[:1], meta, nil)
	require.NoError(t, err)
	waitRun(t, f.orch)

	// The mock clock only advanced by travel and settle time, still
	// within the same second for a short move.
	f.clock.Set(time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC))
	second, err := f.orch.Start(context.Background(), threePoints[:1], meta, nil)
	require.NoError(t, err)
	waitRun(t, f.orch)

	assert.NotEqual(t, first, second)
	assert.Equal(t, first+"_2", second)

	list, err := f.store.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestOrchestrator_StatusIsACopy(t *testing.T) {
	f := newFixture(t, &scriptedInspector{}, nil)
	_, err := f.orch.Start(context.Background(), threePoints, meta, nil)
	require.NoError(t, err)
	waitRun(t, f.orch)

	st := f.orch.Status()
	st.Results[0].Result = "tampered"
	assert.Equal(t, inspect.ResultOK, f.orch.Status().Results[0].Result)
}

// slowJog holds every Jog until released.
type slowJog struct {
	motion.Controller
	entered chan struct{}
	release chan struct{}
}

func (s *slowJog) Jog(ctx context.Context, axis motion.Axis, distance float64) error {
	s.entered <- struct{}{}
	<-s.release
	return s.Controller.Jog(ctx, axis, distance)
}

func TestOrchestrator_StartWaitsForManualJog(t *testing.T) {
	jog := &slowJog{entered: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, &scriptedInspector{}, func(c motion.Controller) motion.Controller {
		jog.Controller = c
		return jog
	})

	jogDone := make(chan error, 1)
	go func() { jogDone <- f.guard.Jog(context.Background(), motion.AxisX, 50) }()
	<-jog.entered

	started := make(chan error, 1)
	go func() {
		_, err := f.orch.Start(context.Background(), threePoints, meta, nil)
		started <- err
	}()
	select {
	case err := <-started:
		t.Fatalf("run started while the jog was moving: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(jog.release)
	require.NoError(t, <-jogDone)
	require.NoError(t, <-started)
	waitRun(t, f.orch)

	st := f.orch.Status()
	assert.Equal(t, StateCompleted, st.State)
	assert.Len(t, st.Results, 3)
	assert.Empty(t, st.LastError)
}
