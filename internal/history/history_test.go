package history

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/aoi.edge/internal/db"
	"github.com/banshee-data/aoi.edge/internal/fsutil"
	"github.com/banshee-data/aoi.edge/internal/inspect"
	"github.com/banshee-data/aoi.edge/internal/timeutil"
	"github.com/banshee-data/aoi.edge/internal/transform"
)

func newTestStore(t *testing.T) (*Store, *fsutil.MemoryFileSystem) {
	t.Helper()
	database, err := db.NewDB(filepath.Join(t.TempDir(), "aoi.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	mem := fsutil.NewMemoryFileSystem()
	return NewStore(database, mem, "/data/history"), mem
}

var start = time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)

// seedRun records a finished two point run with point 2 judged NG.
func seedRun(t *testing.T, s *Store, runID string, started time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateRun(ctx, &Run{
		RunID:       runID,
		Metadata:    Metadata{PartNo: "PN-1", BatchNo: "B-7", ProgramName: "board", StartedAt: started},
		TotalPoints: 2,
		Transform:   &transform.Transform{Scale: 1, TX: 1, TY: 1},
	}))
	require.NoError(t, s.AppendResult(ctx, runID, 1, PointResult{
		PointID: 1, X: 60, Y: 60, Result: inspect.ResultOK, ImagePath: runID + "/1.jpg",
	}))
	require.NoError(t, s.AppendResult(ctx, runID, 2, PointResult{
		PointID: 2, X: 80, Y: 60, Result: inspect.ResultNG, ImagePath: runID + "/2.jpg",
		Detections: []inspect.Detection{{Label: "missing_component", Confidence: 0.95, Box: [4]int{100, 100, 50, 50}}},
	}))
	require.NoError(t, s.FinishRun(ctx, runID, StatusCompleted, started.Add(time.Minute), "", nil))
}

func TestStore_RunLifecycle(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedRun(t, s, "20250301_093000", start)

	run, err := s.Get(ctx, "20250301_093000")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, run.Status)
	assert.Equal(t, 2, run.TotalPoints)
	assert.True(t, run.Metadata.StartedAt.Equal(start))
	require.NotNil(t, run.CompletedAt)
	assert.True(t, run.CompletedAt.Equal(start.Add(time.Minute)))
	assert.Equal(t, []int{}, run.NotAttempted)
	assert.Equal(t, Stats{Total: 2, NG: 1}, run.Stats)
	require.NotNil(t, run.Transform)
	assert.Equal(t, 1.0, run.Transform.TX)
	assert.Nil(t, run.UploadedAt)

	require.Len(t, run.Results, 2)
	assert.Equal(t, 1, run.Results[0].PointID)
	assert.Equal(t, []inspect.Detection{}, run.Results[0].Detections)
	assert.Equal(t, "missing_component", run.Results[1].Detections[0].Label)
}

func TestStore_AbortedRunKeepsNotAttempted(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateRun(ctx, &Run{RunID: "r1", Metadata: Metadata{StartedAt: start}, TotalPoints: 4}))
	require.NoError(t, s.AppendResult(ctx, "r1", 1, PointResult{PointID: 1, Result: inspect.ResultOK}))
	require.NoError(t, s.FinishRun(ctx, "r1", StatusAborted, start.Add(time.Second), "motion fault: ALARM:1", []int{2, 3, 4}))

	run, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, StatusAborted, run.Status)
	assert.Equal(t, "motion fault: ALARM:1", run.Error)
	assert.Equal(t, []int{2, 3, 4}, run.NotAttempted)
	assert.Nil(t, run.Transform)
}

func TestStore_AppendRejectsInvalidResult(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateRun(ctx, &Run{RunID: "r1", Metadata: Metadata{StartedAt: start}}))
	err := s.AppendResult(ctx, "r1", 1, PointResult{PointID: 1, Result: "maybe"})
	assert.ErrorIs(t, err, ErrInvalidResult)
}

func TestStore_ListNewestFirst(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedRun(t, s, "older", start)
	seedRun(t, s, "newer", start.Add(time.Hour))
	require.NoError(t, s.CreateRun(ctx, &Run{RunID: "empty", Metadata: Metadata{StartedAt: start.Add(-time.Hour)}}))

	list, err := s.List(ctx)
	require.NoError(t, err)
	ids := make([]string, len(list))
	for i, sum := range list {
		ids[i] = sum.RunID
	}
	if diff := cmp.Diff([]string{"newer", "older", "empty"}, ids); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, Stats{Total: 2, NG: 1}, list[0].Stats)
	assert.Equal(t, Stats{}, list[2].Stats)
	assert.Equal(t, StatusRunning, list[2].Status)
	assert.Nil(t, list[2].CompletedAt)
	assert.Equal(t, "PN-1", list[0].Metadata.PartNo)
}

func TestStore_UpdateResultOverridesOnlyJudgement(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedRun(t, s, "r1", start)

	before, err := s.Get(ctx, "r1")
	require.NoError(t, err)

	require.NoError(t, s.UpdateResult(ctx, "r1", 2, inspect.ResultOK))

	after, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	got := after.Results[1]
	assert.Equal(t, inspect.ResultOK, got.Result)
	assert.True(t, got.ManualOverride)
	assert.Equal(t, before.Results[1].Detections, got.Detections)
	assert.Equal(t, before.Results[1].ImagePath, got.ImagePath)
	assert.False(t, after.Results[0].ManualOverride)
	assert.Equal(t, Stats{Total: 2, NG: 0}, after.Stats)
}

func TestStore_UpdateResultErrors(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedRun(t, s, "r1", start)

	tests := []struct {
		name    string
		runID   string
		pointID int
		result  string
		want    error
	}{
		{"unknown run", "missing", 1, "OK", ErrRunNotFound},
		{"unknown point", "r1", 9, "OK", ErrPointNotFound},
		{"invalid result", "r1", 1, "GOOD", ErrInvalidResult},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.UpdateResult(ctx, tt.runID, tt.pointID, tt.result)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	run, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, inspect.ResultOK, run.Results[0].Result)
	assert.False(t, run.Results[0].ManualOverride)
}

func TestStore_ConcurrentOverrides(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedRun(t, s, "r1", start)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result := inspect.ResultOK
			if i%2 == 0 {
				result = inspect.ResultNG
			}
			assert.NoError(t, s.UpdateResult(ctx, "r1", 1+i%2, result))
		}(i)
	}
	wg.Wait()

	run, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, run.Results[0].ManualOverride)
	assert.True(t, run.Results[1].ManualOverride)
}

func TestStore_GetUnknownRun(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrRunNotFound)

	err = s.FinishRun(context.Background(), "nope", StatusStopped, start, "", nil)
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestStore_Images(t *testing.T) {
	s, mem := newTestStore(t)
	rel, err := s.SaveImage("r1", 3, []byte("jpeg"))
	require.NoError(t, err)
	assert.Equal(t, "r1/3.jpg", rel)
	assert.True(t, mem.Exists("/data/history/r1/3.jpg"))

	data, err := s.ReadImage(rel)
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg"), data)
}

func TestStore_NewRunIDAddsSuffix(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	id, err := s.NewRunID(ctx, start)
	require.NoError(t, err)
	assert.Equal(t, "20250301_093000", id)

	require.NoError(t, s.CreateRun(ctx, &Run{RunID: id, Metadata: Metadata{StartedAt: start}}))
	id, err = s.NewRunID(ctx, start)
	require.NoError(t, err)
	assert.Equal(t, "20250301_093000_2", id)
}

type recordingUploader struct {
	run    *Run
	images []Image
	err    error
}

func (u *recordingUploader) Upload(_ context.Context, run *Run, images []Image) (string, error) {
	u.run = run
	u.images = images
	if u.err != nil {
		return "", u.err
	}
	return "uploaded", nil
}

func TestStore_Upload(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Upload(ctx, "r1")
	assert.ErrorIs(t, err, ErrUploadDisabled)

	seedRun(t, s, "r1", start)
	_, err = s.SaveImage("r1", 1, []byte("one"))
	require.NoError(t, err)
	// Point 2's frame is missing and is skipped.

	u := &recordingUploader{}
	s.SetUploader(u)
	uploaded := start.Add(time.Hour)
	s.SetClock(timeutil.NewMockClock(uploaded))
	msg, err := s.Upload(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "uploaded", msg)
	assert.Equal(t, "r1", u.run.RunID)
	require.Len(t, u.images, 1)
	assert.Equal(t, "r1_1.jpg", u.images[0].Filename)
	assert.Equal(t, []byte("one"), u.images[0].Data)

	run, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, run.UploadedAt)
	assert.True(t, run.UploadedAt.Equal(uploaded), "uploaded at %v", run.UploadedAt)

	_, err = s.Upload(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestStore_UploadFailureLeavesRunUnmarked(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedRun(t, s, "r1", start)
	s.SetUploader(&recordingUploader{err: errors.New("host unreachable")})

	_, err := s.Upload(ctx, "r1")
	require.Error(t, err)

	run, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Nil(t, run.UploadedAt)
}

func TestStore_UploadRefusesRunInProgress(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateRun(ctx, &Run{RunID: "r1", Metadata: Metadata{StartedAt: start}, TotalPoints: 2}))
	u := &recordingUploader{}
	s.SetUploader(u)

	_, err := s.Upload(ctx, "r1")
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Nil(t, u.run, "uploader must not be called")

	run, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Nil(t, run.UploadedAt)

	require.NoError(t, s.FinishRun(ctx, "r1", StatusStopped, start.Add(time.Minute), "", []int{1, 2}))
	_, err = s.Upload(ctx, "r1")
	assert.NoError(t, err)
}

func TestComputeStats(t *testing.T) {
	got := ComputeStats([]PointResult{{Result: "OK"}, {Result: "NG"}, {Result: "NG"}})
	assert.Equal(t, Stats{Total: 3, NG: 2}, got)
	assert.Equal(t, Stats{}, ComputeStats(nil))
}
