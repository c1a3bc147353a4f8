package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/banshee-data/aoi.edge/internal/db"
	"github.com/banshee-data/aoi.edge/internal/fsutil"
	"github.com/banshee-data/aoi.edge/internal/inspect"
	"github.com/banshee-data/aoi.edge/internal/monitoring"
	"github.com/banshee-data/aoi.edge/internal/timeutil"
	"github.com/banshee-data/aoi.edge/internal/transform"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store persists runs in SQLite and their frames under imageDir.
type Store struct {
	db       *db.DB
	fs       fsutil.FileSystem
	imageDir string
	uploader Uploader
	clock    timeutil.Clock

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewStore returns a store writing frames to imageDir on fs.
func NewStore(database *db.DB, fs fsutil.FileSystem, imageDir string) *Store {
	if fs == nil {
		fs = fsutil.OSFileSystem{}
	}
	return &Store{
		db:       database,
		fs:       fs,
		imageDir: imageDir,
		clock:    timeutil.RealClock{},
		locks:    make(map[string]*sync.Mutex),
	}
}

// SetClock replaces the clock used to stamp uploads.
func (s *Store) SetClock(c timeutil.Clock) { s.clock = c }

// ImageDir is the root that image paths are relative to.
func (s *Store) ImageDir() string { return s.imageDir }

// lockRun serializes writers on one run.
func (s *Store) lockRun(runID string) func() {
	s.locksMu.Lock()
	mu, ok := s.locks[runID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[runID] = mu
	}
	s.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// Exists reports whether runID has been recorded.
func (s *Store) Exists(ctx context.Context, runID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE run_id = ?`, runID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check run %s: %w", runID, err)
	}
	return n > 0, nil
}

// CreateRun records the start of a run with no results.
func (s *Store) CreateRun(ctx context.Context, run *Run) error {
	var transformJSON sql.NullString
	if run.Transform != nil {
		data, err := json.Marshal(run.Transform)
		if err != nil {
			return fmt.Errorf("failed to encode transform: %w", err)
		}
		transformJSON = sql.NullString{String: string(data), Valid: true}
	}
	status := run.Status
	if status == "" {
		status = StatusRunning
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, part_no, batch_no, program_name, started_at, status, total_points, transform_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, run.RunID, run.Metadata.PartNo, run.Metadata.BatchNo, run.Metadata.ProgramName,
		formatTime(run.Metadata.StartedAt), status, run.TotalPoints, transformJSON)
	if err != nil {
		return fmt.Errorf("failed to create run %s: %w", run.RunID, err)
	}
	return nil
}

// AppendResult records the result of the seq'th visited point.
func (s *Store) AppendResult(ctx context.Context, runID string, seq int, r PointResult) error {
	if !inspect.ValidResult(r.Result) {
		return fmt.Errorf("%w: %q", ErrInvalidResult, r.Result)
	}
	detections := r.Detections
	if detections == nil {
		detections = []inspect.Detection{}
	}
	data, err := json.Marshal(detections)
	if err != nil {
		return fmt.Errorf("failed to encode detections: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO point_results (run_id, seq, point_id, x, y, result, detections_json, image_path, manual_override, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, runID, seq, r.PointID, r.X, r.Y, r.Result, string(data), r.ImagePath, boolInt(r.ManualOverride), nullString(r.Error))
	if err != nil {
		return fmt.Errorf("failed to append result for point %d of run %s: %w", r.PointID, runID, err)
	}
	return nil
}

// FinishRun moves a run to its terminal status.
func (s *Store) FinishRun(ctx context.Context, runID, status string, completedAt time.Time, runErr string, notAttempted []int) error {
	if notAttempted == nil {
		notAttempted = []int{}
	}
	data, err := json.Marshal(notAttempted)
	if err != nil {
		return fmt.Errorf("failed to encode not attempted points: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, completed_at = ?, error = ?, not_attempted_json = ?
		WHERE run_id = ?
	`, status, formatTime(completedAt), nullString(runErr), string(data), runID)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

// List returns every run, newest first.
func (s *Store) List(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.run_id, r.part_no, r.batch_no, COALESCE(r.program_name, ''), r.started_at,
			r.status, r.completed_at, r.uploaded_at,
			COUNT(p.point_id), COALESCE(SUM(CASE WHEN p.result = 'NG' THEN 1 ELSE 0 END), 0)
		FROM runs r
		LEFT JOIN point_results p ON p.run_id = r.run_id
		GROUP BY r.run_id
		ORDER BY r.started_at DESC, r.run_id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	summaries := []Summary{}
	for rows.Next() {
		var sum Summary
		var startedAt string
		var completedAt, uploadedAt sql.NullString
		if err := rows.Scan(&sum.RunID, &sum.Metadata.PartNo, &sum.Metadata.BatchNo, &sum.Metadata.ProgramName,
			&startedAt, &sum.Status, &completedAt, &uploadedAt, &sum.Stats.Total, &sum.Stats.NG); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if sum.Metadata.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if sum.CompletedAt, err = parseNullTime(completedAt); err != nil {
			return nil, err
		}
		if sum.UploadedAt, err = parseNullTime(uploadedAt); err != nil {
			return nil, err
		}
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// Get returns the full record of runID.
func (s *Store) Get(ctx context.Context, runID string) (*Run, error) {
	var run Run
	var startedAt string
	var completedAt, uploadedAt, runErr, notAttempted, transformJSON sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, part_no, batch_no, COALESCE(program_name, ''), started_at, status, total_points,
			completed_at, error, not_attempted_json, transform_json, uploaded_at
		FROM runs WHERE run_id = ?
	`, runID).Scan(&run.RunID, &run.Metadata.PartNo, &run.Metadata.BatchNo, &run.Metadata.ProgramName,
		&startedAt, &run.Status, &run.TotalPoints, &completedAt, &runErr, &notAttempted, &transformJSON, &uploadedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", runID, err)
	}

	if run.Metadata.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if run.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}
	if run.UploadedAt, err = parseNullTime(uploadedAt); err != nil {
		return nil, err
	}
	run.Error = runErr.String
	run.NotAttempted = []int{}
	if notAttempted.Valid {
		if err := json.Unmarshal([]byte(notAttempted.String), &run.NotAttempted); err != nil {
			return nil, fmt.Errorf("failed to decode not attempted points of run %s: %w", runID, err)
		}
	}
	if transformJSON.Valid {
		var t transform.Transform
		if err := json.Unmarshal([]byte(transformJSON.String), &t); err != nil {
			return nil, fmt.Errorf("failed to decode transform of run %s: %w", runID, err)
		}
		run.Transform = &t
	}

	if run.Results, err = s.results(ctx, runID); err != nil {
		return nil, err
	}
	run.Stats = ComputeStats(run.Results)
	return &run, nil
}

func (s *Store) results(ctx context.Context, runID string) ([]PointResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT point_id, x, y, result, detections_json, image_path, manual_override, error
		FROM point_results WHERE run_id = ? ORDER BY seq
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load results of run %s: %w", runID, err)
	}
	defer rows.Close()

	results := []PointResult{}
	for rows.Next() {
		var r PointResult
		var detections, imagePath, pointErr sql.NullString
		var override int
		if err := rows.Scan(&r.PointID, &r.X, &r.Y, &r.Result, &detections, &imagePath, &override, &pointErr); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		r.Detections = []inspect.Detection{}
		if detections.Valid && detections.String != "" {
			if err := json.Unmarshal([]byte(detections.String), &r.Detections); err != nil {
				return nil, fmt.Errorf("failed to decode detections of point %d: %w", r.PointID, err)
			}
		}
		r.ImagePath = imagePath.String
		r.ManualOverride = override != 0
		r.Error = pointErr.String
		results = append(results, r)
	}
	return results, rows.Err()
}

// UpdateResult overrides the judgement of one point after review. The
// detections and frame recorded for the point are left as they were.
func (s *Store) UpdateResult(ctx context.Context, runID string, pointID int, newResult string) error {
	if !inspect.ValidResult(newResult) {
		return fmt.Errorf("%w: %q", ErrInvalidResult, newResult)
	}
	unlock := s.lockRun(runID)
	defer unlock()

	exists, err := s.Exists(ctx, runID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE point_results SET result = ?, manual_override = 1
		WHERE run_id = ? AND point_id = ?
	`, newResult, runID, pointID)
	if err != nil {
		return fmt.Errorf("failed to update point %d of run %s: %w", pointID, runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: point %d in run %s", ErrPointNotFound, pointID, runID)
	}
	monitoring.Logf("[history] run %s point %d overridden to %s", runID, pointID, newResult)
	return nil
}

// MarkUploaded records a successful upload of runID.
func (s *Store) MarkUploaded(ctx context.Context, runID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET uploaded_at = ? WHERE run_id = ?`, formatTime(at), runID)
	if err != nil {
		return fmt.Errorf("failed to mark run %s uploaded: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

// SaveImage writes the frame judged at pointID and returns its path
// relative to ImageDir.
func (s *Store) SaveImage(runID string, pointID int, frame []byte) (string, error) {
	rel := path.Join(runID, strconv.Itoa(pointID)+".jpg")
	dir := filepath.Join(s.imageDir, runID)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create image directory: %w", err)
	}
	if err := s.fs.WriteFile(filepath.Join(s.imageDir, filepath.FromSlash(rel)), frame, 0o644); err != nil {
		return "", fmt.Errorf("failed to write image %s: %w", rel, err)
	}
	return rel, nil
}

// ReadImage reads a frame by the relative path stored on its result.
func (s *Store) ReadImage(rel string) ([]byte, error) {
	return s.fs.ReadFile(filepath.Join(s.imageDir, filepath.FromSlash(rel)))
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
