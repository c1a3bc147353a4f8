// Package history is the durable record of inspection runs. Results are
// appended as the orchestrator produces them; afterwards only the judgement
// of a point may change, through a manual review override.
package history

import (
	"errors"
	"time"

	"github.com/banshee-data/aoi.edge/internal/inspect"
	"github.com/banshee-data/aoi.edge/internal/transform"
)

var (
	ErrRunNotFound    = errors.New("run not found")
	ErrPointNotFound  = errors.New("point not found")
	ErrInvalidResult  = errors.New("result must be OK or NG")
	ErrUploadDisabled = errors.New("no training host configured")
	ErrInvalidState   = errors.New("run has not finished")
)

// Run states. Everything except StatusRunning is terminal.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusStopped   = "stopped"
	StatusAborted   = "aborted"
)

// Metadata identifies what was inspected.
type Metadata struct {
	PartNo      string    `json:"part_no"`
	BatchNo     string    `json:"batch_no"`
	ProgramName string    `json:"program_name,omitempty"`
	StartedAt   time.Time `json:"started_at"`
}

// Stats counts judged points.
type Stats struct {
	Total int `json:"total"`
	NG    int `json:"ng"`
}

// PointResult is the judgement of one visited point. Error is set when the
// inspection itself failed; such points are recorded as NG.
type PointResult struct {
	PointID        int                 `json:"point_id"`
	X              float64             `json:"x"`
	Y              float64             `json:"y"`
	Result         string              `json:"result"`
	Detections     []inspect.Detection `json:"detections"`
	ImagePath      string              `json:"image_path"`
	ManualOverride bool                `json:"manual_override"`
	Error          string              `json:"error,omitempty"`
}

// Run is the full record of one run.
type Run struct {
	RunID        string               `json:"run_id"`
	Metadata     Metadata             `json:"metadata"`
	Status       string               `json:"status"`
	TotalPoints  int                  `json:"total_points"`
	CompletedAt  *time.Time           `json:"completed_at,omitempty"`
	Error        string               `json:"error,omitempty"`
	NotAttempted []int                `json:"not_attempted"`
	Transform    *transform.Transform `json:"transform,omitempty"`
	UploadedAt   *time.Time           `json:"uploaded_at,omitempty"`
	Results      []PointResult        `json:"results"`
	Stats        Stats                `json:"stats"`
}

// Summary is the list view of a run.
type Summary struct {
	RunID       string     `json:"run_id"`
	Metadata    Metadata   `json:"metadata"`
	Status      string     `json:"status"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UploadedAt  *time.Time `json:"uploaded_at,omitempty"`
	Stats       Stats      `json:"stats"`
}

// ComputeStats counts results and NG judgements.
func ComputeStats(results []PointResult) Stats {
	s := Stats{Total: len(results)}
	for _, r := range results {
		if r.Result == inspect.ResultNG {
			s.NG++
		}
	}
	return s
}
