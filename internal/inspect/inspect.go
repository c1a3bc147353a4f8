// Package inspect captures a frame at an inspection point and judges it.
package inspect

import (
	"context"
	"errors"
	"fmt"

	"github.com/banshee-data/aoi.edge/internal/motion"
)

const (
	ResultOK = "OK"
	ResultNG = "NG"
)

// ErrInspectionFailed wraps any capture or detection failure. The run
// records the point as NG and carries on.
var ErrInspectionFailed = errors.New("inspection failed")

// ValidResult reports whether s is a judgement a point may carry.
func ValidResult(s string) bool {
	return s == ResultOK || s == ResultNG
}

// Detection is one defect found in a frame. Box is [x, y, w, h] in pixels.
type Detection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Box        [4]int  `json:"box"`
}

// Verdict is the judgement of one frame.
type Verdict struct {
	Result     string      `json:"result"`
	Detections []Detection `json:"detections"`
}

// Camera grabs one JPEG frame. pos is where the machine was sent, which
// simulated cameras use to render the scene.
type Camera interface {
	Capture(ctx context.Context, pos motion.Position) ([]byte, error)
}

// Detector judges a JPEG frame.
type Detector interface {
	Detect(ctx context.Context, frame []byte) (Verdict, error)
}

// Inspector is the inspection collaborator the orchestrator consumes.
type Inspector interface {
	Inspect(ctx context.Context, pos motion.Position) (Verdict, []byte, error)
}

// DefaultFlushFrames is how many stale frames are discarded before the
// judged capture, so the frame is taken after the machine settled.
const DefaultFlushFrames = 3

// Pipeline flushes the camera buffer, captures a frame and runs detection.
type Pipeline struct {
	Camera      Camera
	Detector    Detector
	FlushFrames int
}

// NewPipeline returns a pipeline using DefaultFlushFrames.
func NewPipeline(cam Camera, det Detector) *Pipeline {
	return &Pipeline{Camera: cam, Detector: det, FlushFrames: DefaultFlushFrames}
}

// Inspect implements Inspector. The frame is returned alongside a
// detection error so it can still be kept for review.
func (p *Pipeline) Inspect(ctx context.Context, pos motion.Position) (Verdict, []byte, error) {
	for i := 0; i < p.FlushFrames; i++ {
		if _, err := p.Camera.Capture(ctx, pos); err != nil {
			return Verdict{}, nil, fmt.Errorf("%w: flush frame: %v", ErrInspectionFailed, err)
		}
	}
	frame, err := p.Camera.Capture(ctx, pos)
	if err != nil {
		return Verdict{}, nil, fmt.Errorf("%w: capture: %v", ErrInspectionFailed, err)
	}
	v, err := p.Detector.Detect(ctx, frame)
	if err != nil {
		return Verdict{}, frame, fmt.Errorf("%w: detect: %v", ErrInspectionFailed, err)
	}
	if !ValidResult(v.Result) {
		return Verdict{}, frame, fmt.Errorf("%w: detector returned result %q", ErrInspectionFailed, v.Result)
	}
	if v.Detections == nil {
		v.Detections = []Detection{}
	}
	return v, frame, nil
}
