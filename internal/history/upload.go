package history

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/aoi.edge/internal/monitoring"
)

// Image is one frame of a run as handed to an Uploader.
type Image struct {
	PointID  int
	Filename string
	Data     []byte
}

// Uploader delivers a finished run and its frames to a training host.
// Implementations must be idempotent per run id.
type Uploader interface {
	Upload(ctx context.Context, run *Run, images []Image) (string, error)
}

// SetUploader configures the training host client. A nil uploader
// disables Upload.
func (s *Store) SetUploader(u Uploader) { s.uploader = u }

// Upload sends runID with every readable frame to the training host and
// records the time of the successful upload. Runs still in progress are
// refused.
func (s *Store) Upload(ctx context.Context, runID string) (string, error) {
	if s.uploader == nil {
		return "", ErrUploadDisabled
	}
	run, err := s.Get(ctx, runID)
	if err != nil {
		return "", err
	}
	if run.Status == StatusRunning {
		return "", fmt.Errorf("%w: run %s is %s", ErrInvalidState, runID, run.Status)
	}

	images := make([]Image, 0, len(run.Results))
	for _, r := range run.Results {
		if r.ImagePath == "" {
			continue
		}
		data, err := s.ReadImage(r.ImagePath)
		if err != nil {
			monitoring.Logf("[history] run %s: skipping unreadable image %s: %v", runID, r.ImagePath, err)
			continue
		}
		images = append(images, Image{
			PointID:  r.PointID,
			Filename: fmt.Sprintf("%s_%d.jpg", runID, r.PointID),
			Data:     data,
		})
	}

	msg, err := s.uploader.Upload(ctx, run, images)
	if err != nil {
		return "", fmt.Errorf("failed to upload run %s: %w", runID, err)
	}
	if err := s.MarkUploaded(ctx, runID, s.clock.Now()); err != nil {
		return "", err
	}
	monitoring.Logf("[history] run %s uploaded: %s", runID, msg)
	return msg, nil
}

// runIDLayout names runs after their start time.
const runIDLayout = "20060102_150405"

// NewRunID returns an unused id derived from start, adding a numeric suffix
// when a run already started in the same second.
func (s *Store) NewRunID(ctx context.Context, start time.Time) (string, error) {
	base := start.Format(runIDLayout)
	id := base
	for n := 2; ; n++ {
		exists, err := s.Exists(ctx, id)
		if err != nil {
			return "", err
		}
		if !exists {
			return id, nil
		}
		id = fmt.Sprintf("%s_%d", base, n)
	}
}
