package program

import (
	"fmt"
	"math"
)

// ScanConfig describes a board to cover with camera frames. Overlap is a
// fraction of the field of view shared by neighbouring frames.
type ScanConfig struct {
	WidthMM        float64 `json:"width_mm"`
	HeightMM       float64 `json:"height_mm"`
	OverlapPercent float64 `json:"overlap_percent"`
}

// ScanPoint is one frame centre in work and machine coordinates.
type ScanPoint struct {
	ID       int     `json:"id"`
	WorkX    float64 `json:"work_x"`
	WorkY    float64 `json:"work_y"`
	MachineX float64 `json:"machine_x"`
	MachineY float64 `json:"machine_y"`
}

// maxScanPoints bounds the preview a single request can generate.
const maxScanPoints = 10000

// ScanPath lays frames of fovW x fovH over the board in a zigzag, row by
// row, alternating direction. offsetX/offsetY is the G54 work offset, so
// machine = offset + work. Coordinates are rounded to 0.01 mm.
func ScanPath(cfg ScanConfig, fovW, fovH, offsetX, offsetY float64) ([]ScanPoint, error) {
	if cfg.WidthMM <= 0 || cfg.HeightMM <= 0 {
		return nil, fmt.Errorf("board size must be positive, got %gx%g", cfg.WidthMM, cfg.HeightMM)
	}
	if cfg.OverlapPercent < 0 || cfg.OverlapPercent >= 1 {
		return nil, fmt.Errorf("overlap must be in [0, 1), got %g", cfg.OverlapPercent)
	}
	if fovW <= 0 || fovH <= 0 {
		return nil, fmt.Errorf("field of view must be positive, got %gx%g", fovW, fovH)
	}

	stepX := fovW * (1 - cfg.OverlapPercent)
	stepY := fovH * (1 - cfg.OverlapPercent)
	cols := int(math.Ceil(cfg.WidthMM / stepX))
	rows := int(math.Ceil(cfg.HeightMM / stepY))
	if cols*rows > maxScanPoints {
		return nil, fmt.Errorf("scan would need %d frames, limit is %d", cols*rows, maxScanPoints)
	}

	path := make([]ScanPoint, 0, cols*rows)
	for row := 0; row < rows; row++ {
		y := float64(row) * stepY
		for i := 0; i < cols; i++ {
			col := i
			if row%2 == 1 {
				col = cols - 1 - i
			}
			x := float64(col) * stepX
			path = append(path, ScanPoint{
				ID:       len(path) + 1,
				WorkX:    Round2(x),
				WorkY:    Round2(y),
				MachineX: Round2(offsetX + x),
				MachineY: Round2(offsetY + y),
			})
		}
	}
	return path, nil
}

// Round2 rounds to 0.01 mm, the resolution shown to operators.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
