package alignment

import (
	"errors"
	"fmt"

	"github.com/banshee-data/aoi.edge/internal/orchestrator"
	"github.com/banshee-data/aoi.edge/internal/program"
	"github.com/banshee-data/aoi.edge/internal/transform"
)

var (
	ErrInsufficientRefs = errors.New("program needs at least two reference marks")
	ErrAlreadyRunning   = errors.New("alignment or run already in progress")
	ErrInvalidState     = errors.New("operation not valid in current alignment state")
)

// RuntimeRef is where the operator found a taught ref before this run.
type RuntimeRef struct {
	ID int     `json:"id"`
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
}

// Correction is the result of aligning a program to runtime refs.
type Correction struct {
	Points    []orchestrator.Point `json:"corrected_points"`
	Transform transform.Transform  `json:"transform"`
	Matrix    [2][3]float64        `json:"matrix"`
	Quality   transform.Quality    `json:"quality"`
}

// Correct fits a transform from p's refs to runtime, matched by id, and
// applies it to every inspection point in program order. Runtime refs with
// no taught partner are ignored.
func Correct(p *program.Program, runtime []RuntimeRef, opts transform.Options) (*Correction, error) {
	if len(p.Refs) < 2 {
		return nil, fmt.Errorf("%w: program %q has %d", ErrInsufficientRefs, p.Name, len(p.Refs))
	}

	found := make(map[int]RuntimeRef, len(runtime))
	for _, r := range runtime {
		found[r.ID] = r
	}
	var pairs []transform.Pair
	for _, ref := range p.Refs {
		r, ok := found[ref.ID]
		if !ok {
			continue
		}
		pairs = append(pairs, transform.Pair{
			Teach:   transform.Point2D{X: ref.X, Y: ref.Y},
			Runtime: transform.Point2D{X: r.X, Y: r.Y},
		})
	}

	t, err := transform.Solve(pairs, opts)
	if err != nil {
		return nil, err
	}

	points := make([]orchestrator.Point, len(p.Points))
	for i, pt := range p.Points {
		c := t.Apply(transform.Point2D{X: pt.X, Y: pt.Y})
		points[i] = orchestrator.Point{ID: pt.ID, X: c.X, Y: c.Y}
	}
	return &Correction{
		Points:    points,
		Transform: t,
		Matrix:    t.Matrix(),
		Quality:   transform.Grade(t, len(pairs)),
	}, nil
}
