// Package program holds taught inspection programs: fiducial references and
// the ordered inspection points replayed during a run.
package program

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/banshee-data/aoi.edge/internal/security"
)

const (
	TypeRef     = "ref"
	TypeInspect = "inspect"

	// MaxRefs is the number of fiducial slots on a program.
	MaxRefs = 3
	// DefaultName is the name of a freshly cleared program.
	DefaultName = "Untitled"
)

var (
	ErrNotFound        = errors.New("program not found")
	ErrInvalidRefIndex = errors.New("reference index must be 1, 2, or 3")
	ErrInvalidProgram  = errors.New("invalid program")
	ErrInvalidName     = errors.New("invalid program name")
)

// Point is a taught position in machine coordinates. Refs and inspection
// points share the type and are told apart by Type.
type Point struct {
	ID   int     `json:"id"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Type string  `json:"type,omitempty"`
}

// Program is a named set of up to three refs and an ordered point list.
type Program struct {
	Name      string    `json:"name"`
	Refs      []Point   `json:"refs"`
	Points    []Point   `json:"points"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Summary is the list view of a saved program.
type Summary struct {
	Name        string    `json:"name"`
	PointsCount int       `json:"points_count"`
	RefsCount   int       `json:"refs_count"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// New returns an empty program.
func New(name string) *Program {
	return &Program{Name: name, Refs: []Point{}, Points: []Point{}}
}

// Clone returns a deep copy.
func (p *Program) Clone() *Program {
	c := *p
	c.Refs = append([]Point{}, p.Refs...)
	c.Points = append([]Point{}, p.Points...)
	return &c
}

// Summary describes p for listings.
func (p *Program) Summary() Summary {
	return Summary{Name: p.Name, PointsCount: len(p.Points), RefsCount: len(p.Refs), UpdatedAt: p.UpdatedAt}
}

// SetRef records ref id at (x, y), replacing any existing ref with that
// id. Refs stay sorted by id.
func (p *Program) SetRef(id int, x, y float64) error {
	if id < 1 || id > MaxRefs {
		return fmt.Errorf("%w: got %d", ErrInvalidRefIndex, id)
	}
	refs := p.Refs[:0]
	for _, r := range p.Refs {
		if r.ID != id {
			refs = append(refs, r)
		}
	}
	refs = append(refs, Point{ID: id, X: x, Y: y, Type: TypeRef})
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	p.Refs = refs
	return nil
}

// AddPoint appends an inspection point numbered after the existing ones.
func (p *Program) AddPoint(x, y float64) Point {
	pt := Point{ID: len(p.Points) + 1, X: x, Y: y, Type: TypeInspect}
	p.Points = append(p.Points, pt)
	return pt
}

// Validate checks the ref and point id invariants.
func (p *Program) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidProgram)
	}
	if len(p.Refs) > MaxRefs {
		return fmt.Errorf("%w: %d refs, at most %d allowed", ErrInvalidProgram, len(p.Refs), MaxRefs)
	}
	seen := make(map[int]bool, len(p.Refs))
	for _, r := range p.Refs {
		if r.ID < 1 || r.ID > MaxRefs {
			return fmt.Errorf("%w: ref id %d", ErrInvalidProgram, r.ID)
		}
		if seen[r.ID] {
			return fmt.Errorf("%w: duplicate ref id %d", ErrInvalidProgram, r.ID)
		}
		seen[r.ID] = true
	}
	seen = make(map[int]bool, len(p.Points))
	for _, pt := range p.Points {
		if seen[pt.ID] {
			return fmt.Errorf("%w: duplicate point id %d", ErrInvalidProgram, pt.ID)
		}
		seen[pt.ID] = true
	}
	return nil
}

// CleanName validates a user supplied program name. Names become file names
// on export, so they are restricted to the same character set.
func CleanName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || security.SanitizeFilename(name) != name {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return name, nil
}
