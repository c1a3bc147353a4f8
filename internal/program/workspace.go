package program

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/banshee-data/aoi.edge/internal/motion"
	"github.com/banshee-data/aoi.edge/internal/timeutil"
)

// PositionReader reports where the machine is. motion.Controller satisfies it.
type PositionReader interface {
	Position(ctx context.Context) (motion.Position, error)
}

// Workspace is the program being taught. Every change is mirrored to the
// store so a restart resumes where the operator left off.
type Workspace struct {
	store *Store
	pos   PositionReader
	clock timeutil.Clock

	mu      sync.Mutex
	current *Program
}

// NewWorkspace restores the mirrored working program, or starts an empty
// one.
func NewWorkspace(ctx context.Context, store *Store, pos PositionReader, clock timeutil.Clock) (*Workspace, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	w := &Workspace{store: store, pos: pos, clock: clock}
	p, err := store.LoadCurrent(ctx)
	switch {
	case errors.Is(err, ErrNotFound):
		p = New(DefaultName)
	case err != nil:
		return nil, err
	default:
		log.Printf("[program] restored working program %q (%d refs, %d points)", p.Name, len(p.Refs), len(p.Points))
	}
	w.current = p
	return w, nil
}

// Current returns a copy of the working program.
func (w *Workspace) Current() *Program {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current.Clone()
}

// RecordRef stores the current machine position as ref idx (1..3).
func (w *Workspace) RecordRef(ctx context.Context, idx int) (*Program, error) {
	if idx < 1 || idx > MaxRefs {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidRefIndex, idx)
	}
	pos, err := w.pos.Position(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read position: %w", err)
	}
	return w.update(ctx, func(p *Program) error {
		return p.SetRef(idx, pos.X, pos.Y)
	})
}

// RecordPoint appends the current machine position as an inspection point.
func (w *Workspace) RecordPoint(ctx context.Context) (*Program, error) {
	pos, err := w.pos.Position(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read position: %w", err)
	}
	return w.update(ctx, func(p *Program) error {
		p.AddPoint(pos.X, pos.Y)
		return nil
	})
}

// Clear replaces the working program with an empty one.
func (w *Workspace) Clear(ctx context.Context) (*Program, error) {
	return w.update(ctx, func(p *Program) error {
		*p = *New(DefaultName)
		return nil
	})
}

// SaveAs renames the working program and saves it to the store.
func (w *Workspace) SaveAs(ctx context.Context, name string) (*Program, error) {
	name, err := CleanName(name)
	if err != nil {
		return nil, err
	}
	p, err := w.update(ctx, func(p *Program) error {
		p.Name = name
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := w.store.Save(ctx, p); err != nil {
		return nil, err
	}
	log.Printf("[program] saved %q (%d refs, %d points)", p.Name, len(p.Refs), len(p.Points))
	return p, nil
}

// Load makes the saved program called name the working program.
func (w *Workspace) Load(ctx context.Context, name string) (*Program, error) {
	loaded, err := w.store.Load(ctx, name)
	if err != nil {
		return nil, err
	}
	return w.replace(ctx, loaded)
}

// Import saves a program document and makes it the working program.
func (w *Workspace) Import(ctx context.Context, data []byte) (*Program, error) {
	p, err := Decode(data)
	if err != nil {
		return nil, err
	}
	p.UpdatedAt = w.clock.Now().UTC()
	if err := w.store.Save(ctx, p); err != nil {
		return nil, err
	}
	return w.replace(ctx, p)
}

func (w *Workspace) replace(ctx context.Context, p *Program) (*Program, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.store.SaveCurrent(ctx, p); err != nil {
		return nil, err
	}
	w.current = p.Clone()
	return p.Clone(), nil
}

// update applies fn to a copy and commits it once mirrored.
func (w *Workspace) update(ctx context.Context, fn func(*Program) error) (*Program, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	next := w.current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = w.clock.Now().UTC()
	if err := w.store.SaveCurrent(ctx, next); err != nil {
		return nil, err
	}
	w.current = next
	return next.Clone(), nil
}
