package program

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/aoi.edge/internal/db"
)

// Store persists named programs and the current working program.
type Store struct {
	db *db.DB
}

func NewStore(database *db.DB) *Store {
	return &Store{db: database}
}

// Save upserts p under its name.
func (s *Store) Save(ctx context.Context, p *Program) error {
	if err := p.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode program %s: %w", p.Name, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO programs (name, program_json, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			program_json = excluded.program_json,
			updated_at = excluded.updated_at
	`, p.Name, string(data), p.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save program %s: %w", p.Name, err)
	}
	return nil
}

// Load returns the saved program called name.
func (s *Store) Load(ctx context.Context, name string) (*Program, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT program_json FROM programs WHERE name = ?`, name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load program %s: %w", name, err)
	}
	return decode(data)
}

// List returns summaries of every saved program ordered by name. Rows
// that no longer decode are skipped.
func (s *Store) List(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, program_json FROM programs ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list programs: %w", err)
	}
	defer rows.Close()

	summaries := []Summary{}
	for rows.Next() {
		var name, data string
		if err := rows.Scan(&name, &data); err != nil {
			return nil, fmt.Errorf("failed to scan program: %w", err)
		}
		p, err := decode(data)
		if err != nil {
			continue
		}
		summaries = append(summaries, p.Summary())
	}
	return summaries, rows.Err()
}

// Delete removes the saved program called name.
func (s *Store) Delete(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM programs WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete program %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return nil
}

// SaveCurrent mirrors the working program so it survives restarts.
func (s *Store) SaveCurrent(ctx context.Context, p *Program) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode current program: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO current_program (id, program_json, updated_at) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			program_json = excluded.program_json,
			updated_at = excluded.updated_at
	`, string(data), p.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save current program: %w", err)
	}
	return nil
}

// LoadCurrent returns the mirrored working program, or ErrNotFound when
// none has been stored yet.
func (s *Store) LoadCurrent(ctx context.Context) (*Program, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT program_json FROM current_program WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load current program: %w", err)
	}
	return decode(data)
}

func decode(data string) (*Program, error) {
	var p Program
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("failed to decode program: %w", err)
	}
	if p.Refs == nil {
		p.Refs = []Point{}
	}
	if p.Points == nil {
		p.Points = []Point{}
	}
	return &p, nil
}
