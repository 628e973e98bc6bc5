// Package storage persists reconstruction results in SQLite.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/kacperjurak/goretro"
	"github.com/kacperjurak/goretro/internal/logger"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when no result has the requested id.
var ErrNotFound = errors.New("result not found")

// Store is a SQLite-backed result store.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and migrates it to the
// latest schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	return m, nil
}

// migrateUp runs all pending migrations. The migrate instance is not
// closed since that would close the shared connection.
func (s *Store) migrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// Version returns the schema version and dirty flag.
func (s *Store) Version() (uint, bool, error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...any) {
	logger.Debug("[migrate] "+format, v...)
}

func (migrateLogger) Verbose() bool { return false }

// SaveResult stores r with its parameters and pegleg profile.
func (s *Store) SaveResult(ctx context.Context, r goretro.Result) error {
	if r.ID == "" {
		return errors.New("result has no id")
	}
	if len(r.Names) != len(r.Params) {
		return fmt.Errorf("result %s: %d names for %d params", r.ID, len(r.Names), len(r.Params))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO results (
			id, event_id, method, mode, neg_llh, cascade_energy, track_energy,
			pegleg_steps, pegleg_converged, scaling_converged, scaling_boundary, status,
			iterations, func_evals, clamped_hits, runtime
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.EventID, r.Method, r.Mode, r.NegLLH, r.CascadeEnergy, r.TrackEnergy,
		r.PeglegSteps, r.PeglegConverged, r.ScalingConverged, r.ScalingBoundary, string(r.Status),
		r.Iterations, r.FuncEvals, r.ClampedHits, r.Runtime,
	)
	if err != nil {
		return fmt.Errorf("failed to insert result %s: %w", r.ID, err)
	}

	for i, v := range r.Params {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO result_params (result_id, idx, name, value) VALUES (?, ?, ?, ?)`,
			r.ID, i, r.Names[i], v); err != nil {
			return fmt.Errorf("failed to insert parameter %s: %w", r.Names[i], err)
		}
	}
	for _, p := range r.Profile {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pegleg_profile (result_id, steps, alpha, llh, gain) VALUES (?, ?, ?, ?, ?)`,
			r.ID, p.Steps, p.Alpha, p.LLH, p.Gain); err != nil {
			return fmt.Errorf("failed to insert profile step %d: %w", p.Steps, err)
		}
	}
	return tx.Commit()
}

// GetResult loads a stored result by id.
func (s *Store) GetResult(ctx context.Context, id string) (goretro.Result, error) {
	var (
		r         goretro.Result
		status    string
		converged bool
		scalingOK bool
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, event_id, method, mode, neg_llh, cascade_energy, track_energy,
			pegleg_steps, pegleg_converged, scaling_converged, scaling_boundary, status,
			iterations, func_evals, clamped_hits, runtime
		FROM results WHERE id = ?`, id,
	).Scan(&r.ID, &r.EventID, &r.Method, &r.Mode, &r.NegLLH, &r.CascadeEnergy, &r.TrackEnergy,
		&r.PeglegSteps, &converged, &scalingOK, &r.ScalingBoundary, &status,
		&r.Iterations, &r.FuncEvals, &r.ClampedHits, &r.Runtime)
	if errors.Is(err, sql.ErrNoRows) {
		return goretro.Result{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return goretro.Result{}, err
	}
	r.PeglegConverged = converged
	r.ScalingConverged = scalingOK
	r.Status = goretro.Status(status)

	rows, err := s.db.QueryContext(ctx,
		`SELECT name, value FROM result_params WHERE result_id = ? ORDER BY idx`, id)
	if err != nil {
		return goretro.Result{}, err
	}
	for rows.Next() {
		var name string
		var v float64
		if err := rows.Scan(&name, &v); err != nil {
			rows.Close()
			return goretro.Result{}, err
		}
		r.Names = append(r.Names, name)
		r.Params = append(r.Params, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return goretro.Result{}, err
	}

	r.Profile, err = s.Profile(ctx, id)
	if err != nil {
		return goretro.Result{}, err
	}
	return r, nil
}

// Profile returns the pegleg profile of a result ordered by step.
func (s *Store) Profile(ctx context.Context, id string) ([]goretro.PeglegPoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT steps, alpha, llh, gain FROM pegleg_profile WHERE result_id = ? ORDER BY steps`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []goretro.PeglegPoint
	for rows.Next() {
		var p goretro.PeglegPoint
		if err := rows.Scan(&p.Steps, &p.Alpha, &p.LLH, &p.Gain); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Summary is a compact row of the results table.
type Summary struct {
	ID     string
	Method string
	NegLLH float64
	Status goretro.Status
}

// ListResults returns the results stored for an event, best first.
func (s *Store) ListResults(ctx context.Context, eventID string) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, method, neg_llh, status FROM results WHERE event_id = ? ORDER BY neg_llh, id`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sm Summary
		var status string
		if err := rows.Scan(&sm.ID, &sm.Method, &sm.NegLLH, &status); err != nil {
			return nil, err
		}
		sm.Status = goretro.Status(status)
		out = append(out, sm)
	}
	return out, rows.Err()
}
