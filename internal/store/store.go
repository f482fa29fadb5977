// Package store handles SQLite persistence of committed calibrations.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/houriganUCSC/ACFModeler/internal/fit"
	"github.com/houriganUCSC/ACFModeler/internal/session"

	_ "modernc.org/sqlite" // SQLite driver.
)

// ErrNoFits is returned when a commit holds no isotope.
var ErrNoFits = errors.New("no fits to commit")

// Fixed width so that stored times sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store wraps SQLite access for committed fits.
type Store struct {
	db *sql.DB
}

// Run describes a committed session.
type Run struct {
	ID        string
	Name      string
	Committed time.Time
	Start     time.Time
	Samples   int
	Cycles    int
	DeadTime  float64
}

// Record is the authoritative calibration of one isotope in a run.
type Record struct {
	RunID     string
	Committed time.Time
	Label     string
	Mass      float64
	TauSource fit.Source
	ACFSource fit.Source
	Tau       fit.Param
	A1        fit.Param
	A2        fit.Param
}

// Open opens or creates the SQLite database and applies migrations.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	st := &Store{db: db}
	if err := st.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return st, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			committed_at TEXT NOT NULL,
			start_at TEXT NOT NULL,
			samples INTEGER NOT NULL,
			cycles INTEGER NOT NULL,
			dead_time REAL
		);`,
		`CREATE TABLE IF NOT EXISTS fits (
			run_id TEXT NOT NULL REFERENCES runs(id),
			label TEXT NOT NULL,
			mass REAL,
			tau_source TEXT NOT NULL,
			acf_source TEXT NOT NULL,
			tau REAL,
			tau_se REAL,
			a1 REAL,
			a1_se REAL,
			a2 REAL,
			a2_se REAL,
			PRIMARY KEY (run_id, label)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_committed_at ON runs(committed_at);`,
		`CREATE INDEX IF NOT EXISTS idx_fits_label ON fits(label);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// nullable stores NaN as NULL.
func nullable(v float64) any {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}

func value(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}

// FromSession collects the authoritative parameters of every isotope.
func FromSession(s *session.Session, name string) (Run, []Record) {
	run := Run{
		Name:     name,
		Start:    time.Unix(int64(s.StartTime), 0).UTC(),
		Samples:  len(s.Samples),
		Cycles:   s.Cycles(),
		DeadTime: s.DeadTime,
	}
	recs := make([]Record, 0, len(s.Masses))
	for _, m := range s.Masses {
		sel := m.Fits.Selected()
		recs = append(recs, Record{
			Label:     m.Label,
			Mass:      m.AveMass,
			TauSource: sel.TauSource,
			ACFSource: sel.ACFSource,
			Tau:       sel.Tau,
			A1:        sel.A1,
			A2:        sel.A2,
		})
	}
	return run, recs
}

// Commit stores a run and its records and returns the new run ID.
func (s *Store) Commit(ctx context.Context, run Run, recs []Record) (id string, err error) {
	if len(recs) == 0 {
		return "", ErrNoFits
	}
	run.ID = uuid.NewString()
	if run.Committed.IsZero() {
		run.Committed = time.Now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, name, committed_at, start_at, samples, cycles, dead_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.Name,
		run.Committed.UTC().Format(timeLayout),
		run.Start.UTC().Format(time.RFC3339),
		run.Samples,
		run.Cycles,
		nullable(run.DeadTime),
	); err != nil {
		return "", err
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO fits (run_id, label, mass, tau_source, acf_source, tau, tau_se, a1, a1_se, a2, a2_se)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return "", err
	}
	defer stmt.Close()
	for _, r := range recs {
		if _, err = stmt.ExecContext(ctx,
			run.ID, r.Label, nullable(r.Mass),
			r.TauSource.String(), r.ACFSource.String(),
			nullable(r.Tau.Value), nullable(r.Tau.SE),
			nullable(r.A1.Value), nullable(r.A1.SE),
			nullable(r.A2.Value), nullable(r.A2.SE),
		); err != nil {
			return "", fmt.Errorf("isotope %s: %w", r.Label, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return "", err
	}
	return run.ID, nil
}

const recordColumns = `f.run_id, r.committed_at, f.label, f.mass, f.tau_source, f.acf_source,
	f.tau, f.tau_se, f.a1, f.a1_se, f.a2, f.a2_se`

func scanRecords(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var (
			r                         Record
			committed, tauSrc, acfSrc string
			mass, tau, tauSE          sql.NullFloat64
			a1, a1SE, a2, a2SE        sql.NullFloat64
		)
		if err := rows.Scan(&r.RunID, &committed, &r.Label, &mass, &tauSrc, &acfSrc,
			&tau, &tauSE, &a1, &a1SE, &a2, &a2SE); err != nil {
			return nil, err
		}
		var err error
		if r.Committed, err = time.Parse(timeLayout, committed); err != nil {
			return nil, fmt.Errorf("run %s: %w", r.RunID, err)
		}
		if r.TauSource, err = fit.ParseSource(tauSrc); err != nil {
			return nil, fmt.Errorf("run %s: %w", r.RunID, err)
		}
		if r.ACFSource, err = fit.ParseSource(acfSrc); err != nil {
			return nil, fmt.Errorf("run %s: %w", r.RunID, err)
		}
		r.Mass = value(mass)
		r.Tau = fit.Param{Value: value(tau), SE: value(tauSE)}
		r.A1 = fit.Param{Value: value(a1), SE: value(a1SE)}
		r.A2 = fit.Param{Value: value(a2), SE: value(a2SE)}
		out = append(out, r)
	}
	return out, rows.Err()
}

// History returns the committed fits of an isotope, newest first. A limit
// <= 0 returns all of them.
func (s *Store) History(ctx context.Context, label string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+`
		 FROM fits f JOIN runs r ON r.id = f.run_id
		 WHERE f.label = ?
		 ORDER BY r.committed_at DESC, r.rowid DESC
		 LIMIT ?`, label, limit)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

// Runs returns the committed runs, newest first.
func (s *Store) Runs(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, committed_at, start_at, samples, cycles, dead_time
		 FROM runs ORDER BY committed_at DESC, rowid DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		var (
			r                Run
			committed, start string
			dt               sql.NullFloat64
		)
		if err := rows.Scan(&r.ID, &r.Name, &committed, &start, &r.Samples, &r.Cycles, &dt); err != nil {
			return nil, err
		}
		var err error
		if r.Committed, err = time.Parse(timeLayout, committed); err != nil {
			return nil, err
		}
		if r.Start, err = time.Parse(time.RFC3339, start); err != nil {
			return nil, err
		}
		r.DeadTime = value(dt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// External returns, per isotope label, the parameters of its most recent
// commit. These serve as external estimates for later sessions.
func (s *Store) External(ctx context.Context) (map[string]fit.ExternalFit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+`
		 FROM fits f JOIN runs r ON r.id = f.run_id
		 ORDER BY r.committed_at, r.rowid`)
	if err != nil {
		return nil, err
	}
	recs, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[string]fit.ExternalFit)
	for _, r := range recs {
		out[r.Label] = fit.ExternalFit{Tau: r.Tau, A1: r.A1, A2: r.A2}
	}
	return out, nil
}
