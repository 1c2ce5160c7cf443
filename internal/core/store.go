package core

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed log of evictions and placements.
type Store struct{ db *sql.DB }

// timeLayout sorts lexically in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

//go:embed migrations/*.sql
var migrationFS embed.FS

// Eviction is a machine removed from monitoring after repeated failures.
type Eviction struct {
	ID        string
	Host      string
	Zone      Zone
	MonitorID int
	At        time.Time
}

// Placement records one machine reserved for a job.
type Placement struct {
	ID          string
	Job         string
	Host        string
	Zone        Zone
	Provisioned bool
	At          time.Time
}

func NewStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("mkdir store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) RecordEviction(ctx context.Context, e Eviction) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO machine_failures (id, host, zone, monitor_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.Host, string(e.Zone), e.MonitorID, e.At.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("record eviction: %w", err)
	}
	return nil
}

func (s *Store) RecordPlacement(ctx context.Context, p Placement) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.At.IsZero() {
		p.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO placements (id, job, host, zone, provisioned, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.Job, p.Host, string(p.Zone), p.Provisioned, p.At.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("record placement: %w", err)
	}
	return nil
}

// Evictions returns the newest evictions first.
func (s *Store) Evictions(ctx context.Context, limit int) ([]Eviction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, host, zone, monitor_id, created_at FROM machine_failures ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query evictions: %w", err)
	}
	defer rows.Close()
	var out []Eviction
	for rows.Next() {
		var (
			e        Eviction
			zone, at string
		)
		if err := rows.Scan(&e.ID, &e.Host, &zone, &e.MonitorID, &at); err != nil {
			return nil, fmt.Errorf("scan eviction: %w", err)
		}
		e.Zone = Zone(zone)
		if e.At, err = time.Parse(timeLayout, at); err != nil {
			return nil, fmt.Errorf("parse eviction time: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Placements returns the newest placements first.
func (s *Store) Placements(ctx context.Context, limit int) ([]Placement, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job, host, zone, provisioned, created_at FROM placements ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query placements: %w", err)
	}
	defer rows.Close()
	var out []Placement
	for rows.Next() {
		var (
			p        Placement
			zone, at string
		)
		if err := rows.Scan(&p.ID, &p.Job, &p.Host, &zone, &p.Provisioned, &at); err != nil {
			return nil, fmt.Errorf("scan placement: %w", err)
		}
		p.Zone = Zone(zone)
		if p.At, err = time.Parse(timeLayout, at); err != nil {
			return nil, fmt.Errorf("parse placement time: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
