package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/peterje/conduit/internal/models"
)

// ErrNotFound is returned when a process record does not exist.
var ErrNotFound = errors.New("process record not found")

// Processes persists process records.
type Processes struct {
	db *sql.DB
}

func NewProcesses(database *sql.DB) *Processes {
	return &Processes{db: database}
}

const processColumns = `id, command, args, work_dir, pty, status, pid, exit_code, created_at, exited_at`

// Insert stores a new record.
func (p *Processes) Insert(ctx context.Context, rec models.Process) error {
	args, err := json.Marshal(nonNil(rec.Args))
	if err != nil {
		return fmt.Errorf("encode args: %w", err)
	}
	if rec.Status == "" {
		rec.Status = models.StatusRunning
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO processes (`+processColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Command, string(args), rec.WorkDir, rec.PTY, rec.Status,
		rec.PID, rec.ExitCode, rec.CreatedAt.UTC(), utcOrNil(rec.ExitedAt))
	if err != nil {
		return fmt.Errorf("insert process %s: %w", rec.ID, err)
	}
	return nil
}

// MarkExited records the exit code of a running process. Records that are
// no longer running are left untouched.
func (p *Processes) MarkExited(ctx context.Context, id string, exitCode int, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `UPDATE processes SET status = ?, exit_code = ?, exited_at = ?
		WHERE id = ? AND status = ?`,
		models.StatusExited, exitCode, at.UTC(), id, models.StatusRunning)
	if err != nil {
		return fmt.Errorf("mark process %s exited: %w", id, err)
	}
	return nil
}

func (p *Processes) Get(ctx context.Context, id string) (models.Process, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+processColumns+` FROM processes WHERE id = ?`, id)
	rec, err := scanProcess(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Process{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return models.Process{}, fmt.Errorf("get process %s: %w", id, err)
	}
	return rec, nil
}

// List returns all records, newest first.
func (p *Processes) List(ctx context.Context) ([]models.Process, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+processColumns+` FROM processes ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	defer rows.Close()

	procs := []models.Process{}
	for rows.Next() {
		rec, err := scanProcess(rows)
		if err != nil {
			return nil, fmt.Errorf("scan process: %w", err)
		}
		procs = append(procs, rec)
	}
	return procs, rows.Err()
}

// RunningIDs returns the IDs of records still marked running.
func (p *Processes) RunningIDs(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id FROM processes WHERE status = ? ORDER BY id`, models.StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("query running processes: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *Processes) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM processes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete process %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// MarkOrphaned marks every running record whose ID is not in active as
// stopped and returns the affected IDs.
func (p *Processes) MarkOrphaned(ctx context.Context, active []string) ([]string, error) {
	running, err := p.RunningIDs(ctx)
	if err != nil {
		return nil, err
	}
	alive := make(map[string]struct{}, len(active))
	for _, id := range active {
		alive[id] = struct{}{}
	}

	var orphaned []string
	for _, id := range running {
		if _, ok := alive[id]; !ok {
			orphaned = append(orphaned, id)
		}
	}
	if len(orphaned) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(orphaned)), ",")
	args := make([]any, 0, len(orphaned)+2)
	args = append(args, models.StatusStopped, time.Now().UTC())
	for _, id := range orphaned {
		args = append(args, id)
	}
	if _, err := p.db.ExecContext(ctx,
		`UPDATE processes SET status = ?, exited_at = ? WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return nil, fmt.Errorf("mark orphaned processes: %w", err)
	}
	return orphaned, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProcess(s scanner) (models.Process, error) {
	var (
		rec      models.Process
		args     string
		pid      sql.NullInt64
		exitCode sql.NullInt64
		exitedAt sql.NullTime
	)
	if err := s.Scan(&rec.ID, &rec.Command, &args, &rec.WorkDir, &rec.PTY, &rec.Status,
		&pid, &exitCode, &rec.CreatedAt, &exitedAt); err != nil {
		return models.Process{}, err
	}
	if err := json.Unmarshal([]byte(args), &rec.Args); err != nil {
		return models.Process{}, fmt.Errorf("decode args: %w", err)
	}
	if pid.Valid {
		v := int(pid.Int64)
		rec.PID = &v
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		rec.ExitCode = &v
	}
	if exitedAt.Valid {
		t := exitedAt.Time
		rec.ExitedAt = &t
	}
	return rec, nil
}

func nonNil(args []string) []string {
	if args == nil {
		return []string{}
	}
	return args
}

func utcOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
